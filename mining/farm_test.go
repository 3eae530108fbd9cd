package mining

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/AGPFMiner/progminer/clients"
	"github.com/AGPFMiner/progminer/types"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

type stubWorker struct {
	index     int
	started   int32
	stopped   int32
	kicks     int32
	hashCount uint64
}

func (w *stubWorker) Index() int        { return w.index }
func (w *stubWorker) Start()            { atomic.AddInt32(&w.started, 1) }
func (w *stubWorker) Stop()             { atomic.AddInt32(&w.stopped, 1) }
func (w *stubWorker) Kick()             { atomic.AddInt32(&w.kicks, 1) }
func (w *stubWorker) HashCount() uint64 { return atomic.LoadUint64(&w.hashCount) }

type stubClient struct {
	submitted []types.Solution
}

func (c *stubClient) Connect()                                          {}
func (c *stubClient) Disconnect()                                       {}
func (c *stubClient) IsConnected() bool                                 { return true }
func (c *stubClient) IsAuthorized() bool                                { return true }
func (c *stubClient) SubmitSolution(sol types.Solution)                 { c.submitted = append(c.submitted, sol) }
func (c *stubClient) SubmitHashrate(rate string)                        {}
func (c *stubClient) SetConnectedCall(clients.ConnectionStateCall)      {}
func (c *stubClient) SetDisconnectedCall(clients.ConnectionStateCall)   {}
func (c *stubClient) SetWorkReceivedCall(clients.WorkReceivedCall)      {}
func (c *stubClient) SetSolutionAcceptedCall(clients.SolutionStateCall) {}
func (c *stubClient) SetSolutionRejectedCall(clients.SolutionStateCall) {}
func (c *stubClient) PoolConnectionStates() types.PoolConnectionStates  { return types.Alive }
func (c *stubClient) GetPoolStats() (s types.PoolStates)                { return }

func TestFarmPublishesWorkAndKicks(t *testing.T) {
	client := &stubClient{}
	farm := NewFarm(client, zap.NewNop())
	w1, w2 := &stubWorker{index: 0}, &stubWorker{index: 1}
	farm.AddWorker(w1)
	farm.AddWorker(w2)

	freshWork := farm.Work()
	if !freshWork.Empty() {
		t.Fatal("fresh farm must publish the empty package")
	}

	work := types.WorkPackage{
		Header: common.HexToHash("0xab"),
		Epoch:  7,
		Height: 350,
	}
	farm.SetWork(work)

	got := farm.Work()
	if got.Header != work.Header || got.Epoch != 7 || got.Height != 350 {
		t.Fatalf("published work mismatch: %+v", got)
	}
	if atomic.LoadInt32(&w1.kicks) != 1 || atomic.LoadInt32(&w2.kicks) != 1 {
		t.Fatal("every worker must be kicked on publication")
	}

	// the farm's copy is insulated from caller mutation
	work.Height = 999
	if farm.Work().Height != 350 {
		t.Fatal("published work must be a defensive copy")
	}
}

func TestFarmLifecycleAndSubmit(t *testing.T) {
	client := &stubClient{}
	farm := NewFarm(client, zap.NewNop())
	w := &stubWorker{}
	farm.AddWorker(w)

	farm.Start()
	farm.Start() // idempotent
	if atomic.LoadInt32(&w.started) != 1 {
		t.Fatalf("worker started %d times", w.started)
	}

	sol := types.Solution{Nonce: 42}
	farm.SubmitProof(sol)
	if len(client.submitted) != 1 || client.submitted[0].Nonce != 42 {
		t.Fatalf("submission not forwarded: %+v", client.submitted)
	}

	farm.FailedSolution()
	farm.SolutionAccepted(false)
	farm.SolutionAccepted(true)
	farm.SolutionRejected(false)
	accepted, rejected, failed, acceptedStale := farm.Counters()
	if accepted != 2 || rejected != 1 || failed != 1 || acceptedStale != 1 {
		t.Fatalf("counters: %d %d %d %d", accepted, rejected, failed, acceptedStale)
	}

	farm.Stop()
	if atomic.LoadInt32(&w.stopped) != 1 {
		t.Fatal("worker not stopped")
	}
}

func TestFarmCollectsHashRates(t *testing.T) {
	farm := NewFarm(&stubClient{}, zap.NewNop())
	w1, w2 := &stubWorker{index: 0}, &stubWorker{index: 1}
	farm.AddWorker(w1)
	farm.AddWorker(w2)

	farm.CollectHashRate() // establish the baseline tick

	atomic.AddUint64(&w1.hashCount, 1000)
	atomic.AddUint64(&w2.hashCount, 3000)
	time.Sleep(20 * time.Millisecond)

	total := farm.CollectHashRate()
	if total <= 0 {
		t.Fatalf("total rate: %v", total)
	}
	rates := farm.WorkerRates()
	if len(rates) != 2 {
		t.Fatalf("rates: %v", rates)
	}
	// worker 2 searched three times the nonces of worker 1
	ratio := rates[1] / rates[0]
	if ratio < 2.5 || ratio > 3.5 {
		t.Fatalf("per-worker ratio: %v (%v)", ratio, rates)
	}

	stats := farm.Stats()
	if stats.HashRate[0] <= 0 {
		t.Fatalf("one minute window empty: %+v", stats)
	}
}

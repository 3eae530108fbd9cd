package mining

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/AGPFMiner/progminer/clients"
	"github.com/AGPFMiner/progminer/statistics"
	"github.com/AGPFMiner/progminer/types"
	"github.com/jinzhu/copier"
	"go.uber.org/zap"
)

//Farm owns the device workers, publishes the current work to them and
// carries their submissions back to the pool client. The work slot has a
// single writer (the protocol engine's callback) and many readers.
type Farm struct {
	logger *zap.Logger

	work atomic.Value // types.WorkPackage

	mu      sync.Mutex
	client  clients.PoolClient
	workers []Worker
	rates   []*statistics.HashRate
	lastCnt []uint64
	started bool

	lastTick time.Time
	startAt  time.Time

	accepted, rejected, failed, acceptedStale int32
}

func NewFarm(client clients.PoolClient, logger *zap.Logger) *Farm {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Farm{client: client, logger: logger, startAt: time.Now(), lastTick: time.Now()}
}

//AddWorker registers a worker; must happen before Start.
func (f *Farm) AddWorker(w Worker) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workers = append(f.workers, w)
	f.rates = append(f.rates, &statistics.HashRate{})
	f.lastCnt = append(f.lastCnt, 0)
}

func (f *Farm) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		return
	}
	f.started = true
	for _, w := range f.workers {
		w.Start()
	}
}

func (f *Farm) Stop() {
	f.mu.Lock()
	workers := f.workers
	f.started = false
	f.mu.Unlock()
	for _, w := range workers {
		w.Stop()
	}
}

//SetWork publishes a new work package and kicks every worker out of its
// current batch. The package is defensively copied so the caller cannot
// mutate what workers read.
func (f *Farm) SetWork(w types.WorkPackage) {
	var dup types.WorkPackage
	copier.Copy(&dup, &w)
	f.work.Store(dup)

	f.logger.Info("New job",
		zap.String("header", dup.Header.Hex()),
		zap.Int("epoch", dup.Epoch),
		zap.Uint64("height", dup.Height))

	f.mu.Lock()
	workers := f.workers
	f.mu.Unlock()
	for _, worker := range workers {
		worker.Kick()
	}
}

//Work is the non-blocking read side of the published work slot.
func (f *Farm) Work() types.WorkPackage {
	if w, ok := f.work.Load().(types.WorkPackage); ok {
		return w
	}
	return types.WorkPackage{}
}

//SetClient swaps the pool client submissions are forwarded to; the
// supervisor calls it when failing over to another endpoint.
func (f *Farm) SetClient(c clients.PoolClient) {
	f.mu.Lock()
	f.client = c
	f.mu.Unlock()
}

//Client returns the currently wired pool client, possibly nil.
func (f *Farm) Client() clients.PoolClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.client
}

//SubmitProof forwards a worker's candidate to the pool client. Submissions
// funnel through here in the order workers produce them.
func (f *Farm) SubmitProof(sol types.Solution) {
	f.logger.Info("Solution found",
		zap.Uint64("nonce", sol.Nonce),
		zap.Bool("stale", sol.Stale))
	if client := f.Client(); client != nil {
		client.SubmitSolution(sol)
	}
}

//FailedSolution records a GPU result the host recheck refuted.
func (f *Farm) FailedSolution() {
	atomic.AddInt32(&f.failed, 1)
}

//SolutionAccepted and SolutionRejected are wired to the pool client's
// response callbacks by the supervisor.
func (f *Farm) SolutionAccepted(stale bool) {
	atomic.AddInt32(&f.accepted, 1)
	if stale {
		atomic.AddInt32(&f.acceptedStale, 1)
	}
	f.logger.Info("Share accepted", zap.Bool("stale", stale))
}

func (f *Farm) SolutionRejected(stale bool) {
	atomic.AddInt32(&f.rejected, 1)
	f.logger.Warn("Share rejected", zap.Bool("stale", stale))
}

//CollectHashRate samples every worker's hash counter, feeds the per-worker
// rate windows and returns the farm-wide rate in hashes per second since
// the previous tick.
func (f *Farm) CollectHashRate() (total float64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(f.lastTick).Seconds()
	f.lastTick = now
	if elapsed <= 0 {
		return 0
	}

	for i, w := range f.workers {
		cnt := w.HashCount()
		delta := cnt - f.lastCnt[i]
		f.lastCnt[i] = cnt
		rate := float64(delta) / elapsed
		f.rates[i].Add(rate)
		total += rate
	}
	return total
}

//WorkerRates returns the most recent per-worker rate samples.
func (f *Farm) WorkerRates() []float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]float64, len(f.rates))
	for i, hr := range f.rates {
		out[i] = hr.RecentNSum(1)
	}
	return out
}

//Stats summarizes the farm for the admin surface.
func (f *Farm) Stats() types.FarmStates {
	f.mu.Lock()
	oneMin, fiveMin, oneHour := 0.0, 0.0, 0.0
	for _, hr := range f.rates {
		oneMin += hr.RecentNAvg(12)
		fiveMin += hr.RecentNAvg(60)
		oneHour += hr.RecentNAvg(720)
	}
	started := f.started
	f.mu.Unlock()

	return types.FarmStates{
		HashRate:      [3]float64{oneMin, fiveMin, oneHour},
		DeviceRates:   f.WorkerRates(),
		MinerUp:       started,
		UptimeSeconds: int64(time.Since(f.startAt).Seconds()),
	}
}

//Counters returns accepted, rejected, failed and accepted-stale counts.
func (f *Farm) Counters() (accepted, rejected, failed, acceptedStale int32) {
	return atomic.LoadInt32(&f.accepted),
		atomic.LoadInt32(&f.rejected),
		atomic.LoadInt32(&f.failed),
		atomic.LoadInt32(&f.acceptedStale)
}

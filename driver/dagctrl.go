package driver

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bitset"
	"go.uber.org/zap"
)

//DagLoadMode selects how the per-device DAGs are produced.
type DagLoadMode int

const (
	//DagLoadParallel lets every device generate its own DAG concurrently.
	DagLoadParallel DagLoadMode = iota
	//DagLoadSequential serializes device initialization to avoid host
	// memory fan-out.
	DagLoadSequential
	//DagLoadSingle has one designated device generate the DAG and share
	// it with the rest through a host buffer.
	DagLoadSingle
)

func ParseDagLoadMode(s string) DagLoadMode {
	switch s {
	case "sequential":
		return DagLoadSequential
	case "single":
		return DagLoadSingle
	default:
		return DagLoadParallel
	}
}

const dagPollInterval = 100 * time.Millisecond

//DagCoordinator is the shared state between workers during DAG setup: the
// sequential load index and, in single mode, the host-side DAG buffer with
// its two phases (producer writes, then consumers read).
type DagCoordinator struct {
	mode         DagLoadMode
	createDevice int
	numWorkers   uint

	loadIndex int32

	mu      sync.Mutex
	hostDAG []byte
	copied  *bitset.BitSet
	logger  *zap.Logger
}

func NewDagCoordinator(mode DagLoadMode, createDevice, numWorkers int, logger *zap.Logger) *DagCoordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DagCoordinator{
		mode:         mode,
		createDevice: createDevice,
		numWorkers:   uint(numWorkers),
		copied:       bitset.New(uint(numWorkers)),
		logger:       logger,
	}
}

func (d *DagCoordinator) Mode() DagLoadMode { return d.mode }

//WaitTurn blocks worker index until the load index reaches it. Only the
// sequential mode gates; the others return immediately.
func (d *DagCoordinator) WaitTurn(index int) {
	if d.mode != DagLoadSequential {
		return
	}
	for atomic.LoadInt32(&d.loadIndex) < int32(index) {
		time.Sleep(dagPollInterval)
	}
}

//GeneratesLocally reports whether the device should run DAG generation
// itself: always, except for non-designated devices in single mode.
func (d *DagCoordinator) GeneratesLocally(device int) bool {
	return d.mode != DagLoadSingle || device == d.createDevice
}

//SharesToHost reports whether the generating device must copy its DAG back
// to the shared host buffer.
func (d *DagCoordinator) SharesToHost(device int) bool {
	return d.mode == DagLoadSingle && device == d.createDevice
}

//PublishHostDAG installs the generated DAG bytes for the waiting consumers.
// The pointer becoming non-nil is the producer→consumer handoff.
func (d *DagCoordinator) PublishHostDAG(dag []byte) {
	d.mu.Lock()
	d.hostDAG = dag
	d.mu.Unlock()
}

//AwaitHostDAG polls until the shared buffer is populated.
func (d *DagCoordinator) AwaitHostDAG() []byte {
	for {
		d.mu.Lock()
		dag := d.hostDAG
		d.mu.Unlock()
		if dag != nil {
			return dag
		}
		time.Sleep(dagPollInterval)
	}
}

//Done marks worker index as initialized: the sequential index advances and,
// in single mode, the host buffer is released once every worker has copied.
func (d *DagCoordinator) Done(index int) {
	atomic.AddInt32(&d.loadIndex, 1)
	if d.mode != DagLoadSingle {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.copied.Set(uint(index))
	if d.copied.Count() >= d.numWorkers && d.hostDAG != nil {
		d.hostDAG = nil
		d.logger.Info("Freeing DAG from host")
	}
}

//HostDAGHeld reports whether the shared host buffer is still allocated.
func (d *DagCoordinator) HostDAGHeld() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hostDAG != nil
}

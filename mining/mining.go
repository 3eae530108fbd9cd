package mining

import (
	"github.com/AGPFMiner/progminer/types"
	"go.uber.org/zap"
)

//HashRateReport is sent from the mining routines for giving combined
// information as output
type HashRateReport struct {
	MinerID  int
	HashRate float64
}

//Worker is the capability set a device worker exposes to the farm.
type Worker interface {
	//Index is the worker's stable ordinal; it also selects the worker's
	// slice of a pool-assigned nonce range.
	Index() int

	//Start launches the worker's search loop.
	Start()

	//Stop signals shutdown and blocks until the in-flight launch has
	// drained and the device is reset.
	Stop()

	//Kick invalidates the current batch so the loop re-reads the
	// published work after the in-flight launch completes.
	Kick()

	//HashCount returns the monotonically increasing number of nonces
	// searched so far.
	HashCount() uint64
}

//FarmFace is the narrow back-reference a worker holds to its farm. The
// worker never extends the farm's lifetime through it.
type FarmFace interface {
	//Work returns the currently published work package, never blocking.
	Work() types.WorkPackage

	//SubmitProof hands a candidate solution to the pool path.
	SubmitProof(sol types.Solution)

	//FailedSolution records a candidate the host-side recheck refuted.
	FailedSolution()
}

//WorkerArgs carries the construction-time wiring for device workers.
type WorkerArgs struct {
	Index  int
	Device int
	Logger *zap.Logger
}

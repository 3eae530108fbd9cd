package types

import (
	"github.com/ethereum/go-ethereum/common"
)

// ProgPowPeriod is the number of blocks a compiled ProgPoW kernel stays valid.
const ProgPowPeriod = 50

// WorkPackage is one unit of searchable work as announced by the pool.
// Instances are treated as immutable once published to the farm.
type WorkPackage struct {
	Header   common.Hash
	SeedHash common.Hash
	Epoch    int
	Boundary common.Hash
	Height   uint64

	// Job is the pool's job identifier, returned verbatim on submission.
	// Ethereum-stratum pads the stored copy to 64 hex chars; JobLen keeps
	// the original length so the submission can strip the padding again.
	Job    string
	JobLen int

	// StartNonce is the lower bound of the pool-assigned nonce range
	// (ethereum-stratum only; derived from the extranonce).
	StartNonce uint64

	// ExSizeBits is the width of the pool-assigned nonce prefix in bits.
	// -1 means the pool did not assign one.
	ExSizeBits int
}

// Empty reports whether the package carries no minable work.
func (w *WorkPackage) Empty() bool {
	return w.Header == (common.Hash{})
}

// PeriodSeed is the ProgPoW period this work's height falls in.
func (w *WorkPackage) PeriodSeed() uint64 {
	return w.Height / ProgPowPeriod
}

// SameSearchSpace reports whether a search started for w may keep running
// when the pool announces o. Header, epoch or period changes all require the
// workers to restart.
func (w *WorkPackage) SameSearchSpace(o *WorkPackage) bool {
	return w.Header == o.Header && w.Epoch == o.Epoch && w.PeriodSeed() == o.PeriodSeed()
}

// Solution is a candidate proof produced by a device worker.
type Solution struct {
	Nonce   uint64
	MixHash common.Hash
	Work    WorkPackage

	// Stale is set when new work arrived while this solution's kernel
	// launch was still in flight.
	Stale bool
}

// Package ethash is the seam to the external Ethash/ProgPoW math library.
// The heavy primitives (light cache generation, DAG sizing, full evaluation,
// kernel source) stay behind the Auxiliary interface; only the cheap epoch
// bookkeeping lives here.
package ethash

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

const (
	// ProgPowLanes and ProgPowDagLoads size one DAG element:
	// dagElements = dagBytes / (ProgPowLanes * ProgPowDagLoads * 4).
	ProgPowLanes    = 16
	ProgPowDagLoads = 4

	// Log2MaxMiners bounds how many devices can share a pool-assigned
	// nonce range; each device gets a disjoint slice of the remaining bits.
	Log2MaxMiners = 5
	MaxMiners     = 1 << Log2MaxMiners

	// maxCachedEpoch bounds the seed-chain lookup table.
	maxCachedEpoch = 2048
)

// Auxiliary provides the Ethash/ProgPoW primitives the workers need. The
// production implementation wraps the native library; tests substitute fakes.
type Auxiliary interface {
	// LightCacheOfEpoch returns the host-side light cache bytes for an epoch.
	LightCacheOfEpoch(epoch int) ([]byte, error)

	// DagSizeOfHeight returns the full dataset size in bytes at a height.
	DagSizeOfHeight(height uint64) uint64

	// Eval recomputes mix and final value for a candidate on the host.
	Eval(epoch int, header common.Hash, nonce uint64) (mix, value common.Hash, err error)

	// KernelSource returns the period-specialized ProgPoW kernel source
	// for the given height.
	KernelSource(height uint64) (string, error)
}

var (
	seedOnce  sync.Once
	seedIndex map[common.Hash]int
)

func buildSeedIndex() {
	seedIndex = make(map[common.Hash]int, maxCachedEpoch)
	var seed common.Hash
	for epoch := 0; epoch < maxCachedEpoch; epoch++ {
		seedIndex[seed] = epoch
		h := sha3.NewLegacyKeccak256()
		h.Write(seed[:])
		h.Sum(seed[:0])
	}
}

// ToEpoch resolves a seed hash to its epoch by walking the keccak-256 seed
// chain from the genesis seed. Returns -1 for an unknown seed.
func ToEpoch(seedHash common.Hash) int {
	seedOnce.Do(buildSeedIndex)
	if epoch, ok := seedIndex[seedHash]; ok {
		return epoch
	}
	return -1
}

// SeedOfEpoch is the inverse of ToEpoch, used by tests and diagnostics.
func SeedOfEpoch(epoch int) common.Hash {
	var seed common.Hash
	for i := 0; i < epoch; i++ {
		h := sha3.NewLegacyKeccak256()
		h.Write(seed[:])
		h.Sum(seed[:0])
	}
	return seed
}

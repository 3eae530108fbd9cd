package stratum

import (
	"encoding/binary"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// DiffToTarget converts a pool difficulty into a 32-byte big-endian share
// target. Used by the ethereum-stratum dialect, which announces difficulty
// instead of an explicit target.
func DiffToTarget(diff float64) (target common.Hash) {
	var words [8]uint32

	k := 6
	for ; k > 0 && diff > 1.0; k-- {
		diff /= 4294967296.0
	}
	m := uint64(4294901760.0 / diff)
	if m == 0 && k == 6 {
		for i := range target {
			target[i] = 0xff
		}
		return
	}

	words[k] = uint32(m)
	words[k+1] = uint32(m >> 32)

	var le [32]byte
	for i, w := range words {
		binary.LittleEndian.PutUint32(le[i*4:], w)
	}
	for i := 0; i < 32; i++ {
		target[31-i] = le[i]
	}
	return
}

// padShareTarget restores targets some pools shorten by stripping leading
// zeroes, zero-padding to 66 chars including the 0x prefix.
func padShareTarget(s string) string {
	if l := len(s); l < 66 && strings.HasPrefix(s, "0x") {
		return "0x" + strings.Repeat("0", 66-l) + s[2:]
	}
	return s
}

// parseHeight tolerates pools that send the block height as a decimal or
// 0x-prefixed hex string instead of a JSON number.
func parseHeight(s string) uint64 {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err := strconv.ParseUint(s[2:], 16, 64)
		if err != nil {
			return 0
		}
		return v
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

package rules

import (
	"crypto/sha256"
	"encoding/binary"
)

// DeriveRandom maps (seed, agent, tick, rule, domain) to a float in [0,1).
// Randomness is always derived, never drawn from a shared generator: the
// same inputs produce the same value on every platform, which is what makes
// whole runs bit-reproducible.
//
// Construction: SHA-256 over the fields (seed and tick big-endian, strings
// NUL-separated), first 8 bytes as a big-endian unsigned integer mapped onto
// the unit interval using the top 53 bits, so the result is always strictly
// below 1.
func DeriveRandom(seed uint64, agentID string, tick int, ruleName, domain string) float64 {
	h := sha256.New()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seed)
	h.Write(buf[:])
	h.Write([]byte{0})
	h.Write([]byte(agentID))
	h.Write([]byte{0})
	binary.BigEndian.PutUint64(buf[:], uint64(tick))
	h.Write(buf[:])
	h.Write([]byte{0})
	h.Write([]byte(ruleName))
	h.Write([]byte{0})
	h.Write([]byte(domain))

	sum := h.Sum(nil)
	n := binary.BigEndian.Uint64(sum[:8])
	return float64(n>>11) / (1 << 53)
}

package secret

import (
	"crypto/subtle"

	"firestige.xyz/magicreboot/internal/core"
)

// Match compares payload with the key in constant time. Any length other than Size is
// NotMatched without looking at the content.
func Match(s *Secret, payload []byte) core.MatchOutcome {
	if !s.Loaded() || len(payload) != Size {
		return core.NotMatched
	}
	if subtle.ConstantTimeCompare(s.key[:], payload) == 1 {
		return core.Matched
	}
	return core.NotMatched
}

package security

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Digest returns the hex BLAKE3 digest of a payload. Audit records store
// the digest instead of the source.
func Digest(payload string) string {
	sum := blake3.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

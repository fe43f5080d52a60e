package realtime

import (
	"crypto/rand"
	"encoding/hex"
)

// NewRandomHex returns a crypto-random hex string of length 2*nBytes.
// The gateway mints websocket session ids with it. nBytes <= 0 falls
// back to 16 bytes (32 hex chars).
func NewRandomHex(nBytes int) string {
	if nBytes <= 0 {
		nBytes = 16
	}

	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		// Empty means the entropy source failed; the gateway rejects the
		// handshake rather than issuing an unidentifiable session.
		return ""
	}

	return hex.EncodeToString(b)
}

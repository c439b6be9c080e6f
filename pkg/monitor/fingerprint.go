package monitor

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint computes the deterministic 256-bit content hash over
// (violation id, resource id) only — timestamp is deliberately
// excluded so a recurring violation maps to the same fingerprint,
// preventing duplicate pull requests on regression.
func Fingerprint(v Violation) string {
	h := sha256.New()
	h.Write([]byte(v.ID))
	h.Write([]byte{0})
	h.Write([]byte(v.ResourceID))
	return hex.EncodeToString(h.Sum(nil))
}

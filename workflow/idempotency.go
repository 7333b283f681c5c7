package workflow

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// IdempotencyKey derives the key sent to executors for a step. It depends only on
// the tenant, business key and step name, so a resumed or retried instance presents
// the same key for the same step.
func IdempotencyKey(tenantID, businessKey, stepName string) string {
	h, _ := blake2b.New256(nil) // only fails for oversized keys
	for _, part := range []string{tenantID, businessKey, stepName} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

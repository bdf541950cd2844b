package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// CanonicalHash computes a deterministic SHA-256 hash over the identifying
// payload fields of a work item. Values are whitespace-trimmed and the
// serialization is key-sorted, so the hash is independent of field order
// and of insignificant whitespace. Two payloads hash equal iff their
// normalized field sets are identical.
func CanonicalHash(payload map[string]string) string {
	normalized := make(map[string]string, len(payload))
	for key, value := range payload {
		normalized[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}

	// json.Marshal sorts map keys, giving a stable canonical form.
	data, err := json.Marshal(normalized)
	if err != nil {
		// A map[string]string cannot fail to marshal; keep the fallback
		// deterministic anyway.
		data = []byte{}
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

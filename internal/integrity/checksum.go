// Package integrity computes and verifies content checksums over sync payloads.
// Checksums are taken over a canonical serialization so the same payload always
// hashes to the same digest regardless of construction order.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/fieldpipe/syncengine/internal/model"
)

// Checksum returns the hex SHA-256 digest of the canonical form of p.
// encoding/json emits object keys in sorted order at every nesting level,
// which is exactly the stable ordering the checksum relies on.
func Checksum(p model.Payload) string {
	// Marshal of a map cannot fail for JSON-shaped values.
	b, err := json.Marshal(p)
	if err != nil {
		b = []byte("null")
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Verify reports whether the item's stored checksum matches its current payload.
func Verify(it *model.SyncItem) bool {
	return it.Checksum != "" && it.Checksum == Checksum(it.Payload)
}

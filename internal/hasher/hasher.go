// Package hasher fingerprints extracted content for change detection.
package hasher

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/fyrsmithlabs/indexd/internal/content"
)

// Hash returns the hex SHA-256 of all segment text concatenated in order.
func Hash(segments []content.Segment) string {
	h := sha256.New()
	for _, s := range segments {
		h.Write([]byte(s.Content))
	}
	return hex.EncodeToString(h.Sum(nil))
}

package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// FamilyHashLength is the number of hex characters in a family hash.
const FamilyHashLength = 32

// FamilyHash returns the truncated SHA-256 hex digest advertised instead of the family id.
func FamilyHash(familyID string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(familyID)))
	return hex.EncodeToString(sum[:FamilyHashLength/2])
}

// ShortID returns the first n characters of id, or id itself when shorter.
func ShortID(id string, n int) string {
	if len(id) <= n {
		return id
	}
	return id[:n]
}

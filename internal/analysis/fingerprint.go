package analysis

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// fieldSeparator joins normalized fields before hashing. A control byte
// keeps "a b"+"c" and "a"+"b c" from colliding.
const fieldSeparator = "\x1f"

// Normalize collapses a payload field for fingerprinting: case-folded,
// leading/trailing space trimmed, internal whitespace runs collapsed to a
// single space. Near-duplicate documents (quoting artifacts, re-wrapped
// lines, case changes) intentionally collapse to the same fingerprint.
func Normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// Fingerprint computes the cache key for a stage invocation: a sha256 hash
// over the stage name and the normalized payload fields in the fixed order
// the caller supplies them. Identical normalized input always yields an
// identical fingerprint.
func Fingerprint(stage Stage, fields ...string) string {
	h := sha256.New()
	h.Write([]byte(stage))
	for _, f := range fields {
		h.Write([]byte(fieldSeparator))
		h.Write([]byte(Normalize(f)))
	}
	return hex.EncodeToString(h.Sum(nil))
}

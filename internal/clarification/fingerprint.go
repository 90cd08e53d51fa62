package clarification

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// Normalize lowercases question, collapses whitespace and drops trailing punctuation.
func Normalize(question string) string {
	fields := strings.FieldsFunc(strings.ToLower(question), unicode.IsSpace)
	s := strings.Join(fields, " ")
	return strings.TrimRightFunc(s, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})
}

// Fingerprint is a stable hash of the normalized question text.
func Fingerprint(question string) string {
	sum := sha256.Sum256([]byte(Normalize(question)))
	return hex.EncodeToString(sum[:16])
}

// scopedKey is the history key used for a question asked again by another agent when
// answers are not shared across agents.
func scopedKey(fingerprint, agent string) string {
	return fingerprint + "/" + agent
}

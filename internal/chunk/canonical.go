package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Canonicalize normalizes content to canonical bytes: UTF-8 with \n line
// endings and no trailing whitespace on any line. Content hashes and chunk
// offsets are always computed over canonical form.
func Canonicalize(content string) string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")

	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.Join(lines, "\n")
}

// HashString returns the hex-encoded SHA-256 of the given string.
func HashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashContent canonicalizes and hashes in one step.
func HashContent(content string) string {
	return HashString(Canonicalize(content))
}

package sacred

import (
	"crypto/subtle"
	"time"
)

// VerificationCode derives a plan's verification code from its content hash
// and creation date: the first 12 hex characters of the hash joined with the
// UTC date token. Deterministic, so it is recomputable from the stored
// record after a restart.
func VerificationCode(contentHash string, createdAt time.Time) string {
	prefix := contentHash
	if len(prefix) > 12 {
		prefix = prefix[:12]
	}
	return prefix + "-" + createdAt.UTC().Format("20060102")
}

// verifyFactors checks both approval factors in constant time. Both
// comparisons always execute; a first-factor mismatch never short-circuits
// the second, so response timing reveals nothing about which factor failed.
func verifyFactors(gotCode, wantCode, gotKey, wantKey string) bool {
	codeOK := subtle.ConstantTimeCompare([]byte(gotCode), []byte(wantCode))
	keyOK := subtle.ConstantTimeCompare([]byte(gotKey), []byte(wantKey))
	return codeOK&keyOK == 1
}

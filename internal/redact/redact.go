// Package redact rewrites file content to remove credential-shaped strings
// before any text leaves the process for embedding. False positives are
// accepted; known secret shapes must never be emitted.
package redact

import (
	"fmt"
	"regexp"
)

// rule pairs a secret shape with its placeholder class. group selects which
// submatch is replaced; 0 replaces the whole match.
type rule struct {
	name  string
	re    *regexp.Regexp
	group int
}

// Rules are ordered: multi-line blocks first, then URLs with embedded
// credentials, then bare token shapes from most to least specific.
var rules = []rule{
	{"private_key", regexp.MustCompile(`(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`), 0},
	{"basic_auth_url", regexp.MustCompile(`\b([a-zA-Z][a-zA-Z0-9+.-]*://[^/\s:@]{1,64}):([^@\s]{1,128})@`), 2},
	{"aws_access_key", regexp.MustCompile(`\b(?:AKIA|ASIA|ABIA|ACCA)[0-9A-Z]{16}\b`), 0},
	{"anthropic_key", regexp.MustCompile(`\bsk-ant-[a-zA-Z0-9_-]{20,}\b`), 0},
	{"openai_key", regexp.MustCompile(`\bsk-[a-zA-Z0-9_-]{20,}\b`), 0},
	{"github_token", regexp.MustCompile(`\b(?:ghp|gho|ghu|ghs|ghr)_[A-Za-z0-9]{36,}\b`), 0},
	{"google_api_key", regexp.MustCompile(`\bAIza[0-9A-Za-z_-]{35}\b`), 0},
	{"slack_token", regexp.MustCompile(`\bxox[baprs]-[0-9A-Za-z-]{10,}\b`), 0},
	{"bearer_token", regexp.MustCompile(`(?i)\b(bearer\s+)([A-Za-z0-9_.~+/=-]{16,})\b`), 2},
	{"generic_secret", regexp.MustCompile(`(?i)\b(?:api[_-]?key|secret|token|passwd|password)["']?\s*[:=]\s*["']([A-Za-z0-9_./+=-]{16,})["']`), 1},
}

// Redact replaces every matched secret with a placeholder and reports the
// number of replacements. Placeholders never match the rules, so the function
// is idempotent.
func Redact(content string) (string, int) {
	total := 0
	for _, r := range rules {
		content = r.re.ReplaceAllStringFunc(content, func(match string) string {
			total++
			if r.group == 0 {
				return placeholder(r.name, len(match))
			}
			loc := r.re.FindStringSubmatchIndex(match)
			if loc == nil || len(loc) <= 2*r.group+1 || loc[2*r.group] < 0 {
				return placeholder(r.name, len(match))
			}
			s, e := loc[2*r.group], loc[2*r.group+1]
			return match[:s] + placeholder(r.name, e-s) + match[e:]
		})
	}
	return content, total
}

// placeholder tags the class and a coarse length bucket.
func placeholder(class string, n int) string {
	bucket := "short"
	switch {
	case n >= 256:
		bucket = "block"
	case n >= 64:
		bucket = "long"
	case n >= 32:
		bucket = "medium"
	}
	return fmt.Sprintf("[REDACTED:%s:%s]", class, bucket)
}

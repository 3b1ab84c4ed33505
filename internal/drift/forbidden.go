package drift

import "strings"

// Markers that make a plan sentence a prohibition.
var forbiddenMarkers = []string{"must not", "never", "forbidden"}

// forbiddenSentences extracts prohibition sentences from plan text,
// deduplicated, in document order.
func forbiddenSentences(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range splitSentences(text) {
		lower := strings.ToLower(s)
		for _, marker := range forbiddenMarkers {
			if !strings.Contains(lower, marker) {
				continue
			}
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
			break
		}
	}
	return out
}

// splitSentences breaks text on terminators and newlines. Plan prose is
// short declarative text; a grammar-aware splitter is not needed here.
func splitSentences(text string) []string {
	var out []string
	var sb strings.Builder
	flush := func() {
		if s := strings.TrimSpace(sb.String()); len(s) > 1 {
			out = append(out, s)
		}
		sb.Reset()
	}
	for _, r := range text {
		sb.WriteRune(r)
		switch r {
		case '.', '!', '?', '\n':
			flush()
		}
	}
	flush()
	return out
}

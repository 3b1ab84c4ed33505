// Package chunk splits text into bounded, overlapping chunks for embedding,
// and reassembles chunked content from reconstruction manifests. The splitter
// is deterministic and language-agnostic: identical input and parameters
// always produce identical chunks.
package chunk

import (
	"strings"
	"unicode/utf8"
)

// Chunk is a bounded slice of a source artifact. Offsets are byte positions
// into the canonical form of the source.
type Chunk struct {
	Ordinal int
	Content string
	Start   int
	End     int
	Hash    string
}

// Chunker splits canonical text. Target is the preferred chunk size in
// characters; Overlap is carried between consecutive chunks.
type Chunker struct {
	Target  int
	Overlap int
}

// NewChunker returns a chunker with the given parameters, falling back to
// defaults for non-positive values.
func NewChunker(target, overlap int) *Chunker {
	if target <= 0 {
		target = 1500
	}
	if overlap < 0 || overlap >= target {
		overlap = target / 10
	}
	return &Chunker{Target: target, Overlap: overlap}
}

// Split canonicalizes text and cuts it into chunks. Boundaries prefer
// paragraph breaks, then line breaks, then sentence ends. A chunk never ends
// inside a fenced code block; the chunk is extended past the target instead.
// Consecutive chunks overlap by roughly Overlap bytes. The chunk sequence
// tiles the whole input: every byte of the canonical text is covered by at
// least one chunk.
func (c *Chunker) Split(text string) []Chunk {
	canonical := Canonicalize(text)
	if canonical == "" {
		return nil
	}

	var chunks []Chunk
	pos := 0
	for pos < len(canonical) {
		end := c.cutPoint(canonical, pos)

		content := canonical[pos:end]
		chunks = append(chunks, Chunk{
			Ordinal: len(chunks),
			Content: content,
			Start:   pos,
			End:     end,
			Hash:    HashString(content),
		})

		if end >= len(canonical) {
			break
		}

		// Overlap carries context into the next chunk. Never restart
		// mid-rune, and always make forward progress.
		next := end - c.Overlap
		for next > 0 && next < len(canonical) && !utf8.RuneStart(canonical[next]) {
			next--
		}
		if next <= pos {
			next = pos + 1
			for next < len(canonical) && !utf8.RuneStart(canonical[next]) {
				next++
			}
		}
		pos = next
	}

	return chunks
}

// cutPoint picks the end offset for a chunk starting at pos.
func (c *Chunker) cutPoint(text string, pos int) int {
	end := pos + c.Target
	if end >= len(text) {
		return len(text)
	}

	// minimum useful chunk; boundaries are only searched above it
	floor := pos + c.Target/2

	if b := lastBoundary(text, floor, end, "\n\n"); b > 0 {
		end = b
	} else if b := lastBoundary(text, floor, end, "\n"); b > 0 {
		end = b
	} else if b := lastSentenceEnd(text, floor, end); b > 0 {
		end = b
	} else {
		// Hard cut; back up to a rune boundary.
		for end > pos+1 && !utf8.RuneStart(text[end]) {
			end--
		}
	}

	// A cut inside a fence is extended to the closing fence line.
	if insideFence(text[pos:end]) {
		if close := fenceClose(text, end); close > 0 {
			end = close
		} else {
			end = len(text)
		}
	}

	return end
}

// lastBoundary finds the last occurrence of sep in text[floor:limit] and
// returns the offset just past it, or 0 when none exists.
func lastBoundary(text string, floor, limit int, sep string) int {
	idx := strings.LastIndex(text[floor:limit], sep)
	if idx < 0 {
		return 0
	}
	return floor + idx + len(sep)
}

// lastSentenceEnd finds the last ". ", "? " or "! " in text[floor:limit] and
// returns the offset just past the punctuation+space, or 0.
func lastSentenceEnd(text string, floor, limit int) int {
	best := 0
	for _, sep := range []string{". ", "? ", "! "} {
		if idx := strings.LastIndex(text[floor:limit], sep); idx >= 0 {
			if end := floor + idx + len(sep); end > best {
				best = end
			}
		}
	}
	return best
}

// insideFence reports whether the segment ends inside a ``` fence, judged by
// an odd count of fence-opening lines.
func insideFence(segment string) bool {
	count := 0
	for _, line := range strings.Split(segment, "\n") {
		if strings.HasPrefix(strings.TrimLeft(line, " \t"), "```") {
			count++
		}
	}
	return count%2 == 1
}

// fenceClose returns the offset just past the line that closes the fence
// open at offset from, or 0 when the fence never closes.
func fenceClose(text string, from int) int {
	search := from
	for search < len(text) {
		lineEnd := strings.IndexByte(text[search:], '\n')
		var line string
		var next int
		if lineEnd < 0 {
			line = text[search:]
			next = len(text)
		} else {
			line = text[search : search+lineEnd]
			next = search + lineEnd + 1
		}
		if strings.HasPrefix(strings.TrimLeft(line, " \t"), "```") {
			return next
		}
		search = next
	}
	return 0
}

package chunk

import (
	"fmt"
	"sort"
)

// ManifestEntry records where one chunk sits inside its parent content.
type ManifestEntry struct {
	Ordinal int `json:"ordinal"`
	Start   int `json:"start"`
	End     int `json:"end"`
}

// Manifest is the reconstruction record for a chunked artifact. Offsets are
// authoritative: reassembly concatenates manifest ranges, which naturally
// deduplicates chunk overlap.
type Manifest []ManifestEntry

// BuildManifest derives the manifest from a chunk sequence.
func BuildManifest(chunks []Chunk) Manifest {
	m := make(Manifest, 0, len(chunks))
	for _, c := range chunks {
		m = append(m, ManifestEntry{Ordinal: c.Ordinal, Start: c.Start, End: c.End})
	}
	return m
}

// Reassemble rebuilds the parent content from chunk contents fetched via
// lookup. The manifest must tile the content without gaps; chunk contents
// must match their recorded spans exactly. Callers verify the result against
// the stored content hash.
func Reassemble(m Manifest, lookup func(ordinal int) (string, error)) (string, error) {
	if len(m) == 0 {
		return "", nil
	}

	sorted := make(Manifest, len(m))
	copy(sorted, m)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Ordinal < sorted[j].Ordinal })

	var sb []byte
	covered := 0
	for _, entry := range sorted {
		if entry.End <= entry.Start {
			return "", fmt.Errorf("manifest ordinal %d has empty span [%d,%d)", entry.Ordinal, entry.Start, entry.End)
		}
		if entry.Start > covered {
			return "", fmt.Errorf("manifest gap before ordinal %d: covered %d, next start %d", entry.Ordinal, covered, entry.Start)
		}
		if entry.End <= covered {
			// Fully shadowed by previous chunks.
			continue
		}

		content, err := lookup(entry.Ordinal)
		if err != nil {
			return "", fmt.Errorf("chunk %d unavailable: %w", entry.Ordinal, err)
		}
		if len(content) != entry.End-entry.Start {
			return "", fmt.Errorf("chunk %d length %d does not match span [%d,%d)",
				entry.Ordinal, len(content), entry.Start, entry.End)
		}

		sb = append(sb, content[covered-entry.Start:]...)
		covered = entry.End
	}

	return string(sb), nil
}

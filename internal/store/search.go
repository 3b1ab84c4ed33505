package store

import (
	"context"
	"sort"

	"contextkeeper/internal/embedding"
	"contextkeeper/internal/logging"
)

// SearchResult pairs a chunk with its similarity to the query vector.
type SearchResult struct {
	Chunk      ChunkRecord
	Similarity float64
}

// Search returns the top k chunks by cosine similarity against the query
// vector. Chunks without embeddings and chunks rejected by the filter are
// skipped. Results order by similarity descending; exact ties order by
// (source_path, ordinal) ascending so rankings are reproducible. The scan
// is exact: collections are per-project and small enough that approximate
// indexes would only blur the ranking.
func (c *Collection) Search(ctx context.Context, query []float32, k int, filter func(*ChunkRecord) bool) ([]SearchResult, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Search")
	defer timer.Stop()

	if k <= 0 {
		k = 10
	}

	c.mu.RLock()
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, source_path, ordinal, content, chunk_hash, doc_hash, start_offset, end_offset, embedding, metadata, created_at
		FROM chunks WHERE embedding IS NOT NULL`)
	if err != nil {
		c.mu.RUnlock()
		return nil, err
	}
	records, err := scanChunkRows(rows)
	rows.Close()
	c.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(records))
	skipped := 0
	for i := range records {
		if filter != nil && !filter(&records[i]) {
			continue
		}
		similarity, err := embedding.CosineSimilarity(query, records[i].Embedding)
		if err != nil {
			skipped++
			continue
		}
		results = append(results, SearchResult{Chunk: records[i], Similarity: similarity})
	}
	if skipped > 0 {
		logging.Get(logging.CategoryStore).Warn("Search skipped %d chunks with mismatched dimensions in %s", skipped, c.name)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		if results[i].Chunk.SourcePath != results[j].Chunk.SourcePath {
			return results[i].Chunk.SourcePath < results[j].Chunk.SourcePath
		}
		return results[i].Chunk.Ordinal < results[j].Chunk.Ordinal
	})

	if len(results) > k {
		results = results[:k]
	}

	logging.StoreDebug("Search in %s returned %d results (scanned=%d)", c.name, len(results), len(records))
	return results, nil
}

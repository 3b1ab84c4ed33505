package store

import (
	"context"
	"testing"

	"contextkeeper/internal/fault"
)

func testChunks(contents []string, vecs [][]float32) []ChunkRecord {
	records := make([]ChunkRecord, len(contents))
	pos := 0
	for i, content := range contents {
		var vec []float32
		if vecs != nil {
			vec = vecs[i]
		}
		records[i] = ChunkRecord{
			Ordinal:   i,
			Content:   content,
			ChunkHash: "chunk" + content,
			Start:     pos,
			End:       pos + len(content),
			Embedding: vec,
		}
		pos += len(content)
	}
	return records
}

func TestCollection_ReplaceSourceIsAtomic(t *testing.T) {
	s := newTestStore(t, 2)
	ctx := context.Background()

	c, err := s.Collection("proj")
	if err != nil {
		t.Fatalf("Collection failed: %v", err)
	}

	first := testChunks([]string{"one", "two", "three"}, [][]float32{{1, 0}, {0, 1}, {1, 1}})
	if err := c.ReplaceSource(ctx, "main.go", "hash1", first); err != nil {
		t.Fatalf("ReplaceSource failed: %v", err)
	}

	second := testChunks([]string{"four"}, [][]float32{{0.5, 0.5}})
	if err := c.ReplaceSource(ctx, "main.go", "hash2", second); err != nil {
		t.Fatalf("second ReplaceSource failed: %v", err)
	}

	got, err := c.ChunksBySource(ctx, "main.go")
	if err != nil {
		t.Fatalf("ChunksBySource failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected old chunks replaced, got %d rows", len(got))
	}
	if got[0].Content != "four" || got[0].DocHash != "hash2" {
		t.Errorf("unexpected surviving chunk: %+v", got[0])
	}
}

func TestCollection_ReplaceSourceRejectsWrongDimension(t *testing.T) {
	s := newTestStore(t, 2)
	ctx := context.Background()

	c, _ := s.Collection("proj")
	bad := testChunks([]string{"x"}, [][]float32{{1, 2, 3}})
	err := c.ReplaceSource(ctx, "main.go", "h", bad)
	if err == nil {
		t.Fatal("expected dimension mismatch")
	}
	if !fault.IsKind(err, fault.DimensionMismatch) {
		t.Errorf("expected DimensionMismatch, got %s", fault.KindOf(err))
	}

	// The failed write must not leave partial rows behind.
	n, err := c.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected empty collection after rejected write, got %d rows", n)
	}
}

func TestCollection_NilEmbeddingAllowed(t *testing.T) {
	s := newTestStore(t, 2)
	ctx := context.Background()

	c, _ := s.Collection("proj")
	records := []ChunkRecord{
		{Ordinal: 0, Content: "   ", ChunkHash: "ws", Start: 0, End: 3, Embedding: nil},
		{Ordinal: 1, Content: "real", ChunkHash: "r", Start: 3, End: 7, Embedding: []float32{1, 0}},
	}
	if err := c.ReplaceSource(ctx, "pad.txt", "h", records); err != nil {
		t.Fatalf("ReplaceSource failed: %v", err)
	}

	got, err := c.ChunksBySource(ctx, "pad.txt")
	if err != nil {
		t.Fatalf("ChunksBySource failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(got))
	}
	if got[0].Embedding != nil {
		t.Error("whitespace chunk should keep nil embedding")
	}
	if len(got[1].Embedding) != 2 {
		t.Error("embedded chunk lost its vector")
	}

	// Search only sees the embedded chunk.
	results, err := c.Search(ctx, []float32{1, 0}, 5, nil)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 || results[0].Chunk.Content != "real" {
		t.Errorf("search should skip nil embeddings: %+v", results)
	}
}

func TestCollection_DeleteSource(t *testing.T) {
	s := newTestStore(t, 2)
	ctx := context.Background()

	c, _ := s.Collection("proj")
	c.ReplaceSource(ctx, "a.go", "ha", testChunks([]string{"aa"}, [][]float32{{1, 0}}))
	c.ReplaceSource(ctx, "b.go", "hb", testChunks([]string{"bb"}, [][]float32{{0, 1}}))

	n, err := c.DeleteSource(ctx, "a.go")
	if err != nil {
		t.Fatalf("DeleteSource failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 deleted chunk, got %d", n)
	}

	if _, ok, _ := c.SourceHash(ctx, "a.go"); ok {
		t.Error("a.go should be gone")
	}
	if _, ok, _ := c.SourceHash(ctx, "b.go"); !ok {
		t.Error("b.go should survive")
	}

	// Unknown source is a no-op.
	n, err = c.DeleteSource(ctx, "missing.go")
	if err != nil || n != 0 {
		t.Errorf("deleting missing source: n=%d err=%v", n, err)
	}
}

func TestCollection_UpdateSourceMetadata(t *testing.T) {
	s := newTestStore(t, 2)
	ctx := context.Background()

	c, _ := s.Collection("sacred_proj")
	records := testChunks([]string{"plan body", "more plan"}, [][]float32{{1, 0}, {0, 1}})
	for i := range records {
		records[i].Metadata = map[string]interface{}{"plan_id": "plan_1234", "status": "pending_approval"}
	}
	if err := c.ReplaceSource(ctx, "plan_1234", "ph", records); err != nil {
		t.Fatalf("ReplaceSource failed: %v", err)
	}

	n, err := c.UpdateSourceMetadata(ctx, "plan_1234", map[string]interface{}{"status": "approved"})
	if err != nil {
		t.Fatalf("UpdateSourceMetadata failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 updated chunks, got %d", n)
	}

	got, _ := c.ChunksBySource(ctx, "plan_1234")
	for _, rec := range got {
		if rec.Metadata["status"] != "approved" {
			t.Errorf("chunk %d status not rewritten: %v", rec.Ordinal, rec.Metadata["status"])
		}
		if rec.Metadata["plan_id"] != "plan_1234" {
			t.Errorf("chunk %d lost unrelated metadata", rec.Ordinal)
		}
	}
}

func TestCollection_FilteredChunks(t *testing.T) {
	s := newTestStore(t, 2)
	ctx := context.Background()

	c, _ := s.Collection("sacred_proj")
	approved := testChunks([]string{"approved plan"}, [][]float32{{1, 0}})
	approved[0].Metadata = map[string]interface{}{"status": "approved"}
	c.ReplaceSource(ctx, "plan_a", "ha", approved)

	draft := testChunks([]string{"draft plan"}, [][]float32{{0, 1}})
	draft[0].Metadata = map[string]interface{}{"status": "draft"}
	c.ReplaceSource(ctx, "plan_b", "hb", draft)

	got, err := c.FilteredChunks(ctx, func(rec *ChunkRecord) bool {
		return rec.Metadata["status"] == "approved"
	})
	if err != nil {
		t.Fatalf("FilteredChunks failed: %v", err)
	}
	if len(got) != 1 || got[0].SourcePath != "plan_a" {
		t.Errorf("filter failed: %+v", got)
	}
}

func TestEncodeDecodeFloat32(t *testing.T) {
	vec := []float32{0.1, -2.5, 3.75, 0}
	decoded, err := decodeFloat32(encodeFloat32(vec))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(decoded) != len(vec) {
		t.Fatalf("length mismatch: %d != %d", len(decoded), len(vec))
	}
	for i := range vec {
		if decoded[i] != vec[i] {
			t.Errorf("value %d changed: %f != %f", i, decoded[i], vec[i])
		}
	}

	if out, err := decodeFloat32(nil); err != nil || out != nil {
		t.Errorf("nil blob should decode to nil, got %v / %v", out, err)
	}

	if _, err := decodeFloat32([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for truncated blob")
	}
}

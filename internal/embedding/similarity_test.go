package embedding

import (
	"math"
	"testing"

	"contextkeeper/internal/fault"
)

func TestCosineSimilarityIdentical(t *testing.T) {
	a := []float32{0.5, 0.5, 0.5}
	sim, err := CosineSimilarity(a, a)
	if err != nil {
		t.Fatalf("CosineSimilarity failed: %v", err)
	}
	if math.Abs(sim-1.0) > 1e-9 {
		t.Errorf("identical vectors should score 1.0, got %f", sim)
	}
}

func TestCosineSimilarityOrthogonal(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{0, 1}
	sim, err := CosineSimilarity(a, b)
	if err != nil {
		t.Fatalf("CosineSimilarity failed: %v", err)
	}
	if math.Abs(sim) > 1e-9 {
		t.Errorf("orthogonal vectors should score 0, got %f", sim)
	}
}

func TestCosineSimilarityOpposite(t *testing.T) {
	a := []float32{1, 2, 3}
	b := []float32{-1, -2, -3}
	sim, err := CosineSimilarity(a, b)
	if err != nil {
		t.Fatalf("CosineSimilarity failed: %v", err)
	}
	if math.Abs(sim+1.0) > 1e-9 {
		t.Errorf("opposite vectors should score -1.0, got %f", sim)
	}
}

func TestCosineSimilarityZeroMagnitude(t *testing.T) {
	a := []float32{0, 0, 0}
	b := []float32{1, 2, 3}
	sim, err := CosineSimilarity(a, b)
	if err != nil {
		t.Fatalf("zero vector should not error: %v", err)
	}
	if sim != 0 {
		t.Errorf("zero vector should score 0, got %f", sim)
	}
}

func TestCosineSimilarityDimensionMismatch(t *testing.T) {
	a := []float32{1, 2}
	b := []float32{1, 2, 3}
	_, err := CosineSimilarity(a, b)
	if err == nil {
		t.Fatal("expected error for mismatched dimensions")
	}
	if !fault.IsKind(err, fault.DimensionMismatch) {
		t.Errorf("expected DimensionMismatch, got %s", fault.KindOf(err))
	}
}

func TestFindTopKOrdering(t *testing.T) {
	query := []float32{1, 0}
	corpus := [][]float32{
		{0, 1},       // orthogonal: 0.0
		{1, 0},       // identical: 1.0
		{1, 1},       // 45 degrees: ~0.707
		{-1, 0},      // opposite: -1.0
		{0.9, 0.01},  // near-identical
	}

	results, err := FindTopK(query, corpus, 3)
	if err != nil {
		t.Fatalf("FindTopK failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Index != 1 {
		t.Errorf("expected index 1 first (identical), got %d", results[0].Index)
	}
	if results[1].Index != 4 {
		t.Errorf("expected index 4 second (near-identical), got %d", results[1].Index)
	}
	for i := 1; i < len(results); i++ {
		if results[i].Similarity > results[i-1].Similarity {
			t.Errorf("results not sorted descending at position %d", i)
		}
	}
}

func TestFindTopKTieBreakByIndex(t *testing.T) {
	query := []float32{1, 0}
	// Three exact duplicates tie at similarity 1.0.
	corpus := [][]float32{
		{2, 0},
		{1, 0},
		{3, 0},
	}

	for run := 0; run < 5; run++ {
		results, err := FindTopK(query, corpus, 3)
		if err != nil {
			t.Fatalf("FindTopK failed: %v", err)
		}
		for i, want := range []int{0, 1, 2} {
			if results[i].Index != want {
				t.Fatalf("run %d: tie not broken by index: position %d got index %d, want %d",
					run, i, results[i].Index, want)
			}
		}
	}
}

func TestFindTopKSkipsMismatchedVectors(t *testing.T) {
	query := []float32{1, 0}
	corpus := [][]float32{
		{1, 0, 0}, // wrong dimension, skipped
		{1, 0},
	}

	results, err := FindTopK(query, corpus, 10)
	if err != nil {
		t.Fatalf("FindTopK failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Index != 1 {
		t.Errorf("expected index 1, got %d", results[0].Index)
	}
}

func TestFindTopKDefaultsK(t *testing.T) {
	query := []float32{1}
	corpus := make([][]float32, 15)
	for i := range corpus {
		corpus[i] = []float32{float32(i + 1)}
	}

	results, err := FindTopK(query, corpus, 0)
	if err != nil {
		t.Fatalf("FindTopK failed: %v", err)
	}
	if len(results) != 10 {
		t.Errorf("expected default k of 10, got %d results", len(results))
	}
}

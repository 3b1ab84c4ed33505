package store

import (
	"encoding/binary"
	"math"

	"contextkeeper/internal/fault"
)

// Embeddings are persisted as little-endian float32 blobs, the layout
// sqlite-vec expects, so the same column works with or without the
// extension loaded.

// encodeFloat32 converts a float32 slice into a little-endian blob.
func encodeFloat32(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32 converts a little-endian blob back into a float32 slice.
func decodeFloat32(b []byte) ([]float32, error) {
	if len(b) == 0 {
		return nil, nil
	}
	if len(b)%4 != 0 {
		return nil, fault.New(fault.IntegrityError, "embedding blob length %d is not a multiple of 4", len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, nil
}

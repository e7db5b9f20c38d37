package store

import (
	"encoding/binary"
	"fmt"
	"math"
)

// encodeFloat32Blob serializes a vector as contiguous IEEE-754
// little-endian float32, the layout sqlite-vec expects.
func encodeFloat32Blob(vec []float32) []byte {
	out := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

// decodeFloat32Blob parses a little-endian float32 blob back into a vector.
func decodeFloat32Blob(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d is not a multiple of 4", len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, nil
}

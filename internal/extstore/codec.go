package extstore

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Array blobs are gzip-compressed little-endian float64 sequences. The
// compression matters for raw traces (tens of thousands of samples per cell,
// long flat stretches) and costs little on the small arrays.

func encodeFloats(vals []float64) ([]byte, error) {
	raw := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(raw[i*8:], math.Float64bits(v))
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("compressing array: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compressing array: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeFloats(blob []byte, length int) ([]float64, error) {
	zr, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, fmt.Errorf("decompressing array: %w", err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decompressing array: %w", err)
	}
	if len(raw) != 8*length {
		return nil, fmt.Errorf("array blob holds %d bytes, want %d for %d values", len(raw), 8*length, length)
	}
	vals := make([]float64, length)
	for i := range vals {
		vals[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:]))
	}
	return vals, nil
}

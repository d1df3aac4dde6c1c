package tensor

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Encode serializes values as little-endian bytes, the layout shader storage uses.
func Encode[T Element](values []T) []byte {
	out := make([]byte, len(values)*4)
	for i, v := range values {
		var bits uint32
		switch x := any(v).(type) {
		case float32:
			bits = math.Float32bits(x)
		case int32:
			bits = uint32(x)
		case uint32:
			bits = x
		}
		binary.LittleEndian.PutUint32(out[i*4:], bits)
	}
	return out
}

// Decode parses little-endian bytes produced by a driver read back.
func Decode[T Element](raw []byte) ([]T, error) {
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("tensor: buffer length %d is not a multiple of 4", len(raw))
	}
	out := make([]T, len(raw)/4)
	for i := range out {
		bits := binary.LittleEndian.Uint32(raw[i*4:])
		var v T
		switch p := any(&v).(type) {
		case *float32:
			*p = math.Float32frombits(bits)
		case *int32:
			*p = int32(bits)
		case *uint32:
			*p = bits
		}
		out[i] = v
	}
	return out, nil
}

// Pad rounds n up to a multiple of align.
func Pad(n, align uint64) uint64 {
	if align == 0 {
		return n
	}
	return (n + align - 1) / align * align
}

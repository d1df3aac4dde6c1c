package tensor

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataTypeSize(t *testing.T) {
	for _, dt := range []DataType{Float32, Int32, Uint32} {
		if got := dt.Size(); got != 4 {
			t.Errorf("%s.Size() = %d, want 4", dt, got)
		}
	}
}

func TestDataTypeNames(t *testing.T) {
	tests := []struct {
		dtype DataType
		str   string
		wgsl  string
	}{
		{Float32, "float32", "f32"},
		{Int32, "int32", "i32"},
		{Uint32, "uint32", "u32"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.str, tt.dtype.String())
		assert.Equal(t, tt.wgsl, tt.dtype.WGSL())

		parsed, err := ParseDataType(tt.wgsl)
		require.NoError(t, err)
		assert.Equal(t, tt.dtype, parsed)
	}

	_, err := ParseDataType("float64")
	assert.Error(t, err)
	assert.Equal(t, "unknown", DataType(42).String())
	assert.False(t, DataType(42).Valid())
}

func TestDataTypeOf(t *testing.T) {
	assert.Equal(t, Float32, DataTypeOf[float32]())
	assert.Equal(t, Int32, DataTypeOf[int32]())
	assert.Equal(t, Uint32, DataTypeOf[uint32]())
}

func TestShape(t *testing.T) {
	assert.Equal(t, 1, Scalar.NumElements())
	assert.Equal(t, 6, Shape{2, 3}.NumElements())
	assert.Equal(t, []int{3, 1}, Shape{2, 3}.Strides())
	assert.True(t, Shape{3, 3}.IsSquareMatrix())
	assert.False(t, Shape{3, 2}.IsSquareMatrix())
	assert.False(t, Shape{9}.IsSquareMatrix())

	assert.NoError(t, Shape{1, 2}.Validate())
	assert.Error(t, Shape{1, 0}.Validate())

	s := Shape{4, 5}
	c := s.Clone()
	c[0] = 9
	assert.Equal(t, 4, s[0])
	assert.False(t, s.Equal(c))
	assert.False(t, s.Equal(Shape{4}))
}

func TestEncodeDecode(t *testing.T) {
	floats := []float32{1, -2.5, float32(math.Inf(1))}
	raw := Encode(floats)
	require.Len(t, raw, 12)
	// 1.0f little endian
	assert.Equal(t, []byte{0x00, 0x00, 0x80, 0x3f}, raw[:4])

	back, err := Decode[float32](raw)
	require.NoError(t, err)
	assert.Equal(t, floats, back)

	ints, err := Decode[int32](Encode([]int32{-1, 7}))
	require.NoError(t, err)
	assert.Equal(t, []int32{-1, 7}, ints)

	_, err = Decode[uint32]([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestPad(t *testing.T) {
	assert.Equal(t, uint64(16), Pad(4, 16))
	assert.Equal(t, uint64(16), Pad(16, 16))
	assert.Equal(t, uint64(32), Pad(17, 16))
	assert.Equal(t, uint64(5), Pad(5, 0))
}

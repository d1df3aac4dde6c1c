package kernel

import (
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/zelkova/internal/tensor"
)

func TestOpNames(t *testing.T) {
	for op := Add; op <= Transpose; op++ {
		parsed, err := ParseOp(op.String())
		require.NoError(t, err)
		assert.Equal(t, op, parsed)
	}
	_, err := ParseOp("matmul")
	assert.Error(t, err)
	assert.Equal(t, "op(99)", Op(99).String())
}

func TestOpCategoryAndArity(t *testing.T) {
	tests := []struct {
		op       Op
		category Category
		lo, hi   int
	}{
		{Add, Elementwise, 2, -1},
		{Div, Elementwise, 2, -1},
		{Exp, Elementwise, 1, 1},
		{Rotate, Elementwise, 1, 1},
		{Sum, Reduction, 1, 1},
		{Determinant, Reduction, 1, 1},
		{Inverse, Reduction, 1, 1},
		{Transpose, Reduction, 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.op.String(), func(t *testing.T) {
			assert.Equal(t, tt.category, tt.op.Category())
			lo, hi := tt.op.Arity()
			assert.Equal(t, tt.lo, lo)
			assert.Equal(t, tt.hi, hi)
		})
	}
}

func TestOpCheck(t *testing.T) {
	assert.NoError(t, Determinant.Check(tensor.Shape{3, 3}, tensor.Float32))
	assert.Error(t, Determinant.Check(tensor.Shape{3, 2}, tensor.Float32))
	assert.Error(t, Determinant.Check(tensor.Shape{3, 3}, tensor.Int32))
	assert.Error(t, Inverse.Check(tensor.Shape{17, 17}, tensor.Float32))
	assert.Error(t, Exp.Check(tensor.Shape{4}, tensor.Uint32))
	assert.Error(t, Transpose.Check(tensor.Shape{4}, tensor.Int32))
	assert.NoError(t, Transpose.Check(tensor.Shape{2, 5}, tensor.Int32))
	assert.NoError(t, Sum.Check(tensor.Shape{2, 5, 7}, tensor.Uint32))
}

func TestResultShape(t *testing.T) {
	assert.Equal(t, tensor.Scalar, Sum.ResultShape(tensor.Shape{4, 4}))
	assert.Equal(t, tensor.Scalar, Determinant.ResultShape(tensor.Shape{4, 4}))
	assert.Equal(t, tensor.Shape{5, 2}, Transpose.ResultShape(tensor.Shape{2, 5}))
	assert.Equal(t, tensor.Shape{2, 5}, Add.ResultShape(tensor.Shape{2, 5}))
}

func TestProgramLayoutFor(t *testing.T) {
	p := &Program{
		Layout: []gputypes.BindGroupLayoutEntry{{Binding: 0}, {Binding: 1}, {Binding: 2}},
		Entries: []Entry{
			{Name: "main", Slots: []uint32{1040, 1042}, Bindings: []uint32{0, 2}},
			{Name: "main_1", Slots: []uint32{1041}, Bindings: []uint32{1}},
		},
	}

	layout := p.LayoutFor("main")
	require.Len(t, layout, 2)
	assert.Equal(t, uint32(0), layout[0].Binding)
	assert.Equal(t, uint32(2), layout[1].Binding)
	assert.Nil(t, p.LayoutFor("missing"))

	_, ok := p.Entry("main_1")
	assert.True(t, ok)
}

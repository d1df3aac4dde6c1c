package graph

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/zelkova/internal/binding"
	"github.com/born-ml/zelkova/internal/driver"
	"github.com/born-ml/zelkova/internal/kernel"
	"github.com/born-ml/zelkova/internal/tensor"
)

type fixture struct {
	t     *testing.T
	d     *driver.Mock
	table *binding.Table
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return &fixture{t: t, d: driver.NewMock(), table: binding.NewTable()}
}

func (f *fixture) bind(shape tensor.Shape, values ...float32) *binding.Handle {
	f.t.Helper()
	h, err := f.table.Bind(context.Background(), f.d, binding.Content{
		Data:  tensor.Encode(values),
		DType: tensor.Float32,
		Shape: shape,
	}, binding.Static)
	require.NoError(f.t, err)
	return h
}

func (f *fixture) dynamic(shape tensor.Shape) *binding.Handle {
	f.t.Helper()
	h, err := f.table.Bind(context.Background(), f.d, binding.Content{DType: tensor.Float32, Shape: shape}, binding.Dynamic)
	require.NoError(f.t, err)
	return h
}

func build(t *testing.T, op kernel.Op, operands ...Operand) *Node {
	t.Helper()
	b := Create(op)
	for _, o := range operands {
		var err error
		b, err = b.Include(o)
		require.NoError(t, err)
	}
	n, err := b.Build()
	require.NoError(t, err)
	return n
}

func TestIncludeShapeMismatch(t *testing.T) {
	f := newFixture(t)
	a := f.bind(tensor.Shape{4}, 1, 2, 3, 4)
	b := f.bind(tensor.Shape{3}, 1, 2, 3)
	c := f.bind(tensor.Shape{2, 2}, 1, 2, 3, 4)

	builder, err := Create(kernel.Add).Include(HandleOperand(a))
	require.NoError(t, err)

	_, err = builder.Include(HandleOperand(b))
	require.ErrorIs(t, err, ErrShapeMismatch)
	var sme *ShapeMismatchError
	require.ErrorAs(t, err, &sme)
	assert.Equal(t, tensor.Shape{4}, sme.Want)

	_, err = builder.Include(HandleOperand(c))
	assert.ErrorIs(t, err, ErrShapeMismatch, "same count, different dimensionality")
}

func TestIncludeDataTypeMismatch(t *testing.T) {
	f := newFixture(t)
	a := f.bind(tensor.Shape{1}, 1)
	i, err := f.table.Bind(context.Background(), f.d, binding.Content{
		Data: tensor.Encode([]int32{1}), DType: tensor.Int32, Shape: tensor.Shape{1},
	}, binding.Static)
	require.NoError(t, err)

	builder, err := Create(kernel.Mul).Include(HandleOperand(a))
	require.NoError(t, err)
	_, err = builder.Include(HandleOperand(i))
	assert.ErrorIs(t, err, ErrDTypeMismatch)
}

func TestBuilderFreezes(t *testing.T) {
	f := newFixture(t)
	a := f.bind(tensor.Shape{2}, 1, 2)

	b := Create(kernel.Exp)
	_, err := b.Build()
	assert.ErrorIs(t, err, ErrNoOperands)

	_, err = b.Include(HandleOperand(a))
	require.NoError(t, err)
	_, err = b.Include(HandleOperand(a))
	assert.ErrorIs(t, err, ErrArity)

	n, err := b.Build()
	require.NoError(t, err)
	assert.Equal(t, Pending, n.State())

	_, err = b.Include(HandleOperand(a))
	assert.ErrorIs(t, err, ErrFrozen)
	_, err = b.Build()
	assert.ErrorIs(t, err, ErrFrozen)

	_, err = Create(kernel.Add).Include(Operand{})
	assert.ErrorIs(t, err, ErrNilOperand)

	single, err := Create(kernel.Sub).Include(HandleOperand(a))
	require.NoError(t, err)
	_, err = single.Build()
	assert.ErrorIs(t, err, ErrArity)
}

func TestIncludeOperationChecks(t *testing.T) {
	f := newFixture(t)
	rect := f.bind(tensor.Shape{2, 3}, 1, 2, 3, 4, 5, 6)

	_, err := Create(kernel.Determinant).Include(HandleOperand(rect))
	assert.Error(t, err)

	n := build(t, kernel.Transpose, HandleOperand(rect))
	assert.Equal(t, tensor.Shape{3, 2}, n.Shape())

	s := build(t, kernel.Sum, HandleOperand(rect))
	assert.Equal(t, 1, s.Shape().NumElements())
}

func TestOperandResolved(t *testing.T) {
	f := newFixture(t)
	a := f.bind(tensor.Shape{2}, 1, 2)
	n := build(t, kernel.Add, HandleOperand(a), HandleOperand(a))

	assert.True(t, HandleOperand(a).Resolved())
	assert.False(t, NodeOperand(n).Resolved())

	g, err := New(n)
	require.NoError(t, err)
	require.NoError(t, g.Attach(&Execution{ID: "t"}))
	require.NoError(t, g.Complete([]*binding.Handle{f.dynamic(tensor.Shape{2})}))
	assert.True(t, NodeOperand(n).Resolved())
}

func TestSingularDepth(t *testing.T) {
	f := newFixture(t)
	a := f.bind(tensor.Shape{4}, 1, 2, 3, 4)
	root := build(t, kernel.Add, HandleOperand(a), HandleOperand(a))

	g, err := New(root)
	require.NoError(t, err)
	assert.Equal(t, Singular, g.Depth().Kind)

	order := g.Traverse()
	require.Len(t, order, 1)
	assert.True(t, order[0].Root)
	assert.Equal(t, 0, order[0].Uses)
	require.Len(t, g.Leaves(), 1)
}

func TestLayeredDepthAndOrder(t *testing.T) {
	f := newFixture(t)
	a := f.bind(tensor.Shape{2}, 1, 2)
	b := f.bind(tensor.Shape{2}, 3, 4)

	ab := build(t, kernel.Add, HandleOperand(a), HandleOperand(b))
	e := build(t, kernel.Exp, NodeOperand(ab))
	deep := build(t, kernel.Mul, NodeOperand(e), HandleOperand(b))
	root := build(t, kernel.Sub, NodeOperand(ab), NodeOperand(deep))

	g, err := New(root)
	require.NoError(t, err)
	assert.Equal(t, Depth{Kind: Layered, Level: 3, State: Pending}, g.Depth())

	order := g.Traverse()
	require.Len(t, order, 4)

	pos := make(map[*Node]int)
	for i, v := range order {
		pos[v.Node] = i
		for _, arg := range v.Args {
			if arg.Kind == VertexRef {
				assert.Less(t, arg.Vertex, i, "operand after consumer")
			}
		}
	}
	assert.Equal(t, 3, pos[root])
	assert.Equal(t, 2, pos[deep], "deeper operand subtree comes first")
	assert.Equal(t, 2, order[pos[ab]].Uses)

	leaves := g.Leaves()
	require.Len(t, leaves, 2)
	assert.Equal(t, a.Slot(), leaves[0].Slot())
	assert.Equal(t, b.Slot(), leaves[1].Slot())
}

func TestTraverseIdempotent(t *testing.T) {
	f := newFixture(t)
	a := f.bind(tensor.Shape{3}, 1, 2, 3)
	x := build(t, kernel.Exp, HandleOperand(a))
	y := build(t, kernel.Rotate, NodeOperand(x))
	z := build(t, kernel.Add, NodeOperand(x), NodeOperand(y), HandleOperand(a))

	g, err := New(z)
	require.NoError(t, err)

	summarize := func(order []Vertex) []string {
		out := make([]string, len(order))
		for i, v := range order {
			out[i] = v.Node.String()
		}
		return out
	}
	first := summarize(g.Traverse())
	second := summarize(g.Traverse())
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("traverse changed (-first +second):\n%s", diff)
	}

	fresh, err := New(z)
	require.NoError(t, err)
	assert.Equal(t, first, summarize(fresh.Traverse()))
}

func TestTraverseReturnsCopy(t *testing.T) {
	f := newFixture(t)
	a := f.bind(tensor.Shape{3}, 1, 2, 3)
	x := build(t, kernel.Exp, HandleOperand(a))
	z := build(t, kernel.Add, NodeOperand(x), NodeOperand(x))

	g, err := New(z)
	require.NoError(t, err)

	order := g.Traverse()
	require.Len(t, order, 2)
	want := []int{order[0].Uses, order[1].Uses}
	args := order[1].Args
	order[0].Uses = 99
	order[1] = Vertex{}
	args[0] = Ref{Kind: LeafRef, Handle: a}

	again := g.Traverse()
	require.Len(t, again, 2)
	assert.Equal(t, want, []int{again[0].Uses, again[1].Uses})
	assert.True(t, again[1].Root)
	assert.Equal(t, VertexRef, again[1].Args[0].Kind)
	assert.Equal(t, x, again[1].Node)

	leaves := g.Leaves()
	leaves[0] = nil
	assert.Equal(t, []*binding.Handle{a}, g.Leaves())
}

func TestResolvedOperandsBecomeLeaves(t *testing.T) {
	f := newFixture(t)
	a := f.bind(tensor.Shape{2}, 1, 2)
	inner := build(t, kernel.Exp, HandleOperand(a))

	g, err := New(inner)
	require.NoError(t, err)
	require.NoError(t, g.Attach(nil))
	result := f.dynamic(tensor.Shape{2})
	require.NoError(t, g.Complete([]*binding.Handle{result}))
	assert.Equal(t, Done, g.Depth().State)

	outer := build(t, kernel.Add, NodeOperand(inner), HandleOperand(a))
	g2, err := New(outer)
	require.NoError(t, err)
	assert.Equal(t, Singular, g2.Depth().Kind)

	order := g2.Traverse()
	require.Len(t, order, 1)
	assert.Equal(t, LeafRef, order[0].Args[0].Kind)
	assert.Same(t, result, order[0].Args[0].Handle)

	_, err = New(inner)
	assert.ErrorIs(t, err, ErrResolved)
}

func TestLinkRejectedAfterAttach(t *testing.T) {
	f := newFixture(t)
	a := f.bind(tensor.Shape{2}, 1, 2)
	r1 := build(t, kernel.Exp, HandleOperand(a))
	r2 := build(t, kernel.Sum, NodeOperand(r1))

	g, err := New(r1)
	require.NoError(t, err)
	require.NoError(t, g.Link(r2))
	require.NoError(t, g.Link(r2))
	assert.Len(t, g.Roots(), 2)
	assert.Equal(t, Layered, g.Depth().Kind)

	order := g.Traverse()
	require.Len(t, order, 2)
	assert.True(t, order[0].Root)
	assert.True(t, order[1].Root)
	assert.Equal(t, 1, order[0].Uses)

	require.NoError(t, g.Attach(&Execution{ID: "x"}))
	assert.True(t, g.Attached())
	assert.ErrorIs(t, g.Link(build(t, kernel.Exp, HandleOperand(a))), ErrImmutable)
	assert.ErrorIs(t, g.Attach(nil), ErrImmutable)

	_, err = New(nil)
	assert.ErrorIs(t, err, ErrNilRoot)
}

func TestCompleteAllOrNothing(t *testing.T) {
	f := newFixture(t)
	a := f.bind(tensor.Shape{2}, 1, 2)
	r1 := build(t, kernel.Exp, HandleOperand(a))
	r2 := build(t, kernel.Exp, HandleOperand(a))

	g, err := New(r1)
	require.NoError(t, err)
	require.NoError(t, g.Link(r2))

	assert.ErrorIs(t, g.Complete(nil), ErrDetached)
	require.NoError(t, g.Attach(nil))

	err = g.Complete([]*binding.Handle{f.dynamic(tensor.Shape{2}), nil})
	require.Error(t, err)
	assert.False(t, r1.Resolved())
	assert.False(t, r2.Resolved())

	require.NoError(t, g.Complete([]*binding.Handle{f.dynamic(tensor.Shape{2}), f.dynamic(tensor.Shape{2})}))
	assert.True(t, r1.Resolved())
	assert.True(t, r2.Resolved())
}

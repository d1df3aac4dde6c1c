package codegen

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/zelkova/internal/binding"
	"github.com/born-ml/zelkova/internal/driver"
	"github.com/born-ml/zelkova/internal/graph"
	"github.com/born-ml/zelkova/internal/kernel"
	"github.com/born-ml/zelkova/internal/shader"
	"github.com/born-ml/zelkova/internal/tensor"
)

type fixture struct {
	t     *testing.T
	d     *driver.Mock
	table *binding.Table
}

func newFixture(t *testing.T, opts ...binding.TableOption) *fixture {
	t.Helper()
	return &fixture{t: t, d: driver.NewMock(), table: binding.NewTable(opts...)}
}

func (f *fixture) bind(shape tensor.Shape, values ...float32) *binding.Handle {
	f.t.Helper()
	h, err := f.table.Bind(context.Background(), f.d, binding.Content{
		Data: tensor.Encode(values), DType: tensor.Float32, Shape: shape,
	}, binding.Static)
	require.NoError(f.t, err)
	return h
}

func (f *fixture) output(n *graph.Node) *binding.Handle {
	f.t.Helper()
	h, err := f.table.Bind(context.Background(), f.d, binding.Content{
		DType: n.DataType(), Shape: n.Shape(),
	}, binding.Dynamic)
	require.NoError(f.t, err)
	return h
}

func node(t *testing.T, op kernel.Op, operands ...graph.Operand) *graph.Node {
	t.Helper()
	b := graph.Create(op, graph.WithShift(1))
	for _, o := range operands {
		var err error
		b, err = b.Include(o)
		require.NoError(t, err)
	}
	n, err := b.Build()
	require.NoError(t, err)
	return n
}

func (f *fixture) job(roots ...*graph.Node) Job {
	f.t.Helper()
	g, err := graph.New(roots[0])
	require.NoError(f.t, err)
	outs := []*binding.Handle{f.output(roots[0])}
	for _, r := range roots[1:] {
		require.NoError(f.t, g.Link(r))
		outs = append(outs, f.output(r))
	}
	return Job{Graph: g, Outputs: outs}
}

func TestSingularGraphHasNoAliases(t *testing.T) {
	f := newFixture(t)
	a := f.bind(tensor.Shape{4}, 1, 2, 3, 4)
	root := node(t, kernel.Add, graph.HandleOperand(a), graph.HandleOperand(a))

	job := f.job(root)
	require.Equal(t, graph.Singular, job.Graph.Depth().Kind)

	program, err := Emit([]Job{job})
	require.NoError(t, err)

	assert.NotContains(t, program.Source, "op_")
	assert.Contains(t, program.Source, "var<uniform> tsr_f32_0: array<vec4<f32>, 1>;")
	assert.Contains(t, program.Source, "var<storage, read_write> tsr_f32_1: array<f32>;")
	assert.Contains(t, program.Source, "tsr_f32_1[i] = (tsr_f32_0[i / 4u][i % 4u] + tsr_f32_0[i / 4u][i % 4u]);")

	require.Len(t, program.Entries, 1)
	entry := program.Entries[0]
	assert.Equal(t, "main", entry.Name)
	assert.Equal(t, [3]uint32{1, 1, 1}, entry.Workgroups)
	assert.Equal(t, []kernel.Output{{Step: 0, Slot: 1}}, entry.Outputs)
	assert.Equal(t, []uint32{0, 1}, entry.Slots)
	require.Len(t, entry.Steps, 1)
	assert.Empty(t, entry.Steps[0].Alias)
}

func TestHeadersOncePerSlot(t *testing.T) {
	f := newFixture(t)
	a := f.bind(tensor.Shape{2}, 1, 2)
	b := f.bind(tensor.Shape{2}, 3, 4)

	x := node(t, kernel.Mul, graph.HandleOperand(a), graph.HandleOperand(b))
	y := node(t, kernel.Sub, graph.HandleOperand(b), graph.HandleOperand(a))
	z := node(t, kernel.Add, graph.NodeOperand(x), graph.NodeOperand(y), graph.HandleOperand(a))

	program, err := Emit([]Job{f.job(z)})
	require.NoError(t, err)

	assert.Equal(t, 3, strings.Count(program.Source, "@binding("))
	assert.Equal(t, 1, strings.Count(program.Source, "@binding(0)"))
	assert.Equal(t, 1, strings.Count(program.Source, "@binding(1)"))
	require.Len(t, program.Layout, 3)
	for i, le := range program.Layout {
		assert.Equal(t, uint32(i), le.Binding)
		assert.Equal(t, gputypes.ShaderStageCompute, le.Visibility)
	}
	assert.Equal(t, gputypes.BufferBindingTypeStorage, program.Layout[2].Buffer.Type)

	assert.Equal(t, 1, strings.Count(program.Source, "let op_0_0 = "))
	assert.Equal(t, 1, strings.Count(program.Source, "let op_0_1 = "))
	assert.NotContains(t, program.Source, "fn op_")
	assert.NotContains(t, program.Source, "op_0_2")
}

// squarings builds a*a followed by n squarings of the previous result.
func squarings(t *testing.T, a *binding.Handle, n int) *graph.Node {
	x := node(t, kernel.Mul, graph.HandleOperand(a), graph.HandleOperand(a))
	for range n {
		x = node(t, kernel.Mul, graph.NodeOperand(x), graph.NodeOperand(x))
	}
	return x
}

func TestSharedOperandsComputedOnce(t *testing.T) {
	f := newFixture(t)
	a := f.bind(tensor.Shape{4}, 1, 2, 3, 4)

	program, err := Emit([]Job{f.job(squarings(t, a, 4))})
	require.NoError(t, err)

	for k := range 4 {
		assert.Equal(t, 1, strings.Count(program.Source, fmt.Sprintf("let op_0_%d = ", k)), program.Source)
	}
	assert.Contains(t, program.Source, "let op_0_1 = (op_0_0 * op_0_0);")
	assert.Contains(t, program.Source, "tsr_f32_1[i] = (op_0_3 * op_0_3);")
	assert.NotContains(t, program.Source, "fn op_")
	assert.Equal(t, 2, strings.Count(program.Source, "tsr_f32_0[i / 4u]"), "a is loaded once per operand")

	mod, err := shader.Compile(program.Source, shader.Options{})
	require.NoError(t, err, program.Source)
	require.NoError(t, shader.Verify(mod, program))
}

func TestFunctionResultsBoundOnce(t *testing.T) {
	f := newFixture(t)
	a := f.bind(tensor.Shape{2, 2}, 1, 2, 3, 4)

	sq := node(t, kernel.Mul, graph.HandleOperand(a), graph.HandleOperand(a))
	doubled := node(t, kernel.Add, graph.NodeOperand(sq), graph.NodeOperand(sq))
	tr := node(t, kernel.Transpose, graph.NodeOperand(sq))
	back := node(t, kernel.Mul, graph.NodeOperand(tr), graph.NodeOperand(tr))
	again := node(t, kernel.Transpose, graph.NodeOperand(back))

	program, err := Emit([]Job{f.job(doubled, again)})
	require.NoError(t, err)

	// sq is read transposed, so it is a function; doubled reads it at its own
	// index and calls it once.
	assert.Contains(t, program.Source, "fn op_0_0(i: u32) -> f32 {")
	assert.Contains(t, program.Source, "let op_0_0_i = op_0_0(i);")
	assert.Contains(t, program.Source, "(op_0_0_i + op_0_0_i)")
	// back is read transposed too; inside it, tr is a let over one call of sq.
	assert.Contains(t, program.Source, "fn op_0_3(i: u32) -> f32 {")
	assert.Equal(t, 1, strings.Count(program.Source, "let op_0_2 = op_0_0("))
	assert.Contains(t, program.Source, "return (op_0_2 * op_0_2);")

	mod, err := shader.Compile(program.Source, shader.Options{})
	require.NoError(t, err, program.Source)
	require.NoError(t, shader.Verify(mod, program))
}

// offsetSlots hands out slots starting at base.
type offsetSlots struct {
	binding.Counter
	base uint32
}

func (o *offsetSlots) Next() uint32 { return o.base + o.Counter.Next() }

func TestBindingIndicesAreDense(t *testing.T) {
	f := newFixture(t, binding.WithAllocator(&offsetSlots{base: 5000}))
	a := f.bind(tensor.Shape{2}, 1, 2)
	b := f.bind(tensor.Shape{2}, 3, 4)
	root := node(t, kernel.Add, graph.HandleOperand(b), graph.HandleOperand(a))

	program, err := Emit([]Job{f.job(root)})
	require.NoError(t, err)

	assert.Contains(t, program.Source, "@group(0) @binding(0) var<uniform> tsr_f32_5001:")
	assert.Contains(t, program.Source, "@group(0) @binding(1) var<uniform> tsr_f32_5000:")
	assert.Contains(t, program.Source, "@group(0) @binding(2) var<storage, read_write> tsr_f32_5002:")
	assert.Equal(t, map[uint32]uint32{5001: 0, 5000: 1, 5002: 2}, program.Bindings)

	entry := program.Entries[0]
	assert.Equal(t, []uint32{5001, 5000, 5002}, entry.Slots)
	assert.Equal(t, []uint32{0, 1, 2}, entry.Bindings)
	assert.Len(t, program.LayoutFor("main"), 3)

	mod, err := shader.Compile(program.Source, shader.Options{})
	require.NoError(t, err, program.Source)
	require.NoError(t, shader.Verify(mod, program))
}

func TestWorkgroupSizeLimit(t *testing.T) {
	f := newFixture(t)
	a := f.bind(tensor.Shape{2}, 1, 2)
	job := f.job(node(t, kernel.Exp, graph.HandleOperand(a)))

	limits := gputypes.DefaultLimits()
	_, err := Emit([]Job{job}, WithLimits(limits), WithWorkgroupSize(limits.MaxComputeInvocationsPerWorkgroup+1))
	assert.ErrorIs(t, err, ErrWorkgroupSize)

	_, err = Emit([]Job{job}, WithLimits(limits), WithWorkgroupSize(limits.MaxComputeWorkgroupSizeX))
	assert.NoError(t, err)
}

func TestPhaseMachine(t *testing.T) {
	f := newFixture(t)
	a := f.bind(tensor.Shape{2}, 1, 2)
	root := node(t, kernel.Exp, graph.HandleOperand(a))
	job := f.job(root)

	e := New()
	assert.Equal(t, Headers, e.Phase())
	_, err := e.Wrap()
	assert.ErrorIs(t, err, ErrNoEntries)

	require.NoError(t, e.InsertHeader(a))
	require.NoError(t, e.InsertHeader(a))
	err = e.InsertCompute(job.Graph, job.Outputs)
	assert.ErrorIs(t, err, ErrMissingHeader, "output not declared")
	assert.Equal(t, Compute, e.Phase())

	assert.ErrorIs(t, e.InsertHeader(job.Outputs[0]), ErrPhase)

	e = New()
	require.NoError(t, e.InsertHeader(a))
	require.NoError(t, e.InsertHeader(job.Outputs[0]))
	require.NoError(t, e.InsertCompute(job.Graph, job.Outputs))
	program, err := e.Wrap()
	require.NoError(t, err)
	assert.Equal(t, Ready, e.Phase())

	again, err := e.Wrap()
	require.NoError(t, err)
	assert.Same(t, program, again)
	assert.ErrorIs(t, e.InsertCompute(job.Graph, job.Outputs), ErrPhase)
	assert.ErrorIs(t, e.InsertHeader(a), ErrPhase)
}

func TestOutputValidation(t *testing.T) {
	f := newFixture(t)
	a := f.bind(tensor.Shape{2}, 1, 2)
	root := node(t, kernel.Exp, graph.HandleOperand(a))
	g, err := graph.New(root)
	require.NoError(t, err)

	_, err = Emit([]Job{{Graph: g, Outputs: nil}})
	assert.Error(t, err)

	_, err = Emit([]Job{{Graph: g, Outputs: []*binding.Handle{a}}})
	assert.Error(t, err, "static input is not writable")

	wrong := f.output(node(t, kernel.Sum, graph.HandleOperand(a)))
	_, err = Emit([]Job{{Graph: g, Outputs: []*binding.Handle{wrong}}})
	assert.Error(t, err, "output length differs from the root")
}

func TestBindingLimit(t *testing.T) {
	f := newFixture(t)
	a := f.bind(tensor.Shape{2}, 1, 2)
	b := f.bind(tensor.Shape{2}, 1, 2)
	root := node(t, kernel.Add, graph.HandleOperand(a), graph.HandleOperand(b))
	job := f.job(root)

	limits := gputypes.DefaultLimits()
	limits.MaxBindingsPerBindGroup = 2
	_, err := Emit([]Job{job}, WithLimits(limits))
	assert.ErrorIs(t, err, ErrBindingLimit)

	limits = gputypes.DefaultLimits()
	limits.MaxUniformBuffersPerShaderStage = 1
	_, err = Emit([]Job{job}, WithLimits(limits))
	assert.ErrorIs(t, err, ErrBindingLimit)
}

func TestOneEntryPerGraph(t *testing.T) {
	f := newFixture(t)
	a := f.bind(tensor.Shape{3}, 1, 2, 3)
	b := f.bind(tensor.Shape{3}, 4, 5, 6)

	j1 := f.job(node(t, kernel.Add, graph.HandleOperand(a), graph.HandleOperand(b)))
	j2 := f.job(node(t, kernel.Sum, graph.HandleOperand(b)))

	program, err := Emit([]Job{j1, j2}, WithWorkgroupSize(128))
	require.NoError(t, err)

	require.Len(t, program.Entries, 2)
	assert.Equal(t, "main", program.Entries[0].Name)
	assert.Equal(t, "main_1", program.Entries[1].Name)
	assert.Equal(t, 1, strings.Count(program.Source, "fn main("))
	assert.Equal(t, 1, strings.Count(program.Source, "fn main_1("))
	assert.Equal(t, 2, strings.Count(program.Source, "@workgroup_size(128)"))
	assert.Equal(t, uint32(128), program.WorkgroupSize)

	assert.Len(t, program.LayoutFor("main_1"), 2)
}

func TestWorkgroupsSpillIntoY(t *testing.T) {
	e := New()
	assert.Equal(t, [3]uint32{1, 1, 1}, e.workgroups(1))
	assert.Equal(t, [3]uint32{2, 1, 1}, e.workgroups(65))
	assert.Equal(t, [3]uint32{65535, 1, 1}, e.workgroups(65535*64))
	assert.Equal(t, [3]uint32{65535, 2, 1}, e.workgroups(65535*64+1))
}

func TestGeneratedSourceCompiles(t *testing.T) {
	f := newFixture(t)
	m := f.bind(tensor.Shape{3, 3}, 2, 0, 1, 1, 3, 2, 1, 1, 1)
	v := f.bind(tensor.Shape{6}, 1, 2, 3, 4, 5, 6)
	rect := f.bind(tensor.Shape{2, 3}, 1, 2, 3, 4, 5, 6)

	inv := node(t, kernel.Inverse, graph.HandleOperand(m))
	det := node(t, kernel.Determinant, graph.NodeOperand(inv))
	rot := node(t, kernel.Rotate, graph.HandleOperand(v))
	ex := node(t, kernel.Exp, graph.NodeOperand(rot))
	quot := node(t, kernel.Div, graph.NodeOperand(ex), graph.HandleOperand(v))
	sum := node(t, kernel.Sum, graph.NodeOperand(quot))
	tr := node(t, kernel.Transpose, graph.HandleOperand(rect))

	program, err := Emit([]Job{f.job(det, sum), f.job(tr)})
	require.NoError(t, err)

	mod, err := shader.Compile(program.Source, shader.Options{})
	require.NoError(t, err, program.Source)
	require.NoError(t, shader.Verify(mod, program))
	assert.Contains(t, program.Source, "bitcast<f32>(0x7fc00000u)")
	assert.Contains(t, program.Source, "(i + 5u) % 6u")
	assert.Contains(t, program.Source, "(i % 2u) * 3u + i / 2u")
}

func TestStorageInputs(t *testing.T) {
	f := newFixture(t, binding.WithUniformInputs(false))
	a := f.bind(tensor.Shape{5}, 1, 2, 3, 4, 5)
	root := node(t, kernel.Exp, graph.HandleOperand(a))

	program, err := Emit([]Job{f.job(root)})
	require.NoError(t, err)
	assert.Contains(t, program.Source, "var<storage, read> tsr_f32_0: array<f32, 5>;")
	assert.Contains(t, program.Source, "exp(tsr_f32_0[i])")
	assert.Equal(t, gputypes.BufferBindingTypeReadOnlyStorage, program.Layout[0].Buffer.Type)

	_, err = shader.Compile(program.Source, shader.Options{})
	require.NoError(t, err, program.Source)
}

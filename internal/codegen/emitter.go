// Package codegen turns resolved operation graphs into one WGSL module, its
// bind group layout and the matching kernel plan.
package codegen

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gogpu/gputypes"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/born-ml/zelkova/internal/binding"
	"github.com/born-ml/zelkova/internal/graph"
	"github.com/born-ml/zelkova/internal/kernel"
)

// DefaultWorkgroupSize is the compute workgroup size when none is configured.
const DefaultWorkgroupSize = 64

// Phase is the emitter state. Headers are all emitted before the first
// compute entry, and nothing changes once Ready.
type Phase int

// Phases.
const (
	Headers Phase = iota
	Compute
	Ready
)

func (p Phase) String() string {
	switch p {
	case Headers:
		return "headers"
	case Compute:
		return "compute"
	default:
		return "ready"
	}
}

// Emitter errors.
var (
	ErrPhase         = errors.New("codegen: wrong phase")
	ErrBindingLimit  = errors.New("codegen: binding limit exceeded")
	ErrWorkgroupSize = errors.New("codegen: workgroup size exceeds device limits")
	ErrMissingHeader = errors.New("codegen: handle has no header")
	ErrNoEntries     = errors.New("codegen: no entry points")
)

// header is one declared handle. index is its @binding, assigned densely in
// declaration order; the table slot only appears in the name.
type header struct {
	handle *binding.Handle
	name   string
	space  binding.Space
	index  uint32
}

// Emitter accumulates one shader module.
type Emitter struct {
	phase     Phase
	workgroup uint32
	limits    gputypes.Limits

	headers *orderedmap.OrderedMap[uint32, header]
	body    strings.Builder
	entries []kernel.Entry
	program *kernel.Program
}

// Option configures an Emitter.
type Option func(*Emitter)

// WithWorkgroupSize sets @workgroup_size.
func WithWorkgroupSize(n uint32) Option {
	return func(e *Emitter) {
		if n > 0 {
			e.workgroup = n
		}
	}
}

// WithLimits sets the device limits emission checks against.
func WithLimits(l gputypes.Limits) Option {
	return func(e *Emitter) { e.limits = l }
}

// New creates an emitter in the Headers phase.
func New(opts ...Option) *Emitter {
	e := &Emitter{
		workgroup: DefaultWorkgroupSize,
		limits:    gputypes.DefaultLimits(),
		headers:   orderedmap.New[uint32, header](),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Phase returns the current phase.
func (e *Emitter) Phase() Phase { return e.phase }

// InsertHeader declares h. A handle already declared is skipped, so each
// binding slot appears once.
func (e *Emitter) InsertHeader(h *binding.Handle) error {
	if e.phase != Headers {
		return fmt.Errorf("%w: header after %s", ErrPhase, e.phase)
	}
	slot := h.Slot()
	if _, ok := e.headers.Get(slot); ok {
		return nil
	}
	index := uint32(e.headers.Len())
	if index >= e.limits.MaxBindingsPerBindGroup {
		return fmt.Errorf("%w: slot %d would be binding %d, device allows %d bindings per group",
			ErrBindingLimit, slot, index, e.limits.MaxBindingsPerBindGroup)
	}
	e.headers.Set(slot, header{
		handle: h,
		name:   resourceName(h),
		space:  h.Space(),
		index:  index,
	})
	return nil
}

func resourceName(h *binding.Handle) string {
	return fmt.Sprintf("tsr_%s_%d", h.DataType().WGSL(), h.Slot())
}

func (hd header) declaration() string {
	ty := hd.handle.DataType().WGSL()
	var arr string
	switch {
	case hd.space == binding.SpaceUniform:
		arr = fmt.Sprintf("array<vec4<%s>, %d>", ty, (hd.handle.Len()+3)/4)
	case hd.handle.Memory() == binding.Dynamic || hd.space == binding.SpaceStorageReadWrite:
		arr = fmt.Sprintf("array<%s>", ty)
	default:
		arr = fmt.Sprintf("array<%s, %d>", ty, hd.handle.Len())
	}
	return fmt.Sprintf("@group(0) @binding(%d) var<%s> %s: %s;",
		hd.index, hd.space.WGSL(), hd.name, arr)
}

// InsertCompute emits one entry point for g, writing each root into the
// matching outputs handle. Every leaf and output must already have a header.
func (e *Emitter) InsertCompute(g *graph.Graph, outputs []*binding.Handle) error {
	switch e.phase {
	case Headers:
		if err := e.checkWorkgroup(); err != nil {
			return err
		}
		e.phase = Compute
	case Ready:
		return fmt.Errorf("%w: compute after wrap", ErrPhase)
	}

	roots := g.Roots()
	if len(outputs) != len(roots) {
		return fmt.Errorf("codegen: %d outputs for %d roots", len(outputs), len(roots))
	}

	order := g.Traverse()
	gi := len(e.entries)
	entry := kernel.Entry{Name: entryName(gi)}
	used := orderedmap.New[uint32, struct{}]()

	for _, h := range g.Leaves() {
		if _, ok := e.headers.Get(h.Slot()); !ok {
			return fmt.Errorf("%w: leaf slot %d", ErrMissingHeader, h.Slot())
		}
		used.Set(h.Slot(), struct{}{})
	}
	rootIndex := make(map[*graph.Node]int, len(order))
	for i, v := range order {
		if v.Root {
			rootIndex[v.Node] = i
		}
	}
	for i, out := range outputs {
		hd, ok := e.headers.Get(out.Slot())
		if !ok {
			return fmt.Errorf("%w: output slot %d", ErrMissingHeader, out.Slot())
		}
		if hd.space != binding.SpaceStorageReadWrite {
			return fmt.Errorf("codegen: output slot %d is declared %s", out.Slot(), hd.space.WGSL())
		}
		if out.Len() != roots[i].Shape().NumElements() || out.DataType() != roots[i].DataType() {
			return fmt.Errorf("codegen: output slot %d does not fit %s", out.Slot(), roots[i])
		}
		used.Set(out.Slot(), struct{}{})
		entry.Outputs = append(entry.Outputs, kernel.Output{Step: rootIndex[roots[i]], Slot: out.Slot()})
	}
	for pair := used.Oldest(); pair != nil; pair = pair.Next() {
		hd, _ := e.headers.Get(pair.Key)
		entry.Slots = append(entry.Slots, pair.Key)
		entry.Bindings = append(entry.Bindings, hd.index)
	}
	if err := e.checkStageLimits(entry.Slots); err != nil {
		return err
	}

	w := newWriter(e, gi, order)
	for i, v := range order {
		step := kernel.Step{
			Op:    v.Node.Op(),
			Shape: v.Node.Shape(),
			Input: w.operandShape(v.Args[0]),
			DType: v.Node.DataType(),
			Shift: v.Node.Shift(),
			Args:  make([]kernel.Ref, len(v.Args)),
		}
		for j, a := range v.Args {
			if a.Kind == graph.LeafRef {
				step.Args[j] = kernel.SlotRef(a.Handle.Slot())
			} else {
				step.Args[j] = kernel.StepRef(a.Vertex)
			}
		}
		if v.Uses > 0 {
			step.Alias = w.alias(i)
			if w.fn[i] {
				w.function(i)
			}
		}
		entry.Steps = append(entry.Steps, step)
	}

	threads := 0
	for _, out := range outputs {
		threads = max(threads, out.Len())
	}
	entry.Workgroups = e.workgroups(threads)
	w.entry(entry.Name, outputs, rootIndex, roots)

	e.entries = append(e.entries, entry)
	return nil
}

func entryName(g int) string {
	if g == 0 {
		return "main"
	}
	return fmt.Sprintf("main_%d", g)
}

func (e *Emitter) checkWorkgroup() error {
	l := e.limits
	if (l.MaxComputeWorkgroupSizeX > 0 && e.workgroup > l.MaxComputeWorkgroupSizeX) ||
		(l.MaxComputeInvocationsPerWorkgroup > 0 && e.workgroup > l.MaxComputeInvocationsPerWorkgroup) {
		return fmt.Errorf("%w: %d, device allows %d in x and %d invocations",
			ErrWorkgroupSize, e.workgroup, l.MaxComputeWorkgroupSizeX, l.MaxComputeInvocationsPerWorkgroup)
	}
	return nil
}

func (e *Emitter) checkStageLimits(slots []uint32) error {
	var uniforms, storage uint32
	for _, s := range slots {
		hd, _ := e.headers.Get(s)
		if hd.space == binding.SpaceUniform {
			uniforms++
		} else {
			storage++
		}
	}
	if uniforms > e.limits.MaxUniformBuffersPerShaderStage {
		return fmt.Errorf("%w: %d uniform buffers, device allows %d",
			ErrBindingLimit, uniforms, e.limits.MaxUniformBuffersPerShaderStage)
	}
	if storage > e.limits.MaxStorageBuffersPerShaderStage {
		return fmt.Errorf("%w: %d storage buffers, device allows %d",
			ErrBindingLimit, storage, e.limits.MaxStorageBuffersPerShaderStage)
	}
	return nil
}

// workgroups covers threads invocations, spilling into y past the
// per-dimension limit.
func (e *Emitter) workgroups(threads int) [3]uint32 {
	groups := (uint32(threads) + e.workgroup - 1) / e.workgroup
	if groups == 0 {
		groups = 1
	}
	maxDim := e.limits.MaxComputeWorkgroupsPerDimension
	if maxDim == 0 || groups <= maxDim {
		return [3]uint32{groups, 1, 1}
	}
	return [3]uint32{maxDim, (groups + maxDim - 1) / maxDim, 1}
}

// Wrap finalizes the module.
func (e *Emitter) Wrap() (*kernel.Program, error) {
	if e.phase == Ready {
		return e.program, nil
	}
	if len(e.entries) == 0 {
		return nil, ErrNoEntries
	}

	var src strings.Builder
	layout := make([]gputypes.BindGroupLayoutEntry, 0, e.headers.Len())
	bindings := make(map[uint32]uint32, e.headers.Len())
	for pair := e.headers.Oldest(); pair != nil; pair = pair.Next() {
		src.WriteString(pair.Value.declaration())
		src.WriteByte('\n')
		bindings[pair.Key] = pair.Value.index
		layout = append(layout, gputypes.BindGroupLayoutEntry{
			Binding:    pair.Value.index,
			Visibility: gputypes.ShaderStageCompute,
			Buffer:     &gputypes.BufferBindingLayout{Type: pair.Value.space.BindingType()},
		})
	}
	src.WriteString(e.body.String())

	e.program = &kernel.Program{
		Source:        src.String(),
		WorkgroupSize: e.workgroup,
		Layout:        layout,
		Bindings:      bindings,
		Entries:       e.entries,
	}
	e.phase = Ready
	return e.program, nil
}

// Job is one graph and the handles its roots are written to.
type Job struct {
	Graph   *graph.Graph
	Outputs []*binding.Handle
}

// Emit runs the three phases over jobs: every leaf and output is declared,
// then each graph becomes one entry point.
func Emit(jobs []Job, opts ...Option) (*kernel.Program, error) {
	e := New(opts...)
	for _, j := range jobs {
		for _, h := range j.Graph.Leaves() {
			if err := e.InsertHeader(h); err != nil {
				return nil, err
			}
		}
	}
	for _, j := range jobs {
		for _, h := range j.Outputs {
			if err := e.InsertHeader(h); err != nil {
				return nil, err
			}
		}
	}
	for _, j := range jobs {
		if err := e.InsertCompute(j.Graph, j.Outputs); err != nil {
			return nil, err
		}
	}
	return e.Wrap()
}

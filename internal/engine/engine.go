// Package engine runs lazy operation graphs on a driver: it binds host data,
// records operations and resolves them with one fused dispatch per graph.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/born-ml/zelkova/internal/binding"
	"github.com/born-ml/zelkova/internal/codegen"
	"github.com/born-ml/zelkova/internal/driver"
	"github.com/born-ml/zelkova/internal/graph"
	"github.com/born-ml/zelkova/internal/kernel"
	"github.com/born-ml/zelkova/internal/tensor"
)

// ErrDuplicateRoot is returned when one node is requested by two graphs of a
// single ResolveAll call.
var ErrDuplicateRoot = errors.New("engine: node requested by more than one graph")

// Stats counts engine activity.
type Stats struct {
	Resolutions uint64
	Dispatches  uint64
	BytesRead   uint64
}

// Engine is one compute session on a driver.
type Engine struct {
	id     uuid.UUID
	driver driver.Driver
	table  *binding.Table
	cfg    Config
	logger *slog.Logger

	resolutions atomic.Uint64
	dispatches  atomic.Uint64
	bytesRead   atomic.Uint64
}

// Option configures an Engine.
type Option func(*Engine)

// WithTable uses t instead of a fresh table, e.g. binding.Arrange().
func WithTable(t *binding.Table) Option {
	return func(e *Engine) { e.table = t }
}

// WithConfig replaces the default configuration.
func WithConfig(c Config) Option {
	return func(e *Engine) { e.cfg = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an engine on d.
func New(d driver.Driver, opts ...Option) *Engine {
	e := &Engine{
		id:     uuid.New(),
		driver: d,
		cfg:    DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.cfg = e.cfg.normalized()
	if e.table == nil {
		e.table = binding.NewTable(binding.WithUniformInputs(e.cfg.UniformInputs))
	}
	e.logger = e.logger.With("session", e.id.String())
	return e
}

// ID returns the session id.
func (e *Engine) ID() string { return e.id.String() }

// Driver returns the driver.
func (e *Engine) Driver() driver.Driver { return e.driver }

// Table returns the binding table.
func (e *Engine) Table() *binding.Table { return e.table }

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Stats returns activity counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Resolutions: e.resolutions.Load(),
		Dispatches:  e.dispatches.Load(),
		BytesRead:   e.bytesRead.Load(),
	}
}

// Close releases the driver.
func (e *Engine) Close() error {
	return e.driver.Close()
}

// Bind uploads static content and returns its ready handle.
func (e *Engine) Bind(ctx context.Context, c binding.Content) (*binding.Handle, error) {
	h, err := e.table.Bind(ctx, e.driver, c, binding.Static)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("bound", "slot", h.Slot(), "dtype", h.DataType(), "shape", []int(h.Shape()), "space", h.Space().WGSL())
	return h, nil
}

// BindDynamic reserves a runtime-sized handle with a placeholder buffer.
func (e *Engine) BindDynamic(ctx context.Context, dt tensor.DataType, shape tensor.Shape) (*binding.Handle, error) {
	return e.table.Bind(ctx, e.driver, binding.Content{DType: dt, Shape: shape}, binding.Dynamic)
}

// Apply records op over operands without executing it.
func (e *Engine) Apply(op kernel.Op, operands []graph.Operand, opts ...graph.Option) (*graph.Node, error) {
	b := graph.Create(op, opts...)
	for _, o := range operands {
		if _, err := b.Include(o); err != nil {
			return nil, err
		}
	}
	return b.Build()
}

// Resolve computes roots with one graph and one dispatch. Roots already
// resolved are skipped. On failure no root is resolved.
func (e *Engine) Resolve(ctx context.Context, roots ...*graph.Node) error {
	return e.ResolveAll(ctx, roots)
}

// ResolveAll builds one graph per group and runs them all from one shader
// module, one entry point per graph.
func (e *Engine) ResolveAll(ctx context.Context, groups ...[]*graph.Node) error {
	var graphs []*graph.Graph
	seen := make(map[*graph.Node]bool)
	for _, group := range groups {
		var g *graph.Graph
		for _, n := range group {
			if n == nil {
				return graph.ErrNilRoot
			}
			if n.Resolved() {
				continue
			}
			if seen[n] {
				if g != nil && slices.Contains(g.Roots(), n) {
					continue
				}
				return fmt.Errorf("%w: %s", ErrDuplicateRoot, n)
			}
			seen[n] = true
			if g == nil {
				var err error
				if g, err = graph.New(n); err != nil {
					return err
				}
				continue
			}
			if err := g.Link(n); err != nil {
				return err
			}
		}
		if g != nil {
			graphs = append(graphs, g)
		}
	}
	if len(graphs) == 0 {
		return nil
	}
	return e.resolve(ctx, graphs)
}

type job struct {
	graph   *graph.Graph
	outputs []*binding.Handle
	slots   map[uint32]*binding.Handle
	results [][]byte
}

func (e *Engine) resolve(ctx context.Context, graphs []*graph.Graph) (err error) {
	if e.cfg.ResolveTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.ResolveTimeout)
		defer cancel()
	}

	exec := &graph.Execution{ID: uuid.NewString()}
	log := e.logger.With("execution", exec.ID)
	for _, g := range graphs {
		if err := g.Attach(exec); err != nil {
			return err
		}
		log.Debug("resolving graph", "roots", len(g.Roots()), "depth", g.Depth().String(), "vertices", len(g.Traverse()))
	}

	jobs := make([]*job, len(graphs))
	defer func() {
		if err == nil {
			return
		}
		for _, j := range jobs {
			if j == nil {
				continue
			}
			for _, h := range j.outputs {
				h.Release()
			}
		}
	}()

	for i, g := range graphs {
		j := &job{graph: g, slots: make(map[uint32]*binding.Handle)}
		jobs[i] = j
		for _, h := range g.Leaves() {
			j.slots[h.Slot()] = h
		}
		for _, root := range g.Roots() {
			h, err := e.output(ctx, root)
			if err != nil {
				return fmt.Errorf("engine: allocate result of %s: %w", root, err)
			}
			j.outputs = append(j.outputs, h)
			j.slots[h.Slot()] = h
		}
	}

	emitJobs := make([]codegen.Job, len(jobs))
	for i, j := range jobs {
		emitJobs[i] = codegen.Job{Graph: j.graph, Outputs: j.outputs}
	}
	program, err := codegen.Emit(emitJobs,
		codegen.WithWorkgroupSize(e.cfg.WorkgroupSize),
		codegen.WithLimits(e.driver.Limits()))
	if err != nil {
		return fmt.Errorf("engine: emit: %w", err)
	}

	mod, err := e.driver.Compile(ctx, program)
	if err != nil {
		var sce *driver.ShaderCompileError
		if errors.As(err, &sce) {
			log.Error("generated shader rejected", "diagnostic", sce.Diagnostic, "source", sce.Source)
		}
		return fmt.Errorf("engine: compile: %w", err)
	}

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(e.cfg.MaxParallel)
	for i, entry := range program.Entries {
		j := jobs[i]
		eg.Go(func() error {
			return e.run(gctx, mod, entry, j)
		})
	}
	if err := eg.Wait(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	for _, j := range jobs {
		for k, h := range j.outputs {
			if err := h.Materialize(j.results[k]); err != nil {
				return fmt.Errorf("engine: %w", err)
			}
		}
	}
	for _, j := range jobs {
		if err := j.graph.Complete(j.outputs); err != nil {
			return fmt.Errorf("engine: %w", err)
		}
	}

	e.resolutions.Add(1)
	log.Debug("resolved", "graphs", len(graphs), "entries", len(program.Entries))
	return nil
}

// output binds a dynamic result handle sized for root.
func (e *Engine) output(ctx context.Context, root *graph.Node) (*binding.Handle, error) {
	h, err := e.table.Bind(ctx, e.driver, binding.Content{DType: root.DataType(), Shape: root.Shape()}, binding.Dynamic)
	if err != nil {
		return nil, err
	}
	size := uint64(h.Len() * h.DataType().Size())
	if err := h.Resize(ctx, e.driver, size); err != nil {
		h.Release()
		return nil, err
	}
	return h, nil
}

// run dispatches one entry point and reads back its outputs.
func (e *Engine) run(ctx context.Context, mod driver.Module, entry kernel.Entry, j *job) error {
	bindings := make([]driver.Binding, 0, len(entry.Slots))
	for k, slot := range entry.Slots {
		h, ok := j.slots[slot]
		if !ok {
			return fmt.Errorf("entry %s: slot %d has no handle", entry.Name, slot)
		}
		buf, err := h.Buffer()
		if err != nil {
			return fmt.Errorf("entry %s: %w", entry.Name, err)
		}
		bindings = append(bindings, driver.Binding{Slot: slot, Index: entry.Bindings[k], Buffer: buf})
	}

	if err := e.driver.Dispatch(ctx, mod, entry.Name, bindings, entry.Workgroups); err != nil {
		return err
	}
	e.dispatches.Add(1)

	j.results = make([][]byte, len(j.outputs))
	for k, h := range j.outputs {
		buf, err := h.Buffer()
		if err != nil {
			return err
		}
		raw, err := e.driver.Read(ctx, buf)
		if err != nil {
			return &driver.DispatchError{Entry: entry.Name, Err: err}
		}
		e.bytesRead.Add(uint64(len(raw)))
		j.results[k] = raw
	}
	return nil
}

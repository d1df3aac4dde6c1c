// Package graph records deferred operations as a DAG and linearizes it for
// code generation.
package graph

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/born-ml/zelkova/internal/binding"
	"github.com/born-ml/zelkova/internal/kernel"
	"github.com/born-ml/zelkova/internal/tensor"
)

// Construction errors.
var (
	ErrFrozen        = errors.New("graph: builder already built")
	ErrNoOperands    = errors.New("graph: operation has no operands")
	ErrArity         = errors.New("graph: wrong number of operands")
	ErrShapeMismatch = errors.New("graph: shape mismatch")
	ErrDTypeMismatch = errors.New("graph: data type mismatch")
	ErrNilOperand    = errors.New("graph: nil operand")
)

// ShapeMismatchError reports an operand incompatible with the ones before it.
type ShapeMismatchError struct {
	Op   kernel.Op
	Want tensor.Shape
	Got  tensor.Shape
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("graph: %s: shape mismatch: have %v, operand is %v", e.Op, []int(e.Want), []int(e.Got))
}

// Is matches ErrShapeMismatch.
func (e *ShapeMismatchError) Is(target error) bool { return target == ErrShapeMismatch }

// OperandKind tags an Operand.
type OperandKind int

const (
	// HandleKind is a bound buffer.
	HandleKind OperandKind = iota
	// NodeKind is another operation.
	NodeKind
)

// Operand is either a bound handle or a node.
type Operand struct {
	kind   OperandKind
	handle *binding.Handle
	node   *Node
}

// HandleOperand wraps a bound handle.
func HandleOperand(h *binding.Handle) Operand {
	return Operand{kind: HandleKind, handle: h}
}

// NodeOperand wraps a node.
func NodeOperand(n *Node) Operand {
	return Operand{kind: NodeKind, node: n}
}

// Kind returns the operand tag.
func (o Operand) Kind() OperandKind { return o.kind }

// Handle returns the handle of a HandleKind operand.
func (o Operand) Handle() *binding.Handle { return o.handle }

// Node returns the node of a NodeKind operand.
func (o Operand) Node() *Node { return o.node }

func (o Operand) valid() bool {
	switch o.kind {
	case HandleKind:
		return o.handle != nil
	case NodeKind:
		return o.node != nil
	default:
		return false
	}
}

// Shape returns the operand's logical shape.
func (o Operand) Shape() tensor.Shape {
	if o.kind == HandleKind {
		return o.handle.Shape()
	}
	return o.node.Shape()
}

// DataType returns the operand's element type.
func (o Operand) DataType() tensor.DataType {
	if o.kind == HandleKind {
		return o.handle.DataType()
	}
	return o.node.DataType()
}

// Resolved is always true for handles and follows the node state otherwise.
func (o Operand) Resolved() bool {
	if o.kind == HandleKind {
		return true
	}
	return o.node.Resolved()
}

// leaf returns the handle backing a resolved operand.
func (o Operand) leaf() (*binding.Handle, bool) {
	if o.kind == HandleKind {
		return o.handle, true
	}
	return o.node.Result()
}

// Option configures a Builder.
type Option func(*Builder)

// WithShift sets the rotate amount.
func WithShift(k int) Option {
	return func(b *Builder) { b.shift = k }
}

// Builder accumulates operands for one operation. Build freezes it into a Node.
type Builder struct {
	op       kernel.Op
	shift    int
	operands []Operand
	frozen   bool
}

// Create begins an operation with no operands.
func Create(op kernel.Op, opts ...Option) *Builder {
	b := &Builder{op: op}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Include appends an operand, checking it against the operands already
// included. Shapes must match exactly.
func (b *Builder) Include(o Operand) (*Builder, error) {
	if b.frozen {
		return nil, ErrFrozen
	}
	if !o.valid() {
		return nil, ErrNilOperand
	}
	if _, hi := b.op.Arity(); hi >= 0 && len(b.operands) >= hi {
		return nil, fmt.Errorf("%w: %s takes %d", ErrArity, b.op, hi)
	}

	shape, dt := o.Shape(), o.DataType()
	if len(b.operands) == 0 {
		if err := b.op.Check(shape, dt); err != nil {
			return nil, fmt.Errorf("graph: %w", err)
		}
	} else {
		first := b.operands[0]
		if first.DataType() != dt {
			return nil, fmt.Errorf("%w: %s: have %s, operand is %s", ErrDTypeMismatch, b.op, first.DataType(), dt)
		}
		want := first.Shape()
		if want.NumElements() != shape.NumElements() || !want.Equal(shape) {
			return nil, &ShapeMismatchError{Op: b.op, Want: want, Got: shape}
		}
	}
	b.operands = append(b.operands, o)
	return b, nil
}

// Build freezes the builder and returns the pending node.
func (b *Builder) Build() (*Node, error) {
	if b.frozen {
		return nil, ErrFrozen
	}
	if len(b.operands) == 0 {
		return nil, ErrNoOperands
	}
	if lo, _ := b.op.Arity(); len(b.operands) < lo {
		return nil, fmt.Errorf("%w: %s needs at least %d, have %d", ErrArity, b.op, lo, len(b.operands))
	}
	b.frozen = true
	first := b.operands[0]
	return &Node{
		id:       nextNodeID.Add(1),
		op:       b.op,
		shift:    b.shift,
		operands: b.operands,
		shape:    b.op.ResultShape(first.Shape()),
		dtype:    first.DataType(),
	}, nil
}

// State is the resolution state of a node or graph.
type State int

const (
	Pending State = iota
	Done
)

func (s State) String() string {
	if s == Done {
		return "done"
	}
	return "pending"
}

var nextNodeID atomic.Uint64

// Node is a frozen deferred operation. It moves from Pending to Done once,
// when the graph resolving it completes.
type Node struct {
	id       uint64
	op       kernel.Op
	shift    int
	operands []Operand
	shape    tensor.Shape
	dtype    tensor.DataType

	mu     sync.Mutex
	state  State
	result *binding.Handle
}

// ID returns a process-unique node id.
func (n *Node) ID() uint64 { return n.id }

// Op returns the operation kind.
func (n *Node) Op() kernel.Op { return n.op }

// Shift returns the rotate amount.
func (n *Node) Shift() int { return n.shift }

// Operands returns a copy of the operand list.
func (n *Node) Operands() []Operand {
	return append([]Operand(nil), n.operands...)
}

// Shape returns the result shape.
func (n *Node) Shape() tensor.Shape { return n.shape.Clone() }

// DataType returns the result element type.
func (n *Node) DataType() tensor.DataType { return n.dtype }

// State returns the current state.
func (n *Node) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Resolved reports whether the node is Done.
func (n *Node) Resolved() bool { return n.State() == Done }

// Result returns the handle holding the node's value once Done.
func (n *Node) Result() (*binding.Handle, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.result, n.state == Done
}

func (n *Node) settle(h *binding.Handle) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == Done {
		return fmt.Errorf("graph: node %d already resolved", n.id)
	}
	n.state = Done
	n.result = h
	return nil
}

func (n *Node) String() string {
	return fmt.Sprintf("%s#%d%v", n.op, n.id, []int(n.shape))
}

package graph

import (
	"errors"
	"fmt"
	"slices"

	"github.com/emirpasic/gods/v2/stacks/arraystack"

	"github.com/born-ml/zelkova/internal/binding"
)

// Graph errors.
var (
	ErrNilRoot   = errors.New("graph: nil root")
	ErrResolved  = errors.New("graph: root already resolved")
	ErrImmutable = errors.New("graph: execution already attached")
	ErrDetached  = errors.New("graph: no execution attached")
)

// DepthKind classifies a graph.
type DepthKind int

const (
	// Singular graphs have roots whose operands are all resolved.
	Singular DepthKind = iota
	// Layered graphs contain pending operations below the roots.
	Layered
)

// Depth is the scheduling classification of a graph.
type Depth struct {
	Kind  DepthKind
	Level int
	State State
}

func (d Depth) String() string {
	if d.Kind == Singular {
		return "singular"
	}
	return fmt.Sprintf("layered(%d, %s)", d.Level, d.State)
}

// RefKind tags a Ref.
type RefKind int

const (
	// LeafRef points at a bound handle.
	LeafRef RefKind = iota
	// VertexRef points at an earlier vertex in resolution order.
	VertexRef
)

// Ref is a resolved operand reference.
type Ref struct {
	Kind   RefKind
	Handle *binding.Handle
	Vertex int
}

// Vertex is one pending node in resolution order.
type Vertex struct {
	Node  *Node
	Args  []Ref
	Level int
	Root  bool
	// Uses counts the references from later vertices.
	Uses int
}

// Execution is the context attached when resolution begins.
type Execution struct {
	ID string
}

// Graph is the set of pending nodes reachable from one or more roots.
type Graph struct {
	roots []*Node
	depth Depth
	exec  *Execution

	levels map[*Node]int
	order  []Vertex
	leaves []*binding.Handle
}

// New creates a graph for root.
func New(root *Node) (*Graph, error) {
	if err := checkRoot(root); err != nil {
		return nil, err
	}
	g := &Graph{levels: make(map[*Node]int)}
	g.roots = append(g.roots, root)
	g.classify()
	return g, nil
}

func checkRoot(n *Node) error {
	if n == nil {
		return ErrNilRoot
	}
	if n.Resolved() {
		return fmt.Errorf("%w: %s", ErrResolved, n)
	}
	return nil
}

// Link appends another root. It fails once an execution is attached.
func (g *Graph) Link(n *Node) error {
	if g.exec != nil {
		return ErrImmutable
	}
	if err := checkRoot(n); err != nil {
		return err
	}
	if slices.Contains(g.roots, n) {
		return nil
	}
	g.roots = append(g.roots, n)
	g.order = nil
	g.leaves = nil
	g.classify()
	return nil
}

// Roots returns the requested results in link order.
func (g *Graph) Roots() []*Node {
	return append([]*Node(nil), g.roots...)
}

// Depth returns the graph classification.
func (g *Graph) Depth() Depth { return g.depth }

// Attached reports whether resolution has begun.
func (g *Graph) Attached() bool { return g.exec != nil }

// Execution returns the attached execution, if any.
func (g *Graph) Execution() (*Execution, bool) { return g.exec, g.exec != nil }

func (g *Graph) classify() {
	level := 0
	for _, r := range g.roots {
		level = max(level, g.level(r))
	}
	if level == 0 {
		g.depth = Depth{Kind: Singular}
		return
	}
	g.depth = Depth{Kind: Layered, Level: level, State: Pending}
}

// level is 0 for a node whose operands are all resolved, else one more than
// its deepest pending operand.
func (g *Graph) level(n *Node) int {
	if l, ok := g.levels[n]; ok {
		return l
	}
	l := 0
	for _, o := range n.operands {
		if o.kind == NodeKind && !o.node.Resolved() {
			l = max(l, g.level(o.node)+1)
		}
	}
	g.levels[n] = l
	return l
}

// pending returns the distinct unresolved node operands of n, deepest first.
func (g *Graph) pending(n *Node) []*Node {
	var kids []*Node
	for _, o := range n.operands {
		if o.kind == NodeKind && !o.node.Resolved() && !slices.Contains(kids, o.node) {
			kids = append(kids, o.node)
		}
	}
	slices.SortStableFunc(kids, func(a, b *Node) int { return g.levels[b] - g.levels[a] })
	return kids
}

type frame struct {
	node *Node
	next int
}

// Traverse returns the resolution order: a post-order walk in which every
// operand precedes its consumer and deeper subtrees come first. The result is
// cached, so repeated calls on an unchanged graph return the same order. Each
// call returns its own copy.
func (g *Graph) Traverse() []Vertex {
	if g.order == nil {
		g.order = g.traverse()
	}
	out := make([]Vertex, len(g.order))
	for i, v := range g.order {
		v.Args = slices.Clone(v.Args)
		out[i] = v
	}
	return out
}

func (g *Graph) traverse() []Vertex {
	index := make(map[*Node]int)
	kids := make(map[*Node][]*Node)
	var order []Vertex

	stack := arraystack.New[frame]()
	for _, root := range g.roots {
		if _, seen := index[root]; seen {
			continue
		}
		stack.Push(frame{node: root})
		for !stack.Empty() {
			f, _ := stack.Pop()
			ks, ok := kids[f.node]
			if !ok {
				ks = g.pending(f.node)
				kids[f.node] = ks
			}
			if f.next < len(ks) {
				child := ks[f.next]
				stack.Push(frame{node: f.node, next: f.next + 1})
				if _, seen := index[child]; !seen {
					stack.Push(frame{node: child})
				}
				continue
			}
			if _, seen := index[f.node]; seen {
				continue
			}
			index[f.node] = len(order)
			order = append(order, g.vertex(f.node, index))
		}
	}

	for _, r := range g.roots {
		order[index[r]].Root = true
	}
	for _, v := range order {
		for _, a := range v.Args {
			if a.Kind == VertexRef {
				order[a.Vertex].Uses++
			}
		}
	}
	return order
}

func (g *Graph) vertex(n *Node, index map[*Node]int) Vertex {
	v := Vertex{Node: n, Level: g.levels[n], Args: make([]Ref, len(n.operands))}
	for i, o := range n.operands {
		if h, ok := o.leaf(); ok {
			v.Args[i] = Ref{Kind: LeafRef, Handle: h}
			continue
		}
		v.Args[i] = Ref{Kind: VertexRef, Vertex: index[o.node]}
	}
	return v
}

// Leaves returns the distinct handles the resolution order reads, in first
// reference order.
func (g *Graph) Leaves() []*binding.Handle {
	if g.leaves != nil {
		return slices.Clone(g.leaves)
	}
	seen := make(map[uint32]bool)
	var out []*binding.Handle
	for _, v := range g.Traverse() {
		for _, a := range v.Args {
			if a.Kind == LeafRef && !seen[a.Handle.Slot()] {
				seen[a.Handle.Slot()] = true
				out = append(out, a.Handle)
			}
		}
	}
	g.leaves = out
	return slices.Clone(out)
}

// Attach marks the start of resolution. The graph is immutable afterwards.
func (g *Graph) Attach(exec *Execution) error {
	if g.exec != nil {
		return ErrImmutable
	}
	if exec == nil {
		exec = &Execution{}
	}
	if g.order == nil {
		g.order = g.traverse()
	}
	g.exec = exec
	return nil
}

// Complete settles every root with its result handle, in Roots order. It is
// all or nothing: nothing is settled unless every root can be.
func (g *Graph) Complete(results []*binding.Handle) error {
	if g.exec == nil {
		return ErrDetached
	}
	if len(results) != len(g.roots) {
		return fmt.Errorf("graph: %d results for %d roots", len(results), len(g.roots))
	}
	for i, r := range g.roots {
		if results[i] == nil {
			return fmt.Errorf("graph: nil result for %s", r)
		}
		if r.Resolved() {
			return fmt.Errorf("%w: %s", ErrResolved, r)
		}
	}
	for i, r := range g.roots {
		if err := r.settle(results[i]); err != nil {
			return err
		}
	}
	g.depth.State = Done
	return nil
}

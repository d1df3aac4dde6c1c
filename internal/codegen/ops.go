package codegen

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/born-ml/zelkova/internal/binding"
	"github.com/born-ml/zelkova/internal/graph"
	"github.com/born-ml/zelkova/internal/kernel"
	"github.com/born-ml/zelkova/internal/tensor"
)

// writer emits the functions and entry point of one graph.
//
// A vertex read only at the reader's own index is bound once with let in
// every body that needs it. A vertex some reader reads at another index, and
// every reduction with readers, becomes fn op_g_i(i: u32); a body reading such
// a vertex at its own index binds the call once as op_g_i_i.
type writer struct {
	emitter *Emitter
	graph   int
	order   []graph.Vertex
	fn      []bool
}

func newWriter(e *Emitter, gi int, order []graph.Vertex) *writer {
	w := &writer{emitter: e, graph: gi, order: order, fn: make([]bool, len(order))}
	for i, v := range order {
		switch v.Node.Op() {
		case kernel.Sum, kernel.Determinant, kernel.Inverse:
			w.fn[i] = v.Uses > 0
		}
		if !sameIndex(v) {
			for _, a := range v.Args {
				if a.Kind == graph.VertexRef {
					w.fn[a.Vertex] = true
				}
			}
		}
	}
	return w
}

// sameIndex reports whether element i of v reads only element i of its
// operands.
func sameIndex(v graph.Vertex) bool {
	switch v.Node.Op() {
	case kernel.Add, kernel.Sub, kernel.Mul, kernel.Div, kernel.Exp:
		return true
	case kernel.Rotate:
		n := v.Node.Shape().NumElements()
		return v.Node.Shift()%n == 0
	default:
		return false
	}
}

func (w *writer) alias(i int) string {
	return fmt.Sprintf("op_%d_%d", w.graph, i)
}

func (w *writer) printf(format string, args ...any) {
	fmt.Fprintf(&w.emitter.body, format, args...)
}

func u32(n int) string {
	return strconv.Itoa(n) + "u"
}

func zero(dt tensor.DataType) string {
	return dt.WGSL() + "(0)"
}

func simple(expr string) bool {
	for _, r := range expr {
		if !(r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

func paren(expr string) string {
	if simple(expr) {
		return expr
	}
	return "(" + expr + ")"
}

// load reads element idx of a declared handle.
func (w *writer) load(h *binding.Handle, idx string) string {
	hd, _ := w.emitter.headers.Get(h.Slot())
	if hd.space == binding.SpaceUniform {
		p := paren(idx)
		return fmt.Sprintf("%s[%s / 4u][%s %% 4u]", hd.name, p, p)
	}
	return fmt.Sprintf("%s[%s]", hd.name, idx)
}

// arg reads element idx of operand a. Reads at index i resolve to names
// bound by prelude.
func (w *writer) arg(a graph.Ref, idx string) string {
	if a.Kind == graph.LeafRef {
		return w.load(a.Handle, idx)
	}
	alias := w.alias(a.Vertex)
	switch {
	case idx != "i":
		return fmt.Sprintf("%s(%s)", alias, idx)
	case w.fn[a.Vertex]:
		return alias + "_i"
	default:
		return alias
	}
}

// prelude binds, in resolution order, every vertex the body of v reads at
// index i. With self set, v itself is bound too.
func (w *writer) prelude(b *block, v graph.Vertex, self int) {
	need := make([]bool, len(w.order))
	var visit func(k int)
	visit = func(k int) {
		if need[k] {
			return
		}
		need[k] = true
		if !w.fn[k] {
			w.sameIndexArgs(w.order[k], visit)
		}
	}
	if self >= 0 {
		visit(self)
	} else {
		w.sameIndexArgs(v, visit)
	}

	for k, ok := range need {
		if !ok {
			continue
		}
		alias := w.alias(k)
		if w.fn[k] {
			b.line(fmt.Sprintf("let %s_i = %s(i);", alias, alias))
		} else {
			b.line(fmt.Sprintf("let %s = %s;", alias, w.expr(w.order[k])))
		}
	}
}

func (w *writer) sameIndexArgs(v graph.Vertex, f func(int)) {
	if !sameIndex(v) {
		return
	}
	for _, a := range v.Args {
		if a.Kind == graph.VertexRef {
			f(a.Vertex)
		}
	}
}

// function emits vertex i as `fn op_g_i(i: u32) -> T`.
func (w *writer) function(i int) {
	v := w.order[i]
	w.printf("\nfn %s(i: u32) -> %s {\n", w.alias(i), v.Node.DataType().WGSL())
	b := &block{indent: "    "}
	w.prelude(b, v, -1)
	w.statements(b, v, func(expr string) string { return "return " + expr + ";" })
	w.printf("%s}\n", b)
}

// entry emits the compute entry point writing every root.
func (w *writer) entry(name string, outputs []*binding.Handle, rootIndex map[*graph.Node]int, roots []*graph.Node) {
	wg := w.emitter.workgroup
	w.printf("\n@compute @workgroup_size(%d)\n", wg)
	w.printf("fn %s(@builtin(global_invocation_id) gid: vec3<u32>, @builtin(num_workgroups) nwg: vec3<u32>) {\n", name)
	w.printf("    let idx = gid.x + gid.y * nwg.x * %du;\n", wg)
	for k, root := range roots {
		out := outputs[k]
		vi := rootIndex[root]
		v := w.order[vi]
		target := w.load(out, "i")
		sink := func(expr string) string { return target + " = " + expr + ";" }

		b := &block{indent: "        "}
		b.line("let i = idx;")
		if v.Uses > 0 {
			w.prelude(b, v, vi)
			b.line(sink(w.arg(graph.Ref{Kind: graph.VertexRef, Vertex: vi}, "i")))
		} else {
			w.prelude(b, v, -1)
			w.statements(b, v, sink)
		}
		w.printf("    if (idx < %s) {\n%s    }\n", u32(out.Len()), b)
	}
	w.printf("}\n")
}

// expr is the single expression for element i of v. Reductions have none.
func (w *writer) expr(v graph.Vertex) string {
	node := v.Node
	x := func(idx string) string { return w.arg(v.Args[0], idx) }

	switch op := node.Op(); op {
	case kernel.Add, kernel.Sub, kernel.Mul, kernel.Div:
		expr := x("i")
		for _, a := range v.Args[1:] {
			expr = fmt.Sprintf("(%s %s %s)", expr, op.Symbol(), w.arg(a, "i"))
		}
		return expr

	case kernel.Exp:
		return "exp(" + x("i") + ")"

	case kernel.Rotate:
		n := node.Shape().NumElements()
		s := ((node.Shift() % n) + n) % n
		if s == 0 {
			return x("i")
		}
		return x(fmt.Sprintf("(i + %s) %% %s", u32(n-s), u32(n)))

	case kernel.Transpose:
		shape := w.operandShape(v.Args[0])
		r, c := shape[0], shape[1]
		return x(fmt.Sprintf("(i %% %s) * %s + i / %s", u32(r), u32(c), u32(r)))
	}
	return ""
}

// statements emits the body computing element i of v into b and hands the
// result expression to sink.
func (w *writer) statements(b *block, v graph.Vertex, sink func(string) string) {
	node := v.Node
	dt := node.DataType()
	x := func(idx string) string { return w.arg(v.Args[0], idx) }

	switch node.Op() {
	case kernel.Sum:
		n := w.operandShape(v.Args[0]).NumElements()
		b.line("var acc = " + zero(dt) + ";")
		b.open(fmt.Sprintf("for (var k = 0u; k < %s; k++) {", u32(n)))
		b.line("acc = acc + " + x("k") + ";")
		b.close()
		b.line(sink("acc"))

	case kernel.Determinant:
		n := w.operandShape(v.Args[0])[0]
		w.determinant(b, n, x)
		b.line(sink("det"))

	case kernel.Inverse:
		n := w.operandShape(v.Args[0])[0]
		w.inverse(b, n, x)
		b.line(sink("res"))

	default:
		b.line(sink(w.expr(v)))
	}
}

func (w *writer) operandShape(a graph.Ref) tensor.Shape {
	if a.Kind == graph.LeafRef {
		return a.Handle.Shape()
	}
	return w.order[a.Vertex].Node.Shape()
}

// pivot emits partial pivot selection for column c of the n*n scratch matrix m.
func pivot(b *block, n string) {
	b.line("var p = c;")
	b.open(fmt.Sprintf("for (var r = c + 1u; r < %s; r++) {", n))
	b.open(fmt.Sprintf("if (abs(m[r * %s + c]) > abs(m[p * %s + c])) {", n, n))
	b.line("p = r;")
	b.close()
	b.close()
	b.open(fmt.Sprintf("if (m[p * %s + c] == f32(0)) {", n))
	b.line("sing = true;")
	b.line("break;")
	b.close()
}

// determinant reduces a copy of the operand to upper triangular form.
func (w *writer) determinant(b *block, size int, x func(string) string) {
	n := u32(size)
	b.line(fmt.Sprintf("var m: array<f32, %d>;", size*size))
	b.open(fmt.Sprintf("for (var k = 0u; k < %s; k++) {", u32(size*size)))
	b.line("m[k] = " + x("k") + ";")
	b.close()
	b.line("var det = f32(1);")
	b.line("var sing = false;")
	b.open(fmt.Sprintf("for (var c = 0u; c < %s; c++) {", n))
	pivot(b, n)
	b.open("if (p != c) {")
	b.open(fmt.Sprintf("for (var k = 0u; k < %s; k++) {", n))
	b.line(fmt.Sprintf("let tmp = m[c * %s + k];", n))
	b.line(fmt.Sprintf("m[c * %s + k] = m[p * %s + k];", n, n))
	b.line(fmt.Sprintf("m[p * %s + k] = tmp;", n))
	b.close()
	b.line("det = -det;")
	b.close()
	b.line(fmt.Sprintf("let piv = m[c * %s + c];", n))
	b.line("det = det * piv;")
	b.open(fmt.Sprintf("for (var r = c + 1u; r < %s; r++) {", n))
	b.line(fmt.Sprintf("let fac = m[r * %s + c] / piv;", n))
	b.open(fmt.Sprintf("for (var k = c; k < %s; k++) {", n))
	b.line(fmt.Sprintf("m[r * %s + k] = m[r * %s + k] - fac * m[c * %s + k];", n, n, n))
	b.close()
	b.close()
	b.close()
	b.open("if (sing) {")
	b.line("det = f32(0);")
	b.close()
}

// inverse runs Gauss-Jordan elimination on a copy of the operand alongside the
// identity. A singular input yields NaN.
func (w *writer) inverse(b *block, size int, x func(string) string) {
	n := u32(size)
	b.line(fmt.Sprintf("var m: array<f32, %d>;", size*size))
	b.line(fmt.Sprintf("var v: array<f32, %d>;", size*size))
	b.open(fmt.Sprintf("for (var k = 0u; k < %s; k++) {", u32(size*size)))
	b.line("m[k] = " + x("k") + ";")
	b.line(fmt.Sprintf("v[k] = select(f32(0), f32(1), k / %s == k %% %s);", n, n))
	b.close()
	b.line("var sing = false;")
	b.open(fmt.Sprintf("for (var c = 0u; c < %s; c++) {", n))
	pivot(b, n)
	b.open("if (p != c) {")
	b.open(fmt.Sprintf("for (var k = 0u; k < %s; k++) {", n))
	b.line(fmt.Sprintf("let tmp = m[c * %s + k];", n))
	b.line(fmt.Sprintf("m[c * %s + k] = m[p * %s + k];", n, n))
	b.line(fmt.Sprintf("m[p * %s + k] = tmp;", n))
	b.line(fmt.Sprintf("let tmv = v[c * %s + k];", n))
	b.line(fmt.Sprintf("v[c * %s + k] = v[p * %s + k];", n, n))
	b.line(fmt.Sprintf("v[p * %s + k] = tmv;", n))
	b.close()
	b.close()
	b.line(fmt.Sprintf("let piv = m[c * %s + c];", n))
	b.open(fmt.Sprintf("for (var k = 0u; k < %s; k++) {", n))
	b.line(fmt.Sprintf("m[c * %s + k] = m[c * %s + k] / piv;", n, n))
	b.line(fmt.Sprintf("v[c * %s + k] = v[c * %s + k] / piv;", n, n))
	b.close()
	b.open(fmt.Sprintf("for (var r = 0u; r < %s; r++) {", n))
	b.open("if (r != c) {")
	b.line(fmt.Sprintf("let fac = m[r * %s + c];", n))
	b.open(fmt.Sprintf("for (var k = 0u; k < %s; k++) {", n))
	b.line(fmt.Sprintf("m[r * %s + k] = m[r * %s + k] - fac * m[c * %s + k];", n, n, n))
	b.line(fmt.Sprintf("v[r * %s + k] = v[r * %s + k] - fac * v[c * %s + k];", n, n, n))
	b.close()
	b.close()
	b.close()
	b.close()
	b.line(fmt.Sprintf("var res = v[i %% %s];", u32(size*size)))
	b.open("if (sing) {")
	b.line("res = bitcast<f32>(0x7fc00000u);")
	b.close()
}

// block is an indenting line buffer.
type block struct {
	sb     strings.Builder
	indent string
	depth  int
}

func (b *block) line(s string) {
	b.sb.WriteString(b.indent)
	b.sb.WriteString(strings.Repeat("    ", b.depth))
	b.sb.WriteString(s)
	b.sb.WriteByte('\n')
}

func (b *block) open(s string) {
	b.line(s)
	b.depth++
}

func (b *block) close() {
	b.depth--
	b.line("}")
}

func (b *block) String() string { return b.sb.String() }

package kernel

import (
	"fmt"
	"strings"

	"github.com/gogpu/gputypes"

	"github.com/born-ml/zelkova/internal/tensor"
)

// Ref points at a step argument: a bound buffer slot or an earlier step.
type Ref struct {
	IsStep bool
	Slot   uint32
	Step   int
}

// SlotRef references the buffer bound at slot.
func SlotRef(slot uint32) Ref { return Ref{Slot: slot} }

// StepRef references the result of step i in the same entry.
func StepRef(i int) Ref { return Ref{IsStep: true, Step: i} }

func (r Ref) String() string {
	if r.IsStep {
		return fmt.Sprintf("step[%d]", r.Step)
	}
	return fmt.Sprintf("slot[%d]", r.Slot)
}

// Step is one operation in resolution order.
type Step struct {
	// Alias is the generated shader name, empty when the step is inlined.
	Alias string
	Op    Op
	Args  []Ref
	Shape tensor.Shape
	// Input is the shape of the operands.
	Input tensor.Shape
	DType tensor.DataType
	// Shift is the rotate amount.
	Shift int
}

// Output stores the result of Step into the buffer bound at Slot.
type Output struct {
	Step int
	Slot uint32
}

// Entry is one compute entry point, generated from one graph.
type Entry struct {
	Name       string
	Workgroups [3]uint32
	Steps      []Step
	Outputs    []Output
	// Slots lists every table slot the entry reads or writes; Bindings holds
	// the matching @binding indices.
	Slots    []uint32
	Bindings []uint32
}

// Program is a finalized shader module: source, layout and plan.
type Program struct {
	Source        string
	WorkgroupSize uint32
	Layout        []gputypes.BindGroupLayoutEntry
	// Bindings maps a table slot to its @binding index in this module.
	Bindings map[uint32]uint32
	Entries  []Entry
}

// Entry looks up an entry point by name.
func (p *Program) Entry(name string) (*Entry, bool) {
	for i := range p.Entries {
		if p.Entries[i].Name == name {
			return &p.Entries[i], true
		}
	}
	return nil, false
}

// LayoutFor returns the layout entries an entry point binds, in layout order.
func (p *Program) LayoutFor(name string) []gputypes.BindGroupLayoutEntry {
	e, ok := p.Entry(name)
	if !ok {
		return nil
	}
	used := make(map[uint32]bool, len(e.Bindings))
	for _, b := range e.Bindings {
		used[b] = true
	}
	var out []gputypes.BindGroupLayoutEntry
	for _, le := range p.Layout {
		if used[le.Binding] {
			out = append(out, le)
		}
	}
	return out
}

// Describe renders the plan in a compact human-readable form.
func (p *Program) Describe() string {
	var sb strings.Builder
	for _, e := range p.Entries {
		fmt.Fprintf(&sb, "%s workgroups=%v\n", e.Name, e.Workgroups)
		for i, s := range e.Steps {
			args := make([]string, len(s.Args))
			for j, a := range s.Args {
				args[j] = a.String()
			}
			alias := s.Alias
			if alias == "" {
				alias = "-"
			}
			fmt.Fprintf(&sb, "  %d %-10s %-12s %s %v\n", i, alias, s.Op, strings.Join(args, ","), []int(s.Shape))
		}
		for _, o := range e.Outputs {
			fmt.Fprintf(&sb, "  step[%d] -> slot[%d]\n", o.Step, o.Slot)
		}
		for k, slot := range e.Slots {
			fmt.Fprintf(&sb, "  slot[%d] @binding(%d)\n", slot, e.Bindings[k])
		}
	}
	return sb.String()
}

// Package shader compiles and reflects generated WGSL on the host.
//
// Drivers run every program through Compile before handing it to the device,
// so that an emitter bug surfaces as a ShaderCompileError carrying the source
// instead of an opaque device failure.
package shader

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/gogpu/naga"
	"github.com/gogpu/naga/ir"
	"github.com/gogpu/naga/spirv"

	"github.com/born-ml/zelkova/internal/driver"
	"github.com/born-ml/zelkova/internal/kernel"
)

// Access describes how a global buffer is declared.
type Access int

// Access modes.
const (
	Uniform Access = iota
	StorageRead
	StorageReadWrite
)

func (a Access) String() string {
	switch a {
	case Uniform:
		return "uniform"
	case StorageRead:
		return "storage, read"
	default:
		return "storage, read_write"
	}
}

// EntryInfo describes a reflected compute entry point.
type EntryInfo struct {
	Name      string
	Workgroup [3]uint32
}

// BindingInfo describes a reflected buffer binding.
type BindingInfo struct {
	Name    string
	Group   uint32
	Binding uint32
	Access  Access
}

// Options configures Compile.
type Options struct {
	// SPIRV also generates a SPIR-V binary.
	SPIRV bool
}

// Module is the reflected result of a successful compilation.
type Module struct {
	Entries  []EntryInfo
	Bindings []BindingInfo
	SPIRV    []byte
}

// Compile parses, lowers and validates WGSL source.
func Compile(source string, opts Options) (*Module, error) {
	ast, err := naga.Parse(source)
	if err != nil {
		return nil, compileError(source, err)
	}
	mod, err := naga.LowerWithSource(ast, source)
	if err != nil {
		return nil, compileError(source, err)
	}
	verrs, err := naga.Validate(mod)
	if err != nil {
		return nil, compileError(source, err)
	}
	if len(verrs) > 0 {
		msgs := make([]string, len(verrs))
		for i, v := range verrs {
			msgs[i] = v.Error()
		}
		return nil, &driver.ShaderCompileError{
			Source:     source,
			Diagnostic: strings.Join(msgs, "; "),
			Err:        verrs[0],
		}
	}

	out := reflect(mod)
	if opts.SPIRV {
		out.SPIRV, err = naga.GenerateSPIRV(mod, spirv.Options{Version: spirv.Version1_3})
		if err != nil {
			return nil, compileError(source, err)
		}
	}
	return out, nil
}

func compileError(source string, err error) error {
	return &driver.ShaderCompileError{Source: source, Diagnostic: err.Error(), Err: err}
}

func reflect(mod *ir.Module) *Module {
	out := &Module{}
	for _, ep := range mod.EntryPoints {
		if ep.Stage != ir.StageCompute {
			continue
		}
		out.Entries = append(out.Entries, EntryInfo{Name: ep.Name, Workgroup: ep.Workgroup})
	}
	for _, gv := range mod.GlobalVariables {
		if gv.Binding == nil {
			continue
		}
		info := BindingInfo{Name: gv.Name, Group: gv.Binding.Group, Binding: gv.Binding.Binding}
		switch {
		case gv.Space == ir.SpaceUniform:
			info.Access = Uniform
		case gv.Access == ir.StorageRead:
			info.Access = StorageRead
		default:
			info.Access = StorageReadWrite
		}
		out.Bindings = append(out.Bindings, info)
	}
	slices.SortFunc(out.Bindings, func(a, b BindingInfo) int {
		return int(a.Binding) - int(b.Binding)
	})
	return out
}

// ErrMismatch is returned by Verify when the compiled module disagrees with its plan.
var ErrMismatch = errors.New("shader: module does not match program")

// Verify checks that the reflected module declares every entry point and
// binding the program expects.
func Verify(mod *Module, program *kernel.Program) error {
	for _, e := range program.Entries {
		found := false
		for _, info := range mod.Entries {
			if info.Name == e.Name {
				found = true
				if info.Workgroup[0] != program.WorkgroupSize {
					return fmt.Errorf("%w: entry %s has workgroup size %d, want %d",
						ErrMismatch, e.Name, info.Workgroup[0], program.WorkgroupSize)
				}
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: missing entry point %s", ErrMismatch, e.Name)
		}
	}
	if len(mod.Bindings) != len(program.Layout) {
		return fmt.Errorf("%w: %d bindings declared, layout has %d",
			ErrMismatch, len(mod.Bindings), len(program.Layout))
	}
	for _, le := range program.Layout {
		idx := slices.IndexFunc(mod.Bindings, func(b BindingInfo) bool { return b.Binding == le.Binding })
		if idx < 0 {
			return fmt.Errorf("%w: binding %d not declared", ErrMismatch, le.Binding)
		}
	}
	return nil
}

package driver

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel device failures.
var (
	ErrOutOfMemory = errors.New("driver: out of memory")
	ErrDeviceLost  = errors.New("driver: device lost")
	ErrClosed      = errors.New("driver: closed")
)

// AllocationError reports a failed buffer allocation.
type AllocationError struct {
	Size uint64
	Err  error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("driver: allocate %d bytes: %v", e.Size, e.Err)
}

func (e *AllocationError) Unwrap() error { return e.Err }

// ShaderCompileError carries the rejected source and the compiler diagnostic.
type ShaderCompileError struct {
	Source     string
	Diagnostic string
	Err        error
}

func (e *ShaderCompileError) Error() string {
	return "driver: shader compilation failed: " + e.Diagnostic
}

func (e *ShaderCompileError) Unwrap() error { return e.Err }

// Annotated returns the source with line numbers, for diagnosis.
func (e *ShaderCompileError) Annotated() string {
	var sb strings.Builder
	for i, line := range strings.Split(e.Source, "\n") {
		fmt.Fprintf(&sb, "%4d | %s\n", i+1, line)
	}
	return sb.String()
}

// DispatchError reports a failed dispatch or read back. The whole graph fails
// with it; no partial results are delivered.
type DispatchError struct {
	Entry string
	Err   error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("driver: dispatch %s: %v", e.Entry, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

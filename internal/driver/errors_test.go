package driver

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorsUnwrap(t *testing.T) {
	var err error = &AllocationError{Size: 64, Err: ErrOutOfMemory}
	assert.ErrorIs(t, err, ErrOutOfMemory)
	assert.Contains(t, err.Error(), "64 bytes")

	err = &DispatchError{Entry: "main", Err: ErrDeviceLost}
	assert.ErrorIs(t, err, ErrDeviceLost)
	assert.Contains(t, err.Error(), "main")

	cause := errors.New("bad token")
	var sce *ShaderCompileError
	err = &ShaderCompileError{Source: "fn main() {\n}", Diagnostic: "bad token", Err: cause}
	assert.ErrorAs(t, err, &sce)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "   1 | fn main() {\n   2 | }\n", sce.Annotated())
}

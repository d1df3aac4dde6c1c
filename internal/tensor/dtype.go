// Package tensor provides the element types, shapes and host encoding shared by
// the graph compiler and its drivers.
package tensor

import "fmt"

// Element is a constraint for the scalar types a compute shader can address.
type Element interface {
	float32 | int32 | uint32
}

// DataType represents runtime type information for bound buffers.
type DataType int

// Supported data types.
const (
	Float32 DataType = iota
	Int32
	Uint32
)

// Size returns the byte size of the data type.
func (dt DataType) Size() int {
	switch dt {
	case Float32, Int32, Uint32:
		return 4
	default:
		panic("unknown data type")
	}
}

// String returns a human-readable name for the data type.
func (dt DataType) String() string {
	switch dt {
	case Float32:
		return "float32"
	case Int32:
		return "int32"
	case Uint32:
		return "uint32"
	default:
		return "unknown"
	}
}

// WGSL returns the shading language scalar type name.
func (dt DataType) WGSL() string {
	switch dt {
	case Float32:
		return "f32"
	case Int32:
		return "i32"
	case Uint32:
		return "u32"
	default:
		panic(fmt.Sprintf("tensor: no shader type for %s", dt))
	}
}

// IsFloat reports whether the type is a floating point type.
func (dt DataType) IsFloat() bool {
	return dt == Float32
}

// Valid reports whether dt is one of the supported types.
func (dt DataType) Valid() bool {
	return dt >= Float32 && dt <= Uint32
}

// DataTypeOf infers the DataType for T.
func DataTypeOf[T Element]() DataType {
	var zero T
	switch any(zero).(type) {
	case float32:
		return Float32
	case int32:
		return Int32
	default:
		return Uint32
	}
}

// ParseDataType maps a name such as "float32" or "f32" to a DataType.
func ParseDataType(name string) (DataType, error) {
	switch name {
	case "float32", "f32":
		return Float32, nil
	case "int32", "i32":
		return Int32, nil
	case "uint32", "u32":
		return Uint32, nil
	default:
		return 0, fmt.Errorf("tensor: unknown data type %q", name)
	}
}

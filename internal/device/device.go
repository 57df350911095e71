package device

import (
	"errors"
	"fmt"
)

// ErrShapeMismatch is returned when a shape does not agree with the data or
// with the shape an operation requires.
var ErrShapeMismatch = errors.New("shape mismatch")

// DType is the storage precision tag carried by a tensor.
type DType int

const (
	Float32 DType = iota
	Float16
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	default:
		return fmt.Sprintf("dtype(%d)", int(d))
	}
}

// Tensor is a dense, row-major, N-dimensional array resident on a backend.
type Tensor interface {
	// Shape returns a copy of the tensor's dimensions.
	Shape() []int

	// Dims returns the tensor viewed as a matrix: all leading dimensions
	// collapsed into rows, the last dimension as cols.
	Dims() (int, int)

	// Numel returns the number of elements.
	Numel() int

	// DType returns the storage precision tag.
	DType() DType

	// Data returns the underlying slice. Writes are visible to every view
	// sharing the storage.
	Data() []float32

	// ToHost copies the data to a new Go slice.
	ToHost() []float32

	// CopyFromFloat32 copies data into the tensor, rounding to the
	// tensor's precision.
	CopyFromFloat32(data []float32)

	// Reshape returns a view with a new shape over the same storage.
	Reshape(shape ...int) (Tensor, error)
}

// Backend creates tensors and manages device memory.
type Backend interface {
	Name() string

	// NewTensor creates a float32 tensor, copying data when non-nil.
	NewTensor(shape []int, data []float32) Tensor

	// NewTensorWithType creates a tensor with the given precision.
	NewTensorWithType(shape []int, dtype DType, data []float32) Tensor

	// GetTensor gets a zeroed tensor from the pool or creates a new one.
	GetTensor(shape ...int) Tensor

	// PutTensor returns a tensor to the pool.
	PutTensor(t Tensor)

	// Synchronize blocks until all queued operations are complete.
	Synchronize()
}

// Numel returns the element count of shape, or an error when the shape is
// empty or has a non-positive dimension.
func Numel(shape []int) (int, error) {
	if len(shape) == 0 {
		return 0, fmt.Errorf("%w: empty shape", ErrShapeMismatch)
	}
	n := 1
	for i, d := range shape {
		if d <= 0 {
			return 0, fmt.Errorf("%w: dimension %d is %d", ErrShapeMismatch, i, d)
		}
		n *= d
	}
	return n, nil
}

// SameShape reports whether a and b have identical dimensions.
func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Flatten2D collapses every leading dimension of t into rows, leaving the
// last dimension as cols. Tensors that are already 2-D are returned as-is.
func Flatten2D(t Tensor) (Tensor, error) {
	shape := t.Shape()
	if len(shape) == 2 {
		return t, nil
	}
	rows, cols := t.Dims()
	return t.Reshape(rows, cols)
}

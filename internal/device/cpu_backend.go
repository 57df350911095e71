package device

import (
	"fmt"
	"runtime"
	"sync"
)

// ensure interface compliance
var _ Backend = (*CPUBackend)(nil)
var _ Tensor = (*CPUTensor)(nil)

// NumWorkers defines the default parallelism for CPU operations
var NumWorkers = runtime.NumCPU()

type CPUBackend struct {
	pool sync.Pool
}

func NewCPUBackend() *CPUBackend {
	return &CPUBackend{
		pool: sync.Pool{
			New: func() interface{} {
				return &CPUTensor{}
			},
		},
	}
}

func (b *CPUBackend) Name() string {
	return "CPU"
}

func (b *CPUBackend) NewTensor(shape []int, data []float32) Tensor {
	return b.NewTensorWithType(shape, Float32, data)
}

func (b *CPUBackend) NewTensorWithType(shape []int, dtype DType, data []float32) Tensor {
	size, err := Numel(shape)
	if err != nil {
		panic(fmt.Sprintf("NewTensor: %v", err))
	}

	t := &CPUTensor{
		backend: b,
		shape:   append([]int(nil), shape...),
		dtype:   dtype,
		data:    make([]float32, size),
	}

	if data != nil {
		if len(data) != size {
			panic("NewTensor: provided data length does not match dimensions")
		}
		t.CopyFromFloat32(data)
	}

	return t
}

func (b *CPUBackend) GetTensor(shape ...int) Tensor {
	size, err := Numel(shape)
	if err != nil {
		panic(fmt.Sprintf("GetTensor: %v", err))
	}

	v := b.pool.Get()
	ct, ok := v.(*CPUTensor)
	if !ok || ct == nil {
		ct = &CPUTensor{}
	}

	ct.backend = b
	ct.shape = append(ct.shape[:0], shape...)
	ct.dtype = Float32
	poolBytes.Sub(float64(4 * cap(ct.data)))
	if cap(ct.data) < size {
		poolMisses.Inc()
		ct.data = make([]float32, size)
	} else {
		poolHits.Inc()
		ct.data = ct.data[:size]
		for i := range ct.data {
			ct.data[i] = 0.0
		}
	}
	return ct
}

func (b *CPUBackend) PutTensor(t Tensor) {
	ct, ok := t.(*CPUTensor)
	if !ok || ct == nil {
		return // Don't pool foreign tensors
	}

	// Views share storage with their parent; pooling one would hand the
	// parent's memory to a stranger.
	if ct.view {
		return
	}

	poolBytes.Add(float64(4 * cap(ct.data)))
	ct.shape = ct.shape[:0]
	b.pool.Put(ct)
}

func (b *CPUBackend) Synchronize() {
	// CPU is always synchronous
}

type CPUTensor struct {
	backend *CPUBackend
	data    []float32
	shape   []int
	dtype   DType
	view    bool
}

func (t *CPUTensor) Shape() []int {
	return append([]int(nil), t.shape...)
}

func (t *CPUTensor) Dims() (int, int) {
	if len(t.shape) == 0 {
		return 0, 0
	}
	cols := t.shape[len(t.shape)-1]
	return len(t.data) / cols, cols
}

func (t *CPUTensor) Numel() int {
	return len(t.data)
}

func (t *CPUTensor) DType() DType {
	return t.dtype
}

func (t *CPUTensor) Data() []float32 {
	return t.data
}

func (t *CPUTensor) ToHost() []float32 {
	out := make([]float32, len(t.data))
	copy(out, t.data)
	return out
}

func (t *CPUTensor) CopyFromFloat32(data []float32) {
	if len(data) != len(t.data) {
		panic("Size mismatch")
	}
	copy(t.data, data)
	if t.dtype == Float16 {
		RoundFloat16(t.data)
	}
}

func (t *CPUTensor) Reshape(shape ...int) (Tensor, error) {
	size, err := Numel(shape)
	if err != nil {
		return nil, err
	}
	if size != len(t.data) {
		return nil, fmt.Errorf("%w: cannot reshape %v (%d elements) to %v", ErrShapeMismatch, t.shape, len(t.data), shape)
	}
	return &CPUTensor{
		backend: t.backend,
		data:    t.data, // Share data
		shape:   append([]int(nil), shape...),
		dtype:   t.dtype,
		view:    true,
	}, nil
}

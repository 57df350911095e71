package device

import (
	"errors"
	"math"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getMetricValue(m prometheus.Metric) float64 {
	var metric dto.Metric
	_ = m.Write(&metric)
	if metric.Counter != nil {
		return *metric.Counter.Value
	}
	if metric.Gauge != nil {
		return *metric.Gauge.Value
	}
	return 0
}

func TestCPUBackend_TensorOps(t *testing.T) {
	backend := NewCPUBackend()

	t.Run("Shape and Dims", func(t *testing.T) {
		a := backend.NewTensor([]int{2, 3, 4}, nil)

		assert.Equal(t, []int{2, 3, 4}, a.Shape())
		rows, cols := a.Dims()
		assert.Equal(t, 6, rows)
		assert.Equal(t, 4, cols)
		assert.Equal(t, 24, a.Numel())
		assert.Equal(t, Float32, a.DType())
	})

	t.Run("Shape is a copy", func(t *testing.T) {
		a := backend.NewTensor([]int{2, 2}, nil)
		s := a.Shape()
		s[0] = 99
		assert.Equal(t, []int{2, 2}, a.Shape())
	})

	t.Run("NewTensor copies data", func(t *testing.T) {
		src := []float32{1, 2, 3, 4}
		a := backend.NewTensor([]int{2, 2}, src)
		src[0] = 100
		assert.Equal(t, float32(1), a.Data()[0])
	})

	t.Run("NewTensor rejects bad shapes", func(t *testing.T) {
		assert.Panics(t, func() { backend.NewTensor([]int{2, 0}, nil) })
		assert.Panics(t, func() { backend.NewTensor(nil, nil) })
		assert.Panics(t, func() { backend.NewTensor([]int{2, 2}, []float32{1}) })
	})

	t.Run("Reshape shares storage", func(t *testing.T) {
		a := backend.NewTensor([]int{2, 3, 4}, nil)
		flat, err := a.Reshape(6, 4)
		require.NoError(t, err)

		flat.Data()[5] = 42
		assert.Equal(t, float32(42), a.Data()[5])
		assert.Equal(t, []int{6, 4}, flat.Shape())
	})

	t.Run("Reshape rejects element count change", func(t *testing.T) {
		a := backend.NewTensor([]int{2, 3}, nil)
		_, err := a.Reshape(4, 2)
		assert.True(t, errors.Is(err, ErrShapeMismatch))
	})

	t.Run("Flatten2D", func(t *testing.T) {
		a := backend.NewTensor([]int{2, 2, 2, 3}, nil)
		flat, err := Flatten2D(a)
		require.NoError(t, err)
		assert.Equal(t, []int{8, 3}, flat.Shape())

		m := backend.NewTensor([]int{4, 3}, nil)
		same, err := Flatten2D(m)
		require.NoError(t, err)
		assert.Same(t, m, same)

		v := backend.NewTensor([]int{5}, nil)
		row, err := Flatten2D(v)
		require.NoError(t, err)
		assert.Equal(t, []int{1, 5}, row.Shape())
	})

	t.Run("Float16 rounding", func(t *testing.T) {
		a := backend.NewTensorWithType([]int{1, 2}, Float16, []float32{1.0001, 3.14159})
		assert.Equal(t, Float16, a.DType())
		// 1.0001 is below fp16 resolution near 1 (2^-10).
		assert.Equal(t, float32(1), a.Data()[0])
		assert.InDelta(t, 3.14159, a.Data()[1], 2e-3)
	})

	t.Run("Pooling", func(t *testing.T) {
		startHits := getMetricValue(poolHits)

		t1 := backend.GetTensor(10, 10)
		t1.Data()[0] = 123
		backend.PutTensor(t1)

		t2 := backend.GetTensor(5, 10)
		assert.Equal(t, []int{5, 10}, t2.Shape())
		for i, v := range t2.Data() {
			if v != 0 {
				t.Fatalf("Pooled tensor not zeroed at %d: got %f", i, v)
			}
		}
		// sync.Pool may drop entries under GC, so a hit is likely but not guaranteed.
		t.Logf("pool hits delta: %v", getMetricValue(poolHits)-startHits)
	})

	t.Run("Views are not pooled", func(t *testing.T) {
		a := backend.NewTensor([]int{2, 2}, []float32{1, 2, 3, 4})
		v, err := a.Reshape(4)
		require.NoError(t, err)
		backend.PutTensor(v)

		b := backend.GetTensor(2, 2)
		b.Data()[0] = 7
		assert.Equal(t, float32(1), a.Data()[0])
	})
}

func TestNumel(t *testing.T) {
	n, err := Numel([]int{2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, 24, n)

	_, err = Numel([]int{2, -1})
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = Numel(nil)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestFloat16Conversion(t *testing.T) {
	tests := []struct {
		in   float32
		bits uint16
	}{
		{1.0, 0x3C00},
		{-2.0, 0xC000},
		{0.5, 0x3800},
		{65504, 0x7BFF},
		{1e9, 0x7BFF},
		{1e-9, 0x0000},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.bits, Float32ToFloat16(tt.in), "input %v", tt.in)
	}

	assert.True(t, math.IsNaN(float64(Float16ToFloat32(Float32ToFloat16(float32(math.NaN()))))))
	assert.True(t, math.IsInf(float64(Float16ToFloat32(Float32ToFloat16(float32(math.Inf(1))))), 1))
	assert.Equal(t, float32(-2), Float16ToFloat32(0xC000))
}

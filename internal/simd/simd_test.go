package simd

import (
	"math"
	"testing"
)

func TestVecAdd(t *testing.T) {
	dst := []float32{1, 2, 3, 4, 5}
	src := []float32{10, 20, 30, 40, 50}
	expected := []float32{11, 22, 33, 44, 55}

	VecAdd(dst, src)

	for i, v := range dst {
		if v != expected[i] {
			t.Errorf("VecAdd(%d) = %f, want %f", i, v, expected[i])
		}
	}
}

func TestVecAddScaled(t *testing.T) {
	dst := []float32{1, 2, 3, 4, 5}
	src := []float32{10, 20, 30, 40, 50}
	expected := []float32{6, 12, 18, 24, 30}

	VecAddScaled(dst, src, 0.5)

	for i, v := range dst {
		if v != expected[i] {
			t.Errorf("VecAddScaled(%d) = %f, want %f", i, v, expected[i])
		}
	}
}

func TestVecAddScalar(t *testing.T) {
	src := []float32{0, 1, 2, 3, 4}
	dst := make([]float32, len(src))

	VecAddScalar(dst, src, 1)

	for i, v := range dst {
		if v != src[i]+1 {
			t.Errorf("VecAddScalar(%d) = %f, want %f", i, v, src[i]+1)
		}
	}
}

func TestDotProduct(t *testing.T) {
	a := []float32{1, 2, 3, 4, 5}
	b := []float32{2, 3, 4, 5, 6}
	// 2 + 6 + 12 + 20 + 30 = 70
	if got := DotProduct(a, b); got != 70 {
		t.Errorf("DotProduct = %f, want 70", got)
	}
}

func TestDotProduct3(t *testing.T) {
	a := []float32{1, 2, 3, 4, 5}
	b := []float32{1, 1, 1, 1, 2}
	c := []float32{2, 2, 2, 2, 1}
	// 2 + 4 + 6 + 8 + 10 = 30
	if got := DotProduct3(a, b, c); got != 30 {
		t.Errorf("DotProduct3 = %f, want 30", got)
	}
}

func TestSumSquares(t *testing.T) {
	tests := []struct {
		name string
		in   []float32
		want float64
	}{
		{"empty", nil, 0},
		{"remainder only", []float32{3}, 9},
		{"unrolled", []float32{1, 2, 3, 4}, 30},
		{"mixed", []float32{1, -2, 3, -4, 5, -6}, 91},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SumSquares(tt.in); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("SumSquares = %f, want %f", got, tt.want)
			}
		})
	}
}

func TestVecMulScaled(t *testing.T) {
	src := []float32{1, 2, 3, 4, 5}
	w := []float32{2, 2, 2, 2, 0}
	dst := make([]float32, 5)
	expected := []float32{1, 2, 3, 4, 0}

	VecMulScaled(dst, src, w, 0.5)

	for i, v := range dst {
		if v != expected[i] {
			t.Errorf("VecMulScaled(%d) = %f, want %f", i, v, expected[i])
		}
	}
}

func TestVecMulAcc(t *testing.T) {
	dst := []float32{1, 1, 1, 1, 1}
	a := []float32{1, 2, 3, 4, 5}
	b := []float32{2, 2, 2, 2, 2}
	expected := []float32{2, 3, 4, 5, 6}

	VecMulAcc(dst, a, b, 0.5)

	for i, v := range dst {
		if v != expected[i] {
			t.Errorf("VecMulAcc(%d) = %f, want %f", i, v, expected[i])
		}
	}
}

// Benchmarks

func BenchmarkDotProduct(b *testing.B) {
	size := 4096
	v1 := make([]float32, size)
	v2 := make([]float32, size)
	for i := range v1 {
		v1[i] = float32(i)
		v2[i] = float32(i)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		DotProduct(v1, v2)
	}
}

func BenchmarkSumSquares(b *testing.B) {
	v := make([]float32, 4096)
	for i := range v {
		v[i] = float32(i) * 1e-3
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		SumSquares(v)
	}
}

func BenchmarkVecMulScaled(b *testing.B) {
	size := 4096
	src := make([]float32, size)
	w := make([]float32, size)
	dst := make([]float32, size)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		VecMulScaled(dst, src, w, 0.5)
	}
}

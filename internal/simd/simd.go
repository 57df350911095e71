package simd

// SumSquares returns the sum of x[i]*x[i], accumulated in float64 to keep
// long rows stable.
func SumSquares(x []float32) float64 {
	var s0, s1, s2, s3 float64
	i := 0
	for ; i <= len(x)-4; i += 4 {
		a, b, c, d := float64(x[i]), float64(x[i+1]), float64(x[i+2]), float64(x[i+3])
		s0 += a * a
		s1 += b * b
		s2 += c * c
		s3 += d * d
	}
	for ; i < len(x); i++ {
		v := float64(x[i])
		s0 += v * v
	}
	return s0 + s1 + s2 + s3
}

// DotProduct computes the dot product of two float32 vectors
func DotProduct(a, b []float32) float64 {
	var sum float64
	i := 0
	for ; i <= len(a)-4; i += 4 {
		sum += float64(a[i]) * float64(b[i])
		sum += float64(a[i+1]) * float64(b[i+1])
		sum += float64(a[i+2]) * float64(b[i+2])
		sum += float64(a[i+3]) * float64(b[i+3])
	}
	for ; i < len(a); i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// DotProduct3 computes sum(a[i] * b[i] * c[i]).
func DotProduct3(a, b, c []float32) float64 {
	var sum float64
	i := 0
	for ; i <= len(a)-4; i += 4 {
		sum += float64(a[i]) * float64(b[i]) * float64(c[i])
		sum += float64(a[i+1]) * float64(b[i+1]) * float64(c[i+1])
		sum += float64(a[i+2]) * float64(b[i+2]) * float64(c[i+2])
		sum += float64(a[i+3]) * float64(b[i+3]) * float64(c[i+3])
	}
	for ; i < len(a); i++ {
		sum += float64(a[i]) * float64(b[i]) * float64(c[i])
	}
	return sum
}

// VecAdd performs dst += src
func VecAdd(dst, src []float32) {
	// Unrolled loop for better pipelining
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i]
		dst[i+1] += src[i+1]
		dst[i+2] += src[i+2]
		dst[i+3] += src[i+3]
	}
	for ; i < len(dst); i++ {
		dst[i] += src[i]
	}
}

// VecAddScalar performs dst = src + val
func VecAddScalar(dst, src []float32, val float32) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] = src[i] + val
		dst[i+1] = src[i+1] + val
		dst[i+2] = src[i+2] + val
		dst[i+3] = src[i+3] + val
	}
	for ; i < len(dst); i++ {
		dst[i] = src[i] + val
	}
}

// VecAddScaled performs dst += src * scale
func VecAddScaled(dst, src []float32, scale float32) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i] * scale
		dst[i+1] += src[i+1] * scale
		dst[i+2] += src[i+2] * scale
		dst[i+3] += src[i+3] * scale
	}
	for ; i < len(dst); i++ {
		dst[i] += src[i] * scale
	}
}

// VecMulScaled performs dst = src * scale * w
func VecMulScaled(dst, src, w []float32, scale float32) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] = src[i] * scale * w[i]
		dst[i+1] = src[i+1] * scale * w[i+1]
		dst[i+2] = src[i+2] * scale * w[i+2]
		dst[i+3] = src[i+3] * scale * w[i+3]
	}
	for ; i < len(dst); i++ {
		dst[i] = src[i] * scale * w[i]
	}
}

// VecMulAcc performs dst += a * b * scale
func VecMulAcc(dst, a, b []float32, scale float32) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += a[i] * b[i] * scale
		dst[i+1] += a[i+1] * b[i+1] * scale
		dst[i+2] += a[i+2] * b[i+2] * scale
		dst[i+3] += a[i+3] * b[i+3] * scale
	}
	for ; i < len(dst); i++ {
		dst[i] += a[i] * b[i] * scale
	}
}

package device

import (
	"math"
)

// Float32ToFloat16 converts a float32 to float16 (IEEE 754 binary16) representation.
// Values outside the fp16 range saturate to the largest finite value; NaN and
// Inf are preserved; values below the smallest normal flush to signed zero.
func Float32ToFloat16(f float32) uint16 {
	switch {
	case math.IsNaN(float64(f)):
		return 0x7E00
	case math.IsInf(float64(f), 1):
		return 0x7C00
	case math.IsInf(float64(f), -1):
		return 0xFC00
	}

	bits := math.Float32bits(f)
	sign := (bits >> 16) & 0x8000
	// Signed so that underflow shows up as a non-positive exponent.
	exp := int((bits>>23)&0xFF) - 127 + 15
	frac := bits & 0x7FFFFF

	if exp >= 0x1F {
		return uint16(sign | 0x7BFF)
	}
	if exp <= 0 {
		return uint16(sign)
	}

	// Round to nearest even on the 13 dropped mantissa bits.
	half := frac >> 13
	rem := frac & 0x1FFF
	if rem > 0x1000 || (rem == 0x1000 && half&1 == 1) {
		half++
		if half == 0x400 {
			half = 0
			exp++
			if exp >= 0x1F {
				return uint16(sign | 0x7BFF)
			}
		}
	}

	return uint16(sign | (uint32(exp) << 10) | half)
}

// Float16ToFloat32 converts a float16 (uint16 representation) to a float32
func Float16ToFloat32(h uint16) float32 {
	sign := (uint32(h) >> 15) & 1
	exp := (uint32(h) >> 10) & 0x1F
	frac := uint32(h) & 0x3FF

	if exp == 0 { // Zero/Denorm
		if sign == 1 {
			return float32(math.Copysign(0, -1))
		}
		return 0.0
	}
	if exp == 31 { // Inf/NaN
		return math.Float32frombits((sign << 31) | (0xFF << 23) | (frac << 13))
	}

	newExp := exp - 15 + 127
	return math.Float32frombits((sign << 31) | (newExp << 23) | (frac << 13))
}

// RoundFloat16 rounds every element of data to the nearest fp16-representable
// value in place.
func RoundFloat16(data []float32) {
	for i, v := range data {
		data[i] = Float16ToFloat32(Float32ToFloat16(v))
	}
}

package rmsnorm

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"

	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/floats"

	"github.com/23skdu/longbow-rmsnorm/internal/device"
	"github.com/23skdu/longbow-rmsnorm/internal/kernel"
)

// strategy is one way of executing the normalization and its gradient.
type strategy interface {
	name() string

	// validate rejects configurations the strategy cannot run. It is called
	// before any tensor math.
	validate() error

	normalize(ctx context.Context, x, scale device.Tensor) (device.Tensor, *SavedState, error)
	backward(ctx context.Context, s *SavedState, dy device.Tensor, requiresDX, requiresDW bool) (dx, dscale device.Tensor, err error)
}

// SavedState is what a forward call keeps for its paired backward call.
type SavedState struct {
	inputShape []int
	input      device.Tensor
	scale      device.Tensor
	rsigma     device.Tensor

	requiresDX bool
	requiresDW bool
	consumed   atomic.Bool
	strategy   strategy
}

// InputShape returns the shape of the forward input.
func (s *SavedState) InputShape() []int {
	return append([]int(nil), s.inputShape...)
}

// RequiresInputGrad reports whether Backward will produce an input gradient.
func (s *SavedState) RequiresInputGrad() bool {
	return s.requiresDX
}

// RequiresScaleGrad reports whether Backward will produce a scale gradient.
func (s *SavedState) RequiresScaleGrad() bool {
	return s.requiresDW
}

// Backend returns the name of the strategy that produced the state.
func (s *SavedState) Backend() string {
	return s.strategy.name()
}

// kernelStrategy delegates to a fused kernel pair. Inputs are flattened to
// [rows, hidden] for the launch and the output is restored to the input's
// shape.
type kernelStrategy struct {
	kernel kernel.Kernel
	cfg    Config
}

func (s *kernelStrategy) name() string { return BackendKernel }

func (s *kernelStrategy) validate() error { return nil }

func (s *kernelStrategy) normalize(ctx context.Context, x, scale device.Tensor) (device.Tensor, *SavedState, error) {
	inputmat, err := device.Flatten2D(x)
	if err != nil {
		return nil, nil, err
	}

	out, rsigma, err := s.kernel.Forward(ctx, inputmat, scale, s.cfg.Eps, x.DType(), s.cfg.FwdSMMargin, s.cfg.ZeroCenteredGamma)
	if err != nil {
		return nil, nil, fmt.Errorf("%s forward: %w", s.kernel.Name(), err)
	}

	y, err := out.Reshape(x.Shape()...)
	if err != nil {
		return nil, nil, err
	}

	return y, &SavedState{
		inputShape: x.Shape(),
		input:      inputmat,
		scale:      scale,
		rsigma:     rsigma,
		strategy:   s,
	}, nil
}

func (s *kernelStrategy) backward(ctx context.Context, st *SavedState, dy device.Tensor, requiresDX, requiresDW bool) (device.Tensor, device.Tensor, error) {
	if !requiresDX && !requiresDW {
		return nil, nil, nil
	}

	dz, err := dy.Reshape(st.input.Shape()...)
	if err != nil {
		return nil, nil, err
	}

	dxmat, dgamma, err := s.kernel.Backward(ctx, dz, st.input, st.rsigma, st.scale, s.cfg.BwdSMMargin, s.cfg.ZeroCenteredGamma)
	if err != nil {
		return nil, nil, fmt.Errorf("%s backward: %w", s.kernel.Name(), err)
	}

	var dx device.Tensor
	if requiresDX {
		if dx, err = dxmat.Reshape(st.inputShape...); err != nil {
			return nil, nil, err
		}
	}
	if !requiresDW {
		dgamma = nil
	}
	return dx, dgamma, nil
}

// directStrategy evaluates mean of squares, reciprocal square root and the
// elementwise products row by row over the input's own shape. It keeps no
// statistic between forward and backward; backward recomputes it.
type directStrategy struct {
	backend device.Backend
	cfg     Config
}

func (s *directStrategy) name() string { return BackendDirect }

func (s *directStrategy) validate() error {
	if s.cfg.ZeroCenteredGamma {
		return fmt.Errorf("%w: %s backend does not support RMSNorm with zero-centered gamma", ErrNotImplemented, BackendDirect)
	}
	return nil
}

func (s *directStrategy) normalize(ctx context.Context, x, scale device.Tensor) (device.Tensor, *SavedState, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	rows, hidden := x.Dims()
	xd := x.Data()
	g := toFloat64(scale.Data())

	out := s.backend.NewTensorWithType(x.Shape(), x.DType(), nil)
	od := out.Data()

	row := make([]float64, hidden)
	vec := blas64.Vector{N: hidden, Inc: 1, Data: row}
	for r := 0; r < rows; r++ {
		base := r * hidden
		for i := range row {
			row[i] = float64(xd[base+i])
		}

		norm := 1 / math.Sqrt(blas64.Dot(vec, vec)/float64(hidden)+float64(s.cfg.Eps))
		floats.Scale(norm, row)
		floats.Mul(row, g)

		for i, v := range row {
			od[base+i] = float32(v)
		}
	}

	if x.DType() == device.Float16 {
		device.RoundFloat16(od)
	}

	return out, &SavedState{
		inputShape: x.Shape(),
		input:      x,
		scale:      scale,
		strategy:   s,
	}, nil
}

func (s *directStrategy) backward(ctx context.Context, st *SavedState, dy device.Tensor, requiresDX, requiresDW bool) (device.Tensor, device.Tensor, error) {
	if !requiresDX && !requiresDW {
		return nil, nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	rows, hidden := st.input.Dims()
	xd, dyd := st.input.Data(), dy.Data()
	g := toFloat64(st.scale.Data())

	var dx device.Tensor
	var dxd []float32
	if requiresDX {
		dx = s.backend.NewTensorWithType(st.inputShape, st.input.DType(), nil)
		dxd = dx.Data()
	}
	dscale := make([]float64, hidden)

	x64 := make([]float64, hidden)
	dy64 := make([]float64, hidden)
	tmp := make([]float64, hidden)
	grad := make([]float64, hidden)
	vec := blas64.Vector{N: hidden, Inc: 1, Data: x64}
	invN := 1 / float64(hidden)

	for r := 0; r < rows; r++ {
		base := r * hidden
		for i := 0; i < hidden; i++ {
			x64[i] = float64(xd[base+i])
			dy64[i] = float64(dyd[base+i])
		}
		norm := 1 / math.Sqrt(blas64.Dot(vec, vec)*invN+float64(s.cfg.Eps))

		if requiresDW {
			floats.MulTo(tmp, dy64, x64)
			floats.AddScaled(dscale, norm, tmp)
		}
		if requiresDX {
			// dx = norm * dy * g - x * norm^3 * mean(dy * g * x)
			floats.MulTo(tmp, dy64, g)
			c := floats.Dot(tmp, x64) * invN
			floats.ScaleTo(grad, norm, tmp)
			floats.AddScaled(grad, -norm*norm*norm*c, x64)
			for i, v := range grad {
				dxd[base+i] = float32(v)
			}
		}
	}

	if dx != nil && dx.DType() == device.Float16 {
		device.RoundFloat16(dxd)
	}

	var dw device.Tensor
	if requiresDW {
		dw = s.backend.NewTensor([]int{hidden}, toFloat32(dscale))
	}
	return dx, dw, nil
}

func toFloat64(src []float32) []float64 {
	out := make([]float64, len(src))
	for i, v := range src {
		out[i] = float64(v)
	}
	return out
}

func toFloat32(src []float64) []float32 {
	out := make([]float32, len(src))
	for i, v := range src {
		out[i] = float32(v)
	}
	return out
}

// Package rmsnorm implements Root Mean Square layer normalization,
//
//	y = x / sqrt(mean(x^2) + eps) * scale
//
// over the last dimension of its input, or with zero-centered gamma
//
//	y = x / RMS(x) * (1 + scale)
//
// Two backends execute it: BackendKernel launches a fused kernel pair that
// keeps a per-row reciprocal RMS between forward and backward, and
// BackendDirect evaluates the formula with plain arithmetic. Gradients flow
// through an explicit pair of calls: Apply returns a SavedState which
// Backward consumes exactly once.
package rmsnorm

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-rmsnorm/internal/device"
	"github.com/23skdu/longbow-rmsnorm/internal/distributed"
	"github.com/23skdu/longbow-rmsnorm/internal/kernel"
)

// Layer is an RMSNorm layer with a learnable scale vector.
type Layer struct {
	Scale *Parameter

	cfg     Config
	backend device.Backend
	kernel  kernel.Kernel

	once        sync.Once
	strategy    strategy
	strategyErr error
}

// New creates a layer normalizing over a last dimension of size hidden.
// The backend selector is not checked here; an unknown selector fails on the
// first forward call.
func New(hidden int, opts ...Option) (*Layer, error) {
	o := options{
		cfg: Config{
			Hidden:  hidden,
			Eps:     DefaultEps,
			Backend: BackendKernel,
			DType:   device.Float32,
		},
		name: "rmsnorm",
	}
	for _, opt := range opts {
		opt(&o)
	}

	if !o.marginSet {
		fwd, bwd, err := SMMarginsFromEnv()
		if err != nil {
			return nil, err
		}
		o.cfg.FwdSMMargin, o.cfg.BwdSMMargin = fwd, bwd
	}

	cfg := o.cfg
	if cfg.Hidden <= 0 {
		return nil, fmt.Errorf("%w: hidden size must be positive, got %d", ErrInvalidConfig, cfg.Hidden)
	}
	if !(cfg.Eps > 0) || math.IsInf(float64(cfg.Eps), 0) {
		return nil, fmt.Errorf("%w: eps must be a positive finite number, got %v", ErrInvalidConfig, cfg.Eps)
	}
	if cfg.FwdSMMargin < 0 || cfg.BwdSMMargin < 0 {
		return nil, fmt.Errorf("%w: SM margins must not be negative, got %d/%d", ErrInvalidConfig, cfg.FwdSMMargin, cfg.BwdSMMargin)
	}

	if o.backend == nil {
		o.backend = device.NewCPUBackend()
	}
	if o.kernel == nil {
		o.kernel = kernel.NewFused(o.backend, 0)
	}
	if o.marker == nil {
		o.marker = distributed.DefaultRegistry
	}
	if o.init == nil {
		o.init = Ones
		if cfg.ZeroCenteredGamma {
			o.init = Zeros
		}
	}

	values := make([]float32, cfg.Hidden)
	o.init(values)
	scale := &Parameter{
		Name:  o.name + ".scale",
		Value: o.backend.NewTensorWithType([]int{cfg.Hidden}, cfg.DType, values),
	}

	if cfg.SequenceParallel {
		o.marker.MarkSequenceParallel(scale)
	}

	log.Debug().
		Str("param", scale.Name).
		Int("hidden", cfg.Hidden).
		Float32("eps", cfg.Eps).
		Str("backend", cfg.Backend).
		Bool("zero_centered_gamma", cfg.ZeroCenteredGamma).
		Bool("sequence_parallel", cfg.SequenceParallel).
		Int("fwd_sm_margin", cfg.FwdSMMargin).
		Int("bwd_sm_margin", cfg.BwdSMMargin).
		Msg("Created RMSNorm layer")

	return &Layer{
		Scale:   scale,
		cfg:     cfg,
		backend: o.backend,
		kernel:  o.kernel,
	}, nil
}

// Config returns the layer's construction-time configuration.
func (l *Layer) Config() Config {
	return l.cfg
}

// Parameters returns the learnable parameters.
func (l *Layer) Parameters() []*Parameter {
	return []*Parameter{l.Scale}
}

// Forward normalizes x and returns a tensor of the same shape.
func (l *Layer) Forward(ctx context.Context, x device.Tensor) (device.Tensor, error) {
	y, _, err := l.Apply(ctx, x, false)
	return y, err
}

// Apply normalizes x and returns the state Backward needs. requiresGrad
// states whether x needs a gradient; whether the scale needs one is taken
// from Scale.StopGradient at this point.
func (l *Layer) Apply(ctx context.Context, x device.Tensor, requiresGrad bool) (device.Tensor, *SavedState, error) {
	s, err := l.resolve()
	if err != nil {
		layerErrors.WithLabelValues("unsupported_backend").Inc()
		return nil, nil, err
	}
	if err := s.validate(); err != nil {
		layerErrors.WithLabelValues("not_implemented").Inc()
		return nil, nil, err
	}

	shape := x.Shape()
	if len(shape) == 0 || shape[len(shape)-1] != l.cfg.Hidden {
		layerErrors.WithLabelValues("shape_mismatch").Inc()
		return nil, nil, fmt.Errorf("%w: RMSNorm not possible, input shape %v does not end in %d", ErrShapeMismatch, shape, l.cfg.Hidden)
	}

	y, saved, err := s.normalize(ctx, x, l.Scale.Value)
	if err != nil {
		return nil, nil, err
	}
	layerCalls.WithLabelValues(s.name(), "forward").Inc()

	saved.requiresDX = requiresGrad
	saved.requiresDW = !l.Scale.StopGradient
	return y, saved, nil
}

// Backward returns the gradients with respect to the forward input and the
// scale. Each is nil when the corresponding side did not require a gradient.
func (l *Layer) Backward(ctx context.Context, saved *SavedState, dy device.Tensor) (dx, dscale device.Tensor, err error) {
	if saved == nil {
		return nil, nil, fmt.Errorf("%w: nil saved state", ErrInvalidConfig)
	}
	if dy == nil {
		layerErrors.WithLabelValues("shape_mismatch").Inc()
		return nil, nil, fmt.Errorf("%w: nil output gradient, want shape %v", ErrShapeMismatch, saved.inputShape)
	}
	if !device.SameShape(dy.Shape(), saved.inputShape) {
		layerErrors.WithLabelValues("shape_mismatch").Inc()
		return nil, nil, fmt.Errorf("%w: output gradient shape %v, want %v", ErrShapeMismatch, dy.Shape(), saved.inputShape)
	}
	if !saved.consumed.CompareAndSwap(false, true) {
		return nil, nil, ErrStateConsumed
	}
	defer saved.release()

	dx, dscale, err = saved.strategy.backward(ctx, saved, dy, saved.requiresDX, saved.requiresDW)
	if err != nil {
		return nil, nil, err
	}
	layerCalls.WithLabelValues(saved.strategy.name(), "backward").Inc()
	return dx, dscale, nil
}

func (l *Layer) resolve() (strategy, error) {
	l.once.Do(func() {
		switch CanonicalBackend(l.cfg.Backend) {
		case BackendKernel:
			l.strategy = &kernelStrategy{kernel: l.kernel, cfg: l.cfg}
		case BackendDirect:
			l.strategy = &directStrategy{backend: l.backend, cfg: l.cfg}
		default:
			l.strategyErr = fmt.Errorf("%w: backend %q not supported", ErrUnsupportedBackend, l.cfg.Backend)
		}
	})
	return l.strategy, l.strategyErr
}

// release drops the tensors held for backward.
func (s *SavedState) release() {
	s.input = nil
	s.scale = nil
	s.rsigma = nil
}

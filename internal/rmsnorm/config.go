package rmsnorm

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/text/cases"

	"github.com/23skdu/longbow-rmsnorm/internal/device"
	"github.com/23skdu/longbow-rmsnorm/internal/distributed"
	"github.com/23skdu/longbow-rmsnorm/internal/kernel"
)

const (
	// BackendKernel runs the fused forward/backward kernel pair.
	BackendKernel = "kernel"
	// BackendDirect computes the normalization with plain elementwise
	// arithmetic.
	BackendDirect = "direct"

	// DefaultEps is the stability constant used when none is configured.
	DefaultEps = 1e-5

	// FwdSMMarginEnv and BwdSMMarginEnv name the environment variables
	// holding how many compute units the forward and backward kernels leave
	// idle. They are read once, when a layer is constructed.
	FwdSMMarginEnv = "NVTE_FWD_LAYERNORM_SM_MARGIN"
	BwdSMMarginEnv = "NVTE_BWD_LAYERNORM_SM_MARGIN"
)

// Config holds everything fixed at construction time.
type Config struct {
	Hidden            int
	Eps               float32
	ZeroCenteredGamma bool
	SequenceParallel  bool
	Backend           string
	DType             device.DType
	FwdSMMargin       int
	BwdSMMargin       int
}

// Initializer fills a freshly allocated scale vector.
type Initializer func(scale []float32)

// Ones sets every element to 1.
func Ones(scale []float32) {
	for i := range scale {
		scale[i] = 1
	}
}

// Zeros sets every element to 0.
func Zeros(scale []float32) {
	for i := range scale {
		scale[i] = 0
	}
}

// Constant returns an initializer setting every element to v.
func Constant(v float32) Initializer {
	return func(scale []float32) {
		for i := range scale {
			scale[i] = v
		}
	}
}

type options struct {
	cfg       Config
	name      string
	init      Initializer
	backend   device.Backend
	kernel    kernel.Kernel
	marker    distributed.Marker
	marginSet bool
}

// Option configures a Layer.
type Option func(*options)

func WithEps(eps float32) Option {
	return func(o *options) { o.cfg.Eps = eps }
}

// WithZeroCenteredGamma stores the scale as an offset from 1, initialized
// to zero.
func WithZeroCenteredGamma(enabled bool) Option {
	return func(o *options) { o.cfg.ZeroCenteredGamma = enabled }
}

// WithSequenceParallel marks the scale parameter for sequence-parallel
// gradient reduction.
func WithSequenceParallel(enabled bool) Option {
	return func(o *options) { o.cfg.SequenceParallel = enabled }
}

// WithBackend sets the backend selector. It is validated on the first
// forward call, not here.
func WithBackend(name string) Option {
	return func(o *options) { o.cfg.Backend = name }
}

func WithDType(dtype device.DType) Option {
	return func(o *options) { o.cfg.DType = dtype }
}

// WithSMMargins overrides the margins read from the environment.
func WithSMMargins(fwd, bwd int) Option {
	return func(o *options) {
		o.cfg.FwdSMMargin = fwd
		o.cfg.BwdSMMargin = bwd
		o.marginSet = true
	}
}

// WithName sets the parameter name prefix, "rmsnorm" by default.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithInitializer replaces the default scale initializer.
func WithInitializer(init Initializer) Option {
	return func(o *options) { o.init = init }
}

// WithDevice sets the tensor backend used for allocations.
func WithDevice(b device.Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithKernel sets the kernel pair used by BackendKernel.
func WithKernel(k kernel.Kernel) Option {
	return func(o *options) { o.kernel = k }
}

// WithMarker sets the sequence-parallel collaborator.
func WithMarker(m distributed.Marker) Option {
	return func(o *options) { o.marker = m }
}

// SMMarginsFromEnv reads the forward and backward SM margins from the
// process environment. Unset or empty variables count as 0.
func SMMarginsFromEnv() (fwd, bwd int, err error) {
	if fwd, err = intEnv(FwdSMMarginEnv); err != nil {
		return 0, 0, err
	}
	if bwd, err = intEnv(BwdSMMarginEnv); err != nil {
		return 0, 0, err
	}
	return fwd, bwd, nil
}

func intEnv(key string) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidConfig, key, raw)
	}
	if v < 0 {
		return 0, fmt.Errorf("%w: %s=%d must not be negative", ErrInvalidConfig, key, v)
	}
	return v, nil
}

// CanonicalBackend trims and case-folds a backend selector. Selectors that
// compare equal after this resolve to the same strategy.
func CanonicalBackend(name string) string {
	return cases.Fold().String(strings.TrimSpace(name))
}

// IsSupportedBackend reports whether name selects one of the known backends.
func IsSupportedBackend(name string) bool {
	switch CanonicalBackend(name) {
	case BackendKernel, BackendDirect:
		return true
	}
	return false
}

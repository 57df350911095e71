// Package kernel holds the accelerated RMSNorm forward/backward kernel pair.
//
// A Kernel works on row-major matrices: x is [rows, hidden], gamma is
// [hidden] and the per-row statistic rsigma is [rows], where
//
//	rsigma = 1 / sqrt(mean(x^2) + eps)
//	y      = x * rsigma * g,  g = gamma, or 1 + gamma with zero-centered gamma
//
// The SM margin asks the kernel to leave that many parallel compute units idle
// so the launch can overlap with unrelated work.
package kernel

import (
	"context"
	"errors"

	"github.com/23skdu/longbow-rmsnorm/internal/device"
)

// ErrInvalidArgument is returned when a kernel is launched with tensors that
// violate its contract.
var ErrInvalidArgument = errors.New("kernel: invalid argument")

// Kernel is the forward/backward pair used by the accelerated path.
type Kernel interface {
	// Name identifies the implementation.
	Name() string

	// Forward returns the normalized matrix and the per-row reciprocal RMS.
	Forward(ctx context.Context, x, gamma device.Tensor, eps float32, dtype device.DType, smMargin int, zeroCenteredGamma bool) (out, rsigma device.Tensor, err error)

	// Backward returns the gradients with respect to x and gamma given the
	// output gradient dz and the state saved by Forward.
	Backward(ctx context.Context, dz, x, rsigma, gamma device.Tensor, smMargin int, zeroCenteredGamma bool) (dx, dgamma device.Tensor, err error)
}

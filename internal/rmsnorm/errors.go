package rmsnorm

import (
	"errors"

	"github.com/23skdu/longbow-rmsnorm/internal/device"
)

var (
	// ErrShapeMismatch is returned when the input's last dimension differs
	// from the layer's feature size, or a gradient's shape differs from the
	// output it belongs to.
	ErrShapeMismatch = device.ErrShapeMismatch

	// ErrNotImplemented is returned for configuration combinations a
	// backend does not support.
	ErrNotImplemented = errors.New("not implemented")

	// ErrUnsupportedBackend is returned on the first forward call of a
	// layer whose backend selector is not recognized.
	ErrUnsupportedBackend = errors.New("unsupported backend")

	// ErrInvalidConfig is returned by New for unusable configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrStateConsumed is returned when a saved state is passed to Backward
	// a second time.
	ErrStateConsumed = errors.New("saved state already consumed")
)

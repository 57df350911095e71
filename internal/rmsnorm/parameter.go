package rmsnorm

import (
	"fmt"

	"github.com/23skdu/longbow-rmsnorm/internal/device"
)

// Parameter is a learnable tensor owned by a layer.
type Parameter struct {
	Name  string
	Value device.Tensor

	// StopGradient excludes the parameter from gradient computation.
	StopGradient bool

	sequenceParallel bool
}

func (p *Parameter) ParamName() string {
	return p.Name
}

func (p *Parameter) SetSequenceParallel(v bool) {
	p.sequenceParallel = v
}

// SequenceParallel reports whether the parameter was marked for
// sequence-parallel gradient reduction.
func (p *Parameter) SequenceParallel() bool {
	return p.sequenceParallel
}

// SetValues overwrites the parameter. This is the optimizer's update hook and
// must not race with a forward or backward call.
func (p *Parameter) SetValues(values []float32) error {
	if len(values) != p.Value.Numel() {
		return fmt.Errorf("%w: %s has %d elements, got %d", ErrShapeMismatch, p.Name, p.Value.Numel(), len(values))
	}
	p.Value.CopyFromFloat32(values)
	return nil
}

// Package weights reads and writes RMSNorm scale vectors stored as raw
// little-endian float32 values.
package weights

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-rmsnorm/internal/rmsnorm"
)

// Loader handles loading a layer's scale from binary files.
type Loader struct {
	Layer *rmsnorm.Layer
}

// NewLoader creates a new weight loader for the given layer.
func NewLoader(l *rmsnorm.Layer) *Loader {
	return &Loader{Layer: l}
}

// LoadScale reads exactly hidden float32 values from path into the layer's
// scale.
func (l *Loader) LoadScale(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := l.ReadScale(file); err != nil {
		return fmt.Errorf("failed to load scale from %s: %w", path, err)
	}

	log.Info().
		Str("path", path).
		Str("param", l.Layer.Scale.Name).
		Int("hidden", l.Layer.Config().Hidden).
		Msg("Loaded RMSNorm scale")
	return nil
}

// ReadScale reads the scale from r. Trailing bytes after hidden values are an
// error.
func (l *Loader) ReadScale(r io.Reader) error {
	values := make([]float32, l.Layer.Config().Hidden)
	if err := binary.Read(r, binary.LittleEndian, values); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: file holds fewer than %d values", rmsnorm.ErrShapeMismatch, len(values))
		}
		return err
	}

	// A single Read may legally return no bytes without reaching EOF.
	var extra [1]byte
	if _, err := io.ReadFull(r, extra[:]); !errors.Is(err, io.EOF) {
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: file holds more than %d values", rmsnorm.ErrShapeMismatch, len(values))
	}

	return l.Layer.Scale.SetValues(values)
}

// WriteScale writes the layer's scale to w in the format ReadScale expects.
func WriteScale(w io.Writer, layer *rmsnorm.Layer) error {
	return binary.Write(w, binary.LittleEndian, layer.Scale.Value.ToHost())
}

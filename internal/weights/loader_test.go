package weights

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-rmsnorm/internal/rmsnorm"
)

func newLayer(t *testing.T, hidden int) *rmsnorm.Layer {
	t.Helper()
	l, err := rmsnorm.New(hidden, rmsnorm.WithSMMargins(0, 0))
	require.NoError(t, err)
	return l
}

func TestLoader_ReadScale(t *testing.T) {
	t.Run("Exact", func(t *testing.T) {
		l := newLayer(t, 3)
		var buf bytes.Buffer
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, []float32{0.5, 1.5, -2}))

		require.NoError(t, NewLoader(l).ReadScale(&buf))
		assert.Equal(t, []float32{0.5, 1.5, -2}, l.Scale.Value.Data())
	})

	t.Run("Short", func(t *testing.T) {
		l := newLayer(t, 4)
		var buf bytes.Buffer
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, []float32{1, 2}))

		err := NewLoader(l).ReadScale(&buf)
		assert.ErrorIs(t, err, rmsnorm.ErrShapeMismatch)
		assert.Equal(t, []float32{1, 1, 1, 1}, l.Scale.Value.Data())
	})

	t.Run("Long", func(t *testing.T) {
		l := newLayer(t, 2)
		var buf bytes.Buffer
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, []float32{1, 2, 3}))

		assert.ErrorIs(t, NewLoader(l).ReadScale(&buf), rmsnorm.ErrShapeMismatch)
	})
}

// stallingReader returns (0, nil) from the first Read after the wrapped
// reader has served stallAfter bytes.
type stallingReader struct {
	r          io.Reader
	stallAfter int
	served     int
	stalled    bool
}

func (s *stallingReader) Read(p []byte) (int, error) {
	if !s.stalled && s.served >= s.stallAfter {
		s.stalled = true
		return 0, nil
	}
	if limit := s.stallAfter - s.served; !s.stalled && len(p) > limit {
		p = p[:limit]
	}
	n, err := s.r.Read(p)
	s.served += n
	return n, err
}

func TestLoader_ReadScaleEmptyReads(t *testing.T) {
	t.Run("Trailing values", func(t *testing.T) {
		l := newLayer(t, 2)
		var buf bytes.Buffer
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, []float32{1, 2, 3}))

		r := &stallingReader{r: &buf, stallAfter: 8}
		assert.ErrorIs(t, NewLoader(l).ReadScale(r), rmsnorm.ErrShapeMismatch)
	})

	t.Run("Exact", func(t *testing.T) {
		l := newLayer(t, 2)
		var buf bytes.Buffer
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, []float32{3, 4}))

		r := &stallingReader{r: &buf, stallAfter: 8}
		require.NoError(t, NewLoader(l).ReadScale(r))
		assert.Equal(t, []float32{3, 4}, l.Scale.Value.Data())
	})

	t.Run("Read error after values", func(t *testing.T) {
		l := newLayer(t, 1)
		var buf bytes.Buffer
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, []float32{1}))

		r := io.MultiReader(&buf, iotest.ErrReader(assert.AnError))
		assert.ErrorIs(t, NewLoader(l).ReadScale(r), assert.AnError)
	})
}

func TestLoader_RoundTrip(t *testing.T) {
	src := newLayer(t, 5)
	require.NoError(t, src.Scale.SetValues([]float32{1, 2, 3, 4, 5}))

	path := filepath.Join(t.TempDir(), "scale.bin")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, WriteScale(f, src))
	require.NoError(t, f.Close())

	dst := newLayer(t, 5)
	require.NoError(t, NewLoader(dst).LoadScale(path))
	assert.Equal(t, src.Scale.Value.Data(), dst.Scale.Value.Data())

	assert.Error(t, NewLoader(dst).LoadScale(filepath.Join(t.TempDir(), "missing.bin")))
}

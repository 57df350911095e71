package client

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildRecordBatch(t *testing.T) {
	pool := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer pool.AssertSize(t, 0)

	t.Run("Invalid input", func(t *testing.T) {
		_, err := BuildRecordBatch(pool, DefaultColumn, 0, 3, nil)
		assert.ErrorIs(t, err, ErrInvalidRecord)

		_, err = BuildRecordBatch(pool, DefaultColumn, 2, 3, []float32{1, 2, 3})
		assert.ErrorIs(t, err, ErrInvalidRecord)
	})

	t.Run("Valid input", func(t *testing.T) {
		rb, err := BuildRecordBatch(pool, DefaultColumn, 2, 3, []float32{1, 2, 3, 4, 5, 6})
		require.NoError(t, err)
		defer rb.Release()

		assert.Equal(t, int64(2), rb.NumRows())
		assert.Equal(t, int64(1), rb.NumCols())
		assert.Equal(t, DefaultColumn, rb.ColumnName(0))

		listArr := rb.Column(0).(*array.FixedSizeList)
		assert.Equal(t, 2, listArr.Len())

		values := listArr.ListValues().(*array.Float32)
		assert.Equal(t, 6, values.Len())
		assert.Equal(t, float32(1.0), values.Value(0))
		assert.Equal(t, float32(6.0), values.Value(5))

		data, rows, hidden, err := MatrixFromRecord(rb, DefaultColumn)
		require.NoError(t, err)
		assert.Equal(t, 2, rows)
		assert.Equal(t, 3, hidden)
		assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, data)
	})

	t.Run("Sliced record", func(t *testing.T) {
		rb, err := BuildRecordBatch(pool, DefaultColumn, 3, 2, []float32{1, 2, 3, 4, 5, 6})
		require.NoError(t, err)
		defer rb.Release()

		sliced := rb.NewSlice(1, 3)
		defer sliced.Release()

		data, rows, hidden, err := MatrixFromRecord(sliced, DefaultColumn)
		require.NoError(t, err)
		assert.Equal(t, 2, rows)
		assert.Equal(t, 2, hidden)
		assert.Equal(t, []float32{3, 4, 5, 6}, data)
	})
}

func TestMatrixFromRecord_Rejects(t *testing.T) {
	pool := memory.NewGoAllocator()

	rb, err := BuildRecordBatch(pool, "x", 1, 2, []float32{1, 2})
	require.NoError(t, err)
	defer rb.Release()

	_, _, _, err = MatrixFromRecord(rb, "missing")
	assert.ErrorIs(t, err, ErrInvalidRecord)

	schema := arrow.NewSchema([]arrow.Field{{Name: "x", Type: arrow.PrimitiveTypes.Float32}}, nil)
	b := array.NewFloat32Builder(pool)
	defer b.Release()
	b.AppendValues([]float32{1, 2}, nil)
	a := b.NewArray()
	defer a.Release()
	flat := array.NewRecordBatch(schema, []arrow.Array{a}, 2)
	defer flat.Release()

	_, _, _, err = MatrixFromRecord(flat, "x")
	assert.ErrorIs(t, err, ErrInvalidRecord)
}

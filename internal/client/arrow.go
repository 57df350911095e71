package client

import (
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// DefaultColumn is the column name used when none is given.
const DefaultColumn = "vector"

var ErrInvalidRecord = errors.New("invalid record")

// Schema returns the schema of a batch holding one row per vector of width
// hidden.
func Schema(column string, hidden int) *arrow.Schema {
	return arrow.NewSchema(
		[]arrow.Field{
			{Name: column, Type: arrow.FixedSizeListOf(int32(hidden), arrow.PrimitiveTypes.Float32)},
		},
		nil,
	)
}

// BuildRecordBatch converts a row-major [rows, hidden] matrix into a record
// with a single FixedSizeList<float32>[hidden] column.
func BuildRecordBatch(mem memory.Allocator, column string, rows, hidden int, data []float32) (arrow.RecordBatch, error) {
	if rows <= 0 || hidden <= 0 {
		return nil, fmt.Errorf("%w: %dx%d matrix", ErrInvalidRecord, rows, hidden)
	}
	if len(data) != rows*hidden {
		return nil, fmt.Errorf("%w: %d values for a %dx%d matrix", ErrInvalidRecord, len(data), rows, hidden)
	}

	schema := Schema(column, hidden)

	listBuilder := array.NewFixedSizeListBuilder(mem, int32(hidden), arrow.PrimitiveTypes.Float32)
	defer listBuilder.Release()

	valueBuilder := listBuilder.ValueBuilder().(*array.Float32Builder)
	valueBuilder.Reserve(len(data))
	for r := 0; r < rows; r++ {
		listBuilder.Append(true)
		valueBuilder.AppendValues(data[r*hidden:(r+1)*hidden], nil)
	}

	cols := []arrow.Array{listBuilder.NewArray()}
	defer cols[0].Release()

	return array.NewRecordBatch(schema, cols, int64(rows)), nil
}

// MatrixFromRecord copies a FixedSizeList<float32> column out of rec as a
// row-major matrix. Null rows are rejected.
func MatrixFromRecord(rec arrow.RecordBatch, column string) (data []float32, rows, hidden int, err error) {
	idx := rec.Schema().FieldIndices(column)
	if len(idx) == 0 {
		return nil, 0, 0, fmt.Errorf("%w: no column %q", ErrInvalidRecord, column)
	}

	list, ok := rec.Column(idx[0]).(*array.FixedSizeList)
	if !ok {
		return nil, 0, 0, fmt.Errorf("%w: column %q is %s, want fixed_size_list<float32>", ErrInvalidRecord, column, rec.Column(idx[0]).DataType())
	}
	values, ok := list.ListValues().(*array.Float32)
	if !ok {
		return nil, 0, 0, fmt.Errorf("%w: column %q does not hold float32 values", ErrInvalidRecord, column)
	}

	hidden = int(list.DataType().(*arrow.FixedSizeListType).Len())
	rows = list.Len()
	if rows == 0 || hidden == 0 {
		return nil, 0, 0, fmt.Errorf("%w: empty column %q", ErrInvalidRecord, column)
	}

	raw := values.Float32Values()
	data = make([]float32, 0, rows*hidden)
	for i := 0; i < rows; i++ {
		if list.IsNull(i) {
			return nil, 0, 0, fmt.Errorf("%w: null row %d", ErrInvalidRecord, i)
		}
		start, end := list.ValueOffsets(i)
		data = append(data, raw[start:end]...)
	}
	return data, rows, hidden, nil
}

package client

import (
	"context"
	"sync"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockFlightServer struct {
	flight.BaseFlightServer

	mu       sync.Mutex
	datasets []string
	rows     int64
}

func (s *mockFlightServer) DoPut(server flight.FlightService_DoPutServer) error {
	reader, err := flight.NewRecordReader(server)
	if err != nil {
		return err
	}
	defer reader.Release()

	for reader.Next() {
		s.mu.Lock()
		if desc := reader.LatestFlightDescriptor(); desc != nil {
			s.datasets = append(s.datasets, desc.Path...)
		}
		s.rows += reader.Record().NumRows()
		s.mu.Unlock()
	}
	return nil
}

// DoExchange doubles every value of every incoming batch.
func (s *mockFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	reader, err := flight.NewRecordReader(stream)
	if err != nil {
		return err
	}
	defer reader.Release()

	mem := memory.NewGoAllocator()
	var writer *flight.Writer
	for reader.Next() {
		data, rows, hidden, err := MatrixFromRecord(reader.Record(), DefaultColumn)
		if err != nil {
			return err
		}
		for i := range data {
			data[i] *= 2
		}
		out, err := BuildRecordBatch(mem, DefaultColumn, rows, hidden, data)
		if err != nil {
			return err
		}
		if writer == nil {
			writer = flight.NewRecordWriter(stream, ipc.WithSchema(out.Schema()))
		}
		err = writer.Write(out)
		out.Release()
		if err != nil {
			return err
		}
	}
	if writer != nil {
		return writer.Close()
	}
	return nil
}

func startMockServer(t *testing.T) (*mockFlightServer, string) {
	t.Helper()
	mockServer := &mockFlightServer{}
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(mockServer)

	require.NoError(t, server.Init("localhost:0"))
	go func() {
		_ = server.Serve()
	}()
	t.Cleanup(server.Shutdown)
	return mockServer, server.Addr().String()
}

func TestFlightClient_DoPut(t *testing.T) {
	mockServer, addr := startMockServer(t)

	client, err := NewFlightClient(addr)
	require.NoError(t, err)
	defer client.Close()

	rb, err := BuildRecordBatch(memory.NewGoAllocator(), DefaultColumn, 2, 2, []float32{1, 2, 3, 4})
	require.NoError(t, err)
	defer rb.Release()

	require.NoError(t, client.DoPut(context.Background(), "test-dataset", rb))

	mockServer.mu.Lock()
	defer mockServer.mu.Unlock()
	assert.Equal(t, []string{"test-dataset"}, mockServer.datasets)
	assert.Equal(t, int64(2), mockServer.rows)
}

func TestFlightClient_Normalize(t *testing.T) {
	_, addr := startMockServer(t)

	client, err := NewFlightClient(addr)
	require.NoError(t, err)
	defer client.Close()

	rb, err := BuildRecordBatch(memory.NewGoAllocator(), DefaultColumn, 2, 3, []float32{1, 2, 3, 4, 5, 6})
	require.NoError(t, err)
	defer rb.Release()

	out, err := client.Normalize(context.Background(), rb)
	require.NoError(t, err)
	require.Len(t, out, 1)
	defer func() {
		for _, rec := range out {
			rec.Release()
		}
	}()

	var got arrow.RecordBatch = out[0]
	data, rows, hidden, err := MatrixFromRecord(got, DefaultColumn)
	require.NoError(t, err)
	assert.Equal(t, 2, rows)
	assert.Equal(t, 3, hidden)
	assert.Equal(t, []float32{2, 4, 6, 8, 10, 12}, data)
}

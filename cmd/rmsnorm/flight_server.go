package main

import (
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-rmsnorm/internal/client"
)

// RMSNormFlightServer exposes the server's layers over Arrow Flight.
type RMSNormFlightServer struct {
	flight.BaseFlightServer
	srv *Server
}

func NewRMSNormFlightServer(srv *Server) *RMSNormFlightServer {
	return &RMSNormFlightServer{srv: srv}
}

// DoExchange normalizes every incoming batch and streams the result back in
// order. The vector column is named by the descriptor path, if any.
func (s *RMSNormFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	ctx := stream.Context()

	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.srv.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	column := client.DefaultColumn
	if desc := reader.LatestFlightDescriptor(); desc != nil && desc.Type == flight.DescriptorPATH && len(desc.Path) > 0 {
		column = desc.Path[0]
	}

	var writer *flight.Writer
	defer func() {
		if writer != nil {
			_ = writer.Close()
		}
	}()

	batches := 0
	for reader.Next() {
		out, err := s.srv.normalizeRecord(ctx, reader.Record(), column)
		if err != nil {
			log.Error().Err(err).Int("batch", batches).Msg("DoExchange normalize failed")
			return err
		}
		if writer == nil {
			writer = flight.NewRecordWriter(stream, ipc.WithSchema(out.Schema()), ipc.WithAllocator(s.srv.alloc))
		}
		err = writer.Write(out)
		out.Release()
		if err != nil {
			return err
		}
		batches++
	}
	log.Debug().Int("batches", batches).Msg("DoExchange complete")
	return reader.Err()
}

func (s *RMSNormFlightServer) DoPut(stream flight.FlightService_DoPutServer) error {
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.srv.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	for reader.Next() {
		rec := reader.Record()
		ev := log.Info().Int64("rows", rec.NumRows())
		if desc := reader.LatestFlightDescriptor(); desc != nil {
			ev = ev.Strs("path", desc.Path)
		}
		ev.Msg("DoPut received batch")
	}
	return reader.Err()
}

func StartFlightServer(addr string, srv *Server) {
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(NewRMSNormFlightServer(srv))

	if err := server.Init(addr); err != nil {
		log.Fatal().Err(err).Msg("Failed to init Flight server")
	}

	log.Info().Str("addr", addr).Msg("Starting RMSNorm Flight Server")
	if err := server.Serve(); err != nil {
		log.Fatal().Err(err).Msg("Flight server failed")
	}
}

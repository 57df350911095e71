//go:build ignore

package main

import (
	"context"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-rmsnorm/internal/client"
)

// Sends a random batch to a running rmsnorm Flight server and checks that
// every returned row has unit RMS (default scale of ones).
func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	addr := "localhost:9090"
	if len(os.Args) > 1 {
		addr = os.Args[1]
	}

	log.Info().Str("addr", addr).Msg("Connecting to RMSNorm Flight Server")

	c, err := client.NewFlightClient(addr)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create client")
	}
	defer c.Close()

	const rows, hidden = 32, 256
	data := make([]float32, rows*hidden)
	for i := range data {
		data[i] = float32(rand.NormFloat64() * 3)
	}
	rec, err := client.BuildRecordBatch(memory.NewGoAllocator(), client.DefaultColumn, rows, hidden, data)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build batch")
	}
	defer rec.Release()

	var out []arrow.RecordBatch
	start := time.Now()
	for i := 0; i < 10; i++ {
		out, err = c.Normalize(context.Background(), rec)
		if err == nil {
			break
		}
		log.Warn().Err(err).Msg("Exchange failed, retrying...")
		time.Sleep(1 * time.Second)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to exchange after retries")
	}
	log.Info().Dur("elapsed", time.Since(start)).Int("batches", len(out)).Msg("Received normalized batches")

	for _, b := range out {
		got, n, h, err := client.MatrixFromRecord(b, client.DefaultColumn)
		if err != nil {
			log.Fatal().Err(err).Msg("Bad response batch")
		}
		for r := 0; r < n; r++ {
			var sumSq float64
			for _, v := range got[r*h : (r+1)*h] {
				sumSq += float64(v) * float64(v)
			}
			if rms := math.Sqrt(sumSq / float64(h)); math.Abs(rms-1) > 1e-3 {
				log.Fatal().Int("row", r).Float64("rms", rms).Msg("Row is not normalized")
			}
		}
		b.Release()
	}
	log.Info().Msg("All rows normalized")
}

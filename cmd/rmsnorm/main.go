package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"runtime/pprof"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-rmsnorm/internal/client"
	"github.com/23skdu/longbow-rmsnorm/internal/device"
	"github.com/23skdu/longbow-rmsnorm/internal/distributed"
	"github.com/23skdu/longbow-rmsnorm/internal/rmsnorm"
	"github.com/23skdu/longbow-rmsnorm/internal/simd"
	"github.com/23skdu/longbow-rmsnorm/internal/weights"
)

var (
	hidden           = flag.Int("hidden", 1024, "Size of the normalized (last) dimension")
	eps              = flag.Float64("eps", rmsnorm.DefaultEps, "Stability constant added to the mean square")
	backendName      = flag.String("backend", rmsnorm.BackendKernel, "Backend: 'kernel' or 'direct'")
	zeroCentered     = flag.Bool("zero-centered", false, "Store the scale as an offset from 1")
	sequenceParallel = flag.Bool("sequence-parallel", false, "Mark the scale for sequence-parallel gradient reduction")
	fp16             = flag.Bool("fp16", false, "Round activations and the scale to float16")
	rows             = flag.Int("rows", 64, "Rows in the self-check batch")
	scalePath        = flag.String("scale", "", "Raw little-endian float32 scale file")
	listenAddr       = flag.String("listen", "", "Address to listen on for HTTP Server (e.g. :8080)")
	flightAddr       = flag.String("flight", "", "Address to listen on for Flight Server (e.g. :9090)")
	serverAddr       = flag.String("server", "", "Flight sink receiving normalized batches (e.g. localhost:3000)")
	datasetName      = flag.String("dataset", "rmsnorm_dataset", "Target dataset name on the Flight sink")
	maxConcurrent    = flag.Int("max-concurrent", 16384, "Maximum number of rows in flight on the server")
	enableOTel       = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	cpuProfile       = flag.String("cpuprofile", "", "Write cpu profile to file")
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer shutdown(context.Background())
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	dtype := device.Float32
	if *fp16 {
		dtype = device.Float16
	}

	var fc FlightClientInterface
	if *serverAddr != "" {
		c, err := client.NewFlightClient(*serverAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create flight client")
		}
		defer func() {
			if err := c.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close flight client")
			}
		}()
		log.Info().Str("addr", *serverAddr).Msg("Connected to Flight sink")
		fc = c
	}

	if *listenAddr != "" || *flightAddr != "" {
		srv := NewServer(LayerOptions{
			Eps:               float32(*eps),
			Backend:           *backendName,
			ZeroCenteredGamma: *zeroCentered,
			SequenceParallel:  *sequenceParallel,
			DType:             dtype,
		}, fc, *datasetName, *maxConcurrent)

		if *scalePath != "" {
			l, err := srv.layer(*hidden, "")
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to create layer")
			}
			if err := weights.NewLoader(l).LoadScale(*scalePath); err != nil {
				log.Fatal().Err(err).Msg("Failed to load scale")
			}
			srv.scales.Put(fmt.Sprint(*hidden), l.Scale.Value.ToHost())
		}

		if *listenAddr != "" && *flightAddr != "" {
			go startServer(*listenAddr, srv)
			StartFlightServer(*flightAddr, srv)
		} else if *listenAddr != "" {
			startServer(*listenAddr, srv)
		} else {
			StartFlightServer(*flightAddr, srv)
		}
		return
	}

	opts := []rmsnorm.Option{
		rmsnorm.WithEps(float32(*eps)),
		rmsnorm.WithZeroCenteredGamma(*zeroCentered),
		rmsnorm.WithSequenceParallel(*sequenceParallel),
		rmsnorm.WithDType(dtype),
	}
	rec, err := runSelfCheck(context.Background(), *hidden, *rows, *backendName, *scalePath, rand.New(rand.NewSource(time.Now().UnixNano())), opts...)
	if err != nil {
		log.Fatal().Err(err).Msg("Self-check failed")
	}
	defer rec.Release()

	if fc != nil {
		log.Info().Int64("rows", rec.NumRows()).Str("server", *serverAddr).Str("dataset", *datasetName).Msg("Sending normalized batch")

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		if err := fc.DoPut(ctx, *datasetName, rec); err != nil {
			log.Fatal().Err(err).Msg("Flight DoPut failed")
		}
		log.Info().Msg("Successfully sent normalized batch")
		return
	}

	if err := writeArrowStream(os.Stdout, rec); err != nil {
		log.Warn().Err(err).Msg("Failed to write arrow stream")
	}
}

// runSelfCheck normalizes a random batch with the selected backend, runs the
// backward pass, and compares both against the other backend when the
// configuration allows it. It returns the selected backend's output.
func runSelfCheck(ctx context.Context, hidden, rows int, backend, scaleFile string, rng *rand.Rand, opts ...rmsnorm.Option) (arrow.RecordBatch, error) {
	layer, err := rmsnorm.New(hidden, append(opts, rmsnorm.WithName("selfcheck"), rmsnorm.WithBackend(backend))...)
	if err != nil {
		return nil, err
	}
	if scaleFile != "" {
		if err := weights.NewLoader(layer).LoadScale(scaleFile); err != nil {
			return nil, err
		}
	}

	dtype := layer.Config().DType
	dev := device.NewCPUBackend()
	x := dev.NewTensorWithType([]int{rows, hidden}, dtype, randomValues(rng, rows*hidden))
	dy := dev.NewTensorWithType([]int{rows, hidden}, dtype, randomValues(rng, rows*hidden))

	start := time.Now()
	y, saved, err := layer.Apply(ctx, x, true)
	if err != nil {
		return nil, err
	}
	dx, dscale, err := layer.Backward(ctx, saved, dy)
	if err != nil {
		return nil, err
	}
	elapsed := time.Since(start)

	log.Info().
		Str("backend", backend).
		Int("rows", rows).
		Int("hidden", hidden).
		Dur("elapsed", elapsed).
		Float64("rows_per_sec", float64(rows)/elapsed.Seconds()).
		Msg("Forward and backward complete")

	other := rmsnorm.BackendDirect
	if rmsnorm.CanonicalBackend(backend) == rmsnorm.BackendDirect {
		other = rmsnorm.BackendKernel
	}
	if layer.Config().ZeroCenteredGamma {
		log.Warn().Msg("Zero-centered gamma has no direct implementation, skipping comparison")
	} else {
		ref, err := rmsnorm.New(hidden, append(opts, rmsnorm.WithName("selfcheck.ref"), rmsnorm.WithBackend(other), rmsnorm.WithMarker(distributed.NewRegistry()))...)
		if err != nil {
			return nil, err
		}
		if err := ref.Scale.SetValues(layer.Scale.Value.ToHost()); err != nil {
			return nil, err
		}
		ry, rsaved, err := ref.Apply(ctx, x, true)
		if err != nil {
			return nil, err
		}
		rdx, rdscale, err := ref.Backward(ctx, rsaved, dy)
		if err != nil {
			return nil, err
		}
		log.Info().
			Str("reference", other).
			Float64("output_max_diff", maxAbsDiff(y.Data(), ry.Data())).
			Float64("output_cosine", cosineSimilarity(y.Data(), ry.Data())).
			Float64("input_grad_max_diff", maxAbsDiff(dx.Data(), rdx.Data())).
			Float64("scale_grad_max_diff", maxAbsDiff(dscale.Data(), rdscale.Data())).
			Msg("Backend comparison")
	}

	if layer.Scale.SequenceParallel() && rows > 1 {
		diff, err := checkShardedScaleGrad(ctx, layer, x, dy, dscale)
		if err != nil {
			return nil, err
		}
		log.Info().
			Strs("sequence_parallel_params", distributed.DefaultRegistry.Parameters()).
			Float64("scale_grad_max_diff", diff).
			Msg("Sequence-parallel reduction")
	}

	return client.BuildRecordBatch(memory.NewGoAllocator(), client.DefaultColumn, rows, hidden, y.Data())
}

// checkShardedScaleGrad splits the batch in two along rows, as two
// sequence-parallel ranks would see it, and compares the all-reduced scale
// gradient with the full-batch one.
func checkShardedScaleGrad(ctx context.Context, layer *rmsnorm.Layer, x, dy, want device.Tensor) (float64, error) {
	rows, hidden := x.Dims()
	half := rows / 2
	dev := device.NewCPUBackend()

	var shards [][]float32
	for _, bounds := range [][2]int{{0, half}, {half, rows}} {
		lo, hi := bounds[0]*hidden, bounds[1]*hidden
		n := bounds[1] - bounds[0]
		xs := dev.NewTensorWithType([]int{n, hidden}, x.DType(), x.Data()[lo:hi])
		dys := dev.NewTensorWithType([]int{n, hidden}, x.DType(), dy.Data()[lo:hi])

		_, saved, err := layer.Apply(ctx, xs, false)
		if err != nil {
			return 0, err
		}
		_, dscale, err := layer.Backward(ctx, saved, dys)
		if err != nil {
			return 0, err
		}
		shards = append(shards, dscale.Data())
	}

	reduced, err := distributed.AllReduceSum(shards)
	if err != nil {
		return 0, err
	}
	return maxAbsDiff(want.Data(), reduced), nil
}

func randomValues(rng *rand.Rand, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(rng.NormFloat64())
	}
	return out
}

func maxAbsDiff(a, b []float32) float64 {
	var m float64
	for i := range a {
		m = math.Max(m, math.Abs(float64(a[i]-b[i])))
	}
	return m
}

// cosineSimilarity returns 1 for parallel vectors. A zero vector compares as
// 0 against anything.
func cosineSimilarity(a, b []float32) float64 {
	norm := math.Sqrt(simd.SumSquares(a) * simd.SumSquares(b))
	if norm == 0 {
		return 0
	}
	return simd.DotProduct(a, b) / norm
}

func writeArrowStream(w io.Writer, rec arrow.RecordBatch) error {
	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("rmsnorm"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-rmsnorm/internal/cache"
	"github.com/23skdu/longbow-rmsnorm/internal/client"
	"github.com/23skdu/longbow-rmsnorm/internal/device"
	"github.com/23skdu/longbow-rmsnorm/internal/rmsnorm"
)

var (
	rowsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rmsnorm_rows_processed_total",
		Help: "The total number of rows normalized by the server",
	})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rmsnorm_request_duration_seconds",
		Help:    "Time spent processing normalize requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	forwardFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rmsnorm_forward_failures_total",
		Help: "Batches that could not be forwarded over Flight",
	})
)

var tracer = otel.Tracer("rmsnorm-server")

type FlightClientInterface interface {
	DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error
	Close() error
}

// NormalizeRequest is the CBOR body of POST /normalize. Data is row-major
// with the last element of Shape as the hidden size. GradOutput, when set,
// has the same shape and triggers a backward pass.
type NormalizeRequest struct {
	Shape             []int     `cbor:"shape"`
	Data              []float32 `cbor:"data"`
	Backend           string    `cbor:"backend,omitempty"`
	GradOutput        []float32 `cbor:"grad_output,omitempty"`
	RequiresInputGrad bool      `cbor:"requires_input_grad,omitempty"`
	RequiresScaleGrad bool      `cbor:"requires_scale_grad,omitempty"`
}

type NormalizeResponse struct {
	Shape     []int     `cbor:"shape"`
	Backend   string    `cbor:"backend"`
	Output    []float32 `cbor:"output"`
	InputGrad []float32 `cbor:"input_grad,omitempty"`
	ScaleGrad []float32 `cbor:"scale_grad,omitempty"`
}

// ScaleRequest is the CBOR body of PUT /scale.
type ScaleRequest struct {
	Values []float32 `cbor:"values"`
}

// LayerOptions is the part of a layer's configuration fixed for the whole
// server. Hidden size and backend vary per request.
type LayerOptions struct {
	Eps               float32
	Backend           string
	ZeroCenteredGamma bool
	SequenceParallel  bool
	DType             device.DType
}

type Server struct {
	opts         LayerOptions
	device       device.Backend
	layers       *cache.MapCache[*rmsnorm.Layer]
	scales       *cache.MapCache[[]float32]
	flightClient FlightClientInterface
	breaker      *client.CircuitBreaker
	datasetName  string
	alloc        memory.Allocator
	sem          *semaphore.Weighted
	maxWeight    int64

	// scaleMu keeps scale updates from racing with in-flight calls.
	scaleMu sync.RWMutex
}

func NewServer(opts LayerOptions, fc FlightClientInterface, dataset string, maxConcurrent int) *Server {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Server{
		opts:         opts,
		device:       device.NewCPUBackend(),
		layers:       cache.NewMapCache[*rmsnorm.Layer](),
		scales:       cache.NewMapCache[[]float32](),
		flightClient: fc,
		breaker:      client.NewCircuitBreaker(5, 10*time.Second),
		datasetName:  dataset,
		alloc:        memory.NewGoAllocator(),
		sem:          semaphore.NewWeighted(int64(maxConcurrent)),
		maxWeight:    int64(maxConcurrent),
	}
}

// admit reserves semaphore weight for a batch of rows. Batches larger than
// the whole semaphore take all of it instead of waiting forever.
func (s *Server) admit(ctx context.Context, rows int) (func(), error) {
	weight := int64(rows)
	if weight < 1 {
		weight = 1
	}
	if weight > s.maxWeight {
		weight = s.maxWeight
	}
	if err := s.sem.Acquire(ctx, weight); err != nil {
		return nil, err
	}
	return func() { s.sem.Release(weight) }, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/normalize", s.handleNormalize)
	mux.HandleFunc("/normalize/arrow", s.handleNormalizeArrow)
	mux.HandleFunc("/scale", s.handleScale)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func startServer(addr string, srv *Server) {
	log.Info().Str("addr", addr).Msg("Starting RMSNorm Server")
	if srv.flightClient != nil {
		log.Info().Str("dataset", srv.datasetName).Msg("Forwarding normalized batches over Flight")
	}

	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

func layerKey(hidden int, backend string) string {
	return fmt.Sprintf("%d/%s", hidden, backend)
}

// layer returns the cached layer for hidden and backend, creating it on
// first use with any scale stored by PUT /scale. Unknown backends are
// rejected before anything is cached.
func (s *Server) layer(hidden int, backend string) (*rmsnorm.Layer, error) {
	if backend == "" {
		backend = s.opts.Backend
	}
	backend = rmsnorm.CanonicalBackend(backend)
	if !rmsnorm.IsSupportedBackend(backend) {
		return nil, fmt.Errorf("%w: backend %q not supported", rmsnorm.ErrUnsupportedBackend, backend)
	}
	return s.layers.GetOrCreate(layerKey(hidden, backend), func() (*rmsnorm.Layer, error) {
		l, err := rmsnorm.New(hidden,
			rmsnorm.WithName(fmt.Sprintf("server.h%d", hidden)),
			rmsnorm.WithEps(s.opts.Eps),
			rmsnorm.WithBackend(backend),
			rmsnorm.WithZeroCenteredGamma(s.opts.ZeroCenteredGamma),
			rmsnorm.WithSequenceParallel(s.opts.SequenceParallel),
			rmsnorm.WithDType(s.opts.DType),
			rmsnorm.WithDevice(s.device),
		)
		if err != nil {
			return nil, err
		}
		if values, ok := s.scales.Get(fmt.Sprint(hidden)); ok {
			if err := l.Scale.SetValues(values); err != nil {
				return nil, err
			}
		}
		return l, nil
	})
}

// normalize runs one forward call and, when dy is non-nil, the paired
// backward call. Scale gradients are computed on demand and dropped when not
// asked for, so the shared layer's StopGradient is never touched.
func (s *Server) normalize(ctx context.Context, backend string, shape []int, x, dy []float32, requiresDX bool) (y, dx, dscale device.Tensor, l *rmsnorm.Layer, err error) {
	n, err := device.Numel(shape)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if len(x) != n {
		return nil, nil, nil, nil, fmt.Errorf("%w: %d values for shape %v", rmsnorm.ErrShapeMismatch, len(x), shape)
	}
	if dy != nil && len(dy) != n {
		return nil, nil, nil, nil, fmt.Errorf("%w: %d gradient values for shape %v", rmsnorm.ErrShapeMismatch, len(dy), shape)
	}

	l, err = s.layer(shape[len(shape)-1], backend)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	s.scaleMu.RLock()
	defer s.scaleMu.RUnlock()

	input := s.device.NewTensorWithType(shape, s.opts.DType, x)
	y, saved, err := l.Apply(ctx, input, requiresDX)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	rowsProcessed.Add(float64(n / shape[len(shape)-1]))

	if dy == nil {
		return y, nil, nil, l, nil
	}
	dx, dscale, err = l.Backward(ctx, saved, s.device.NewTensorWithType(shape, s.opts.DType, dy))
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return y, dx, dscale, l, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, rmsnorm.ErrShapeMismatch),
		errors.Is(err, rmsnorm.ErrInvalidConfig),
		errors.Is(err, client.ErrInvalidRecord):
		return http.StatusBadRequest
	case errors.Is(err, rmsnorm.ErrNotImplemented),
		errors.Is(err, rmsnorm.ErrUnsupportedBackend):
		return http.StatusNotImplemented
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleNormalize(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleNormalize")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("normalize").Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req NormalizeRequest
	if err := cbor.NewDecoder(r.Body).Decode(&req); err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
		return
	}
	if len(req.Shape) == 0 {
		http.Error(w, "Bad Request: empty shape", http.StatusBadRequest)
		return
	}

	span.SetAttributes(
		attribute.IntSlice("shape", req.Shape),
		attribute.Bool("backward", req.GradOutput != nil),
	)

	// Admission control by row count.
	rows := 1
	if n, err := device.Numel(req.Shape); err == nil && req.Shape[len(req.Shape)-1] > 0 {
		rows = n / req.Shape[len(req.Shape)-1]
	}
	release, err := s.admit(ctx, rows)
	if err != nil {
		log.Error().Err(err).Msg("Failed to acquire semaphore")
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}
	defer release()

	y, dx, dscale, l, err := s.normalize(ctx, req.Backend, req.Shape, req.Data, req.GradOutput, req.RequiresInputGrad)
	if err != nil {
		span.RecordError(err)
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	resp := NormalizeResponse{
		Shape:   y.Shape(),
		Backend: l.Config().Backend,
		Output:  y.Data(),
	}
	if dx != nil {
		resp.InputGrad = dx.Data()
	}
	if dscale != nil && req.RequiresScaleGrad {
		resp.ScaleGrad = dscale.Data()
	}

	if s.flightClient != nil {
		rows, hidden := y.Dims()
		s.forward(ctx, rows, hidden, y.Data())
	}

	w.Header().Set("Content-Type", "application/cbor")
	if err := cbor.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

// forward sends a normalized matrix to the Flight sink unless the breaker is
// open. Failures are logged, never returned to the caller.
func (s *Server) forward(ctx context.Context, rows, hidden int, data []float32) {
	rec, err := client.BuildRecordBatch(s.alloc, client.DefaultColumn, rows, hidden, data)
	if err != nil {
		log.Error().Err(err).Msg("Failed to build record for forwarding")
		return
	}
	defer rec.Release()

	err = s.breaker.Do(func() error {
		return s.flightClient.DoPut(ctx, s.datasetName, rec)
	})
	if err != nil {
		forwardFailures.Inc()
		log.Error().Err(err).Str("breaker", s.breaker.State().String()).Msg("Error forwarding batch")
	}
}

// normalizeRecord normalizes the vector column of rec and returns a record
// of the same layout.
func (s *Server) normalizeRecord(ctx context.Context, rec arrow.RecordBatch, column string) (arrow.RecordBatch, error) {
	data, rows, hidden, err := client.MatrixFromRecord(rec, column)
	if err != nil {
		return nil, err
	}

	release, err := s.admit(ctx, rows)
	if err != nil {
		return nil, err
	}
	defer release()

	y, _, _, _, err := s.normalize(ctx, "", []int{rows, hidden}, data, nil, false)
	if err != nil {
		return nil, err
	}
	if s.flightClient != nil {
		s.forward(ctx, rows, hidden, y.Data())
	}
	return client.BuildRecordBatch(s.alloc, column, rows, hidden, y.Data())
}

func (s *Server) handleNormalizeArrow(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleNormalizeArrow")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("normalize_arrow").Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	column := r.URL.Query().Get("column")
	if column == "" {
		column = client.DefaultColumn
	}

	reader, err := ipc.NewReader(r.Body, ipc.WithAllocator(s.alloc))
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to create IPC reader: %v", err), http.StatusBadRequest)
		return
	}
	defer reader.Release()

	var out []arrow.RecordBatch
	defer func() {
		for _, rec := range out {
			rec.Release()
		}
	}()

	totalRows := 0
	for reader.Next() {
		rec, err := s.normalizeRecord(ctx, reader.Record(), column)
		if err != nil {
			span.RecordError(err)
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		out = append(out, rec)
		totalRows += int(rec.NumRows())
	}
	if err := reader.Err(); err != nil {
		log.Error().Err(err).Msg("Error reading Arrow stream")
		http.Error(w, "Stream error", http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.Int("rows", totalRows))

	w.Header().Set("Content-Type", "application/vnd.apache.arrow.stream")
	if len(out) == 0 {
		w.WriteHeader(http.StatusOK)
		return
	}

	writer := ipc.NewWriter(w, ipc.WithSchema(out[0].Schema()), ipc.WithAllocator(s.alloc))
	for _, rec := range out {
		if err := writer.Write(rec); err != nil {
			log.Error().Err(err).Msg("Failed to write Arrow response")
			break
		}
	}
	if err := writer.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close Arrow response")
	}
}

// handleScale replaces the scale of every layer with a matching hidden size,
// including layers created later.
func (s *Server) handleScale(w http.ResponseWriter, r *http.Request) {
	_, span := tracer.Start(r.Context(), "handleScale")
	defer span.End()

	if r.Method != http.MethodPut {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ScaleRequest
	if err := cbor.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
		return
	}
	hidden := len(req.Values)
	if hidden == 0 {
		http.Error(w, "Bad Request: empty scale", http.StatusBadRequest)
		return
	}

	s.scaleMu.Lock()
	defer s.scaleMu.Unlock()

	s.scales.Put(fmt.Sprint(hidden), append([]float32(nil), req.Values...))
	updated := 0
	for _, backend := range []string{rmsnorm.BackendKernel, rmsnorm.BackendDirect} {
		l, ok := s.layers.Get(layerKey(hidden, backend))
		if !ok {
			continue
		}
		if err := l.Scale.SetValues(req.Values); err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		updated++
	}

	log.Info().Int("hidden", hidden).Int("layers", updated).Msg("Updated RMSNorm scale")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

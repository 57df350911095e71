package kernel

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/23skdu/longbow-rmsnorm/internal/device"
	"github.com/23skdu/longbow-rmsnorm/internal/simd"
)

var _ Kernel = (*Fused)(nil)

var tracer = otel.Tracer("rmsnorm-kernel")

// Fused is a CPU kernel that processes one row per step, fanning rows out over
// a fixed worker pool. Each worker plays the role of a streaming
// multiprocessor: the SM margin removes workers from the pool.
type Fused struct {
	backend device.Backend
	workers int
}

// NewFused creates a fused kernel allocating on backend with up to workers
// goroutines per launch. workers <= 0 selects device.NumWorkers.
func NewFused(backend device.Backend, workers int) *Fused {
	if workers <= 0 {
		workers = device.NumWorkers
	}
	return &Fused{backend: backend, workers: workers}
}

func (f *Fused) Name() string {
	return "fused-" + f.backend.Name()
}

// Workers returns how many goroutines a launch with smMargin would use.
func (f *Fused) Workers(smMargin int) int {
	n := f.workers - smMargin
	if n < 1 {
		n = 1
	}
	return n
}

func (f *Fused) Forward(ctx context.Context, x, gamma device.Tensor, eps float32, dtype device.DType, smMargin int, zeroCenteredGamma bool) (device.Tensor, device.Tensor, error) {
	rows, hidden, err := checkMatrix(x, gamma, smMargin)
	if err != nil {
		return nil, nil, err
	}
	if !(eps >= 0) {
		return nil, nil, fmt.Errorf("%w: eps must be non-negative, got %v", ErrInvalidArgument, eps)
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	workers := f.Workers(smMargin)
	span := f.startSpan(ctx, "kernel.forward", rows, hidden, smMargin, workers)
	defer span.End()
	start := time.Now()
	defer observe("forward", workers, start)

	g := effectiveGamma(gamma.Data(), zeroCenteredGamma)
	xd := x.Data()

	out := f.backend.NewTensorWithType([]int{rows, hidden}, dtype, nil)
	rsigma := f.backend.NewTensor([]int{rows}, nil)
	od := out.Data()
	rs := rsigma.Data()

	parallelRows(rows, workers, func(_, begin, end int) {
		for r := begin; r < end; r++ {
			row := xd[r*hidden : (r+1)*hidden]
			meanSq := simd.SumSquares(row) / float64(hidden)
			inv := float32(1.0 / math.Sqrt(meanSq+float64(eps)))
			rs[r] = inv
			simd.VecMulScaled(od[r*hidden:(r+1)*hidden], row, g, inv)
		}
	})

	if dtype == device.Float16 {
		device.RoundFloat16(od)
	}
	return out, rsigma, nil
}

func (f *Fused) Backward(ctx context.Context, dz, x, rsigma, gamma device.Tensor, smMargin int, zeroCenteredGamma bool) (device.Tensor, device.Tensor, error) {
	rows, hidden, err := checkMatrix(x, gamma, smMargin)
	if err != nil {
		return nil, nil, err
	}
	if !device.SameShape(dz.Shape(), x.Shape()) {
		return nil, nil, fmt.Errorf("%w: output gradient shape %v does not match input %v", ErrInvalidArgument, dz.Shape(), x.Shape())
	}
	if !device.SameShape(rsigma.Shape(), []int{rows}) {
		return nil, nil, fmt.Errorf("%w: rsigma shape %v, want [%d]", ErrInvalidArgument, rsigma.Shape(), rows)
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	workers := f.Workers(smMargin)
	span := f.startSpan(ctx, "kernel.backward", rows, hidden, smMargin, workers)
	defer span.End()
	start := time.Now()
	defer observe("backward", workers, start)

	g := effectiveGamma(gamma.Data(), zeroCenteredGamma)
	xd, dzd, rs := x.Data(), dz.Data(), rsigma.Data()

	dx := f.backend.NewTensorWithType([]int{rows, hidden}, x.DType(), nil)
	dxd := dx.Data()

	// One partial dgamma per worker, reduced after the launch. Scratch
	// buffers come from the backend pool and go back once reduced.
	scratch := make([]device.Tensor, workers)
	partials := make([][]float32, workers)
	for i := range partials {
		scratch[i] = f.backend.GetTensor(hidden)
		partials[i] = scratch[i].Data()
	}
	defer func() {
		for _, t := range scratch {
			f.backend.PutTensor(t)
		}
	}()

	invN := 1.0 / float64(hidden)
	parallelRows(rows, workers, func(w, begin, end int) {
		acc := partials[w]
		for r := begin; r < end; r++ {
			xr := xd[r*hidden : (r+1)*hidden]
			dzr := dzd[r*hidden : (r+1)*hidden]
			dxr := dxd[r*hidden : (r+1)*hidden]
			inv := rs[r]

			// dx = rs * dz * g - x * rs^3 * mean(dz * g * x)
			c := simd.DotProduct3(dzr, g, xr) * invN
			inv64 := float64(inv)
			simd.VecMulScaled(dxr, dzr, g, inv)
			simd.VecAddScaled(dxr, xr, float32(-inv64*inv64*inv64*c))

			simd.VecMulAcc(acc, dzr, xr, inv)
		}
	})

	dgamma := f.backend.NewTensor([]int{hidden}, nil)
	dgd := dgamma.Data()
	for _, p := range partials {
		simd.VecAdd(dgd, p)
	}

	if x.DType() == device.Float16 {
		device.RoundFloat16(dxd)
	}
	return dx, dgamma, nil
}

func (f *Fused) startSpan(ctx context.Context, name string, rows, hidden, smMargin, workers int) trace.Span {
	_, span := tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("kernel", f.Name()),
		attribute.Int("rows", rows),
		attribute.Int("hidden", hidden),
		attribute.Int("sm_margin", smMargin),
		attribute.Int("workers", workers),
	))
	return span
}

func checkMatrix(x, gamma device.Tensor, smMargin int) (int, int, error) {
	shape := x.Shape()
	if len(shape) != 2 {
		return 0, 0, fmt.Errorf("%w: input must be 2-D, got shape %v", ErrInvalidArgument, shape)
	}
	rows, hidden := shape[0], shape[1]
	if !device.SameShape(gamma.Shape(), []int{hidden}) {
		return 0, 0, fmt.Errorf("%w: gamma shape %v, want [%d]", ErrInvalidArgument, gamma.Shape(), hidden)
	}
	if smMargin < 0 {
		return 0, 0, fmt.Errorf("%w: negative SM margin %d", ErrInvalidArgument, smMargin)
	}
	return rows, hidden, nil
}

// effectiveGamma returns gamma, or 1+gamma in a fresh slice for the
// zero-centered parametrization.
func effectiveGamma(gamma []float32, zeroCentered bool) []float32 {
	if !zeroCentered {
		return gamma
	}
	g := make([]float32, len(gamma))
	simd.VecAddScalar(g, gamma, 1)
	return g
}

// parallelRows splits [0, rows) into contiguous chunks, one per worker.
func parallelRows(rows, workers int, fn func(worker, begin, end int)) {
	if workers > rows {
		workers = rows
	}
	if workers <= 1 {
		fn(0, 0, rows)
		return
	}

	var wg sync.WaitGroup
	rowsPerWorker := (rows + workers - 1) / workers
	for w := 0; w < workers; w++ {
		startRow := w * rowsPerWorker
		if startRow >= rows {
			break
		}
		endRow := startRow + rowsPerWorker
		if endRow > rows {
			endRow = rows
		}

		wg.Add(1)
		go func(worker, s, e int) {
			defer wg.Done()
			fn(worker, s, e)
		}(w, startRow, endRow)
	}
	wg.Wait()
}

// Package attention computes single-head scaled dot-product attention over
// float and fixed-point matrices.
//
// Every output row i is Score -> Softmax -> WeightedSum -> Requantize and
// depends only on Q[i], K and V. Rows are spread across workers; inside a
// row the reduction over keys always runs in ascending order, so the output
// is bit-identical for any worker count.
package attention

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-aura/internal/logger"
	"github.com/23skdu/longbow-aura/internal/metrics"
	"github.com/23skdu/longbow-aura/internal/tensor"
)

// Mode selects the arithmetic used for a computation.
type Mode int

const (
	// ModeReal de-scales fixed-point operands and works in float32.
	ModeReal Mode = iota
	// ModeDouble works in float64 and serves as the golden reference.
	ModeDouble
	// ModeInteger emulates the hardware datapath: integer dot products, the
	// shift-based exponential and 8-bit weights.
	ModeInteger
)

func (m Mode) String() string {
	switch m {
	case ModeReal:
		return "real"
	case ModeDouble:
		return "double"
	case ModeInteger:
		return "integer"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "real", "float", "fp32":
		return ModeReal, nil
	case "double", "fp64":
		return ModeDouble, nil
	case "integer", "int", "hw":
		return ModeInteger, nil
	default:
		return 0, fmt.Errorf("unknown attention mode %q (want real, double or integer)", s)
	}
}

// ErrUnsupported is returned when a mode cannot run on the input
// representation.
var ErrUnsupported = errors.New("attention: unsupported representation")

// FloorDenominator replaces a softmax denominator that underflowed to zero.
const FloorDenominator = 1e-12

// IntegerParams are the constants of the hardware softmax emulation.
type IntegerParams struct {
	DotScale    int64
	ExpOne      int64
	ExpStep     int64
	ExpCutoff   int64
	WeightMax   int64
	WeightShift uint
}

func DefaultIntegerParams() IntegerParams {
	return IntegerParams{
		DotScale:    1 << 14,
		ExpOne:      65536,
		ExpStep:     1024,
		ExpCutoff:   8192,
		WeightMax:   255,
		WeightShift: 8,
	}
}

type Options struct {
	Mode Mode
	// Workers bounds row parallelism; 0 means GOMAXPROCS.
	Workers int
	Integer IntegerParams

	// Progress, when set, is called after every ProgressEvery rows and once
	// more when the last row is done. It may be called from several
	// goroutines.
	Progress      func(done, total int)
	ProgressEvery int
}

func DefaultOptions() Options {
	return Options{
		Mode:          ModeReal,
		Integer:       DefaultIntegerParams(),
		ProgressEvery: 64,
	}
}

type Engine struct {
	opts Options
}

func New(opts Options) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	if opts.ProgressEvery <= 0 {
		opts.ProgressEvery = 64
	}
	if opts.Integer == (IntegerParams{}) {
		opts.Integer = DefaultIntegerParams()
	}
	return &Engine{opts: opts}
}

func (e *Engine) Options() Options {
	return e.opts
}

// Compute returns O = softmax(Q K^T * SCALE) V in the representation of the
// inputs. Q, K and V must share shape and representation.
func (e *Engine) Compute(ctx context.Context, q, k, v *tensor.Matrix) (*tensor.Matrix, error) {
	if q == nil || k == nil || v == nil {
		return nil, errors.New("attention: nil input matrix")
	}
	if err := tensor.CheckSameShape("attention", []string{"Q", "K", "V"}, q, k, v); err != nil {
		return nil, err
	}
	if q.Repr != k.Repr || q.Repr != v.Repr {
		return nil, fmt.Errorf("%w: mixed inputs Q=%s K=%s V=%s", ErrUnsupported, q.Repr, k.Repr, v.Repr)
	}
	if e.opts.Mode == ModeInteger && !q.Repr.IsFixed() {
		return nil, fmt.Errorf("%w: %s mode needs fixed-point inputs, got %s", ErrUnsupported, e.opts.Mode, q.Repr)
	}

	start := time.Now()
	out := tensor.NewMatrix(q.Shape, q.Repr)
	rows := q.Rows
	if rows == 0 || q.Cols == 0 {
		return out, nil
	}

	newKernel, err := e.prepare(q, k, v, out)
	if err != nil {
		return nil, err
	}

	logger.Log.Debug("attention started",
		"mode", e.opts.Mode.String(),
		"repr", q.Repr.String(),
		"shape", q.Shape.String(),
		"workers", e.opts.Workers)

	workers := min(e.opts.Workers, rows)
	chunk := (rows + workers - 1) / workers

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	var done atomic.Int64
	for lo := 0; lo < rows; lo += chunk {
		hi := min(lo+chunk, rows)
		g.Go(func() error {
			kern := newKernel()
			for i := lo; i < hi; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				kern.row(i)
				e.progress(int(done.Add(1)), rows)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("attention: %w", err)
	}

	metrics.RecordRows(e.opts.Mode.String(), rows)
	metrics.RecordStage("attention", time.Since(start))
	return out, nil
}

func (e *Engine) progress(done, total int) {
	if e.opts.Progress == nil {
		return
	}
	if done%e.opts.ProgressEvery == 0 || done == total {
		e.opts.Progress(done, total)
	}
}

// rowKernel computes one output row. Each worker owns one kernel so the
// scratch buffers are never shared.
type rowKernel interface {
	row(i int)
}

func (e *Engine) prepare(q, k, v, out *tensor.Matrix) (func() rowKernel, error) {
	switch e.opts.Mode {
	case ModeReal:
		s := newRealShared(q, k, v, out)
		return func() rowKernel { return s.kernel() }, nil
	case ModeDouble:
		s := newDoubleShared(q, k, v, out)
		return func() rowKernel { return s.kernel() }, nil
	case ModeInteger:
		s := &integerShared{q: q, k: k, v: v, out: out, p: e.opts.Integer}
		return func() rowKernel { return s.kernel() }, nil
	default:
		return nil, fmt.Errorf("attention: unknown mode %s", e.opts.Mode)
	}
}

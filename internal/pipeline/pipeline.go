// Package pipeline ties the codec, the attention engine and the validator
// to files on disk. Each Run method is one invocation of the golden-model
// flow; any failure aborts it and leaves no output file behind.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-aura/internal/arrowsink"
	"github.com/23skdu/longbow-aura/internal/attention"
	"github.com/23skdu/longbow-aura/internal/config"
	"github.com/23skdu/longbow-aura/internal/logger"
	"github.com/23skdu/longbow-aura/internal/memfmt"
	"github.com/23skdu/longbow-aura/internal/metrics"
	"github.com/23skdu/longbow-aura/internal/quant"
	"github.com/23skdu/longbow-aura/internal/tensor"
	"github.com/23skdu/longbow-aura/internal/validate"
)

type Runner struct {
	cfg config.Config
	pub arrowsink.Publisher
	mem memory.Allocator
}

type Option func(*Runner)

// WithPublisher sends every computed output to pub under cfg.Flight.Path.
func WithPublisher(pub arrowsink.Publisher) Option {
	return func(r *Runner) { r.pub = pub }
}

func WithAllocator(mem memory.Allocator) Option {
	return func(r *Runner) { r.mem = mem }
}

func NewRunner(cfg config.Config, opts ...Option) *Runner {
	r := &Runner{cfg: cfg, mem: memory.DefaultAllocator}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Runner) Shape() tensor.Shape {
	return tensor.Shape{Rows: r.cfg.Rows, Cols: r.cfg.Cols}
}

func (r *Runner) format(repr tensor.Representation, conv memfmt.Convention) memfmt.Format {
	return memfmt.Format{Repr: repr, Convention: conv, Shape: r.Shape()}
}

// EngineOptions maps the configuration onto attention options. Progress is
// reported on the logger.
func (r *Runner) EngineOptions(mode attention.Mode) attention.Options {
	return attention.Options{
		Mode:          mode,
		Workers:       r.cfg.Workers,
		Integer:       attention.IntegerParams(r.cfg.Integer),
		ProgressEvery: r.cfg.ProgressEvery,
		Progress: func(done, total int) {
			logger.Log.Progress("attention", done, total)
		},
	}
}

func (r *Runner) Thresholds() validate.Thresholds {
	return validate.Thresholds(r.cfg.Thresholds)
}

type AttentionJob struct {
	Q, K, V    string
	Out        string
	Repr       tensor.Representation
	Convention memfmt.Convention
	Mode       attention.Mode
}

type Result struct {
	Output      *tensor.Matrix
	Fingerprint uint64
	Duration    time.Duration
}

// RunAttention loads Q, K and V, computes the attention output and writes
// it to job.Out.
func (r *Runner) RunAttention(ctx context.Context, job AttentionJob) (*Result, error) {
	start := time.Now()
	f := r.format(job.Repr, job.Convention)

	paths := []string{job.Q, job.K, job.V}
	inputs := make([]*tensor.Matrix, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			m, err := memfmt.ReadFile(p, f)
			if err != nil {
				return err
			}
			inputs[i] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	metrics.RecordStage("load", time.Since(start))
	logger.Log.Info("loaded inputs", "q", job.Q, "k", job.K, "v", job.V, "repr", job.Repr.String(), "shape", f.Shape.String())

	out, err := attention.New(r.EngineOptions(job.Mode)).Compute(ctx, inputs[0], inputs[1], inputs[2])
	if err != nil {
		return nil, err
	}

	if err := memfmt.WriteFile(job.Out, out); err != nil {
		return nil, err
	}
	res := &Result{Output: out, Fingerprint: out.Fingerprint(), Duration: time.Since(start)}
	logger.Log.Info("wrote attention output",
		"file", job.Out,
		"mode", job.Mode.String(),
		"fingerprint", fmt.Sprintf("%016x", res.Fingerprint),
		"duration", res.Duration.String())

	if r.pub != nil {
		if err := r.publish(ctx, out); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (r *Runner) publish(ctx context.Context, m *tensor.Matrix) error {
	rec := arrowsink.MatrixRecord(r.mem, m)
	defer rec.Release()
	if err := r.pub.Publish(ctx, r.cfg.Flight.Path, rec); err != nil {
		return fmt.Errorf("publish %s: %w", r.cfg.Flight.Path, err)
	}
	return nil
}

type ConvertJob struct {
	In         string
	InRepr     tensor.Representation
	Out        string
	OutRepr    tensor.Representation
	Convention memfmt.Convention
	// Symmetric quantizes to q0.7 with a per-tensor scale instead of the
	// fixed 2^-7 step.
	Symmetric bool
}

type ConvertResult struct {
	Output *tensor.Matrix
	// Scale is the per-tensor scale of a symmetric conversion, else 0.
	Scale float32
}

func (r *Runner) RunConvert(ctx context.Context, job ConvertJob) (*ConvertResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	in, err := memfmt.ReadFile(job.In, r.format(job.InRepr, job.Convention))
	if err != nil {
		return nil, err
	}

	res := &ConvertResult{}
	if job.Symmetric {
		res.Output, res.Scale, err = quant.PerTensorSymmetricQuantize(in)
	} else {
		res.Output, err = quant.Convert(in, job.OutRepr)
	}
	if err != nil {
		return nil, err
	}
	if err := memfmt.WriteFile(job.Out, res.Output); err != nil {
		return nil, err
	}
	metrics.RecordStage("convert", time.Since(start))
	logger.Log.Info("converted matrix",
		"in", job.In,
		"out", job.Out,
		"from", job.InRepr.String(),
		"to", res.Output.Repr.String(),
		"symmetric", job.Symmetric,
		"scale", res.Scale)
	return res, nil
}

type CompareJob struct {
	Reference  string
	Candidate  string
	Repr       tensor.Representation
	Convention memfmt.Convention
}

// RunCompare validates the candidate file against the reference file.
func (r *Runner) RunCompare(ctx context.Context, job CompareJob) (*validate.Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f := r.format(job.Repr, job.Convention)
	ref, err := memfmt.ReadFile(job.Reference, f)
	if err != nil {
		return nil, err
	}
	cand, err := memfmt.ReadFile(job.Candidate, f)
	if err != nil {
		return nil, err
	}
	rep, err := validate.Compare(ref, cand, r.Thresholds())
	if err != nil {
		return nil, err
	}
	logger.Log.Info("compared outputs",
		"reference", job.Reference,
		"candidate", job.Candidate,
		"pass", rep.Pass,
		"failed", rep.Failed())
	return rep, nil
}

type DumpJob struct {
	In         string
	Repr       tensor.Representation
	Convention memfmt.Convention
}

// RunDump writes the matrix in job.In as decimal text to w.
func (r *Runner) RunDump(ctx context.Context, job DumpJob, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m, err := memfmt.ReadFile(job.In, r.format(job.Repr, job.Convention))
	if err != nil {
		return err
	}
	return memfmt.DumpDecimal(w, m)
}

// RunExtract pulls packed words out of a simulator log into a memory file.
func (r *Runner) RunExtract(ctx context.Context, in, out string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	src, err := os.Open(in)
	if err != nil {
		return 0, &memfmt.FormatError{File: in, Err: memfmt.ErrUnreadable, Cause: err, Detail: err.Error()}
	}
	defer src.Close()

	dst, err := os.Create(out)
	if err != nil {
		return 0, &memfmt.FormatError{File: out, Err: memfmt.ErrUnwritable, Cause: err, Detail: err.Error()}
	}
	n, err := memfmt.ExtractWords(src, dst)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(out)
		return 0, fmt.Errorf("extract %s: %w", in, err)
	}
	logger.Log.Info("extracted words", "in", in, "out", out, "words", n)
	return n, nil
}

type ExportJob struct {
	In         string
	Repr       tensor.Representation
	Convention memfmt.Convention
	// Out is an Arrow IPC file path; empty skips the file.
	Out string
	// Publish also sends the record to the configured publisher.
	Publish bool
}

// RunExport converts a memory file into an Arrow record.
func (r *Runner) RunExport(ctx context.Context, job ExportJob) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m, err := memfmt.ReadFile(job.In, r.format(job.Repr, job.Convention))
	if err != nil {
		return err
	}
	if job.Out != "" {
		if err := r.writeIPC(job.Out, m); err != nil {
			return err
		}
		logger.Log.Info("exported arrow file", "in", job.In, "out", job.Out)
	}
	if job.Publish {
		if r.pub == nil {
			return fmt.Errorf("export %s: no publisher configured", job.In)
		}
		return r.publish(ctx, m)
	}
	return nil
}

func (r *Runner) writeIPC(path string, m *tensor.Matrix) error {
	fh, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export %s: %w", path, err)
	}
	rec := arrowsink.MatrixRecord(r.mem, m)
	defer rec.Release()

	err = arrowsink.WriteIPC(fh, r.mem, rec)
	if cerr := fh.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("export %s: %w", path, err)
	}
	return nil
}

// WriteReport writes rep as an Arrow IPC file.
func (r *Runner) WriteReport(path string, rep *validate.Report) error {
	fh, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("report %s: %w", path, err)
	}
	rec := arrowsink.ReportRecord(r.mem, rep)
	defer rec.Release()

	err = arrowsink.WriteIPC(fh, r.mem, rec)
	if cerr := fh.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("report %s: %w", path, err)
	}
	return nil
}

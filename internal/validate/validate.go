// Package validate compares a candidate attention output against a
// reference and thresholds five error metrics.
//
// Metrics are computed in native units: integer codes for fixed-point
// matrices, values for float matrices. Every check is evaluated on its own;
// the overall result is the conjunction.
package validate

import (
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/goccy/go-json"
	"github.com/samber/lo"
	"gonum.org/v1/gonum/floats"

	"github.com/23skdu/longbow-aura/internal/metrics"
	"github.com/23skdu/longbow-aura/internal/tensor"
)

const (
	MetricMAE          = "mae"
	MetricRMSE         = "rmse"
	MetricMaxAbsError  = "max_abs_error"
	MetricMeanRelError = "mean_rel_error"
	MetricTop1         = "top1_match_ratio"
)

// Thresholds bound each metric. The first four are upper bounds,
// Top1MatchRatio is a lower bound.
type Thresholds struct {
	MAE            float64 `json:"mae"`
	RMSE           float64 `json:"rmse"`
	MaxAbsError    float64 `json:"max_abs_error"`
	MeanRelError   float64 `json:"mean_rel_error"`
	Top1MatchRatio float64 `json:"top1_match_ratio"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		MAE:            3.0,
		RMSE:           5.0,
		MaxAbsError:    15,
		MeanRelError:   0.10,
		Top1MatchRatio: 0.95,
	}
}

// Check is one metric against its threshold.
type Check struct {
	Name      string  `json:"name"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	AtLeast   bool    `json:"at_least,omitempty"`
	Pass      bool    `json:"pass"`
}

func newCheck(name string, value, threshold float64, atLeast bool) Check {
	pass := value <= threshold
	if atLeast {
		pass = value >= threshold
	}
	return Check{Name: name, Value: value, Threshold: threshold, AtLeast: atLeast, Pass: pass}
}

type Report struct {
	Repr           string  `json:"repr"`
	Shape          string  `json:"shape"`
	Elements       int     `json:"elements"`
	MAE            float64 `json:"mae"`
	RMSE           float64 `json:"rmse"`
	MaxAbsError    float64 `json:"max_abs_error"`
	MeanRelError   float64 `json:"mean_rel_error"`
	RelElements    int     `json:"rel_elements"`
	Top1Matches    int     `json:"top1_matches"`
	Rows           int     `json:"rows"`
	Top1MatchRatio float64 `json:"top1_match_ratio"`
	Checks         []Check `json:"checks"`
	Pass           bool    `json:"pass"`
}

// Passed is true only when every check passed.
func (r *Report) Passed() bool {
	return lo.EveryBy(r.Checks, func(c Check) bool { return c.Pass })
}

// Failed lists the names of the failing checks.
func (r *Report) Failed() []string {
	return lo.FilterMap(r.Checks, func(c Check, _ int) (string, bool) { return c.Name, !c.Pass })
}

// Compare computes the report for candidate against reference.
func Compare(ref, cand *tensor.Matrix, th Thresholds) (*Report, error) {
	if ref == nil || cand == nil {
		return nil, errors.New("validate: nil matrix")
	}
	if err := tensor.CheckSameShape("compare", []string{"reference", "candidate"}, ref, cand); err != nil {
		return nil, err
	}
	if ref.Repr != cand.Repr {
		return nil, fmt.Errorf("validate: representation mismatch: reference %s, candidate %s", ref.Repr, cand.Repr)
	}
	start := time.Now()

	rv := ref.Values()
	cv := cand.Values()
	rep := &Report{
		Repr:     ref.Repr.String(),
		Shape:    ref.Shape.String(),
		Elements: len(rv),
		Rows:     ref.Rows,
	}

	if n := float64(len(rv)); n > 0 {
		rep.MAE = floats.Distance(cv, rv, 1) / n
		rep.RMSE = floats.Distance(cv, rv, 2) / math.Sqrt(n)
		rep.MaxAbsError = floats.Distance(cv, rv, math.Inf(1))
	}

	var sumRel float64
	for i, r := range rv {
		if r == 0 {
			continue
		}
		sumRel += math.Abs(cv[i]-r) / math.Abs(r)
		rep.RelElements++
	}
	if rep.RelElements > 0 {
		rep.MeanRelError = sumRel / float64(rep.RelElements)
	}

	if ref.Cols > 0 {
		for r := 0; r < ref.Rows; r++ {
			off, end := r*ref.Cols, (r+1)*ref.Cols
			if floats.MaxIdx(rv[off:end]) == floats.MaxIdx(cv[off:end]) {
				rep.Top1Matches++
			}
		}
	}
	if rep.Rows > 0 {
		rep.Top1MatchRatio = float64(rep.Top1Matches) / float64(rep.Rows)
	}

	rep.Checks = []Check{
		newCheck(MetricMAE, rep.MAE, th.MAE, false),
		newCheck(MetricRMSE, rep.RMSE, th.RMSE, false),
		newCheck(MetricMaxAbsError, rep.MaxAbsError, th.MaxAbsError, false),
		newCheck(MetricMeanRelError, rep.MeanRelError, th.MeanRelError, false),
		newCheck(MetricTop1, rep.Top1MatchRatio, th.Top1MatchRatio, true),
	}
	rep.Pass = rep.Passed()

	for _, c := range rep.Checks {
		metrics.RecordValidationCheck(c.Name, c.Value, c.Pass)
	}
	metrics.RecordValidationRun(rep.Pass)
	metrics.RecordStage("compare", time.Since(start))
	return rep, nil
}

var labels = map[string]string{
	MetricMAE:          "MAE           ",
	MetricRMSE:         "RMSE          ",
	MetricMaxAbsError:  "Max abs error ",
	MetricMeanRelError: "Mean rel error",
}

// WriteText prints the report as the console table used by the comparison
// tools.
func (r *Report) WriteText(w io.Writer) error {
	ew := &errWriter{w: w}
	ew.printf("===== Comparison Metrics =====\n")
	ew.printf("Total elements: %d\n", r.Elements)
	for _, c := range r.Checks {
		if c.Name == MetricTop1 {
			ew.printf("Top-1 row match: %d / %d (%.4g)  --> %s\n", r.Top1Matches, r.Rows, c.Value, verdict(c.Pass))
			continue
		}
		ew.printf("%s: %.6g  --> %s\n", labels[c.Name], c.Value, verdict(c.Pass))
	}
	ew.printf("Overall: %s\n", verdict(r.Pass))
	return ew.err
}

func (r *Report) MarshalIndent() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// WriteJSON writes the report as a single JSON document.
func (r *Report) WriteJSON(w io.Writer) error {
	data, err := r.MarshalIndent()
	if err != nil {
		return fmt.Errorf("validate: encode report: %w", err)
	}
	_, err = w.Write(append(data, '\n'))
	return err
}

func verdict(pass bool) string {
	if pass {
		return "PASS"
	}
	return "FAIL"
}

type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) printf(format string, args ...any) {
	if e.err != nil {
		return
	}
	_, e.err = fmt.Fprintf(e.w, format, args...)
}

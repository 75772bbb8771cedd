package attention

import (
	"math"

	"github.com/23skdu/longbow-aura/internal/metrics"
	"github.com/23skdu/longbow-aura/internal/quant"
	"github.com/23skdu/longbow-aura/internal/tensor"
)

// ScoresReal writes score[j] = (q . k[j]) * scale for every key row of the
// row-major matrix k, summing in float32 in ascending column order.
func ScoresReal(q, k []float32, cols int, scale float32, dst []float32) {
	for j := range dst {
		kr := k[j*cols : (j+1)*cols]
		var s float32
		for d, qv := range q {
			s += qv * kr[d]
		}
		dst[j] = s * scale
	}
}

// SoftmaxReal normalizes scores into weights with a float32 exponential
// after subtracting the row maximum. It reports whether the denominator
// had to be replaced by FloorDenominator.
func SoftmaxReal(scores, weights []float32) (floored bool) {
	if len(scores) == 0 {
		return false
	}
	maxScore := scores[0]
	for _, s := range scores[1:] {
		if s > maxScore {
			maxScore = s
		}
	}
	var sum float32
	for j, s := range scores {
		w := float32(math.Exp(float64(s - maxScore)))
		weights[j] = w
		sum += w
	}
	if sum == 0 {
		sum = FloorDenominator
		floored = true
	}
	for j := range weights {
		weights[j] /= sum
	}
	return floored
}

// WeightedSumReal writes dst[d] = sum_j weights[j]*v[j][d], ascending j.
func WeightedSumReal(weights, v []float32, cols int, dst []float32) {
	clear(dst)
	for j, w := range weights {
		vr := v[j*cols : (j+1)*cols]
		for d := range dst {
			dst[d] += w * vr[d]
		}
	}
}

// realShared holds K and V as real float32 values. For fixed inputs the
// division by a power-of-two scale is exact, so the products match the
// de-scaled integer products bit for bit.
type realShared struct {
	q, out *tensor.Matrix
	k, v   []float32
	scale  float32
}

func newRealShared(q, k, v, out *tensor.Matrix) *realShared {
	return &realShared{
		q:     q,
		out:   out,
		k:     realValues(k),
		v:     realValues(v),
		scale: 1 / float32(math.Sqrt(float64(q.Cols))),
	}
}

func realValues(m *tensor.Matrix) []float32 {
	if !m.Repr.IsFixed() {
		return m.F32
	}
	vals := make([]float32, m.Len())
	for r := 0; r < m.Rows; r++ {
		m.RealRow(r, vals[r*m.Cols:(r+1)*m.Cols])
	}
	return vals
}

func (s *realShared) kernel() rowKernel {
	return &realKernel{
		realShared: s,
		qRow:       make([]float32, s.q.Cols),
		scores:     make([]float32, s.q.Rows),
		weights:    make([]float32, s.q.Rows),
		acc:        make([]float32, s.q.Cols),
	}
}

type realKernel struct {
	*realShared
	qRow    []float32
	scores  []float32
	weights []float32
	acc     []float32
}

func (rk *realKernel) row(i int) {
	cols := rk.q.Cols
	rk.q.RealRow(i, rk.qRow)
	ScoresReal(rk.qRow, rk.k, cols, rk.scale, rk.scores)
	if SoftmaxReal(rk.scores, rk.weights) {
		metrics.RecordSoftmaxFloor(ModeReal.String())
	}
	WeightedSumReal(rk.weights, rk.v, cols, rk.acc)

	if !rk.out.Repr.IsFixed() {
		copy(rk.out.F32Row(i), rk.acc)
		return
	}
	dst := rk.out.RawRow(i)
	for d, a := range rk.acc {
		dst[d] = quant.Requantize(float64(a), rk.out.Repr)
	}
}

package attention

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-aura/internal/metrics"
	"github.com/23skdu/longbow-aura/internal/quant"
	"github.com/23skdu/longbow-aura/internal/tensor"
)

// SoftmaxDouble is SoftmaxReal in float64.
func SoftmaxDouble(scores, weights []float64) (floored bool) {
	if len(scores) == 0 {
		return false
	}
	maxScore := floats.Max(scores)
	var sum float64
	for j, s := range scores {
		w := math.Exp(s - maxScore)
		weights[j] = w
		sum += w
	}
	if sum == 0 {
		sum = FloorDenominator
		floored = true
	}
	floats.Scale(1/sum, weights)
	return floored
}

type doubleShared struct {
	q, k, v *mat.Dense
	out     *tensor.Matrix
	scale   float64
}

func newDoubleShared(q, k, v, out *tensor.Matrix) *doubleShared {
	return &doubleShared{
		q:     denseReal(q),
		k:     denseReal(k),
		v:     denseReal(v),
		out:   out,
		scale: 1 / math.Sqrt(float64(q.Cols)),
	}
}

func denseReal(m *tensor.Matrix) *mat.Dense {
	data := make([]float64, m.Len())
	for r := 0; r < m.Rows; r++ {
		for c := 0; c < m.Cols; c++ {
			data[r*m.Cols+c] = m.Real(r, c)
		}
	}
	return mat.NewDense(m.Rows, m.Cols, data)
}

func (s *doubleShared) kernel() rowKernel {
	rows, cols := s.q.Dims()
	return &doubleKernel{
		doubleShared: s,
		scores:       make([]float64, rows),
		weights:      make([]float64, rows),
		acc:          make([]float64, cols),
	}
}

type doubleKernel struct {
	*doubleShared
	scores  []float64
	weights []float64
	acc     []float64
}

func (dk *doubleKernel) row(i int) {
	qRow := dk.q.RawRowView(i)
	for j := range dk.scores {
		dk.scores[j] = floats.Dot(qRow, dk.k.RawRowView(j)) * dk.scale
	}
	if SoftmaxDouble(dk.scores, dk.weights) {
		metrics.RecordSoftmaxFloor(ModeDouble.String())
	}
	clear(dk.acc)
	for j, w := range dk.weights {
		floats.AddScaled(dk.acc, w, dk.v.RawRowView(j))
	}

	if !dk.out.Repr.IsFixed() {
		dst := dk.out.F32Row(i)
		for d, a := range dk.acc {
			dst[d] = float32(a)
		}
		return
	}
	dst := dk.out.RawRow(i)
	for d, a := range dk.acc {
		dst[d] = quant.Requantize(a, dk.out.Repr)
	}
}

package attention

import (
	"github.com/23skdu/longbow-aura/internal/metrics"
	"github.com/23skdu/longbow-aura/internal/tensor"
)

// ScoresInteger writes score[j] = (q . k[j]) * dotScale / cols using raw
// signed codes. The division truncates toward zero.
func ScoresInteger(q, k []int32, cols int, dotScale int64, dst []int64) {
	for j := range dst {
		kr := k[j*cols : (j+1)*cols]
		var acc int64
		for d, qv := range q {
			acc += int64(qv) * int64(kr[d])
		}
		dst[j] = acc * dotScale / int64(cols)
	}
}

// SoftmaxInteger is the hardware softmax. With diff = score - max, the
// exponential is ExpOne >> (-diff/ExpStep), or 0 below -ExpCutoff, and each
// weight is e*WeightMax/sum capped at WeightMax. A zero sum is replaced by 1.
func SoftmaxInteger(scores, weights []int64, p IntegerParams) (floored bool) {
	if len(scores) == 0 {
		return false
	}
	maxScore := scores[0]
	for _, s := range scores[1:] {
		maxScore = max(maxScore, s)
	}
	var sum int64
	for j, s := range scores {
		diff := s - maxScore
		var e int64
		if diff >= -p.ExpCutoff {
			e = p.ExpOne >> uint64(-diff/p.ExpStep)
		}
		weights[j] = e
		sum += e
	}
	if sum == 0 {
		sum = 1
		floored = true
	}
	for j, e := range weights {
		weights[j] = min(p.WeightMax, e*p.WeightMax/sum)
	}
	return floored
}

// WeightedSumInteger writes dst[d] = sum_j (weights[j]*v[j][d]) >> shift,
// ascending j. The shift is arithmetic, so negative products round down.
func WeightedSumInteger(weights []int64, v []int32, cols int, shift uint, dst []int64) {
	clear(dst)
	for j, w := range weights {
		vr := v[j*cols : (j+1)*cols]
		for d := range dst {
			dst[d] += (w * int64(vr[d])) >> shift
		}
	}
}

type integerShared struct {
	q, k, v, out *tensor.Matrix
	p            IntegerParams
}

func (s *integerShared) kernel() rowKernel {
	return &integerKernel{
		integerShared: s,
		scores:        make([]int64, s.q.Rows),
		weights:       make([]int64, s.q.Rows),
		acc:           make([]int64, s.q.Cols),
	}
}

type integerKernel struct {
	*integerShared
	scores  []int64
	weights []int64
	acc     []int64
}

func (ik *integerKernel) row(i int) {
	cols := ik.q.Cols
	ScoresInteger(ik.q.RawRow(i), ik.k.Raw, cols, ik.p.DotScale, ik.scores)
	if SoftmaxInteger(ik.scores, ik.weights, ik.p) {
		metrics.RecordSoftmaxFloor(ModeInteger.String())
	}
	WeightedSumInteger(ik.weights, ik.v.Raw, cols, ik.p.WeightShift, ik.acc)

	// The accumulator is already in output code units.
	repr := ik.out.Repr
	dst := ik.out.RawRow(i)
	for d, a := range ik.acc {
		dst[d] = int32(min(max(a, int64(repr.Min)), int64(repr.Max)))
	}
}

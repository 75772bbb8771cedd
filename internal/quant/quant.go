// Package quant converts between float and signed fixed-point codes.
//
// Every function is element-wise and deterministic: multiply by the
// fixed-point scale, round half away from zero, saturate to the signed range
// of the target width.
package quant

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-aura/internal/tensor"
)

// SymmetricEpsilon replaces a zero per-tensor scale.
const SymmetricEpsilon = 1e-8

// FloatToFixed converts v to a Q0.fracBits code. The result saturates to
// [-2^fracBits, 2^fracBits-1], so fracBits=7 yields an 8-bit code.
func FloatToFixed(v float64, fracBits int) int32 {
	lo := -float64(int64(1) << uint(fracBits))
	hi := float64(int64(1)<<uint(fracBits)) - 1
	return saturate(v*math.Ldexp(1, fracBits), lo, hi)
}

// FixedToFloat converts a Q0.fracBits code back to a real value.
func FixedToFloat(q int32, fracBits int) float64 {
	return math.Ldexp(float64(q), -fracBits)
}

// Requantize rounds the real value v into the code space of r.
func Requantize(v float64, r tensor.Representation) int32 {
	return saturate(v*r.Scale(), float64(r.Min), float64(r.Max))
}

func saturate(scaled, lo, hi float64) int32 {
	if math.IsNaN(scaled) {
		return 0
	}
	q := math.Round(scaled)
	if q > hi {
		q = hi
	}
	if q < lo {
		q = lo
	}
	return int32(q)
}

// Convert re-encodes m in representation to. Fixed to float divides by the
// source scale; float to fixed rounds and saturates; fixed to fixed goes
// through the real value.
func Convert(m *tensor.Matrix, to tensor.Representation) (*tensor.Matrix, error) {
	if m == nil {
		return nil, fmt.Errorf("quant: nil matrix")
	}
	out := tensor.NewMatrix(m.Shape, to)
	switch {
	case m.Repr == to && to.IsFixed():
		copy(out.Raw, m.Raw)
	case m.Repr == to:
		copy(out.F32, m.F32)
	case to.IsFixed():
		for i := 0; i < m.Len(); i++ {
			out.Raw[i] = Requantize(m.Real(i/m.Cols, i%m.Cols), to)
		}
	default:
		for i := 0; i < m.Len(); i++ {
			out.F32[i] = float32(m.Real(i/m.Cols, i%m.Cols))
		}
	}
	return out, nil
}

// PerTensorSymmetricQuantize maps m onto Q0.7 codes with a single scale
// max(|x|)/127. The returned matrix is tagged Q0_7 but its real value is
// code*scale, not code/128.
func PerTensorSymmetricQuantize(m *tensor.Matrix) (*tensor.Matrix, float32, error) {
	if m == nil {
		return nil, 0, fmt.Errorf("quant: nil matrix")
	}
	var maxAbs float64
	for r := 0; r < m.Rows; r++ {
		for c := 0; c < m.Cols; c++ {
			maxAbs = math.Max(maxAbs, math.Abs(m.Real(r, c)))
		}
	}
	scale := float32(maxAbs / 127)
	if scale == 0 {
		scale = SymmetricEpsilon
	}

	out := tensor.NewMatrix(m.Shape, tensor.Q0_7)
	for r := 0; r < m.Rows; r++ {
		for c := 0; c < m.Cols; c++ {
			out.Raw[r*m.Cols+c] = saturate(m.Real(r, c)/float64(scale), -128, 127)
		}
	}
	return out, scale, nil
}

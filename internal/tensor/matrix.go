package tensor

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
)

// Shape is the fixed Rows x Cols grid of a matrix.
type Shape struct {
	Rows int
	Cols int
}

func (s Shape) String() string {
	return fmt.Sprintf("[%d,%d]", s.Rows, s.Cols)
}

// Len is Rows*Cols.
func (s Shape) Len() int {
	return s.Rows * s.Cols
}

// Matrix is a row-major grid of elements in a single representation.
// Float matrices keep their elements in F32; fixed-point matrices keep the
// signed integer codes in Raw. Exactly one of the two slices is populated.
type Matrix struct {
	Shape
	Repr Representation
	F32  []float32
	Raw  []int32
}

// NewMatrix allocates a zeroed matrix.
func NewMatrix(shape Shape, repr Representation) *Matrix {
	m := &Matrix{Shape: shape, Repr: repr}
	if repr.IsFixed() {
		m.Raw = make([]int32, shape.Len())
	} else {
		m.F32 = make([]float32, shape.Len())
	}
	return m
}

// FromFloat32 wraps data as a float32 matrix. data is not copied.
func FromFloat32(shape Shape, data []float32) (*Matrix, error) {
	if len(data) != shape.Len() {
		return nil, fmt.Errorf("tensor: %d values for shape %s", len(data), shape)
	}
	return &Matrix{Shape: shape, Repr: Float32, F32: data}, nil
}

// FromRaw wraps signed fixed-point codes. Codes outside the representation
// range are rejected.
func FromRaw(shape Shape, repr Representation, data []int32) (*Matrix, error) {
	if !repr.IsFixed() {
		return nil, fmt.Errorf("tensor: raw codes need a fixed representation, got %s", repr)
	}
	if len(data) != shape.Len() {
		return nil, fmt.Errorf("tensor: %d values for shape %s", len(data), shape)
	}
	for i, v := range data {
		if v < repr.Min || v > repr.Max {
			return nil, fmt.Errorf("tensor: code %d at index %d outside %s range [%d,%d]", v, i, repr, repr.Min, repr.Max)
		}
	}
	return &Matrix{Shape: shape, Repr: repr, Raw: data}, nil
}

// Value returns the element in native units: the float value for float
// matrices, the integer code for fixed matrices.
func (m *Matrix) Value(r, c int) float64 {
	idx := r*m.Cols + c
	if m.Repr.IsFixed() {
		return float64(m.Raw[idx])
	}
	return float64(m.F32[idx])
}

// Real returns the element as a real number (code / scale for fixed).
func (m *Matrix) Real(r, c int) float64 {
	idx := r*m.Cols + c
	if m.Repr.IsFixed() {
		return float64(m.Raw[idx]) / m.Repr.Scale()
	}
	return float64(m.F32[idx])
}

// RealRow fills dst with row i as real float32 values. Division by a power
// of two scale is exact, so no rounding is introduced for fixed inputs.
func (m *Matrix) RealRow(i int, dst []float32) {
	off := i * m.Cols
	if !m.Repr.IsFixed() {
		copy(dst, m.F32[off:off+m.Cols])
		return
	}
	scale := float32(m.Repr.Scale())
	for c := 0; c < m.Cols; c++ {
		dst[c] = float32(m.Raw[off+c]) / scale
	}
}

// RawRow returns row i of a fixed matrix without copying.
func (m *Matrix) RawRow(i int) []int32 {
	return m.Raw[i*m.Cols : (i+1)*m.Cols]
}

// F32Row returns row i of a float matrix without copying.
func (m *Matrix) F32Row(i int) []float32 {
	return m.F32[i*m.Cols : (i+1)*m.Cols]
}

// Values returns every element in native units, row-major.
func (m *Matrix) Values() []float64 {
	out := make([]float64, m.Len())
	if m.Repr.IsFixed() {
		for i, v := range m.Raw {
			out[i] = float64(v)
		}
		return out
	}
	for i, v := range m.F32 {
		out[i] = float64(v)
	}
	return out
}

// SetRaw stores a fixed-point code, saturating to the representation range.
func (m *Matrix) SetRaw(r, c int, v int32) {
	v = max(v, m.Repr.Min)
	v = min(v, m.Repr.Max)
	m.Raw[r*m.Cols+c] = v
}

// SetFloat stores a float element.
func (m *Matrix) SetFloat(r, c int, v float32) {
	m.F32[r*m.Cols+c] = v
}

// Equal reports bit-level equality, so a NaN in the same slot with the same
// payload compares equal.
func (m *Matrix) Equal(o *Matrix) bool {
	if m.Shape != o.Shape || m.Repr != o.Repr {
		return false
	}
	if m.Repr.IsFixed() {
		for i := range m.Raw {
			if m.Raw[i] != o.Raw[i] {
				return false
			}
		}
		return true
	}
	for i := range m.F32 {
		if math.Float32bits(m.F32[i]) != math.Float32bits(o.F32[i]) {
			return false
		}
	}
	return true
}

// Fingerprint hashes the representation, shape and element bit patterns.
// Two runs that produce the same fingerprint produced bit-identical output.
func (m *Matrix) Fingerprint() uint64 {
	d := xxhash.New()
	hdr := make([]byte, 0, 16)
	hdr = binary.LittleEndian.AppendUint32(hdr, uint32(m.Repr.Kind))
	hdr = binary.LittleEndian.AppendUint32(hdr, uint32(m.Repr.FracBits))
	hdr = binary.LittleEndian.AppendUint32(hdr, uint32(m.Rows))
	hdr = binary.LittleEndian.AppendUint32(hdr, uint32(m.Cols))
	_, _ = d.Write(hdr)

	buf := make([]byte, 0, 4*m.Cols)
	for r := 0; r < m.Rows; r++ {
		buf = buf[:0]
		if m.Repr.IsFixed() {
			for _, v := range m.RawRow(r) {
				buf = binary.LittleEndian.AppendUint32(buf, uint32(v))
			}
		} else {
			for _, v := range m.F32Row(r) {
				buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
			}
		}
		_, _ = d.Write(buf)
	}
	return d.Sum64()
}

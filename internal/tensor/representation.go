package tensor

import (
	"fmt"
	"strings"
)

// Kind tags the element encoding of a matrix.
type Kind int

const (
	KindFloat32 Kind = iota
	KindFixed8
	KindFixed16
)

func (k Kind) String() string {
	switch k {
	case KindFloat32:
		return "float32"
	case KindFixed8:
		return "fixed8"
	case KindFixed16:
		return "fixed16"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Representation describes how an element is stored and how it saturates.
// For fixed kinds Min and Max bound the signed integer code; for float they
// are unused.
type Representation struct {
	Kind     Kind
	FracBits int
	Min      int32
	Max      int32
}

var (
	Float32 = Representation{Kind: KindFloat32}
	Q0_7    = Representation{Kind: KindFixed8, FracBits: 7, Min: -128, Max: 127}
	Q0_15   = Representation{Kind: KindFixed16, FracBits: 15, Min: -32768, Max: 32767}
)

// IsFixed reports whether elements are stored as signed integer codes.
func (r Representation) IsFixed() bool {
	return r.Kind != KindFloat32
}

// Scale returns the fixed-point scale factor 2^FracBits (128 for Q0.7,
// 32768 for Q0.15) and 1 for float.
func (r Representation) Scale() float64 {
	if !r.IsFixed() {
		return 1
	}
	return float64(int64(1) << uint(r.FracBits))
}

// ElemsPerWord is the number of elements carried by one hex word of the
// memory format: a float32 word holds one element, a packed 64-bit word
// holds eight Q0.7 or four Q0.15 elements.
func (r Representation) ElemsPerWord() int {
	switch r.Kind {
	case KindFixed8:
		return 8
	case KindFixed16:
		return 4
	default:
		return 1
	}
}

// Bits is the storage width of one element.
func (r Representation) Bits() int {
	switch r.Kind {
	case KindFixed8:
		return 8
	case KindFixed16:
		return 16
	default:
		return 32
	}
}

func (r Representation) String() string {
	switch r.Kind {
	case KindFloat32:
		return "fp32"
	case KindFixed8, KindFixed16:
		return fmt.Sprintf("q0.%d", r.FracBits)
	default:
		return r.Kind.String()
	}
}

// ParseRepresentation maps a user-facing name onto one of the predefined
// representations.
func ParseRepresentation(name string) (Representation, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "fp32", "float32", "float", "f32":
		return Float32, nil
	case "q0.7", "fixed8", "int8", "f8", "i8":
		return Q0_7, nil
	case "q0.15", "fixed16", "int16", "f16", "i16":
		return Q0_15, nil
	default:
		return Representation{}, fmt.Errorf("unknown representation %q (want fp32, q0.7 or q0.15)", name)
	}
}

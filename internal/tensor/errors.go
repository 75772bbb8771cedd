package tensor

import (
	"errors"
	"fmt"
	"strings"
)

// ErrDimensionMismatch is returned whenever two matrices that must share a
// shape do not.
var ErrDimensionMismatch = errors.New("tensor: dimension mismatch")

// DimensionError carries both offending shapes. It matches
// ErrDimensionMismatch under errors.Is.
type DimensionError struct {
	Op    string
	Names [2]string
	Got   [2]Shape
}

func (e *DimensionError) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(" ")
	}
	fmt.Fprintf(&b, "dimension mismatch: %s%s != %s%s", e.Names[0], e.Got[0], e.Names[1], e.Got[1])
	return b.String()
}

func (e *DimensionError) Unwrap() error {
	return ErrDimensionMismatch
}

// CheckSameShape verifies that every matrix shares the shape of the first
// one. names labels the matrices in the error message and must have the
// same length as ms.
func CheckSameShape(op string, names []string, ms ...*Matrix) error {
	if len(ms) == 0 {
		return nil
	}
	first := ms[0].Shape
	for i := 1; i < len(ms); i++ {
		if ms[i].Shape != first {
			return &DimensionError{
				Op:    op,
				Names: [2]string{names[0], names[i]},
				Got:   [2]Shape{first, ms[i].Shape},
			}
		}
	}
	return nil
}

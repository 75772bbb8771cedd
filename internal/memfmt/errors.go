package memfmt

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnreadable covers a missing file, an I/O failure or a corrupt
	// compressed stream.
	ErrUnreadable = errors.New("memfmt: unreadable source")

	// ErrUnwritable is returned when the output could not be persisted. No
	// file is left at the destination path in that case.
	ErrUnwritable = errors.New("memfmt: unwritable destination")

	// ErrNonHex flags a token that is not a whole run of hex digits of the
	// expected width.
	ErrNonHex = errors.New("memfmt: non-hex token")

	// ErrElementCount flags a decoded element or line count that does not
	// match the configured shape.
	ErrElementCount = errors.New("memfmt: element count mismatch")

	// ErrShape flags a matrix shape the packed framing cannot express.
	ErrShape = errors.New("memfmt: shape not encodable")
)

// FormatError names the offending file and, when known, the 1-based line.
// It unwraps to one of the sentinel errors above and to the underlying
// cause, if any.
type FormatError struct {
	File   string
	Line   int
	Err    error
	Detail string
	Cause  error
}

func (e *FormatError) Error() string {
	var b strings.Builder
	b.WriteString(e.Err.Error())
	b.WriteString(": ")
	if e.File == "" {
		b.WriteString("<stream>")
	} else {
		b.WriteString(e.File)
	}
	if e.Line > 0 {
		fmt.Fprintf(&b, ":%d", e.Line)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	return b.String()
}

func (e *FormatError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

// Kind returns a short label for the sentinel, used as a metrics label.
func (e *FormatError) Kind() string {
	switch e.Err {
	case ErrUnreadable:
		return "unreadable"
	case ErrUnwritable:
		return "unwritable"
	case ErrNonHex:
		return "non_hex"
	case ErrElementCount:
		return "element_count"
	case ErrShape:
		return "shape"
	default:
		return "other"
	}
}

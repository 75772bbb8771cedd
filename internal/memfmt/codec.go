// Package memfmt reads and writes the packed hex-text matrix files exchanged
// with the RTL testbench.
//
// Three element encodings share the same text framing, one hex word per line:
//
//	fp32   8 hex chars per element, bytes in memory order (little-endian)
//	q0.7   16 hex chars per line, 8 signed bytes, element 0 in the low byte
//	q0.15  16 hex chars per line, 4 signed halfwords, element 0 in bits [0:16)
//
// Q0.7 files written by older tooling use a flat unpacked byte stream
// instead; Decode accepts both, Encode always emits the packed form.
package memfmt

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"unicode"

	"github.com/23skdu/longbow-aura/internal/tensor"
)

// Convention selects the Q0.7 line layout on decode.
type Convention int

const (
	// Fixed8Packed reads one 64-bit word per line, element 0 in the least
	// significant byte.
	Fixed8Packed Convention = iota
	// Fixed8Unpacked reads each line as a left-to-right run of two-digit
	// signed bytes, element 0 first.
	Fixed8Unpacked
)

func (c Convention) String() string {
	switch c {
	case Fixed8Packed:
		return "packed"
	case Fixed8Unpacked:
		return "unpacked"
	default:
		return fmt.Sprintf("convention(%d)", int(c))
	}
}

// ParseConvention accepts "packed" or "unpacked".
func ParseConvention(s string) (Convention, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "packed", "lsb", "lsb-first":
		return Fixed8Packed, nil
	case "unpacked", "flat", "msb", "msb-first":
		return Fixed8Unpacked, nil
	default:
		return 0, fmt.Errorf("unknown q0.7 convention %q (want packed or unpacked)", s)
	}
}

// Format fully describes a file: element encoding, q0.7 convention and the
// expected shape.
type Format struct {
	Repr       tensor.Representation
	Convention Convention
	Shape      tensor.Shape
}

const (
	float32HexChars = 8
	packedHexChars  = 16
	floatsPerLine   = 8
	maxLineBytes    = 16 << 20
)

// Decode parses a whole stream into a matrix of f.Shape. name is used only
// in error messages.
func Decode(r io.Reader, name string, f Format) (*tensor.Matrix, error) {
	d := &decoder{name: name, f: f, m: tensor.NewMatrix(f.Shape, f.Repr)}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		d.line++
		if err := d.decodeLine(sc.Text()); err != nil {
			return nil, err
		}
	}
	if err := sc.Err(); err != nil {
		return nil, &FormatError{File: name, Line: d.line, Err: ErrUnreadable, Cause: err, Detail: err.Error()}
	}

	want := f.Shape.Len()
	if d.n != want {
		return nil, &FormatError{
			File:   name,
			Err:    ErrElementCount,
			Detail: fmt.Sprintf("decoded %d %s elements over %d lines, want %d for shape %s", d.n, f.Repr, d.words, want, f.Shape),
		}
	}
	return d.m, nil
}

type decoder struct {
	name  string
	f     Format
	m     *tensor.Matrix
	n     int
	line  int
	words int
}

func (d *decoder) fail(err error, format string, args ...any) error {
	return &FormatError{File: d.name, Line: d.line, Err: err, Detail: fmt.Sprintf(format, args...)}
}

func (d *decoder) decodeLine(raw string) error {
	switch {
	case d.f.Repr.Kind == tensor.KindFloat32:
		return d.decodeFloatLine(stripSpace(raw))
	case d.f.Repr.Kind == tensor.KindFixed8 && d.f.Convention == Fixed8Unpacked:
		return d.decodeUnpackedLine(stripSpace(raw))
	default:
		return d.decodePackedLine(strings.TrimSpace(raw))
	}
}

func (d *decoder) room(k int) error {
	if d.n+k > d.f.Shape.Len() {
		return d.fail(ErrElementCount, "more than %d elements for shape %s", d.f.Shape.Len(), d.f.Shape)
	}
	return nil
}

// decodeFloatLine reverses each 4-byte group before reinterpreting the bits:
// the text holds the bytes in memory order, so reading them little-endian
// recovers the IEEE-754 pattern.
func (d *decoder) decodeFloatLine(s string) error {
	if s == "" {
		return nil
	}
	if len(s)%float32HexChars != 0 {
		return d.fail(ErrNonHex, "%d hex chars is not a whole number of fp32 words", len(s))
	}
	var word [4]byte
	for i := 0; i < len(s); i += float32HexChars {
		if _, err := hex.Decode(word[:], []byte(s[i:i+float32HexChars])); err != nil {
			return d.fail(ErrNonHex, "%q: %v", s[i:i+float32HexChars], err)
		}
		if err := d.room(1); err != nil {
			return err
		}
		d.m.F32[d.n] = math.Float32frombits(binary.LittleEndian.Uint32(word[:]))
		d.n++
		d.words++
	}
	return nil
}

func (d *decoder) decodeUnpackedLine(s string) error {
	if s == "" {
		return nil
	}
	if len(s)%2 != 0 {
		return d.fail(ErrNonHex, "odd number of hex digits (%d)", len(s))
	}
	buf, err := hex.DecodeString(s)
	if err != nil {
		return d.fail(ErrNonHex, "%v", err)
	}
	if err := d.room(len(buf)); err != nil {
		return err
	}
	for _, b := range buf {
		d.m.Raw[d.n] = int32(int8(b))
		d.n++
	}
	d.words++
	return nil
}

func (d *decoder) decodePackedLine(tok string) error {
	if tok == "" {
		return nil
	}
	if len(tok) > packedHexChars {
		return d.fail(ErrNonHex, "%d hex chars exceeds one 64-bit word", len(tok))
	}
	w, err := strconv.ParseUint(tok, 16, 64)
	if err != nil {
		return d.fail(ErrNonHex, "%q is not a hex word", tok)
	}
	per := d.f.Repr.ElemsPerWord()
	if d.n+per > d.f.Shape.Len() {
		return d.fail(ErrElementCount, "more than %d lines for shape %s", d.f.Shape.Len()/per, d.f.Shape)
	}
	unpackWord(w, d.f.Repr, d.m.Raw[d.n:d.n+per])
	d.n += per
	d.words++
	return nil
}

// unpackWord splits a 64-bit word into signed elements, element 0 in the
// least significant lane.
func unpackWord(w uint64, repr tensor.Representation, dst []int32) {
	switch repr.Kind {
	case tensor.KindFixed8:
		for b := range dst {
			dst[b] = int32(int8(w >> (8 * b)))
		}
	case tensor.KindFixed16:
		for e := range dst {
			dst[e] = int32(int16(w >> (16 * e)))
		}
	}
}

// packWord is the inverse of unpackWord.
func packWord(src []int32, repr tensor.Representation) uint64 {
	var w uint64
	switch repr.Kind {
	case tensor.KindFixed8:
		for b, v := range src {
			w |= uint64(uint8(v)) << (8 * b)
		}
	case tensor.KindFixed16:
		for e, v := range src {
			w |= uint64(uint16(v)) << (16 * e)
		}
	}
	return w
}

func stripSpace(s string) string {
	if strings.IndexFunc(s, unicode.IsSpace) < 0 {
		return s
	}
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

// Encode writes m in the packed framing of its representation. Q0.7 is
// always written LSB-first packed, whatever convention it was read with.
func Encode(w io.Writer, m *tensor.Matrix) error {
	return encode(w, "", m)
}

func encode(w io.Writer, name string, m *tensor.Matrix) error {
	bw := bufio.NewWriter(w)
	var err error
	if m.Repr.IsFixed() {
		err = encodePacked(bw, name, m)
	} else {
		err = encodeFloat(bw, m)
	}
	if err != nil {
		return err
	}
	return bw.Flush()
}

func encodeFloat(bw *bufio.Writer, m *tensor.Matrix) error {
	var word [4]byte
	var text [float32HexChars]byte
	for r := 0; r < m.Rows; r++ {
		row := m.F32Row(r)
		for c, v := range row {
			binary.LittleEndian.PutUint32(word[:], math.Float32bits(v))
			hex.Encode(text[:], word[:])
			if _, err := bw.Write(upper(text[:])); err != nil {
				return err
			}
			if (c+1)%floatsPerLine == 0 || c == len(row)-1 {
				if err := bw.WriteByte('\n'); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func encodePacked(bw *bufio.Writer, name string, m *tensor.Matrix) error {
	per := m.Repr.ElemsPerWord()
	if m.Cols%per != 0 {
		return &FormatError{File: name, Err: ErrShape, Detail: fmt.Sprintf("%d columns do not fill %s words of %d elements", m.Cols, m.Repr, per)}
	}
	for r := 0; r < m.Rows; r++ {
		row := m.RawRow(r)
		for l := 0; l < m.Cols; l += per {
			if _, err := fmt.Fprintf(bw, "%016X\n", packWord(row[l:l+per], m.Repr)); err != nil {
				return err
			}
		}
	}
	return nil
}

func upper(b []byte) []byte {
	for i, c := range b {
		if c >= 'a' && c <= 'f' {
			b[i] = c - 'a' + 'A'
		}
	}
	return b
}

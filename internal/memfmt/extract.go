package memfmt

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/23skdu/longbow-aura/internal/tensor"
)

var wordPattern = regexp.MustCompile(`\b([0-9a-fA-F]{16})\b`)

// ExtractWords copies the first standalone 64-bit hex word of every line of
// a simulator log to w, lower-cased, one per line. Lines without a word are
// skipped. It returns the number of words written.
func ExtractWords(r io.Reader, w io.Writer) (int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	bw := bufio.NewWriter(w)
	n := 0
	for sc.Scan() {
		m := wordPattern.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		if _, err := bw.WriteString(strings.ToLower(m[1]) + "\n"); err != nil {
			return n, err
		}
		n++
	}
	if err := sc.Err(); err != nil {
		return n, &FormatError{Err: ErrUnreadable, Cause: err, Detail: err.Error()}
	}
	return n, bw.Flush()
}

// DumpDecimal writes one line per matrix row with the real value of every
// element, six decimals, comma separated.
func DumpDecimal(w io.Writer, m *tensor.Matrix) error {
	bw := bufio.NewWriter(w)
	buf := make([]byte, 0, 16*m.Cols)
	for r := 0; r < m.Rows; r++ {
		buf = buf[:0]
		for c := 0; c < m.Cols; c++ {
			if c > 0 {
				buf = append(buf, ", "...)
			}
			buf = strconv.AppendFloat(buf, m.Real(r, c), 'f', 6, 64)
		}
		buf = append(buf, '\n')
		if _, err := bw.Write(buf); err != nil {
			return fmt.Errorf("dump row %d: %w", r, err)
		}
	}
	return bw.Flush()
}

package memfmt

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/23skdu/longbow-aura/internal/logger"
	"github.com/23skdu/longbow-aura/internal/metrics"
	"github.com/23skdu/longbow-aura/internal/tensor"
)

// ZstdSuffix marks files that are transparently zstd-compressed.
const ZstdSuffix = ".zst"

// ReadFile decodes the file at path. A trailing .zst selects zstd
// decompression.
func ReadFile(path string, f Format) (*tensor.Matrix, error) {
	start := time.Now()
	m, n, err := readFile(path, f)
	if err != nil {
		recordError("decode", err)
		return nil, err
	}
	metrics.RecordCodec("decode", f.Repr.String(), n, time.Since(start))
	logger.Log.Debug("decoded matrix", "file", path, "repr", f.Repr.String(), "shape", f.Shape.String(), "bytes", n)
	return m, nil
}

func readFile(path string, f Format) (*tensor.Matrix, int64, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, 0, &FormatError{File: path, Err: ErrUnreadable, Cause: err, Detail: err.Error()}
	}
	defer fh.Close()

	counter := &countingReader{r: fh}
	var src io.Reader = counter
	if strings.HasSuffix(path, ZstdSuffix) {
		dec, err := zstd.NewReader(counter)
		if err != nil {
			return nil, 0, &FormatError{File: path, Err: ErrUnreadable, Cause: err, Detail: err.Error()}
		}
		defer dec.Close()
		src = dec
	}

	m, err := Decode(src, path, f)
	return m, counter.n, err
}

// WriteFile encodes m to path through a temporary sibling that is renamed
// into place only after a complete, flushed write. On any failure the
// temporary is removed and path is left untouched.
func WriteFile(path string, m *tensor.Matrix) error {
	start := time.Now()
	n, err := writeFile(path, m)
	if err != nil {
		recordError("encode", err)
		return err
	}
	metrics.RecordCodec("encode", m.Repr.String(), n, time.Since(start))
	logger.Log.Debug("encoded matrix", "file", path, "repr", m.Repr.String(), "shape", m.Shape.String(), "bytes", n)
	return nil
}

func writeFile(path string, m *tensor.Matrix) (n int64, err error) {
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	tmp, err := os.CreateTemp(dir, "."+base+".tmp-*")
	if err != nil {
		return 0, &FormatError{File: path, Err: ErrUnwritable, Cause: err, Detail: err.Error()}
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	counter := &countingWriter{w: tmp}
	if strings.HasSuffix(path, ZstdSuffix) {
		enc, zerr := zstd.NewWriter(counter)
		if zerr != nil {
			return 0, &FormatError{File: path, Err: ErrUnwritable, Cause: zerr, Detail: zerr.Error()}
		}
		if err = encode(enc, path, m); err != nil {
			enc.Close()
			return 0, wrapWrite(path, err)
		}
		if err = enc.Close(); err != nil {
			return 0, wrapWrite(path, err)
		}
	} else if err = encode(counter, path, m); err != nil {
		return 0, wrapWrite(path, err)
	}

	if err = tmp.Sync(); err != nil {
		return 0, wrapWrite(path, err)
	}
	if err = tmp.Close(); err != nil {
		return 0, wrapWrite(path, err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return 0, wrapWrite(path, err)
	}
	return counter.n, nil
}

func wrapWrite(path string, err error) error {
	var fe *FormatError
	if errors.As(err, &fe) {
		return err
	}
	return &FormatError{File: path, Err: ErrUnwritable, Cause: err, Detail: err.Error()}
}

func recordError(op string, err error) {
	kind := "other"
	var fe *FormatError
	if errors.As(err, &fe) {
		kind = fe.Kind()
	}
	metrics.RecordCodecError(op, kind)
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

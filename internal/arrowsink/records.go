// Package arrowsink exports matrices and validation reports as Arrow
// records, either to an IPC file or to a Flight endpoint.
package arrowsink

import (
	"fmt"
	"io"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-aura/internal/metrics"
	"github.com/23skdu/longbow-aura/internal/tensor"
	"github.com/23skdu/longbow-aura/internal/validate"
)

// Schema metadata keys.
const (
	MetaRepr        = "aura.repr"
	MetaRows        = "aura.rows"
	MetaCols        = "aura.cols"
	MetaFingerprint = "aura.fingerprint"
)

// MatrixSchema has one row per matrix row: the row index, the real values
// and, for fixed-point matrices, the raw codes.
func MatrixSchema(m *tensor.Matrix) *arrow.Schema {
	cols := int32(m.Cols)
	fields := []arrow.Field{
		{Name: "row", Type: arrow.PrimitiveTypes.Int32},
		{Name: "values", Type: arrow.FixedSizeListOf(cols, arrow.PrimitiveTypes.Float32)},
	}
	if m.Repr.IsFixed() {
		fields = append(fields, arrow.Field{Name: "codes", Type: arrow.FixedSizeListOf(cols, arrow.PrimitiveTypes.Int32)})
	}
	md := arrow.NewMetadata(
		[]string{MetaRepr, MetaRows, MetaCols, MetaFingerprint},
		[]string{m.Repr.String(), strconv.Itoa(m.Rows), strconv.Itoa(m.Cols), strconv.FormatUint(m.Fingerprint(), 16)},
	)
	return arrow.NewSchema(fields, &md)
}

// MatrixRecord builds a single record holding every row of m. The caller
// releases it.
func MatrixRecord(mem memory.Allocator, m *tensor.Matrix) arrow.Record {
	b := array.NewRecordBuilder(mem, MatrixSchema(m))
	defer b.Release()

	rowB := b.Field(0).(*array.Int32Builder)
	valB := b.Field(1).(*array.FixedSizeListBuilder)
	vals := valB.ValueBuilder().(*array.Float32Builder)

	row := make([]float32, m.Cols)
	for r := 0; r < m.Rows; r++ {
		rowB.Append(int32(r))
		m.RealRow(r, row)
		valB.Append(true)
		vals.AppendValues(row, nil)
	}
	if m.Repr.IsFixed() {
		codeB := b.Field(2).(*array.FixedSizeListBuilder)
		codes := codeB.ValueBuilder().(*array.Int32Builder)
		for r := 0; r < m.Rows; r++ {
			codeB.Append(true)
			codes.AppendValues(m.RawRow(r), nil)
		}
	}
	return b.NewRecord()
}

var reportSchema = arrow.NewSchema([]arrow.Field{
	{Name: "metric", Type: arrow.BinaryTypes.String},
	{Name: "value", Type: arrow.PrimitiveTypes.Float64},
	{Name: "threshold", Type: arrow.PrimitiveTypes.Float64},
	{Name: "at_least", Type: arrow.FixedWidthTypes.Boolean},
	{Name: "pass", Type: arrow.FixedWidthTypes.Boolean},
}, nil)

// ReportRecord has one row per threshold check.
func ReportRecord(mem memory.Allocator, rep *validate.Report) arrow.Record {
	b := array.NewRecordBuilder(mem, reportSchema)
	defer b.Release()

	for _, c := range rep.Checks {
		b.Field(0).(*array.StringBuilder).Append(c.Name)
		b.Field(1).(*array.Float64Builder).Append(c.Value)
		b.Field(2).(*array.Float64Builder).Append(c.Threshold)
		b.Field(3).(*array.BooleanBuilder).Append(c.AtLeast)
		b.Field(4).(*array.BooleanBuilder).Append(c.Pass)
	}
	return b.NewRecord()
}

// WriteIPC writes rec as an Arrow IPC file.
func WriteIPC(w io.Writer, mem memory.Allocator, rec arrow.Record) error {
	fw, err := ipc.NewFileWriter(w, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(mem))
	if err != nil {
		return fmt.Errorf("arrowsink: open ipc writer: %w", err)
	}
	if err := fw.Write(rec); err != nil {
		_ = fw.Close()
		return fmt.Errorf("arrowsink: write record: %w", err)
	}
	if err := fw.Close(); err != nil {
		return fmt.Errorf("arrowsink: close ipc writer: %w", err)
	}
	metrics.RecordExport("ipc", 1)
	return nil
}

// ReadMatrixIPC loads a matrix written by WriteIPC(MatrixRecord(...)).
func ReadMatrixIPC(r ipc.ReadAtSeeker, mem memory.Allocator) (*tensor.Matrix, error) {
	fr, err := ipc.NewFileReader(r, ipc.WithAllocator(mem))
	if err != nil {
		return nil, fmt.Errorf("arrowsink: open ipc reader: %w", err)
	}
	defer fr.Close()
	if fr.NumRecords() != 1 {
		return nil, fmt.Errorf("arrowsink: expected 1 record, found %d", fr.NumRecords())
	}
	rec, err := fr.Record(0)
	if err != nil {
		return nil, fmt.Errorf("arrowsink: read record: %w", err)
	}
	return MatrixFromRecord(rec)
}

// MatrixFromRecord rebuilds a matrix from a record with MatrixSchema.
// Fixed-point matrices are restored from the codes column.
func MatrixFromRecord(rec arrow.Record) (*tensor.Matrix, error) {
	md := rec.Schema().Metadata()
	repr, err := tensor.ParseRepresentation(metaValue(md, MetaRepr))
	if err != nil {
		return nil, fmt.Errorf("arrowsink: %w", err)
	}
	cols, err := strconv.Atoi(metaValue(md, MetaCols))
	if err != nil {
		return nil, fmt.Errorf("arrowsink: bad %s metadata: %w", MetaCols, err)
	}
	shape := tensor.Shape{Rows: int(rec.NumRows()), Cols: cols}
	m := tensor.NewMatrix(shape, repr)

	if repr.IsFixed() {
		if rec.NumCols() < 3 {
			return nil, fmt.Errorf("arrowsink: %s record has no codes column", repr)
		}
		codes := rec.Column(2).(*array.FixedSizeList).ListValues().(*array.Int32)
		if codes.Len() != shape.Len() {
			return nil, fmt.Errorf("arrowsink: %d codes for shape %s", codes.Len(), shape)
		}
		for i := range m.Raw {
			m.Raw[i] = codes.Value(i)
		}
		return m, nil
	}
	vals := rec.Column(1).(*array.FixedSizeList).ListValues().(*array.Float32)
	if vals.Len() != shape.Len() {
		return nil, fmt.Errorf("arrowsink: %d values for shape %s", vals.Len(), shape)
	}
	copy(m.F32, vals.Float32Values())
	return m, nil
}

func metaValue(md arrow.Metadata, key string) string {
	if i := md.FindKey(key); i >= 0 {
		return md.Values()[i]
	}
	return ""
}

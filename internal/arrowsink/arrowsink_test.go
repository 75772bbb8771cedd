package arrowsink

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-aura/internal/tensor"
	"github.com/23skdu/longbow-aura/internal/validate"
)

func fixedMatrix(t *testing.T) *tensor.Matrix {
	t.Helper()
	m, err := tensor.FromRaw(tensor.Shape{Rows: 3, Cols: 4}, tensor.Q0_7,
		[]int32{1, -2, 3, -128, 127, 0, 64, -64, 5, 6, 7, 8})
	require.NoError(t, err)
	return m
}

func TestMatrixSchema(t *testing.T) {
	m := fixedMatrix(t)
	s := MatrixSchema(m)
	require.Equal(t, 3, s.NumFields())
	assert.Equal(t, "codes", s.Field(2).Name)
	assert.Equal(t, "q0.7", metaValue(s.Metadata(), MetaRepr))
	assert.Equal(t, "4", metaValue(s.Metadata(), MetaCols))

	f := tensor.NewMatrix(tensor.Shape{Rows: 2, Cols: 8}, tensor.Float32)
	assert.Equal(t, 2, MatrixSchema(f).NumFields())
}

func TestMatrixRecordValues(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	m := fixedMatrix(t)
	rec := MatrixRecord(mem, m)
	defer rec.Release()

	assert.EqualValues(t, 3, rec.NumRows())
	vals := rec.Column(1).(*array.FixedSizeList).ListValues().(*array.Float32)
	assert.Equal(t, float32(-1), vals.Value(3))
	assert.Equal(t, float32(0.5), vals.Value(6))
}

func TestIPCRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		m    *tensor.Matrix
	}{
		{"fixed8", fixedMatrix(t)},
		{"float32", func() *tensor.Matrix {
			m, err := tensor.FromFloat32(tensor.Shape{Rows: 2, Cols: 2}, []float32{1.5, -0.25, 3, 1e-7})
			require.NoError(t, err)
			return m
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
			defer mem.AssertSize(t, 0)

			rec := MatrixRecord(mem, tt.m)
			var buf bytes.Buffer
			require.NoError(t, WriteIPC(&buf, mem, rec))
			rec.Release()

			got, err := ReadMatrixIPC(bytes.NewReader(buf.Bytes()), mem)
			require.NoError(t, err)
			assert.True(t, tt.m.Equal(got))
			assert.Equal(t, tt.m.Fingerprint(), got.Fingerprint())
		})
	}
}

func TestReportRecord(t *testing.T) {
	m := fixedMatrix(t)
	cand := tensor.NewMatrix(m.Shape, m.Repr)
	copy(cand.Raw, m.Raw)
	cand.Raw[0] += 20

	rep, err := validate.Compare(m, cand, validate.DefaultThresholds())
	require.NoError(t, err)

	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)
	rec := ReportRecord(mem, rep)
	defer rec.Release()

	require.EqualValues(t, 5, rec.NumRows())
	names := rec.Column(0).(*array.String)
	pass := rec.Column(4).(*array.Boolean)
	assert.Equal(t, validate.MetricMaxAbsError, names.Value(2))
	assert.False(t, pass.Value(2))
	assert.True(t, rec.Column(3).(*array.Boolean).Value(4))
}

func TestMockPublisher(t *testing.T) {
	ctx := context.Background()
	pub := NewMockPublisher()
	mem := memory.NewGoAllocator()
	rec := MatrixRecord(mem, fixedMatrix(t))
	defer rec.Release()

	err := pub.Publish(ctx, "aura/O", rec)
	assert.ErrorContains(t, err, "not connected")

	require.NoError(t, pub.Connect(ctx))
	require.NoError(t, pub.Publish(ctx, "aura/O", rec))
	require.Len(t, pub.Records("aura/O"), 1)
	assert.Empty(t, pub.Records("aura/other"))

	pub.Reset()
	assert.Empty(t, pub.Records("aura/O"))
	require.NoError(t, pub.Close())
}

func TestFlightPublisherNotConnected(t *testing.T) {
	pub := NewFlightPublisher("localhost:3000")
	rec := MatrixRecord(memory.NewGoAllocator(), fixedMatrix(t))
	defer rec.Release()

	err := pub.Publish(context.Background(), "aura/O", rec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")
	assert.NoError(t, pub.Close())
}

type putServer struct {
	flight.BaseFlightServer

	mu    sync.Mutex
	paths []string
	rows  []int64
}

func (s *putServer) DoPut(stream flight.FlightService_DoPutServer) error {
	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return err
	}
	defer rdr.Release()

	for rdr.Next() {
		rec := rdr.Record()
		s.mu.Lock()
		s.rows = append(s.rows, rec.NumRows())
		if d := rdr.LatestFlightDescriptor(); d != nil {
			s.paths = append(s.paths, d.Path...)
		}
		s.mu.Unlock()
	}
	if err := rdr.Err(); err != nil {
		return err
	}
	return stream.Send(&flight.PutResult{})
}

func TestFlightPublisherRoundTrip(t *testing.T) {
	ps := &putServer{}
	srv := flight.NewServerWithMiddleware(nil)
	require.NoError(t, srv.Init("127.0.0.1:0"))
	srv.RegisterFlightService(ps)
	go func() { _ = srv.Serve() }()
	defer srv.Shutdown()

	ctx := context.Background()
	pub := NewFlightPublisher(srv.Addr().String())
	require.NoError(t, pub.Connect(ctx))
	defer pub.Close()

	rec := MatrixRecord(memory.NewGoAllocator(), fixedMatrix(t))
	defer rec.Release()
	require.NoError(t, pub.Publish(ctx, "aura/O", rec))

	ps.mu.Lock()
	defer ps.mu.Unlock()
	assert.Equal(t, []int64{3}, ps.rows)
	assert.Equal(t, []string{"aura/O"}, ps.paths)
}

package arrowsink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-aura/internal/logger"
	"github.com/23skdu/longbow-aura/internal/metrics"
)

// Publisher ships a record to a named path on a remote store.
type Publisher interface {
	Connect(ctx context.Context) error
	Publish(ctx context.Context, path string, rec arrow.Record) error
	Close() error
}

// FlightPublisher sends records with Flight DoPut.
type FlightPublisher struct {
	addr   string
	client flight.Client
}

func NewFlightPublisher(addr string) *FlightPublisher {
	return &FlightPublisher{addr: addr}
}

// Connect dials the Flight server without TLS.
func (fp *FlightPublisher) Connect(ctx context.Context) error {
	client, err := flight.NewClientWithMiddlewareCtx(ctx, fp.addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to create Flight client: %w", err)
	}
	fp.client = client
	return nil
}

func (fp *FlightPublisher) Close() error {
	if fp.client != nil {
		return fp.client.Close()
	}
	return nil
}

// Publish writes rec in a single DoPut stream tagged with a PATH
// descriptor and waits for the server to finish acknowledging it.
func (fp *FlightPublisher) Publish(ctx context.Context, path string, rec arrow.Record) error {
	if fp.client == nil {
		return fmt.Errorf("client not connected, call Connect() first")
	}

	stream, err := fp.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("failed to create DoPut stream: %w", err)
	}

	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	w.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{path},
	})
	if err := w.Write(rec); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("failed to close send: %w", err)
	}
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("failed to receive put result: %w", err)
		}
	}

	metrics.RecordExport("flight", 1)
	logger.Log.Info("published record", "addr", fp.addr, "path", path, "rows", rec.NumRows())
	return nil
}

// MockPublisher keeps published records in memory.
type MockPublisher struct {
	mu        sync.Mutex
	connected bool
	records   map[string][]arrow.Record
}

func NewMockPublisher() *MockPublisher {
	return &MockPublisher{records: make(map[string][]arrow.Record)}
}

func (m *MockPublisher) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

func (m *MockPublisher) Publish(ctx context.Context, path string, rec arrow.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return fmt.Errorf("client not connected")
	}
	rec.Retain()
	m.records[path] = append(m.records[path], rec)
	return nil
}

// Records returns what was published under path.
func (m *MockPublisher) Records(path string) []arrow.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]arrow.Record(nil), m.records[path]...)
}

// Reset releases and forgets every stored record.
func (m *MockPublisher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, recs := range m.records {
		for _, r := range recs {
			r.Release()
		}
	}
	m.records = make(map[string][]arrow.Record)
}

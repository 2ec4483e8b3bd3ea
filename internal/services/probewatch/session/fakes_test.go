package session

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/louisbranch/probewatch/internal/services/probewatch/collector"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

type registerCall struct {
	addr     string
	interval time.Duration
	labels   map[string]string
}

// fakeCollector serves records from a channel. Leaving the channel open holds
// the stream until its context is cancelled.
type fakeCollector struct {
	mu sync.Mutex

	registerErr   error
	streamErr     error
	deregisterErr error
	streamEnd     error
	records       chan *structpb.Struct

	// registerHook and openHook run, without the lock, inside Register and
	// StreamMetrics; a non-nil openHook error fails the open.
	registerHook func(ctx context.Context)
	openHook     func(ctx context.Context) error

	registers   []registerCall
	streams     []string
	deregisters []string
	streamCtx   context.Context

	// streamOpenAtDeregister records whether the stream was still open when
	// each deregister call arrived.
	streamOpenAtDeregister []bool
}

func newFakeCollector(buffer int) *fakeCollector {
	return &fakeCollector{records: make(chan *structpb.Struct, buffer)}
}

func (f *fakeCollector) Register(ctx context.Context, addr string, interval time.Duration, labels map[string]string) error {
	if f.registerHook != nil {
		f.registerHook(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registers = append(f.registers, registerCall{addr: addr, interval: interval, labels: labels})
	return f.registerErr
}

func (f *fakeCollector) StreamMetrics(ctx context.Context, addr string) (collector.MetricStream, error) {
	if f.openHook != nil {
		if err := f.openHook(ctx); err != nil {
			f.mu.Lock()
			f.streams = append(f.streams, addr)
			f.mu.Unlock()
			return nil, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streams = append(f.streams, addr)
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	f.streamCtx = ctx
	end := f.streamEnd
	if end == nil {
		end = io.EOF
	}
	return &fakeStream{ctx: ctx, ch: f.records, end: end}, nil
}

func (f *fakeCollector) Deregister(_ context.Context, addr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deregisters = append(f.deregisters, addr)
	f.streamOpenAtDeregister = append(f.streamOpenAtDeregister, f.streamCtx != nil && f.streamCtx.Err() == nil)
	return f.deregisterErr
}

func (f *fakeCollector) deregisterCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deregisters)
}

func (f *fakeCollector) registerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.registers)
}

func (f *fakeCollector) streamClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streamCtx != nil && f.streamCtx.Err() != nil
}

func (f *fakeCollector) send(values ...float64) {
	for _, v := range values {
		f.records <- record(v)
	}
}

type fakeStream struct {
	ctx context.Context
	ch  <-chan *structpb.Struct
	end error
}

func (s *fakeStream) Recv() (*structpb.Struct, error) {
	select {
	case <-s.ctx.Done():
		return nil, status.FromContextError(s.ctx.Err()).Err()
	case m, ok := <-s.ch:
		if !ok {
			return nil, s.end
		}
		return m, nil
	}
}

func record(rtt float64) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"Rtt": structpb.NewNumberValue(rtt),
	}}
}

func rtt(r Record) float64 {
	return r.Metrics.GetFields()["Rtt"].GetNumberValue()
}

// recordsCounted sums the probewatch.session.records counter collected by
// reader.
func recordsCounted(t *testing.T, reader *sdkmetric.ManualReader) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}
	var total int64
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != "probewatch.session.records" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("records metric data = %T", m.Data)
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

// Package collectorfake runs an in-process collector over real gRPC for tests.
//
// Registered targets get a buffered record queue fed by Publish. A stream
// ends naturally after EndStream, or when the client cancels it. Deregister
// removes the target but leaves an open stream to the client to close, so
// tests can observe the client's own teardown.
package collectorfake

import (
	"context"
	"fmt"
	"net"
	"slices"
	"sync"
	"testing"
	"time"

	apperrors "github.com/louisbranch/probewatch/internal/platform/errors"
	"github.com/louisbranch/probewatch/internal/services/probewatch/collector"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"
)

const queueSize = 64

// Method names recorded in Calls.
const (
	MethodRegister      = "Register"
	MethodDeregister    = "Deregister"
	MethodStreamMetrics = "StreamMetrics"
)

// Call is one request received by the fake.
type Call struct {
	Method   string
	Addr     string
	Interval time.Duration
	Labels   map[string]string
}

// StreamEnd records how a StreamMetrics call finished.
type StreamEnd struct {
	Addr      string
	Cancelled bool
}

type target struct {
	queue chan *structpb.Struct
	ended bool
}

// Server implements collector.Server.
type Server struct {
	// RegisterErr, when set, fails every Register call.
	RegisterErr error
	// DeregisterErr, when set, fails every Deregister call.
	DeregisterErr error

	mu      sync.Mutex
	targets map[string]*target
	calls   []Call
	ends    []StreamEnd
	changed chan struct{}
}

// New returns an empty fake collector.
func New() *Server {
	return &Server{
		targets: make(map[string]*target),
		changed: make(chan struct{}),
	}
}

// Start serves s on a loopback listener, reporting the server and the
// collector service as SERVING, and returns the address. The server stops
// when the test ends.
func (s *Server) Start(t testing.TB) string {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	grpcServer := grpc.NewServer()
	collector.RegisterServer(grpcServer, s)
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(collector.ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- grpcServer.Serve(listener)
	}()

	t.Cleanup(func() {
		grpcServer.Stop()
		_ = listener.Close()
		select {
		case <-serveErr:
		case <-time.After(2 * time.Second):
		}
	})
	return listener.Addr().String()
}

// Register implements collector.Server. A known address is rejected with
// AckExists, as the real collector does.
func (s *Server) Register(_ context.Context, msg collector.TargetMessage) (collector.Ack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.notifyLocked()

	s.calls = append(s.calls, Call{Method: MethodRegister, Addr: msg.Addr, Interval: msg.Interval, Labels: msg.Clone().Labels})
	if s.RegisterErr != nil {
		return collector.Ack{}, s.RegisterErr
	}
	if _, ok := s.targets[msg.Addr]; ok {
		return collector.Ack{Message: "the target already exist", Code: collector.AckExists}, nil
	}
	s.targets[msg.Addr] = &target{queue: make(chan *structpb.Struct, queueSize)}
	return collector.Ack{Message: "target has been added", Code: collector.AckOK}, nil
}

// Deregister implements collector.Server.
func (s *Server) Deregister(_ context.Context, msg collector.TargetMessage) (collector.Ack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.notifyLocked()

	s.calls = append(s.calls, Call{Method: MethodDeregister, Addr: msg.Addr})
	if s.DeregisterErr != nil {
		return collector.Ack{}, s.DeregisterErr
	}
	if _, ok := s.targets[msg.Addr]; !ok {
		return collector.Ack{Message: "target is not exist", Code: collector.AckNotFound}, nil
	}
	delete(s.targets, msg.Addr)
	return collector.Ack{Message: "target has been deleted", Code: collector.AckOK}, nil
}

// StreamMetrics implements collector.Server.
func (s *Server) StreamMetrics(msg collector.TargetMessage, sender collector.MetricsSender) error {
	s.mu.Lock()
	s.calls = append(s.calls, Call{Method: MethodStreamMetrics, Addr: msg.Addr})
	t, ok := s.targets[msg.Addr]
	s.notifyLocked()
	s.mu.Unlock()
	if !ok {
		return apperrors.WithMetadata(apperrors.CodeTargetNotFound,
			fmt.Sprintf("target: %s not exist", msg.Addr),
			map[string]string{"addr": msg.Addr})
	}

	ctx := sender.Context()
	for {
		select {
		case <-ctx.Done():
			s.recordEnd(msg.Addr, true)
			return nil
		case m, open := <-t.queue:
			if !open {
				s.recordEnd(msg.Addr, false)
				return nil
			}
			if err := sender.Send(m); err != nil {
				s.recordEnd(msg.Addr, true)
				return err
			}
		}
	}
}

// Publish queues records for addr's stream. At most 64 records may be
// pending at once.
func (s *Server) Publish(addr string, records ...*structpb.Struct) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[addr]
	if !ok || t.ended {
		return fmt.Errorf("target %s is not registered", addr)
	}
	for _, r := range records {
		t.queue <- r
	}
	return nil
}

// EndStream closes addr's stream after the queued records drain.
func (s *Server) EndStream(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[addr]
	if !ok || t.ended {
		return fmt.Errorf("target %s is not registered", addr)
	}
	t.ended = true
	close(t.queue)
	return nil
}

// Active reports whether addr is registered.
func (s *Server) Active(addr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.targets[addr]
	return ok
}

// Calls returns the requests received so far.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.calls)
}

// Count returns how many calls of method were received.
func (s *Server) Count(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// StreamEnds returns how finished streams ended.
func (s *Server) StreamEnds() []StreamEnd {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.ends)
}

// WaitFor blocks until cond holds or the timeout passes, failing the test on
// timeout. cond runs without the fake's lock held.
func (s *Server) WaitFor(t testing.TB, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		s.mu.Lock()
		changed := s.changed
		s.mu.Unlock()
		if cond() {
			return
		}
		select {
		case <-changed:
		case <-deadline.C:
			t.Fatalf("condition not met within %v; calls %+v", timeout, s.Calls())
		}
	}
}

func (s *Server) recordEnd(addr string, cancelled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ends = append(s.ends, StreamEnd{Addr: addr, Cancelled: cancelled})
	s.notifyLocked()
}

func (s *Server) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

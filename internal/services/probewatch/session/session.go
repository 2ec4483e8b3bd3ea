package session

import (
	"context"
	"errors"
	"io"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/louisbranch/probewatch/internal/platform/errors"
	"github.com/louisbranch/probewatch/internal/services/probewatch/collector"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/protobuf/types/known/structpb"
)

// Record is one measurement received for the session's target. Metrics is
// the collector's payload, forwarded unchanged.
type Record struct {
	Target   string
	Seq      int
	Received time.Time
	Metrics  *structpb.Struct
}

// Session is one register/stream/deregister lifecycle. Its state is changed
// only through compare-and-swap so Cancel can run from any goroutine without
// a lock; deregistration and stream teardown each happen at most once.
type Session struct {
	ctrl   *Controller
	target Target

	// base carries the caller's values without its cancellation; cleanup
	// calls derive from it so they still run after an interrupt.
	base        context.Context
	streamCtx   context.Context
	closeStream context.CancelFunc
	stream      collector.MetricStream
	span        trace.Span

	state        atomic.Int32
	deregistered atomic.Bool
	deregErr     atomic.Pointer[DeregistrationError]

	finishOnce sync.Once
	done       chan struct{}

	// seq is owned by the consuming goroutine.
	seq int
}

func newSession(ctrl *Controller, ctx context.Context, target Target) *Session {
	base := context.WithoutCancel(ctx)
	base, span := ctrl.tracer.Start(base, "session.stream", trace.WithAttributes(
		attribute.String("probewatch.target.address", target.Address()),
	))
	streamCtx, closeStream := context.WithCancel(base)
	return &Session{
		ctrl:        ctrl,
		target:      target,
		base:        base,
		streamCtx:   streamCtx,
		closeStream: closeStream,
		span:        span,
		done:        make(chan struct{}),
	}
}

// Target returns the monitored target.
func (s *Session) Target() Target { return s.target }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed once the session reaches Terminated and all cleanup it
// initiated has finished.
func (s *Session) Done() <-chan struct{} { return s.done }

// DeregisterErr returns the cleanup failure recorded by Cancel, if any.
func (s *Session) DeregisterErr() error {
	if err := s.deregErr.Load(); err != nil {
		return err
	}
	return nil
}

// Records returns the metric stream as a lazy sequence. Each call continues
// from the current stream position; breaking out of a loop leaves the session
// streaming. The sequence ends without error when the collector closes the
// stream or the session is cancelled, and yields a *StreamError once if the
// stream breaks. No record is yielded after cancellation starts.
func (s *Session) Records() iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		defer s.releaseStream()
		for {
			if s.State() != StateStreaming {
				return
			}
			if s.triggered() {
				_ = s.Cancel()
				return
			}

			metrics, err := s.stream.Recv()
			if s.State() != StateStreaming {
				// Cancelled while blocked; anything received is dropped.
				return
			}
			if errors.Is(err, io.EOF) {
				s.endOfStream()
				return
			}
			if err != nil {
				if serr := s.fail(apperrors.Wrap(apperrors.CodeStreamFailed, "receive metrics", err)); serr != nil {
					yield(Record{}, serr)
				}
				return
			}
			if metrics == nil {
				if serr := s.fail(apperrors.New(apperrors.CodeStreamFailed, "collector sent an empty record")); serr != nil {
					yield(Record{}, serr)
				}
				return
			}

			rec := Record{
				Target:   s.target.Address(),
				Seq:      s.seq,
				Received: s.ctrl.now(),
				Metrics:  metrics,
			}
			s.seq++
			s.ctrl.records.Add(s.base, 1, metric.WithAttributes(attribute.String("probewatch.target.address", rec.Target)))
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// Cancel deregisters the target and then closes the stream. Only the first
// call from Registered or Streaming does anything; later calls, and calls
// after a natural end of stream, return nil. The returned error is a
// *DeregistrationError and does not stop the stream from being closed.
func (s *Session) Cancel() error {
	for {
		cur := s.State()
		if !cur.cancellable() {
			return nil
		}
		if s.state.CompareAndSwap(int32(cur), int32(StateCancelling)) {
			break
		}
	}

	err := s.deregister()
	s.closeStream()
	s.state.Store(int32(StateTerminated))
	s.finish()
	if err != nil {
		return err
	}
	return nil
}

// Deregister is the explicit final step after a natural end of stream. It
// deregisters at most once over the session's life: after Cancel it is a
// no-op, and on a live session it behaves like Cancel.
func (s *Session) Deregister() error {
	switch s.State() {
	case StateRegistered, StateStreaming:
		return s.Cancel()
	case StateCancelling:
		<-s.done
		return nil
	}
	if err := s.deregister(); err != nil {
		return err
	}
	return nil
}

// awaitTeardown blocks while another goroutine is cancelling.
func (s *Session) awaitTeardown() {
	if s.State() == StateCancelling {
		<-s.done
	}
}

// releaseStream runs on the consuming goroutine, the only reader of stream,
// once Records returns. A terminated session drops its stream handle.
func (s *Session) releaseStream() {
	s.awaitTeardown()
	if s.State() == StateTerminated {
		s.stream = nil
	}
}

func (s *Session) triggered() bool {
	if s.ctrl.trigger == nil {
		return false
	}
	select {
	case <-s.ctrl.trigger:
		return true
	default:
		return false
	}
}

// watch delivers the asynchronous trigger while the consumer is blocked in
// Recv.
func (s *Session) watch() {
	if s.ctrl.trigger == nil {
		return
	}
	go func() {
		select {
		case <-s.ctrl.trigger:
			_ = s.Cancel()
		case <-s.done:
		}
	}()
}

// deregister issues the remote call at most once.
func (s *Session) deregister() *DeregistrationError {
	if !s.deregistered.CompareAndSwap(false, true) {
		return nil
	}
	ctx, span := s.ctrl.tracer.Start(s.base, "session.deregister", trace.WithAttributes(
		attribute.String("probewatch.target.address", s.target.Address()),
	))
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, s.ctrl.deregisterTimeout)
	defer cancel()
	err := s.ctrl.collector.Deregister(callCtx, s.target.Address())
	if err == nil {
		return nil
	}
	span.RecordError(err)
	span.SetStatus(otelcodes.Error, "deregister failed")
	derr := &DeregistrationError{
		Address: s.target.Address(),
		Err:     apperrors.Wrap(apperrors.CodeDeregistrationFailed, "deregister call", err),
	}
	s.deregErr.Store(derr)
	s.ctrl.printf("%v", derr)
	return derr
}

func (s *Session) endOfStream() {
	if s.state.CompareAndSwap(int32(StateStreaming), int32(StateTerminated)) {
		s.closeStream()
		s.finish()
	}
}

// fail tears the session down after a broken stream. If a concurrent Cancel
// already owns the teardown, the break is its doing and no error is reported.
func (s *Session) fail(cause error) error {
	if !s.state.CompareAndSwap(int32(StateStreaming), int32(StateCancelling)) {
		<-s.done
		return nil
	}
	return s.teardown(cause)
}

// abort tears the session down when the stream never opened.
func (s *Session) abort(cause error) error {
	if !s.state.CompareAndSwap(int32(StateRegistered), int32(StateCancelling)) {
		<-s.done
		return &StreamError{Address: s.target.Address(), Err: cause}
	}
	return s.teardown(cause)
}

func (s *Session) teardown(cause error) error {
	s.span.RecordError(cause)
	s.span.SetStatus(otelcodes.Error, "stream failed")
	serr := &StreamError{Address: s.target.Address(), Err: cause}
	if derr := s.deregister(); derr != nil {
		serr.Cleanup = derr
	}
	s.closeStream()
	s.state.Store(int32(StateTerminated))
	s.finish()
	return serr
}

func (s *Session) finish() {
	s.finishOnce.Do(func() {
		s.span.End()
		s.ctrl.release(s)
		close(s.done)
	})
}

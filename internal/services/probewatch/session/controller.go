// Package session drives one monitoring session against the collector:
// register a target, consume its metric stream, and deregister it exactly
// once however the session ends.
package session

import (
	"context"
	"sync/atomic"
	"time"

	apperrors "github.com/louisbranch/probewatch/internal/platform/errors"
	"github.com/louisbranch/probewatch/internal/platform/timeouts"
	"github.com/louisbranch/probewatch/internal/services/probewatch/collector"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/louisbranch/probewatch/internal/services/probewatch/session"

// Collector is the remote side of a session.
type Collector interface {
	Register(ctx context.Context, addr string, interval time.Duration, labels map[string]string) error
	StreamMetrics(ctx context.Context, addr string) (collector.MetricStream, error)
	Deregister(ctx context.Context, addr string) error
}

// Option configures a Controller.
type Option func(*Controller)

// WithTrigger installs the cancellation trigger. Closing trigger cancels the
// live session; a typical trigger is the Done channel of a signal context.
func WithTrigger(trigger <-chan struct{}) Option {
	return func(c *Controller) { c.trigger = trigger }
}

// WithLogf routes teardown diagnostics; nil is silent.
func WithLogf(logf func(string, ...any)) Option {
	return func(c *Controller) { c.logf = logf }
}

// WithClock overrides the receipt timestamp source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// WithMeterProvider sets where the record counter is reported; the default
// is the global provider installed by platform/otel.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *Controller) {
		if mp != nil {
			c.meterProvider = mp
		}
	}
}

// WithTimeouts overrides the register and deregister call deadlines.
func WithTimeouts(register, deregister time.Duration) Option {
	return func(c *Controller) {
		if register > 0 {
			c.registerTimeout = register
		}
		if deregister > 0 {
			c.deregisterTimeout = deregister
		}
	}
}

// Controller starts sessions. It allows one live session at a time.
type Controller struct {
	collector         Collector
	trigger           <-chan struct{}
	logf              func(string, ...any)
	now               func() time.Time
	registerTimeout   time.Duration
	deregisterTimeout time.Duration

	tracer        trace.Tracer
	meterProvider metric.MeterProvider
	records       metric.Int64Counter

	active atomic.Pointer[Session]
}

// NewController builds a controller over c.
func NewController(c Collector, opts ...Option) *Controller {
	ctrl := &Controller{
		collector:         c,
		now:               time.Now,
		registerTimeout:   timeouts.Register,
		deregisterTimeout: timeouts.Deregister,
		tracer:            otel.Tracer(instrumentationName),
		meterProvider:     otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(ctrl)
	}
	counter, err := ctrl.meterProvider.Meter(instrumentationName).Int64Counter(
		"probewatch.session.records",
		metric.WithDescription("Metric records received from the collector"),
	)
	if err != nil {
		counter, _ = noop.NewMeterProvider().Meter(instrumentationName).Int64Counter("probewatch.session.records")
	}
	ctrl.records = counter
	return ctrl
}

// Start registers target and opens its metric stream. A registration failure
// returns *RegistrationError and leaves nothing to clean up. If the stream
// cannot be opened the target is deregistered before a *StreamError returns.
// Cancelling ctx does not abort the register call, which is bounded by the
// register timeout instead. A session cancelled before it streams is
// returned already terminated.
func (c *Controller) Start(ctx context.Context, target Target) (*Session, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !target.valid() {
		return nil, &RegistrationError{Err: apperrors.New(apperrors.CodeInvalidTarget, "target address is required")}
	}

	select {
	case <-c.trigger:
		return nil, &RegistrationError{
			Address: target.Address(),
			Err:     apperrors.Wrap(apperrors.CodeRegistrationFailed, "cancelled before registration", context.Canceled),
		}
	default:
	}

	s := newSession(c, ctx, target)
	if !c.active.CompareAndSwap(nil, s) {
		return nil, ErrSessionActive
	}

	// An interrupt during the call must not leave an unseen registration
	// behind; the trigger is acted on once the session is streaming.
	if err := c.register(context.WithoutCancel(ctx), target); err != nil {
		s.state.Store(int32(StateTerminated))
		s.finish()
		return nil, &RegistrationError{Address: target.Address(), Err: err}
	}
	s.state.Store(int32(StateRegistered))
	if s.triggered() {
		_ = s.Cancel()
		return s, nil
	}

	stream, err := c.collector.StreamMetrics(s.streamCtx, target.Address())
	if err != nil {
		if s.State() != StateRegistered {
			// Cancelled while the stream was opening.
			<-s.done
			return s, nil
		}
		return nil, s.abort(apperrors.Wrap(apperrors.CodeStreamFailed, "open metric stream", err))
	}
	s.stream = stream
	if !s.state.CompareAndSwap(int32(StateRegistered), int32(StateStreaming)) {
		<-s.done
		s.stream = nil
		return s, nil
	}
	s.watch()
	return s, nil
}

// Active returns the live session, if any.
func (c *Controller) Active() *Session {
	return c.active.Load()
}

func (c *Controller) register(ctx context.Context, target Target) error {
	ctx, span := c.tracer.Start(ctx, "session.register", trace.WithAttributes(
		attribute.String("probewatch.target.address", target.Address()),
		attribute.String("probewatch.target.interval", target.Interval().String()),
	))
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, c.registerTimeout)
	defer cancel()
	if err := c.collector.Register(callCtx, target.Address(), target.Interval(), target.Labels()); err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, "register failed")
		return apperrors.Wrap(apperrors.CodeRegistrationFailed, "register call", err)
	}
	return nil
}

func (c *Controller) release(s *Session) {
	c.active.CompareAndSwap(s, nil)
}

func (c *Controller) printf(format string, args ...any) {
	if c.logf != nil {
		c.logf(format, args...)
	}
}

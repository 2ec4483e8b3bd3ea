package grpc

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// Dialer creates a client connection for an address.
type Dialer interface {
	NewClient(addr string, opts ...gogrpc.DialOption) (*gogrpc.ClientConn, error)
}

// DialerFunc adapts a constructor function to the Dialer interface.
type DialerFunc func(addr string, opts ...gogrpc.DialOption) (*gogrpc.ClientConn, error)

// NewClient implements Dialer for DialerFunc.
func (fn DialerFunc) NewClient(addr string, opts ...gogrpc.DialOption) (*gogrpc.ClientConn, error) {
	return fn(addr, opts...)
}

// DialStage describes where a dial attempt failed.
type DialStage string

const (
	// DialStageConnect indicates a dial connection failure.
	DialStageConnect DialStage = "connect"
	// DialStageHealth indicates the health check failed.
	DialStageHealth DialStage = "health"
)

// DialError wraps dial and health check failures with a stage indicator.
type DialError struct {
	Stage DialStage
	Err   error
}

// Error implements the error interface.
func (e *DialError) Error() string {
	if e == nil {
		return "gRPC dial error"
	}
	return fmt.Sprintf("gRPC %s error: %v", e.Stage, e.Err)
}

// Unwrap returns the underlying error.
func (e *DialError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// DialOptions controls Dial.
type DialOptions struct {
	// Dialer overrides gogrpc.NewClient, mostly for tests.
	Dialer Dialer
	// Timeout bounds the health wait. Zero means the caller's context only.
	Timeout time.Duration
	// HealthCheck waits for the standard health service to report SERVING.
	HealthCheck bool
	// HealthService is the service name checked; empty means the server.
	HealthService string
	// Logf receives progress messages; nil is silent.
	Logf func(string, ...any)
}

// DefaultClientDialOptions returns the dial options used for the collector.
// Includes the OTel gRPC stats handler so every outbound call propagates
// trace context when a TracerProvider is registered.
func DefaultClientDialOptions(plaintext bool) []gogrpc.DialOption {
	creds := insecure.NewCredentials()
	if !plaintext {
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	return []gogrpc.DialOption{
		gogrpc.WithTransportCredentials(creds),
		gogrpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}
}

// Dial creates a client connection and, when requested, waits for the health
// check to serve. It closes the connection if the health check fails.
func Dial(ctx context.Context, addr string, options DialOptions, opts ...gogrpc.DialOption) (*gogrpc.ClientConn, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	dialer := options.Dialer
	if dialer == nil {
		dialer = DialerFunc(gogrpc.NewClient)
	}

	conn, err := dialer.NewClient(addr, opts...)
	if err != nil {
		return nil, &DialError{Stage: DialStageConnect, Err: err}
	}
	conn.Connect()
	if !options.HealthCheck {
		return conn, nil
	}

	healthCtx := ctx
	if options.Timeout > 0 {
		var cancel context.CancelFunc
		healthCtx, cancel = context.WithTimeout(ctx, options.Timeout)
		defer cancel()
	}
	if err := WaitForHealth(healthCtx, conn, HealthProbe{Service: options.HealthService, Logf: options.Logf}); err != nil {
		_ = conn.Close()
		return nil, &DialError{Stage: DialStageHealth, Err: err}
	}
	return conn, nil
}

package grpc

import (
	"context"
	"fmt"
	"time"

	gogrpc "google.golang.org/grpc"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthProbe configures WaitForHealth. Zero durations take the defaults
// below.
type HealthProbe struct {
	// Service is the name passed to Check; empty asks about the whole server.
	Service        string
	CheckTimeout   time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Logf           func(string, ...any)
}

const (
	defaultCheckTimeout   = time.Second
	defaultInitialBackoff = 200 * time.Millisecond
	defaultMaxBackoff     = time.Second
)

func (p HealthProbe) withDefaults() HealthProbe {
	if p.CheckTimeout <= 0 {
		p.CheckTimeout = defaultCheckTimeout
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = defaultInitialBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = max(defaultMaxBackoff, p.InitialBackoff)
	}
	return p
}

func (p HealthProbe) printf(format string, args ...any) {
	if p.Logf != nil {
		p.Logf(format, args...)
	}
}

// WaitForHealth polls the standard health service over conn until it reports
// SERVING. When ctx ends first the error names the last status seen and the
// number of checks made.
func WaitForHealth(ctx context.Context, conn gogrpc.ClientConnInterface, probe HealthProbe) error {
	if conn == nil {
		return fmt.Errorf("gRPC connection is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	probe = probe.withDefaults()

	client := grpc_health_v1.NewHealthClient(conn)
	req := &grpc_health_v1.HealthCheckRequest{Service: probe.Service}
	backoff := probe.InitialBackoff
	last := "no response"
	for checks := 1; ; checks++ {
		callCtx, cancel := context.WithTimeout(ctx, probe.CheckTimeout)
		resp, err := client.Check(callCtx, req)
		cancel()
		switch {
		case err != nil:
			last = err.Error()
		case resp.GetStatus() == grpc_health_v1.HealthCheckResponse_SERVING:
			probe.printf("collector health is SERVING after %d check(s)", checks)
			return nil
		default:
			last = resp.GetStatus().String()
		}
		probe.printf("waiting for collector health: %s", last)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("collector not serving after %d check(s), last %s: %w", checks, last, ctx.Err())
		case <-timer.C:
		}
		backoff = min(backoff*2, probe.MaxBackoff)
	}
}

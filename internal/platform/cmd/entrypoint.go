// Package cmd holds entrypoint helpers shared by probewatch commands.
package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/louisbranch/probewatch/internal/platform/config"
	"github.com/louisbranch/probewatch/internal/platform/otel"
	"github.com/louisbranch/probewatch/internal/platform/timeouts"
)

// ServiceProbewatch identifies the session client in telemetry and logs.
const ServiceProbewatch = "probewatch"

// LogPrefix returns the standard log prefix for service, e.g. "[PROBEWATCH] ".
func LogPrefix(service string) string {
	return "[" + strings.ToUpper(strings.TrimSpace(service)) + "] "
}

// ParseConfig loads environment defaults into cfg.
func ParseConfig[T any](cfg *T) error {
	if cfg == nil {
		return errors.New("config target is required")
	}
	return config.ParseEnv(cfg)
}

// ParseArgs parses command-line flags and returns the positional arguments
// left after them.
func ParseArgs(fs *flag.FlagSet, args []string) ([]string, error) {
	if fs == nil {
		return nil, errors.New("flag parser is required")
	}
	if args == nil {
		args = []string{}
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return fs.Args(), nil
}

// RunWithTelemetry installs the telemetry provider for service, runs run and
// flushes telemetry before returning. The flush uses a fresh context bounded
// by timeouts.Shutdown so spans recorded during an interrupt still leave the
// process.
func RunWithTelemetry(ctx context.Context, service string, run func(context.Context) error) error {
	service = strings.TrimSpace(service)
	if service == "" {
		return fmt.Errorf("service name is required")
	}
	if run == nil {
		return fmt.Errorf("run function is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	shutdown, err := otel.Setup(ctx, service)
	if err != nil {
		return err
	}
	defer flushTelemetry(service, shutdown, timeouts.Shutdown)

	started := time.Now()
	err = run(ctx)
	if err == nil && ctx.Err() != nil {
		log.Printf("%s interrupted after %s", service, time.Since(started).Round(time.Millisecond))
	}
	return err
}

func flushTelemetry(service string, shutdown func(context.Context) error, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		log.Printf("%s otel shutdown: %v", service, err)
	}
}

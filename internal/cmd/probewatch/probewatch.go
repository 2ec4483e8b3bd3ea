// Package probewatch parses probewatch command flags and starts a monitoring
// session.
package probewatch

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	entrypoint "github.com/louisbranch/probewatch/internal/platform/cmd"
	"github.com/louisbranch/probewatch/internal/services/probewatch/app"
	"github.com/louisbranch/probewatch/internal/services/probewatch/sink"
)

// Config holds probewatch command configuration. Env names carry the
// PROBEWATCH_ prefix.
type Config struct {
	CollectorAddr  string        `env:"COLLECTOR_ADDR" envDefault:"localhost:8082"`
	Target         string        `env:"TARGET"`
	Interval       time.Duration `env:"INTERVAL" envDefault:"10s"`
	Labels         string        `env:"LABELS"`
	Insecure       bool          `env:"INSECURE" envDefault:"true"`
	HealthCheck    bool          `env:"HEALTH_CHECK" envDefault:"false"`
	DialTimeout    time.Duration `env:"DIAL_TIMEOUT" envDefault:"2s"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"5s"`
	Output         string        `env:"OUTPUT" envDefault:"text"`
	Filter         string        `env:"FILTER"`
	Quiet          bool          `env:"QUIET" envDefault:"false"`
	KeepTarget     bool          `env:"KEEP_TARGET" envDefault:"false"`
	Locale         string        `env:"LOCALE"`
}

// ParseConfig parses environment and flags into a Config. The first
// positional argument, when present, is the target address.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.CollectorAddr, "addr", cfg.CollectorAddr, "The collector gRPC address")
	fs.DurationVar(&cfg.Interval, "interval", cfg.Interval, "Probe interval requested from the collector")
	fs.StringVar(&cfg.Labels, "labels", cfg.Labels, `Target labels as a JSON object, e.g. {"env":"prod"}`)
	fs.BoolVar(&cfg.Insecure, "insecure", cfg.Insecure, "Dial the collector without TLS")
	fs.BoolVar(&cfg.HealthCheck, "health-check", cfg.HealthCheck, "Wait for the collector health service before registering")
	fs.DurationVar(&cfg.DialTimeout, "dial-timeout", cfg.DialTimeout, "Collector dial timeout")
	fs.DurationVar(&cfg.RequestTimeout, "request-timeout", cfg.RequestTimeout, "Register and deregister call timeout")
	fs.StringVar(&cfg.Output, "output", cfg.Output, "Output format: text, json or json-pretty")
	fs.StringVar(&cfg.Filter, "filter", cfg.Filter, "Semicolon-separated metric names to print")
	fs.BoolVar(&cfg.Quiet, "quiet", cfg.Quiet, "Suppress metric output")
	fs.BoolVar(&cfg.KeepTarget, "keep-target", cfg.KeepTarget, "Leave the target registered when the collector ends the stream")
	fs.StringVar(&cfg.Locale, "locale", cfg.Locale, "Group digits in text output for this language tag")
	rest, err := entrypoint.ParseArgs(fs, args)
	if err != nil {
		return Config{}, err
	}
	if len(rest) > 1 {
		return Config{}, fmt.Errorf("expected one target, got %d arguments", len(rest))
	}
	if len(rest) == 1 && strings.TrimSpace(rest[0]) != "" {
		cfg.Target = strings.TrimSpace(rest[0])
	}
	if strings.TrimSpace(cfg.Target) == "" {
		return Config{}, errors.New("target address is required")
	}
	if _, err := parseLabels(cfg.Labels); err != nil {
		return Config{}, err
	}
	if _, err := sink.ParseFormat(cfg.Output); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts a monitoring session for the configured target.
func Run(ctx context.Context, cfg Config) error {
	labels, err := parseLabels(cfg.Labels)
	if err != nil {
		return err
	}
	format, err := sink.ParseFormat(cfg.Output)
	if err != nil {
		return err
	}
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceProbewatch, func(ctx context.Context) error {
		return app.Run(ctx, app.RuntimeConfig{
			CollectorAddr:     cfg.CollectorAddr,
			Target:            cfg.Target,
			Interval:          cfg.Interval,
			Labels:            labels,
			Plaintext:         cfg.Insecure,
			HealthCheck:       cfg.HealthCheck,
			DialTimeout:       cfg.DialTimeout,
			RegisterTimeout:   cfg.RequestTimeout,
			DeregisterTimeout: cfg.RequestTimeout,
			KeepTarget:        cfg.KeepTarget,
			Quiet:             cfg.Quiet,
			Output: sink.ConsoleOptions{
				Format: format,
				Filter: cfg.Filter,
				Locale: cfg.Locale,
			},
		})
	})
}

func parseLabels(raw string) (map[string]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var labels map[string]string
	if err := json.Unmarshal([]byte(raw), &labels); err != nil {
		return nil, fmt.Errorf("parse labels: %w", err)
	}
	return labels, nil
}

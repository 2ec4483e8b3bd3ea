// Package app wires a collector connection, a session controller and a record
// sink into one monitoring run.
package app

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	platformgrpc "github.com/louisbranch/probewatch/internal/platform/grpc"
	"github.com/louisbranch/probewatch/internal/platform/timeouts"
	"github.com/louisbranch/probewatch/internal/services/probewatch/collector"
	"github.com/louisbranch/probewatch/internal/services/probewatch/session"
	"github.com/louisbranch/probewatch/internal/services/probewatch/sink"
)

// RuntimeConfig controls one monitoring run.
type RuntimeConfig struct {
	CollectorAddr string
	Target        string
	Interval      time.Duration
	Labels        map[string]string

	Plaintext         bool
	HealthCheck       bool
	DialTimeout       time.Duration
	RegisterTimeout   time.Duration
	DeregisterTimeout time.Duration

	// KeepTarget leaves the target registered when the collector ends the
	// stream on its own. Cancellation always deregisters.
	KeepTarget bool

	// Quiet drops every record instead of printing it.
	Quiet  bool
	Output sink.ConsoleOptions
	// Stdout receives console output; nil means os.Stdout.
	Stdout io.Writer
	// Sink replaces the console sink when set.
	Sink sink.Sink
}

// Run registers the target, forwards records to the sink until the collector
// ends the stream or ctx is cancelled, and leaves the collector without the
// target. Cancellation of ctx is the session's cancellation trigger and is
// not an error.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(cfg.CollectorAddr) == "" {
		return fmt.Errorf("collector address is required")
	}
	target, err := session.NewTarget(cfg.Target, cfg.Interval, cfg.Labels)
	if err != nil {
		return fmt.Errorf("invalid target: %w", err)
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = timeouts.GRPCDial
	}

	out := cfg.Sink
	if out == nil && cfg.Quiet {
		out = sink.Discard
	}
	if out == nil {
		stdout := cfg.Stdout
		if stdout == nil {
			stdout = os.Stdout
		}
		console, err := sink.NewConsole(stdout, cfg.Output)
		if err != nil {
			return fmt.Errorf("configure output: %w", err)
		}
		out = console
	}

	conn, err := platformgrpc.Dial(
		ctx,
		cfg.CollectorAddr,
		platformgrpc.DialOptions{
			Timeout:       cfg.DialTimeout,
			HealthCheck:   cfg.HealthCheck,
			HealthService: collector.ServiceName,
			Logf:          log.Printf,
		},
		platformgrpc.DefaultClientDialOptions(cfg.Plaintext)...,
	)
	if err != nil {
		return fmt.Errorf("dial collector: %w", err)
	}
	defer func() {
		if closeErr := conn.Close(); closeErr != nil {
			log.Printf("close collector connection: %v", closeErr)
		}
	}()

	ctrl := session.NewController(
		collector.NewClient(conn),
		session.WithTrigger(ctx.Done()),
		session.WithLogf(log.Printf),
		session.WithTimeouts(cfg.RegisterTimeout, cfg.DeregisterTimeout),
	)
	sess, err := ctrl.Start(ctx, target)
	if err != nil {
		return err
	}
	log.Printf("streaming metrics for %s", target)

	err = consume(sess, out)
	if err == nil && !cfg.KeepTarget {
		// No-op when cancellation already deregistered. The session logs
		// the failure itself.
		_ = sess.Deregister()
	}
	if sess.DeregisterErr() != nil {
		log.Printf("target %s may still be registered on the collector", target.Address())
	}
	return err
}

// consume forwards records until the sequence ends and waits for any
// teardown in flight. A failing sink cancels the session.
func consume(sess *session.Session, out sink.Sink) error {
	for rec, err := range sess.Records() {
		if err != nil {
			return err
		}
		if err := out.Write(rec); err != nil {
			_ = sess.Cancel()
			<-sess.Done()
			return fmt.Errorf("write record %d: %w", rec.Seq, err)
		}
	}
	<-sess.Done()
	return nil
}

package app

import (
	"bytes"
	"context"
	"errors"
	"log"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	apperrors "github.com/louisbranch/probewatch/internal/platform/errors"
	"github.com/louisbranch/probewatch/internal/services/probewatch/session"
	"github.com/louisbranch/probewatch/internal/services/probewatch/sink"
	"github.com/louisbranch/probewatch/internal/testkit/collectorfake"
	"google.golang.org/protobuf/types/known/structpb"
)

const testTarget = "example.com:443"

type recorder struct {
	mu   sync.Mutex
	recs []session.Record
	// onWrite runs after each record is stored.
	onWrite func(n int)
}

func (r *recorder) Write(rec session.Record) error {
	r.mu.Lock()
	r.recs = append(r.recs, rec)
	n := len(r.recs)
	r.mu.Unlock()
	if r.onWrite != nil {
		r.onWrite(n)
	}
	return nil
}

func (r *recorder) seqs() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, 0, len(r.recs))
	for _, rec := range r.recs {
		out = append(out, rec.Seq)
	}
	return out
}

func rtt(t *testing.T, v float64) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(map[string]any{"tcpinfo_rtt": v})
	if err != nil {
		t.Fatalf("new struct: %v", err)
	}
	return s
}

func baseConfig(addr string, out sink.Sink) RuntimeConfig {
	return RuntimeConfig{
		CollectorAddr:     addr,
		Target:            testTarget,
		Interval:          time.Second,
		Labels:            map[string]string{"env": "test"},
		Plaintext:         true,
		DialTimeout:       time.Second,
		RegisterTimeout:   time.Second,
		DeregisterTimeout: time.Second,
		Sink:              out,
	}
}

func runAsync(ctx context.Context, cfg RuntimeConfig) <-chan error {
	done := make(chan error, 1)
	go func() { done <- Run(ctx, cfg) }()
	return done
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return")
		return nil
	}
}

func methods(calls []collectorfake.Call) []string {
	out := make([]string, 0, len(calls))
	for _, c := range calls {
		out = append(out, c.Method)
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestRunDeliversRecordsUntilCollectorEndsStream(t *testing.T) {
	fake := collectorfake.New()
	addr := fake.Start(t)
	out := &recorder{}

	done := runAsync(context.Background(), baseConfig(addr, out))
	fake.WaitFor(t, 2*time.Second, func() bool { return fake.Count(collectorfake.MethodStreamMetrics) == 1 })
	if err := fake.Publish(testTarget, rtt(t, 1), rtt(t, 2), rtt(t, 3)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := fake.EndStream(testTarget); err != nil {
		t.Fatalf("end stream: %v", err)
	}

	if err := waitRun(t, done); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := out.seqs(); len(got) != 3 || got[0] != 0 || got[2] != 2 {
		t.Fatalf("seqs = %v, want [0 1 2]", got)
	}
	want := []string{collectorfake.MethodRegister, collectorfake.MethodStreamMetrics, collectorfake.MethodDeregister}
	if got := methods(fake.Calls()); !equalStrings(got, want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	if fake.Active(testTarget) {
		t.Fatal("target still registered after final deregistration")
	}
	calls := fake.Calls()
	if calls[0].Interval != time.Second || calls[0].Labels["env"] != "test" {
		t.Fatalf("register call = %+v", calls[0])
	}
}

func TestRunKeepTargetSkipsFinalDeregistration(t *testing.T) {
	fake := collectorfake.New()
	addr := fake.Start(t)
	cfg := baseConfig(addr, &recorder{})
	cfg.KeepTarget = true

	done := runAsync(context.Background(), cfg)
	fake.WaitFor(t, 2*time.Second, func() bool { return fake.Count(collectorfake.MethodStreamMetrics) == 1 })
	if err := fake.EndStream(testTarget); err != nil {
		t.Fatalf("end stream: %v", err)
	}

	if err := waitRun(t, done); err != nil {
		t.Fatalf("run: %v", err)
	}
	if n := fake.Count(collectorfake.MethodDeregister); n != 0 {
		t.Fatalf("deregister calls = %d, want 0", n)
	}
	if !fake.Active(testTarget) {
		t.Fatal("target was removed")
	}
}

func TestRunInterruptDeregistersBeforeClosingStream(t *testing.T) {
	fake := collectorfake.New()
	addr := fake.Start(t)
	ctx, interrupt := context.WithCancel(context.Background())
	defer interrupt()

	out := &recorder{onWrite: func(n int) {
		if n == 2 {
			interrupt()
		}
	}}
	done := runAsync(ctx, baseConfig(addr, out))
	fake.WaitFor(t, 2*time.Second, func() bool { return fake.Count(collectorfake.MethodStreamMetrics) == 1 })
	if err := fake.Publish(testTarget, rtt(t, 1), rtt(t, 2), rtt(t, 3)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if err := waitRun(t, done); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := out.seqs(); len(got) != 2 {
		t.Fatalf("seqs = %v, want two records", got)
	}
	if n := fake.Count(collectorfake.MethodDeregister); n != 1 {
		t.Fatalf("deregister calls = %d, want 1", n)
	}
	if fake.Active(testTarget) {
		t.Fatal("target still registered")
	}
	fake.WaitFor(t, 2*time.Second, func() bool { return len(fake.StreamEnds()) == 1 })
	if end := fake.StreamEnds()[0]; !end.Cancelled {
		t.Fatalf("stream end = %+v, want cancelled by client", end)
	}
}

func TestRunInterruptWhileWaitingForRecords(t *testing.T) {
	fake := collectorfake.New()
	addr := fake.Start(t)
	ctx, interrupt := context.WithCancel(context.Background())
	defer interrupt()

	out := &recorder{}
	done := runAsync(ctx, baseConfig(addr, out))
	fake.WaitFor(t, 2*time.Second, func() bool { return fake.Count(collectorfake.MethodStreamMetrics) == 1 })
	interrupt()

	if err := waitRun(t, done); err != nil {
		t.Fatalf("run: %v", err)
	}
	if n := fake.Count(collectorfake.MethodDeregister); n != 1 {
		t.Fatalf("deregister calls = %d, want 1", n)
	}
	if got := out.seqs(); len(got) != 0 {
		t.Fatalf("seqs = %v, want none", got)
	}
}

func TestRunRegistrationRejected(t *testing.T) {
	fake := collectorfake.New()
	fake.RegisterErr = apperrors.New(apperrors.CodeInvalidTarget, "invalid target")
	addr := fake.Start(t)

	err := Run(context.Background(), baseConfig(addr, &recorder{}))
	var regErr *session.RegistrationError
	if !errors.As(err, &regErr) {
		t.Fatalf("err = %v, want RegistrationError", err)
	}
	if apperrors.CodeOf(err) != apperrors.CodeRegistrationFailed {
		t.Fatalf("code = %s, want %s", apperrors.CodeOf(err), apperrors.CodeRegistrationFailed)
	}
	if !errors.Is(err, apperrors.New(apperrors.CodeInvalidTarget, "")) {
		t.Fatalf("err = %v, want collector cause %s", err, apperrors.CodeInvalidTarget)
	}
	if n := fake.Count(collectorfake.MethodStreamMetrics); n != 0 {
		t.Fatalf("stream calls = %d, want 0", n)
	}
	if n := fake.Count(collectorfake.MethodDeregister); n != 0 {
		t.Fatalf("deregister calls = %d, want 0", n)
	}
}

func TestRunSinkFailureCancelsSession(t *testing.T) {
	fake := collectorfake.New()
	addr := fake.Start(t)
	boom := errors.New("disk full")
	out := sink.Func(func(session.Record) error { return boom })

	done := runAsync(context.Background(), baseConfig(addr, out))
	fake.WaitFor(t, 2*time.Second, func() bool { return fake.Count(collectorfake.MethodStreamMetrics) == 1 })
	if err := fake.Publish(testTarget, rtt(t, 1)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	err := waitRun(t, done)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want sink failure", err)
	}
	if n := fake.Count(collectorfake.MethodDeregister); n != 1 {
		t.Fatalf("deregister calls = %d, want 1", n)
	}
}

func TestRunWritesConsoleOutput(t *testing.T) {
	fake := collectorfake.New()
	addr := fake.Start(t)
	var buf bytes.Buffer
	cfg := baseConfig(addr, nil)
	cfg.Stdout = &buf

	done := runAsync(context.Background(), cfg)
	fake.WaitFor(t, 2*time.Second, func() bool { return fake.Count(collectorfake.MethodStreamMetrics) == 1 })
	if err := fake.Publish(testTarget, rtt(t, 7)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := fake.EndStream(testTarget); err != nil {
		t.Fatalf("end stream: %v", err)
	}
	if err := waitRun(t, done); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := buf.String(); !strings.Contains(got, "Target:"+testTarget) || !strings.Contains(got, "tcpinfo_rtt:7") {
		t.Fatalf("output = %q", got)
	}
}

func TestRunWaitsForCollectorHealth(t *testing.T) {
	fake := collectorfake.New()
	addr := fake.Start(t)
	cfg := baseConfig(addr, &recorder{})
	cfg.HealthCheck = true

	done := runAsync(context.Background(), cfg)
	fake.WaitFor(t, 2*time.Second, func() bool { return fake.Count(collectorfake.MethodStreamMetrics) == 1 })
	if err := fake.EndStream(testTarget); err != nil {
		t.Fatalf("end stream: %v", err)
	}
	if err := waitRun(t, done); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRunQuietDropsRecords(t *testing.T) {
	fake := collectorfake.New()
	addr := fake.Start(t)
	var buf bytes.Buffer
	cfg := baseConfig(addr, nil)
	cfg.Stdout = &buf
	cfg.Quiet = true

	done := runAsync(context.Background(), cfg)
	fake.WaitFor(t, 2*time.Second, func() bool { return fake.Count(collectorfake.MethodStreamMetrics) == 1 })
	if err := fake.Publish(testTarget, rtt(t, 7)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := fake.EndStream(testTarget); err != nil {
		t.Fatalf("end stream: %v", err)
	}
	if err := waitRun(t, done); err != nil {
		t.Fatalf("run: %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("quiet run printed %q", buf.String())
	}
}

func TestRunWarnsWhenCleanupFails(t *testing.T) {
	var logs bytes.Buffer
	log.SetOutput(&logs)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })

	fake := collectorfake.New()
	fake.DeregisterErr = apperrors.New(apperrors.CodeUnknown, "collector busy")
	addr := fake.Start(t)
	ctx, interrupt := context.WithCancel(context.Background())
	defer interrupt()

	done := runAsync(ctx, baseConfig(addr, &recorder{}))
	fake.WaitFor(t, 2*time.Second, func() bool { return fake.Count(collectorfake.MethodStreamMetrics) == 1 })
	interrupt()

	if err := waitRun(t, done); err != nil {
		t.Fatalf("cleanup failure must not change the outcome: %v", err)
	}
	if n := fake.Count(collectorfake.MethodDeregister); n != 1 {
		t.Fatalf("deregister calls = %d, want 1", n)
	}
	if !strings.Contains(logs.String(), "may still be registered") {
		t.Fatalf("expected orphan warning in logs, got %q", logs.String())
	}
}

func TestRunValidatesConfig(t *testing.T) {
	if err := Run(context.Background(), RuntimeConfig{Target: testTarget, Interval: time.Second}); err == nil {
		t.Fatal("expected error for missing collector address")
	}
	if err := Run(context.Background(), RuntimeConfig{CollectorAddr: "127.0.0.1:1", Interval: time.Second}); err == nil {
		t.Fatal("expected error for missing target")
	}
	cfg := RuntimeConfig{CollectorAddr: "127.0.0.1:1", Target: testTarget, Interval: time.Second, Output: sink.ConsoleOptions{Format: "xml"}}
	if err := Run(context.Background(), cfg); err == nil {
		t.Fatal("expected error for unknown output format")
	}
}

package config_test

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"

	"github.com/louisbranch/probewatch/internal/platform/config"
)

type codedError struct{ code int }

func (e codedError) Error() string { return fmt.Sprintf("coded %d", e.code) }
func (e codedError) ExitCode() int { return e.code }

func TestExitErr_UsesExitCoder(t *testing.T) {
	if os.Getenv("TEST_EXITERR_SUBPROCESS") == "1" {
		config.ExitErr("probewatch", fmt.Errorf("run: %w", codedError{code: 3}))
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=^TestExitErr_UsesExitCoder$")
	cmd.Env = append(os.Environ(), "TEST_EXITERR_SUBPROCESS=1")

	out, err := cmd.CombinedOutput()

	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		t.Fatalf("expected *exec.ExitError, got %T: %v", err, err)
	}
	if exitErr.ExitCode() != 3 {
		t.Fatalf("expected exit code 3, got %d", exitErr.ExitCode())
	}
	if !strings.Contains(string(out), "probewatch: run: coded 3") {
		t.Fatalf("unexpected stderr %q", string(out))
	}
}

func TestExitStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "nil", err: nil, want: 0},
		{name: "plain", err: errors.New("boom"), want: 1},
		{name: "coded", err: codedError{code: 2}, want: 2},
		{name: "wrapped coded", err: fmt.Errorf("wrap: %w", codedError{code: 4}), want: 4},
		{name: "non-positive code", err: codedError{code: 0}, want: 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := config.ExitStatus(tc.err); got != tc.want {
				t.Fatalf("ExitStatus = %d, want %d", got, tc.want)
			}
		})
	}
}

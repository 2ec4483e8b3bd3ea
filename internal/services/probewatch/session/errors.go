package session

import (
	"fmt"

	apperrors "github.com/louisbranch/probewatch/internal/platform/errors"
)

// Exit statuses for fatal session errors.
const (
	ExitRegistration = 2
	ExitStream       = 3
)

// ErrSessionActive is returned by Start while another session is live.
var ErrSessionActive = apperrors.New(apperrors.CodeSessionActive, "a session is already active")

// RegistrationError reports a failed or timed out register call. Nothing was
// registered, so no cleanup follows it.
type RegistrationError struct {
	Address string
	Err     error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("register target %s: %v", e.Address, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// ExitCode selects the process status for a failed registration.
func (e *RegistrationError) ExitCode() int { return ExitRegistration }

// StreamError reports a stream that failed after registration. Cleanup holds
// the result of the best-effort deregistration that followed; it never
// replaces Err.
type StreamError struct {
	Address string
	Err     error
	Cleanup error
}

func (e *StreamError) Error() string {
	msg := fmt.Sprintf("stream metrics for %s: %v", e.Address, e.Err)
	if e.Cleanup != nil {
		msg += fmt.Sprintf(" (cleanup: %v)", e.Cleanup)
	}
	return msg
}

func (e *StreamError) Unwrap() error { return e.Err }

// ExitCode selects the process status for a broken stream.
func (e *StreamError) ExitCode() int { return ExitStream }

// DeregistrationError reports a failed cleanup call. It is diagnostic only.
type DeregistrationError struct {
	Address string
	Err     error
}

func (e *DeregistrationError) Error() string {
	return fmt.Sprintf("deregister target %s: %v", e.Address, e.Err)
}

func (e *DeregistrationError) Unwrap() error { return e.Err }

package config

import (
	"errors"
	"fmt"
	"os"
)

// ExitCoder is implemented by errors that select their own process exit status.
type ExitCoder interface {
	ExitCode() int
}

// ExitErr writes err to stderr and exits with the status chosen by ExitStatus.
func ExitErr(prefix string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", prefix, err)
	os.Exit(ExitStatus(err))
}

// ExitStatus returns the process status for err: 0 for nil, the status of the
// first ExitCoder in the chain, otherwise 1.
func ExitStatus(err error) int {
	if err == nil {
		return 0
	}
	var coder ExitCoder
	if errors.As(err, &coder) {
		if code := coder.ExitCode(); code > 0 {
			return code
		}
	}
	return 1
}

// Package timeouts defines the deadlines applied to single-shot collector calls.
// The metric stream itself is never bounded by a deadline.
package timeouts

import "time"

// GRPCDial caps the wait time when dialing the collector.
const GRPCDial = 2 * time.Second

// Register caps the registration call.
const Register = 5 * time.Second

// Deregister caps the deregistration call. It runs on a context detached from
// the interrupted parent so cleanup still reaches the collector.
const Deregister = 5 * time.Second

// Shutdown limits how long telemetry exporters may flush on exit.
const Shutdown = 5 * time.Second

// Package sink receives metric records forwarded by a session.
package sink

import (
	"github.com/louisbranch/probewatch/internal/services/probewatch/session"
)

// Sink consumes records in arrival order.
type Sink interface {
	Write(session.Record) error
}

// Func adapts a function to Sink.
type Func func(session.Record) error

// Write implements Sink.
func (f Func) Write(rec session.Record) error {
	return f(rec)
}

// Discard drops every record.
var Discard Sink = Func(func(session.Record) error { return nil })

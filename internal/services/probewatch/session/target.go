package session

import (
	"fmt"
	"maps"
	"strings"
	"time"

	apperrors "github.com/louisbranch/probewatch/internal/platform/errors"
)

// Target names the endpoint to monitor and its sampling cadence. The zero
// value is invalid; build one with NewTarget. A Target never changes after
// construction.
type Target struct {
	address  string
	interval time.Duration
	labels   map[string]string
}

// NewTarget validates and copies its inputs. A zero interval leaves the
// cadence to the collector.
func NewTarget(address string, interval time.Duration, labels map[string]string) (Target, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return Target{}, apperrors.New(apperrors.CodeInvalidTarget, "target address is required")
	}
	if interval < 0 {
		return Target{}, apperrors.WithMetadata(apperrors.CodeInvalidTarget,
			fmt.Sprintf("interval %v must not be negative", interval),
			map[string]string{"addr": address})
	}
	return Target{address: address, interval: interval, labels: maps.Clone(labels)}, nil
}

// Address identifies the target on the collector.
func (t Target) Address() string { return t.address }

// Interval is the requested sampling cadence.
func (t Target) Interval() time.Duration { return t.interval }

// Labels returns a copy of the target's labels.
func (t Target) Labels() map[string]string { return maps.Clone(t.labels) }

func (t Target) valid() bool { return t.address != "" }

func (t Target) String() string {
	if t.interval > 0 {
		return fmt.Sprintf("%s every %s", t.address, t.interval)
	}
	return t.address
}

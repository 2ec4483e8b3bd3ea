package collector

import (
	"fmt"
	"maps"
	"strings"
	"time"

	apperrors "github.com/louisbranch/probewatch/internal/platform/errors"
	"google.golang.org/protobuf/types/known/structpb"
)

// Ack codes reported by the collector in the acknowledgement body. The
// collector may answer an RPC successfully while rejecting the request.
const (
	AckOK       = 200
	AckExists   = 400
	AckNotFound = 404
)

const (
	fieldAddr     = "addr"
	fieldInterval = "interval"
	fieldLabels   = "labels"
	fieldMessage  = "message"
	fieldCode     = "code"
)

// TargetMessage is the request body shared by all three calls. Only Addr is
// meaningful for StreamMetrics and Deregister.
type TargetMessage struct {
	Addr     string
	Interval time.Duration
	Labels   map[string]string
}

// Ack is the acknowledgement returned by Register and Deregister.
type Ack struct {
	Message string
	Code    int
}

// OK reports whether the collector accepted the request.
func (a Ack) OK() bool {
	return a.Code < 400
}

// Err converts a rejected acknowledgement into a coded error.
func (a Ack) Err(addr string) error {
	if a.OK() {
		return nil
	}
	code := apperrors.CodeUnknown
	switch a.Code {
	case AckExists:
		code = apperrors.CodeTargetExists
	case AckNotFound:
		code = apperrors.CodeTargetNotFound
	}
	msg := strings.TrimSpace(a.Message)
	if msg == "" {
		msg = "collector rejected request"
	}
	return apperrors.WithMetadata(code, fmt.Sprintf("%s (code %d)", msg, a.Code), map[string]string{fieldAddr: addr})
}

// ToStruct encodes the message for the wire.
func (m TargetMessage) ToStruct() (*structpb.Struct, error) {
	fields := map[string]any{fieldAddr: m.Addr}
	if m.Interval > 0 {
		fields[fieldInterval] = m.Interval.String()
	}
	if len(m.Labels) > 0 {
		labels := make(map[string]any, len(m.Labels))
		for k, v := range m.Labels {
			labels[k] = v
		}
		fields[fieldLabels] = labels
	}
	return structpb.NewStruct(fields)
}

// TargetFromStruct decodes a request body. Interval accepts Go duration
// strings; labels must be string-valued.
func TargetFromStruct(s *structpb.Struct) (TargetMessage, error) {
	fields := s.GetFields()
	msg := TargetMessage{Addr: strings.TrimSpace(fields[fieldAddr].GetStringValue())}
	if msg.Addr == "" {
		return TargetMessage{}, apperrors.New(apperrors.CodeInvalidTarget, "target address is required")
	}
	if raw := strings.TrimSpace(fields[fieldInterval].GetStringValue()); raw != "" {
		interval, err := time.ParseDuration(raw)
		if err != nil {
			return TargetMessage{}, apperrors.Wrap(apperrors.CodeInvalidTarget, "parse interval", err)
		}
		msg.Interval = interval
	}
	if labels := fields[fieldLabels].GetStructValue(); labels != nil {
		msg.Labels = make(map[string]string, len(labels.GetFields()))
		for k, v := range labels.GetFields() {
			sv, ok := v.GetKind().(*structpb.Value_StringValue)
			if !ok {
				return TargetMessage{}, apperrors.New(apperrors.CodeInvalidTarget, fmt.Sprintf("label %q must be a string", k))
			}
			msg.Labels[k] = sv.StringValue
		}
	}
	return msg, nil
}

// Clone returns a copy that shares no label storage with m.
func (m TargetMessage) Clone() TargetMessage {
	m.Labels = maps.Clone(m.Labels)
	return m
}

// ToStruct encodes the acknowledgement for the wire.
func (a Ack) ToStruct() *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldMessage: structpb.NewStringValue(a.Message),
		fieldCode:    structpb.NewNumberValue(float64(a.Code)),
	}}
}

// AckFromStruct decodes an acknowledgement. A missing code counts as accepted.
func AckFromStruct(s *structpb.Struct) Ack {
	fields := s.GetFields()
	ack := Ack{Message: fields[fieldMessage].GetStringValue(), Code: AckOK}
	if v, ok := fields[fieldCode]; ok {
		ack.Code = int(v.GetNumberValue())
	}
	return ack
}

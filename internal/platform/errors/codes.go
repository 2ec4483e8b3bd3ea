// Package errors provides coded errors shared by the collector client, the
// session controller and the test collector.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Target errors
	CodeInvalidTarget  Code = "INVALID_TARGET"
	CodeTargetExists   Code = "TARGET_EXISTS"
	CodeTargetNotFound Code = "TARGET_NOT_FOUND"

	// Session errors
	CodeRegistrationFailed   Code = "REGISTRATION_FAILED"
	CodeStreamFailed         Code = "STREAM_FAILED"
	CodeDeregistrationFailed Code = "DEREGISTRATION_FAILED"
	CodeSessionActive        Code = "SESSION_ACTIVE"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	case CodeInvalidTarget:
		return codes.InvalidArgument
	case CodeTargetExists:
		return codes.AlreadyExists
	case CodeTargetNotFound:
		return codes.NotFound
	case CodeSessionActive:
		return codes.FailedPrecondition
	case CodeRegistrationFailed, CodeDeregistrationFailed, CodeStreamFailed:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// codeFromGRPC picks a domain code for a status that carried no ErrorInfo.
func codeFromGRPC(c codes.Code) Code {
	switch c {
	case codes.InvalidArgument:
		return CodeInvalidTarget
	case codes.AlreadyExists:
		return CodeTargetExists
	case codes.NotFound:
		return CodeTargetNotFound
	default:
		return CodeUnknown
	}
}

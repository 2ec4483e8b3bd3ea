package collector

import (
	"errors"

	apperrors "github.com/louisbranch/probewatch/internal/platform/errors"
	"google.golang.org/grpc/status"
)

// statusFromError leaves gRPC statuses alone and converts coded errors so the
// client can recover the code from the ErrorInfo detail.
func statusFromError(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	var domainErr *apperrors.Error
	if errors.As(err, &domainErr) {
		return domainErr.ToGRPCStatus()
	}
	return apperrors.Wrap(apperrors.CodeUnknown, err.Error(), err).ToGRPCStatus()
}

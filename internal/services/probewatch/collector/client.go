package collector

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/louisbranch/probewatch/internal/platform/errors"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client issues collector calls over an established connection.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps conn. The caller keeps ownership of the connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Register adds addr to the collector's active set. Transport failures and
// rejected acknowledgements both return a coded error.
func (c *Client) Register(ctx context.Context, addr string, interval time.Duration, labels map[string]string) error {
	req, err := TargetMessage{Addr: addr, Interval: interval, Labels: labels}.ToStruct()
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidTarget, "encode register request", err)
	}
	return c.unary(ctx, registerMethod, addr, req)
}

// Deregister removes addr from the collector's active set.
func (c *Client) Deregister(ctx context.Context, addr string) error {
	req, err := TargetMessage{Addr: addr}.ToStruct()
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidTarget, "encode deregister request", err)
	}
	return c.unary(ctx, deregisterMethod, addr, req)
}

func (c *Client) unary(ctx context.Context, method, addr string, req *structpb.Struct) error {
	if c == nil || c.conn == nil {
		return fmt.Errorf("collector connection is not configured")
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, method, req, resp); err != nil {
		return apperrors.FromGRPCStatus(err)
	}
	return AckFromStruct(resp).Err(addr)
}

// StreamMetrics opens the server stream for addr. Cancelling ctx closes it.
func (c *Client) StreamMetrics(ctx context.Context, addr string) (MetricStream, error) {
	if c == nil || c.conn == nil {
		return nil, fmt.Errorf("collector connection is not configured")
	}
	req, err := TargetMessage{Addr: addr}.ToStruct()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidTarget, "encode stream request", err)
	}
	stream, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], streamMetricsMethod)
	if err != nil {
		return nil, apperrors.FromGRPCStatus(err)
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, apperrors.FromGRPCStatus(err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, apperrors.FromGRPCStatus(err)
	}
	return &clientMetricStream{stream: stream}, nil
}

// MetricStream yields records from an open StreamMetrics call. Recv blocks for
// the next record and returns io.EOF when the collector ends the stream.
type MetricStream interface {
	Recv() (*structpb.Struct, error)
}

type clientMetricStream struct {
	stream grpc.ClientStream
}

func (s *clientMetricStream) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := s.stream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

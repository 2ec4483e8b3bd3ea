// Package collector is the client side of the remote telemetry collector.
//
// The collector exposes three calls over one gRPC connection: Register adds a
// target to its active set, StreamMetrics server-streams one record per
// sampling interval, and Deregister removes the target. Messages travel as
// google.protobuf.Struct values so the service needs no generated stubs; the
// field layout is fixed by TargetMessage and Ack.
//
// RegisterServer exposes the same service for in-process collectors used by
// tests and local tooling.
package collector

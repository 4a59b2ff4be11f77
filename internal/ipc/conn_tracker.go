package ipc

import (
	"context"
	"sync/atomic"

	"google.golang.org/grpc"
)

// ConnTracker counts in-flight and completed control RPCs.
type ConnTracker struct {
	active atomic.Int64
	served atomic.Uint64
}

// NewConnTracker creates an empty tracker.
func NewConnTracker() *ConnTracker {
	return &ConnTracker{}
}

// ActiveCount returns the number of RPCs in flight.
func (ct *ConnTracker) ActiveCount() int64 {
	return ct.active.Load()
}

// Served returns the number of RPCs completed.
func (ct *ConnTracker) Served() uint64 {
	return ct.served.Load()
}

func (ct *ConnTracker) inc() { ct.active.Add(1) }

func (ct *ConnTracker) dec() {
	ct.active.Add(-1)
	ct.served.Add(1)
}

// UnaryInterceptor returns a gRPC unary server interceptor that tracks active RPCs.
func (ct *ConnTracker) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		ct.inc()
		defer ct.dec()
		return handler(ctx, req)
	}
}

// StreamInterceptor returns a gRPC stream server interceptor that tracks active streams.
func (ct *ConnTracker) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		ct.inc()
		defer ct.dec()
		return handler(srv, ss)
	}
}

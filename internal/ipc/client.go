package ipc

import (
	"context"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const defaultDialTimeout = 5 * time.Second

// Client wraps a gRPC client connected to the control socket.
type Client struct {
	conn   *grpc.ClientConn
	Health healthpb.HealthClient
}

// Dial connects to the control socket at socketPath.
func Dial(socketPath string) (*Client, error) {
	return DialWithTimeout(socketPath, defaultDialTimeout)
}

// DialWithTimeout connects with a custom per-connection timeout.
func DialWithTimeout(socketPath string, timeout time.Duration) (*Client, error) {
	conn, err := grpc.NewClient(
		"passthrough:///"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			d := net.Dialer{Timeout: timeout}
			return d.DialContext(ctx, "unix", socketPath)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("[IPC] dial %s: %w", socketPath, err)
	}
	return &Client{conn: conn, Health: healthpb.NewHealthClient(conn)}, nil
}

// ServiceStatus is one line of a status report.
type ServiceStatus struct {
	Service string
	Status  string
	Err     error
}

// Status queries every known service.
func (c *Client) Status(ctx context.Context) []ServiceStatus {
	out := make([]ServiceStatus, 0, len(Services))
	for _, svc := range Services {
		resp, err := c.Health.Check(ctx, &healthpb.HealthCheckRequest{Service: svc})
		st := ServiceStatus{Service: svc, Err: err}
		if err == nil {
			st.Status = resp.GetStatus().String()
		}
		out = append(out, st)
	}
	return out
}

// Close shuts down the gRPC client connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

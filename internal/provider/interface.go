// Package provider holds the upstream dialers relays connect through.
package provider

import (
	"context"
	"errors"
	"net"
	"syscall"
)

// ErrHandshake marks a connection that reached the upstream proxy but
// failed its negotiation.
var ErrHandshake = errors.New("proxy handshake failed")

// Dialer opens TCP connections to remote services on behalf of relays.
type Dialer interface {
	// DialTCP connects to addr ("ip:port"). The context bounds both the
	// TCP connect and any proxy negotiation.
	DialTCP(ctx context.Context, addr string) (net.Conn, error)

	// Name identifies the dialer in logs and events ("direct", "socks5").
	Name() string
}

// InterfaceBinder returns a net.Dialer.Control function that pins sockets
// to one network interface.
type InterfaceBinder interface {
	BindControl(iface string) func(network, address string, c syscall.RawConn) error
}

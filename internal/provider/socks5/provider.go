// Package socks5 dials remote services through a SOCKS5 proxy using the
// no-authentication method and IPv4 CONNECT requests.
package socks5

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"

	"golang.org/x/net/proxy"

	"tun-router/internal/core"
	"tun-router/internal/provider"
)

// Provider implements provider.Dialer through a SOCKS5 server.
type Provider struct {
	server  string
	forward provider.Dialer
}

// New creates a SOCKS5 dialer for server ("host:port"). Connections to the
// proxy itself go through forward; nil means a plain net.Dialer.
func New(server string, forward provider.Dialer) (*Provider, error) {
	host, port, err := net.SplitHostPort(server)
	if err != nil || host == "" || port == "" {
		return nil, fmt.Errorf("[SOCKS5] invalid server address %q", server)
	}
	if forward == nil {
		forward = plainDialer{}
	}
	return &Provider{server: server, forward: forward}, nil
}

// Server returns the proxy address.
func (p *Provider) Server() string { return p.server }

// DialTCP opens a CONNECT tunnel to addr. Only IPv4 literals are accepted.
// Failures after the proxy accepted the TCP connection wrap
// provider.ErrHandshake.
func (p *Provider) DialTCP(ctx context.Context, addr string) (net.Conn, error) {
	ap, err := netip.ParseAddrPort(addr)
	if err != nil || !ap.Addr().Is4() {
		return nil, fmt.Errorf("[SOCKS5] %q is not an IPv4 address:port", addr)
	}

	fwd := &trackingDialer{forward: p.forward}
	dialer, err := proxy.SOCKS5("tcp", p.server, nil, fwd)
	if err != nil {
		return nil, fmt.Errorf("[SOCKS5] create dialer: %w", err)
	}
	cd, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil, errors.New("[SOCKS5] dialer does not support contexts")
	}

	conn, err := cd.DialContext(ctx, "tcp", addr)
	if err != nil {
		if fwd.connected.Load() {
			return nil, fmt.Errorf("[SOCKS5] %s via %s: %w: %v", addr, p.server, provider.ErrHandshake, err)
		}
		return nil, fmt.Errorf("[SOCKS5] connect to proxy %s: %w", p.server, err)
	}
	core.Log.Debugf("SOCKS5", "CONNECT %s via %s established", addr, p.server)
	return conn, nil
}

// Name returns "socks5".
func (p *Provider) Name() string { return "socks5" }

// trackingDialer records whether the TCP connection to the proxy succeeded,
// so negotiation failures can be told apart from unreachable proxies.
type trackingDialer struct {
	forward   provider.Dialer
	connected atomic.Bool
}

func (d *trackingDialer) Dial(network, addr string) (net.Conn, error) {
	return d.DialContext(context.Background(), network, addr)
}

func (d *trackingDialer) DialContext(ctx context.Context, _, addr string) (net.Conn, error) {
	conn, err := d.forward.DialTCP(ctx, addr)
	if err != nil {
		return nil, err
	}
	d.connected.Store(true)
	return &methodGuard{Conn: conn}, nil
}

type plainDialer struct{}

func (plainDialer) DialTCP(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

func (plainDialer) Name() string { return "plain" }

// errMethodRejected is returned when the proxy selects any method other
// than "no authentication required".
var errMethodRejected = errors.New("proxy did not select no-auth method")

// methodGuard inspects the method-selection reply (the first two bytes the
// proxy sends) and fails the read unless the method is 0x00. Without it a
// reply such as 05 02 would still be followed by a CONNECT request.
type methodGuard struct {
	net.Conn
	seen     int
	rejected bool
}

func (c *methodGuard) Read(b []byte) (int, error) {
	if c.rejected {
		return 0, errMethodRejected
	}
	n, err := c.Conn.Read(b)
	for i := 0; i < n && c.seen < 2; i++ {
		if c.seen == 1 && b[i] != 0x00 {
			c.rejected = true
		}
		c.seen++
	}
	if c.rejected {
		return 0, errMethodRejected
	}
	return n, err
}

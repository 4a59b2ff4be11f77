// Package direct dials remote services without a proxy, optionally bound
// to the egress interface chosen by the route table.
package direct

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"tun-router/internal/core"
	"tun-router/internal/provider"
)

// Provider implements provider.Dialer for direct TCP connections.
type Provider struct {
	iface   string
	localIP netip.Addr
	binder  provider.InterfaceBinder
}

// New creates a direct dialer. An empty iface leaves routing to the kernel;
// localIP, if valid, is used as the source address.
func New(iface string, localIP netip.Addr, binder provider.InterfaceBinder) (*Provider, error) {
	if localIP.IsValid() && !localIP.Is4() {
		return nil, fmt.Errorf("[Direct] localIP must be an IPv4 address, got %s", localIP)
	}
	if binder == nil {
		binder = DeviceBinder{}
	}
	return &Provider{iface: iface, localIP: localIP, binder: binder}, nil
}

// Bound returns a copy of p that binds its sockets to iface.
func (p *Provider) Bound(iface string) *Provider {
	cp := *p
	cp.iface = iface
	return &cp
}

// Iface returns the interface sockets are bound to, if any.
func (p *Provider) Iface() string { return p.iface }

// DialTCP connects to addr, bound to the provider's interface.
func (p *Provider) DialTCP(ctx context.Context, addr string) (net.Conn, error) {
	dialer := &net.Dialer{}
	if p.iface != "" {
		dialer.Control = p.binder.BindControl(p.iface)
	}
	if p.localIP.IsValid() {
		dialer.LocalAddr = &net.TCPAddr{IP: p.localIP.AsSlice()}
	}
	conn, err := dialer.DialContext(ctx, "tcp4", addr)
	if err != nil {
		return nil, fmt.Errorf("[Direct] dial %s: %w", addr, err)
	}
	core.Log.Debugf("Direct", "Connected %s -> %s (iface=%q)", conn.LocalAddr(), addr, p.iface)
	return conn, nil
}

// Name returns "direct".
func (p *Provider) Name() string { return "direct" }

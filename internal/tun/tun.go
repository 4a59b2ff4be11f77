// Package tun provides the router's packet transports: the TUN device, a
// raw-socket listener for return traffic, and a raw-socket sender for
// IP-layer forwarding.
package tun

import (
	"errors"
	"net/netip"

	"tun-router/internal/core"
	"tun-router/internal/packet"
	"tun-router/internal/routing"
)

var tunLog = core.Log.For("TUN")

// ErrUnsupported is returned on platforms without TUN support.
var ErrUnsupported = errors.New("tun: not supported on this platform")

// Forwarding pairs a TUN device with a raw sender so the router forwards
// translated packets at the IP layer.
type Forwarding struct {
	*Device
	Sender *RawSender
}

// Forward emits pkt on route's interface.
func (f Forwarding) Forward(pkt []byte, route routing.RouteEntry) bool {
	if err := f.Sender.Send(pkt, route.Iface); err != nil {
		tunLog.Debugf("Raw forward via %s: %v", route.Iface, err)
		return false
	}
	return true
}

// addressedTo reports whether pkt is an IPv4 packet for dst.
func addressedTo(pkt []byte, dst netip.Addr) bool {
	ip, err := packet.ParseIPv4Header(pkt)
	return err == nil && ip.Dst == dst
}

// destination returns the IPv4 destination of pkt.
func destination(pkt []byte) (netip.Addr, error) {
	ip, err := packet.ParseIPv4Header(pkt)
	if err != nil {
		return netip.Addr{}, err
	}
	return ip.Dst, nil
}

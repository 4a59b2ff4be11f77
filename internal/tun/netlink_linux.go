//go:build linux

package tun

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
)

// Configure sets the MTU, assigns prefix (if valid) and brings the link up.
func Configure(name string, prefix netip.Prefix, mtu int) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("[TUN] link %s: %w", name, err)
	}
	if mtu > 0 {
		if err := netlink.LinkSetMTU(link, mtu); err != nil {
			return fmt.Errorf("[TUN] set mtu %d on %s: %w", mtu, name, err)
		}
	}
	if prefix.IsValid() {
		addr := &netlink.Addr{IPNet: &net.IPNet{
			IP:   prefix.Addr().AsSlice(),
			Mask: net.CIDRMask(prefix.Bits(), 32),
		}}
		if err := netlink.AddrReplace(link, addr); err != nil {
			return fmt.Errorf("[TUN] assign %s to %s: %w", prefix, name, err)
		}
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("[TUN] link up %s: %w", name, err)
	}
	tunLog.Infof("Configured %s (addr=%s, mtu=%d)", name, prefix, mtu)
	return nil
}

// InterfaceIPv4 returns the first IPv4 address assigned to name.
func InterfaceIPv4(name string) (netip.Addr, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("[TUN] link %s: %w", name, err)
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("[TUN] addresses of %s: %w", name, err)
	}
	for _, a := range addrs {
		if ip, ok := netip.AddrFromSlice(a.IP.To4()); ok {
			return ip, nil
		}
	}
	return netip.Addr{}, fmt.Errorf("[TUN] %s has no IPv4 address", name)
}

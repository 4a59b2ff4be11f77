// Package routing resolves the egress route for a destination address.
// A Table composes ordered Providers; the first provider with a matching
// entry answers and results are never merged across providers.
package routing

import (
	"encoding/binary"
	"fmt"
	"math"
	"net/netip"
	"sync"
)

// MaxMetric is the largest hop count accepted or stored. Learned metrics
// saturate here instead of overflowing.
const MaxMetric = math.MaxInt32

// RouteEntry is one routing fact. Metric is a hop count; lower is better.
type RouteEntry struct {
	Dest    netip.Addr
	Netmask netip.Addr
	Gateway netip.Addr
	Iface   string
	Metric  int
}

func addrBits(a netip.Addr) uint32 {
	b := a.As4()
	return binary.BigEndian.Uint32(b[:])
}

// Matches reports whether (ip & netmask) == (dest & netmask).
func (e RouteEntry) Matches(ip netip.Addr) bool {
	if !ip.Is4() || !e.Dest.Is4() || !e.Netmask.Is4() {
		return false
	}
	mask := addrBits(e.Netmask)
	return addrBits(ip)&mask == addrBits(e.Dest)&mask
}

// SameDestination reports whether both entries describe (dest, netmask).
func (e RouteEntry) SameDestination(o RouteEntry) bool {
	return e.Dest == o.Dest && e.Netmask == o.Netmask
}

// Prefix converts dest/netmask to a CIDR prefix. Non-contiguous masks are
// rounded down to their leading ones.
func (e RouteEntry) Prefix() netip.Prefix {
	bits := 0
	for m := addrBits(e.Netmask); m&0x80000000 != 0; m <<= 1 {
		bits++
	}
	p, _ := e.Dest.Prefix(bits)
	return p
}

// String renders the entry in route-file order: dest netmask gateway iface metric.
func (e RouteEntry) String() string {
	return fmt.Sprintf("%s %s %s %s %d", e.Dest, e.Netmask, e.Gateway, e.Iface, e.Metric)
}

// Provider is a source of routes.
type Provider interface {
	Lookup(ip netip.Addr) (RouteEntry, bool)
}

// Table queries providers in registration order.
type Table struct {
	mu        sync.RWMutex
	providers []Provider
}

// NewTable returns a table that consults providers in the given order.
func NewTable(providers ...Provider) *Table {
	t := &Table{}
	for _, p := range providers {
		t.AddProvider(p)
	}
	return t
}

// AddProvider appends p; it is consulted after every provider added before it.
func (t *Table) AddProvider(p Provider) {
	if p == nil {
		return
	}
	t.mu.Lock()
	t.providers = append(t.providers, p)
	t.mu.Unlock()
}

// Lookup returns the first provider's match for ip, regardless of metric.
func (t *Table) Lookup(ip netip.Addr) (RouteEntry, bool) {
	t.mu.RLock()
	providers := t.providers
	t.mu.RUnlock()

	for _, p := range providers {
		if e, ok := p.Lookup(ip); ok {
			return e, true
		}
	}
	return RouteEntry{}, false
}

// firstMatch scans routes linearly and returns the first matching entry.
func firstMatch(routes []RouteEntry, ip netip.Addr) (RouteEntry, bool) {
	for _, r := range routes {
		if r.Matches(ip) {
			return r, true
		}
	}
	return RouteEntry{}, false
}

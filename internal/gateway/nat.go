package gateway

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"sync"

	"tun-router/internal/core"
	"tun-router/internal/packet"
)

var natLog = core.Log.For("NAT")

// ErrPortsExhausted is returned by ApplySNAT when every external port in
// the range is bound for the packet's protocol.
var ErrPortsExhausted = errors.New("NAT port range exhausted")

// FlowKey identifies one endpoint of one protocol. Its text form is
// "ip:port:proto", e.g. "203.0.113.10:40000:6".
type FlowKey struct {
	Addr  netip.Addr
	Port  uint16
	Proto uint8
}

func (k FlowKey) String() string {
	return k.Addr.String() + ":" + strconv.Itoa(int(k.Port)) + ":" + strconv.Itoa(int(k.Proto))
}

// AddrPort returns the address and port of the key.
func (k FlowKey) AddrPort() netip.AddrPort { return netip.AddrPortFrom(k.Addr, k.Port) }

// ParseFlowKey parses the "ip:port:proto" form produced by FlowKey.String.
func ParseFlowKey(s string) (FlowKey, error) {
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return FlowKey{}, fmt.Errorf("bad flow key %q", s)
	}
	proto, err := strconv.ParseUint(s[i+1:], 10, 8)
	if err != nil {
		return FlowKey{}, fmt.Errorf("bad flow key %q: %w", s, err)
	}
	ap, err := netip.ParseAddrPort(s[:i])
	if err != nil {
		return FlowKey{}, fmt.Errorf("bad flow key %q: %w", s, err)
	}
	return FlowKey{Addr: ap.Addr(), Port: ap.Port(), Proto: uint8(proto)}, nil
}

// NATEntry binds one internal endpoint to one external port. Entries are
// immutable once created.
type NATEntry struct {
	InternalIP   netip.Addr
	InternalPort uint16
	ExternalIP   netip.Addr
	ExternalPort uint16
	Protocol     uint8
}

// Key returns the natKey (external side) of the entry.
func (e NATEntry) Key() FlowKey {
	return FlowKey{Addr: e.ExternalIP, Port: e.ExternalPort, Proto: e.Protocol}
}

// reverseKey returns the internal side of the entry.
func (e NATEntry) reverseKey() FlowKey {
	return FlowKey{Addr: e.InternalIP, Port: e.InternalPort, Proto: e.Protocol}
}

// NATOptions configures the external port range. Zero values select
// 40000-65535.
type NATOptions struct {
	PortStart uint16
	PortEnd   uint16
	Bus       *core.EventBus
}

// NAT translates internal TCP/UDP endpoints to ports on one public address.
// byExternal is keyed by natKey (publicIp:externalPort:proto), byInternal
// by reverseKey (srcIp:srcPort:proto).
type NAT struct {
	publicIP  netip.Addr
	portStart uint16
	portEnd   uint16
	bus       *core.EventBus

	mu         sync.RWMutex
	byExternal map[FlowKey]*NATEntry
	byInternal map[FlowKey]FlowKey
	nextPort   uint16
}

// NewNAT returns an empty engine translating to publicIP.
func NewNAT(publicIP netip.Addr, opts NATOptions) *NAT {
	if opts.PortStart == 0 {
		opts.PortStart = 40000
	}
	if opts.PortEnd == 0 || opts.PortEnd < opts.PortStart {
		opts.PortEnd = 65535
	}
	return &NAT{
		publicIP:   publicIP,
		portStart:  opts.PortStart,
		portEnd:    opts.PortEnd,
		bus:        opts.Bus,
		byExternal: make(map[FlowKey]*NATEntry),
		byInternal: make(map[FlowKey]FlowKey),
		nextPort:   opts.PortStart,
	}
}

// PublicIP returns the address internal flows are translated to.
func (n *NAT) PublicIP() netip.Addr { return n.publicIP }

// flowEndpoints decodes pkt and requires a TCP/UDP transport header.
func flowEndpoints(pkt []byte) (packet.Packet, error) {
	p, err := packet.Decode(pkt)
	if err != nil {
		return p, err
	}
	if p.IP.Protocol != packet.ProtoTCP && p.IP.Protocol != packet.ProtoUDP {
		return p, fmt.Errorf("%w: %d", packet.ErrUnsupportedProtocol, p.IP.Protocol)
	}
	if !p.HasTransport {
		return p, packet.ErrTruncated
	}
	return p, nil
}

// ApplySNAT returns a copy of pkt with its source rewritten to the public
// IP and the flow's external port. A known flow reuses its binding; a new
// flow gets the next free port. IPv4 and transport checksums are fixed up.
func (n *NAT) ApplySNAT(pkt []byte) ([]byte, error) {
	p, err := flowEndpoints(pkt)
	if err != nil {
		return nil, fmt.Errorf("[NAT] snat: %w", err)
	}
	internal := FlowKey{Addr: p.IP.Src, Port: p.Transport.SrcPort, Proto: p.IP.Protocol}

	entry, created, err := n.bind(internal)
	if err != nil {
		return nil, fmt.Errorf("[NAT] snat %s: %w", internal, err)
	}
	if created {
		natLog.Debugf("Mapped %s -> %s:%d", internal, entry.ExternalIP, entry.ExternalPort)
		n.bus.Publish(core.Event{Type: core.EventNATBinding, Payload: core.NATPayload{
			Internal: internal.AddrPort(),
			External: netip.AddrPortFrom(entry.ExternalIP, entry.ExternalPort),
			Protocol: entry.Protocol,
		}})
	}

	out := append([]byte(nil), pkt...)
	if err := packet.SetSrc(out, netip.AddrPortFrom(entry.ExternalIP, entry.ExternalPort)); err != nil {
		return nil, fmt.Errorf("[NAT] snat rewrite: %w", err)
	}
	return out, nil
}

// bind returns the binding for internal, creating it if needed.
func (n *NAT) bind(internal FlowKey) (NATEntry, bool, error) {
	n.mu.RLock()
	if k, ok := n.byInternal[internal]; ok {
		e := *n.byExternal[k]
		n.mu.RUnlock()
		return e, false, nil
	}
	n.mu.RUnlock()

	n.mu.Lock()
	defer n.mu.Unlock()
	// Re-check: another goroutine may have bound it between the locks.
	if k, ok := n.byInternal[internal]; ok {
		return *n.byExternal[k], false, nil
	}
	port, err := n.allocPortLocked(internal.Proto)
	if err != nil {
		return NATEntry{}, false, err
	}
	e := &NATEntry{
		InternalIP:   internal.Addr,
		InternalPort: internal.Port,
		ExternalIP:   n.publicIP,
		ExternalPort: port,
		Protocol:     internal.Proto,
	}
	n.byExternal[e.Key()] = e
	n.byInternal[internal] = e.Key()
	return *e, true, nil
}

// allocPortLocked walks the range from nextPort, wrapping to portStart
// after portEnd, and returns the first port not bound for proto.
func (n *NAT) allocPortLocked(proto uint8) (uint16, error) {
	size := int(n.portEnd) - int(n.portStart) + 1
	port := n.nextPort
	for i := 0; i < size; i++ {
		candidate := port
		if port == n.portEnd {
			port = n.portStart
		} else {
			port++
		}
		if _, used := n.byExternal[FlowKey{Addr: n.publicIP, Port: candidate, Proto: proto}]; !used {
			n.nextPort = port
			return candidate, nil
		}
	}
	return 0, ErrPortsExhausted
}

// ApplyDNAT returns pkt with its destination restored to the internal
// endpoint bound to (dstIp, dstPort, proto). Packets without a binding,
// including non-TCP/UDP ones, are returned unchanged with a nil error.
func (n *NAT) ApplyDNAT(pkt []byte) ([]byte, error) {
	p, err := packet.Decode(pkt)
	if err != nil {
		return nil, fmt.Errorf("[NAT] dnat: %w", err)
	}
	if !p.HasTransport {
		return pkt, nil
	}
	key := FlowKey{Addr: p.IP.Dst, Port: p.Transport.DstPort, Proto: p.IP.Protocol}
	e, ok := n.Lookup(key)
	if !ok {
		return pkt, nil
	}

	out := append([]byte(nil), pkt...)
	if err := packet.SetDst(out, netip.AddrPortFrom(e.InternalIP, e.InternalPort)); err != nil {
		return nil, fmt.Errorf("[NAT] dnat rewrite: %w", err)
	}
	return out, nil
}

// Lookup returns the binding stored under natKey.
func (n *NAT) Lookup(key FlowKey) (NATEntry, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	e, ok := n.byExternal[key]
	if !ok {
		return NATEntry{}, false
	}
	return *e, true
}

// LookupInternal returns the binding for an internal endpoint.
func (n *NAT) LookupInternal(internal FlowKey) (NATEntry, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	k, ok := n.byInternal[internal]
	if !ok {
		return NATEntry{}, false
	}
	return *n.byExternal[k], true
}

// OriginalSource returns the internal endpoint bound to the natKey in its
// text form. It is the only NAT capability the relay layer receives.
func (n *NAT) OriginalSource(key string) (netip.AddrPort, bool) {
	k, err := ParseFlowKey(key)
	if err != nil {
		return netip.AddrPort{}, false
	}
	e, ok := n.Lookup(k)
	if !ok {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(e.InternalIP, e.InternalPort), true
}

// Remove drops the binding stored under natKey, freeing its port.
func (n *NAT) Remove(key FlowKey) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	e, ok := n.byExternal[key]
	if !ok {
		return false
	}
	delete(n.byExternal, key)
	delete(n.byInternal, e.reverseKey())
	return true
}

// Len returns the number of live bindings.
func (n *NAT) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.byExternal)
}

// Entries returns a snapshot of all bindings.
func (n *NAT) Entries() []NATEntry {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]NATEntry, 0, len(n.byExternal))
	for _, e := range n.byExternal {
		out = append(out, *e)
	}
	return out
}

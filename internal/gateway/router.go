package gateway

import (
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"tun-router/internal/core"
	"tun-router/internal/metrics"
	"tun-router/internal/packet"
	"tun-router/internal/policy"
	"tun-router/internal/provider"
	"tun-router/internal/relay"
	"tun-router/internal/routing"
)

var gwLog = core.Log.For("Gateway")

// PacketReader yields whole IPv4 packets.
type PacketReader interface {
	ReadPacket(buf []byte) (int, error)
}

// Transport is the packet device the router serves, normally the TUN.
type Transport interface {
	PacketReader
	WritePacket(pkt []byte) error
}

// RawForwarder is implemented by transports that can emit a translated
// packet at the IP layer on the route's interface. When present it is used
// instead of relays.
type RawForwarder interface {
	Forward(pkt []byte, route routing.RouteEntry) bool
}

// DialerFunc picks the upstream dialer for a relay leaving via route.
type DialerFunc func(route routing.RouteEntry) provider.Dialer

// Options wire the router's collaborators.
type Options struct {
	Transport Transport
	// Inbound is an optional second source of return traffic (raw socket).
	// Its packets are reverse-translated and written to Transport.
	Inbound PacketReader

	NAT         *NAT
	Policy      *policy.Pipeline
	Routes      routing.Provider
	LAN         []netip.Prefix
	Dialer      DialerFunc
	DialTimeout time.Duration
	ReadBuffer  int

	Metrics *metrics.Metrics
	Bus     *core.EventBus
}

// Stats is a snapshot of the router's counters.
type Stats struct {
	Received      uint64
	Dropped       uint64
	Forwarded     uint64
	RelayedBytes  uint64
	RelayFailures uint64
	ActiveRelays  int64
}

// Router is the forwarding loop. One goroutine owns the relay set and
// drives NAT; readers feed it over channels.
type Router struct {
	opts Options

	packets     chan []byte
	inbound     chan []byte
	relayEvents chan relayEvent

	// Owned by the loop goroutine.
	relays map[FlowKey]*relayHandle

	wg sync.WaitGroup

	received      atomic.Uint64
	dropped       atomic.Uint64
	forwarded     atomic.Uint64
	relayedBytes  atomic.Uint64
	relayFailures atomic.Uint64
	activeRelays  atomic.Int64
	writeErrors   atomic.Uint64
}

type relayHandle struct {
	key     FlowKey
	remote  netip.AddrPort
	relay   *relay.Relay
	pending [][]byte
}

type relayEventKind int

const (
	relayDialed relayEventKind = iota
	relayPacket
	relayEOF
)

type relayEvent struct {
	kind   relayEventKind
	handle *relayHandle
	relay  *relay.Relay
	pkt    []byte
	err    error
}

// NewRouter validates opts and returns a router ready to Run.
func NewRouter(opts Options) (*Router, error) {
	if opts.Transport == nil {
		return nil, errors.New("[Gateway] no transport")
	}
	if opts.NAT == nil {
		return nil, errors.New("[Gateway] no NAT engine")
	}
	if opts.Routes == nil {
		opts.Routes = routing.NewTable()
	}
	if opts.Policy == nil {
		opts.Policy = &policy.Pipeline{}
	}
	if opts.Dialer == nil {
		return nil, errors.New("[Gateway] no dialer")
	}
	if opts.ReadBuffer <= 0 {
		opts.ReadBuffer = relay.DefaultReadBuffer
	}
	return &Router{
		opts:        opts,
		packets:     make(chan []byte, eventQueueLen),
		inbound:     make(chan []byte, eventQueueLen),
		relayEvents: make(chan relayEvent, eventQueueLen),
		relays:      make(map[FlowKey]*relayHandle),
	}, nil
}

// Stats returns the current counters.
func (r *Router) Stats() Stats {
	return Stats{
		Received:      r.received.Load(),
		Dropped:       r.dropped.Load(),
		Forwarded:     r.forwarded.Load(),
		RelayedBytes:  r.relayedBytes.Load(),
		RelayFailures: r.relayFailures.Load(),
		ActiveRelays:  r.activeRelays.Load(),
	}
}

// Run forwards packets until ctx is cancelled, then closes every relay.
// Readers blocked in ReadPacket exit once the caller closes the transport.
func (r *Router) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go r.readLoop(ctx, r.opts.Transport, r.packets, "tun")
	if r.opts.Inbound != nil {
		go r.readLoop(ctx, r.opts.Inbound, r.inbound, "raw")
	}

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	lastReport := time.Now()

	gwLog.Infof("Forwarding loop started (lan=%v)", r.opts.LAN)
	for {
		select {
		case <-ctx.Done():
			r.shutdown(cancel)
			gwLog.Infof("Forwarding loop stopped")
			return nil
		case pkt := <-r.packets:
			r.processPacket(ctx, pkt)
		case pkt := <-r.inbound:
			r.deliverRaw(pkt)
		case ev := <-r.relayEvents:
			r.handleRelayEvent(ctx, ev)
		case now := <-ticker.C:
			if now.Sub(lastReport) >= statsInterval {
				lastReport = now
				s := r.Stats()
				gwLog.Debugf("10s: rx=%d fwd=%d drop=%d relays=%d relayed=%dB nat=%d",
					s.Received, s.Forwarded, s.Dropped, s.ActiveRelays, s.RelayedBytes, r.opts.NAT.Len())
			}
		}
	}
}

func (r *Router) shutdown(cancel context.CancelFunc) {
	cancel()
	for key := range r.relays {
		r.teardown(key, "shutdown")
	}
	r.wg.Wait()
	// Dial goroutines may have delivered a relay after the set was cleared.
	for {
		select {
		case ev := <-r.relayEvents:
			if ev.kind == relayDialed && ev.relay != nil {
				ev.relay.Close()
			}
		default:
			return
		}
	}
}

// readLoop copies packets from src into out until ctx ends or src closes.
func (r *Router) readLoop(ctx context.Context, src PacketReader, out chan<- []byte, name string) {
	buf := make([]byte, maxPacketSize)
	for {
		n, err := src.ReadPacket(buf)
		if err != nil {
			if ctx.Err() != nil || isClosed(err) {
				gwLog.Debugf("%s reader done: %v", name, err)
				return
			}
			gwLog.Errorf("%s read error: %v", name, err)
			continue
		}
		if n == 0 {
			continue
		}
		r.received.Add(1)
		r.opts.Metrics.Received(name)
		pkt := append([]byte(nil), buf[:n]...)
		select {
		case out <- pkt:
		case <-ctx.Done():
			return
		}
	}
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrClosed) || errors.Is(err, io.EOF)
}

func (r *Router) isLAN(ip netip.Addr) bool {
	for _, p := range r.opts.LAN {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

// processPacket applies policy and then one of the three forwarding paths.
func (r *Router) processPacket(ctx context.Context, pkt []byte) {
	p, err := packet.Decode(pkt)
	if err != nil {
		r.drop(metrics.ReasonMalformed)
		return
	}
	if ok, verdict := r.opts.Policy.AllowPacket(p, len(pkt)); !ok {
		if gwLog.DebugEnabled() {
			gwLog.Debugf("Dropped by %s: %s", verdict, p)
		}
		r.drop(verdict.String())
		return
	}

	srcLAN, dstLAN := r.isLAN(p.IP.Src), r.isLAN(p.IP.Dst)
	switch {
	case srcLAN && !dstLAN:
		r.forwardOutbound(ctx, pkt, p)
	case !srcLAN:
		r.deliverInbound(pkt, "inbound")
	default:
		r.write(pkt, "lan")
	}
}

func (r *Router) forwardOutbound(ctx context.Context, pkt []byte, p packet.Packet) {
	route, ok := r.opts.Routes.Lookup(p.IP.Dst)
	if !ok {
		gwLog.Debugf("No route for %s", p.IP.Dst)
		r.drop(metrics.ReasonNoRoute)
		return
	}

	out, err := r.opts.NAT.ApplySNAT(pkt)
	if err != nil {
		if gwLog.DebugEnabled() {
			gwLog.Debugf("SNAT %s: %v", p, err)
		}
		r.drop(metrics.ReasonNAT)
		return
	}

	if rf, ok := r.opts.Transport.(RawForwarder); ok {
		if rf.Forward(out, route) {
			r.forward("raw")
		} else {
			r.drop(metrics.ReasonWrite)
		}
		return
	}

	if p.IP.Protocol != packet.ProtoTCP {
		if gwLog.DebugEnabled() {
			gwLog.Debugf("No forwarder for %s", p)
		}
		r.drop(metrics.ReasonUnsupported)
		return
	}
	entry, ok := r.opts.NAT.LookupInternal(FlowKey{Addr: p.IP.Src, Port: p.Transport.SrcPort, Proto: packet.ProtoTCP})
	if !ok {
		r.drop(metrics.ReasonNAT)
		return
	}
	r.relayPayload(ctx, entry.Key(), p, route, packet.Payload(out))
}

// relayPayload hands a TCP payload to the flow's relay, creating the relay
// on the flow's first packet.
func (r *Router) relayPayload(ctx context.Context, key FlowKey, p packet.Packet, route routing.RouteEntry, payload []byte) {
	h, ok := r.relays[key]
	if p.Transport.Flags&packet.TCPFlagRST != 0 {
		if ok {
			r.teardown(key, "reset by client")
		} else {
			// SNAT bound the flow for this segment alone.
			r.opts.NAT.Remove(key)
		}
		return
	}
	if !ok {
		h = &relayHandle{key: key, remote: p.Destination()}
		r.relays[key] = h
		r.startDial(ctx, h, route)
	}
	if len(payload) == 0 {
		return
	}
	payload = append([]byte(nil), payload...)

	if h.relay == nil {
		if len(h.pending) >= maxPendingPayloads {
			r.drop(metrics.ReasonRelay)
			return
		}
		h.pending = append(h.pending, payload)
		return
	}
	r.send(h, payload)
}

func (r *Router) send(h *relayHandle, payload []byte) bool {
	if !h.relay.SendPayload(payload) {
		r.drop(metrics.ReasonRelay)
		r.teardown(h.key, "write failed")
		return false
	}
	r.relayedBytes.Add(uint64(len(payload)))
	r.opts.Metrics.RelayTx(len(payload))
	r.forward("relay")
	return true
}

func (r *Router) startDial(ctx context.Context, h *relayHandle, route routing.RouteEntry) {
	dialer := r.opts.Dialer(route)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		rel, err := relay.Dial(ctx, relay.Options{
			Dialer:     dialer,
			Remote:     h.remote,
			Key:        h.key.String(),
			Source:     r.opts.NAT,
			PublicIP:   r.opts.NAT.PublicIP(),
			ReadBuffer: r.opts.ReadBuffer,
			Timeout:    r.opts.DialTimeout,
			Bus:        r.opts.Bus,
		})
		if !r.emit(ctx, relayEvent{kind: relayDialed, handle: h, relay: rel, err: err}) && rel != nil {
			rel.Close()
		}
	}()
}

// readRelay turns remote data into reply packets for the loop.
func (r *Router) readRelay(ctx context.Context, h *relayHandle, rel *relay.Relay) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			pkt := rel.ReceivePacket()
			if pkt == nil {
				r.emit(ctx, relayEvent{kind: relayEOF, handle: h})
				return
			}
			if !r.emit(ctx, relayEvent{kind: relayPacket, handle: h, pkt: pkt}) {
				return
			}
		}
	}()
}

func (r *Router) emit(ctx context.Context, ev relayEvent) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case r.relayEvents <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (r *Router) handleRelayEvent(ctx context.Context, ev relayEvent) {
	cur, live := r.relays[ev.handle.key]
	if !live || cur != ev.handle {
		// The flow was torn down while this event was in flight.
		if ev.kind == relayDialed && ev.relay != nil {
			ev.relay.Close()
		}
		return
	}
	h := ev.handle

	switch ev.kind {
	case relayDialed:
		if ev.err != nil {
			r.relayFailures.Add(1)
			r.opts.Metrics.RelayFailed()
			r.drop(metrics.ReasonRelay)
			delete(r.relays, h.key)
			r.opts.NAT.Remove(h.key)
			return
		}
		h.relay = ev.relay
		r.activeRelays.Add(1)
		r.opts.Metrics.RelayOpened()
		pending := h.pending
		h.pending = nil
		for _, payload := range pending {
			if !r.send(h, payload) {
				return
			}
		}
		r.readRelay(ctx, h, h.relay)

	case relayPacket:
		r.opts.Metrics.RelayRx(len(ev.pkt) - packet.IPv4MinHeaderLen - packet.TCPMinHeaderLen)
		r.write(ev.pkt, "reply")

	case relayEOF:
		r.teardown(h.key, "closed by remote")
	}
}

// teardown closes the flow's relay and releases its NAT binding. A later
// packet of the same internal flow is bound afresh and may get a new
// external port; in relay mode that port never appears on the wire.
func (r *Router) teardown(key FlowKey, reason string) {
	h, ok := r.relays[key]
	if !ok {
		return
	}
	delete(r.relays, key)
	if h.relay != nil {
		h.relay.Close()
		r.activeRelays.Add(-1)
		r.opts.Metrics.RelayClosed()
	}
	r.opts.NAT.Remove(key)
	gwLog.Debugf("Relay %s removed: %s", key, reason)
}

// deliverInbound reverse-translates pkt and writes it to the transport.
func (r *Router) deliverInbound(pkt []byte, path string) {
	out, err := r.opts.NAT.ApplyDNAT(pkt)
	if err != nil {
		r.drop(metrics.ReasonNAT)
		return
	}
	r.write(out, path)
}

// deliverRaw handles return traffic captured off the raw socket. Only
// packets addressed to a live binding are written to the transport.
func (r *Router) deliverRaw(pkt []byte) {
	p, err := packet.Decode(pkt)
	if err != nil || !p.HasTransport {
		r.drop(metrics.ReasonMalformed)
		return
	}
	key := FlowKey{Addr: p.IP.Dst, Port: p.Transport.DstPort, Proto: p.IP.Protocol}
	if _, ok := r.opts.NAT.Lookup(key); !ok {
		return
	}
	r.deliverInbound(pkt, "return")
}

func (r *Router) write(pkt []byte, path string) {
	if err := r.opts.Transport.WritePacket(pkt); err != nil {
		if d := r.writeErrors.Add(1); d == 1 || d%10000 == 0 {
			gwLog.Warnf("Write drop #%d: %v", d, err)
		}
		r.drop(metrics.ReasonWrite)
		return
	}
	r.forward(path)
}

func (r *Router) forward(path string) {
	r.forwarded.Add(1)
	r.opts.Metrics.Forwarded(path)
}

func (r *Router) drop(reason string) {
	r.dropped.Add(1)
	r.opts.Metrics.Dropped(reason)
}

package routing

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"tun-router/internal/core"
)

var dvLog = core.Log.For("DV")

// DefaultDVPort is the UDP port route advertisements are exchanged on.
const DefaultDVPort = 54321

// maxDatagram bounds one advertisement datagram.
const maxDatagram = 1500

// DynamicOptions configures a distance-vector peer.
type DynamicOptions struct {
	// LocalIP is written into advertisements and used to ignore our own
	// broadcasts.
	LocalIP netip.Addr
	// Iface is advertised and set on learned routes.
	Iface string
	// Target receives advertisements, 255.255.255.255:54321 by default.
	Target netip.AddrPort
	// ListenAddr is the receive socket address, ":<Target port>" by default.
	ListenAddr string
	// Interval between advertisement rounds, 10s by default.
	Interval time.Duration
	// Bus receives EventRouteLearned / EventRouteUpdated; may be nil.
	Bus *core.EventBus
}

// DynamicProvider is a distance-vector peer. It periodically broadcasts
// every known route and relaxes its table with received advertisements
// (metric+1, lower wins). There is no split horizon or poison reverse.
type DynamicProvider struct {
	opts DynamicOptions

	mu     sync.RWMutex
	routes []RouteEntry

	lifecycle sync.Mutex
	sendConn  net.PacketConn
	recvConn  net.PacketConn
	cancel    context.CancelFunc
	stopped   bool
	wg        sync.WaitGroup
}

// NewDynamicProvider applies defaults to opts and returns an idle peer.
func NewDynamicProvider(opts DynamicOptions) *DynamicProvider {
	if !opts.Target.IsValid() {
		opts.Target = netip.AddrPortFrom(netip.AddrFrom4([4]byte{255, 255, 255, 255}), DefaultDVPort)
	}
	if opts.ListenAddr == "" {
		opts.ListenAddr = fmt.Sprintf(":%d", opts.Target.Port())
	}
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	return &DynamicProvider{opts: opts}
}

// Lookup returns the first route matching ip.
func (d *DynamicProvider) Lookup(ip netip.Addr) (RouteEntry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return firstMatch(d.routes, ip)
}

// Routes returns a snapshot of the route table.
func (d *DynamicProvider) Routes() []RouteEntry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]RouteEntry(nil), d.routes...)
}

// Len returns the number of known routes.
func (d *DynamicProvider) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.routes)
}

// Seed installs locally originated routes so the peer has something to
// advertise. A seeded entry replaces an existing one for the same
// destination only if its metric is lower.
func (d *DynamicProvider) Seed(entries []RouteEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range entries {
		if !e.Gateway.IsValid() {
			e.Gateway = d.opts.LocalIP
		}
		if e.Iface == "" {
			e.Iface = d.opts.Iface
		}
		if i := d.indexLocked(e); i >= 0 {
			if e.Metric < d.routes[i].Metric {
				d.routes[i] = e
			}
			continue
		}
		d.routes = append(d.routes, e)
	}
}

func (d *DynamicProvider) indexLocked(e RouteEntry) int {
	for i := range d.routes {
		if d.routes[i].SameDestination(e) {
			return i
		}
	}
	return -1
}

// Merge relaxes the table with routes advertised by sender. For a known
// (dest, netmask) the entry is replaced iff metric+1 is lower; unknown
// destinations are inserted with metric+1. Metrics saturate at MaxMetric.
// Returns the entries that changed.
func (d *DynamicProvider) Merge(advertised []RouteEntry, sender netip.Addr) []RouteEntry {
	var changed []RouteEntry
	var events []core.Event

	d.mu.Lock()
	for _, r := range advertised {
		learned := RouteEntry{
			Dest:    r.Dest,
			Netmask: r.Netmask,
			Gateway: sender,
			Iface:   d.opts.Iface,
			Metric:  nextHop(r.Metric),
		}
		if learned.Iface == "" {
			learned.Iface = r.Iface
		}
		if i := d.indexLocked(r); i >= 0 {
			if learned.Metric < d.routes[i].Metric {
				d.routes[i] = learned
				changed = append(changed, learned)
				events = append(events, routeEvent(core.EventRouteUpdated, learned))
			}
			continue
		}
		d.routes = append(d.routes, learned)
		changed = append(changed, learned)
		events = append(events, routeEvent(core.EventRouteLearned, learned))
	}
	d.mu.Unlock()

	for _, ev := range events {
		d.opts.Bus.Publish(ev)
	}
	for _, c := range changed {
		dvLog.Infof("Route %s/%s via %s metric %d", c.Dest, c.Netmask, c.Gateway, c.Metric)
	}
	return changed
}

func nextHop(m int) int {
	if m < 0 {
		m = 0
	}
	if m >= MaxMetric {
		return MaxMetric
	}
	return m + 1
}

func routeEvent(t core.EventType, e RouteEntry) core.Event {
	return core.Event{Type: t, Payload: core.RoutePayload{
		Dest: e.Dest, Netmask: e.Netmask, Gateway: e.Gateway, Metric: e.Metric,
	}}
}

// Start opens the broadcast and receive sockets and spawns the send and
// receive loops. They run until ctx is cancelled or Stop is called.
func (d *DynamicProvider) Start(ctx context.Context) error {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()
	if d.cancel != nil {
		return errors.New("[DV] already started")
	}

	lc := net.ListenConfig{Control: broadcastControl}
	recv, err := lc.ListenPacket(ctx, "udp4", d.opts.ListenAddr)
	if err != nil {
		return fmt.Errorf("[DV] listen %s: %w", d.opts.ListenAddr, err)
	}
	send, err := lc.ListenPacket(ctx, "udp4", ":0")
	if err != nil {
		recv.Close()
		return fmt.Errorf("[DV] open broadcast socket: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	d.recvConn, d.sendConn, d.cancel = recv, send, cancel

	d.wg.Add(3)
	go d.sendLoop(ctx)
	go d.receiveLoop()
	go func() {
		defer d.wg.Done()
		<-ctx.Done()
		// Closing the sockets unblocks ReadFrom in receiveLoop.
		recv.Close()
		send.Close()
	}()

	dvLog.Infof("Started: local %s, advertising to %s every %s", d.opts.LocalIP, d.opts.Target, d.opts.Interval)
	return nil
}

// LocalAddr returns the receive socket address, or nil before Start.
func (d *DynamicProvider) LocalAddr() net.Addr {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()
	if d.recvConn == nil {
		return nil
	}
	return d.recvConn.LocalAddr()
}

// Stop terminates both loops and waits for them. Safe to call more than
// once and before Start.
func (d *DynamicProvider) Stop() {
	d.lifecycle.Lock()
	cancel := d.cancel
	if cancel == nil || d.stopped {
		d.lifecycle.Unlock()
		return
	}
	d.stopped = true
	d.lifecycle.Unlock()

	cancel()
	d.wg.Wait()
	dvLog.Infof("Stopped")
}

func (d *DynamicProvider) sendLoop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.opts.Interval)
	defer ticker.Stop()

	target := net.UDPAddrFromAddrPort(d.opts.Target)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.advertise(target)
		}
	}
}

// advertise sends one datagram per known route.
func (d *DynamicProvider) advertise(target net.Addr) {
	for _, r := range d.Routes() {
		msg := FormatAdvertisement(r, d.opts.LocalIP, d.opts.Iface)
		if _, err := d.sendConn.WriteTo([]byte(msg), target); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			dvLog.Warnf("Advertise %s: %v", r.Dest, err)
		}
	}
}

func (d *DynamicProvider) receiveLoop() {
	defer d.wg.Done()
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := d.recvConn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			dvLog.Warnf("Receive: %v", err)
			continue
		}
		udp, ok := from.(*net.UDPAddr)
		if !ok {
			continue
		}
		sender := udp.AddrPort().Addr().Unmap()
		if sender == d.opts.LocalIP {
			continue
		}
		entries, err := ParseAdvertisement(buf[:n])
		if err != nil {
			dvLog.Debugf("Drop advertisement from %s: %v", sender, err)
			continue
		}
		// A datagram naming us as gateway is our own broadcast looped back.
		entries = dropOwn(entries, d.opts.LocalIP)
		if len(entries) > 0 {
			d.Merge(entries, sender)
		}
	}
}

func dropOwn(entries []RouteEntry, local netip.Addr) []RouteEntry {
	out := entries[:0]
	for _, e := range entries {
		if e.Gateway != local {
			out = append(out, e)
		}
	}
	return out
}

// FormatAdvertisement renders one route as "dest netmask senderIp iface metric".
func FormatAdvertisement(r RouteEntry, sender netip.Addr, iface string) string {
	return fmt.Sprintf("%s %s %s %s %d", r.Dest, r.Netmask, sender, iface, r.Metric)
}

// ParseAdvertisement decodes one or more newline-separated advertisement
// lines. Any malformed line rejects the whole datagram.
func ParseAdvertisement(b []byte) ([]RouteEntry, error) {
	var out []RouteEntry
	for _, line := range strings.Split(strings.TrimSpace(string(b)), "\n") {
		f := strings.Fields(line)
		if len(f) == 0 {
			continue
		}
		if len(f) != 5 {
			return nil, fmt.Errorf("want 5 fields, got %d", len(f))
		}
		e, err := parseRouteFields(f, 5)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if len(out) == 0 {
		return nil, errors.New("empty advertisement")
	}
	return out, nil
}

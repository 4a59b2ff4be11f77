// Package relay carries the payload of one outbound TCP flow over a real
// socket and turns the remote's replies back into IPv4/TCP packets for the
// internal host.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"

	"tun-router/internal/core"
	"tun-router/internal/packet"
	"tun-router/internal/provider"
)

var relayLog = core.Log.For("Relay")

// DefaultReadBuffer is the largest payload read from the remote per packet.
const DefaultReadBuffer = 2000

var (
	// ErrHandshake is returned when a SOCKS5 proxy was reached but refused
	// the method selection or the CONNECT request.
	ErrHandshake = provider.ErrHandshake
	// ErrClosed is returned by operations on a closed relay.
	ErrClosed = errors.New("relay closed")
)

// State is the lifecycle state of a relay.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SourceLookup resolves a NAT key ("publicIp:port:proto") to the internal
// endpoint that opened the flow. The NAT engine implements it.
type SourceLookup interface {
	OriginalSource(key string) (netip.AddrPort, bool)
}

// Options configure Dial.
type Options struct {
	Dialer     provider.Dialer
	Remote     netip.AddrPort
	Key        string
	Source     SourceLookup
	PublicIP   netip.Addr
	ReadBuffer int
	// Timeout bounds the connect and any proxy negotiation. Zero means only
	// the caller's context applies.
	Timeout time.Duration
	Bus     *core.EventBus
}

// Relay is one TCP connection to a remote service, correlated to a NAT
// binding by Key.
type Relay struct {
	ID  string
	Key string

	conn     net.Conn
	remote   netip.AddrPort
	source   SourceLookup
	publicIP netip.Addr
	via      string
	bus      *core.EventBus
	buf      []byte

	mu    sync.Mutex
	state State
	seq   uint32
}

// Dial connects to opts.Remote through opts.Dialer. On failure the returned
// relay is nil and the error wraps ErrHandshake when a proxy rejected the
// negotiation.
func Dial(ctx context.Context, opts Options) (*Relay, error) {
	if opts.Dialer == nil {
		return nil, errors.New("[Relay] no dialer")
	}
	if !opts.Remote.Addr().Is4() {
		return nil, fmt.Errorf("[Relay] remote %s is not IPv4", opts.Remote)
	}
	size := opts.ReadBuffer
	if size <= 0 {
		size = DefaultReadBuffer
	}
	r := &Relay{
		ID:       uuid.NewString(),
		Key:      opts.Key,
		remote:   opts.Remote,
		source:   opts.Source,
		publicIP: opts.PublicIP,
		via:      opts.Dialer.Name(),
		bus:      opts.Bus,
		buf:      make([]byte, size),
		state:    StateConnecting,
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	conn, err := opts.Dialer.DialTCP(ctx, opts.Remote.String())
	if err != nil {
		r.state = StateClosed
		relayLog.Warnf("Relay %s to %s via %s failed: %v", r.Key, r.remote, r.via, err)
		r.publish(core.EventRelayClosed, err)
		return nil, fmt.Errorf("[Relay] dial %s via %s: %w", opts.Remote, r.via, err)
	}
	r.conn = conn
	r.state = StateConnected
	relayLog.Infof("Relay %s opened to %s via %s (id=%s)", r.Key, r.remote, r.via, r.ID)
	r.publish(core.EventRelayOpened, nil)
	return r, nil
}

// Remote returns the remote endpoint.
func (r *Relay) Remote() netip.AddrPort { return r.remote }

// State returns the current lifecycle state.
func (r *Relay) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// IsConnected reports whether the relay can carry data.
func (r *Relay) IsConnected() bool { return r.State() == StateConnected }

// SendPayload writes b to the remote and reports whether every byte was
// written.
func (r *Relay) SendPayload(b []byte) bool {
	if !r.IsConnected() {
		return false
	}
	n, err := r.conn.Write(b)
	if err != nil {
		relayLog.Debugf("Relay %s write: %v", r.Key, err)
		return false
	}
	return n == len(b)
}

// ReceivePayload blocks for the next chunk from the remote. It returns nil
// on EOF or error, after which the caller tears the relay down.
func (r *Relay) ReceivePayload() []byte {
	if !r.IsConnected() {
		return nil
	}
	n, err := r.conn.Read(r.buf)
	if n > 0 {
		return append([]byte(nil), r.buf[:n]...)
	}
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		relayLog.Debugf("Relay %s read: %v", r.Key, err)
	}
	return nil
}

// ReceivePacket reads the next chunk and wraps it in an IPv4/TCP packet
// from the public IP and remote port to the flow's internal endpoint. It
// returns nil on EOF, error, or when the NAT binding is gone.
func (r *Relay) ReceivePacket() []byte {
	payload := r.ReceivePayload()
	if payload == nil {
		return nil
	}
	return r.buildReply(payload)
}

func (r *Relay) buildReply(payload []byte) []byte {
	if r.source == nil {
		return nil
	}
	dst, ok := r.source.OriginalSource(r.Key)
	if !ok {
		relayLog.Warnf("Relay %s: no NAT binding for reply", r.Key)
		return nil
	}

	// The relay terminates TCP itself, so this sequence space is local: it
	// starts at 0 and is not synchronised with the client's handshake, and
	// Ack stays 0.
	r.mu.Lock()
	seq := r.seq
	r.seq += uint32(len(payload))
	r.mu.Unlock()

	return packet.BuildTCP(packet.TCPSpec{
		Src:     netip.AddrPortFrom(r.publicIP, r.remote.Port()),
		Dst:     dst,
		Seq:     seq,
		Flags:   packet.TCPFlagPSH | packet.TCPFlagACK,
		Payload: payload,
	})
}

// Close releases the socket. It is safe to call more than once.
func (r *Relay) Close() error {
	r.mu.Lock()
	if r.state == StateClosed {
		r.mu.Unlock()
		return nil
	}
	r.state = StateClosed
	r.mu.Unlock()

	var err error
	if r.conn != nil {
		err = r.conn.Close()
	}
	relayLog.Infof("Relay %s closed (id=%s)", r.Key, r.ID)
	r.publish(core.EventRelayClosed, nil)
	return err
}

func (r *Relay) publish(t core.EventType, err error) {
	r.bus.Publish(core.Event{Type: t, Payload: core.RelayPayload{
		ID:     r.ID,
		Key:    r.Key,
		Remote: r.remote,
		Via:    r.via,
		Err:    err,
	}})
}

package policy

import (
	"sync"
	"time"

	"tun-router/internal/packet"
)

// window is the length of one QoS accounting period.
const window = time.Second

// FlowState counts bytes admitted for one rule in the current window.
type FlowState struct {
	BytesSent   uint64
	WindowStart time.Time
}

// QoS rate-limits packets per matching rule using a fixed one-second
// window. Flow states are never evicted.
type QoS struct {
	rules []QoSRule

	// Now is the clock; tests replace it.
	Now func() time.Time

	mu    sync.Mutex
	flows map[string]*FlowState
}

// NewQoS returns a limiter over a copy of rules.
func NewQoS(rules []QoSRule) *QoS {
	return &QoS{
		rules: append([]QoSRule(nil), rules...),
		Now:   time.Now,
		flows: make(map[string]*FlowState),
	}
}

// Rules returns the configured rules.
func (q *QoS) Rules() []QoSRule {
	return append([]QoSRule(nil), q.rules...)
}

// Allow decodes pkt and applies AllowPacket. Malformed packets are rejected.
func (q *QoS) Allow(pkt []byte) bool {
	p, err := packet.Decode(pkt)
	if err != nil {
		return false
	}
	return q.AllowPacket(p, len(pkt))
}

// AllowPacket charges size bytes to the first rule matching p. Packets
// matching no rule are admitted without accounting.
func (q *QoS) AllowPacket(p packet.Packet, size int) bool {
	if q == nil {
		return true
	}
	for i := range q.rules {
		r := &q.rules[i]
		if !addrMatches(r.SrcIP, p.IP.Src) || !addrMatches(r.DstIP, p.IP.Dst) || !r.Protocol.Matches(p.IP.Protocol) {
			continue
		}
		return q.charge(r, uint64(size))
	}
	return true
}

func (q *QoS) charge(r *QoSRule, size uint64) bool {
	now := q.Now()
	key := r.flowKey()

	q.mu.Lock()
	defer q.mu.Unlock()

	st, ok := q.flows[key]
	if !ok {
		st = &FlowState{WindowStart: now}
		q.flows[key] = st
	}
	if now.Sub(st.WindowStart) >= window {
		st.BytesSent = 0
		st.WindowStart = now
	}
	if st.BytesSent+size > r.MaxRateBytesPerSec {
		return false
	}
	st.BytesSent += size
	return true
}

// Flows returns a snapshot of the per-rule counters keyed by flow key.
func (q *QoS) Flows() map[string]FlowState {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]FlowState, len(q.flows))
	for k, v := range q.flows {
		out[k] = *v
	}
	return out
}

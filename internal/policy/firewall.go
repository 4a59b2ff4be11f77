package policy

import (
	"tun-router/internal/packet"
)

// Firewall evaluates FirewallRules in order; the first match decides and
// packets matching no rule are allowed.
type Firewall struct {
	rules []FirewallRule
}

// NewFirewall returns a firewall over a copy of rules.
func NewFirewall(rules []FirewallRule) *Firewall {
	return &Firewall{rules: append([]FirewallRule(nil), rules...)}
}

// Rules returns the configured rules.
func (f *Firewall) Rules() []FirewallRule {
	return append([]FirewallRule(nil), f.rules...)
}

// Allow decodes pkt and applies AllowPacket. Malformed packets are rejected.
func (f *Firewall) Allow(pkt []byte) bool {
	p, err := packet.Decode(pkt)
	if err != nil {
		return false
	}
	return f.AllowPacket(p)
}

// AllowPacket applies the rules to an already decoded packet.
func (f *Firewall) AllowPacket(p packet.Packet) bool {
	if f == nil {
		return true
	}
	for i := range f.rules {
		if f.rules[i].matches(p) {
			return f.rules[i].Action == ActionAllow
		}
	}
	return true
}

func (r *FirewallRule) matches(p packet.Packet) bool {
	if !addrMatches(r.SrcIP, p.IP.Src) || !addrMatches(r.DstIP, p.IP.Dst) {
		return false
	}
	if !r.Protocol.Matches(p.IP.Protocol) {
		return false
	}
	// Ports only constrain TCP/UDP packets whose header is present.
	if p.HasTransport {
		if r.SrcPort != 0 && r.SrcPort != p.Transport.SrcPort {
			return false
		}
		if r.DstPort != 0 && r.DstPort != p.Transport.DstPort {
			return false
		}
	}
	return true
}

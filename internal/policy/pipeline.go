package policy

import "tun-router/internal/packet"

// Verdict names the pipeline stage that decided a packet.
type Verdict uint8

const (
	VerdictAdmit Verdict = iota
	VerdictMalformed
	VerdictFirewall
	VerdictQoS
)

func (v Verdict) String() string {
	switch v {
	case VerdictAdmit:
		return "admit"
	case VerdictMalformed:
		return "malformed"
	case VerdictFirewall:
		return "firewall"
	case VerdictQoS:
		return "qos"
	default:
		return "unknown"
	}
}

// Pipeline runs the firewall and then QoS. Either stage may be nil.
type Pipeline struct {
	Firewall *Firewall
	QoS      *QoS
}

// Allow decodes pkt and applies AllowPacket.
func (pl *Pipeline) Allow(pkt []byte) (bool, Verdict) {
	p, err := packet.Decode(pkt)
	if err != nil {
		return false, VerdictMalformed
	}
	return pl.AllowPacket(p, len(pkt))
}

// AllowPacket admits p only if both stages admit it. QoS is not charged
// for packets the firewall drops.
func (pl *Pipeline) AllowPacket(p packet.Packet, size int) (bool, Verdict) {
	if !pl.Firewall.AllowPacket(p) {
		return false, VerdictFirewall
	}
	if !pl.QoS.AllowPacket(p, size) {
		return false, VerdictQoS
	}
	return true, VerdictAdmit
}

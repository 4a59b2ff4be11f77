// Package policy implements the admission pipeline run on every packet:
// an ordered first-match firewall followed by per-rule fixed-window rate limiting.
package policy

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strconv"
	"strings"

	"tun-router/internal/core"
	"tun-router/internal/packet"
)

// ErrSyntax is returned for rule lines that cannot be parsed.
var ErrSyntax = errors.New("rule syntax error")

// Protocol selects which IP protocol a rule applies to.
type Protocol uint8

const (
	ProtoAny Protocol = 0
	ProtoTCP Protocol = Protocol(packet.ProtoTCP)
	ProtoUDP Protocol = Protocol(packet.ProtoUDP)
)

func (p Protocol) String() string {
	switch p {
	case ProtoAny:
		return "ANY"
	case ProtoTCP:
		return "TCP"
	case ProtoUDP:
		return "UDP"
	default:
		return strconv.Itoa(int(p))
	}
}

// Matches reports whether the rule protocol covers the packet protocol.
func (p Protocol) Matches(proto uint8) bool {
	return p == ProtoAny || uint8(p) == proto
}

func parseProtocol(s string) (Protocol, error) {
	switch strings.ToUpper(s) {
	case "ANY":
		return ProtoAny, nil
	case "TCP":
		return ProtoTCP, nil
	case "UDP":
		return ProtoUDP, nil
	default:
		return 0, fmt.Errorf("unknown protocol %q", s)
	}
}

// Action is the firewall verdict of a matching rule.
type Action uint8

const (
	ActionAllow Action = iota
	ActionDeny
)

func (a Action) String() string {
	if a == ActionDeny {
		return "DENY"
	}
	return "ALLOW"
}

func parseAction(s string) (Action, error) {
	switch strings.ToUpper(s) {
	case "ALLOW":
		return ActionAllow, nil
	case "DENY":
		return ActionDeny, nil
	default:
		return 0, fmt.Errorf("unknown action %q", s)
	}
}

// parseAddr accepts a dotted IPv4 literal or ANY. ANY yields the zero Addr.
func parseAddr(s string) (netip.Addr, error) {
	if strings.EqualFold(s, "ANY") {
		return netip.Addr{}, nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil || !a.Is4() {
		return netip.Addr{}, fmt.Errorf("bad address %q", s)
	}
	return a, nil
}

// addrMatches treats the zero rule address as a wildcard.
func addrMatches(rule, actual netip.Addr) bool {
	return !rule.IsValid() || rule == actual
}

func formatAddr(a netip.Addr) string {
	if !a.IsValid() {
		return "ANY"
	}
	return a.String()
}

// FirewallRule is one line of the firewall rule file:
//
//	srcIp dstIp srcPort dstPort protocol action
//
// A zero SrcIP/DstIP means ANY; a zero port is a wildcard.
type FirewallRule struct {
	SrcIP    netip.Addr
	DstIP    netip.Addr
	SrcPort  uint16
	DstPort  uint16
	Protocol Protocol
	Action   Action
}

func (r FirewallRule) String() string {
	return fmt.Sprintf("%s %s %d %d %s %s",
		formatAddr(r.SrcIP), formatAddr(r.DstIP), r.SrcPort, r.DstPort, r.Protocol, r.Action)
}

// QoSRule is one line of the QoS rule file:
//
//	srcIp dstIp protocol maxRateBytesPerSec
type QoSRule struct {
	SrcIP              netip.Addr
	DstIP              netip.Addr
	Protocol           Protocol
	MaxRateBytesPerSec uint64
}

// flowKey identifies the FlowState of a rule. It is built from the rule's
// own fields, so every packet matching the rule shares one bucket.
func (r QoSRule) flowKey() string {
	return formatAddr(r.SrcIP) + "_" + formatAddr(r.DstIP) + "_" + r.Protocol.String()
}

// scanRules feeds every non-blank, non-comment line of r to parse.
func scanRules(r io.Reader, source string, parse func(fields []string) error) error {
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := parse(strings.Fields(line)); err != nil {
			return fmt.Errorf("%w: %s:%d: %v", ErrSyntax, source, lineNo, err)
		}
	}
	return sc.Err()
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("bad port %q", s)
	}
	return uint16(n), nil
}

// ParseFirewallRules reads firewall rules in file order.
func ParseFirewallRules(r io.Reader) ([]FirewallRule, error) {
	return parseFirewallRules(r, "firewall")
}

func parseFirewallRules(r io.Reader, source string) ([]FirewallRule, error) {
	var rules []FirewallRule
	err := scanRules(r, source, func(f []string) error {
		if len(f) != 6 {
			return fmt.Errorf("want 6 fields, got %d", len(f))
		}
		var (
			rule FirewallRule
			err  error
		)
		if rule.SrcIP, err = parseAddr(f[0]); err != nil {
			return err
		}
		if rule.DstIP, err = parseAddr(f[1]); err != nil {
			return err
		}
		if rule.SrcPort, err = parsePort(f[2]); err != nil {
			return err
		}
		if rule.DstPort, err = parsePort(f[3]); err != nil {
			return err
		}
		if rule.Protocol, err = parseProtocol(f[4]); err != nil {
			return err
		}
		if rule.Action, err = parseAction(f[5]); err != nil {
			return err
		}
		rules = append(rules, rule)
		return nil
	})
	return rules, err
}

// ParseQoSRules reads QoS rules in file order.
func ParseQoSRules(r io.Reader) ([]QoSRule, error) {
	return parseQoSRules(r, "qos")
}

func parseQoSRules(r io.Reader, source string) ([]QoSRule, error) {
	var rules []QoSRule
	err := scanRules(r, source, func(f []string) error {
		if len(f) != 4 {
			return fmt.Errorf("want 4 fields, got %d", len(f))
		}
		var (
			rule QoSRule
			err  error
		)
		if rule.SrcIP, err = parseAddr(f[0]); err != nil {
			return err
		}
		if rule.DstIP, err = parseAddr(f[1]); err != nil {
			return err
		}
		if rule.Protocol, err = parseProtocol(f[2]); err != nil {
			return err
		}
		if rule.MaxRateBytesPerSec, err = strconv.ParseUint(f[3], 10, 64); err != nil {
			return fmt.Errorf("bad rate %q", f[3])
		}
		rules = append(rules, rule)
		return nil
	})
	return rules, err
}

// LoadFirewallRules reads a firewall rule file. An empty path yields no rules.
func LoadFirewallRules(path string) ([]FirewallRule, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("[Firewall] open rules: %w", err)
	}
	defer f.Close()
	rules, err := parseFirewallRules(f, path)
	if err != nil {
		return nil, fmt.Errorf("[Firewall] %w", err)
	}
	core.Log.Infof("Firewall", "Loaded %d rules from %s", len(rules), path)
	return rules, nil
}

// LoadQoSRules reads a QoS rule file. An empty path yields no rules.
func LoadQoSRules(path string) ([]QoSRule, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("[QoS] open rules: %w", err)
	}
	defer f.Close()
	rules, err := parseQoSRules(f, path)
	if err != nil {
		return nil, fmt.Errorf("[QoS] %w", err)
	}
	core.Log.Infof("QoS", "Loaded %d QoS rules from %s", len(rules), path)
	return rules, nil
}

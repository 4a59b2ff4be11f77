// Package packettest builds IPv4 packet fixtures with gopacket so tests do
// not depend on the codec they are checking.
package packettest

import (
	"net"
	"net/netip"
	"testing"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

var serializeOpts = gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

func ipv4(src, dst netip.Addr, proto layers.IPProtocol) *layers.IPv4 {
	return &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Id:       0x1234,
		Protocol: proto,
		SrcIP:    net.IP(src.AsSlice()),
		DstIP:    net.IP(dst.AsSlice()),
	}
}

func serialize(tb testing.TB, ls ...gopacket.SerializableLayer) []byte {
	tb.Helper()
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, serializeOpts, ls...); err != nil {
		tb.Fatalf("serialize: %v", err)
	}
	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())
	return out
}

// TCP returns an IPv4/TCP PSH|ACK segment from src to dst carrying payload.
func TCP(tb testing.TB, src, dst netip.AddrPort, payload []byte) []byte {
	tb.Helper()
	ip := ipv4(src.Addr(), dst.Addr(), layers.IPProtocolTCP)
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(src.Port()),
		DstPort: layers.TCPPort(dst.Port()),
		Seq:     1000,
		Ack:     2000,
		ACK:     true,
		PSH:     len(payload) > 0,
		Window:  64240,
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		tb.Fatalf("tcp checksum layer: %v", err)
	}
	return serialize(tb, ip, tcp, gopacket.Payload(payload))
}

// TCPReset returns an IPv4/TCP RST|ACK segment from src to dst.
func TCPReset(tb testing.TB, src, dst netip.AddrPort) []byte {
	tb.Helper()
	ip := ipv4(src.Addr(), dst.Addr(), layers.IPProtocolTCP)
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(src.Port()),
		DstPort: layers.TCPPort(dst.Port()),
		Seq:     1000,
		Ack:     2000,
		ACK:     true,
		RST:     true,
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		tb.Fatalf("tcp checksum layer: %v", err)
	}
	return serialize(tb, ip, tcp)
}

// UDP returns an IPv4/UDP datagram from src to dst carrying payload.
func UDP(tb testing.TB, src, dst netip.AddrPort, payload []byte) []byte {
	tb.Helper()
	ip := ipv4(src.Addr(), dst.Addr(), layers.IPProtocolUDP)
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(src.Port()),
		DstPort: layers.UDPPort(dst.Port()),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		tb.Fatalf("udp checksum layer: %v", err)
	}
	return serialize(tb, ip, udp, gopacket.Payload(payload))
}

// ICMPEcho returns an IPv4 ICMP echo request from src to dst.
func ICMPEcho(tb testing.TB, src, dst netip.Addr) []byte {
	tb.Helper()
	ip := ipv4(src, dst, layers.IPProtocolICMPv4)
	icmp := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0),
		Id:       7,
		Seq:      1,
	}
	return serialize(tb, ip, icmp, gopacket.Payload([]byte("ping")))
}

// Decoded is what gopacket sees in a packet.
type Decoded struct {
	Src, Dst netip.AddrPort
	Protocol layers.IPProtocol
	TTL      uint8
	TCP      *layers.TCP
	Payload  []byte
}

// Decode parses an IPv4 packet with gopacket and fails the test on decode errors.
func Decode(tb testing.TB, b []byte) Decoded {
	tb.Helper()
	p := gopacket.NewPacket(b, layers.LayerTypeIPv4, gopacket.Default)
	if errLayer := p.ErrorLayer(); errLayer != nil {
		tb.Fatalf("decode: %v", errLayer.Error())
	}
	ipLayer, ok := p.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok {
		tb.Fatalf("decode: no IPv4 layer")
	}
	src, _ := netip.AddrFromSlice(ipLayer.SrcIP.To4())
	dst, _ := netip.AddrFromSlice(ipLayer.DstIP.To4())
	d := Decoded{Protocol: ipLayer.Protocol, TTL: ipLayer.TTL}
	var sp, dp uint16
	switch l := p.TransportLayer().(type) {
	case *layers.TCP:
		sp, dp = uint16(l.SrcPort), uint16(l.DstPort)
		d.TCP = l
		d.Payload = l.Payload
	case *layers.UDP:
		sp, dp = uint16(l.SrcPort), uint16(l.DstPort)
		d.Payload = l.Payload
	}
	d.Src = netip.AddrPortFrom(src, sp)
	d.Dst = netip.AddrPortFrom(dst, dp)
	return d
}

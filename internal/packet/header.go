// Package packet decodes and rewrites raw IPv4/TCP/UDP packets as read from
// a TUN device (no link-layer header). Every accessor checks the buffer
// length first and returns a typed error instead of reading past the end.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

const (
	IPv4MinHeaderLen = 20
	TCPMinHeaderLen  = 20
	UDPHeaderLen     = 8

	ProtoICMP uint8 = 1
	ProtoTCP  uint8 = 6
	ProtoUDP  uint8 = 17

	TCPFlagFIN uint8 = 0x01
	TCPFlagSYN uint8 = 0x02
	TCPFlagRST uint8 = 0x04
	TCPFlagPSH uint8 = 0x08
	TCPFlagACK uint8 = 0x10
)

// Field offsets inside the IPv4 header.
const (
	offTotalLen = 2
	offID       = 4
	offTTL      = 8
	offProto    = 9
	offIPCk     = 10
	offSrc      = 12
	offDst      = 16
)

var (
	ErrTruncated           = errors.New("packet truncated")
	ErrNotIPv4             = errors.New("not an IPv4 packet")
	ErrBadHeaderLen        = errors.New("bad IPv4 header length")
	ErrUnsupportedProtocol = errors.New("unsupported transport protocol")
)

// IPv4Header holds the decoded fixed IPv4 header fields.
type IPv4Header struct {
	Version   uint8
	HeaderLen int // bytes, IHL*4
	TOS       uint8
	TotalLen  uint16
	ID        uint16
	TTL       uint8
	Protocol  uint8
	Checksum  uint16
	Src       netip.Addr
	Dst       netip.Addr
}

// ParseIPv4Header decodes the IPv4 header at the start of buf.
func ParseIPv4Header(buf []byte) (IPv4Header, error) {
	if len(buf) < IPv4MinHeaderLen {
		return IPv4Header{}, ErrTruncated
	}
	version := buf[0] >> 4
	if version != 4 {
		return IPv4Header{}, fmt.Errorf("%w: version %d", ErrNotIPv4, version)
	}
	ihl := int(buf[0]&0x0f) * 4
	if ihl < IPv4MinHeaderLen || ihl > len(buf) {
		return IPv4Header{}, fmt.Errorf("%w: %d bytes in %d byte buffer", ErrBadHeaderLen, ihl, len(buf))
	}
	return IPv4Header{
		Version:   version,
		HeaderLen: ihl,
		TOS:       buf[1],
		TotalLen:  binary.BigEndian.Uint16(buf[offTotalLen:]),
		ID:        binary.BigEndian.Uint16(buf[offID:]),
		TTL:       buf[offTTL],
		Protocol:  buf[offProto],
		Checksum:  binary.BigEndian.Uint16(buf[offIPCk:]),
		Src:       netip.AddrFrom4([4]byte(buf[offSrc : offSrc+4])),
		Dst:       netip.AddrFrom4([4]byte(buf[offDst : offDst+4])),
	}, nil
}

// TransportHeader holds the decoded TCP or UDP header. Seq, Ack, Flags and
// DataOffset are only set for TCP.
type TransportHeader struct {
	Protocol   uint8
	Offset     int // start of the transport header in the packet
	SrcPort    uint16
	DstPort    uint16
	Checksum   uint16
	Seq        uint32
	Ack        uint32
	DataOffset int // TCP header length in bytes
	Flags      uint8
}

// ChecksumOffset returns the absolute offset of the transport checksum field.
func (t TransportHeader) ChecksumOffset() int {
	if t.Protocol == ProtoTCP {
		return t.Offset + 16
	}
	return t.Offset + 6
}

// ParseTransportHeader decodes the TCP or UDP header that starts at
// ipHeaderLen. Other protocols yield ErrUnsupportedProtocol.
func ParseTransportHeader(buf []byte, ipHeaderLen int, protocol uint8) (TransportHeader, error) {
	if ipHeaderLen < 0 || ipHeaderLen > len(buf) {
		return TransportHeader{}, ErrTruncated
	}
	seg := buf[ipHeaderLen:]
	switch protocol {
	case ProtoTCP:
		if len(seg) < TCPMinHeaderLen {
			return TransportHeader{}, ErrTruncated
		}
		return TransportHeader{
			Protocol:   ProtoTCP,
			Offset:     ipHeaderLen,
			SrcPort:    binary.BigEndian.Uint16(seg[0:]),
			DstPort:    binary.BigEndian.Uint16(seg[2:]),
			Seq:        binary.BigEndian.Uint32(seg[4:]),
			Ack:        binary.BigEndian.Uint32(seg[8:]),
			DataOffset: int(seg[12]>>4) * 4,
			Flags:      seg[13],
			Checksum:   binary.BigEndian.Uint16(seg[16:]),
		}, nil
	case ProtoUDP:
		if len(seg) < UDPHeaderLen {
			return TransportHeader{}, ErrTruncated
		}
		return TransportHeader{
			Protocol: ProtoUDP,
			Offset:   ipHeaderLen,
			SrcPort:  binary.BigEndian.Uint16(seg[0:]),
			DstPort:  binary.BigEndian.Uint16(seg[2:]),
			Checksum: binary.BigEndian.Uint16(seg[6:]),
		}, nil
	default:
		return TransportHeader{}, fmt.Errorf("%w: %d", ErrUnsupportedProtocol, protocol)
	}
}

// Packet is a decoded view over a raw IPv4 buffer.
type Packet struct {
	IP IPv4Header
	// Transport is valid only when HasTransport is true: the protocol is
	// TCP or UDP and the fixed transport header fits in the buffer.
	Transport    TransportHeader
	HasTransport bool
}

// Decode parses the IPv4 header and, for TCP/UDP, the transport header.
// A short or missing transport header is not an error; it only leaves
// HasTransport false.
func Decode(buf []byte) (Packet, error) {
	ip, err := ParseIPv4Header(buf)
	if err != nil {
		return Packet{}, err
	}
	p := Packet{IP: ip}
	if th, err := ParseTransportHeader(buf, ip.HeaderLen, ip.Protocol); err == nil {
		p.Transport = th
		p.HasTransport = true
	}
	return p, nil
}

// Source returns the source address and port (port 0 without a transport header).
func (p Packet) Source() netip.AddrPort {
	return netip.AddrPortFrom(p.IP.Src, p.Transport.SrcPort)
}

// Destination returns the destination address and port.
func (p Packet) Destination() netip.AddrPort {
	return netip.AddrPortFrom(p.IP.Dst, p.Transport.DstPort)
}

// String renders "proto src -> dst" for logs.
func (p Packet) String() string {
	return fmt.Sprintf("%s %s -> %s", ProtoName(p.IP.Protocol), p.Source(), p.Destination())
}

// ProtoName returns "TCP", "UDP", "ICMP" or the protocol number.
func ProtoName(proto uint8) string {
	switch proto {
	case ProtoTCP:
		return "TCP"
	case ProtoUDP:
		return "UDP"
	case ProtoICMP:
		return "ICMP"
	default:
		return fmt.Sprintf("proto-%d", proto)
	}
}

// Payload returns the TCP payload of buf, bounded by both the IPv4 total
// length and the buffer. It returns nil for non-TCP or malformed packets.
func Payload(buf []byte) []byte {
	ip, err := ParseIPv4Header(buf)
	if err != nil || ip.Protocol != ProtoTCP {
		return nil
	}
	th, err := ParseTransportHeader(buf, ip.HeaderLen, ProtoTCP)
	if err != nil {
		return nil
	}
	start := ip.HeaderLen + th.DataOffset
	end := int(ip.TotalLen)
	if end > len(buf) || end == 0 {
		end = len(buf)
	}
	if th.DataOffset < TCPMinHeaderLen || start >= end {
		return nil
	}
	return buf[start:end]
}

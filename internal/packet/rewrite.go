package packet

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// SetSrc rewrites the source address and, for TCP/UDP, the source port in
// place. The IPv4 header checksum is recomputed; the transport checksum is
// updated incrementally.
func SetSrc(buf []byte, src netip.AddrPort) error {
	return rewriteEndpoint(buf, offSrc, 0, src)
}

// SetDst rewrites the destination address and port in place, keeping
// recomputing the IPv4 header checksum.
func SetDst(buf []byte, dst netip.AddrPort) error {
	return rewriteEndpoint(buf, offDst, 2, dst)
}

// rewriteEndpoint replaces the address at addrOff and the port at
// transport offset + portOff. ICMP and other protocols only get the address.
func rewriteEndpoint(buf []byte, addrOff, portOff int, ap netip.AddrPort) error {
	if !ap.Addr().Is4() {
		return fmt.Errorf("%w: %s is not IPv4", ErrNotIPv4, ap.Addr())
	}
	ip, err := ParseIPv4Header(buf)
	if err != nil {
		return err
	}
	ckOff := 0
	var th TransportHeader
	hasTransport := false
	if ip.Protocol == ProtoTCP || ip.Protocol == ProtoUDP {
		th, err = ParseTransportHeader(buf, ip.HeaderLen, ip.Protocol)
		if err != nil {
			return err
		}
		ckOff = th.ChecksumOffset()
		hasTransport = true
	}

	overwriteAddr(buf, addrOff, ap.Addr().As4(), ckOff)
	if hasTransport {
		setPort(buf, th.Offset+portOff, ap.Port(), ckOff, th.Protocol == ProtoUDP)
	}
	return RecomputeIPv4Checksum(buf, ip.HeaderLen)
}

// overwriteAddr writes a new IPv4 address at off and updates the transport
// checksum at transportCkOff (0 = none). The IP header checksum is left to
// the caller.
func overwriteAddr(buf []byte, off int, addr [4]byte, transportCkOff int) {
	oldHi := binary.BigEndian.Uint16(buf[off:])
	oldLo := binary.BigEndian.Uint16(buf[off+2:])
	newHi := binary.BigEndian.Uint16(addr[:2])
	newLo := binary.BigEndian.Uint16(addr[2:])

	copy(buf[off:off+4], addr[:])

	if transportCkOff > 0 {
		tCk := binary.BigEndian.Uint16(buf[transportCkOff:])
		if tCk != 0 { // UDP checksum 0 means disabled
			tCk = checksumUpdate16(tCk, oldHi, newHi)
			tCk = checksumUpdate16(tCk, oldLo, newLo)
			binary.BigEndian.PutUint16(buf[transportCkOff:], tCk)
		}
	}
}

// setPort writes a port at portOff and updates the transport checksum.
func setPort(buf []byte, portOff int, port uint16, ckOff int, udp bool) {
	old := binary.BigEndian.Uint16(buf[portOff:])
	binary.BigEndian.PutUint16(buf[portOff:], port)
	ck := binary.BigEndian.Uint16(buf[ckOff:])
	if udp && ck == 0 {
		return
	}
	binary.BigEndian.PutUint16(buf[ckOff:], checksumUpdate16(ck, old, port))
}

// TCPSpec describes a TCP segment to synthesise with BuildTCP.
type TCPSpec struct {
	Src     netip.AddrPort
	Dst     netip.AddrPort
	Seq     uint32
	Ack     uint32
	Flags   uint8
	Window  uint16
	TTL     uint8
	ID      uint16
	Payload []byte
}

// BuildTCP returns a new IPv4+TCP packet (no options) carrying spec.Payload
// with valid IPv4 and TCP checksums. TTL defaults to 64, Window to 65535.
func BuildTCP(spec TCPSpec) []byte {
	ttl := spec.TTL
	if ttl == 0 {
		ttl = 64
	}
	window := spec.Window
	if window == 0 {
		window = 0xffff
	}
	total := IPv4MinHeaderLen + TCPMinHeaderLen + len(spec.Payload)
	buf := make([]byte, total)

	buf[0] = 0x45
	binary.BigEndian.PutUint16(buf[offTotalLen:], uint16(total))
	binary.BigEndian.PutUint16(buf[offID:], spec.ID)
	buf[offTTL] = ttl
	buf[offProto] = ProtoTCP
	src, dst := spec.Src.Addr().As4(), spec.Dst.Addr().As4()
	copy(buf[offSrc:], src[:])
	copy(buf[offDst:], dst[:])
	binary.BigEndian.PutUint16(buf[offIPCk:], Checksum(buf[:IPv4MinHeaderLen]))

	tcp := buf[IPv4MinHeaderLen:]
	binary.BigEndian.PutUint16(tcp[0:], spec.Src.Port())
	binary.BigEndian.PutUint16(tcp[2:], spec.Dst.Port())
	binary.BigEndian.PutUint32(tcp[4:], spec.Seq)
	binary.BigEndian.PutUint32(tcp[8:], spec.Ack)
	tcp[12] = (TCPMinHeaderLen / 4) << 4
	tcp[13] = spec.Flags
	binary.BigEndian.PutUint16(tcp[14:], window)
	copy(tcp[TCPMinHeaderLen:], spec.Payload)
	ck := TransportChecksum(spec.Src.Addr(), spec.Dst.Addr(), ProtoTCP, tcp)
	binary.BigEndian.PutUint16(tcp[16:], ck)
	return buf
}

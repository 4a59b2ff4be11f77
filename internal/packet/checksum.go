package packet

import (
	"encoding/binary"
	"net/netip"
)

// sum accumulates buf as big-endian 16-bit words into a 32-bit
// one's complement accumulator. An odd trailing byte is padded with zero.
func sum(buf []byte, acc uint32) uint32 {
	n := len(buf) &^ 1
	for i := 0; i < n; i += 2 {
		acc += uint32(binary.BigEndian.Uint16(buf[i:]))
	}
	if len(buf)&1 == 1 {
		acc += uint32(buf[len(buf)-1]) << 8
	}
	return acc
}

// checksumFold folds a 32-bit accumulator to a 16-bit one's complement value.
func checksumFold(acc uint32) uint16 {
	for acc > 0xffff {
		acc = (acc >> 16) + (acc & 0xffff)
	}
	return uint16(acc)
}

// checksumUpdate16 incrementally updates a one's complement checksum
// when a single 16-bit field changes from oldVal to newVal (RFC 1624).
func checksumUpdate16(oldCk, oldVal, newVal uint16) uint16 {
	acc := uint32(^oldCk) + uint32(^oldVal) + uint32(newVal)
	return ^checksumFold(acc)
}

// Checksum returns the Internet checksum (complemented one's complement sum) of buf.
func Checksum(buf []byte) uint16 {
	return ^checksumFold(sum(buf, 0))
}

// RecomputeIPv4Checksum zeroes the header checksum field, sums the first
// headerLen bytes and stores the complement. Call it after any change to a
// header field that is not covered by SetSrc/SetDst.
func RecomputeIPv4Checksum(buf []byte, headerLen int) error {
	if headerLen < IPv4MinHeaderLen || headerLen > len(buf) {
		return ErrBadHeaderLen
	}
	buf[offIPCk], buf[offIPCk+1] = 0, 0
	binary.BigEndian.PutUint16(buf[offIPCk:], Checksum(buf[:headerLen]))
	return nil
}

// ValidIPv4Checksum reports whether the IPv4 header checksum of buf folds to zero.
func ValidIPv4Checksum(buf []byte) bool {
	ip, err := ParseIPv4Header(buf)
	if err != nil {
		return false
	}
	return checksumFold(sum(buf[:ip.HeaderLen], 0)) == 0xffff
}

func pseudoHeaderSum(src, dst netip.Addr, proto uint8, length int) uint32 {
	s4, d4 := src.As4(), dst.As4()
	acc := sum(s4[:], 0)
	acc = sum(d4[:], acc)
	acc += uint32(proto)
	acc += uint32(length)
	return acc
}

// TransportChecksum computes the TCP/UDP checksum of segment including the
// IPv4 pseudo-header. The checksum field inside segment must be zero.
func TransportChecksum(src, dst netip.Addr, proto uint8, segment []byte) uint16 {
	ck := ^checksumFold(sum(segment, pseudoHeaderSum(src, dst, proto, len(segment))))
	if proto == ProtoUDP && ck == 0 {
		// Zero means "no checksum" for UDP over IPv4.
		return 0xffff
	}
	return ck
}

// segment returns the transport segment of buf bounded by the IPv4 total length.
func segment(buf []byte, ip IPv4Header) []byte {
	end := int(ip.TotalLen)
	if end > len(buf) || end < ip.HeaderLen {
		end = len(buf)
	}
	return buf[ip.HeaderLen:end]
}

// RecomputeTransportChecksum rewrites the TCP or UDP checksum of buf from scratch.
func RecomputeTransportChecksum(buf []byte) error {
	ip, err := ParseIPv4Header(buf)
	if err != nil {
		return err
	}
	th, err := ParseTransportHeader(buf, ip.HeaderLen, ip.Protocol)
	if err != nil {
		return err
	}
	off := th.ChecksumOffset()
	buf[off], buf[off+1] = 0, 0
	ck := TransportChecksum(ip.Src, ip.Dst, ip.Protocol, segment(buf, ip))
	binary.BigEndian.PutUint16(buf[off:], ck)
	return nil
}

// ValidTransportChecksum reports whether the TCP/UDP checksum of buf is
// correct. A UDP checksum of zero (disabled) counts as valid.
func ValidTransportChecksum(buf []byte) bool {
	ip, err := ParseIPv4Header(buf)
	if err != nil {
		return false
	}
	th, err := ParseTransportHeader(buf, ip.HeaderLen, ip.Protocol)
	if err != nil {
		return false
	}
	if th.Protocol == ProtoUDP && th.Checksum == 0 {
		return true
	}
	seg := segment(buf, ip)
	return checksumFold(sum(seg, pseudoHeaderSum(ip.Src, ip.Dst, ip.Protocol, len(seg)))) == 0xffff
}

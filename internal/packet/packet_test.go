package packet

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"tun-router/internal/packet/packettest"
)

var (
	lanHost = netip.MustParseAddrPort("192.168.1.5:51000")
	webHost = netip.MustParseAddrPort("93.184.216.34:443")
)

// gvisorTransportValid checks the TCP/UDP checksum with gvisor's implementation.
func gvisorTransportValid(t *testing.T, b []byte) bool {
	t.Helper()
	ip := header.IPv4(b)
	seg := b[ip.HeaderLength():ip.TotalLength()]
	src := tcpip.AddrFrom4([4]byte(b[12:16]))
	dst := tcpip.AddrFrom4([4]byte(b[16:20]))
	pseudo := header.PseudoHeaderChecksum(tcpip.TransportProtocolNumber(ip.Protocol()), src, dst, uint16(len(seg)))
	return checksum.Checksum(seg, pseudo) == 0xffff
}

func TestParseIPv4Header(t *testing.T) {
	b := packettest.TCP(t, lanHost, webHost, []byte("hello"))

	ip, err := ParseIPv4Header(b)
	require.NoError(t, err)
	assert.Equal(t, uint8(4), ip.Version)
	assert.Equal(t, 20, ip.HeaderLen)
	assert.Equal(t, ProtoTCP, ip.Protocol)
	assert.Equal(t, uint16(len(b)), ip.TotalLen)
	assert.Equal(t, uint8(64), ip.TTL)
	assert.Equal(t, lanHost.Addr(), ip.Src)
	assert.Equal(t, webHost.Addr(), ip.Dst)

	th, err := ParseTransportHeader(b, ip.HeaderLen, ip.Protocol)
	require.NoError(t, err)
	assert.Equal(t, lanHost.Port(), th.SrcPort)
	assert.Equal(t, webHost.Port(), th.DstPort)
	assert.Equal(t, uint32(1000), th.Seq)
	assert.Equal(t, uint32(2000), th.Ack)
	assert.Equal(t, 20, th.DataOffset)
	assert.Equal(t, TCPFlagPSH|TCPFlagACK, th.Flags)

	assert.Equal(t, []byte("hello"), Payload(b))
}

func TestParseIPv4HeaderRejects(t *testing.T) {
	good := packettest.UDP(t, lanHost, webHost, []byte("x"))

	_, err := ParseIPv4Header(good[:19])
	assert.ErrorIs(t, err, ErrTruncated)

	v6 := append([]byte(nil), good...)
	v6[0] = 0x65
	_, err = ParseIPv4Header(v6)
	assert.ErrorIs(t, err, ErrNotIPv4)

	shortIHL := append([]byte(nil), good...)
	shortIHL[0] = 0x44
	_, err = ParseIPv4Header(shortIHL)
	assert.ErrorIs(t, err, ErrBadHeaderLen)

	// IHL 15 declares 60 bytes of header in a 20-byte buffer.
	longIHL := append([]byte(nil), good[:20]...)
	longIHL[0] = 0x4f
	_, err = ParseIPv4Header(longIHL)
	assert.ErrorIs(t, err, ErrBadHeaderLen)
}

func TestParseTransportHeaderBounds(t *testing.T) {
	tcp := packettest.TCP(t, lanHost, webHost, nil)
	_, err := ParseTransportHeader(tcp[:30], 20, ProtoTCP)
	assert.ErrorIs(t, err, ErrTruncated)

	udp := packettest.UDP(t, lanHost, webHost, nil)
	th, err := ParseTransportHeader(udp, 20, ProtoUDP)
	require.NoError(t, err)
	assert.Equal(t, lanHost.Port(), th.SrcPort)
	_, err = ParseTransportHeader(udp[:27], 20, ProtoUDP)
	assert.ErrorIs(t, err, ErrTruncated)

	_, err = ParseTransportHeader(udp, 20, ProtoICMP)
	assert.ErrorIs(t, err, ErrUnsupportedProtocol)

	_, err = ParseTransportHeader(udp, 200, ProtoUDP)
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestDecodeWithoutTransport(t *testing.T) {
	b := packettest.TCP(t, lanHost, webHost, nil)
	p, err := Decode(b[:24])
	require.NoError(t, err)
	assert.False(t, p.HasTransport)

	p, err = Decode(packettest.ICMPEcho(t, lanHost.Addr(), webHost.Addr()))
	require.NoError(t, err)
	assert.False(t, p.HasTransport)
	assert.Equal(t, ProtoICMP, p.IP.Protocol)
}

func TestRecomputeIPv4Checksum(t *testing.T) {
	b := packettest.TCP(t, lanHost, webHost, []byte("abc"))
	require.True(t, ValidIPv4Checksum(b))

	b[8] = 12 // TTL change without checksum fix
	assert.False(t, ValidIPv4Checksum(b))
	assert.False(t, header.IPv4(b).IsChecksumValid())

	require.NoError(t, RecomputeIPv4Checksum(b, 20))
	assert.True(t, ValidIPv4Checksum(b))
	assert.True(t, header.IPv4(b).IsChecksumValid())

	assert.ErrorIs(t, RecomputeIPv4Checksum(b[:10], 20), ErrBadHeaderLen)
}

func TestSetSrcDstKeepsChecksums(t *testing.T) {
	public := netip.MustParseAddrPort("203.0.113.10:40000")
	for name, b := range map[string][]byte{
		"tcp": packettest.TCP(t, lanHost, webHost, []byte("GET / HTTP/1.1\r\n\r\n")),
		"udp": packettest.UDP(t, lanHost, webHost, []byte("odd")),
	} {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, SetSrc(b, public))
			d := packettest.Decode(t, b)
			assert.Equal(t, public, d.Src)
			assert.Equal(t, webHost, d.Dst)
			assert.True(t, header.IPv4(b).IsChecksumValid())
			assert.True(t, gvisorTransportValid(t, b))
			assert.True(t, ValidTransportChecksum(b))

			require.NoError(t, SetDst(b, lanHost))
			d = packettest.Decode(t, b)
			assert.Equal(t, lanHost, d.Dst)
			assert.True(t, header.IPv4(b).IsChecksumValid())
			assert.True(t, gvisorTransportValid(t, b))
		})
	}
}

func TestSetSrcICMPAddressOnly(t *testing.T) {
	b := packettest.ICMPEcho(t, lanHost.Addr(), webHost.Addr())
	require.NoError(t, SetSrc(b, netip.MustParseAddrPort("203.0.113.10:0")))
	ip, err := ParseIPv4Header(b)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("203.0.113.10"), ip.Src)
	assert.True(t, ValidIPv4Checksum(b))
}

func TestSetSrcRejectsIPv6(t *testing.T) {
	b := packettest.TCP(t, lanHost, webHost, nil)
	err := SetSrc(b, netip.MustParseAddrPort("[2001:db8::1]:80"))
	assert.ErrorIs(t, err, ErrNotIPv4)
}

func TestRecomputeTransportChecksum(t *testing.T) {
	b := packettest.TCP(t, lanHost, webHost, []byte("payload"))
	b[len(b)-1] ^= 0xff
	assert.False(t, ValidTransportChecksum(b))
	require.NoError(t, RecomputeTransportChecksum(b))
	assert.True(t, ValidTransportChecksum(b))
	assert.True(t, gvisorTransportValid(t, b))
}

func TestBuildTCP(t *testing.T) {
	src := netip.MustParseAddrPort("203.0.113.10:443")
	dst := netip.MustParseAddrPort("192.168.1.5:51000")
	payload := []byte("HTTP/1.1 200 OK\r\n\r\n")

	b := BuildTCP(TCPSpec{Src: src, Dst: dst, Flags: TCPFlagPSH | TCPFlagACK, Payload: payload})
	require.Len(t, b, 40+len(payload))

	assert.True(t, header.IPv4(b).IsChecksumValid())
	assert.True(t, gvisorTransportValid(t, b))

	d := packettest.Decode(t, b)
	assert.Equal(t, src, d.Src)
	assert.Equal(t, dst, d.Dst)
	assert.Equal(t, uint8(64), d.TTL)
	assert.True(t, d.TCP.PSH)
	assert.True(t, d.TCP.ACK)
	assert.Equal(t, payload, d.Payload)
}

func TestChecksumOddLength(t *testing.T) {
	// 0x0102 + 0x0300 = 0x0402, complement 0xfbfd.
	assert.Equal(t, uint16(0xfbfd), Checksum([]byte{1, 2, 3}))
}

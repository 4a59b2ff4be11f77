package tun

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tun-router/internal/packet/packettest"
)

func TestAddressedTo(t *testing.T) {
	public := netip.MustParseAddr("203.0.113.10")
	pkt := packettest.TCP(t,
		netip.MustParseAddrPort("93.184.216.34:80"),
		netip.AddrPortFrom(public, 40000), []byte("reply"))

	assert.True(t, addressedTo(pkt, public))
	assert.False(t, addressedTo(pkt, netip.MustParseAddr("203.0.113.11")))
	assert.False(t, addressedTo(pkt[:10], public))

	dst, err := destination(pkt)
	require.NoError(t, err)
	assert.Equal(t, public, dst)
	_, err = destination(nil)
	assert.Error(t, err)
}

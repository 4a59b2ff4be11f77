package routing

import (
	"context"
	"math"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tun-router/internal/core"
)

func entry(dest, mask, gw, iface string, metric int) RouteEntry {
	return RouteEntry{
		Dest:    netip.MustParseAddr(dest),
		Netmask: netip.MustParseAddr(mask),
		Gateway: netip.MustParseAddr(gw),
		Iface:   iface,
		Metric:  metric,
	}
}

func TestRouteEntryMatches(t *testing.T) {
	e := entry("10.1.0.0", "255.255.0.0", "192.168.1.1", "eth0", 0)
	assert.True(t, e.Matches(netip.MustParseAddr("10.1.200.3")))
	assert.False(t, e.Matches(netip.MustParseAddr("10.2.0.1")))
	assert.False(t, e.Matches(netip.MustParseAddr("::1")))
	assert.Equal(t, netip.MustParsePrefix("10.1.0.0/16"), e.Prefix())

	def := entry("0.0.0.0", "0.0.0.0", "192.168.1.1", "eth0", 0)
	assert.True(t, def.Matches(netip.MustParseAddr("93.184.216.34")))
}

func TestStaticParseAndLookup(t *testing.T) {
	routes, err := ParseStatic(strings.NewReader(`
# dest netmask gateway iface [metric]
10.8.0.0 255.255.0.0 192.168.1.254 eth1 2
0.0.0.0 0.0.0.0 192.168.1.1 eth0
`))
	require.NoError(t, err)
	require.Len(t, routes, 2)
	assert.Equal(t, 2, routes[0].Metric)
	assert.Equal(t, 0, routes[1].Metric)

	sp := NewStaticProvider(routes)
	e, ok := sp.Lookup(netip.MustParseAddr("10.8.3.4"))
	require.True(t, ok)
	assert.Equal(t, "eth1", e.Iface)

	e, ok = sp.Lookup(netip.MustParseAddr("1.1.1.1"))
	require.True(t, ok)
	assert.Equal(t, "eth0", e.Iface)

	empty := NewStaticProvider(nil)
	_, ok = empty.Lookup(netip.MustParseAddr("1.1.1.1"))
	assert.False(t, ok)
}

func TestStaticParseErrors(t *testing.T) {
	for _, bad := range []string{
		"10.0.0.0 255.0.0.0 10.0.0.1\n",
		"10.0.0.0 255.0.0.0 gateway eth0\n",
		"10.0.0.0 255.0.0.0 10.0.0.1 eth0 -1\n",
		"10.0.0.0 255.0.0.0 10.0.0.1 eth0 1 extra\n",
		"10.0.0.0 255.0.0.0 10.0.0.1 eth0 9223372036854775807\n",
		"10.0.0.0 255.0.0.0 10.0.0.1 eth0 2147483648\n",
	} {
		_, err := ParseStatic(strings.NewReader(bad))
		assert.Error(t, err, bad)
	}
}

func TestParseLocalRoute(t *testing.T) {
	e, err := ParseLocalRoute("10.20.0.0 255.255.0.0")
	require.NoError(t, err)
	assert.Equal(t, netip.MustParsePrefix("10.20.0.0/16"), e.Prefix())
	assert.False(t, e.Gateway.IsValid())

	for _, bad := range []string{"", "10.20.0.0", "10.20.0.0 255.255.0.0 10.0.0.1", "10.20.0.0 mask"} {
		_, err := ParseLocalRoute(bad)
		assert.Error(t, err, bad)
	}
}

func TestLoadStaticFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routes.conf")
	require.NoError(t, os.WriteFile(path, []byte("0.0.0.0 0.0.0.0 192.168.1.1 eth0\n"), 0o600))
	sp, err := LoadStaticFile(path)
	require.NoError(t, err)
	assert.Len(t, sp.Routes(), 1)

	_, err = LoadStaticFile(filepath.Join(t.TempDir(), "none"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestTableProviderPrecedence(t *testing.T) {
	static := NewStaticProvider([]RouteEntry{entry("8.8.8.0", "255.255.255.0", "192.168.1.1", "eth0", 9)})
	dynamic := NewDynamicProvider(DynamicOptions{LocalIP: netip.MustParseAddr("192.168.1.2"), Iface: "tun0"})
	dynamic.Seed([]RouteEntry{entry("8.8.8.0", "255.255.255.0", "192.168.1.3", "tun0", 1)})

	dst := netip.MustParseAddr("8.8.8.8")

	e, ok := NewTable(static, dynamic).Lookup(dst)
	require.True(t, ok)
	assert.Equal(t, "eth0", e.Iface, "first registered wins despite higher metric")

	e, ok = NewTable(dynamic, static).Lookup(dst)
	require.True(t, ok)
	assert.Equal(t, "tun0", e.Iface)

	tbl := NewTable()
	tbl.AddProvider(NewStaticProvider(nil))
	tbl.AddProvider(static)
	e, ok = tbl.Lookup(dst)
	require.True(t, ok, "empty first provider falls through")
	assert.Equal(t, "eth0", e.Iface)

	_, ok = tbl.Lookup(netip.MustParseAddr("1.1.1.1"))
	assert.False(t, ok)
}

func TestDynamicMerge(t *testing.T) {
	bus := core.NewEventBus()
	var learned, updated int
	bus.Subscribe(core.EventRouteLearned, func(core.Event) { learned++ })
	bus.Subscribe(core.EventRouteUpdated, func(core.Event) { updated++ })

	d := NewDynamicProvider(DynamicOptions{LocalIP: netip.MustParseAddr("10.0.0.1"), Iface: "tun0", Bus: bus})
	peerA := netip.MustParseAddr("10.0.0.2")
	peerB := netip.MustParseAddr("10.0.0.3")

	adv := entry("172.16.0.0", "255.255.0.0", "10.0.0.2", "eth9", 3)
	changed := d.Merge([]RouteEntry{adv}, peerA)
	require.Len(t, changed, 1)
	e, ok := d.Lookup(netip.MustParseAddr("172.16.5.5"))
	require.True(t, ok)
	assert.Equal(t, 4, e.Metric, "unknown destination inserted with m+1")
	assert.Equal(t, peerA, e.Gateway)
	assert.Equal(t, "tun0", e.Iface)

	// m+1 == e: no update.
	adv.Metric = 3
	assert.Empty(t, d.Merge([]RouteEntry{adv}, peerB))
	// m+1 > e: no update.
	adv.Metric = 7
	assert.Empty(t, d.Merge([]RouteEntry{adv}, peerB))
	e, _ = d.Lookup(netip.MustParseAddr("172.16.5.5"))
	assert.Equal(t, peerA, e.Gateway)

	// m+1 < e: update gateway and metric.
	adv.Metric = 1
	require.Len(t, d.Merge([]RouteEntry{adv}, peerB), 1)
	e, _ = d.Lookup(netip.MustParseAddr("172.16.5.5"))
	assert.Equal(t, peerB, e.Gateway)
	assert.Equal(t, 2, e.Metric)

	assert.Equal(t, 1, d.Len(), "no duplicate entries for one destination")
	assert.Equal(t, 1, learned)
	assert.Equal(t, 1, updated)
}

func TestDynamicMergeSaturatesMetric(t *testing.T) {
	d := NewDynamicProvider(DynamicOptions{LocalIP: netip.MustParseAddr("10.0.0.1"), Iface: "eth0"})
	dst := netip.MustParseAddr("10.9.1.1")

	_, err := ParseAdvertisement([]byte("10.9.0.0 255.255.0.0 10.0.0.2 eth0 9223372036854775807"))
	assert.Error(t, err)

	huge := entry("10.9.0.0", "255.255.0.0", "10.0.0.2", "eth0", math.MaxInt)
	require.Len(t, d.Merge([]RouteEntry{huge}, netip.MustParseAddr("10.0.0.2")), 1)
	e, ok := d.Lookup(dst)
	require.True(t, ok)
	assert.Equal(t, MaxMetric, e.Metric)

	better := entry("10.9.0.0", "255.255.0.0", "10.0.0.3", "eth0", 1)
	require.Len(t, d.Merge([]RouteEntry{better}, netip.MustParseAddr("10.0.0.3")), 1)
	e, _ = d.Lookup(dst)
	assert.Equal(t, 2, e.Metric)
	assert.Equal(t, netip.MustParseAddr("10.0.0.3"), e.Gateway)
}

func TestDynamicSeedNotOverriddenByWorseAdvert(t *testing.T) {
	d := NewDynamicProvider(DynamicOptions{LocalIP: netip.MustParseAddr("10.0.0.1"), Iface: "tun0"})
	d.Seed([]RouteEntry{{Dest: netip.MustParseAddr("192.168.99.0"), Netmask: netip.MustParseAddr("255.255.255.0")}})

	e, ok := d.Lookup(netip.MustParseAddr("192.168.99.7"))
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddr("10.0.0.1"), e.Gateway)
	assert.Equal(t, "tun0", e.Iface)

	d.Merge([]RouteEntry{entry("192.168.99.0", "255.255.255.0", "10.0.0.2", "tun0", 0)}, netip.MustParseAddr("10.0.0.2"))
	e, _ = d.Lookup(netip.MustParseAddr("192.168.99.7"))
	assert.Equal(t, 0, e.Metric)
}

func TestAdvertisementCodec(t *testing.T) {
	r := entry("192.168.99.0", "255.255.255.0", "0.0.0.0", "", 2)
	msg := FormatAdvertisement(r, netip.MustParseAddr("10.0.0.1"), "tun0")
	assert.Equal(t, "192.168.99.0 255.255.255.0 10.0.0.1 tun0 2", msg)

	got, err := ParseAdvertisement([]byte(msg + "\n"))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, netip.MustParseAddr("10.0.0.1"), got[0].Gateway)
	assert.Equal(t, 2, got[0].Metric)

	for _, bad := range []string{"", "garbage", "1.2.3.4 255.0.0.0 1.2.3.5 eth0", "1.2.3.4 255.0.0.0 1.2.3.5 eth0 x"} {
		_, err := ParseAdvertisement([]byte(bad))
		assert.Error(t, err, bad)
	}
}

func TestDynamicLoopbackExchange(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := core.NewEventBus()
	var mu sync.Mutex
	var got []core.RoutePayload
	bus.Subscribe(core.EventRouteLearned, func(e core.Event) {
		mu.Lock()
		got = append(got, e.Payload.(core.RoutePayload))
		mu.Unlock()
	})

	receiver := NewDynamicProvider(DynamicOptions{
		LocalIP:    netip.MustParseAddr("10.99.0.2"),
		Iface:      "tun1",
		ListenAddr: "127.0.0.1:0",
		Interval:   time.Hour,
		Bus:        bus,
	})
	require.NoError(t, receiver.Start(ctx))
	defer receiver.Stop()
	port := receiver.LocalAddr().(*net.UDPAddr).Port

	sender := NewDynamicProvider(DynamicOptions{
		LocalIP:    netip.MustParseAddr("10.99.0.1"),
		Iface:      "tun0",
		Target:     netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(port)),
		ListenAddr: "127.0.0.1:0",
		Interval:   20 * time.Millisecond,
	})
	sender.Seed([]RouteEntry{{
		Dest:    netip.MustParseAddr("192.168.50.0"),
		Netmask: netip.MustParseAddr("255.255.255.0"),
	}})
	require.NoError(t, sender.Start(ctx))

	require.Eventually(t, func() bool {
		_, ok := receiver.Lookup(netip.MustParseAddr("192.168.50.10"))
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	e, _ := receiver.Lookup(netip.MustParseAddr("192.168.50.10"))
	assert.Equal(t, 1, e.Metric)
	assert.Equal(t, netip.MustParseAddr("127.0.0.1"), e.Gateway)
	assert.Equal(t, "tun1", e.Iface)

	sender.Stop()
	sender.Stop()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1, "repeat advertisements do not relearn")
	assert.Equal(t, 1, got[0].Metric)
}

func TestDynamicStopBeforeStart(t *testing.T) {
	d := NewDynamicProvider(DynamicOptions{})
	d.Stop()
	assert.Nil(t, d.LocalAddr())
}

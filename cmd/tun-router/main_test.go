package main

import (
	"bytes"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tun-router/internal/core"
	"tun-router/internal/ipc"
	"tun-router/internal/provider/direct"
	"tun-router/internal/routing"
)

func TestResolveRelativeToExe(t *testing.T) {
	assert.Equal(t, "", resolveRelativeToExe(""))
	assert.Equal(t, "/etc/tun-router/config.yaml", resolveRelativeToExe("/etc/tun-router/config.yaml"))

	exe, err := os.Executable()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(filepath.Dir(exe), "routes.conf"), resolveRelativeToExe("routes.conf"))
}

func TestResolvePublicIP(t *testing.T) {
	noLookup := func(string) (netip.Addr, error) {
		t.Fatal("lookup called")
		return netip.Addr{}, nil
	}
	ip, err := resolvePublicIP(core.NATConfig{PublicIP: "203.0.113.10"}, noLookup)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("203.0.113.10"), ip)

	_, err = resolvePublicIP(core.NATConfig{PublicIP: "2001:db8::1"}, noLookup)
	assert.Error(t, err)

	ip, err = resolvePublicIP(core.NATConfig{PublicIface: "eth0"}, func(name string) (netip.Addr, error) {
		assert.Equal(t, "eth0", name)
		return netip.MustParseAddr("198.51.100.7"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("198.51.100.7"), ip)

	boom := errors.New("no address")
	_, err = resolvePublicIP(core.NATConfig{PublicIface: "eth9"}, func(string) (netip.Addr, error) {
		return netip.Addr{}, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestDynamicOptions(t *testing.T) {
	cfg := core.DynamicRoutingConfig{
		Enabled:   true,
		LocalIP:   "192.168.1.2",
		Iface:     "eth1",
		Port:      54321,
		Broadcast: "192.168.1.255",
		Interval:  core.Duration(5 * time.Second),
		Advertise: []string{"10.20.0.0 255.255.0.0"},
	}
	opts, seed, err := dynamicOptions(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("192.168.1.2"), opts.LocalIP)
	assert.Equal(t, netip.MustParseAddrPort("192.168.1.255:54321"), opts.Target)
	assert.Equal(t, 5*time.Second, opts.Interval)
	assert.Equal(t, "eth1", opts.Iface)
	require.Len(t, seed, 1)
	assert.Equal(t, netip.MustParsePrefix("10.20.0.0/16"), seed[0].Prefix())

	cfg.Advertise = []string{"10.20.0.0"}
	_, _, err = dynamicOptions(cfg, nil)
	assert.Error(t, err)

	cfg.Advertise = nil
	cfg.LocalIP = "nope"
	_, _, err = dynamicOptions(cfg, nil)
	assert.Error(t, err)
}

func TestBuildRouteTableOrder(t *testing.T) {
	static := routing.NewStaticProvider([]routing.RouteEntry{{
		Dest:    netip.MustParseAddr("10.20.0.0"),
		Netmask: netip.MustParseAddr("255.255.0.0"),
		Gateway: netip.MustParseAddr("192.168.1.1"),
		Iface:   "eth0",
	}})
	dynamic := routing.NewDynamicProvider(routing.DynamicOptions{
		LocalIP: netip.MustParseAddr("192.168.1.2"),
		Iface:   "eth1",
	})
	dynamic.Seed([]routing.RouteEntry{{
		Dest:    netip.MustParseAddr("10.20.0.0"),
		Netmask: netip.MustParseAddr("255.255.0.0"),
	}})
	dst := netip.MustParseAddr("10.20.3.4")

	e, ok := buildRouteTable([]string{"static", "dynamic"}, static, dynamic).Lookup(dst)
	require.True(t, ok)
	assert.Equal(t, "eth0", e.Iface)

	e, ok = buildRouteTable([]string{"Dynamic", "static"}, static, dynamic).Lookup(dst)
	require.True(t, ok)
	assert.Equal(t, "eth1", e.Iface)

	_, ok = buildRouteTable([]string{"static", "dynamic"}, nil, nil).Lookup(dst)
	assert.False(t, ok)
}

func TestNewDialerFunc(t *testing.T) {
	route := routing.RouteEntry{Iface: "eth1"}

	pick, err := newDialerFunc(core.RelayConfig{})
	require.NoError(t, err)
	d := pick(route)
	assert.Equal(t, "direct", d.Name())
	assert.Equal(t, "", d.(*direct.Provider).Iface())

	pick, err = newDialerFunc(core.RelayConfig{BindToRouteIface: true})
	require.NoError(t, err)
	assert.Equal(t, "eth1", pick(route).(*direct.Provider).Iface())

	pick, err = newDialerFunc(core.RelayConfig{SOCKS5: "127.0.0.1:1080"})
	require.NoError(t, err)
	assert.Equal(t, "socks5", pick(route).Name())

	_, err = newDialerFunc(core.RelayConfig{SOCKS5: "no-port"})
	assert.Error(t, err)
}

func TestReloadConfigAppliesLogLevels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	write := func(body string) {
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	}
	write("nat:\n  public_ip: 203.0.113.10\nlogging:\n  level: info\n")
	cm := core.NewConfigManager(path, nil)
	require.NoError(t, cm.Load())
	logger := core.NewLogger(cm.Get().Logging)
	require.False(t, logger.For("Gateway").DebugEnabled())

	write("nat:\n  public_ip: 203.0.113.10\nlogging:\n  level: info\n  components:\n    Gateway: debug\n")
	cfg, err := reloadConfig(cm, logger)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Components["Gateway"])
	assert.True(t, logger.For("Gateway").DebugEnabled())

	write("nat: [broken\n")
	cfg, err = reloadConfig(cm, logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), path)
	assert.Equal(t, "debug", cfg.Logging.Components["Gateway"], "previous config kept")
	assert.True(t, logger.For("Gateway").DebugEnabled())
}

func TestPrintStatus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ctl.sock")
	srv := ipc.NewServer(path)
	require.NoError(t, srv.Listen())
	go srv.Serve()
	t.Cleanup(srv.Stop)

	var out bytes.Buffer
	assert.Equal(t, 1, printStatus(&out, path))
	assert.Contains(t, out.String(), "overall  NOT_SERVING")

	for _, svc := range ipc.Services {
		srv.SetServing(svc, true)
	}
	out.Reset()
	assert.Equal(t, 0, printStatus(&out, path))
	assert.Contains(t, out.String(), "gateway  SERVING")
	assert.Contains(t, out.String(), "routing  SERVING")
}

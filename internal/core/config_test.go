package core

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
interface:
  name: tun7
  address: 192.168.99.1/24
nat:
  public_ip: 203.0.113.10
routing:
  static_file: routes.conf
  dynamic:
    enabled: true
    local_ip: 192.168.99.1
    interval: 2s
    advertise: ["192.168.99.0 255.255.255.0"]
  order: [dynamic, static]
relay:
  socks5: 127.0.0.1:1080
logging:
  level: warn
  components:
    NAT: debug
`

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "tun7", cfg.Interface.Name)
	assert.Equal(t, 1500, cfg.Interface.MTU)
	assert.Equal(t, 40000, cfg.NAT.PortRangeStart)
	assert.Equal(t, 65535, cfg.NAT.PortRangeEnd)
	assert.Equal(t, DefaultLANPrefixes, cfg.LANPrefixes)

	d := cfg.Routing.Dynamic
	assert.Equal(t, 54321, d.Port)
	assert.Equal(t, "255.255.255.255", d.Broadcast)
	assert.Equal(t, 2*time.Second, d.Interval.Std())
	assert.Equal(t, "tun7", d.Iface)
	assert.Equal(t, []string{"dynamic", "static"}, cfg.Routing.Order)

	assert.Equal(t, 10*time.Second, cfg.Relay.DialTimeout.Std())
	assert.Equal(t, 2000, cfg.Relay.ReadBuffer)
	assert.Equal(t, "127.0.0.1:1080", cfg.Relay.SOCKS5)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestParseConfigRejects(t *testing.T) {
	cases := map[string]string{
		"no public ip":   "interface: {name: tun0}\n",
		"bad public ip":  "nat: {public_ip: nope}\n",
		"ipv6 public ip": "nat: {public_ip: \"2001:db8::1\"}\n",
		"bad prefix":     "nat: {public_ip: 1.2.3.4}\nlan_prefixes: [\"10.0.0.0/40\"]\n",
		"empty range":    "nat: {public_ip: 1.2.3.4, port_range_start: 50000, port_range_end: 40000}\n",
		"unknown order":  "nat: {public_ip: 1.2.3.4}\nrouting: {order: [static, bgp]}\n",
		"dv without ip":  "nat: {public_ip: 1.2.3.4}\nrouting: {dynamic: {enabled: true}}\n",
		"bad duration":   "nat: {public_ip: 1.2.3.4}\nrelay: {dial_timeout: soon}\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConfig([]byte(body))
			assert.Error(t, err)
		})
	}
}

func TestConfigManagerLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	bus := NewEventBus()
	reloaded := 0
	bus.Subscribe(EventConfigReloaded, func(Event) { reloaded++ })

	cm := NewConfigManager(path, bus)
	require.NoError(t, cm.Load())
	assert.Equal(t, 1, reloaded)
	assert.Equal(t, "203.0.113.10", cm.Get().NAT.PublicIP)

	prefixes, err := cm.Get().ParsedLANPrefixes()
	require.NoError(t, err)
	assert.Len(t, prefixes, 3)
}

func TestConfigManagerMissingFile(t *testing.T) {
	cm := NewConfigManager(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	err := cm.Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoggerComponentLevels(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(LogConfig{Level: "warn", Components: map[string]string{"NAT": "debug"}})
	l.setOutput(&buf)

	l.Infof("Route", "hidden")
	l.Debugf("NAT", "binding %d", 40000)
	l.For("Route").Errorf("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[NAT] binding 40000")
	assert.Contains(t, out, "[Route] shown")
	assert.True(t, l.For("nat").DebugEnabled())
	assert.False(t, l.For("Relay").DebugEnabled())

	l.Reconfigure(LogConfig{Level: "off"})
	buf.Reset()
	l.Errorf("NAT", "silenced")
	assert.Empty(t, strings.TrimSpace(buf.String()))
}

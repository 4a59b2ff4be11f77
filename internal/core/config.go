package core

import (
	"fmt"
	"net/netip"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration read from YAML as a string ("10s", "500ms").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// InterfaceConfig describes the TUN device.
type InterfaceConfig struct {
	Name string `yaml:"name"`
	// Address is an optional CIDR assigned to the device ("192.168.99.1/24").
	Address string `yaml:"address,omitempty"`
	MTU     int    `yaml:"mtu,omitempty"`
}

// NATConfig holds NAT engine settings.
type NATConfig struct {
	// PublicIP is used as the SNAT source. If empty, the first IPv4 address
	// of PublicIface is used.
	PublicIP       string `yaml:"public_ip,omitempty"`
	PublicIface    string `yaml:"public_iface,omitempty"`
	PortRangeStart int    `yaml:"port_range_start,omitempty"`
	PortRangeEnd   int    `yaml:"port_range_end,omitempty"`
}

// PolicyConfig points at the firewall and QoS rule files.
// An empty path means "no rules".
type PolicyConfig struct {
	FirewallRules string `yaml:"firewall_rules,omitempty"`
	QoSRules      string `yaml:"qos_rules,omitempty"`
}

// DynamicRoutingConfig configures the distance-vector peer.
type DynamicRoutingConfig struct {
	Enabled   bool     `yaml:"enabled"`
	LocalIP   string   `yaml:"local_ip,omitempty"`
	Iface     string   `yaml:"iface,omitempty"`
	Port      int      `yaml:"port,omitempty"`
	Broadcast string   `yaml:"broadcast,omitempty"`
	Interval  Duration `yaml:"interval,omitempty"`
	// Advertise lists locally originated routes as "dest netmask".
	Advertise []string `yaml:"advertise,omitempty"`
}

// RoutingConfig selects route providers and their registration order.
type RoutingConfig struct {
	StaticFile string               `yaml:"static_file,omitempty"`
	Dynamic    DynamicRoutingConfig `yaml:"dynamic,omitempty"`
	Order      []string             `yaml:"order,omitempty"`
}

// RelayConfig holds TCP relay settings.
type RelayConfig struct {
	DialTimeout Duration `yaml:"dial_timeout,omitempty"`
	ReadBuffer  int      `yaml:"read_buffer,omitempty"`
	// SOCKS5 is the upstream proxy "host:port". Empty means direct.
	SOCKS5           string `yaml:"socks5,omitempty"`
	BindToRouteIface bool   `yaml:"bind_to_route_iface,omitempty"`
}

// RawListenerConfig toggles the auxiliary return-traffic channel.
type RawListenerConfig struct {
	Enabled bool `yaml:"enabled"`
	// Forward sends translated packets out at the IP layer instead of
	// relaying TCP payloads. Replies then arrive on the raw listener.
	Forward bool `yaml:"forward,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint. Empty Listen disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen,omitempty"`
}

// ControlConfig configures the gRPC control socket.
type ControlConfig struct {
	Socket string `yaml:"socket,omitempty"`
}

// Config is the top-level application configuration.
type Config struct {
	Interface   InterfaceConfig   `yaml:"interface"`
	NAT         NATConfig         `yaml:"nat"`
	LANPrefixes []string          `yaml:"lan_prefixes,omitempty"`
	Policy      PolicyConfig      `yaml:"policy,omitempty"`
	Routing     RoutingConfig     `yaml:"routing,omitempty"`
	Relay       RelayConfig       `yaml:"relay,omitempty"`
	RawListener RawListenerConfig `yaml:"raw_listener,omitempty"`
	Logging     LogConfig         `yaml:"logging,omitempty"`
	Metrics     MetricsConfig     `yaml:"metrics,omitempty"`
	Control     ControlConfig     `yaml:"control,omitempty"`
}

// Route provider names accepted in routing.order.
const (
	ProviderStatic  = "static"
	ProviderDynamic = "dynamic"
)

// DefaultLANPrefixes mirror the classic "192.168." / "10." / "172." checks.
var DefaultLANPrefixes = []string{"192.168.0.0/16", "10.0.0.0/8", "172.0.0.0/8"}

// ApplyDefaults fills zero values with the router defaults.
func (c *Config) ApplyDefaults() {
	if c.Interface.Name == "" {
		c.Interface.Name = "tun0"
	}
	if c.Interface.MTU == 0 {
		c.Interface.MTU = 1500
	}
	if c.NAT.PortRangeStart == 0 {
		c.NAT.PortRangeStart = 40000
	}
	if c.NAT.PortRangeEnd == 0 {
		c.NAT.PortRangeEnd = 65535
	}
	if len(c.LANPrefixes) == 0 {
		c.LANPrefixes = append([]string(nil), DefaultLANPrefixes...)
	}
	d := &c.Routing.Dynamic
	if d.Port == 0 {
		d.Port = 54321
	}
	if d.Broadcast == "" {
		d.Broadcast = "255.255.255.255"
	}
	if d.Interval == 0 {
		d.Interval = Duration(10 * time.Second)
	}
	if d.Iface == "" {
		d.Iface = c.Interface.Name
	}
	if len(c.Routing.Order) == 0 {
		c.Routing.Order = []string{ProviderStatic, ProviderDynamic}
	}
	if c.Relay.DialTimeout == 0 {
		c.Relay.DialTimeout = Duration(10 * time.Second)
	}
	if c.Relay.ReadBuffer == 0 {
		c.Relay.ReadBuffer = 2000
	}
	if c.Control.Socket == "" {
		c.Control.Socket = "/var/run/tun-router.sock"
	}
}

// Validate checks addresses, prefixes, port ranges and provider names.
func (c *Config) Validate() error {
	if c.Interface.Address != "" {
		if _, err := netip.ParsePrefix(c.Interface.Address); err != nil {
			return fmt.Errorf("interface.address: %w", err)
		}
	}
	if c.NAT.PublicIP == "" && c.NAT.PublicIface == "" {
		return fmt.Errorf("nat: one of public_ip or public_iface is required")
	}
	if c.NAT.PublicIP != "" {
		ip, err := netip.ParseAddr(c.NAT.PublicIP)
		if err != nil || !ip.Is4() {
			return fmt.Errorf("nat.public_ip: %q is not an IPv4 address", c.NAT.PublicIP)
		}
	}
	if c.NAT.PortRangeStart < 1 || c.NAT.PortRangeEnd > 65535 || c.NAT.PortRangeStart > c.NAT.PortRangeEnd {
		return fmt.Errorf("nat: empty port range %d-%d", c.NAT.PortRangeStart, c.NAT.PortRangeEnd)
	}
	if _, err := c.ParsedLANPrefixes(); err != nil {
		return err
	}
	for _, name := range c.Routing.Order {
		switch strings.ToLower(name) {
		case ProviderStatic, ProviderDynamic:
		default:
			return fmt.Errorf("routing.order: unknown provider %q", name)
		}
	}
	if d := c.Routing.Dynamic; d.Enabled {
		ip, err := netip.ParseAddr(d.LocalIP)
		if err != nil || !ip.Is4() {
			return fmt.Errorf("routing.dynamic.local_ip: %q is not an IPv4 address", d.LocalIP)
		}
		if _, err := netip.ParseAddr(d.Broadcast); err != nil {
			return fmt.Errorf("routing.dynamic.broadcast: %w", err)
		}
		if d.Port < 1 || d.Port > 65535 {
			return fmt.Errorf("routing.dynamic.port: %d out of range", d.Port)
		}
	}
	if c.Relay.ReadBuffer < 0 {
		return fmt.Errorf("relay.read_buffer: negative size")
	}
	return nil
}

// ParsedLANPrefixes returns LANPrefixes as netip prefixes.
func (c Config) ParsedLANPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.LANPrefixes))
	for _, s := range c.LANPrefixes {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("lan_prefixes: %w", err)
		}
		out = append(out, p.Masked())
	}
	return out, nil
}

// ConfigManager handles loading and reloading configuration.
type ConfigManager struct {
	mu       sync.RWMutex
	config   Config
	filePath string
	bus      *EventBus
}

// NewConfigManager creates a config manager that reads from the given file.
func NewConfigManager(filePath string, bus *EventBus) *ConfigManager {
	return &ConfigManager{
		filePath: filePath,
		bus:      bus,
	}
}

// Load reads, defaults and validates the configuration from disk.
// A missing file is an error: the router never guesses a LAN layout.
func (cm *ConfigManager) Load() error {
	data, err := os.ReadFile(cm.filePath)
	if err != nil {
		return fmt.Errorf("[Core] failed to read config %s: %w", cm.filePath, err)
	}

	cfg, err := ParseConfig(data)
	if err != nil {
		return err
	}

	cm.mu.Lock()
	cm.config = cfg
	cm.mu.Unlock()

	cm.bus.Publish(Event{Type: EventConfigReloaded})
	return nil
}

// ParseConfig decodes YAML, applies defaults and validates the result.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("[Core] failed to parse config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("[Core] invalid config: %w", err)
	}
	return cfg, nil
}

// Get returns a copy of the current configuration.
func (cm *ConfigManager) Get() Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// Path returns the file the manager reads from.
func (cm *ConfigManager) Path() string { return cm.filePath }

package main

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"

	"tun-router/internal/core"
	"tun-router/internal/gateway"
	"tun-router/internal/provider"
	"tun-router/internal/provider/direct"
	"tun-router/internal/provider/socks5"
	"tun-router/internal/routing"
)

// resolveRelativeToExe resolves a relative path against the executable's
// directory so the router finds its files when started by an init system.
// An empty path stays empty.
func resolveRelativeToExe(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	exe, err := os.Executable()
	if err != nil {
		return path
	}
	return filepath.Join(filepath.Dir(exe), path)
}

// reloadConfig re-reads the config file and applies what can change at
// runtime, the log levels. On error the previous config stays in effect.
func reloadConfig(cm *core.ConfigManager, logger *core.Logger) (core.Config, error) {
	if err := cm.Load(); err != nil {
		return cm.Get(), fmt.Errorf("reload %s: %w", cm.Path(), err)
	}
	cfg := cm.Get()
	logger.Reconfigure(cfg.Logging)
	logger.Infof("Core", "Reloaded %s (log levels applied; other changes need a restart)", cm.Path())
	return cfg, nil
}

// resolvePublicIP returns nat.public_ip, or the first IPv4 address of
// nat.public_iface as reported by lookup.
func resolvePublicIP(cfg core.NATConfig, lookup func(string) (netip.Addr, error)) (netip.Addr, error) {
	if cfg.PublicIP != "" {
		ip, err := netip.ParseAddr(cfg.PublicIP)
		if err != nil || !ip.Is4() {
			return netip.Addr{}, fmt.Errorf("nat.public_ip: %q is not an IPv4 address", cfg.PublicIP)
		}
		return ip, nil
	}
	ip, err := lookup(cfg.PublicIface)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("nat.public_iface %s: %w", cfg.PublicIface, err)
	}
	return ip, nil
}

// dynamicOptions derives the distance-vector peer settings from config.
func dynamicOptions(cfg core.DynamicRoutingConfig, bus *core.EventBus) (routing.DynamicOptions, []routing.RouteEntry, error) {
	local, err := netip.ParseAddr(cfg.LocalIP)
	if err != nil {
		return routing.DynamicOptions{}, nil, fmt.Errorf("routing.dynamic.local_ip: %w", err)
	}
	bcast, err := netip.ParseAddr(cfg.Broadcast)
	if err != nil {
		return routing.DynamicOptions{}, nil, fmt.Errorf("routing.dynamic.broadcast: %w", err)
	}
	seed := make([]routing.RouteEntry, 0, len(cfg.Advertise))
	for _, s := range cfg.Advertise {
		e, err := routing.ParseLocalRoute(s)
		if err != nil {
			return routing.DynamicOptions{}, nil, err
		}
		seed = append(seed, e)
	}
	return routing.DynamicOptions{
		LocalIP:  local,
		Iface:    cfg.Iface,
		Target:   netip.AddrPortFrom(bcast, uint16(cfg.Port)),
		Interval: cfg.Interval.Std(),
		Bus:      bus,
	}, seed, nil
}

// buildRouteTable registers providers in routing.order. Providers that are
// not configured are skipped.
func buildRouteTable(order []string, static *routing.StaticProvider, dynamic *routing.DynamicProvider) *routing.Table {
	table := routing.NewTable()
	for _, name := range order {
		switch strings.ToLower(name) {
		case core.ProviderStatic:
			if static != nil {
				table.AddProvider(static)
			}
		case core.ProviderDynamic:
			if dynamic != nil {
				table.AddProvider(dynamic)
			}
		}
	}
	return table
}

// newDialerFunc picks the relay upstream: direct, optionally bound to the
// route's interface, and wrapped in SOCKS5 when a proxy is configured.
func newDialerFunc(cfg core.RelayConfig) (gateway.DialerFunc, error) {
	base, err := direct.New("", netip.Addr{}, nil)
	if err != nil {
		return nil, err
	}
	if cfg.SOCKS5 != "" {
		// Validates the server address once.
		if _, err := socks5.New(cfg.SOCKS5, base); err != nil {
			return nil, err
		}
	}
	return func(route routing.RouteEntry) provider.Dialer {
		d := base
		if cfg.BindToRouteIface && route.Iface != "" {
			d = base.Bound(route.Iface)
		}
		if cfg.SOCKS5 == "" {
			return d
		}
		p, err := socks5.New(cfg.SOCKS5, d)
		if err != nil {
			return d
		}
		return p
	}, nil
}

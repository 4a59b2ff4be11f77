package routing

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strconv"
	"strings"

	"tun-router/internal/core"
)

// StaticProvider serves routes loaded once from a file.
type StaticProvider struct {
	routes []RouteEntry
}

// NewStaticProvider returns a provider over a copy of routes.
func NewStaticProvider(routes []RouteEntry) *StaticProvider {
	return &StaticProvider{routes: append([]RouteEntry(nil), routes...)}
}

// LoadStaticFile reads a route file with lines
//
//	dest netmask gateway iface [metric]
//
// Blank lines and lines starting with '#' are skipped.
func LoadStaticFile(path string) (*StaticProvider, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("[Route] open %s: %w", path, err)
	}
	defer f.Close()

	routes, err := ParseStatic(f)
	if err != nil {
		return nil, fmt.Errorf("[Route] %s: %w", path, err)
	}
	core.Log.Infof("Route", "Loaded %d static routes from %s", len(routes), path)
	return NewStaticProvider(routes), nil
}

// ParseStatic parses a static route file.
func ParseStatic(r io.Reader) ([]RouteEntry, error) {
	var routes []RouteEntry
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		e, err := parseRouteFields(strings.Fields(line), 4)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		routes = append(routes, e)
	}
	return routes, sc.Err()
}

// parseRouteFields decodes "dest netmask gateway iface [metric]". At least
// minFields fields are required; a missing metric is 0.
func parseRouteFields(f []string, minFields int) (RouteEntry, error) {
	if len(f) < minFields || len(f) > 5 {
		return RouteEntry{}, fmt.Errorf("want %d or 5 fields, got %d", minFields, len(f))
	}
	var e RouteEntry
	var err error
	if e.Dest, err = parseIPv4(f[0]); err != nil {
		return RouteEntry{}, err
	}
	if e.Netmask, err = parseIPv4(f[1]); err != nil {
		return RouteEntry{}, err
	}
	if e.Gateway, err = parseIPv4(f[2]); err != nil {
		return RouteEntry{}, err
	}
	e.Iface = f[3]
	if len(f) == 5 {
		if e.Metric, err = strconv.Atoi(f[4]); err != nil || e.Metric < 0 || e.Metric > MaxMetric {
			return RouteEntry{}, fmt.Errorf("bad metric %q", f[4])
		}
	}
	return e, nil
}

func parseIPv4(s string) (netip.Addr, error) {
	a, err := netip.ParseAddr(s)
	if err != nil || !a.Is4() {
		return netip.Addr{}, fmt.Errorf("bad IPv4 address %q", s)
	}
	return a, nil
}

// Lookup returns the first route matching ip in file order.
func (s *StaticProvider) Lookup(ip netip.Addr) (RouteEntry, bool) {
	return firstMatch(s.routes, ip)
}

// Routes returns the loaded routes.
func (s *StaticProvider) Routes() []RouteEntry {
	return append([]RouteEntry(nil), s.routes...)
}

// ParseLocalRoute decodes a locally originated route "dest netmask", as
// listed under routing.dynamic.advertise. Gateway and iface are left for
// the dynamic provider to fill in.
func ParseLocalRoute(s string) (RouteEntry, error) {
	f := strings.Fields(s)
	if len(f) != 2 {
		return RouteEntry{}, fmt.Errorf("[Route] local route %q: want \"dest netmask\"", s)
	}
	var e RouteEntry
	var err error
	if e.Dest, err = parseIPv4(f[0]); err != nil {
		return RouteEntry{}, fmt.Errorf("[Route] local route %q: %w", s, err)
	}
	if e.Netmask, err = parseIPv4(f[1]); err != nil {
		return RouteEntry{}, fmt.Errorf("[Route] local route %q: %w", s, err)
	}
	return e, nil
}

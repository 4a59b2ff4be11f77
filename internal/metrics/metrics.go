// Package metrics exposes router counters and gauges to Prometheus.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tun-router/internal/core"
)

const namespace = "tun_router"

// Drop reasons used as the "reason" label of PacketsDropped.
const (
	ReasonMalformed   = "malformed"
	ReasonFirewall    = "firewall"
	ReasonQoS         = "qos"
	ReasonNoRoute     = "no_route"
	ReasonNAT         = "nat"
	ReasonRelay       = "relay"
	ReasonUnsupported = "unsupported"
	ReasonWrite       = "write"
)

// Metrics holds the router's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	PacketsReceived  *prometheus.CounterVec
	PacketsDropped   *prometheus.CounterVec
	PacketsForwarded *prometheus.CounterVec
	RelayBytes       *prometheus.CounterVec
	RelaysOpened     prometheus.Counter
	RelayFailures    prometheus.Counter
	ActiveRelays     prometheus.Gauge
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		PacketsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Packets read, by source (tun, raw).",
		}, []string{"source"}),
		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_dropped_total",
			Help:      "Packets dropped, by reason.",
		}, []string{"reason"}),
		PacketsForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_forwarded_total",
			Help:      "Packets delivered, by path (lan, inbound, relay, raw, reply, return).",
		}, []string{"path"}),
		RelayBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_bytes_total",
			Help:      "Payload bytes carried by relays, by direction (tx, rx).",
		}, []string{"direction"}),
		RelaysOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relays_opened_total",
			Help:      "Relays that connected to their remote.",
		}),
		RelayFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_failures_total",
			Help:      "Relays that failed to connect or negotiate.",
		}),
		ActiveRelays: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relays_active",
			Help:      "Relays currently open.",
		}),
	}
	m.Registry.MustRegister(
		m.PacketsReceived,
		m.PacketsDropped,
		m.PacketsForwarded,
		m.RelayBytes,
		m.RelaysOpened,
		m.RelayFailures,
		m.ActiveRelays,
	)
	return m
}

// TrackGauge registers a gauge whose value is read from fn at scrape time.
func (m *Metrics) TrackGauge(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	m.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

func (m *Metrics) Received(source string) {
	if m != nil {
		m.PacketsReceived.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) Dropped(reason string) {
	if m != nil {
		m.PacketsDropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Forwarded(path string) {
	if m != nil {
		m.PacketsForwarded.WithLabelValues(path).Inc()
	}
}

func (m *Metrics) RelayTx(n int) {
	if m != nil {
		m.RelayBytes.WithLabelValues("tx").Add(float64(n))
	}
}

func (m *Metrics) RelayRx(n int) {
	if m != nil {
		m.RelayBytes.WithLabelValues("rx").Add(float64(n))
	}
}

// RelayOpened counts a connected relay and raises the active gauge.
func (m *Metrics) RelayOpened() {
	if m != nil {
		m.RelaysOpened.Inc()
		m.ActiveRelays.Inc()
	}
}

// RelayClosed lowers the active gauge.
func (m *Metrics) RelayClosed() {
	if m != nil {
		m.ActiveRelays.Dec()
	}
}

func (m *Metrics) RelayFailed() {
	if m != nil {
		m.RelayFailures.Inc()
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("[Metrics] listen %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	core.Log.Infof("Metrics", "Serving /metrics on %s", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("[Metrics] serve: %w", err)
	}
	return nil
}

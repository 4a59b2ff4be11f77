package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"tun-router/internal/core"
	"tun-router/internal/gateway"
	"tun-router/internal/ipc"
	"tun-router/internal/metrics"
	"tun-router/internal/policy"
	"tun-router/internal/routing"
	"tun-router/internal/tun"
)

// Build info, injected via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Print version and exit")
	showStatus := flag.Bool("status", false, "Query a running router over its control socket and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("tun-router %s (commit=%s, built=%s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	// === 1. Core components ===
	bus := core.NewEventBus()
	cfgManager := core.NewConfigManager(resolveRelativeToExe(*configPath), bus)
	if err := cfgManager.Load(); err != nil {
		log.Fatalf("[Core] Failed to load config: %v", err)
	}
	cfg := cfgManager.Get()
	core.Log.Reconfigure(cfg.Logging)

	if *showStatus {
		os.Exit(printStatus(os.Stdout, cfg.Control.Socket))
	}

	core.Log.Infof("Core", "TUN router %s starting...", version)
	subscribeEvents(bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// === 2. Public address ===
	publicIP, err := resolvePublicIP(cfg.NAT, tun.InterfaceIPv4)
	if err != nil {
		log.Fatalf("[Core] Failed to resolve public IP: %v", err)
	}
	lan, err := cfg.ParsedLANPrefixes()
	if err != nil {
		log.Fatalf("[Core] %v", err)
	}

	// === 3. TUN device ===
	dev, err := tun.Open(cfg.Interface.Name, cfg.Interface.MTU)
	if err != nil {
		log.Fatalf("[Core] Failed to open TUN device: %v", err)
	}
	if cfg.Interface.Address != "" {
		prefix := netip.MustParsePrefix(cfg.Interface.Address)
		if err := tun.Configure(dev.Name(), prefix, cfg.Interface.MTU); err != nil {
			dev.Close()
			log.Fatalf("[Core] Failed to configure %s: %v", dev.Name(), err)
		}
	}

	// === 4. Policy pipeline ===
	fwRules, err := policy.LoadFirewallRules(resolveRelativeToExe(cfg.Policy.FirewallRules))
	if err != nil {
		dev.Close()
		log.Fatalf("[Core] %v", err)
	}
	qosRules, err := policy.LoadQoSRules(resolveRelativeToExe(cfg.Policy.QoSRules))
	if err != nil {
		dev.Close()
		log.Fatalf("[Core] %v", err)
	}
	pipeline := &policy.Pipeline{
		Firewall: policy.NewFirewall(fwRules),
		QoS:      policy.NewQoS(qosRules),
	}

	// === 5. Route providers ===
	var static *routing.StaticProvider
	if cfg.Routing.StaticFile != "" {
		static, err = routing.LoadStaticFile(resolveRelativeToExe(cfg.Routing.StaticFile))
		if err != nil {
			dev.Close()
			log.Fatalf("[Core] %v", err)
		}
	}
	var dynamic *routing.DynamicProvider
	if cfg.Routing.Dynamic.Enabled {
		opts, seed, err := dynamicOptions(cfg.Routing.Dynamic, bus)
		if err != nil {
			dev.Close()
			log.Fatalf("[Core] %v", err)
		}
		dynamic = routing.NewDynamicProvider(opts)
		dynamic.Seed(seed)
	}
	routes := buildRouteTable(cfg.Routing.Order, static, dynamic)

	// === 6. NAT + relay upstream ===
	nat := gateway.NewNAT(publicIP, gateway.NATOptions{
		PortStart: uint16(cfg.NAT.PortRangeStart),
		PortEnd:   uint16(cfg.NAT.PortRangeEnd),
		Bus:       bus,
	})
	dialer, err := newDialerFunc(cfg.Relay)
	if err != nil {
		dev.Close()
		log.Fatalf("[Core] %v", err)
	}

	// === 7. Raw return channel ===
	var transport gateway.Transport = dev
	var raw *tun.RawListener
	var sender *tun.RawSender
	if cfg.RawListener.Enabled {
		raw, err = tun.ListenRaw(publicIP)
		if err != nil {
			dev.Close()
			log.Fatalf("[Core] Failed to open raw listener: %v", err)
		}
		if cfg.RawListener.Forward {
			sender = tun.NewRawSender()
			transport = tun.Forwarding{Device: dev, Sender: sender}
		}
	}

	// === 8. Metrics ===
	m := metrics.New()
	m.TrackGauge("nat_entries", "Active NAT bindings.", func() float64 { return float64(nat.Len()) })
	if dynamic != nil {
		m.TrackGauge("routes_dynamic", "Routes in the distance-vector table.", func() float64 { return float64(dynamic.Len()) })
	}

	// === 9. Forwarding loop ===
	routerOpts := gateway.Options{
		Transport:   transport,
		NAT:         nat,
		Policy:      pipeline,
		Routes:      routes,
		LAN:         lan,
		Dialer:      dialer,
		DialTimeout: cfg.Relay.DialTimeout.Std(),
		ReadBuffer:  cfg.Relay.ReadBuffer,
		Metrics:     m,
		Bus:         bus,
	}
	if raw != nil {
		routerOpts.Inbound = raw
	}
	router, err := gateway.NewRouter(routerOpts)
	if err != nil {
		dev.Close()
		log.Fatalf("[Core] %v", err)
	}

	// === 10. Control socket ===
	ctl := ipc.NewServer(cfg.Control.Socket)
	if err := ctl.Listen(); err != nil {
		dev.Close()
		log.Fatalf("[Core] %v", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return router.Run(gctx) })
	g.Go(ctl.Serve)
	if dynamic != nil {
		if err := dynamic.Start(gctx); err != nil {
			core.Log.Errorf("Core", "Dynamic routing disabled: %v", err)
		} else {
			ctl.SetServing(ipc.ServiceRouting, true)
		}
	} else {
		ctl.SetServing(ipc.ServiceRouting, true)
	}
	if cfg.Metrics.Listen != "" {
		g.Go(func() error { return m.Serve(gctx, cfg.Metrics.Listen) })
	}
	ctl.SetServing(ipc.ServiceGateway, true)
	ctl.SetServing(ipc.ServiceOverall, true)
	core.Log.Infof("Core", "Routing %s (public %s, order %v)", dev.Name(), publicIP, cfg.Routing.Order)

	// === Signal handling ===
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
wait:
	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				if _, err := reloadConfig(cfgManager, core.Log); err != nil {
					core.Log.Errorf("Core", "%v", err)
				}
				continue
			}
			core.Log.Infof("Core", "Received %v, shutting down...", sig)
			break wait
		case <-gctx.Done():
			core.Log.Errorf("Core", "Component failed, shutting down...")
			break wait
		}
	}

	// === Shutdown (reverse order) ===
	ctl.SetServing(ipc.ServiceOverall, false)
	ctl.SetServing(ipc.ServiceGateway, false)
	cancel()
	if dynamic != nil {
		dynamic.Stop()
	}
	// Unblock the router's readers.
	dev.Close()
	if raw != nil {
		raw.Close()
	}
	if sender != nil {
		sender.Close()
	}
	ctl.Stop()

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		core.Log.Errorf("Core", "Shutdown: %v", err)
	}
	s := router.Stats()
	core.Log.Infof("Core", "Shutdown complete: rx=%d fwd=%d drop=%d relayed=%dB",
		s.Received, s.Forwarded, s.Dropped, s.RelayedBytes)
}

// subscribeEvents logs router lifecycle events.
func subscribeEvents(bus *core.EventBus) {
	bus.Subscribe(core.EventRouteLearned, func(e core.Event) {
		if p, ok := e.Payload.(core.RoutePayload); ok {
			core.Log.Infof("Route", "Learned %s/%s via %s metric %d", p.Dest, p.Netmask, p.Gateway, p.Metric)
		}
	})
	bus.Subscribe(core.EventRouteUpdated, func(e core.Event) {
		if p, ok := e.Payload.(core.RoutePayload); ok {
			core.Log.Debugf("Route", "Updated %s/%s via %s metric %d", p.Dest, p.Netmask, p.Gateway, p.Metric)
		}
	})
	bus.Subscribe(core.EventRelayClosed, func(e core.Event) {
		if p, ok := e.Payload.(core.RelayPayload); ok && p.Err != nil {
			core.Log.Warnf("Relay", "Relay %s to %s via %s failed: %v", p.ID, p.Remote, p.Via, p.Err)
		}
	})
}

package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/mikhashev/dpc-core/internal/config"
	"github.com/mikhashev/dpc-core/internal/identity"
	"github.com/mikhashev/dpc-core/internal/metrics"
	"github.com/mikhashev/dpc-core/pkg/dht"
	"github.com/mikhashev/dpc-core/pkg/gossip"
	"github.com/mikhashev/dpc-core/pkg/holepunch"
	"github.com/mikhashev/dpc-core/pkg/orchestrator"
	"github.com/mikhashev/dpc-core/pkg/p2p"
	"github.com/mikhashev/dpc-core/pkg/peercache"
	"github.com/mikhashev/dpc-core/pkg/relay"
	"github.com/mikhashev/dpc-core/pkg/router"
	"github.com/mikhashev/dpc-core/pkg/strategy"
)

func defaultConfigDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		base = "."
	}
	return filepath.Join(base, "dpc")
}

// loadConfig reads the YAML config when present, otherwise the documented
// defaults, and fills in identity/cache paths relative to the config dir.
func loadConfig(path string) (*config.Config, error) {
	var cfg *config.Config
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}
	dir := defaultConfigDir()
	if cfg.Identity.KeyFile == "" {
		cfg.Identity.KeyFile = filepath.Join(dir, "node.key")
	}
	if cfg.Identity.CertFile == "" {
		cfg.Identity.CertFile = filepath.Join(dir, "node.crt")
	}
	if !filepath.IsAbs(cfg.PeerCache.Path) {
		cfg.PeerCache.Path = filepath.Join(dir, cfg.PeerCache.Path)
	}
	cfg.STUNTURN.LoadTURNCredentialsFromEnv()
	return cfg, nil
}

// localIPv4 finds a non-loopback IPv4 address to advertise in DHT records.
func localIPv4() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			return v4.String()
		}
	}
	return "127.0.0.1"
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config (defaults apply when omitted)")
	name := fs.String("name", "", "display name exchanged in HELLO")
	metricsAddr := fs.String("metrics", "127.0.0.1:9090", "metrics listen address (empty to disable)")
	fs.Parse(args)

	logger := slog.Default()
	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Error("serve: config", "error", err)
		os.Exit(1)
	}

	id, err := identity.LoadOrGenerate(cfg.Identity.KeyFile, cfg.Identity.CertFile)
	if err != nil {
		logger.Error("serve: identity", "error", err)
		os.Exit(1)
	}
	logger.Info("serve: identity loaded", "node_id", id.NodeID)

	mets := metrics.New(version, runtime.Version())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	selfIP := localIPv4()
	selfAddr := fmt.Sprintf("%s:%d", selfIP, cfg.Network.ListenPort)

	// DHT substrate.
	var dhtMgr *dht.Manager
	var rpc *dht.RPC
	var rt *dht.RoutingTable
	if cfg.DHT.Enabled {
		rt, err = dht.NewRoutingTable(id.NodeID, cfg.DHT.K, cfg.DHT.SubnetDiversity, cfg.DHT.StaleThreshold)
		if err != nil {
			logger.Error("serve: routing table", "error", err)
			os.Exit(1)
		}
		rpc, err = dht.NewRPC(id.NodeID, cfg.DHT.Port, dht.Handlers{}, logger)
		if err != nil {
			logger.Error("serve: dht rpc", "error", err)
			os.Exit(1)
		}
		dhtMgr = dht.NewManager(id.NodeID, rt, rpc, selfAddr, logger, mets)
		dhtMgr.Alpha = cfg.DHT.Alpha
		dhtMgr.BootstrapTimeout = cfg.DHT.BootstrapTimeout
		dhtMgr.BootstrapRetry = cfg.DHT.BootstrapRetry
		dhtMgr.LookupTimeout = cfg.DHT.LookupTimeout
		dhtMgr.AnnounceInterval = cfg.DHT.AnnounceInterval
		dhtMgr.MaintenanceTick = cfg.DHT.MaintenanceTick
		dhtMgr.BucketRefresh = cfg.DHT.BucketRefresh
		rpc.Start(ctx)
		dhtMgr.Start(ctx)
		if len(cfg.DHT.Seeds) > 0 {
			if ok, err := dhtMgr.Bootstrap(ctx, cfg.DHT.Seeds); !ok {
				logger.Warn("serve: bootstrap failed, background retry armed", "error", err)
			}
		}
	}

	cache, err := peercache.Load(cfg.PeerCache.Path)
	if err != nil {
		logger.Error("serve: peer cache", "error", err)
		os.Exit(1)
	}

	rtr := router.New(logger)
	p2pMgr := p2p.New(id, *name, rtr, cache, dhtMgr, logger, mets)
	p2pMgr.Mode = cfg.Network.Mode
	p2pMgr.ListenPort = cfg.Network.ListenPort
	p2pMgr.ConnectTimeout = cfg.Network.ConnectionTimeout
	p2pMgr.RecentWindow = cfg.PeerCache.RecentWindow
	p2pMgr.SetICEServers(iceServers(cfg))
	if err := p2pMgr.Start(ctx); err != nil {
		logger.Error("serve: p2p listener", "error", err)
		os.Exit(1)
	}

	// Hole punching.
	var hpMgr *holepunch.Manager
	if cfg.HolePunch.Enabled && dhtMgr != nil {
		hpMgr, err = holepunch.New(id.NodeID, cfg.HolePunch.Port, dhtMgr, logger, mets)
		if err != nil {
			logger.Error("serve: hole punch", "error", err)
			os.Exit(1)
		}
		hpMgr.DiscoveryPeers = cfg.HolePunch.DiscoveryPeers
		hpMgr.SyncDelay = cfg.HolePunch.SyncDelay
		hpMgr.PunchTimeout = cfg.HolePunch.PunchTimeout
		hpMgr.Start(ctx)
	}

	// Relay: client always (it's a strategy), server only when volunteering.
	relayDial := func(ctx context.Context, address string) (net.Conn, error) {
		d := &tls.Dialer{Config: &tls.Config{
			Certificates:       []tls.Certificate{id.TLSCert},
			InsecureSkipVerify: true, // relay identity is its node cert CN, checked server-side
			MinVersion:         tls.VersionTLS12,
		}}
		return d.DialContext(ctx, "tcp", address)
	}
	// A nil *dht.Manager must not be handed to interface fields as a typed
	// nil, so the store is only bound when the DHT is live.
	var relayStore relay.ValueStore
	if dhtMgr != nil {
		relayStore = dhtMgr
	}
	var relayClient *relay.Client
	var relaySrv *relay.Server
	if cfg.Relay.Enabled {
		relayClient = relay.NewClient(id.NodeID, relayStore, relayDial, logger)
		if cfg.Relay.Volunteer {
			relaySrv = relay.NewServer(id.NodeID, true, cfg.Relay.MaxPeers, cfg.Relay.Region, logger, mets)
			relaySrv.MsgRatePerSecond = cfg.Relay.MsgRatePerSecond
			relaySrv.StaleAfter = cfg.Relay.StaleAfter
			relaySrv.PeerID = tlsPeerID
			lis, err := tls.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", cfg.Relay.Port), &tls.Config{
				Certificates: []tls.Certificate{id.TLSCert},
				ClientAuth:   tls.RequireAnyClientCert,
				MinVersion:   tls.VersionTLS12,
			})
			if err != nil {
				logger.Error("serve: relay listener", "error", err)
				os.Exit(1)
			}
			go relaySrv.Serve(ctx, lis)
			if dhtMgr != nil {
				go relaySrv.AdvertiseLoop(ctx, dhtMgr, fmt.Sprintf("%s:%d", selfIP, cfg.Relay.Port))
			}
			logger.Info("serve: volunteering as relay", "port", cfg.Relay.Port, "max_peers", cfg.Relay.MaxPeers)
		}
	}

	// Gossip.
	var gossipMgr *gossip.Manager
	if cfg.Gossip.Enabled {
		var gossipStore gossip.ValueStore
		if dhtMgr != nil {
			gossipStore = dhtMgr
		}
		gossipMgr = gossip.New(id.NodeID, id.PrivateKey, id.CertPEM, p2pMgr, p2pMgr, gossipStore, logger, mets)
		gossipMgr.MaxHops = cfg.Gossip.MaxHops
		gossipMgr.Fanout = cfg.Gossip.Fanout
		gossipMgr.TTL = cfg.Gossip.TTL
		gossipMgr.SyncInterval = cfg.Gossip.SyncInterval
		gossipMgr.CleanupInterval = cfg.Gossip.CleanupInterval
		gossipMgr.DefaultPriority = cfg.Gossip.DefaultPriority
		// Decrypted gossip payloads with no per-source callback fall back to
		// the same command router the transports dispatch into.
		gossipMgr.Router = rtr
		gossipMgr.Start(ctx)

		rtr.Register(gossip.CommandGossipMessage, func(sender string, payload map[string]any) (any, error) {
			gossipMgr.OnReceive(payload)
			return nil, nil
		})
		rtr.Register(gossip.CommandGossipSync, func(sender string, payload map[string]any) (any, error) {
			rawIDs, _ := payload["message_ids"].([]any)
			ids := make([]string, 0, len(rawIDs))
			for _, v := range rawIDs {
				if s, ok := v.(string); ok {
					ids = append(ids, s)
				}
			}
			gossipMgr.OnSync(sender, ids)
			return nil, nil
		})
	}

	// Strategies, priority order.
	var strategies []strategy.Strategy
	if cfg.Strategies.IPv6Direct.Enabled {
		strategies = append(strategies, &strategy.IPv6Direct{Dial: p2pMgr, DialTimeout: cfg.Strategies.IPv6Direct.Timeout})
	}
	if cfg.Strategies.IPv4Direct.Enabled {
		strategies = append(strategies, &strategy.IPv4Direct{Dial: p2pMgr, DialTimeout: cfg.Strategies.IPv4Direct.Timeout})
	}
	if cfg.Strategies.HubWebRTC.Enabled {
		strategies = append(strategies, &strategy.HubWebRTC{Hub: p2pMgr, OpenTimeout: cfg.Strategies.HubWebRTC.Timeout})
	}
	if cfg.Strategies.UDPHolePunch.Enabled && hpMgr != nil {
		strategies = append(strategies, &strategy.UDPHolePunch{
			SelfID:           id.NodeID,
			Punch:            hpMgr,
			RPC:              rpc,
			DHT:              dhtMgr,
			Cert:             id.TLSCert,
			HandshakeTimeout: cfg.HolePunch.HandshakeTimeout,
			AttemptTimeout:   cfg.Strategies.UDPHolePunch.Timeout,
		})
	}
	if cfg.Strategies.VolunteerRelay.Enabled && relayClient != nil {
		strategies = append(strategies, &strategy.VolunteerRelay{
			Client:       relayClient,
			PreferRegion: cfg.Relay.Region,
			KnownPeers: func() []string {
				if rt == nil {
					return nil
				}
				records := rt.FindClosest(id.NodeID, cfg.DHT.K)
				ids := make([]string, len(records))
				for i, r := range records {
					ids[i] = r.NodeID
				}
				return ids
			},
			AttemptTimeout: cfg.Strategies.VolunteerRelay.Timeout,
		})
	}
	if cfg.Strategies.GossipStoreForward.Enabled && gossipMgr != nil {
		strategies = append(strategies, &strategy.GossipStoreForward{
			Gossip:         gossipMgr,
			Peers:          p2pMgr,
			AttemptTimeout: cfg.Strategies.GossipStoreForward.Timeout,
		})
	}

	if dhtMgr != nil {
		orch := orchestrator.New(dhtMgr, strategies, logger, mets)
		orch.OverallTimeout = cfg.Strategies.OverallTimeout
		p2pMgr.SetOrchestrator(orch)
	} else {
		logger.Warn("serve: DHT disabled, connect-by-node-id limited to the peer cache")
	}

	// Publish the v2.0 endpoint record alongside the legacy announce.
	if dhtMgr != nil {
		go publishEndpointLoop(ctx, cfg, id.NodeID, selfAddr, dhtMgr, hpMgr, relaySrv, logger)
	}

	// Metrics endpoint.
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", mets.Handler())
		srv := &http.Server{Addr: *metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("serve: metrics endpoint", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
		logger.Info("serve: metrics listening", "addr", *metricsAddr)
	}

	logger.Info("serve: node running", "node_id", id.NodeID, "p2p_port", cfg.Network.ListenPort, "dht", cfg.DHT.Enabled)
	<-ctx.Done()
	logger.Info("serve: shutting down")

	p2pMgr.Shutdown()
	if gossipMgr != nil {
		gossipMgr.Stop()
	}
	if relaySrv != nil {
		relaySrv.Stop()
	}
	if hpMgr != nil {
		hpMgr.Stop()
	}
	if rpc != nil {
		rpc.Close()
	}
}

// publishEndpointLoop republishes the full v2.0 endpoint record on the
// announce cadence so peers can pick strategies from fresh capability data.
func publishEndpointLoop(ctx context.Context, cfg *config.Config, selfID, selfAddr string, dhtMgr *dht.Manager, hpMgr *holepunch.Manager, relaySrv *relay.Server, logger *slog.Logger) {
	publish := func() {
		ep := dht.NewPeerEndpoint(selfID, selfAddr)
		if hpMgr != nil {
			ep.Punch = &dht.PunchInfo{
				Supported:   true,
				STUNPort:    uint16(cfg.HolePunch.Port),
				SuccessRate: float32(hpMgr.SuccessRate()),
			}
			if ext, err := hpMgr.DiscoverExternalEndpoint(ctx, nil, nil, false); err == nil && ext != nil {
				ep.IPv4.External = fmt.Sprintf("%s:%d", ext.IP, ext.Port)
				ep.IPv4.NATType = ext.NATType
			}
		}
		if relaySrv != nil {
			d := relaySrv.Descriptor("")
			ep.Relay = &dht.RelayInfo{
				Available: true,
				MaxPeers:  uint32(cfg.Relay.MaxPeers),
				Region:    cfg.Relay.Region,
				Uptime:    float32(d.UptimeRatio),
			}
		}
		raw, err := ep.ToJSON()
		if err != nil {
			return
		}
		storeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if _, err := dhtMgr.StoreValue(storeCtx, selfID, raw); err != nil {
			logger.Debug("serve: endpoint publication failed", "error", err)
		}
	}

	// First publication after bootstrap has had a moment to settle.
	select {
	case <-time.After(10 * time.Second):
		publish()
	case <-ctx.Done():
		return
	}
	ticker := time.NewTicker(cfg.DHT.AnnounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			publish()
		}
	}
}

func iceServers(cfg *config.Config) []p2p.ICEServer {
	var out []p2p.ICEServer
	for _, s := range cfg.STUNTURN.STUNServers {
		out = append(out, p2p.ICEServer{URLs: []string{s}})
	}
	for _, t := range cfg.STUNTURN.TURNServers {
		out = append(out, p2p.ICEServer{URLs: []string{t.URL}, Username: t.Username, Credential: t.Credential})
	}
	return out
}

// tlsPeerID extracts the node ID from a relay client's certificate CN.
func tlsPeerID(conn net.Conn) (string, bool) {
	tc, ok := conn.(*tls.Conn)
	if !ok {
		return "", false
	}
	if err := tc.Handshake(); err != nil {
		return "", false
	}
	state := tc.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return "", false
	}
	return state.PeerCertificates[0].Subject.CommonName, true
}

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/mikhashev/dpc-core/internal/identity"
	"github.com/mikhashev/dpc-core/pkg/dht"
)

// runBootstrap is a one-shot network probe: join the DHT through the given
// seeds, announce ourselves, and report how far the contact propagated.
// Useful for checking seed health without starting the full daemon.
func runBootstrap(args []string) {
	fs := flag.NewFlagSet("bootstrap", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	seedsFlag := fs.String("seeds", "", "comma-separated seed list overriding the config")
	fs.Parse(args)

	logger := slog.Default()
	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Error("bootstrap: config", "error", err)
		os.Exit(1)
	}
	id, err := identity.LoadOrGenerate(cfg.Identity.KeyFile, cfg.Identity.CertFile)
	if err != nil {
		logger.Error("bootstrap: identity", "error", err)
		os.Exit(1)
	}

	seeds := cfg.DHT.Seeds
	if *seedsFlag != "" {
		seeds = strings.Split(*seedsFlag, ",")
	}
	if len(seeds) == 0 {
		logger.Error("bootstrap: no seeds configured")
		os.Exit(1)
	}

	rt, err := dht.NewRoutingTable(id.NodeID, cfg.DHT.K, cfg.DHT.SubnetDiversity, cfg.DHT.StaleThreshold)
	if err != nil {
		logger.Error("bootstrap: routing table", "error", err)
		os.Exit(1)
	}
	rpc, err := dht.NewRPC(id.NodeID, 0, dht.Handlers{}, logger)
	if err != nil {
		logger.Error("bootstrap: dht rpc", "error", err)
		os.Exit(1)
	}
	defer rpc.Close()

	selfAddr := fmt.Sprintf("%s:%d", localIPv4(), cfg.Network.ListenPort)
	mgr := dht.NewManager(id.NodeID, rt, rpc, selfAddr, logger, nil)
	mgr.BootstrapTimeout = cfg.DHT.BootstrapTimeout

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DHT.BootstrapTimeout+30*time.Second)
	defer cancel()
	rpc.Start(ctx)

	ok, err := mgr.Bootstrap(ctx, seeds)
	if !ok {
		logger.Error("bootstrap: no seed responded", "error", err)
		os.Exit(1)
	}

	stored, err := mgr.Announce(ctx)
	if err != nil {
		logger.Warn("bootstrap: announce failed", "error", err)
	}

	stats := mgr.Stats()
	fmt.Printf("bootstrap ok\n")
	fmt.Printf("  node id:        %s\n", id.NodeID)
	fmt.Printf("  announced as:   %s\n", selfAddr)
	fmt.Printf("  routing table:  %d peers\n", stats.RoutingTableSize)
	fmt.Printf("  announce hits:  %d\n", stored)
}

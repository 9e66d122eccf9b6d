package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/mikhashev/dpc-core/internal/identity"
)

func runWhoami(args []string) {
	fs := flag.NewFlagSet("whoami", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("whoami: config", "error", err)
		os.Exit(1)
	}
	id, err := identity.LoadOrGenerate(cfg.Identity.KeyFile, cfg.Identity.CertFile)
	if err != nil {
		slog.Error("whoami: identity", "error", err)
		os.Exit(1)
	}
	fmt.Printf("node id:     %s\n", id.NodeID)
	fmt.Printf("key file:    %s\n", cfg.Identity.KeyFile)
	fmt.Printf("cert file:   %s\n", cfg.Identity.CertFile)
	fmt.Printf("p2p port:    %d\n", cfg.Network.ListenPort)
	fmt.Printf("dht port:    %d\n", cfg.DHT.Port)
}

// Command dpcd runs the decentralized personal compute connection core: the
// DHT, hole-punch, relay and gossip substrates plus the P2P manager and the
// strategy orchestrator that ties them together.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
)

// Set via -ldflags at build time:
//
//	go build -ldflags "-X main.version=0.1.0" -o dpcd ./cmd/dpcd
var version = "dev"

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "bootstrap":
		runBootstrap(os.Args[2:])
	case "whoami":
		runWhoami(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "version", "--version":
		fmt.Printf("dpcd %s (%s)\n", version, runtime.Version())
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `dpcd - decentralized personal compute connection core

Usage:
  dpcd serve     [-config path] [-name display-name] [-metrics addr]
  dpcd bootstrap [-config path] [-seeds host:port,...]
  dpcd whoami    [-config path]
  dpcd status    [-metrics addr]
  dpcd version
`)
}

package main

import (
	"bufio"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

// runStatus scrapes the running daemon's metrics endpoint and prints the
// dpc_* series, giving a quick connection/DHT/relay health view without a
// separate control API.
func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	metricsAddr := fs.String("metrics", "127.0.0.1:9090", "daemon metrics address")
	fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + *metricsAddr + "/metrics")
	if err != nil {
		slog.Error("status: daemon not reachable", "addr", *metricsAddr, "error", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "dpc_") {
			fmt.Println(line)
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Error("status: read metrics", "error", err)
		os.Exit(1)
	}
}

// Command peerbeacond runs one LAN messenger node: it binds the
// discovery and messaging endpoints, starts the status/control HTTP
// surface, and drives the engine's tick loop until SIGINT/SIGTERM.
//
// It follows cmd/peer_mockup/main.go: the same flag-package
// (flag.*Var + flag.Parse) argument handling and identity-printing
// startup banner,
// adapted from a one-shot client/server connection demo to a
// long-running tick-driven daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bfix/gospel/logger"

	"peerbeacon/config"
	"peerbeacon/engine"
	"peerbeacon/httpapi"
	"peerbeacon/transport"
)

func main() {
	var (
		configPath string
		username   string
		statusAddr string
		tickPeriod time.Duration
	)
	flag.StringVar(&configPath, "c", "", "path to a JSON config file (optional)")
	flag.StringVar(&username, "u", "", "display name override")
	flag.StringVar(&statusAddr, "status", "", "status/control HTTP bind address override")
	flag.DurationVar(&tickPeriod, "tick", 200*time.Millisecond, "event pump period")
	flag.Parse()

	cfg := config.Default()
	if configPath != "" {
		if err := config.ParseConfig(configPath); err != nil {
			fmt.Println(err.Error())
			os.Exit(1)
		}
		cfg = config.Cfg
	}
	if username != "" {
		cfg.Username = username
	}
	if statusAddr != "" {
		cfg.Status.Addr = statusAddr
	}
	logger.SetLogLevel(cfg.LogLevel)

	adapter := transport.NewNetAdapter(1000, 20)
	eng := engine.New(adapter, cfg.Network.DiscoveryPort, cfg.Network.MessagingPort, cfg.Network.BroadcastAddr)

	onMessage := func(sender, ip, content string) {
		fmt.Printf("[%s@%s] %s\n", sender, ip, content)
	}
	onRosterChanged := func() {
		fmt.Printf("peers active: %d\n", eng.Stats().PeersActive)
	}
	if err := eng.Init(cfg.Username, onMessage, onRosterChanged); err != nil {
		fmt.Println(err.Error())
		os.Exit(1)
	}

	fmt.Println("======================================================================")
	fmt.Println("peerbeacond — LAN messenger networking engine")
	fmt.Printf("    identity  '%s'\n", cfg.Username)
	fmt.Printf("    local ip  %s\n", eng.LocalIP())
	fmt.Printf("    discovery udp/%d, messaging tcp/%d\n", cfg.Network.DiscoveryPort, cfg.Network.MessagingPort)
	fmt.Println("======================================================================")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	status := httpapi.New(eng, cfg.Status.Addr)
	status.Start(ctx)

	ticker := time.NewTicker(tickPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Printf(logger.INFO, "[peerbeacond] shutting down")
			eng.Shutdown(context.Background())
			return
		case now := <-ticker.C:
			eng.Tick(now)
		}
	}
}

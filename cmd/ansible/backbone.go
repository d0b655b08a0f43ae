package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/ansiblemesh/ansible/gateway"
	"github.com/ansiblemesh/ansible/internal/config"
	"github.com/ansiblemesh/ansible/internal/logging"
)

func runBackbone(args []string) error {
	fs := flag.NewFlagSet("backbone", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config file")
	listenHost := fs.String("listen-host", "", "sync listener host (default: 127.0.0.1)")
	listenPort := fs.Int("listen-port", 0, "sync listener port")
	dataDir := fs.String("data-dir", "", "data directory for the state snapshot")
	nodeID := fs.String("node-id", "", "node identity override (default: hostname)")
	logLevel := fs.String("log-level", "", "log level: debug, info, warn, error")
	ticket := fs.String("ticket", "", "single-use join ticket for the first peer connection")
	var peers peerList
	fs.Var(&peers, "peer", "backbone peer ws:// URL (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	cfg.Tier = config.TierBackbone
	if *listenHost != "" {
		cfg.ListenHost = *listenHost
	}
	if *listenPort != 0 {
		cfg.ListenPort = *listenPort
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *nodeID != "" {
		cfg.NodeIDOverride = *nodeID
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if len(peers) > 0 {
		cfg.BackbonePeers = peers
	}

	if lvl, err := logging.ParseLevel(cfg.LogLevel); err == nil {
		logging.SetLevel(lvl)
	}

	node, err := gateway.NewNode(gateway.Options{
		Config:     cfg,
		Version:    version,
		JoinTicket: *ticket,
	})
	if err != nil {
		return fmt.Errorf("init backbone: %w", err)
	}

	logging.PrintBanner(config.TierBackbone, version, node.NodeID(), node.ListenAddr())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return node.Run(ctx)
}

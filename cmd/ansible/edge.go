package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ansiblemesh/ansible/gateway"
	"github.com/ansiblemesh/ansible/internal/config"
	"github.com/ansiblemesh/ansible/internal/logging"
)

// peerList collects repeatable -peer flags.
type peerList []string

func (p *peerList) String() string { return strings.Join(*p, ",") }

func (p *peerList) Set(v string) error {
	*p = append(*p, v)
	return nil
}

func runEdge(args []string) error {
	fs := flag.NewFlagSet("edge", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config file")
	dataDir := fs.String("data-dir", "", "data directory for the state snapshot")
	sessionDir := fs.String("session-dir", "", "agent session directory for the lock reaper")
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
	cfg.Tier = config.TierEdge
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *sessionDir != "" {
		cfg.SessionDir = *sessionDir
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
		return fmt.Errorf("init edge: %w", err)
	}

	logging.PrintBanner(config.TierEdge, version, node.NodeID(),
		strings.Join(cfg.BackbonePeers, ","))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return node.Run(ctx)
}

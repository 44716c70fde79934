package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/isekhub/isekreg/config"
	"github.com/isekhub/isekreg/node"
	"github.com/isekhub/isekreg/registry/backend"
	"github.com/isekhub/isekreg/util/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	var (
		configFile   = flag.String("config", "", "Path to YAML configuration file (optional)")
		nodeID       = flag.String("id", "", "Node id (default from config, random when empty)")
		host         = flag.String("host", "", "Advertised host (default from config)")
		port         = flag.Int("port", 0, "Advertised and listen port (default from config)")
		registryType = flag.String("registry", "", "Registry backend: none, memory, center, etcd or postgres")
		metricsAddr  = flag.String("metrics", "", "HTTP address for Prometheus metrics (optional, e.g. ':9090')")
		send         = flag.String("send", "", "Send one message after start, as 'target:text'")
		broadcast    = flag.String("broadcast", "", "Broadcast one message to every peer after start")
	)
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *nodeID != "" {
		cfg.Node.ID = *nodeID
	}
	if *host != "" {
		cfg.Node.Host = *host
	}
	if *port > 0 {
		cfg.Node.Port = *port
		cfg.Node.ListenAddr = ""
	}
	if *registryType != "" {
		cfg.Registry.Type = *registryType
	}
	if *metricsAddr != "" {
		cfg.Node.MetricsAddr = *metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	level, _ := logger.ParseLevel(cfg.LogLevel)
	logger.SetDefaultLevel(level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg, closeRegistry, err := backend.New(ctx, cfg.Registry)
	if err != nil {
		log.Fatalf("Failed to open registry: %v", err)
	}
	defer closeRegistry()

	metadata := cfg.Node.Metadata
	var n *node.Node
	n, err = node.New(node.Config{
		NodeID:            cfg.Node.ID,
		Host:              cfg.Node.Host,
		Port:              cfg.Node.Port,
		ListenAddress:     cfg.NodeListenAddr(),
		Registry:          reg,
		Metadata:          func() map[string]any { return metadata },
		HeartbeatInterval: cfg.Registry.HeartbeatInterval,
		TTL:               cfg.Registry.TTL,
		SendAttempts:      cfg.Node.SendAttempts,
		CallTimeout:       cfg.Node.CallTimeout,
		Handler: func(ctx context.Context, sender, message string) (string, error) {
			log.Printf("[%s] message from %s: %s", n.ID(), sender, message)
			return fmt.Sprintf("%s received: %s", n.ID(), message), nil
		},
	})
	if err != nil {
		log.Fatalf("Failed to create node: %v", err)
	}

	if cfg.Node.MetricsAddr != "" {
		go serveMetrics(cfg.Node.MetricsAddr)
	}

	if err := n.Start(ctx); err != nil {
		log.Fatalf("Failed to start node: %v", err)
	}
	log.Printf("Node %s running at %s (registry: %s)", n.ID(), n.Address(), cfg.Registry.Type)

	if *send != "" {
		target, text, ok := strings.Cut(*send, ":")
		if !ok || target == "" {
			log.Printf("--send expects 'target:text', got %q", *send)
		} else {
			sendOne(ctx, n, target, text)
		}
	}
	if *broadcast != "" {
		broadcastOne(ctx, n, *broadcast)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	for sig := range sigChan {
		if sig == syscall.SIGUSR1 {
			printPeers(n)
			continue
		}
		log.Printf("Received signal %v, shutting down...", sig)
		break
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := n.Stop(stopCtx); err != nil {
		log.Printf("Stop: %v", err)
	}
	log.Println("Node stopped")
}

func sendOne(ctx context.Context, n *node.Node, target, text string) {
	reply, err := n.SendMessage(ctx, target, text)
	if err != nil {
		var nu *node.NodeUnavailableError
		if errors.As(err, &nu) {
			log.Printf("Node %s is unavailable", nu.NodeID)
			return
		}
		log.Printf("Send to %s failed: %v", target, err)
		return
	}
	log.Printf("Reply from %s: %s", target, reply)
}

func broadcastOne(ctx context.Context, n *node.Node, text string) {
	results, err := n.Broadcast(ctx, text)
	if err != nil {
		log.Printf("Broadcast failed: %v", err)
		return
	}
	ids := make([]string, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if r := results[id]; r.Err != nil {
			log.Printf("  %s: error: %v", id, r.Err)
		} else {
			log.Printf("  %s: %s", id, r.Reply)
		}
	}
}

func printPeers(n *node.Node) {
	ids := n.Directory().IDs()
	log.Printf("%d known nodes (refreshed %s ago)", len(ids), time.Since(n.Directory().LastRefresh()).Round(time.Millisecond))
	for _, id := range ids {
		if rec, ok := n.Directory().Lookup(id); ok {
			log.Printf("  %s at %s %v", id, rec.Address(), rec.Metadata)
		}
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	log.Printf("Metrics listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("Metrics server error: %v", err)
	}
}

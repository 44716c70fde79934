package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/isekhub/isekreg/config"
	"github.com/isekhub/isekreg/registry/center"
	"github.com/isekhub/isekreg/util/logger"
)

func main() {
	var (
		configFile = flag.String("config", "", "Path to YAML configuration file (optional)")
		listenAddr = flag.String("listen", "", "HTTP listen address (default from config, 0.0.0.0:8088)")
		ttl        = flag.Duration("ttl", 0, "Lease TTL granted on register and renew (default from config, 30s)")
		sweep      = flag.Duration("sweep", 0, "Interval between expiry sweeps (default ttl/2)")
	)
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	level, _ := logger.ParseLevel(cfg.LogLevel)
	logger.SetDefaultLevel(level)

	serverConfig := center.ServerConfig{
		ListenAddress: cfg.Center.ListenAddr,
		TTL:           cfg.Center.TTL,
		SweepInterval: cfg.Center.SweepInterval,
	}
	if *listenAddr != "" {
		serverConfig.ListenAddress = *listenAddr
	}
	if *ttl > 0 {
		serverConfig.TTL = *ttl
	}
	if *sweep > 0 {
		serverConfig.SweepInterval = *sweep
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	srv := center.NewServer(serverConfig)
	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Run(ctx)
	}()

	select {
	case sig := <-sigChan:
		log.Printf("Received signal %v, shutting down...", sig)
		cancel()
		if err := <-errChan; err != nil {
			log.Printf("Shutdown error: %v", err)
		}
	case err := <-errChan:
		if err != nil {
			log.Fatalf("Registry server error: %v", err)
		}
	}

	log.Println("Registry server stopped")
}

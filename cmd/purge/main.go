// Command purge deletes every node registration from an etcd or PostgreSQL
// registry. Useful after a cluster was torn down without deregistering.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/isekhub/isekreg/config"
	"github.com/isekhub/isekreg/registry/etcdregistry"
	"github.com/isekhub/isekreg/registry/pgregistry"
	"github.com/isekhub/isekreg/util/postgres"
)

type purger interface {
	PurgeAll(ctx context.Context) (int64, error)
}

func main() {
	var (
		configFile = flag.String("config", "", "Path to YAML configuration file (optional)")
		regType    = flag.String("registry", "", "Registry backend to purge: etcd or postgres (default from config)")
		yes        = flag.Bool("yes", false, "Skip the confirmation prompt")
		timeout    = flag.Duration("timeout", 30*time.Second, "Overall deadline")
	)
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	if *regType != "" {
		cfg.Registry.Type = *regType
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if err := run(ctx, cfg.Registry, *yes, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.RegistryConfig, yes bool, in io.Reader, out io.Writer) error {
	target, err := describe(cfg)
	if err != nil {
		return err
	}
	if !yes && !confirm(target, in, out) {
		fmt.Fprintln(out, "Operation cancelled.")
		return nil
	}

	p, closeFn, err := open(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	removed, err := p.PurgeAll(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "✓ Removed %d registrations from %s\n", removed, target)
	return nil
}

func describe(cfg config.RegistryConfig) (string, error) {
	switch cfg.Type {
	case config.RegistryEtcd:
		return fmt.Sprintf("etcd %v prefix %q", cfg.Etcd.Endpoints, cfg.Etcd.Prefix), nil
	case config.RegistryPostgres:
		return fmt.Sprintf("postgres %s table %s", cfg.Postgres.String(), pgregistry.TableName), nil
	default:
		return "", fmt.Errorf("registry type %q cannot be purged (want %s or %s)", cfg.Type, config.RegistryEtcd, config.RegistryPostgres)
	}
}

func confirm(target string, in io.Reader, out io.Writer) bool {
	fmt.Fprintf(out, "WARNING: This will delete every node registration in %s!\n", target)
	fmt.Fprint(out, "Are you sure you want to continue? (yes/no): ")
	scanner := bufio.NewScanner(in)
	if !scanner.Scan() {
		return false
	}
	return strings.ToLower(strings.TrimSpace(scanner.Text())) == "yes"
}

func open(ctx context.Context, cfg config.RegistryConfig) (purger, func() error, error) {
	if cfg.Type == config.RegistryEtcd {
		reg, err := etcdregistry.New(etcdregistry.Config{
			Endpoints:   cfg.Etcd.Endpoints,
			Prefix:      cfg.Etcd.Prefix,
			TTL:         cfg.TTL,
			DialTimeout: cfg.Etcd.DialTimeout,
		})
		if err != nil {
			return nil, nil, err
		}
		if err := reg.Connect(ctx); err != nil {
			return nil, nil, err
		}
		return reg, reg.Close, nil
	}

	pgConfig := cfg.Postgres
	db, err := postgres.NewDB(&pgConfig)
	if err != nil {
		return nil, nil, err
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to ping database %s: %w", pgConfig.String(), err)
	}
	reg := pgregistry.New(db, pgregistry.Config{TTL: cfg.TTL})
	if err := reg.InitSchema(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	return reg, db.Close, nil
}

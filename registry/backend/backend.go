// Package backend builds the registry.Registry selected by configuration.
package backend

import (
	"context"
	"fmt"

	"github.com/isekhub/isekreg/config"
	"github.com/isekhub/isekreg/registry"
	"github.com/isekhub/isekreg/registry/center"
	"github.com/isekhub/isekreg/registry/etcdregistry"
	"github.com/isekhub/isekreg/registry/pgregistry"
	"github.com/isekhub/isekreg/util/logger"
	"github.com/isekhub/isekreg/util/postgres"
)

// CloseFunc releases whatever New opened.
type CloseFunc func() error

func noClose() error { return nil }

// New connects the backend named by cfg.Type. The returned CloseFunc must be
// called once the registry is no longer used.
func New(ctx context.Context, cfg config.RegistryConfig) (registry.Registry, CloseFunc, error) {
	log := logger.NewLogger("RegistryBackend")

	switch cfg.Type {
	case config.RegistryNone:
		log.Infof("Using no registry; node discovery disabled")
		return registry.NewNopRegistry(), noClose, nil

	case config.RegistryMemory:
		reg := registry.NewMemoryRegistry(registry.MemoryConfig{TTL: cfg.TTL})
		reg.StartSweeper(ctx, 0)
		log.Infof("Using in-process registry (ttl=%v)", cfg.TTL)
		return reg, reg.Close, nil

	case config.RegistryCenter, "":
		client := center.NewClient(center.ClientConfig{
			Address: cfg.Center.Address,
			Timeout: cfg.Center.Timeout,
		})
		log.Infof("Using central registry at %s", cfg.Center.Address)
		return client, noClose, nil

	case config.RegistryEtcd:
		reg, err := etcdregistry.New(etcdregistry.Config{
			Endpoints:    cfg.Etcd.Endpoints,
			Prefix:       cfg.Etcd.Prefix,
			TTL:          cfg.TTL,
			DialTimeout:  cfg.Etcd.DialTimeout,
			KeyFile:      cfg.Etcd.KeyFile,
			TrustedKeys:  cfg.Etcd.TrustedKeys,
			VerifyOnList: cfg.Etcd.VerifyOnList,
		})
		if err != nil {
			return nil, nil, err
		}
		if err := reg.Connect(ctx); err != nil {
			return nil, nil, err
		}
		log.Infof("Using etcd registry at %v under %s", cfg.Etcd.Endpoints, reg.Prefix())
		return reg, reg.Close, nil

	case config.RegistryPostgres:
		pgConfig := cfg.Postgres
		db, err := postgres.NewDB(&pgConfig)
		if err != nil {
			return nil, nil, err
		}
		if err := db.Ping(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("postgres %s: %w: %w", pgConfig.String(), registry.ErrBackendUnavailable, err)
		}
		reg := pgregistry.New(db, pgregistry.Config{TTL: cfg.TTL})
		if err := reg.InitSchema(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		reg.StartSweeper(ctx)
		log.Infof("Using postgres registry at %s", pgConfig.String())
		return reg, func() error {
			reg.Close()
			return db.Close()
		}, nil

	default:
		return nil, nil, fmt.Errorf("%w: unsupported registry type %q", registry.ErrInvalidArgument, cfg.Type)
	}
}

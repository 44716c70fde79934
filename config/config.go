package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/isekhub/isekreg/util/logger"
	"github.com/isekhub/isekreg/util/postgres"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Registry backend names accepted in registry.type.
const (
	RegistryNone     = "none"
	RegistryMemory   = "memory"
	RegistryCenter   = "center"
	RegistryEtcd     = "etcd"
	RegistryPostgres = "postgres"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ISEK_"

// NodeConfig describes the local node.
type NodeConfig struct {
	ID          string         `yaml:"id"`           // generated when empty
	Host        string         `yaml:"host"`         // advertised host
	Port        int            `yaml:"port"`         // advertised port
	ListenAddr  string         `yaml:"listen_addr"`  // gRPC bind address, default 0.0.0.0:<port>
	MetricsAddr string         `yaml:"metrics_addr"` // optional /metrics endpoint
	Metadata    map[string]any `yaml:"metadata"`

	SendAttempts int           `yaml:"send_attempts"`
	CallTimeout  time.Duration `yaml:"call_timeout"`
}

// CenterClientConfig locates the central registry server.
type CenterClientConfig struct {
	Address string        `yaml:"address"`
	Timeout time.Duration `yaml:"timeout"`
}

// EtcdConfig holds etcd registry settings.
type EtcdConfig struct {
	Endpoints    []string      `yaml:"endpoints"`
	Prefix       string        `yaml:"prefix"` // parent node id
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	KeyFile      string        `yaml:"key_file"`
	TrustedKeys  []string      `yaml:"trusted_keys"`
	VerifyOnList bool          `yaml:"verify_on_list"`
}

// RegistryConfig selects and configures the registry backend a node uses.
type RegistryConfig struct {
	Type              string             `yaml:"type"`
	TTL               time.Duration      `yaml:"ttl"`
	HeartbeatInterval time.Duration      `yaml:"heartbeat_interval"`
	Center            CenterClientConfig `yaml:"center"`
	Etcd              EtcdConfig         `yaml:"etcd"`
	Postgres          postgres.Config    `yaml:"postgres"`
}

// CenterConfig configures the central registry server.
type CenterConfig struct {
	ListenAddr    string        `yaml:"listen_addr"`
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// Config is the root configuration structure
type Config struct {
	LogLevel string         `yaml:"log_level"`
	Node     NodeConfig     `yaml:"node"`
	Registry RegistryConfig `yaml:"registry"`
	Center   CenterConfig   `yaml:"center"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		LogLevel: "INFO",
		Node: NodeConfig{
			Host:         "localhost",
			Port:         8080,
			Metadata:     map[string]any{},
			SendAttempts: 3,
			CallTimeout:  10 * time.Second,
		},
		Registry: RegistryConfig{
			Type:              RegistryCenter,
			TTL:               30 * time.Second,
			HeartbeatInterval: 5 * time.Second,
			Center: CenterClientConfig{
				Address: "http://localhost:8088",
				Timeout: 10 * time.Second,
			},
			Etcd: EtcdConfig{
				Endpoints:   []string{"localhost:2379"},
				Prefix:      "root",
				DialTimeout: 5 * time.Second,
			},
			Postgres: *postgres.DefaultConfig(),
		},
		Center: CenterConfig{
			ListenAddr: "0.0.0.0:8088",
			TTL:        30 * time.Second,
		},
	}
}

// LoadConfig loads configuration from a YAML file layered over Default, then
// applies ISEK_* environment overrides and validates the result. A .env file
// in the working directory is loaded first when present.
func LoadConfig(path string) (*Config, error) {
	if err := LoadDotEnv(".env"); err != nil {
		return nil, err
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides fields from ISEK_* variables found through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = n
		return nil
	}
	dur := func(name string, dst *time.Duration) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = d
		return nil
	}
	list := func(name string, dst *[]string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			var out []string
			for _, item := range strings.Split(v, ",") {
				if item = strings.TrimSpace(item); item != "" {
					out = append(out, item)
				}
			}
			*dst = out
		}
	}

	str("LOG_LEVEL", &c.LogLevel)

	str("NODE_ID", &c.Node.ID)
	str("NODE_HOST", &c.Node.Host)
	str("NODE_LISTEN_ADDR", &c.Node.ListenAddr)
	str("NODE_METRICS_ADDR", &c.Node.MetricsAddr)

	str("REGISTRY_TYPE", &c.Registry.Type)
	str("CENTER_ADDRESS", &c.Registry.Center.Address)
	list("ETCD_ENDPOINTS", &c.Registry.Etcd.Endpoints)
	str("ETCD_PREFIX", &c.Registry.Etcd.Prefix)
	str("ETCD_KEY_FILE", &c.Registry.Etcd.KeyFile)
	list("ETCD_TRUSTED_KEYS", &c.Registry.Etcd.TrustedKeys)
	str("POSTGRES_HOST", &c.Registry.Postgres.Host)
	str("POSTGRES_USER", &c.Registry.Postgres.User)
	str("POSTGRES_PASSWORD", &c.Registry.Postgres.Password)
	str("POSTGRES_DATABASE", &c.Registry.Postgres.Database)
	str("POSTGRES_SSLMODE", &c.Registry.Postgres.SSLMode)

	str("CENTER_LISTEN_ADDR", &c.Center.ListenAddr)

	return errors.Join(
		num("NODE_PORT", &c.Node.Port),
		num("NODE_SEND_ATTEMPTS", &c.Node.SendAttempts),
		dur("NODE_CALL_TIMEOUT", &c.Node.CallTimeout),
		dur("REGISTRY_TTL", &c.Registry.TTL),
		dur("HEARTBEAT_INTERVAL", &c.Registry.HeartbeatInterval),
		dur("CENTER_TIMEOUT", &c.Registry.Center.Timeout),
		num("POSTGRES_PORT", &c.Registry.Postgres.Port),
		dur("CENTER_TTL", &c.Center.TTL),
		dur("CENTER_SWEEP_INTERVAL", &c.Center.SweepInterval),
	)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return err
	}

	if c.Node.Port < 0 || c.Node.Port > 65535 {
		return fmt.Errorf("node port %d out of range", c.Node.Port)
	}
	if c.Node.SendAttempts < 0 {
		return fmt.Errorf("node send_attempts must not be negative")
	}

	r := &c.Registry
	if r.TTL <= 0 {
		return fmt.Errorf("registry ttl must be positive")
	}
	if r.HeartbeatInterval <= 0 {
		return fmt.Errorf("registry heartbeat_interval must be positive")
	}
	if r.HeartbeatInterval >= r.TTL {
		return fmt.Errorf("registry heartbeat_interval %v must be shorter than ttl %v", r.HeartbeatInterval, r.TTL)
	}

	switch r.Type {
	case RegistryNone, RegistryMemory:
	case RegistryCenter:
		if r.Center.Address == "" {
			return fmt.Errorf("registry center address is required")
		}
	case RegistryEtcd:
		if len(r.Etcd.Endpoints) == 0 {
			return fmt.Errorf("at least one etcd endpoint is required")
		}
		if strings.Trim(r.Etcd.Prefix, "/") == "" {
			return fmt.Errorf("etcd prefix is required")
		}
	case RegistryPostgres:
		if err := r.Postgres.Validate(); err != nil {
			return fmt.Errorf("registry postgres: %w", err)
		}
	default:
		return fmt.Errorf("unsupported registry type: %q (expected none, memory, center, etcd or postgres)", r.Type)
	}

	if c.Center.TTL <= 0 {
		return fmt.Errorf("center ttl must be positive")
	}
	if c.Center.SweepInterval < 0 {
		return fmt.Errorf("center sweep_interval must not be negative")
	}
	return nil
}

// NodeListenAddr returns the gRPC bind address of the node.
func (c *Config) NodeListenAddr() string {
	if c.Node.ListenAddr != "" {
		return c.Node.ListenAddr
	}
	return fmt.Sprintf("0.0.0.0:%d", c.Node.Port)
}

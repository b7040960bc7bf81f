// Package config holds the settings shared by the demo binaries. Every field
// is a command-line flag with a MINIBINDER_* environment fallback.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli"
	"go.uber.org/zap"

	"mini-binder/registry"
)

// Registry backends.
const (
	RegistryFile   = "file"
	RegistryEtcd   = "etcd"
	RegistryMemory = "memory"
)

type Config struct {
	Network       string
	ListenAddr    string
	AdvertiseAddr string

	Registry      string
	RegistryDir   string
	EtcdEndpoints []string
	LeaseTTL      int64 // seconds

	MaxThreads      int
	CallTimeout     time.Duration
	Heartbeat       time.Duration
	RateLimit       float64 // transactions per second, 0 disables
	RateBurst       int
	ShutdownTimeout time.Duration

	LogLevel    string
	ServiceName string
}

// Default returns the configuration used when no flag or variable is set.
func Default() Config {
	return Config{
		Network:         "tcp",
		ListenAddr:      "127.0.0.1:0",
		Registry:        RegistryFile,
		RegistryDir:     "/tmp/mini-binder",
		EtcdEndpoints:   []string{"localhost:2379"},
		LeaseTTL:        10,
		MaxThreads:      15,
		CallTimeout:     5 * time.Second,
		Heartbeat:       30 * time.Second,
		RateBurst:       100,
		ShutdownTimeout: 5 * time.Second,
		LogLevel:        "info",
		ServiceName:     "DemoServer",
	}
}

// Flags returns the cli flags for every field, defaulting to Default().
func Flags() []cli.Flag {
	d := Default()
	return []cli.Flag{
		cli.StringFlag{Name: "network", Value: d.Network, EnvVar: "MINIBINDER_NETWORK", Usage: "transport network (tcp, unix)"},
		cli.StringFlag{Name: "listen", Value: d.ListenAddr, EnvVar: "MINIBINDER_LISTEN", Usage: "server listen address"},
		cli.StringFlag{Name: "advertise", EnvVar: "MINIBINDER_ADVERTISE", Usage: "address published to the registry (default: the bound listen address)"},
		cli.StringFlag{Name: "registry", Value: d.Registry, EnvVar: "MINIBINDER_REGISTRY", Usage: "registry backend: file, etcd or memory"},
		cli.StringFlag{Name: "registry-dir", Value: d.RegistryDir, EnvVar: "MINIBINDER_REGISTRY_DIR", Usage: "directory of the file registry"},
		cli.StringFlag{Name: "etcd-endpoints", Value: strings.Join(d.EtcdEndpoints, ","), EnvVar: "MINIBINDER_ETCD_ENDPOINTS", Usage: "comma separated etcd endpoints"},
		cli.Int64Flag{Name: "lease-ttl", Value: d.LeaseTTL, EnvVar: "MINIBINDER_LEASE_TTL", Usage: "registry lease in seconds"},
		cli.IntFlag{Name: "max-threads", Value: d.MaxThreads, EnvVar: "MINIBINDER_MAX_THREADS", Usage: "transactions served concurrently"},
		cli.DurationFlag{Name: "call-timeout", Value: d.CallTimeout, EnvVar: "MINIBINDER_CALL_TIMEOUT", Usage: "per-transaction deadline"},
		cli.DurationFlag{Name: "heartbeat", Value: d.Heartbeat, EnvVar: "MINIBINDER_HEARTBEAT", Usage: "client heartbeat interval"},
		cli.Float64Flag{Name: "rate-limit", Value: d.RateLimit, EnvVar: "MINIBINDER_RATE_LIMIT", Usage: "server transactions per second, 0 for unlimited"},
		cli.IntFlag{Name: "rate-burst", Value: d.RateBurst, EnvVar: "MINIBINDER_RATE_BURST", Usage: "rate limiter burst"},
		cli.DurationFlag{Name: "shutdown-timeout", Value: d.ShutdownTimeout, EnvVar: "MINIBINDER_SHUTDOWN_TIMEOUT", Usage: "time allowed for in-flight transactions at shutdown"},
		cli.StringFlag{Name: "log-level", Value: d.LogLevel, EnvVar: "MINIBINDER_LOG_LEVEL", Usage: "debug, info, warn or error"},
		cli.StringFlag{Name: "service", Value: d.ServiceName, EnvVar: "MINIBINDER_SERVICE", Usage: "name the service is published under"},
	}
}

// FromContext reads the flags declared by Flags.
func FromContext(c *cli.Context) (Config, error) {
	cfg := Config{
		Network:         c.String("network"),
		ListenAddr:      c.String("listen"),
		AdvertiseAddr:   c.String("advertise"),
		Registry:        c.String("registry"),
		RegistryDir:     c.String("registry-dir"),
		EtcdEndpoints:   splitList(c.String("etcd-endpoints")),
		LeaseTTL:        c.Int64("lease-ttl"),
		MaxThreads:      c.Int("max-threads"),
		CallTimeout:     c.Duration("call-timeout"),
		Heartbeat:       c.Duration("heartbeat"),
		RateLimit:       c.Float64("rate-limit"),
		RateBurst:       c.Int("rate-burst"),
		ShutdownTimeout: c.Duration("shutdown-timeout"),
		LogLevel:        c.String("log-level"),
		ServiceName:     c.String("service"),
	}
	return cfg, cfg.Validate()
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Validate reports the first inconsistent setting.
func (cfg Config) Validate() error {
	switch cfg.Registry {
	case RegistryFile:
		if cfg.RegistryDir == "" {
			return fmt.Errorf("config: file registry needs a directory")
		}
	case RegistryEtcd:
		if len(cfg.EtcdEndpoints) == 0 {
			return fmt.Errorf("config: etcd registry needs at least one endpoint")
		}
	case RegistryMemory:
	default:
		return fmt.Errorf("config: unknown registry backend %q", cfg.Registry)
	}
	if cfg.ServiceName == "" {
		return fmt.Errorf("config: empty service name")
	}
	if cfg.MaxThreads <= 0 {
		return fmt.Errorf("config: max-threads must be positive, got %d", cfg.MaxThreads)
	}
	if cfg.RateLimit < 0 {
		return fmt.Errorf("config: rate-limit must not be negative")
	}
	return nil
}

// OpenRegistry builds the configured registry backend. The returned close
// function releases it and is never nil.
func (cfg Config) OpenRegistry(logger *zap.Logger) (registry.Registry, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Registry {
	case RegistryFile:
		reg, err := registry.NewFileRegistry(cfg.RegistryDir, registry.WithLogger(logger))
		if err != nil {
			return nil, noop, err
		}
		return reg, reg.Close, nil
	case RegistryEtcd:
		reg, err := registry.NewEtcdRegistry(cfg.EtcdEndpoints, registry.WithLogger(logger))
		if err != nil {
			return nil, noop, err
		}
		return reg, reg.Close, nil
	case RegistryMemory:
		return registry.NewMemoryRegistry(), noop, nil
	}
	return nil, noop, fmt.Errorf("config: unknown registry backend %q", cfg.Registry)
}

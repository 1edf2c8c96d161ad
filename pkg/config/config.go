package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/cuemby/convsync/pkg/api"
	"github.com/cuemby/convsync/pkg/consumer"
	"github.com/cuemby/convsync/pkg/dualwrite"
	"github.com/cuemby/convsync/pkg/feed"
	"github.com/cuemby/convsync/pkg/health"
	"github.com/cuemby/convsync/pkg/log"
	"github.com/cuemby/convsync/pkg/readstore"
	"github.com/cuemby/convsync/pkg/reconciler"
	"github.com/cuemby/convsync/pkg/writestore"
	"gopkg.in/yaml.v3"
)

// Read store drivers
const (
	ReadStoreBolt    = "bolt"
	ReadStoreSurreal = "surrealdb"
)

// Config is the complete convsync configuration file
type Config struct {
	Log        log.Config        `yaml:"log"`
	WriteStore writestore.Config `yaml:"write_store"`
	ReadStore  ReadStoreConfig   `yaml:"read_store"`
	Ledger     LedgerConfig      `yaml:"ledger"`
	Consumer   consumer.Config   `yaml:"consumer"`
	Feed       feed.Config       `yaml:"feed"`
	DualWrite  dualwrite.Config  `yaml:"dual_write"`
	Reconciler reconciler.Config `yaml:"reconciler"`
	API        APIConfig         `yaml:"api"`
	Health     health.Config     `yaml:"health"`
	// MetricsInterval is how often ledger gauges are refreshed
	MetricsInterval time.Duration `yaml:"metrics_interval"`
}

// ReadStoreConfig selects the read store. Path is used by bolt, the
// remaining fields by surrealdb.
type ReadStoreConfig struct {
	Driver    string `yaml:"driver"`
	Path      string `yaml:"path"`
	URL       string `yaml:"url"`
	Namespace string `yaml:"namespace"`
	Database  string `yaml:"database"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

// Surreal returns the SurrealDB connection settings
func (c ReadStoreConfig) Surreal() readstore.SurrealConfig {
	return readstore.SurrealConfig{
		URL:       c.URL,
		Namespace: c.Namespace,
		Database:  c.Database,
		Username:  c.Username,
		Password:  c.Password,
	}
}

// LedgerConfig locates the bbolt file holding the ledger, dead letters and cursors
type LedgerConfig struct {
	Path string `yaml:"path"`
}

// APIConfig configures the HTTP API listener and its request guard
type APIConfig struct {
	Addr          string            `yaml:"addr"`
	RateLimit     api.RateLimit     `yaml:"rate_limit"`
	AccessControl api.AccessControl `yaml:"access_control"`
}

// Default returns a configuration that runs entirely on local files
// under ./data
func Default() *Config {
	return &Config{
		Log:        log.Config{Level: log.InfoLevel},
		WriteStore: writestore.Config{Driver: "sqlite", DSN: "./data/write.db"},
		ReadStore: ReadStoreConfig{
			Driver:    ReadStoreBolt,
			Path:      "./data/read",
			Namespace: "convsync",
			Database:  "convsync",
		},
		Ledger:          LedgerConfig{Path: "./data/ledger"},
		Consumer:        consumer.DefaultConfig(),
		Feed:            feed.DefaultConfig(),
		DualWrite:       dualwrite.DefaultConfig(),
		Reconciler:      reconciler.DefaultConfig(),
		API:             APIConfig{Addr: ":8080"},
		Health:          health.DefaultConfig(),
		MetricsInterval: 15 * time.Second,
	}
}

// Load reads a YAML file over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every problem in the configuration at once
func (c *Config) Validate() error {
	var errs []error

	switch c.WriteStore.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("write_store.driver must be sqlite or postgres, got %q", c.WriteStore.Driver))
	}
	if c.WriteStore.DSN == "" {
		errs = append(errs, errors.New("write_store.dsn is required"))
	}

	switch c.ReadStore.Driver {
	case ReadStoreBolt:
		if c.ReadStore.Path == "" {
			errs = append(errs, errors.New("read_store.path is required for bolt"))
		}
	case ReadStoreSurreal:
		if c.ReadStore.URL == "" {
			errs = append(errs, errors.New("read_store.url is required for surrealdb"))
		}
		if c.ReadStore.Namespace == "" || c.ReadStore.Database == "" {
			errs = append(errs, errors.New("read_store.namespace and read_store.database are required for surrealdb"))
		}
	default:
		errs = append(errs, fmt.Errorf("read_store.driver must be bolt or surrealdb, got %q", c.ReadStore.Driver))
	}

	if c.Ledger.Path == "" {
		errs = append(errs, errors.New("ledger.path is required"))
	}

	if c.Consumer.MaxAttempts < 1 {
		errs = append(errs, errors.New("consumer.max_attempts must be at least 1"))
	}
	if c.Consumer.MaxBackoff < c.Consumer.BaseBackoff {
		errs = append(errs, errors.New("consumer.max_backoff must not be less than consumer.base_backoff"))
	}

	if c.Feed.Partitions < 1 {
		errs = append(errs, errors.New("feed.partitions must be at least 1"))
	}
	if c.Feed.BatchSize < 1 {
		errs = append(errs, errors.New("feed.batch_size must be at least 1"))
	}
	if c.Feed.PollInterval <= 0 {
		errs = append(errs, errors.New("feed.poll_interval must be positive"))
	}

	if c.DualWrite.Timeout <= 0 {
		errs = append(errs, errors.New("dual_write.timeout must be positive"))
	}

	r := c.Reconciler
	if r.Interval <= 0 {
		errs = append(errs, errors.New("reconciler.interval must be positive"))
	}
	if r.SampleRate < 0 || r.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("reconciler.sample_rate must be within [0, 1], got %v", r.SampleRate))
	}
	if r.ShardCount < 1 {
		errs = append(errs, errors.New("reconciler.shard_count must be at least 1"))
	} else if r.ShardIndex < 0 || r.ShardIndex >= r.ShardCount {
		errs = append(errs, fmt.Errorf("reconciler.shard_index %d is outside [0, %d)", r.ShardIndex, r.ShardCount))
	}

	if c.API.Addr == "" {
		errs = append(errs, errors.New("api.addr is required"))
	}
	if c.API.RateLimit.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("api.rate_limit.requests_per_second must not be negative"))
	}
	for _, list := range [][]string{c.API.AccessControl.AllowedIPs, c.API.AccessControl.DeniedIPs} {
		for _, cidr := range list {
			if !validIPOrCIDR(cidr) {
				errs = append(errs, fmt.Errorf("api.access_control: %q is not an IP or CIDR", cidr))
			}
		}
	}
	if c.Health.Interval <= 0 || c.Health.Timeout <= 0 {
		errs = append(errs, errors.New("health.interval and health.timeout must be positive"))
	}

	return errors.Join(errs...)
}

func validIPOrCIDR(s string) bool {
	if strings.Contains(s, "/") {
		_, _, err := net.ParseCIDR(s)
		return err == nil
	}
	return net.ParseIP(s) != nil
}

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"meshfs/pkg/capability"
	"meshfs/pkg/discovery"
	"meshfs/pkg/replica"
	"meshfs/pkg/replication"
	"meshfs/pkg/storage"
	"meshfs/pkg/transport"
	"meshfs/pkg/utils"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. MESHFS_SYNC_INTERVAL.
const EnvPrefix = "MESHFS"

// Storage backends.
const (
	BackendFS     = "fs"
	BackendPebble = "pebble"
	BackendMemory = "memory"
)

// Discovery backends.
const (
	DiscoveryLibp2p = "libp2p"
	DiscoveryMemory = "memory"
	DiscoveryNone   = "none"
)

// Config is the root configuration of a node.
type Config struct {
	// DataDir holds the identity key, the replica database and the object
	// store unless their paths are set explicitly.
	DataDir string `mapstructure:"data_dir" json:"data_dir"`
	// Listen is the gRPC listen address for peer sync.
	Listen string `mapstructure:"listen" json:"listen"`
	// Advertise is the address announced to peers. Defaults to Listen.
	Advertise string `mapstructure:"advertise" json:"advertise"`

	Identity  IdentityConfig  `mapstructure:"identity" json:"identity"`
	Storage   StorageConfig   `mapstructure:"storage" json:"storage"`
	Replica   ReplicaConfig   `mapstructure:"replica" json:"replica"`
	Discovery DiscoveryConfig `mapstructure:"discovery" json:"discovery"`
	Sync      SyncConfig      `mapstructure:"sync" json:"sync"`
	Transport TransportConfig `mapstructure:"transport" json:"transport"`
	Metrics   MetricsConfig   `mapstructure:"metrics" json:"metrics"`
	Mount     MountConfig     `mapstructure:"mount" json:"mount"`
}

type IdentityConfig struct {
	KeyFile string `mapstructure:"key_file" json:"key_file"`
}

type StorageConfig struct {
	Backend string `mapstructure:"backend" json:"backend"`
	Path    string `mapstructure:"path" json:"path"`
	// ChunkSize accepts human-friendly sizes such as "1MiB".
	ChunkSize  string        `mapstructure:"chunk_size" json:"chunk_size"`
	Fanout     int           `mapstructure:"fanout" json:"fanout"`
	GCInterval time.Duration `mapstructure:"gc_interval" json:"gc_interval"`
}

// ChunkSizeBytes parses ChunkSize.
func (s StorageConfig) ChunkSizeBytes() (int, error) {
	n, err := utils.ParseDataSize(s.ChunkSize)
	if err != nil {
		return 0, fmt.Errorf("storage.chunk_size: %w", err)
	}
	return int(n), nil
}

type ReplicaConfig struct {
	Path          string        `mapstructure:"path" json:"path"`
	InMemory      bool          `mapstructure:"in_memory" json:"in_memory"`
	SyncWrites    bool          `mapstructure:"sync_writes" json:"sync_writes"`
	SnapshotEvery int           `mapstructure:"snapshot_every" json:"snapshot_every"`
	MaxClockDrift time.Duration `mapstructure:"max_clock_drift" json:"max_clock_drift"`
	MaxChainDepth int           `mapstructure:"max_chain_depth" json:"max_chain_depth"`
}

type DiscoveryConfig struct {
	Backend            string        `mapstructure:"backend" json:"backend"`
	ListenAddrs        []string      `mapstructure:"listen_addrs" json:"listen_addrs"`
	BootstrapPeers     []string      `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
	MDNS               bool          `mapstructure:"mdns" json:"mdns"`
	TTL                time.Duration `mapstructure:"ttl" json:"ttl"`
	ReannounceInterval time.Duration `mapstructure:"reannounce_interval" json:"reannounce_interval"`
	InitialDelay       time.Duration `mapstructure:"initial_delay" json:"initial_delay"`
	CacheTTL           time.Duration `mapstructure:"cache_ttl" json:"cache_ttl"`
	ResolveTimeout     time.Duration `mapstructure:"resolve_timeout" json:"resolve_timeout"`
}

type SyncConfig struct {
	Enabled          bool          `mapstructure:"enabled" json:"enabled"`
	Interval         time.Duration `mapstructure:"interval" json:"interval"`
	SessionTimeout   time.Duration `mapstructure:"session_timeout" json:"session_timeout"`
	BackoffBase      time.Duration `mapstructure:"backoff_base" json:"backoff_base"`
	BackoffMax       time.Duration `mapstructure:"backoff_max" json:"backoff_max"`
	BackoffJitter    float64       `mapstructure:"backoff_jitter" json:"backoff_jitter"`
	FetchConcurrency int           `mapstructure:"fetch_concurrency" json:"fetch_concurrency"`
	BatchSize        int           `mapstructure:"batch_size" json:"batch_size"`
}

type TransportConfig struct {
	TLS              transport.TLSConfig `mapstructure:"tls" json:"tls"`
	MaxMessageSize   string              `mapstructure:"max_message_size" json:"max_message_size"`
	IdleTimeout      time.Duration       `mapstructure:"idle_timeout" json:"idle_timeout"`
	CircuitCooldown  time.Duration       `mapstructure:"circuit_cooldown" json:"circuit_cooldown"`
	FailureThreshold int                 `mapstructure:"failure_threshold" json:"failure_threshold"`
}

// MaxMessageBytes parses MaxMessageSize.
func (t TransportConfig) MaxMessageBytes() (int, error) {
	n, err := utils.ParseDataSize(t.MaxMessageSize)
	if err != nil {
		return 0, fmt.Errorf("transport.max_message_size: %w", err)
	}
	return int(n), nil
}

type MetricsConfig struct {
	Enabled        bool          `mapstructure:"enabled" json:"enabled"`
	Address        string        `mapstructure:"address" json:"address"`
	HealthInterval time.Duration `mapstructure:"health_interval" json:"health_interval"`
}

type MountConfig struct {
	Mountpoint string `mapstructure:"mountpoint" json:"mountpoint"`
	AllowOther bool   `mapstructure:"allow_other" json:"allow_other"`
	Debug      bool   `mapstructure:"debug" json:"debug"`
}

// DefaultDataDir returns $MESHFS_HOME, $XDG_DATA_HOME/meshfs or ~/.meshfs.
func DefaultDataDir() string {
	if dir := os.Getenv("MESHFS_HOME"); dir != "" {
		return dir
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "meshfs")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".meshfs"
	}
	return filepath.Join(home, ".meshfs")
}

// SetDefaults registers a default for every key, which also makes every key
// overridable from the environment.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", DefaultDataDir())
	v.SetDefault("listen", "127.0.0.1:7400")
	v.SetDefault("advertise", "")

	v.SetDefault("identity.key_file", "")

	v.SetDefault("storage.backend", BackendFS)
	v.SetDefault("storage.path", "")
	v.SetDefault("storage.chunk_size", "1MiB")
	v.SetDefault("storage.fanout", storage.DefaultFanout)
	v.SetDefault("storage.gc_interval", time.Hour)

	v.SetDefault("replica.path", "")
	v.SetDefault("replica.in_memory", false)
	v.SetDefault("replica.sync_writes", false)
	v.SetDefault("replica.snapshot_every", replica.DefaultSnapshotEvery)
	v.SetDefault("replica.max_clock_drift", replica.DefaultMaxClockDrift)
	v.SetDefault("replica.max_chain_depth", capability.DefaultMaxDepth)

	v.SetDefault("discovery.backend", DiscoveryLibp2p)
	v.SetDefault("discovery.listen_addrs", []string{"/ip4/0.0.0.0/tcp/0"})
	v.SetDefault("discovery.bootstrap_peers", []string{})
	v.SetDefault("discovery.mdns", true)
	v.SetDefault("discovery.ttl", discovery.DefaultTTL)
	v.SetDefault("discovery.reannounce_interval", 4*time.Minute)
	v.SetDefault("discovery.initial_delay", discovery.DefaultInitialDelay)
	v.SetDefault("discovery.cache_ttl", discovery.DefaultCacheTTL)
	v.SetDefault("discovery.resolve_timeout", discovery.DefaultResolveTimeout)

	v.SetDefault("sync.enabled", true)
	v.SetDefault("sync.interval", replication.DefaultInterval)
	v.SetDefault("sync.session_timeout", replication.DefaultSessionTimeout)
	v.SetDefault("sync.backoff_base", replication.DefaultBackoffBase)
	v.SetDefault("sync.backoff_max", replication.DefaultBackoffMax)
	v.SetDefault("sync.backoff_jitter", replication.DefaultBackoffJitter)
	v.SetDefault("sync.fetch_concurrency", replication.DefaultFetchConcurrency)
	v.SetDefault("sync.batch_size", replication.DefaultBatchSize)

	v.SetDefault("transport.tls.enabled", false)
	v.SetDefault("transport.tls.cert", "")
	v.SetDefault("transport.tls.key", "")
	v.SetDefault("transport.tls.ca", "")
	v.SetDefault("transport.tls.require_client_auth", false)
	v.SetDefault("transport.tls.min_version", "1.3")
	v.SetDefault("transport.tls.server_name", "")
	v.SetDefault("transport.max_message_size", "16MiB")
	v.SetDefault("transport.idle_timeout", transport.DefaultIdleTimeout)
	v.SetDefault("transport.circuit_cooldown", transport.DefaultCircuitCooldown)
	v.SetDefault("transport.failure_threshold", transport.DefaultFailureThreshold)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.address", "127.0.0.1:9400")
	v.SetDefault("metrics.health_interval", 30*time.Second)

	v.SetDefault("mount.mountpoint", "")
	v.SetDefault("mount.allow_other", false)
	v.SetDefault("mount.debug", false)
}

// NewViper returns a viper instance with defaults and MESHFS_ environment
// overrides. Nested keys map to underscores: sync.interval is
// MESHFS_SYNC_INTERVAL.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the file at path into v, when path is set, and decodes the
// result. Without a path, meshfs.{yaml,json} is looked up in the data
// directory and the working directory; a missing file is not an error.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("meshfs")
		v.AddConfigPath(v.GetString("data_dir"))
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.resolvePaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration with no file and no environment.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg := &Config{}
	_ = v.Unmarshal(cfg)
	cfg.resolvePaths()
	return cfg
}

func (c *Config) resolvePaths() {
	if c.Identity.KeyFile == "" {
		c.Identity.KeyFile = filepath.Join(c.DataDir, "identity.key")
	}
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "objects")
	}
	if c.Replica.Path == "" {
		c.Replica.Path = filepath.Join(c.DataDir, "replicas")
	}
	if c.Advertise == "" {
		c.Advertise = c.Listen
	}
}

// Validate rejects settings that cannot work together.
func (c *Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if c.Listen == "" {
		errs = append(errs, errors.New("listen is required"))
	} else if _, err := transport.ParsePeerAddress(c.Listen); err != nil {
		errs = append(errs, fmt.Errorf("listen: %w", err))
	}
	if c.Advertise != "" {
		if _, err := transport.ParsePeerAddress(c.Advertise); err != nil {
			errs = append(errs, fmt.Errorf("advertise: %w", err))
		}
	}

	switch c.Storage.Backend {
	case BackendFS, BackendPebble, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("storage.backend: unknown backend %q", c.Storage.Backend))
	}
	if size, err := c.Storage.ChunkSizeBytes(); err != nil {
		errs = append(errs, err)
	} else if size < storage.MinChunkSize || size > storage.MaxChunkSize {
		errs = append(errs, fmt.Errorf("storage.chunk_size: %s is outside %s..%s",
			utils.FormatDataSize(int64(size)),
			utils.FormatDataSize(storage.MinChunkSize),
			utils.FormatDataSize(storage.MaxChunkSize)))
	}
	if c.Storage.Fanout < storage.MinFanout {
		errs = append(errs, fmt.Errorf("storage.fanout must be at least %d", storage.MinFanout))
	}

	switch c.Discovery.Backend {
	case DiscoveryLibp2p, DiscoveryMemory, DiscoveryNone:
	default:
		errs = append(errs, fmt.Errorf("discovery.backend: unknown backend %q", c.Discovery.Backend))
	}
	if c.Discovery.TTL <= 0 {
		errs = append(errs, errors.New("discovery.ttl must be positive"))
	} else if c.Discovery.ReannounceInterval >= c.Discovery.TTL {
		errs = append(errs, fmt.Errorf("discovery.reannounce_interval (%s) must be shorter than discovery.ttl (%s)",
			c.Discovery.ReannounceInterval, c.Discovery.TTL))
	}

	if c.Sync.Interval <= 0 {
		errs = append(errs, errors.New("sync.interval must be positive"))
	}
	if c.Sync.BackoffMax < c.Sync.BackoffBase {
		errs = append(errs, errors.New("sync.backoff_max must not be below sync.backoff_base"))
	}
	if c.Sync.BackoffJitter >= 1 {
		errs = append(errs, fmt.Errorf("sync.backoff_jitter (%g) must be below 1", c.Sync.BackoffJitter))
	}

	if _, err := c.Transport.MaxMessageBytes(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Transport.TLS.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, errors.New("metrics.address is required when metrics are enabled"))
	}
	return errors.Join(errs...)
}

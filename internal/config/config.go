// Package config provides configuration management for sync nodes.
//
// Configuration is layered with the following precedence:
//  1. Command-line flags (highest priority, applied by cmd/syncd)
//  2. Environment variables (NODESYNC_*)
//  3. YAML config file
//  4. Default values from NewConfig (lowest priority)
//
// The shared registration secret can come from sync.secret, sync.secret_file,
// NODESYNC_SECRET or NODESYNC_SECRET_FILE. It is never printed by String.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "github.com/kimhsiao/nodesync/internal/errors"
)

// BulkPolicy controls how update-many/delete-many on synced tables are handled.
type BulkPolicy string

const (
	// BulkGap lets bulk mutations run untracked and counts them.
	BulkGap BulkPolicy = "gap"
	// BulkForbid rejects bulk mutations on synced tables.
	BulkForbid BulkPolicy = "forbid"
)

// Compression selects the push body encoding.
type Compression string

const (
	CompressionNone   Compression = "none"
	CompressionSnappy Compression = "snappy"
)

// Config holds all configuration for a sync node.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Server    ServerConfig    `yaml:"server"`
	Sync      SyncConfig      `yaml:"sync"`
	Schema    SchemaConfig    `yaml:"schema"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Log       LogConfig       `yaml:"log"`
}

// NodeConfig identifies this node.
type NodeConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Priority int    `yaml:"priority"`
	DataDir  string `yaml:"data_dir"`
}

// ServerConfig configures the HTTP transport.
type ServerConfig struct {
	Listen        string        `yaml:"listen"`
	AdvertiseAddr string        `yaml:"advertise_addr"`
	Port          int           `yaml:"port"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	MaxBodyBytes  int64         `yaml:"max_body_bytes"`
}

// SyncConfig configures the push cycle and event processing.
type SyncConfig struct {
	Cluster           string        `yaml:"cluster"`
	Secret            string        `yaml:"secret"`
	SecretFile        string        `yaml:"secret_file"`
	PushInterval      time.Duration `yaml:"push_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	CycleTimeout      time.Duration `yaml:"cycle_timeout"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	BatchSize         int           `yaml:"batch_size"`
	MaxRetries        int           `yaml:"max_retries"`
	LivenessWindow    time.Duration `yaml:"liveness_window"`
	Retention         time.Duration `yaml:"retention"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	Compression       Compression   `yaml:"compression"`
	BulkPolicy        BulkPolicy    `yaml:"bulk_policy"`
	SyncedTables      []string      `yaml:"synced_tables"`
	ExcludedTables    []string      `yaml:"excluded_tables"`
	Seeds             []string      `yaml:"seeds"`
}

// SchemaConfig configures the schema identity and compatibility matrix.
type SchemaConfig struct {
	Version string `yaml:"version"`
	// Compatibility maps a major version to the majors it can exchange with.
	Compatibility map[string][]string `yaml:"compatibility"`
}

// DiscoveryConfig configures the shared peer directory.
type DiscoveryConfig struct {
	SharedDir    string        `yaml:"shared_dir"`
	S3           S3Config      `yaml:"s3"`
	ScanInterval time.Duration `yaml:"scan_interval"`
}

// ArchiveConfig configures archiving of processed and discarded events.
type ArchiveConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Dir        string   `yaml:"dir"`
	S3         S3Config `yaml:"s3"`
	Passphrase string   `yaml:"passphrase"`
}

// S3Config configures an S3-compatible bucket.
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Prefix          string `yaml:"prefix"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

// Enabled reports whether a bucket is configured.
func (s S3Config) Enabled() bool {
	return s.Bucket != ""
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultExcludedTables are never captured or applied.
var DefaultExcludedTables = []string{"sessions", "audit_logs", "schema_migrations"}

// NewConfig creates a config with defaults suitable for a LAN deployment.
func NewConfig() *Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}
	return &Config{
		Node: NodeConfig{
			ID:      hostname,
			Name:    hostname,
			DataDir: "./data",
		},
		Server: ServerConfig{
			Listen:       "0.0.0.0",
			Port:         8470,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			MaxBodyBytes: 8 << 20,
		},
		Sync: SyncConfig{
			Cluster:           "nodesync",
			PushInterval:      10 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			CycleTimeout:      time.Minute,
			RequestTimeout:    15 * time.Second,
			BatchSize:         100,
			MaxRetries:        5,
			LivenessWindow:    5 * time.Minute,
			Retention:         30 * 24 * time.Hour,
			CleanupInterval:   time.Hour,
			Compression:       CompressionSnappy,
			BulkPolicy:        BulkGap,
			SyncedTables:      []string{"products", "customers", "orders"},
		},
		Schema: SchemaConfig{
			Version: "1.0.0",
		},
		Discovery: DiscoveryConfig{
			ScanInterval: time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds a config from defaults, an optional YAML file and the environment.
func Load(path string) (*Config, error) {
	cfg := NewConfig()
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.LoadFromEnv()
	return cfg, nil
}

// LoadFile overlays the YAML file at path onto c.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrConfig, "failed to read config file", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return apperrors.Wrap(apperrors.ErrConfig, "failed to parse config file", err)
	}
	return nil
}

// LoadFromEnv loads configuration from NODESYNC_* variables, overriding any
// existing values. Invalid numbers and durations are ignored.
func (c *Config) LoadFromEnv() {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setList := func(key string, dst *[]string) {
		if v := os.Getenv(key); v != "" {
			*dst = splitList(v)
		}
	}

	setString("NODESYNC_NODE_ID", &c.Node.ID)
	setString("NODESYNC_NODE_NAME", &c.Node.Name)
	setInt("NODESYNC_PRIORITY", &c.Node.Priority)
	setString("NODESYNC_DATA_DIR", &c.Node.DataDir)

	setString("NODESYNC_LISTEN", &c.Server.Listen)
	setString("NODESYNC_ADVERTISE_ADDR", &c.Server.AdvertiseAddr)
	setInt("NODESYNC_PORT", &c.Server.Port)

	setString("NODESYNC_CLUSTER", &c.Sync.Cluster)
	setString("NODESYNC_SECRET", &c.Sync.Secret)
	setString("NODESYNC_SECRET_FILE", &c.Sync.SecretFile)
	setDuration("NODESYNC_PUSH_INTERVAL", &c.Sync.PushInterval)
	setDuration("NODESYNC_HEARTBEAT_INTERVAL", &c.Sync.HeartbeatInterval)
	setDuration("NODESYNC_CYCLE_TIMEOUT", &c.Sync.CycleTimeout)
	setDuration("NODESYNC_RETENTION", &c.Sync.Retention)
	setInt("NODESYNC_BATCH_SIZE", &c.Sync.BatchSize)
	setInt("NODESYNC_MAX_RETRIES", &c.Sync.MaxRetries)
	setList("NODESYNC_SEEDS", &c.Sync.Seeds)
	setList("NODESYNC_SYNCED_TABLES", &c.Sync.SyncedTables)
	setList("NODESYNC_EXCLUDED_TABLES", &c.Sync.ExcludedTables)
	if v := os.Getenv("NODESYNC_BULK_POLICY"); v != "" {
		c.Sync.BulkPolicy = BulkPolicy(strings.ToLower(v))
	}
	if v := os.Getenv("NODESYNC_COMPRESSION"); v != "" {
		c.Sync.Compression = Compression(strings.ToLower(v))
	}

	setString("NODESYNC_SCHEMA_VERSION", &c.Schema.Version)

	setString("NODESYNC_SHARED_DIR", &c.Discovery.SharedDir)
	setString("NODESYNC_S3_BUCKET", &c.Discovery.S3.Bucket)
	setString("NODESYNC_S3_REGION", &c.Discovery.S3.Region)
	setString("NODESYNC_S3_ENDPOINT", &c.Discovery.S3.Endpoint)

	setString("NODESYNC_ARCHIVE_DIR", &c.Archive.Dir)
	setString("NODESYNC_ARCHIVE_PASSPHRASE", &c.Archive.Passphrase)
	if v := os.Getenv("NODESYNC_ARCHIVE_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Archive.Enabled = b
		}
	}

	setString("NODESYNC_LOG_LEVEL", &c.Log.Level)
	setString("NODESYNC_LOG_FORMAT", &c.Log.Format)
}

// Validate ensures the configuration is valid and internally consistent.
// It reads the secret file when one is configured.
func (c *Config) Validate() error {
	if c.Sync.SecretFile != "" {
		if c.Sync.Secret != "" {
			return apperrors.New(apperrors.ErrConfig, "cannot specify both secret and secret_file")
		}
		content, err := os.ReadFile(c.Sync.SecretFile)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrConfig, "failed to read secret file", err)
		}
		c.Sync.Secret = strings.TrimSpace(string(content))
	}

	if c.Sync.Secret == "" {
		return apperrors.New(apperrors.ErrConfig, "secret is required (use sync.secret, NODESYNC_SECRET or sync.secret_file)")
	}
	if c.Node.ID == "" {
		return apperrors.New(apperrors.ErrConfig, "node id is required")
	}
	if strings.ContainsAny(c.Node.ID, "/\\ ") {
		return apperrors.Newf(apperrors.ErrConfig, "node id %q must not contain slashes or spaces", c.Node.ID)
	}
	if c.Node.DataDir == "" {
		return apperrors.New(apperrors.ErrConfig, "data_dir is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return apperrors.Newf(apperrors.ErrConfig, "port %d out of range", c.Server.Port)
	}
	if c.Server.AdvertiseAddr != "" && net.ParseIP(c.Server.AdvertiseAddr) == nil {
		if _, err := net.LookupHost(c.Server.AdvertiseAddr); err != nil {
			return apperrors.Wrap(apperrors.ErrConfig, "advertise_addr is neither an IP nor a resolvable host", err)
		}
	}
	if c.Server.MaxBodyBytes <= 0 {
		return apperrors.New(apperrors.ErrConfig, "max_body_bytes must be positive")
	}

	durations := map[string]time.Duration{
		"push_interval":      c.Sync.PushInterval,
		"heartbeat_interval": c.Sync.HeartbeatInterval,
		"cycle_timeout":      c.Sync.CycleTimeout,
		"request_timeout":    c.Sync.RequestTimeout,
		"liveness_window":    c.Sync.LivenessWindow,
		"retention":          c.Sync.Retention,
		"cleanup_interval":   c.Sync.CleanupInterval,
	}
	for name, d := range durations {
		if d <= 0 {
			return apperrors.Newf(apperrors.ErrConfig, "%s must be positive, got %s", name, d)
		}
	}
	if c.Sync.BatchSize <= 0 {
		return apperrors.New(apperrors.ErrConfig, "batch_size must be positive")
	}
	if c.Sync.MaxRetries <= 0 {
		return apperrors.New(apperrors.ErrConfig, "max_retries must be positive")
	}

	switch c.Sync.BulkPolicy {
	case BulkGap, BulkForbid:
	default:
		return apperrors.Newf(apperrors.ErrConfig, "invalid bulk_policy %q (want gap or forbid)", c.Sync.BulkPolicy)
	}
	switch c.Sync.Compression {
	case CompressionNone, CompressionSnappy:
	default:
		return apperrors.Newf(apperrors.ErrConfig, "invalid compression %q (want none or snappy)", c.Sync.Compression)
	}

	excluded := make(map[string]bool)
	for _, t := range c.ExcludedTables() {
		excluded[t] = true
	}
	for _, t := range c.Sync.SyncedTables {
		if excluded[t] || strings.HasPrefix(t, "sync_") {
			return apperrors.Newf(apperrors.ErrConfig, "table %q cannot be both synced and excluded", t)
		}
	}

	if c.Schema.Version == "" {
		return apperrors.New(apperrors.ErrConfig, "schema version is required")
	}
	return nil
}

// ExcludedTables returns the built-in exclusions plus configured additions.
func (c *Config) ExcludedTables() []string {
	out := append([]string{}, DefaultExcludedTables...)
	return append(out, c.Sync.ExcludedTables...)
}

// AdvertiseHost returns the address peers should use to reach this node.
func (c *Config) AdvertiseHost() string {
	if c.Server.AdvertiseAddr != "" {
		return c.Server.AdvertiseAddr
	}
	if c.Server.Listen != "" && c.Server.Listen != "0.0.0.0" && c.Server.Listen != "::" {
		return c.Server.Listen
	}
	return "127.0.0.1"
}

// ListenAddr returns host:port for the HTTP server.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Server.Listen, strconv.Itoa(c.Server.Port))
}

// String returns a log-safe representation. Secrets are hidden.
func (c *Config) String() string {
	secretDisplay := "[hidden]"
	if c.Sync.Secret == "" && c.Sync.SecretFile == "" {
		secretDisplay = "[not set]"
	}
	seeds := "[none]"
	if len(c.Sync.Seeds) > 0 {
		seeds = strings.Join(c.Sync.Seeds, ", ")
	}
	return fmt.Sprintf(
		"Config{NodeID: %s, Listen: %s, Secret: %s, Seeds: %s, Schema: %s, PushInterval: %s, BulkPolicy: %s}",
		c.Node.ID, c.ListenAddr(), secretDisplay, seeds, c.Schema.Version, c.Sync.PushInterval, c.Sync.BulkPolicy,
	)
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

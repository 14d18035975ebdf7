package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration. Values come from the
// environment, with an optional YAML overlay applied first; environment
// variables always win.
type Config struct {
	Ledger      LedgerConfig      `yaml:"ledger"`
	ObjectStore ObjectStoreConfig `yaml:"object_store"`
	Keys        KeyConfig         `yaml:"keys"`
	Database    DatabaseConfig    `yaml:"database"`

	// LightMode skips optional diagnostics, cache warming, and
	// background health probes.
	LightMode bool `yaml:"light_mode"`
}

// LedgerConfig configures the ledger gateway session
type LedgerConfig struct {
	ChannelName           string        `yaml:"channel_name"`
	ChaincodeName         string        `yaml:"chaincode_name"`
	ConnectionProfilePath string        `yaml:"connection_profile_path"`
	FallbackProfilePath   string        `yaml:"fallback_profile_path"`
	WalletPath            string        `yaml:"wallet_path"`
	UserID                string        `yaml:"user_id"`
	MSPID                 string        `yaml:"msp_id"`
	NetworkTimeout        time.Duration `yaml:"network_timeout"`
	MaxRetries            int           `yaml:"max_retries"`
	EvaluateCacheTTL      time.Duration `yaml:"evaluate_cache_ttl"`
}

// ObjectStoreConfig configures the object store client
type ObjectStoreConfig struct {
	URL                 string        `yaml:"url"`
	Nodes               []string      `yaml:"nodes"`
	UploadConcurrency   int           `yaml:"upload_concurrency"`
	DownloadConcurrency int           `yaml:"download_concurrency"`
	ReplicationMin      int           `yaml:"replication_min"`
	ReplicationMax      int           `yaml:"replication_max"`
	ChunkTimeout        time.Duration `yaml:"chunk_timeout"`
	MaxRetries          int           `yaml:"max_retries"`
	ProbeInterval       time.Duration `yaml:"probe_interval"`
}

// KeyConfig configures key custody
type KeyConfig struct {
	// MasterKey is the base64 KEK seed. Left empty, a fresh key is
	// generated at startup and flagged for operator action.
	MasterKey            string        `yaml:"master_key"`
	StorePath            string        `yaml:"store_path"`
	RotationInterval     time.Duration `yaml:"rotation_interval"`
	MaxKeyAge            time.Duration `yaml:"max_key_age"`
}

// DatabaseConfig configures the metadata store
type DatabaseConfig struct {
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	User          string        `yaml:"user"`
	Password      string        `yaml:"password"`
	Name          string        `yaml:"name"`
	PoolSize      int           `yaml:"pool_size"`
	ReadReplicas  []string      `yaml:"read_replicas"` // host:port
	SlowQuery     time.Duration `yaml:"slow_query"`
	QueryTimeout  time.Duration `yaml:"query_timeout"`
}

// Default returns the configuration defaults
func Default() *Config {
	return &Config{
		Ledger: LedgerConfig{
			ChannelName:      "custodia-channel",
			ChaincodeName:    "medrecords",
			UserID:           "appUser",
			NetworkTimeout:   30 * time.Second,
			MaxRetries:       6,
			EvaluateCacheTTL: time.Second,
		},
		ObjectStore: ObjectStoreConfig{
			URL:                 "http://127.0.0.1:5001",
			UploadConcurrency:   4,
			DownloadConcurrency: 6,
			ReplicationMin:      3,
			ReplicationMax:      3,
			ChunkTimeout:        30 * time.Second,
			MaxRetries:          3,
			ProbeInterval:       15 * time.Second,
		},
		Keys: KeyConfig{
			StorePath:        "data/keys",
			RotationInterval: 90 * 24 * time.Hour,
			MaxKeyAge:        365 * 24 * time.Hour,
		},
		Database: DatabaseConfig{
			Host:         "127.0.0.1",
			Port:         5432,
			User:         "custodia",
			Name:         "custodia",
			PoolSize:     10,
			SlowQuery:    200 * time.Millisecond,
			QueryTimeout: 10 * time.Second,
		},
	}
}

// Load builds the configuration: defaults, then the YAML overlay at
// path (if non-empty), then the environment.
func Load(path string) (*Config, error) {
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

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv builds the configuration from defaults plus the environment
func FromEnv() (*Config, error) {
	return Load("")
}

func (c *Config) applyEnv() {
	setString(&c.Ledger.ChannelName, "CHANNEL_NAME")
	setString(&c.Ledger.ChaincodeName, "CHAINCODE_NAME")
	setString(&c.Ledger.ConnectionProfilePath, "CONNECTION_PROFILE_PATH")
	setString(&c.Ledger.FallbackProfilePath, "FALLBACK_PROFILE_PATH")
	setString(&c.Ledger.WalletPath, "WALLET_PATH")
	setString(&c.Ledger.UserID, "USER_ID")
	setString(&c.Ledger.MSPID, "MSP_ID")
	setDuration(&c.Ledger.NetworkTimeout, "LEDGER_NETWORK_TIMEOUT")

	setString(&c.ObjectStore.URL, "OBJECT_STORE_URL")
	if v := os.Getenv("OBJECT_STORE_NODES"); v != "" {
		c.ObjectStore.Nodes = splitNonEmpty(v)
	}
	setInt(&c.ObjectStore.UploadConcurrency, "UPLOAD_CONCURRENCY")
	setInt(&c.ObjectStore.DownloadConcurrency, "DOWNLOAD_CONCURRENCY")
	setInt(&c.ObjectStore.ReplicationMin, "CLUSTER_REPL_MIN")
	setInt(&c.ObjectStore.ReplicationMax, "CLUSTER_REPL_MAX")

	setString(&c.Keys.MasterKey, "MASTER_KEY")
	setString(&c.Keys.StorePath, "KEY_STORE_PATH")
	setDays(&c.Keys.RotationInterval, "KEY_ROTATION_INTERVAL_DAYS")
	setDays(&c.Keys.MaxKeyAge, "MAX_KEY_AGE_DAYS")

	setString(&c.Database.Host, "DB_HOST")
	setInt(&c.Database.Port, "DB_PORT")
	setString(&c.Database.User, "DB_USER")
	setString(&c.Database.Password, "DB_PASSWORD")
	setString(&c.Database.Name, "DB_NAME")
	setInt(&c.Database.PoolSize, "DB_POOL_SIZE")
	if v := os.Getenv("DB_READ_REPLICAS"); v != "" {
		c.Database.ReadReplicas = splitNonEmpty(v)
	}
	if v := os.Getenv("DB_SLOW_QUERY_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			c.Database.SlowQuery = time.Duration(ms) * time.Millisecond
		}
	}

	if v := os.Getenv("LIGHT_MODE"); v != "" {
		c.LightMode = v == "1" || strings.EqualFold(v, "true")
	}
}

// Validate rejects configurations that cannot work
func (c *Config) Validate() error {
	if c.ObjectStore.UploadConcurrency < 1 {
		return fmt.Errorf("upload concurrency must be at least 1, got %d", c.ObjectStore.UploadConcurrency)
	}
	if c.ObjectStore.DownloadConcurrency < 1 {
		return fmt.Errorf("download concurrency must be at least 1, got %d", c.ObjectStore.DownloadConcurrency)
	}
	if c.ObjectStore.ReplicationMin > c.ObjectStore.ReplicationMax {
		return fmt.Errorf("replication min %d exceeds max %d",
			c.ObjectStore.ReplicationMin, c.ObjectStore.ReplicationMax)
	}
	if c.Ledger.ChannelName == "" || c.Ledger.ChaincodeName == "" {
		return fmt.Errorf("ledger channel and chaincode names are required")
	}
	return nil
}

// Endpoints returns the object store endpoint list: primary URL first,
// then any fallback nodes.
func (c *ObjectStoreConfig) Endpoints() []string {
	out := make([]string, 0, len(c.Nodes)+1)
	if c.URL != "" {
		out = append(out, c.URL)
	}
	out = append(out, c.Nodes...)
	return out
}

// DSN returns the primary Postgres connection string
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.Host, c.Port, c.User, c.Password, c.Name)
}

// ReplicaDSN returns the connection string for one read replica
func (c *DatabaseConfig) ReplicaDSN(hostPort string) string {
	host, port := hostPort, c.Port
	if i := strings.LastIndex(hostPort, ":"); i >= 0 {
		host = hostPort[:i]
		if p, err := strconv.Atoi(hostPort[i+1:]); err == nil {
			port = p
		}
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		host, port, c.User, c.Password, c.Name)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
			return
		}
		// Bare numbers are seconds
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Second
		}
	}
}

func setDays(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = time.Duration(n) * 24 * time.Hour
		}
	}
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

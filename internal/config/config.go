// Package config provides configuration management for the pool.
// Values come from environment variables, then an optional TOML file named by
// CONFIG_FILE, then built-in defaults, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/pelletier/go-toml"
	"github.com/shopspring/decimal"

	"github.com/bardlex/pplnspool/internal/difficulty"
)

// Config holds the global configuration for the pool process
type Config struct {
	// Service identification
	ServiceName string
	Version     string

	// Stratum listener
	ListenAddr        string
	ListenPort        int
	MaxConnections    int
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	MaxMessageSize    int
	MaxProtocolErrors int
	ExtraNonce2Size   int
	NotifyWorkers     int

	// Blockchain node
	NodeRPCURL      string
	NodeRPCUser     string
	NodeRPCPassword string
	NodeRPCTimeout  time.Duration
	NodeZMQAddr     string

	// Mining
	Algorithm          string
	PoolDifficulty     float64
	ChainNetwork       string
	JobRefreshInterval time.Duration
	JobGracePeriod     time.Duration
	BlockReward        decimal.Decimal

	// Rewards and payouts
	PoolFeePercent     float64
	PPLNSWindow        int
	PoolAddress        string
	MinPayout          decimal.Decimal
	PayoutInterval     time.Duration
	BlockRetryInterval time.Duration
	BlockRetryMaxAge   time.Duration

	// Persistence
	StoreDriver string
	StoreDSN    string

	// Telemetry sinks; empty disables the sink
	RedisURL     string
	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string
	KafkaBrokers []string
	MetricsAddr  string

	// Logging
	LogLevel      string
	LogFormat     string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
}

// source resolves a key from the environment first, then from the config file.
type source struct {
	file map[string]string
}

// Load loads configuration with sensible defaults
func Load() (*Config, error) {
	src := source{}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		values, err := loadTOMLFile(path)
		if err != nil {
			return nil, err
		}
		src.file = values
	}
	return load(src)
}

func load(src source) (*Config, error) {
	blockReward, err := src.getDecimal("BLOCK_REWARD", "3.125")
	if err != nil {
		return nil, err
	}
	minPayout, err := src.getDecimal("MIN_PAYOUT", "0.01")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ServiceName: src.get("SERVICE_NAME", "poold"),
		Version:     src.get("VERSION", "dev"),

		ListenAddr:        src.get("LISTEN_ADDR", "0.0.0.0"),
		ListenPort:        src.getInt("LISTEN_PORT", 3333),
		MaxConnections:    src.getInt("MAX_CONNECTIONS", 10000),
		ReadTimeout:       src.getDuration("READ_TIMEOUT", 60*time.Second),
		WriteTimeout:      src.getDuration("WRITE_TIMEOUT", 10*time.Second),
		MaxMessageSize:    src.getInt("MAX_MESSAGE_SIZE", 4096),
		MaxProtocolErrors: src.getInt("MAX_PROTOCOL_ERRORS", 10),
		ExtraNonce2Size:   src.getInt("EXTRANONCE2_SIZE", 4),
		NotifyWorkers:     src.getInt("NOTIFY_WORKERS", 64),

		NodeRPCURL:      src.get("NODE_RPC_URL", "http://127.0.0.1:8332"),
		NodeRPCUser:     src.get("NODE_RPC_USER", ""),
		NodeRPCPassword: src.get("NODE_RPC_PASSWORD", ""),
		NodeRPCTimeout:  src.getDuration("NODE_RPC_TIMEOUT", 10*time.Second),
		NodeZMQAddr:     src.get("NODE_ZMQ_ADDR", ""),

		Algorithm:          src.get("POOL_ALGORITHM", "sha256d"),
		PoolDifficulty:     src.getFloat("POOL_DIFFICULTY", 16),
		ChainNetwork:       src.get("CHAIN_NETWORK", "mainnet"),
		JobRefreshInterval: src.getDuration("JOB_REFRESH_INTERVAL", 30*time.Second),
		JobGracePeriod:     src.getDuration("JOB_GRACE_PERIOD", 30*time.Second),
		BlockReward:        blockReward,

		PoolFeePercent:     src.getFloat("POOL_FEE_PERCENT", 1.0),
		PPLNSWindow:        src.getInt("PPLNS_WINDOW", 1000),
		PoolAddress:        src.get("POOL_ADDRESS", ""),
		MinPayout:          minPayout,
		PayoutInterval:     src.getDuration("PAYOUT_INTERVAL", time.Hour),
		BlockRetryInterval: src.getDuration("BLOCK_RETRY_INTERVAL", time.Minute),
		BlockRetryMaxAge:   src.getDuration("BLOCK_RETRY_MAX_AGE", time.Hour),

		StoreDriver: src.get("STORE_DRIVER", "sqlite"),
		StoreDSN:    src.get("STORE_DSN", "pool.db"),

		RedisURL:     src.get("REDIS_URL", ""),
		InfluxURL:    src.get("INFLUX_URL", ""),
		InfluxToken:  src.get("INFLUX_TOKEN", ""),
		InfluxOrg:    src.get("INFLUX_ORG", "pool"),
		InfluxBucket: src.get("INFLUX_BUCKET", "mining"),
		KafkaBrokers: src.getSlice("KAFKA_BROKERS", nil),
		MetricsAddr:  src.get("METRICS_ADDR", ""),

		LogLevel:      src.get("LOG_LEVEL", "info"),
		LogFormat:     src.get("LOG_FORMAT", "json"),
		LogFile:       src.get("LOG_FILE", ""),
		LogMaxSizeMB:  src.getInt("LOG_MAX_SIZE_MB", 100),
		LogMaxBackups: src.getInt("LOG_MAX_BACKUPS", 5),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// validate performs basic validation of configuration values
func (c *Config) validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("SERVICE_NAME cannot be empty")
	}

	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return fmt.Errorf("LISTEN_PORT must be between 0 and 65535")
	}

	if c.MaxConnections <= 0 {
		return fmt.Errorf("MAX_CONNECTIONS must be positive")
	}

	if c.ReadTimeout <= 0 || c.WriteTimeout <= 0 {
		return fmt.Errorf("READ_TIMEOUT and WRITE_TIMEOUT must be positive")
	}

	if c.MaxMessageSize < 256 {
		return fmt.Errorf("MAX_MESSAGE_SIZE must be at least 256 bytes")
	}

	if c.ExtraNonce2Size < 1 || c.ExtraNonce2Size > 16 {
		return fmt.Errorf("EXTRANONCE2_SIZE must be between 1 and 16")
	}

	if c.NotifyWorkers <= 0 {
		return fmt.Errorf("NOTIFY_WORKERS must be positive")
	}

	if _, err := difficulty.HasherFor(c.Algorithm); err != nil {
		return fmt.Errorf("POOL_ALGORITHM: %w", err)
	}

	if c.PoolDifficulty <= 0 {
		return fmt.Errorf("POOL_DIFFICULTY must be positive")
	}

	if _, err := c.NetParams(); err != nil {
		return err
	}

	if c.JobRefreshInterval <= 0 {
		return fmt.Errorf("JOB_REFRESH_INTERVAL must be positive")
	}

	if c.JobGracePeriod < 0 {
		return fmt.Errorf("JOB_GRACE_PERIOD cannot be negative")
	}

	if c.BlockReward.IsNegative() {
		return fmt.Errorf("BLOCK_REWARD cannot be negative")
	}

	if c.PoolFeePercent < 0 || c.PoolFeePercent >= 100 {
		return fmt.Errorf("POOL_FEE_PERCENT must be in [0, 100)")
	}

	if c.PPLNSWindow <= 0 {
		return fmt.Errorf("PPLNS_WINDOW must be positive")
	}

	if !c.MinPayout.IsPositive() {
		return fmt.Errorf("MIN_PAYOUT must be positive")
	}

	if c.PayoutInterval <= 0 || c.BlockRetryInterval <= 0 {
		return fmt.Errorf("PAYOUT_INTERVAL and BLOCK_RETRY_INTERVAL must be positive")
	}

	switch c.StoreDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("STORE_DRIVER must be sqlite or postgres, got %q", c.StoreDriver)
	}

	if c.StoreDSN == "" {
		return fmt.Errorf("STORE_DSN cannot be empty")
	}

	return nil
}

// NetParams returns the chain parameters used to validate payout addresses.
// The "generic" network returns nil params; addresses are then checked by charset only.
func (c *Config) NetParams() (*chaincfg.Params, error) {
	switch strings.ToLower(c.ChainNetwork) {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	case "generic":
		return nil, nil
	default:
		return nil, fmt.Errorf("CHAIN_NETWORK %q is not supported", c.ChainNetwork)
	}
}

// PoolFee returns the fee as a fraction in [0, 1).
func (c *Config) PoolFee() decimal.Decimal {
	return decimal.NewFromFloat(c.PoolFeePercent).Div(decimal.NewFromInt(100))
}

// ListenAddress returns host:port for the Stratum listener.
func (c *Config) ListenAddress() string {
	return fmt.Sprintf("%s:%d", c.ListenAddr, c.ListenPort)
}

// loadTOMLFile flattens a TOML document into KEY=value pairs. Nested tables
// are joined with underscores, so [node] rpc_url becomes NODE_RPC_URL.
func loadTOMLFile(path string) (map[string]string, error) {
	tree, err := toml.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
	}
	out := make(map[string]string)
	flatten("", tree.ToMap(), out)
	return out, nil
}

func flatten(prefix string, in map[string]any, out map[string]string) {
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		key := strings.ToUpper(k)
		if prefix != "" {
			key = prefix + "_" + key
		}
		switch v := in[k].(type) {
		case map[string]any:
			flatten(key, v, out)
		case []any:
			parts := make([]string, len(v))
			for i, item := range v {
				parts[i] = fmt.Sprint(item)
			}
			out[key] = strings.Join(parts, ",")
		default:
			out[key] = fmt.Sprint(v)
		}
	}
}

func (s source) lookup(key string) (string, bool) {
	if value := os.Getenv(key); value != "" {
		return value, true
	}
	if value, ok := s.file[key]; ok && value != "" {
		return value, true
	}
	return "", false
}

func (s source) get(key, defaultValue string) string {
	if value, ok := s.lookup(key); ok {
		return value
	}
	return defaultValue
}

func (s source) getInt(key string, defaultValue int) int {
	if value, ok := s.lookup(key); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func (s source) getFloat(key string, defaultValue float64) float64 {
	if value, ok := s.lookup(key); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func (s source) getDuration(key string, defaultValue time.Duration) time.Duration {
	if value, ok := s.lookup(key); ok {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func (s source) getDecimal(key, defaultValue string) (decimal.Decimal, error) {
	value := s.get(key, defaultValue)
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: invalid amount %q: %w", key, value, err)
	}
	return d, nil
}

func (s source) getSlice(key string, defaultValue []string) []string {
	value, ok := s.lookup(key)
	if !ok {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

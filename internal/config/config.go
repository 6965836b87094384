// Package config defines all configuration for the copy-trading worker.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via COPY_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"polymarket-copytrader/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Chain     ChainConfig     `mapstructure:"chain"`
	API       APIConfig       `mapstructure:"api"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Store     StoreConfig     `mapstructure:"store"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Snapshots SnapshotConfig  `mapstructure:"snapshots"`
	Users     []UserConfig    `mapstructure:"users"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Health    HealthConfig    `mapstructure:"health"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
}

// ChainConfig holds the Polygon connection for fill detection.
// WSURL must be a websocket endpoint that supports eth_subscribe.
type ChainConfig struct {
	WSURL          string        `mapstructure:"ws_url"`
	BackfillWindow time.Duration `mapstructure:"backfill_window"`
}

// APIConfig holds the Polymarket HTTP/WS endpoints the worker talks to.
type APIConfig struct {
	WSMarketURL    string `mapstructure:"ws_market_url"`
	GammaBaseURL   string `mapstructure:"gamma_base_url"`
	DataAPIBaseURL string `mapstructure:"data_api_base_url"`
}

// RedisConfig points at the queue broker.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// StoreConfig sets where the SQLite database lives.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// LedgerConfig seeds the paper portfolios.
type LedgerConfig struct {
	InitialBankrollUSD float64 `mapstructure:"initial_bankroll_usd"`
}

// EngineConfig tunes the decision path.
type EngineConfig struct {
	BookWait time.Duration `mapstructure:"book_wait"`
}

// SnapshotConfig tunes the recording loops.
type SnapshotConfig struct {
	PriceInterval     time.Duration `mapstructure:"price_interval"`
	PortfolioInterval time.Duration `mapstructure:"portfolio_interval"`
	SettleInterval    time.Duration `mapstructure:"settle_interval"`
}

// ReconcileConfig tunes the Data-API catch-up sweep.
type ReconcileConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// UserConfig declares one followed trader.
type UserConfig struct {
	ID             string   `mapstructure:"id"`
	Label          string   `mapstructure:"label"`
	ProfileAddress string   `mapstructure:"profile_address"`
	ProxyAddresses []string `mapstructure:"proxy_addresses"`
	Enabled        bool     `mapstructure:"enabled"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// HealthConfig controls the health/debug HTTP server.
type HealthConfig struct {
	Port int `mapstructure:"port"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: COPY_CHAIN_WS_URL, COPY_REDIS_URL.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("COPY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if url := os.Getenv("COPY_CHAIN_WS_URL"); url != "" {
		cfg.Chain.WSURL = url
	}
	if url := os.Getenv("COPY_REDIS_URL"); url != "" {
		cfg.Redis.URL = url
	}

	return &cfg, nil
}

// FollowedUsers converts the user block to the domain type, with addresses
// lowercased.
func (c *Config) FollowedUsers() []types.FollowedUser {
	out := make([]types.FollowedUser, 0, len(c.Users))
	for _, u := range c.Users {
		proxies := make([]string, 0, len(u.ProxyAddresses))
		for _, p := range u.ProxyAddresses {
			proxies = append(proxies, strings.ToLower(p))
		}
		out = append(out, types.FollowedUser{
			ID:             u.ID,
			Label:          u.Label,
			ProfileAddress: strings.ToLower(u.ProfileAddress),
			ProxyAddresses: proxies,
			Enabled:        u.Enabled,
		})
	}
	return out
}

// InitialBankrollMicros converts the configured bankroll to micros.
func (c *Config) InitialBankrollMicros() int64 {
	return int64(c.Ledger.InitialBankrollUSD * 1_000_000)
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Chain.WSURL == "" {
		return fmt.Errorf("chain.ws_url is required (set COPY_CHAIN_WS_URL)")
	}
	if c.API.WSMarketURL == "" {
		return fmt.Errorf("api.ws_market_url is required")
	}
	if c.API.GammaBaseURL == "" {
		return fmt.Errorf("api.gamma_base_url is required")
	}
	if c.API.DataAPIBaseURL == "" {
		return fmt.Errorf("api.data_api_base_url is required")
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required (set COPY_REDIS_URL)")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Ledger.InitialBankrollUSD <= 0 {
		return fmt.Errorf("ledger.initial_bankroll_usd must be > 0")
	}
	if len(c.Users) == 0 {
		return fmt.Errorf("at least one followed user is required")
	}
	seen := make(map[string]bool, len(c.Users))
	for i, u := range c.Users {
		if u.ID == "" {
			return fmt.Errorf("users[%d].id is required", i)
		}
		if seen[u.ID] {
			return fmt.Errorf("users[%d].id %q is duplicated", i, u.ID)
		}
		seen[u.ID] = true
		if u.ProfileAddress == "" {
			return fmt.Errorf("users[%d].profile_address is required", i)
		}
	}
	return nil
}

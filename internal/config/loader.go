package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// splitList splits a comma-separated env value into trimmed entries.
func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// Load reads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// 1. Set defaults
	v.SetDefault("log_level", "info")
	v.SetDefault("reconcile_interval", "5m")
	v.SetDefault("max_reconnects", 10)
	v.SetDefault("http_port", 8080)
	v.SetDefault("indexer_url", "https://api.scan.pulsechain.com/api/v2")
	v.SetDefault("price_api_url", "https://api.dexscreener.com/latest/dex")

	// 2. Configure config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
	}

	// 3. Environment variables
	v.SetEnvPrefix("PULSE_TRACKER")
	v.AutomaticEnv()

	// Map environment variables to config keys
	// PULSE_TRACKER_RPC_URLS -> rpc_urls
	v.BindEnv("rpc_url", "RPC_URL")
	v.BindEnv("rpc_urls", "RPC_URLS")
	v.BindEnv("ws_urls", "WS_URLS")
	v.BindEnv("indexer_url", "INDEXER_URL")
	v.BindEnv("price_api_url", "PRICE_API_URL")
	v.BindEnv("wallets", "WALLETS")
	v.BindEnv("reconcile_interval", "RECONCILE_INTERVAL")
	v.BindEnv("max_reconnects", "MAX_RECONNECTS")
	v.BindEnv("log_level", "LOG_LEVEL")
	v.BindEnv("http_port", "HTTP_PORT")

	// 4. Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	// 5. Unmarshal into struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Comma-separated env vars arrive as a single string
	if walletsEnv := v.GetString("wallets"); walletsEnv != "" && strings.Contains(walletsEnv, ",") {
		cfg.Wallets = splitList(walletsEnv)
	}
	if rpcURLsEnv := v.GetString("rpc_urls"); rpcURLsEnv != "" && strings.Contains(rpcURLsEnv, ",") {
		cfg.RPCUrls = splitList(rpcURLsEnv)
	}
	if wsURLsEnv := v.GetString("ws_urls"); wsURLsEnv != "" && strings.Contains(wsURLsEnv, ",") {
		cfg.WSUrls = splitList(wsURLsEnv)
	}

	// 6. Normalize: convert single rpc_url to rpc_urls array
	if err := cfg.Normalize(); err != nil {
		return nil, fmt.Errorf("config normalization failed: %w", err)
	}

	// 7. Validate with validator
	validate := NewValidator()
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadWithDatabase loads config plus the optional DATABASE_URL from the
// environment. An empty DATABASE_URL disables snapshot persistence.
func LoadWithDatabase(configPath string) (*Config, string, error) {
	cfg, err := Load(configPath)
	if err != nil {
		return nil, "", err
	}

	v := viper.New()
	v.BindEnv("database_url", "DATABASE_URL")
	databaseURL := v.GetString("database_url")

	return cfg, databaseURL, nil
}

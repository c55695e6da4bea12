package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func validBase() *Config {
	return &Config{
		RPCUrls:    []string{"https://rpc.pulsechain.com"},
		WSUrls:     []string{"wss://rpc.pulsechain.com"},
		IndexerURL: "https://api.scan.pulsechain.com/api/v2",
	}
}

func TestEthAddressValidator(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name      string
		address   string
		wantError bool
	}{
		{
			name:      "valid checksummed address",
			address:   "0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0",
			wantError: false,
		},
		{
			name:      "valid address all lowercase",
			address:   "0x742d35cc6634c0532925a3b844bc9e7595f0beb0",
			wantError: false,
		},
		{
			name:      "zero address is valid",
			address:   "0x0000000000000000000000000000000000000000",
			wantError: false,
		},
		{
			name:      "valid address without 0x prefix",
			address:   "742d35Cc6634C0532925a3b844Bc9e7595f0bEb0",
			wantError: false,
		},
		{
			name:      "too short",
			address:   "0x742d35Cc",
			wantError: true,
		},
		{
			name:      "too long",
			address:   "0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb123",
			wantError: true,
		},
		{
			name:      "invalid hex character",
			address:   "0x742d35Cc6634C0532925a3b844Bc9e7595f0bEg0",
			wantError: true,
		},
		{
			name:      "empty string",
			address:   "",
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validBase()
			cfg.Wallets = []string{tt.address}

			err := v.Struct(cfg)
			if tt.wantError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDurationValidator(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name      string
		interval  string
		wantError bool
	}{
		{"empty interval is valid", "", false},
		{"valid 5m", "5m", false},
		{"valid 30s", "30s", false},
		{"valid 1h30m", "1h30m", false},
		{"bare number is invalid", "5", true},
		{"cron expression is invalid", "*/5 * * * *", true},
		{"garbage is invalid", "often", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validBase()
			cfg.ReconcileInterval = tt.interval

			err := v.Struct(cfg)
			if tt.wantError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRequiredURLs(t *testing.T) {
	v := NewValidator()

	t.Run("missing ws_urls fails", func(t *testing.T) {
		cfg := validBase()
		cfg.WSUrls = nil
		assert.Error(t, v.Struct(cfg))
	})

	t.Run("missing indexer_url fails", func(t *testing.T) {
		cfg := validBase()
		cfg.IndexerURL = ""
		assert.Error(t, v.Struct(cfg))
	})

	t.Run("non-url rpc entry fails", func(t *testing.T) {
		cfg := validBase()
		cfg.RPCUrls = []string{"not a url"}
		assert.Error(t, v.Struct(cfg))
	})

	t.Run("http_port below 1024 fails", func(t *testing.T) {
		cfg := validBase()
		cfg.HTTPPort = 80
		assert.Error(t, v.Struct(cfg))
	})
}

package config

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
)

const defaultReconcileInterval = 5 * time.Minute

// Config represents the application configuration
type Config struct {
	RPCUrl            string   `mapstructure:"rpc_url" validate:"omitempty,url"`
	RPCUrls           []string `mapstructure:"rpc_urls" validate:"required,min=1,dive,url"`
	WSUrls            []string `mapstructure:"ws_urls" validate:"required,min=1,dive,url"`
	IndexerURL        string   `mapstructure:"indexer_url" validate:"required,url"`
	PriceAPIURL       string   `mapstructure:"price_api_url" validate:"omitempty,url"`
	Wallets           []string `mapstructure:"wallets" validate:"omitempty,dive,eth_addr"`
	ReconcileInterval string   `mapstructure:"reconcile_interval" validate:"omitempty,duration"`
	MaxReconnects     int      `mapstructure:"max_reconnects" validate:"omitempty,min=1,max=100"`
	LogLevel          string   `mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
	HTTPPort          int      `mapstructure:"http_port" validate:"omitempty,min=1024,max=65535"`
}

// Normalize converts the single rpc_url convenience key into the
// rpc_urls list. rpc_urls takes precedence when both are set.
func (c *Config) Normalize() error {
	if len(c.RPCUrls) == 0 && c.RPCUrl != "" {
		c.RPCUrls = []string{c.RPCUrl}
	}
	c.RPCUrl = ""

	if len(c.RPCUrls) == 0 {
		return fmt.Errorf("at least one RPC URL is required (rpc_url or rpc_urls)")
	}
	return nil
}

// ReconcileEvery returns the reconciliation sweep interval, defaulting
// to 5 minutes when unset. Validation guarantees the string parses.
func (c *Config) ReconcileEvery() time.Duration {
	if c.ReconcileInterval == "" {
		return defaultReconcileInterval
	}
	d, err := time.ParseDuration(c.ReconcileInterval)
	if err != nil {
		return defaultReconcileInterval
	}
	return d
}

// ethAddressValidator validates Ethereum-style addresses
func ethAddressValidator(fl validator.FieldLevel) bool {
	return common.IsHexAddress(fl.Field().String())
}

// durationValidator validates duration strings
func durationValidator(fl validator.FieldLevel) bool {
	if fl.Field().String() == "" {
		return true
	}
	_, err := time.ParseDuration(fl.Field().String())
	return err == nil
}

// NewValidator creates a validator with custom validation rules
func NewValidator() *validator.Validate {
	validate := validator.New()
	validate.RegisterValidation("eth_addr", ethAddressValidator)
	validate.RegisterValidation("duration", durationValidator)
	return validate
}

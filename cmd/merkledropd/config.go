// config.go resolves the daemon configuration. Precedence, lowest to
// highest: compiled defaults, environment variables, CLI flags.
package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/merkledrop/merkledrop/api"
)

// ErrInvalidConfig is returned by Validate for configurations the daemon
// cannot start with.
var ErrInvalidConfig = errors.New("merkledropd: invalid configuration")

// Config holds the resolved daemon configuration.
type Config struct {
	// BindAddr is the HTTP listen address, host:port.
	BindAddr string

	// CampaignFile points at the campaign definitions document.
	CampaignFile string

	// ChainID is the EIP-712 chain id applied to definitions that do
	// not pin their own.
	ChainID uint64

	// LogLevel is the textual log level: debug, info, warn or error.
	LogLevel string

	// LogJSON switches from console output to JSON lines.
	LogJSON bool

	// RateLimit is the per-IP request rate on the claim routes, in
	// requests per second. Negative disables limiting.
	RateLimit float64

	// RateBurst is the per-IP burst size.
	RateBurst int

	// CORSOrigins is a comma-separated origin allowlist. Empty allows
	// all origins.
	CORSOrigins string
}

// DefaultConfig returns the daemon defaults.
func DefaultConfig() Config {
	return Config{
		BindAddr:  api.DefaultBindAddr,
		ChainID:   1,
		LogLevel:  "info",
		RateLimit: api.DefaultRateLimit,
		RateBurst: api.DefaultRateBurst,
	}
}

// Environment variable overrides. Invalid numeric values are ignored in
// favor of the compiled defaults.
const (
	envBindAddr     = "MERKLEDROP_ADDR"
	envCampaignFile = "MERKLEDROP_CAMPAIGNS"
	envChainID      = "MERKLEDROP_CHAIN_ID"
	envLogLevel     = "MERKLEDROP_LOG_LEVEL"
)

// ApplyEnvironment overlays environment variables onto cfg. CLI flags
// parsed afterwards still take precedence.
func ApplyEnvironment(cfg *Config) {
	if v := os.Getenv(envBindAddr); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv(envCampaignFile); v != "" {
		cfg.CampaignFile = v
	}
	if v := os.Getenv(envChainID); v != "" {
		if id, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.ChainID = id
		}
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = v
	}
}

// Validate checks the configuration before any work happens.
func (c *Config) Validate() error {
	if c.CampaignFile == "" {
		return fmt.Errorf("%w: missing campaign definitions file (-campaigns)", ErrInvalidConfig)
	}
	if _, _, err := net.SplitHostPort(c.BindAddr); err != nil {
		return fmt.Errorf("%w: listen address %q: %v", ErrInvalidConfig, c.BindAddr, err)
	}
	if c.ChainID == 0 {
		return fmt.Errorf("%w: chain id must be nonzero", ErrInvalidConfig)
	}
	return nil
}

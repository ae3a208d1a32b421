// Command merkledropd serves Merkle-drop campaigns over HTTP. It loads a
// campaign definitions file, builds the Merkle tree for each campaign,
// funds an in-memory token backend with the committed amounts and
// exposes the claim API.
//
// Usage:
//
//	merkledropd -campaigns definitions.json [flags]
//
// Flags:
//
//	--campaigns   Campaign definitions file (required)
//	--addr        HTTP listen address (default: 127.0.0.1:8080)
//	--chainid     Default EIP-712 chain id (default: 1)
//	--log.level   Log level: debug, info, warn, error (default: info)
//	--log.json    Emit JSON log lines instead of console output
//	--rate.limit  Per-IP requests per second, negative disables (default: 25)
//	--rate.burst  Per-IP burst size (default: 50)
//	--cors        Comma-separated CORS origin allowlist (default: all)
//	--version     Print version and exit
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/merkledrop/merkledrop/api"
	"github.com/merkledrop/merkledrop/comptroller"
	"github.com/merkledrop/merkledrop/ledger"
	"github.com/merkledrop/merkledrop/log"
	"github.com/merkledrop/merkledrop/token"
)

// Build-time version info, overridable with ldflags:
//
//	go build -ldflags "-X main.version=v0.2.0 -X main.commit=abc1234"
var (
	version = "v0.1.0-dev"
	commit  = "unknown"
)

// shutdownTimeout bounds the graceful drain of in-flight requests.
const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run(os.Args[1:]))
}

// run is the actual entry point, returning an exit code. Accepts CLI
// arguments (without the program name) so it can be tested in isolation.
func run(args []string) int {
	cfg, exit, code := parseFlags(args)
	if exit {
		return code
	}

	level := log.ParseLevel(cfg.LogLevel)
	logger := log.NewConsole(os.Stderr, level)
	if cfg.LogJSON {
		logger = log.New(level)
	}
	log.SetDefault(logger)

	logger.Info("merkledropd starting", "version", version, "commit", commit)
	logger.Info("configuration",
		"addr", cfg.BindAddr,
		"campaigns", cfg.CampaignFile,
		"chain_id", cfg.ChainID,
		"rate_limit", cfg.RateLimit,
		"rate_burst", cfg.RateBurst,
		"log_level", cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "err", err)
		return 1
	}

	defs, err := LoadDefinitions(cfg.CampaignFile)
	if err != nil {
		logger.Error("loading campaign definitions failed", "err", err)
		return 1
	}

	srv, err := buildServer(cfg, defs, logger)
	if err != nil {
		logger.Error("assembling server failed", "err", err)
		return 1
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	logger.Info("serving claims", "addr", cfg.BindAddr, "campaigns", len(defs.Campaigns))

	// Wait for SIGINT or SIGTERM to initiate graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("signal received, shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", "err", err)
			return 1
		}
		return 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown failed", "err", err)
		return 1
	}
	logger.Info("shutdown complete")
	return 0
}

// buildServer wires the definitions into ledgers behind a claim server:
// one tree and one ledger per campaign, a shared token backend holding
// each campaign's full aggregate, and a shared fee comptroller.
func buildServer(cfg Config, defs *DefinitionsFile, logger *log.Logger) (*api.Server, error) {
	tokens := token.NewMemoryBackend()

	var oracle comptroller.PriceOracle
	if defs.Oracle != nil {
		price, err := parseUint256(defs.Oracle.Price)
		if err != nil {
			return nil, fmt.Errorf("%w: oracle price: %v", ErrInvalidDefinition, err)
		}
		oracle = comptroller.NewStaticOracle(price, defs.Oracle.Decimals)
	}
	fees := comptroller.New(oracle)

	srv := api.NewServer(api.Config{
		BindAddr:       cfg.BindAddr,
		Logger:         logger.Module("api"),
		RateLimit:      cfg.RateLimit,
		RateBurst:      cfg.RateBurst,
		AllowedOrigins: splitOrigins(cfg.CORSOrigins),
	})

	for i := range defs.Campaigns {
		camp, tree, err := BuildCampaign(&defs.Campaigns[i], cfg.ChainID)
		if err != nil {
			return nil, err
		}

		// Fund the campaign with its full aggregate so every leaf can
		// settle.
		tokens.Mint(camp.Token, camp.Address, tree.TotalAmount())

		led, err := ledger.New(ledger.Config{
			Campaign:    camp,
			Comptroller: fees,
			Tokens:      tokens,
			Logger:      logger.Module("ledger"),
		})
		if err != nil {
			return nil, fmt.Errorf("campaign %q: %w", camp.Name, err)
		}
		if err := srv.AddCampaign(led, tree); err != nil {
			return nil, fmt.Errorf("campaign %q: %w", camp.Name, err)
		}

		logger.Info("campaign loaded",
			"campaign", camp.Address,
			"name", camp.Name,
			"shape", camp.Shape.String(),
			"recipients", tree.Len(),
			"total", tree.TotalAmount().Dec())
	}
	return srv, nil
}

// splitOrigins parses the comma-separated CORS allowlist. Empty input
// returns nil, which the server treats as allow-all.
func splitOrigins(s string) []string {
	if s == "" {
		return nil
	}
	var origins []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// parseFlags parses CLI arguments into a Config. Returns the config,
// whether the caller should exit immediately, and the exit code.
func parseFlags(args []string) (Config, bool, int) {
	cfg := DefaultConfig()
	ApplyEnvironment(&cfg)
	fs := newFlagSet(&cfg)

	showVersion := fs.Bool("version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return cfg, true, 2
	}

	if *showVersion {
		fmt.Printf("merkledropd %s (commit %s)\n", version, commit)
		return cfg, true, 0
	}

	return cfg, false, 0
}

// newFlagSet creates a flag set that binds all CLI flags to the given
// Config. ContinueOnError so callers control the error handling.
func newFlagSet(cfg *Config) *flagSet {
	fs := newCustomFlagSet("merkledropd")
	fs.StringVar(&cfg.CampaignFile, "campaigns", cfg.CampaignFile, "campaign definitions file")
	fs.StringVar(&cfg.BindAddr, "addr", cfg.BindAddr, "HTTP listen address")
	fs.Uint64Var(&cfg.ChainID, "chainid", cfg.ChainID, "default EIP-712 chain id")
	fs.StringVar(&cfg.LogLevel, "log.level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.BoolVar(&cfg.LogJSON, "log.json", cfg.LogJSON, "emit JSON log lines")
	fs.Float64Var(&cfg.RateLimit, "rate.limit", cfg.RateLimit, "per-IP requests per second (negative disables)")
	fs.IntVar(&cfg.RateBurst, "rate.burst", cfg.RateBurst, "per-IP burst size")
	fs.StringVar(&cfg.CORSOrigins, "cors", cfg.CORSOrigins, "comma-separated CORS origin allowlist")
	return fs
}

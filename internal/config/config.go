// Package config loads the facilitator's environment configuration per
// spec §6, optionally seeded by a .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/x402-go/x402/pkg/network"
)

// Config is the facilitator's fully-resolved startup configuration.
type Config struct {
	PrivateKey       string
	Port             int
	RateLimit        int
	RateLimitEnabled bool
	MetricsEnabled   bool
	// RPCURLs maps a network id (e.g. "base-sepolia") to the RPC
	// endpoint the chain adapter for that network dials. A network
	// with no RPC_URL_<NETWORK_ID> override falls back to
	// pkg/network's DefaultRPCURL.
	RPCURLs map[string]string
	// NativeUSDRate is the fixed native-token/USD conversion rate
	// /estimate-gas uses to turn a gas cost into a dollar figure. The
	// spec names no price oracle, so this is a configured constant
	// rather than a fetched one (see DESIGN.md's Open Question note).
	NativeUSDRate float64
}

// Load reads FACILITATOR_PRIVATE_KEY, PORT, RATE_LIMIT,
// RATE_LIMIT_ENABLED, METRICS_ENABLED, and RPC_URL_<NETWORK_ID> from
// the process environment, loading a .env file first if one is
// present in the working directory.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: reading .env: %w", err)
	}

	privateKey := os.Getenv("FACILITATOR_PRIVATE_KEY")
	if privateKey == "" {
		return nil, fmt.Errorf("config: FACILITATOR_PRIVATE_KEY is required")
	}

	port, err := intEnv("PORT", 4020)
	if err != nil {
		return nil, err
	}

	rateLimit, err := intEnv("RATE_LIMIT", 50)
	if err != nil {
		return nil, err
	}

	rateLimitEnabled, err := boolEnv("RATE_LIMIT_ENABLED", true)
	if err != nil {
		return nil, err
	}

	metricsEnabled, err := boolEnv("METRICS_ENABLED", true)
	if err != nil {
		return nil, err
	}

	nativeUSDRate, err := floatEnv("NATIVE_USD_RATE", 3000.0)
	if err != nil {
		return nil, err
	}

	rpcURLs := make(map[string]string)
	for _, n := range network.All() {
		if url := os.Getenv(rpcEnvName(n.ID)); url != "" {
			rpcURLs[n.ID] = url
		} else {
			rpcURLs[n.ID] = n.DefaultRPCURL
		}
	}

	return &Config{
		PrivateKey:       privateKey,
		Port:             port,
		RateLimit:        rateLimit,
		RateLimitEnabled: rateLimitEnabled,
		MetricsEnabled:   metricsEnabled,
		RPCURLs:          rpcURLs,
		NativeUSDRate:    nativeUSDRate,
	}, nil
}

// rpcEnvName maps a network id to its RPC_URL_<NETWORK_ID> env var
// name: dashes become underscores, letters are upper-cased.
func rpcEnvName(networkID string) string {
	return "RPC_URL_" + strings.ToUpper(strings.ReplaceAll(networkID, "-", "_"))
}

func intEnv(name string, fallback int) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an integer, got %q", name, raw)
	}
	return v, nil
}

func floatEnv(name string, fallback float64) (float64, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be a number, got %q", name, raw)
	}
	return v, nil
}

func boolEnv(name string, fallback bool) (bool, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("config: %s must be a boolean, got %q", name, raw)
	}
	return v, nil
}

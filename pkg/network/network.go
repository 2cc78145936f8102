// Package network is the static registry of EVM networks this module
// knows how to settle payments on.
package network

import (
	"fmt"
	"math/big"
)

// Asset describes a fungible token usable as a payment asset.
type Asset struct {
	Address string
	Name    string
	Version string
	Decimals int
}

// Network is one chain's static configuration: its chain id, default
// settlement asset, and the metadata the client uses to pick among
// several accepted networks.
type Network struct {
	ID                string
	ChainID           int64
	DefaultAsset      Asset
	DefaultRPCURL     string
	BlockExplorerRoot string
	AverageBlockTime  float64 // seconds
	// GasCostMultiplier scales /estimate-gas's reported cost relative
	// to Base, which is defined as 1.0.
	GasCostMultiplier float64
	IsTestnet         bool
}

var registry = map[string]Network{
	"base-mainnet": {
		ID:      "base-mainnet",
		ChainID: 8453,
		DefaultAsset: Asset{
			Address:  "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
			Name:     "USD Coin",
			Version:  "2",
			Decimals: 6,
		},
		DefaultRPCURL:     "https://mainnet.base.org",
		BlockExplorerRoot: "https://basescan.org",
		AverageBlockTime:  2.0,
		GasCostMultiplier: 1.0,
	},
	"base-sepolia": {
		ID:      "base-sepolia",
		ChainID: 84532,
		DefaultAsset: Asset{
			Address:  "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
			Name:     "USDC",
			Version:  "2",
			Decimals: 6,
		},
		DefaultRPCURL:     "https://sepolia.base.org",
		BlockExplorerRoot: "https://sepolia.basescan.org",
		AverageBlockTime:  2.0,
		GasCostMultiplier: 1.0,
		IsTestnet:         true,
	},
	"ethereum-mainnet": {
		ID:      "ethereum-mainnet",
		ChainID: 1,
		DefaultAsset: Asset{
			Address:  "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
			Name:     "USD Coin",
			Version:  "2",
			Decimals: 6,
		},
		DefaultRPCURL:     "https://eth.llamarpc.com",
		BlockExplorerRoot: "https://etherscan.io",
		AverageBlockTime:  12.0,
		GasCostMultiplier: 8.0,
	},
	"arbitrum-one": {
		ID:      "arbitrum-one",
		ChainID: 42161,
		DefaultAsset: Asset{
			Address:  "0xaf88d065e77c8cC2239327C5EDb3A432268e5831",
			Name:     "USD Coin",
			Version:  "2",
			Decimals: 6,
		},
		DefaultRPCURL:     "https://arb1.arbitrum.io/rpc",
		BlockExplorerRoot: "https://arbiscan.io",
		AverageBlockTime:  0.25,
		GasCostMultiplier: 1.2,
	},
	"optimism-mainnet": {
		ID:      "optimism-mainnet",
		ChainID: 10,
		DefaultAsset: Asset{
			Address:  "0x0b2C639c533813f4Aa9D7837CAf62653d097Ff85",
			Name:     "USD Coin",
			Version:  "2",
			Decimals: 6,
		},
		DefaultRPCURL:     "https://mainnet.optimism.io",
		BlockExplorerRoot: "https://optimistic.etherscan.io",
		AverageBlockTime:  2.0,
		GasCostMultiplier: 1.1,
	},
}

// Lookup returns the Network registered under id.
func Lookup(id string) (Network, error) {
	n, ok := registry[id]
	if !ok {
		return Network{}, fmt.Errorf("unsupported network: %q", id)
	}
	return n, nil
}

// All returns every registered network, in registration order.
func All() []Network {
	ids := []string{"base-mainnet", "base-sepolia", "ethereum-mainnet", "arbitrum-one", "optimism-mainnet"}
	out := make([]Network, 0, len(ids))
	for _, id := range ids {
		out = append(out, registry[id])
	}
	return out
}

// IsSupported reports whether id names a registered network.
func IsSupported(id string) bool {
	_, ok := registry[id]
	return ok
}

// AmountToAssetUnits converts a human-readable decimal amount into the
// asset's smallest unit, scaling by 10^decimals.
func AmountToAssetUnits(amount *big.Float, decimals int) *big.Int {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	scaleFloat := new(big.Float).SetPrec(256).SetInt(scale)
	amountFloat := new(big.Float).SetPrec(256).Set(amount)
	res, _ := new(big.Float).Mul(amountFloat, scaleFloat).Int(nil)
	return res
}

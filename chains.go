package facilitator

import (
	"fmt"
	"math/big"
	"sort"
	"strings"
)

// AddressFamily identifies the address syntax used by a chain.
type AddressFamily string

const (
	AddressFamilyEVM    AddressFamily = "evm"
	AddressFamilySolana AddressFamily = "solana"
)

const (
	// DefaultCurrency is the only settlement asset the facilitator moves.
	DefaultCurrency = "USDC"

	// DefaultDecimals for USDC on every supported chain
	DefaultDecimals = 6

	// DefaultChain is the chain enabled when none is configured
	DefaultChain = "base"
)

// ChainConfig describes a chain the facilitator knows about.
type ChainConfig struct {
	Name          string
	ChainID       *big.Int
	Family        AddressFamily
	AssetAddress  string
	AssetDecimals int32
}

var (
	ChainIDEthereum    = big.NewInt(1)
	ChainIDOptimism    = big.NewInt(10)
	ChainIDPolygon     = big.NewInt(137)
	ChainIDBase        = big.NewInt(8453)
	ChainIDArbitrum    = big.NewInt(42161)
	ChainIDBaseSepolia = big.NewInt(84532)

	// KnownChains lists every chain a request may name. Only the enabled one
	// settles; the rest are rejected as unsupported.
	KnownChains = map[string]ChainConfig{
		"base": {
			Name:          "base",
			ChainID:       ChainIDBase,
			Family:        AddressFamilyEVM,
			AssetAddress:  "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", // USDC on Base
			AssetDecimals: DefaultDecimals,
		},
		"base-sepolia": {
			Name:          "base-sepolia",
			ChainID:       ChainIDBaseSepolia,
			Family:        AddressFamilyEVM,
			AssetAddress:  "0x036CbD53842c5426634e7929541eC2318f3dCF7e", // USDC on Base Sepolia
			AssetDecimals: DefaultDecimals,
		},
		"ethereum": {
			Name:          "ethereum",
			ChainID:       ChainIDEthereum,
			Family:        AddressFamilyEVM,
			AssetAddress:  "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
			AssetDecimals: DefaultDecimals,
		},
		"polygon": {
			Name:          "polygon",
			ChainID:       ChainIDPolygon,
			Family:        AddressFamilyEVM,
			AssetAddress:  "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359",
			AssetDecimals: DefaultDecimals,
		},
		"arbitrum": {
			Name:          "arbitrum",
			ChainID:       ChainIDArbitrum,
			Family:        AddressFamilyEVM,
			AssetAddress:  "0xaf88d065e77c8cC2239327C5EDb3A432268e5831",
			AssetDecimals: DefaultDecimals,
		},
		"optimism": {
			Name:          "optimism",
			ChainID:       ChainIDOptimism,
			Family:        AddressFamilyEVM,
			AssetAddress:  "0x0b2C639c533813f4Aa9D7837CAf62653d097Ff85",
			AssetDecimals: DefaultDecimals,
		},
		"solana": {
			Name:          "solana",
			Family:        AddressFamilySolana,
			AssetAddress:  "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
			AssetDecimals: DefaultDecimals,
		},
	}
)

// GetChainConfig returns the configuration for a known chain name.
func GetChainConfig(name string) (ChainConfig, error) {
	cfg, ok := KnownChains[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return ChainConfig{}, fmt.Errorf("unknown chain: %s", name)
	}
	return cfg, nil
}

// KnownChainNames returns the sorted names of all known chains.
func KnownChainNames() []string {
	names := make([]string, 0, len(KnownChains))
	for name := range KnownChains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

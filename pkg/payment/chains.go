// Copyright 2025 Author(s) of MCP Gateway
// SPDX-License-Identifier: Apache-2.0

package payment

import "math/big"

// ChainConfig carries the per-network constants needed to price, verify and
// sign USDC payments: the USDC contract address, the EVM chain id, and the
// EIP-712 domain parameters for EIP-3009 transferWithAuthorization.
type ChainConfig struct {
	NetworkID      string
	ChainID        int64
	USDCAddress    string
	EIP3009Name    string
	EIP3009Version string
}

// USDC has 6 decimals on every supported network.
const USDCDecimals = 6

// DefaultNetwork is used when a configured network is unknown.
const DefaultNetwork = "base-sepolia"

var chains = map[string]ChainConfig{
	"base-sepolia": {
		NetworkID:      "base-sepolia",
		ChainID:        84532,
		USDCAddress:    "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		EIP3009Name:    "USDC",
		EIP3009Version: "2",
	},
	"base": {
		NetworkID:      "base",
		ChainID:        8453,
		USDCAddress:    "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		EIP3009Name:    "USD Coin",
		EIP3009Version: "2",
	},
	"ethereum": {
		NetworkID:      "ethereum",
		ChainID:        1,
		USDCAddress:    "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		EIP3009Name:    "USD Coin",
		EIP3009Version: "2",
	},
	"optimism": {
		NetworkID:      "optimism",
		ChainID:        10,
		USDCAddress:    "0x0b2C639c533813f4Aa9D7837CAf62653d097Ff85",
		EIP3009Name:    "USD Coin",
		EIP3009Version: "2",
	},
	"polygon": {
		NetworkID:      "polygon",
		ChainID:        137,
		USDCAddress:    "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359",
		EIP3009Name:    "USD Coin",
		EIP3009Version: "2",
	},
}

// ChainFor returns the chain configuration for a network identifier.
// Unknown networks fall back to base-sepolia.
func ChainFor(network string) ChainConfig {
	if c, ok := chains[network]; ok {
		return c
	}
	return chains[DefaultNetwork]
}

// USDCAddress returns the USDC contract address for a network, applying the
// base-sepolia fallback.
func USDCAddress(network string) string {
	return ChainFor(network).USDCAddress
}

// ChainID returns the EVM chain id for a network as a big.Int.
func ChainID(network string) *big.Int {
	return big.NewInt(ChainFor(network).ChainID)
}

// Copyright 2025 Author(s) of MCP Gateway
// SPDX-License-Identifier: Apache-2.0

package payment

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Signer holds the gateway's outbound payment credential and produces
// signed x402 payloads for upstream challenges.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSigner builds a signer from a hex-encoded secp256k1 private key
// (with or without the 0x prefix).
func NewSigner(hexKey string) (*Signer, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid outbound credential: %w", err)
	}
	return &Signer{
		privateKey: key,
		address:    crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// Address returns the payer address derived from the credential.
func (s *Signer) Address() string {
	return s.address.Hex()
}

// SignRequirement satisfies a single upstream payment option: it builds an
// EIP-3009 transferWithAuthorization for exactly the amount required and
// signs it under the network's USDC EIP-712 domain.
func (s *Signer) SignRequirement(req Requirement) (Payload, error) {
	if req.Scheme != SchemeExact {
		return Payload{}, fmt.Errorf("unsupported payment scheme %q", req.Scheme)
	}

	value, ok := new(big.Int).SetString(req.MaxAmountRequired, 10)
	if !ok || value.Sign() < 0 {
		return Payload{}, fmt.Errorf("invalid payment amount %q", req.MaxAmountRequired)
	}

	chain := ChainFor(req.Network)
	token := req.Asset
	if token == "" {
		token = chain.USDCAddress
	}

	timeout := req.MaxTimeoutSeconds
	if timeout <= 0 {
		timeout = DefaultChallengeTimeoutSeconds
	}

	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return Payload{}, fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Backdate validAfter to ride out clock drift against the upstream.
	now := time.Now().Unix()
	validAfter := big.NewInt(now - 10)
	validBefore := big.NewInt(now + int64(timeout))

	chainWithToken := chain
	chainWithToken.USDCAddress = token

	digest, err := s.authorizationDigest(chainWithToken, common.HexToAddress(req.PayTo).Hex(), value, validAfter, validBefore, common.BytesToHash(nonce[:]).Hex())
	if err != nil {
		return Payload{}, err
	}

	sig, err := crypto.Sign(digest, s.privateKey)
	if err != nil {
		return Payload{}, fmt.Errorf("failed to sign authorization: %w", err)
	}
	// Ethereum expects v in {27, 28}.
	sig[64] += 27
	signature := "0x" + hex.EncodeToString(sig)

	return Payload{
		X402Version: X402Version,
		Scheme:      SchemeExact,
		Network:     chain.NetworkID,
		Payload: EVMPayload{
			Signature: signature,
			Authorization: EVMAuthorization{
				From:        s.address.Hex(),
				To:          common.HexToAddress(req.PayTo).Hex(),
				Value:       value.String(),
				ValidAfter:  validAfter.String(),
				ValidBefore: validBefore.String(),
				Nonce:       common.BytesToHash(nonce[:]).Hex(),
			},
		},
	}, nil
}

// authorizationDigest computes the EIP-712 digest of a
// TransferWithAuthorization message under the chain's USDC domain.
func (s *Signer) authorizationDigest(chain ChainConfig, to string, value, validAfter, validBefore *big.Int, nonceHex string) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": []apitypes.Type{
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              chain.EIP3009Name,
			Version:           chain.EIP3009Version,
			ChainId:           (*math.HexOrDecimal256)(big.NewInt(chain.ChainID)),
			VerifyingContract: common.HexToAddress(chain.USDCAddress).Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        s.address.Hex(),
			"to":          common.HexToAddress(to).Hex(),
			"value":       (*math.HexOrDecimal256)(value),
			"validAfter":  (*math.HexOrDecimal256)(validAfter),
			"validBefore": (*math.HexOrDecimal256)(validBefore),
			"nonce":       nonceHex,
		},
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}
	messageHash, err := typedData.HashStruct("TransferWithAuthorization", typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	// keccak256("\x19\x01" || domainSeparator || messageHash)
	rawData := append([]byte{0x19, 0x01}, append(domainSeparator, messageHash...)...)
	return crypto.Keccak256(rawData), nil
}

// Copyright 2025 Author(s) of MCP Gateway
// SPDX-License-Identifier: Apache-2.0

package payment

import (
	"fmt"
	"math/big"
	"strings"
)

// DefaultPrice is the x402 price assumed when a priced tool carries no
// explicit amount.
const DefaultPrice = "$0.01"

// defaultAtomic is atomic(DefaultPrice), also used for malformed input.
const defaultAtomic = "10000"

var atomicScale = big.NewInt(1_000_000) // 10^USDCDecimals

// parseDollars parses a dollar string such as "$0.10" into an exact
// rational. Currency symbols, spaces and thousands separators are ignored;
// at most one decimal point is honored.
func parseDollars(s string) (*big.Rat, bool) {
	var b strings.Builder
	dot := false
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' && !dot:
			dot = true
			b.WriteRune(r)
		case r == '.' && dot:
			return nil, false
		}
	}
	cleaned := b.String()
	if cleaned == "" || cleaned == "." {
		return nil, false
	}
	r, ok := new(big.Rat).SetString(cleaned)
	if !ok {
		return nil, false
	}
	return r, true
}

// AtomicUSDC converts a dollar string into atomic USDC units (6 decimals),
// flooring: "$0.01" -> "10000". Malformed input yields "10000".
func AtomicUSDC(money string) string {
	r, ok := parseDollars(money)
	if !ok {
		return defaultAtomic
	}
	scaled := new(big.Rat).Mul(r, new(big.Rat).SetInt(atomicScale))
	// floor
	atoms := new(big.Int).Quo(scaled.Num(), scaled.Denom())
	return atoms.String()
}

// IsZeroPrice reports whether a tier price means "no charge": the literal
// "free" (any case) or a zero dollar amount such as "$0" or "$0.00".
func IsZeroPrice(price string) bool {
	if strings.EqualFold(strings.TrimSpace(price), "free") {
		return true
	}
	r, ok := parseDollars(price)
	return ok && r.Sign() == 0
}

// formatDollars6 renders a rational as a dollar string with exactly six
// decimal places, rounding half away from zero at the sixth decimal.
func formatDollars6(r *big.Rat) string {
	scaled := new(big.Rat).Mul(r, new(big.Rat).SetInt(atomicScale))
	num, den := scaled.Num(), scaled.Denom()
	q, rem := new(big.Int).QuoRem(num, den, new(big.Int))
	// round half up on the remainder
	if new(big.Int).Mul(rem, big.NewInt(2)).CmpAbs(den) >= 0 {
		q.Add(q, big.NewInt(1))
	}
	whole, frac := new(big.Int).QuoRem(q, atomicScale, new(big.Int))
	return fmt.Sprintf("$%s.%06d", whole.String(), frac.Int64())
}

// ComputeMarkupPrice derives the client-facing price from a downstream
// price and a markup. A markup of the form "20%" multiplies; "$0.05" adds.
// Arithmetic is carried out at six decimal places and rendered as
// "$X.XXXXXX".
func ComputeMarkupPrice(downstreamPrice, markup string) (string, error) {
	base, ok := parseDollars(downstreamPrice)
	if !ok {
		return "", fmt.Errorf("invalid downstream price %q", downstreamPrice)
	}

	markup = strings.TrimSpace(markup)
	if strings.HasSuffix(markup, "%") {
		pct, ok := parseDollars(strings.TrimSuffix(markup, "%"))
		if !ok {
			return "", fmt.Errorf("invalid percent markup %q", markup)
		}
		factor := new(big.Rat).Add(big.NewRat(1, 1), new(big.Rat).Quo(pct, big.NewRat(100, 1)))
		return formatDollars6(new(big.Rat).Mul(base, factor)), nil
	}

	fixed, ok := parseDollars(markup)
	if !ok {
		return "", fmt.Errorf("invalid markup %q", markup)
	}
	return formatDollars6(new(big.Rat).Add(base, fixed)), nil
}

// CompareAtomic compares two atomic-unit decimal strings, returning
// -1, 0 or 1. Malformed strings compare as zero.
func CompareAtomic(a, b string) int {
	ai, ok := new(big.Int).SetString(a, 10)
	if !ok {
		ai = new(big.Int)
	}
	bi, ok := new(big.Int).SetString(b, 10)
	if !ok {
		bi = new(big.Int)
	}
	return ai.Cmp(bi)
}

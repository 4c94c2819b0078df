// Package amount converts between human decimal prices and base-unit integers.
//
// Native ETH uses 18 decimals and USDC-style tokens use 6. All settlement
// amounts are big.Int base units; decimal strings only appear at the edges
// (catalog prices, payment demands, CLI flags).
package amount

import (
	"math/big"
	"strings"
)

const (
	NativeDecimals = 18
	USDCDecimals   = 6

	// MaxDecimals bounds the precision Parse accepts. uint256 holds 77 digits.
	MaxDecimals = 36
)

// Parse converts a decimal string (e.g. "0.01") into base units for an asset
// with the given number of decimals. Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty strings, signs and multiple decimal points are rejected
//   - Fractional digits beyond decimals are rejected unless they are zeros
//   - Shorter fractional parts are right-padded
//   - decimals above MaxDecimals are rejected
func Parse(s string, decimals int) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" || decimals < 0 || decimals > MaxDecimals {
		return nil, false
	}
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}
	if whole == "" && frac == "" {
		return nil, false
	}
	if whole == "" {
		whole = "0"
	}

	if len(frac) > decimals {
		if strings.Trim(frac[decimals:], "0") != "" {
			return nil, false
		}
		frac = frac[:decimals]
	}
	frac += strings.Repeat("0", decimals-len(frac))

	for _, r := range whole + frac {
		if r < '0' || r > '9' {
			return nil, false
		}
	}

	result, ok := new(big.Int).SetString(whole+frac, 10)
	return result, ok
}

// Format converts base units to a decimal string with exactly decimals
// fractional digits (e.g. "0.010000").
func Format(v *big.Int, decimals int) string {
	if v == nil {
		v = new(big.Int)
	}
	neg := v.Sign() < 0
	s := new(big.Int).Abs(v).String()
	if decimals == 0 {
		if neg {
			return "-" + s
		}
		return s
	}
	for len(s) < decimals+1 {
		s = "0" + s
	}
	point := len(s) - decimals
	result := s[:point] + "." + s[point:]
	if neg {
		result = "-" + result
	}
	return result
}

// Trim formats v like Format but drops trailing fractional zeros ("0.01").
func Trim(v *big.Int, decimals int) string {
	s := Format(v, decimals)
	if !strings.Contains(s, ".") {
		return s
	}
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}

// Positive reports whether v is non-nil and greater than zero.
func Positive(v *big.Int) bool {
	return v != nil && v.Sign() > 0
}

// Package tokens maps token symbols and contract addresses to their canonical
// form and converts human decimal amounts to integer base units. It is pure:
// payment initiation and tournament join each recompute expected amounts here
// instead of trusting anything client-supplied.
package tokens

import (
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ErrUnsupportedToken is returned when an identifier matches neither a known
// symbol nor a known contract address.
var ErrUnsupportedToken = errors.New("unsupported token")

// Token is one supported ERC-20 on World Chain.
type Token struct {
	Symbol   string
	Address  string // canonical: checksum-validated, stored lowercased
	Decimals int
}

// Supported tokens. Addresses are the World Chain mainnet contracts.
var registry = []Token{
	{Symbol: "WLD", Address: canonical("0x2cFc85d8E48F8EAB294be644d9E25C3030863003"), Decimals: 18},
	{Symbol: "USDC.e", Address: canonical("0x79A02482A880bCE3F13e09Da970dC34db4CD24d1"), Decimals: 6},
}

// canonical runs the hex through the EIP-55 checksum encoder (validating it)
// and lowercases the result so comparisons are case-insensitive.
func canonical(addr string) string {
	return strings.ToLower(common.HexToAddress(addr).Hex())
}

// BySymbol looks a token up by its symbol, case-insensitively.
func BySymbol(symbol string) (Token, bool) {
	for _, t := range registry {
		if strings.EqualFold(t.Symbol, symbol) {
			return t, true
		}
	}
	return Token{}, false
}

// Resolve accepts a symbol ("WLD") or a contract address and returns the token.
func Resolve(identifier string) (Token, error) {
	if t, ok := BySymbol(identifier); ok {
		return t, nil
	}
	if common.IsHexAddress(identifier) {
		want := canonical(identifier)
		for _, t := range registry {
			if t.Address == want {
				return t, nil
			}
		}
	}
	return Token{}, ErrUnsupportedToken
}

// Normalize returns the canonical contract address for a symbol or address.
func Normalize(identifier string) (string, error) {
	t, err := Resolve(identifier)
	if err != nil {
		return "", err
	}
	return t.Address, nil
}

// ToBaseUnits multiplies a human decimal amount ("1.5") by 10^decimals of the
// identified token and rounds to the nearest integer, returned as a decimal
// string. The math is exact rational arithmetic, no float drift.
func ToBaseUnits(humanAmount, identifier string) (string, error) {
	t, err := Resolve(identifier)
	if err != nil {
		return "", err
	}

	amount, ok := new(big.Rat).SetString(strings.TrimSpace(humanAmount))
	if !ok || amount.Sign() < 0 {
		return "", errors.New("invalid amount")
	}

	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(t.Decimals)), nil)
	scaled := new(big.Rat).Mul(amount, new(big.Rat).SetInt(scale))

	// Round half up: floor(x + 1/2). Amounts are non-negative here.
	half := big.NewRat(1, 2)
	scaled.Add(scaled, half)
	result := new(big.Int).Quo(scaled.Num(), scaled.Denom())

	return result.String(), nil
}

// Decimals returns the decimal count for a symbol or address.
func Decimals(identifier string) (int, error) {
	t, err := Resolve(identifier)
	if err != nil {
		return 0, err
	}
	return t.Decimals, nil
}

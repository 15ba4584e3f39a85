package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPair indicates a malformed token pair or pair symbol.
var ErrInvalidPair = errors.New("invalid token pair")

// TokenPair is an ordered (base, quote) combination of asset codes.
//
// (A,B) and (B,A) are distinct pairs with reciprocal semantics:
// price(B,A) is approximately 1/price(A,B). Both codes are held in
// uppercase canonical form.
type TokenPair struct {
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

// NewTokenPair builds a pair from raw asset codes, normalizing them to
// uppercase. Both codes must be non-empty.
func NewTokenPair(base, quote string) (TokenPair, error) {
	base = strings.ToUpper(strings.TrimSpace(base))
	quote = strings.ToUpper(strings.TrimSpace(quote))

	if base == "" || quote == "" {
		return TokenPair{}, fmt.Errorf("%w: base and quote must be non-empty", ErrInvalidPair)
	}

	return TokenPair{Base: base, Quote: quote}, nil
}

// ParsePair parses a "BASE-QUOTE" symbol (e.g. "ETH-BTC") into a TokenPair.
func ParsePair(symbol string) (TokenPair, error) {
	parts := strings.Split(symbol, "-")
	if len(parts) != 2 {
		return TokenPair{}, fmt.Errorf("%w: expected BASE-QUOTE, got %q", ErrInvalidPair, symbol)
	}

	return NewTokenPair(parts[0], parts[1])
}

// Reciprocal returns the pair with base and quote swapped.
func (p TokenPair) Reciprocal() TokenPair {
	return TokenPair{Base: p.Quote, Quote: p.Base}
}

// String renders the pair in BASE-QUOTE form.
func (p TokenPair) String() string {
	return p.Base + "-" + p.Quote
}

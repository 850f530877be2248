// Package contract handles perpetual market symbol parsing, validation, and
// derivation of market identities from symbols.
package contract

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Prefix starts every perpetual market symbol.
const Prefix = "PERP"

// symbolRegex matches: PERP-{BASE}-{QUOTE}
// Example: PERP-ETH-USD
var symbolRegex = regexp.MustCompile(`^PERP-([A-Z0-9]{2,10})-([A-Z0-9]{2,10})$`)

var (
	ErrInvalidSymbol = errors.New("contract: invalid symbol format")
	ErrSameAsset     = errors.New("contract: base and quote must differ")
)

// Symbol is a parsed market symbol.
type Symbol struct {
	Symbol string `json:"symbol"`
	Base   string `json:"base"`
	Quote  string `json:"quote"`
}

// ParseSymbol parses and validates a market symbol. Lower case input is
// accepted and normalised.
// Format: PERP-{BASE}-{QUOTE}
func ParseSymbol(symbol string) (*Symbol, error) {
	normalised := strings.ToUpper(strings.TrimSpace(symbol))
	matches := symbolRegex.FindStringSubmatch(normalised)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected PERP-{BASE}-{QUOTE})", ErrInvalidSymbol, symbol)
	}
	if matches[1] == matches[2] {
		return nil, fmt.Errorf("%w: %s", ErrSameAsset, symbol)
	}
	return &Symbol{Symbol: normalised, Base: matches[1], Quote: matches[2]}, nil
}

// String returns the canonical symbol.
func (s *Symbol) String() string { return s.Symbol }

// Address derives the market identity from the symbol: the last 20 bytes of
// its keccak256 hash.
func (s *Symbol) Address() common.Address {
	return common.BytesToAddress(crypto.Keccak256([]byte(s.Symbol)))
}

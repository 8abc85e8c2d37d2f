// Package pairs parses trading pair symbols and holds the validated pair
// catalog (limits, precision and fee schedule) that is injected into the
// settlement engine at construction.
package pairs

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

// symbolRegex matches: {BASE}/{QUOTE}
// Example: BTC/USDT
var symbolRegex = regexp.MustCompile(`^([A-Z0-9]{2,10})/([A-Z0-9]{2,10})$`)

var (
	ErrInvalidSymbol = errors.New("pairs: invalid symbol format")
	ErrUnknownPair   = errors.New("pairs: unknown pair")
	ErrInvalidPair   = errors.New("pairs: invalid pair definition")
)

var hundred = decimal.NewFromInt(100)

// ParseSymbol splits a BASE/QUOTE symbol. Input is upper-cased first.
func ParseSymbol(symbol string) (base, quote string, err error) {
	matches := symbolRegex.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(symbol)))
	if matches == nil {
		return "", "", fmt.Errorf("%w: %q (expected BASE/QUOTE)", ErrInvalidSymbol, symbol)
	}
	if matches[1] == matches[2] {
		return "", "", fmt.Errorf("%w: %q has identical base and quote", ErrInvalidSymbol, symbol)
	}
	return matches[1], matches[2], nil
}

// Normalize fills Base/Quote from the symbol and checks the limits.
func Normalize(p model.Pair) (model.Pair, error) {
	base, quote, err := ParseSymbol(p.Symbol)
	if err != nil {
		return p, err
	}
	if p.Base != "" && !strings.EqualFold(p.Base, base) || p.Quote != "" && !strings.EqualFold(p.Quote, quote) {
		return p, fmt.Errorf("%w: %s base/quote do not match symbol", ErrInvalidPair, p.Symbol)
	}
	p.Symbol = base + "/" + quote
	p.Base, p.Quote = base, quote

	switch {
	case p.MinOrderSize.IsNegative():
		return p, fmt.Errorf("%w: %s min order size is negative", ErrInvalidPair, p.Symbol)
	case p.MaxOrderSize.IsPositive() && p.MaxOrderSize.LessThan(p.MinOrderSize):
		return p, fmt.Errorf("%w: %s max order size below min", ErrInvalidPair, p.Symbol)
	case p.FeePercentage.IsNegative() || p.FeePercentage.GreaterThanOrEqual(hundred):
		return p, fmt.Errorf("%w: %s fee percentage must be in [0,100)", ErrInvalidPair, p.Symbol)
	case p.QuantityPrecision < 0 || p.PricePrecision < 0:
		return p, fmt.Errorf("%w: %s precision is negative", ErrInvalidPair, p.Symbol)
	}
	return p, nil
}

// Catalog is an immutable set of pairs keyed by symbol.
type Catalog struct {
	pairs map[string]model.Pair
}

// NewCatalog validates every pair. Duplicate symbols are rejected.
func NewCatalog(list []model.Pair) (*Catalog, error) {
	c := &Catalog{pairs: make(map[string]model.Pair, len(list))}
	for _, p := range list {
		n, err := Normalize(p)
		if err != nil {
			return nil, err
		}
		if _, dup := c.pairs[n.Symbol]; dup {
			return nil, fmt.Errorf("%w: duplicate symbol %s", ErrInvalidPair, n.Symbol)
		}
		c.pairs[n.Symbol] = n
	}
	return c, nil
}

// Get returns the pair for a symbol.
func (c *Catalog) Get(symbol string) (model.Pair, error) {
	p, ok := c.pairs[strings.ToUpper(strings.TrimSpace(symbol))]
	if !ok {
		return model.Pair{}, fmt.Errorf("%w: %s", ErrUnknownPair, symbol)
	}
	return p, nil
}

// List returns all pairs sorted by symbol.
func (c *Catalog) List() []model.Pair {
	out := make([]model.Pair, 0, len(c.pairs))
	for _, p := range c.pairs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Fee is notional × fee% / 100, rounded half-even to the pair's quantity
// precision.
func Fee(p model.Pair, notional decimal.Decimal) decimal.Decimal {
	return notional.Mul(p.FeePercentage).Div(hundred).RoundBank(p.QuantityPrecision)
}

// TruncateQuantity rounds qty down to the pair's quantity precision.
func TruncateQuantity(p model.Pair, qty decimal.Decimal) decimal.Decimal {
	return qty.Truncate(p.QuantityPrecision)
}

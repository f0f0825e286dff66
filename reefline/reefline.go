// Package reefline holds the domain vocabulary shared by the order tracker,
// the reconciliation poller, and the gateway client.
package reefline

import (
	"fmt"
	"strings"
)

// TradeType is the side of a swap order.
type TradeType int

const (
	Buy TradeType = iota
	Sell
)

func (t TradeType) String() string {
	switch t {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return fmt.Sprintf("tradetype(%d)", int(t))
	}
}

// ParseTradeType maps the lowercase wire form back to a TradeType.
func ParseTradeType(s string) (TradeType, error) {
	switch strings.ToLower(s) {
	case "buy":
		return Buy, nil
	case "sell":
		return Sell, nil
	default:
		return 0, fmt.Errorf("unknown trade type %q", s)
	}
}

// OrderType mirrors the order types the gateway accepts. On-chain swaps are
// effectively limit orders (the price bounds the acceptable execution), so
// Limit is the only type connectors emit today; Market is kept for venues
// that distinguish the two.
type OrderType int

const (
	Limit OrderType = iota
	Market
)

func (t OrderType) String() string {
	switch t {
	case Limit:
		return "limit"
	case Market:
		return "market"
	default:
		return fmt.Sprintf("ordertype(%d)", int(t))
	}
}

// ParseOrderType maps the lowercase wire form back to an OrderType.
func ParseOrderType(s string) (OrderType, error) {
	switch strings.ToLower(s) {
	case "limit":
		return Limit, nil
	case "market":
		return Market, nil
	default:
		return 0, fmt.Errorf("unknown order type %q", s)
	}
}

// TradingPair is a BASE-QUOTE market identifier, e.g. "WETH-DAI".
type TradingPair string

// Split returns the base and quote assets of the pair.
func (p TradingPair) Split() (base, quote string, err error) {
	parts := strings.Split(string(p), "-")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed trading pair %q", string(p))
	}
	return parts[0], parts[1], nil
}

// Base returns the base asset, or "" for a malformed pair.
func (p TradingPair) Base() string {
	base, _, err := p.Split()
	if err != nil {
		return ""
	}
	return base
}

// Quote returns the quote asset, or "" for a malformed pair.
func (p TradingPair) Quote() string {
	_, quote, err := p.Split()
	if err != nil {
		return ""
	}
	return quote
}

func (p TradingPair) String() string { return string(p) }

// Tokens collects the distinct assets appearing in the given pairs, in
// first-seen order.
func Tokens(pairs []TradingPair) []string {
	seen := make(map[string]struct{}, len(pairs)*2)
	var out []string
	for _, pair := range pairs {
		base, quote, err := pair.Split()
		if err != nil {
			continue
		}
		for _, tok := range []string{base, quote} {
			if _, ok := seen[tok]; ok {
				continue
			}
			seen[tok] = struct{}{}
			out = append(out, tok)
		}
	}
	return out
}

// CancellationResult reports the outcome of one order in a cancel-all sweep.
type CancellationResult struct {
	ClientOrderID string
	Success       bool
}

// Package orderid allocates and parses the client-side order identifiers the
// connectors hand out. Ids are deliberately human-readable: operators grep
// logs for them, and the approval-id form carries the token symbol that the
// reconciliation path extracts when an approval confirms.
package orderid

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/reefline/reefline/reefline"
)

// lastNonce backs NextNonce. Nanosecond timestamps are already unique in
// practice; the CAS loop guarantees strict monotonicity when two goroutines
// allocate within the same nanosecond.
var lastNonce atomic.Int64

// NextNonce returns a strictly increasing tracking nonce.
func NextNonce() int64 {
	for {
		prev := lastNonce.Load()
		next := time.Now().UnixNano()
		if next <= prev {
			next = prev + 1
		}
		if lastNonce.CompareAndSwap(prev, next) {
			return next
		}
	}
}

// NewOrderID allocates a client order id of the form "buy-WETH-DAI-<nonce>".
func NewOrderID(side reefline.TradeType, pair reefline.TradingPair) string {
	return fmt.Sprintf("%s-%s-%d", side, pair, NextNonce())
}

// NewApprovalID returns the id tracking a token approval, e.g.
// "approve-uniswap-WETH". Approval ids are deterministic on purpose: at most
// one approval per connector+token is ever in flight.
func NewApprovalID(connector, token string) string {
	return fmt.Sprintf("approve-%s-%s", connector, token)
}

// IsApprovalID reports whether id was produced by NewApprovalID.
func IsApprovalID(id string) bool {
	parts := strings.SplitN(id, "-", 3)
	return len(parts) == 3 && parts[0] == "approve"
}

// ApprovalToken extracts the token symbol from an approval id, or "" when id
// is not an approval id.
func ApprovalToken(id string) string {
	parts := strings.SplitN(id, "-", 3)
	if len(parts) != 3 || parts[0] != "approve" {
		return ""
	}
	return parts[2]
}

// Side recovers the trade side encoded in a trade order id.
func Side(id string) (reefline.TradeType, error) {
	prefix, _, ok := strings.Cut(id, "-")
	if !ok {
		return 0, fmt.Errorf("malformed order id %q", id)
	}
	return reefline.ParseTradeType(prefix)
}

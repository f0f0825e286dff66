package order

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/reefline/reefline/reefline"
)

// PositionState is the lifecycle tag of a range-liquidity position.
type PositionState string

const (
	PositionPendingCreate PositionState = "PENDING_CREATE"
	PositionOpen          PositionState = "OPEN"
	PositionPendingRemove PositionState = "PENDING_REMOVE"
	PositionRemoved       PositionState = "REMOVED"
	PositionRejected      PositionState = "REJECTED"
	PositionFailed        PositionState = "FAILED"
	PositionExpired       PositionState = "EXPIRED"
)

// Terminal reports whether no further transitions are accepted from s.
func (s PositionState) Terminal() bool {
	switch s {
	case PositionRemoved, PositionRejected, PositionFailed, PositionExpired:
		return true
	default:
		return false
	}
}

// PositionParams describes a new tracked position. InitialState is only set
// when restoring persisted records.
type PositionParams struct {
	PositionID   string
	TradingPair  reefline.TradingPair
	LowerPrice   decimal.Decimal
	UpperPrice   decimal.Decimal
	BaseAmount   decimal.Decimal
	QuoteAmount  decimal.Decimal
	FeeTier      string
	TxHash       string
	TokenID      uint64
	CreatedAt    time.Time
	InitialState PositionState
}

// Position is one tracked concentrated-liquidity position. The position id
// is the engine's handle; the NFT token id arrives later, from the mint
// receipt, and is immutable once known.
type Position struct {
	positionID  string
	tradingPair reefline.TradingPair
	lowerPrice  decimal.Decimal
	upperPrice  decimal.Decimal
	feeTier     string
	createdAt   time.Time

	mu          sync.Mutex
	state       PositionState
	tokenID     uint64
	txHash      string
	gasPrice    decimal.Decimal
	baseAmount  decimal.Decimal
	quoteAmount decimal.Decimal
	unclaimed   []decimal.Decimal
	fees        []decimal.Decimal
}

// NewPosition builds a tracked position.
func NewPosition(p PositionParams) *Position {
	state := p.InitialState
	if state == "" {
		state = PositionPendingCreate
	}
	return &Position{
		positionID:  p.PositionID,
		tradingPair: p.TradingPair,
		lowerPrice:  p.LowerPrice,
		upperPrice:  p.UpperPrice,
		feeTier:     p.FeeTier,
		createdAt:   p.CreatedAt,
		state:       state,
		tokenID:     p.TokenID,
		txHash:      p.TxHash,
		baseAmount:  p.BaseAmount,
		quoteAmount: p.QuoteAmount,
	}
}

func (p *Position) PositionID() string                { return p.positionID }
func (p *Position) TradingPair() reefline.TradingPair { return p.tradingPair }
func (p *Position) LowerPrice() decimal.Decimal       { return p.lowerPrice }
func (p *Position) UpperPrice() decimal.Decimal       { return p.upperPrice }
func (p *Position) FeeTier() string                   { return p.feeTier }
func (p *Position) CreatedAt() time.Time              { return p.createdAt }

// State returns the current lifecycle tag.
func (p *Position) State() PositionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// IsPending reports whether a transaction for this position is awaiting its
// receipt.
func (p *Position) IsPending() bool {
	s := p.State()
	return s == PositionPendingCreate || s == PositionPendingRemove
}

// IsActive reports whether the position is live on chain.
func (p *Position) IsActive() bool { return p.State() == PositionOpen }

// IsDone reports whether the position reached a terminal state.
func (p *Position) IsDone() bool { return p.State().Terminal() }

// Transition moves the position to next and reports whether the transition
// was applied. Terminal positions refuse all transitions.
func (p *Position) Transition(next PositionState) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.Terminal() {
		return false
	}
	p.state = next
	return true
}

// AssignTokenID binds the NFT token id minted for the position. Re-assigning
// the same value is a no-op; a different value is a bug in the receipt
// parsing.
func (p *Position) AssignTokenID(id uint64) error {
	if id == 0 {
		return fmt.Errorf("position %s: refusing to assign zero token id", p.positionID)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tokenID != 0 && p.tokenID != id {
		return fmt.Errorf("position %s: token id already assigned (have %d, got %d)",
			p.positionID, p.tokenID, id)
	}
	p.tokenID = id
	return nil
}

// TokenID returns the NFT token id, if known.
func (p *Position) TokenID() (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokenID, p.tokenID != 0
}

// TxHash returns the hash of the position's most recent transaction.
func (p *Position) TxHash() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.txHash
}

// SetTxHash records the hash of a newly broadcast transaction for the
// position (mint, increase, decrease, or collect).
func (p *Position) SetTxHash(h string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.txHash = h
}

// GasPrice returns the gwei gas price of the position's most recent
// transaction.
func (p *Position) GasPrice() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gasPrice
}

// SetGasPrice records the gwei gas price a position transaction was
// broadcast with, for fee accounting when its receipt lands.
func (p *Position) SetGasPrice(gasPrice decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gasPrice = gasPrice
}

// AppendFee adds one mined transaction's gas fee to the position's fee
// history. Every creation, modification, and removal transaction appends
// here.
func (p *Position) AppendFee(fee decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fees = append(p.fees, fee)
}

// Fees returns a copy of the per-transaction gas fees paid over the
// position's lifetime.
func (p *Position) Fees() []decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]decimal.Decimal(nil), p.fees...)
}

// Amounts returns the position's current base and quote holdings.
func (p *Position) Amounts() (base, quote decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.baseAmount, p.quoteAmount
}

// SetAmounts replaces the position's holdings with the on-chain view.
func (p *Position) SetAmounts(base, quote decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.baseAmount = base
	p.quoteAmount = quote
}

// SetUnclaimedFees replaces the uncollected fee amounts reported on chain,
// in the same token order the pool reports them.
func (p *Position) SetUnclaimedFees(fees []decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unclaimed = append(p.unclaimed[:0], fees...)
}

// UnclaimedFees returns a copy of the uncollected fee amounts.
func (p *Position) UnclaimedFees() []decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]decimal.Decimal(nil), p.unclaimed...)
}

type positionJSON struct {
	PositionID     string            `json:"position_id"`
	TradingPair    string            `json:"trading_pair"`
	LowerPrice     decimal.Decimal   `json:"lower_price"`
	UpperPrice     decimal.Decimal   `json:"upper_price"`
	FeeTier        string            `json:"fee_tier"`
	LastState      string            `json:"last_state"`
	TokenID        uint64            `json:"token_id,omitempty"`
	TxHash         string            `json:"tx_hash,omitempty"`
	GasPrice       decimal.Decimal   `json:"gas_price"`
	BaseAmount     decimal.Decimal   `json:"base_amount"`
	QuoteAmount    decimal.Decimal   `json:"quote_amount"`
	UnclaimedFees  []decimal.Decimal `json:"unclaimed_fees,omitempty"`
	TxFees         []decimal.Decimal `json:"tx_fees,omitempty"`
	CreatedAtMilli int64             `json:"creation_timestamp"`
}

// MarshalJSON serializes the position in the flat persisted layout.
func (p *Position) MarshalJSON() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return json.Marshal(positionJSON{
		PositionID:     p.positionID,
		TradingPair:    p.tradingPair.String(),
		LowerPrice:     p.lowerPrice,
		UpperPrice:     p.upperPrice,
		FeeTier:        p.feeTier,
		LastState:      string(p.state),
		TokenID:        p.tokenID,
		TxHash:         p.txHash,
		GasPrice:       p.gasPrice,
		BaseAmount:     p.baseAmount,
		QuoteAmount:    p.quoteAmount,
		UnclaimedFees:  p.unclaimed,
		TxFees:         p.fees,
		CreatedAtMilli: p.createdAt.UnixMilli(),
	})
}

// PositionFromJSON restores a position persisted by MarshalJSON.
func PositionFromJSON(raw []byte) (*Position, error) {
	var j positionJSON
	if err := json.Unmarshal(raw, &j); err != nil {
		return nil, fmt.Errorf("decode position: %w", err)
	}
	p := NewPosition(PositionParams{
		PositionID:   j.PositionID,
		TradingPair:  reefline.TradingPair(j.TradingPair),
		LowerPrice:   j.LowerPrice,
		UpperPrice:   j.UpperPrice,
		BaseAmount:   j.BaseAmount,
		QuoteAmount:  j.QuoteAmount,
		FeeTier:      j.FeeTier,
		TxHash:       j.TxHash,
		TokenID:      j.TokenID,
		CreatedAt:    time.UnixMilli(j.CreatedAtMilli).UTC(),
		InitialState: PositionState(j.LastState),
	})
	p.gasPrice = j.GasPrice
	p.unclaimed = j.UnclaimedFees
	p.fees = j.TxFees
	return p, nil
}

// Package order holds the tracked records of the reconciliation engine: the
// in-flight order, the range-liquidity position, and the registries that own
// them.
package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/reefline/reefline/reefline"
)

var (
	// ErrExchangeOrderIDConflict is returned when a second, different
	// exchange order id is assigned to a record that already has one. This
	// is a programming error in the calling code, never a network condition.
	ErrExchangeOrderIDConflict = errors.New("order: exchange order id already assigned")

	// ErrTerminal is returned by mutations attempted after the record
	// reached a terminal state.
	ErrTerminal = errors.New("order: record is terminal")
)

// State is the lifecycle tag of an in-flight order.
type State string

const (
	StatePendingCreate   State = "PENDING_CREATE"
	StatePendingApproval State = "PENDING_APPROVAL"
	StateOpen            State = "OPEN"
	StatePendingCancel   State = "PENDING_CANCEL"
	StateFilled          State = "FILLED"
	StateCanceled        State = "CANCELED"
	StateRejected        State = "REJECTED"
	StateExpired         State = "EXPIRED"
	StateFailed          State = "FAILED"
	StateApproved        State = "APPROVED"
)

// Terminal reports whether no further transitions are accepted from s.
func (s State) Terminal() bool {
	switch s {
	case StateFilled, StateCanceled, StateRejected, StateExpired, StateFailed, StateApproved:
		return true
	default:
		return false
	}
}

// Params describes a new in-flight order. InitialState is only set when
// restoring persisted records; a zero value means PENDING_CREATE (or
// PENDING_APPROVAL when IsApproval is set).
type Params struct {
	ClientOrderID   string
	ExchangeOrderID string
	TradingPair     reefline.TradingPair
	TradeType       reefline.TradeType
	OrderType       reefline.OrderType
	Price           decimal.Decimal
	Amount          decimal.Decimal
	GasPrice        decimal.Decimal
	CreatedAt       time.Time
	IsApproval      bool
	ApprovalToken   string
	InitialState    State
}

// InFlightOrder is one tracked order (or token approval) and its lifecycle
// state. The identity fields are immutable after construction; everything
// else is guarded by the record's own mutex so the poller, the submission
// path, and read-only reporting can touch the same record.
type InFlightOrder struct {
	clientOrderID string
	tradingPair   reefline.TradingPair
	tradeType     reefline.TradeType
	orderType     reefline.OrderType
	price         decimal.Decimal
	amount        decimal.Decimal
	createdAt     time.Time
	isApproval    bool
	approvalToken string

	mu              sync.Mutex
	state           State
	exchangeOrderID string
	idAssigned      chan struct{}

	executedBase  decimal.Decimal
	executedQuote decimal.Decimal
	feeAsset      string
	feePaid       decimal.Decimal

	gasPrice     decimal.Decimal
	nonce        int64
	cancelTxHash string
}

// New builds an in-flight order. It always succeeds; invalid combinations
// are the caller's bug, not a runtime condition.
func New(p Params) *InFlightOrder {
	state := p.InitialState
	if state == "" {
		if p.IsApproval {
			state = StatePendingApproval
		} else {
			state = StatePendingCreate
		}
	}
	o := &InFlightOrder{
		clientOrderID: p.ClientOrderID,
		tradingPair:   p.TradingPair,
		tradeType:     p.TradeType,
		orderType:     p.OrderType,
		price:         p.Price,
		amount:        p.Amount,
		createdAt:     p.CreatedAt,
		isApproval:    p.IsApproval,
		approvalToken: p.ApprovalToken,
		state:         state,
		gasPrice:      p.GasPrice,
		idAssigned:    make(chan struct{}),
	}
	if p.ExchangeOrderID != "" {
		o.exchangeOrderID = p.ExchangeOrderID
		close(o.idAssigned)
	}
	return o
}

func (o *InFlightOrder) ClientOrderID() string               { return o.clientOrderID }
func (o *InFlightOrder) TradingPair() reefline.TradingPair   { return o.tradingPair }
func (o *InFlightOrder) TradeType() reefline.TradeType       { return o.tradeType }
func (o *InFlightOrder) OrderType() reefline.OrderType       { return o.orderType }
func (o *InFlightOrder) Price() decimal.Decimal              { return o.price }
func (o *InFlightOrder) Amount() decimal.Decimal             { return o.amount }
func (o *InFlightOrder) CreatedAt() time.Time                { return o.createdAt }
func (o *InFlightOrder) IsApproval() bool                    { return o.isApproval }
func (o *InFlightOrder) ApprovalToken() string               { return o.approvalToken }

// State returns the current lifecycle tag.
func (o *InFlightOrder) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *InFlightOrder) IsDone() bool      { return o.State().Terminal() }
func (o *InFlightOrder) IsFailure() bool {
	s := o.State()
	return s == StateFailed || s == StateRejected || s == StateExpired
}
func (o *InFlightOrder) IsCancelled() bool { return o.State() == StateCanceled }
func (o *InFlightOrder) IsOpen() bool      { return o.State() == StateOpen }

// IsPendingCancel reports whether a cancel transaction is awaiting its
// receipt.
func (o *InFlightOrder) IsPendingCancel() bool { return o.State() == StatePendingCancel }

// Transition moves the record to next and reports whether the transition was
// applied. It refuses to move a terminal record, which is what makes a
// duplicate receipt observation a no-op instead of a double emit.
func (o *InFlightOrder) Transition(next State) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state.Terminal() {
		return false
	}
	o.state = next
	return true
}

// AssignExchangeOrderID binds the external reference (the broadcast
// transaction hash) to the record. Re-assigning the same value is a no-op;
// a different value is rejected with ErrExchangeOrderIDConflict.
func (o *InFlightOrder) AssignExchangeOrderID(id string) error {
	if id == "" {
		return fmt.Errorf("order %s: refusing to assign empty exchange order id", o.clientOrderID)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.exchangeOrderID != "" {
		if o.exchangeOrderID == id {
			return nil
		}
		return fmt.Errorf("order %s: %w (have %s, got %s)",
			o.clientOrderID, ErrExchangeOrderIDConflict, o.exchangeOrderID, id)
	}
	o.exchangeOrderID = id
	close(o.idAssigned)
	return nil
}

// ExchangeOrderID returns the assigned external reference, if any.
func (o *InFlightOrder) ExchangeOrderID() (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.exchangeOrderID, o.exchangeOrderID != ""
}

// WaitExchangeOrderID blocks until the exchange order id is assigned or ctx
// expires. This is the one bounded wait in the engine: pollers need the
// transaction hash before they can query status for it.
func (o *InFlightOrder) WaitExchangeOrderID(ctx context.Context) (string, error) {
	select {
	case <-o.idAssigned:
	case <-ctx.Done():
		return "", fmt.Errorf("order %s: waiting for exchange order id: %w", o.clientOrderID, ctx.Err())
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.exchangeOrderID, nil
}

// AccumulateFill adds an execution to the record's accumulators. Calling it
// on a terminal record is a bug in the transition logic and is rejected.
func (o *InFlightOrder) AccumulateFill(base, quote, fee decimal.Decimal, feeAsset string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state.Terminal() {
		return fmt.Errorf("order %s: accumulate fill: %w", o.clientOrderID, ErrTerminal)
	}
	o.executedBase = o.executedBase.Add(base)
	o.executedQuote = o.executedQuote.Add(quote)
	o.feePaid = o.feePaid.Add(fee)
	if feeAsset != "" {
		o.feeAsset = feeAsset
	}
	return nil
}

// Executed returns the accumulated base and quote execution amounts.
func (o *InFlightOrder) Executed() (base, quote decimal.Decimal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.executedBase, o.executedQuote
}

// Fee returns the accumulated fee and its asset.
func (o *InFlightOrder) Fee() (asset string, paid decimal.Decimal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.feeAsset, o.feePaid
}

// GasPrice returns the gas price (gwei-like units) the order was broadcast
// with.
func (o *InFlightOrder) GasPrice() decimal.Decimal {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.gasPrice
}

// SetGasPrice records the broadcast gas price reported by the gateway.
func (o *InFlightOrder) SetGasPrice(p decimal.Decimal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.gasPrice = p
}

// Nonce returns the EVM account nonce the order's transaction used.
func (o *InFlightOrder) Nonce() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.nonce
}

func (o *InFlightOrder) SetNonce(n int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nonce = n
}

// CancelTxHash returns the hash of the in-flight cancel transaction, if any.
func (o *InFlightOrder) CancelTxHash() (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancelTxHash, o.cancelTxHash != ""
}

func (o *InFlightOrder) SetCancelTxHash(h string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancelTxHash = h
}

// orderJSON is the flat persisted form of a record.
type orderJSON struct {
	ClientOrderID   string          `json:"client_order_id"`
	ExchangeOrderID string          `json:"exchange_order_id,omitempty"`
	TradingPair     string          `json:"trading_pair"`
	OrderType       string          `json:"order_type"`
	TradeType       string          `json:"trade_type"`
	Price           decimal.Decimal `json:"price"`
	Amount          decimal.Decimal `json:"amount"`
	LastState       string          `json:"last_state"`
	ExecutedBase    decimal.Decimal `json:"executed_amount_base"`
	ExecutedQuote   decimal.Decimal `json:"executed_amount_quote"`
	FeeAsset        string          `json:"fee_asset,omitempty"`
	FeePaid         decimal.Decimal `json:"fee_paid"`
	GasPrice        decimal.Decimal `json:"gas_price"`
	Nonce           int64           `json:"nonce,omitempty"`
	CancelTxHash    string          `json:"cancel_tx_hash,omitempty"`
	CreatedAtMilli  int64           `json:"creation_timestamp"`
	IsApproval      bool            `json:"is_approval,omitempty"`
	ApprovalToken   string          `json:"approval_token,omitempty"`
}

// MarshalJSON serializes the record in the flat persisted layout.
func (o *InFlightOrder) MarshalJSON() ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return json.Marshal(orderJSON{
		ClientOrderID:   o.clientOrderID,
		ExchangeOrderID: o.exchangeOrderID,
		TradingPair:     o.tradingPair.String(),
		OrderType:       o.orderType.String(),
		TradeType:       o.tradeType.String(),
		Price:           o.price,
		Amount:          o.amount,
		LastState:       string(o.state),
		ExecutedBase:    o.executedBase,
		ExecutedQuote:   o.executedQuote,
		FeeAsset:        o.feeAsset,
		FeePaid:         o.feePaid,
		GasPrice:        o.gasPrice,
		Nonce:           o.nonce,
		CancelTxHash:    o.cancelTxHash,
		CreatedAtMilli:  o.createdAt.UnixMilli(),
		IsApproval:      o.isApproval,
		ApprovalToken:   o.approvalToken,
	})
}

// FromJSON restores a record persisted by MarshalJSON.
func FromJSON(raw []byte) (*InFlightOrder, error) {
	var j orderJSON
	if err := json.Unmarshal(raw, &j); err != nil {
		return nil, fmt.Errorf("decode in-flight order: %w", err)
	}
	tradeType, err := reefline.ParseTradeType(j.TradeType)
	if err != nil {
		return nil, fmt.Errorf("decode in-flight order %s: %w", j.ClientOrderID, err)
	}
	orderType, err := reefline.ParseOrderType(j.OrderType)
	if err != nil {
		return nil, fmt.Errorf("decode in-flight order %s: %w", j.ClientOrderID, err)
	}
	o := New(Params{
		ClientOrderID:   j.ClientOrderID,
		ExchangeOrderID: j.ExchangeOrderID,
		TradingPair:     reefline.TradingPair(j.TradingPair),
		TradeType:       tradeType,
		OrderType:       orderType,
		Price:           j.Price,
		Amount:          j.Amount,
		GasPrice:        j.GasPrice,
		CreatedAt:       time.UnixMilli(j.CreatedAtMilli).UTC(),
		IsApproval:      j.IsApproval,
		ApprovalToken:   j.ApprovalToken,
		InitialState:    State(j.LastState),
	})
	o.executedBase = j.ExecutedBase
	o.executedQuote = j.ExecutedQuote
	o.feeAsset = j.FeeAsset
	o.feePaid = j.FeePaid
	o.nonce = j.Nonce
	o.cancelTxHash = j.CancelTxHash
	return o, nil
}

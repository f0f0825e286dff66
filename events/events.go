// Package events defines the domain events the reconciliation engine emits
// and the bus boundary it emits them through.
//
// Events fire only after the corresponding registry mutation has committed,
// and each underlying signal produces each applicable event kind exactly
// once; the bus itself never retries (a retrying transport would turn
// at-most-once into at-least-once).
package events

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/reefline/reefline/reefline"
)

type Kind string

const (
	KindOrderCreated         Kind = "OrderCreated"
	KindOrderFilled          Kind = "OrderFilled"
	KindOrderCompleted       Kind = "OrderCompleted"
	KindOrderFailure         Kind = "OrderFailure"
	KindOrderCancelled       Kind = "OrderCancelled"
	KindTokenApproved        Kind = "TokenApproved"
	KindTokenApprovalFailure Kind = "TokenApprovalFailure"

	KindRangePositionInitiated Kind = "RangePositionInitiated"
	KindRangePositionCreated   Kind = "RangePositionCreated"
	KindRangePositionUpdated   Kind = "RangePositionUpdated"
	KindRangePositionRemoved   Kind = "RangePositionRemoved"
	KindRangePositionFailure   Kind = "RangePositionFailure"
)

// Event is implemented by every domain event payload.
type Event interface {
	EventKind() Kind
	EventTime() time.Time
}

type OrderCreated struct {
	Timestamp       time.Time
	ClientOrderID   string
	ExchangeOrderID string
	TradingPair     reefline.TradingPair
	Side            reefline.TradeType
	OrderType       reefline.OrderType
	Price           decimal.Decimal
	Amount          decimal.Decimal
}

func (OrderCreated) EventKind() Kind          { return KindOrderCreated }
func (e OrderCreated) EventTime() time.Time   { return e.Timestamp }

type OrderFilled struct {
	Timestamp       time.Time
	ClientOrderID   string
	ExchangeOrderID string
	TradingPair     reefline.TradingPair
	Side            reefline.TradeType
	Price           decimal.Decimal
	Amount          decimal.Decimal
	QuoteAmount     decimal.Decimal
	FeeAsset        string
	Fee             decimal.Decimal
}

func (OrderFilled) EventKind() Kind        { return KindOrderFilled }
func (e OrderFilled) EventTime() time.Time { return e.Timestamp }

type OrderCompleted struct {
	Timestamp       time.Time
	ClientOrderID   string
	ExchangeOrderID string
	TradingPair     reefline.TradingPair
	Side            reefline.TradeType
	BaseAmount      decimal.Decimal
	QuoteAmount     decimal.Decimal
	FeeAsset        string
	Fee             decimal.Decimal
}

func (OrderCompleted) EventKind() Kind        { return KindOrderCompleted }
func (e OrderCompleted) EventTime() time.Time { return e.Timestamp }

type OrderFailure struct {
	Timestamp     time.Time
	ClientOrderID string
	TradingPair   reefline.TradingPair
	OrderType     reefline.OrderType
}

func (OrderFailure) EventKind() Kind        { return KindOrderFailure }
func (e OrderFailure) EventTime() time.Time { return e.Timestamp }

type OrderCancelled struct {
	Timestamp       time.Time
	ClientOrderID   string
	ExchangeOrderID string
	TradingPair     reefline.TradingPair
}

func (OrderCancelled) EventKind() Kind        { return KindOrderCancelled }
func (e OrderCancelled) EventTime() time.Time { return e.Timestamp }

type TokenApproved struct {
	Timestamp     time.Time
	ClientOrderID string
	Connector     string
	Token         string
}

func (TokenApproved) EventKind() Kind        { return KindTokenApproved }
func (e TokenApproved) EventTime() time.Time { return e.Timestamp }

type TokenApprovalFailure struct {
	Timestamp     time.Time
	ClientOrderID string
	Connector     string
	Token         string
}

func (TokenApprovalFailure) EventKind() Kind        { return KindTokenApprovalFailure }
func (e TokenApprovalFailure) EventTime() time.Time { return e.Timestamp }

type RangePositionInitiated struct {
	Timestamp   time.Time
	PositionID  string
	TxHash      string
	TradingPair reefline.TradingPair
	LowerPrice  decimal.Decimal
	UpperPrice  decimal.Decimal
	BaseAmount  decimal.Decimal
	QuoteAmount decimal.Decimal
	FeeTier     string
}

func (RangePositionInitiated) EventKind() Kind        { return KindRangePositionInitiated }
func (e RangePositionInitiated) EventTime() time.Time { return e.Timestamp }

type RangePositionCreated struct {
	Timestamp   time.Time
	PositionID  string
	TokenID     uint64
	TxHash      string
	TradingPair reefline.TradingPair
	LowerPrice  decimal.Decimal
	UpperPrice  decimal.Decimal
	BaseAmount  decimal.Decimal
	QuoteAmount decimal.Decimal
	FeeTier     string
}

func (RangePositionCreated) EventKind() Kind        { return KindRangePositionCreated }
func (e RangePositionCreated) EventTime() time.Time { return e.Timestamp }

type RangePositionUpdated struct {
	Timestamp   time.Time
	PositionID  string
	TokenID     uint64
	TxHash      string
	TradingPair reefline.TradingPair
	BaseAmount  decimal.Decimal
	QuoteAmount decimal.Decimal
}

func (RangePositionUpdated) EventKind() Kind        { return KindRangePositionUpdated }
func (e RangePositionUpdated) EventTime() time.Time { return e.Timestamp }

type RangePositionRemoved struct {
	Timestamp  time.Time
	PositionID string
	TokenID    uint64
	TxHash     string
}

func (RangePositionRemoved) EventKind() Kind        { return KindRangePositionRemoved }
func (e RangePositionRemoved) EventTime() time.Time { return e.Timestamp }

type RangePositionFailure struct {
	Timestamp   time.Time
	PositionID  string
	TradingPair reefline.TradingPair
}

func (RangePositionFailure) EventKind() Kind        { return KindRangePositionFailure }
func (e RangePositionFailure) EventTime() time.Time { return e.Timestamp }

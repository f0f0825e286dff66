// Package reconcile turns gateway poll answers into order and position state
// transitions and the events that follow from them.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/params"
	"github.com/shopspring/decimal"

	"github.com/reefline/reefline/events"
	"github.com/reefline/reefline/gateway"
	"github.com/reefline/reefline/order"
)

// gwei divisor for fee math: gasPrice arrives in gwei, fees are reported in
// the chain's native currency.
var gweiPerNative = decimal.NewFromInt(params.GWei)

// increaseLiquidityTopic is the event signature hash of the position
// manager's IncreaseLiquidity(uint256,uint128,uint256,uint256) log; the
// minted token id is its first indexed topic.
const increaseLiquidityTopic = "0x3067048beee31b25b2f1681f88dac838c8bba36af25bfb2b7cf7473a5847e35f"

// decreaseLiquidityTopic is the event signature hash of the position
// manager's DecreaseLiquidity(uint256,uint128,uint256,uint256) log. A
// removal only settles when its receipt carries this log; a confirmed
// transaction without it did not burn the liquidity.
const decreaseLiquidityTopic = "0x26f6a048ee9138f2c0ce266f322cb99228e8d619ae2bff30c67f8dcf9d2377b4"

// Machine applies lifecycle transitions. Every state change and every event
// emission in the engine goes through here, which is what keeps the ordering
// invariant honest: the record is mutated first, the event fires after.
type Machine struct {
	bus         events.Bus
	logger      *slog.Logger
	nativeAsset string
	now         func() time.Time
}

// NewMachine builds a Machine emitting on bus. nativeAsset names the chain's
// gas currency (e.g. "ETH") for fee reporting.
func NewMachine(bus events.Bus, nativeAsset string, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		bus:         bus,
		logger:      logger.WithGroup("reconcile"),
		nativeAsset: nativeAsset,
		now:         time.Now,
	}
}

// TxFee computes the native-currency fee of a mined transaction from its
// gas usage and the gwei gas price it was broadcast with.
func TxFee(gasUsed, gasPriceGwei decimal.Decimal) decimal.Decimal {
	return gasUsed.Mul(gasPriceGwei).Div(gweiPerNative)
}

// ConfirmSubmitted records a successful trade broadcast: the transaction
// hash becomes the exchange order id, the order opens, and OrderCreated
// fires. Idempotent for a repeated identical hash.
func (m *Machine) ConfirmSubmitted(ctx context.Context, o *order.InFlightOrder, res *gateway.TradeResult) error {
	if err := o.AssignExchangeOrderID(res.TxHash); err != nil {
		return err
	}
	o.SetNonce(res.Nonce)
	o.SetGasPrice(res.GasPrice)
	if !o.Transition(order.StateOpen) {
		return nil
	}
	m.bus.Trigger(ctx, events.OrderCreated{
		Timestamp:       m.now(),
		ClientOrderID:   o.ClientOrderID(),
		ExchangeOrderID: res.TxHash,
		TradingPair:     o.TradingPair(),
		Side:            o.TradeType(),
		OrderType:       o.OrderType(),
		Price:           o.Price(),
		Amount:          o.Amount(),
	})
	return nil
}

// ConfirmApprovalSubmitted records a successful approval broadcast.
func (m *Machine) ConfirmApprovalSubmitted(o *order.InFlightOrder, res *gateway.ApprovalResult) error {
	if err := o.AssignExchangeOrderID(res.TxHash); err != nil {
		return err
	}
	o.SetNonce(res.Nonce)
	o.SetGasPrice(res.GasPrice)
	return nil
}

// FailSubmission marks an order whose broadcast was rejected outright. The
// order never reached the chain, so there is nothing left to poll.
func (m *Machine) FailSubmission(ctx context.Context, o *order.InFlightOrder, cause error) {
	if !o.Transition(order.StateFailed) {
		return
	}
	m.logger.WarnContext(ctx, "submission failed",
		slog.String("client_order_id", o.ClientOrderID()),
		slog.Any("error", cause))
	m.emitFailure(ctx, o)
}

// ApplyOrderPoll folds one transaction poll answer into the order. Mempool
// answers leave the record untouched; a missing echo hash is ambiguous and
// skipped. Terminal records are never advanced, so a duplicate answer for an
// already-settled order produces no second event.
func (m *Machine) ApplyOrderPoll(ctx context.Context, o *order.InFlightOrder, poll *gateway.TxPoll) error {
	if o.IsDone() {
		return nil
	}
	if poll.TxHash == "" {
		m.logger.WarnContext(ctx, "ambiguous poll answer, no tx hash echoed",
			slog.String("client_order_id", o.ClientOrderID()))
		return nil
	}
	switch {
	case poll.InMempool():
		return nil
	case poll.TxStatus == gateway.TxStatusError:
		m.logger.WarnContext(ctx, "transaction lookup failed",
			slog.String("client_order_id", o.ClientOrderID()),
			slog.String("tx_hash", poll.TxHash))
		if o.Transition(order.StateFailed) {
			m.emitFailure(ctx, o)
		}
		return nil
	case poll.Confirmed():
		return m.applyReceipt(ctx, o, poll)
	default:
		return fmt.Errorf("order %s: unknown tx status %d", o.ClientOrderID(), poll.TxStatus)
	}
}

func (m *Machine) applyReceipt(ctx context.Context, o *order.InFlightOrder, poll *gateway.TxPoll) error {
	if poll.Receipt == nil {
		return fmt.Errorf("order %s: confirmed poll without receipt", o.ClientOrderID())
	}
	if poll.Receipt.Status != gateway.ReceiptSucceeded {
		if o.Transition(order.StateFailed) {
			m.logger.InfoContext(ctx, "transaction reverted",
				slog.String("client_order_id", o.ClientOrderID()),
				slog.String("tx_hash", poll.TxHash))
			m.emitFailure(ctx, o)
		}
		return nil
	}

	switch {
	case o.IsApproval():
		if o.Transition(order.StateApproved) {
			m.bus.Trigger(ctx, events.TokenApproved{
				Timestamp:     m.now(),
				ClientOrderID: o.ClientOrderID(),
				Token:         o.ApprovalToken(),
			})
		}
		return nil

	case o.IsPendingCancel():
		if o.Transition(order.StateCanceled) {
			exchangeID, _ := o.ExchangeOrderID()
			m.bus.Trigger(ctx, events.OrderCancelled{
				Timestamp:       m.now(),
				ClientOrderID:   o.ClientOrderID(),
				ExchangeOrderID: exchangeID,
				TradingPair:     o.TradingPair(),
			})
		}
		return nil

	default:
		return m.settleFill(ctx, o, poll)
	}
}

// settleFill treats a successful swap receipt as one full execution: on-chain
// swaps settle atomically, there are no partial fills to reconcile.
func (m *Machine) settleFill(ctx context.Context, o *order.InFlightOrder, poll *gateway.TxPoll) error {
	gasPrice := o.GasPrice()
	if poll.TxData != nil && !poll.TxData.GasPrice.IsZero() {
		gasPrice = poll.TxData.GasPrice
	}
	fee := TxFee(poll.Receipt.GasUsed, gasPrice)
	base := o.Amount()
	quote := base.Mul(o.Price())

	if err := o.AccumulateFill(base, quote, fee, m.nativeAsset); err != nil {
		return err
	}
	if !o.Transition(order.StateFilled) {
		return nil
	}

	exchangeID, _ := o.ExchangeOrderID()
	now := m.now()
	m.bus.Trigger(ctx, events.OrderFilled{
		Timestamp:       now,
		ClientOrderID:   o.ClientOrderID(),
		ExchangeOrderID: exchangeID,
		TradingPair:     o.TradingPair(),
		Side:            o.TradeType(),
		Price:           o.Price(),
		Amount:          base,
		QuoteAmount:     quote,
		FeeAsset:        m.nativeAsset,
		Fee:             fee,
	})
	m.bus.Trigger(ctx, events.OrderCompleted{
		Timestamp:       now,
		ClientOrderID:   o.ClientOrderID(),
		ExchangeOrderID: exchangeID,
		TradingPair:     o.TradingPair(),
		Side:            o.TradeType(),
		BaseAmount:      base,
		QuoteAmount:     quote,
		FeeAsset:        m.nativeAsset,
		Fee:             fee,
	})
	return nil
}

func (m *Machine) emitFailure(ctx context.Context, o *order.InFlightOrder) {
	if o.IsApproval() {
		m.bus.Trigger(ctx, events.TokenApprovalFailure{
			Timestamp:     m.now(),
			ClientOrderID: o.ClientOrderID(),
			Token:         o.ApprovalToken(),
		})
		return
	}
	m.bus.Trigger(ctx, events.OrderFailure{
		Timestamp:     m.now(),
		ClientOrderID: o.ClientOrderID(),
		TradingPair:   o.TradingPair(),
		OrderType:     o.OrderType(),
	})
}

// ConfirmPositionSubmitted records a broadcast liquidity transaction and
// fires RangePositionInitiated for a fresh mint.
func (m *Machine) ConfirmPositionSubmitted(ctx context.Context, p *order.Position, txHash string) {
	p.SetTxHash(txHash)
	if p.State() != order.PositionPendingCreate {
		return
	}
	base, quote := p.Amounts()
	m.bus.Trigger(ctx, events.RangePositionInitiated{
		Timestamp:   m.now(),
		PositionID:  p.PositionID(),
		TxHash:      txHash,
		TradingPair: p.TradingPair(),
		LowerPrice:  p.LowerPrice(),
		UpperPrice:  p.UpperPrice(),
		BaseAmount:  base,
		QuoteAmount: quote,
		FeeTier:     p.FeeTier(),
	})
}

// FailPosition marks a position whose transaction was rejected or reverted.
func (m *Machine) FailPosition(ctx context.Context, p *order.Position, cause error) {
	if !p.Transition(order.PositionFailed) {
		return
	}
	m.logger.WarnContext(ctx, "position transaction failed",
		slog.String("position_id", p.PositionID()),
		slog.Any("error", cause))
	m.bus.Trigger(ctx, events.RangePositionFailure{
		Timestamp:   m.now(),
		PositionID:  p.PositionID(),
		TradingPair: p.TradingPair(),
	})
}

// ApplyPositionPoll folds one transaction poll answer into a pending
// position.
func (m *Machine) ApplyPositionPoll(ctx context.Context, p *order.Position, poll *gateway.TxPoll) error {
	if p.IsDone() || !p.IsPending() {
		return nil
	}
	if poll.TxHash == "" {
		m.logger.WarnContext(ctx, "ambiguous poll answer, no tx hash echoed",
			slog.String("position_id", p.PositionID()))
		return nil
	}
	switch {
	case poll.InMempool():
		return nil
	case poll.TxStatus == gateway.TxStatusError:
		m.FailPosition(ctx, p, fmt.Errorf("transaction lookup failed for %s", poll.TxHash))
		return nil
	case poll.Confirmed():
		return m.applyPositionReceipt(ctx, p, poll)
	default:
		return fmt.Errorf("position %s: unknown tx status %d", p.PositionID(), poll.TxStatus)
	}
}

func (m *Machine) applyPositionReceipt(ctx context.Context, p *order.Position, poll *gateway.TxPoll) error {
	if poll.Receipt == nil {
		return fmt.Errorf("position %s: confirmed poll without receipt", p.PositionID())
	}
	if poll.Receipt.Status != gateway.ReceiptSucceeded {
		m.FailPosition(ctx, p, fmt.Errorf("transaction %s reverted", poll.TxHash))
		return nil
	}

	switch p.State() {
	case order.PositionPendingCreate:
		tokenID, ok := mintedTokenID(poll.Receipt.Logs)
		if ok {
			if err := p.AssignTokenID(tokenID); err != nil {
				return err
			}
		}
		p.AppendFee(m.positionFee(p, poll))
		if !p.Transition(order.PositionOpen) {
			return nil
		}
		base, quote := p.Amounts()
		tokenID, _ = p.TokenID()
		m.bus.Trigger(ctx, events.RangePositionCreated{
			Timestamp:   m.now(),
			PositionID:  p.PositionID(),
			TokenID:     tokenID,
			TxHash:      poll.TxHash,
			TradingPair: p.TradingPair(),
			LowerPrice:  p.LowerPrice(),
			UpperPrice:  p.UpperPrice(),
			BaseAmount:  base,
			QuoteAmount: quote,
			FeeTier:     p.FeeTier(),
		})
		return nil

	case order.PositionPendingRemove:
		if !receiptHasTopic(poll.Receipt.Logs, decreaseLiquidityTopic) {
			m.logger.WarnContext(ctx, "removal receipt without DecreaseLiquidity log",
				slog.String("position_id", p.PositionID()),
				slog.String("tx_hash", poll.TxHash))
			return nil
		}
		p.AppendFee(m.positionFee(p, poll))
		p.SetAmounts(decimal.Zero, decimal.Zero)
		if !p.Transition(order.PositionRemoved) {
			return nil
		}
		tokenID, _ := p.TokenID()
		now := m.now()
		m.bus.Trigger(ctx, events.RangePositionUpdated{
			Timestamp:   now,
			PositionID:  p.PositionID(),
			TokenID:     tokenID,
			TxHash:      poll.TxHash,
			TradingPair: p.TradingPair(),
			BaseAmount:  decimal.Zero,
			QuoteAmount: decimal.Zero,
		})
		m.bus.Trigger(ctx, events.RangePositionRemoved{
			Timestamp:  now,
			PositionID: p.PositionID(),
			TokenID:    tokenID,
			TxHash:     poll.TxHash,
		})
		return nil

	default:
		return nil
	}
}

// ApplyPositionView folds the on-chain position state into an open position.
// A position drained to zero was removed out of band and is closed here.
func (m *Machine) ApplyPositionView(ctx context.Context, p *order.Position, info *gateway.PositionInfo) {
	if !p.IsActive() {
		return
	}
	if info.Drained() {
		p.SetAmounts(decimal.Zero, decimal.Zero)
		if p.Transition(order.PositionRemoved) {
			tokenID, _ := p.TokenID()
			now := m.now()
			m.bus.Trigger(ctx, events.RangePositionUpdated{
				Timestamp:   now,
				PositionID:  p.PositionID(),
				TokenID:     tokenID,
				TxHash:      p.TxHash(),
				TradingPair: p.TradingPair(),
				BaseAmount:  decimal.Zero,
				QuoteAmount: decimal.Zero,
			})
			m.bus.Trigger(ctx, events.RangePositionRemoved{
				Timestamp:  now,
				PositionID: p.PositionID(),
				TokenID:    tokenID,
				TxHash:     p.TxHash(),
			})
		}
		return
	}

	prevBase, prevQuote := p.Amounts()
	p.SetAmounts(info.BaseAmount, info.QuoteAmount)
	p.SetUnclaimedFees([]decimal.Decimal{info.UnclaimedBase, info.UnclaimedQuote})
	if !prevBase.Equal(info.BaseAmount) || !prevQuote.Equal(info.QuoteAmount) {
		tokenID, _ := p.TokenID()
		m.bus.Trigger(ctx, events.RangePositionUpdated{
			Timestamp:   m.now(),
			PositionID:  p.PositionID(),
			TokenID:     tokenID,
			TxHash:      p.TxHash(),
			TradingPair: p.TradingPair(),
			BaseAmount:  info.BaseAmount,
			QuoteAmount: info.QuoteAmount,
		})
	}
}

// positionFee computes the gas fee of a mined position transaction,
// preferring the receipt's own gas price when the gateway echoes it.
func (m *Machine) positionFee(p *order.Position, poll *gateway.TxPoll) decimal.Decimal {
	gasPrice := p.GasPrice()
	if poll.TxData != nil && !poll.TxData.GasPrice.IsZero() {
		gasPrice = poll.TxData.GasPrice
	}
	return TxFee(poll.Receipt.GasUsed, gasPrice)
}

func receiptHasTopic(logs []gateway.ReceiptLog, topic string) bool {
	for _, entry := range logs {
		if len(entry.Topics) > 0 && strings.EqualFold(entry.Topics[0], topic) {
			return true
		}
	}
	return false
}

// mintedTokenID extracts the NFT token id from the IncreaseLiquidity log of
// a mint receipt.
func mintedTokenID(logs []gateway.ReceiptLog) (uint64, bool) {
	for _, entry := range logs {
		if len(entry.Topics) < 2 || !strings.EqualFold(entry.Topics[0], increaseLiquidityTopic) {
			continue
		}
		raw, ok := new(big.Int).SetString(strings.TrimPrefix(entry.Topics[1], "0x"), 16)
		if !ok || !raw.IsUint64() {
			return 0, false
		}
		return raw.Uint64(), true
	}
	return 0, false
}

package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/reefline/reefline/gateway"
	"github.com/reefline/reefline/order"
	"github.com/reefline/reefline/orderid"
	"github.com/reefline/reefline/reconcile"
	"github.com/reefline/reefline/reefline"
)

type lpClient interface {
	AddLiquidity(ctx context.Context, req gateway.AddLiquidityRequest) (*gateway.LiquidityResult, error)
	RemoveLiquidity(ctx context.Context, req gateway.RemoveLiquidityRequest) (*gateway.LiquidityResult, error)
	CollectFees(ctx context.Context, req gateway.CollectFeesRequest) (*gateway.LiquidityResult, error)
	PoolPrice(ctx context.Context, req gateway.PoolPriceRequest) (*gateway.PoolPriceResult, error)
}

// LP manages range-liquidity positions on the same venue as the AMM
// connector. It shares the AMM's machine and reconciliation loop; the
// position book is the shared registry both poll from.
type LP struct {
	cfg     Config
	client  lpClient
	book    *order.PositionBook
	machine *reconcile.Machine
	logger  *slog.Logger
}

// NewLP builds the liquidity connector around the AMM's machine and the
// shared position book.
func NewLP(cfg Config, client lpClient, book *order.PositionBook, machine *reconcile.Machine, logger *slog.Logger) *LP {
	if logger == nil {
		logger = slog.Default()
	}
	return &LP{
		cfg:     cfg,
		client:  client,
		book:    book,
		machine: machine,
		logger:  logger.WithGroup("lp").With(slog.String("connector", cfg.Name)),
	}
}

// Book exposes the tracked positions for reporting surfaces.
func (l *LP) Book() *order.PositionBook { return l.book }

// AddLiquidity opens a new range position and returns its position id. The
// mint is broadcast synchronously; confirmation and the NFT token id arrive
// through the reconciliation loop.
func (l *LP) AddLiquidity(ctx context.Context, pair reefline.TradingPair, lower, upper, baseAmount, quoteAmount decimal.Decimal, feeTier string) (string, error) {
	base, quote, err := pair.Split()
	if err != nil {
		return "", err
	}
	positionID := fmt.Sprintf("lp-%s-%d", pair, orderid.NextNonce())
	p := order.NewPosition(order.PositionParams{
		PositionID:  positionID,
		TradingPair: pair,
		LowerPrice:  lower,
		UpperPrice:  upper,
		BaseAmount:  baseAmount,
		QuoteAmount: quoteAmount,
		FeeTier:     feeTier,
		CreatedAt:   time.Now().UTC(),
	})
	if err := l.book.Track(p); err != nil {
		return "", fmt.Errorf("add liquidity %s: %w", pair, err)
	}

	res, err := l.client.AddLiquidity(ctx, gateway.AddLiquidityRequest{
		Connector:   l.cfg.Name,
		Address:     l.cfg.WalletAddress,
		Base:        base,
		Quote:       quote,
		BaseAmount:  baseAmount,
		QuoteAmount: quoteAmount,
		LowerPrice:  lower,
		UpperPrice:  upper,
		FeeTier:     feeTier,
	})
	if err != nil {
		l.machine.FailPosition(ctx, p, err)
		l.book.Untrack(positionID)
		return positionID, fmt.Errorf("add liquidity %s: %w", pair, err)
	}
	if res.TxHash == "" {
		l.machine.FailPosition(ctx, p, errNoTxHash)
		l.book.Untrack(positionID)
		return positionID, fmt.Errorf("add liquidity %s: %w", pair, errNoTxHash)
	}
	p.SetGasPrice(res.GasPrice)
	l.machine.ConfirmPositionSubmitted(ctx, p, res.TxHash)
	return positionID, nil
}

// RemoveLiquidity withdraws the full liquidity of an open position.
func (l *LP) RemoveLiquidity(ctx context.Context, positionID string) error {
	return l.decreaseLiquidity(ctx, positionID, decimal.NewFromInt(100))
}

// DecreaseLiquidity withdraws a percentage of an open position's liquidity.
// A full withdrawal moves the position to pending-remove; partial
// withdrawals keep it open and the next view poll reports the new amounts.
func (l *LP) DecreaseLiquidity(ctx context.Context, positionID string, percent decimal.Decimal) error {
	if percent.LessThanOrEqual(decimal.Zero) || percent.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("decrease %s: percent %s out of range", positionID, percent)
	}
	return l.decreaseLiquidity(ctx, positionID, percent)
}

func (l *LP) decreaseLiquidity(ctx context.Context, positionID string, percent decimal.Decimal) error {
	p, ok := l.book.Get(positionID)
	if !ok {
		return fmt.Errorf("decrease %s: unknown position", positionID)
	}
	if !p.IsActive() {
		return fmt.Errorf("decrease %s: position is not open", positionID)
	}
	tokenID, ok := p.TokenID()
	if !ok {
		return fmt.Errorf("decrease %s: token id not yet known", positionID)
	}

	res, err := l.client.RemoveLiquidity(ctx, gateway.RemoveLiquidityRequest{
		Connector:   l.cfg.Name,
		Address:     l.cfg.WalletAddress,
		TokenID:     tokenID,
		DecreasePct: percent,
	})
	if err != nil {
		return fmt.Errorf("decrease %s: %w", positionID, err)
	}
	if res.TxHash == "" {
		return fmt.Errorf("decrease %s: %w", positionID, errNoTxHash)
	}

	p.SetTxHash(res.TxHash)
	p.SetGasPrice(res.GasPrice)
	if percent.Equal(decimal.NewFromInt(100)) {
		p.Transition(order.PositionPendingRemove)
	}
	l.logger.InfoContext(ctx, "liquidity decrease broadcast",
		slog.String("position_id", positionID),
		slog.String("percent", percent.String()),
		slog.String("tx_hash", res.TxHash))
	return nil
}

// CollectFees claims an open position's accumulated swap fees.
func (l *LP) CollectFees(ctx context.Context, positionID string) error {
	p, ok := l.book.Get(positionID)
	if !ok {
		return fmt.Errorf("collect %s: unknown position", positionID)
	}
	if !p.IsActive() {
		return fmt.Errorf("collect %s: position is not open", positionID)
	}
	tokenID, ok := p.TokenID()
	if !ok {
		return fmt.Errorf("collect %s: token id not yet known", positionID)
	}

	res, err := l.client.CollectFees(ctx, gateway.CollectFeesRequest{
		Connector: l.cfg.Name,
		Address:   l.cfg.WalletAddress,
		TokenID:   tokenID,
	})
	if err != nil {
		return fmt.Errorf("collect %s: %w", positionID, err)
	}
	if res.TxHash == "" {
		return fmt.Errorf("collect %s: %w", positionID, errNoTxHash)
	}
	p.SetTxHash(res.TxHash)
	p.SetGasPrice(res.GasPrice)
	l.logger.InfoContext(ctx, "fee collection broadcast",
		slog.String("position_id", positionID),
		slog.String("tx_hash", res.TxHash))
	return nil
}

// PoolPrice returns the pool's current price for the pair at the fee tier.
func (l *LP) PoolPrice(ctx context.Context, pair reefline.TradingPair, feeTier string) (decimal.Decimal, error) {
	base, quote, err := pair.Split()
	if err != nil {
		return decimal.Zero, err
	}
	res, err := l.client.PoolPrice(ctx, gateway.PoolPriceRequest{
		Connector: l.cfg.Name,
		Base:      base,
		Quote:     quote,
		FeeTier:   feeTier,
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("pool price %s: %w", pair, err)
	}
	if len(res.Prices) == 0 {
		return decimal.Zero, fmt.Errorf("pool price %s: empty answer", pair)
	}
	return res.Prices[len(res.Prices)-1], nil
}

// TrackingStates serializes the live positions for persistence.
func (l *LP) TrackingStates() (map[string]json.RawMessage, error) {
	return l.book.TrackingStates()
}

// RestoreTrackingStates resumes tracking persisted positions.
func (l *LP) RestoreTrackingStates(states map[string]json.RawMessage) error {
	return l.book.RestoreTrackingStates(states)
}

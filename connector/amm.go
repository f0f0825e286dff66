// Package connector exposes the trading surface over one DEX via the
// gateway: swaps and token approvals here, range liquidity in lp.go. It owns
// the tracked records and the reconciliation loop that settles them.
package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/reefline/reefline/events"
	"github.com/reefline/reefline/gateway"
	"github.com/reefline/reefline/order"
	"github.com/reefline/reefline/orderid"
	"github.com/reefline/reefline/reconcile"
	"github.com/reefline/reefline/reefline"
	"github.com/reefline/reefline/ttlcache"
)

// errNoTxHash marks a gateway acknowledgement that carried no transaction
// hash. Without a hash there is nothing to poll, so the submission counts
// as failed.
var errNoTxHash = errors.New("gateway returned no transaction hash")

// Config identifies the venue and wallet an AMM trades through.
type Config struct {
	Name          string // gateway connector name, e.g. "uniswap"
	Chain         string
	Network       string
	WalletAddress string
	TradingPairs  []reefline.TradingPair
	NativeAsset   string // gas currency, e.g. "ETH"
}

type ammClient interface {
	Trade(ctx context.Context, req gateway.TradeRequest) (*gateway.TradeResult, error)
	Price(ctx context.Context, req gateway.PriceRequest) (*gateway.PriceResult, error)
	Approve(ctx context.Context, req gateway.ApproveRequest) (*gateway.ApprovalResult, error)
	Balances(ctx context.Context, address string, tokens []string) (map[string]string, error)
	Allowances(ctx context.Context, address, spender string, tokens []string) (map[string]string, error)
	CancelTransaction(ctx context.Context, address string, nonce int64) (*gateway.CancelResult, error)
	EstimateGas(ctx context.Context) (*gateway.GasEstimate, error)
	WaitForOnline(ctx context.Context) error
}

// AMM is the swap connector. Buy and Sell return a client order id
// immediately; the broadcast happens asynchronously and settlement arrives
// through the reconciliation loop.
type AMM struct {
	cfg      Config
	client   ammClient
	registry *order.Registry
	machine  *reconcile.Machine
	poller   *reconcile.Poller
	logger   *slog.Logger
	quotes   *ttlcache.Cache[string, decimal.Decimal]

	balancesMu sync.RWMutex
	balances   map[string]decimal.Decimal
	allowances map[string]decimal.Decimal

	pollInterval    time.Duration
	balanceInterval time.Duration

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// AMMOption configures an AMM.
type AMMOption func(*AMM)

// WithAMMLogger overrides the connector logger.
func WithAMMLogger(logger *slog.Logger) AMMOption {
	return func(a *AMM) { a.logger = logger }
}

// WithQuoteTTL sets how long quote prices are cached (default 5s).
func WithQuoteTTL(ttl time.Duration) AMMOption {
	return func(a *AMM) { a.quotes = ttlcache.New[string, decimal.Decimal](ttl) }
}

// WithIntervals overrides the reconciliation poll and balance refresh
// intervals.
func WithIntervals(poll, balance time.Duration) AMMOption {
	return func(a *AMM) {
		a.pollInterval = poll
		a.balanceInterval = balance
	}
}

// PollClient is the slice of the gateway client the reconciliation loop
// needs.
type PollClient interface {
	PollTransaction(ctx context.Context, txHash string) (*gateway.TxPoll, error)
	Position(ctx context.Context, connector string, tokenID uint64) (*gateway.PositionInfo, error)
}

// NewAMM builds the swap connector. bus receives the lifecycle events;
// pollClient is normally the same gateway client.
func NewAMM(cfg Config, client ammClient, pollClient PollClient, book *order.PositionBook, bus events.Bus, opts ...AMMOption) *AMM {
	a := &AMM{
		cfg:          cfg,
		client:       client,
		registry:     order.NewRegistry(),
		logger:       slog.Default(),
		quotes:       ttlcache.New[string, decimal.Decimal](5 * time.Second),
		balances:     make(map[string]decimal.Decimal),
		allowances:   make(map[string]decimal.Decimal),
		pollInterval: reconcile.MinPollInterval,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.pollInterval < reconcile.MinPollInterval {
		a.pollInterval = reconcile.MinPollInterval
	}
	a.logger = a.logger.WithGroup("connector").With(slog.String("connector", cfg.Name))
	a.machine = reconcile.NewMachine(bus, cfg.NativeAsset, a.logger)
	a.poller = reconcile.NewPoller(pollClient, a.registry, book, a.machine, cfg.Name,
		reconcile.WithPollerLogger(a.logger),
		reconcile.WithPollInterval(a.pollInterval),
		reconcile.WithBalanceRefresher(a.RefreshBalances, a.balanceInterval),
	)
	return a
}

// Registry exposes the tracked orders for reporting surfaces.
func (a *AMM) Registry() *order.Registry { return a.registry }

// Machine exposes the transition machine; the LP connector shares it.
func (a *AMM) Machine() *reconcile.Machine { return a.machine }

// Start brings the connector online: waits for the gateway, restores
// nothing by itself (see RestoreTrackingStates), then runs the
// reconciliation loop until Stop or ctx end.
func (a *AMM) Start(ctx context.Context) error {
	if err := a.client.WaitForOnline(ctx); err != nil {
		return fmt.Errorf("connector %s: %w", a.cfg.Name, err)
	}

	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.cancel != nil {
		return fmt.Errorf("connector %s: already started", a.cfg.Name)
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		_ = a.poller.Run(runCtx)
	}()
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.pollInterval)
		defer ticker.Stop()
		a.poller.Tick(time.Now())
		for {
			select {
			case <-runCtx.Done():
				return
			case now := <-ticker.C:
				a.poller.Tick(now)
			}
		}
	}()

	go func() {
		a.wg.Wait()
		close(a.done)
	}()
	a.logger.InfoContext(ctx, "connector started",
		slog.String("chain", a.cfg.Chain),
		slog.String("network", a.cfg.Network))
	return nil
}

// Stop shuts the reconciliation loop down and waits for it.
func (a *AMM) Stop() {
	a.runMu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel = nil
	a.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Buy submits a buy order and returns its client order id.
func (a *AMM) Buy(ctx context.Context, pair reefline.TradingPair, amount, price decimal.Decimal) string {
	return a.createOrder(ctx, reefline.Buy, pair, amount, price)
}

// Sell submits a sell order and returns its client order id.
func (a *AMM) Sell(ctx context.Context, pair reefline.TradingPair, amount, price decimal.Decimal) string {
	return a.createOrder(ctx, reefline.Sell, pair, amount, price)
}

func (a *AMM) createOrder(ctx context.Context, side reefline.TradeType, pair reefline.TradingPair, amount, price decimal.Decimal) string {
	clientOrderID := orderid.NewOrderID(side, pair)
	o := order.New(order.Params{
		ClientOrderID: clientOrderID,
		TradingPair:   pair,
		TradeType:     side,
		OrderType:     reefline.Limit,
		Price:         price,
		Amount:        amount,
		CreatedAt:     time.Now().UTC(),
	})
	if err := a.registry.StartTracking(o); err != nil {
		// ids are strictly increasing; a collision means a caller bug
		a.logger.ErrorContext(ctx, "failed to track order",
			slog.String("client_order_id", clientOrderID),
			slog.Any("error", err))
		return clientOrderID
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.submitOrder(context.WithoutCancel(ctx), o)
	}()
	return clientOrderID
}

// failOrder settles a submission that never reached the chain: the record
// fails, the failure event fires, and the record leaves the registry.
func (a *AMM) failOrder(ctx context.Context, o *order.InFlightOrder, cause error) {
	a.machine.FailSubmission(ctx, o, cause)
	a.registry.StopTracking(o.ClientOrderID())
}

func (a *AMM) submitOrder(ctx context.Context, o *order.InFlightOrder) {
	base, quote, err := o.TradingPair().Split()
	if err != nil {
		a.failOrder(ctx, o, err)
		return
	}
	res, err := a.client.Trade(ctx, gateway.TradeRequest{
		Connector:  a.cfg.Name,
		Address:    a.cfg.WalletAddress,
		Base:       base,
		Quote:      quote,
		Amount:     o.Amount(),
		Side:       o.TradeType().String(),
		LimitPrice: o.Price(),
	})
	if err != nil {
		// never re-broadcast: a timed-out submission may still land on
		// chain, and a second attempt would double-spend
		a.failOrder(ctx, o, err)
		return
	}
	if res.TxHash == "" {
		a.failOrder(ctx, o, errNoTxHash)
		return
	}
	if err := a.machine.ConfirmSubmitted(ctx, o, res); err != nil {
		a.logger.ErrorContext(ctx, "confirm submission",
			slog.String("client_order_id", o.ClientOrderID()),
			slog.Any("error", err))
		return
	}
	a.poller.ForceBalanceRefresh()
	a.poller.Tick(time.Now())
}

// CancelOrder broadcasts a nonce-replacing transaction for an open order
// and moves it to pending-cancel. The original swap may still win the race;
// whichever transaction mines first decides the terminal state.
func (a *AMM) CancelOrder(ctx context.Context, clientOrderID string) error {
	o, ok := a.registry.Get(clientOrderID)
	if !ok {
		return fmt.Errorf("cancel %s: unknown order", clientOrderID)
	}
	if o.IsDone() {
		return fmt.Errorf("cancel %s: order already settled", clientOrderID)
	}
	if o.IsPendingCancel() {
		return nil
	}
	if _, ok := o.ExchangeOrderID(); !ok {
		return fmt.Errorf("cancel %s: not yet broadcast", clientOrderID)
	}

	res, err := a.client.CancelTransaction(ctx, a.cfg.WalletAddress, o.Nonce())
	if err != nil {
		return fmt.Errorf("cancel %s: %w", clientOrderID, err)
	}
	o.SetCancelTxHash(res.TxHash)
	o.Transition(order.StatePendingCancel)
	a.logger.InfoContext(ctx, "cancel broadcast",
		slog.String("client_order_id", clientOrderID),
		slog.String("cancel_tx_hash", res.TxHash))
	return nil
}

// CancelAll tries to cancel every live trade order within the timeout and
// reports per-order success. Success here means the cancel was broadcast,
// not that it won the race against the original transaction.
func (a *AMM) CancelAll(ctx context.Context, timeout time.Duration) []reefline.CancellationResult {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	orders := a.registry.TradeOrders()
	results := make([]reefline.CancellationResult, 0, len(orders))
	for _, o := range orders {
		err := a.CancelOrder(ctx, o.ClientOrderID())
		if err != nil {
			a.logger.WarnContext(ctx, "cancel failed",
				slog.String("client_order_id", o.ClientOrderID()),
				slog.Any("error", err))
		}
		results = append(results, reefline.CancellationResult{
			ClientOrderID: o.ClientOrderID(),
			Success:       err == nil,
		})
		if ctx.Err() != nil {
			break
		}
	}
	return results
}

// ApproveToken broadcasts an ERC-20 allowance for the venue's router and
// tracks it like an order. The id is deterministic per connector+token, so
// a retry of a failed approval reuses the id once the old record settles.
func (a *AMM) ApproveToken(ctx context.Context, token string) (string, error) {
	clientOrderID := orderid.NewApprovalID(a.cfg.Name, token)
	o := order.New(order.Params{
		ClientOrderID: clientOrderID,
		IsApproval:    true,
		ApprovalToken: token,
		CreatedAt:     time.Now().UTC(),
	})
	if err := a.registry.StartTracking(o); err != nil {
		return "", fmt.Errorf("approve %s: %w", token, err)
	}

	res, err := a.client.Approve(ctx, gateway.ApproveRequest{
		Connector: a.cfg.Name,
		Address:   a.cfg.WalletAddress,
		Token:     token,
	})
	if err != nil {
		a.failOrder(ctx, o, err)
		return clientOrderID, fmt.Errorf("approve %s: %w", token, err)
	}
	if res.TxHash == "" {
		a.failOrder(ctx, o, errNoTxHash)
		return clientOrderID, fmt.Errorf("approve %s: %w", token, errNoTxHash)
	}
	if err := a.machine.ConfirmApprovalSubmitted(o, res); err != nil {
		return clientOrderID, err
	}
	a.poller.Tick(time.Now())
	return clientOrderID, nil
}

// tokens returns every asset the connector touches, native currency
// included, for balance queries.
func (a *AMM) tokens() []string {
	tokens := reefline.Tokens(a.cfg.TradingPairs)
	for _, tok := range tokens {
		if tok == a.cfg.NativeAsset {
			return tokens
		}
	}
	return append(tokens, a.cfg.NativeAsset)
}

// RefreshBalances replaces the balance and allowance caches wholesale with
// the gateway's answers. Partial updates would let a failed half linger.
func (a *AMM) RefreshBalances(ctx context.Context) error {
	tokens := a.tokens()
	rawBalances, err := a.client.Balances(ctx, a.cfg.WalletAddress, tokens)
	if err != nil {
		return fmt.Errorf("fetch balances: %w", err)
	}
	rawAllowances, err := a.client.Allowances(ctx, a.cfg.WalletAddress, a.cfg.Name, tokens)
	if err != nil {
		return fmt.Errorf("fetch allowances: %w", err)
	}

	balances, err := parseAmounts(rawBalances)
	if err != nil {
		return fmt.Errorf("parse balances: %w", err)
	}
	allowances, err := parseAmounts(rawAllowances)
	if err != nil {
		return fmt.Errorf("parse allowances: %w", err)
	}

	a.balancesMu.Lock()
	a.balances = balances
	a.allowances = allowances
	a.balancesMu.Unlock()
	return nil
}

func parseAmounts(raw map[string]string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(raw))
	for asset, s := range raw {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil, fmt.Errorf("asset %s: %w", asset, err)
		}
		out[asset] = d
	}
	return out, nil
}

// Balance returns the cached balance for asset.
func (a *AMM) Balance(asset string) (decimal.Decimal, bool) {
	a.balancesMu.RLock()
	defer a.balancesMu.RUnlock()
	d, ok := a.balances[asset]
	return d, ok
}

// Balances returns a copy of the cached balances.
func (a *AMM) Balances() map[string]decimal.Decimal {
	a.balancesMu.RLock()
	defer a.balancesMu.RUnlock()
	out := make(map[string]decimal.Decimal, len(a.balances))
	for asset, d := range a.balances {
		out[asset] = d
	}
	return out
}

// Allowance returns the cached router allowance for asset.
func (a *AMM) Allowance(asset string) (decimal.Decimal, bool) {
	a.balancesMu.RLock()
	defer a.balancesMu.RUnlock()
	d, ok := a.allowances[asset]
	return d, ok
}

// EstimateGas asks the gateway for the chain's current gas pricing.
func (a *AMM) EstimateGas(ctx context.Context) (*gateway.GasEstimate, error) {
	est, err := a.client.EstimateGas(ctx)
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}
	return est, nil
}

// StatusDict reports each readiness condition separately so a supervisor
// can tell which one is still pending.
func (a *AMM) StatusDict() map[string]bool {
	a.runMu.Lock()
	started := a.cancel != nil
	a.runMu.Unlock()

	a.balancesMu.RLock()
	hasBalances := len(a.balances) > 0
	allowancesOK := true
	for _, token := range reefline.Tokens(a.cfg.TradingPairs) {
		if d, ok := a.allowances[token]; !ok || !d.IsPositive() {
			allowancesOK = false
			break
		}
	}
	a.balancesMu.RUnlock()

	return map[string]bool{
		"reconciliation_loop": started,
		"account_balance":     hasBalances,
		"token_allowances":    allowancesOK,
	}
}

// Ready reports whether every readiness condition holds.
func (a *AMM) Ready() bool {
	for _, ok := range a.StatusDict() {
		if !ok {
			return false
		}
	}
	return true
}

// QuotePrice returns the venue's current quote for swapping amount on pair,
// cached briefly to spare the gateway.
func (a *AMM) QuotePrice(ctx context.Context, pair reefline.TradingPair, side reefline.TradeType, amount decimal.Decimal) (decimal.Decimal, error) {
	base, quote, err := pair.Split()
	if err != nil {
		return decimal.Zero, err
	}
	key := fmt.Sprintf("%s|%s|%s", pair, side, amount)
	return a.quotes.GetOrCompute(ctx, key, func(ctx context.Context) (decimal.Decimal, error) {
		res, err := a.client.Price(ctx, gateway.PriceRequest{
			Connector: a.cfg.Name,
			Base:      base,
			Quote:     quote,
			Amount:    amount,
			Side:      side.String(),
		})
		if err != nil {
			return decimal.Zero, fmt.Errorf("quote %s %s: %w", side, pair, err)
		}
		return res.Price, nil
	})
}

// TrackingStates serializes the live orders for persistence.
func (a *AMM) TrackingStates() (map[string]json.RawMessage, error) {
	return a.registry.TrackingStates()
}

// RestoreTrackingStates resumes tracking persisted orders; call before
// Start so the first cycle reconciles them.
func (a *AMM) RestoreTrackingStates(states map[string]json.RawMessage) error {
	return a.registry.RestoreTrackingStates(states)
}

package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/reefline/reefline/gateway"
	"github.com/reefline/reefline/order"
)

const (
	// MinPollInterval is the floor between reconciliation cycles; a clock
	// ticking faster than this arms no extra cycles.
	MinPollInterval = time.Second

	// DefaultBalanceInterval debounces wallet balance refreshes.
	DefaultBalanceInterval = 30 * time.Second
)

type pollClient interface {
	PollTransaction(ctx context.Context, txHash string) (*gateway.TxPoll, error)
	Position(ctx context.Context, connector string, tokenID uint64) (*gateway.PositionInfo, error)
}

// Poller drives the reconciliation loop: each cycle snapshots the poll set,
// fans out one status query per tracked transaction, then applies the
// answers sequentially through the Machine. Orders added mid-cycle wait for
// the next cycle; the snapshot never grows underneath a running cycle.
type Poller struct {
	client    pollClient
	registry  *order.Registry
	book      *order.PositionBook
	machine   *Machine
	logger    *slog.Logger
	connector string

	pollInterval    time.Duration
	balanceInterval time.Duration
	maxConcurrency  int
	idWaitTimeout   time.Duration

	refreshBalances func(ctx context.Context) error
	now             func() time.Time

	mu           sync.Mutex
	lastArmed    time.Time
	lastBalances time.Time
	forceBalance bool

	notify chan struct{}
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithPollerLogger overrides the logger used for diagnostics.
func WithPollerLogger(logger *slog.Logger) PollerOption {
	return func(p *Poller) { p.logger = logger }
}

// WithPollerConcurrency caps concurrent status queries per cycle.
func WithPollerConcurrency(n int) PollerOption {
	return func(p *Poller) { p.maxConcurrency = n }
}

// WithPollInterval sets the minimum spacing between cycles. Values below
// MinPollInterval are raised to it.
func WithPollInterval(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > MinPollInterval {
			p.pollInterval = d
		}
	}
}

// WithBalanceRefresher attaches the wallet balance refresh hook, debounced
// to interval (DefaultBalanceInterval when interval is zero).
func WithBalanceRefresher(fn func(ctx context.Context) error, interval time.Duration) PollerOption {
	return func(p *Poller) {
		p.refreshBalances = fn
		if interval > 0 {
			p.balanceInterval = interval
		}
	}
}

// WithPollerClock injects the time source; tests use this.
func WithPollerClock(now func() time.Time) PollerOption {
	return func(p *Poller) { p.now = now }
}

// NewPoller builds a Poller over the given registries. connector names the
// DEX the position queries are scoped to.
func NewPoller(client pollClient, registry *order.Registry, book *order.PositionBook, machine *Machine, connector string, opts ...PollerOption) *Poller {
	p := &Poller{
		client:          client,
		registry:        registry,
		book:            book,
		machine:         machine,
		logger:          slog.Default().WithGroup("poller"),
		connector:       connector,
		pollInterval:    MinPollInterval,
		balanceInterval: DefaultBalanceInterval,
		maxConcurrency:  8,
		idWaitTimeout:   time.Second,
		now:             time.Now,
		notify:          make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.maxConcurrency < 1 {
		p.maxConcurrency = 1
	}
	return p
}

// Tick arms a reconciliation cycle when at least the poll interval elapsed
// since the last armed cycle. It never blocks; a cycle already armed
// absorbs further ticks.
func (p *Poller) Tick(now time.Time) {
	p.mu.Lock()
	if now.Sub(p.lastArmed) < p.pollInterval {
		p.mu.Unlock()
		return
	}
	p.lastArmed = now
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// ForceBalanceRefresh makes the next cycle refresh balances regardless of
// the debounce window. Called after anything that moves funds.
func (p *Poller) ForceBalanceRefresh() {
	p.mu.Lock()
	p.forceBalance = true
	p.mu.Unlock()
}

// Run executes cycles whenever Tick arms one, until ctx ends.
func (p *Poller) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.notify:
		}
		if err := p.RunCycle(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			p.logger.WarnContext(ctx, "reconciliation cycle finished with errors", slog.Any("error", err))
		}
	}
}

// RunCycle performs one full reconciliation pass. Individual poll failures
// are collected, not fatal; the cycle error aggregates them. Cancellation
// aborts the cycle.
func (p *Poller) RunCycle(ctx context.Context) error {
	cycleID := uuid.NewString()
	start := p.now()
	logger := p.logger.With(slog.String("cycle_id", cycleID))

	var errs []error
	if err := p.maybeRefreshBalances(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		errs = append(errs, err)
	}

	orders := p.registry.Active()
	pendingPositions := p.book.Pending()
	activePositions := p.book.Active()

	orderPolls, orderErrs := p.pollOrders(ctx, orders)
	errs = append(errs, orderErrs...)
	positionPolls, posErrs := p.pollPendingPositions(ctx, pendingPositions)
	errs = append(errs, posErrs...)
	views, viewErrs := p.pollActivePositions(ctx, activePositions)
	errs = append(errs, viewErrs...)

	if ctx.Err() != nil {
		return ctx.Err()
	}

	// answers apply sequentially so each poll's transitions and events
	// commit in order
	for i, poll := range orderPolls {
		if poll == nil {
			continue
		}
		if err := p.machine.ApplyOrderPoll(ctx, orders[i], poll); err != nil {
			errs = append(errs, err)
		}
	}
	for i, poll := range positionPolls {
		if poll == nil {
			continue
		}
		if err := p.machine.ApplyPositionPoll(ctx, pendingPositions[i], poll); err != nil {
			errs = append(errs, err)
		}
	}
	for i, view := range views {
		if view == nil {
			continue
		}
		p.machine.ApplyPositionView(ctx, activePositions[i], view)
	}

	// records that settled this cycle leave the registry once their
	// transitions and events have committed
	for _, o := range orders {
		if o.IsDone() {
			p.registry.StopTracking(o.ClientOrderID())
		}
	}
	for _, pos := range pendingPositions {
		if pos.IsDone() {
			p.book.Untrack(pos.PositionID())
		}
	}
	for _, pos := range activePositions {
		if pos.IsDone() {
			p.book.Untrack(pos.PositionID())
		}
	}

	logger.DebugContext(ctx, "reconciliation cycle done",
		slog.Int("orders", len(orders)),
		slog.Int("pending_positions", len(pendingPositions)),
		slog.Int("active_positions", len(activePositions)),
		slog.Int("errors", len(errs)),
		slog.Duration("elapsed", p.now().Sub(start)))

	return errors.Join(errs...)
}

func (p *Poller) maybeRefreshBalances(ctx context.Context) error {
	if p.refreshBalances == nil {
		return nil
	}
	now := p.now()
	p.mu.Lock()
	due := p.forceBalance || now.Sub(p.lastBalances) >= p.balanceInterval
	if due {
		p.forceBalance = false
		p.lastBalances = now
	}
	p.mu.Unlock()
	if !due {
		return nil
	}
	if err := p.refreshBalances(ctx); err != nil {
		return fmt.Errorf("refresh balances: %w", err)
	}
	// reporting surfaces key their snapshot to the balance refresh
	p.registry.RefreshSnapshot(now)
	return nil
}

func (p *Poller) pollOrders(ctx context.Context, orders []*order.InFlightOrder) ([]*gateway.TxPoll, []error) {
	polls := make([]*gateway.TxPoll, len(orders))
	var errsMu sync.Mutex
	var errs []error

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.maxConcurrency)
	for i, o := range orders {
		g.Go(func() error {
			waitCtx, cancel := context.WithTimeout(gctx, p.idWaitTimeout)
			txHash, err := o.WaitExchangeOrderID(waitCtx)
			cancel()
			if err != nil {
				// still waiting on the broadcast; next cycle picks it up
				return nil
			}
			// an in-flight cancel supersedes the original transaction
			if cancelHash, ok := o.CancelTxHash(); ok && o.IsPendingCancel() {
				txHash = cancelHash
			}
			poll, err := p.client.PollTransaction(gctx, txHash)
			if err != nil {
				errsMu.Lock()
				errs = append(errs, fmt.Errorf("poll order %s: %w", o.ClientOrderID(), err))
				errsMu.Unlock()
				return nil
			}
			polls[i] = poll
			return nil
		})
	}
	_ = g.Wait()
	return polls, errs
}

func (p *Poller) pollPendingPositions(ctx context.Context, positions []*order.Position) ([]*gateway.TxPoll, []error) {
	polls := make([]*gateway.TxPoll, len(positions))
	var errsMu sync.Mutex
	var errs []error

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.maxConcurrency)
	for i, pos := range positions {
		g.Go(func() error {
			txHash := pos.TxHash()
			if txHash == "" {
				return nil
			}
			poll, err := p.client.PollTransaction(gctx, txHash)
			if err != nil {
				errsMu.Lock()
				errs = append(errs, fmt.Errorf("poll position %s: %w", pos.PositionID(), err))
				errsMu.Unlock()
				return nil
			}
			polls[i] = poll
			return nil
		})
	}
	_ = g.Wait()
	return polls, errs
}

func (p *Poller) pollActivePositions(ctx context.Context, positions []*order.Position) ([]*gateway.PositionInfo, []error) {
	views := make([]*gateway.PositionInfo, len(positions))
	var errsMu sync.Mutex
	var errs []error

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.maxConcurrency)
	for i, pos := range positions {
		g.Go(func() error {
			tokenID, ok := pos.TokenID()
			if !ok {
				return nil
			}
			view, err := p.client.Position(gctx, p.connector, tokenID)
			if err != nil {
				errsMu.Lock()
				errs = append(errs, fmt.Errorf("query position %s: %w", pos.PositionID(), err))
				errsMu.Unlock()
				return nil
			}
			views[i] = view
			return nil
		})
	}
	_ = g.Wait()
	return views, errs
}

package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/reefline/reefline/events"
	"github.com/reefline/reefline/gateway"
	"github.com/reefline/reefline/order"
	"github.com/reefline/reefline/reefline"
)

type fakePollClient struct {
	mu        sync.Mutex
	polls     map[string]*gateway.TxPoll
	positions map[uint64]*gateway.PositionInfo
	pollErr   error
	polled    []string
	onPoll    func()
}

func newFakePollClient() *fakePollClient {
	return &fakePollClient{
		polls:     make(map[string]*gateway.TxPoll),
		positions: make(map[uint64]*gateway.PositionInfo),
	}
}

func (f *fakePollClient) PollTransaction(_ context.Context, txHash string) (*gateway.TxPoll, error) {
	f.mu.Lock()
	hook := f.onPoll
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polled = append(f.polled, txHash)
	if f.pollErr != nil {
		return nil, f.pollErr
	}
	if poll, ok := f.polls[txHash]; ok {
		return poll, nil
	}
	return &gateway.TxPoll{TxHash: txHash, TxStatus: gateway.TxStatusMempool}, nil
}

func (f *fakePollClient) Position(_ context.Context, _ string, tokenID uint64) (*gateway.PositionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if info, ok := f.positions[tokenID]; ok {
		return info, nil
	}
	return nil, errors.New("unknown position")
}

func (f *fakePollClient) polledHashes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.polled...)
}

func newPollerFixture(t *testing.T) (*Poller, *fakePollClient, *order.Registry, *order.PositionBook, *events.Recorder) {
	t.Helper()
	client := newFakePollClient()
	registry := order.NewRegistry()
	book := order.NewPositionBook()
	rec := events.NewRecorder(0)
	machine := NewMachine(rec, "ETH", nil)
	poller := NewPoller(client, registry, book, machine, "uniswap")
	poller.idWaitTimeout = 10 * time.Millisecond
	return poller, client, registry, book, rec
}

func trackOpenOrder(t *testing.T, registry *order.Registry, id, txHash string) *order.InFlightOrder {
	t.Helper()
	o := order.New(order.Params{
		ClientOrderID: id,
		TradingPair:   "WETH-DAI",
		TradeType:     reefline.Buy,
		OrderType:     reefline.Limit,
		Price:         decimal.NewFromInt(1850),
		Amount:        decimal.NewFromInt(1),
		GasPrice:      decimal.NewFromInt(50),
		CreatedAt:     time.Now().UTC(),
	})
	require.NoError(t, o.AssignExchangeOrderID(txHash))
	require.True(t, o.Transition(order.StateOpen))
	require.NoError(t, registry.StartTracking(o))
	return o
}

func TestRunCycleSettlesConfirmedOrder(t *testing.T) {
	poller, client, registry, _, rec := newPollerFixture(t)
	o := trackOpenOrder(t, registry, "buy-WETH-DAI-1", "0xabc")

	client.polls["0xabc"] = &gateway.TxPoll{
		TxHash:   "0xabc",
		TxStatus: gateway.TxStatusConfirmed,
		Receipt:  &gateway.TxReceipt{Status: gateway.ReceiptSucceeded, GasUsed: decimal.NewFromInt(21000)},
	}

	require.NoError(t, poller.RunCycle(context.Background()))
	require.Equal(t, order.StateFilled, o.State())
	require.Equal(t, []events.Kind{events.KindOrderFilled, events.KindOrderCompleted}, rec.Kinds())

	// the settled record is gone from the registry and the poll set
	_, tracked := registry.Get("buy-WETH-DAI-1")
	require.False(t, tracked)
	client.mu.Lock()
	client.polled = nil
	client.mu.Unlock()
	require.NoError(t, poller.RunCycle(context.Background()))
	require.Empty(t, client.polledHashes())
}

func TestRunCycleIgnoresOrdersCreatedMidCycle(t *testing.T) {
	poller, client, registry, _, _ := newPollerFixture(t)
	trackOpenOrder(t, registry, "buy-WETH-DAI-1", "0xabc")

	// a record tracked while the cycle is in flight must wait for the next
	// cycle's poll set
	var once sync.Once
	client.onPoll = func() {
		once.Do(func() {
			trackOpenOrder(t, registry, "sell-WETH-DAI-2", "0xdef")
		})
	}

	require.NoError(t, poller.RunCycle(context.Background()))
	require.Equal(t, []string{"0xabc"}, client.polledHashes())

	client.mu.Lock()
	client.polled = nil
	client.onPoll = nil
	client.mu.Unlock()
	require.NoError(t, poller.RunCycle(context.Background()))
	require.ElementsMatch(t, []string{"0xabc", "0xdef"}, client.polledHashes())
}

func TestRunCycleAggregatesPollErrors(t *testing.T) {
	poller, client, registry, _, _ := newPollerFixture(t)
	trackOpenOrder(t, registry, "buy-WETH-DAI-1", "0xabc")
	trackOpenOrder(t, registry, "sell-WETH-DAI-2", "0xdef")

	sentinel := errors.New("gateway down")
	client.pollErr = sentinel

	err := poller.RunCycle(context.Background())
	require.Error(t, err)
	require.ErrorIs(t, err, sentinel)
	require.Len(t, client.polledHashes(), 2)
}

func TestRunCycleSkipsOrdersWithoutExchangeID(t *testing.T) {
	poller, client, registry, _, _ := newPollerFixture(t)
	o := order.New(order.Params{
		ClientOrderID: "buy-WETH-DAI-1",
		TradingPair:   "WETH-DAI",
		TradeType:     reefline.Buy,
		OrderType:     reefline.Limit,
		Price:         decimal.NewFromInt(1850),
		Amount:        decimal.NewFromInt(1),
		CreatedAt:     time.Now().UTC(),
	})
	require.NoError(t, registry.StartTracking(o))

	require.NoError(t, poller.RunCycle(context.Background()))
	require.Empty(t, client.polledHashes())
	require.Equal(t, order.StatePendingCreate, o.State())
}

func TestRunCyclePollsCancelHashForPendingCancel(t *testing.T) {
	poller, client, registry, _, rec := newPollerFixture(t)
	o := trackOpenOrder(t, registry, "buy-WETH-DAI-1", "0xabc")
	require.True(t, o.Transition(order.StatePendingCancel))
	o.SetCancelTxHash("0xcancel")

	client.polls["0xcancel"] = &gateway.TxPoll{
		TxHash:   "0xcancel",
		TxStatus: gateway.TxStatusConfirmed,
		Receipt:  &gateway.TxReceipt{Status: gateway.ReceiptSucceeded, GasUsed: decimal.NewFromInt(21000)},
	}

	require.NoError(t, poller.RunCycle(context.Background()))
	require.Equal(t, []string{"0xcancel"}, client.polledHashes())
	require.Equal(t, order.StateCanceled, o.State())
	require.Equal(t, []events.Kind{events.KindOrderCancelled}, rec.Kinds())

	_, tracked := registry.Get("buy-WETH-DAI-1")
	require.False(t, tracked)
}

func TestRunCycleReconcilesPositions(t *testing.T) {
	poller, client, _, book, rec := newPollerFixture(t)

	pending := order.NewPosition(order.PositionParams{
		PositionID:  "lp-WETH-DAI-1",
		TradingPair: "WETH-DAI",
		TxHash:      "0xmint",
		BaseAmount:  decimal.NewFromInt(1),
		QuoteAmount: decimal.NewFromInt(1850),
		CreatedAt:   time.Now().UTC(),
	})
	require.NoError(t, book.Track(pending))

	active := order.NewPosition(order.PositionParams{
		PositionID:   "lp-WETH-DAI-2",
		TradingPair:  "WETH-DAI",
		TokenID:      42,
		InitialState: order.PositionOpen,
		CreatedAt:    time.Now().UTC(),
	})
	require.NoError(t, book.Track(active))

	client.polls["0xmint"] = &gateway.TxPoll{
		TxHash:   "0xmint",
		TxStatus: gateway.TxStatusConfirmed,
		Receipt: &gateway.TxReceipt{
			Status:  gateway.ReceiptSucceeded,
			GasUsed: decimal.NewFromInt(400000),
			Logs: []gateway.ReceiptLog{{Topics: []string{
				increaseLiquidityTopic,
				"0x0000000000000000000000000000000000000000000000000000000000000007",
			}}},
		},
	}
	client.positions[42] = &gateway.PositionInfo{
		TokenID:     42,
		BaseAmount:  decimal.RequireFromString("0.5"),
		QuoteAmount: decimal.RequireFromString("900"),
	}

	require.NoError(t, poller.RunCycle(context.Background()))

	require.Equal(t, order.PositionOpen, pending.State())
	tokenID, ok := pending.TokenID()
	require.True(t, ok)
	require.Equal(t, uint64(7), tokenID)

	base, quote := active.Amounts()
	require.True(t, base.Equal(decimal.RequireFromString("0.5")))
	require.True(t, quote.Equal(decimal.RequireFromString("900")))

	require.ElementsMatch(t, []events.Kind{
		events.KindRangePositionCreated,
		events.KindRangePositionUpdated,
	}, rec.Kinds())
}

func TestRunCycleUntracksRemovedPosition(t *testing.T) {
	poller, client, _, book, rec := newPollerFixture(t)
	p := order.NewPosition(order.PositionParams{
		PositionID:   "lp-WETH-DAI-1",
		TradingPair:  "WETH-DAI",
		TokenID:      42,
		TxHash:       "0xburn",
		InitialState: order.PositionOpen,
		CreatedAt:    time.Now().UTC(),
	})
	require.True(t, p.Transition(order.PositionPendingRemove))
	require.NoError(t, book.Track(p))

	client.polls["0xburn"] = &gateway.TxPoll{
		TxHash:   "0xburn",
		TxStatus: gateway.TxStatusConfirmed,
		Receipt: &gateway.TxReceipt{
			Status:  gateway.ReceiptSucceeded,
			GasUsed: decimal.NewFromInt(200000),
			Logs:    []gateway.ReceiptLog{{Topics: []string{decreaseLiquidityTopic}}},
		},
	}

	require.NoError(t, poller.RunCycle(context.Background()))
	require.Equal(t, order.PositionRemoved, p.State())
	require.Equal(t, []events.Kind{
		events.KindRangePositionUpdated,
		events.KindRangePositionRemoved,
	}, rec.Kinds())
	_, tracked := book.Get("lp-WETH-DAI-1")
	require.False(t, tracked)
}

func TestTickDebounce(t *testing.T) {
	poller, _, _, _, _ := newPollerFixture(t)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	poller.Tick(base)
	select {
	case <-poller.notify:
	default:
		t.Fatal("first tick should arm a cycle")
	}

	poller.Tick(base.Add(200 * time.Millisecond))
	select {
	case <-poller.notify:
		t.Fatal("tick inside the poll interval must not arm a cycle")
	default:
	}

	poller.Tick(base.Add(MinPollInterval))
	select {
	case <-poller.notify:
	default:
		t.Fatal("tick past the poll interval should arm a cycle")
	}
}

func TestBalanceRefreshDebounce(t *testing.T) {
	client := newFakePollClient()
	registry := order.NewRegistry()
	book := order.NewPositionBook()
	machine := NewMachine(events.NewRecorder(0), "ETH", nil)

	var calls int
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	poller := NewPoller(client, registry, book, machine, "uniswap",
		WithBalanceRefresher(func(context.Context) error {
			calls++
			return nil
		}, 0),
		WithPollerClock(func() time.Time { return now }),
	)

	require.NoError(t, poller.RunCycle(context.Background()))
	require.Equal(t, 1, calls)

	// inside the debounce window nothing happens
	now = now.Add(10 * time.Second)
	require.NoError(t, poller.RunCycle(context.Background()))
	require.Equal(t, 1, calls)

	// a forced refresh ignores the window
	poller.ForceBalanceRefresh()
	require.NoError(t, poller.RunCycle(context.Background()))
	require.Equal(t, 2, calls)

	now = now.Add(DefaultBalanceInterval)
	require.NoError(t, poller.RunCycle(context.Background()))
	require.Equal(t, 3, calls)

	_, at := registry.Snapshot()
	require.Equal(t, now, at)
}

func TestRunCycleCancellation(t *testing.T) {
	poller, _, registry, _, _ := newPollerFixture(t)
	trackOpenOrder(t, registry, "buy-WETH-DAI-1", "0xabc")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := poller.RunCycle(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

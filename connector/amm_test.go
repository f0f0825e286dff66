package connector

import (
	"context"
	"errors"
	"strings"
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

type fakeGateway struct {
	mu sync.Mutex

	tradeResult *gateway.TradeResult
	tradeErr    error
	trades      []gateway.TradeRequest

	approveResult *gateway.ApprovalResult
	approveErr    error

	balances   map[string]string
	allowances map[string]string
	balanceErr error

	cancels []int64

	priceCalls int
	price      decimal.Decimal

	polls map[string]*gateway.TxPoll
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		tradeResult:   &gateway.TradeResult{TxHash: "0xabc", Nonce: 7, GasPrice: decimal.NewFromInt(50)},
		approveResult: &gateway.ApprovalResult{TxHash: "0xapp", Nonce: 8},
		balances:      map[string]string{"WETH": "1.5", "DAI": "2000", "ETH": "0.2"},
		allowances:    map[string]string{"WETH": "100", "DAI": "100000"},
		price:         decimal.RequireFromString("1850.5"),
		polls:         make(map[string]*gateway.TxPoll),
	}
}

func (f *fakeGateway) Trade(_ context.Context, req gateway.TradeRequest) (*gateway.TradeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trades = append(f.trades, req)
	if f.tradeErr != nil {
		return nil, f.tradeErr
	}
	return f.tradeResult, nil
}

func (f *fakeGateway) Price(_ context.Context, _ gateway.PriceRequest) (*gateway.PriceResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.priceCalls++
	return &gateway.PriceResult{Price: f.price}, nil
}

func (f *fakeGateway) Approve(_ context.Context, _ gateway.ApproveRequest) (*gateway.ApprovalResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.approveErr != nil {
		return nil, f.approveErr
	}
	return f.approveResult, nil
}

func (f *fakeGateway) Balances(_ context.Context, _ string, _ []string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balanceErr != nil {
		return nil, f.balanceErr
	}
	return f.balances, nil
}

func (f *fakeGateway) Allowances(_ context.Context, _, _ string, _ []string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balanceErr != nil {
		return nil, f.balanceErr
	}
	return f.allowances, nil
}

func (f *fakeGateway) CancelTransaction(_ context.Context, _ string, nonce int64) (*gateway.CancelResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, nonce)
	return &gateway.CancelResult{TxHash: "0xcancel"}, nil
}

func (f *fakeGateway) WaitForOnline(context.Context) error { return nil }

func (f *fakeGateway) EstimateGas(context.Context) (*gateway.GasEstimate, error) {
	return &gateway.GasEstimate{
		GasPrice:      decimal.NewFromInt(50),
		GasPriceToken: "ETH",
		GasLimit:      21000,
		GasCost:       decimal.RequireFromString("0.00105"),
	}, nil
}

func (f *fakeGateway) PollTransaction(_ context.Context, txHash string) (*gateway.TxPoll, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if poll, ok := f.polls[txHash]; ok {
		return poll, nil
	}
	return &gateway.TxPoll{TxHash: txHash, TxStatus: gateway.TxStatusMempool}, nil
}

func (f *fakeGateway) Position(context.Context, string, uint64) (*gateway.PositionInfo, error) {
	return nil, errors.New("unknown position")
}

func testConfig() Config {
	return Config{
		Name:          "uniswap",
		Chain:         "ethereum",
		Network:       "mainnet",
		WalletAddress: "0x0000000000000000000000000000000000000001",
		TradingPairs:  []reefline.TradingPair{"WETH-DAI"},
		NativeAsset:   "ETH",
	}
}

func newAMMFixture(t *testing.T) (*AMM, *fakeGateway, *events.Recorder) {
	t.Helper()
	gw := newFakeGateway()
	rec := events.NewRecorder(0)
	amm := NewAMM(testConfig(), gw, gw, order.NewPositionBook(), rec)
	return amm, gw, rec
}

func waitForState(t *testing.T, amm *AMM, id string, want order.State) *order.InFlightOrder {
	t.Helper()
	var o *order.InFlightOrder
	require.Eventually(t, func() bool {
		got, ok := amm.Registry().Get(id)
		if !ok {
			return false
		}
		o = got
		return got.State() == want
	}, time.Second, 5*time.Millisecond)
	return o
}

func TestBuyTracksAndOpens(t *testing.T) {
	amm, gw, rec := newAMMFixture(t)

	id := amm.Buy(context.Background(), "WETH-DAI", decimal.RequireFromString("0.5"), decimal.NewFromInt(1850))
	require.True(t, strings.HasPrefix(id, "buy-WETH-DAI-"))

	o := waitForState(t, amm, id, order.StateOpen)
	exchangeID, ok := o.ExchangeOrderID()
	require.True(t, ok)
	require.Equal(t, "0xabc", exchangeID)
	require.Equal(t, int64(7), o.Nonce())
	require.Equal(t, []events.Kind{events.KindOrderCreated}, rec.Kinds())

	gw.mu.Lock()
	require.Len(t, gw.trades, 1)
	require.Equal(t, "buy", gw.trades[0].Side)
	require.Equal(t, "WETH", gw.trades[0].Base)
	require.Equal(t, "DAI", gw.trades[0].Quote)
	gw.mu.Unlock()
}

func waitUntilUntracked(t *testing.T, amm *AMM, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := amm.Registry().Get(id)
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestFailedSubmissionFailsOrder(t *testing.T) {
	amm, gw, rec := newAMMFixture(t)
	gw.tradeErr = errors.New("insufficient funds")

	id := amm.Sell(context.Background(), "WETH-DAI", decimal.NewFromInt(1), decimal.NewFromInt(1850))

	// the failure fires once and the dead record leaves the registry
	waitUntilUntracked(t, amm, id)
	require.Equal(t, []events.Kind{events.KindOrderFailure}, rec.Kinds())

	// the order never reached the chain; nothing may re-broadcast it
	gw.mu.Lock()
	require.Len(t, gw.trades, 1)
	gw.mu.Unlock()
}

func TestSubmissionWithoutTxHashFailsOrder(t *testing.T) {
	amm, gw, rec := newAMMFixture(t)
	gw.tradeResult = &gateway.TradeResult{TxHash: ""}

	id := amm.Buy(context.Background(), "WETH-DAI", decimal.NewFromInt(1), decimal.NewFromInt(1850))

	// an acknowledgement without a hash leaves nothing to poll; the order
	// fails instead of waiting forever
	waitUntilUntracked(t, amm, id)
	require.Equal(t, []events.Kind{events.KindOrderFailure}, rec.Kinds())

	gw.mu.Lock()
	require.Len(t, gw.trades, 1)
	gw.mu.Unlock()
}

func TestApproveToken(t *testing.T) {
	amm, _, _ := newAMMFixture(t)

	id, err := amm.ApproveToken(context.Background(), "WETH")
	require.NoError(t, err)
	require.Equal(t, "approve-uniswap-WETH", id)

	o, ok := amm.Registry().Get(id)
	require.True(t, ok)
	require.Equal(t, order.StatePendingApproval, o.State())

	// only one approval per token may be in flight
	_, err = amm.ApproveToken(context.Background(), "WETH")
	require.ErrorIs(t, err, order.ErrDuplicateOrder)
}

func TestApproveTokenWithoutTxHashFails(t *testing.T) {
	amm, gw, rec := newAMMFixture(t)
	gw.approveResult = &gateway.ApprovalResult{TxHash: ""}

	_, err := amm.ApproveToken(context.Background(), "WETH")
	require.Error(t, err)
	require.Equal(t, []events.Kind{events.KindTokenApprovalFailure}, rec.Kinds())

	// the dead record no longer blocks a retry
	_, ok := amm.Registry().Get("approve-uniswap-WETH")
	require.False(t, ok)
}

func TestCancelOrder(t *testing.T) {
	amm, gw, _ := newAMMFixture(t)
	id := amm.Buy(context.Background(), "WETH-DAI", decimal.NewFromInt(1), decimal.NewFromInt(1850))
	o := waitForState(t, amm, id, order.StateOpen)

	require.NoError(t, amm.CancelOrder(context.Background(), id))
	require.Equal(t, order.StatePendingCancel, o.State())
	cancelHash, ok := o.CancelTxHash()
	require.True(t, ok)
	require.Equal(t, "0xcancel", cancelHash)

	gw.mu.Lock()
	require.Equal(t, []int64{7}, gw.cancels)
	gw.mu.Unlock()

	// cancelling again is a no-op, not a second broadcast
	require.NoError(t, amm.CancelOrder(context.Background(), id))
	gw.mu.Lock()
	require.Len(t, gw.cancels, 1)
	gw.mu.Unlock()
}

func TestCancelOrderRejectsSettled(t *testing.T) {
	amm, _, _ := newAMMFixture(t)
	id := amm.Buy(context.Background(), "WETH-DAI", decimal.NewFromInt(1), decimal.NewFromInt(1850))
	o := waitForState(t, amm, id, order.StateOpen)
	require.True(t, o.Transition(order.StateFilled))

	require.Error(t, amm.CancelOrder(context.Background(), id))
	require.Error(t, amm.CancelOrder(context.Background(), "never-tracked"))
}

func TestCancelAll(t *testing.T) {
	amm, _, _ := newAMMFixture(t)
	first := amm.Buy(context.Background(), "WETH-DAI", decimal.NewFromInt(1), decimal.NewFromInt(1850))
	second := amm.Sell(context.Background(), "WETH-DAI", decimal.NewFromInt(1), decimal.NewFromInt(1900))
	waitForState(t, amm, first, order.StateOpen)
	waitForState(t, amm, second, order.StateOpen)

	// approvals are not trade orders and stay out of the sweep
	_, err := amm.ApproveToken(context.Background(), "WETH")
	require.NoError(t, err)

	results := amm.CancelAll(context.Background(), time.Second)
	require.Len(t, results, 2)
	for _, res := range results {
		require.True(t, res.Success, res.ClientOrderID)
	}
}

func TestRefreshBalances(t *testing.T) {
	amm, gw, _ := newAMMFixture(t)

	require.NoError(t, amm.RefreshBalances(context.Background()))
	weth, ok := amm.Balance("WETH")
	require.True(t, ok)
	require.True(t, weth.Equal(decimal.RequireFromString("1.5")))
	allowance, ok := amm.Allowance("DAI")
	require.True(t, ok)
	require.True(t, allowance.Equal(decimal.NewFromInt(100000)))

	// a failed refresh leaves the previous cache intact
	gw.mu.Lock()
	gw.balanceErr = errors.New("gateway down")
	gw.mu.Unlock()
	require.Error(t, amm.RefreshBalances(context.Background()))
	weth, ok = amm.Balance("WETH")
	require.True(t, ok)
	require.True(t, weth.Equal(decimal.RequireFromString("1.5")))
}

func TestQuotePriceCached(t *testing.T) {
	amm, gw, _ := newAMMFixture(t)

	price, err := amm.QuotePrice(context.Background(), "WETH-DAI", reefline.Buy, decimal.NewFromInt(1))
	require.NoError(t, err)
	require.True(t, price.Equal(decimal.RequireFromString("1850.5")))

	_, err = amm.QuotePrice(context.Background(), "WETH-DAI", reefline.Buy, decimal.NewFromInt(1))
	require.NoError(t, err)

	gw.mu.Lock()
	require.Equal(t, 1, gw.priceCalls)
	gw.mu.Unlock()

	// a different amount is a different quote
	_, err = amm.QuotePrice(context.Background(), "WETH-DAI", reefline.Buy, decimal.NewFromInt(2))
	require.NoError(t, err)
	gw.mu.Lock()
	require.Equal(t, 2, gw.priceCalls)
	gw.mu.Unlock()
}

func TestStatusDictTracksReadiness(t *testing.T) {
	amm, gw, _ := newAMMFixture(t)

	require.False(t, amm.Ready())
	dict := amm.StatusDict()
	require.False(t, dict["account_balance"])
	require.False(t, dict["reconciliation_loop"])

	require.NoError(t, amm.RefreshBalances(context.Background()))
	dict = amm.StatusDict()
	require.True(t, dict["account_balance"])
	require.True(t, dict["token_allowances"])

	// a traded token without an allowance blocks readiness
	gw.mu.Lock()
	delete(gw.allowances, "DAI")
	gw.mu.Unlock()
	require.NoError(t, amm.RefreshBalances(context.Background()))
	require.False(t, amm.StatusDict()["token_allowances"])
	require.False(t, amm.Ready())
}

func TestEstimateGas(t *testing.T) {
	amm, _, _ := newAMMFixture(t)

	est, err := amm.EstimateGas(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ETH", est.GasPriceToken)
	require.True(t, est.GasCost.Equal(decimal.RequireFromString("0.00105")))
}

func TestTrackingStatesSurviveRestart(t *testing.T) {
	amm, _, _ := newAMMFixture(t)
	id := amm.Buy(context.Background(), "WETH-DAI", decimal.NewFromInt(1), decimal.NewFromInt(1850))
	waitForState(t, amm, id, order.StateOpen)

	states, err := amm.TrackingStates()
	require.NoError(t, err)
	require.Contains(t, states, id)

	gw2 := newFakeGateway()
	restarted := NewAMM(testConfig(), gw2, gw2, order.NewPositionBook(), events.NewRecorder(0))
	require.NoError(t, restarted.RestoreTrackingStates(states))

	o, ok := restarted.Registry().Get(id)
	require.True(t, ok)
	require.Equal(t, order.StateOpen, o.State())
}

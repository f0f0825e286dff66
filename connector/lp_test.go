package connector

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/reefline/reefline/events"
	"github.com/reefline/reefline/gateway"
	"github.com/reefline/reefline/order"
	"github.com/reefline/reefline/reconcile"
)

type fakeLPGateway struct {
	mu sync.Mutex

	addErr    error
	addResult *gateway.LiquidityResult
	removes   []gateway.RemoveLiquidityRequest
	collects  []gateway.CollectFeesRequest
	poolPrice []decimal.Decimal
}

func (f *fakeLPGateway) AddLiquidity(_ context.Context, _ gateway.AddLiquidityRequest) (*gateway.LiquidityResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return nil, f.addErr
	}
	if f.addResult != nil {
		return f.addResult, nil
	}
	return &gateway.LiquidityResult{TxHash: "0xmint", Nonce: 9, GasPrice: decimal.NewFromInt(50)}, nil
}

func (f *fakeLPGateway) RemoveLiquidity(_ context.Context, req gateway.RemoveLiquidityRequest) (*gateway.LiquidityResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removes = append(f.removes, req)
	return &gateway.LiquidityResult{TxHash: "0xburn"}, nil
}

func (f *fakeLPGateway) CollectFees(_ context.Context, req gateway.CollectFeesRequest) (*gateway.LiquidityResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collects = append(f.collects, req)
	return &gateway.LiquidityResult{TxHash: "0xcollect"}, nil
}

func (f *fakeLPGateway) PoolPrice(_ context.Context, _ gateway.PoolPriceRequest) (*gateway.PoolPriceResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &gateway.PoolPriceResult{Prices: f.poolPrice}, nil
}

func newLPFixture(t *testing.T) (*LP, *fakeLPGateway, *events.Recorder) {
	t.Helper()
	gw := &fakeLPGateway{poolPrice: []decimal.Decimal{decimal.NewFromInt(1840), decimal.NewFromInt(1850)}}
	rec := events.NewRecorder(0)
	book := order.NewPositionBook()
	machine := reconcile.NewMachine(rec, "ETH", nil)
	return NewLP(testConfig(), gw, book, machine, nil), gw, rec
}

func openPosition(t *testing.T, lp *LP, tokenID uint64) *order.Position {
	t.Helper()
	id, err := lp.AddLiquidity(context.Background(), "WETH-DAI",
		decimal.NewFromInt(1700), decimal.NewFromInt(2000),
		decimal.NewFromInt(1), decimal.NewFromInt(1850), "MEDIUM")
	require.NoError(t, err)
	p, ok := lp.Book().Get(id)
	require.True(t, ok)
	require.NoError(t, p.AssignTokenID(tokenID))
	require.True(t, p.Transition(order.PositionOpen))
	return p
}

func TestAddLiquidity(t *testing.T) {
	lp, _, rec := newLPFixture(t)

	id, err := lp.AddLiquidity(context.Background(), "WETH-DAI",
		decimal.NewFromInt(1700), decimal.NewFromInt(2000),
		decimal.NewFromInt(1), decimal.NewFromInt(1850), "MEDIUM")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(id, "lp-WETH-DAI-"))

	p, ok := lp.Book().Get(id)
	require.True(t, ok)
	require.Equal(t, order.PositionPendingCreate, p.State())
	require.Equal(t, "0xmint", p.TxHash())
	require.Equal(t, []events.Kind{events.KindRangePositionInitiated}, rec.Kinds())
}

func TestAddLiquidityFailure(t *testing.T) {
	lp, gw, rec := newLPFixture(t)
	gw.addErr = errors.New("pool does not exist")

	id, err := lp.AddLiquidity(context.Background(), "WETH-DAI",
		decimal.NewFromInt(1700), decimal.NewFromInt(2000),
		decimal.NewFromInt(1), decimal.NewFromInt(1850), "MEDIUM")
	require.Error(t, err)

	// the failure fires and the dead position leaves the book
	require.Equal(t, []events.Kind{events.KindRangePositionFailure}, rec.Kinds())
	_, ok := lp.Book().Get(id)
	require.False(t, ok)
}

func TestAddLiquidityWithoutTxHashFails(t *testing.T) {
	lp, gw, rec := newLPFixture(t)
	gw.addResult = &gateway.LiquidityResult{TxHash: ""}

	id, err := lp.AddLiquidity(context.Background(), "WETH-DAI",
		decimal.NewFromInt(1700), decimal.NewFromInt(2000),
		decimal.NewFromInt(1), decimal.NewFromInt(1850), "MEDIUM")
	require.Error(t, err)

	require.Equal(t, []events.Kind{events.KindRangePositionFailure}, rec.Kinds())
	_, ok := lp.Book().Get(id)
	require.False(t, ok)
}

func TestRemoveLiquidity(t *testing.T) {
	lp, gw, _ := newLPFixture(t)
	p := openPosition(t, lp, 42)

	require.NoError(t, lp.RemoveLiquidity(context.Background(), p.PositionID()))
	require.Equal(t, order.PositionPendingRemove, p.State())
	require.Equal(t, "0xburn", p.TxHash())

	gw.mu.Lock()
	require.Len(t, gw.removes, 1)
	require.Equal(t, uint64(42), gw.removes[0].TokenID)
	require.True(t, gw.removes[0].DecreasePct.Equal(decimal.NewFromInt(100)))
	gw.mu.Unlock()
}

func TestPartialDecreaseKeepsPositionOpen(t *testing.T) {
	lp, _, _ := newLPFixture(t)
	p := openPosition(t, lp, 42)

	require.NoError(t, lp.DecreaseLiquidity(context.Background(), p.PositionID(), decimal.NewFromInt(50)))
	require.Equal(t, order.PositionOpen, p.State())

	require.Error(t, lp.DecreaseLiquidity(context.Background(), p.PositionID(), decimal.NewFromInt(150)))
	require.Error(t, lp.DecreaseLiquidity(context.Background(), p.PositionID(), decimal.Zero))
}

func TestDecreaseRequiresOpenPosition(t *testing.T) {
	lp, _, _ := newLPFixture(t)

	id, err := lp.AddLiquidity(context.Background(), "WETH-DAI",
		decimal.NewFromInt(1700), decimal.NewFromInt(2000),
		decimal.NewFromInt(1), decimal.NewFromInt(1850), "MEDIUM")
	require.NoError(t, err)

	// still pending create
	require.Error(t, lp.RemoveLiquidity(context.Background(), id))
	require.Error(t, lp.RemoveLiquidity(context.Background(), "never-tracked"))
}

func TestCollectFees(t *testing.T) {
	lp, gw, _ := newLPFixture(t)
	p := openPosition(t, lp, 42)

	require.NoError(t, lp.CollectFees(context.Background(), p.PositionID()))
	require.Equal(t, order.PositionOpen, p.State())
	require.Equal(t, "0xcollect", p.TxHash())

	gw.mu.Lock()
	require.Len(t, gw.collects, 1)
	gw.mu.Unlock()
}

func TestPoolPrice(t *testing.T) {
	lp, _, _ := newLPFixture(t)

	price, err := lp.PoolPrice(context.Background(), "WETH-DAI", "MEDIUM")
	require.NoError(t, err)
	require.True(t, price.Equal(decimal.NewFromInt(1850)))

	_, err = lp.PoolPrice(context.Background(), "bad pair", "MEDIUM")
	require.Error(t, err)
}

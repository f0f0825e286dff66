package storage

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/reefline/reefline/events"
)

func openTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOrderStatesRoundTrip(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()

	states := map[string]json.RawMessage{
		"buy-WETH-DAI-1":  json.RawMessage(`{"last_state":"OPEN"}`),
		"sell-WETH-DAI-2": json.RawMessage(`{"last_state":"PENDING_CANCEL"}`),
	}
	require.NoError(t, s.ReplaceOrderStates(ctx, states))

	got, err := s.LoadOrderStates(ctx)
	require.NoError(t, err)
	require.Equal(t, states, got)

	// a replace with fewer entries drops the rest
	require.NoError(t, s.ReplaceOrderStates(ctx, map[string]json.RawMessage{
		"buy-WETH-DAI-1": json.RawMessage(`{"last_state":"OPEN"}`),
	}))
	got, err = s.LoadOrderStates(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Contains(t, got, "buy-WETH-DAI-1")
}

func TestPositionStatesRoundTrip(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()

	states := map[string]json.RawMessage{
		"lp-WETH-DAI-1": json.RawMessage(`{"last_state":"OPEN","token_id":42}`),
	}
	require.NoError(t, s.ReplacePositionStates(ctx, states))

	got, err := s.LoadPositionStates(ctx)
	require.NoError(t, err)
	require.Equal(t, states, got)
}

func TestEventLog(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.RecordEvent(ctx, "OrderCreated", at.Add(time.Duration(i)*time.Second),
			map[string]string{"client_order_id": "buy-WETH-DAI-1"}))
	}

	got, err := s.RecentEvents(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Greater(t, got[0].ID, got[1].ID)
	require.Equal(t, "OrderCreated", got[0].Kind)
	require.Equal(t, at.Add(2*time.Second), got[0].At)
}

func TestEventSink(t *testing.T) {
	s := openTestStorage(t)
	sink := NewEventSink(s, nil)

	sink.Trigger(context.Background(), events.OrderCreated{
		Timestamp:     time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		ClientOrderID: "buy-WETH-DAI-1",
		TradingPair:   "WETH-DAI",
	})

	got, err := s.RecentEvents(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, string(events.KindOrderCreated), got[0].Kind)

	var payload struct {
		ClientOrderID string `json:"ClientOrderID"`
	}
	require.NoError(t, json.Unmarshal(got[0].Payload, &payload))
	require.Equal(t, "buy-WETH-DAI-1", payload.ClientOrderID)
}

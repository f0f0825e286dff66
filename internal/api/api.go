// Package api serves the read-only status surface: tracked orders,
// positions, balances, and the recent event log. The binary wraps the
// handler with CORS; nothing here mutates engine state.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/reefline/reefline/order"
	"github.com/reefline/reefline/storage"
)

type orderSource interface {
	Snapshot() (map[string]*order.InFlightOrder, time.Time)
}

type positionSource interface {
	All() []*order.Position
}

type balanceSource interface {
	Balances() map[string]decimal.Decimal
	Ready() bool
	StatusDict() map[string]bool
}

type eventStore interface {
	RecentEvents(ctx context.Context, limit int) ([]storage.LoggedEvent, error)
}

// Info identifies the connector instance in status answers.
type Info struct {
	Connector string `json:"connector"`
	Chain     string `json:"chain"`
	Network   string `json:"network"`
	Wallet    string `json:"wallet_address"`
}

// Handler answers the status endpoints.
type Handler struct {
	info      Info
	orders    orderSource
	positions positionSource
	balances  balanceSource
	events    eventStore
	logger    *slog.Logger
	mux       *http.ServeMux
}

// NewHandler wires the status surface over the given sources. events may be
// nil when no database is configured.
func NewHandler(info Info, orders orderSource, positions positionSource, balances balanceSource, events eventStore, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		info:      info,
		orders:    orders,
		positions: positions,
		balances:  balances,
		events:    events,
		logger:    logger.WithGroup("api"),
		mux:       http.NewServeMux(),
	}
	h.mux.HandleFunc("GET /api/status", h.handleStatus)
	h.mux.HandleFunc("GET /api/orders", h.handleOrders)
	h.mux.HandleFunc("GET /api/positions", h.handlePositions)
	h.mux.HandleFunc("GET /api/balances", h.handleBalances)
	h.mux.HandleFunc("GET /api/events", h.handleEvents)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Warn("encode response", slog.Any("error", err))
	}
}

type statusResponse struct {
	Info
	Ready            bool            `json:"ready"`
	Conditions       map[string]bool `json:"conditions"`
	TrackedOrders    int             `json:"tracked_orders"`
	TrackedPositions int             `json:"tracked_positions"`
	SnapshotAt       time.Time       `json:"snapshot_at"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, at := h.orders.Snapshot()
	h.writeJSON(w, http.StatusOK, statusResponse{
		Info:             h.info,
		Ready:            h.balances.Ready(),
		Conditions:       h.balances.StatusDict(),
		TrackedOrders:    len(snap),
		TrackedPositions: len(h.positions.All()),
		SnapshotAt:       at,
	})
}

type orderItem struct {
	ClientOrderID   string          `json:"client_order_id"`
	ExchangeOrderID string          `json:"exchange_order_id,omitempty"`
	TradingPair     string          `json:"trading_pair"`
	Side            string          `json:"side"`
	State           string          `json:"state"`
	Price           decimal.Decimal `json:"price"`
	Amount          decimal.Decimal `json:"amount"`
	ExecutedBase    decimal.Decimal `json:"executed_base"`
	FeePaid         decimal.Decimal `json:"fee_paid"`
	IsApproval      bool            `json:"is_approval,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

func (h *Handler) handleOrders(w http.ResponseWriter, r *http.Request) {
	snap, at := h.orders.Snapshot()
	items := make([]orderItem, 0, len(snap))
	for _, o := range snap {
		exchangeID, _ := o.ExchangeOrderID()
		base, _ := o.Executed()
		_, fee := o.Fee()
		items = append(items, orderItem{
			ClientOrderID:   o.ClientOrderID(),
			ExchangeOrderID: exchangeID,
			TradingPair:     o.TradingPair().String(),
			Side:            o.TradeType().String(),
			State:           string(o.State()),
			Price:           o.Price(),
			Amount:          o.Amount(),
			ExecutedBase:    base,
			FeePaid:         fee,
			IsApproval:      o.IsApproval(),
			CreatedAt:       o.CreatedAt(),
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ClientOrderID < items[j].ClientOrderID })
	h.writeJSON(w, http.StatusOK, map[string]any{
		"orders":      items,
		"snapshot_at": at,
	})
}

type positionItem struct {
	PositionID  string            `json:"position_id"`
	TokenID     uint64            `json:"token_id,omitempty"`
	TradingPair string            `json:"trading_pair"`
	State       string            `json:"state"`
	LowerPrice  decimal.Decimal   `json:"lower_price"`
	UpperPrice  decimal.Decimal   `json:"upper_price"`
	BaseAmount  decimal.Decimal   `json:"base_amount"`
	QuoteAmount decimal.Decimal   `json:"quote_amount"`
	Unclaimed   []decimal.Decimal `json:"unclaimed_fees,omitempty"`
	FeeTier     string            `json:"fee_tier"`
}

func (h *Handler) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions := h.positions.All()
	items := make([]positionItem, 0, len(positions))
	for _, p := range positions {
		tokenID, _ := p.TokenID()
		base, quote := p.Amounts()
		items = append(items, positionItem{
			PositionID:  p.PositionID(),
			TokenID:     tokenID,
			TradingPair: p.TradingPair().String(),
			State:       string(p.State()),
			LowerPrice:  p.LowerPrice(),
			UpperPrice:  p.UpperPrice(),
			BaseAmount:  base,
			QuoteAmount: quote,
			Unclaimed:   p.UnclaimedFees(),
			FeeTier:     p.FeeTier(),
		})
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"positions": items})
}

func (h *Handler) handleBalances(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"balances": h.balances.Balances()})
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		h.writeJSON(w, http.StatusOK, map[string]any{"events": []storage.LoggedEvent{}})
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 500 {
			h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be 1..500"})
			return
		}
		limit = parsed
	}
	events, err := h.events.RecentEvents(r.Context(), limit)
	if err != nil {
		h.logger.Warn("load events", slog.Any("error", err))
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "event log unavailable"})
		return
	}
	if events == nil {
		events = []storage.LoggedEvent{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

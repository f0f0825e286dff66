package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/rs/cors"
	"github.com/shopspring/decimal"

	"github.com/reefline/reefline/cmd/reefline/internal/config"
	"github.com/reefline/reefline/connector"
	"github.com/reefline/reefline/events"
	"github.com/reefline/reefline/gateway"
	"github.com/reefline/reefline/internal/api"
	rlog "github.com/reefline/reefline/log"
	"github.com/reefline/reefline/order"
	"github.com/reefline/reefline/reefline"
	"github.com/reefline/reefline/storage"
)

// App owns the wired-together engine for the lifetime of the process.
type App struct {
	cfg    config.AppConfig
	logger *slog.Logger

	store  *storage.Storage
	client *gateway.Client
	amm    *connector.AMM
	lp     *connector.LP
}

func NewApp(cfg config.AppConfig, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger}
}

// Run brings the engine up and blocks until ctx ends, then shuts down in
// reverse order: HTTP first, then the reconciliation loop, then a final
// tracking-state persist.
func (a *App) Run(ctx context.Context) error {
	ctx = rlog.ContextWithLogger(ctx, a.logger)

	store, err := storage.Open(a.cfg.StoragePath)
	if err != nil {
		return err
	}
	a.store = store
	defer store.Close()

	a.client = gateway.NewClient(a.cfg.GatewayURL, a.cfg.Chain, a.cfg.Network,
		gateway.WithLogger(a.logger),
		gateway.WithRateLimit(a.cfg.GatewayRPS),
	)

	bus := events.Tee{
		events.NewLogBus(a.logger),
		storage.NewEventSink(store, a.logger),
	}

	pairs := make([]reefline.TradingPair, 0, len(a.cfg.TradingPairs))
	for _, p := range a.cfg.TradingPairs {
		pairs = append(pairs, reefline.TradingPair(p))
	}
	venue := connector.Config{
		Name:          a.cfg.Connector,
		Chain:         a.cfg.Chain,
		Network:       a.cfg.Network,
		WalletAddress: a.cfg.WalletAddress,
		TradingPairs:  pairs,
		NativeAsset:   a.cfg.NativeAsset,
	}

	book := order.NewPositionBook()
	a.amm = connector.NewAMM(venue, a.client, a.client, book, bus,
		connector.WithAMMLogger(a.logger),
		connector.WithIntervals(a.cfg.PollInterval, a.cfg.BalanceInterval))
	a.lp = connector.NewLP(venue, a.client, book, a.amm.Machine(), a.logger)

	if err := a.restoreTrackingStates(ctx); err != nil {
		return err
	}
	if err := a.amm.Start(ctx); err != nil {
		return err
	}
	defer a.amm.Stop()

	queue := newApprovalQueue()
	var workers sync.WaitGroup
	for range a.cfg.ApprovalWorkers {
		workers.Add(1)
		go runApprovalWorker(ctx, &workers, queue, a.amm)
	}
	defer func() {
		queue.ShutDown()
		workers.Wait()
	}()
	a.enqueueMissingApprovals(ctx, queue, pairs)

	httpErr := make(chan error, 1)
	server := a.startHTTPServer(httpErr)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	persistDone := make(chan struct{})
	go a.persistLoop(ctx, persistDone)

	a.logger.InfoContext(ctx, "reefline up",
		slog.String("connector", a.cfg.Connector),
		slog.String("chain", a.cfg.Chain),
		slog.String("network", a.cfg.Network),
		slog.String("listen", a.cfg.HTTPListen))

	select {
	case err := <-httpErr:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	<-persistDone
	a.persistTrackingStates(context.Background())
	return nil
}

func (a *App) restoreTrackingStates(ctx context.Context) error {
	orderStates, err := a.store.LoadOrderStates(ctx)
	if err != nil {
		return err
	}
	if err := a.amm.RestoreTrackingStates(orderStates); err != nil {
		return fmt.Errorf("restore orders: %w", err)
	}
	positionStates, err := a.store.LoadPositionStates(ctx)
	if err != nil {
		return err
	}
	if err := a.lp.RestoreTrackingStates(positionStates); err != nil {
		return fmt.Errorf("restore positions: %w", err)
	}
	if len(orderStates) > 0 || len(positionStates) > 0 {
		a.logger.InfoContext(ctx, "resumed tracking",
			slog.Int("orders", len(orderStates)),
			slog.Int("positions", len(positionStates)))
	}
	return nil
}

// enqueueMissingApprovals asks for an allowance for every traded token the
// router cannot spend yet.
func (a *App) enqueueMissingApprovals(ctx context.Context, queue interface{ Add(approvalWork) }, pairs []reefline.TradingPair) {
	if err := a.amm.RefreshBalances(ctx); err != nil {
		a.logger.WarnContext(ctx, "initial balance refresh failed", slog.Any("error", err))
		return
	}
	for _, token := range reefline.Tokens(pairs) {
		allowance, ok := a.amm.Allowance(token)
		if !ok || allowance.Equal(decimal.Zero) {
			queue.Add(approvalWork{Token: token})
		}
	}
}

func (a *App) startHTTPServer(errCh chan<- error) *http.Server {
	handler := api.NewHandler(api.Info{
		Connector: a.cfg.Connector,
		Chain:     a.cfg.Chain,
		Network:   a.cfg.Network,
		Wallet:    a.cfg.WalletAddress,
	}, a.amm.Registry(), a.lp.Book(), a.amm, a.store, a.logger)

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: a.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
	})

	server := &http.Server{
		Addr:              a.cfg.HTTPListen,
		Handler:           corsMiddleware.Handler(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	return server
}

// persistLoop saves the live tracking states on an interval so a crash
// loses at most one window of state.
func (a *App) persistLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(a.cfg.PersistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.persistTrackingStates(ctx)
		}
	}
}

func (a *App) persistTrackingStates(ctx context.Context) {
	orderStates, err := a.amm.TrackingStates()
	if err == nil {
		err = a.store.ReplaceOrderStates(ctx, orderStates)
	}
	if err != nil {
		a.logger.WarnContext(ctx, "persist order states", slog.Any("error", err))
	}

	positionStates, err := a.lp.TrackingStates()
	if err == nil {
		err = a.store.ReplacePositionStates(ctx, positionStates)
	}
	if err != nil {
		a.logger.WarnContext(ctx, "persist position states", slog.Any("error", err))
	}
}

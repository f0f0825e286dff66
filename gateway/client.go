package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

// Client talks to one gateway instance for one chain+network. It is safe for
// concurrent use; the rate limiter spans all callers.
type Client struct {
	http    *resty.Client
	limiter *rate.Limiter
	logger  *slog.Logger
	chain   string
	network string
}

type Option func(*Client)

// WithLogger sets the client's logger; the default is slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithRateLimit caps outbound requests per second. Zero disables the cap.
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
}

// WithTimeout overrides the per-request timeout (default 30s).
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.SetTimeout(d) }
}

// NewClient builds a gateway client for the given base URL and chain scope.
func NewClient(baseURL, chain, network string, opts ...Option) *Client {
	c := &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(30 * time.Second).
			SetHeader("Content-Type", "application/json"),
		logger:  slog.Default(),
		chain:   chain,
		network: network,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithGroup("gateway")
	return c
}

// gatewayError is the error envelope the gateway returns on non-2xx answers.
type gatewayError struct {
	Message   string `json:"message"`
	ErrorCode int    `json:"errorCode"`
}

func (c *Client) post(ctx context.Context, path string, body map[string]any, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("gateway %s: %w", path, err)
		}
	}
	body["chain"] = c.chain
	body["network"] = c.network
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(out).
		Post(path)
	if err != nil {
		return fmt.Errorf("gateway %s: %w", path, err)
	}
	if !resp.IsSuccess() {
		var ge gatewayError
		_ = json.Unmarshal(resp.Body(), &ge)
		if ge.Message != "" {
			return fmt.Errorf("gateway %s: %s (code %d, http %d)", path, ge.Message, ge.ErrorCode, resp.StatusCode())
		}
		return fmt.Errorf("gateway %s: http %d: %s", path, resp.StatusCode(), resp.Body())
	}
	return nil
}

// Status fetches the gateway's view of the chain.
func (c *Client) Status(ctx context.Context) (*NetworkStatus, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("gateway status: %w", err)
		}
	}
	var out NetworkStatus
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("chain", c.chain).
		SetQueryParam("network", c.network).
		SetResult(&out).
		Get("/network/status")
	if err != nil {
		return nil, fmt.Errorf("gateway status: %w", err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("gateway status: http %d", resp.StatusCode())
	}
	return &out, nil
}

// WaitForOnline blocks until the gateway answers a status probe or ctx ends.
func (c *Client) WaitForOnline(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	for {
		if _, err := c.Status(ctx); err == nil {
			return nil
		} else if ctx.Err() != nil {
			return fmt.Errorf("waiting for gateway: %w", ctx.Err())
		} else {
			c.logger.WarnContext(ctx, "gateway not ready", slog.Any("error", err))
		}
		select {
		case <-time.After(bo.NextBackOff()):
		case <-ctx.Done():
			return fmt.Errorf("waiting for gateway: %w", ctx.Err())
		}
	}
}

// PollTransaction fetches the status of a broadcast transaction.
func (c *Client) PollTransaction(ctx context.Context, txHash string) (*TxPoll, error) {
	var out TxPoll
	err := c.post(ctx, "/network/poll", map[string]any{"txHash": txHash}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Balances fetches wallet balances for the given token symbols.
func (c *Client) Balances(ctx context.Context, address string, tokens []string) (map[string]string, error) {
	var out struct {
		Balances map[string]string `json:"balances"`
	}
	err := c.post(ctx, "/network/balances", map[string]any{
		"address":      address,
		"tokenSymbols": tokens,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Balances, nil
}

// Allowances fetches ERC-20 allowances granted to the spender.
func (c *Client) Allowances(ctx context.Context, address, spender string, tokens []string) (map[string]string, error) {
	var out struct {
		Approvals map[string]string `json:"approvals"`
	}
	err := c.post(ctx, "/evm/allowances", map[string]any{
		"address":      address,
		"spender":      spender,
		"tokenSymbols": tokens,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Approvals, nil
}

// Approve broadcasts an ERC-20 allowance transaction.
func (c *Client) Approve(ctx context.Context, req ApproveRequest) (*ApprovalResult, error) {
	var out struct {
		Approval ApprovalResult `json:"approval"`
	}
	err := c.post(ctx, "/evm/approve", map[string]any{
		"address": req.Address,
		"spender": req.Connector,
		"token":   req.Token,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out.Approval, nil
}

// CancelTransaction broadcasts a replacement transaction for the nonce,
// which voids whatever was pending there.
func (c *Client) CancelTransaction(ctx context.Context, address string, nonce int64) (*CancelResult, error) {
	var out CancelResult
	err := c.post(ctx, "/evm/cancel", map[string]any{
		"address": address,
		"nonce":   nonce,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// EstimateGas fetches the chain's current gas pricing.
func (c *Client) EstimateGas(ctx context.Context) (*GasEstimate, error) {
	var out GasEstimate
	if err := c.post(ctx, "/chain/estimateGas", map[string]any{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Price fetches a swap quote.
func (c *Client) Price(ctx context.Context, req PriceRequest) (*PriceResult, error) {
	var out PriceResult
	err := c.post(ctx, "/amm/price", map[string]any{
		"connector": req.Connector,
		"base":      req.Base,
		"quote":     req.Quote,
		"amount":    req.Amount.String(),
		"side":      req.Side,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Trade broadcasts a swap.
func (c *Client) Trade(ctx context.Context, req TradeRequest) (*TradeResult, error) {
	var out TradeResult
	err := c.post(ctx, "/amm/trade", map[string]any{
		"connector":  req.Connector,
		"address":    req.Address,
		"base":       req.Base,
		"quote":      req.Quote,
		"amount":     req.Amount.String(),
		"side":       req.Side,
		"limitPrice": req.LimitPrice.String(),
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// AddLiquidity broadcasts a position mint, or a top-up when TokenID is set.
func (c *Client) AddLiquidity(ctx context.Context, req AddLiquidityRequest) (*LiquidityResult, error) {
	body := map[string]any{
		"connector": req.Connector,
		"address":   req.Address,
		"token0":    req.Base,
		"token1":    req.Quote,
		"amount0":   req.BaseAmount.String(),
		"amount1":   req.QuoteAmount.String(),
		"lowerPrice": req.LowerPrice.String(),
		"upperPrice": req.UpperPrice.String(),
		"fee":        req.FeeTier,
	}
	if req.TokenID != 0 {
		body["tokenId"] = req.TokenID
	}
	var out LiquidityResult
	if err := c.post(ctx, "/amm/liquidity/add", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RemoveLiquidity broadcasts a liquidity decrease for the position.
func (c *Client) RemoveLiquidity(ctx context.Context, req RemoveLiquidityRequest) (*LiquidityResult, error) {
	var out LiquidityResult
	err := c.post(ctx, "/amm/liquidity/remove", map[string]any{
		"connector":       req.Connector,
		"address":         req.Address,
		"tokenId":         req.TokenID,
		"decreasePercent": req.DecreasePct.String(),
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CollectFees broadcasts a fee collection for the position.
func (c *Client) CollectFees(ctx context.Context, req CollectFeesRequest) (*LiquidityResult, error) {
	var out LiquidityResult
	err := c.post(ctx, "/amm/liquidity/collect_fees", map[string]any{
		"connector": req.Connector,
		"address":   req.Address,
		"tokenId":   req.TokenID,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Position fetches the on-chain state of a minted position.
func (c *Client) Position(ctx context.Context, connector string, tokenID uint64) (*PositionInfo, error) {
	var out PositionInfo
	err := c.post(ctx, "/amm/liquidity/position", map[string]any{
		"connector": connector,
		"tokenId":   tokenID,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// PoolPrice fetches the current pool price for a pair at a fee tier.
func (c *Client) PoolPrice(ctx context.Context, req PoolPriceRequest) (*PoolPriceResult, error) {
	var out PoolPriceResult
	err := c.post(ctx, "/amm/liquidity/price", map[string]any{
		"connector": req.Connector,
		"token0":    req.Base,
		"token1":    req.Quote,
		"fee":       req.FeeTier,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Package gateway is the HTTP client for the gateway middleware that fronts
// the DEX chains. All chain interaction in the engine goes through it.
package gateway

import (
	"github.com/shopspring/decimal"
)

// Transaction poll status codes as the gateway reports them. Anything in the
// mempool band means "still waiting"; pollers must leave the order state
// untouched for those.
const (
	TxStatusError     = -1
	TxStatusMempool   = 0
	TxStatusConfirmed = 1
	TxStatusPending   = 2
	TxStatusUnknown   = 3
)

// Receipt status values inside a confirmed transaction.
const (
	ReceiptFailed    = 0
	ReceiptSucceeded = 1
)

// ReceiptLog is one EVM event log entry from a transaction receipt.
type ReceiptLog struct {
	Address string   `json:"address"`
	Topics  []string `json:"topics"`
	Data    string   `json:"data"`
}

// TxReceipt is the receipt of a mined transaction.
type TxReceipt struct {
	Status  int             `json:"status"`
	GasUsed decimal.Decimal `json:"gasUsed"`
	Logs    []ReceiptLog    `json:"logs"`
}

// TxData carries the broadcast parameters of a polled transaction.
type TxData struct {
	GasPrice decimal.Decimal `json:"gasPrice"`
	GasLimit int64           `json:"gasLimit"`
	Nonce    int64           `json:"nonce"`
}

// TxPoll is the gateway's answer to a transaction status poll. TxHash echoes
// the polled hash; a response without it is treated as ambiguous upstream.
type TxPoll struct {
	TxHash   string     `json:"txHash"`
	TxStatus int        `json:"txStatus"`
	TxBlock  int64      `json:"txBlock"`
	TxData   *TxData    `json:"txData"`
	Receipt  *TxReceipt `json:"txReceipt"`
}

// Confirmed reports whether the transaction was mined (successfully or not).
func (p *TxPoll) Confirmed() bool { return p.TxStatus == TxStatusConfirmed }

// InMempool reports whether the transaction is still waiting to be mined.
func (p *TxPoll) InMempool() bool {
	switch p.TxStatus {
	case TxStatusMempool, TxStatusPending, TxStatusUnknown:
		return true
	default:
		return false
	}
}

// PriceRequest asks for a swap quote.
type PriceRequest struct {
	Connector string
	Base      string
	Quote     string
	Amount    decimal.Decimal
	Side      string
}

// PriceResult is a swap quote.
type PriceResult struct {
	Price         decimal.Decimal `json:"price"`
	Amount        decimal.Decimal `json:"amount"`
	ExpectedOut   decimal.Decimal `json:"expectedAmount"`
	GasPrice      decimal.Decimal `json:"gasPrice"`
	GasPriceToken string          `json:"gasPriceToken"`
	GasLimit      int64           `json:"gasLimit"`
	GasCost       decimal.Decimal `json:"gasCost"`
}

// TradeRequest submits a swap.
type TradeRequest struct {
	Connector  string
	Address    string
	Base       string
	Quote      string
	Amount     decimal.Decimal
	Side       string
	LimitPrice decimal.Decimal
}

// TradeResult is the gateway's acknowledgement of a broadcast swap.
type TradeResult struct {
	TxHash   string          `json:"txHash"`
	Nonce    int64           `json:"nonce"`
	GasPrice decimal.Decimal `json:"gasPrice"`
	GasLimit int64           `json:"gasLimit"`
	GasCost  decimal.Decimal `json:"gasCost"`
}

// ApproveRequest submits an ERC-20 allowance transaction.
type ApproveRequest struct {
	Connector string
	Address   string
	Token     string
}

// ApprovalResult is the gateway's acknowledgement of a broadcast approval.
type ApprovalResult struct {
	TxHash   string          `json:"hash"`
	Nonce    int64           `json:"nonce"`
	GasPrice decimal.Decimal `json:"gasPrice"`
}

// AddLiquidityRequest opens or tops up a concentrated-liquidity position.
// TokenID zero mints a new position.
type AddLiquidityRequest struct {
	Connector   string
	Address     string
	Base        string
	Quote       string
	BaseAmount  decimal.Decimal
	QuoteAmount decimal.Decimal
	LowerPrice  decimal.Decimal
	UpperPrice  decimal.Decimal
	FeeTier     string
	TokenID     uint64
}

// RemoveLiquidityRequest withdraws a percentage of a position's liquidity.
type RemoveLiquidityRequest struct {
	Connector   string
	Address     string
	TokenID     uint64
	DecreasePct decimal.Decimal
}

// CollectFeesRequest claims a position's accumulated swap fees.
type CollectFeesRequest struct {
	Connector string
	Address   string
	TokenID   uint64
}

// LiquidityResult acknowledges a broadcast liquidity transaction.
type LiquidityResult struct {
	TxHash   string          `json:"txHash"`
	Nonce    int64           `json:"nonce"`
	GasPrice decimal.Decimal `json:"gasPrice"`
	GasLimit int64           `json:"gasLimit"`
}

// PositionInfo is the on-chain view of a concentrated-liquidity position.
type PositionInfo struct {
	TokenID        uint64          `json:"tokenId"`
	LowerPrice     decimal.Decimal `json:"lowerPrice"`
	UpperPrice     decimal.Decimal `json:"upperPrice"`
	BaseAmount     decimal.Decimal `json:"amount0"`
	QuoteAmount    decimal.Decimal `json:"amount1"`
	UnclaimedBase  decimal.Decimal `json:"unclaimedToken0"`
	UnclaimedQuote decimal.Decimal `json:"unclaimedToken1"`
	FeeTier        string          `json:"fee"`
}

// Drained reports whether the position holds no liquidity and no unclaimed
// fees, which is how a fully removed position looks on chain.
func (p *PositionInfo) Drained() bool {
	return p.BaseAmount.IsZero() && p.QuoteAmount.IsZero() &&
		p.UnclaimedBase.IsZero() && p.UnclaimedQuote.IsZero()
}

// PoolPriceRequest asks for the current pool price of a pair at a fee tier.
type PoolPriceRequest struct {
	Connector string
	Base      string
	Quote     string
	FeeTier   string
}

// PoolPriceResult carries the pool's current mid price.
type PoolPriceResult struct {
	Prices []decimal.Decimal `json:"prices"`
}

// NetworkStatus is the gateway's health answer.
type NetworkStatus struct {
	Chain          string `json:"chain"`
	Network        string `json:"network"`
	CurrentBlock   int64  `json:"currentBlockNumber"`
	RPCURL         string `json:"rpcUrl"`
	NativeCurrency string `json:"nativeCurrency"`
	GatewayVersion string `json:"gatewayVersion"`
}

// CancelResult acknowledges a broadcast nonce-cancel transaction.
type CancelResult struct {
	TxHash string `json:"txHash"`
}

// GasEstimate is the chain's current gas pricing in the gas token.
type GasEstimate struct {
	GasPrice      decimal.Decimal `json:"gasPrice"`
	GasPriceToken string          `json:"gasPriceToken"`
	GasLimit      int64           `json:"gasLimit"`
	GasCost       decimal.Decimal `json:"gasCost"`
}

// Package domain defines the core entities of the emulated brokerage:
// instruments, quotes, bars, accounts, positions, orders, trades and cash
// transactions.
package domain

import (
	"math"
	"time"
)

// Market identifies the exchange region an instrument trades in.
type Market string

const (
	MarketUS Market = "us"
)

// Side is the direction of an order or trade.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Sign returns +1 for buys and -1 for sells.
func (s Side) Sign() float64 {
	if s == SideSell {
		return -1
	}
	return 1
}

// OrderType selects the trigger rule used by the execution engine.
type OrderType string

const (
	OrderTypeMarket    OrderType = "MARKET"
	OrderTypeLimit     OrderType = "LIMIT"
	OrderTypeStop      OrderType = "STOP"
	OrderTypeStopLimit OrderType = "STOP_LIMIT"
)

// Valid reports whether t is a known order type.
func (t OrderType) Valid() bool {
	switch t {
	case OrderTypeMarket, OrderTypeLimit, OrderTypeStop, OrderTypeStopLimit:
		return true
	}
	return false
}

// TimeInForce controls how long an order rests before it is canceled.
type TimeInForce string

const (
	TimeInForceDay TimeInForce = "DAY"
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceFOK TimeInForce = "FOK"
)

// Valid reports whether tif is a known time-in-force.
func (tif TimeInForce) Valid() bool {
	switch tif {
	case TimeInForceDay, TimeInForceGTC, TimeInForceIOC, TimeInForceFOK:
		return true
	}
	return false
}

// Immediate reports whether orders with this time-in-force must be resolved
// at placement and never rest.
func (tif TimeInForce) Immediate() bool {
	return tif == TimeInForceIOC || tif == TimeInForceFOK
}

// TxType classifies a cash ledger entry.
type TxType string

const (
	TxTrade      TxType = "TRADE"
	TxCommission TxType = "COMMISSION"
	TxDeposit    TxType = "DEPOSIT"
	TxWithdrawal TxType = "WITHDRAWAL"
	TxDividend   TxType = "DIVIDEND"
)

// ---------------------------------------------------------------------------
// Market data
// ---------------------------------------------------------------------------

// Instrument is the static definition of a tradable symbol.
type Instrument struct {
	Symbol     string  `json:"symbol"`
	Name       string  `json:"name"`
	Currency   string  `json:"currency"`
	LotSize    float64 `json:"lot_size"`
	Decimals   int     `json:"decimals"`
	StartPrice float64 `json:"start_price"`
	Volatility float64 `json:"volatility"` // daily, as a fraction
	Drift      float64 `json:"drift"`      // daily, as a fraction
	BaseVolume int64   `json:"base_volume"`
}

// TickSize is the smallest price increment for the instrument.
func (i Instrument) TickSize() float64 {
	return math.Pow10(-i.Decimals)
}

// RoundPrice rounds p to the instrument's price precision.
func (i Instrument) RoundPrice(p float64) float64 {
	scale := math.Pow10(i.Decimals)
	return math.Round(p*scale) / scale
}

// Quote is the live market state of one symbol.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Last      float64   `json:"last"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    int64     `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

// Bar is one OHLCV record.
type Bar struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    int64     `json:"volume"`
}

// BookLevel is one price level of a synthetic order book.
type BookLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// OrderBook is a synthetic depth ladder derived from a quote. It is never
// stored.
type OrderBook struct {
	Symbol    string      `json:"symbol"`
	Bids      []BookLevel `json:"bids"`
	Asks      []BookLevel `json:"asks"`
	Timestamp time.Time   `json:"timestamp"`
}

// ---------------------------------------------------------------------------
// Account state
// ---------------------------------------------------------------------------

// Account holds cash balances and the derived portfolio metrics of one
// client account.
type Account struct {
	ID               string             `json:"id"`
	Currency         string             `json:"currency"`
	Cash             map[string]float64 `json:"cash"`
	Equity           float64            `json:"equity"`
	PositionsValue   float64            `json:"positions_value"`
	LongMarketValue  float64            `json:"long_market_value"`
	ShortMarketValue float64            `json:"short_market_value"`
	UnrealizedPnL    float64            `json:"unrealized_pnl"`
	RealizedPnL      float64            `json:"realized_pnl"`
	InitialMargin    float64            `json:"initial_margin"`
	BuyingPower      float64            `json:"buying_power"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// Balance returns the cash balance in the account's base currency.
func (a *Account) Balance() float64 {
	return a.Cash[a.Currency]
}

// Position is the signed holding of one symbol in one account.
type Position struct {
	AccountID     string    `json:"account_id"`
	Symbol        string    `json:"symbol"`
	Qty           float64   `json:"qty"`
	AvgPrice      float64   `json:"avg_price"`
	CurrentPrice  float64   `json:"current_price"`
	MarketValue   float64   `json:"market_value"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	RealizedPnL   float64   `json:"realized_pnl"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// PositionKey is the ledger key of the (account, symbol) position.
func PositionKey(accountID, symbol string) string {
	return accountID + "/" + symbol
}

// ---------------------------------------------------------------------------
// Orders and fills
// ---------------------------------------------------------------------------

// OrderRequest is a client's request to place an order.
type OrderRequest struct {
	AccountID     string      `json:"account_id"`
	ClientOrderID string      `json:"client_order_id,omitempty"`
	Symbol        string      `json:"symbol"`
	Side          Side        `json:"side"`
	Type          OrderType   `json:"type"`
	TimeInForce   TimeInForce `json:"time_in_force,omitempty"`
	Qty           float64     `json:"qty"`
	LimitPrice    float64     `json:"limit_price,omitempty"`
	StopPrice     float64     `json:"stop_price,omitempty"`
}

// Order is a client order and its execution progress.
type Order struct {
	ID             string      `json:"id"`
	ClientOrderID  string      `json:"client_order_id"`
	AccountID      string      `json:"account_id"`
	Symbol         string      `json:"symbol"`
	Side           Side        `json:"side"`
	Type           OrderType   `json:"type"`
	TimeInForce    TimeInForce `json:"time_in_force"`
	Qty            float64     `json:"qty"`
	LimitPrice     float64     `json:"limit_price,omitempty"`
	StopPrice      float64     `json:"stop_price,omitempty"`
	FilledQty      float64     `json:"filled_qty"`
	RemainingQty   float64     `json:"remaining_qty"`
	FilledAvgPrice float64     `json:"filled_avg_price"`
	Status         OrderStatus `json:"status"`
	StopTriggered  bool        `json:"stop_triggered,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	FilledAt       *time.Time  `json:"filled_at,omitempty"`
	CanceledAt     *time.Time  `json:"canceled_at,omitempty"`
}

// Trade records one fill of an order.
type Trade struct {
	ID          string    `json:"id"`
	ExecutionID string    `json:"execution_id"`
	OrderID     string    `json:"order_id"`
	AccountID   string    `json:"account_id"`
	Symbol      string    `json:"symbol"`
	Side        Side      `json:"side"`
	Price       float64   `json:"price"`
	Qty         float64   `json:"qty"`
	Commission  float64   `json:"commission"`
	Timestamp   time.Time `json:"timestamp"`
}

// Notional is the traded value before commission.
func (t *Trade) Notional() float64 {
	return t.Price * t.Qty
}

// Transaction is an append-only cash ledger entry.
type Transaction struct {
	ID           string    `json:"id"`
	AccountID    string    `json:"account_id"`
	Type         TxType    `json:"type"`
	Currency     string    `json:"currency"`
	Amount       float64   `json:"amount"`
	BalanceAfter float64   `json:"balance_after"`
	Reference    string    `json:"reference,omitempty"`
	Description  string    `json:"description,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

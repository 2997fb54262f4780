// Package broker defines the Broker control surface and its implementations:
// the in-process emulator and the Alpaca brokerage API.
package broker

import (
	"context"
	"time"

	"tradesim/internal/domain"
)

// Broker abstracts brokerage operations: order entry, account state and
// market data. Errors wrap the domain sentinels (ErrNotFound,
// ErrValidation, ErrInvalidTransition, ErrUnsupported).
type Broker interface {
	// Name returns the broker identifier (e.g. "alpaca", "simulator").
	Name() string

	// GetAccount returns a snapshot of the account's financial metrics.
	GetAccount(ctx context.Context, accountID string) (*domain.Account, error)

	// SubmitOrder validates and enters an order.
	SubmitOrder(ctx context.Context, req domain.OrderRequest) (*domain.Order, error)

	// CancelOrder cancels an open order by its ID.
	CancelOrder(ctx context.Context, orderID string) (*domain.Order, error)

	// GetOrders returns the account's orders, newest first.
	GetOrders(ctx context.Context, accountID string) ([]domain.Order, error)

	// GetOrder returns one order.
	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)

	// GetPositions returns the account's open positions.
	GetPositions(ctx context.Context, accountID string) ([]domain.Position, error)

	// GetQuote returns the latest quote of symbol.
	GetQuote(ctx context.Context, symbol string) (*domain.Quote, error)

	// GetOrderBook returns up to depth price levels per side.
	GetOrderBook(ctx context.Context, symbol string, depth int) (*domain.OrderBook, error)

	// GetRecentTrades returns the latest trades in symbol, newest first.
	GetRecentTrades(ctx context.Context, symbol string, limit int) ([]domain.Trade, error)

	// GetBars returns bars in [start, end] at timeframe ("1Day", "1Week",
	// "1Month").
	GetBars(ctx context.Context, symbol string, start, end time.Time, timeframe string) ([]domain.Bar, error)

	// GetTransactions returns the account's cash ledger in [start, end].
	GetTransactions(ctx context.Context, accountID string, start, end time.Time) ([]domain.Transaction, error)
}

// CashManager is implemented by brokers that accept deposits and
// withdrawals through the API.
type CashManager interface {
	Deposit(ctx context.Context, accountID string, amount float64) (*domain.Transaction, error)
	Withdraw(ctx context.Context, accountID string, amount float64) (*domain.Transaction, error)
}

package broker

import (
	"context"
	"time"

	"tradesim/internal/domain"
	"tradesim/internal/engine"
)

// Compile-time interface checks.
var (
	_ Broker      = (*SimulatorBroker)(nil)
	_ CashManager = (*SimulatorBroker)(nil)
)

// SimulatorBroker implements Broker on top of the emulator engine.
type SimulatorBroker struct {
	engine *engine.Engine
}

// NewSimulatorBroker wraps e.
func NewSimulatorBroker(e *engine.Engine) *SimulatorBroker {
	return &SimulatorBroker{engine: e}
}

// Name returns "simulator".
func (b *SimulatorBroker) Name() string {
	return "simulator"
}

// GetAccount returns the emulated account with equity marked to the live quotes.
func (b *SimulatorBroker) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	return b.engine.GetAccount(ctx, accountID)
}

// SubmitOrder validates req and places it on the emulator. MARKET orders
// fill before it returns; other types rest until a tick crosses them.
func (b *SimulatorBroker) SubmitOrder(ctx context.Context, req domain.OrderRequest) (*domain.Order, error) {
	return b.engine.PlaceOrder(ctx, req)
}

// CancelOrder cancels an open order, keeping any partial fills.
func (b *SimulatorBroker) CancelOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	return b.engine.CancelOrder(ctx, orderID)
}

// GetOrders returns all orders of the account, newest first.
func (b *SimulatorBroker) GetOrders(ctx context.Context, accountID string) ([]domain.Order, error) {
	return b.engine.GetOrders(ctx, accountID)
}

// GetOrder returns one order by ID.
func (b *SimulatorBroker) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	return b.engine.GetOrder(ctx, orderID)
}

// GetPositions returns the open positions of the account.
func (b *SimulatorBroker) GetPositions(ctx context.Context, accountID string) ([]domain.Position, error) {
	return b.engine.GetPositions(ctx, accountID)
}

// GetQuote returns the live emulated quote.
func (b *SimulatorBroker) GetQuote(ctx context.Context, symbol string) (*domain.Quote, error) {
	return b.engine.GetQuote(ctx, symbol)
}

// GetOrderBook returns a synthetic depth ladder around the live quote.
func (b *SimulatorBroker) GetOrderBook(ctx context.Context, symbol string, depth int) (*domain.OrderBook, error) {
	return b.engine.GetOrderBook(ctx, symbol, depth)
}

// GetRecentTrades returns the latest emulated fills in symbol, newest first.
func (b *SimulatorBroker) GetRecentTrades(ctx context.Context, symbol string, limit int) ([]domain.Trade, error) {
	return b.engine.GetRecentTrades(ctx, symbol, limit)
}

// GetBars returns generated history aggregated to timeframe.
func (b *SimulatorBroker) GetBars(ctx context.Context, symbol string, start, end time.Time, timeframe string) ([]domain.Bar, error) {
	return b.engine.GetBars(ctx, symbol, start, end, timeframe)
}

// GetTransactions returns the account's cash ledger within [start, end].
func (b *SimulatorBroker) GetTransactions(ctx context.Context, accountID string, start, end time.Time) ([]domain.Transaction, error) {
	return b.engine.GetTransactions(ctx, accountID, start, end)
}

// Deposit credits cash to the emulated account.
func (b *SimulatorBroker) Deposit(ctx context.Context, accountID string, amount float64) (*domain.Transaction, error) {
	return b.engine.Deposit(ctx, accountID, amount)
}

// Withdraw debits cash from the emulated account.
func (b *SimulatorBroker) Withdraw(ctx context.Context, accountID string, amount float64) (*domain.Transaction, error) {
	return b.engine.Withdraw(ctx, accountID, amount)
}

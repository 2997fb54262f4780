// Package ledger holds the emulator's in-memory tables and id counters. A
// Ledger is a plain aggregate with no locking of its own; the engine owns it
// and serializes every access.
package ledger

import (
	"fmt"
	"sort"
	"time"

	"tradesim/internal/domain"
)

// Baseline values for the id counters. Reset restores them.
const (
	BaselineOrderID       int64 = 1000
	BaselineTradeID       int64 = 5000
	BaselineTransactionID int64 = 9000
)

// Counters are the last issued ids per table.
type Counters struct {
	Order       int64 `json:"order"`
	Trade       int64 `json:"trade"`
	Transaction int64 `json:"transaction"`
}

// BaselineCounters returns the counters of an empty ledger.
func BaselineCounters() Counters {
	return Counters{
		Order:       BaselineOrderID,
		Trade:       BaselineTradeID,
		Transaction: BaselineTransactionID,
	}
}

// Ledger is the full emulator state.
type Ledger struct {
	Accounts     map[string]*domain.Account
	Orders       map[string]*domain.Order
	Positions    map[string]*domain.Position // keyed by domain.PositionKey
	Trades       map[string]*domain.Trade
	Transactions map[string]*domain.Transaction
	Quotes       map[string]*domain.Quote
	Bars         map[string][]domain.Bar
	Counters     Counters
}

// New returns an empty ledger with baseline counters.
func New() *Ledger {
	return &Ledger{
		Accounts:     make(map[string]*domain.Account),
		Orders:       make(map[string]*domain.Order),
		Positions:    make(map[string]*domain.Position),
		Trades:       make(map[string]*domain.Trade),
		Transactions: make(map[string]*domain.Transaction),
		Quotes:       make(map[string]*domain.Quote),
		Bars:         make(map[string][]domain.Bar),
		Counters:     BaselineCounters(),
	}
}

// Reset clears every table and restores baseline counters.
func (l *Ledger) Reset() {
	*l = *New()
}

// ---------------------------------------------------------------------------
// Id allocation
// ---------------------------------------------------------------------------

// NextOrderID allocates the next order id.
func (l *Ledger) NextOrderID() string {
	l.Counters.Order++
	return fmt.Sprintf("ORD-%08d", l.Counters.Order)
}

// NextTradeID allocates the next trade id.
func (l *Ledger) NextTradeID() string {
	l.Counters.Trade++
	return fmt.Sprintf("TRD-%08d", l.Counters.Trade)
}

// NextTransactionID allocates the next transaction id.
func (l *Ledger) NextTransactionID() string {
	l.Counters.Transaction++
	return fmt.Sprintf("TXN-%08d", l.Counters.Transaction)
}

// ---------------------------------------------------------------------------
// Mutation helpers
// ---------------------------------------------------------------------------

// AppendTransaction records a cash movement on the account and appends the
// matching transaction stamped with the resulting balance.
func (l *Ledger) AppendTransaction(acct *domain.Account, typ domain.TxType, amount float64, ref, desc string, ts time.Time) *domain.Transaction {
	ccy := acct.Currency
	acct.Cash[ccy] = RoundMoney(acct.Cash[ccy] + amount)
	tx := &domain.Transaction{
		ID:           l.NextTransactionID(),
		AccountID:    acct.ID,
		Type:         typ,
		Currency:     ccy,
		Amount:       amount,
		BalanceAfter: acct.Cash[ccy],
		Reference:    ref,
		Description:  desc,
		Timestamp:    ts,
	}
	l.Transactions[tx.ID] = tx
	return tx
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// Position returns the position of accountID in symbol, or nil.
func (l *Ledger) Position(accountID, symbol string) *domain.Position {
	return l.Positions[domain.PositionKey(accountID, symbol)]
}

// ActiveOrderIDs returns the ids of all NEW and PARTIALLY_FILLED orders in
// id order.
func (l *Ledger) ActiveOrderIDs() []string {
	var ids []string
	for id, o := range l.Orders {
		if o.Status.Active() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// OrdersFor returns the account's orders, newest first.
func (l *Ledger) OrdersFor(accountID string) []*domain.Order {
	var out []*domain.Order
	for _, o := range l.Orders {
		if o.AccountID == accountID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

// PositionsFor returns the account's positions sorted by symbol.
func (l *Ledger) PositionsFor(accountID string) []*domain.Position {
	var out []*domain.Position
	for _, p := range l.Positions {
		if p.AccountID == accountID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// TradesFor returns the trades in symbol, newest first. limit <= 0 returns
// all of them.
func (l *Ledger) TradesFor(symbol string, limit int) []*domain.Trade {
	var out []*domain.Trade
	for _, t := range l.Trades {
		if t.Symbol == symbol {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// TransactionsFor returns the account's transactions with timestamps in
// [start, end] in chronological order. Zero bounds are open.
func (l *Ledger) TransactionsFor(accountID string, start, end time.Time) []*domain.Transaction {
	var out []*domain.Transaction
	for _, tx := range l.Transactions {
		if tx.AccountID != accountID {
			continue
		}
		if !start.IsZero() && tx.Timestamp.Before(start) {
			continue
		}
		if !end.IsZero() && tx.Timestamp.After(end) {
			continue
		}
		out = append(out, tx)
	}
	SortTransactions(out)
	return out
}

// SortTransactions orders transactions by timestamp, then id.
func SortTransactions(txs []*domain.Transaction) {
	sort.Slice(txs, func(i, j int) bool {
		if !txs[i].Timestamp.Equal(txs[j].Timestamp) {
			return txs[i].Timestamp.Before(txs[j].Timestamp)
		}
		return txs[i].ID < txs[j].ID
	})
}

// Counts is the number of rows per table.
type Counts struct {
	Accounts     int `json:"accounts"`
	Orders       int `json:"orders"`
	Positions    int `json:"positions"`
	Trades       int `json:"trades"`
	Transactions int `json:"transactions"`
	Quotes       int `json:"quotes"`
	Bars         int `json:"bars"`
}

// Counts returns table sizes.
func (l *Ledger) Counts() Counts {
	c := Counts{
		Accounts:     len(l.Accounts),
		Orders:       len(l.Orders),
		Positions:    len(l.Positions),
		Trades:       len(l.Trades),
		Transactions: len(l.Transactions),
		Quotes:       len(l.Quotes),
	}
	for _, bars := range l.Bars {
		c.Bars += len(bars)
	}
	return c
}

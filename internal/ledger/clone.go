package ledger

import (
	"maps"

	"github.com/shopspring/decimal"

	"tradesim/internal/domain"
)

// RoundMoney rounds a cash amount to cents.
func RoundMoney(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(2).Float64()
	return f
}

// Clone returns a deep copy sharing no mutable state with l.
func (l *Ledger) Clone() *Ledger {
	c := &Ledger{
		Accounts:     make(map[string]*domain.Account, len(l.Accounts)),
		Orders:       cloneTable(l.Orders, CloneOrder),
		Positions:    cloneTable(l.Positions, clonePtr[domain.Position]),
		Trades:       cloneTable(l.Trades, clonePtr[domain.Trade]),
		Transactions: cloneTable(l.Transactions, clonePtr[domain.Transaction]),
		Quotes:       cloneTable(l.Quotes, clonePtr[domain.Quote]),
		Bars:         make(map[string][]domain.Bar, len(l.Bars)),
		Counters:     l.Counters,
	}
	for k, a := range l.Accounts {
		c.Accounts[k] = CloneAccount(a)
	}
	for k, bars := range l.Bars {
		c.Bars[k] = append([]domain.Bar(nil), bars...)
	}
	return c
}

// CloneAccount deep-copies an account including its cash map.
func CloneAccount(a *domain.Account) *domain.Account {
	cp := *a
	cp.Cash = maps.Clone(a.Cash)
	if cp.Cash == nil {
		cp.Cash = make(map[string]float64)
	}
	return &cp
}

// CloneOrder deep-copies an order including its optional timestamps.
func CloneOrder(o *domain.Order) *domain.Order {
	cp := *o
	if o.FilledAt != nil {
		t := *o.FilledAt
		cp.FilledAt = &t
	}
	if o.CanceledAt != nil {
		t := *o.CanceledAt
		cp.CanceledAt = &t
	}
	return &cp
}

func clonePtr[T any](v *T) *T {
	cp := *v
	return &cp
}

func cloneTable[T any](m map[string]*T, fn func(*T) *T) map[string]*T {
	out := make(map[string]*T, len(m))
	for k, v := range m {
		out[k] = fn(v)
	}
	return out
}

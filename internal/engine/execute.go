package engine

import (
	cryptorand "crypto/rand"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/oklog/ulid/v2"

	"tradesim/internal/domain"
	"tradesim/internal/ledger"
)

// DefaultCommissionRate is 0.05% of notional.
const DefaultCommissionRate = 0.0005

const qtyEpsilon = 1e-9

// FillStatus is the outcome of evaluating an order against a price.
type FillStatus string

const (
	FillStatusFilled  FillStatus = "filled"
	FillStatusPending FillStatus = "pending"
)

// Result is returned by Executor.Execute. Trade is set when the order
// received a fill, full or partial.
type Result struct {
	Status FillStatus
	Trade  *domain.Trade
}

// Executor decides whether an order fills at a reference price and applies
// fills to a ledger. It is not safe for concurrent use.
type Executor struct {
	commissionRate float64
	maxFillLots    float64
	lotSize        func(symbol string) float64
	entropy        io.Reader
}

// NewExecutor creates an Executor. maxFillLots caps the quantity of one fill
// in lots; zero means unlimited. lotSize may be nil, meaning one unit.
func NewExecutor(commissionRate, maxFillLots float64, lotSize func(symbol string) float64) *Executor {
	if lotSize == nil {
		lotSize = func(string) float64 { return 1 }
	}
	return &Executor{
		commissionRate: commissionRate,
		maxFillLots:    maxFillLots,
		lotSize:        lotSize,
		entropy:        ulid.Monotonic(cryptorand.Reader, 0),
	}
}

// Execute evaluates o against ref and fills it when its trigger condition
// holds:
//
//	MARKET      always, at ref
//	LIMIT       BUY ref <= limit, SELL ref >= limit, at the limit price
//	STOP        BUY ref >= stop, SELL ref <= stop, at ref
//	STOP_LIMIT  once the stop condition has held, as LIMIT
func (x *Executor) Execute(l *ledger.Ledger, o *domain.Order, ref float64, now time.Time) (Result, error) {
	pending := Result{Status: FillStatusPending}
	if !o.Status.Active() {
		return pending, fmt.Errorf("execute order %s in status %s: %w", o.ID, o.Status, domain.ErrInvalidTransition)
	}

	price, ok := x.triggerPrice(o, ref)
	if !ok {
		return pending, nil
	}

	trade, err := x.Fill(l, o, price, x.FillableQty(o), now)
	if err != nil {
		return pending, err
	}
	return Result{Status: FillStatusFilled, Trade: trade}, nil
}

// Triggered reports whether o would fill at ref, without side effects.
func (x *Executor) Triggered(o *domain.Order, ref float64) bool {
	cp := *o
	_, ok := x.triggerPrice(&cp, ref)
	return ok
}

// FillableQty is the quantity one evaluation may fill.
func (x *Executor) FillableQty(o *domain.Order) float64 {
	qty := o.RemainingQty
	if x.maxFillLots > 0 {
		qty = math.Min(qty, x.maxFillLots*x.lotSize(o.Symbol))
	}
	return qty
}

// triggerPrice returns the execution price when o triggers at ref. It
// latches StopTriggered on STOP_LIMIT orders.
func (x *Executor) triggerPrice(o *domain.Order, ref float64) (float64, bool) {
	switch o.Type {
	case domain.OrderTypeMarket:
		return ref, true
	case domain.OrderTypeLimit:
		return limitPrice(o, ref)
	case domain.OrderTypeStop:
		if stopHit(o, ref) {
			return ref, true
		}
	case domain.OrderTypeStopLimit:
		if !o.StopTriggered {
			if !stopHit(o, ref) {
				return 0, false
			}
			o.StopTriggered = true
		}
		return limitPrice(o, ref)
	}
	return 0, false
}

func limitPrice(o *domain.Order, ref float64) (float64, bool) {
	if o.Side == domain.SideBuy && ref <= o.LimitPrice {
		return o.LimitPrice, true
	}
	if o.Side == domain.SideSell && ref >= o.LimitPrice {
		return o.LimitPrice, true
	}
	return 0, false
}

func stopHit(o *domain.Order, ref float64) bool {
	if o.Side == domain.SideBuy {
		return ref >= o.StopPrice
	}
	return ref <= o.StopPrice
}

// Fill applies one fill of qty at price: trade, position, cash, TRADE and
// COMMISSION transactions, account realized P&L and order progress. Either
// everything is applied or, on error, nothing.
func (x *Executor) Fill(l *ledger.Ledger, o *domain.Order, price, qty float64, at time.Time) (*domain.Trade, error) {
	if qty <= 0 || qty > o.RemainingQty+qtyEpsilon {
		return nil, fmt.Errorf("fill %v of order %s with %v remaining: %w", qty, o.ID, o.RemainingQty, domain.ErrValidation)
	}
	acct := l.Accounts[o.AccountID]
	if acct == nil {
		return nil, fmt.Errorf("account %s: %w", o.AccountID, domain.ErrNotFound)
	}

	next := domain.OrderStatusPartiallyFilled
	if o.RemainingQty-qty <= qtyEpsilon {
		next = domain.OrderStatusFilled
	}
	if err := o.Transition(next); err != nil {
		return nil, err
	}

	notional := ledger.RoundMoney(price * qty)
	commission := ledger.RoundMoney(notional * x.commissionRate)

	trade := &domain.Trade{
		ID:          l.NextTradeID(),
		ExecutionID: ulid.MustNew(ulid.Timestamp(at), x.entropy).String(),
		OrderID:     o.ID,
		AccountID:   o.AccountID,
		Symbol:      o.Symbol,
		Side:        o.Side,
		Price:       price,
		Qty:         qty,
		Commission:  commission,
		Timestamp:   at,
	}
	l.Trades[trade.ID] = trade

	realized := applyPosition(l, o.AccountID, o.Symbol, o.Side.Sign()*qty, price, at)

	desc := fmt.Sprintf("%s %g %s @ %g", o.Side, qty, o.Symbol, price)
	l.AppendTransaction(acct, domain.TxTrade, -o.Side.Sign()*notional, trade.ID, desc, at)
	l.AppendTransaction(acct, domain.TxCommission, -commission, trade.ID, "commission "+trade.ID, at)
	acct.RealizedPnL = ledger.RoundMoney(acct.RealizedPnL + realized - commission)
	acct.UpdatedAt = at

	filled := o.FilledQty + qty
	o.FilledAvgPrice = (o.FilledAvgPrice*o.FilledQty + price*qty) / filled
	o.FilledQty = filled
	o.RemainingQty = o.Qty - filled
	if next == domain.OrderStatusFilled {
		o.FilledQty, o.RemainingQty = o.Qty, 0
		t := at
		o.FilledAt = &t
	}
	o.UpdatedAt = at

	return trade, nil
}

// applyPosition adds a signed fill to the (account, symbol) position and
// returns the gross P&L realized by any offsetting part.
func applyPosition(l *ledger.Ledger, accountID, symbol string, delta, price float64, at time.Time) float64 {
	key := domain.PositionKey(accountID, symbol)
	pos := l.Positions[key]
	if pos == nil {
		l.Positions[key] = &domain.Position{
			AccountID:    accountID,
			Symbol:       symbol,
			Qty:          delta,
			AvgPrice:     price,
			CurrentPrice: price,
			MarketValue:  delta * price,
			UpdatedAt:    at,
		}
		return 0
	}

	var realized float64
	newQty := pos.Qty + delta
	if pos.Qty*delta > 0 {
		pos.AvgPrice = (pos.AvgPrice*math.Abs(pos.Qty) + price*math.Abs(delta)) / math.Abs(newQty)
	} else {
		closing := math.Min(math.Abs(delta), math.Abs(pos.Qty))
		realized = (price - pos.AvgPrice) * closing * sign(pos.Qty)
		pos.RealizedPnL += realized

		if math.Abs(newQty) < qtyEpsilon {
			delete(l.Positions, key)
			return realized
		}
		if newQty*pos.Qty < 0 {
			// Crossed through zero: the remainder opens at the fill price.
			pos.AvgPrice = price
		}
	}

	pos.Qty = newQty
	pos.CurrentPrice = price
	pos.MarketValue = newQty * price
	pos.UnrealizedPnL = (price - pos.AvgPrice) * newQty
	pos.UpdatedAt = at
	return realized
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}

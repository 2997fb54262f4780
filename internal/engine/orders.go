package engine

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"tradesim/internal/domain"
	"tradesim/internal/ledger"
	"tradesim/internal/live"
)

// normalize upper-cases enum fields and applies defaults.
func (e *Engine) normalize(req domain.OrderRequest) domain.OrderRequest {
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	req.Side = domain.Side(strings.ToUpper(string(req.Side)))
	req.Type = domain.OrderType(strings.ToUpper(string(req.Type)))
	req.TimeInForce = domain.TimeInForce(strings.ToUpper(string(req.TimeInForce)))
	if req.TimeInForce == "" {
		req.TimeInForce = domain.TimeInForceGTC
	}
	if req.AccountID == "" {
		req.AccountID = e.opts.AccountID
	}
	if req.ClientOrderID == "" {
		req.ClientOrderID = uuid.NewString()
	}
	return req
}

// PlaceOrder validates req and enters it into the ledger. MARKET orders and
// IOC/FOK orders are evaluated against the live price at once; everything
// else rests until a tick triggers it. IOC cancels whatever did not fill;
// FOK cancels without filling unless the whole quantity can fill now.
func (e *Engine) PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.Order, error) {
	req = e.normalize(req)

	e.mu.Lock()
	acct := e.l.Accounts[req.AccountID]
	if acct == nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("account %s: %w", req.AccountID, domain.ErrNotFound)
	}
	inst, ok := e.gen.Instrument(req.Symbol)
	quote := e.l.Quotes[req.Symbol]
	if !ok || quote == nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("symbol %s: %w", req.Symbol, domain.ErrNotFound)
	}
	if err := e.risk.CheckOrder(req, inst, acct, quote, e.l.Position(req.AccountID, req.Symbol)); err != nil {
		e.mu.Unlock()
		return nil, err
	}

	before := e.beginLocked()
	now := e.now()
	o := &domain.Order{
		ID:            e.l.NextOrderID(),
		ClientOrderID: req.ClientOrderID,
		AccountID:     req.AccountID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		TimeInForce:   req.TimeInForce,
		Qty:           req.Qty,
		LimitPrice:    req.LimitPrice,
		StopPrice:     req.StopPrice,
		RemainingQty:  req.Qty,
		Status:        domain.OrderStatusNew,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	e.l.Orders[o.ID] = o

	var events []live.Event
	if o.Type == domain.OrderTypeMarket || o.TimeInForce.Immediate() {
		ref := quote.Last
		fok := o.TimeInForce == domain.TimeInForceFOK
		if !fok || (e.exec.Triggered(o, ref) && e.exec.FillableQty(o) >= o.RemainingQty-qtyEpsilon) {
			res, err := e.exec.Execute(e.l, o, ref, now)
			if err != nil {
				delete(e.l.Orders, o.ID)
				e.mu.Unlock()
				return nil, err
			}
			if res.Trade != nil {
				events = append(events, live.OrderExecuted(*ledger.CloneOrder(o), *res.Trade, now))
			}
		}
		if o.TimeInForce.Immediate() && o.Status.Active() {
			_ = cancelLocked(o, now)
			events = append(events, live.OrderCanceled(*ledger.CloneOrder(o), now))
		}
	}
	_ = Recalculate(e.l, o.AccountID, now)

	cs := e.finishLocked(before)
	cs.events = events
	out := ledger.CloneOrder(o)
	e.mu.Unlock()

	e.log.Info("order placed", "order", out.ID, "account", out.AccountID, "symbol", out.Symbol,
		"side", out.Side, "type", out.Type, "tif", out.TimeInForce, "qty", out.Qty, "status", out.Status)
	e.commit(ctx, cs)
	return out, nil
}

// CancelOrder cancels an active order. The filled part stays filled;
// RemainingQty keeps the unfilled quantity. Canceling a FILLED or CANCELED
// order returns domain.ErrInvalidTransition.
func (e *Engine) CancelOrder(ctx context.Context, id string) (*domain.Order, error) {
	e.mu.Lock()
	o := e.l.Orders[id]
	if o == nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("order %s: %w", id, domain.ErrNotFound)
	}
	before := e.beginLocked()
	now := e.now()
	if err := cancelLocked(o, now); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	out := ledger.CloneOrder(o)
	cs := e.finishLocked(before)
	cs.events = []live.Event{live.OrderCanceled(*out, now)}
	e.mu.Unlock()

	e.log.Info("order canceled", "order", id, "filled", out.FilledQty, "remaining", out.RemainingQty)
	e.commit(ctx, cs)
	return out, nil
}

func cancelLocked(o *domain.Order, now time.Time) error {
	if err := o.Transition(domain.OrderStatusCanceled); err != nil {
		return err
	}
	t := now
	o.CanceledAt = &t
	o.UpdatedAt = now
	return nil
}

// Deposit credits amount to the account's cash.
func (e *Engine) Deposit(ctx context.Context, accountID string, amount float64) (*domain.Transaction, error) {
	return e.moveCash(ctx, accountID, domain.TxDeposit, amount)
}

// Withdraw debits amount from the account's cash. It may not exceed the
// cash balance.
func (e *Engine) Withdraw(ctx context.Context, accountID string, amount float64) (*domain.Transaction, error) {
	return e.moveCash(ctx, accountID, domain.TxWithdrawal, amount)
}

func (e *Engine) moveCash(ctx context.Context, accountID string, typ domain.TxType, amount float64) (*domain.Transaction, error) {
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return nil, invalid("%s amount must be positive, got %v", strings.ToLower(string(typ)), amount)
	}
	amount = ledger.RoundMoney(amount)
	if amount == 0 {
		return nil, invalid("%s amount rounds to zero", strings.ToLower(string(typ)))
	}

	e.mu.Lock()
	acct := e.l.Accounts[accountID]
	if acct == nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("account %s: %w", accountID, domain.ErrNotFound)
	}
	signed := amount
	if typ == domain.TxWithdrawal {
		if amount > acct.Balance() {
			e.mu.Unlock()
			return nil, invalid("withdrawal %.2f exceeds cash balance %.2f", amount, acct.Balance())
		}
		signed = -amount
	}

	before := e.beginLocked()
	now := e.now()
	tx := e.l.AppendTransaction(acct, typ, signed, "", strings.ToLower(string(typ)), now)
	_ = Recalculate(e.l, accountID, now)
	out := *tx
	cs := e.finishLocked(before)
	e.mu.Unlock()

	e.log.Info("cash movement", "account", accountID, "type", typ, "amount", signed, "balance", out.BalanceAfter)
	e.commit(ctx, cs)
	return &out, nil
}

package engine

import (
	"context"
	"time"

	"tradesim/internal/domain"
	"tradesim/internal/ledger"
	"tradesim/internal/live"
)

// TickResult summarizes one scheduler tick.
type TickResult struct {
	Skipped bool `json:"skipped"`
	Quotes  int  `json:"quotes"`
	Fills   int  `json:"fills"`
	Expired int  `json:"expired"`
}

// Tick advances every quote one step, then evaluates each resting order
// against the reference prices captured right after the advance. All fills
// within one tick use that same capture even if another tick runs in
// between. DAY orders placed in an earlier session are canceled instead of
// evaluated. A tick overlapped by Reset stops evaluating and its events are
// dropped.
func (e *Engine) Tick(ctx context.Context) TickResult {
	now := e.now()
	if cal := e.gen.Calendar(); e.opts.MarketHoursOnly && !cal.IsMarketOpen(now) {
		e.log.Debug("market closed, tick skipped", "next_open", cal.NextOpen(now))
		return TickResult{Skipped: true}
	}

	e.mu.Lock()
	before := e.beginLocked()
	epoch := e.epoch
	e.gen.Tick(e.l.Quotes, now)
	refs := make(map[string]float64, len(e.l.Quotes))
	for sym, q := range e.l.Quotes {
		refs[sym] = q.Last
	}
	quotes := e.quotesLocked()
	active := e.l.ActiveOrderIDs()
	e.mu.Unlock()

	res := TickResult{Quotes: len(quotes)}
	var orderEvents []live.Event
	for _, id := range active {
		if ev, ok := e.evaluate(id, epoch, refs, now, &res); ok {
			orderEvents = append(orderEvents, ev)
		}
	}

	e.mu.Lock()
	for id := range e.l.Accounts {
		_ = Recalculate(e.l, id, now)
	}
	e.ticks++
	e.lastTick = now
	cs := e.finishLocked(before)
	cs.epoch = epoch
	e.mu.Unlock()

	cs.events = append([]live.Event{live.PriceUpdate(quotes, now)}, orderEvents...)
	if res.Fills > 0 || res.Expired > 0 {
		e.log.Info("tick", "fills", res.Fills, "expired", res.Expired, "quotes", res.Quotes)
	} else {
		e.log.Debug("tick", "quotes", res.Quotes)
	}
	e.commit(ctx, cs)
	return res
}

// evaluate processes one resting order in its own critical section.
func (e *Engine) evaluate(id string, epoch uint64, refs map[string]float64, now time.Time, res *TickResult) (live.Event, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.epoch != epoch {
		// Reset since the tick started; id may name a different order now.
		return live.Event{}, false
	}

	o := e.l.Orders[id]
	if o == nil || !o.Status.Active() {
		// Canceled or filled since the tick started.
		return live.Event{}, false
	}
	if o.TimeInForce == domain.TimeInForceDay && !e.gen.Calendar().SameSession(o.CreatedAt, now) {
		if err := cancelLocked(o, now); err != nil {
			return live.Event{}, false
		}
		res.Expired++
		return live.OrderCanceled(*ledger.CloneOrder(o), now), true
	}

	ref, ok := refs[o.Symbol]
	if !ok {
		return live.Event{}, false
	}
	r, err := e.exec.Execute(e.l, o, ref, now)
	if err != nil {
		e.log.Warn("execution failed", "order", id, "error", err)
		return live.Event{}, false
	}
	if r.Trade == nil {
		return live.Event{}, false
	}
	res.Fills++
	return live.OrderExecuted(*ledger.CloneOrder(o), *r.Trade, now), true
}

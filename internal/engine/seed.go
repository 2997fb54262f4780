package engine

import (
	"fmt"
	"math"
	"sort"
	"time"

	"tradesim/internal/domain"
)

type seedKind int

const (
	seedDeposit seedKind = iota
	seedWithdrawal
	seedTrade
)

type seedStep struct {
	at     time.Time
	kind   seedKind
	amount float64
}

// seedLocked creates accountID with a plausible history over the last
// SeedMonths: an opening deposit, a few more deposits, maybe a withdrawal,
// and 20 to 40 historical fills priced from the generated bars. Steps are
// applied in chronological order so every balance_after is the running cash
// balance at that point.
func (e *Engine) seedLocked(accountID string, now time.Time) error {
	if _, exists := e.l.Accounts[accountID]; exists {
		return fmt.Errorf("account %s already exists: %w", accountID, domain.ErrValidation)
	}
	if len(e.gen.Instruments()) == 0 {
		return fmt.Errorf("no instruments configured: %w", domain.ErrValidation)
	}
	e.ensureMarketDataLocked(now)

	start := now.AddDate(0, -e.opts.SeedMonths, 0)
	acct := &domain.Account{
		ID:        accountID,
		Currency:  e.opts.Currency,
		Cash:      map[string]float64{e.opts.Currency: 0},
		CreatedAt: start,
		UpdatedAt: start,
	}
	e.l.Accounts[accountID] = acct

	window := now.Sub(start)
	randomTime := func() time.Time {
		return start.Add(time.Minute + time.Duration(e.gen.Float64()*float64(window-2*time.Minute)))
	}
	thousands := func(lo, hi int) float64 {
		return float64(lo+e.gen.IntN(hi-lo+1)) * 1000
	}

	plan := []seedStep{{at: start, kind: seedDeposit, amount: thousands(50, 150)}}
	for range 2 + e.gen.IntN(2) {
		plan = append(plan, seedStep{at: randomTime(), kind: seedDeposit, amount: thousands(5, 25)})
	}
	if e.gen.Float64() < 0.5 {
		plan = append(plan, seedStep{at: randomTime(), kind: seedWithdrawal})
	}
	for range 20 + e.gen.IntN(21) {
		plan = append(plan, seedStep{at: randomTime(), kind: seedTrade})
	}
	sort.SliceStable(plan, func(i, j int) bool { return plan[i].at.Before(plan[j].at) })

	trades := 0
	for _, step := range plan {
		switch step.kind {
		case seedDeposit:
			e.l.AppendTransaction(acct, domain.TxDeposit, step.amount, "", "deposit", step.at)
		case seedWithdrawal:
			amount := math.Floor(acct.Balance()*(0.1+0.4*e.gen.Float64())/100) * 100
			if amount > 0 {
				e.l.AppendTransaction(acct, domain.TxWithdrawal, -amount, "", "withdrawal", step.at)
			}
		case seedTrade:
			ok, err := e.seedTrade(acct, step.at)
			if err != nil {
				return err
			}
			if ok {
				trades++
			}
		}
	}

	if err := Recalculate(e.l, accountID, now); err != nil {
		return err
	}
	e.log.Debug("seeded account", "account", accountID, "since", start.Format(time.DateOnly),
		"steps", len(plan), "trades", trades, "cash", acct.Balance(), "equity", acct.Equity)
	return nil
}

// seedTrade fills one random historical MARKET order at the close of the
// bar nearest at. Sells only happen against an existing long position; the
// buy budget is 20% of cash. It reports false when no affordable trade
// exists.
func (e *Engine) seedTrade(acct *domain.Account, at time.Time) (bool, error) {
	instruments := e.gen.Instruments()
	inst := instruments[e.gen.IntN(len(instruments))]
	price, ok := nearestClose(e.l.Bars[inst.Symbol], at)
	if !ok {
		return false, nil
	}
	lot := inst.LotSize
	if lot <= 0 {
		lot = 1
	}

	side := domain.SideBuy
	if e.gen.Float64() >= 0.6 {
		side = domain.SideSell
	}
	var qty float64
	if pos := e.l.Position(acct.ID, inst.Symbol); side == domain.SideSell && pos != nil && pos.Qty >= lot {
		heldLots := int(math.Floor(pos.Qty/lot + qtyEpsilon))
		qty = float64(1+e.gen.IntN(heldLots)) * lot
	} else {
		side = domain.SideBuy
		maxLots := int(math.Floor(0.2 * acct.Balance() / (price * lot)))
		if maxLots < 1 {
			return false, nil
		}
		qty = float64(1+e.gen.IntN(maxLots)) * lot
	}

	o := &domain.Order{
		ID:           e.l.NextOrderID(),
		AccountID:    acct.ID,
		Symbol:       inst.Symbol,
		Side:         side,
		Type:         domain.OrderTypeMarket,
		TimeInForce:  domain.TimeInForceDay,
		Qty:          qty,
		RemainingQty: qty,
		Status:       domain.OrderStatusNew,
		CreatedAt:    at,
		UpdatedAt:    at,
	}
	o.ClientOrderID = "seed-" + o.ID
	e.l.Orders[o.ID] = o
	if _, err := e.exec.Fill(e.l, o, price, qty, at); err != nil {
		return false, fmt.Errorf("seeding fill %s: %w", o.ID, err)
	}
	return true, nil
}

// nearestClose returns the close of the bar closest in time to at.
func nearestClose(bars []domain.Bar, at time.Time) (float64, bool) {
	if len(bars) == 0 {
		return 0, false
	}
	i := sort.Search(len(bars), func(i int) bool { return !bars[i].Timestamp.Before(at) })
	switch {
	case i == 0:
		return bars[0].Close, true
	case i == len(bars):
		return bars[len(bars)-1].Close, true
	}
	if at.Sub(bars[i-1].Timestamp) <= bars[i].Timestamp.Sub(at) {
		return bars[i-1].Close, true
	}
	return bars[i].Close, true
}

package engine

import (
	"errors"
	"math"
	"testing"
	"time"

	"tradesim/internal/domain"
	"tradesim/internal/ledger"
)

var t0 = time.Date(2024, 6, 12, 15, 0, 0, 0, time.UTC)

func fundedLedger(cash float64) (*ledger.Ledger, *domain.Account) {
	l := ledger.New()
	acct := &domain.Account{ID: "acct", Currency: "USD", Cash: map[string]float64{"USD": 0}, CreatedAt: t0}
	l.Accounts[acct.ID] = acct
	l.AppendTransaction(acct, domain.TxDeposit, cash, "", "deposit", t0)
	return l, acct
}

func newOrder(l *ledger.Ledger, side domain.Side, typ domain.OrderType, qty, limit, stop float64) *domain.Order {
	o := &domain.Order{
		ID: l.NextOrderID(), AccountID: "acct", Symbol: "AAPL", Side: side, Type: typ,
		TimeInForce: domain.TimeInForceGTC, Qty: qty, RemainingQty: qty, LimitPrice: limit, StopPrice: stop,
		Status: domain.OrderStatusNew, CreatedAt: t0, UpdatedAt: t0,
	}
	l.Orders[o.ID] = o
	return o
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

func TestExecuteRules(t *testing.T) {
	tests := []struct {
		name      string
		side      domain.Side
		typ       domain.OrderType
		limit     float64
		stop      float64
		ref       float64
		wantFill  bool
		wantPrice float64
	}{
		{"market buy", domain.SideBuy, domain.OrderTypeMarket, 0, 0, 101.5, true, 101.5},
		{"market sell", domain.SideSell, domain.OrderTypeMarket, 0, 0, 99, true, 99},
		{"limit buy below", domain.SideBuy, domain.OrderTypeLimit, 100, 0, 98, true, 100},
		{"limit buy at", domain.SideBuy, domain.OrderTypeLimit, 100, 0, 100, true, 100},
		{"limit buy above", domain.SideBuy, domain.OrderTypeLimit, 100, 0, 100.01, false, 0},
		{"limit sell above", domain.SideSell, domain.OrderTypeLimit, 100, 0, 103, true, 100},
		{"limit sell below", domain.SideSell, domain.OrderTypeLimit, 100, 0, 99.99, false, 0},
		{"stop buy hit", domain.SideBuy, domain.OrderTypeStop, 0, 105, 106, true, 106},
		{"stop buy not hit", domain.SideBuy, domain.OrderTypeStop, 0, 105, 104, false, 0},
		{"stop sell hit", domain.SideSell, domain.OrderTypeStop, 0, 95, 94, true, 94},
		{"stop sell not hit", domain.SideSell, domain.OrderTypeStop, 0, 95, 96, false, 0},
		{"stop limit buy triggered inside limit", domain.SideBuy, domain.OrderTypeStopLimit, 106, 105, 105.5, true, 106},
		{"stop limit buy triggered above limit", domain.SideBuy, domain.OrderTypeStopLimit, 106, 105, 107, false, 0},
		{"stop limit sell not triggered", domain.SideSell, domain.OrderTypeStopLimit, 94, 95, 96, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, _ := fundedLedger(1_000_000)
			if tt.side == domain.SideSell {
				l.Positions[domain.PositionKey("acct", "AAPL")] = &domain.Position{AccountID: "acct", Symbol: "AAPL", Qty: 10, AvgPrice: 90}
			}
			o := newOrder(l, tt.side, tt.typ, 10, tt.limit, tt.stop)
			x := NewExecutor(DefaultCommissionRate, 0, nil)

			res, err := x.Execute(l, o, tt.ref, t0)
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if got := res.Status == FillStatusFilled; got != tt.wantFill {
				t.Fatalf("filled = %v, want %v", got, tt.wantFill)
			}
			if !tt.wantFill {
				if o.Status != domain.OrderStatusNew || len(l.Trades) != 0 {
					t.Errorf("pending order mutated: status %s, %d trades", o.Status, len(l.Trades))
				}
				return
			}
			if res.Trade.Price != tt.wantPrice {
				t.Errorf("fill price = %v, want %v", res.Trade.Price, tt.wantPrice)
			}
			if o.Status != domain.OrderStatusFilled || o.RemainingQty != 0 || o.FilledQty != 10 {
				t.Errorf("order after fill: %+v", o)
			}
		})
	}
}

func TestExecuteStopLimitLatches(t *testing.T) {
	l, _ := fundedLedger(1_000_000)
	o := newOrder(l, domain.SideBuy, domain.OrderTypeStopLimit, 5, 106, 105)
	x := NewExecutor(DefaultCommissionRate, 0, nil)

	// Stop hit but the price gapped past the limit.
	if res, _ := x.Execute(l, o, 108, t0); res.Status != FillStatusPending {
		t.Fatal("filled above the limit")
	}
	if !o.StopTriggered {
		t.Fatal("stop did not latch")
	}
	// Price falls back under the stop; the latched order now acts as a limit.
	res, err := x.Execute(l, o, 103, t0)
	if err != nil || res.Status != FillStatusFilled {
		t.Fatalf("Execute = %+v, %v", res, err)
	}
	if res.Trade.Price != 106 {
		t.Errorf("price = %v, want limit 106", res.Trade.Price)
	}
}

func TestExecuteRejectsTerminalOrders(t *testing.T) {
	l, _ := fundedLedger(1_000)
	o := newOrder(l, domain.SideBuy, domain.OrderTypeMarket, 1, 0, 0)
	o.Status = domain.OrderStatusCanceled

	_, err := NewExecutor(0, 0, nil).Execute(l, o, 100, t0)
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
	if len(l.Trades) != 0 {
		t.Error("canceled order produced a trade")
	}
}

func TestFillBookkeeping(t *testing.T) {
	l, acct := fundedLedger(10_000)
	x := NewExecutor(DefaultCommissionRate, 0, nil)
	o := newOrder(l, domain.SideBuy, domain.OrderTypeMarket, 10, 0, 0)

	trade, err := x.Fill(l, o, 100, 10, t0)
	if err != nil {
		t.Fatalf("Fill: %v", err)
	}
	if trade.ExecutionID == "" || trade.Commission != 0.5 {
		t.Errorf("trade = %+v", trade)
	}
	if acct.Balance() != 10_000-1_000-0.5 {
		t.Errorf("cash = %v", acct.Balance())
	}

	txs := l.TransactionsFor("acct", time.Time{}, time.Time{})
	if len(txs) != 3 {
		t.Fatalf("got %d transactions, want deposit + trade + commission", len(txs))
	}
	if txs[1].Type != domain.TxTrade || txs[1].Amount != -1_000 || txs[1].BalanceAfter != 9_000 {
		t.Errorf("trade tx = %+v", txs[1])
	}
	if txs[2].Type != domain.TxCommission || txs[2].Amount != -0.5 || txs[2].BalanceAfter != 8_999.5 {
		t.Errorf("commission tx = %+v", txs[2])
	}
	if txs[1].Reference != trade.ID || txs[2].Reference != trade.ID {
		t.Error("transactions do not reference the trade")
	}
}

func TestRoundTripRealizesPnL(t *testing.T) {
	l, acct := fundedLedger(10_000)
	x := NewExecutor(DefaultCommissionRate, 0, nil)

	buy := newOrder(l, domain.SideBuy, domain.OrderTypeMarket, 10, 0, 0)
	if _, err := x.Fill(l, buy, 100, 10, t0); err != nil {
		t.Fatal(err)
	}
	sell := newOrder(l, domain.SideSell, domain.OrderTypeMarket, 10, 0, 0)
	if _, err := x.Fill(l, sell, 110, 10, t0.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	if p := l.Position("acct", "AAPL"); p != nil {
		t.Fatalf("position still open: %+v", p)
	}
	commissions := 0.5 + 0.55
	if want := (110.0-100.0)*10 - commissions; !approx(acct.RealizedPnL, want) {
		t.Errorf("realized = %v, want %v", acct.RealizedPnL, want)
	}
	if !approx(acct.Balance(), 10_000+100-commissions) {
		t.Errorf("cash = %v", acct.Balance())
	}
}

func TestApplyPositionAveragingAndFlip(t *testing.T) {
	l, _ := fundedLedger(0)
	applyPosition(l, "acct", "AAPL", 10, 100, t0)
	applyPosition(l, "acct", "AAPL", 10, 110, t0)
	p := l.Position("acct", "AAPL")
	if p.Qty != 20 || !approx(p.AvgPrice, 105) {
		t.Fatalf("after two buys: %+v", p)
	}

	realized := applyPosition(l, "acct", "AAPL", -25, 120, t0)
	if !approx(realized, 300) {
		t.Errorf("realized = %v, want 300", realized)
	}
	p = l.Position("acct", "AAPL")
	if p.Qty != -5 || p.AvgPrice != 120 {
		t.Errorf("after flip: %+v", p)
	}
}

func TestFillableQtyCap(t *testing.T) {
	l, _ := fundedLedger(1_000_000)
	x := NewExecutor(DefaultCommissionRate, 3, func(string) float64 { return 10 })
	o := newOrder(l, domain.SideBuy, domain.OrderTypeMarket, 100, 0, 0)

	if got := x.FillableQty(o); got != 30 {
		t.Fatalf("FillableQty = %v, want 30", got)
	}
	res, err := x.Execute(l, o, 50, t0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Trade.Qty != 30 || o.Status != domain.OrderStatusPartiallyFilled || o.RemainingQty != 70 {
		t.Errorf("after capped fill: trade %+v order %+v", res.Trade, o)
	}
}

func TestRecalculate(t *testing.T) {
	l, acct := fundedLedger(5_000)
	l.Positions[domain.PositionKey("acct", "AAPL")] = &domain.Position{AccountID: "acct", Symbol: "AAPL", Qty: 10, AvgPrice: 100}
	l.Positions[domain.PositionKey("acct", "TSLA")] = &domain.Position{AccountID: "acct", Symbol: "TSLA", Qty: -4, AvgPrice: 200}
	l.Quotes["AAPL"] = &domain.Quote{Symbol: "AAPL", Last: 110}
	l.Quotes["TSLA"] = &domain.Quote{Symbol: "TSLA", Last: 190}

	if err := Recalculate(l, "acct", t0); err != nil {
		t.Fatal(err)
	}
	if !approx(acct.PositionsValue, 1_100-760) || !approx(acct.Equity, 5_000+340) {
		t.Errorf("value %v equity %v", acct.PositionsValue, acct.Equity)
	}
	if !approx(acct.UnrealizedPnL, 100+40) {
		t.Errorf("unrealized = %v", acct.UnrealizedPnL)
	}
	if !approx(acct.InitialMargin, (1_100+760)*InitialMarginRate) {
		t.Errorf("margin = %v", acct.InitialMargin)
	}

	if err := Recalculate(l, "missing", t0); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("unknown account err = %v", err)
	}
}

func TestRiskManagerCheckOrder(t *testing.T) {
	inst := domain.Instrument{Symbol: "AAPL", Currency: "USD", LotSize: 1, Decimals: 2}
	acct := &domain.Account{ID: "acct", Currency: "USD", Equity: 100_000}
	quote := &domain.Quote{Symbol: "AAPL", Last: 100}

	base := domain.OrderRequest{AccountID: "acct", Symbol: "AAPL", Side: domain.SideBuy, Type: domain.OrderTypeMarket, TimeInForce: domain.TimeInForceDay, Qty: 10}
	tests := []struct {
		name   string
		mutate func(*domain.OrderRequest)
		ok     bool
	}{
		{"valid market", func(*domain.OrderRequest) {}, true},
		{"zero qty", func(r *domain.OrderRequest) { r.Qty = 0 }, false},
		{"bad side", func(r *domain.OrderRequest) { r.Side = "HOLD" }, false},
		{"bad tif", func(r *domain.OrderRequest) { r.TimeInForce = "GTD" }, false},
		{"fractional lot", func(r *domain.OrderRequest) { r.Qty = 1.5 }, false},
		{"limit without price", func(r *domain.OrderRequest) { r.Type = domain.OrderTypeLimit }, false},
		{"stop without price", func(r *domain.OrderRequest) { r.Type = domain.OrderTypeStop }, false},
		{"stop limit missing limit", func(r *domain.OrderRequest) { r.Type = domain.OrderTypeStopLimit; r.StopPrice = 99 }, false},
		{"exposure over cap", func(r *domain.OrderRequest) { r.Qty = 300 }, false},
		{"nan qty", func(r *domain.OrderRequest) { r.Qty = math.NaN() }, false},
		{"nan limit", func(r *domain.OrderRequest) { r.Type = domain.OrderTypeLimit; r.LimitPrice = math.NaN() }, false},
		{"inf stop", func(r *domain.OrderRequest) { r.Type = domain.OrderTypeStop; r.StopPrice = math.Inf(1) }, false},
		{"nan stop on market", func(r *domain.OrderRequest) { r.StopPrice = math.NaN() }, false},
		{"inf limit on stop limit", func(r *domain.OrderRequest) {
			r.Type = domain.OrderTypeStopLimit
			r.StopPrice, r.LimitPrice = 99, math.Inf(1)
		}, false},
	}

	rm := NewRiskManager(0.25)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base
			tt.mutate(&req)
			err := rm.CheckOrder(req, inst, acct, quote, nil)
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("err = %v, want ErrValidation", err)
			}
		})
	}

	// Reducing a position is allowed regardless of the cap.
	pos := &domain.Position{Symbol: "AAPL", Qty: 1_000}
	sell := base
	sell.Side, sell.Qty = domain.SideSell, 500
	if err := rm.CheckOrder(sell, inst, acct, quote, pos); err != nil {
		t.Errorf("reducing order rejected: %v", err)
	}

	eur := inst
	eur.Currency = "EUR"
	if err := rm.CheckOrder(base, eur, acct, quote, nil); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("currency mismatch err = %v", err)
	}
}

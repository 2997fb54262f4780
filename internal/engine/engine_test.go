package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"tradesim/internal/domain"
	"tradesim/internal/ledger"
	"tradesim/internal/live"
	"tradesim/internal/market"
	"tradesim/internal/store"
	"tradesim/internal/util"
)

// memStore keeps the snapshot as encoded JSON so loads exercise decoding.
type memStore struct {
	mu    sync.Mutex
	data  []byte
	saves int
}

func (m *memStore) Save(_ context.Context, s *ledger.Snapshot) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = b
	m.saves++
	return nil
}

func (m *memStore) Load(context.Context) (*ledger.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return nil, store.ErrNoSnapshot
	}
	var s ledger.Snapshot
	if err := json.Unmarshal(m.data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

type recorder struct {
	mu     sync.Mutex
	events []live.Event
}

func (r *recorder) Publish(e live.Event) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return 1
}

func (r *recorder) Count() int { return 1 }

func (r *recorder) keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Key()
	}
	return out
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	e     *Engine
	store *memStore
	rec   *recorder
	clock *fakeClock
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{store: &memStore{}, rec: &recorder{}, clock: &fakeClock{t: t0}}
	gen := market.NewGenerator(market.DefaultInstruments(), market.Options{Seed: 42})
	h.e = NewEngine(gen, h.store, nil, opts, WithPublisher(h.rec), WithClock(h.clock.Now))
	if err := h.e.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return h
}

// setLast pins the live price of symbol.
func (h *harness) setLast(symbol string, last float64) {
	h.e.mu.Lock()
	defer h.e.mu.Unlock()
	h.e.l.Quotes[symbol].Last = last
}

func (h *harness) fund(t *testing.T, amount float64) {
	t.Helper()
	if _, err := h.e.Deposit(context.Background(), "demo", amount); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
}

func checkInvariants(t *testing.T, e *Engine) {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	l := e.l

	for id, acct := range l.Accounts {
		value := 0.0
		for _, p := range l.PositionsFor(id) {
			value += p.Qty * p.CurrentPrice
		}
		if math.Abs(acct.Equity-(acct.Balance()+value)) > 1e-6 {
			t.Errorf("account %s equity %v != cash %v + positions %v", id, acct.Equity, acct.Balance(), value)
		}
	}

	fills := make(map[string]float64)
	orderFills := make(map[string]float64)
	for _, tr := range l.Trades {
		fills[domain.PositionKey(tr.AccountID, tr.Symbol)] += tr.Side.Sign() * tr.Qty
		orderFills[tr.OrderID] += tr.Qty
	}
	for key, p := range l.Positions {
		if p.Qty == 0 {
			t.Errorf("position %s persisted with zero quantity", key)
		}
		if math.Abs(p.Qty-fills[key]) > 1e-9 {
			t.Errorf("position %s qty %v != signed fills %v", key, p.Qty, fills[key])
		}
	}
	for key, net := range fills {
		if math.Abs(net) > 1e-9 && l.Positions[key] == nil {
			t.Errorf("fills for %s net to %v but no position exists", key, net)
		}
	}

	for id, o := range l.Orders {
		if math.Abs(o.FilledQty+o.RemainingQty-o.Qty) > 1e-9 {
			t.Errorf("order %s filled %v + remaining %v != qty %v", id, o.FilledQty, o.RemainingQty, o.Qty)
		}
		if (o.Status == domain.OrderStatusFilled) != (o.RemainingQty == 0) {
			t.Errorf("order %s status %s with remaining %v", id, o.Status, o.RemainingQty)
		}
		if math.Abs(orderFills[id]-o.FilledQty) > 1e-9 {
			t.Errorf("order %s filled %v but trades sum to %v", id, o.FilledQty, orderFills[id])
		}
	}
}

func TestLoadSeedsFreshLedger(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	if h.store.saves != 1 {
		t.Errorf("saves after seeding = %d, want 1", h.store.saves)
	}
	acct, err := h.e.GetAccount(ctx, "demo")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if acct.Balance() <= 0 {
		t.Errorf("seeded cash = %v", acct.Balance())
	}

	txs, err := h.e.GetTransactions(ctx, "demo", time.Time{}, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if txs[0].Type != domain.TxDeposit || !txs[0].Timestamp.Equal(t0.AddDate(0, -6, 0)) {
		t.Errorf("first transaction = %+v, want opening deposit", txs[0])
	}
	balance := 0.0
	trades := 0
	for _, tx := range txs {
		balance = ledger.RoundMoney(balance + tx.Amount)
		if math.Abs(balance-tx.BalanceAfter) > 0.005 {
			t.Fatalf("%s balance_after %v, running balance %v", tx.ID, tx.BalanceAfter, balance)
		}
		if tx.Type == domain.TxTrade {
			trades++
		}
	}
	if trades < 1 || trades > 40 {
		t.Errorf("seeded %d trades", trades)
	}

	for _, inst := range market.DefaultInstruments() {
		bars, err := h.e.GetBars(ctx, inst.Symbol, time.Time{}, time.Time{}, "1Day")
		if err != nil || len(bars) != 365 {
			t.Errorf("%s: %d bars, err %v", inst.Symbol, len(bars), err)
		}
	}
	checkInvariants(t, h.e)
}

func TestMarketSellFillsImmediately(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.fund(t, 1_000_000)
	h.setLast("MSFT", 400)

	if _, err := h.e.PlaceOrder(ctx, domain.OrderRequest{AccountID: "demo", Symbol: "MSFT", Side: domain.SideBuy, Type: domain.OrderTypeMarket, Qty: 10}); err != nil {
		t.Fatalf("buy: %v", err)
	}
	h.setLast("MSFT", 410)
	o, err := h.e.PlaceOrder(ctx, domain.OrderRequest{AccountID: "demo", Symbol: "msft", Side: "sell", Type: "market", Qty: 10})
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if o.Status != domain.OrderStatusFilled || o.FilledAvgPrice != 410 {
		t.Fatalf("sell order = %+v", o)
	}
	if o.ClientOrderID == "" || o.TimeInForce != domain.TimeInForceGTC {
		t.Errorf("defaults not applied: %+v", o)
	}
	keys := h.rec.keys()
	if keys[len(keys)-1] != "order/executed" {
		t.Errorf("last event = %s", keys[len(keys)-1])
	}
	checkInvariants(t, h.e)
}

func TestLimitBuyFillsOnTick(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.fund(t, 1_000_000)
	h.setLast("AAPL", 200)

	before, _ := h.e.GetAccount(ctx, "demo")
	var heldBefore float64
	if positions, _ := h.e.GetPositions(ctx, "demo"); positions != nil {
		for _, p := range positions {
			if p.Symbol == "AAPL" {
				heldBefore = p.Qty
			}
		}
	}

	const limit, qty = 190.0, 20.0
	o, err := h.e.PlaceOrder(ctx, domain.OrderRequest{AccountID: "demo", Symbol: "AAPL", Side: domain.SideBuy, Type: domain.OrderTypeLimit, TimeInForce: domain.TimeInForceGTC, Qty: qty, LimitPrice: limit})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if o.Status != domain.OrderStatusNew {
		t.Fatalf("status after placement = %s, want NEW", o.Status)
	}

	// Drive the price well under the limit so one tick of noise cannot lift it back.
	h.setLast("AAPL", 150)
	h.clock.Advance(5 * time.Second)
	res := h.e.Tick(ctx)
	if res.Fills != 1 {
		t.Fatalf("tick fills = %d, want 1", res.Fills)
	}

	got, _ := h.e.GetOrder(ctx, o.ID)
	if got.Status != domain.OrderStatusFilled {
		t.Fatalf("status after tick = %s", got.Status)
	}
	trades, _ := h.e.GetRecentTrades(ctx, "AAPL", 1)
	if trades[0].OrderID != o.ID || trades[0].Price != limit {
		t.Errorf("trade = %+v", trades[0])
	}

	after, _ := h.e.GetAccount(ctx, "demo")
	commission := ledger.RoundMoney(limit * qty * DefaultCommissionRate)
	if spent := before.Balance() - after.Balance(); math.Abs(spent-(limit*qty+commission)) > 0.01 {
		t.Errorf("cash decreased by %v, want %v", spent, limit*qty+commission)
	}
	positions, _ := h.e.GetPositions(ctx, "demo")
	for _, p := range positions {
		if p.Symbol == "AAPL" && p.Qty != heldBefore+qty {
			t.Errorf("position = %v, want %v", p.Qty, heldBefore+qty)
		}
	}

	keys := h.rec.keys()
	if n := len(keys); keys[n-2] != "market_data/price_update" || keys[n-1] != "order/executed" {
		t.Errorf("tick events = %v", keys[n-2:])
	}
	checkInvariants(t, h.e)
}

func TestImmediateTimeInForce(t *testing.T) {
	h := newHarness(t, Options{MaxFillLots: 2})
	ctx := context.Background()
	h.fund(t, 1_000_000)
	h.setLast("NVDA", 100)

	ioc, err := h.e.PlaceOrder(ctx, domain.OrderRequest{AccountID: "demo", Symbol: "NVDA", Side: domain.SideBuy, Type: domain.OrderTypeMarket, TimeInForce: domain.TimeInForceIOC, Qty: 5})
	if err != nil {
		t.Fatal(err)
	}
	if ioc.Status != domain.OrderStatusCanceled || ioc.FilledQty != 2 || ioc.RemainingQty != 3 {
		t.Errorf("IOC order = %+v", ioc)
	}

	fok, err := h.e.PlaceOrder(ctx, domain.OrderRequest{AccountID: "demo", Symbol: "NVDA", Side: domain.SideBuy, Type: domain.OrderTypeLimit, TimeInForce: domain.TimeInForceFOK, Qty: 5, LimitPrice: 101})
	if err != nil {
		t.Fatal(err)
	}
	if fok.Status != domain.OrderStatusCanceled || fok.FilledQty != 0 {
		t.Errorf("FOK larger than one fill = %+v", fok)
	}

	fok, err = h.e.PlaceOrder(ctx, domain.OrderRequest{AccountID: "demo", Symbol: "NVDA", Side: domain.SideBuy, Type: domain.OrderTypeLimit, TimeInForce: domain.TimeInForceFOK, Qty: 2, LimitPrice: 101})
	if err != nil {
		t.Fatal(err)
	}
	if fok.Status != domain.OrderStatusFilled || fok.FilledAvgPrice != 101 {
		t.Errorf("fillable FOK = %+v", fok)
	}

	// A MARKET order larger than the cap rests with its remainder.
	day, err := h.e.PlaceOrder(ctx, domain.OrderRequest{AccountID: "demo", Symbol: "NVDA", Side: domain.SideBuy, Type: domain.OrderTypeMarket, Qty: 5})
	if err != nil {
		t.Fatal(err)
	}
	if day.Status != domain.OrderStatusPartiallyFilled || day.RemainingQty != 3 {
		t.Errorf("capped market order = %+v", day)
	}
	h.e.Tick(ctx)
	h.e.Tick(ctx)
	if got, _ := h.e.GetOrder(ctx, day.ID); got.Status != domain.OrderStatusFilled {
		t.Errorf("after two ticks status = %s", got.Status)
	}
	checkInvariants(t, h.e)
}

func TestPlaceOrderErrors(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	orders := h.e.l.Counts().Orders

	tests := []struct {
		name string
		req  domain.OrderRequest
		want error
	}{
		{"unknown account", domain.OrderRequest{AccountID: "nobody", Symbol: "AAPL", Side: domain.SideBuy, Type: domain.OrderTypeMarket, Qty: 1}, domain.ErrNotFound},
		{"unknown symbol", domain.OrderRequest{Symbol: "ZZZZ", Side: domain.SideBuy, Type: domain.OrderTypeMarket, Qty: 1}, domain.ErrNotFound},
		{"limit without price", domain.OrderRequest{Symbol: "AAPL", Side: domain.SideBuy, Type: domain.OrderTypeLimit, Qty: 1}, domain.ErrValidation},
		{"negative qty", domain.OrderRequest{Symbol: "AAPL", Side: domain.SideBuy, Type: domain.OrderTypeMarket, Qty: -3}, domain.ErrValidation},
		{"bad type", domain.OrderRequest{Symbol: "AAPL", Side: domain.SideBuy, Type: "TRAILING", Qty: 1}, domain.ErrValidation},
		{"nan limit", domain.OrderRequest{Symbol: "AAPL", Side: domain.SideBuy, Type: domain.OrderTypeLimit, Qty: 1, LimitPrice: math.NaN()}, domain.ErrValidation},
		{"inf limit", domain.OrderRequest{Symbol: "AAPL", Side: domain.SideSell, Type: domain.OrderTypeLimit, Qty: 1, LimitPrice: math.Inf(1)}, domain.ErrValidation},
		{"inf stop", domain.OrderRequest{Symbol: "AAPL", Side: domain.SideBuy, Type: domain.OrderTypeStop, Qty: 1, StopPrice: math.Inf(1)}, domain.ErrValidation},
		{"nan qty", domain.OrderRequest{Symbol: "AAPL", Side: domain.SideBuy, Type: domain.OrderTypeMarket, Qty: math.NaN()}, domain.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.e.PlaceOrder(ctx, tt.req); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
	if got := h.e.l.Counts().Orders; got != orders {
		t.Errorf("rejected orders entered the ledger: %d -> %d", orders, got)
	}
	if err := h.e.Save(ctx); err != nil {
		t.Errorf("Save after rejected orders: %v", err)
	}
}

func TestCancelOrder(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.setLast("SPY", 500)

	o, err := h.e.PlaceOrder(ctx, domain.OrderRequest{Symbol: "SPY", Side: domain.SideBuy, Type: domain.OrderTypeLimit, Qty: 1, LimitPrice: 100})
	if err != nil {
		t.Fatal(err)
	}
	canceled, err := h.e.CancelOrder(ctx, o.ID)
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if canceled.Status != domain.OrderStatusCanceled || canceled.CanceledAt == nil || canceled.RemainingQty != 1 {
		t.Errorf("canceled = %+v", canceled)
	}
	if _, err := h.e.CancelOrder(ctx, o.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("second cancel err = %v", err)
	}
	if _, err := h.e.CancelOrder(ctx, "ORD-99999999"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("unknown order err = %v", err)
	}

	keys := h.rec.keys()
	if keys[len(keys)-1] != "order/canceled" {
		t.Errorf("last event = %s", keys[len(keys)-1])
	}
}

func TestDayOrderExpiresNextSession(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.setLast("JPM", 200)

	day, _ := h.e.PlaceOrder(ctx, domain.OrderRequest{Symbol: "JPM", Side: domain.SideBuy, Type: domain.OrderTypeLimit, TimeInForce: domain.TimeInForceDay, Qty: 1, LimitPrice: 10})
	gtc, _ := h.e.PlaceOrder(ctx, domain.OrderRequest{Symbol: "JPM", Side: domain.SideBuy, Type: domain.OrderTypeLimit, TimeInForce: domain.TimeInForceGTC, Qty: 1, LimitPrice: 10})
	plain, _ := h.e.PlaceOrder(ctx, domain.OrderRequest{Symbol: "JPM", Side: domain.SideBuy, Type: domain.OrderTypeLimit, Qty: 1, LimitPrice: 10})
	if plain.TimeInForce != domain.TimeInForceGTC {
		t.Fatalf("order without time in force got %s", plain.TimeInForce)
	}

	h.e.Tick(ctx)
	if got, _ := h.e.GetOrder(ctx, day.ID); got.Status != domain.OrderStatusNew {
		t.Fatalf("DAY order canceled within its session: %s", got.Status)
	}

	h.clock.Advance(24 * time.Hour)
	res := h.e.Tick(ctx)
	if res.Expired != 1 {
		t.Errorf("expired = %d, want 1", res.Expired)
	}
	if got, _ := h.e.GetOrder(ctx, day.ID); got.Status != domain.OrderStatusCanceled {
		t.Errorf("DAY order status = %s", got.Status)
	}
	if got, _ := h.e.GetOrder(ctx, gtc.ID); got.Status != domain.OrderStatusNew {
		t.Errorf("GTC order status = %s", got.Status)
	}
	if got, _ := h.e.GetOrder(ctx, plain.ID); got.Status != domain.OrderStatusNew || got.CanceledAt != nil {
		t.Errorf("order without time in force canceled overnight: %+v", got)
	}

	keys := h.rec.keys()
	canceled := 0
	for _, k := range keys {
		if k == "order/canceled" {
			canceled++
		}
	}
	if canceled != 1 {
		t.Errorf("order/canceled events = %d, want only the DAY expiry", canceled)
	}
}

func TestCashMovements(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	acct, _ := h.e.GetAccount(ctx, "demo")

	tx, err := h.e.Deposit(ctx, "demo", 1234.567)
	if err != nil {
		t.Fatal(err)
	}
	if tx.Amount != 1234.57 || tx.BalanceAfter != ledger.RoundMoney(acct.Balance()+1234.57) {
		t.Errorf("deposit tx = %+v", tx)
	}
	if _, err := h.e.Withdraw(ctx, "demo", tx.BalanceAfter+1); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("overdraw err = %v", err)
	}
	if _, err := h.e.Deposit(ctx, "demo", 0); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("zero deposit err = %v", err)
	}
	txs := h.e.l.Counts().Transactions
	if _, err := h.e.Deposit(ctx, "demo", 0.004); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("sub-cent deposit err = %v", err)
	}
	if _, err := h.e.Withdraw(ctx, "demo", 0.001); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("sub-cent withdrawal err = %v", err)
	}
	if got := h.e.l.Counts().Transactions; got != txs {
		t.Errorf("sub-cent movements wrote %d rows", got-txs)
	}
	if _, err := h.e.Withdraw(ctx, "ghost", 1); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("unknown account err = %v", err)
	}
	out, err := h.e.Withdraw(ctx, "demo", 100)
	if err != nil || out.Amount != -100 || out.Type != domain.TxWithdrawal {
		t.Errorf("withdraw = %+v, %v", out, err)
	}
	checkInvariants(t, h.e)
}

func TestReset(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.fund(t, 500_000)
	if _, err := h.e.PlaceOrder(ctx, domain.OrderRequest{Symbol: "AAPL", Side: domain.SideBuy, Type: domain.OrderTypeLimit, Qty: 1, LimitPrice: 1, ClientOrderID: "keep-me"}); err != nil {
		t.Fatal(err)
	}

	if err := h.e.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	h.e.mu.Lock()
	l := h.e.l.Clone()
	h.e.mu.Unlock()
	if len(l.Accounts) != 1 || l.Accounts["demo"] == nil {
		t.Fatalf("accounts after reset = %v", l.Accounts)
	}
	for id, o := range l.Orders {
		if o.ClientOrderID == "keep-me" || o.Status != domain.OrderStatusFilled {
			t.Errorf("order %s survived reset: %+v", id, o)
		}
	}
	if _, ok := l.Orders["ORD-00001001"]; !ok && len(l.Orders) > 0 {
		t.Error("order ids did not restart at the baseline")
	}
	for _, tx := range l.Transactions {
		if tx.Type == domain.TxDeposit && tx.Amount == 500_000 {
			t.Error("pre-reset deposit survived")
		}
	}

	keys := h.rec.keys()
	if keys[len(keys)-1] != "system/reset" {
		t.Errorf("last event = %s, want system/reset", keys[len(keys)-1])
	}
	checkInvariants(t, h.e)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.fund(t, 50_000)
	if _, err := h.e.PlaceOrder(ctx, domain.OrderRequest{Symbol: "TSLA", Side: domain.SideBuy, Type: domain.OrderTypeStopLimit, TimeInForce: domain.TimeInForceGTC, Qty: 2, StopPrice: 1_000, LimitPrice: 1_010}); err != nil {
		t.Fatal(err)
	}
	h.e.Tick(ctx)

	if err := h.e.Save(ctx); err != nil {
		t.Fatal(err)
	}
	first := string(h.store.data)
	if err := h.e.Save(ctx); err != nil {
		t.Fatal(err)
	}
	if string(h.store.data) != first {
		t.Error("two saves without a mutation produced different documents")
	}

	gen := market.NewGenerator(market.DefaultInstruments(), market.Options{Seed: 99})
	restored := NewEngine(gen, h.store, nil, Options{}, WithClock(h.clock.Now))
	if err := restored.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}

	h.e.mu.Lock()
	want := h.e.l.Clone()
	h.e.mu.Unlock()
	got := restored.l
	for name, pair := range map[string][2]any{
		"accounts":     {got.Accounts, want.Accounts},
		"orders":       {got.Orders, want.Orders},
		"positions":    {got.Positions, want.Positions},
		"trades":       {got.Trades, want.Trades},
		"transactions": {got.Transactions, want.Transactions},
		"quotes":       {got.Quotes, want.Quotes},
	} {
		if !reflect.DeepEqual(pair[0], pair[1]) {
			t.Errorf("%s differ after load(save())", name)
		}
	}
	if got.Counters != want.Counters {
		t.Errorf("counters = %+v, want %+v", got.Counters, want.Counters)
	}
}

func TestLoadCorruptSnapshotFails(t *testing.T) {
	s := &memStore{data: []byte(`{"accounts": [["demo", null]]}`)}
	gen := market.NewGenerator(market.DefaultInstruments(), market.Options{Seed: 1})
	e := NewEngine(gen, s, nil, Options{})
	if err := e.Load(context.Background()); err == nil {
		t.Fatal("corrupt snapshot loaded without error")
	}
	if s.saves != 0 {
		t.Error("corrupt snapshot was overwritten")
	}
}

func TestPersistSkipsStaleVersions(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	saves := h.store.saves

	h.e.saveMu.Lock()
	h.e.savedVersion = 100
	h.e.saveMu.Unlock()
	if err := h.e.persist(ctx, 99, ledger.New()); err != nil {
		t.Fatal(err)
	}
	if h.store.saves != saves {
		t.Error("stale snapshot overwrote a newer one")
	}
}

func TestReadSurface(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	if _, err := h.e.GetQuote(ctx, "NOPE"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetQuote err = %v", err)
	}
	book, err := h.e.GetOrderBook(ctx, "AAPL", 500)
	if err != nil {
		t.Fatal(err)
	}
	if len(book.Bids) != 50 || len(book.Asks) != 50 {
		t.Errorf("book depth = %d/%d, want capped at 50", len(book.Bids), len(book.Asks))
	}
	if book.Bids[0].Price >= book.Asks[0].Price {
		t.Error("crossed book")
	}

	weekly, err := h.e.GetBars(ctx, "AAPL", time.Time{}, time.Time{}, "1Week")
	if err != nil {
		t.Fatal(err)
	}
	if len(weekly) < 70 || len(weekly) > 80 {
		t.Errorf("got %d weekly bars for a year of history", len(weekly))
	}
	if _, err := h.e.GetBars(ctx, "AAPL", time.Time{}, time.Time{}, "5Min"); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("bad timeframe err = %v", err)
	}
	if _, err := h.e.GetBars(ctx, "AAPL", t0, t0.AddDate(0, -1, 0), "1Day"); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("inverted range err = %v", err)
	}
	if _, err := h.e.GetOrders(ctx, "ghost"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetOrders err = %v", err)
	}

	st := h.e.Status()
	if st.Counts.Accounts != 1 || st.Subscribers != 1 || st.Seed != 42 {
		t.Errorf("status = %+v", st)
	}
	// t0 is Wednesday 11:00 in New York.
	if !st.MarketOpen {
		t.Error("market reported closed mid-session")
	}
	if want := time.Date(2024, 6, 12, 20, 0, 0, 0, time.UTC); !st.NextClose.Equal(want) {
		t.Errorf("next close = %v, want %v", st.NextClose, want)
	}
	if want := time.Date(2024, 6, 13, 13, 30, 0, 0, time.UTC); !st.NextOpen.Equal(want) {
		t.Errorf("next open = %v, want %v", st.NextOpen, want)
	}
}

func TestTickSkippedOutsideMarketHours(t *testing.T) {
	h := newHarness(t, Options{MarketHoursOnly: true})
	ctx := context.Background()
	if res := h.e.Tick(ctx); res.Skipped {
		t.Fatal("tick skipped during the session")
	}
	events := len(h.rec.keys())

	h.clock.Advance(6 * time.Hour)
	if res := h.e.Tick(ctx); !res.Skipped {
		t.Errorf("tick after the close = %+v, want skipped", res)
	}
	if got := len(h.rec.keys()); got != events {
		t.Errorf("skipped tick published %d events", got-events)
	}
	if st := h.e.Status(); st.MarketOpen || st.Ticks != 1 {
		t.Errorf("status after close = %+v", st)
	}
}

func TestConcurrentOrdersAndTicks(t *testing.T) {
	h := newHarness(t, Options{MaxFillLots: 3})
	ctx := context.Background()
	h.fund(t, 10_000_000)

	symbols := []string{"AAPL", "MSFT", "SPY", "JPM"}
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := range 25 {
				sym := symbols[(i+j)%len(symbols)]
				q, _ := h.e.GetQuote(ctx, sym)
				req := domain.OrderRequest{Symbol: sym, Side: domain.SideBuy, Type: domain.OrderTypeLimit, TimeInForce: domain.TimeInForceGTC, Qty: 5, LimitPrice: q.Last}
				if j%2 == 1 {
					req.Side = domain.SideSell
				}
				if j%5 == 0 {
					req.Type, req.LimitPrice = domain.OrderTypeMarket, 0
				}
				o, err := h.e.PlaceOrder(ctx, req)
				if err != nil {
					t.Errorf("PlaceOrder: %v", err)
					return
				}
				if j%7 == 0 {
					_, _ = h.e.CancelOrder(ctx, o.ID)
				}
			}
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range 40 {
			h.e.Tick(ctx)
		}
	}()
	wg.Wait()

	checkInvariants(t, h.e)
}

func TestSchedulerTicks(t *testing.T) {
	h := newHarness(t, Options{})
	s := NewScheduler(h.e, time.Second, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for h.e.Status().Ticks == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	s.Stop()
	if h.e.Status().Ticks == 0 {
		t.Error("scheduler never ticked")
	}
}

func TestCommissionRates(t *testing.T) {
	tests := []struct {
		name string
		rate float64
		want float64
	}{
		{"default", 0, 2.00},
		{"explicit", 0.001, 4.00},
		{"disabled", NoCommission, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Options{CommissionRate: tt.rate})
			ctx := context.Background()
			h.fund(t, 1_000_000)
			h.setLast("MSFT", 400)
			before, _ := h.e.GetAccount(ctx, "demo")

			o, err := h.e.PlaceOrder(ctx, domain.OrderRequest{Symbol: "MSFT", Side: domain.SideBuy, Type: domain.OrderTypeMarket, Qty: 10})
			if err != nil {
				t.Fatal(err)
			}
			trades, _ := h.e.GetRecentTrades(ctx, "MSFT", 1)
			if len(trades) != 1 || trades[0].OrderID != o.ID {
				t.Fatalf("trades = %+v", trades)
			}
			if got := trades[0].Commission; got != tt.want {
				t.Errorf("commission = %v, want %v", got, tt.want)
			}
			after, _ := h.e.GetAccount(ctx, "demo")
			if spent := ledger.RoundMoney(before.Balance() - after.Balance()); spent != 4_000+tt.want {
				t.Errorf("cash decreased by %v, want %v", spent, 4_000+tt.want)
			}
		})
	}
}

// failingStore refuses every write.
type failingStore struct {
	mu       sync.Mutex
	attempts int
}

var errDiskFull = errors.New("disk full")

func (f *failingStore) Save(context.Context, *ledger.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	return errDiskFull
}

func (f *failingStore) Load(context.Context) (*ledger.Snapshot, error) {
	return nil, store.ErrNoSnapshot
}

func TestSnapshotFailureKeepsLedgerAuthoritative(t *testing.T) {
	var logs bytes.Buffer
	s := &failingStore{}
	rec := &recorder{}
	clock := &fakeClock{t: t0}
	gen := market.NewGenerator(market.DefaultInstruments(), market.Options{Seed: 42})
	e := NewEngine(gen, s, nil, Options{}, WithPublisher(rec), WithClock(clock.Now),
		WithLogger(util.NewLoggerTo(&logs, "info", "text")))
	ctx := context.Background()

	if err := e.Load(ctx); err != nil {
		t.Fatalf("Load with a failing store: %v", err)
	}
	if _, err := e.Deposit(ctx, "demo", 1_000_000); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	e.mu.Lock()
	e.l.Quotes["AAPL"].Last = 200
	e.mu.Unlock()

	buy, err := e.PlaceOrder(ctx, domain.OrderRequest{Symbol: "AAPL", Side: domain.SideBuy, Type: domain.OrderTypeMarket, Qty: 5})
	if err != nil || buy.Status != domain.OrderStatusFilled {
		t.Fatalf("market order = %+v, %v", buy, err)
	}
	limit, err := e.PlaceOrder(ctx, domain.OrderRequest{Symbol: "AAPL", Side: domain.SideBuy, Type: domain.OrderTypeLimit, Qty: 5, LimitPrice: 190})
	if err != nil {
		t.Fatalf("limit order: %v", err)
	}
	e.mu.Lock()
	e.l.Quotes["AAPL"].Last = 150
	e.mu.Unlock()
	clock.Advance(5 * time.Second)
	if res := e.Tick(ctx); res.Fills != 1 {
		t.Errorf("tick fills = %d, want 1", res.Fills)
	}
	if got, _ := e.GetOrder(ctx, limit.ID); got.Status != domain.OrderStatusFilled {
		t.Errorf("limit order status = %s", got.Status)
	}

	if err := e.Save(ctx); !errors.Is(err, errDiskFull) {
		t.Errorf("Save err = %v, want the store error", err)
	}
	if s.attempts < 5 {
		t.Errorf("store saw %d writes, want one per commit", s.attempts)
	}
	if !strings.Contains(logs.String(), "snapshot save failed") {
		t.Error("save failure was not logged")
	}
	if st := e.Status(); !st.LastSave.IsZero() {
		t.Errorf("last save = %v after only failures", st.LastSave)
	}

	keys := rec.keys()
	executed := 0
	for _, k := range keys {
		if k == "order/executed" {
			executed++
		}
	}
	if executed != 2 || keys[len(keys)-2] != "market_data/price_update" {
		t.Errorf("events = %v", keys)
	}
	checkInvariants(t, e)
}

// fakeJournal records journal calls in order.
type fakeJournal struct {
	mu    sync.Mutex
	calls []string
	rows  int
}

func (j *fakeJournal) Append(_ context.Context, trades []domain.Trade, txs []domain.Transaction) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if n := len(trades) + len(txs); n > 0 {
		j.calls = append(j.calls, "append")
		j.rows += n
	}
	return nil
}

func (j *fakeJournal) Reset(context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls = append(j.calls, "reset")
	j.rows = 0
	return nil
}

func (j *fakeJournal) snapshot() ([]string, int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.calls...), j.rows
}

func TestStaleChangeSetDroppedAfterReset(t *testing.T) {
	j := &fakeJournal{}
	h := &harness{store: &memStore{}, rec: &recorder{}, clock: &fakeClock{t: t0}}
	gen := market.NewGenerator(market.DefaultInstruments(), market.Options{Seed: 42})
	h.e = NewEngine(gen, h.store, nil, Options{}, WithJournal(j), WithPublisher(h.rec), WithClock(h.clock.Now))
	ctx := context.Background()
	if err := h.e.Load(ctx); err != nil {
		t.Fatal(err)
	}

	// A deposit and a price update whose commit is still in flight when
	// Reset lands.
	h.e.mu.Lock()
	before := h.e.beginLocked()
	now := h.e.now()
	h.e.l.AppendTransaction(h.e.l.Accounts["demo"], domain.TxDeposit, 1_000, "", "deposit", now)
	stale := h.e.finishLocked(before)
	stale.events = []live.Event{live.PriceUpdate(h.e.quotesLocked(), now)}
	epoch := h.e.epoch
	h.e.mu.Unlock()

	if err := h.e.Reset(ctx); err != nil {
		t.Fatal(err)
	}
	calls, rows := j.snapshot()
	saves := h.store.saves

	h.e.commit(ctx, stale)

	if got, gotRows := j.snapshot(); len(got) != len(calls) || gotRows != rows {
		t.Errorf("stale commit reached the journal: %v (%d rows), before %v (%d rows)", got, gotRows, calls, rows)
	}
	if calls[len(calls)-2] != "reset" || calls[len(calls)-1] != "append" {
		t.Errorf("journal calls = %v, want reset then the reseeded rows", calls)
	}
	if h.store.saves != saves {
		t.Error("stale commit overwrote the reset snapshot")
	}
	keys := h.rec.keys()
	if keys[len(keys)-1] != "system/reset" {
		t.Errorf("event after reset: %v", keys)
	}

	// A tick that began before the reset must not fill orders placed after it.
	h.setLast("AAPL", 200)
	o, err := h.e.PlaceOrder(ctx, domain.OrderRequest{Symbol: "AAPL", Side: domain.SideBuy, Type: domain.OrderTypeLimit, Qty: 1, LimitPrice: 190})
	if err != nil {
		t.Fatal(err)
	}
	var res TickResult
	if _, ok := h.e.evaluate(o.ID, epoch, map[string]float64{"AAPL": 100}, h.e.now(), &res); ok || res.Fills != 0 {
		t.Errorf("pre-reset tick evaluated a post-reset order: %+v", res)
	}
	if got, _ := h.e.GetOrder(ctx, o.ID); got.Status != domain.OrderStatusNew {
		t.Errorf("order status = %s", got.Status)
	}

	if _, err := h.e.Deposit(ctx, "demo", 50); err != nil {
		t.Fatal(err)
	}
	if _, gotRows := j.snapshot(); gotRows != rows+1 {
		t.Errorf("journal rows after a post-reset deposit = %d, want %d", gotRows, rows+1)
	}
}

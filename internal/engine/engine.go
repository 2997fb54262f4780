// Package engine is the emulator core. Engine owns the ledger behind a single
// mutex; every logical operation (place, cancel, deposit, one fill) is one
// critical section. Journaling, snapshot writes and event broadcast happen
// after the lock is released, working on copies taken under it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"tradesim/internal/domain"
	"tradesim/internal/ledger"
	"tradesim/internal/live"
	"tradesim/internal/market"
	"tradesim/internal/store"
)

// Publisher receives engine events.
type Publisher interface {
	Publish(e live.Event) int
	Count() int
}

// NoCommission as Options.CommissionRate disables commission. Zero selects
// DefaultCommissionRate.
const NoCommission = -1.0

// Options are the emulator parameters.
type Options struct {
	AccountID       string
	Currency        string
	SeedMonths      int
	HistoryDays     int
	CommissionRate  float64
	MaxFillLots     float64
	MarketHoursOnly bool
}

func (o *Options) setDefaults() {
	if o.AccountID == "" {
		o.AccountID = "demo"
	}
	if o.Currency == "" {
		o.Currency = "USD"
	}
	if o.SeedMonths <= 0 {
		o.SeedMonths = 6
	}
	if o.HistoryDays <= 0 {
		o.HistoryDays = 365
	}
	switch {
	case o.CommissionRate == 0:
		o.CommissionRate = DefaultCommissionRate
	case o.CommissionRate < 0:
		o.CommissionRate = 0
	}
}

// Option configures optional Engine collaborators.
type Option func(*Engine)

// WithJournal mirrors fills and cash movements into j.
func WithJournal(j store.Journal) Option { return func(e *Engine) { e.journal = j } }

// WithBarArchive writes generated historical bars to b after seeding.
func WithBarArchive(b store.BarStore) Option { return func(e *Engine) { e.archive = b } }

// WithPublisher broadcasts events to p.
func WithPublisher(p Publisher) Option { return func(e *Engine) { e.events = p } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.log = l } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.clock = now } }

// Engine is the serialized owner of the ledger.
type Engine struct {
	mu      sync.Mutex
	l       *ledger.Ledger
	version uint64
	epoch   uint64 // bumped by Reset
	gen     *market.Generator
	exec    *Executor
	risk    *RiskManager
	opts    Options

	lastTick time.Time
	ticks    int64

	// saveMu serializes the commit pipeline.
	saveMu         sync.Mutex
	savedVersion   uint64
	lastSave       time.Time
	committedEpoch uint64

	snapshots store.SnapshotStore
	journal   store.Journal
	archive   store.BarStore
	events    Publisher
	log       *slog.Logger
	clock     func() time.Time
	started   time.Time
}

// NewEngine creates an Engine with an empty ledger. Call Load before use.
func NewEngine(gen *market.Generator, snapshots store.SnapshotStore, risk *RiskManager, opts Options, options ...Option) *Engine {
	opts.setDefaults()
	if risk == nil {
		risk = NewRiskManager(0)
	}
	e := &Engine{
		l:         ledger.New(),
		gen:       gen,
		risk:      risk,
		opts:      opts,
		snapshots: snapshots,
		log:       slog.Default(),
		clock:     time.Now,
	}
	for _, o := range options {
		o(e)
	}
	e.log = e.log.With("component", "engine")
	e.exec = NewExecutor(opts.CommissionRate, opts.MaxFillLots, func(symbol string) float64 {
		if inst, ok := gen.Instrument(symbol); ok && inst.LotSize > 0 {
			return inst.LotSize
		}
		return 1
	})
	e.started = e.now()
	return e
}

func (e *Engine) now() time.Time {
	return e.clock().UTC()
}

// ---------------------------------------------------------------------------
// Commit pipeline
// ---------------------------------------------------------------------------

// changeSet is what a critical section hands to the post-unlock pipeline.
type changeSet struct {
	version      uint64
	epoch        uint64
	ledger       *ledger.Ledger
	trades       []domain.Trade
	transactions []domain.Transaction
	events       []live.Event
	resetJournal bool
	archiveBars  bool
}

// beginLocked records the counters before a mutation.
func (e *Engine) beginLocked() ledger.Counters {
	return e.l.Counters
}

// finishLocked bumps the version and collects the rows created since
// before, plus a clone of the ledger for persistence.
func (e *Engine) finishLocked(before ledger.Counters) *changeSet {
	e.version++
	cs := &changeSet{version: e.version, epoch: e.epoch, ledger: e.l.Clone()}
	for n := before.Trade + 1; n <= e.l.Counters.Trade; n++ {
		if t := cs.ledger.Trades[fmt.Sprintf("TRD-%08d", n)]; t != nil {
			cs.trades = append(cs.trades, *t)
		}
	}
	for n := before.Transaction + 1; n <= e.l.Counters.Transaction; n++ {
		if tx := cs.ledger.Transactions[fmt.Sprintf("TXN-%08d", n)]; tx != nil {
			cs.transactions = append(cs.transactions, *tx)
		}
	}
	return cs
}

// commit journals, persists and broadcasts a change set. Failures are
// logged; the in-memory ledger stays authoritative. A change set from
// before the latest committed reset is dropped whole.
func (e *Engine) commit(ctx context.Context, cs *changeSet) {
	e.saveMu.Lock()
	defer e.saveMu.Unlock()

	if cs.epoch < e.committedEpoch {
		e.log.Debug("dropping change set from before reset", "version", cs.version, "events", len(cs.events))
		return
	}
	if cs.resetJournal {
		e.committedEpoch = cs.epoch
	}
	if e.journal != nil {
		if cs.resetJournal {
			if err := e.journal.Reset(ctx); err != nil {
				e.log.Error("journal reset failed", "error", err)
			}
		}
		if err := e.journal.Append(ctx, cs.trades, cs.transactions); err != nil {
			e.log.Error("journal append failed", "error", err, "trades", len(cs.trades))
		}
	}
	if cs.archiveBars && e.archive != nil {
		e.archiveBars(ctx, cs.ledger)
	}
	if cs.ledger != nil {
		_ = e.persistLocked(ctx, cs.version, cs.ledger)
	}
	if e.events != nil {
		for _, ev := range cs.events {
			e.events.Publish(ev)
		}
	}
}

// persist writes a snapshot unless a newer version is already on disk.
func (e *Engine) persist(ctx context.Context, version uint64, l *ledger.Ledger) error {
	e.saveMu.Lock()
	defer e.saveMu.Unlock()
	return e.persistLocked(ctx, version, l)
}

func (e *Engine) persistLocked(ctx context.Context, version uint64, l *ledger.Ledger) error {
	if version < e.savedVersion {
		return nil
	}
	now := e.now()
	if err := e.snapshots.Save(ctx, l.Snapshot(now)); err != nil {
		e.log.Error("snapshot save failed", "error", err, "version", version)
		return err
	}
	e.savedVersion = version
	e.lastSave = now
	return nil
}

func (e *Engine) archiveBars(ctx context.Context, l *ledger.Ledger) {
	var all []domain.Bar
	for _, bars := range l.Bars {
		all = append(all, bars...)
	}
	if err := e.archive.WriteBars(ctx, all); err != nil {
		e.log.Warn("bar archive failed", "error", err)
		return
	}
	e.log.Info("archived historical bars", "bars", len(all))
}

// ---------------------------------------------------------------------------
// Lifecycle and admin surface
// ---------------------------------------------------------------------------

// Load resumes from the stored snapshot or, when none exists, seeds a demo
// account and saves immediately. A snapshot that cannot be decoded is
// returned as an error so startup aborts instead of starting empty.
func (e *Engine) Load(ctx context.Context) error {
	snap, err := e.snapshots.Load(ctx)
	switch {
	case errors.Is(err, store.ErrNoSnapshot):
		e.mu.Lock()
		before := e.beginLocked()
		if err := e.seedLocked(e.opts.AccountID, e.now()); err != nil {
			e.mu.Unlock()
			return fmt.Errorf("seeding demo account: %w", err)
		}
		cs := e.finishLocked(before)
		cs.archiveBars = true
		counts := e.l.Counts()
		e.mu.Unlock()

		e.log.Info("initialized fresh ledger", "account", e.opts.AccountID, "seed", e.gen.Seed(),
			"trades", counts.Trades, "transactions", counts.Transactions)
		e.commit(ctx, cs)
		return nil

	case err != nil:
		return fmt.Errorf("loading snapshot: %w", err)
	}

	l, err := ledger.FromSnapshot(snap)
	if err != nil {
		return fmt.Errorf("restoring snapshot: %w", err)
	}

	e.mu.Lock()
	e.l = l
	now := e.now()
	added := e.ensureMarketDataLocked(now)
	for id := range e.l.Accounts {
		_ = Recalculate(e.l, id, now)
	}
	var cs *changeSet
	if added > 0 {
		cs = e.finishLocked(e.l.Counters)
		cs.archiveBars = true
	}
	counts := e.l.Counts()
	e.mu.Unlock()

	e.log.Info("restored snapshot", "saved_at", snap.SavedAt, "accounts", counts.Accounts,
		"orders", counts.Orders, "trades", counts.Trades, "new_symbols", added)
	if cs != nil {
		e.commit(ctx, cs)
	}
	return nil
}

// Save forces a snapshot of the current ledger.
func (e *Engine) Save(ctx context.Context) error {
	e.mu.Lock()
	version, l := e.version, e.l.Clone()
	e.mu.Unlock()
	return e.persist(ctx, version, l)
}

// Reset clears every table, restores baseline id counters, reseeds one demo
// account, persists the result and broadcasts a system/reset event. The
// reset is committed before the lock is released, so no later operation
// journals or publishes ahead of it.
func (e *Engine) Reset(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.l.Reset()
	e.epoch++
	before := e.beginLocked()
	now := e.now()
	if err := e.seedLocked(e.opts.AccountID, now); err != nil {
		return fmt.Errorf("reseeding demo account: %w", err)
	}
	cs := e.finishLocked(before)
	cs.resetJournal = true
	cs.archiveBars = true
	cs.events = []live.Event{live.SystemReset(now)}

	e.log.Info("ledger reset", "account", e.opts.AccountID)
	e.commit(ctx, cs)
	return nil
}

// Status is the admin view of the engine.
type Status struct {
	Backend       string        `json:"backend"`
	StartedAt     time.Time     `json:"started_at"`
	UptimeSeconds float64       `json:"uptime_seconds"`
	Counts        ledger.Counts `json:"counts"`
	Subscribers   int           `json:"subscribers"`
	Ticks         int64         `json:"ticks"`
	LastTick      time.Time     `json:"last_tick"`
	LastSave      time.Time     `json:"last_save"`
	Seed          uint64        `json:"seed"`
	MarketOpen    bool          `json:"market_open"`
	NextOpen      time.Time     `json:"next_open"`
	NextClose     time.Time     `json:"next_close"`
}

// Status reports uptime, table counts, subscriber count and the exchange
// session around now.
func (e *Engine) Status() Status {
	e.mu.Lock()
	st := Status{
		Backend:   "emulator",
		StartedAt: e.started,
		Counts:    e.l.Counts(),
		Ticks:     e.ticks,
		LastTick:  e.lastTick,
		Seed:      e.gen.Seed(),
	}
	e.mu.Unlock()

	e.saveMu.Lock()
	st.LastSave = e.lastSave
	e.saveMu.Unlock()

	now := e.now()
	cal := e.gen.Calendar()
	st.UptimeSeconds = now.Sub(e.started).Seconds()
	st.MarketOpen = cal.IsMarketOpen(now)
	st.NextOpen = cal.NextOpen(now)
	st.NextClose = cal.NextClose(now)
	if e.events != nil {
		st.Subscribers = e.events.Count()
	}
	return st
}

// ensureMarketDataLocked generates bars and a quote for configured
// instruments the ledger does not know yet.
func (e *Engine) ensureMarketDataLocked(now time.Time) int {
	added := 0
	for _, inst := range e.gen.Instruments() {
		if _, ok := e.l.Quotes[inst.Symbol]; ok {
			continue
		}
		bars := e.gen.GenerateHistoricalBars(inst.Symbol, e.opts.HistoryDays, market.BarParamsFor(inst), now)
		e.l.Bars[inst.Symbol] = bars
		q := e.gen.QuoteFromBars(inst, bars, now)
		e.l.Quotes[inst.Symbol] = &q
		added++
	}
	return added
}

// ---------------------------------------------------------------------------
// Read surface
// ---------------------------------------------------------------------------

// GetAccount returns a copy of the account.
func (e *Engine) GetAccount(_ context.Context, id string) (*domain.Account, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	acct := e.l.Accounts[id]
	if acct == nil {
		return nil, fmt.Errorf("account %s: %w", id, domain.ErrNotFound)
	}
	return ledger.CloneAccount(acct), nil
}

// GetOrders returns the account's orders, newest first.
func (e *Engine) GetOrders(_ context.Context, accountID string) ([]domain.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.l.Accounts[accountID] == nil {
		return nil, fmt.Errorf("account %s: %w", accountID, domain.ErrNotFound)
	}
	orders := e.l.OrdersFor(accountID)
	out := make([]domain.Order, 0, len(orders))
	for _, o := range orders {
		out = append(out, *ledger.CloneOrder(o))
	}
	return out, nil
}

// GetOrder returns one order.
func (e *Engine) GetOrder(_ context.Context, id string) (*domain.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o := e.l.Orders[id]
	if o == nil {
		return nil, fmt.Errorf("order %s: %w", id, domain.ErrNotFound)
	}
	return ledger.CloneOrder(o), nil
}

// GetPositions returns the account's open positions sorted by symbol.
func (e *Engine) GetPositions(_ context.Context, accountID string) ([]domain.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.l.Accounts[accountID] == nil {
		return nil, fmt.Errorf("account %s: %w", accountID, domain.ErrNotFound)
	}
	positions := e.l.PositionsFor(accountID)
	out := make([]domain.Position, 0, len(positions))
	for _, p := range positions {
		out = append(out, *p)
	}
	return out, nil
}

// GetQuote returns the live quote of symbol.
func (e *Engine) GetQuote(_ context.Context, symbol string) (*domain.Quote, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	q := e.l.Quotes[symbol]
	if q == nil {
		return nil, fmt.Errorf("symbol %s: %w", symbol, domain.ErrNotFound)
	}
	cp := *q
	return &cp, nil
}

func (e *Engine) quotesLocked() []domain.Quote {
	out := make([]domain.Quote, 0, len(e.l.Quotes))
	for _, q := range e.l.Quotes {
		out = append(out, *q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// GetOrderBook returns a synthetic depth ladder around the live quote.
// depth <= 0 means 10 levels; it is capped at 50.
func (e *Engine) GetOrderBook(_ context.Context, symbol string, depth int) (*domain.OrderBook, error) {
	if depth <= 0 {
		depth = 10
	}
	depth = min(depth, 50)

	e.mu.Lock()
	defer e.mu.Unlock()
	q := e.l.Quotes[symbol]
	if q == nil {
		return nil, fmt.Errorf("symbol %s: %w", symbol, domain.ErrNotFound)
	}
	book := e.gen.OrderBook(*q, depth)
	return &book, nil
}

// GetRecentTrades returns the latest fills in symbol across all accounts,
// newest first. limit <= 0 means 50.
func (e *Engine) GetRecentTrades(_ context.Context, symbol string, limit int) ([]domain.Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.l.Quotes[symbol] == nil {
		return nil, fmt.Errorf("symbol %s: %w", symbol, domain.ErrNotFound)
	}
	trades := e.l.TradesFor(symbol, limit)
	out := make([]domain.Trade, 0, len(trades))
	for _, t := range trades {
		out = append(out, *t)
	}
	return out, nil
}

// GetBars returns historical bars in [start, end] (zero bounds are open)
// aggregated to timeframe.
func (e *Engine) GetBars(_ context.Context, symbol string, start, end time.Time, timeframe string) ([]domain.Bar, error) {
	tf, err := market.ParseTimeframe(timeframe)
	if err != nil {
		return nil, err
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return nil, fmt.Errorf("%w: end %s before start %s", domain.ErrValidation, end.Format(time.DateOnly), start.Format(time.DateOnly))
	}

	e.mu.Lock()
	bars, ok := e.l.Bars[symbol]
	var selected []domain.Bar
	for _, b := range bars {
		if (start.IsZero() || !b.Timestamp.Before(start)) && (end.IsZero() || !b.Timestamp.After(end)) {
			selected = append(selected, b)
		}
	}
	e.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("symbol %s: %w", symbol, domain.ErrNotFound)
	}
	return market.Aggregate(selected, tf), nil
}

// GetTransactions returns the account's cash ledger in [start, end],
// chronologically. Zero bounds are open.
func (e *Engine) GetTransactions(_ context.Context, accountID string, start, end time.Time) ([]domain.Transaction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.l.Accounts[accountID] == nil {
		return nil, fmt.Errorf("account %s: %w", accountID, domain.ErrNotFound)
	}
	txs := e.l.TransactionsFor(accountID, start, end)
	out := make([]domain.Transaction, 0, len(txs))
	for _, tx := range txs {
		out = append(out, *tx)
	}
	return out, nil
}

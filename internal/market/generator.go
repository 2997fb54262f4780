// Package market generates synthetic market data: historical daily bars and
// a live random-walk quote per instrument.
package market

import (
	"math"
	"math/rand/v2"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat/distuv"

	"tradesim/internal/domain"
	"tradesim/internal/util"
)

// MinPrice is the floor applied to every generated price.
const MinPrice = 0.01

const (
	defaultTickVolatility = 0.005
	defaultSpreadBps      = 2.0
	ticksPerSession       = 4680 // 6.5h at 5s
)

// Options configures a Generator.
type Options struct {
	// Seed makes generation reproducible. Zero picks a time-based seed.
	Seed           uint64
	TickVolatility float64
	SpreadBps      float64
}

// BarParams drives historical bar generation for one symbol.
type BarParams struct {
	StartPrice float64
	Volatility float64
	Trend      float64
	BaseVolume int64
	Decimals   int
}

// Generator is a seeded random-walk price source. It is not safe for
// concurrent use; callers serialize access.
type Generator struct {
	rng         *rand.Rand
	normal      distuv.Normal
	cal         *util.TradingCalendar
	instruments map[string]domain.Instrument
	tickVol     float64
	spreadBps   float64
	seed        uint64
}

// NewGenerator creates a Generator for the given instruments.
func NewGenerator(instruments []domain.Instrument, opts Options) *Generator {
	seed := opts.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	src := rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)

	g := &Generator{
		rng:         rand.New(src),
		normal:      distuv.Normal{Mu: 0, Sigma: 1, Src: src},
		cal:         util.NewTradingCalendar(domain.MarketUS),
		instruments: make(map[string]domain.Instrument, len(instruments)),
		tickVol:     opts.TickVolatility,
		spreadBps:   opts.SpreadBps,
		seed:        seed,
	}
	if g.tickVol <= 0 {
		g.tickVol = defaultTickVolatility
	}
	if g.spreadBps <= 0 {
		g.spreadBps = defaultSpreadBps
	}
	for _, inst := range instruments {
		g.instruments[inst.Symbol] = inst
	}
	return g
}

// Seed returns the seed in use.
func (g *Generator) Seed() uint64 { return g.seed }

// Calendar returns the trading calendar used for bar dates.
func (g *Generator) Calendar() *util.TradingCalendar { return g.cal }

// Instrument looks up a configured instrument.
func (g *Generator) Instrument(symbol string) (domain.Instrument, bool) {
	inst, ok := g.instruments[symbol]
	return inst, ok
}

// Instruments returns all configured instruments sorted by symbol.
func (g *Generator) Instruments() []domain.Instrument {
	out := make([]domain.Instrument, 0, len(g.instruments))
	for _, inst := range g.instruments {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Gaussian draws from N(mu, sigma).
func (g *Generator) Gaussian(mu, sigma float64) float64 {
	return mu + sigma*g.normal.Rand()
}

// Float64 draws uniformly from [0, 1).
func (g *Generator) Float64() float64 { return g.rng.Float64() }

// IntN draws uniformly from [0, n).
func (g *Generator) IntN(n int) int { return g.rng.IntN(n) }

// GenerateHistoricalBars produces days daily bars for symbol on the trading
// days ending at or before end, oldest first.
func (g *Generator) GenerateHistoricalBars(symbol string, days int, p BarParams, end time.Time) []domain.Bar {
	dates := g.cal.TradingDays(end, days)
	bars := make([]domain.Bar, 0, len(dates))

	round := func(v float64) float64 {
		return math.Max(roundTo(v, p.Decimals), MinPrice)
	}

	price := math.Max(p.StartPrice, MinPrice)
	for _, d := range dates {
		ret := g.Gaussian(p.Trend, p.Volatility)
		open := round(price)
		cl := round(price * math.Exp(ret))

		hi := math.Max(open, cl) * (1 + math.Abs(g.Gaussian(0, p.Volatility/2)))
		lo := math.Min(open, cl) * (1 - math.Abs(g.Gaussian(0, p.Volatility/2)))

		scale := 1.0
		if p.Volatility > 0 {
			scale += math.Abs(ret) / p.Volatility
		}
		vol := float64(p.BaseVolume) * scale * (0.8 + 0.4*g.rng.Float64())

		bars = append(bars, domain.Bar{
			Symbol:    symbol,
			Timestamp: d,
			Open:      open,
			High:      round(hi),
			Low:       math.Min(round(lo), math.Min(open, cl)),
			Close:     cl,
			Volume:    int64(vol),
		})
		price = cl
	}
	return bars
}

// BarParamsFor derives BarParams from an instrument definition.
func BarParamsFor(inst domain.Instrument) BarParams {
	return BarParams{
		StartPrice: inst.StartPrice,
		Volatility: inst.Volatility,
		Trend:      inst.Drift,
		BaseVolume: inst.BaseVolume,
		Decimals:   inst.Decimals,
	}
}

// QuoteFromBars builds the live quote for inst from the final bar.
func (g *Generator) QuoteFromBars(inst domain.Instrument, bars []domain.Bar, now time.Time) domain.Quote {
	last := math.Max(inst.StartPrice, MinPrice)
	q := domain.Quote{Symbol: inst.Symbol, Timestamp: now}
	if n := len(bars); n > 0 {
		b := bars[n-1]
		last = b.Close
		q.Open, q.High, q.Low, q.Volume = b.Open, b.High, b.Low, b.Volume
	} else {
		q.Open, q.High, q.Low = last, last, last
	}
	q.Last, q.Close = last, last
	q.Bid, q.Ask = g.bidAsk(inst, last)
	return q
}

// Tick advances every quote by one random-walk step. Symbols are visited in
// sorted order so a seeded generator replays identically.
func (g *Generator) Tick(quotes map[string]*domain.Quote, now time.Time) {
	symbols := make([]string, 0, len(quotes))
	for sym := range quotes {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	for _, sym := range symbols {
		q := quotes[sym]
		inst := g.instrumentOrDefault(sym)

		z := g.normal.Rand()
		last := math.Max(inst.RoundPrice(q.Last*math.Exp(g.tickVol*z)), MinPrice)

		if q.Timestamp.IsZero() || !g.cal.SameSession(q.Timestamp, now) {
			q.Open, q.High, q.Low, q.Volume = last, last, last, 0
		}
		q.Last, q.Close = last, last
		q.Bid, q.Ask = g.bidAsk(inst, last)
		q.High = math.Max(q.High, last)
		q.Low = math.Min(q.Low, last)
		if inst.BaseVolume > 0 {
			q.Volume += int64(float64(inst.BaseVolume) / ticksPerSession * (1 + math.Abs(z)))
		}
		q.Timestamp = now
	}
}

// OrderBook builds a synthetic depth ladder of depth levels per side around
// the quote.
func (g *Generator) OrderBook(q domain.Quote, depth int) domain.OrderBook {
	inst := g.instrumentOrDefault(q.Symbol)
	lot := inst.LotSize
	if lot <= 0 {
		lot = 1
	}
	step := math.Max(inst.RoundPrice(q.Last*g.spreadBps/10000), inst.TickSize())

	book := domain.OrderBook{
		Symbol:    q.Symbol,
		Bids:      make([]domain.BookLevel, 0, depth),
		Asks:      make([]domain.BookLevel, 0, depth),
		Timestamp: q.Timestamp,
	}
	for i := 0; i < depth; i++ {
		off := float64(i) * step
		bid := inst.RoundPrice(q.Bid - off)
		if bid >= MinPrice {
			book.Bids = append(book.Bids, domain.BookLevel{
				Price: bid,
				Size:  lot * float64(1+g.rng.IntN(50)) * float64(i+1),
			})
		}
		book.Asks = append(book.Asks, domain.BookLevel{
			Price: inst.RoundPrice(q.Ask + off),
			Size:  lot * float64(1+g.rng.IntN(50)) * float64(i+1),
		})
	}
	return book
}

func (g *Generator) bidAsk(inst domain.Instrument, last float64) (bid, ask float64) {
	spread := math.Max(last*g.spreadBps/10000, inst.TickSize())
	bid = math.Max(inst.RoundPrice(last-spread), MinPrice)
	ask = inst.RoundPrice(last + spread)
	return bid, ask
}

func (g *Generator) instrumentOrDefault(symbol string) domain.Instrument {
	if inst, ok := g.instruments[symbol]; ok {
		return inst
	}
	return domain.Instrument{Symbol: symbol, Decimals: 2, LotSize: 1}
}

func roundTo(v float64, decimals int) float64 {
	scale := math.Pow10(decimals)
	return math.Round(v*scale) / scale
}

package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"tradesim/internal/domain"
	"tradesim/internal/market"
	"tradesim/internal/util"
)

// Compile-time interface check.
var _ Broker = (*AlpacaBroker)(nil)

// AlpacaBroker implements Broker against the Alpaca trading and market-data
// APIs. An API key addresses exactly one account, so account ids passed to
// it are not used for routing.
type AlpacaBroker struct {
	trading *alpaca.Client
	data    *marketdata.Client
	limiter *util.RateLimiter
}

// NewAlpacaBroker creates a new AlpacaBroker configured with the given
// credentials and API endpoints. dataURL may be empty. Requests are limited
// to perMinute (200 when zero, the Alpaca free-tier quota).
func NewAlpacaBroker(apiKey, apiSecret, baseURL, dataURL string, perMinute int) *AlpacaBroker {
	if perMinute <= 0 {
		perMinute = 200
	}
	dataOpts := marketdata.ClientOpts{APIKey: apiKey, APISecret: apiSecret}
	if dataURL != "" {
		dataOpts.BaseURL = dataURL
	}
	return &AlpacaBroker{
		trading: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
			BaseURL:   baseURL,
		}),
		data:    marketdata.NewClient(dataOpts),
		limiter: util.NewRateLimiter(perMinute, 10),
	}
}

// Name returns "alpaca".
func (b *AlpacaBroker) Name() string {
	return "alpaca"
}

func (b *AlpacaBroker) GetAccount(ctx context.Context, _ string) (*domain.Account, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	a, err := b.trading.GetAccount()
	if err != nil {
		return nil, mapAlpacaError("GetAccount", err)
	}
	cash := a.Cash.InexactFloat64()
	equity := a.Equity.InexactFloat64()
	return &domain.Account{
		ID:               a.ID,
		Currency:         a.Currency,
		Cash:             map[string]float64{a.Currency: cash},
		Equity:           equity,
		PositionsValue:   equity - cash,
		LongMarketValue:  a.LongMarketValue.InexactFloat64(),
		ShortMarketValue: a.ShortMarketValue.InexactFloat64(),
		InitialMargin:    a.InitialMargin.InexactFloat64(),
		BuyingPower:      a.BuyingPower.InexactFloat64(),
		CreatedAt:        a.CreatedAt.UTC(),
		UpdatedAt:        time.Now().UTC(),
	}, nil
}

func (b *AlpacaBroker) SubmitOrder(ctx context.Context, req domain.OrderRequest) (*domain.Order, error) {
	if req.Qty <= 0 {
		return nil, fmt.Errorf("%w: quantity must be positive", domain.ErrValidation)
	}
	side, typ, tif, err := toAlpacaEnums(req)
	if err != nil {
		return nil, err
	}
	qty := decimal.NewFromFloat(req.Qty)
	place := alpaca.PlaceOrderRequest{
		Symbol:        strings.ToUpper(req.Symbol),
		Qty:           &qty,
		Side:          side,
		Type:          typ,
		TimeInForce:   tif,
		ClientOrderID: req.ClientOrderID,
	}
	if req.LimitPrice > 0 {
		p := decimal.NewFromFloat(req.LimitPrice)
		place.LimitPrice = &p
	}
	if req.StopPrice > 0 {
		p := decimal.NewFromFloat(req.StopPrice)
		place.StopPrice = &p
	}

	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	o, err := b.trading.PlaceOrder(place)
	if err != nil {
		return nil, mapAlpacaError("PlaceOrder", err)
	}
	return fromAlpacaOrder(o, req.AccountID), nil
}

func (b *AlpacaBroker) CancelOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if err := b.trading.CancelOrder(orderID); err != nil {
		return nil, mapAlpacaError("CancelOrder", err)
	}
	return b.GetOrder(ctx, orderID)
}

func (b *AlpacaBroker) GetOrders(ctx context.Context, accountID string) ([]domain.Order, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	orders, err := b.trading.GetOrders(alpaca.GetOrdersRequest{Status: "all", Limit: 500})
	if err != nil {
		return nil, mapAlpacaError("GetOrders", err)
	}
	out := make([]domain.Order, 0, len(orders))
	for i := range orders {
		out = append(out, *fromAlpacaOrder(&orders[i], accountID))
	}
	return out, nil
}

func (b *AlpacaBroker) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	o, err := b.trading.GetOrder(orderID)
	if err != nil {
		return nil, mapAlpacaError("GetOrder", err)
	}
	return fromAlpacaOrder(o, ""), nil
}

func (b *AlpacaBroker) GetPositions(ctx context.Context, accountID string) ([]domain.Position, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	positions, err := b.trading.GetPositions()
	if err != nil {
		return nil, mapAlpacaError("GetPositions", err)
	}
	now := time.Now().UTC()
	out := make([]domain.Position, 0, len(positions))
	for _, p := range positions {
		out = append(out, domain.Position{
			AccountID:     accountID,
			Symbol:        p.Symbol,
			Qty:           p.Qty.InexactFloat64(),
			AvgPrice:      p.AvgEntryPrice.InexactFloat64(),
			CurrentPrice:  floatOrZero(p.CurrentPrice),
			MarketValue:   floatOrZero(p.MarketValue),
			UnrealizedPnL: floatOrZero(p.UnrealizedPL),
			UpdatedAt:     now,
		})
	}
	return out, nil
}

func (b *AlpacaBroker) GetQuote(ctx context.Context, symbol string) (*domain.Quote, error) {
	symbol = strings.ToUpper(symbol)
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	q, err := b.data.GetLatestQuote(symbol, marketdata.GetLatestQuoteRequest{})
	if err != nil {
		return nil, mapAlpacaError("GetLatestQuote", err)
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	t, err := b.data.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{})
	if err != nil {
		return nil, mapAlpacaError("GetLatestTrade", err)
	}
	return &domain.Quote{
		Symbol:    symbol,
		Last:      t.Price,
		Bid:       q.BidPrice,
		Ask:       q.AskPrice,
		Close:     t.Price,
		Timestamp: t.Timestamp.UTC(),
	}, nil
}

// GetOrderBook is not offered by the Alpaca equities API.
func (b *AlpacaBroker) GetOrderBook(context.Context, string, int) (*domain.OrderBook, error) {
	return nil, fmt.Errorf("alpaca order book: %w", domain.ErrUnsupported)
}

func (b *AlpacaBroker) GetRecentTrades(ctx context.Context, symbol string, limit int) ([]domain.Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	symbol = strings.ToUpper(symbol)
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	end := time.Now().UTC()
	trades, err := b.data.GetTrades(symbol, marketdata.GetTradesRequest{
		Start:      end.Add(-24 * time.Hour),
		End:        end,
		TotalLimit: limit,
	})
	if err != nil {
		return nil, mapAlpacaError("GetTrades", err)
	}
	out := make([]domain.Trade, 0, len(trades))
	for i := len(trades) - 1; i >= 0; i-- {
		t := trades[i]
		out = append(out, domain.Trade{
			ID:        fmt.Sprint(t.ID),
			Symbol:    symbol,
			Price:     t.Price,
			Qty:       float64(t.Size),
			Timestamp: t.Timestamp.UTC(),
		})
	}
	return out, nil
}

func (b *AlpacaBroker) GetBars(ctx context.Context, symbol string, start, end time.Time, timeframe string) ([]domain.Bar, error) {
	tf, err := market.ParseTimeframe(timeframe)
	if err != nil {
		return nil, err
	}
	frame := marketdata.OneDay
	switch tf {
	case market.Timeframe1Week:
		frame = marketdata.NewTimeFrame(1, marketdata.Week)
	case market.Timeframe1Month:
		frame = marketdata.NewTimeFrame(1, marketdata.Month)
	}
	if start.IsZero() {
		start = time.Now().AddDate(-1, 0, 0)
	}

	symbol = strings.ToUpper(symbol)
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	bars, err := b.data.GetBars(symbol, marketdata.GetBarsRequest{
		TimeFrame: frame,
		Start:     start,
		End:       end,
	})
	if err != nil {
		return nil, mapAlpacaError("GetBars", err)
	}
	out := make([]domain.Bar, 0, len(bars))
	for _, ab := range bars {
		out = append(out, domain.Bar{
			Symbol:    symbol,
			Timestamp: ab.Timestamp.UTC(),
			Open:      ab.Open,
			High:      ab.High,
			Low:       ab.Low,
			Close:     ab.Close,
			Volume:    int64(ab.Volume),
		})
	}
	return out, nil
}

// GetTransactions is served by the emulator only.
func (b *AlpacaBroker) GetTransactions(context.Context, string, time.Time, time.Time) ([]domain.Transaction, error) {
	return nil, fmt.Errorf("alpaca transactions: %w", domain.ErrUnsupported)
}

// ---------------------------------------------------------------------------
// Mapping
// ---------------------------------------------------------------------------

func toAlpacaEnums(req domain.OrderRequest) (alpaca.Side, alpaca.OrderType, alpaca.TimeInForce, error) {
	var (
		side alpaca.Side
		typ  alpaca.OrderType
		tif  alpaca.TimeInForce
	)
	switch domain.Side(strings.ToUpper(string(req.Side))) {
	case domain.SideBuy:
		side = alpaca.Buy
	case domain.SideSell:
		side = alpaca.Sell
	default:
		return side, typ, tif, fmt.Errorf("%w: side %q", domain.ErrValidation, req.Side)
	}
	switch domain.OrderType(strings.ToUpper(string(req.Type))) {
	case domain.OrderTypeMarket:
		typ = alpaca.Market
	case domain.OrderTypeLimit:
		typ = alpaca.Limit
	case domain.OrderTypeStop:
		typ = alpaca.Stop
	case domain.OrderTypeStopLimit:
		typ = alpaca.StopLimit
	default:
		return side, typ, tif, fmt.Errorf("%w: order type %q", domain.ErrValidation, req.Type)
	}
	switch domain.TimeInForce(strings.ToUpper(string(req.TimeInForce))) {
	case domain.TimeInForceDay:
		tif = alpaca.Day
	case domain.TimeInForceGTC, "":
		tif = alpaca.GTC
	case domain.TimeInForceIOC:
		tif = alpaca.IOC
	case domain.TimeInForceFOK:
		tif = alpaca.FOK
	default:
		return side, typ, tif, fmt.Errorf("%w: time in force %q", domain.ErrValidation, req.TimeInForce)
	}
	return side, typ, tif, nil
}

func fromAlpacaOrder(o *alpaca.Order, accountID string) *domain.Order {
	out := &domain.Order{
		ID:             o.ID,
		ClientOrderID:  o.ClientOrderID,
		AccountID:      accountID,
		Symbol:         o.Symbol,
		Side:           domain.Side(strings.ToUpper(string(o.Side))),
		Type:           domain.OrderType(strings.ToUpper(string(o.Type))),
		TimeInForce:    domain.TimeInForce(strings.ToUpper(string(o.TimeInForce))),
		Qty:            floatOrZero(o.Qty),
		LimitPrice:     floatOrZero(o.LimitPrice),
		StopPrice:      floatOrZero(o.StopPrice),
		FilledQty:      o.FilledQty.InexactFloat64(),
		FilledAvgPrice: floatOrZero(o.FilledAvgPrice),
		Status:         fromAlpacaStatus(o.Status),
		CreatedAt:      o.CreatedAt.UTC(),
		UpdatedAt:      o.UpdatedAt.UTC(),
		FilledAt:       utcPtr(o.FilledAt),
		CanceledAt:     utcPtr(o.CanceledAt),
	}
	out.RemainingQty = out.Qty - out.FilledQty
	return out
}

func fromAlpacaStatus(s string) domain.OrderStatus {
	switch s {
	case "partially_filled":
		return domain.OrderStatusPartiallyFilled
	case "filled":
		return domain.OrderStatusFilled
	case "canceled", "expired", "rejected", "done_for_day", "replaced", "stopped", "suspended":
		return domain.OrderStatusCanceled
	default:
		return domain.OrderStatusNew
	}
}

// mapAlpacaError translates HTTP status codes into domain sentinels.
func mapAlpacaError(op string, err error) error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("alpaca %s: %s: %w", op, apiErr.Message, domain.ErrNotFound)
		case http.StatusBadRequest, http.StatusForbidden, http.StatusUnprocessableEntity:
			return fmt.Errorf("alpaca %s: %s: %w", op, apiErr.Message, domain.ErrValidation)
		}
	}
	return fmt.Errorf("alpaca %s: %w", op, err)
}

func floatOrZero(d *decimal.Decimal) float64 {
	if d == nil {
		return 0
	}
	return d.InexactFloat64()
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

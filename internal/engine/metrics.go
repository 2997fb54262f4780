package engine

import (
	"fmt"
	"math"
	"time"

	"tradesim/internal/domain"
	"tradesim/internal/ledger"
)

// Margin model: 50% initial margin on gross exposure, 2x buying power on
// the excess equity.
const (
	InitialMarginRate = 0.5
	MarginMultiplier  = 2.0
)

// Recalculate re-derives every position's mark and the account's portfolio
// metrics from the ledger:
//
//	positions_value = Σ qty × current_price
//	unrealized_pnl  = Σ (current_price − avg_price) × qty
//	equity          = cash + positions_value
func Recalculate(l *ledger.Ledger, accountID string, now time.Time) error {
	acct := l.Accounts[accountID]
	if acct == nil {
		return fmt.Errorf("recalculate %s: %w", accountID, domain.ErrNotFound)
	}

	var value, long, short, unrealized, gross float64
	for _, p := range l.PositionsFor(accountID) {
		if q := l.Quotes[p.Symbol]; q != nil {
			p.CurrentPrice = q.Last
		}
		p.MarketValue = p.Qty * p.CurrentPrice
		p.UnrealizedPnL = (p.CurrentPrice - p.AvgPrice) * p.Qty

		value += p.MarketValue
		if p.MarketValue >= 0 {
			long += p.MarketValue
		} else {
			short += p.MarketValue
		}
		unrealized += p.UnrealizedPnL
		gross += math.Abs(p.MarketValue)
	}

	acct.PositionsValue = value
	acct.LongMarketValue = long
	acct.ShortMarketValue = short
	acct.UnrealizedPnL = unrealized
	acct.Equity = acct.Balance() + value
	acct.InitialMargin = gross * InitialMarginRate
	acct.BuyingPower = math.Max(0, acct.Equity-acct.InitialMargin) * MarginMultiplier
	acct.UpdatedAt = now
	return nil
}

package engine

import (
	"fmt"
	"math"

	"tradesim/internal/domain"
)

// RiskManager validates orders before they enter the ledger. Every error it
// returns wraps domain.ErrValidation.
type RiskManager struct {
	maxPositionPct float64
}

// NewRiskManager creates a RiskManager. maxPositionPct is the largest
// fraction of equity a single position may reach after the order (e.g. 0.25
// for 25%); zero disables the check.
func NewRiskManager(maxPositionPct float64) *RiskManager {
	return &RiskManager{maxPositionPct: maxPositionPct}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrValidation, fmt.Sprintf(format, args...))
}

// CheckOrder validates req for the instrument and account. pos may be nil.
func (rm *RiskManager) CheckOrder(req domain.OrderRequest, inst domain.Instrument, acct *domain.Account, quote *domain.Quote, pos *domain.Position) error {
	if !req.Side.Valid() {
		return invalid("side %q", req.Side)
	}
	if !req.Type.Valid() {
		return invalid("order type %q", req.Type)
	}
	if !req.TimeInForce.Valid() {
		return invalid("time in force %q", req.TimeInForce)
	}
	if req.Qty <= 0 || math.IsNaN(req.Qty) || math.IsInf(req.Qty, 0) {
		return invalid("quantity must be positive, got %v", req.Qty)
	}
	if lot := inst.LotSize; lot > 0 {
		lots := req.Qty / lot
		if math.Abs(lots-math.Round(lots)) > qtyEpsilon {
			return invalid("quantity %v is not a multiple of lot size %v", req.Qty, lot)
		}
	}

	if !finite(req.LimitPrice) || !finite(req.StopPrice) {
		return invalid("prices must be finite, got limit %v stop %v", req.LimitPrice, req.StopPrice)
	}

	switch req.Type {
	case domain.OrderTypeLimit:
		if req.LimitPrice <= 0 {
			return invalid("LIMIT order requires a positive limit_price")
		}
	case domain.OrderTypeStop:
		if req.StopPrice <= 0 {
			return invalid("STOP order requires a positive stop_price")
		}
	case domain.OrderTypeStopLimit:
		if req.LimitPrice <= 0 || req.StopPrice <= 0 {
			return invalid("STOP_LIMIT order requires positive limit_price and stop_price")
		}
	}

	if inst.Currency != "" && inst.Currency != acct.Currency {
		return invalid("%s trades in %s, account %s is in %s", inst.Symbol, inst.Currency, acct.ID, acct.Currency)
	}

	return rm.checkExposure(req, acct, quote, pos)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func (rm *RiskManager) checkExposure(req domain.OrderRequest, acct *domain.Account, quote *domain.Quote, pos *domain.Position) error {
	if rm.maxPositionPct <= 0 {
		return nil
	}

	held := 0.0
	if pos != nil {
		held = pos.Qty
	}
	after := held + req.Side.Sign()*req.Qty
	if math.Abs(after) <= math.Abs(held) {
		// Reducing exposure is always allowed.
		return nil
	}

	price := quote.Last
	if req.LimitPrice > 0 {
		price = req.LimitPrice
	}
	limit := rm.maxPositionPct * acct.Equity
	if exposure := math.Abs(after) * price; exposure > limit {
		return invalid("position in %s would be %.2f, above %.0f%% of equity (%.2f)",
			req.Symbol, exposure, rm.maxPositionPct*100, limit)
	}
	return nil
}

package market

import (
	"fmt"
	"math"
	"strings"
	"time"

	"tradesim/internal/domain"
)

// Timeframe is a bar aggregation period.
type Timeframe string

const (
	Timeframe1Day   Timeframe = "1Day"
	Timeframe1Week  Timeframe = "1Week"
	Timeframe1Month Timeframe = "1Month"
)

// ParseTimeframe accepts the canonical names case-insensitively plus the
// short forms "1D", "1W" and "1M". Empty means daily.
func ParseTimeframe(s string) (Timeframe, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "1DAY", "1D", "DAY":
		return Timeframe1Day, nil
	case "1WEEK", "1W", "WEEK":
		return Timeframe1Week, nil
	case "1MONTH", "1M", "MONTH":
		return Timeframe1Month, nil
	}
	return "", fmt.Errorf("timeframe %q: %w", s, domain.ErrValidation)
}

// Aggregate rolls daily bars (oldest first) up to tf. Each output bar is
// stamped with the first daily timestamp of its period.
func Aggregate(bars []domain.Bar, tf Timeframe) []domain.Bar {
	if tf == Timeframe1Day || len(bars) == 0 {
		out := make([]domain.Bar, len(bars))
		copy(out, bars)
		return out
	}

	var out []domain.Bar
	var cur *domain.Bar
	var curKey string
	for _, b := range bars {
		key := periodKey(b.Timestamp, tf)
		if cur == nil || key != curKey {
			out = append(out, b)
			cur = &out[len(out)-1]
			curKey = key
			continue
		}
		cur.High = math.Max(cur.High, b.High)
		cur.Low = math.Min(cur.Low, b.Low)
		cur.Close = b.Close
		cur.Volume += b.Volume
	}
	return out
}

func periodKey(t time.Time, tf Timeframe) string {
	if tf == Timeframe1Month {
		return t.Format("2006-01")
	}
	y, w := t.ISOWeek()
	return fmt.Sprintf("%d-W%02d", y, w)
}

package util

import (
	"time"
	_ "time/tzdata" // America/New_York must resolve on minimal images.

	"tradesim/internal/domain"
)

// TradingCalendar provides market-hours awareness for a specific market.
// Only regular sessions are modelled: weekdays 09:30-16:00 local time,
// closed on New Year's Day, Independence Day and Christmas.
type TradingCalendar struct {
	market domain.Market
	loc    *time.Location
	open   time.Duration
	close  time.Duration
}

// NewTradingCalendar creates a TradingCalendar for the given market.
func NewTradingCalendar(market domain.Market) *TradingCalendar {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.UTC
	}
	return &TradingCalendar{
		market: market,
		loc:    loc,
		open:   9*time.Hour + 30*time.Minute,
		close:  16 * time.Hour,
	}
}

// Location returns the exchange time zone.
func (tc *TradingCalendar) Location() *time.Location {
	return tc.loc
}

// IsTradingDay reports whether the exchange-local date of t has a session.
func (tc *TradingCalendar) IsTradingDay(t time.Time) bool {
	lt := t.In(tc.loc)
	switch lt.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	switch {
	case lt.Month() == time.January && lt.Day() == 1,
		lt.Month() == time.July && lt.Day() == 4,
		lt.Month() == time.December && lt.Day() == 25:
		return false
	}
	return true
}

// IsMarketOpen returns whether the regular session is open at time t.
func (tc *TradingCalendar) IsMarketOpen(t time.Time) bool {
	if !tc.IsTradingDay(t) {
		return false
	}
	offset := tc.sinceMidnight(t)
	return offset >= tc.open && offset < tc.close
}

// NextOpen returns the next session open at or after t.
func (tc *TradingCalendar) NextOpen(t time.Time) time.Time {
	day := tc.midnight(t)
	for i := 0; i < 14; i++ {
		open := day.Add(tc.open)
		if tc.IsTradingDay(day) && !open.Before(t) {
			return open
		}
		day = day.AddDate(0, 0, 1)
	}
	return time.Time{}
}

// NextClose returns the next session close at or after t.
func (tc *TradingCalendar) NextClose(t time.Time) time.Time {
	day := tc.midnight(t)
	for i := 0; i < 14; i++ {
		cl := day.Add(tc.close)
		if tc.IsTradingDay(day) && !cl.Before(t) {
			return cl
		}
		day = day.AddDate(0, 0, 1)
	}
	return time.Time{}
}

// SameSession reports whether a and b fall on the same exchange-local date.
func (tc *TradingCalendar) SameSession(a, b time.Time) bool {
	ay, am, ad := a.In(tc.loc).Date()
	by, bm, bd := b.In(tc.loc).Date()
	return ay == by && am == bm && ad == bd
}

// TradingDays returns the last n trading dates at or before end, oldest
// first. Each date is midnight UTC of the exchange-local calendar day.
func (tc *TradingCalendar) TradingDays(end time.Time, n int) []time.Time {
	if n <= 0 {
		return nil
	}
	days := make([]time.Time, n)
	lt := end.In(tc.loc)
	d := time.Date(lt.Year(), lt.Month(), lt.Day(), 12, 0, 0, 0, tc.loc)
	for i := n - 1; i >= 0; {
		if tc.IsTradingDay(d) {
			days[i] = time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
			i--
		}
		d = d.AddDate(0, 0, -1)
	}
	return days
}

func (tc *TradingCalendar) midnight(t time.Time) time.Time {
	lt := t.In(tc.loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, tc.loc)
}

func (tc *TradingCalendar) sinceMidnight(t time.Time) time.Duration {
	return t.In(tc.loc).Sub(tc.midnight(t))
}

// Package calendar provides the US equity trading calendar and the
// intraday slot grid derived from it.
package calendar

import (
	"fmt"
	"time"
)

// Eastern is the exchange time zone. Falls back to a fixed offset only if
// the zone database is unavailable.
var Eastern = mustLoadEastern()

func mustLoadEastern() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.FixedZone("ET", -5*3600)
	}
	return loc
}

// fullHolidays are dates with no trading session.
var fullHolidays = dateSet(
	// 2024
	"2024-01-01", "2024-01-15", "2024-02-19", "2024-03-29", "2024-05-27",
	"2024-06-19", "2024-07-04", "2024-09-02", "2024-11-28", "2024-12-25",
	// 2025
	"2025-01-01", "2025-01-09", "2025-01-20", "2025-02-17", "2025-04-18",
	"2025-05-26", "2025-06-19", "2025-07-04", "2025-09-01", "2025-11-27",
	"2025-12-25",
	// 2026
	"2026-01-01", "2026-01-19", "2026-02-16", "2026-04-03", "2026-05-25",
	"2026-06-19", "2026-07-03", "2026-09-07", "2026-11-26", "2026-12-25",
)

// earlyCloses are 13:00 ET sessions.
var earlyCloses = dateSet(
	"2024-07-03", "2024-11-29", "2024-12-24",
	"2025-07-03", "2025-11-28", "2025-12-24",
	"2026-11-27", "2026-12-24",
)

func dateSet(dates ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(dates))
	for _, d := range dates {
		m[d] = struct{}{}
	}
	return m
}

func key(d time.Time) string { return d.Format("2006-01-02") }

// IsTradingDay reports whether the date has a regular or shortened session.
func IsTradingDay(d time.Time) bool {
	switch d.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	_, holiday := fullHolidays[key(d)]
	return !holiday
}

// NextTradingDay returns the first trading day strictly after d.
func NextTradingDay(d time.Time) time.Time {
	for {
		d = d.AddDate(0, 0, 1)
		if IsTradingDay(d) {
			return d
		}
	}
}

// PrevTradingDay returns the last trading day strictly before d.
func PrevTradingDay(d time.Time) time.Time {
	for {
		d = d.AddDate(0, 0, -1)
		if IsTradingDay(d) {
			return d
		}
	}
}

// MarketOpen returns the session open in ET for the date.
func MarketOpen(d time.Time) time.Time {
	return time.Date(d.Year(), d.Month(), d.Day(), 9, 30, 0, 0, Eastern)
}

// MarketClose returns the session close in ET, honoring early closes.
func MarketClose(d time.Time) time.Time {
	hour := 16
	if _, early := earlyCloses[key(d)]; early {
		hour = 13
	}
	return time.Date(d.Year(), d.Month(), d.Day(), hour, 0, 0, 0, Eastern)
}

// IsEarlyClose reports whether the date is a shortened session.
func IsEarlyClose(d time.Time) bool {
	_, early := earlyCloses[key(d)]
	return early
}

// ThirdFriday returns the third Friday of the month, moved back one day
// when it lands on a full holiday (e.g. Good Friday).
func ThirdFriday(year int, month time.Month) time.Time {
	d := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	offset := (int(time.Friday) - int(d.Weekday()) + 7) % 7
	d = d.AddDate(0, 0, offset+14)
	for !IsTradingDay(d) {
		d = d.AddDate(0, 0, -1)
	}
	return d
}

// ParseDate parses an ISO trade date.
func ParseDate(s string) (time.Time, error) {
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return d, nil
}

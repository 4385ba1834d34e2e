// Package window computes the canonical UTC month-to-date window used by
// every provider query, so all providers are compared over identical
// boundaries.
package window

import (
	"fmt"
	"time"
)

// Window is a half-open [StartUTC, EndUTC) calendar-month interval in UTC.
type Window struct {
	StartUTC time.Time `json:"start_utc"`
	EndUTC   time.Time `json:"end_exclusive_utc"`
}

// MonthToDate returns the calendar-month window containing ref: the first
// instant of ref's month through the first instant of the following month,
// both in UTC. time.Date normalizes month 13 to January of the next year,
// which also handles the Dec->Jan rollover.
func MonthToDate(ref time.Time) Window {
	utc := ref.UTC()
	start := time.Date(utc.Year(), utc.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(utc.Year(), utc.Month()+1, 1, 0, 0, 0, 0, time.UTC)
	return Window{StartUTC: start, EndUTC: end}
}

// ForMonth returns the window for an explicit "YYYY-MM" selector.
func ForMonth(selector string) (Window, error) {
	t, err := time.Parse("2006-01", selector)
	if err != nil {
		return Window{}, fmt.Errorf("invalid month selector %q (want YYYY-MM): %w", selector, err)
	}
	return MonthToDate(t), nil
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	utc := t.UTC()
	return !utc.Before(w.StartUTC) && utc.Before(w.EndUTC)
}

// Days returns the number of calendar days covered by the window.
func (w Window) Days() int {
	return int(w.EndUTC.Sub(w.StartUTC).Hours() / 24)
}

// StartDate returns the window start as a YYYY-MM-DD date string.
func (w Window) StartDate() string {
	return w.StartUTC.Format("2006-01-02")
}

// EndDate returns the exclusive window end as a YYYY-MM-DD date string.
func (w Window) EndDate() string {
	return w.EndUTC.Format("2006-01-02")
}

package calendar

import (
	"fmt"
	"strings"
	"time"
)

// Policy is the booking window: a date is selectable when it is at least MinLeadDays
// and at most MaxHorizonDays whole days after today.
type Policy struct {
	MinLeadDays    int
	MaxHorizonDays int
}

func DefaultPolicy() Policy {
	return Policy{MinLeadDays: 5, MaxHorizonDays: 30}
}

func (p Policy) Validate() error {
	if p.MinLeadDays < 0 {
		return fmt.Errorf("min lead days must be >= 0, got %d", p.MinLeadDays)
	}
	if p.MaxHorizonDays < p.MinLeadDays {
		return fmt.Errorf("max horizon days (%d) must be >= min lead days (%d)", p.MaxHorizonDays, p.MinLeadDays)
	}
	return nil
}

// Bounds returns the first and last selectable dates relative to today.
func (p Policy) Bounds(today Date) (first, last Date) {
	return today.AddDays(p.MinLeadDays), today.AddDays(p.MaxHorizonDays)
}

func IsWithinWindow(d, today Date, p Policy) bool {
	if d.IsZero() || today.IsZero() {
		return false
	}
	n := DaysBetween(today, d)
	return n >= p.MinLeadDays && n <= p.MaxHorizonDays
}

// IsDayOff reports whether d falls on the doctor's weekly day off. dayOff is an English
// weekday name compared case-insensitively; an empty name means no day off.
func IsDayOff(d Date, dayOff string) bool {
	name := strings.TrimSpace(dayOff)
	if name == "" || d.IsZero() {
		return false
	}
	return strings.EqualFold(name, d.Weekday().String())
}

func ParseWeekday(name string) (time.Weekday, error) {
	name = strings.TrimSpace(name)
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		if strings.EqualFold(name, wd.String()) {
			return wd, nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", name)
}

// MonthGrid lays out ym in a Sunday-first, seven-column grid. Leading cells before the 1st
// are zero Dates; the grid is not padded after the last day.
func MonthGrid(ym YearMonth) []Date {
	days := ym.Days()
	offset := int(ym.First().Weekday())
	grid := make([]Date, offset, offset+len(days))
	return append(grid, days...)
}

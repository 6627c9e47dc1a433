// Package scheduletracking models care schedules as ordered milestones, each
// split into earliest, due, late and max windows measured from a reference
// date, and raises alerts while an enrollment moves through them.
package scheduletracking

import (
	"fmt"
	"strings"
	"time"
)

// Period is a calendar duration. Months and years follow calendar arithmetic
// so they cannot be folded into a time.Duration.
type Period struct {
	Years   int `json:"years,omitempty"`
	Months  int `json:"months,omitempty"`
	Weeks   int `json:"weeks,omitempty"`
	Days    int `json:"days,omitempty"`
	Hours   int `json:"hours,omitempty"`
	Minutes int `json:"minutes,omitempty"`
}

func Days(n int) Period   { return Period{Days: n} }
func Weeks(n int) Period  { return Period{Weeks: n} }
func Months(n int) Period { return Period{Months: n} }
func Years(n int) Period  { return Period{Years: n} }

// AddTo returns t shifted forward by p.
func (p Period) AddTo(t time.Time) time.Time {
	t = t.AddDate(p.Years, p.Months, p.Weeks*7+p.Days)
	return t.Add(time.Duration(p.Hours)*time.Hour + time.Duration(p.Minutes)*time.Minute)
}

// Plus adds the fields of two periods without normalising them.
func (p Period) Plus(o Period) Period {
	return Period{
		Years:   p.Years + o.Years,
		Months:  p.Months + o.Months,
		Weeks:   p.Weeks + o.Weeks,
		Days:    p.Days + o.Days,
		Hours:   p.Hours + o.Hours,
		Minutes: p.Minutes + o.Minutes,
	}
}

func (p Period) IsZero() bool {
	return p == Period{}
}

func (p Period) String() string {
	if p.IsZero() {
		return "0"
	}
	var parts []string
	for _, f := range []struct {
		n    int
		unit string
	}{
		{p.Years, "y"}, {p.Months, "mo"}, {p.Weeks, "w"},
		{p.Days, "d"}, {p.Hours, "h"}, {p.Minutes, "m"},
	} {
		if f.n != 0 {
			parts = append(parts, fmt.Sprintf("%d%s", f.n, f.unit))
		}
	}
	return strings.Join(parts, "")
}

type WallTimeUnit string

const (
	WallTimeDay   WallTimeUnit = "Day"
	WallTimeWeek  WallTimeUnit = "Week"
	WallTimeMonth WallTimeUnit = "Month"
	WallTimeYear  WallTimeUnit = "Year"
)

// WallTime is an amount of a single calendar unit, as written in schedule
// definitions ("3 Weeks").
type WallTime struct {
	Value int          `json:"value"`
	Unit  WallTimeUnit `json:"unit"`
}

// ParseWallTime reads "3 Weeks", "1 day" and the like. Plural and case are
// ignored.
func ParseWallTime(s string) (WallTime, error) {
	var value int
	var unit string
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d %s", &value, &unit); err != nil {
		return WallTime{}, fmt.Errorf("invalid wall time %q: %w", s, err)
	}
	unit = strings.TrimSuffix(strings.ToLower(unit), "s")
	switch unit {
	case "day":
		return WallTime{Value: value, Unit: WallTimeDay}, nil
	case "week":
		return WallTime{Value: value, Unit: WallTimeWeek}, nil
	case "month":
		return WallTime{Value: value, Unit: WallTimeMonth}, nil
	case "year":
		return WallTime{Value: value, Unit: WallTimeYear}, nil
	}
	return WallTime{}, fmt.Errorf("invalid wall time unit %q", unit)
}

// AsPeriod converts w. An unknown or empty unit yields the zero period.
func (w WallTime) AsPeriod() Period {
	switch w.Unit {
	case WallTimeDay:
		return Days(w.Value)
	case WallTimeWeek:
		return Weeks(w.Value)
	case WallTimeMonth:
		return Months(w.Value)
	case WallTimeYear:
		return Years(w.Value)
	}
	return Period{}
}

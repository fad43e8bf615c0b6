package model

import (
	"sort"
	"time"
)

// DateLayout is the wire format of effective dates
const DateLayout = "2006-01-02"

// Day truncates t to a UTC calendar day
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDay parses a YYYY-MM-DD date
func ParseDay(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, time.UTC)
}

// Window is an inclusive date range; a nil Until is open-ended
type Window struct {
	From  time.Time  `json:"from"`
	Until *time.Time `json:"until,omitempty"`
}

// Valid reports From <= Until when Until is set
func (w Window) Valid() bool {
	return w.Until == nil || !w.Until.Before(w.From)
}

// Contains reports whether d falls inside the window
func (w Window) Contains(d time.Time) bool {
	d = Day(d)
	if d.Before(Day(w.From)) {
		return false
	}
	return w.Until == nil || !d.After(Day(*w.Until))
}

// Intersect returns the overlap of two windows and whether it is non-empty
func (w Window) Intersect(o Window) (Window, bool) {
	from := w.From
	if o.From.After(from) {
		from = o.From
	}
	var until *time.Time
	switch {
	case w.Until == nil:
		until = o.Until
	case o.Until == nil:
		until = w.Until
	case w.Until.Before(*o.Until):
		until = w.Until
	default:
		until = o.Until
	}
	out := Window{From: from}
	if until != nil {
		u := *until
		out.Until = &u
	}
	return out, out.Valid()
}

// CoveredBy reports whether the union of parts covers w entirely
func (w Window) CoveredBy(parts []Window) bool {
	if len(parts) == 0 {
		return false
	}
	sorted := make([]Window, len(parts))
	copy(sorted, parts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].From.Before(sorted[j].From) })

	cursor := Day(w.From)
	for _, p := range sorted {
		if Day(p.From).After(cursor) {
			return false
		}
		if p.Until == nil {
			return true
		}
		next := Day(*p.Until).AddDate(0, 0, 1)
		if next.After(cursor) {
			cursor = next
		}
		if w.Until != nil && cursor.After(Day(*w.Until)) {
			return true
		}
	}
	return false
}

// String renders the window as "from..until" with an empty open end
func (w Window) String() string {
	s := w.From.Format(DateLayout) + ".."
	if w.Until != nil {
		s += w.Until.Format(DateLayout)
	}
	return s
}

package models

import "time"

// Window is the half-open range [Start, End) a sync cycle operates over.
type Window struct {
	Start time.Time
	End   time.Time
}

// LookAhead returns the window from midnight today through the end of today+days, in loc.
func LookAhead(now time.Time, days int, loc *time.Location) Window {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return Window{Start: start.UTC(), End: start.AddDate(0, 0, days+1).UTC()}
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

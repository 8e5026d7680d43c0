// Package theme derives the active "theme of the day" from a clock.
package theme

import (
	"errors"
	"fmt"
	"time"
)

// IDLayout is the time layout of a theme identifier.
const IDLayout = "2006-01-02"

var ErrInvalidID = errors.New("invalid theme id")

// Clock is the time source consulted by the Resolver.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a plain function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock.
var SystemClock Clock = ClockFunc(time.Now)

// Theme is one submission period. Start is inclusive, End exclusive.
type Theme struct {
	ID       string    `json:"id"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Fallback bool      `json:"fallback"`
}

// Contains reports whether t falls inside the theme's submission window.
func (t Theme) Contains(at time.Time) bool {
	return !at.Before(t.Start) && at.Before(t.End)
}

type Resolver struct {
	clock      Clock
	loc        *time.Location
	fallbackID string
}

// NewResolver returns a resolver producing one theme per calendar day in loc.
// fallbackID is returned, flagged, whenever the clock cannot be read.
func NewResolver(clock Clock, loc *time.Location, fallbackID string) *Resolver {
	if loc == nil {
		loc = time.UTC
	}
	return &Resolver{clock: clock, loc: loc, fallbackID: fallbackID}
}

// Now reads the clock in the theme location. The zero time means the clock
// is unavailable.
func (r *Resolver) Now() time.Time {
	if r.clock == nil {
		return time.Time{}
	}
	now := r.clock.Now()
	if now.IsZero() {
		return now
	}
	return now.In(r.loc)
}

// Current returns the active theme. It never fails.
func (r *Resolver) Current() Theme {
	now := r.Now()
	if now.IsZero() {
		return r.fallback()
	}
	return r.forDay(now)
}

// ForID returns the theme window for an already validated id.
func (r *Resolver) ForID(id string) (Theme, error) {
	day, err := time.ParseInLocation(IDLayout, id, r.loc)
	if err != nil {
		return Theme{}, fmt.Errorf("%w '%s'", ErrInvalidID, id)
	}
	return r.forDay(day), nil
}

func (r *Resolver) forDay(t time.Time) Theme {
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, r.loc)
	return Theme{
		ID:    start.Format(IDLayout),
		Start: start,
		End:   start.AddDate(0, 0, 1),
	}
}

func (r *Resolver) fallback() Theme {
	th, err := r.ForID(r.fallbackID)
	if err != nil {
		th = Theme{ID: r.fallbackID}
	}
	th.Fallback = true
	return th
}

// ParseID validates a theme identifier taken from a request. Only canonical
// YYYY-MM-DD strings naming a real calendar date are accepted.
func ParseID(id string) (string, error) {
	if len(id) != len(IDLayout) {
		return "", fmt.Errorf("%w '%s'", ErrInvalidID, id)
	}
	day, err := time.Parse(IDLayout, id)
	if err != nil || day.Format(IDLayout) != id {
		return "", fmt.Errorf("%w '%s'", ErrInvalidID, id)
	}
	return id, nil
}

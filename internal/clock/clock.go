package clock

import (
	"sync"
	"time"

	"clinicq/internal/models"
)

type Clock interface {
	Now() time.Time
}

// DayKeyer resolves the business day a timestamp belongs to. All ticket
// numbering and schedule lookups are scoped by its output.
type DayKeyer struct {
	clock    Clock
	location *time.Location
}

func NewDayKeyer(c Clock, location *time.Location) *DayKeyer {
	if location == nil {
		location = time.UTC
	}
	return &DayKeyer{clock: c, location: location}
}

// Now returns the current instant in UTC at stored precision.
func (d *DayKeyer) Now() time.Time {
	return d.clock.Now().UTC().Truncate(models.TimestampPrecision)
}

func (d *DayKeyer) Today() models.Day {
	return d.DayOf(d.clock.Now())
}

func (d *DayKeyer) DayOf(t time.Time) models.Day {
	return models.DayOf(t.In(d.location))
}

type System struct{}

func (System) Now() time.Time {
	return time.Now()
}

// Fixed is a manually advanced clock.
type Fixed struct {
	mu  sync.Mutex
	now time.Time
}

func NewFixed(now time.Time) *Fixed {
	return &Fixed{now: now}
}

func (f *Fixed) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fixed) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *Fixed) Set(now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = now
}

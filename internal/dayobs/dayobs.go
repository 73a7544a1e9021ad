// Package dayobs computes the observatory's operational date. The day rolls over at a fixed
// UTC offset rather than at local midnight.
package dayobs

import (
	"sync"
	"time"

	"rubintv/services/backend/internal/models"
)

const DefaultRolloverOffset = -12 * time.Hour

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

func SystemClock() Clock {
	return systemClock{}
}

// Provider is the single source of day_obs for every component.
type Provider struct {
	clock  Clock
	offset time.Duration
}

func NewProvider(clock Clock, offset time.Duration) *Provider {
	if clock == nil {
		clock = SystemClock()
	}
	return &Provider{clock: clock, offset: offset}
}

// Date returns midnight UTC of the current observatory day.
func (p *Provider) Date() time.Time {
	shifted := p.clock.Now().UTC().Add(p.offset)
	return time.Date(shifted.Year(), shifted.Month(), shifted.Day(), 0, 0, 0, 0, time.UTC)
}

func (p *Provider) DayObs() string {
	return p.Date().Format(models.DayObsLayout)
}

// Manual is a settable clock for tests and replays.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

func NewManual(now time.Time) *Manual {
	return &Manual{now: now}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Set(now time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

// Fixed returns a provider whose day_obs is always the given date.
func Fixed(dayObs string) (*Provider, error) {
	date, err := time.Parse(models.DayObsLayout, dayObs)
	if err != nil {
		return nil, err
	}
	// 18:00 UTC on dayObs is still dayObs after the default -12h shift
	return NewProvider(NewManual(date.Add(18*time.Hour)), DefaultRolloverOffset), nil
}

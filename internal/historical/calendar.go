package historical

import (
	"fmt"
	"sync"
	"time"

	"rubintv/services/backend/internal/models"
)

// Days maps year → month → day → highest sequence number seen. A day that only produced a
// "final" artifact is recorded with 0.
type Days map[int]map[int]map[int]int

func (d Days) clone() Days {
	out := make(Days, len(d))
	for year, months := range d {
		out[year] = make(map[int]map[int]int, len(months))
		for month, days := range months {
			out[year][month] = make(map[int]int, len(days))
			for day, seq := range days {
				out[year][month][day] = seq
			}
		}
	}
	return out
}

// latest returns the greatest recorded date.
func (d Days) latest() (time.Time, bool) {
	var (
		best  time.Time
		found bool
	)
	for year, months := range d {
		for month, days := range months {
			for day := range days {
				date := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
				if !found || date.After(best) {
					best = date
					found = true
				}
			}
		}
	}
	return best, found
}

// Calendar is the per location/camera index of days with data.
type Calendar struct {
	mu      sync.RWMutex
	entries map[string]Days
}

func NewCalendar() *Calendar {
	return &Calendar{entries: make(map[string]Days)}
}

// Add records seq for dayObs under locCam. A day's value only ever grows; a "final" sequence
// marks the day without changing its value.
func (c *Calendar) Add(locCam, dayObs string, seq models.SeqNum) error {
	date, err := time.Parse(models.DayObsLayout, dayObs)
	if err != nil {
		return fmt.Errorf("calendar date %q: %w", dayObs, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	days, ok := c.entries[locCam]
	if !ok {
		days = make(Days)
		c.entries[locCam] = days
	}
	months, ok := days[date.Year()]
	if !ok {
		months = make(map[int]map[int]int)
		days[date.Year()] = months
	}
	month, ok := months[int(date.Month())]
	if !ok {
		month = make(map[int]int)
		months[int(date.Month())] = month
	}

	current, seen := month[date.Day()]
	switch {
	case seq.IsFinal():
		if !seen {
			month[date.Day()] = 0
		}
	case !seen || seq.Int() >= current:
		month[date.Day()] = seq.Int()
	}
	return nil
}

func (c *Calendar) For(locCam string) Days {
	c.mu.RLock()
	defer c.mu.RUnlock()
	days, ok := c.entries[locCam]
	if !ok {
		return Days{}
	}
	return days.clone()
}

// MostRecent returns the latest recorded day for locCam. When that day is today it belongs to
// the live tracker, so the latest day before it is returned instead.
func (c *Calendar) MostRecent(locCam, today string) (string, bool) {
	days := c.For(locCam)
	if todayDate, err := time.Parse(models.DayObsLayout, today); err == nil {
		if months, ok := days[todayDate.Year()]; ok {
			if month, ok := months[int(todayDate.Month())]; ok {
				delete(month, todayDate.Day())
			}
		}
	}

	latest, ok := days.latest()
	if !ok {
		return "", false
	}
	return latest.Format(models.DayObsLayout), true
}

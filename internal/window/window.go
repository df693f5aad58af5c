package window

import (
	"fmt"
	"time"
)

// Period is a named rate-limit period.
type Period string

const (
	Minute Period = "minute"
	Hour   Period = "hour"
	Day    Period = "day"
	Month  Period = "month"
)

// ParsePeriod validates a period name.
func ParsePeriod(s string) (Period, error) {
	switch p := Period(s); p {
	case Minute, Hour, Day, Month:
		return p, nil
	default:
		return "", fmt.Errorf("ParsePeriod: unknown period %q", s)
	}
}

// Start returns the beginning of the window of length p that ends at now.
// Month windows step back one calendar month.
func (p Period) Start(now time.Time) time.Time {
	switch p {
	case Minute:
		return now.Add(-time.Minute)
	case Hour:
		return now.Add(-time.Hour)
	case Day:
		return now.AddDate(0, 0, -1)
	case Month:
		return now.AddDate(0, -1, 0)
	default:
		return now
	}
}

// Approx returns the nominal length of the period, used to order periods.
func (p Period) Approx() time.Duration {
	switch p {
	case Minute:
		return time.Minute
	case Hour:
		return time.Hour
	case Day:
		return 24 * time.Hour
	case Month:
		return 30 * 24 * time.Hour
	default:
		return 0
	}
}

// Span returns the inclusive interval [now-p, now].
func Span(now time.Time, p Period) (from, to time.Time) {
	return p.Start(now), now
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// Fixed is a Clock that always returns T. Tests advance it by assigning T.
type Fixed struct {
	T time.Time
}

func (f *Fixed) Now() time.Time { return f.T }

package strategy

import (
	"fmt"
	"time"
)

// Timeframes a strategy may trade, keyed by their config spelling.
var Timeframes = map[string]time.Duration{
	"1m":  time.Minute,
	"3m":  3 * time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"2h":  2 * time.Hour,
	"4h":  4 * time.Hour,
	"6h":  6 * time.Hour,
	"1d":  24 * time.Hour,
	"1w":  7 * 24 * time.Hour,
}

// candle resolutions the venue serves, largest first
var resolutions = []time.Duration{
	7 * 24 * time.Hour, 24 * time.Hour,
	6 * time.Hour, 4 * time.Hour, 2 * time.Hour, time.Hour,
	30 * time.Minute, 15 * time.Minute, 5 * time.Minute, 3 * time.Minute, time.Minute,
}

const maxCandles = 2000

// ParseTimeframe maps "4h" style names to durations.
func ParseTimeframe(s string) (time.Duration, error) {
	tf, ok := Timeframes[s]
	if !ok {
		return 0, fmt.Errorf("unsupported timeframe %q", s)
	}
	return tf, nil
}

// PeriodStart returns the start of the period of length tf containing t.
// Intraday periods are counted from local midnight, daily periods start at
// local midnight and weekly periods on Monday at local midnight.
func PeriodStart(t time.Time, tf time.Duration, loc *time.Location) time.Time {
	lt := t.In(loc)
	midnight := time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
	switch {
	case tf >= 7*24*time.Hour:
		offset := (int(midnight.Weekday()) + 6) % 7 // days since Monday
		return midnight.AddDate(0, 0, -offset)
	case tf >= 24*time.Hour:
		return midnight
	}
	elapsed := lt.Sub(midnight)
	return midnight.Add(elapsed - elapsed%tf)
}

// NextPeriodStart returns the first period boundary strictly after t.
func NextPeriodStart(t time.Time, tf time.Duration, loc *time.Location) time.Time {
	start := PeriodStart(t, tf, loc)
	var next time.Time
	switch {
	case tf >= 7*24*time.Hour:
		next = start.AddDate(0, 0, 7)
	case tf >= 24*time.Hour:
		next = start.AddDate(0, 0, 1)
	default:
		next = start.Add(tf)
		// a period never runs past local midnight
		lt := start.In(loc)
		if midnight := time.Date(lt.Year(), lt.Month(), lt.Day()+1, 0, 0, 0, 0, loc); next.After(midnight) {
			next = midnight
		}
	}
	return next
}

// PreviousPeriod returns the most recently completed period before asOf.
func PreviousPeriod(asOf time.Time, tf time.Duration, loc *time.Location) (start, end time.Time) {
	end = PeriodStart(asOf, tf, loc)
	start = PeriodStart(end.Add(-time.Nanosecond), tf, loc)
	return start, end
}

// resolutionFor picks the coarsest candle size whose epoch-aligned buckets
// tile [start, end) exactly within the venue's candle limit.
func resolutionFor(start, end time.Time) (time.Duration, int) {
	span := end.Sub(start)
	for _, res := range resolutions {
		if span%res != 0 || start.UnixNano()%int64(res) != 0 {
			continue
		}
		if n := int(span / res); n > 0 && n <= maxCandles {
			return res, n
		}
	}
	n := int(span / time.Minute)
	if n > maxCandles {
		n = maxCandles
	}
	return time.Minute, n
}

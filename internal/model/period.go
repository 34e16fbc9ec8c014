package model

import (
	"fmt"
	"strings"
	"time"
)

// Granularity is the bucket size used for period aggregation.
type Granularity string

const (
	Daily   Granularity = "daily"
	Weekly  Granularity = "weekly"
	Monthly Granularity = "monthly"
)

// ParseGranularity accepts daily|weekly|monthly (and day|week|month).
// An empty string yields Monthly.
func ParseGranularity(v string) (Granularity, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "daily", "day":
		return Daily, nil
	case "weekly", "week":
		return Weekly, nil
	case "monthly", "month", "":
		return Monthly, nil
	default:
		return "", fmt.Errorf("unknown granularity %q", v)
	}
}

// BucketStart truncates t (in UTC) to the start of its bucket.
// Weekly buckets start on Monday.
func (g Granularity) BucketStart(t time.Time) time.Time {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	switch g {
	case Daily:
		return day
	case Weekly:
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	default:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
}

// Next returns the start of the bucket after the one starting at start.
func (g Granularity) Next(start time.Time) time.Time {
	switch g {
	case Daily:
		return start.AddDate(0, 0, 1)
	case Weekly:
		return start.AddDate(0, 0, 7)
	default:
		return start.AddDate(0, 1, 0)
	}
}

// Label formats a bucket start: 2006-01-02, 2006-W01 or 2006-01.
func (g Granularity) Label(start time.Time) string {
	switch g {
	case Daily:
		return start.Format("2006-01-02")
	case Weekly:
		year, week := start.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	default:
		return start.Format("2006-01")
	}
}

// Timeframe bounds an analysis relative to now.
type Timeframe string

const (
	TimeframeAll Timeframe = "ALL"
	Timeframe1M  Timeframe = "1M"
	Timeframe3M  Timeframe = "3M"
	Timeframe6M  Timeframe = "6M"
	Timeframe1Y  Timeframe = "1Y"
)

// ParseTimeframe accepts ALL, 1M, 3M, 6M, 1Y. An empty string yields ALL.
func ParseTimeframe(v string) (Timeframe, error) {
	switch tf := Timeframe(strings.ToUpper(strings.TrimSpace(v))); tf {
	case "":
		return TimeframeAll, nil
	case TimeframeAll, Timeframe1M, Timeframe3M, Timeframe6M, Timeframe1Y:
		return tf, nil
	default:
		return "", fmt.Errorf("unknown timeframe %q", v)
	}
}

// Window is a closed time interval. A zero Start means unbounded.
type Window struct {
	Start time.Time
	End   time.Time
}

// Window resolves the timeframe against now using calendar offsets.
func (tf Timeframe) Window(now time.Time) Window {
	now = now.UTC()
	w := Window{End: now}
	switch tf {
	case Timeframe1M:
		w.Start = now.AddDate(0, -1, 0)
	case Timeframe3M:
		w.Start = now.AddDate(0, -3, 0)
	case Timeframe6M:
		w.Start = now.AddDate(0, -6, 0)
	case Timeframe1Y:
		w.Start = now.AddDate(-1, 0, 0)
	}
	return w
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	if !w.Start.IsZero() && t.Before(w.Start) {
		return false
	}
	if !w.End.IsZero() && t.After(w.End) {
		return false
	}
	return true
}

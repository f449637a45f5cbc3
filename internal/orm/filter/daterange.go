package filter

import (
	"strings"
	"time"

	"github.com/spf13/cast"

	"github.com/conduit-lang/datalayer/internal/tz"
)

// dateLayouts are tried before the generic parser for range bounds
var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02T15:04:05",
	time.RFC3339,
	time.RFC3339Nano,
}

// ParseTime parses a filter bound as a wall-clock time
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return cast.ToTimeE(s)
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func endOfDay(t time.Time) time.Time {
	return startOfDay(t).Add(24*time.Hour - time.Second)
}

func startOfWeek(t time.Time) time.Time {
	weekday := int(t.Weekday()+6) % 7 // monday = 0
	return startOfDay(t).AddDate(0, 0, -weekday)
}

func startOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func startOfYear(t time.Time) time.Time {
	return time.Date(t.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
}

// ResolveRange turns a named range into UTC bounds. now is the current UTC
// instant; offset is the caller's timezone. Relative ranges are computed on
// the caller's local calendar, explicit bounds are read as local wall-clock
// times. Both are shifted to UTC by subtracting offset.
func ResolveRange(kind, from, to string, now time.Time, offset time.Duration) (time.Time, time.Time, bool) {
	local := tz.FromUTC(now, offset)
	local = time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), local.Minute(), local.Second(), 0, time.UTC)

	var lo, hi time.Time
	switch kind {
	case "between", "customRange", "custom":
		if strings.TrimSpace(from) == "" || strings.TrimSpace(to) == "" {
			return time.Time{}, time.Time{}, false
		}
		var err error
		if lo, err = ParseTime(from); err != nil {
			return time.Time{}, time.Time{}, false
		}
		if hi, err = ParseTime(to); err != nil {
			return time.Time{}, time.Time{}, false
		}
	case "today":
		lo, hi = startOfDay(local), endOfDay(local)
	case "yesterday":
		d := local.AddDate(0, 0, -1)
		lo, hi = startOfDay(d), endOfDay(d)
	case "tomorrow":
		d := local.AddDate(0, 0, 1)
		lo, hi = startOfDay(d), endOfDay(d)
	case "thisWeek":
		lo = startOfWeek(local)
		hi = lo.AddDate(0, 0, 7).Add(-time.Second)
	case "lastWeek":
		lo = startOfWeek(local).AddDate(0, 0, -7)
		hi = lo.AddDate(0, 0, 7).Add(-time.Second)
	case "nextWeek":
		lo = startOfWeek(local).AddDate(0, 0, 7)
		hi = lo.AddDate(0, 0, 7).Add(-time.Second)
	case "thisMonth":
		lo = startOfMonth(local)
		hi = lo.AddDate(0, 1, 0).Add(-time.Second)
	case "lastMonth":
		lo = startOfMonth(local).AddDate(0, -1, 0)
		hi = lo.AddDate(0, 1, 0).Add(-time.Second)
	case "nextMonth":
		lo = startOfMonth(local).AddDate(0, 1, 0)
		hi = lo.AddDate(0, 1, 0).Add(-time.Second)
	case "thisYear":
		lo = startOfYear(local)
		hi = lo.AddDate(1, 0, 0).Add(-time.Second)
	case "lastYear":
		lo = startOfYear(local).AddDate(-1, 0, 0)
		hi = lo.AddDate(1, 0, 0).Add(-time.Second)
	case "last7Days":
		lo, hi = startOfDay(local.AddDate(0, 0, -6)), endOfDay(local)
	case "last30Days":
		lo, hi = startOfDay(local.AddDate(0, 0, -29)), endOfDay(local)
	default:
		return time.Time{}, time.Time{}, false
	}

	return tz.ToUTC(lo, offset), tz.ToUTC(hi, offset), true
}

// Package tz resolves the timezone offset a request is evaluated in.
package tz

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"
)

// UTC is the neutral offset marker used when no timezone is known
const UTC = "00:00"

// ParseOffset parses "+02:00", "-05:30", "0:00", "+0530" or an IANA zone
// name such as "America/Bogota". IANA names resolve to their offset at now.
func ParseOffset(s string, now time.Time) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "utc") || strings.EqualFold(s, "z") {
		return 0, nil
	}

	if strings.Contains(s, "/") {
		loc, err := time.LoadLocation(s)
		if err != nil {
			return 0, fmt.Errorf("unknown timezone %q: %w", s, err)
		}
		_, secs := now.In(loc).Zone()
		return time.Duration(secs) * time.Second, nil
	}

	sign := time.Duration(1)
	switch s[0] {
	case '-':
		sign = -1
		s = s[1:]
	case '+':
		s = s[1:]
	}

	hours, minutes, ok := strings.Cut(s, ":")
	if !ok {
		if len(s) != 4 {
			hours, minutes = s, "0"
		} else {
			hours, minutes = s[:2], s[2:]
		}
	}

	h, err := strconv.Atoi(hours)
	if err != nil || h < 0 || h > 14 {
		return 0, fmt.Errorf("invalid timezone offset %q", s)
	}
	m, err := strconv.Atoi(minutes)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid timezone offset %q", s)
	}

	return sign * (time.Duration(h)*time.Hour + time.Duration(m)*time.Minute), nil
}

// Format renders an offset as "+hh:mm"
func Format(d time.Duration) string {
	sign := "+"
	if d < 0 {
		sign = "-"
		d = -d
	}
	return fmt.Sprintf("%s%02d:%02d", sign, int(d/time.Hour), int(d%time.Hour/time.Minute))
}

// Resolve picks the request offset: the acting user's timezone when set and
// not neutral, then the request setting, then UTC. Unparseable values fall
// through to the next candidate.
func Resolve(userTZ, settingTZ string, now time.Time) time.Duration {
	if userTZ != "" && userTZ != UTC {
		if d, err := ParseOffset(userTZ, now); err == nil {
			return d
		}
	}
	if settingTZ != "" {
		if d, err := ParseOffset(settingTZ, now); err == nil {
			return d
		}
	}
	return 0
}

// ToUTC converts a wall-clock time expressed at offset into UTC
func ToUTC(t time.Time, offset time.Duration) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC).Add(-offset)
}

// FromUTC converts a stored UTC time to wall-clock time at offset
func FromUTC(t time.Time, offset time.Duration) time.Time {
	return t.UTC().Add(offset)
}

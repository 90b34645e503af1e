package intent

import (
	"fmt"
	"strconv"
	"strings"
)

// Weekdays are the canonical weekday names, in cron order (Sunday = 0).
var Weekdays = []string{"Sun", "Mon", "Tue", "Wed", "Thu", "Fri", "Sat"}

// ParseClock parses a 24-hour "H:MM" or "HH:MM" time of day.
func ParseClock(s string) (hour, minute int, err error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || len(m) != 2 || len(h) == 0 || len(h) > 2 {
		return 0, 0, fmt.Errorf("invalid time of day %q: want HH:MM", s)
	}
	hour, err = strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err = strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour, minute, nil
}

// NormalizeClock returns s as zero-padded "HH:MM".
func NormalizeClock(s string) (string, error) {
	h, m, err := ParseClock(s)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%02d:%02d", h, m), nil
}

// WeekdayIndex maps a weekday name ("monday", "Mon", "tues") to 0..6.
func WeekdayIndex(day string) (int, bool) {
	d := strings.ToLower(strings.TrimSpace(day))
	if len(d) < 3 {
		return 0, false
	}
	for i, w := range Weekdays {
		if strings.HasPrefix(d, strings.ToLower(w)) {
			return i, true
		}
	}
	return 0, false
}

// NormalizeDays maps day names to canonical form, in week order without
// duplicates. "daily" and "everyday" expand to the whole week, "weekdays"
// and "weekends" to their halves. Unknown names are returned separately.
func NormalizeDays(days []string) (canonical []string, unknown []string) {
	var seen [7]bool
	for _, raw := range days {
		switch strings.ToLower(strings.TrimSpace(raw)) {
		case "daily", "everyday", "every day":
			for i := range seen {
				seen[i] = true
			}
			continue
		case "weekdays":
			for i := 1; i <= 5; i++ {
				seen[i] = true
			}
			continue
		case "weekends", "weekend":
			seen[0], seen[6] = true, true
			continue
		}
		i, ok := WeekdayIndex(raw)
		if !ok {
			unknown = append(unknown, raw)
			continue
		}
		seen[i] = true
	}
	for i, ok := range seen {
		if ok {
			canonical = append(canonical, Weekdays[i])
		}
	}
	return canonical, unknown
}

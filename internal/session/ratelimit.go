package session

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Provider rate-limit notices arrive as prose in assistant or result text.
// The reset clause comes in three shapes, each optionally followed by an
// IANA zone in parentheses:
//
//	"resets 3pm"
//	"resets Feb 22 at 9:30am"
//	"resets tomorrow at 3pm (America/New_York)"
var (
	limitRe    = regexp.MustCompile(`(?i)\b(?:rate|usage)[ -]?limit`)
	weeklyRe   = regexp.MustCompile(`(?i)\bweekly\b`)
	zoneRe     = regexp.MustCompile(`\(([A-Za-z_]+/[A-Za-z_+\-0-9]+)\)`)
	tomorrowRe = regexp.MustCompile(`(?i)\bresets?\s+tomorrow\s+at\s+(\d{1,2})(?::(\d{2}))?\s*(am|pm)\b`)
	dateRe     = regexp.MustCompile(`(?i)\bresets?\s+([A-Za-z]{3,9})\.?\s+(\d{1,2})\s+at\s+(\d{1,2})(?::(\d{2}))?\s*(am|pm)\b`)
	clockRe    = regexp.MustCompile(`(?i)\bresets?\s+(?:at\s+)?(\d{1,2})(?::(\d{2}))?\s*(am|pm)\b`)
)

var months = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March,
	"apr": time.April, "may": time.May, "jun": time.June,
	"jul": time.July, "aug": time.August, "sep": time.September,
	"oct": time.October, "nov": time.November, "dec": time.December,
}

const (
	fallbackReset       = time.Hour
	fallbackWeeklyReset = 6 * time.Hour
)

// ParseRateLimitReset scans text for a rate-limit notice and returns the
// reset instant. ok is false when the text carries no rate-limit phrasing
// at all. When the phrasing is present but the reset clause does not parse,
// the reset falls back to one hour from now, or six hours for weekly
// limits.
func ParseRateLimitReset(text string, now time.Time) (reset time.Time, ok bool) {
	if !limitRe.MatchString(text) {
		return time.Time{}, false
	}

	loc := now.Location()
	if m := zoneRe.FindStringSubmatch(text); m != nil {
		if parsed, err := time.LoadLocation(m[1]); err == nil {
			loc = parsed
		}
	}

	if m := tomorrowRe.FindStringSubmatch(text); m != nil {
		if h, min, valid := clockFields(m[1], m[2], m[3]); valid {
			day := now.In(loc).AddDate(0, 0, 1)
			return time.Date(day.Year(), day.Month(), day.Day(), h, min, 0, 0, loc), true
		}
	}

	if m := dateRe.FindStringSubmatch(text); m != nil {
		month, monthOK := months[strings.ToLower(m[1])[:3]]
		day, _ := strconv.Atoi(m[2])
		if h, min, valid := clockFields(m[3], m[4], m[5]); valid && monthOK && day >= 1 && day <= 31 {
			at := time.Date(now.In(loc).Year(), month, day, h, min, 0, 0, loc)
			if at.Before(now) {
				at = at.AddDate(1, 0, 0)
			}
			return at, true
		}
	}

	if m := clockRe.FindStringSubmatch(text); m != nil {
		if h, min, valid := clockFields(m[1], m[2], m[3]); valid {
			day := now.In(loc)
			at := time.Date(day.Year(), day.Month(), day.Day(), h, min, 0, 0, loc)
			if !at.After(now) {
				at = at.AddDate(0, 0, 1)
			}
			return at, true
		}
	}

	if weeklyRe.MatchString(text) {
		return now.Add(fallbackWeeklyReset), true
	}
	return now.Add(fallbackReset), true
}

// clockFields converts 12-hour regex captures to a 24-hour clock.
func clockFields(hour, minute, meridiem string) (h, min int, valid bool) {
	h12, err := strconv.Atoi(hour)
	if err != nil || h12 < 1 || h12 > 12 {
		return 0, 0, false
	}
	if minute != "" {
		min, err = strconv.Atoi(minute)
		if err != nil || min < 0 || min > 59 {
			return 0, 0, false
		}
	}
	h = h12 % 12
	if strings.EqualFold(meridiem, "pm") {
		h += 12
	}
	return h, min, true
}

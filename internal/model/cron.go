package model

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron validates a five field cron expression or a descriptor such as
// @daily or @every 1h, and returns the interval between two following runs.
func ParseCron(expr string) (time.Duration, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return 0, errors.New("empty cron expression")
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return 0, fmt.Errorf("parsing cron %q: %w", expr, err)
	}
	first := schedule.Next(time.Now())
	return schedule.Next(first).Sub(first), nil
}

var ErrISOFormat = errors.New("invalid ISO8601 duration")

// ParseRetention parses session.retention, which must be a positive
// ISO8601 duration like P30D or PT12H.
func ParseRetention(s string) (time.Duration, error) {
	d, err := ParseISODuration(s)
	if err != nil {
		return 0, fmt.Errorf("parsing retention %q: %w", s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("retention %q must be positive", s)
	}
	return d, nil
}

// designators allowed before and after the T separator
var (
	dateUnits = map[byte]time.Duration{'W': 7 * 24 * time.Hour, 'D': 24 * time.Hour}
	timeUnits = map[byte]time.Duration{'H': time.Hour, 'M': time.Minute, 'S': time.Second}
)

// ParseISODuration parses the week, day and time components of an ISO8601
// duration. Years and months have no fixed length and are rejected.
func ParseISODuration(s string) (time.Duration, error) {
	rest, ok := strings.CutPrefix(s, "P")
	if !ok || rest == "" {
		return 0, ErrISOFormat
	}
	date, clock, hasT := strings.Cut(rest, "T")
	if hasT && clock == "" {
		return 0, ErrISOFormat
	}

	total, err := sumComponents(date, dateUnits)
	if err != nil {
		return 0, err
	}
	t, err := sumComponents(clock, timeUnits)
	if err != nil {
		return 0, err
	}
	return total + t, nil
}

// sumComponents adds up "<number><designator>" pairs, each designator at
// most once.
func sumComponents(s string, units map[byte]time.Duration) (time.Duration, error) {
	var total time.Duration
	seen := make(map[byte]bool)
	for s != "" {
		i := strings.IndexFunc(s, func(r rune) bool {
			return (r < '0' || r > '9') && r != '.' && r != ','
		})
		if i <= 0 {
			return 0, ErrISOFormat
		}
		unit, ok := units[s[i]]
		if !ok || seen[s[i]] {
			return 0, ErrISOFormat
		}
		seen[s[i]] = true
		n, err := strconv.ParseFloat(strings.Replace(s[:i], ",", ".", 1), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s", ErrISOFormat, err)
		}
		total += time.Duration(n * float64(unit))
		s = s[i+1:]
	}
	return total, nil
}

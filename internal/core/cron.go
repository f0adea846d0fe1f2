package core

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidSchedule marks a cron expression that cannot be parsed or never
// triggers again. Callers can test for it with errors.Is.
var ErrInvalidSchedule = errors.New("invalid cron expression")

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron ensures the expression is a valid 5-field cron definition and
// returns the underlying schedule. Descriptor forms (@hourly etc.) are
// rejected.
func ParseCron(expr string) (cron.Schedule, error) {
	if strings.HasPrefix(strings.TrimSpace(expr), "@") {
		return nil, fmt.Errorf("%w: only 5-field expressions are supported", ErrInvalidSchedule)
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	return schedule, nil
}

// NextRun resolves the earliest trigger of expr strictly after ref. All
// computation is done in UTC.
func NextRun(expr string, ref time.Time) (time.Time, error) {
	schedule, err := ParseCron(expr)
	if err != nil {
		return time.Time{}, err
	}
	next := schedule.Next(ref.UTC())
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: no future occurrence", ErrInvalidSchedule)
	}
	return next.UTC(), nil
}

// NextOccurrences returns the next n trigger times from a base time.
func NextOccurrences(schedule cron.Schedule, base time.Time, n int) []time.Time {
	times := make([]time.Time, 0, n)
	next := base
	for i := 0; i < n; i++ {
		next = schedule.Next(next)
		times = append(times, next)
	}
	return times
}

// HumanReadableCron renders a handful of common expressions as prose and
// falls back to the raw expression otherwise.
func HumanReadableCron(expr string) string {
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return expr
	}
	minute, hour, dom, month, dow := parts[0], parts[1], parts[2], parts[3], parts[4]
	switch {
	case minute == "0" && hour == "0" && dom == "*" && month == "*" && dow == "*":
		return "Daily at midnight"
	case minute == "0" && hour == "*" && dom == "*" && month == "*" && dow == "*":
		return "Every hour on the hour"
	case minute == "*" && hour == "*" && dom == "*" && month == "*" && dow == "*":
		return "Every minute"
	}
	return expr
}

// Package parser provides a lightweight 5-field cron evaluator with efficient next-run calculation
package parser

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// maxIterations bounds the forward scan. Impossible dates (Feb 30) hit it and fail.
const maxIterations = 525600

var (
	ErrInvalidExpression = errors.New("invalid cron expression")
	ErrCronExhausted     = errors.New("cron evaluation exhausted")
)

var aliases = map[string]string{
	"@yearly":   "0 0 1 1 *",
	"@annually": "0 0 1 1 *",
	"@monthly":  "0 0 1 * *",
	"@weekly":   "0 0 * * 0",
	"@daily":    "0 0 * * *",
	"@midnight": "0 0 * * *",
	"@hourly":   "0 * * * *",
	"@minutely": "* * * * *",
}

var monthNames = []string{"jan", "feb", "mar", "apr", "may", "jun", "jul", "aug", "sep", "oct", "nov", "dec"}

var weekdayNames = []string{"sun", "mon", "tue", "wed", "thu", "fri", "sat"}

// CronExpression represents a parsed cron expression with accepted values per field
// Each field contains a sorted slice of valid values
// Minute: 0–59
// Hour: 0–23
// DayOfMonth: 1–31
// Month: 1–12
// DayOfWeek: 0–6 (Sunday to Saturday, 7 is folded into 0)
type CronExpression struct {
	Minute     []int
	Hour       []int
	DayOfMonth []int
	Month      []int
	DayOfWeek  []int

	expr string
}

// String returns the normalized expression the value was parsed from.
func (c *CronExpression) String() string {
	return c.expr
}

// Normalize expands aliases and replaces month and weekday names with their numbers.
func Normalize(expr string) string {
	expr = strings.ToLower(strings.TrimSpace(expr))
	if full, ok := aliases[expr]; ok {
		return full
	}

	fields := strings.Fields(expr)
	if len(fields) == 5 {
		fields[3] = replaceNames(fields[3], monthNames, 1)
		fields[4] = replaceNames(fields[4], weekdayNames, 0)
	}
	return strings.Join(fields, " ")
}

func replaceNames(field string, names []string, offset int) string {
	for i, name := range names {
		field = strings.ReplaceAll(field, name, strconv.Itoa(i+offset))
	}
	return field
}

// parsePart parses a cron field like "1,2,5-7" or "10-30/5" into a sorted slice of integers
func parsePart(part string, min, max int) ([]int, error) {
	set := make(map[int]struct{})

	for _, token := range strings.Split(part, ",") {
		if token == "" {
			return nil, fmt.Errorf("empty token in %q", part)
		}

		base, step := token, 1
		if idx := strings.Index(token, "/"); idx >= 0 {
			base = token[:idx]
			s, err := strconv.Atoi(token[idx+1:])
			if err != nil || s <= 0 {
				return nil, fmt.Errorf("invalid step: %s", token)
			}
			step = s
		}

		var start, end int
		switch {
		case base == "*":
			start, end = min, max
		case strings.Contains(base, "-"):
			parts := strings.Split(base, "-")
			if len(parts) != 2 {
				return nil, fmt.Errorf("invalid range: %s", base)
			}
			s, err1 := strconv.Atoi(parts[0])
			e, err2 := strconv.Atoi(parts[1])
			if err1 != nil || err2 != nil || s > e || s < min || e > max {
				return nil, fmt.Errorf("invalid range: %s", base)
			}
			start, end = s, e
		default:
			num, err := strconv.Atoi(base)
			if err != nil || num < min || num > max {
				return nil, fmt.Errorf("invalid value: %s", base)
			}
			start, end = num, num
			// "a/n" runs from a to the end of the field
			if strings.Contains(token, "/") {
				end = max
			}
		}

		for i := start; i <= end; i += step {
			set[i] = struct{}{}
		}
	}

	result := make([]int, 0, len(set))
	for val := range set {
		result = append(result, val)
	}
	sort.Ints(result)
	return result, nil
}

// contains checks if value v exists in sorted slice vals
func contains(vals []int, v int) bool {
	i := sort.SearchInts(vals, v)
	return i < len(vals) && vals[i] == v
}

// ParseCron parses a cron string like "*/5 0 1-10 jan-jun mon,wed" into a CronExpression
func ParseCron(expr string) (*CronExpression, error) {
	normalized := Normalize(expr)
	parts := strings.Fields(normalized)
	if len(parts) != 5 {
		return nil, fmt.Errorf("%w: %q must have 5 fields", ErrInvalidExpression, expr)
	}

	minute, err := parsePart(parts[0], 0, 59)
	if err != nil {
		return nil, fmt.Errorf("%w: minute: %v", ErrInvalidExpression, err)
	}
	hour, err := parsePart(parts[1], 0, 23)
	if err != nil {
		return nil, fmt.Errorf("%w: hour: %v", ErrInvalidExpression, err)
	}
	dayOfMonth, err := parsePart(parts[2], 1, 31)
	if err != nil {
		return nil, fmt.Errorf("%w: day of month: %v", ErrInvalidExpression, err)
	}
	month, err := parsePart(parts[3], 1, 12)
	if err != nil {
		return nil, fmt.Errorf("%w: month: %v", ErrInvalidExpression, err)
	}
	dayOfWeek, err := parsePart(parts[4], 0, 7)
	if err != nil {
		return nil, fmt.Errorf("%w: day of week: %v", ErrInvalidExpression, err)
	}
	if contains(dayOfWeek, 7) {
		dayOfWeek = dayOfWeek[:len(dayOfWeek)-1]
		if !contains(dayOfWeek, 0) {
			dayOfWeek = append([]int{0}, dayOfWeek...)
		}
	}

	return &CronExpression{
		Minute:     minute,
		Hour:       hour,
		DayOfMonth: dayOfMonth,
		Month:      month,
		DayOfWeek:  dayOfWeek,
		expr:       normalized,
	}, nil
}

// IsValid reports whether expr parses. It never panics.
func IsValid(expr string) bool {
	_, err := ParseCron(expr)
	return err == nil
}

// Matches reports whether t falls on a minute selected by every field.
func (c *CronExpression) Matches(t time.Time) bool {
	return contains(c.Minute, t.Minute()) &&
		contains(c.Hour, t.Hour()) &&
		contains(c.DayOfMonth, t.Day()) &&
		contains(c.Month, int(t.Month())) &&
		contains(c.DayOfWeek, int(t.Weekday()))
}

// Next finds the first matching minute strictly after from, in from's location.
func (c *CronExpression) Next(from time.Time) (time.Time, error) {
	loc := from.Location()
	// Truncate on absolute time; rebuilding the wall clock is ambiguous inside a repeated DST hour.
	t := from.Truncate(time.Minute).Add(time.Minute)

	for i := 0; i < maxIterations; i++ {
		// Fast-forward by skipping invalid months/days/hours
		if !contains(c.Month, int(t.Month())) {
			t = advance(t, time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, loc))
			continue
		}
		if !contains(c.DayOfMonth, t.Day()) || !contains(c.DayOfWeek, int(t.Weekday())) {
			t = advance(t, time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, loc))
			continue
		}
		if !contains(c.Hour, t.Hour()) {
			t = advance(t, t.Add(time.Duration(60-t.Minute())*time.Minute))
			continue
		}
		if contains(c.Minute, t.Minute()) && t.After(from) {
			return t, nil
		}
		t = t.Add(time.Minute)
	}

	return time.Time{}, fmt.Errorf("%w: %q after %s", ErrCronExhausted, c.expr, from.Format(time.RFC3339))
}

// advance guards against DST folds producing a non-increasing wall clock.
func advance(cur, next time.Time) time.Time {
	if !next.After(cur) {
		return cur.Add(time.Minute)
	}
	return next
}

// GetNextRunDate returns the first run strictly after from for expr.
func GetNextRunDate(expr string, from time.Time) (time.Time, error) {
	c, err := ParseCron(expr)
	if err != nil {
		return time.Time{}, err
	}
	return c.Next(from)
}

// IsDue reports whether the next run after lastRun is at or before now.
func IsDue(expr string, lastRun, now time.Time) (bool, error) {
	next, err := GetNextRunDate(expr, lastRun)
	if err != nil {
		return false, err
	}
	return !next.After(now), nil
}

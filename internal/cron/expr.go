// Package cron implements the 5-field cron expression engine, the
// schedule-file format, and the scheduler runtime that drives scheduled
// prompts through a session orchestrator.
package cron

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	robfigcron "github.com/robfig/cron/v3"
)

// maxLookaheadMinutes bounds next_after's linear search so a pathological
// expression (e.g. Feb 30th) cannot spin forever.
const maxLookaheadMinutes = 366 * 24 * 60

// fieldSet is the allowed-value membership for one cron field, parsed
// independently of the robfig/cron/v3 schedule so matches() can be checked
// as an invariant rather than trusted blindly.
type fieldSet struct {
	wildcard bool
	allowed  map[int]bool
}

func (f fieldSet) has(v int) bool {
	if f.wildcard {
		return true
	}
	return f.allowed[v]
}

func parseField(expr string, min, max int) (fieldSet, error) {
	if expr == "*" {
		return fieldSet{wildcard: true}, nil
	}
	allowed := make(map[int]bool)
	for _, part := range strings.Split(expr, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return fieldSet{}, fmt.Errorf("cron: empty field element in %q", expr)
		}
		rangePart, step := part, 1
		hasStep := false
		if idx := strings.IndexByte(part, '/'); idx >= 0 {
			rangePart = part[:idx]
			n, err := strconv.Atoi(part[idx+1:])
			if err != nil || n <= 0 {
				return fieldSet{}, fmt.Errorf("cron: bad step in %q", part)
			}
			step = n
			hasStep = true
		}

		lo, hi := min, max
		switch {
		case rangePart == "*":
			// lo/hi already the field's full range
		case strings.Contains(rangePart, "-"):
			bounds := strings.SplitN(rangePart, "-", 2)
			a, errA := strconv.Atoi(bounds[0])
			b, errB := strconv.Atoi(bounds[1])
			if errA != nil || errB != nil || a > b {
				return fieldSet{}, fmt.Errorf("cron: bad range %q", rangePart)
			}
			lo, hi = a, b
		default:
			n, err := strconv.Atoi(rangePart)
			if err != nil {
				return fieldSet{}, fmt.Errorf("cron: bad value %q", rangePart)
			}
			lo, hi = n, n
			if hasStep {
				// "a/s" runs from a to the field's maximum in steps of s.
				hi = max
			}
		}

		for v := lo; v <= hi; v += step {
			if v < min || v > max {
				return fieldSet{}, fmt.Errorf("cron: value %d out of range [%d,%d]", v, min, max)
			}
			allowed[v] = true
		}
	}
	return fieldSet{allowed: allowed}, nil
}

// Expr is a parsed 5-field cron expression: minute hour dom month dow.
type Expr struct {
	raw                           string
	minute, hour, dom, month, dow fieldSet
	schedule                      robfigcron.Schedule
}

// Parse parses a standard 5-field cron expression.
func Parse(expr string) (*Expr, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron: expected 5 fields, got %d in %q", len(fields), expr)
	}

	minute, err := parseField(fields[0], 0, 59)
	if err != nil {
		return nil, err
	}
	hour, err := parseField(fields[1], 0, 23)
	if err != nil {
		return nil, err
	}
	dom, err := parseField(fields[2], 1, 31)
	if err != nil {
		return nil, err
	}
	month, err := parseField(fields[3], 1, 12)
	if err != nil {
		return nil, err
	}
	// day-of-week: normalize 7 to 0 (Sunday) before parsing the set, since
	// both refer to the same day.
	dowField := strings.ReplaceAll(fields[4], "7", "0")
	dow, err := parseField(dowField, 0, 6)
	if err != nil {
		return nil, err
	}

	sched, err := robfigcron.ParseStandard(strings.Join([]string{fields[0], fields[1], fields[2], fields[3], dowField}, " "))
	if err != nil {
		return nil, fmt.Errorf("cron: %w", err)
	}

	return &Expr{raw: expr, minute: minute, hour: hour, dom: dom, month: month, dow: dow, schedule: sched}, nil
}

// Matches reports whether t satisfies every field, with standard DOM-OR-DOW
// semantics: when both day-of-month and day-of-week are restricted
// (non-wildcard), the job fires when EITHER matches.
func (e *Expr) Matches(t time.Time) bool {
	if !e.minute.has(t.Minute()) || !e.hour.has(t.Hour()) || !e.month.has(int(t.Month())) {
		return false
	}

	domRestricted := !e.dom.wildcard
	dowRestricted := !e.dow.wildcard
	domOK := e.dom.has(t.Day())
	dowOK := e.dow.has(int(t.Weekday()))

	switch {
	case domRestricted && dowRestricted:
		return domOK || dowOK
	case domRestricted:
		return domOK
	case dowRestricted:
		return dowOK
	default:
		return true
	}
}

// NextAfter finds the next time after now that satisfies the expression,
// starting the search at now+1 minute with seconds zeroed, and never
// returning a time more than a year out.
func (e *Expr) NextAfter(now time.Time) (time.Time, bool) {
	floor := now.Add(time.Minute).Truncate(time.Minute)
	horizon := floor.Add(maxLookaheadMinutes * time.Minute)

	candidate := e.schedule.Next(now)
	if candidate.Before(floor) {
		candidate = e.schedule.Next(floor.Add(-time.Second))
	}
	if !candidate.After(horizon) && e.Matches(candidate) {
		return candidate, true
	}

	// Defensive re-verification: don't trust the library's candidate
	// blindly if it somehow disagrees with our own field-set matcher.
	t := floor
	for i := 0; i < maxLookaheadMinutes; i++ {
		if e.Matches(t) {
			return t, true
		}
		t = t.Add(time.Minute)
	}
	return time.Time{}, false
}

// String returns the original expression text.
func (e *Expr) String() string { return e.raw }

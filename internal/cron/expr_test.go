package cron

import (
	"testing"
	"time"
)

func TestParseAndMatchesWildcard(t *testing.T) {
	e, err := Parse("* * * * *")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !e.Matches(time.Date(2026, 3, 5, 9, 17, 0, 0, time.UTC)) {
		t.Fatal("wildcard expression should match any minute")
	}
}

func TestMatchesMinuteHour(t *testing.T) {
	e, err := Parse("30 9 * * *")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !e.Matches(time.Date(2026, 1, 1, 9, 30, 0, 0, time.UTC)) {
		t.Fatal("expected match at 09:30")
	}
	if e.Matches(time.Date(2026, 1, 1, 9, 31, 0, 0, time.UTC)) {
		t.Fatal("expected no match at 09:31")
	}
}

func TestMatchesDomOrDow(t *testing.T) {
	// 15th of the month OR Monday: DOM-OR-DOW semantics when both are
	// restricted (neither is "*").
	e, err := Parse("0 0 15 * 1")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	// 2026-03-02 is a Monday.
	if !e.Matches(time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)) {
		t.Fatal("expected match on Monday via DOW")
	}
	// 2026-03-15 is a Sunday, but DOM matches.
	if !e.Matches(time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)) {
		t.Fatal("expected match on the 15th via DOM")
	}
	// Neither DOM nor DOW.
	if e.Matches(time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)) {
		t.Fatal("expected no match when neither DOM nor DOW matches")
	}
}

func TestParseRangeAndStep(t *testing.T) {
	e, err := Parse("*/15 9-17 * * *")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !e.Matches(time.Date(2026, 1, 1, 10, 45, 0, 0, time.UTC)) {
		t.Fatal("expected match on a 15-minute step within range")
	}
	if e.Matches(time.Date(2026, 1, 1, 10, 46, 0, 0, time.UTC)) {
		t.Fatal("expected no match off-step")
	}
	if e.Matches(time.Date(2026, 1, 1, 18, 0, 0, 0, time.UTC)) {
		t.Fatal("expected no match outside hour range")
	}
}

func TestParseInvalidField(t *testing.T) {
	if _, err := Parse("60 * * * *"); err == nil {
		t.Fatal("expected error for out-of-range minute")
	}
	if _, err := Parse("* * * *"); err == nil {
		t.Fatal("expected error for wrong field count")
	}
}

func TestNextAfterAgreesWithMatches(t *testing.T) {
	e, err := Parse("0 */6 * * *")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	now := time.Date(2026, 3, 5, 8, 12, 0, 0, time.UTC)
	next, ok := e.NextAfter(now)
	if !ok {
		t.Fatal("expected a fire time within the lookahead window")
	}
	if !next.After(now) {
		t.Fatal("NextAfter must be strictly after now")
	}
	if !e.Matches(next) {
		t.Fatal("NextAfter's own candidate must independently satisfy Matches")
	}
}

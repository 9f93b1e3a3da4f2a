package cron

import (
	"os"
	"path/filepath"
	"testing"
)

func writeSchedule(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cron.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoadSchedulesMissingFileIsEmpty(t *testing.T) {
	entries, err := LoadSchedules(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected zero schedules, got %d", len(entries))
	}
}

func TestLoadSchedulesValid(t *testing.T) {
	path := writeSchedule(t, `
schedules:
  - name: morning-report
    cron: "0 9 * * *"
    prompt: "Summarize yesterday's activity."
    notify: true
  - name: disabled-job
    cron: "0 0 * * *"
    prompt: "never runs"
    enabled: false
`)
	entries, err := LoadSchedules(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if !entries[0].IsEnabled() {
		t.Fatal("expected first entry enabled by default")
	}
	if entries[1].IsEnabled() {
		t.Fatal("expected second entry disabled")
	}
}

func TestLoadSchedulesMissingName(t *testing.T) {
	path := writeSchedule(t, `
schedules:
  - cron: "0 9 * * *"
    prompt: "hello"
`)
	if _, err := LoadSchedules(path); err == nil {
		t.Fatal("expected error for missing name")
	}
}

func TestLoadSchedulesMissingPrompt(t *testing.T) {
	path := writeSchedule(t, `
schedules:
  - name: job
    cron: "0 9 * * *"
`)
	if _, err := LoadSchedules(path); err == nil {
		t.Fatal("expected error for missing prompt")
	}
}

func TestLoadSchedulesInvalidCron(t *testing.T) {
	path := writeSchedule(t, `
schedules:
  - name: job
    cron: "not a cron expression"
    prompt: "hello"
`)
	if _, err := LoadSchedules(path); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

func TestLoadSchedulesPromptTooLong(t *testing.T) {
	long := make([]byte, maxPromptLen+1)
	for i := range long {
		long[i] = 'a'
	}
	path := writeSchedule(t, "schedules:\n  - name: job\n    cron: \"* * * * *\"\n    prompt: \""+string(long)+"\"\n")
	if _, err := LoadSchedules(path); err == nil {
		t.Fatal("expected error for an overlong prompt")
	}
}

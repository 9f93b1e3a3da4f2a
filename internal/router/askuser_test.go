package router

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestParseAskUserCallback(t *testing.T) {
	cases := []struct {
		data      string
		wantID    string
		wantIndex int
		wantOK    bool
	}{
		{"askuser:abc-123:0", "abc-123", 0, true},
		{"askuser:abc-123:2", "abc-123", 2, true},
		{"askuser::1", "", 0, false},
		{"askuser:abc-123", "", 0, false},
		{"askuser:abc-123:-1", "", 0, false},
		{"askuser:abc-123:x", "", 0, false},
		{"other:abc-123:0", "", 0, false},
	}
	for _, c := range cases {
		id, idx, ok := parseAskUserCallback(c.data)
		if ok != c.wantOK {
			t.Errorf("parseAskUserCallback(%q) ok=%v, want %v", c.data, ok, c.wantOK)
			continue
		}
		if !ok {
			continue
		}
		if id != c.wantID || idx != c.wantIndex {
			t.Errorf("parseAskUserCallback(%q) = (%q, %d), want (%q, %d)", c.data, id, idx, c.wantID, c.wantIndex)
		}
	}
}

func TestResolveAskUserOption(t *testing.T) {
	dir := t.TempDir()
	rec := askUserRecord{
		RequestID: "req-1",
		Question:  "proceed?",
		Options:   []string{"yes", "no"},
		Status:    "pending",
		ChatID:    float64(42),
		CreatedAt: "2026-08-01T00:00:00Z",
	}
	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	path := filepath.Join(dir, "ask-user-req-1.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	option, ok := resolveAskUserOption(dir, "req-1", 1)
	if !ok || option != "no" {
		t.Fatalf("resolveAskUserOption = (%q, %v), want (\"no\", true)", option, ok)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	var updated askUserRecord
	if err := json.Unmarshal(raw, &updated); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if updated.Status != "answered" {
		t.Fatalf("expected status answered, got %q", updated.Status)
	}
}

func TestResolveAskUserOptionOutOfRange(t *testing.T) {
	dir := t.TempDir()
	rec := askUserRecord{RequestID: "req-2", Options: []string{"only"}, Status: "pending"}
	data, _ := json.Marshal(rec)
	path := filepath.Join(dir, "ask-user-req-2.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, ok := resolveAskUserOption(dir, "req-2", 5); ok {
		t.Fatal("expected failure for out-of-range index")
	}
}

func TestResolveAskUserOptionMissingFile(t *testing.T) {
	dir := t.TempDir()
	if _, ok := resolveAskUserOption(dir, "missing", 0); ok {
		t.Fatal("expected failure for missing rendezvous file")
	}
}

package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/anatolykoptev/conduit/internal/assistant"
	"github.com/anatolykoptev/conduit/internal/messaging"
	"github.com/anatolykoptev/conduit/internal/safety"
	"github.com/anatolykoptev/conduit/internal/streaming"
)

type fakePort struct {
	nextID   int
	sent     []string
	keyboard [][]messaging.InlineButton
}

func (p *fakePort) Capabilities() messaging.Capabilities {
	return messaging.Capabilities{HTML: true, Edit: true, MaxMessageLen: 4096}
}
func (p *fakePort) SendHTML(ctx context.Context, chatID int64, html string) (messaging.MessageRef, error) {
	p.nextID++
	p.sent = append(p.sent, html)
	return messaging.MessageRef{ChatID: chatID, MessageID: p.nextID}, nil
}
func (p *fakePort) EditHTML(ctx context.Context, ref messaging.MessageRef, html string) error {
	return nil
}
func (p *fakePort) DeleteMessage(ctx context.Context, ref messaging.MessageRef) error { return nil }
func (p *fakePort) SendChatAction(ctx context.Context, chatID int64, action string) error {
	return nil
}
func (p *fakePort) SetReaction(ctx context.Context, ref messaging.MessageRef, emoji string) error {
	return nil
}
func (p *fakePort) SendInlineKeyboard(ctx context.Context, chatID int64, text string, rows [][]messaging.InlineButton) (messaging.MessageRef, error) {
	p.nextID++
	p.keyboard = rows
	p.sent = append(p.sent, text)
	return messaging.MessageRef{ChatID: chatID, MessageID: p.nextID}, nil
}
func (p *fakePort) AnswerCallbackQuery(ctx context.Context, callbackID, text string) error {
	return nil
}

type fakeCanceler struct {
	calls int
}

func (f *fakeCanceler) Cancel() error {
	f.calls++
	return nil
}

func newTestPipeline(t *testing.T, tempDir string) (*Pipeline, *fakePort, *fakeCanceler) {
	t.Helper()
	port := &fakePort{}
	cancel := &fakeCanceler{}
	stream := streaming.New(1, port, streaming.Options{SafeLimit: 4000, MessageLimit: 4096, StreamingThrottle: 500 * time.Millisecond})
	deps := Deps{
		ChatID:       1,
		WorkingDir:   "/work",
		Messenger:    port,
		Stream:       stream,
		Cancel:       cancel,
		Paths:        safety.NewPathPolicy([]string{"/work"}, nil, "", ""),
		ButtonMaxLen: 64,
		AskUserDir:   tempDir,
	}
	return New(deps, 500*time.Millisecond), port, cancel
}

func assistantEvent(kind assistant.EventKind, raw map[string]any) assistant.Event {
	return assistant.Event{Kind: kind, Raw: raw}
}

func TestHandleEvent_ResultCapturesTextAndUsage(t *testing.T) {
	p, _, _ := newTestPipeline(t, t.TempDir())

	ev := assistantEvent(assistant.EventResult, map[string]any{
		"type":   "result",
		"result": "final answer",
		"usage": map[string]any{
			"input_tokens":  float64(10),
			"output_tokens": float64(5),
		},
	})
	if err := p.HandleEvent(context.Background(), ev); err != nil {
		t.Fatal(err)
	}

	out := p.Finish(context.Background())
	if out.Text != "final answer" {
		t.Errorf("got text %q", out.Text)
	}
	if !out.HasUsage || out.Usage.InputTokens != 10 {
		t.Errorf("got usage %+v", out.Usage)
	}
}

func TestHandleEvent_TextSnapshotPrefixExtend(t *testing.T) {
	p, port, _ := newTestPipeline(t, t.TempDir())
	ctx := context.Background()

	first := assistantEvent(assistant.EventAssistant, map[string]any{
		"type": "assistant",
		"message": map[string]any{
			"content": []any{map[string]any{"type": "text", "text": "hello there, this is enough text"}},
		},
	})
	if err := p.HandleEvent(ctx, first); err != nil {
		t.Fatal(err)
	}
	sentAfterFirst := len(port.sent)

	second := assistantEvent(assistant.EventAssistant, map[string]any{
		"type": "assistant",
		"message": map[string]any{
			"content": []any{map[string]any{"type": "text", "text": "hello there, this is enough text and more"}},
		},
	})
	if err := p.HandleEvent(ctx, second); err != nil {
		t.Fatal(err)
	}

	if p.currentSegmentText != "hello there, this is enough text and more" {
		t.Errorf("expected extended segment text, got %q", p.currentSegmentText)
	}
	if len(port.sent) < sentAfterFirst {
		t.Error("expected no regression in sent messages")
	}
}

func TestHandleEvent_TextSnapshotNonPrefixFallback(t *testing.T) {
	p, _, _ := newTestPipeline(t, t.TempDir())
	ctx := context.Background()

	p.handleTextSnapshot(ctx, "abcdefghijklmnopqrst")
	if p.lastSnapshotText != "abcdefghijklmnopqrst" {
		t.Fatalf("unexpected snapshot state %q", p.lastSnapshotText)
	}

	p.handleTextSnapshot(ctx, "completely different content now")

	if p.lastSnapshotText != p.currentSegmentText {
		t.Errorf("expected lastSnapshotText to reset to rendered segment text, got %q vs %q", p.lastSnapshotText, p.currentSegmentText)
	}
}

func TestHandleToolUse_BashBlockedCommandCancelsAndErrors(t *testing.T) {
	p, _, cancel := newTestPipeline(t, t.TempDir())
	p.deps.BlockedCmds = []string{"rm -rf /"}

	block := map[string]any{
		"type": "tool_use",
		"name": "Bash",
		"input": map[string]any{
			"command": "rm -rf / --no-preserve-root",
		},
	}
	err := p.handleToolUse(context.Background(), block)
	if err == nil {
		t.Fatal("expected a security error")
	}
	if _, ok := err.(*SecurityError); !ok {
		t.Errorf("expected *SecurityError, got %T", err)
	}
	if cancel.calls != 1 {
		t.Errorf("expected cancel to be called once, got %d", cancel.calls)
	}
}

func TestHandleToolUse_ReadOutsideAllowedPathBlocked(t *testing.T) {
	p, _, cancel := newTestPipeline(t, t.TempDir())

	block := map[string]any{
		"type": "tool_use",
		"name": "Read",
		"input": map[string]any{
			"file_path": "/etc/passwd",
		},
	}
	err := p.handleToolUse(context.Background(), block)
	if err == nil {
		t.Fatal("expected a security error")
	}
	if cancel.calls != 1 {
		t.Errorf("expected cancel once, got %d", cancel.calls)
	}
}

func TestHandleToolUse_ReadUnderClaudeDirExempt(t *testing.T) {
	p, _, cancel := newTestPipeline(t, t.TempDir())

	block := map[string]any{
		"type": "tool_use",
		"name": "Read",
		"input": map[string]any{
			"file_path": "/home/user/.claude/notes.json",
		},
	}
	if err := p.handleToolUse(context.Background(), block); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cancel.calls != 0 {
		t.Errorf("expected no cancellation, got %d calls", cancel.calls)
	}
}

func TestHandleToolUse_NonAskUserToolRendersStatus(t *testing.T) {
	p, port, _ := newTestPipeline(t, t.TempDir())

	block := map[string]any{
		"type": "tool_use",
		"name": "Glob",
		"input": map[string]any{
			"pattern": "**/*.go",
		},
	}
	if err := p.handleToolUse(context.Background(), block); err != nil {
		t.Fatal(err)
	}
	found := false
	for _, s := range port.sent {
		if s != "" {
			found = true
		}
	}
	if !found {
		t.Error("expected a tool status line to be sent")
	}
}

func TestHandleToolUse_AskUserTriggersRendezvous(t *testing.T) {
	dir := t.TempDir()
	p, port, cancel := newTestPipeline(t, dir)

	reqPath := filepath.Join(dir, "ask-user-abc.json")
	req := askUserFile{
		RequestID: "abc",
		ChatID:    float64(1),
		Question:  "Which one?",
		Options:   []string{"A", "B"},
		Status:    "pending",
	}
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(reqPath, data, 0o644); err != nil {
		t.Fatal(err)
	}

	block := map[string]any{
		"type": "tool_use",
		"name": "mcp__ask-user__ask",
		"input": map[string]any{},
	}
	if err := p.handleToolUse(context.Background(), block); err != nil {
		t.Fatal(err)
	}

	if !p.askUserTriggered {
		t.Error("expected askUserTriggered to be set")
	}
	if !p.askUserButtonsSent {
		t.Error("expected askUserButtonsSent to be set once the request file is found")
	}
	if cancel.calls != 1 {
		t.Errorf("expected cancel once, got %d", cancel.calls)
	}
	if len(port.keyboard) != 2 {
		t.Errorf("expected one row per option, got %d", len(port.keyboard))
	}

	updated, err := os.ReadFile(reqPath)
	if err != nil {
		t.Fatal(err)
	}
	var after askUserFile
	if err := json.Unmarshal(updated, &after); err != nil {
		t.Fatal(err)
	}
	if after.Status != "sent" {
		t.Errorf("expected status rewritten to sent, got %q", after.Status)
	}
}

func TestFinish_AskUserWaitingNoRequestFileYet(t *testing.T) {
	p, _, _ := newTestPipeline(t, t.TempDir())
	p.askUserTriggered = true

	out := p.Finish(context.Background())
	if !out.WaitingForUser {
		t.Error("expected WaitingForUser true")
	}
	if out.Text != "[Waiting for user selection (no request file found yet)]" {
		t.Errorf("got %q", out.Text)
	}
}

func TestFinish_NoResponseFallback(t *testing.T) {
	p, _, _ := newTestPipeline(t, t.TempDir())
	out := p.Finish(context.Background())
	if out.Text != "No response from Claude." {
		t.Errorf("got %q", out.Text)
	}
}

func TestChatIDMatches(t *testing.T) {
	if !chatIDMatches(float64(42), 42) {
		t.Error("expected numeric match")
	}
	if !chatIDMatches("42", 42) {
		t.Error("expected string-coerced match")
	}
	if chatIDMatches("not-a-number", 42) {
		t.Error("expected no match for non-numeric string")
	}
}

package streaming

import (
	"context"
	"testing"
	"time"

	"github.com/anatolykoptev/conduit/internal/messaging"
)

type recordingPort struct {
	sent     []string
	edited   []string
	deleted  int
	reacted  []string
	nextID   int
}

func (p *recordingPort) Capabilities() messaging.Capabilities {
	return messaging.Capabilities{HTML: true, Edit: true, MaxMessageLen: 4096}
}
func (p *recordingPort) SendHTML(ctx context.Context, chatID int64, html string) (messaging.MessageRef, error) {
	p.nextID++
	p.sent = append(p.sent, html)
	return messaging.MessageRef{ChatID: chatID, MessageID: p.nextID}, nil
}
func (p *recordingPort) EditHTML(ctx context.Context, ref messaging.MessageRef, html string) error {
	p.edited = append(p.edited, html)
	return nil
}
func (p *recordingPort) DeleteMessage(ctx context.Context, ref messaging.MessageRef) error {
	p.deleted++
	return nil
}
func (p *recordingPort) SendChatAction(ctx context.Context, chatID int64, action string) error {
	return nil
}
func (p *recordingPort) SetReaction(ctx context.Context, ref messaging.MessageRef, emoji string) error {
	p.reacted = append(p.reacted, emoji)
	return nil
}
func (p *recordingPort) SendInlineKeyboard(ctx context.Context, chatID int64, text string, rows [][]messaging.InlineButton) (messaging.MessageRef, error) {
	return messaging.MessageRef{}, nil
}
func (p *recordingPort) AnswerCallbackQuery(ctx context.Context, callbackID, text string) error {
	return nil
}

func defaultOpts() Options {
	return Options{SafeLimit: 4000, MessageLimit: 4096, StreamingThrottle: 500 * time.Millisecond}
}

func TestOnStatus_FirstEventCreatesProgress(t *testing.T) {
	port := &recordingPort{}
	s := New(1, port, defaultOpts())

	if err := s.OnStatus(context.Background(), Thinking, "pondering", 0); err != nil {
		t.Fatal(err)
	}
	if len(port.sent) < 2 {
		t.Fatalf("expected a progress message plus a thinking message, got %v", port.sent)
	}
}

func TestOnStatus_TextNewSegmentSendsOnce(t *testing.T) {
	port := &recordingPort{}
	s := New(1, port, defaultOpts())

	now := time.Now()
	s.onStatusAt(context.Background(), Text, "hello world", 0, now)

	if _, ok := s.textMessages[0]; !ok {
		t.Fatal("expected segment 0 to be registered")
	}
}

func TestOnStatus_TextThrottlesRapidEdits(t *testing.T) {
	port := &recordingPort{}
	s := New(1, port, defaultOpts())

	now := time.Now()
	s.onStatusAt(context.Background(), Text, "hello", 0, now)
	sentBefore := len(port.sent)

	s.onStatusAt(context.Background(), Text, "hello world", 0, now.Add(10*time.Millisecond))
	if len(port.edited) != 0 {
		t.Errorf("expected throttle to drop the edit, got %d edits", len(port.edited))
	}
	if len(port.sent) != sentBefore {
		t.Errorf("expected no additional send during throttle window")
	}
}

func TestOnStatus_TextEditsAfterThrottleWindow(t *testing.T) {
	port := &recordingPort{}
	s := New(1, port, defaultOpts())

	now := time.Now()
	s.onStatusAt(context.Background(), Text, "hello", 0, now)
	s.onStatusAt(context.Background(), Text, "hello world", 0, now.Add(600*time.Millisecond))

	if len(port.edited) != 1 {
		t.Errorf("expected one edit after throttle window elapsed, got %d", len(port.edited))
	}
}

func TestOnStatus_TextIdempotentRenderSkipsEdit(t *testing.T) {
	port := &recordingPort{}
	s := New(1, port, defaultOpts())

	now := time.Now()
	s.onStatusAt(context.Background(), Text, "same", 0, now)
	s.onStatusAt(context.Background(), Text, "same", 0, now.Add(600*time.Millisecond))

	if len(port.edited) != 0 {
		t.Errorf("expected identical content to produce no edit, got %d", len(port.edited))
	}
}

func TestOnStatus_SegmentEndOverLimitSplitsIntoChunks(t *testing.T) {
	port := &recordingPort{}
	opts := defaultOpts()
	opts.MessageLimit = 10
	opts.SafeLimit = 5
	s := New(1, port, opts)

	now := time.Now()
	s.onStatusAt(context.Background(), Text, "short", 0, now)
	sentBefore := len(port.sent)

	long := "this is definitely longer than ten characters"
	s.onStatusAt(context.Background(), SegmentEnd, long, 0, now)

	if port.deleted == 0 {
		t.Error("expected the oversized segment message to be deleted")
	}
	if len(port.sent) <= sentBefore {
		t.Error("expected replacement chunks to be sent")
	}
}

func TestOnStatus_DoneSetsReactionOnHighestSegment(t *testing.T) {
	port := &recordingPort{}
	s := New(1, port, defaultOpts())

	now := time.Now()
	s.onStatusAt(context.Background(), Text, "seg0", 0, now)
	s.onStatusAt(context.Background(), Text, "seg1", 1, now)
	s.onStatusAt(context.Background(), Done, "", 0, now)

	if len(port.reacted) != 1 {
		t.Fatalf("expected exactly one reaction, got %d", len(port.reacted))
	}
}

func TestOnStatus_DoneDeletesThinkingAndToolWhenConfigured(t *testing.T) {
	port := &recordingPort{}
	opts := defaultOpts()
	opts.DeleteThinkingMessages = true
	opts.DeleteToolMessages = true
	s := New(1, port, opts)

	now := time.Now()
	s.onStatusAt(context.Background(), Thinking, "pondering", 0, now)
	s.onStatusAt(context.Background(), Tool, "🔧 running", 0, now)
	deletedBefore := port.deleted
	s.onStatusAt(context.Background(), Done, "", 0, now)

	if port.deleted <= deletedBefore {
		t.Error("expected thinking and tool messages to be deleted on done")
	}
}

func TestTickProgress_NoopBeforeFirstEvent(t *testing.T) {
	port := &recordingPort{}
	s := New(1, port, defaultOpts())
	s.TickProgress(context.Background())
	if len(port.edited) != 0 {
		t.Error("expected no edit before any event has started the turn")
	}
}

func TestFormatElapsed(t *testing.T) {
	if got := formatElapsed(time.Now().Add(-65 * time.Second)); got != "1:05" {
		t.Errorf("got %q", got)
	}
}

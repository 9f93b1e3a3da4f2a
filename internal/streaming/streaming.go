// Package streaming turns a stream of per-turn events into a minimal,
// well-paced sequence of outbound messaging operations: new messages for
// new segments, throttled in-place edits for ongoing ones, and a
// continuously updated progress spinner.
package streaming

import (
	"context"
	"fmt"
	"time"

	"github.com/anatolykoptev/conduit/internal/format"
	"github.com/anatolykoptev/conduit/internal/messaging"
)

// spinnerFrames are the ten-frame Braille spinner used while a turn is in
// flight, matching the cadence of the original implementation's progress
// indicator.
var spinnerFrames = [...]string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Kind is one of the five status events the pipeline emits per turn.
type Kind int

const (
	Thinking Kind = iota
	Tool
	Text
	SegmentEnd
	Done
)

// Options configures throttling and cleanup behavior; set from
// Configuration at session start.
type Options struct {
	SafeLimit              int
	MessageLimit           int
	StreamingThrottle      time.Duration
	DeleteThinkingMessages bool
	DeleteToolMessages     bool
}

// State is one turn's worth of streaming UI bookkeeping. Not safe for
// concurrent use; the event pipeline drives it from a single goroutine.
type State struct {
	chatID int64
	port   messaging.Port
	opts   Options

	textMessages   map[int]messaging.MessageRef
	lastEditTimes  map[int]time.Time
	lastContent    map[int]string
	thinkingMsgs   []messaging.MessageRef
	toolMsgs       []messaging.MessageRef

	progressMsg *messaging.MessageRef
	startedAt   time.Time
	startWall   time.Time
	frameIndex  int
}

// New creates streaming state for a single turn in chatID.
func New(chatID int64, port messaging.Port, opts Options) *State {
	return &State{
		chatID:        chatID,
		port:          port,
		opts:          opts,
		textMessages:  make(map[int]messaging.MessageRef),
		lastEditTimes: make(map[int]time.Time),
		lastContent:   make(map[int]string),
	}
}

// OnStatus dispatches a single status event. Errors from the underlying
// port are swallowed for all but the very first send of a message the
// caller would otherwise have no handle to, matching the original's
// best-effort treatment of streaming cosmetics.
func (s *State) OnStatus(ctx context.Context, kind Kind, content string, segmentID int) error {
	return s.onStatusAt(ctx, kind, content, segmentID, time.Now())
}

func (s *State) onStatusAt(ctx context.Context, kind Kind, content string, segmentID int, now time.Time) error {
	if s.startedAt.IsZero() {
		s.startedAt = now
		s.startWall = time.Now()
		s.recreateProgress(ctx)
	}

	switch kind {
	case Thinking:
		preview := truncate(content, 500)
		html := fmt.Sprintf("🧠 <i>%s</i>", format.EscapeHTML(preview))
		msg, err := s.port.SendHTML(ctx, s.chatID, html)
		if err != nil {
			return err
		}
		s.thinkingMsgs = append(s.thinkingMsgs, msg)
		s.recreateProgress(ctx)
	case Tool:
		msg, err := s.port.SendHTML(ctx, s.chatID, content)
		if err != nil {
			return err
		}
		s.toolMsgs = append(s.toolMsgs, msg)
		s.recreateProgress(ctx)
	case Text:
		s.handleTextStream(ctx, segmentID, content, now)
	case SegmentEnd:
		s.handleSegmentEnd(ctx, segmentID, content)
	case Done:
		s.handleDone(ctx)
	}
	return nil
}

func (s *State) handleTextStream(ctx context.Context, segmentID int, content string, now time.Time) {
	ref, exists := s.textMessages[segmentID]
	if !exists {
		display := truncate(content, s.opts.SafeLimit)
		html := format.MarkdownToHTML(display)
		msg, err := s.port.SendHTML(ctx, s.chatID, html)
		if err != nil {
			return
		}
		s.textMessages[segmentID] = msg
		s.lastContent[segmentID] = html
		s.lastEditTimes[segmentID] = now
		s.recreateProgress(ctx)
		return
	}

	if last, ok := s.lastEditTimes[segmentID]; ok {
		if now.Sub(last) <= s.opts.StreamingThrottle {
			return
		}
	}

	display := truncate(content, s.opts.SafeLimit)
	html := format.MarkdownToHTML(display)
	if s.lastContent[segmentID] == html {
		return
	}

	_ = s.port.EditHTML(ctx, ref, html)
	s.lastContent[segmentID] = html
	s.lastEditTimes[segmentID] = now
}

func (s *State) handleSegmentEnd(ctx context.Context, segmentID int, content string) {
	if content == "" {
		return
	}

	ref, exists := s.textMessages[segmentID]
	if !exists {
		html := format.MarkdownToHTML(content)
		msg, err := s.port.SendHTML(ctx, s.chatID, html)
		if err != nil {
			return
		}
		s.textMessages[segmentID] = msg
		s.recreateProgress(ctx)
		return
	}

	html := format.MarkdownToHTML(content)
	if s.lastContent[segmentID] == html {
		return
	}

	if len(html) <= s.opts.MessageLimit {
		_ = s.port.EditHTML(ctx, ref, html)
		s.lastContent[segmentID] = html
		return
	}

	// Too long for a single message: delete and re-send as independently
	// converted chunks, so each chunk's HTML is well-formed on its own.
	_ = s.port.DeleteMessage(ctx, ref)
	delete(s.textMessages, segmentID)
	delete(s.lastContent, segmentID)
	delete(s.lastEditTimes, segmentID)

	for _, chunk := range format.SplitMessage(content, s.opts.SafeLimit) {
		chunkHTML := format.MarkdownToHTML(chunk)
		_, _ = s.port.SendHTML(ctx, s.chatID, chunkHTML)
	}
	s.recreateProgress(ctx)
}

func (s *State) handleDone(ctx context.Context) {
	if s.progressMsg != nil {
		duration := formatElapsed(s.startedAt)
		startStr := s.startWall.Format("15:04:05")
		endStr := time.Now().Format("15:04:05")
		completion := fmt.Sprintf("✅ Completed\n⏰ %s → %s (%s)", startStr, endStr, duration)
		_ = s.port.EditHTML(ctx, *s.progressMsg, completion)
	}

	if s.opts.DeleteThinkingMessages {
		for _, m := range s.thinkingMsgs {
			_ = s.port.DeleteMessage(ctx, m)
		}
	}
	if s.opts.DeleteToolMessages {
		for _, m := range s.toolMsgs {
			_ = s.port.DeleteMessage(ctx, m)
		}
	}

	if ref, ok := s.highestSegmentMessage(); ok {
		_ = s.port.SetReaction(ctx, ref, "👍")
	}
}

func (s *State) highestSegmentMessage() (messaging.MessageRef, bool) {
	best := -1
	var ref messaging.MessageRef
	for id, m := range s.textMessages {
		if id > best {
			best = id
			ref = m
		}
	}
	return ref, best >= 0
}

func (s *State) recreateProgress(ctx context.Context) {
	if s.startedAt.IsZero() {
		return
	}
	if s.progressMsg != nil {
		_ = s.port.DeleteMessage(ctx, *s.progressMsg)
	}
	text := s.spinnerText()
	msg, err := s.port.SendHTML(ctx, s.chatID, text)
	if err != nil {
		s.progressMsg = nil
		return
	}
	s.progressMsg = &msg
}

// TickProgress advances the spinner frame and edits the progress message
// in place. Intended to be called from a ~1 Hz interval timer; edit
// failures are swallowed since a skipped tick has no lasting effect.
func (s *State) TickProgress(ctx context.Context) {
	if s.startedAt.IsZero() || s.progressMsg == nil {
		return
	}
	s.frameIndex++
	_ = s.port.EditHTML(ctx, *s.progressMsg, s.spinnerText())
}

func (s *State) spinnerText() string {
	frame := spinnerFrames[s.frameIndex%len(spinnerFrames)]
	return fmt.Sprintf("%s Working... (%s)", frame, formatElapsed(s.startedAt))
}

func formatElapsed(start time.Time) string {
	elapsed := time.Since(start)
	minutes := int(elapsed.Minutes())
	seconds := int(elapsed.Seconds()) % 60
	return fmt.Sprintf("%d:%02d", minutes, seconds)
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}

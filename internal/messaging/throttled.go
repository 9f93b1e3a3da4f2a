package messaging

import (
	"context"
	"sync"
	"time"
)

// DefaultGlobalInterval and DefaultPerChatInterval are the pacing floors
// the chat transport's own rate limits are built around: roughly 25
// messages/sec globally, and under one message/sec to any single chat.
const (
	DefaultGlobalInterval = 40 * time.Millisecond
	DefaultPerChatInterval = 1050 * time.Millisecond
)

// intervalLimiter enforces a minimum gap between successive reservations.
// Unlike a token bucket it never accumulates credit: a caller that goes
// idle for a while gets no burst allowance when it returns.
type intervalLimiter struct {
	mu       sync.Mutex
	interval time.Duration
	last     map[int64]time.Time // keyed by 0 for a global (unkeyed) limiter
	now      func() time.Time
}

func newIntervalLimiter(interval time.Duration) *intervalLimiter {
	return &intervalLimiter{
		interval: interval,
		last:     make(map[int64]time.Time),
		now:      time.Now,
	}
}

// reserve returns how long the caller must wait before it may proceed for
// key (use 0 for a global, unkeyed limiter), and records that the
// reservation was taken immediately — so back-to-back calls queue up
// rather than all reporting a zero wait.
func (l *intervalLimiter) reserve(key int64) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	next := now
	if last, ok := l.last[key]; ok {
		earliest := last.Add(l.interval)
		if earliest.After(next) {
			next = earliest
		}
	}
	l.last[key] = next
	if next.After(now) {
		return next.Sub(now)
	}
	return 0
}

// Throttled decorates a Port with a global pacing limiter and a per-chat
// pacing limiter, so a burst of streaming edits across many chats cannot
// exceed the transport's own rate limits. AnswerCallbackQuery is paced by
// the global limiter only, since it has no natural chat-scoped cost.
type Throttled struct {
	inner    Port
	global   *intervalLimiter
	perChat  *intervalLimiter
}

// NewThrottled wraps inner with the given global and per-chat pacing
// intervals. A zero interval disables that limiter.
func NewThrottled(inner Port, globalInterval, perChatInterval time.Duration) *Throttled {
	return &Throttled{
		inner:   inner,
		global:  newIntervalLimiter(globalInterval),
		perChat: newIntervalLimiter(perChatInterval),
	}
}

func (t *Throttled) wait(ctx context.Context, chatID int64, chatScoped bool) error {
	wait := t.global.reserve(0)
	if chatScoped {
		if w := t.perChat.reserve(chatID); w > wait {
			wait = w
		}
	}
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (t *Throttled) Capabilities() Capabilities { return t.inner.Capabilities() }

func (t *Throttled) SendHTML(ctx context.Context, chatID int64, html string) (MessageRef, error) {
	if err := t.wait(ctx, chatID, true); err != nil {
		return MessageRef{}, err
	}
	return t.inner.SendHTML(ctx, chatID, html)
}

func (t *Throttled) EditHTML(ctx context.Context, ref MessageRef, html string) error {
	if err := t.wait(ctx, ref.ChatID, true); err != nil {
		return err
	}
	return t.inner.EditHTML(ctx, ref, html)
}

func (t *Throttled) DeleteMessage(ctx context.Context, ref MessageRef) error {
	if err := t.wait(ctx, ref.ChatID, true); err != nil {
		return err
	}
	return t.inner.DeleteMessage(ctx, ref)
}

func (t *Throttled) SendChatAction(ctx context.Context, chatID int64, action string) error {
	if err := t.wait(ctx, chatID, true); err != nil {
		return err
	}
	return t.inner.SendChatAction(ctx, chatID, action)
}

func (t *Throttled) SetReaction(ctx context.Context, ref MessageRef, emoji string) error {
	if err := t.wait(ctx, ref.ChatID, true); err != nil {
		return err
	}
	return t.inner.SetReaction(ctx, ref, emoji)
}

func (t *Throttled) SendInlineKeyboard(ctx context.Context, chatID int64, text string, rows [][]InlineButton) (MessageRef, error) {
	if err := t.wait(ctx, chatID, true); err != nil {
		return MessageRef{}, err
	}
	return t.inner.SendInlineKeyboard(ctx, chatID, text, rows)
}

func (t *Throttled) AnswerCallbackQuery(ctx context.Context, callbackID, text string) error {
	if err := t.wait(ctx, 0, false); err != nil {
		return err
	}
	return t.inner.AnswerCallbackQuery(ctx, callbackID, text)
}

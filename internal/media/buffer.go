// Package media coalesces Telegram media-group uploads (albums) that
// arrive as several independent updates sharing one group id into a single
// buffered batch, processed once no further items arrive within a timeout
// window.
package media

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/anatolykoptev/conduit/internal/messaging"
	"github.com/anatolykoptev/conduit/internal/safety"
)

// Item is one buffered upload: a downloaded file plus its own caption, if
// any.
type Item struct {
	FilePath string
	Caption  string
}

// Processor handles one fully-buffered group: the caption is the first
// non-empty caption seen across the group's items.
type Processor func(ctx context.Context, chatID int64, items []Item, caption string) error

type group struct {
	chatID    int64
	items     []Item
	caption   string
	statusRef messaging.MessageRef
	timer     *time.Timer
}

// Buffer holds in-flight media groups keyed by Telegram's media_group_id.
type Buffer struct {
	timeout   time.Duration
	limiter   *safety.RateLimiter
	messenger messaging.Port
	process   Processor

	mu     sync.Mutex
	groups map[string]*group

	lockMu sync.Mutex
	locks  map[int64]*sync.Mutex
}

// NewBuffer builds a Buffer that fires groups after timeout of silence,
// rate-limiting first arrivals via limiter.
func NewBuffer(timeout time.Duration, limiter *safety.RateLimiter, messenger messaging.Port, process Processor) *Buffer {
	return &Buffer{
		timeout:   timeout,
		limiter:   limiter,
		messenger: messenger,
		process:   process,
		groups:    make(map[string]*group),
		locks:     make(map[int64]*sync.Mutex),
	}
}

// Add appends item to groupID's buffer, creating it (with a rate-limit
// check and a status message) on first arrival, or refreshing the timer on
// later ones. A denied rate-limit check on first arrival drops the item
// silently: the caller's own rate-limit UX owns user-facing denial text.
func (b *Buffer) Add(ctx context.Context, chatID, userID int64, groupID string, item Item) {
	b.mu.Lock()
	defer b.mu.Unlock()

	g, exists := b.groups[groupID]
	if !exists {
		if !b.limiter.Check(userID).Allowed {
			return
		}
		statusRef, _ := b.messenger.SendHTML(ctx, chatID, "📷 Receiving photos...")
		g = &group{chatID: chatID, items: []Item{item}, caption: item.Caption, statusRef: statusRef}
		b.groups[groupID] = g
		g.timer = time.AfterFunc(b.timeout, func() { b.fire(groupID) })
		return
	}

	g.items = append(g.items, item)
	if g.caption == "" {
		g.caption = item.Caption
	}
	g.timer.Reset(b.timeout)
}

func (b *Buffer) fire(groupID string) {
	b.mu.Lock()
	g, ok := b.groups[groupID]
	if ok {
		delete(b.groups, groupID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	ctx := context.Background()
	_ = b.messenger.EditHTML(ctx, g.statusRef, fmt.Sprintf("📷 Processing %d photos...", len(g.items)))

	unlock := b.lockChat(g.chatID)
	defer unlock()

	_ = b.process(ctx, g.chatID, g.items, g.caption)
	_ = b.messenger.DeleteMessage(ctx, g.statusRef)
}

// lockChat returns an unlock function for chatID's serialization lock,
// fetching or creating the per-chat mutex under a short-held map lock.
func (b *Buffer) lockChat(chatID int64) func() {
	b.lockMu.Lock()
	m, ok := b.locks[chatID]
	if !ok {
		m = &sync.Mutex{}
		b.locks[chatID] = m
	}
	b.lockMu.Unlock()

	m.Lock()
	return m.Unlock
}

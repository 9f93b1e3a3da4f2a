package main

import (
	"context"
	"strconv"

	"github.com/anatolykoptev/conduit/internal/cron"
	"github.com/anatolykoptev/conduit/internal/messaging"
	"github.com/anatolykoptev/conduit/internal/pipeline"
	"github.com/anatolykoptev/conduit/internal/router"
	"github.com/anatolykoptev/conduit/internal/session"
)

// cronRunner satisfies cron.PromptRunner by routing every scheduled
// prompt through the same per-chat orchestrator the router uses for that
// chat, via the shared session.Manager — a scheduled job and a live chat
// turn for the same chat id never run concurrently. notifyChatID mirrors
// the scheduler's own notification target, so IsRunning checks the
// orchestrator a scheduled run would actually use.
type cronRunner struct {
	manager      *session.Manager
	newSession   func(chatID int64) *session.Orchestrator
	notifyChatID func() int64
}

func (c *cronRunner) orchestratorFor(chatID int64) *session.Orchestrator {
	key := strconv.FormatInt(chatID, 10)
	return c.manager.GetOrCreate(key, func() *session.Orchestrator { return c.newSession(chatID) })
}

func (c *cronRunner) IsRunning() bool {
	chatID := c.notifyChatID()
	if chatID == 0 {
		return false
	}
	return c.orchestratorFor(chatID).IsRunning()
}

func (c *cronRunner) SendMessageToChat(ctx context.Context, chatID int64, prompt string, messenger messaging.Port) (pipeline.Output, error) {
	return c.orchestratorFor(chatID).SendMessageToChat(ctx, chatID, prompt, messenger)
}

// cronAdapter narrows cron.Scheduler to the router.CronControl interface,
// translating cron.JobStatus to router.JobStatus so internal/router never
// needs to import internal/cron (which itself imports internal/pipeline
// and internal/messaging, not cron — the narrowing exists purely to keep
// the router package's dependency set minimal and direction-stable).
type cronAdapter struct {
	scheduler *cron.Scheduler
}

func (a *cronAdapter) Start(ctx context.Context) (int, error) {
	return a.scheduler.Start(ctx)
}

func (a *cronAdapter) Status() ([]router.JobStatus, int) {
	jobs, queued := a.scheduler.Status()
	out := make([]router.JobStatus, len(jobs))
	for i, j := range jobs {
		out[i] = router.JobStatus{Name: j.Name, NextFire: j.NextFire}
	}
	return out, queued
}

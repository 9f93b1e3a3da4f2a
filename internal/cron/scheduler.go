package cron

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/anatolykoptev/conduit/internal/format"
	"github.com/anatolykoptev/conduit/internal/messaging"
	"github.com/anatolykoptev/conduit/internal/pipeline"
)

const (
	maxExecutionsPerHour = 60
	maxQueueLen          = 100
	notifySnippetLen     = 3500
	watchInterval        = 2 * time.Second
	watchDebounce        = 100 * time.Millisecond
)

// PromptRunner is the subset of the session orchestrator the scheduler
// drives scheduled prompts through.
type PromptRunner interface {
	IsRunning() bool
	SendMessageToChat(ctx context.Context, chatID int64, prompt string, messenger messaging.Port) (pipeline.Output, error)
}

// Scheduler owns the cron runtime: one goroutine per enabled schedule, a
// file-change watcher, a single-flight execution lock, and a bounded
// pending queue for jobs that arrive while the session or the lock is busy.
type Scheduler struct {
	path         string
	orchestrator PromptRunner
	messenger    messaging.Port
	notifyChatID func() int64

	mu          sync.Mutex
	entries     []Entry
	jobCancel   context.CancelFunc
	watchCancel context.CancelFunc

	execMu    sync.Mutex
	executing bool
	execTimes []time.Time
	queue     []Entry
}

// New builds a Scheduler reading schedules from path and running prompts
// through orchestrator, notifying via messenger. notifyChatID is called
// lazily each time a notification is due, so it can reflect a
// just-configured allowlist.
func New(path string, orchestrator PromptRunner, messenger messaging.Port, notifyChatID func() int64) *Scheduler {
	return &Scheduler{path: path, orchestrator: orchestrator, messenger: messenger, notifyChatID: notifyChatID}
}

// Start stops any previously running jobs, loads the schedule file, and
// spawns one loop per enabled entry. It returns the number of jobs started.
func (s *Scheduler) Start(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.jobCancel != nil {
		s.jobCancel()
		s.jobCancel = nil
	}
	s.mu.Unlock()

	entries, err := LoadSchedules(s.path)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.entries = entries
	jobCtx, cancel := context.WithCancel(ctx)
	s.jobCancel = cancel
	s.mu.Unlock()

	started := 0
	for _, entry := range entries {
		if !entry.IsEnabled() {
			continue
		}
		expr, err := Parse(entry.Cron)
		if err != nil {
			slog.Warn("cron: skipping schedule with bad expression", slog.String("name", entry.Name), slog.Any("error", err))
			continue
		}
		go s.runJob(jobCtx, entry, expr)
		started++
	}
	return started, nil
}

// Stop cancels every running job loop and the file watcher.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobCancel != nil {
		s.jobCancel()
		s.jobCancel = nil
	}
	if s.watchCancel != nil {
		s.watchCancel()
		s.watchCancel = nil
	}
}

func (s *Scheduler) runJob(ctx context.Context, entry Entry, expr *Expr) {
	for {
		next, ok := expr.NextAfter(time.Now())
		if !ok {
			slog.Warn("cron: no future fire time within lookahead window", slog.String("name", entry.Name))
			return
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.executeScheduledPrompt(ctx, entry)
		}
	}
}

// EnsureWatcher spawns a file-watcher goroutine that polls the schedule
// file's mtime every 2s, reloading on change, and drains one queued job per
// tick regardless of whether the file changed.
func (s *Scheduler) EnsureWatcher(ctx context.Context) {
	s.mu.Lock()
	if s.watchCancel != nil {
		s.mu.Unlock()
		return
	}
	watchCtx, cancel := context.WithCancel(ctx)
	s.watchCancel = cancel
	s.mu.Unlock()

	go func() {
		var lastMod time.Time
		if info, err := os.Stat(s.path); err == nil {
			lastMod = info.ModTime()
		}

		ticker := time.NewTicker(watchInterval)
		defer ticker.Stop()
		for {
			select {
			case <-watchCtx.Done():
				return
			case <-ticker.C:
				if info, err := os.Stat(s.path); err == nil && info.ModTime().After(lastMod) {
					lastMod = info.ModTime()
					time.Sleep(watchDebounce)
					if _, err := s.Start(ctx); err != nil {
						slog.Warn("cron: reload failed", slog.Any("error", err))
					}
				}
				s.processQueuedJobs(ctx)
			}
		}
	}()
}

func (s *Scheduler) executeScheduledPrompt(ctx context.Context, entry Entry) {
	if s.orchestrator.IsRunning() {
		s.enqueue(entry)
		return
	}

	s.execMu.Lock()
	if s.executing {
		s.execMu.Unlock()
		s.enqueue(entry)
		return
	}

	cutoff := time.Now().Add(-time.Hour)
	kept := s.execTimes[:0]
	for _, t := range s.execTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.execTimes = kept
	if len(s.execTimes) >= maxExecutionsPerHour {
		s.execMu.Unlock()
		slog.Warn("cron: hourly execution cap reached, skipping this tick", slog.String("name", entry.Name))
		return
	}
	s.execTimes = append(s.execTimes, time.Now())
	s.executing = true
	s.execMu.Unlock()

	defer func() {
		s.execMu.Lock()
		s.executing = false
		s.execMu.Unlock()
	}()

	chatID := s.notifyChatID()
	decorated := newCronMessenger(s.messenger)
	out, err := s.orchestrator.SendMessageToChat(ctx, chatID, entry.Prompt, decorated)

	if !entry.Notify || chatID == 0 {
		return
	}
	if err != nil {
		_, _ = s.messenger.SendHTML(ctx, chatID, format.EscapeHTML(fmt.Sprintf("Scheduled job %q failed: %s", entry.Name, truncateSnippet(err.Error()))))
		return
	}
	_, _ = s.messenger.SendHTML(ctx, chatID, format.EscapeHTML(fmt.Sprintf("Scheduled job %q completed:\n%s", entry.Name, truncateSnippet(out.Text))))
}

func (s *Scheduler) enqueue(entry Entry) {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	if len(s.queue) >= maxQueueLen {
		s.queue = s.queue[1:]
	}
	s.queue = append(s.queue, entry)
}

// processQueuedJobs pops and runs one queued job, provided the session is
// idle and the execution lock is free.
func (s *Scheduler) processQueuedJobs(ctx context.Context) {
	s.execMu.Lock()
	if len(s.queue) == 0 || s.executing || s.orchestrator.IsRunning() {
		s.execMu.Unlock()
		return
	}
	entry := s.queue[0]
	s.queue = s.queue[1:]
	s.execMu.Unlock()

	s.executeScheduledPrompt(ctx, entry)
}

// JobStatus is one scheduled job's current status line.
type JobStatus struct {
	Name     string
	NextFire string // "HH:MM", empty if unscheduled
}

// Status reports every configured job's next fire time and the pending
// queue length.
func (s *Scheduler) Status() ([]JobStatus, int) {
	s.mu.Lock()
	entries := append([]Entry(nil), s.entries...)
	s.mu.Unlock()

	statuses := make([]JobStatus, 0, len(entries))
	now := time.Now()
	for _, entry := range entries {
		st := JobStatus{Name: entry.Name}
		if entry.IsEnabled() {
			if expr, err := Parse(entry.Cron); err == nil {
				if next, ok := expr.NextAfter(now); ok {
					st.NextFire = next.Format("15:04")
				}
			}
		}
		statuses = append(statuses, st)
	}

	s.execMu.Lock()
	queueLen := len(s.queue)
	s.execMu.Unlock()

	return statuses, queueLen
}

func truncateSnippet(s string) string {
	if len(s) <= notifySnippetLen {
		return s
	}
	return s[:notifySnippetLen] + "…"
}

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/anatolykoptev/conduit/internal/assistant"
	"github.com/anatolykoptev/conduit/internal/messaging"
	"github.com/anatolykoptev/conduit/internal/pipeline"
	"github.com/anatolykoptev/conduit/internal/safety"
	"github.com/anatolykoptev/conduit/internal/streaming"
)

const providerName = "claude"

// Usage is the cumulative token accounting an Orchestrator tracks across
// every turn of its lifetime.
type Usage struct {
	InputTokens         uint64
	OutputTokens        uint64
	CacheReadTokens     uint64
	CacheCreationTokens uint64
}

func (u *Usage) add(turn assistant.Usage) {
	u.InputTokens += turn.InputTokens
	u.OutputTokens += turn.OutputTokens
	u.CacheReadTokens += turn.CacheReadTokens
	u.CacheCreationTokens += turn.CacheCreationTokens
}

// Orchestrator is the higher-level wrapper around the subprocess
// supervisor for a single chat: it maintains multi-turn session state
// (the current SessionRef, run flags, interrupt markers, and cumulative
// usage) and stitches the event pipeline and streaming UI state machine
// together around each turn.
type Orchestrator struct {
	cfg        Config
	supervisor *assistant.Supervisor
	store      *Store
	paths      *safety.PathPolicy

	mu                      sync.Mutex
	currentSessionID        string
	isRunning               bool
	stopRequested           bool
	interruptedByNewMessage bool
	lastMessage             string
	sessionStartTime        time.Time
	cumulative              Usage
	queryCount              int
	lastUsage               assistant.Usage
}

// NewOrchestrator constructs an Orchestrator for one chat's worth of
// session state.
func NewOrchestrator(cfg Config, store *Store) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		supervisor: assistant.NewSupervisor(),
		store:      store,
		paths:      safety.NewPathPolicy(cfg.AllowedPaths, cfg.TempPaths, "", cfg.WorkingDir),
	}
}

// Stop requests cancellation of the in-flight run, if any.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	running := o.isRunning
	if running {
		o.stopRequested = true
	}
	o.mu.Unlock()
	if running {
		_ = o.supervisor.Cancel()
	}
}

// MarkInterrupt records that the next turn's cancellation was caused by
// an incoming `!`-prefixed message, so the caller can suppress the
// ordinary "query stopped" notice.
func (o *Orchestrator) MarkInterrupt() {
	o.mu.Lock()
	o.interruptedByNewMessage = true
	o.mu.Unlock()
}

// ClearStopRequested clears the stop flag without consuming the
// interrupt marker, so a new run may proceed after a `!` stop.
func (o *Orchestrator) ClearStopRequested() {
	o.mu.Lock()
	o.stopRequested = false
	o.mu.Unlock()
}

// ConsumeInterruptFlag returns and clears the interrupt marker, also
// clearing the stop flag.
func (o *Orchestrator) ConsumeInterruptFlag() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	v := o.interruptedByNewMessage
	o.interruptedByNewMessage = false
	o.stopRequested = false
	return v
}

// IsRunning reports whether a turn is currently in flight.
func (o *Orchestrator) IsRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.isRunning
}

// Stats returns a snapshot of accumulated usage and query count.
func (o *Orchestrator) Stats() (Usage, int, time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cumulative, o.queryCount, o.sessionStartTime
}

// LastMessage returns the prompt text from the most recently started
// turn, or "" if none has run yet. Used by /retry.
func (o *Orchestrator) LastMessage() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastMessage
}

// SendMessageToChat runs a single turn of the conversation: it resolves
// prior session state, builds the run request, drives the subprocess
// supervisor and event pipeline concurrently via an unbounded event
// queue plus a 1 Hz progress ticker, and returns the turn's Output.
func (o *Orchestrator) SendMessageToChat(ctx context.Context, chatID int64, prompt string, messenger messaging.Port) (pipeline.Output, error) {
	o.mu.Lock()
	o.lastMessage = prompt
	o.mu.Unlock()

	queue := newEventQueue()
	stream := streaming.New(chatID, messenger, streaming.Options{
		SafeLimit:              o.cfg.SafeLimit,
		MessageLimit:           o.cfg.MessageLimit,
		StreamingThrottle:      o.cfg.StreamingThrottle,
		DeleteThinkingMessages: o.cfg.DeleteThinkingMessages,
		DeleteToolMessages:     o.cfg.DeleteToolMessages,
	})
	pl := pipeline.New(pipeline.Deps{
		ChatID:       chatID,
		WorkingDir:   o.cfg.WorkingDir,
		Messenger:    messenger,
		Stream:       stream,
		Cancel:       o.supervisor,
		Paths:        o.paths,
		BlockedCmds:  o.cfg.BlockedCommands,
		TempPaths:    o.cfg.TempPaths,
		ButtonMaxLen: o.cfg.ButtonMaxLen,
	}, o.cfg.StreamingThrottle)

	var consumerWG sync.WaitGroup
	var pipelineErr error
	consumerWG.Add(1)
	go func() {
		defer consumerWG.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case ev, ok := <-queue.out:
				if !ok {
					return
				}
				if pipelineErr != nil {
					continue
				}
				if err := pl.HandleEvent(ctx, ev); err != nil {
					slog.Warn("pipeline event handling failed", slog.Any("error", err))
					pipelineErr = err
				}
				if pl.AskUserTriggered() {
					return
				}
			case <-ticker.C:
				stream.TickProgress(ctx)
			}
		}
	}()

	_, runErr := o.sendMessageStreaming(ctx, chatID, prompt, queue)

	queue.closeQueue()
	consumerWG.Wait()

	out := pl.Finish(ctx)

	if out.SessionID != "" {
		o.mu.Lock()
		o.currentSessionID = out.SessionID
		o.mu.Unlock()
		if err := o.store.Save(NewRecord(providerName, out.SessionID, o.cfg.WorkingDir)); err != nil {
			slog.Warn("failed to persist session reference", slog.Any("error", err))
		}
	}

	if out.HasUsage {
		o.mu.Lock()
		if o.sessionStartTime.IsZero() {
			o.sessionStartTime = time.Now()
		}
		o.cumulative.add(out.Usage)
		o.queryCount++
		o.lastUsage = out.Usage
		o.mu.Unlock()
	}

	if pipelineErr != nil {
		return out, pipelineErr
	}
	if out.WaitingForUser && runErr != nil {
		// The subprocess was cancelled by us (ask-user path), not a
		// genuine failure; suppress the cancellation error.
		return out, nil
	}
	if runErr != nil {
		return out, runErr
	}
	return out, nil
}

// sendMessageStreaming resolves prior session state, decorates prompt
// per the new-session/thinking-budget rules, and runs the subprocess
// supervisor with onEvent feeding queue.
func (o *Orchestrator) sendMessageStreaming(ctx context.Context, chatID int64, prompt string, queue *eventQueue) (assistant.RunResult, error) {
	o.mu.Lock()
	if o.stopRequested {
		o.stopRequested = false
		o.mu.Unlock()
		return assistant.RunResult{}, errors.New("Query cancelled before starting")
	}
	resumeSession := o.currentSessionID
	o.mu.Unlock()

	isNewSession := resumeSession == ""
	if isNewSession {
		prompt = fmt.Sprintf("[Current date/time: %s]\n\n%s", time.Now().Format(time.RFC1123), prompt)
	}

	cfg := assistant.Config{
		Binary:        o.cfg.Binary,
		WorkingDir:    o.cfg.WorkingDir,
		AllowedTools:  o.cfg.AllowedTools,
		MCPConfigPath: o.cfg.MCPConfigPath,
		ResumeSession: resumeSession,
		MaxThinking:   o.cfg.ThinkingBudgetFor(prompt),
	}

	runCtx, cancel := assistant.WithQueryTimeout(ctx, o.cfg.QueryTimeout)
	defer cancel()

	o.mu.Lock()
	o.isRunning = true
	o.mu.Unlock()

	result, err := o.supervisor.Run(runCtx, cfg, prompt, func(ev assistant.Event) error {
		queue.push(ev)
		return nil
	})

	o.mu.Lock()
	o.isRunning = false
	o.mu.Unlock()

	if err == nil && result.SessionID != "" {
		if saveErr := o.store.Save(NewRecord(providerName, result.SessionID, o.cfg.WorkingDir)); saveErr != nil {
			slog.Warn("failed to persist session reference", slog.Any("error", saveErr))
		}
		o.mu.Lock()
		o.currentSessionID = result.SessionID
		o.mu.Unlock()
	}

	return result, err
}

// ResumeLast loads any previously persisted session reference for this
// orchestrator's working directory and, if found and the working
// directory matches, sets it as the current session to resume.
func (o *Orchestrator) ResumeLast() (bool, error) {
	rec, ok, err := o.store.Load(o.cfg.WorkingDir)
	if err != nil {
		return false, err
	}
	if !ok || rec.WorkingDir != o.cfg.WorkingDir {
		return false, nil
	}
	o.mu.Lock()
	o.currentSessionID = rec.SessionID
	o.mu.Unlock()
	return true, nil
}

// Close tears down the orchestrator, cancelling any in-flight run.
func (o *Orchestrator) Close() {
	_ = o.supervisor.Cancel()
}

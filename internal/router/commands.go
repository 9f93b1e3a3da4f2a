package router

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/anatolykoptev/conduit/internal/format"
	"github.com/anatolykoptev/conduit/internal/messaging"
	"github.com/anatolykoptev/conduit/internal/usage"
)

func (r *Router) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	switch msg.Command() {
	case "start", "help":
		r.reply(ctx, chatID, helpText)
	case "new":
		r.orchestratorFor(chatID).Close()
		r.deps.Manager.Delete(strconv.FormatInt(chatID, 10))
		r.reply(ctx, chatID, "🆕 Started a new session.")
	case "stop":
		orch := r.orchestratorFor(chatID)
		orch.Stop()
		r.reply(ctx, chatID, "🛑 Stop requested.")
	case "status":
		r.handleStatus(ctx, chatID)
	case "stats":
		r.handleStats(ctx, chatID)
	case "resume":
		r.handleResume(ctx, chatID)
	case "retry":
		orch := r.orchestratorFor(chatID)
		if !r.rateLimit(ctx, chatID, msg.From.ID) {
			return
		}
		last := orch.LastMessage()
		if last == "" {
			r.reply(ctx, chatID, "Nothing to retry.")
			return
		}
		r.runTurn(ctx, chatID, last)
	case "cron":
		r.handleCron(ctx, chatID, msg.CommandArguments())
	case "restart":
		r.reply(ctx, chatID, "♻️ Restarting...")
	default:
		r.reply(ctx, chatID, "Unknown command. Try /help.")
	}
}

const helpText = `<b>Commands</b>
/new - start a fresh session
/stop - cancel the in-flight turn
/status - current session status
/stats - cumulative usage
/resume - resume the last persisted session
/retry - resend the last message
/cron [reload] - list or reload scheduled jobs
/restart - reply with a restart notice (the process keeps running)
Prefix a message with ! to interrupt the running turn and send it immediately.`

func (r *Router) handleStatus(ctx context.Context, chatID int64) {
	orch := r.orchestratorFor(chatID)
	state := "idle"
	if orch.IsRunning() {
		state = "running"
	}
	r.reply(ctx, chatID, fmt.Sprintf("Session: %s", state))
}

func (r *Router) handleStats(ctx context.Context, chatID int64) {
	orch := r.orchestratorFor(chatID)
	usageStats, queries, started := orch.Stats()

	var b strings.Builder
	b.WriteString("<b>Usage</b>\n")
	fmt.Fprintf(&b, "Queries: %d\n", queries)
	fmt.Fprintf(&b, "Input tokens: %d\n", usageStats.InputTokens)
	fmt.Fprintf(&b, "Output tokens: %d\n", usageStats.OutputTokens)
	fmt.Fprintf(&b, "Cache read: %d\n", usageStats.CacheReadTokens)
	fmt.Fprintf(&b, "Cache create: %d\n", usageStats.CacheCreationTokens)
	if !started.IsZero() {
		fmt.Fprintf(&b, "Session started: %s\n", started.Format(time.RFC1123))
	}

	if r.deps.UsageClient != nil {
		windows := r.deps.UsageClient.Fetch()
		if len(windows) > 0 {
			b.WriteString("\n<b>Provider quota</b>\n")
			for _, p := range []usage.Provider{usage.ProviderClaude, usage.ProviderCodex, usage.ProviderGemini} {
				if w, ok := windows[p]; ok {
					fmt.Fprintf(&b, "%s: %.1f%% (resets %s)\n", p, w.UtilizationPercent, w.ResetsAt.Format(time.RFC3339))
				}
			}
		}
	}

	r.reply(ctx, chatID, format.EscapeHTML(b.String()))
}

func (r *Router) handleResume(ctx context.Context, chatID int64) {
	orch := r.orchestratorFor(chatID)
	ok, err := orch.ResumeLast()
	if err != nil {
		r.reply(ctx, chatID, "⚠️ Failed to resume: "+err.Error())
		return
	}
	if !ok {
		r.reply(ctx, chatID, "No prior session found for this working directory.")
		return
	}
	r.reply(ctx, chatID, "▶️ Resumed prior session.")
}

func (r *Router) handleCron(ctx context.Context, chatID int64, args string) {
	if r.deps.Cron == nil {
		r.reply(ctx, chatID, "Cron scheduler is not configured.")
		return
	}

	if strings.TrimSpace(args) == "reload" {
		n, err := r.deps.Cron.Start(ctx)
		if err != nil {
			r.reply(ctx, chatID, "⚠️ Reload failed: "+err.Error())
			return
		}
		r.reply(ctx, chatID, fmt.Sprintf("🔄 Reloaded, %d job(s) scheduled.", n))
		return
	}

	jobs, queueLen := r.deps.Cron.Status()
	if len(jobs) == 0 {
		r.reply(ctx, chatID, "No scheduled jobs configured.")
		return
	}
	var b strings.Builder
	b.WriteString("<b>Scheduled jobs</b>\n")
	for _, j := range jobs {
		next := j.NextFire
		if next == "" {
			next = "disabled"
		}
		fmt.Fprintf(&b, "%s — next: %s\n", j.Name, next)
	}
	fmt.Fprintf(&b, "\nQueued: %d", queueLen)
	r.reply(ctx, chatID, b.String())
}

func (r *Router) reply(ctx context.Context, chatID int64, html string) {
	for _, chunk := range chunkHTML(html, r.deps.Config.MessageLimit) {
		if _, err := r.deps.Messenger.SendHTML(ctx, chatID, chunk); err != nil {
			return
		}
	}
}

// restartMarker is the on-disk record HandleStartup reads to confirm a
// restart to the chat that asked for it. Nothing in this package writes
// it: the /restart command only replies and does not restart the process.
type restartMarker struct {
	ChatID    int64  `json:"chat_id"`
	MessageID int    `json:"message_id"`
	CreatedAt string `json:"created_at"`
}

const restartMarkerMaxAge = 30 * time.Second

// HandleStartup finalizes a pending restart: if the restart marker is
// present and recent, it edits the "Restarting..." message to confirm
// completion. A marker that can be read is removed either way; a stale or
// absent marker is otherwise ignored. HandleStartup does not resume
// sessions: a new orchestrator starts a fresh session until /resume loads
// the persisted one.
func (r *Router) HandleStartup(ctx context.Context, restartFile string) {
	data, err := os.ReadFile(restartFile)
	if err != nil {
		return
	}
	defer os.Remove(restartFile)

	var marker restartMarker
	if err := json.Unmarshal(data, &marker); err != nil {
		return
	}
	createdAt, err := time.Parse(time.RFC3339, marker.CreatedAt)
	if err != nil || time.Since(createdAt) > restartMarkerMaxAge {
		return
	}

	ref := messaging.MessageRef{ChatID: marker.ChatID, MessageID: marker.MessageID}
	_ = r.deps.Messenger.EditHTML(ctx, ref, "✅ Bot restarted")
}

// Package router dispatches incoming Telegram updates to the session
// orchestrator: it authorizes, serializes per chat, and translates
// commands, text, voice, and media into orchestrator turns.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/anatolykoptev/conduit/internal/audit"
	"github.com/anatolykoptev/conduit/internal/config"
	"github.com/anatolykoptev/conduit/internal/media"
	"github.com/anatolykoptev/conduit/internal/messaging"
	"github.com/anatolykoptev/conduit/internal/pipeline"
	"github.com/anatolykoptev/conduit/internal/retry"
	"github.com/anatolykoptev/conduit/internal/safety"
	"github.com/anatolykoptev/conduit/internal/session"
	"github.com/anatolykoptev/conduit/internal/usage"
)

// Transcriber is the external voice-transcription collaborator, named by
// interface only: the concrete HTTP client lives outside this repo.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (string, error)
}

// Downloader fetches a Telegram file by its file_id to a local temp path,
// returning the path it wrote to.
type Downloader interface {
	Download(ctx context.Context, fileID string) (string, error)
}

// CronControl is the subset of the cron scheduler the /cron command drives.
type CronControl interface {
	Start(ctx context.Context) (int, error)
	Status() ([]JobStatus, int)
}

// JobStatus mirrors cron.JobStatus without importing internal/cron, which
// would otherwise create an import cycle through the orchestrator adapter
// cron.Scheduler uses.
type JobStatus struct {
	Name     string
	NextFire string
}

// Deps bundles everything the router needs to construct; all are owned by
// cmd/conduit's wiring.
type Deps struct {
	Config      config.Configuration
	Manager     *session.Manager
	Messenger   messaging.Port
	Limiter     *safety.RateLimiter
	Audit       *audit.Logger
	UsageClient *usage.Client
	Cron        CronControl
	Downloader  Downloader
	Transcriber Transcriber
	NewSession  func(chatID int64) *session.Orchestrator
}

// Router dispatches updates and owns per-chat serialization.
type Router struct {
	deps Deps

	lockMu sync.Mutex
	locks  map[int64]*sync.Mutex

	mediaMu sync.Mutex
	buffers map[int64]*media.Buffer
}

// New builds a Router from deps.
func New(deps Deps) *Router {
	return &Router{
		deps:    deps,
		locks:   make(map[int64]*sync.Mutex),
		buffers: make(map[int64]*media.Buffer),
	}
}

// Handle dispatches one Telegram update.
func (r *Router) Handle(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.CallbackQuery != nil:
		r.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil:
		r.handleMessage(ctx, update.Message)
	}
}

func (r *Router) chatLock(chatID int64) *sync.Mutex {
	r.lockMu.Lock()
	defer r.lockMu.Unlock()
	m, ok := r.locks[chatID]
	if !ok {
		m = &sync.Mutex{}
		r.locks[chatID] = m
	}
	return m
}

func (r *Router) orchestratorFor(chatID int64) *session.Orchestrator {
	key := strconv.FormatInt(chatID, 10)
	return r.deps.Manager.GetOrCreate(key, func() *session.Orchestrator { return r.deps.NewSession(chatID) })
}

func (r *Router) authorize(ctx context.Context, chatID, userID int64) bool {
	if r.deps.Config.IsAuthorized(userID) {
		return true
	}
	r.deps.Audit.Log("auth", audit.Fields{"user_id": strconv.FormatInt(userID, 10), "result": "denied"})
	_, _ = r.deps.Messenger.SendHTML(ctx, chatID, "⛔ Not authorized.")
	return false
}

func (r *Router) rateLimit(ctx context.Context, chatID, userID int64) bool {
	result := r.deps.Limiter.Check(userID)
	if result.Allowed {
		return true
	}
	r.deps.Audit.Log("rate_limit", audit.Fields{"user_id": strconv.FormatInt(userID, 10), "wait": result.Wait.String()})
	_, _ = r.deps.Messenger.SendHTML(ctx, chatID, fmt.Sprintf("⏳ Rate limited, try again in %s.", result.Wait.Round(time.Second)))
	return false
}

// runTurn executes prompt through chatID's orchestrator under the per-chat
// lock, with the single-retry-on-crash policy, then renders the result.
func (r *Router) runTurn(ctx context.Context, chatID int64, prompt string) {
	lock := r.chatLock(chatID)
	lock.Lock()
	defer lock.Unlock()

	orch := r.orchestratorFor(chatID)
	out, err := retry.Run(ctx, func(ctx context.Context) (pipeline.Output, error) {
		return orch.SendMessageToChat(ctx, chatID, prompt, r.deps.Messenger)
	})

	r.deps.Audit.Log("message", audit.Fields{
		"chat_id": strconv.FormatInt(chatID, 10),
		"prompt":  prompt,
	})

	if err != nil {
		r.deps.Audit.Log("error", audit.Fields{"chat_id": strconv.FormatInt(chatID, 10), "error": err.Error()})
		slog.Warn("turn failed", slog.Int64("chat_id", chatID), slog.Any("error", err))
		return
	}
	_ = out
}

func (r *Router) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	userID := msg.From.ID

	if !r.authorize(ctx, chatID, userID) {
		return
	}

	switch {
	case msg.IsCommand():
		r.handleCommand(ctx, msg)
	case msg.Voice != nil:
		r.handleVoice(ctx, msg)
	case len(msg.Photo) > 0:
		r.handlePhoto(ctx, msg)
	case msg.Document != nil:
		r.handleDocument(ctx, msg)
	case msg.Text != "":
		r.handleText(ctx, msg)
	}
}

func (r *Router) handleText(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	text := msg.Text

	interrupt := strings.HasPrefix(text, "!")
	if interrupt {
		text = strings.TrimPrefix(text, "!")
		orch := r.orchestratorFor(chatID)
		if orch.IsRunning() {
			orch.MarkInterrupt()
			orch.Stop()
			time.Sleep(100 * time.Millisecond)
			orch.ClearStopRequested()
		}
	}

	if !r.rateLimit(ctx, chatID, msg.From.ID) {
		return
	}

	r.runTurn(ctx, chatID, text)
}

func (r *Router) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	chatID := cb.Message.Chat.ID
	userID := cb.From.ID
	if !r.authorize(ctx, chatID, userID) {
		_ = r.deps.Messenger.AnswerCallbackQuery(ctx, cb.ID, "Not authorized")
		return
	}

	requestID, index, ok := parseAskUserCallback(cb.Data)
	if !ok {
		_ = r.deps.Messenger.AnswerCallbackQuery(ctx, cb.ID, "")
		return
	}

	option, ok := resolveAskUserOption(r.deps.Config.AskUserTmpDir, requestID, index)
	_ = r.deps.Messenger.AnswerCallbackQuery(ctx, cb.ID, "")
	if !ok {
		return
	}

	r.runTurn(ctx, chatID, option)
}

func (r *Router) handleVoice(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	if !r.deps.Config.TranscriptionEnabled || r.deps.Transcriber == nil {
		_, _ = r.deps.Messenger.SendHTML(ctx, chatID, "🎤 Voice transcription is not configured.")
		return
	}

	path, err := r.deps.Downloader.Download(ctx, msg.Voice.FileID)
	if err != nil {
		_, _ = r.deps.Messenger.SendHTML(ctx, chatID, "⚠️ Failed to download voice message.")
		return
	}

	transcript, err := r.deps.Transcriber.Transcribe(ctx, path)
	if err != nil {
		_, _ = r.deps.Messenger.SendHTML(ctx, chatID, "⚠️ Transcription failed.")
		return
	}

	_, _ = r.deps.Messenger.SendHTML(ctx, chatID, "🎤 "+transcript)
	if !r.rateLimit(ctx, chatID, msg.From.ID) {
		return
	}
	r.runTurn(ctx, chatID, transcript)
}

func (r *Router) mediaBuffer(chatID int64) *media.Buffer {
	r.mediaMu.Lock()
	defer r.mediaMu.Unlock()
	b, ok := r.buffers[chatID]
	if !ok {
		b = media.NewBuffer(r.deps.Config.MediaGroupTimeout, r.deps.Limiter, r.deps.Messenger, func(ctx context.Context, chatID int64, items []media.Item, caption string) error {
			return r.processMediaBatch(ctx, chatID, items, caption)
		})
		r.buffers[chatID] = b
	}
	return b
}

func (r *Router) processMediaBatch(ctx context.Context, chatID int64, items []media.Item, caption string) error {
	var b strings.Builder
	b.WriteString(caption)
	for _, item := range items {
		fmt.Fprintf(&b, "\n[attached file: %s]", item.FilePath)
	}
	lock := r.chatLock(chatID)
	lock.Lock()
	defer lock.Unlock()
	orch := r.orchestratorFor(chatID)
	_, err := retry.Run(ctx, func(ctx context.Context) (pipeline.Output, error) {
		return orch.SendMessageToChat(ctx, chatID, b.String(), r.deps.Messenger)
	})
	return err
}

func (r *Router) handlePhoto(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	userID := msg.From.ID
	photo := msg.Photo[len(msg.Photo)-1]

	path, err := r.deps.Downloader.Download(ctx, photo.FileID)
	if err != nil {
		_, _ = r.deps.Messenger.SendHTML(ctx, chatID, "⚠️ Failed to download photo.")
		return
	}
	item := media.Item{FilePath: path, Caption: msg.Caption}

	if msg.MediaGroupID != "" {
		r.mediaBuffer(chatID).Add(ctx, chatID, userID, msg.MediaGroupID, item)
		return
	}
	if !r.rateLimit(ctx, chatID, userID) {
		return
	}
	_ = r.processMediaBatch(ctx, chatID, []media.Item{item}, msg.Caption)
}

func (r *Router) handleDocument(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	userID := msg.From.ID

	if !r.rateLimit(ctx, chatID, userID) {
		return
	}

	path, err := r.deps.Downloader.Download(ctx, msg.Document.FileID)
	if err != nil {
		_, _ = r.deps.Messenger.SendHTML(ctx, chatID, "⚠️ Failed to download document.")
		return
	}

	kind := safety.DetectArchiveKind(msg.Document.FileName)
	if kind == safety.ArchiveUnknown {
		_ = r.processMediaBatch(ctx, chatID, []media.Item{{FilePath: path, Caption: msg.Caption}}, msg.Caption)
		return
	}

	destDir := strings.TrimSuffix(path, filepath.Ext(path)) + "-extracted"
	report, err := safety.SafeExtractArchive(path, msg.Document.FileName, destDir, safety.DefaultExtractLimits())
	if err != nil {
		_, _ = r.deps.Messenger.SendHTML(ctx, chatID, fmt.Sprintf("⚠️ Archive rejected: %s", err.Error()))
		return
	}

	prompt := fmt.Sprintf("%s\n[extracted %d files from %s into %s]", msg.Caption, len(report.ExtractedFiles), msg.Document.FileName, destDir)
	lock := r.chatLock(chatID)
	lock.Lock()
	defer lock.Unlock()
	orch := r.orchestratorFor(chatID)
	_, _ = retry.Run(ctx, func(ctx context.Context) (pipeline.Output, error) {
		return orch.SendMessageToChat(ctx, chatID, prompt, r.deps.Messenger)
	})
}

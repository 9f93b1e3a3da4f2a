// Command conduit is the bot process: it wires the Telegram transport,
// router, per-chat session orchestrators, and the cron scheduler together,
// and also exposes a couple of small operational subcommands.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/lmittmann/tint"

	"github.com/anatolykoptev/conduit/internal/audit"
	"github.com/anatolykoptev/conduit/internal/config"
	"github.com/anatolykoptev/conduit/internal/cron"
	"github.com/anatolykoptev/conduit/internal/messaging"
	"github.com/anatolykoptev/conduit/internal/router"
	"github.com/anatolykoptev/conduit/internal/safety"
	"github.com/anatolykoptev/conduit/internal/session"
	"github.com/anatolykoptev/conduit/internal/usage"
)

var version = "dev"

func main() {
	setupLogging()

	if len(os.Args) < 2 {
		runServe()
		return
	}

	switch os.Args[1] {
	case "run":
		runServe()
	case "cron-check":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: conduit cron-check <file>")
			os.Exit(1)
		}
		runCronCheck(os.Args[2])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(1)
	}
}

func setupLogging() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if isTTY(os.Stderr) {
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: level, TimeFormat: time.Kitchen})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))
}

func isTTY(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

func runCronCheck(path string) {
	entries, err := cron.LoadSchedules(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid schedule file:", err)
		os.Exit(1)
	}
	if len(entries) == 0 {
		fmt.Println("no schedules defined")
		return
	}
	now := time.Now()
	for _, e := range entries {
		if !e.IsEnabled() {
			fmt.Printf("%s: disabled\n", e.Name)
			continue
		}
		expr, err := cron.Parse(e.Cron)
		if err != nil {
			fmt.Printf("%s: invalid cron expression: %v\n", e.Name, err)
			continue
		}
		next, ok := expr.NextAfter(now)
		if !ok {
			fmt.Printf("%s: no upcoming fire time\n", e.Name)
			continue
		}
		fmt.Printf("%s: next at %s\n", e.Name, next.Format(time.RFC3339))
	}
}

func runServe() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(1)
	}

	bot, err := tgbotapi.NewBotAPI(cfg.TelegramToken)
	if err != nil {
		fmt.Fprintln(os.Stderr, "telegram init failed:", err)
		os.Exit(1)
	}
	slog.Info("conduit starting", slog.String("bot", bot.Self.UserName), slog.String("version", version))

	messenger := messaging.NewThrottled(
		messaging.NewTelegram(bot),
		messaging.DefaultGlobalInterval,
		messaging.DefaultPerChatInterval,
	)

	limiter := safety.NewRateLimiter(cfg.RateLimitEnabled, cfg.RateLimitRequests, cfg.RateLimitWindow)
	auditLog := audit.New(cfg.AuditLogPath, cfg.AuditLogJSON)
	usageClient := usage.NewClient()
	manager := session.NewManager()
	store := session.NewStore(cfg.SessionFile)

	newSession := func(chatID int64) *session.Orchestrator {
		return session.NewOrchestrator(sessionConfigFrom(cfg), store)
	}

	sigCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	notifyChatID := func() int64 { return cfg.FirstAllowedUser() }
	scheduler := cron.New(cfg.CronFile, &cronRunner{manager: manager, newSession: newSession, notifyChatID: notifyChatID}, messenger, notifyChatID)

	r := router.New(router.Deps{
		Config:      cfg,
		Manager:     manager,
		Messenger:   messenger,
		Limiter:     limiter,
		Audit:       auditLog,
		UsageClient: usageClient,
		Cron:        &cronAdapter{scheduler: scheduler},
		Downloader:  &telegramDownloader{bot: bot},
		NewSession:  newSession,
	})

	if n, err := scheduler.Start(sigCtx); err != nil {
		slog.Warn("cron: initial load failed", slog.Any("error", err))
	} else {
		slog.Info("cron: schedules loaded", slog.Int("jobs", n))
	}
	scheduler.EnsureWatcher(sigCtx)
	defer scheduler.Stop()

	r.HandleStartup(sigCtx, cfg.RestartFile)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	slog.Info("conduit ready")
	for {
		select {
		case <-sigCtx.Done():
			bot.StopReceivingUpdates()
			manager.CloseAll()
			return
		case update, ok := <-updates:
			if !ok {
				manager.CloseAll()
				return
			}
			go r.Handle(sigCtx, update)
		}
	}
}

func sessionConfigFrom(cfg config.Configuration) session.Config {
	return session.Config{
		Binary:                 cfg.ClaudeBinary,
		WorkingDir:             cfg.WorkingDir,
		AllowedTools:           cfg.ClaudeAllowedTools,
		MCPConfigPath:          cfg.MCPConfigPath,
		QueryTimeout:           cfg.QueryTimeout,
		SafeLimit:              cfg.SafeLimit,
		MessageLimit:           cfg.MessageLimit,
		StreamingThrottle:      cfg.StreamingThrottle,
		ButtonMaxLen:           cfg.ButtonLabelMaxLength,
		DefaultThinkingTokens:  cfg.DefaultThinkingTokens,
		DeepThinkingKeywords:   cfg.ThinkingDeepKeywords,
		NormalThinkingKeywords: cfg.ThinkingKeywords,
		DeleteThinkingMessages: cfg.DeleteThinkingMessages,
		DeleteToolMessages:     cfg.DeleteToolMessages,
		BlockedCommands:        cfg.BlockedPatterns,
		AllowedPaths:           cfg.AllowedPaths,
		TempPaths:              cfg.TempPaths,
		PersistenceFilePath:    cfg.SessionFile,
	}
}

// telegramDownloader fetches a Telegram-hosted file to a local temp path.
type telegramDownloader struct {
	bot *tgbotapi.BotAPI
}

func (d *telegramDownloader) Download(ctx context.Context, fileID string) (string, error) {
	url, err := d.bot.GetFileDirectURL(fileID)
	if err != nil {
		return "", fmt.Errorf("resolve file url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download failed: status %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp("", "conduit-upload-*")
	if err != nil {
		return "", err
	}
	defer tmp.Close()

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		return "", err
	}
	return tmp.Name(), nil
}

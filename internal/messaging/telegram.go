package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anatolykoptev/conduit/internal/format"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramMessageLimit is Telegram's hard per-message character limit.
const TelegramMessageLimit = 4096

// Telegram is a Port implementation over the Telegram Bot API. It sends
// HTML-formatted messages, falling back to stripped plain text if the
// chat server rejects the HTML payload (e.g. a malformed tag survived
// formatting).
type Telegram struct {
	bot *tgbotapi.BotAPI
}

// NewTelegram builds a Telegram adapter from an already-authenticated bot
// client.
func NewTelegram(bot *tgbotapi.BotAPI) *Telegram {
	return &Telegram{bot: bot}
}

func (t *Telegram) Capabilities() Capabilities {
	return Capabilities{
		HTML:           true,
		Edit:           true,
		Reactions:      true,
		ChatActions:    true,
		InlineKeyboard: true,
		MaxMessageLen:  TelegramMessageLimit,
	}
}

func (t *Telegram) SendHTML(ctx context.Context, chatID int64, html string) (MessageRef, error) {
	msg := tgbotapi.NewMessage(chatID, html)
	msg.ParseMode = tgbotapi.ModeHTML
	sent, err := t.sendWithFallback(msg, chatID, html)
	if err != nil {
		return MessageRef{}, err
	}
	return MessageRef{ChatID: chatID, MessageID: sent.MessageID}, nil
}

func (t *Telegram) EditHTML(ctx context.Context, ref MessageRef, html string) error {
	edit := tgbotapi.NewEditMessageText(ref.ChatID, ref.MessageID, html)
	edit.ParseMode = tgbotapi.ModeHTML
	if _, err := t.sendWithRetry(edit); err != nil {
		slog.Warn("telegram: HTML edit failed, falling back to plain text", slog.Any("error", err))
		plain := tgbotapi.NewEditMessageText(ref.ChatID, ref.MessageID, stripToPlain(html))
		_, err := t.sendWithRetry(plain)
		return err
	}
	return nil
}

func (t *Telegram) DeleteMessage(ctx context.Context, ref MessageRef) error {
	_, err := t.bot.Request(tgbotapi.NewDeleteMessage(ref.ChatID, ref.MessageID))
	return err
}

func (t *Telegram) SendChatAction(ctx context.Context, chatID int64, action string) error {
	_, err := t.bot.Request(tgbotapi.NewChatAction(chatID, action))
	return err
}

func (t *Telegram) SetReaction(ctx context.Context, ref MessageRef, emoji string) error {
	_, err := t.bot.Request(tgbotapi.SetMessageReactionConfig{
		ChatID:    ref.ChatID,
		MessageID: ref.MessageID,
		Reaction: []tgbotapi.ReactionType{
			{Type: "emoji", Emoji: emoji},
		},
	})
	return err
}

func (t *Telegram) SendInlineKeyboard(ctx context.Context, chatID int64, text string, rows [][]InlineButton) (MessageRef, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	keyboard := make([][]tgbotapi.InlineKeyboardButton, 0, len(rows))
	for _, row := range rows {
		btnRow := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			btnRow = append(btnRow, tgbotapi.NewInlineKeyboardButtonData(b.Label, b.Data))
		}
		keyboard = append(keyboard, btnRow)
	}
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(keyboard...)

	sent, err := t.bot.Send(msg)
	if err != nil {
		return MessageRef{}, err
	}
	return MessageRef{ChatID: chatID, MessageID: sent.MessageID}, nil
}

func (t *Telegram) AnswerCallbackQuery(ctx context.Context, callbackID, text string) error {
	_, err := t.bot.Request(tgbotapi.NewCallback(callbackID, text))
	return err
}

// sendWithFallback tries HTML first, then plaintext, returning whichever
// attempt succeeded.
func (t *Telegram) sendWithFallback(msg tgbotapi.MessageConfig, chatID int64, html string) (tgbotapi.Message, error) {
	sent, err := t.sendWithRetry(msg)
	if err == nil {
		return sent, nil
	}
	slog.Warn("telegram: HTML send failed, falling back to plain text", slog.Any("error", err))

	plain := tgbotapi.NewMessage(chatID, stripToPlain(html))
	sent, err = t.sendWithRetry(plain)
	if err != nil {
		return tgbotapi.Message{}, fmt.Errorf("telegram send failed: %w", err)
	}
	return sent, nil
}

func stripToPlain(html string) string {
	replacer := strings.NewReplacer(
		"<b>", "", "</b>", "",
		"<i>", "", "</i>", "",
		"<s>", "", "</s>", "",
		"<u>", "", "</u>", "",
		"<code>", "", "</code>", "",
		"<pre>", "", "</pre>", "",
		"<blockquote>", "", "</blockquote>", "",
		"&amp;", "&", "&lt;", "<", "&gt;", ">", "&quot;", `"`,
	)
	return replacer.Replace(html)
}

// sendWithRetry sends msg, making up to 3 attempts with linear backoff on
// transient errors (rate limits, gateway timeouts, connection resets).
// Non-transient errors (e.g. a malformed HTML payload) return immediately
// so the caller can fall back to plain text.
func (t *Telegram) sendWithRetry(msg tgbotapi.Chattable) (tgbotapi.Message, error) {
	const maxRetries = 3
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		sent, err := t.bot.Send(msg)
		if err == nil {
			return sent, nil
		}
		lastErr = err
		if !isTransientError(err) {
			return tgbotapi.Message{}, err
		}
		slog.Warn("telegram: transient error, retrying",
			slog.Int("attempt", attempt+1), slog.Any("error", err))
		time.Sleep(time.Duration(attempt+1) * 500 * time.Millisecond)
	}
	return tgbotapi.Message{}, fmt.Errorf("telegram send failed after %d attempts: %w", maxRetries, lastErr)
}

func isTransientError(err error) bool {
	msg := err.Error()
	for _, t := range []string{"429", "502", "503", "504", "timeout", "connection reset", "connection refused"} {
		if strings.Contains(msg, t) {
			return true
		}
	}
	return false
}

// PrepareHTML converts markdown to the HTML subset and splits it into
// chunks no longer than the transport's message limit.
func PrepareHTML(text string) []string {
	html := format.MarkdownToHTML(text)
	return format.SplitMessage(html, TelegramMessageLimit)
}

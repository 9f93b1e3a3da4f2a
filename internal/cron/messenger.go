package cron

import (
	"context"

	"github.com/anatolykoptev/conduit/internal/messaging"
)

// cronMessenger decorates a messaging.Port for scheduled-job turns: it
// swallows ordinary chat-mutation operations (a cron run shouldn't spam
// the chat with its own streaming status messages) but forwards inline
// keyboards and callback answers, so a scheduled run can still drive an
// ask-user flow.
type cronMessenger struct {
	inner messaging.Port
	seq   int
}

func newCronMessenger(inner messaging.Port) *cronMessenger {
	return &cronMessenger{inner: inner}
}

func (m *cronMessenger) Capabilities() messaging.Capabilities { return m.inner.Capabilities() }

func (m *cronMessenger) nextRef(chatID int64) messaging.MessageRef {
	m.seq--
	return messaging.MessageRef{ChatID: chatID, MessageID: m.seq}
}

func (m *cronMessenger) SendHTML(ctx context.Context, chatID int64, html string) (messaging.MessageRef, error) {
	return m.nextRef(chatID), nil
}

func (m *cronMessenger) EditHTML(ctx context.Context, ref messaging.MessageRef, html string) error {
	return nil
}

func (m *cronMessenger) DeleteMessage(ctx context.Context, ref messaging.MessageRef) error {
	return nil
}

func (m *cronMessenger) SendChatAction(ctx context.Context, chatID int64, action string) error {
	return nil
}

func (m *cronMessenger) SetReaction(ctx context.Context, ref messaging.MessageRef, emoji string) error {
	return nil
}

func (m *cronMessenger) SendInlineKeyboard(ctx context.Context, chatID int64, text string, rows [][]messaging.InlineButton) (messaging.MessageRef, error) {
	return m.inner.SendInlineKeyboard(ctx, chatID, text, rows)
}

func (m *cronMessenger) AnswerCallbackQuery(ctx context.Context, callbackID, text string) error {
	return m.inner.AnswerCallbackQuery(ctx, callbackID, text)
}

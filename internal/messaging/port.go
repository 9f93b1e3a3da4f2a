// Package messaging abstracts outbound chat operations behind a narrow
// port, so the streaming and session layers never depend on a concrete
// chat transport directly.
package messaging

import "context"

// MessageRef identifies a previously-sent message, opaque outside the
// concrete adapter that produced it.
type MessageRef struct {
	ChatID    int64
	MessageID int
}

// InlineButton is one button of an inline keyboard; Data is echoed back in
// the callback query when the user taps it.
type InlineButton struct {
	Label string
	Data  string
}

// Capabilities advertises what an adapter supports, so callers can degrade
// gracefully against transports that lack a feature (e.g. reactions).
type Capabilities struct {
	HTML           bool
	Edit           bool
	Reactions      bool
	ChatActions    bool
	InlineKeyboard bool
	MaxMessageLen  int
}

// Port is the set of outbound operations the streaming UI state machine,
// session orchestrator, and ask-user rendezvous issue against a chat
// transport.
type Port interface {
	Capabilities() Capabilities

	// SendHTML sends a new message in chatID formatted as HTML, returning
	// a reference to the sent message.
	SendHTML(ctx context.Context, chatID int64, html string) (MessageRef, error)

	// EditHTML replaces the content of a previously sent message.
	EditHTML(ctx context.Context, ref MessageRef, html string) error

	// DeleteMessage removes a previously sent message. Best-effort: chat
	// transports commonly refuse to delete messages past an age limit.
	DeleteMessage(ctx context.Context, ref MessageRef) error

	// SendChatAction signals transient activity (e.g. "typing") in chatID.
	SendChatAction(ctx context.Context, chatID int64, action string) error

	// SetReaction attaches an emoji reaction to a previously sent message.
	SetReaction(ctx context.Context, ref MessageRef, emoji string) error

	// SendInlineKeyboard sends a message with tappable buttons, one row
	// per inner slice.
	SendInlineKeyboard(ctx context.Context, chatID int64, text string, rows [][]InlineButton) (MessageRef, error)

	// AnswerCallbackQuery acknowledges a button tap, optionally showing
	// text to the user.
	AnswerCallbackQuery(ctx context.Context, callbackID, text string) error
}

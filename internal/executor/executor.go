// Package executor performs chat-platform side effects on behalf of the
// moderation engine.
package executor

import (
	"context"
	"fmt"
	"time"
)

// Operation names used in errors, logs and metrics.
const (
	OpRestrict      = "restrict"
	OpUnrestrict    = "unrestrict"
	OpSendChallenge = "send_challenge"
	OpEditMessage   = "edit_message"
	OpDeleteMessage = "delete_message"
	OpBan           = "ban"
	OpUnban         = "unban"
	OpMute          = "mute"
	OpSendText      = "send_text"
	OpIsAdmin       = "is_admin"
)

// ChallengeButton labels the confirmation button on a challenge prompt.
const ChallengeButton = "✅ I'm not a bot"

// MessageRef identifies a sent message.
type MessageRef struct {
	ChatID    int64
	MessageID int
}

// Executor is the moderation engine's view of the chat platform. Every
// failure is returned as *ActionError; a call that exceeds the configured
// action timeout is a failure.
type Executor interface {
	// Restrict removes the member's ability to post.
	Restrict(ctx context.Context, chatID, userID int64) error
	// Unrestrict restores default member permissions.
	Unrestrict(ctx context.Context, chatID, userID int64) error
	// SendChallenge posts text with a single confirmation button carrying callbackData.
	SendChallenge(ctx context.Context, chatID, userID int64, text, callbackData string) (MessageRef, error)
	// EditMessage replaces the text of ref and drops its buttons.
	EditMessage(ctx context.Context, ref MessageRef, text string) error
	DeleteMessage(ctx context.Context, ref MessageRef) error
	// BanThenUnban removes the member while letting them rejoin later.
	BanThenUnban(ctx context.Context, chatID, userID int64) error
	// Mute restricts the member until the given time.
	Mute(ctx context.Context, chatID, userID int64, until time.Time) error
	SendText(ctx context.Context, chatID int64, text string) (MessageRef, error)
	IsAdmin(ctx context.Context, chatID, userID int64) (bool, error)
}

// ActionError reports a failed platform action.
type ActionError struct {
	Op     string
	ChatID int64
	UserID int64
	Err    error
}

func (e *ActionError) Error() string {
	if e.UserID != 0 {
		return fmt.Sprintf("%s chat=%d user=%d: %v", e.Op, e.ChatID, e.UserID, e.Err)
	}
	return fmt.Sprintf("%s chat=%d: %v", e.Op, e.ChatID, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

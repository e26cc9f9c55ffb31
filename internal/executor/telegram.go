package executor

import (
	"context"
	"errors"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/rs/zerolog"
	"github.com/sweepmonk/sweepmonk/internal/metrics"
)

// API is the subset of *bot.Bot the Telegram executor calls.
type API interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
	EditMessageText(ctx context.Context, params *bot.EditMessageTextParams) (*models.Message, error)
	DeleteMessage(ctx context.Context, params *bot.DeleteMessageParams) (bool, error)
	RestrictChatMember(ctx context.Context, params *bot.RestrictChatMemberParams) (bool, error)
	BanChatMember(ctx context.Context, params *bot.BanChatMemberParams) (bool, error)
	UnbanChatMember(ctx context.Context, params *bot.UnbanChatMemberParams) (bool, error)
	GetChatMember(ctx context.Context, params *bot.GetChatMemberParams) (*models.ChatMember, error)
}

var errRejected = errors.New("request rejected by telegram")

// Telegram implements Executor on the Telegram Bot API.
type Telegram struct {
	api     API
	timeout time.Duration
	log     zerolog.Logger
}

// NewTelegram wraps api. Each call is bounded by timeout.
func NewTelegram(api API, timeout time.Duration, log zerolog.Logger) *Telegram {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Telegram{
		api:     api,
		timeout: timeout,
		log:     log.With().Str("component", "executor").Logger(),
	}
}

// call runs fn under the action timeout, records metrics and wraps failures.
func (t *Telegram) call(ctx context.Context, op string, chatID, userID int64, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	metrics.ActionDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ActionCalls.WithLabelValues(op, "error").Inc()
		return &ActionError{Op: op, ChatID: chatID, UserID: userID, Err: err}
	}
	metrics.ActionCalls.WithLabelValues(op, "success").Inc()
	t.log.Debug().Str("op", op).Int64("chat_id", chatID).Int64("user_id", userID).Msg("action done")
	return nil
}

func boolResult(ok bool, err error) error {
	if err != nil {
		return err
	}
	if !ok {
		return errRejected
	}
	return nil
}

// Restrict leaves every permission unset, which Telegram reads as denied.
func (t *Telegram) Restrict(ctx context.Context, chatID, userID int64) error {
	return t.call(ctx, OpRestrict, chatID, userID, func(ctx context.Context) error {
		return boolResult(t.api.RestrictChatMember(ctx, &bot.RestrictChatMemberParams{
			ChatID:      chatID,
			UserID:      userID,
			Permissions: &models.ChatPermissions{},
		}))
	})
}

func (t *Telegram) Unrestrict(ctx context.Context, chatID, userID int64) error {
	return t.call(ctx, OpUnrestrict, chatID, userID, func(ctx context.Context) error {
		return boolResult(t.api.RestrictChatMember(ctx, &bot.RestrictChatMemberParams{
			ChatID:      chatID,
			UserID:      userID,
			Permissions: memberPermissions(),
		}))
	})
}

func (t *Telegram) Mute(ctx context.Context, chatID, userID int64, until time.Time) error {
	return t.call(ctx, OpMute, chatID, userID, func(ctx context.Context) error {
		return boolResult(t.api.RestrictChatMember(ctx, &bot.RestrictChatMemberParams{
			ChatID:      chatID,
			UserID:      userID,
			Permissions: &models.ChatPermissions{},
			UntilDate:   int(until.Unix()),
		}))
	})
}

func (t *Telegram) SendChallenge(ctx context.Context, chatID, userID int64, text, callbackData string) (MessageRef, error) {
	var ref MessageRef
	err := t.call(ctx, OpSendChallenge, chatID, userID, func(ctx context.Context) error {
		msg, err := t.api.SendMessage(ctx, &bot.SendMessageParams{
			ChatID: chatID,
			Text:   text,
			ReplyMarkup: &models.InlineKeyboardMarkup{
				InlineKeyboard: [][]models.InlineKeyboardButton{{
					{Text: ChallengeButton, CallbackData: callbackData},
				}},
			},
		})
		if err != nil {
			return err
		}
		ref = MessageRef{ChatID: chatID, MessageID: msg.ID}
		return nil
	})
	return ref, err
}

func (t *Telegram) EditMessage(ctx context.Context, ref MessageRef, text string) error {
	return t.call(ctx, OpEditMessage, ref.ChatID, 0, func(ctx context.Context) error {
		_, err := t.api.EditMessageText(ctx, &bot.EditMessageTextParams{
			ChatID:    ref.ChatID,
			MessageID: ref.MessageID,
			Text:      text,
		})
		return err
	})
}

func (t *Telegram) DeleteMessage(ctx context.Context, ref MessageRef) error {
	return t.call(ctx, OpDeleteMessage, ref.ChatID, 0, func(ctx context.Context) error {
		return boolResult(t.api.DeleteMessage(ctx, &bot.DeleteMessageParams{
			ChatID:    ref.ChatID,
			MessageID: ref.MessageID,
		}))
	})
}

// BanThenUnban kicks the member. The unban leaves them free to rejoin.
func (t *Telegram) BanThenUnban(ctx context.Context, chatID, userID int64) error {
	if err := t.call(ctx, OpBan, chatID, userID, func(ctx context.Context) error {
		return boolResult(t.api.BanChatMember(ctx, &bot.BanChatMemberParams{
			ChatID: chatID,
			UserID: userID,
		}))
	}); err != nil {
		return err
	}
	return t.call(ctx, OpUnban, chatID, userID, func(ctx context.Context) error {
		return boolResult(t.api.UnbanChatMember(ctx, &bot.UnbanChatMemberParams{
			ChatID:       chatID,
			UserID:       userID,
			OnlyIfBanned: true,
		}))
	})
}

func (t *Telegram) SendText(ctx context.Context, chatID int64, text string) (MessageRef, error) {
	var ref MessageRef
	err := t.call(ctx, OpSendText, chatID, 0, func(ctx context.Context) error {
		msg, err := t.api.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: text})
		if err != nil {
			return err
		}
		ref = MessageRef{ChatID: chatID, MessageID: msg.ID}
		return nil
	})
	return ref, err
}

func (t *Telegram) IsAdmin(ctx context.Context, chatID, userID int64) (bool, error) {
	var admin bool
	err := t.call(ctx, OpIsAdmin, chatID, userID, func(ctx context.Context) error {
		m, err := t.api.GetChatMember(ctx, &bot.GetChatMemberParams{ChatID: chatID, UserID: userID})
		if err != nil {
			return err
		}
		admin = m.Type == models.ChatMemberTypeOwner || m.Type == models.ChatMemberTypeAdministrator
		return nil
	})
	return admin, err
}

func memberPermissions() *models.ChatPermissions {
	return &models.ChatPermissions{
		CanSendMessages:       true,
		CanSendAudios:         true,
		CanSendDocuments:      true,
		CanSendPhotos:         true,
		CanSendVideos:         true,
		CanSendVideoNotes:     true,
		CanSendVoiceNotes:     true,
		CanSendPolls:          true,
		CanSendOtherMessages:  true,
		CanAddWebPagePreviews: true,
		CanInviteUsers:        true,
	}
}

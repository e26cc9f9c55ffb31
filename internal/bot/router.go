// Package bot routes Telegram updates to the moderation engine and serves
// the admin commands.
package bot

import (
	"context"
	"errors"
	"strings"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/rs/zerolog"
	"github.com/sweepmonk/sweepmonk/internal/clock"
	"github.com/sweepmonk/sweepmonk/internal/enforce"
	"github.com/sweepmonk/sweepmonk/internal/executor"
	"github.com/sweepmonk/sweepmonk/internal/rules"
	"github.com/sweepmonk/sweepmonk/internal/storage"
	"github.com/sweepmonk/sweepmonk/internal/verify"
)

// Callback answers shown to the member who pressed a confirmation button.
const (
	AnswerVerified  = "Verified! Welcome aboard!"
	AnswerWrongUser = "This is not your verification button!"
	AnswerResolved  = "Verification expired or already completed"
	AnswerBadData   = "Invalid verification data"
	AnswerFailed    = "System error, please try again later"
)

// Coordinator is the verification side of the engine.
type Coordinator interface {
	Join(ctx context.Context, m verify.Member) (verify.Outcome, error)
	Confirm(ctx context.Context, key storage.Key, actor verify.Member) (verify.Outcome, error)
}

// Enforcer is the content side of the engine.
type Enforcer interface {
	HandleMessage(ctx context.Context, msg enforce.Message) (rules.Rule, bool, error)
}

// RuleStore is the editable keyword list. *rules.Store satisfies it.
type RuleStore interface {
	Snapshot() *rules.Set
	Reload() (rules.LoadReport, error)
	Add(text string) (rules.Rule, error)
	Remove(text string) (rules.Rule, error)
}

// CallbackAnswerer acknowledges button presses. *bot.Bot satisfies it.
type CallbackAnswerer interface {
	AnswerCallbackQuery(ctx context.Context, params *tgbot.AnswerCallbackQueryParams) (bool, error)
}

// Options configures a Router.
type Options struct {
	// AdminUserIDs may use admin commands in private chats.
	AdminUserIDs []int64
	Defaults     storage.ChatPolicy
	Clock        clock.Clock
}

// Router dispatches updates. It is safe for concurrent use; go-telegram/bot
// runs each update on its own goroutine.
type Router struct {
	coord    Coordinator
	enforcer Enforcer
	rules    RuleStore
	store    storage.Store
	exec     executor.Executor
	answer   CallbackAnswerer
	admins   map[int64]bool
	defaults storage.ChatPolicy
	clock    clock.Clock
	commands map[string]command
	log      zerolog.Logger
}

// New builds a Router.
func New(coord Coordinator, enf Enforcer, rs RuleStore, store storage.Store, exec executor.Executor,
	answer CallbackAnswerer, opts Options, log zerolog.Logger) *Router {
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	admins := make(map[int64]bool, len(opts.AdminUserIDs))
	for _, id := range opts.AdminUserIDs {
		admins[id] = true
	}
	r := &Router{
		coord:    coord,
		enforcer: enf,
		rules:    rs,
		store:    store,
		exec:     exec,
		answer:   answer,
		admins:   admins,
		defaults: opts.Defaults,
		clock:    clk,
		log:      log.With().Str("component", "bot").Logger(),
	}
	r.commands = r.commandTable()
	return r
}

// AllowedUpdates lists the update kinds the router consumes.
var AllowedUpdates = tgbot.AllowedUpdates{
	"message",
	"callback_query",
	"chat_member",
}

// Handle is a bot.HandlerFunc; register it with bot.WithDefaultHandler.
func (r *Router) Handle(ctx context.Context, _ *tgbot.Bot, u *models.Update) {
	switch {
	case u == nil:
	case u.ChatMember != nil:
		r.onChatMember(ctx, u.ChatMember)
	case u.CallbackQuery != nil:
		r.onCallback(ctx, u.CallbackQuery)
	case u.Message != nil:
		r.onMessage(ctx, u.Message)
	}
}

func (r *Router) onChatMember(ctx context.Context, cm *models.ChatMemberUpdated) {
	if !joined(cm.OldChatMember.Type, cm.NewChatMember.Type) {
		return
	}
	if cm.NewChatMember.Member == nil || cm.NewChatMember.Member.User == nil {
		return
	}
	u := cm.NewChatMember.Member.User
	m := verify.Member{
		UserID:    u.ID,
		ChatID:    cm.Chat.ID,
		Username:  u.Username,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		IsBot:     u.IsBot,
	}
	out, err := r.coord.Join(ctx, m)
	if err != nil {
		r.log.Error().Err(err).Int64("chat_id", m.ChatID).Int64("user_id", m.UserID).Msg("join handling failed")
		return
	}
	r.log.Debug().Int64("chat_id", m.ChatID).Int64("user_id", m.UserID).Stringer("outcome", out).Msg("join handled")
}

// joined reports a transition from outside the chat to plain membership.
func joined(old, cur models.ChatMemberType) bool {
	return (old == models.ChatMemberTypeLeft || old == models.ChatMemberTypeBanned) &&
		cur == models.ChatMemberTypeMember
}

func (r *Router) onCallback(ctx context.Context, cb *models.CallbackQuery) {
	if !strings.HasPrefix(cb.Data, verify.CallbackPrefix) {
		return
	}
	key, err := verify.DecodeCallback(cb.Data)
	if err != nil {
		r.log.Warn().Err(err).Int64("user_id", cb.From.ID).Msg("malformed verification callback")
		r.reply(ctx, cb.ID, AnswerBadData, false)
		return
	}
	actor := verify.Member{
		UserID:    cb.From.ID,
		ChatID:    key.ChatID,
		Username:  cb.From.Username,
		FirstName: cb.From.FirstName,
		LastName:  cb.From.LastName,
	}
	out, err := r.coord.Confirm(ctx, key, actor)
	switch {
	case errors.Is(err, verify.ErrWrongUser):
		r.reply(ctx, cb.ID, AnswerWrongUser, true)
	case err != nil:
		r.log.Error().Err(err).Stringer("key", key).Msg("confirmation failed")
		r.reply(ctx, cb.ID, AnswerFailed, false)
	case out == verify.OutcomeVerified:
		r.reply(ctx, cb.ID, AnswerVerified, false)
	default:
		r.reply(ctx, cb.ID, AnswerResolved, false)
		// The winner already edited its own prompt; a button that still
		// answers is a leftover, e.g. from a duplicate join.
		if ref, ok := promptRef(cb); ok {
			if err := r.exec.DeleteMessage(ctx, ref); err != nil {
				r.log.Debug().Err(err).Stringer("key", key).Msg("stale prompt delete failed")
			}
		}
	}
}

// promptRef locates the message that carried the pressed button.
func promptRef(cb *models.CallbackQuery) (executor.MessageRef, bool) {
	switch m := cb.Message; {
	case m.Message != nil:
		return executor.MessageRef{ChatID: m.Message.Chat.ID, MessageID: m.Message.ID}, true
	case m.InaccessibleMessage != nil:
		return executor.MessageRef{ChatID: m.InaccessibleMessage.Chat.ID, MessageID: m.InaccessibleMessage.MessageID}, true
	default:
		return executor.MessageRef{}, false
	}
}

func (r *Router) reply(ctx context.Context, callbackID, text string, alert bool) {
	if _, err := r.answer.AnswerCallbackQuery(ctx, &tgbot.AnswerCallbackQueryParams{
		CallbackQueryID: callbackID,
		Text:            text,
		ShowAlert:       alert,
	}); err != nil {
		r.log.Warn().Err(err).Msg("answer callback failed")
	}
}

func (r *Router) onMessage(ctx context.Context, msg *models.Message) {
	if msg.Text == "" {
		return
	}
	if name, args, ok := parseCommand(msg.Text); ok {
		if cmd, known := r.commands[name]; known {
			r.runCommand(ctx, msg, name, cmd, args)
			return
		}
	}
	if !isGroup(msg.Chat) {
		return
	}
	// Posts made on behalf of a channel or the group itself come from admins.
	if msg.SenderChat != nil || msg.From == nil || msg.From.IsBot {
		return
	}
	_, _, err := r.enforcer.HandleMessage(ctx, enforce.Message{
		ChatID:    msg.Chat.ID,
		MessageID: msg.ID,
		Text:      msg.Text,
		UserID:    msg.From.ID,
		Username:  msg.From.Username,
		FirstName: msg.From.FirstName,
		LastName:  msg.From.LastName,
	})
	if err != nil {
		r.log.Error().Err(err).Int64("chat_id", msg.Chat.ID).Msg("enforcement incomplete")
	}
}

func isGroup(c models.Chat) bool {
	return c.Type == "group" || c.Type == "supergroup"
}

func isPrivate(c models.Chat) bool {
	return c.Type == "private"
}

// parseCommand splits "/name@bot arg1 arg2" into its lower-cased name and
// arguments.
func parseCommand(text string) (string, []string, bool) {
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	fields := strings.Fields(text)
	name := strings.TrimPrefix(fields[0], "/")
	name, _, _ = strings.Cut(name, "@")
	if name == "" {
		return "", nil, false
	}
	return strings.ToLower(name), fields[1:], true
}

// isAdmin decides whether the sender of msg may run admin commands.
func (r *Router) isAdmin(ctx context.Context, msg *models.Message) bool {
	if isPrivate(msg.Chat) {
		return msg.From != nil && r.admins[msg.From.ID]
	}
	if sc := msg.SenderChat; sc != nil {
		if sc.Type == "channel" || sc.ID == msg.Chat.ID {
			return true
		}
	}
	if msg.From == nil {
		return false
	}
	if r.admins[msg.From.ID] {
		return true
	}
	ok, err := r.exec.IsAdmin(ctx, msg.Chat.ID, msg.From.ID)
	if err != nil {
		r.log.Warn().Err(err).Int64("chat_id", msg.Chat.ID).Int64("user_id", msg.From.ID).Msg("admin lookup failed")
		return false
	}
	return ok
}

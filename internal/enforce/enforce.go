// Package enforce acts on content-matcher verdicts: it removes the violating
// message, mutes the sender and records the violation.
package enforce

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sweepmonk/sweepmonk/internal/clock"
	"github.com/sweepmonk/sweepmonk/internal/executor"
	"github.com/sweepmonk/sweepmonk/internal/metrics"
	"github.com/sweepmonk/sweepmonk/internal/rules"
	"github.com/sweepmonk/sweepmonk/internal/storage"
)

// MaxExcerpt bounds the message text kept in a violation record, in runes.
const MaxExcerpt = 500

// Message is a group text message under evaluation.
type Message struct {
	ChatID    int64
	MessageID int
	Text      string
	UserID    int64
	Username  string
	FirstName string
	LastName  string
}

// Matcher decides whether text violates the active rules.
type Matcher interface {
	Evaluate(text string) (rules.Rule, bool)
}

// Store is the persistence the enforcer needs.
type Store interface {
	PolicyGet(chatID int64, defaults storage.ChatPolicy) (storage.ChatPolicy, error)
	ProfileRecordViolation(p storage.UserProfile) (storage.UserProfile, error)
	ViolationAppend(rec storage.ViolationRecord) (uint64, error)
}

// Enforcer handles group text messages.
type Enforcer struct {
	matcher  Matcher
	store    Store
	exec     executor.Executor
	defaults storage.ChatPolicy
	clock    clock.Clock
	log      zerolog.Logger
}

// New creates an Enforcer. A nil clk uses the real clock.
func New(m Matcher, store Store, exec executor.Executor, defaults storage.ChatPolicy, clk clock.Clock, log zerolog.Logger) *Enforcer {
	if clk == nil {
		clk = clock.Real()
	}
	return &Enforcer{
		matcher:  m,
		store:    store,
		exec:     exec,
		defaults: defaults,
		clock:    clk,
		log:      log.With().Str("component", "enforce").Logger(),
	}
}

// HandleMessage evaluates msg and enforces a violation. It reports the rule
// that was enforced, if any. Chat administrators are exempt; when their
// status cannot be determined the message is left alone.
//
// Each enforcement step runs even if an earlier one failed. Executor failures
// are logged; the first storage failure is returned.
func (e *Enforcer) HandleMessage(ctx context.Context, msg Message) (rules.Rule, bool, error) {
	if strings.TrimSpace(msg.Text) == "" {
		return rules.Rule{}, false, nil
	}
	rule, ok := e.matcher.Evaluate(msg.Text)
	if !ok {
		return rules.Rule{}, false, nil
	}

	log := e.log.With().Int64("chat_id", msg.ChatID).Int64("user_id", msg.UserID).
		Str("rule", rule.String()).Logger()

	admin, err := e.exec.IsAdmin(ctx, msg.ChatID, msg.UserID)
	if err != nil {
		log.Warn().Err(err).Msg("admin lookup failed, message left alone")
		return rules.Rule{}, false, nil
	}
	if admin {
		log.Debug().Msg("sender is an administrator, message left alone")
		return rules.Rule{}, false, nil
	}

	log.Info().Str("username", msg.Username).Msg("violation detected")

	policy, err := e.store.PolicyGet(msg.ChatID, e.defaults)
	if err != nil {
		log.Warn().Err(err).Msg("policy lookup failed, using defaults")
		policy = e.defaults
	}

	ref := executor.MessageRef{ChatID: msg.ChatID, MessageID: msg.MessageID}
	if err := e.exec.DeleteMessage(ctx, ref); err != nil {
		log.Error().Err(err).Msg("delete violating message failed")
	}
	until := e.clock.Now().Add(policy.MuteDuration)
	if err := e.exec.Mute(ctx, msg.ChatID, msg.UserID, until); err != nil {
		log.Error().Err(err).Msg("mute sender failed")
	}

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	profile, err := e.store.ProfileRecordViolation(storage.UserProfile{
		UserID:    msg.UserID,
		Username:  msg.Username,
		FirstName: msg.FirstName,
		LastName:  msg.LastName,
	})
	if err != nil {
		log.Error().Err(err).Msg("update user profile failed")
		keep(err)
	}

	if _, err := e.store.ViolationAppend(storage.ViolationRecord{
		UserID:      msg.UserID,
		ChatID:      msg.ChatID,
		Excerpt:     Excerpt(msg.Text),
		MatchedRule: rule.String(),
		Action:      ActionTaken(policy.MuteDuration),
		CreatedAt:   e.clock.Now().UTC(),
	}); err != nil {
		log.Error().Err(err).Msg("record violation failed")
		keep(err)
	} else {
		metrics.ViolationsRecorded.Inc()
	}

	if policy.NotifyAdmins {
		if profile.UserID == 0 {
			profile = storage.UserProfile{UserID: msg.UserID, Username: msg.Username, FirstName: msg.FirstName, LastName: msg.LastName}
		}
		if _, err := e.exec.SendText(ctx, msg.ChatID, Notice(profile, rule, policy.MuteDuration)); err != nil {
			log.Error().Err(err).Msg("send violation notice failed")
		}
	}
	return rule, true, firstErr
}

// Excerpt truncates text to MaxExcerpt runes.
func Excerpt(text string) string {
	r := []rune(text)
	if len(r) <= MaxExcerpt {
		return text
	}
	return string(r[:MaxExcerpt])
}

// ActionTaken is the action recorded on a violation.
func ActionTaken(mute time.Duration) string {
	return "deleted, muted for " + strconv.Itoa(int(mute/time.Second)) + "s"
}

// Notice is the message posted in the chat after a violation.
func Notice(p storage.UserProfile, rule rules.Rule, mute time.Duration) string {
	return fmt.Sprintf("⚠️ Violation detected\n\nUser: %s (ID: %d)\nKeyword: %s\nAction: message deleted, muted for %s",
		p.DisplayName(), p.UserID, rule.String(), HumanDuration(mute))
}

// HumanDuration renders d in the largest whole unit among days, hours,
// minutes and seconds.
func HumanDuration(d time.Duration) string {
	unit := func(n int64, name string) string {
		if n == 1 {
			return "1 " + name
		}
		return fmt.Sprintf("%d %ss", n, name)
	}
	switch {
	case d >= 24*time.Hour && d%(24*time.Hour) == 0:
		return unit(int64(d/(24*time.Hour)), "day")
	case d >= time.Hour && d%time.Hour == 0:
		return unit(int64(d/time.Hour), "hour")
	case d >= time.Minute && d%time.Minute == 0:
		return unit(int64(d/time.Minute), "minute")
	default:
		return unit(int64(d/time.Second), "second")
	}
}

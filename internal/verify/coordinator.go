// Package verify runs the probation state machine for newly joined members.
//
// A probation moves NONE -> PENDING -> {VERIFIED, EXPIRED}. Only PENDING is
// persisted, as a ledger entry. A confirmation and an expiry race to delete
// that entry; whichever delete succeeds owns every side effect of the
// transition, and the loser does nothing.
package verify

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/sweepmonk/sweepmonk/internal/clock"
	"github.com/sweepmonk/sweepmonk/internal/executor"
	"github.com/sweepmonk/sweepmonk/internal/metrics"
	"github.com/sweepmonk/sweepmonk/internal/pool"
	"github.com/sweepmonk/sweepmonk/internal/storage"
)

// ErrWrongUser is returned when someone other than the probationary member
// presses the confirmation button.
var ErrWrongUser = errors.New("confirmation pressed by another user")

// Outcome is the result of a coordinator operation.
type Outcome int

const (
	// OutcomeIgnored means the event was not for the coordinator, e.g. a bot joined.
	OutcomeIgnored Outcome = iota
	// OutcomePending means a new probation was started.
	OutcomePending
	// OutcomeDuplicate means a probation already existed for the member.
	OutcomeDuplicate
	OutcomeVerified
	OutcomeExpired
	// OutcomeAlreadyResolved means another trigger won the race, or there was
	// never an entry. No side effect was performed.
	OutcomeAlreadyResolved
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeVerified:
		return "verified"
	case OutcomeExpired:
		return "expired"
	case OutcomeAlreadyResolved:
		return "already_resolved"
	default:
		return "ignored"
	}
}

// Member describes a chat member as seen in a join or callback event.
type Member struct {
	UserID    int64
	ChatID    int64
	Username  string
	FirstName string
	LastName  string
	IsBot     bool
}

// Key returns the ledger key for the member.
func (m Member) Key() storage.Key { return storage.Key{UserID: m.UserID, ChatID: m.ChatID} }

// Mention renders the member for prompt texts.
func (m Member) Mention() string {
	if m.Username != "" {
		return "@" + m.Username
	}
	if m.FirstName != "" {
		return m.FirstName
	}
	return fmt.Sprintf("user %d", m.UserID)
}

// PolicySource yields per-chat policy. storage.Store satisfies it.
type PolicySource interface {
	PolicyGet(chatID int64, defaults storage.ChatPolicy) (storage.ChatPolicy, error)
}

// Options configures a Coordinator.
type Options struct {
	Clock    clock.Clock
	Defaults storage.ChatPolicy
}

// Coordinator drives probations through the ledger and the executor.
type Coordinator struct {
	ledger   storage.Ledger
	policies PolicySource
	exec     executor.Executor
	clock    clock.Clock
	defaults storage.ChatPolicy
	timers   *timerRegistry
	pool     *pool.Pool
	log      zerolog.Logger
}

// New builds a Coordinator. Without an attached pool, fired timers run Expire
// on the timer goroutine.
func New(ledger storage.Ledger, policies PolicySource, exec executor.Executor, opts Options, log zerolog.Logger) *Coordinator {
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &Coordinator{
		ledger:   ledger,
		policies: policies,
		exec:     exec,
		clock:    clk,
		defaults: opts.Defaults,
		timers:   newTimerRegistry(clk),
		log:      log.With().Str("component", "verify").Logger(),
	}
}

// AttachPool routes fired timers through p. Call before the first Join.
func (c *Coordinator) AttachPool(p *pool.Pool) { c.pool = p }

// ArmedTimers returns the number of in-process timers.
func (c *Coordinator) ArmedTimers() int { return c.timers.len() }

// Stop disarms every in-process timer. Ledger entries are untouched, so the
// sweep resolves them after a restart.
func (c *Coordinator) Stop() { c.timers.stopAll() }

// Join starts a probation for m. A failure to restrict aborts with nothing
// recorded. If the prompt or the ledger write fails after the restriction,
// the member is removed rather than left restricted with no deadline.
func (c *Coordinator) Join(ctx context.Context, m Member) (Outcome, error) {
	if m.IsBot {
		return c.done("join", OutcomeIgnored), nil
	}
	key := m.Key()
	log := c.log.With().Stringer("key", key).Logger()

	existing, err := c.ledger.ProbationGet(ctx, key)
	if err != nil {
		return c.fail("join", fmt.Errorf("join %s: %w", key, err))
	}
	if existing != nil {
		log.Debug().Msg("probation already pending, join ignored")
		return c.done("join", OutcomeDuplicate), nil
	}

	policy, err := c.policies.PolicyGet(m.ChatID, c.defaults)
	if err != nil {
		log.Warn().Err(err).Msg("policy lookup failed, using defaults")
		policy = c.defaults
	}
	timeout := policy.VerificationTimeout

	if err := c.exec.Restrict(ctx, m.ChatID, m.UserID); err != nil {
		return c.fail("join", fmt.Errorf("join %s: %w", key, err))
	}

	now := c.clock.Now()
	ref, err := c.exec.SendChallenge(ctx, m.ChatID, m.UserID, ChallengeText(m, timeout), EncodeCallback(key))
	if err != nil {
		c.compensate(ctx, key, nil)
		return c.fail("join", fmt.Errorf("join %s: %w", key, err))
	}

	created, err := c.ledger.ProbationCreate(ctx, storage.ProbationEntry{
		UserID:             m.UserID,
		ChatID:             m.ChatID,
		ChallengeMessageID: ref.MessageID,
		CreatedAt:          now,
		ExpiresAt:          now.Add(timeout),
	})
	if err != nil {
		c.compensate(ctx, key, &ref)
		return c.fail("join", fmt.Errorf("join %s: %w", key, err))
	}
	if !created {
		// A concurrent join for the same member won the insert.
		c.cleanup(log, "delete duplicate prompt", c.exec.DeleteMessage(ctx, ref))
		return c.done("join", OutcomeDuplicate), nil
	}

	c.timers.arm(key, timeout, func() { c.fire(key) })
	log.Info().Str("member", m.Mention()).Dur("timeout", timeout).Msg("probation started")
	return c.done("join", OutcomePending), nil
}

// Confirm resolves the probation for key as VERIFIED if it is still pending.
func (c *Coordinator) Confirm(ctx context.Context, key storage.Key, actor Member) (Outcome, error) {
	if actor.UserID != key.UserID {
		metrics.Transitions.WithLabelValues("confirm", "wrong_user").Inc()
		return OutcomeIgnored, ErrWrongUser
	}
	entry, taken, err := c.ledger.ProbationTake(ctx, key)
	if err != nil {
		return c.fail("confirm", fmt.Errorf("confirm %s: %w", key, err))
	}
	if !taken {
		return c.done("confirm", OutcomeAlreadyResolved), nil
	}

	log := c.log.With().Stringer("key", key).Logger()
	c.timers.cancel(key)
	c.cleanup(log, "unrestrict", c.exec.Unrestrict(ctx, key.ChatID, key.UserID))
	if entry.ChallengeMessageID != 0 {
		ref := executor.MessageRef{ChatID: key.ChatID, MessageID: entry.ChallengeMessageID}
		c.cleanup(log, "edit prompt", c.exec.EditMessage(ctx, ref, VerifiedText(actor)))
	}
	log.Info().Str("member", actor.Mention()).Msg("member verified")
	return c.done("confirm", OutcomeVerified), nil
}

// Expire resolves the probation for key as EXPIRED if its deadline has passed
// and it is still pending. An entry newer than the trigger is left alone.
func (c *Coordinator) Expire(ctx context.Context, key storage.Key) (Outcome, error) {
	entry, taken, err := c.ledger.ProbationTakeExpired(ctx, key, c.clock.Now())
	if err != nil {
		return c.fail("expire", fmt.Errorf("expire %s: %w", key, err))
	}
	if !taken {
		return c.done("expire", OutcomeAlreadyResolved), nil
	}

	log := c.log.With().Stringer("key", key).Logger()
	c.timers.cancel(key)
	c.cleanup(log, "remove member", c.exec.BanThenUnban(ctx, key.ChatID, key.UserID))
	if entry.ChallengeMessageID != 0 {
		ref := executor.MessageRef{ChatID: key.ChatID, MessageID: entry.ChallengeMessageID}
		c.cleanup(log, "edit prompt", c.exec.EditMessage(ctx, ref, TimeoutText))
	}
	log.Info().Msg("probation expired, member removed")
	return c.done("expire", OutcomeExpired), nil
}

// HandleJob is the pool.JobHandler for timer-fired expiries.
func (c *Coordinator) HandleJob(ctx context.Context, job pool.Job) error {
	if job.Action != pool.ActionExpire {
		return fmt.Errorf("unknown job action %q", job.Action)
	}
	_, err := c.Expire(ctx, job.Key)
	return err
}

// Retryable reports whether err is a transient storage failure. Executor
// failures are never retried within a transition.
func Retryable(err error) bool {
	var se *storage.StoreError
	return errors.As(err, &se)
}

func (c *Coordinator) fire(key storage.Key) {
	if c.pool != nil {
		c.pool.Enqueue(pool.Job{Action: pool.ActionExpire, Key: key})
		return
	}
	if _, err := c.Expire(context.Background(), key); err != nil {
		c.log.Error().Err(err).Stringer("key", key).Msg("timer expiry failed, sweep will retry")
	}
}

// compensate removes a member whose probation could not be recorded.
func (c *Coordinator) compensate(ctx context.Context, key storage.Key, prompt *executor.MessageRef) {
	log := c.log.With().Stringer("key", key).Logger()
	log.Warn().Msg("join incomplete, removing restricted member")
	c.cleanup(log, "remove member", c.exec.BanThenUnban(ctx, key.ChatID, key.UserID))
	if prompt != nil {
		c.cleanup(log, "delete prompt", c.exec.DeleteMessage(ctx, *prompt))
	}
}

// cleanup logs a failed side effect of a transition that has already won.
func (c *Coordinator) cleanup(log zerolog.Logger, step string, err error) {
	if err != nil {
		log.Error().Err(err).Str("step", step).Msg("cleanup action failed")
	}
}

func (c *Coordinator) done(event string, o Outcome) Outcome {
	metrics.Transitions.WithLabelValues(event, o.String()).Inc()
	return o
}

func (c *Coordinator) fail(event string, err error) (Outcome, error) {
	metrics.Transitions.WithLabelValues(event, "error").Inc()
	return OutcomeIgnored, err
}

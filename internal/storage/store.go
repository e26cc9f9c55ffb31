package storage

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Key identifies a probation: one member in one chat.
type Key struct {
	UserID int64
	ChatID int64
}

// String renders the key as "<user>:<chat>", the form used as a storage key.
func (k Key) String() string {
	return strconv.FormatInt(k.UserID, 10) + ":" + strconv.FormatInt(k.ChatID, 10)
}

// ParseKey is the inverse of Key.String.
func ParseKey(s string) (Key, error) {
	user, chat, ok := strings.Cut(s, ":")
	if !ok {
		return Key{}, fmt.Errorf("malformed key %q", s)
	}
	u, err := strconv.ParseInt(user, 10, 64)
	if err != nil {
		return Key{}, fmt.Errorf("malformed key %q: %w", s, err)
	}
	c, err := strconv.ParseInt(chat, 10, 64)
	if err != nil {
		return Key{}, fmt.Errorf("malformed key %q: %w", s, err)
	}
	return Key{UserID: u, ChatID: c}, nil
}

// ProbationEntry is the persisted PENDING state of a new member. It is
// created once and deleted once; it is never updated.
type ProbationEntry struct {
	UserID int64
	ChatID int64
	// ChallengeMessageID is the prompt message sent into ChatID.
	ChallengeMessageID int
	CreatedAt          time.Time
	ExpiresAt          time.Time
}

// Key returns the entry's ledger key.
func (e ProbationEntry) Key() Key { return Key{UserID: e.UserID, ChatID: e.ChatID} }

// Expired reports whether the deadline has passed at now.
func (e ProbationEntry) Expired(now time.Time) bool { return !e.ExpiresAt.After(now) }

// ChatPolicy holds the per-chat moderation settings.
type ChatPolicy struct {
	MuteDuration        time.Duration
	VerificationTimeout time.Duration
	NotifyAdmins        bool
	UpdatedAt           time.Time
}

// ViolationRecord is an append-only audit row for an enforced message.
type ViolationRecord struct {
	ID          uint64
	UserID      int64
	ChatID      int64
	Excerpt     string
	MatchedRule string
	Action      string
	CreatedAt   time.Time
}

// UserProfile tracks identity and violation history of a member.
type UserProfile struct {
	UserID         int64
	Username       string
	FirstName      string
	LastName       string
	ViolationCount int
	UpdatedAt      time.Time
}

// DisplayName picks the most readable identifier available.
func (p UserProfile) DisplayName() string {
	switch {
	case p.Username != "":
		return "@" + p.Username
	case p.FirstName != "":
		return strings.TrimSpace(p.FirstName + " " + p.LastName)
	default:
		return strconv.FormatInt(p.UserID, 10)
	}
}

// Stats summarises recorded activity. ChatID 0 means every chat.
type Stats struct {
	TotalViolations int
	TodayViolations int
	TotalUsers      int
}

// StoreError wraps a persistence failure. Callers may retry on it; it never
// describes a logical outcome such as "no row".
type StoreError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Ledger persists probation entries. ProbationTake and ProbationTakeExpired
// are the only serialization point between a confirmation and an expiry: for
// a given entry exactly one caller observes taken=true.
type Ledger interface {
	// ProbationCreate inserts e unless an entry already exists for its key.
	ProbationCreate(ctx context.Context, e ProbationEntry) (created bool, err error)
	// ProbationGet returns nil when no entry exists.
	ProbationGet(ctx context.Context, k Key) (*ProbationEntry, error)
	// ProbationTake deletes the entry if present and returns it.
	ProbationTake(ctx context.Context, k Key) (*ProbationEntry, bool, error)
	// ProbationTakeExpired deletes the entry only if its deadline is <= now.
	ProbationTakeExpired(ctx context.Context, k Key, now time.Time) (*ProbationEntry, bool, error)
	// ProbationExpired lists entries whose deadline is <= now.
	ProbationExpired(ctx context.Context, now time.Time) ([]ProbationEntry, error)
	// ProbationCount counts entries in chatID, or in every chat when chatID is 0.
	ProbationCount(ctx context.Context, chatID int64) (int, error)
	Close() error
}

// Store is the persistence interface for moderation state.
type Store interface {
	Ledger

	// PolicyGet returns the chat's policy. On first access defaults are
	// persisted and returned.
	PolicyGet(chatID int64, defaults ChatPolicy) (ChatPolicy, error)
	PolicySet(chatID int64, p ChatPolicy) error

	// ViolationAppend assigns rec an ID and stores it.
	ViolationAppend(rec ViolationRecord) (uint64, error)
	// RecentViolations returns up to limit records for chatID, newest first.
	RecentViolations(chatID int64, limit int) ([]ViolationRecord, error)

	// ProfileRecordViolation upserts the identity fields of p and increments
	// its violation count in one transaction.
	ProfileRecordViolation(p UserProfile) (UserProfile, error)
	ProfileGet(userID int64) (*UserProfile, error)

	Stats(chatID int64, now time.Time) (Stats, error)
	SizeBytes() (int64, error)
}

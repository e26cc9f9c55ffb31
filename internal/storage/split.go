package storage

import (
	"context"
	"errors"
	"time"
)

// WithLedger returns a Store that keeps probation entries in ledger and
// everything else in s. Close closes both.
func WithLedger(s Store, ledger Ledger) Store {
	return &splitStore{Store: s, ledger: ledger}
}

type splitStore struct {
	Store
	ledger Ledger
}

func (s *splitStore) ProbationCreate(ctx context.Context, e ProbationEntry) (bool, error) {
	return s.ledger.ProbationCreate(ctx, e)
}

func (s *splitStore) ProbationGet(ctx context.Context, k Key) (*ProbationEntry, error) {
	return s.ledger.ProbationGet(ctx, k)
}

func (s *splitStore) ProbationTake(ctx context.Context, k Key) (*ProbationEntry, bool, error) {
	return s.ledger.ProbationTake(ctx, k)
}

func (s *splitStore) ProbationTakeExpired(ctx context.Context, k Key, now time.Time) (*ProbationEntry, bool, error) {
	return s.ledger.ProbationTakeExpired(ctx, k, now)
}

func (s *splitStore) ProbationExpired(ctx context.Context, now time.Time) ([]ProbationEntry, error) {
	return s.ledger.ProbationExpired(ctx, now)
}

func (s *splitStore) ProbationCount(ctx context.Context, chatID int64) (int, error) {
	return s.ledger.ProbationCount(ctx, chatID)
}

func (s *splitStore) Close() error {
	return errors.Join(s.ledger.Close(), s.Store.Close())
}

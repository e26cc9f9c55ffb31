package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sweepmonk/sweepmonk/internal/storage"
)

// MockStore implements storage.Store with in-memory maps for testing.
// All methods are safe for concurrent use; the probation take methods are
// atomic under the store mutex, like the real backends.
type MockStore struct {
	mu         sync.Mutex
	probation  map[storage.Key]storage.ProbationEntry
	policies   map[int64]storage.ChatPolicy
	violations []storage.ViolationRecord
	profiles   map[int64]storage.UserProfile

	// Error injection: method -> next error (consumed on first call)
	errors map[string]error

	// Call counts per method
	calls map[string]int

	// SizeBytes value returned by SizeBytes()
	Size int64
}

// NewMockStore returns a zero-state MockStore ready for use.
func NewMockStore() *MockStore {
	return &MockStore{
		probation: make(map[storage.Key]storage.ProbationEntry),
		policies:  make(map[int64]storage.ChatPolicy),
		profiles:  make(map[int64]storage.UserProfile),
		errors:    make(map[string]error),
		calls:     make(map[string]int),
		Size:      1024,
	}
}

// SetError injects an error to be returned on the next call to the named method.
func (m *MockStore) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[method] = err
}

// Calls returns how many times the named method was called.
func (m *MockStore) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

// enter counts the call and pops any injected error. Callers hold m.mu.
func (m *MockStore) enter(method string) error {
	m.calls[method]++
	err := m.errors[method]
	delete(m.errors, method)
	return err
}

// --- Probation ledger -------------------------------------------------------

func (m *MockStore) ProbationCreate(_ context.Context, e storage.ProbationEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ProbationCreate"); err != nil {
		return false, err
	}
	if _, ok := m.probation[e.Key()]; ok {
		return false, nil
	}
	m.probation[e.Key()] = e
	return true, nil
}

func (m *MockStore) ProbationGet(_ context.Context, k storage.Key) (*storage.ProbationEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ProbationGet"); err != nil {
		return nil, err
	}
	e, ok := m.probation[k]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (m *MockStore) ProbationTake(_ context.Context, k storage.Key) (*storage.ProbationEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ProbationTake"); err != nil {
		return nil, false, err
	}
	e, ok := m.probation[k]
	if !ok {
		return nil, false, nil
	}
	delete(m.probation, k)
	return &e, true, nil
}

func (m *MockStore) ProbationTakeExpired(_ context.Context, k storage.Key, now time.Time) (*storage.ProbationEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ProbationTakeExpired"); err != nil {
		return nil, false, err
	}
	e, ok := m.probation[k]
	if !ok || !e.Expired(now) {
		return nil, false, nil
	}
	delete(m.probation, k)
	return &e, true, nil
}

func (m *MockStore) ProbationExpired(_ context.Context, now time.Time) ([]storage.ProbationEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ProbationExpired"); err != nil {
		return nil, err
	}
	var out []storage.ProbationEntry
	for _, e := range m.probation {
		if e.Expired(now) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

func (m *MockStore) ProbationCount(_ context.Context, chatID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ProbationCount"); err != nil {
		return 0, err
	}
	n := 0
	for k := range m.probation {
		if chatID == 0 || k.ChatID == chatID {
			n++
		}
	}
	return n, nil
}

// PutProbation seeds an entry directly, bypassing insert-if-absent.
func (m *MockStore) PutProbation(e storage.ProbationEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probation[e.Key()] = e
}

// --- Chat policy ------------------------------------------------------------

func (m *MockStore) PolicyGet(chatID int64, defaults storage.ChatPolicy) (storage.ChatPolicy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("PolicyGet"); err != nil {
		return storage.ChatPolicy{}, err
	}
	p, ok := m.policies[chatID]
	if !ok {
		p = defaults
		m.policies[chatID] = p
	}
	return p, nil
}

func (m *MockStore) PolicySet(chatID int64, p storage.ChatPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("PolicySet"); err != nil {
		return err
	}
	m.policies[chatID] = p
	return nil
}

// --- Violations and profiles ------------------------------------------------

func (m *MockStore) ViolationAppend(rec storage.ViolationRecord) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ViolationAppend"); err != nil {
		return 0, err
	}
	rec.ID = uint64(len(m.violations) + 1)
	m.violations = append(m.violations, rec)
	return rec.ID, nil
}

func (m *MockStore) RecentViolations(chatID int64, limit int) ([]storage.ViolationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("RecentViolations"); err != nil {
		return nil, err
	}
	var out []storage.ViolationRecord
	for i := len(m.violations) - 1; i >= 0 && len(out) < limit; i-- {
		if chatID == 0 || m.violations[i].ChatID == chatID {
			out = append(out, m.violations[i])
		}
	}
	return out, nil
}

// Violations returns a copy of every appended record, oldest first.
func (m *MockStore) Violations() []storage.ViolationRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]storage.ViolationRecord(nil), m.violations...)
}

func (m *MockStore) ProfileRecordViolation(p storage.UserProfile) (storage.UserProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ProfileRecordViolation"); err != nil {
		return storage.UserProfile{}, err
	}
	cur := m.profiles[p.UserID]
	cur.UserID = p.UserID
	if p.Username != "" {
		cur.Username = p.Username
	}
	if p.FirstName != "" {
		cur.FirstName = p.FirstName
	}
	if p.LastName != "" {
		cur.LastName = p.LastName
	}
	cur.ViolationCount++
	m.profiles[p.UserID] = cur
	return cur, nil
}

func (m *MockStore) ProfileGet(userID int64) (*storage.UserProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ProfileGet"); err != nil {
		return nil, err
	}
	p, ok := m.profiles[userID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

// --- Utility ----------------------------------------------------------------

func (m *MockStore) Stats(chatID int64, now time.Time) (storage.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Stats"); err != nil {
		return storage.Stats{}, err
	}
	st := storage.Stats{TotalUsers: len(m.profiles)}
	y, mo, d := now.Date()
	for _, v := range m.violations {
		if chatID != 0 && v.ChatID != chatID {
			continue
		}
		st.TotalViolations++
		if vy, vm, vd := v.CreatedAt.In(now.Location()).Date(); vy == y && vm == mo && vd == d {
			st.TodayViolations++
		}
	}
	return st, nil
}

func (m *MockStore) SizeBytes() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("SizeBytes"); err != nil {
		return 0, err
	}
	return m.Size, nil
}

func (m *MockStore) Close() error { return nil }

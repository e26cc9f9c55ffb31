package verify_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sweepmonk/sweepmonk/internal/clock"
	"github.com/sweepmonk/sweepmonk/internal/pool"
	"github.com/sweepmonk/sweepmonk/internal/storage"
	"github.com/sweepmonk/sweepmonk/internal/testutil"
	"github.com/sweepmonk/sweepmonk/internal/verify"
)

const chatID = int64(-1001)

var start = time.Unix(1_700_000_000, 0)

var defaults = storage.ChatPolicy{
	MuteDuration:        24 * time.Hour,
	VerificationTimeout: 300 * time.Second,
	NotifyAdmins:        true,
}

type harness struct {
	store *testutil.MockStore
	exec  *testutil.MockExecutor
	clock *clock.Fake
	coord *verify.Coordinator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store: testutil.NewMockStore(),
		exec:  testutil.NewMockExecutor(),
		clock: clock.NewFake(start),
	}
	h.coord = h.newCoordinator()
	return h
}

// newCoordinator builds a coordinator over the harness state, as a restarted
// process would.
func (h *harness) newCoordinator() *verify.Coordinator {
	return verify.New(h.store, h.store, h.exec, verify.Options{Clock: h.clock, Defaults: defaults}, zerolog.Nop())
}

func member(user int64) verify.Member {
	return verify.Member{UserID: user, ChatID: chatID, Username: "newbie", FirstName: "New"}
}

func key(user int64) storage.Key { return storage.Key{UserID: user, ChatID: chatID} }

func TestJoinStartsProbation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	out, err := h.coord.Join(ctx, member(7))
	if err != nil || out != verify.OutcomePending {
		t.Fatalf("Join = %v, %v", out, err)
	}
	if h.exec.Count("Restrict") != 1 {
		t.Errorf("expected one Restrict, calls: %s", h.exec)
	}
	sent := h.exec.Calls("SendChallenge")
	if len(sent) != 1 || !strings.HasSuffix(sent[0].Text, "|verify_7_-1001") {
		t.Fatalf("challenge not sent with callback data: %+v", sent)
	}
	e, _ := h.store.ProbationGet(ctx, key(7))
	if e == nil {
		t.Fatal("no ledger entry written")
	}
	if !e.ExpiresAt.Equal(start.Add(300 * time.Second)) {
		t.Errorf("ExpiresAt = %v, want created+300s", e.ExpiresAt)
	}
	if e.ChallengeMessageID == 0 {
		t.Error("challenge message id not recorded")
	}
	if h.coord.ArmedTimers() != 1 {
		t.Errorf("ArmedTimers = %d, want 1", h.coord.ArmedTimers())
	}
}

func TestJoinIgnoresBots(t *testing.T) {
	h := newHarness(t)
	m := member(7)
	m.IsBot = true
	out, err := h.coord.Join(context.Background(), m)
	if err != nil || out != verify.OutcomeIgnored {
		t.Fatalf("Join(bot) = %v, %v", out, err)
	}
	if len(h.exec.Calls("")) != 0 {
		t.Errorf("bot join caused actions: %s", h.exec)
	}
}

func TestJoinDuplicateIsIgnored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, _ = h.coord.Join(ctx, member(7))

	out, err := h.coord.Join(ctx, member(7))
	if err != nil || out != verify.OutcomeDuplicate {
		t.Fatalf("second Join = %v, %v", out, err)
	}
	if h.exec.Count("Restrict") != 1 || h.exec.Count("SendChallenge") != 1 {
		t.Errorf("duplicate join acted: %s", h.exec)
	}
	if h.coord.ArmedTimers() != 1 {
		t.Errorf("ArmedTimers = %d, want 1", h.coord.ArmedTimers())
	}
}

func TestJoinRestrictFailureAborts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.exec.SetError("Restrict", errors.New("not enough rights"))

	if _, err := h.coord.Join(ctx, member(7)); err == nil {
		t.Fatal("expected error")
	}
	if e, _ := h.store.ProbationGet(ctx, key(7)); e != nil {
		t.Error("ledger entry written despite failed restrict")
	}
	if h.exec.Count("SendChallenge") != 0 {
		t.Error("challenge sent despite failed restrict")
	}
	if h.coord.ArmedTimers() != 0 {
		t.Error("timer armed despite failed restrict")
	}
}

func TestJoinChallengeFailureRemovesMember(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.exec.SetError("SendChallenge", errors.New("flood wait"))

	if _, err := h.coord.Join(ctx, member(7)); err == nil {
		t.Fatal("expected error")
	}
	if h.exec.Count("BanThenUnban") != 1 {
		t.Errorf("restricted member not removed: %s", h.exec)
	}
	if e, _ := h.store.ProbationGet(ctx, key(7)); e != nil {
		t.Error("ledger entry written despite failed challenge")
	}
}

func TestJoinLedgerFailureRemovesMemberAndPrompt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.SetError("ProbationCreate", &storage.StoreError{Op: "probation create", Err: errors.New("disk full")})

	if _, err := h.coord.Join(ctx, member(7)); err == nil {
		t.Fatal("expected error")
	}
	if h.exec.Count("BanThenUnban") != 1 || h.exec.Count("DeleteMessage") != 1 {
		t.Errorf("expected member removal and prompt deletion: %s", h.exec)
	}
	if h.coord.ArmedTimers() != 0 {
		t.Error("timer armed despite failed ledger write")
	}
}

// hiddenLedger hides existing entries from ProbationGet so a join proceeds
// to the insert, as a concurrent join would.
type hiddenLedger struct{ *testutil.MockStore }

func (hiddenLedger) ProbationGet(context.Context, storage.Key) (*storage.ProbationEntry, error) {
	return nil, nil
}

func TestJoinLosingInsertDeletesItsPrompt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.PutProbation(storage.ProbationEntry{UserID: 7, ChatID: chatID, ChallengeMessageID: 1, ExpiresAt: start.Add(time.Minute)})
	coord := verify.New(hiddenLedger{h.store}, h.store, h.exec, verify.Options{Clock: h.clock, Defaults: defaults}, zerolog.Nop())

	out, err := coord.Join(ctx, member(7))
	if err != nil || out != verify.OutcomeDuplicate {
		t.Fatalf("Join = %v, %v", out, err)
	}
	deleted := h.exec.Calls("DeleteMessage")
	if len(deleted) != 1 || deleted[0].Ref.MessageID == 1 {
		t.Errorf("expected the new prompt to be deleted, got %+v", deleted)
	}
	if h.exec.Count("BanThenUnban") != 0 {
		t.Error("losing join must not remove the member")
	}
}

func TestConfirmBeforeDeadline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, _ = h.coord.Join(ctx, member(7))

	h.clock.Advance(299 * time.Second)
	out, err := h.coord.Confirm(ctx, key(7), member(7))
	if err != nil || out != verify.OutcomeVerified {
		t.Fatalf("Confirm = %v, %v", out, err)
	}
	h.clock.Advance(time.Second)

	if h.exec.Count("Unrestrict") != 1 {
		t.Errorf("expected one Unrestrict: %s", h.exec)
	}
	if h.exec.Count("BanThenUnban") != 0 {
		t.Errorf("verified member was removed: %s", h.exec)
	}
	edits := h.exec.Calls("EditMessage")
	if len(edits) != 1 || !strings.Contains(edits[0].Text, "verified") {
		t.Errorf("prompt not edited to success: %+v", edits)
	}
	if out, _ := h.coord.Expire(ctx, key(7)); out != verify.OutcomeAlreadyResolved {
		t.Errorf("late Expire = %v, want already resolved", out)
	}
	if h.coord.ArmedTimers() != 0 {
		t.Errorf("timer still armed after confirm")
	}
}

func TestTimerExpiresAtDeadline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, _ = h.coord.Join(ctx, member(7))

	h.clock.Advance(300 * time.Second)

	if h.exec.Count("BanThenUnban") != 1 {
		t.Fatalf("member not removed at deadline: %s", h.exec)
	}
	edits := h.exec.Calls("EditMessage")
	if len(edits) != 1 || edits[0].Text != verify.TimeoutText {
		t.Errorf("prompt not edited to timeout text: %+v", edits)
	}
	out, err := h.coord.Confirm(ctx, key(7), member(7))
	if err != nil || out != verify.OutcomeAlreadyResolved {
		t.Fatalf("late Confirm = %v, %v", out, err)
	}
	if h.exec.Count("Unrestrict") != 0 {
		t.Error("late confirmation unrestricted the member")
	}
	if len(h.store.Violations()) != 0 {
		t.Error("expiry must not write a violation record")
	}
}

func TestConfirmByAnotherUser(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, _ = h.coord.Join(ctx, member(7))

	_, err := h.coord.Confirm(ctx, key(7), member(8))
	if !errors.Is(err, verify.ErrWrongUser) {
		t.Fatalf("expected ErrWrongUser, got %v", err)
	}
	if e, _ := h.store.ProbationGet(ctx, key(7)); e == nil {
		t.Error("wrong-user confirmation removed the entry")
	}
	if h.exec.Count("Unrestrict") != 0 {
		t.Error("wrong-user confirmation unrestricted the member")
	}
}

func TestConfirmWithoutEntry(t *testing.T) {
	h := newHarness(t)
	out, err := h.coord.Confirm(context.Background(), key(7), member(7))
	if err != nil || out != verify.OutcomeAlreadyResolved {
		t.Fatalf("Confirm = %v, %v", out, err)
	}
	if len(h.exec.Calls("")) != 0 {
		t.Errorf("no-op confirmation acted: %s", h.exec)
	}
}

func TestCleanupFailureStillVerifies(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, _ = h.coord.Join(ctx, member(7))
	h.exec.SetError("Unrestrict", errors.New("timeout"))
	h.exec.SetError("EditMessage", errors.New("message not found"))

	out, err := h.coord.Confirm(ctx, key(7), member(7))
	if err != nil || out != verify.OutcomeVerified {
		t.Fatalf("Confirm = %v, %v", out, err)
	}
	if e, _ := h.store.ProbationGet(ctx, key(7)); e != nil {
		t.Error("entry must stay deleted after a cleanup failure")
	}
}

func TestExpireLeavesNewerProbationAlone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.PutProbation(storage.ProbationEntry{UserID: 7, ChatID: chatID, ExpiresAt: start.Add(time.Minute)})

	out, err := h.coord.Expire(ctx, key(7))
	if err != nil || out != verify.OutcomeAlreadyResolved {
		t.Fatalf("Expire = %v, %v", out, err)
	}
	if e, _ := h.store.ProbationGet(ctx, key(7)); e == nil {
		t.Error("stale trigger resolved a probation that has not expired")
	}
}

func TestExpireStoreErrorIsRetryable(t *testing.T) {
	h := newHarness(t)
	h.store.SetError("ProbationTakeExpired", &storage.StoreError{Op: "probation take", Err: errors.New("timeout")})

	_, err := h.coord.Expire(context.Background(), key(7))
	if err == nil || !verify.Retryable(err) {
		t.Fatalf("expected retryable store error, got %v", err)
	}
	if verify.Retryable(errors.New("chat not found")) {
		t.Error("non-storage errors must not be retryable")
	}
}

// raceConfirmExpire runs a confirmation and an expiry concurrently on n
// expired entries in store. Exactly one side effect may happen per entry.
func raceConfirmExpire(t *testing.T, store storage.Store, n int64) {
	t.Helper()
	ctx := context.Background()
	exec := testutil.NewMockExecutor()
	coord := verify.New(store, store, exec, verify.Options{Clock: clock.NewFake(start), Defaults: defaults}, zerolog.Nop())
	for u := int64(1); u <= n; u++ {
		e := storage.ProbationEntry{UserID: u, ChatID: chatID, ChallengeMessageID: int(u), CreatedAt: start.Add(-time.Minute), ExpiresAt: start}
		if created, err := store.ProbationCreate(ctx, e); err != nil || !created {
			t.Fatalf("seed %d: created=%v err=%v", u, created, err)
		}
	}

	var wg sync.WaitGroup
	for u := int64(1); u <= n; u++ {
		wg.Add(2)
		go func(u int64) {
			defer wg.Done()
			if _, err := coord.Confirm(ctx, key(u), member(u)); err != nil {
				t.Errorf("Confirm: %v", err)
			}
		}(u)
		go func(u int64) {
			defer wg.Done()
			if _, err := coord.Expire(ctx, key(u)); err != nil {
				t.Errorf("Expire: %v", err)
			}
		}(u)
	}
	wg.Wait()

	perUser := make(map[int64]int)
	for _, c := range exec.Calls("Unrestrict") {
		perUser[c.UserID]++
	}
	for _, c := range exec.Calls("BanThenUnban") {
		perUser[c.UserID]++
	}
	for u := int64(1); u <= n; u++ {
		if perUser[u] != 1 {
			t.Errorf("user %d: %d resolutions, want exactly 1", u, perUser[u])
		}
	}
	if left, _ := store.ProbationCount(ctx, 0); left != 0 {
		t.Errorf("%d entries left in the ledger", left)
	}
}

func TestConfirmExpireRace(t *testing.T) {
	raceConfirmExpire(t, testutil.NewMockStore(), 200)
}

func TestConfirmExpireRaceBbolt(t *testing.T) {
	store, err := storage.NewBboltStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	raceConfirmExpire(t, store, 100)
}

func TestTimerFiresThroughPool(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p, err := pool.New(pool.Config{Workers: 2, QueueDepth: 8, MaxRetries: 1, RetryBase: time.Millisecond, Retryable: verify.Retryable},
		h.coord.HandleJob, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	h.coord.AttachPool(p)
	p.Start(ctx)

	_, _ = h.coord.Join(ctx, member(7))
	h.clock.Advance(300 * time.Second)
	p.Stop()

	if h.exec.Count("BanThenUnban") != 1 {
		t.Fatalf("pool job did not expire the probation: %s", h.exec)
	}
}

func TestHandleJobRejectsUnknownAction(t *testing.T) {
	h := newHarness(t)
	if err := h.coord.HandleJob(context.Background(), pool.Job{Action: "ban", Key: key(7)}); err == nil {
		t.Error("expected error for unknown action")
	}
}

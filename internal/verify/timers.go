package verify

import (
	"sync"
	"time"

	"github.com/sweepmonk/sweepmonk/internal/clock"
	"github.com/sweepmonk/sweepmonk/internal/metrics"
	"github.com/sweepmonk/sweepmonk/internal/storage"
)

// timerRegistry holds the in-process timer per pending key. It is a cache of
// the ledger, never a source of truth; the lock covers map access only.
type timerRegistry struct {
	clock clock.Clock
	mu    sync.Mutex
	m     map[storage.Key]clock.Timer
}

func newTimerRegistry(clk clock.Clock) *timerRegistry {
	return &timerRegistry{clock: clk, m: make(map[storage.Key]clock.Timer)}
}

// arm schedules fire after d, replacing any timer already armed for key.
func (r *timerRegistry) arm(key storage.Key, d time.Duration, fire func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.m[key]; ok {
		old.Stop()
	}
	var t clock.Timer
	t = r.clock.AfterFunc(d, func() {
		r.mu.Lock()
		if r.m[key] == t {
			delete(r.m, key)
		}
		metrics.ArmedTimers.Set(float64(len(r.m)))
		r.mu.Unlock()
		fire()
	})
	r.m[key] = t
	metrics.ArmedTimers.Set(float64(len(r.m)))
}

// cancel stops and forgets the timer for key, if any.
func (r *timerRegistry) cancel(key storage.Key) {
	r.mu.Lock()
	t, ok := r.m[key]
	delete(r.m, key)
	metrics.ArmedTimers.Set(float64(len(r.m)))
	r.mu.Unlock()
	if ok {
		t.Stop()
	}
}

func (r *timerRegistry) stopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, t := range r.m {
		t.Stop()
		delete(r.m, k)
	}
	metrics.ArmedTimers.Set(0)
}

func (r *timerRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.m)
}

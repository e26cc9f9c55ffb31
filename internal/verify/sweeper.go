package verify

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/sweepmonk/sweepmonk/internal/metrics"
	"github.com/sweepmonk/sweepmonk/internal/pool"
	"github.com/sweepmonk/sweepmonk/internal/storage"
)

// Sizer reports the on-disk size of the local database.
type Sizer interface {
	SizeBytes() (int64, error)
}

// Sweeper is the reconciliation backstop: it resolves every expired ledger
// entry whether or not an in-process timer exists for it, which covers
// restarts and dropped timer jobs. It also refreshes the housekeeping gauges.
type Sweeper struct {
	coord    *Coordinator
	ledger   storage.Ledger
	sizer    Sizer
	pool     *pool.Pool
	interval time.Duration
	log      zerolog.Logger
}

// NewSweeper creates a Sweeper. sizer and workerPool may be nil.
func NewSweeper(coord *Coordinator, ledger storage.Ledger, sizer Sizer, workerPool *pool.Pool, interval time.Duration, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		coord:    coord,
		ledger:   ledger,
		sizer:    sizer,
		pool:     workerPool,
		interval: interval,
		log:      log.With().Str("component", "sweeper").Logger(),
	}
}

// Run executes the sweep loop until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx, "startup")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.tick(ctx, "interval")
		}
	}
}

func (s *Sweeper) tick(ctx context.Context, trigger string) {
	if _, err := s.Sweep(ctx, trigger); err != nil {
		s.log.Warn().Err(err).Msg("sweep failed")
	}

	if n, err := s.ledger.ProbationCount(ctx, 0); err != nil {
		s.log.Warn().Err(err).Msg("count pending probations failed")
	} else {
		metrics.PendingProbations.Set(float64(n))
	}

	if s.sizer != nil {
		size, err := s.sizer.SizeBytes()
		if err != nil {
			s.log.Warn().Err(err).Msg("read db size failed")
		} else {
			metrics.DBSizeBytes.Set(float64(size))
		}
	}

	if s.pool != nil {
		metrics.WorkerQueueDepth.Set(float64(s.pool.Depth()))
	}
}

// Sweep applies Expire to every entry whose deadline has passed and returns
// how many this call resolved. Entries resolved concurrently by a timer or a
// confirmation are counted as neither.
func (s *Sweeper) Sweep(ctx context.Context, trigger string) (int, error) {
	start := time.Now()
	defer func() {
		metrics.SweepDuration.WithLabelValues(trigger).Observe(time.Since(start).Seconds())
	}()

	expired, err := s.ledger.ProbationExpired(ctx, s.coord.clock.Now())
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, e := range expired {
		if ctx.Err() != nil {
			return resolved, ctx.Err()
		}
		outcome, err := s.coord.Expire(ctx, e.Key())
		if err != nil {
			s.log.Warn().Err(err).Stringer("key", e.Key()).Msg("expire failed, retrying next sweep")
			continue
		}
		if outcome == OutcomeExpired {
			resolved++
			metrics.SweepResolved.Inc()
		}
	}
	if resolved > 0 {
		s.log.Info().Int("count", resolved).Str("trigger", trigger).Msg("sweep resolved expired probations")
	}
	s.log.Debug().Str("trigger", trigger).Msg("sweep complete")
	return resolved, nil
}

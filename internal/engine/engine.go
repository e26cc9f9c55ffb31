// Package engine wires the moderation components together and runs them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/sweepmonk/sweepmonk/internal/bot"
	"github.com/sweepmonk/sweepmonk/internal/clock"
	"github.com/sweepmonk/sweepmonk/internal/config"
	"github.com/sweepmonk/sweepmonk/internal/enforce"
	"github.com/sweepmonk/sweepmonk/internal/executor"
	"github.com/sweepmonk/sweepmonk/internal/logger"
	"github.com/sweepmonk/sweepmonk/internal/matcher"
	"github.com/sweepmonk/sweepmonk/internal/pool"
	"github.com/sweepmonk/sweepmonk/internal/rules"
	"github.com/sweepmonk/sweepmonk/internal/storage"
	"github.com/sweepmonk/sweepmonk/internal/verify"
	"golang.org/x/sync/errgroup"
)

// API is the part of *bot.Bot the engine calls.
type API interface {
	executor.API
	bot.CallbackAnswerer
}

// Poller receives updates until ctx is cancelled. *bot.Bot satisfies it.
type Poller interface {
	Start(ctx context.Context)
}

// Deps are the externally built collaborators of an Engine.
type Deps struct {
	API API
	// Poller may be nil for one-shot commands that never call Run.
	Poller Poller
	Store  storage.Store
	Rules  *rules.Store
	// LogChannel, when set, is served alongside the engine.
	LogChannel *logger.ChannelWriter
	Clock      clock.Clock
}

// Engine owns the moderation pipeline and its background loops.
type Engine struct {
	cfg     *config.Config
	deps    Deps
	pool    *pool.Pool
	coord   *verify.Coordinator
	sweeper *verify.Sweeper
	router  *bot.Router
	log     zerolog.Logger
}

// New builds a fully wired Engine.
func New(cfg *config.Config, d Deps, log zerolog.Logger) (*Engine, error) {
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	defaults := DefaultPolicy(cfg)

	exec := executor.NewTelegram(d.API, cfg.ActionTimeout, log)

	var convs []matcher.Converter
	if cfg.ScriptConversion {
		convs = matcher.DefaultConverters(log)
	}
	m := matcher.New(d.Rules, log, convs...)

	coord := verify.New(d.Store, d.Store, exec, verify.Options{Clock: d.Clock, Defaults: defaults}, log)
	p, err := pool.New(pool.Config{
		Workers:    cfg.PoolWorkers,
		QueueDepth: cfg.PoolQueueDepth,
		MaxRetries: cfg.PoolMaxRetries,
		RetryBase:  cfg.PoolRetryBase,
		Retryable:  verify.Retryable,
	}, coord.HandleJob, log)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	coord.AttachPool(p)

	enf := enforce.New(m, d.Store, exec, defaults, d.Clock, log)
	router := bot.New(coord, enf, d.Rules, d.Store, exec, d.API, bot.Options{
		AdminUserIDs: cfg.AdminUserIDs,
		Defaults:     defaults,
		Clock:        d.Clock,
	}, log)

	return &Engine{
		cfg:     cfg,
		deps:    d,
		pool:    p,
		coord:   coord,
		sweeper: verify.NewSweeper(coord, d.Store, d.Store, p, cfg.SweepInterval, log),
		router:  router,
		log:     log,
	}, nil
}

// DefaultPolicy is the chat policy a chat starts with.
func DefaultPolicy(cfg *config.Config) storage.ChatPolicy {
	return storage.ChatPolicy{
		MuteDuration:        cfg.DefaultMuteDuration,
		VerificationTimeout: cfg.DefaultVerificationTimeout,
		NotifyAdmins:        cfg.DefaultNotifyAdmins,
	}
}

// OpenStore opens the local database and, for the redis backend, moves the
// probation ledger to Redis.
func OpenStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	store, err := storage.NewBboltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if cfg.LedgerBackend != config.LedgerRedis {
		return store, nil
	}
	ledger, err := storage.NewRedisLedger(ctx, cfg.RedisURL, cfg.RedisPrefix)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open redis ledger: %w", err)
	}
	return storage.WithLedger(store, ledger), nil
}

// Handle is the bot.HandlerFunc for every update.
func (e *Engine) Handle(ctx context.Context, b *tgbot.Bot, u *models.Update) {
	e.router.Handle(ctx, b, u)
}

// Sweep resolves every expired probation once.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	return e.sweeper.Sweep(ctx, "manual")
}

// Run starts all goroutines and blocks until ctx is cancelled or a fatal error occurs.
func (e *Engine) Run(ctx context.Context) error {
	if e.deps.Poller == nil {
		return errors.New("engine has no update poller")
	}
	g, gctx := errgroup.WithContext(ctx)

	// Start worker pool
	e.pool.Start(gctx)

	// Telegram long polling
	g.Go(func() error {
		e.log.Info().Msg("polling for updates")
		e.deps.Poller.Start(gctx)
		return nil
	})

	// Expiry backstop
	g.Go(func() error {
		return e.sweeper.Run(gctx)
	})

	if e.deps.LogChannel != nil {
		g.Go(func() error {
			return e.deps.LogChannel.Serve(gctx)
		})
	}

	// Prometheus metrics server
	if e.cfg.MetricsEnabled {
		g.Go(func() error {
			return serve(gctx, "metrics", e.cfg.MetricsAddr, metricsMux(), e.log)
		})
	}

	// Health endpoints
	g.Go(func() error {
		return serve(gctx, "health", e.cfg.HealthAddr, e.healthMux(), e.log)
	})

	err := g.Wait()
	e.coord.Stop()
	e.pool.Stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func (e *Engine) healthMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := e.deps.Store.ProbationCount(r.Context(), 0); err != nil {
			http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}

// serve runs an HTTP server until ctx is cancelled.
func serve(ctx context.Context, name, addr string, h http.Handler, log zerolog.Logger) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: h,
	}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	log.Info().Str("addr", addr).Msgf("%s server started", name)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}

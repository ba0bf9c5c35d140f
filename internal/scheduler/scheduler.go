package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

const (
	defaultResetSpec  = "0 * * * * *"
	defaultExpirySpec = "30 * * * * *"
	defaultPruneSpec  = "0 */5 * * * *"
	defaultBatch      = 500
)

// WindowResetter resets quota windows whose boundary has passed.
type WindowResetter interface {
	ResetDueWindows(ctx context.Context, batch int) (int, error)
}

// SessionSweeper expires open download sessions past their expiry.
type SessionSweeper interface {
	ExpireStale(ctx context.Context, limit int) (int, error)
}

// Pruner drops expired rate limit buckets.
type Pruner interface {
	Prune() int
}

// Config holds cron specs with a seconds field. Empty specs use defaults.
type Config struct {
	ResetSpec  string
	ExpirySpec string
	PruneSpec  string
	Batch      int
}

type Scheduler struct {
	cron *cron.Cron
	ctx  context.Context
	cfg  Config
}

func New(ctx context.Context, cfg Config) *Scheduler {
	if cfg.ResetSpec == "" {
		cfg.ResetSpec = defaultResetSpec
	}
	if cfg.ExpirySpec == "" {
		cfg.ExpirySpec = defaultExpirySpec
	}
	if cfg.PruneSpec == "" {
		cfg.PruneSpec = defaultPruneSpec
	}
	if cfg.Batch <= 0 {
		cfg.Batch = defaultBatch
	}
	c := cron.New(
		cron.WithSeconds(),
		cron.WithChain(
			recoverPanics(),
			cron.SkipIfStillRunning(cron.DiscardLogger),
		),
	)
	return &Scheduler{cron: c, ctx: ctx, cfg: cfg}
}

// Register adds the periodic jobs. pruner may be nil when the rate limit
// store expires keys on its own.
func (s *Scheduler) Register(resetter WindowResetter, sweeper SessionSweeper, pruner Pruner) error {
	if resetter != nil {
		if err := s.add("quota_window_reset", s.cfg.ResetSpec, func(ctx context.Context) (int, error) {
			return resetter.ResetDueWindows(ctx, s.cfg.Batch)
		}); err != nil {
			return err
		}
	}
	if sweeper != nil {
		if err := s.add("session_expiry", s.cfg.ExpirySpec, func(ctx context.Context) (int, error) {
			return sweeper.ExpireStale(ctx, s.cfg.Batch)
		}); err != nil {
			return err
		}
	}
	if pruner != nil {
		if err := s.add("rate_limit_prune", s.cfg.PruneSpec, func(context.Context) (int, error) {
			return pruner.Prune(), nil
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) add(name, spec string, run func(context.Context) (int, error)) error {
	if _, err := s.cron.AddJob(spec, job{name: name, ctx: s.ctx, run: run}); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	log.Info().Str("job", name).Str("schedule", spec).Msg("job registered")
	return nil
}

// Jobs returns the number of registered jobs.
func (s *Scheduler) Jobs() int { return len(s.cron.Entries()) }

func (s *Scheduler) Start() {
	s.cron.Start()
	log.Info().Msg("scheduler started")
}

// Stop waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	log.Info().Msg("scheduler stopped")
}

type job struct {
	name string
	ctx  context.Context
	run  func(context.Context) (int, error)
}

func (j job) Run() {
	if j.ctx.Err() != nil {
		return
	}
	logger := log.With().Str("job", j.name).Str("execution_id", uuid.NewString()).Logger()
	start := time.Now()
	n, err := j.run(j.ctx)
	if err != nil {
		logger.Error().Err(err).Dur("duration", time.Since(start)).Msg("job failed")
		return
	}
	logger.Debug().Int("affected", n).Dur("duration", time.Since(start)).Msg("job finished")
}

func recoverPanics() cron.JobWrapper {
	return func(j cron.Job) cron.Job {
		return cron.FuncJob(func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().
						Interface("panic", r).
						Str("stack", string(debug.Stack())).
						Msg("job panicked")
				}
			}()
			j.Run()
		})
	}
}

// Package automation runs the raffle's upkeep on a schedule: every tick it
// asks whether the round may be closed and, if so, closes it.
package automation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/raffle_layer/internal/metrics"
	"github.com/R3E-Network/raffle_layer/pkg/logger"
	"github.com/R3E-Network/raffle_layer/services/raffle"
)

const (
	DefaultSchedule   = "@every 10s"
	DefaultAttempts   = 3
	DefaultRetryDelay = 500 * time.Millisecond
	DefaultTimeout    = 30 * time.Second
)

// Upkeeper is the part of the raffle the keeper drives.
type Upkeeper interface {
	CheckUpkeep() raffle.UpkeepCheck
	PerformUpkeep(ctx context.Context) (raffle.RequestID, error)
}

// Config controls the keeper schedule and retry policy.
type Config struct {
	Schedule   string        `yaml:"schedule" env:"RAFFLE_KEEPER_SCHEDULE"`
	Attempts   uint          `yaml:"attempts" env:"RAFFLE_KEEPER_ATTEMPTS"`
	RetryDelay time.Duration `yaml:"retry_delay" env:"RAFFLE_KEEPER_RETRY_DELAY"`
	Timeout    time.Duration `yaml:"timeout" env:"RAFFLE_KEEPER_TIMEOUT"`
}

func (c Config) withDefaults() Config {
	if c.Schedule == "" {
		c.Schedule = DefaultSchedule
	}
	if c.Attempts == 0 {
		c.Attempts = DefaultAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// Result describes one keeper tick.
type Result struct {
	Check     raffle.UpkeepCheck
	Performed bool
	RequestID raffle.RequestID
}

// Keeper is the automation actor.
type Keeper struct {
	target Upkeeper
	cfg    Config
	log    *logger.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	baseCtx context.Context
	cancel  context.CancelFunc
}

// New creates a keeper. The schedule is validated here so a bad expression
// fails at startup rather than at the first tick.
func New(target Upkeeper, cfg Config, log *logger.Logger) (*Keeper, error) {
	if target == nil {
		return nil, fmt.Errorf("automation: upkeep target is required")
	}
	cfg = cfg.withDefaults()
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("automation: invalid schedule %q: %w", cfg.Schedule, err)
	}
	if log == nil {
		log = logger.NewDefault("automation")
	}
	return &Keeper{target: target, cfg: cfg, log: log}, nil
}

// RunOnce performs a single tick.
func (k *Keeper) RunOnce(ctx context.Context) (Result, error) {
	start := time.Now()
	res, err := k.tick(ctx)

	result := "skipped"
	switch {
	case err != nil:
		result = "failed"
	case res.Performed:
		result = "performed"
	}
	metrics.RecordKeeperTick(result, time.Since(start))
	return res, err
}

func (k *Keeper) tick(ctx context.Context) (Result, error) {
	check := k.target.CheckUpkeep()
	res := Result{Check: check}
	if !check.Needed() {
		return res, nil
	}

	id, err := retry.DoWithData(
		func() (raffle.RequestID, error) {
			return k.target.PerformUpkeep(ctx)
		},
		retry.Context(ctx),
		retry.Attempts(k.cfg.Attempts),
		retry.Delay(k.cfg.RetryDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isTransient),
		retry.OnRetry(func(n uint, err error) {
			k.log.WithError(err).
				WithField("attempt", n+1).
				WithField("max_attempts", k.cfg.Attempts).
				Debug("perform upkeep failed, retrying")
		}),
	)
	if err != nil {
		// Another actor closed the round between check and perform.
		if errors.Is(err, raffle.ErrUpkeepNotNeeded) {
			return res, nil
		}
		k.log.WithError(err).Warn("perform upkeep failed")
		return res, err
	}

	res.Performed = true
	res.RequestID = id
	k.log.WithField("request_id", id.String()).Info("upkeep performed")
	return res, nil
}

// isTransient reports whether a PerformUpkeep failure is worth retrying.
func isTransient(err error) bool {
	switch {
	case errors.Is(err, raffle.ErrUpkeepNotNeeded),
		errors.Is(err, raffle.ErrNotLoaded),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// Start schedules ticks until Stop or until ctx is cancelled.
func (k *Keeper) Start(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.cron != nil {
		return fmt.Errorf("automation: keeper already started")
	}

	k.baseCtx, k.cancel = context.WithCancel(ctx)
	c := cron.New(cron.WithChain(
		cron.Recover(cron.PrintfLogger(k.log)),
		cron.SkipIfStillRunning(cron.PrintfLogger(k.log)),
	))
	if _, err := c.AddFunc(k.cfg.Schedule, k.scheduledTick); err != nil {
		k.cancel()
		return fmt.Errorf("automation: schedule: %w", err)
	}
	c.Start()
	k.cron = c

	k.log.WithField("schedule", k.cfg.Schedule).Info("raffle keeper started")
	return nil
}

func (k *Keeper) scheduledTick() {
	k.mu.Lock()
	base := k.baseCtx
	k.mu.Unlock()
	if base == nil || base.Err() != nil {
		return
	}

	ctx, cancel := context.WithTimeout(base, k.cfg.Timeout)
	defer cancel()
	_, _ = k.RunOnce(ctx)
}

// Stop halts scheduling and waits for a running tick to finish.
func (k *Keeper) Stop() error {
	k.mu.Lock()
	c := k.cron
	cancel := k.cancel
	k.cron = nil
	k.mu.Unlock()

	if c == nil {
		return nil
	}
	<-c.Stop().Done()
	cancel()
	k.log.Info("raffle keeper stopped")
	return nil
}

package agentpool

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// SweeperConfig tunes the periodic idle-entry sweep.
type SweeperConfig struct {
	// Schedule is a cron expression (descriptors like "@every 5m" work).
	Schedule string
	// MaxIdle is the idle duration after which an entry is discarded.
	MaxIdle time.Duration
}

// DefaultSweeperConfig sweeps every five minutes, evicting entries idle
// for half an hour.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{Schedule: "@every 5m", MaxIdle: 30 * time.Minute}
}

// Sweeper periodically evicts long-idle pool entries so a burst of
// delegations doesn't pin warm sub-agents (and their contexts) forever.
type Sweeper[T any] struct {
	pool *Pool[T]
	cfg  SweeperConfig
	log  *slog.Logger
	cron *cron.Cron

	// OnSweep, when set, observes each sweep's eviction count and the
	// post-sweep occupancy (for metrics gauges).
	OnSweep func(evicted int, stats Stats)
}

// NewSweeper creates a Sweeper over pool. Zero-value config fields fall
// back to DefaultSweeperConfig.
func NewSweeper[T any](pool *Pool[T], cfg SweeperConfig, log *slog.Logger) (*Sweeper[T], error) {
	def := DefaultSweeperConfig()
	if cfg.Schedule == "" {
		cfg.Schedule = def.Schedule
	}
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = def.MaxIdle
	}
	if log == nil {
		log = slog.Default()
	}

	s := &Sweeper[T]{
		pool: pool,
		cfg:  cfg,
		log:  log,
		cron: cron.New(),
	}
	if _, err := s.cron.AddFunc(cfg.Schedule, s.sweep); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins the sweep schedule.
func (s *Sweeper[T]) Start() { s.cron.Start() }

// Stop halts the schedule, waiting for an in-flight sweep to finish.
func (s *Sweeper[T]) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Sweeper[T]) sweep() {
	evicted := s.pool.EvictIdle(s.cfg.MaxIdle)
	stats := s.pool.Stats()
	if evicted > 0 {
		s.log.Info("agentpool: swept idle agents", "evicted", evicted, "idle", stats.Idle, "in_use", stats.InUse)
	}
	if s.OnSweep != nil {
		s.OnSweep(evicted, stats)
	}
}

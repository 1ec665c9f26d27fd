// Package watchdog is a wall-clock progress watchdog with reference-counted
// pause/resume, letting an arbitrarily deep chain of nested sub-agent
// delegations suspend a parent's timeout without corrupting it.
package watchdog

import (
	"log/slog"
	"sync"
	"time"
)

// maxPauseDepth caps pauseCount; exceeding it indicates mismatched
// pause/resume calls rather than legitimate nesting depth.
const maxPauseDepth = 10

// Config configures a Monitor.
type Config struct {
	// TimeoutMs is the wall-clock idle duration that triggers onTimeout.
	TimeoutMs int
	// CheckIntervalMs is the cadence at which the idle duration is tested.
	CheckIntervalMs int
}

// DefaultConfig returns sane defaults: a five-minute timeout checked every
// five seconds.
func DefaultConfig() Config {
	return Config{TimeoutMs: 5 * 60 * 1000, CheckIntervalMs: 5000}
}

func sanitizeConfig(cfg Config) Config {
	def := DefaultConfig()
	if cfg.TimeoutMs <= 0 {
		cfg.TimeoutMs = def.TimeoutMs
	}
	if cfg.CheckIntervalMs <= 0 {
		cfg.CheckIntervalMs = def.CheckIntervalMs
	}
	return cfg
}

// Monitor fires onTimeout if no RecordActivity call occurs within the
// configured timeout while unpaused. Pause is reference-counted: the
// watchdog is inactive iff pauseCount > 0, so nested delegations
// (Agent1 -> Agent2 -> Agent3) can each pause independently without one
// resume prematurely reactivating the clock for a still-paused caller.
type Monitor struct {
	cfg       Config
	onTimeout func()
	log       *slog.Logger

	mu           sync.Mutex
	started      bool
	stopped      bool
	fired        bool
	pauseCount   int
	lastActivity time.Time
	stopCh       chan struct{}
	doneCh       chan struct{}
}

// New creates a Monitor with the given configuration. onTimeout is invoked
// at most once per Start/Stop cycle, from the monitor's internal goroutine.
// A nil logger falls back to slog.Default().
func New(cfg Config, onTimeout func(), log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{cfg: sanitizeConfig(cfg), onTimeout: onTimeout, log: log}
}

// Start begins the watchdog, resetting the activity clock to now. Start is
// a no-op if already started.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.started && !m.stopped {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.stopped = false
	m.fired = false
	m.pauseCount = 0
	m.lastActivity = time.Now()
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	go m.run(stopCh, doneCh)
}

// Stop halts the watchdog; it will not fire again until Start is called.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	close(stopCh)
	<-doneCh
}

// Pause increments the pause depth; the watchdog is inactive while
// pauseCount > 0. If incrementing would exceed the safety ceiling of 10,
// the counter is reset to zero and an error is logged instead; that shape
// indicates mismatched pause/resume calls, not legitimate nesting.
func (m *Monitor) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pauseCount+1 > maxPauseDepth {
		m.log.Error("watchdog: pause depth exceeded safety limit, resetting", "depth", m.pauseCount)
		m.pauseCount = 0
		return
	}
	m.pauseCount++
}

// Resume decrements the pause depth, floored at zero. On the transition
// back to zero, success controls whether the elapsed clock is reset: a
// successful delegation resets lastActivity to now, while an unsuccessful
// one preserves the prior timestamp so a stall that merely delegated
// unsuccessfully is not hidden from the parent's watchdog.
func (m *Monitor) Resume(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pauseCount > 0 {
		m.pauseCount--
	}
	if m.pauseCount == 0 && success {
		m.lastActivity = time.Now()
	}
}

// RecordActivity resets the elapsed clock to now.
func (m *Monitor) RecordActivity() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastActivity = time.Now()
}

// IsActive reports whether the watchdog is started, not stopped, and not
// paused.
func (m *Monitor) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isActiveLocked()
}

func (m *Monitor) isActiveLocked() bool {
	return m.started && !m.stopped && m.pauseCount == 0
}

// PauseCount returns the current pause depth, mainly for tests and metrics.
func (m *Monitor) PauseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pauseCount
}

func (m *Monitor) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	interval := time.Duration(m.cfg.CheckIntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.check()
		}
	}
}

func (m *Monitor) check() {
	m.mu.Lock()
	if m.fired || !m.isActiveLocked() {
		m.mu.Unlock()
		return
	}
	elapsed := time.Since(m.lastActivity)
	timeout := time.Duration(m.cfg.TimeoutMs) * time.Millisecond
	if elapsed < timeout {
		m.mu.Unlock()
		return
	}
	m.fired = true
	onTimeout := m.onTimeout
	m.mu.Unlock()

	if onTimeout != nil {
		onTimeout()
	}
}

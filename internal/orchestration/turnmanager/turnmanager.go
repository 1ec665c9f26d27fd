// Package turnmanager tracks a per-turn wall-clock budget. It is consulted
// cooperatively between model iterations and before dispatching the next
// tool call; it never preempts in-flight work itself, only signals that a
// budget has been exceeded.
package turnmanager

import (
	"sync"
	"time"
)

// Manager tracks elapsed wall-clock time for the current turn against an
// optional maximum duration.
type Manager struct {
	mu          sync.Mutex
	startedAt   time.Time
	maxDuration time.Duration // zero means unbounded
}

// New creates a Manager with no turn started and no maximum duration set.
func New() *Manager {
	return &Manager{}
}

// StartTurn records the start of a new turn, resetting the elapsed clock.
func (m *Manager) StartTurn() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startedAt = time.Now()
}

// ResetTurn is an alias for StartTurn; kept as a distinct name because
// callers use it to express "restart the clock mid-turn" (e.g. after a
// provider failover) rather than "begin a new turn".
func (m *Manager) ResetTurn() {
	m.StartTurn()
}

// GetElapsed returns the wall-clock time since the turn started. Zero if no
// turn has been started.
func (m *Manager) GetElapsed() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startedAt.IsZero() {
		return 0
	}
	return time.Since(m.startedAt)
}

// GetElapsedMs returns GetElapsed in whole milliseconds.
func (m *Manager) GetElapsedMs() int64 {
	return m.GetElapsed().Milliseconds()
}

// GetElapsedSec returns GetElapsed in whole seconds.
func (m *Manager) GetElapsedSec() int64 {
	return int64(m.GetElapsed().Seconds())
}

// GetElapsedMin returns GetElapsed in fractional minutes.
func (m *Manager) GetElapsedMin() float64 {
	return m.GetElapsed().Minutes()
}

// SetMaxDuration sets the turn's maximum wall-clock budget, in minutes. A
// non-positive value disables the budget (unbounded).
func (m *Manager) SetMaxDuration(minutes float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if minutes <= 0 {
		m.maxDuration = 0
		return
	}
	m.maxDuration = time.Duration(minutes * float64(time.Minute))
}

// IsMaxDurationExceeded reports whether the elapsed time has crossed the
// configured maximum. Always false when no maximum is set.
func (m *Manager) IsMaxDurationExceeded() bool {
	m.mu.Lock()
	maxDuration := m.maxDuration
	startedAt := m.startedAt
	m.mu.Unlock()
	if maxDuration <= 0 || startedAt.IsZero() {
		return false
	}
	return time.Since(startedAt) >= maxDuration
}

// GetRemainingMinutes returns the fractional minutes left in the turn's
// budget and true, or (0, false) if no maximum duration is set.
func (m *Manager) GetRemainingMinutes() (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.maxDuration <= 0 {
		return 0, false
	}
	remaining := m.maxDuration - time.Since(m.startedAt)
	if remaining < 0 {
		remaining = 0
	}
	return remaining.Minutes(), true
}

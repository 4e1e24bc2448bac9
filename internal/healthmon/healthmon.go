// Package healthmon implements the Health Monitor (§4.7): a periodic
// liveness sweep over allocations that removes entries whose process
// no longer exists or no longer holds the port. It is grounded on the
// same ticker-driven sync-then-check-loop shape a sibling worker-side
// health monitor in this codebase's lineage uses to track container
// liveness, generalized here from per-container checks to
// per-allocation port checks.
package healthmon

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/portkeepd/portkeepd/internal/probe"
	"github.com/portkeepd/portkeepd/internal/types"
)

// Engine is the subset of engine.Engine the monitor depends on.
type Engine interface {
	Allocations() []types.Allocation
	ApplyHealthFailure(lockID string, maxConsecutiveFailures int) bool
	ResetHealthFailure(lockID string)
}

// ProcessChecker reports whether pid is alive.
type ProcessChecker func(pid int) bool

// Monitor runs the periodic health sweep on its own dedicated task.
type Monitor struct {
	engine     Engine
	prober     *probe.Prober
	processOK  ProcessChecker
	interval   time.Duration
	maxFailure int
	logger     zerolog.Logger

	startOnce sync.Once
	stopCh    chan struct{}
	doneCh chan struct{}
}

// New builds a Monitor. interval and maxFailure come from the daemon's
// RecoveryConfig (§3 Recovery Config / §4.7 defaults: 30s, 3 failures).
func New(eng Engine, prober *probe.Prober, processOK ProcessChecker, interval time.Duration, maxFailure int, logger zerolog.Logger) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if maxFailure <= 0 {
		maxFailure = 3
	}
	return &Monitor{
		engine:     eng,
		prober:     prober,
		processOK:  processOK,
		interval:   interval,
		maxFailure: maxFailure,
		logger:     logger,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start begins the monitor loop on its own goroutine.
func (m *Monitor) Start() {
	m.startOnce.Do(func() { go m.run() })
}

// Stop signals the loop to exit and waits for it to finish. A Monitor
// that was never started returns immediately.
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.startOnce.Do(func() { close(m.doneCh) })
	<-m.doneCh
}

func (m *Monitor) run() {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopCh:
			return
		}
	}
}

// sweep iterates one consistent snapshot of allocations and applies the
// three-step liveness check of §4.7.
func (m *Monitor) sweep() {
	for _, a := range m.engine.Allocations() {
		switch m.check(a) {
		case checkFail:
			cleaned := m.engine.ApplyHealthFailure(a.LockID, m.maxFailure)
			if cleaned {
				m.logger.Info().Str("lock_id", a.LockID).Int("port", a.Port).Msg("health monitor cleaned up allocation")
			}
		case checkSkip:
			// probe timed out: do not count this cycle as a failure.
		default:
			m.engine.ResetHealthFailure(a.LockID)
		}
	}
}

type checkOutcome int

const (
	checkOK checkOutcome = iota
	checkFail
	checkSkip
)

func (m *Monitor) check(a types.Allocation) checkOutcome {
	if a.PID != 0 && m.processOK != nil && !m.processOK(a.PID) {
		return checkFail
	}
	if a.PID != 0 {
		info := m.prober.Probe(a.Port)
		switch info.Result {
		case probe.Free:
			return checkFail
		case probe.ResultError:
			return checkSkip
		}
	}
	return checkOK
}

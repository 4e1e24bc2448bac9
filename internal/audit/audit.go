// Package audit implements the Audit & Metrics component (§2, §5): an
// append-only JSON-lines audit log with size-based rotation, plus the
// Prometheus counters surfaced by the status endpoint. Counters are
// registered against a Logger-owned prometheus.Registry rather than
// the global DefaultRegisterer, so no package-level singleton is
// required — matching the daemon-context composition rule in the
// design notes.
package audit

import (
	"bufio"
	"encoding/json"
	"net/http"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/portkeepd/portkeepd/internal/types"
)

const defaultMaxBytes = 10 * 1024 * 1024 // 10 MiB per active file before rotation

// Logger is the Audit & Metrics component. It exclusively owns the
// audit log file, per §3's ownership rule.
type Logger struct {
	path       string
	maxBytes   int64
	backlog    chan types.AuditEvent
	backlogCap int
	logger     zerolog.Logger

	registry *prometheus.Registry

	conflictsDetected    prometheus.Counter
	autoAllocationsTotal prometheus.Counter
	healthFailuresTotal  prometheus.Counter
	auditDroppedTotal    prometheus.Counter

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Logger writing to path, with a bounded backlog of
// pending events. Writes are serialized via a dedicated background
// goroutine; on backlog overflow the oldest entries are dropped and
// audit_log_dropped_total increments, per §5.
func New(path string, backlogCap int, logger zerolog.Logger) *Logger {
	if backlogCap <= 0 {
		backlogCap = 1024
	}
	reg := prometheus.NewRegistry()
	l := &Logger{
		path:       path,
		maxBytes:   defaultMaxBytes,
		backlog:    make(chan types.AuditEvent, backlogCap),
		backlogCap: backlogCap,
		logger:     logger,
		registry:   reg,
		stopCh:     make(chan struct{}),

		conflictsDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "port_conflicts_detected_total",
			Help: "Number of times the OS probe found a candidate port already occupied.",
		}),
		autoAllocationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auto_allocations_total",
			Help: "Number of service types synthesized by the range synthesizer.",
		}),
		healthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "health_check_failures_total",
			Help: "Number of allocations cleaned up by the health monitor.",
		}),
		auditDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_log_dropped_total",
			Help: "Number of audit events dropped due to a full backlog.",
		}),
	}
	reg.MustRegister(l.conflictsDetected, l.autoAllocationsTotal, l.healthFailuresTotal, l.auditDroppedTotal)

	l.wg.Add(1)
	go l.writeLoop()
	return l
}

// Handler exposes the Prometheus exposition format for this Logger's
// own registry.
func (l *Logger) Handler() http.Handler {
	return promhttp.HandlerFor(l.registry, promhttp.HandlerOpts{})
}

// Stop drains remaining events and closes the writer goroutine.
func (l *Logger) Stop() {
	close(l.stopCh)
	l.wg.Wait()
}

// Audit enqueues an event for append-only persistence. If the backlog
// is full, the oldest pending event is dropped to make room and
// audit_log_dropped_total increments, rather than blocking the caller.
func (l *Logger) Audit(event types.AuditEvent) {
	for {
		select {
		case l.backlog <- event:
			return
		default:
		}
		select {
		case old := <-l.backlog:
			l.auditDroppedTotal.Inc()
			l.logger.Warn().Str("action", string(old.Action)).Msg("audit backlog full, dropping oldest event")
		default:
		}
	}
}

func (l *Logger) IncConflict()       { l.conflictsDetected.Inc() }
func (l *Logger) IncAutoAllocation() { l.autoAllocationsTotal.Inc() }
func (l *Logger) IncHealthFailure()  { l.healthFailuresTotal.Inc() }

func (l *Logger) writeLoop() {
	defer l.wg.Done()
	for {
		select {
		case event := <-l.backlog:
			if err := l.append(event); err != nil {
				l.logger.Error().Err(err).Msg("failed to append audit event")
			}
		case <-l.stopCh:
			// Drain whatever remains without blocking indefinitely.
			for {
				select {
				case event := <-l.backlog:
					_ = l.append(event)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) append(event types.AuditEvent) error {
	if err := l.rotateIfNeeded(); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	if err := enc.Encode(event); err != nil {
		return err
	}
	return w.Flush()
}

func (l *Logger) rotateIfNeeded() error {
	fi, err := os.Stat(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if fi.Size() < l.maxBytes {
		return nil
	}
	return os.Rename(l.path, l.path+".1")
}

package audit

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/portkeepd/portkeepd/internal/types"
)

func testLogger() zerolog.Logger { return zerolog.New(io.Discard) }

func waitForLines(t *testing.T, path string, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f, err := os.Open(path)
		if err == nil {
			var lines []string
			sc := bufio.NewScanner(f)
			for sc.Scan() {
				lines = append(lines, sc.Text())
			}
			f.Close()
			if len(lines) >= n {
				return lines
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d lines in %s", n, path)
	return nil
}

func TestLogger_AuditAppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l := New(path, 16, testLogger())
	defer l.Stop()

	l.Audit(types.AuditEvent{Timestamp: time.Now(), Action: types.ActionAllocate, Fields: map[string]any{"port": 3000}})
	l.Audit(types.AuditEvent{Timestamp: time.Now(), Action: types.ActionRelease, Fields: map[string]any{"lock_id": "abc"}})

	lines := waitForLines(t, path, 2)
	require.Contains(t, lines[0], `"ALLOCATE"`)
	require.Contains(t, lines[1], `"RELEASE"`)
}

func TestLogger_BacklogOverflowDropsAndCounts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l := New(path, 1, testLogger())
	defer l.Stop()

	// Flood far past the backlog capacity; the writer goroutine can't
	// keep up instantly so at least one send should hit the default case.
	for i := 0; i < 200; i++ {
		l.Audit(types.AuditEvent{Timestamp: time.Now(), Action: types.ActionCleanup})
	}

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(l.auditDroppedTotal) > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLogger_CountersIncrement(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l := New(path, 16, testLogger())
	defer l.Stop()

	l.IncConflict()
	l.IncConflict()
	l.IncAutoAllocation()
	l.IncHealthFailure()

	require.Equal(t, float64(2), testutil.ToFloat64(l.conflictsDetected))
	require.Equal(t, float64(1), testutil.ToFloat64(l.autoAllocationsTotal))
	require.Equal(t, float64(1), testutil.ToFloat64(l.healthFailuresTotal))
}

func TestLogger_RotatesWhenOversized(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l := New(path, 16, testLogger())
	l.maxBytes = 10 // any existing file is oversized, so the second write rotates
	defer l.Stop()

	l.Audit(types.AuditEvent{Timestamp: time.Now(), Action: types.ActionAllocate})
	waitForLines(t, path, 1)

	l.Audit(types.AuditEvent{Timestamp: time.Now(), Action: types.ActionRelease})
	waitForLines(t, path, 1)

	_, err := os.Stat(path + ".1")
	require.NoError(t, err)
}

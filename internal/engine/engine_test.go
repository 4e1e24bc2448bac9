package engine

import (
	"net"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/portkeepd/portkeepd/internal/catalog"
	"github.com/portkeepd/portkeepd/internal/probe"
	"github.com/portkeepd/portkeepd/internal/store"
	"github.com/portkeepd/portkeepd/internal/types"
)

type fakeSink struct {
	mu              sync.Mutex
	events          []types.AuditEvent
	conflicts       int
	autoAllocations int
	healthFailures  int
}

func (f *fakeSink) Audit(e types.AuditEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}
func (f *fakeSink) IncConflict()       { f.mu.Lock(); f.conflicts++; f.mu.Unlock() }
func (f *fakeSink) IncAutoAllocation() { f.mu.Lock(); f.autoAllocations++; f.mu.Unlock() }
func (f *fakeSink) IncHealthFailure()  { f.mu.Lock(); f.healthFailures++; f.mu.Unlock() }

func newTestEngine(t *testing.T, cat *catalog.Catalog, auto types.AutoAllocationConfig) (*Engine, *fakeSink) {
	t.Helper()
	dir := t.TempDir()
	sink := &fakeSink{}
	e := New(Config{
		Catalog: cat,
		Prober:  probe.New(),
		Store:   store.New(filepath.Join(dir, "daemon.state")),
		Writer:  catalog.NewWriter(filepath.Join(dir, "config.json"), filepath.Join(dir, "config-backups")),
		Sink:    sink,
		AutoAlloc: auto,
		Recovery: types.RecoveryConfig{MaxRetries: 50},
	})
	t.Cleanup(e.Stop)
	return e, sink
}

func devCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.Load(nil)
	require.NoError(t, err)
	return c
}

func TestAllocate_Basic(t *testing.T) {
	e, _ := newTestEngine(t, devCatalog(t), types.AutoAllocationConfig{})
	resp, err := e.Allocate(Request{ServiceType: "dev", InstanceID: "i1"})
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, 3000, resp.Port)
}

func TestAllocate_UnknownType_AutoAllocationDisabled(t *testing.T) {
	e, _ := newTestEngine(t, devCatalog(t), types.AutoAllocationConfig{Enabled: false})
	_, err := e.Allocate(Request{ServiceType: "grafana", InstanceID: "i1"})
	require.Error(t, err)
}

func TestAllocate_AutoAllocatesUnknownType(t *testing.T) {
	auto := types.AutoAllocationConfig{
		Enabled: true, DefaultChunk: 10, Placement: types.PlacementAfter,
		MinPort: 20000, MaxPort: 30000, PreserveGaps: true, GapSize: 5,
	}
	e, sink := newTestEngine(t, devCatalog(t), auto)

	resp, err := e.Allocate(Request{ServiceType: "grafana", InstanceID: "i1"})
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.True(t, resp.AutoAllocated)
	require.NotNil(t, resp.AllocatedRange)
	require.Equal(t, 1, sink.autoAllocations)
}

func TestAllocate_SingletonFanIn(t *testing.T) {
	e, _ := newTestEngine(t, devCatalog(t), types.AutoAllocationConfig{})

	var wg sync.WaitGroup
	results := make([]Response, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			resp, err := e.Allocate(Request{ServiceType: "ai", InstanceID: "inst" + string(rune('a'+idx))})
			require.NoError(t, err)
			results[idx] = resp
		}(i)
	}
	wg.Wait()

	existingCount := 0
	for _, r := range results {
		require.Equal(t, 11430, r.Port)
		if r.Existing {
			existingCount++
		}
	}
	require.Equal(t, 4, existingCount)
	require.Len(t, e.Allocations(), 1)
}

func TestRelease_ThenReallocate(t *testing.T) {
	e, _ := newTestEngine(t, devCatalog(t), types.AutoAllocationConfig{})

	resp, err := e.Allocate(Request{ServiceType: "ai", InstanceID: "i1"})
	require.NoError(t, err)
	require.NoError(t, e.Release(resp.LockID))

	second, err := e.Allocate(Request{ServiceType: "ai", InstanceID: "i2"})
	require.NoError(t, err)
	require.False(t, second.Existing)
	require.Len(t, e.Allocations(), 1)
}

func TestRelease_UnknownLockID(t *testing.T) {
	e, _ := newTestEngine(t, devCatalog(t), types.AutoAllocationConfig{})
	err := e.Release("11111111-1111-4111-8111-111111111111")
	require.Error(t, err)
}

func TestRelease_DoubleReleaseFails(t *testing.T) {
	e, _ := newTestEngine(t, devCatalog(t), types.AutoAllocationConfig{})
	resp, err := e.Allocate(Request{ServiceType: "dev", InstanceID: "i1"})
	require.NoError(t, err)
	require.NoError(t, e.Release(resp.LockID))
	require.Error(t, e.Release(resp.LockID))
}

func TestAllocate_ConflictRetry(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:3000")
	require.NoError(t, err)
	defer ln.Close()

	e, sink := newTestEngine(t, devCatalog(t), types.AutoAllocationConfig{})
	resp, err := e.Allocate(Request{ServiceType: "dev", InstanceID: "i1"})
	require.NoError(t, err)
	require.Equal(t, 3001, resp.Port)
	require.GreaterOrEqual(t, sink.conflicts, 1)
}

func TestAllocate_DryRun_DoesNotMutateState(t *testing.T) {
	e, _ := newTestEngine(t, devCatalog(t), types.AutoAllocationConfig{})
	resp, err := e.Allocate(Request{ServiceType: "dev", InstanceID: "i1", DryRun: true})
	require.NoError(t, err)
	require.True(t, resp.DryRun)
	require.Empty(t, e.Allocations())
}

func TestCheck_AvailableIffUntrackedAndFree(t *testing.T) {
	e, _ := newTestEngine(t, devCatalog(t), types.AutoAllocationConfig{})
	status, err := e.Check(3000)
	require.NoError(t, err)
	require.True(t, status.Available)

	_, err = e.Allocate(Request{ServiceType: "dev", PreferredPort: 3000, InstanceID: "i1"})
	require.NoError(t, err)

	status, err = e.Check(3000)
	require.NoError(t, err)
	require.False(t, status.Available)
}

func TestUndoAutoAllocation_RemovesTypeAndAudits(t *testing.T) {
	auto := types.AutoAllocationConfig{
		Enabled: true, DefaultChunk: 10, Placement: types.PlacementAfter,
		MinPort: 20000, MaxPort: 30000, PreserveGaps: true, GapSize: 5,
	}
	e, sink := newTestEngine(t, devCatalog(t), auto)

	_, err := e.Allocate(Request{ServiceType: "grafana", InstanceID: "i1"})
	require.NoError(t, err)
	_, ok := e.CurrentCatalog().Lookup("grafana")
	require.True(t, ok)

	require.NoError(t, e.Release(e.Allocations()[0].LockID))
	require.NoError(t, e.UndoAutoAllocation("grafana"))

	_, ok = e.CurrentCatalog().Lookup("grafana")
	require.False(t, ok)

	found := false
	sink.mu.Lock()
	for _, ev := range sink.events {
		if ev.Action == types.ActionAutoAllocationUndo {
			found = true
		}
	}
	sink.mu.Unlock()
	require.True(t, found)
}

func TestUndoAutoAllocation_RefusesWhileAllocated(t *testing.T) {
	auto := types.AutoAllocationConfig{
		Enabled: true, DefaultChunk: 10, Placement: types.PlacementAfter,
		MinPort: 20000, MaxPort: 30000, PreserveGaps: true, GapSize: 5,
	}
	e, _ := newTestEngine(t, devCatalog(t), auto)

	_, err := e.Allocate(Request{ServiceType: "grafana", InstanceID: "i1"})
	require.NoError(t, err)

	require.Error(t, e.UndoAutoAllocation("grafana"))
}

func TestUndoAutoAllocation_UnknownType(t *testing.T) {
	e, _ := newTestEngine(t, devCatalog(t), types.AutoAllocationConfig{})
	require.Error(t, e.UndoAutoAllocation("nope"))
}

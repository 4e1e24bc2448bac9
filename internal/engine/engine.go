// Package engine implements the Allocation Engine, the single
// serialization point for all port lifecycle decisions (§4.5). It is
// grounded on the same per-cycle-lock-plus-structured-logging shape a
// sibling scheduler in this codebase's lineage uses to serialize
// placement decisions, generalized here from "place a container on a
// node" to "reserve a port for a service type".
package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/portkeepd/portkeepd/internal/catalog"
	"github.com/portkeepd/portkeepd/internal/errkind"
	"github.com/portkeepd/portkeepd/internal/probe"
	"github.com/portkeepd/portkeepd/internal/store"
	"github.com/portkeepd/portkeepd/internal/synth"
	"github.com/portkeepd/portkeepd/internal/types"
)

// Sink receives audit events and metrics increments. It is implemented
// by internal/audit.Logger; the engine never touches the audit log
// file itself, matching §3's ownership rule that the Audit logger
// exclusively owns that file.
type Sink interface {
	Audit(event types.AuditEvent)
	IncConflict()
	IncAutoAllocation()
	IncHealthFailure()
}

// Request is the input to Allocate.
type Request struct {
	ServiceType   string
	ServiceName   string
	PreferredPort int
	InstanceID    string
	ProjectPath   string
	PID           int
	DryRun        bool
}

// Response is the output of a successful Allocate call.
type Response struct {
	Success            bool
	Port               int
	LockID             string
	Message            string
	AutoAllocated      bool
	AllocatedRange     *types.PortRange
	Existing           bool
	ExistingInstanceID string
	ExistingPID        int
	DryRun             bool
}

// table holds the mutable maps the engine exclusively owns. All
// mutation goes through the owning type's lock; reads take the RWMutex
// directly.
type table struct {
	mu        sync.RWMutex
	byPort    map[int]*types.Allocation
	byLockID  map[string]int // lock id -> port
	singleton types.SingletonIndex
	conflicts uint64
}

// Engine is the allocation engine. A *Engine is safe for concurrent use.
type Engine struct {
	logger zerolog.Logger
	prober *probe.Prober
	snap   *store.Store
	writer *catalog.Writer
	sink   Sink
	auto   types.AutoAllocationConfig
	rec    types.RecoveryConfig

	catMu     sync.RWMutex
	cat       *catalog.Catalog
	tbl       table
	instances instanceTable
	typesMu   sync.Mutex
	typeLks   map[string]*sync.Mutex

	snapCh chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Config bundles everything needed to construct an Engine.
type Config struct {
	Logger     zerolog.Logger
	Catalog    *catalog.Catalog
	Prober     *probe.Prober
	Store      *store.Store
	Writer     *catalog.Writer
	Sink       Sink
	AutoAlloc  types.AutoAllocationConfig
	Recovery   types.RecoveryConfig
	Snapshot   *store.Snapshot // initial state, from Recovery
}

// New builds an Engine preloaded with snap's tables and starts its
// background write-behind snapshot task.
func New(cfg Config) *Engine {
	e := &Engine{
		logger:  cfg.Logger,
		prober:  cfg.Prober,
		snap:    cfg.Store,
		writer:  cfg.Writer,
		sink:    cfg.Sink,
		auto:    cfg.AutoAlloc,
		rec:     cfg.Recovery,
		cat:     cfg.Catalog,
		typeLks: make(map[string]*sync.Mutex),
		snapCh:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
	e.tbl.byPort = map[int]*types.Allocation{}
	e.tbl.byLockID = map[string]int{}
	e.tbl.singleton = types.SingletonIndex{}
	e.instances.byID = map[string]*types.InstanceRecord{}
	if cfg.Snapshot != nil {
		for i := range cfg.Snapshot.Allocations {
			a := cfg.Snapshot.Allocations[i]
			e.tbl.byPort[a.Port] = &a
			e.tbl.byLockID[a.LockID] = a.Port
		}
		for k, v := range cfg.Snapshot.SingletonIndex {
			e.tbl.singleton[k] = v
		}
		for i := range cfg.Snapshot.Instances {
			rec := cfg.Snapshot.Instances[i]
			e.instances.byID[rec.InstanceID] = &rec
		}
	}
	e.wg.Add(1)
	go e.snapshotWriter()
	return e
}

// Stop shuts down the background snapshot writer, flushing a final
// synchronous snapshot first.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
	_ = e.writeSnapshotSync()
}

func (e *Engine) typeLock(name string) *sync.Mutex {
	e.typesMu.Lock()
	defer e.typesMu.Unlock()
	l, ok := e.typeLks[name]
	if !ok {
		l = &sync.Mutex{}
		e.typeLks[name] = l
	}
	return l
}

func (e *Engine) catalogSnapshot() *catalog.Catalog {
	e.catMu.RLock()
	defer e.catMu.RUnlock()
	return e.cat
}

// CurrentCatalog exposes the engine's live catalog snapshot for
// read-only callers such as the HTTP Surface's /config handler.
func (e *Engine) CurrentCatalog() *catalog.Catalog {
	return e.catalogSnapshot()
}

// Allocate runs the full allocation algorithm of §4.5.
func (e *Engine) Allocate(req Request) (Response, error) {
	if req.InstanceID == "" {
		return Response{}, errkind.New(errkind.InvalidInput, "instance_id is required")
	}

	st, autoAllocated, newRange, err := e.resolveType(req.ServiceType)
	if err != nil {
		return Response{}, err
	}

	lock := e.typeLock(st.Name)
	lock.Lock()
	defer lock.Unlock()

	if st.InstanceBehavior == types.InstanceSingle {
		if resp, handled := e.singletonShortCircuit(st, req); handled {
			return resp, nil
		}
	}

	candidates := buildCandidates(st, req.PreferredPort)

	if req.DryRun {
		port, ok := e.firstAvailableCandidate(candidates)
		if !ok {
			return Response{}, errkind.New(errkind.RangeExhausted, "no candidate port available")
		}
		return Response{Success: true, Port: port, DryRun: true, AutoAllocated: autoAllocated, AllocatedRange: newRange}, nil
	}

	maxRetries := e.rec.MaxRetries
	if maxRetries <= 0 {
		maxRetries = len(candidates)
	}

	attempts := 0
	for _, port := range candidates {
		if attempts >= maxRetries {
			break
		}
		if e.portTaken(port) {
			continue
		}
		attempts++

		lockID := uuid.New().String()
		tentative := &types.Allocation{
			Port:        port,
			ServiceType: st.Name,
			ServiceName: req.ServiceName,
			InstanceID:  req.InstanceID,
			PID:         req.PID,
			ProjectPath: req.ProjectPath,
			LockID:      lockID,
			State:       types.StateTentative,
		}
		e.insertTentative(tentative)

		info := e.prober.Probe(port)
		if info.Result == probe.Free {
			e.finalize(tentative, st)
			e.sink.Audit(types.AuditEvent{
				Timestamp: time.Now().UTC(),
				Action:    types.ActionAllocate,
				Fields: map[string]any{
					"port": port, "service_type": st.Name, "lock_id": lockID, "instance_id": req.InstanceID,
				},
			})
			e.scheduleSnapshot()
			return Response{
				Success: true, Port: port, LockID: lockID,
				AutoAllocated: autoAllocated, AllocatedRange: newRange,
			}, nil
		}

		// Probe failed or reported InUse: remove the tentative row and retry.
		e.removeTentative(port, lockID)
		if info.Result == probe.InUse {
			e.tbl.mu.Lock()
			e.tbl.conflicts++
			e.tbl.mu.Unlock()
			e.sink.IncConflict()
		}
	}

	return Response{}, errkind.New(errkind.RangeExhausted, "no free port found within retry budget")
}

// resolveType looks up the catalog; if unknown and auto-allocation is
// enabled, synthesizes and durably persists a new entry, then returns
// the refreshed catalog's view. Concurrent resolvers for the same
// unknown name observe whichever entry wins the Catalog Writer race
// and proceed without re-synthesizing.
func (e *Engine) resolveType(name string) (types.ServiceType, bool, *types.PortRange, error) {
	cat := e.catalogSnapshot()
	if st, ok := cat.Lookup(name); ok {
		return st, false, nil, nil
	}
	if !e.auto.Enabled {
		return types.ServiceType{}, false, nil, errkind.Newf(errkind.UnknownServiceType, "service type %q is not known", name)
	}

	lock := e.typeLock("__synth__")
	lock.Lock()
	defer lock.Unlock()

	cat = e.catalogSnapshot()
	if st, ok := cat.Lookup(name); ok {
		return st, false, nil, nil
	}

	rng, err := synth.Synthesize(name, cat.SortedRanges(), cat, e.auto)
	if err != nil {
		return types.ServiceType{}, false, nil, err
	}

	newType := types.ServiceType{
		Name:             name,
		Range:            rng,
		InstanceBehavior: types.InstanceMulti,
		Pattern:          types.PatternSequential,
		AutoAllocated:    true,
	}

	if e.writer != nil {
		if err := e.writer.AddServiceType(newType); err != nil {
			return types.ServiceType{}, false, nil, err
		}
	}

	newCat, err := cat.WithAddedType(newType)
	if err != nil {
		return types.ServiceType{}, false, nil, err
	}
	e.catMu.Lock()
	e.cat = newCat
	e.catMu.Unlock()

	e.sink.IncAutoAllocation()
	e.sink.Audit(types.AuditEvent{
		Timestamp: time.Now().UTC(),
		Action:    types.ActionAutoAllocation,
		Fields:    map[string]any{"service_type": name, "range": rng},
	})

	return newType, true, &rng, nil
}

// UndoAutoAllocation removes a previously auto-allocated service type
// from both the durable user config and the live in-memory catalog, so
// `config auto-allocation undo` takes effect immediately instead of
// only after the next restart. It refuses while the type still has
// live allocations, and refuses non-auto-allocated types (the Catalog
// Writer itself enforces the latter).
func (e *Engine) UndoAutoAllocation(name string) error {
	cat := e.catalogSnapshot()
	st, ok := cat.Lookup(name)
	if !ok {
		return errkind.Newf(errkind.UnknownServiceType, "service type %q is not known", name)
	}

	e.tbl.mu.RLock()
	for _, a := range e.tbl.byPort {
		if a.ServiceType == name {
			e.tbl.mu.RUnlock()
			return errkind.Newf(errkind.Conflict, "service type %q still has live allocations", name)
		}
	}
	e.tbl.mu.RUnlock()

	if e.writer != nil {
		if err := e.writer.RemoveServiceType(name); err != nil {
			return err
		}
	}

	e.catMu.Lock()
	e.cat = cat.WithRemovedType(name)
	e.catMu.Unlock()

	e.sink.Audit(types.AuditEvent{
		Timestamp: time.Now().UTC(),
		Action:    types.ActionAutoAllocationUndo,
		Fields:    map[string]any{"service_type": name, "range": st.Range},
	})
	return nil
}

// singletonShortCircuit checks the singleton index for st; if a live
// allocation exists it is returned with existing=true, otherwise a
// dead entry is released and the caller proceeds to allocate fresh.
func (e *Engine) singletonShortCircuit(st types.ServiceType, req Request) (Response, bool) {
	e.tbl.mu.RLock()
	lockID, ok := e.tbl.singleton[st.Name]
	var existing *types.Allocation
	if ok {
		if port, ok2 := e.tbl.byLockID[lockID]; ok2 {
			existing = e.tbl.byPort[port]
		}
	}
	e.tbl.mu.RUnlock()

	if existing == nil {
		return Response{}, false
	}

	if e.allocationHealthy(existing) {
		return Response{
			Success: true, Port: existing.Port, LockID: existing.LockID,
			Existing: true, ExistingInstanceID: existing.InstanceID, ExistingPID: existing.PID,
		}, true
	}

	// Dead: release it, then let the caller continue to a fresh allocation.
	e.releaseLocked(existing.LockID)
	return Response{}, false
}

// allocationHealthy reports whether the backing process still passes
// the liveness predicate used by the singleton short-circuit: if a pid
// is known it must exist; absent a pid, the allocation is assumed live.
func (e *Engine) allocationHealthy(a *types.Allocation) bool {
	if a.PID == 0 {
		return true
	}
	return processExists(a.PID)
}

func buildCandidates(st types.ServiceType, preferred int) []int {
	seen := map[int]bool{}
	var out []int
	add := func(p int) {
		if p > 0 && st.Range.Contains(p) && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	add(preferred)
	for _, p := range st.PreferredPorts {
		add(p)
	}
	// Preferred candidates are already prioritized above regardless of
	// pattern; the remaining range is always walked in ascending order.
	for p := st.Range.Low; p <= st.Range.High; p++ {
		add(p)
	}
	return out
}

func (e *Engine) portTaken(port int) bool {
	e.tbl.mu.RLock()
	defer e.tbl.mu.RUnlock()
	_, ok := e.tbl.byPort[port]
	return ok
}

func (e *Engine) firstAvailableCandidate(candidates []int) (int, bool) {
	e.tbl.mu.RLock()
	defer e.tbl.mu.RUnlock()
	for _, p := range candidates {
		if _, taken := e.tbl.byPort[p]; !taken {
			return p, true
		}
	}
	return 0, false
}

func (e *Engine) insertTentative(a *types.Allocation) {
	e.tbl.mu.Lock()
	defer e.tbl.mu.Unlock()
	e.tbl.byPort[a.Port] = a
	e.tbl.byLockID[a.LockID] = a.Port
}

func (e *Engine) removeTentative(port int, lockID string) {
	e.tbl.mu.Lock()
	defer e.tbl.mu.Unlock()
	delete(e.tbl.byPort, port)
	delete(e.tbl.byLockID, lockID)
}

func (e *Engine) finalize(a *types.Allocation, st types.ServiceType) {
	e.tbl.mu.Lock()
	defer e.tbl.mu.Unlock()
	a.State = types.StateActive
	a.AllocatedAt = time.Now().UTC()
	if st.InstanceBehavior == types.InstanceSingle {
		e.tbl.singleton[st.Name] = a.LockID
	}
}

// Release removes the allocation identified by lockID, per §4.5's
// release contract. Unknown lock ids return INVALID_LOCK_ID; malformed
// ones are rejected before lookup.
func (e *Engine) Release(lockID string) error {
	if _, err := uuid.Parse(lockID); err != nil {
		return errkind.Wrap(errkind.InvalidLockID, err, "lock id is not a valid uuid")
	}

	e.tbl.mu.RLock()
	port, ok := e.tbl.byLockID[lockID]
	e.tbl.mu.RUnlock()
	if !ok {
		return errkind.New(errkind.InvalidLockID, "no allocation with that lock id")
	}
	e.tbl.mu.RLock()
	a := e.tbl.byPort[port]
	e.tbl.mu.RUnlock()
	if a == nil {
		return errkind.New(errkind.InvalidLockID, "no allocation with that lock id")
	}

	lock := e.typeLock(a.ServiceType)
	lock.Lock()
	defer lock.Unlock()

	return e.releaseLocked(lockID)
}

// releaseLocked performs the table mutation for Release. Caller must
// hold the owning service type's lock.
func (e *Engine) releaseLocked(lockID string) error {
	e.tbl.mu.Lock()
	port, ok := e.tbl.byLockID[lockID]
	if !ok {
		e.tbl.mu.Unlock()
		return errkind.New(errkind.InvalidLockID, "no allocation with that lock id")
	}
	a := e.tbl.byPort[port]
	delete(e.tbl.byPort, port)
	delete(e.tbl.byLockID, lockID)
	for svcType, lid := range e.tbl.singleton {
		if lid == lockID {
			delete(e.tbl.singleton, svcType)
		}
	}
	e.tbl.mu.Unlock()

	e.sink.Audit(types.AuditEvent{
		Timestamp: time.Now().UTC(),
		Action:    types.ActionRelease,
		Fields:    map[string]any{"port": a.Port, "lock_id": lockID, "service_type": a.ServiceType},
	})
	e.scheduleSnapshot()
	return nil
}

// Suggest returns up to n candidate ports for serviceType that are
// neither tracked in the allocation table nor currently probed in use,
// without reserving any of them. Used by the /suggest endpoint and by
// the bind interceptor's retry loop.
func (e *Engine) Suggest(serviceType string, n int) ([]int, error) {
	if n <= 0 {
		n = 3
	}
	cat := e.catalogSnapshot()
	st, ok := cat.Lookup(serviceType)
	if !ok {
		return nil, errkind.Newf(errkind.UnknownServiceType, "service type %q is not known", serviceType)
	}

	candidates := buildCandidates(st, 0)
	out := make([]int, 0, n)
	for _, port := range candidates {
		if len(out) >= n {
			break
		}
		if e.portTaken(port) {
			continue
		}
		if e.prober.Probe(port).Result == probe.Free {
			out = append(out, port)
		}
	}
	return out, nil
}

// Check combines the allocation table with a live probe and any
// process enrichment.
func (e *Engine) Check(port int) (types.PortStatus, error) {
	if port < 1 || port > 65535 {
		return types.PortStatus{}, errkind.Newf(errkind.InvalidInput, "port %d out of range", port)
	}

	e.tbl.mu.RLock()
	a, tracked := e.tbl.byPort[port]
	e.tbl.mu.RUnlock()

	info := e.prober.Probe(port)
	status := types.PortStatus{Port: port, SystemUsage: string(info.Result), PID: info.PID, ProcessName: info.ProcessName}
	if tracked {
		status.AllocatedTo = a.InstanceID
		status.ServiceType = a.ServiceType
	}
	status.Available = !tracked && info.Result == probe.Free
	return status, nil
}

// Scan returns PortStatus for every port in [low, high].
func (e *Engine) Scan(low, high int) ([]types.PortStatus, error) {
	if low < 1 || high > 65535 || low > high {
		return nil, errkind.New(errkind.InvalidInput, "invalid scan range")
	}
	out := make([]types.PortStatus, 0, high-low+1)
	for p := low; p <= high; p++ {
		st, err := e.Check(p)
		if err != nil {
			continue
		}
		out = append(out, st)
	}
	return out, nil
}

// Stats returns a read-only summary of the current tables.
func (e *Engine) Stats() types.StatsSnapshot {
	e.tbl.mu.RLock()
	defer e.tbl.mu.RUnlock()
	byType := map[string]int{}
	for _, a := range e.tbl.byPort {
		byType[a.ServiceType]++
	}
	auto := 0
	for _, st := range e.catalogSnapshot().All() {
		if st.AutoAllocated {
			auto++
		}
	}
	return types.StatsSnapshot{
		TotalAllocations:   len(e.tbl.byPort),
		ByServiceType:      byType,
		AutoAllocatedTypes: auto,
		ConflictsDetected:  e.tbl.conflicts,
	}
}

// Allocations returns a snapshot copy of every tracked allocation.
func (e *Engine) Allocations() []types.Allocation {
	e.tbl.mu.RLock()
	defer e.tbl.mu.RUnlock()
	out := make([]types.Allocation, 0, len(e.tbl.byPort))
	for _, a := range e.tbl.byPort {
		out = append(out, *a)
	}
	return out
}

// Cleanup removes allocations whose backing process no longer exists,
// or whose owning instance's heartbeat has gone stale (§3 Instance
// Registry: "its allocations are candidates for cleanup"). With
// force=true it additionally removes every allocation regardless of
// liveness.
func (e *Engine) Cleanup(force bool) types.CleanupReport {
	var report types.CleanupReport

	deadInstances := map[string]bool{}
	if e.rec.InstanceStaleThreshold > 0 {
		for _, rec := range e.DeadInstances(e.rec.InstanceStaleThreshold) {
			deadInstances[rec.InstanceID] = true
		}
	}

	e.tbl.mu.RLock()
	var toRemove []*types.Allocation
	for _, a := range e.tbl.byPort {
		if force || !e.allocationHealthy(a) || deadInstances[a.InstanceID] {
			toRemove = append(toRemove, a)
		}
	}
	e.tbl.mu.RUnlock()

	for _, a := range toRemove {
		lock := e.typeLock(a.ServiceType)
		lock.Lock()
		if err := e.releaseLocked(a.LockID); err == nil {
			report.Cleaned++
			report.CleanedLocks = append(report.CleanedLocks, a.LockID)
		}
		lock.Unlock()
	}

	if report.Cleaned > 0 {
		e.sink.Audit(types.AuditEvent{
			Timestamp: time.Now().UTC(),
			Action:    types.ActionCleanup,
			Fields:    map[string]any{"cleaned": report.Cleaned},
		})
	}
	return report
}

// ApplyHealthFailure is invoked by the Health Monitor to either
// increment an allocation's failure counter or, once the threshold is
// reached, clean it up under its owning type's lock.
func (e *Engine) ApplyHealthFailure(lockID string, maxConsecutiveFailures int) (cleaned bool) {
	e.tbl.mu.RLock()
	port, ok := e.tbl.byLockID[lockID]
	e.tbl.mu.RUnlock()
	if !ok {
		return false
	}

	e.tbl.mu.RLock()
	a := e.tbl.byPort[port]
	e.tbl.mu.RUnlock()
	if a == nil {
		return false
	}

	lock := e.typeLock(a.ServiceType)
	lock.Lock()
	defer lock.Unlock()

	e.tbl.mu.Lock()
	a = e.tbl.byPort[port]
	if a == nil {
		e.tbl.mu.Unlock()
		return false
	}
	a.FailureCount++
	reached := a.FailureCount >= maxConsecutiveFailures
	e.tbl.mu.Unlock()

	if !reached {
		return false
	}

	_ = e.releaseLocked(lockID)
	e.sink.IncHealthFailure()
	e.sink.Audit(types.AuditEvent{
		Timestamp: time.Now().UTC(),
		Action:    types.ActionHealthCleanup,
		Fields:    map[string]any{"port": port, "lock_id": lockID},
	})
	return true
}

// ResetHealthFailure clears the failure counter on success.
func (e *Engine) ResetHealthFailure(lockID string) {
	e.tbl.mu.Lock()
	defer e.tbl.mu.Unlock()
	if port, ok := e.tbl.byLockID[lockID]; ok {
		if a := e.tbl.byPort[port]; a != nil {
			a.FailureCount = 0
		}
	}
}

func (e *Engine) scheduleSnapshot() {
	select {
	case e.snapCh <- struct{}{}:
	default:
	}
}

// snapshotWriter is the single-writer background task; a serial queue
// ensures snapshots are never interleaved.
func (e *Engine) snapshotWriter() {
	defer e.wg.Done()
	for {
		select {
		case <-e.snapCh:
			_ = e.writeSnapshotSync()
		case <-e.stopCh:
			return
		}
	}
}

func (e *Engine) writeSnapshotSync() error {
	e.tbl.mu.RLock()
	snap := &store.Snapshot{
		SingletonIndex: types.SingletonIndex{},
	}
	for _, a := range e.tbl.byPort {
		if a.State != types.StateTentative {
			snap.Allocations = append(snap.Allocations, *a)
		}
	}
	for k, v := range e.tbl.singleton {
		snap.SingletonIndex[k] = v
	}
	for _, rec := range e.instances.byID {
		snap.Instances = append(snap.Instances, *rec)
	}
	e.tbl.mu.RUnlock()

	if err := e.snap.Write(snap); err != nil {
		e.logger.Error().Err(err).Msg("failed to write state snapshot")
		return err
	}
	return nil
}

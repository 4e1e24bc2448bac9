package engine

import (
	"time"

	"github.com/portkeepd/portkeepd/internal/errkind"
	"github.com/portkeepd/portkeepd/internal/types"
)

// instances is kept as a separate map guarded by the same table mutex
// as the allocation tables; it is small and low-churn enough not to
// warrant its own lock.
type instanceTable struct {
	byID map[string]*types.InstanceRecord
}

// RegisterInstance records a new caller session.
func (e *Engine) RegisterInstance(instanceID, workingDir string) (time.Time, error) {
	if instanceID == "" {
		return time.Time{}, errkind.New(errkind.InvalidInput, "instance_id is required")
	}
	e.tbl.mu.Lock()
	defer e.tbl.mu.Unlock()
	if e.instances.byID == nil {
		e.instances.byID = map[string]*types.InstanceRecord{}
	}
	now := time.Now().UTC()
	e.instances.byID[instanceID] = &types.InstanceRecord{
		InstanceID:    instanceID,
		WorkingDir:    workingDir,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}
	return now, nil
}

// Heartbeat updates an instance's last-heartbeat timestamp.
func (e *Engine) Heartbeat(instanceID string) (time.Time, error) {
	e.tbl.mu.Lock()
	defer e.tbl.mu.Unlock()
	rec, ok := e.instances.byID[instanceID]
	if !ok {
		return time.Time{}, errkind.Newf(errkind.InvalidInput, "unknown instance %q", instanceID)
	}
	rec.LastHeartbeat = time.Now().UTC()
	return rec.LastHeartbeat, nil
}

// ListInstances returns every registered instance.
func (e *Engine) ListInstances() []types.InstanceRecord {
	e.tbl.mu.RLock()
	defer e.tbl.mu.RUnlock()
	out := make([]types.InstanceRecord, 0, len(e.instances.byID))
	for _, rec := range e.instances.byID {
		out = append(out, *rec)
	}
	return out
}

// DeadInstances returns instances whose heartbeat is older than
// threshold, for stale-instance cleanup.
func (e *Engine) DeadInstances(threshold time.Duration) []types.InstanceRecord {
	e.tbl.mu.RLock()
	defer e.tbl.mu.RUnlock()
	cutoff := time.Now().UTC().Add(-threshold)
	var out []types.InstanceRecord
	for _, rec := range e.instances.byID {
		if rec.LastHeartbeat.Before(cutoff) {
			out = append(out, *rec)
		}
	}
	return out
}

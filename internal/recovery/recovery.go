// Package recovery implements the one-shot startup Recovery Engine
// (§4.8): a five-step idempotent sequence that loads the snapshot,
// validates the config, sweeps orphans, repairs the singleton index,
// and writes a repair snapshot before the engine takes over.
package recovery

import (
	"github.com/rs/zerolog"

	"github.com/portkeepd/portkeepd/internal/catalog"
	"github.com/portkeepd/portkeepd/internal/store"
	"github.com/portkeepd/portkeepd/internal/types"
)

// ProcessChecker reports whether pid is alive.
type ProcessChecker func(pid int) bool

// Report records before/after counts for each step, for the audit log.
type Report struct {
	SnapshotCorrupt     bool
	OrphansDropped      int
	UnknownTypesDropped int
	SingletonRepaired   int
	BeforeAllocations   int
	AfterAllocations    int
}

// Run executes the five-step sequence and returns the repaired snapshot
// ready to seed the engine, plus a report for the audit log. Startup
// completes even if the snapshot is fully corrupt. cat must already be
// a validated catalog (catalog.Load fails fast at startup, not here).
func Run(snapStore *store.Store, cat *catalog.Catalog, processOK ProcessChecker, logger zerolog.Logger) (*store.Snapshot, Report, error) {
	var report Report

	// Step 1: load snapshot; corruption starts empty and is noted.
	snap, err := snapStore.Read()
	if err != nil {
		report.SnapshotCorrupt = true
		snap = &store.Snapshot{SingletonIndex: types.SingletonIndex{}}
		logger.Warn().Err(err).Msg("snapshot failed integrity check, starting empty (repaired)")
	}
	report.BeforeAllocations = len(snap.Allocations)

	// Step 2: config validation already happened in catalog.Load before
	// Run was ever called with a non-nil cat.

	// Step 3: orphan sweep — drop allocations with a dead pid or an
	// unknown service type.
	var kept []types.Allocation
	for _, a := range snap.Allocations {
		if a.PID != 0 && processOK != nil && !processOK(a.PID) {
			report.OrphansDropped++
			continue
		}
		if _, ok := cat.Lookup(a.ServiceType); !ok {
			report.UnknownTypesDropped++
			continue
		}
		kept = append(kept, a)
	}

	// Step 4: singleton repair. Recompute from the surviving table;
	// for any singleton type with more than one allocation, keep the
	// earliest-allocated and drop the rest.
	earliest := map[string]types.Allocation{}
	dupCounts := map[string]int{}
	for _, a := range kept {
		st, ok := cat.Lookup(a.ServiceType)
		if !ok || st.InstanceBehavior != types.InstanceSingle {
			continue
		}
		dupCounts[a.ServiceType]++
		cur, exists := earliest[a.ServiceType]
		if !exists || a.AllocatedAt.Before(cur.AllocatedAt) {
			earliest[a.ServiceType] = a
		}
	}
	for _, n := range dupCounts {
		if n > 1 {
			report.SingletonRepaired++
		}
	}

	var final []types.Allocation
	for _, a := range kept {
		st, ok := cat.Lookup(a.ServiceType)
		if ok && st.InstanceBehavior == types.InstanceSingle {
			if earliest[a.ServiceType].LockID != a.LockID {
				continue // duplicate singleton allocation, drop
			}
		}
		final = append(final, a)
	}

	newSingleton := types.SingletonIndex{}
	for name, a := range earliest {
		newSingleton[name] = a.LockID
	}
	snap.Allocations = final
	snap.SingletonIndex = newSingleton
	report.AfterAllocations = len(snap.Allocations)

	// Step 5: write a repair snapshot as the new live snapshot.
	if err := snapStore.Write(snap); err != nil {
		return nil, report, err
	}

	return snap, report, nil
}

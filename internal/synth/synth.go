// Package synth computes new non-overlapping port ranges for service
// types the catalog has never seen, per §4.3. It is pure: no I/O, no
// locking, just a function of the current set of ranges and the
// auto-allocation config.
package synth

import (
	"sort"

	"github.com/portkeepd/portkeepd/internal/catalog"
	"github.com/portkeepd/portkeepd/internal/errkind"
	"github.com/portkeepd/portkeepd/internal/types"
)

// ChunkSize resolves the chunk size for name: a matching pattern rule
// wins, otherwise the configured default, clamped to [1, maxPort]. cat
// may be nil, in which case only the configured default applies.
func ChunkSize(name string, cat *catalog.Catalog, cfg types.AutoAllocationConfig) int {
	if cat != nil {
		if size, ok := cat.MatchPatternRule(name); ok {
			return clamp(size, cfg.MaxPort)
		}
	}
	return clamp(cfg.DefaultChunk, cfg.MaxPort)
}

func clamp(size, maxPort int) int {
	if size < 1 {
		size = 1
	}
	if maxPort > 0 && size > maxPort {
		size = maxPort
	}
	return size
}

// Synthesize computes a new [low, high] range for name, disjoint from
// every range in existing, honoring cfg's placement strategy, chunk
// size, bounds, and gap policy. cat supplies any pattern-rule chunk
// override and may be nil. On failure it returns a RANGE_EXHAUSTED
// error whose message begins "no-space".
func Synthesize(name string, existing []types.PortRange, cat *catalog.Catalog, cfg types.AutoAllocationConfig) (types.PortRange, error) {
	chunk := ChunkSize(name, cat, cfg)
	gap := 0
	if cfg.PreserveGaps {
		gap = cfg.GapSize
	}

	sorted := append([]types.PortRange{}, existing...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Low < sorted[j].Low })

	switch cfg.Placement {
	case types.PlacementBefore:
		if r, ok := placeBefore(sorted, chunk, gap, cfg); ok {
			return r, nil
		}
	case types.PlacementSmart:
		if r, ok := placeSmart(sorted, chunk, gap, cfg); ok {
			return r, nil
		}
		// fall back to after
		if r, ok := placeAfter(sorted, chunk, gap, cfg); ok {
			return r, nil
		}
	default: // after
		if r, ok := placeAfter(sorted, chunk, gap, cfg); ok {
			return r, nil
		}
	}

	return types.PortRange{}, errkind.New(errkind.RangeExhausted, "no-space: unable to synthesize a range within configured bounds")
}

func placeAfter(sorted []types.PortRange, chunk, gap int, cfg types.AutoAllocationConfig) (types.PortRange, bool) {
	low := cfg.MinPort
	if len(sorted) > 0 {
		if next := sorted[len(sorted)-1].High + gap + 1; next > low {
			low = next
		}
	}
	high := low + chunk - 1
	if low < cfg.MinPort || high > cfg.MaxPort {
		return types.PortRange{}, false
	}
	return types.PortRange{Low: low, High: high}, true
}

func placeBefore(sorted []types.PortRange, chunk, gap int, cfg types.AutoAllocationConfig) (types.PortRange, bool) {
	high := cfg.MaxPort
	if len(sorted) > 0 {
		high = sorted[0].Low - gap - 1
	}
	low := high - chunk + 1
	if low < cfg.MinPort || high > cfg.MaxPort {
		return types.PortRange{}, false
	}
	return types.PortRange{Low: low, High: high}, true
}

// placeSmart scans sorted used ranges for the first gap of size
// >= (chunk + 2*gap) and places the new range gap ports above the
// start of that room.
func placeSmart(sorted []types.PortRange, chunk, gap int, cfg types.AutoAllocationConfig) (types.PortRange, bool) {
	needed := chunk + 2*gap
	prevHigh := cfg.MinPort - 1
	for _, r := range sorted {
		available := r.Low - 1 - prevHigh
		if available >= needed {
			low := prevHigh + 1 + gap
			high := low + chunk - 1
			if low >= cfg.MinPort && high <= cfg.MaxPort {
				return types.PortRange{Low: low, High: high}, true
			}
		}
		if r.High > prevHigh {
			prevHigh = r.High
		}
	}
	// gap after the last range, up to MaxPort
	available := cfg.MaxPort - prevHigh
	if available >= needed {
		low := prevHigh + 1 + gap
		high := low + chunk - 1
		if low >= cfg.MinPort && high <= cfg.MaxPort {
			return types.PortRange{Low: low, High: high}, true
		}
	}
	return types.PortRange{}, false
}

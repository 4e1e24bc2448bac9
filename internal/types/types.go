// Package types holds the data model entities shared across the daemon
// core: service types, allocations, the singleton index, the instance
// registry, and the audit event taxonomy. Field names and invariants
// mirror §3 of the coordination-daemon design.
package types

import "time"

// InstanceBehavior controls whether a service type permits more than
// one simultaneous active allocation.
type InstanceBehavior string

const (
	InstanceSingle InstanceBehavior = "single"
	InstanceMulti  InstanceBehavior = "multi"
)

// AllocationPattern controls candidate-port ordering within a range.
type AllocationPattern string

const (
	PatternSequential     AllocationPattern = "sequential"
	PatternPreferredFirst AllocationPattern = "preferred-first"
)

// PortRange is an inclusive [Low, High] bound, 1024 <= Low <= High <= 65535.
type PortRange struct {
	Low  int `json:"low" yaml:"low"`
	High int `json:"high" yaml:"high"`
}

func (r PortRange) Contains(port int) bool {
	return port >= r.Low && port <= r.High
}

func (r PortRange) Size() int { return r.High - r.Low + 1 }

// Overlaps reports whether r and o share any port.
func (r PortRange) Overlaps(o PortRange) bool {
	return r.Low <= o.High && o.Low <= r.High
}

// ServiceType is immutable for the lifetime of a daemon run once loaded
// or synthesized; only the Catalog Writer may append new entries to the
// persisted config, and only via an explicit add/remove operation.
type ServiceType struct {
	Name             string            `json:"name" yaml:"name"`
	PreferredPorts   []int             `json:"preferred_ports,omitempty" yaml:"preferred_ports,omitempty"`
	Range            PortRange         `json:"range" yaml:"range"`
	InstanceBehavior InstanceBehavior  `json:"instance_behavior" yaml:"instance_behavior"`
	Pattern          AllocationPattern `json:"allocation_pattern" yaml:"allocation_pattern"`
	Description      string            `json:"description,omitempty" yaml:"description,omitempty"`
	AutoAllocated    bool              `json:"auto_allocated,omitempty" yaml:"auto_allocated,omitempty"`
	AllocatedAt      *time.Time        `json:"allocated_at,omitempty" yaml:"allocated_at,omitempty"`
	// OverlapsAnother records that catalog validation detected a range
	// clash with an earlier-declared type; the earlier type wins
	// resolution deterministically, this one is flagged only.
	OverlapsAnother bool `json:"overlaps_another,omitempty" yaml:"-"`
}

// AllocationState is the lifecycle stage of an Allocation. Tentative
// rows exist only within the scope of a single allocate call and are
// never persisted to the snapshot.
type AllocationState string

const (
	StateTentative AllocationState = "tentative"
	StateActive    AllocationState = "active"
	StateSuspect   AllocationState = "suspect"
	StateReleased  AllocationState = "released"
)

// Allocation is a single port reservation.
type Allocation struct {
	Port            int             `json:"port"`
	ServiceType     string          `json:"service_type"`
	ServiceName     string          `json:"service_name,omitempty"`
	InstanceID      string          `json:"instance_id"`
	PID             int             `json:"pid,omitempty"`
	ProcessStart    int64           `json:"process_start,omitempty"`
	ProjectPath     string          `json:"project_path,omitempty"`
	LockID          string          `json:"lock_id"`
	AllocatedAt     time.Time       `json:"allocated_at"`
	FailureCount    int             `json:"failure_count"`
	State           AllocationState `json:"state"`
}

// SingletonIndex maps a single-instance service type name to the lock
// id of its one active allocation. It never stores the allocation
// itself; lookups always resolve through the allocation table.
type SingletonIndex map[string]string

// InstanceRecord tracks a registered caller session.
type InstanceRecord struct {
	InstanceID      string    `json:"instance_id"`
	WorkingDir      string    `json:"working_directory"`
	RegisteredAt    time.Time `json:"registered_at"`
	LastHeartbeat   time.Time `json:"last_heartbeat"`
	ActiveLockIDs   []string  `json:"active_lock_ids,omitempty"`
}

// RecoveryConfig tunes the probe/retry/health-check behavior.
type RecoveryConfig struct {
	OSConflictRecheck      bool          `json:"os_conflict_recheck" yaml:"os_conflict_recheck"`
	MaxRetries             int           `json:"max_retries" yaml:"max_retries"`
	ProbeTimeout           time.Duration `json:"probe_timeout" yaml:"probe_timeout"`
	HealthCheckInterval    time.Duration `json:"health_check_interval" yaml:"health_check_interval"`
	MaxConsecutiveFailures int           `json:"max_consecutive_failures" yaml:"max_consecutive_failures"`
	InstanceStaleThreshold time.Duration `json:"instance_stale_threshold" yaml:"instance_stale_threshold"`
}

// PlacementStrategy controls where the Range Synthesizer places a new
// auto-allocated range.
type PlacementStrategy string

const (
	PlacementAfter  PlacementStrategy = "after"
	PlacementBefore PlacementStrategy = "before"
	PlacementSmart  PlacementStrategy = "smart"
)

// PatternRule overrides the default chunk size for service-type names
// matching a glob, e.g. "monitoring-*": 20.
type PatternRule struct {
	Pattern   string `json:"pattern" yaml:"pattern"`
	ChunkSize int    `json:"chunk_size" yaml:"chunk_size"`
}

// AutoAllocationConfig governs Range Synthesizer behavior.
type AutoAllocationConfig struct {
	Enabled      bool              `json:"enabled" yaml:"enabled"`
	DefaultChunk int               `json:"default_chunk" yaml:"default_chunk"`
	Placement    PlacementStrategy `json:"placement" yaml:"placement"`
	MinPort      int               `json:"min_port" yaml:"min_port"`
	MaxPort      int               `json:"max_port" yaml:"max_port"`
	PreserveGaps bool              `json:"preserve_gaps" yaml:"preserve_gaps"`
	GapSize      int               `json:"gap_size" yaml:"gap_size"`
}

// AuditAction names the taxonomy of append-only audit events.
type AuditAction string

const (
	ActionAllocate           AuditAction = "ALLOCATE"
	ActionRelease            AuditAction = "RELEASE"
	ActionAutoAllocation     AuditAction = "AUTO_ALLOCATION"
	ActionAutoAllocationUndo AuditAction = "AUTO_ALLOCATION_UNDO"
	ActionCleanup            AuditAction = "CLEANUP"
	ActionHealthCleanup      AuditAction = "HEALTH_CLEANUP"
	ActionRecovery           AuditAction = "RECOVERY"
)

// AuditEvent is a single append-only structured audit record.
type AuditEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	Action    AuditAction    `json:"action"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// PortStatus is the result of a check/scan query: table membership
// joined with a live probe and any process enrichment.
type PortStatus struct {
	Port          int    `json:"port"`
	Available     bool   `json:"available"`
	AllocatedTo   string `json:"allocated_to,omitempty"`
	ServiceType   string `json:"service_type,omitempty"`
	SystemUsage   string `json:"system_usage,omitempty"`
	PID           int    `json:"pid,omitempty"`
	ProcessName   string `json:"process_name,omitempty"`
}

// StatsSnapshot is the read-only summary returned by the engine's
// stats operation.
type StatsSnapshot struct {
	TotalAllocations    int            `json:"total_allocations"`
	ByServiceType       map[string]int `json:"by_service_type"`
	AutoAllocatedTypes  int            `json:"auto_allocated_types"`
	ConflictsDetected   uint64         `json:"conflicts_detected"`
}

// CleanupReport summarizes a cleanup pass.
type CleanupReport struct {
	Cleaned      int      `json:"cleaned"`
	CleanedLocks []string `json:"cleaned_locks,omitempty"`
}

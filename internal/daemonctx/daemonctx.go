// Package daemonctx is the composition root for portkeepd: it builds
// every long-lived component exactly once and wires them together,
// replacing the ad hoc package-level globals an earlier design in this
// codebase's lineage used for its logger with a single struct an
// explicit main() owns and threads through.
package daemonctx

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/portkeepd/portkeepd/internal/audit"
	"github.com/portkeepd/portkeepd/internal/catalog"
	"github.com/portkeepd/portkeepd/internal/engine"
	"github.com/portkeepd/portkeepd/internal/healthmon"
	"github.com/portkeepd/portkeepd/internal/httpapi"
	applog "github.com/portkeepd/portkeepd/internal/log"
	"github.com/portkeepd/portkeepd/internal/probe"
	"github.com/portkeepd/portkeepd/internal/recovery"
	"github.com/portkeepd/portkeepd/internal/store"
	"github.com/portkeepd/portkeepd/internal/types"
)

const tokenByteLen = 32

// Options configures the composition root; every field has a sane
// daemon default applied by Build when left zero.
type Options struct {
	StateDir   string
	LogLevel   applog.Level
	LogJSON    bool
	HTTPAddr   string
	AutoAlloc  types.AutoAllocationConfig
	Recovery   types.RecoveryConfig
}

// Context bundles every long-lived component built by Build. main()
// owns this struct for the lifetime of the process.
type Context struct {
	Logger   zerolog.Logger
	Catalog  *catalog.Catalog
	Store    *store.Store
	Writer   *catalog.Writer
	Audit    *audit.Logger
	Engine   *engine.Engine
	Health   *healthmon.Monitor
	HTTP     *httpapi.Server
	Token    []byte
	Recovery recovery.Report
	httpAddr string
}

func defaultOptions(o Options) Options {
	if o.StateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		o.StateDir = filepath.Join(home, ".portkeepd")
	}
	if o.LogLevel == "" {
		o.LogLevel = applog.InfoLevel
	}
	if o.HTTPAddr == "" {
		o.HTTPAddr = "127.0.0.1:9876"
	}
	if o.Recovery.MaxRetries <= 0 {
		o.Recovery.MaxRetries = 20
	}
	if o.Recovery.ProbeTimeout <= 0 {
		o.Recovery.ProbeTimeout = probe.DefaultTimeout
	}
	if o.Recovery.HealthCheckInterval <= 0 {
		o.Recovery.HealthCheckInterval = 30 * time.Second
	}
	if o.Recovery.MaxConsecutiveFailures <= 0 {
		o.Recovery.MaxConsecutiveFailures = 3
	}
	if o.Recovery.InstanceStaleThreshold <= 0 {
		o.Recovery.InstanceStaleThreshold = 10 * time.Minute
	}
	if o.AutoAlloc.DefaultChunk <= 0 {
		o.AutoAlloc.DefaultChunk = 10
	}
	if o.AutoAlloc.GapSize <= 0 {
		o.AutoAlloc.GapSize = 5
	}
	if o.AutoAlloc.MinPort <= 0 {
		o.AutoAlloc.MinPort = 20000
	}
	if o.AutoAlloc.MaxPort <= 0 {
		o.AutoAlloc.MaxPort = 65000
	}
	if o.AutoAlloc.Placement == "" {
		o.AutoAlloc.Placement = types.PlacementSmart
	}
	return o
}

// Build constructs every long-lived component and runs Recovery before
// returning, so the engine it hands back is already repaired. Callers
// still need to call Start on the returned Context's background tasks.
func Build(o Options) (*Context, error) {
	o = defaultOptions(o)

	if err := os.MkdirAll(o.StateDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	logger := applog.New(applog.Config{Level: o.LogLevel, JSONOutput: o.LogJSON})

	token, err := loadOrCreateToken(filepath.Join(o.StateDir, "auth.token"))
	if err != nil {
		return nil, fmt.Errorf("failed to load auth token: %w", err)
	}

	configPath := filepath.Join(o.StateDir, "config.json")
	writer := catalog.NewWriter(configPath, filepath.Join(o.StateDir, "config-backups"))

	var userOverride []byte
	if raw, err := os.ReadFile(configPath); err == nil {
		userOverride = raw
	}
	cat, err := catalog.LoadFromFile(userOverride)
	if err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	snapStore := store.New(filepath.Join(o.StateDir, "daemon.state"))
	recLogger := applog.WithComponent(logger, "recovery")
	snap, recReport, err := recovery.Run(snapStore, cat, engine.ProcessExists, recLogger)
	if err != nil {
		return nil, fmt.Errorf("recovery failed: %w", err)
	}

	auditLogger := audit.New(filepath.Join(o.StateDir, "audit.log"), 1024, applog.WithComponent(logger, "audit"))
	auditLogger.Audit(types.AuditEvent{
		Timestamp: time.Now().UTC(),
		Action:    types.ActionRecovery,
		Fields: map[string]any{
			"snapshot_corrupt":      recReport.SnapshotCorrupt,
			"orphans_dropped":       recReport.OrphansDropped,
			"unknown_types_dropped": recReport.UnknownTypesDropped,
			"singleton_repaired":    recReport.SingletonRepaired,
			"before_allocations":    recReport.BeforeAllocations,
			"after_allocations":     recReport.AfterAllocations,
		},
	})

	prober := probe.New()
	eng := engine.New(engine.Config{
		Logger:    applog.WithComponent(logger, "engine"),
		Catalog:   cat,
		Prober:    prober,
		Store:     snapStore,
		Writer:    writer,
		Sink:      auditLogger,
		AutoAlloc: o.AutoAlloc,
		Recovery:  o.Recovery,
		Snapshot:  snap,
	})

	mon := healthmon.New(eng, prober, engine.ProcessExists, o.Recovery.HealthCheckInterval, o.Recovery.MaxConsecutiveFailures, applog.WithComponent(logger, "healthmon"))

	httpSrv := httpapi.New(eng, eng.CurrentCatalog, auditLogger, token, applog.WithComponent(logger, "httpapi"))

	return &Context{
		Logger:   logger,
		Catalog:  cat,
		Store:    snapStore,
		Writer:   writer,
		Audit:    auditLogger,
		Engine:   eng,
		Health:   mon,
		HTTP:     httpSrv,
		Token:    token,
		Recovery: recReport,
		httpAddr: httpAddrOverride(o.HTTPAddr),
	}, nil
}

// Start launches the Health Monitor and HTTP Surface; the engine's own
// background snapshot task was already started by engine.New.
func (c *Context) Start() error {
	c.Health.Start()
	return c.HTTP.Start(c.httpAddr)
}

// Shutdown stops the Health Monitor and flushes a final synchronous
// snapshot via the engine, then closes the audit log writer.
func (c *Context) Shutdown() {
	c.Health.Stop()
	c.Engine.Stop()
	c.Audit.Stop()
}

func httpAddrOverride(configured string) string {
	if addr := os.Getenv("PORTKEEPD_HTTP_ADDR"); addr != "" {
		return addr
	}
	return configured
}

// loadOrCreateToken returns the hex-encoded token exactly as it is
// stored on disk: the server holds the same bytes a client reads
// straight out of auth.token, so a Bearer header built from the file's
// contents compares equal without either side re-encoding.
func loadOrCreateToken(path string) ([]byte, error) {
	if raw, err := os.ReadFile(path); err == nil {
		if _, err := hex.DecodeString(string(raw)); err == nil && len(raw) == tokenByteLen*2 {
			return raw, nil
		}
	}
	buf := make([]byte, tokenByteLen)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	encoded := []byte(hex.EncodeToString(buf))
	if err := os.WriteFile(path, encoded, 0600); err != nil {
		return nil, err
	}
	return encoded, nil
}

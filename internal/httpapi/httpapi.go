// Package httpapi implements the HTTP Surface (§4.9, §6): a loopback-
// only net/http.ServeMux translating requests to engine calls, the
// same plain-ServeMux-plus-JSON-encode shape a sibling health server
// in this codebase's lineage uses for its liveness/readiness probes,
// generalized here to the full allocate/release/check/scan/config
// surface and fronted by constant-time bearer token auth.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/portkeepd/portkeepd/internal/catalog"
	"github.com/portkeepd/portkeepd/internal/engine"
	"github.com/portkeepd/portkeepd/internal/errkind"
	"github.com/portkeepd/portkeepd/internal/types"
)

// Engine is the subset of *engine.Engine the HTTP surface calls. It
// owns no state of its own; every handler is a thin translation layer.
type Engine interface {
	Allocate(req engine.Request) (engine.Response, error)
	Release(lockID string) error
	Check(port int) (types.PortStatus, error)
	Scan(low, high int) ([]types.PortStatus, error)
	Stats() types.StatsSnapshot
	Allocations() []types.Allocation
	Cleanup(force bool) types.CleanupReport
	Suggest(serviceType string, n int) ([]int, error)
	RegisterInstance(instanceID, workingDir string) (time.Time, error)
	Heartbeat(instanceID string) (time.Time, error)
	ListInstances() []types.InstanceRecord
	UndoAutoAllocation(name string) error
}

// Observer receives informational port-usage reports from the bind
// interceptor and exposes the Prometheus counters it maintains; it is
// satisfied by internal/audit.Logger.
type Observer interface {
	Audit(event types.AuditEvent)
	Handler() http.Handler
}

// Server is the HTTP Surface. A *Server is safe for concurrent use;
// it holds no mutable state beyond what net/http itself serializes.
type Server struct {
	mux       *http.ServeMux
	engine    Engine
	cat       func() *catalog.Catalog
	observer  Observer
	token     []byte
	startedAt time.Time
	logger    zerolog.Logger
}

// New builds a Server. catFn is called on every /config request so the
// handler always reflects the engine's live catalog, including entries
// synthesized by auto-allocation after startup.
func New(eng Engine, catFn func() *catalog.Catalog, observer Observer, token []byte, logger zerolog.Logger) *Server {
	s := &Server{
		engine:    eng,
		cat:       catFn,
		observer:  observer,
		token:     token,
		startedAt: time.Now().UTC(),
		logger:    logger,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/allocate", s.withAuth(s.handleAllocate))
	mux.HandleFunc("/allocate/", s.withAuth(s.handleRelease))
	mux.HandleFunc("/check/", s.withAuth(s.handleCheck))
	mux.HandleFunc("/scan", s.withAuth(s.handleScan))
	mux.HandleFunc("/cleanup", s.withAuth(s.handleCleanup))
	mux.HandleFunc("/allocations", s.withAuth(s.handleAllocations))
	mux.HandleFunc("/config", s.withAuth(s.handleConfig))
	mux.HandleFunc("/config/auto-allocation/", s.withAuth(s.handleUndoAutoAllocation))
	mux.HandleFunc("/status", s.handleStatus) // no auth, per §6
	mux.HandleFunc("/health", s.withAuth(s.handleHealth))
	mux.HandleFunc("/instance/register", s.withAuth(s.handleInstanceRegister))
	mux.HandleFunc("/instance/", s.withAuth(s.handleInstanceHeartbeat))
	mux.HandleFunc("/instance/list", s.withAuth(s.handleInstanceList))
	mux.HandleFunc("/suggest/", s.withAuth(s.handleSuggest))
	mux.HandleFunc("/observe", s.withAuth(s.handleObserve))
	if observer != nil {
		mux.Handle("/status/metrics", s.withAuth(observer.Handler().ServeHTTP))
	}
	s.mux = mux
	return s
}

// Handler returns the HTTP handler for embedding in an *http.Server.
func (s *Server) Handler() http.Handler { return s.mux }

// Start binds addr (expected to be a loopback address) and serves
// until the process exits or the caller shuts the server down.
func (s *Server) Start(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return server.ListenAndServe()
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			writeError(w, errkind.New(errkind.AuthRequired, "missing bearer token"))
			return
		}
		presented := []byte(strings.TrimPrefix(header, prefix))
		if len(presented) != len(s.token) || subtle.ConstantTimeCompare(presented, s.token) != 1 {
			writeError(w, errkind.New(errkind.AuthInvalid, "invalid bearer token"))
			return
		}
		next(w, r)
	}
}

type errorContext struct {
	Suggestions []string `json:"suggestions,omitempty"`
	HelpURL     string   `json:"help_url,omitempty"`
}

type errorResponse struct {
	Success bool          `json:"success"`
	Error   string        `json:"error"`
	Context *errorContext `json:"context,omitempty"`
}

func statusForKind(k errkind.Kind) int {
	switch k {
	case errkind.InvalidInput, errkind.InvalidLockID:
		return http.StatusBadRequest
	case errkind.AuthRequired, errkind.AuthInvalid:
		return http.StatusUnauthorized
	case errkind.UnknownServiceType:
		return http.StatusNotFound
	case errkind.Conflict, errkind.RangeExhausted:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := errkind.Kind("INTERNAL")
	msg := err.Error()
	var ke *errkind.Error
	if e, ok := err.(*errkind.Error); ok {
		ke = e
		kind = e.Kind
		msg = e.Message
	}

	resp := errorResponse{Error: msg}
	if ke != nil {
		switch ke.Kind {
		case errkind.RangeExhausted:
			resp.Context = &errorContext{Suggestions: []string{
				"widen the service type's port range",
				"enable auto-allocation",
				"release unused allocations with cleanup",
			}}
		case errkind.UnknownServiceType:
			resp.Context = &errorContext{Suggestions: []string{
				"check spelling of the service type",
				"enable auto-allocation to synthesize a new range",
			}}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusForKind(kind))
	_ = json.NewEncoder(w).Encode(resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func pathTail(r *http.Request, prefix string) string {
	return strings.TrimPrefix(r.URL.Path, prefix)
}

type allocateRequest struct {
	ServiceType   string `json:"service_type"`
	ServiceName   string `json:"service_name,omitempty"`
	PreferredPort int    `json:"preferred_port,omitempty"`
	InstanceID    string `json:"instance_id,omitempty"`
	ProjectPath   string `json:"project_path,omitempty"`
	DryRun        bool   `json:"dry_run,omitempty"`
}

func (s *Server) handleAllocate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, errkind.New(errkind.InvalidInput, "method not allowed"))
		return
	}
	var req allocateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errkind.Wrap(errkind.InvalidInput, err, "malformed request body"))
		return
	}
	if req.ServiceType == "" {
		writeError(w, errkind.New(errkind.InvalidInput, "service_type is required"))
		return
	}

	resp, err := s.engine.Allocate(engine.Request{
		ServiceType:   req.ServiceType,
		ServiceName:   req.ServiceName,
		PreferredPort: req.PreferredPort,
		InstanceID:    req.InstanceID,
		ProjectPath:   req.ProjectPath,
		DryRun:        req.DryRun,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	out := map[string]any{
		"success": resp.Success,
		"port":    resp.Port,
		"lock_id": resp.LockID,
		"message": resp.Message,
	}
	if resp.AutoAllocated {
		out["auto_allocated"] = true
		out["allocated_range"] = resp.AllocatedRange
	}
	if resp.Existing {
		out["existing"] = true
		out["existingInstanceId"] = resp.ExistingInstanceID
		out["existingPid"] = resp.ExistingPID
	}
	if resp.DryRun {
		out["dry_run"] = true
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeError(w, errkind.New(errkind.InvalidInput, "method not allowed"))
		return
	}
	lockID := pathTail(r, "/allocate/")
	if lockID == "" {
		writeError(w, errkind.New(errkind.InvalidInput, "lock id is required"))
		return
	}
	if err := s.engine.Release(lockID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "released"})
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	raw := pathTail(r, "/check/")
	port, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, errkind.New(errkind.InvalidInput, "port must be numeric"))
		return
	}
	status, err := s.engine.Check(port)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	low, err1 := strconv.Atoi(r.URL.Query().Get("start"))
	high, err2 := strconv.Atoi(r.URL.Query().Get("end"))
	if err1 != nil || err2 != nil {
		writeError(w, errkind.New(errkind.InvalidInput, "start and end query params are required"))
		return
	}
	statuses, err := s.engine.Scan(low, high)
	if err != nil {
		writeError(w, err)
		return
	}
	var inUse []int
	for _, st := range statuses {
		if !st.Available {
			inUse = append(inUse, st.Port)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"scan_range":    []int{low, high},
		"ports_in_use":  inUse,
	})
}

type cleanupRequest struct {
	Force bool `json:"force,omitempty"`
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, errkind.New(errkind.InvalidInput, "method not allowed"))
		return
	}
	var req cleanupRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	report := s.engine.Cleanup(req.Force)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "cleaned": report.Cleaned})
}

func (s *Server) handleAllocations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"allocations": s.engine.Allocations()})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	cat := s.cat()
	writeJSON(w, http.StatusOK, map[string]any{
		"service_types": cat.All(),
		"compliance":    s.engine.Stats(),
	})
}

func (s *Server) handleUndoAutoAllocation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeError(w, errkind.New(errkind.InvalidInput, "method not allowed"))
		return
	}
	name := pathTail(r, "/config/auto-allocation/")
	if name == "" {
		writeError(w, errkind.New(errkind.InvalidInput, "service type is required"))
		return
	}
	if err := s.engine.UndoAutoAllocation(name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "removed": name})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"uptime":      time.Since(s.startedAt).String(),
		"allocations": len(s.engine.Allocations()),
		"instances":   len(s.engine.ListInstances()),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"components": map[string]string{
			"engine": "ok",
			"store":  "ok",
		},
	})
}

type instanceRegisterRequest struct {
	InstanceID      string `json:"instance_id"`
	WorkingDirectory string `json:"working_directory"`
}

func (s *Server) handleInstanceRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, errkind.New(errkind.InvalidInput, "method not allowed"))
		return
	}
	var req instanceRegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errkind.Wrap(errkind.InvalidInput, err, "malformed request body"))
		return
	}
	at, err := s.engine.RegisterInstance(req.InstanceID, req.WorkingDirectory)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"registered_at": at})
}

func (s *Server) handleInstanceHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		writeError(w, errkind.New(errkind.InvalidInput, "method not allowed"))
		return
	}
	id := strings.TrimSuffix(pathTail(r, "/instance/"), "/heartbeat")
	if id == "" {
		writeError(w, errkind.New(errkind.InvalidInput, "instance id is required"))
		return
	}
	at, err := s.engine.Heartbeat(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"last_heartbeat": at})
}

func (s *Server) handleInstanceList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"instances": s.engine.ListInstances()})
}

func (s *Server) handleSuggest(w http.ResponseWriter, r *http.Request) {
	serviceType := pathTail(r, "/suggest/")
	if serviceType == "" {
		writeError(w, errkind.New(errkind.InvalidInput, "service type is required"))
		return
	}
	n, _ := strconv.Atoi(r.URL.Query().Get("n"))
	ports, err := s.engine.Suggest(serviceType, n)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ports": ports})
}

type observeRequest struct {
	Port        int    `json:"port"`
	PID         int    `json:"pid"`
	ServiceHint string `json:"service_hint,omitempty"`
}

// handleObserve records an informational report from the bind
// interceptor; it never mutates engine state (§4.10 step 4).
func (s *Server) handleObserve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, errkind.New(errkind.InvalidInput, "method not allowed"))
		return
	}
	var req observeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errkind.Wrap(errkind.InvalidInput, err, "malformed request body"))
		return
	}
	if s.observer != nil {
		s.observer.Audit(types.AuditEvent{
			Timestamp: time.Now().UTC(),
			Action:    types.ActionAllocate,
			Fields:    map[string]any{"observed_port": req.Port, "pid": req.PID, "service_hint": req.ServiceHint},
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

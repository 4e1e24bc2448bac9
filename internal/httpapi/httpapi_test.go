package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/portkeepd/portkeepd/internal/catalog"
	"github.com/portkeepd/portkeepd/internal/engine"
	"github.com/portkeepd/portkeepd/internal/errkind"
	"github.com/portkeepd/portkeepd/internal/types"
)

type fakeEngine struct {
	allocResp   engine.Response
	allocErr    error
	releaseErr  error
	checkResp   types.PortStatus
	suggestPorts []int
	instances   []types.InstanceRecord
	undoErr     error
	undoCalls   []string
}

func (f *fakeEngine) Allocate(req engine.Request) (engine.Response, error) { return f.allocResp, f.allocErr }
func (f *fakeEngine) Release(lockID string) error                          { return f.releaseErr }
func (f *fakeEngine) Check(port int) (types.PortStatus, error)             { return f.checkResp, nil }
func (f *fakeEngine) Scan(low, high int) ([]types.PortStatus, error) {
	return []types.PortStatus{{Port: low, Available: true}, {Port: high, Available: false}}, nil
}
func (f *fakeEngine) Stats() types.StatsSnapshot           { return types.StatsSnapshot{TotalAllocations: 1} }
func (f *fakeEngine) Allocations() []types.Allocation      { return []types.Allocation{{Port: 3000}} }
func (f *fakeEngine) Cleanup(force bool) types.CleanupReport { return types.CleanupReport{Cleaned: 2} }
func (f *fakeEngine) Suggest(serviceType string, n int) ([]int, error) { return f.suggestPorts, nil }
func (f *fakeEngine) RegisterInstance(instanceID, workingDir string) (time.Time, error) {
	return time.Unix(1000, 0).UTC(), nil
}
func (f *fakeEngine) Heartbeat(instanceID string) (time.Time, error) {
	return time.Unix(2000, 0).UTC(), nil
}
func (f *fakeEngine) ListInstances() []types.InstanceRecord { return f.instances }
func (f *fakeEngine) UndoAutoAllocation(name string) error {
	f.undoCalls = append(f.undoCalls, name)
	return f.undoErr
}

func newTestServer(t *testing.T, eng *fakeEngine) *Server {
	t.Helper()
	cat, err := catalog.Load(nil)
	require.NoError(t, err)
	return New(eng, func() *catalog.Catalog { return cat }, nil, []byte("secret-token"), testLogger())
}

func authed(req *http.Request) *http.Request {
	req.Header.Set("Authorization", "Bearer secret-token")
	return req
}

func TestAllocate_Success(t *testing.T) {
	eng := &fakeEngine{allocResp: engine.Response{Success: true, Port: 3000, LockID: "l1"}}
	s := newTestServer(t, eng)

	body, _ := json.Marshal(map[string]any{"service_type": "dev", "instance_id": "i1"})
	req := authed(httptest.NewRequest(http.MethodPost, "/allocate", bytes.NewReader(body)))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Equal(t, float64(3000), out["port"])
}

func TestAllocate_RejectsWithoutToken(t *testing.T) {
	eng := &fakeEngine{}
	s := newTestServer(t, eng)

	req := httptest.NewRequest(http.MethodPost, "/allocate", bytes.NewReader([]byte(`{}`)))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAllocate_MapsRangeExhaustedTo409(t *testing.T) {
	eng := &fakeEngine{allocErr: errkind.New(errkind.RangeExhausted, "no free port")}
	s := newTestServer(t, eng)

	body, _ := json.Marshal(map[string]any{"service_type": "dev", "instance_id": "i1"})
	req := authed(httptest.NewRequest(http.MethodPost, "/allocate", bytes.NewReader(body)))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusConflict, w.Code)
	var out errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.False(t, out.Success)
	require.NotNil(t, out.Context)
}

func TestStatus_DoesNotRequireAuth(t *testing.T) {
	eng := &fakeEngine{}
	s := newTestServer(t, eng)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
}

func TestRelease_UsesDeleteMethod(t *testing.T) {
	eng := &fakeEngine{}
	s := newTestServer(t, eng)

	req := authed(httptest.NewRequest(http.MethodDelete, "/allocate/abc-123", nil))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
}

func TestCheck_ParsesPortFromPath(t *testing.T) {
	eng := &fakeEngine{checkResp: types.PortStatus{Port: 4000, Available: true}}
	s := newTestServer(t, eng)

	req := authed(httptest.NewRequest(http.MethodGet, "/check/4000", nil))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var out types.PortStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	require.Equal(t, 4000, out.Port)
}

func TestSuggest_ReturnsPorts(t *testing.T) {
	eng := &fakeEngine{suggestPorts: []int{3001, 3002}}
	s := newTestServer(t, eng)

	req := authed(httptest.NewRequest(http.MethodGet, "/suggest/dev?n=2", nil))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var out map[string][]int
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	require.Equal(t, []int{3001, 3002}, out["ports"])
}

func TestObserve_AcceptsWithoutEngineMutation(t *testing.T) {
	eng := &fakeEngine{}
	s := newTestServer(t, eng)

	body, _ := json.Marshal(map[string]any{"port": 5000, "pid": 42})
	req := authed(httptest.NewRequest(http.MethodPost, "/observe", bytes.NewReader(body)))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
}

func TestConfig_ListsServiceTypes(t *testing.T) {
	eng := &fakeEngine{}
	s := newTestServer(t, eng)

	req := authed(httptest.NewRequest(http.MethodGet, "/config", nil))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	data, err := io.ReadAll(w.Body)
	require.NoError(t, err)
	require.Contains(t, string(data), "service_types")
}

func TestUndoAutoAllocation_RequiresDelete(t *testing.T) {
	eng := &fakeEngine{}
	s := newTestServer(t, eng)

	req := authed(httptest.NewRequest(http.MethodGet, "/config/auto-allocation/monitoring-x", nil))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Empty(t, eng.undoCalls)
}

func TestUndoAutoAllocation_RemovesServiceType(t *testing.T) {
	eng := &fakeEngine{}
	s := newTestServer(t, eng)

	req := authed(httptest.NewRequest(http.MethodDelete, "/config/auto-allocation/monitoring-x", nil))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, []string{"monitoring-x"}, eng.undoCalls)
}

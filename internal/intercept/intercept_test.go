package intercept

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("PORTKEEPD_HOST", "")
	t.Setenv("PORTKEEPD_PORT", "")
	t.Setenv("PORTKEEPD_INTERCEPT_DISABLE", "")
	t.Setenv("PORTKEEPD_SERVICE_HINT", "")

	cfg := FromEnv()
	assert.Equal(t, defaultHost, cfg.Host)
	assert.Equal(t, defaultPort, cfg.Port)
	assert.Equal(t, defaultServiceHint, cfg.ServiceHint)
	assert.False(t, cfg.Disabled)
}

func TestFromEnvDisableFlag(t *testing.T) {
	t.Setenv("PORTKEEPD_INTERCEPT_DISABLE", "1")
	cfg := FromEnv()
	assert.True(t, cfg.Disabled)
}

func TestClientSuggestSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/suggest/dev", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Write([]byte(`{"ports":[3001,3002]}`))
	}))
	defer srv.Close()

	host, port := splitHostPort(t, srv.URL)
	cfg := Config{Host: host, Port: port, Token: "tok", Timeout: defaultTimeout}
	ports := NewClient(cfg).Suggest("dev", 2)
	assert.Equal(t, []int{3001, 3002}, ports)
}

func TestClientSuggestDisabled(t *testing.T) {
	cfg := Config{Disabled: true}
	ports := NewClient(cfg).Suggest("dev", 2)
	assert.Nil(t, ports)
}

func TestClientSuggestUnreachable(t *testing.T) {
	cfg := Config{Host: "127.0.0.1", Port: "1", Timeout: defaultTimeout}
	ports := NewClient(cfg).Suggest("dev", 2)
	assert.Nil(t, ports)
}

func TestClientSuggestNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()
	host, port := splitHostPort(t, srv.URL)
	cfg := Config{Host: host, Port: port, Timeout: defaultTimeout}
	assert.Nil(t, NewClient(cfg).Suggest("ghost", 1))
}

func TestPassThroughPort(t *testing.T) {
	assert.True(t, PassThroughPort(0))
	assert.True(t, PassThroughPort(1023))
	assert.False(t, PassThroughPort(1024))
	assert.False(t, PassThroughPort(8080))
}

func TestAnnounceWritesNoticeAndAudit(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{AuditPath: filepath.Join(dir, "intercept-audit.log")}
	var buf bytes.Buffer

	Announce(cfg, &buf, Notice{OriginalPort: 8000, NewPort: 3000, PID: 4242})

	assert.Contains(t, buf.String(), "8000")
	assert.Contains(t, buf.String(), "3000")
	assert.Contains(t, buf.String(), "4242")

	raw, err := os.ReadFile(cfg.AuditPath)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"original_port":8000`)
	assert.Contains(t, string(raw), `"new_port":3000`)
}

func splitHostPort(t *testing.T, url string) (string, string) {
	t.Helper()
	rest := strings.TrimPrefix(url, "http://")
	parts := strings.SplitN(rest, ":", 2)
	require.Len(t, parts, 2)
	return parts[0], parts[1]
}

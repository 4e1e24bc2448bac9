// Package client wraps the daemon's HTTP Surface for easy CLI usage,
// the same thin-wrapper-around-a-single-connection shape a sibling CLI
// client in this codebase's lineage uses for its cluster API, adapted
// here from a gRPC+mTLS connection to a loopback HTTP client carrying
// a bearer token read from the per-user state directory.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// Client wraps an HTTP connection to the local portkeepd daemon.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a Client pointed at addr (host:port), reading the bearer
// token from stateDir/auth.token.
func New(addr, stateDir string) (*Client, error) {
	raw, err := os.ReadFile(filepath.Join(stateDir, "auth.token"))
	if err != nil {
		return nil, fmt.Errorf("failed to read auth token (is the daemon initialized?): %w", err)
	}
	return &Client{
		baseURL: "http://" + addr,
		token:   string(raw),
		http:    &http.Client{Timeout: 5 * time.Second},
	}, nil
}

// APIError mirrors the daemon's {success:false, error, context} body.
type APIError struct {
	StatusCode int
	Message    string
	Suggestions []string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("daemon returned %d: %s", e.StatusCode, e.Message)
}

func (c *Client) do(method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if path != "/status" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errBody struct {
			Error   string `json:"error"`
			Context struct {
				Suggestions []string `json:"suggestions"`
			} `json:"context"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		return &APIError{StatusCode: resp.StatusCode, Message: errBody.Error, Suggestions: errBody.Context.Suggestions}
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// AllocateRequest mirrors the POST /allocate body.
type AllocateRequest struct {
	ServiceType   string `json:"service_type"`
	ServiceName   string `json:"service_name,omitempty"`
	PreferredPort int    `json:"preferred_port,omitempty"`
	InstanceID    string `json:"instance_id,omitempty"`
	ProjectPath   string `json:"project_path,omitempty"`
	DryRun        bool   `json:"dry_run,omitempty"`
}

// AllocateResponse mirrors the POST /allocate 200 body.
type AllocateResponse struct {
	Success            bool   `json:"success"`
	Port               int    `json:"port"`
	LockID             string `json:"lock_id"`
	Message            string `json:"message"`
	AutoAllocated      bool   `json:"auto_allocated"`
	Existing           bool   `json:"existing"`
	ExistingInstanceID string `json:"existingInstanceId"`
	ExistingPID        int    `json:"existingPid"`
}

func (c *Client) Allocate(req AllocateRequest) (*AllocateResponse, error) {
	var out AllocateResponse
	if err := c.do(http.MethodPost, "/allocate", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Release(lockID string) error {
	return c.do(http.MethodDelete, "/allocate/"+lockID, nil, nil)
}

// PortStatus mirrors the GET /check/{port} 200 body.
type PortStatus struct {
	Port        int    `json:"port"`
	Available   bool   `json:"available"`
	AllocatedTo string `json:"allocated_to,omitempty"`
	ServiceType string `json:"service_type,omitempty"`
	SystemUsage string `json:"system_usage,omitempty"`
}

func (c *Client) Check(port int) (*PortStatus, error) {
	var out PortStatus
	if err := c.do(http.MethodGet, fmt.Sprintf("/check/%d", port), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Scan(start, end int) (map[string]any, error) {
	var out map[string]any
	if err := c.do(http.MethodGet, fmt.Sprintf("/scan?start=%d&end=%d", start, end), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Cleanup(force bool) (map[string]any, error) {
	var out map[string]any
	if err := c.do(http.MethodPost, "/cleanup", map[string]bool{"force": force}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Allocations() (map[string]any, error) {
	var out map[string]any
	if err := c.do(http.MethodGet, "/allocations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Config() (map[string]any, error) {
	var out map[string]any
	if err := c.do(http.MethodGet, "/config", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Status() (map[string]any, error) {
	var out map[string]any
	if err := c.do(http.MethodGet, "/status", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Instances() (map[string]any, error) {
	var out map[string]any
	if err := c.do(http.MethodGet, "/instance/list", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Suggest asks the daemon for up to n candidate ports for serviceType
// without reserving any of them. Used by the CLI's `suggest` command
// and, over a raw HTTP round trip with its own timeout, by the bind
// interceptor (§4.10).
func (c *Client) Suggest(serviceType string, n int) ([]int, error) {
	var out struct {
		Ports []int `json:"ports"`
	}
	path := fmt.Sprintf("/suggest/%s", serviceType)
	if n > 0 {
		path += fmt.Sprintf("?n=%d", n)
	}
	if err := c.do(http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Ports, nil
}

// RegisterInstance records the caller's instance id and working
// directory with the daemon's Instance Registry.
func (c *Client) RegisterInstance(instanceID, workingDir string) error {
	body := map[string]string{"instance_id": instanceID, "working_directory": workingDir}
	return c.do(http.MethodPost, "/instance/register", body, nil)
}

// Heartbeat refreshes instanceID's last-heartbeat timestamp.
func (c *Client) Heartbeat(instanceID string) error {
	return c.do(http.MethodPut, "/instance/"+instanceID+"/heartbeat", nil, nil)
}

// UndoAutoAllocation removes a previously auto-allocated service type
// through the running daemon, so the removal is audited and the live
// catalog reflects it immediately rather than only after a restart.
func (c *Client) UndoAutoAllocation(serviceType string) error {
	return c.do(http.MethodDelete, "/config/auto-allocation/"+serviceType, nil, nil)
}

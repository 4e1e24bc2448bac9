// Package probe answers "is this TCP port on loopback actually bindable
// right now" without leaving a listener behind. It is grounded on the
// same transient-connection-check idiom as a TCP health checker, but
// performs the opposite operation: a probe listens rather than dials,
// since the question is "can I be the listener", not "is something
// already listening".
package probe

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/portkeepd/portkeepd/internal/errkind"
)

// Result is the tri-state answer to a probe.
type Result string

const (
	Free           Result = "free"
	InUse          Result = "in_use"
	ResultError    Result = "error"
)

// Info is the outcome of a single probe, optionally enriched with
// process information when a listing tool is available.
type Info struct {
	Result      Result
	ProcessName string
	PID         int
	Protocol    string
	Err         error
}

// Prober probes loopback ports with a bounded timeout and caches
// process-listing enrichment for a short TTL.
type Prober struct {
	Timeout    time.Duration
	CacheTTL   time.Duration
	listerPath string // resolved "ss"/"lsof" binary, empty if unavailable

	mu        sync.Mutex
	cacheAt   time.Time
	cacheInfo map[int]procInfo
}

type procInfo struct {
	pid  int
	name string
	proto string
}

// DefaultTimeout and DefaultCacheTTL match §4.1's defaults.
const (
	DefaultTimeout  = 200 * time.Millisecond
	DefaultCacheTTL = 5 * time.Second
)

// New builds a Prober with default timeout/cache settings, resolving an
// optional process-listing tool (ss preferred over lsof) once at
// construction time. Only ss output is parsed: when lsof is the only
// tool found, in-use probes carry no process information.
func New() *Prober {
	p := &Prober{Timeout: DefaultTimeout, CacheTTL: DefaultCacheTTL}
	if path, err := exec.LookPath("ss"); err == nil {
		p.listerPath = path
	} else if path, err := exec.LookPath("lsof"); err == nil {
		p.listerPath = path
	}
	return p
}

// Probe attempts a transient bind to 127.0.0.1:port. It never holds the
// port, never blocks past the configured timeout, and never panics.
func (p *Prober) Probe(port int) Info {
	if port < 1 || port > 65535 {
		return Info{Result: ResultError, Err: errkind.Newf(errkind.InvalidInput, "port %d out of range", port)}
	}

	done := make(chan Info, 1)
	go func() {
		done <- p.probeOnce(port)
	}()

	select {
	case info := <-done:
		return p.enrich(port, info)
	case <-time.After(p.timeout()):
		return Info{Result: ResultError, Err: errkind.New(errkind.IOFailure, "probe timed out")}
	}
}

func (p *Prober) timeout() time.Duration {
	if p.Timeout <= 0 {
		return DefaultTimeout
	}
	return p.Timeout
}

func (p *Prober) probeOnce(port int) Info {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	lc := net.ListenConfig{}
	ln, err := lc.Listen(context.Background(), "tcp4", addr)
	if err != nil {
		if isAddrInUse(err) {
			return Info{Result: InUse}
		}
		return Info{Result: ResultError, Err: errkind.Wrap(errkind.IOFailure, err, "bind failed")}
	}
	_ = ln.Close()
	return Info{Result: Free}
}

func isAddrInUse(err error) bool {
	return strings.Contains(err.Error(), "address already in use") ||
		strings.Contains(err.Error(), "EADDRINUSE")
}

// enrich attaches pid/process-name information from the cached
// process-listing snapshot when the port is in use.
func (p *Prober) enrich(port int, info Info) Info {
	if info.Result != InUse || p.listerPath == "" {
		return info
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if time.Since(p.cacheAt) > p.cacheTTL() || p.cacheInfo == nil {
		p.cacheInfo = p.refreshLocked()
		p.cacheAt = time.Now()
	}
	if pi, ok := p.cacheInfo[port]; ok {
		info.PID = pi.pid
		info.ProcessName = pi.name
		info.Protocol = pi.proto
	}
	return info
}

func (p *Prober) cacheTTL() time.Duration {
	if p.CacheTTL <= 0 {
		return DefaultCacheTTL
	}
	return p.CacheTTL
}

// refreshLocked shells out to "ss -ltnp" to build a port -> process map.
// Caller must hold p.mu. Any failure yields an empty map; enrichment is
// best-effort and never surfaces an error to the probe caller.
func (p *Prober) refreshLocked() map[int]procInfo {
	out := map[int]procInfo{}
	if !strings.HasSuffix(p.listerPath, "ss") {
		return out
	}
	cmd := exec.Command(p.listerPath, "-ltnp")
	raw, err := cmd.Output()
	if err != nil {
		return out
	}
	for _, line := range strings.Split(string(raw), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}
		local := fields[3]
		idx := strings.LastIndex(local, ":")
		if idx < 0 {
			continue
		}
		port, err := strconv.Atoi(local[idx+1:])
		if err != nil {
			continue
		}
		name, pid := parseSSProcess(strings.Join(fields[5:], " "))
		out[port] = procInfo{pid: pid, name: name, proto: "tcp"}
	}
	return out
}

// parseSSProcess extracts a process name and pid from ss's
// users:(("name",pid=1234,fd=5)) column.
func parseSSProcess(s string) (name string, pid int) {
	start := strings.Index(s, "((\"")
	if start < 0 {
		return "", 0
	}
	rest := s[start+3:]
	end := strings.Index(rest, "\"")
	if end < 0 {
		return "", 0
	}
	name = rest[:end]
	pidIdx := strings.Index(rest, "pid=")
	if pidIdx < 0 {
		return name, 0
	}
	rest = rest[pidIdx+4:]
	end = strings.IndexAny(rest, ",)")
	if end < 0 {
		return name, 0
	}
	pid, _ = strconv.Atoi(rest[:end])
	return name, pid
}

//go:build linux

// Command portkeepintercept is the Bind Interceptor (§4.10): a shared
// library built with -buildmode=c-shared that exports a bind() symbol
// matching the host libc's signature, loadable via LD_PRELOAD. It hooks
// every bind() call made by the process it is preloaded into; on
// EADDRINUSE for an IPv4 TCP user port it queries the local portkeepd
// daemon for a replacement and retries the real bind() with the
// rewritten sockaddr.
//
// This file is the only cgo/libc-interposition code in the repository:
// no example in this codebase's lineage hooks a libc symbol, so the
// shape here is systems-level C interop rather than something grounded
// on a sibling Go package. Everything past "query the daemon" is
// ordinary Go, in internal/intercept.
package main

/*
#cgo LDFLAGS: -ldl
#define _GNU_SOURCE
#include <dlfcn.h>
#include <sys/socket.h>
#include <sys/types.h>
#include <netinet/in.h>
#include <arpa/inet.h>

typedef int (*bind_fn)(int, const struct sockaddr *, socklen_t);
typedef const struct sockaddr *const_sockaddr_ptr;

static bind_fn resolve_real_bind(void) {
    return (bind_fn)dlsym(RTLD_NEXT, "bind");
}

static int call_bind(bind_fn fn, int sockfd, const struct sockaddr *addr, socklen_t addrlen) {
    return fn(sockfd, addr, addrlen);
}

static int addr_family(const struct sockaddr *addr) {
    return addr->sa_family;
}

static unsigned short addr_in_port_host(const struct sockaddr *addr) {
    return ntohs(((const struct sockaddr_in *)addr)->sin_port);
}

static void addr_in_set_port_host(const struct sockaddr *addr, unsigned short port) {
    ((struct sockaddr_in *)addr)->sin_port = htons(port);
}

static int sock_is_stream(int sockfd) {
    int type = 0;
    socklen_t len = sizeof(type);
    return getsockopt(sockfd, SOL_SOCKET, SO_TYPE, &type, &len) == 0 && type == SOCK_STREAM;
}
*/
import "C"

import (
	"os"
	"sync"
	"syscall"

	"github.com/portkeepd/portkeepd/internal/intercept"
)

var (
	initOnce sync.Once
	realBind C.bind_fn
	client   *intercept.Client
	cfg      intercept.Config
)

func ensureInit() {
	initOnce.Do(func() {
		realBind = C.resolve_real_bind()
		cfg = intercept.FromEnv()
		client = intercept.NewClient(cfg)
	})
}

// bind is exported under the C symbol "bind", resolved by the dynamic
// linker ahead of libc's own definition when this library is preloaded.
// It never leaks descriptors and never blocks longer than cfg.Timeout
// plus the cost of at most len(suggestions) retried syscalls.
//
//export bind
func bind(sockfd C.int, addr C.const_sockaddr_ptr, addrlen C.socklen_t) C.int {
	ensureInit()

	if realBind == nil || addr == nil {
		// Can't resolve the real symbol or nothing to rewrite; behave as
		// if this library were not loaded at all.
		if realBind != nil {
			rc, _ := C.call_bind(realBind, sockfd, addr, addrlen)
			return rc
		}
		return -1
	}

	rc, errno := C.call_bind(realBind, sockfd, addr, addrlen)
	if rc == 0 {
		return 0
	}

	errnoVal, _ := errno.(syscall.Errno)
	if errnoVal != syscall.EADDRINUSE {
		return rc
	}
	if C.addr_family(addr) != C.AF_INET || C.sock_is_stream(sockfd) == 0 {
		// §1 non-goal: IPv6 and non-TCP binds are passed through unchanged.
		return rc
	}

	originalPort := uint16(C.addr_in_port_host(addr))
	if intercept.PassThroughPort(originalPort) {
		return rc
	}

	suggestions := client.Suggest(cfg.ServiceHint, 0)
	pid := os.Getpid()

	for _, candidate := range suggestions {
		if candidate <= 0 || candidate > 65535 {
			continue
		}
		C.addr_in_set_port_host(addr, C.ushort(candidate))
		rc2, _ := C.call_bind(realBind, sockfd, addr, addrlen)
		if rc2 == 0 {
			intercept.Announce(cfg, os.Stdout, intercept.Notice{
				OriginalPort: int(originalPort),
				NewPort:      candidate,
				PID:          pid,
			})
			return 0
		}
	}

	// Every suggestion failed, or the daemon was unreachable: restore the
	// caller's original port and surface the original failure unchanged
	// (§4.10 step 5 transparency guarantee).
	C.addr_in_set_port_host(addr, C.ushort(originalPort))
	return rc
}

func main() {}

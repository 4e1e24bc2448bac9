//go:build unix

package engine

import "syscall"

// processExists reports whether pid refers to a live process, using
// the standard zero-signal probe.
func processExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err == syscall.EPERM
}

// ProcessExists is the exported form of processExists, for callers
// outside this package that need the same liveness predicate (the
// composition root's Recovery and Health Monitor wiring).
func ProcessExists(pid int) bool { return processExists(pid) }

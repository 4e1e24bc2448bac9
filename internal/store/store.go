// Package store implements the crash-safe snapshot of all mutable
// daemon tables: the allocation table, the singleton index, and the
// instance registry. The write path mirrors the same atomic
// temp-file-then-rename idiom used elsewhere in this codebase's
// lineage for on-disk state, via github.com/dchest/safefile.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dchest/safefile"

	"github.com/portkeepd/portkeepd/internal/errkind"
	"github.com/portkeepd/portkeepd/internal/types"
)

const snapshotVersion = 1

// Snapshot is the full on-disk representation of the daemon's mutable
// state.
type Snapshot struct {
	Version         int                          `json:"version"`
	SavedAt         time.Time                    `json:"saved_at"`
	Checksum        string                       `json:"checksum"`
	Allocations     []types.Allocation           `json:"allocations"`
	SingletonIndex  types.SingletonIndex         `json:"singleton_index"`
	Instances       []types.InstanceRecord       `json:"instances"`
}

// Store owns the on-disk snapshot file and its quarantine path. Only
// one writer may be in flight at a time; callers serialize through
// Write, which is safe to invoke from either the single-writer
// background task or synchronously at shutdown.
type Store struct {
	path string
	mu   sync.Mutex
}

// New builds a Store rooted at path (typically "<configdir>/daemon.state").
func New(path string) *Store {
	return &Store{path: path}
}

// Write serializes snapshot to a temporary file in the same directory,
// fsyncs it, and atomically renames it over the live snapshot file.
// Never partially overwrites: on any failure the previous snapshot is
// untouched.
func (s *Store) Write(snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap.Version = snapshotVersion
	snap.SavedAt = time.Now().UTC()
	snap.Checksum = checksum(snap)

	raw, err := json.Marshal(snap)
	if err != nil {
		return errkind.Wrap(errkind.IOFailure, err, "failed to marshal snapshot")
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return errkind.Wrap(errkind.IOFailure, err, "failed to create state directory")
	}

	fout, err := safefile.Create(s.path, 0600)
	if err != nil {
		return errkind.Wrap(errkind.IOFailure, err, "failed to open temp snapshot file")
	}
	name := fout.Name()
	if _, err := fout.Write(raw); err != nil {
		fout.File.Close()
		os.Remove(name)
		return errkind.Wrap(errkind.IOFailure, err, "failed to write snapshot")
	}
	if err := fout.File.Sync(); err != nil {
		fout.File.Close()
		os.Remove(name)
		return errkind.Wrap(errkind.IOFailure, err, "failed to fsync snapshot")
	}
	if err := fout.Commit(); err != nil {
		fout.File.Close()
		os.Remove(name)
		return errkind.Wrap(errkind.IOFailure, err, "failed to commit snapshot")
	}
	return nil
}

// Read deserializes the snapshot at startup. On any integrity failure
// (bad JSON, version mismatch, checksum mismatch) it moves the corrupt
// file aside to a timestamped quarantine name and returns a
// STATE_CORRUPT error so Recovery can start empty.
func (s *Store) Read() (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Snapshot{Version: snapshotVersion, SingletonIndex: types.SingletonIndex{}}, nil
		}
		return nil, errkind.Wrap(errkind.IOFailure, err, "failed to read snapshot")
	}

	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		s.quarantine()
		return nil, errkind.Wrap(errkind.StateCorrupt, err, "snapshot failed to parse")
	}
	if snap.Version != snapshotVersion {
		s.quarantine()
		return nil, errkind.Newf(errkind.StateCorrupt, "snapshot version %d unsupported", snap.Version)
	}
	want := snap.Checksum
	snap.Checksum = ""
	got := checksum(&snap)
	if got != want {
		s.quarantine()
		return nil, errkind.New(errkind.StateCorrupt, "snapshot checksum mismatch")
	}
	snap.Checksum = want
	if snap.SingletonIndex == nil {
		snap.SingletonIndex = types.SingletonIndex{}
	}
	return &snap, nil
}

// quarantine renames the corrupt snapshot aside so a later operator
// can inspect it, and clears the slate for Recovery to start empty.
func (s *Store) quarantine() {
	ts := time.Now().UTC().Format("2006-01-02T15-04-05")
	dest := fmt.Sprintf("%s.quarantine-%s", s.path, ts)
	_ = os.Rename(s.path, dest)
}

func checksum(snap *Snapshot) string {
	cp := *snap
	cp.Checksum = ""
	raw, _ := json.Marshal(cp)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

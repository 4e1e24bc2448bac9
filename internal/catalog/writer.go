package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dchest/safefile"
	"github.com/gofrs/flock"
	"gopkg.in/yaml.v3"

	"github.com/portkeepd/portkeepd/internal/errkind"
	"github.com/portkeepd/portkeepd/internal/types"
)

// Writer durably persists synthesized service-type entries into the
// user's config file. It serializes all writers against both this
// process (via the OS-level advisory lock, which also protects other
// processes) using the same transient-temp-file-then-atomic-rename
// idiom an ingestion pipeline elsewhere in this codebase's lineage
// uses for its state file, adapted here to gofrs/flock for the
// cross-process exclusion and dchest/safefile for the atomic write
// itself.
type Writer struct {
	configPath  string
	backupDir   string
	lockPath    string
}

// NewWriter builds a Writer rooted at configPath, with backups written
// to backupDir (typically config-backups/ next to configPath).
func NewWriter(configPath, backupDir string) *Writer {
	return &Writer{
		configPath: configPath,
		backupDir:  backupDir,
		lockPath:   configPath + ".lock",
	}
}

// configFile is the on-disk shape of the user override document,
// carrying both the service-type section and the auto-allocation
// config alongside it.
type configFile struct {
	ServiceTypes     []types.ServiceType        `yaml:"service_types"`
	PatternRules     []types.PatternRule        `yaml:"pattern_rules"`
	AutoAllocation   types.AutoAllocationConfig `yaml:"auto_allocation"`
}

// AddServiceType acquires the exclusive file lock, backs up the
// current config, appends or replaces entry, and atomically persists
// the result. On any mid-write failure the live file is left
// untouched; the caller may restore from the fresh backup manually.
func (w *Writer) AddServiceType(entry types.ServiceType) error {
	fl := flock.New(w.lockPath)
	locked, err := fl.TryLockContext(context.Background(), 50*time.Millisecond)
	if err != nil || !locked {
		return errkind.Wrap(errkind.IOFailure, err, "failed to acquire config lock")
	}
	defer fl.Unlock()

	cfg, err := w.readLocked()
	if err != nil {
		return err
	}

	if err := w.backupLocked(); err != nil {
		return err
	}

	replaced := false
	for i, st := range cfg.ServiceTypes {
		if st.Name == entry.Name {
			cfg.ServiceTypes[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		cfg.ServiceTypes = append(cfg.ServiceTypes, entry)
	}

	return w.writeLocked(cfg)
}

// RemoveServiceType removes a previously auto-allocated entry. It
// refuses to remove entries that were not synthesized.
func (w *Writer) RemoveServiceType(name string) error {
	fl := flock.New(w.lockPath)
	locked, err := fl.TryLockContext(context.Background(), 50*time.Millisecond)
	if err != nil || !locked {
		return errkind.Wrap(errkind.IOFailure, err, "failed to acquire config lock")
	}
	defer fl.Unlock()

	cfg, err := w.readLocked()
	if err != nil {
		return err
	}

	idx := -1
	for i, st := range cfg.ServiceTypes {
		if st.Name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return errkind.Newf(errkind.InvalidInput, "service type %q not found", name)
	}
	if !cfg.ServiceTypes[idx].AutoAllocated {
		return errkind.Newf(errkind.InvalidInput, "service type %q was not auto-allocated, refusing to remove", name)
	}

	if err := w.backupLocked(); err != nil {
		return err
	}

	cfg.ServiceTypes = append(cfg.ServiceTypes[:idx], cfg.ServiceTypes[idx+1:]...)
	return w.writeLocked(cfg)
}

// ListAutoAllocated returns every entry flagged auto-allocated, for the
// undo CLI's listing.
func (w *Writer) ListAutoAllocated() ([]types.ServiceType, error) {
	fl := flock.New(w.lockPath)
	locked, err := fl.TryLockContext(context.Background(), 50*time.Millisecond)
	if err != nil || !locked {
		return nil, errkind.Wrap(errkind.IOFailure, err, "failed to acquire config lock")
	}
	defer fl.Unlock()

	cfg, err := w.readLocked()
	if err != nil {
		return nil, err
	}
	var out []types.ServiceType
	for _, st := range cfg.ServiceTypes {
		if st.AutoAllocated {
			out = append(out, st)
		}
	}
	return out, nil
}

// ReadDocument returns the current user config document for callers
// that need a one-shot read without mutating it (e.g. startup load).
func (w *Writer) ReadDocument() (*document, error) {
	fl := flock.New(w.lockPath)
	locked, err := fl.TryLockContext(context.Background(), 50*time.Millisecond)
	if err != nil || !locked {
		return nil, errkind.Wrap(errkind.IOFailure, err, "failed to acquire config lock")
	}
	defer fl.Unlock()

	cfg, err := w.readLocked()
	if err != nil {
		return nil, err
	}
	return &document{ServiceTypes: cfg.ServiceTypes, PatternRules: cfg.PatternRules}, nil
}

// GetAutoAllocation returns the user config's current auto-allocation
// section, for the `config auto-allocation status` CLI.
func (w *Writer) GetAutoAllocation() (types.AutoAllocationConfig, error) {
	fl := flock.New(w.lockPath)
	locked, err := fl.TryLockContext(context.Background(), 50*time.Millisecond)
	if err != nil || !locked {
		return types.AutoAllocationConfig{}, errkind.Wrap(errkind.IOFailure, err, "failed to acquire config lock")
	}
	defer fl.Unlock()

	cfg, err := w.readLocked()
	if err != nil {
		return types.AutoAllocationConfig{}, err
	}
	return cfg.AutoAllocation, nil
}

// SetAutoAllocationEnabled flips the enabled flag of the user config's
// auto-allocation section, for `config auto-allocation enable|disable`.
func (w *Writer) SetAutoAllocationEnabled(enabled bool) error {
	fl := flock.New(w.lockPath)
	locked, err := fl.TryLockContext(context.Background(), 50*time.Millisecond)
	if err != nil || !locked {
		return errkind.Wrap(errkind.IOFailure, err, "failed to acquire config lock")
	}
	defer fl.Unlock()

	cfg, err := w.readLocked()
	if err != nil {
		return err
	}
	if err := w.backupLocked(); err != nil {
		return err
	}
	cfg.AutoAllocation.Enabled = enabled
	return w.writeLocked(cfg)
}

// caller must hold w's file lock.
func (w *Writer) readLocked() (*configFile, error) {
	raw, err := os.ReadFile(w.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &configFile{}, nil
		}
		return nil, errkind.Wrap(errkind.IOFailure, err, "failed to read config")
	}
	var cfg configFile
	if len(raw) > 0 {
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, errkind.Wrap(errkind.ConfigInvalid, err, "failed to parse config")
		}
	}
	return &cfg, nil
}

// backupLocked writes a timestamped copy of the current live file to
// w.backupDir. A missing live file is not an error (first write).
// Caller must hold w's file lock.
func (w *Writer) backupLocked() error {
	raw, err := os.ReadFile(w.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errkind.Wrap(errkind.IOFailure, err, "failed to read config for backup")
	}
	if err := os.MkdirAll(w.backupDir, 0700); err != nil {
		return errkind.Wrap(errkind.IOFailure, err, "failed to create backup directory")
	}
	name := fmt.Sprintf("config-%s.json", time.Now().UTC().Format("2006-01-02T15-04-05"))
	path := filepath.Join(w.backupDir, name)
	if err := os.WriteFile(path, raw, 0600); err != nil {
		return errkind.Wrap(errkind.IOFailure, err, "failed to write config backup")
	}
	return nil
}

// writeLocked atomically rewrites the live config file via a sibling
// temp file and rename, exactly the "write to temp, commit, or clean up
// on any failure" discipline used for the daemon's own state snapshot.
// Caller must hold w's file lock.
func (w *Writer) writeLocked(cfg *configFile) error {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return errkind.Wrap(errkind.IOFailure, err, "failed to marshal config")
	}

	if err := os.MkdirAll(filepath.Dir(w.configPath), 0700); err != nil {
		return errkind.Wrap(errkind.IOFailure, err, "failed to create config directory")
	}

	fout, err := safefile.Create(w.configPath, 0600)
	if err != nil {
		return errkind.Wrap(errkind.IOFailure, err, "failed to open temp config file")
	}
	name := fout.Name()
	if _, err := fout.Write(raw); err != nil {
		fout.File.Close()
		os.Remove(name)
		return errkind.Wrap(errkind.IOFailure, err, "failed to write temp config file")
	}
	if err := fout.Commit(); err != nil {
		fout.File.Close()
		os.Remove(name)
		return errkind.Wrap(errkind.IOFailure, err, "failed to commit config file")
	}
	return nil
}


package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/portkeepd/portkeepd/internal/types"
)

func TestStore_WriteRead_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "daemon.state"))

	snap := &Snapshot{
		Allocations: []types.Allocation{{
			Port:        3000,
			ServiceType: "dev",
			LockID:      "11111111-1111-4111-8111-111111111111",
			AllocatedAt: time.Now().UTC(),
			State:       types.StateActive,
		}},
		SingletonIndex: types.SingletonIndex{},
	}
	require.NoError(t, s.Write(snap))

	got, err := s.Read()
	require.NoError(t, err)
	require.Len(t, got.Allocations, 1)
	require.Equal(t, 3000, got.Allocations[0].Port)
}

func TestStore_Read_MissingFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "daemon.state"))

	got, err := s.Read()
	require.NoError(t, err)
	require.Empty(t, got.Allocations)
}

func TestStore_Read_CorruptTailQuarantines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "daemon.state")
	s := New(path)

	require.NoError(t, s.Write(&Snapshot{SingletonIndex: types.SingletonIndex{}}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw = append(raw[:len(raw)-2], '}', '}') // corrupt the tail

	require.NoError(t, os.WriteFile(path, raw, 0600))

	_, err = s.Read()
	require.Error(t, err)

	entries, err := filepath.Glob(path + ".quarantine-*")
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err), "live snapshot path should have been moved aside")
}

func TestStore_Write_LeavesNonEmptySnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "daemon.state")
	s := New(path)

	require.NoError(t, s.Write(&Snapshot{SingletonIndex: types.SingletonIndex{}}))
	before, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotEmpty(t, before)
}

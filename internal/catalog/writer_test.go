package catalog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/portkeepd/portkeepd/internal/types"
)

func TestWriter_AddServiceType(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(filepath.Join(dir, "config.json"), filepath.Join(dir, "config-backups"))

	entry := types.ServiceType{
		Name:             "grafana",
		Range:            types.PortRange{Low: 11500, High: 11519},
		InstanceBehavior: types.InstanceMulti,
		Pattern:          types.PatternSequential,
		AutoAllocated:    true,
	}
	require.NoError(t, w.AddServiceType(entry))

	doc, err := w.ReadDocument()
	require.NoError(t, err)
	require.Len(t, doc.ServiceTypes, 1)
	require.Equal(t, "grafana", doc.ServiceTypes[0].Name)
}

func TestWriter_RemoveServiceType_RefusesNonAutoAllocated(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(filepath.Join(dir, "config.json"), filepath.Join(dir, "config-backups"))

	require.NoError(t, w.AddServiceType(types.ServiceType{
		Name:          "manual",
		Range:         types.PortRange{Low: 9000, High: 9009},
		AutoAllocated: false,
	}))

	err := w.RemoveServiceType("manual")
	require.Error(t, err)
}

func TestWriter_RemoveServiceType_Succeeds(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(filepath.Join(dir, "config.json"), filepath.Join(dir, "config-backups"))

	require.NoError(t, w.AddServiceType(types.ServiceType{
		Name:          "grafana",
		Range:         types.PortRange{Low: 11500, High: 11519},
		AutoAllocated: true,
	}))
	require.NoError(t, w.RemoveServiceType("grafana"))

	list, err := w.ListAutoAllocated()
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestWriter_AddServiceType_WritesBackupOnSecondWrite(t *testing.T) {
	dir := t.TempDir()
	backupDir := filepath.Join(dir, "config-backups")
	w := NewWriter(filepath.Join(dir, "config.json"), backupDir)

	require.NoError(t, w.AddServiceType(types.ServiceType{Name: "a", Range: types.PortRange{Low: 9000, High: 9009}}))
	require.NoError(t, w.AddServiceType(types.ServiceType{Name: "b", Range: types.PortRange{Low: 9100, High: 9109}}))

	entries, err := filepath.Glob(filepath.Join(backupDir, "*.json"))
	require.NoError(t, err)
	require.NotEmpty(t, entries)
}

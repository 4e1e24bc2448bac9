package synth

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/portkeepd/portkeepd/internal/catalog"
	"github.com/portkeepd/portkeepd/internal/types"
)

func baseConfig() types.AutoAllocationConfig {
	return types.AutoAllocationConfig{
		Enabled:      true,
		DefaultChunk: 10,
		Placement:    types.PlacementAfter,
		MinPort:      10000,
		MaxPort:      20000,
		PreserveGaps: true,
		GapSize:      5,
	}
}

func TestSynthesize_After(t *testing.T) {
	cfg := baseConfig()
	existing := []types.PortRange{{Low: 11430, High: 11499}}

	r, err := Synthesize("grafana", existing, nil, cfg)
	require.NoError(t, err)
	require.Equal(t, 11505, r.Low)
	require.Equal(t, 11514, r.High)
	require.Equal(t, 10, r.Size())
}

func TestSynthesize_Before(t *testing.T) {
	cfg := baseConfig()
	cfg.Placement = types.PlacementBefore
	existing := []types.PortRange{{Low: 12000, High: 12099}}

	r, err := Synthesize("grafana", existing, nil, cfg)
	require.NoError(t, err)
	require.Equal(t, 11994, r.High)
	require.Equal(t, 11985, r.Low)
}

func TestSynthesize_Smart_FindsGap(t *testing.T) {
	cfg := baseConfig()
	cfg.Placement = types.PlacementSmart
	existing := []types.PortRange{
		{Low: 10000, High: 10099},
		{Low: 15000, High: 15099}, // big gap before this
		{Low: 19000, High: 19099},
	}

	r, err := Synthesize("grafana", existing, nil, cfg)
	require.NoError(t, err)
	require.True(t, r.Low > 10099 && r.High < 15000)
}

func TestSynthesize_DisjointFromExisting(t *testing.T) {
	cfg := baseConfig()
	existing := []types.PortRange{{Low: 11430, High: 11499}}

	r, err := Synthesize("grafana", existing, nil, cfg)
	require.NoError(t, err)
	for _, e := range existing {
		require.False(t, r.Overlaps(e))
		require.True(t, r.Low-e.High >= cfg.GapSize || e.Low-r.High >= cfg.GapSize)
	}
}

func TestSynthesize_PatternRuleOverridesChunk(t *testing.T) {
	cfg := baseConfig()
	cat, err := catalog.LoadFromFile([]byte("pattern_rules:\n  - pattern: \"monitoring-*\"\n    chunk_size: 20\n"))
	require.NoError(t, err)

	r, err := Synthesize("monitoring-grafana", nil, cat, cfg)
	require.NoError(t, err)
	require.Equal(t, 20, r.Size())
}

func TestSynthesize_NoSpace(t *testing.T) {
	cfg := baseConfig()
	cfg.MinPort = 10000
	cfg.MaxPort = 10005 // smaller than chunk+2*gap
	_, err := Synthesize("grafana", nil, nil, cfg)
	require.Error(t, err)
}

func TestChunkSize_ClampsToAtLeastOne(t *testing.T) {
	cfg := baseConfig()
	cfg.DefaultChunk = 0
	require.Equal(t, 1, ChunkSize("x", nil, cfg))
}

func TestChunkSize_UsesCatalogPatternRule(t *testing.T) {
	cfg := baseConfig()
	cat, err := catalog.LoadFromFile([]byte("pattern_rules:\n  - pattern: \"monitoring-*\"\n    chunk_size: 20\n"))
	require.NoError(t, err)
	require.Equal(t, 20, ChunkSize("monitoring-grafana", cat, cfg))
	require.Equal(t, 10, ChunkSize("other", cat, cfg))
}

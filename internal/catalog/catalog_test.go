package catalog

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/portkeepd/portkeepd/internal/types"
)

func TestLoad_Defaults(t *testing.T) {
	c, err := Load(nil)
	require.NoError(t, err)

	st, ok := c.Lookup("ai")
	require.True(t, ok)
	require.Equal(t, types.InstanceSingle, st.InstanceBehavior)
	require.Contains(t, st.PreferredPorts, 11430)
}

func TestLoad_UserOverrideReplacesByName(t *testing.T) {
	override := &document{
		ServiceTypes: []types.ServiceType{{
			Name:             "dev",
			Range:            types.PortRange{Low: 4000, High: 4099},
			InstanceBehavior: types.InstanceMulti,
			Pattern:          types.PatternSequential,
		}},
	}
	c, err := Load(override)
	require.NoError(t, err)

	st, ok := c.Lookup("dev")
	require.True(t, ok)
	require.Equal(t, 4000, st.Range.Low)
}

func TestLoad_InvalidRangeFailsAtLoad(t *testing.T) {
	override := &document{
		ServiceTypes: []types.ServiceType{{
			Name:  "bad",
			Range: types.PortRange{Low: 80, High: 90},
		}},
	}
	_, err := Load(override)
	require.Error(t, err)
}

func TestLoad_OverlapFlagsLaterType(t *testing.T) {
	override := &document{
		ServiceTypes: []types.ServiceType{
			{Name: "first", Range: types.PortRange{Low: 9000, High: 9099}},
			{Name: "second", Range: types.PortRange{Low: 9050, High: 9150}},
		},
	}
	c, err := Load(override)
	require.NoError(t, err)

	first, _ := c.Lookup("first")
	second, _ := c.Lookup("second")
	require.False(t, first.OverlapsAnother)
	require.True(t, second.OverlapsAnother)
}

func TestMatchPatternRule(t *testing.T) {
	c, err := Load(nil)
	require.NoError(t, err)

	chunk, ok := c.MatchPatternRule("monitoring-grafana")
	require.True(t, ok)
	require.Equal(t, 20, chunk)

	_, ok = c.MatchPatternRule("unrelated")
	require.False(t, ok)
}

func TestWithAddedType(t *testing.T) {
	c, err := Load(nil)
	require.NoError(t, err)

	c2, err := c.WithAddedType(types.ServiceType{
		Name:             "grafana",
		Range:            types.PortRange{Low: 11500, High: 11519},
		InstanceBehavior: types.InstanceMulti,
		Pattern:          types.PatternSequential,
		AutoAllocated:    true,
	})
	require.NoError(t, err)

	_, ok := c.Lookup("grafana")
	require.False(t, ok, "original catalog must remain unmutated")

	st, ok := c2.Lookup("grafana")
	require.True(t, ok)
	require.True(t, st.AutoAllocated)
}

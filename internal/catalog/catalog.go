// Package catalog presents an immutable-after-load view of known
// service types to the allocation engine, loaded from a built-in
// default document overlaid by an optional user override. Pattern
// rules for unknown-type chunk sizing are matched with gobwas/glob,
// the same pattern-matching library a sibling ingestion pipeline in
// this codebase's lineage uses for filename rules.
package catalog

import (
	_ "embed"
	"fmt"
	"sort"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"

	"github.com/portkeepd/portkeepd/internal/errkind"
	"github.com/portkeepd/portkeepd/internal/types"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// document is the on-disk shape of both the built-in defaults and the
// user override file's service-type section.
type document struct {
	ServiceTypes []types.ServiceType `yaml:"service_types"`
	PatternRules []types.PatternRule `yaml:"pattern_rules"`
}

// Catalog is an immutable, validated view of all known service types.
// It is rebuilt (never mutated) whenever the Catalog Writer persists a
// new auto-allocated entry; callers hold a *Catalog snapshot for the
// duration of one request.
type Catalog struct {
	types        map[string]*types.ServiceType
	order        []string // declaration order, for first-declared-wins tie-breaking
	patternRules []compiledRule
}

type compiledRule struct {
	glob      glob.Glob
	chunkSize int
}

// Load builds a Catalog from the embedded defaults and an optional user
// override document. Invalid entries fail at load time, never at
// request time, per §4.2.
func Load(userOverride *document) (*Catalog, error) {
	var def document
	if err := yaml.Unmarshal(defaultsYAML, &def); err != nil {
		return nil, errkind.Wrap(errkind.ConfigInvalid, err, "failed to parse built-in catalog defaults")
	}

	merged := map[string]*types.ServiceType{}
	var order []string
	for i := range def.ServiceTypes {
		st := def.ServiceTypes[i]
		merged[st.Name] = &st
		order = append(order, st.Name)
	}

	rules := append([]types.PatternRule{}, def.PatternRules...)

	if userOverride != nil {
		for i := range userOverride.ServiceTypes {
			st := userOverride.ServiceTypes[i]
			if _, exists := merged[st.Name]; !exists {
				order = append(order, st.Name)
			}
			merged[st.Name] = &st
		}
		rules = append(rules, userOverride.PatternRules...)
	}

	if err := validate(merged); err != nil {
		return nil, err
	}

	flagOverlaps(merged, order)

	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		g, err := glob.Compile(r.Pattern)
		if err != nil {
			return nil, errkind.Wrap(errkind.ConfigInvalid, err, fmt.Sprintf("invalid pattern rule %q", r.Pattern))
		}
		compiled = append(compiled, compiledRule{glob: g, chunkSize: r.ChunkSize})
	}

	return &Catalog{types: merged, order: order, patternRules: compiled}, nil
}

// LoadFromFile parses user overrides from data, the contents of the user
// config file (yaml or json-compatible), and loads the merged catalog.
func LoadFromFile(data []byte) (*Catalog, error) {
	if len(data) == 0 {
		return Load(nil)
	}
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errkind.Wrap(errkind.ConfigInvalid, err, "failed to parse user config")
	}
	return Load(&doc)
}

func validate(m map[string]*types.ServiceType) error {
	for name, st := range m {
		if st.Range.Low < 1024 || st.Range.High > 65535 || st.Range.Low > st.Range.High {
			return errkind.Newf(errkind.ConfigInvalid, "service type %q has invalid range [%d,%d]", name, st.Range.Low, st.Range.High)
		}
		for _, p := range st.PreferredPorts {
			if !st.Range.Contains(p) {
				return errkind.Newf(errkind.ConfigInvalid, "service type %q preferred port %d outside its range", name, p)
			}
		}
		if st.InstanceBehavior == "" {
			st.InstanceBehavior = types.InstanceMulti
		}
		if st.Pattern == "" {
			st.Pattern = types.PatternSequential
		}
	}
	return nil
}

// flagOverlaps marks ranges that clash with an earlier-declared type's
// range. The earlier type always wins resolution; later types are only
// flagged, per §4.2's "warn-and-continue" rule.
func flagOverlaps(m map[string]*types.ServiceType, order []string) {
	seen := make([]*types.ServiceType, 0, len(order))
	for _, name := range order {
		st := m[name]
		for _, prior := range seen {
			if st.Range.Overlaps(prior.Range) {
				st.OverlapsAnother = true
				break
			}
		}
		seen = append(seen, st)
	}
}

// Lookup returns the service type by name, or ok=false if unknown.
func (c *Catalog) Lookup(name string) (types.ServiceType, bool) {
	st, ok := c.types[name]
	if !ok {
		return types.ServiceType{}, false
	}
	return *st, true
}

// MatchPatternRule returns the chunk-size override for the first
// pattern rule matching name, if any.
func (c *Catalog) MatchPatternRule(name string) (int, bool) {
	for _, r := range c.patternRules {
		if r.glob.Match(name) {
			return r.chunkSize, true
		}
	}
	return 0, false
}

// All returns every known service type in declaration order — the same
// order used for first-declared-wins overlap resolution.
func (c *Catalog) All() []types.ServiceType {
	out := make([]types.ServiceType, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, *c.types[name])
	}
	return out
}

// SortedRanges returns every known type's range, sorted by Low, for use
// by the Range Synthesizer's gap scan.
func (c *Catalog) SortedRanges() []types.PortRange {
	out := make([]types.PortRange, 0, len(c.types))
	for _, st := range c.types {
		out = append(out, st.Range)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Low < out[j].Low })
	return out
}

// WithAddedType returns a new Catalog identical to c but with st
// inserted (or replacing an existing entry of the same name),
// re-validated and re-flagged. Used by the engine after the Catalog
// Writer durably persists a newly synthesized type.
func (c *Catalog) WithAddedType(st types.ServiceType) (*Catalog, error) {
	merged := make(map[string]*types.ServiceType, len(c.types)+1)
	order := append([]string{}, c.order...)
	for k, v := range c.types {
		cp := *v
		merged[k] = &cp
	}
	if _, exists := merged[st.Name]; !exists {
		order = append(order, st.Name)
	}
	merged[st.Name] = &st

	if err := validate(merged); err != nil {
		return nil, err
	}
	flagOverlaps(merged, order)

	return &Catalog{types: merged, order: order, patternRules: c.patternRules}, nil
}

// WithRemovedType returns a new Catalog identical to c but without the
// entry named name. Used by the engine after the Catalog Writer
// durably removes a previously auto-allocated type, so the live
// in-memory catalog reflects the undo without requiring a restart.
func (c *Catalog) WithRemovedType(name string) *Catalog {
	merged := make(map[string]*types.ServiceType, len(c.types))
	order := make([]string, 0, len(c.order))
	for _, n := range c.order {
		if n == name {
			continue
		}
		cp := *c.types[n]
		merged[n] = &cp
		order = append(order, n)
	}
	flagOverlaps(merged, order)
	return &Catalog{types: merged, order: order, patternRules: c.patternRules}
}

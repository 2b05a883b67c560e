// Package bundle implements bundle composition and preparation: taking
// a named bundle or URI and turning it into a concrete mount plan and
// a set of resolvable module paths a session.AmplifierSession can be
// constructed from. Grounded on SPEC_FULL.md §4.6 and the glossary's
// Bundle/Source entries; the source-kind split (mutable vs immutable)
// and content-addressed fetch cache follow the shape of the teacher's
// internal/mcp client's "source declares its own fetch semantics"
// pattern, generalized from MCP servers to arbitrary module sources.
package bundle

import (
	"fmt"
	"sort"
)

// SourceKind distinguishes a branch/tag reference that may drift from
// a pinned, content-addressed reference.
type SourceKind int

const (
	// KindImmutable is a pinned SHA or local tarball/dir: never
	// re-fetched once cached.
	KindImmutable SourceKind = iota
	// KindMutable is a branch/tag reference: re-fetched under
	// --mutable-only update runs.
	KindMutable
)

// Source describes where one bundle or module lives.
type Source struct {
	URI  string
	Kind SourceKind
}

// AgentDefinition is a bundle-declared agent: parsed from a
// Markdown+YAML-frontmatter file, giving it an overlay mount plan by
// name without that overlay being a mountable module itself (agents
// are data, never modules, per SPEC_FULL.md §4.7).
type AgentDefinition struct {
	Name        string
	Description string
	Overlay     map[string]any // raw overlay mount-plan fragment, merged by session.mergeOverlay's caller
}

// Bundle is a content-addressed unit's materialized form, after fetch:
// a base path on disk, a mount plan (possibly inherited from included
// bundles), named modules, mention mappings, the include list that
// produced the composed mount plan, and any agent definitions found.
type Bundle struct {
	Name      string
	Source    Source
	BasePath  string
	MountPlan map[string]any
	Modules   map[string]string // module id -> local path
	Mentions  map[string]string // namespace -> base path
	Includes  []Source
	Agents    []AgentDefinition
}

// Compose flattens a primary bundle and its included bundles into a
// single virtual mount plan: the included bundles are deep-merged in
// the order given (a later entry wins over an earlier one), then the
// primary's own plan is merged on top, so the *outer* bundle (the one
// naming the includes) wins on key conflicts. There is no separate
// app-bundle layer: any bundle passed in included, app bundles
// included, sits under the primary's own plan.
//
// Compose does not fetch or walk nested includes itself: the caller
// resolves each Source to its prepared Bundle and composes nested
// includes first by calling Compose again for each.
func Compose(primary Bundle, included []Bundle) Bundle {
	result := Bundle{
		Name:      primary.Name,
		Source:    primary.Source,
		BasePath:  primary.BasePath,
		MountPlan: map[string]any{},
		Modules:   map[string]string{},
		Mentions:  map[string]string{},
	}

	// Included bundles apply first (least specific), primary's own
	// mount plan applies last and wins conflicts -- "outer wins".
	for _, inc := range included {
		result.MountPlan = DeepMergeOuterWins(result.MountPlan, inc.MountPlan)
		mergeStringMap(result.Modules, inc.Modules)
		mergeStringMap(result.Mentions, inc.Mentions)
		result.Agents = append(result.Agents, inc.Agents...)
	}
	result.MountPlan = DeepMergeOuterWins(result.MountPlan, primary.MountPlan)
	mergeStringMap(result.Modules, primary.Modules)
	mergeStringMap(result.Mentions, primary.Mentions)
	result.Agents = append(result.Agents, primary.Agents...)

	return result
}

func mergeStringMap(dst, src map[string]string) {
	for k, v := range src {
		dst[k] = v
	}
}

// DeepMergeOuterWins merges `outer` onto `base`: scalars are replaced,
// maps merge key-by-key recursively, and lists under the well-known
// mount-plan keys (providers, tools, hooks) concatenate rather than
// replace -- per SPEC_FULL.md's "Bundle composition: deep-merge with
// outer wins, lists concatenated for providers/tools/hooks" rule.
// Every other list (e.g. a scalar config list) simply replaces, same
// as settings.deepMergeOuterWins.
func DeepMergeOuterWins(base, outer map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range outer {
		baseVal, baseHas := result[k]
		if baseHas {
			if baseMap, ok := baseVal.(map[string]any); ok {
				if outerMap, ok := v.(map[string]any); ok {
					result[k] = DeepMergeOuterWins(baseMap, outerMap)
					continue
				}
			}
			if concatenatesLists(k) {
				if baseList, ok := baseVal.([]any); ok {
					if outerList, ok := v.([]any); ok {
						result[k] = append(append([]any{}, baseList...), outerList...)
						continue
					}
				}
			}
		}
		result[k] = v
	}
	return result
}

func concatenatesLists(key string) bool {
	switch key {
	case "providers", "tools", "hooks":
		return true
	default:
		return false
	}
}

// ModuleResolver implements module.SourceResolver by mapping a module
// id to its local path within a prepared bundle, the
// "BundleModuleResolver" of SPEC_FULL.md §4.6 step 6.
type ModuleResolver struct {
	Modules map[string]string
}

// ErrModuleNotInBundle mirrors module.ErrSourceNotFound's contract: a
// bundle resolver that doesn't know a module id lets the loader fall
// back to direct (entry-point) resolution instead of failing outright.
var ErrModuleNotInBundle = fmt.Errorf("module not present in bundle")

// SortedModuleIDs returns the bundle's module ids in a stable order,
// useful for deterministic `module list` output.
func (b Bundle) SortedModuleIDs() []string {
	ids := make([]string, 0, len(b.Modules))
	for id := range b.Modules {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

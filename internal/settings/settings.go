// Package settings implements the four-scope configuration layering the
// core reads: session > local > project > global. Each scope is an
// independent settings.yaml; the effective view is a deep-merge with the
// most specific scope winning on scalar conflicts, grounded on the
// layering/merge shape of internal/config's opencode.json loader but
// generalized to YAML and four scopes instead of two JSON files.
package settings

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/amplifier-run/amplifier/internal/logging"
)

// Scope identifies one of the four layers, most specific first.
type Scope string

const (
	ScopeSession Scope = "session"
	ScopeLocal   Scope = "local"
	ScopeProject Scope = "project"
	ScopeGlobal  Scope = "global"
)

// scopeOrder lists scopes from least to most specific, the order they
// are merged in so later entries win.
var scopeOrder = []Scope{ScopeGlobal, ScopeProject, ScopeLocal, ScopeSession}

// Paths resolves the four settings.yaml locations for a given project
// working directory and (optional) session directory.
type Paths struct {
	Global    string // ~/.amplifier/settings.yaml
	Project   string // <cwd>/.amplifier/settings.yaml
	Local     string // <cwd>/.amplifier/settings.local.yaml
	SessionDir string // <project>/sessions/<id>/ -- settings.yaml lives here
}

// DefaultPaths resolves the standard locations rooted at the user's
// home directory and the given project working directory.
func DefaultPaths(cwd string) (Paths, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Paths{}, fmt.Errorf("resolving home directory: %w", err)
	}
	return Paths{
		Global:  filepath.Join(home, ".amplifier", "settings.yaml"),
		Project: filepath.Join(cwd, ".amplifier", "settings.yaml"),
		Local:   filepath.Join(cwd, ".amplifier", "settings.local.yaml"),
	}, nil
}

// ProjectSlug derives the <project-slug> directory component from an
// absolute working directory: replace path separators and drive-letter
// colons with '-', and ensure the result starts with '-'.
func ProjectSlug(absPath string) string {
	slug := absPath
	slug = strings.ReplaceAll(slug, "/", "-")
	slug = strings.ReplaceAll(slug, "\\", "-")
	slug = strings.ReplaceAll(slug, ":", "-")
	if !strings.HasPrefix(slug, "-") {
		slug = "-" + slug
	}
	return slug
}

// Settings is the merged, effective view across all scopes present.
type Settings struct {
	data map[string]any
}

// Load reads every scope that exists on disk and merges them, most
// specific wins. Missing files are skipped, not an error -- any scope
// may legitimately be absent.
func Load(paths Paths) (*Settings, error) {
	merged := map[string]any{}
	files := map[Scope]string{
		ScopeGlobal:  paths.Global,
		ScopeProject: paths.Project,
		ScopeLocal:   paths.Local,
	}
	if paths.SessionDir != "" {
		files[ScopeSession] = filepath.Join(paths.SessionDir, "settings.yaml")
	}

	for _, scope := range scopeOrder {
		path, ok := files[scope]
		if !ok || path == "" {
			continue
		}
		layer, err := readYAMLFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s settings at %s: %w", scope, path, err)
		}
		if layer == nil {
			continue
		}
		merged = deepMergeOuterWins(merged, layer)
	}

	return &Settings{data: merged}, nil
}

// pathFor returns the settings.yaml file a given scope writes to.
func (p Paths) pathFor(scope Scope) (string, error) {
	switch scope {
	case ScopeGlobal:
		return p.Global, nil
	case ScopeProject:
		return p.Project, nil
	case ScopeLocal:
		return p.Local, nil
	case ScopeSession:
		if p.SessionDir == "" {
			return "", fmt.Errorf("session scope has no SessionDir set")
		}
		return filepath.Join(p.SessionDir, "settings.yaml"), nil
	default:
		return "", fmt.Errorf("unknown scope %q", scope)
	}
}

// WriteModuleOverride merges a module source/config override into the
// given scope's settings.yaml, under overrides.<moduleID>, the same key
// OverrideFor reads back. Existing content at that scope is preserved;
// only the named module's entry is replaced.
func WriteModuleOverride(scope Scope, paths Paths, moduleID, source string, config map[string]any) error {
	path, err := paths.pathFor(scope)
	if err != nil {
		return err
	}
	layer, err := readYAMLFile(path)
	if err != nil {
		return fmt.Errorf("reading %s settings at %s: %w", scope, path, err)
	}
	if layer == nil {
		layer = map[string]any{}
	}
	overrides, ok := asStringMap(layer["overrides"])
	if !ok {
		overrides = map[string]any{}
	}
	entry := map[string]any{}
	if source != "" {
		entry["source"] = source
	}
	if config != nil {
		entry["config"] = config
	}
	overrides[moduleID] = entry
	layer["overrides"] = overrides
	return writeYAMLFile(path, layer)
}

// SetBundleActive writes bundle.active = name into the given scope's
// settings.yaml, the key Resolve() reads back as CoreReadFields.BundleActive.
func SetBundleActive(scope Scope, paths Paths, name string) error {
	return mutateScope(paths, scope, func(layer map[string]any) {
		bundleSection, ok := asStringMap(layer["bundle"])
		if !ok {
			bundleSection = map[string]any{}
		}
		bundleSection["active"] = name
		layer["bundle"] = bundleSection
	})
}

// ClearBundleActive removes bundle.active from the given scope's
// settings.yaml, if set there.
func ClearBundleActive(scope Scope, paths Paths) error {
	return mutateScope(paths, scope, func(layer map[string]any) {
		bundleSection, ok := asStringMap(layer["bundle"])
		if !ok {
			return
		}
		delete(bundleSection, "active")
		layer["bundle"] = bundleSection
	})
}

func mutateScope(paths Paths, scope Scope, mutate func(layer map[string]any)) error {
	path, err := paths.pathFor(scope)
	if err != nil {
		return err
	}
	layer, err := readYAMLFile(path)
	if err != nil {
		return fmt.Errorf("reading %s settings at %s: %w", scope, path, err)
	}
	if layer == nil {
		layer = map[string]any{}
	}
	mutate(layer)
	return writeYAMLFile(path, layer)
}

func writeYAMLFile(path string, layer map[string]any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(layer)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readYAMLFile(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var layer map[string]any
	if err := yaml.Unmarshal(raw, &layer); err != nil {
		return nil, err
	}
	return layer, nil
}

// deepMergeOuterWins merges `outer` onto `base`: scalars and lists are
// replaced by outer's value, maps are merged key-by-key recursively.
// This mirrors the bundle composition merge rule in SPEC_FULL.md
// (deep-merge, outer wins, lists concatenate only for bundle
// module/tool/hook lists -- settings scalars and lists simply replace).
func deepMergeOuterWins(base, outer map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range outer {
		if baseVal, ok := result[k]; ok {
			baseMap, baseIsMap := asStringMap(baseVal)
			outerMap, outerIsMap := asStringMap(v)
			if baseIsMap && outerIsMap {
				result[k] = deepMergeOuterWins(baseMap, outerMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

func asStringMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

// Get walks a dotted path ("session.injection_budget_per_turn") through
// the merged settings tree and returns the raw value.
func (s *Settings) Get(dottedPath string) (any, bool) {
	parts := strings.Split(dottedPath, ".")
	var cur any = s.data
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// GetString, GetBool, GetInt are convenience typed accessors; they
// return the zero value and false if the path is absent or of the
// wrong type.
func (s *Settings) GetString(dottedPath string) (string, bool) {
	v, ok := s.Get(dottedPath)
	if !ok {
		return "", false
	}
	str, ok := v.(string)
	return str, ok
}

func (s *Settings) GetBool(dottedPath string) (bool, bool) {
	v, ok := s.Get(dottedPath)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

func (s *Settings) GetInt(dottedPath string) (int, bool) {
	v, ok := s.Get(dottedPath)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	}
	return 0, false
}

// GetStringMap returns a map-valued setting (e.g. bundle.added,
// sources.modules) as map[string]string.
func (s *Settings) GetStringMap(dottedPath string) map[string]string {
	v, ok := s.Get(dottedPath)
	if !ok {
		return nil
	}
	raw, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, val := range raw {
		if str, ok := val.(string); ok {
			out[k] = str
		}
	}
	return out
}

// CoreReadFields is the subset of settings the kernel itself consults,
// resolved once at session construction time.
type CoreReadFields struct {
	InjectionBudgetPerTurn *int
	InjectionSizeLimit     *int
	Debug                  bool
	RawDebug               bool
	BundleActive           string
	BundleAdded            map[string]string
	BundleApp              []string
	SourceModules          map[string]string
	SourceBundles          map[string]string
}

// Resolve extracts CoreReadFields from the merged settings tree. It
// never fails: a field of an unexpected type is left at its zero value.
func (s *Settings) Resolve() CoreReadFields {
	fields := CoreReadFields{
		BundleAdded:   s.GetStringMap("bundle.added"),
		SourceModules: s.GetStringMap("sources.modules"),
		SourceBundles: s.GetStringMap("sources.bundles"),
	}
	if n, ok := s.GetInt("session.injection_budget_per_turn"); ok {
		fields.InjectionBudgetPerTurn = &n
	}
	if n, ok := s.GetInt("session.injection_size_limit"); ok {
		fields.InjectionSizeLimit = &n
	}
	if b, ok := s.GetBool("session.debug"); ok {
		fields.Debug = b
	}
	if b, ok := s.GetBool("session.raw_debug"); ok {
		fields.RawDebug = b
	}
	if v, ok := s.GetString("bundle.active"); ok {
		fields.BundleActive = v
	}
	if v, ok := s.Get("bundle.app"); ok {
		if list, ok := v.([]any); ok {
			for _, item := range list {
				if str, ok := item.(string); ok {
					fields.BundleApp = append(fields.BundleApp, str)
				}
			}
		}
	}
	return fields
}

// OverrideFor returns the {source, config} override for a module id
// declared under overrides.<module-id>, if any.
func (s *Settings) OverrideFor(moduleID string) (source string, config map[string]any, ok bool) {
	v, exists := s.Get("overrides." + moduleID)
	if !exists {
		return "", nil, false
	}
	m, isMap := v.(map[string]any)
	if !isMap {
		return "", nil, false
	}
	if src, ok := m["source"].(string); ok {
		source = src
	}
	if cfg, ok := m["config"].(map[string]any); ok {
		config = cfg
	}
	return source, config, true
}

// ErrScopeNotAvailable is returned by CheckScope when a caller asks for
// a scope that does not apply to the current process (e.g. project
// scope requested while running from the home directory with no
// project detected).
type ErrScopeNotAvailable struct {
	Scope Scope
}

func (e *ErrScopeNotAvailable) Error() string {
	return fmt.Sprintf("settings scope %q is not available here", e.Scope)
}

// CheckScope validates that a scope's backing path is meaningful,
// logging at debug level when it is not.
func CheckScope(scope Scope, paths Paths) error {
	var path string
	switch scope {
	case ScopeGlobal:
		path = paths.Global
	case ScopeProject:
		path = paths.Project
	case ScopeLocal:
		path = paths.Local
	case ScopeSession:
		if paths.SessionDir != "" {
			path = filepath.Join(paths.SessionDir, "settings.yaml")
		}
	}
	if path == "" {
		logging.Logger.Debug().Str("scope", string(scope)).Msg("settings scope unavailable")
		return &ErrScopeNotAvailable{Scope: scope}
	}
	return nil
}

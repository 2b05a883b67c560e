package module

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/amplifier-run/amplifier/internal/coordinator"
	"github.com/amplifier-run/amplifier/internal/installstate"
	"github.com/amplifier-run/amplifier/internal/logging"
)

// Loader discovers and loads Amplifier modules.
//
// Loading has two strategies:
//
//  1. Source resolution: if a SourceResolver is mounted on the
//     coordinator, it resolves module ids (optionally honoring a
//     bundle-supplied source hint) to a fetchable Source. If the
//     resolver reports ErrSourceNotFound, the loader falls back to
//     direct discovery rather than failing outright.
//  2. Direct discovery: the in-process entry-point registry, then
//     filesystem search paths. This is the loader's permanent,
//     first-class path, not a deprecated shim — standalone tools and
//     simple setups never need a resolver at all.
type Loader struct {
	mu sync.Mutex

	loaded     map[string]MountFunc
	info       map[string]Info
	searchPaths []string
	coordinator *coordinator.Coordinator

	// InstallState, when set, backs SelfHeal's invalidate-and-retry
	// cycle. A loader with no install state configured (standalone
	// tools, tests) simply skips self-healing.
	InstallState *installstate.Store

	// addedPaths tracks every resolved module directory the loader has
	// pointed at, in insertion order, so Cleanup can release them
	// LIFO — the Go-native stand-in for the original's sys.path
	// bookkeeping. It is only logged and cleared; module resolution
	// never reads it.
	addedPaths []string
}

// New returns a Loader. co may be nil for a standalone loader with no
// source resolver available (direct discovery only). searchPaths seeds
// the filesystem discovery roots; if empty, the AMPLIFIER_MODULES
// environment variable (colon-separated paths) is consulted instead.
func New(co *coordinator.Coordinator, searchPaths []string) *Loader {
	return &Loader{
		loaded:      make(map[string]MountFunc),
		info:        make(map[string]Info),
		searchPaths: searchPaths,
		coordinator: co,
	}
}

// Discover enumerates every module the loader can currently see,
// without loading any of them.
func (l *Loader) Discover() []Info {
	var modules []Info
	modules = append(modules, l.discoverEntryPoints()...)

	paths := l.searchPaths
	if len(paths) == 0 {
		if env := os.Getenv("AMPLIFIER_MODULES"); env != "" {
			paths = strings.Split(env, ":")
		}
	}
	for _, path := range paths {
		modules = append(modules, l.discoverFilesystem(path)...)
	}
	return modules
}

func (l *Loader) discoverEntryPoints() []Info {
	var modules []Info
	for _, id := range registeredIDs() {
		entry, ok := lookupEntryPoint(id)
		if !ok {
			continue
		}
		typ := entry.typ
		if typ == "" {
			typ = guessFromNaming(id)
		}
		mountPoint, _ := MountPointFor(typ)
		info := Info{
			ID:          id,
			Name:        titleCase(id),
			Version:     "1.0.0",
			Type:        typ,
			MountPoint:  mountPoint,
			Description: "Module: " + id,
		}
		modules = append(modules, info)

		l.mu.Lock()
		l.info[id] = info
		l.mu.Unlock()
	}
	return modules
}

func (l *Loader) discoverFilesystem(path string) []Info {
	var modules []Info
	entries, err := os.ReadDir(path)
	if err != nil {
		logging.Logger.Warn().Str("path", path).Err(err).Msg("module search path does not exist")
		return modules
	}

	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "amplifier-module-") {
			continue
		}
		moduleID := strings.TrimPrefix(entry.Name(), "amplifier-module-")
		modulePath := filepath.Join(path, entry.Name())

		typ, mountPoint := l.getModuleMetadata(moduleID, modulePath)
		info := Info{
			ID:          moduleID,
			Name:        titleCase(moduleID),
			Version:     "1.0.0",
			Type:        typ,
			MountPoint:  mountPoint,
			Description: "Module: " + moduleID,
		}
		modules = append(modules, info)

		l.mu.Lock()
		l.info[moduleID] = info
		l.mu.Unlock()
	}
	return modules
}

// Load resolves, validates and loads a single module, returning its
// mount function. A previously loaded module is returned from memo
// without re-resolving or re-validating.
func (l *Loader) Load(ctx context.Context, moduleID string, config map[string]any, sourceHint any) (MountFunc, error) {
	l.mu.Lock()
	if fn, ok := l.loaded[moduleID]; ok {
		l.mu.Unlock()
		logging.Logger.Debug().Str("module", moduleID).Msg("module already loaded")
		return fn, nil
	}
	l.mu.Unlock()

	fn, err := l.load(ctx, moduleID, config, sourceHint)
	if err != nil {
		logging.Logger.Error().Str("module", moduleID).Err(err).Msg("failed to load module")
		return nil, err
	}
	return fn, nil
}

func (l *Loader) load(ctx context.Context, moduleID string, config map[string]any, sourceHint any) (MountFunc, error) {
	resolver := l.sourceResolver()

	if resolver == nil {
		logging.Logger.Debug().Str("module", moduleID).Msg("no source resolver mounted, using direct discovery")
		fn, err := l.loadDirect(moduleID, config)
		if err != nil {
			return nil, err
		}
		if fn != nil {
			return l.memoize(moduleID, fn), nil
		}
		return nil, l.notFoundError(moduleID)
	}

	source, err := resolver.Resolve(ctx, moduleID, sourceHint)
	if err != nil {
		if errors.Is(err, ErrSourceNotFound) {
			logging.Logger.Debug().Str("module", moduleID).Msg("source resolution failed, trying direct discovery")
			fn, directErr := l.loadDirect(moduleID, config)
			if directErr == nil && fn != nil {
				return l.memoize(moduleID, fn), nil
			}
		}
		return nil, err
	}

	modulePath, err := source.ResolvePath(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolving module '%s' from %s: %w", moduleID, source, err)
	}
	logging.Logger.Info().Str("module", moduleID).Str("source", source.String()).Msg("mounting module")

	l.mu.Lock()
	l.addedPaths = append(l.addedPaths, modulePath)
	l.mu.Unlock()

	if err := l.validateModule(ctx, moduleID, modulePath, config); err != nil {
		return nil, err
	}

	l.mu.Lock()
	declaredVersion := l.info[moduleID].Version
	l.mu.Unlock()
	if err := ValidateVersionConstraint(moduleID, declaredVersion, config); err != nil {
		return nil, err
	}

	if fn, ok := lookupEntryPoint(moduleID); ok {
		return l.memoize(moduleID, wrapWithConfig(fn.mountFn, config)), nil
	}
	if fn, err := l.loadFilesystem(moduleID, modulePath, config); err == nil && fn != nil {
		return l.memoize(moduleID, fn), nil
	}

	return nil, fmt.Errorf("module '%s' found at %s but failed to load", moduleID, modulePath)
}

// notFoundError reports a missing module id along with a "did you
// mean" suggestion against every id the loader currently knows about,
// if one is close enough to be useful.
func (l *Loader) notFoundError(moduleID string) error {
	if suggestion := SuggestSimilar(moduleID, l.knownModuleIDs()); suggestion != "" {
		return fmt.Errorf("module '%s' not found via entry points or filesystem (did you mean %q?)", moduleID, suggestion)
	}
	return fmt.Errorf("module '%s' not found via entry points or filesystem", moduleID)
}

func (l *Loader) memoize(moduleID string, fn MountFunc) MountFunc {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loaded[moduleID] = fn
	return fn
}

func (l *Loader) sourceResolver() SourceResolver {
	if l.coordinator == nil {
		return nil
	}
	v, err := l.coordinator.Get(coordinator.MountSourceResolver, "")
	if err != nil || v == nil {
		return nil
	}
	resolver, _ := v.(SourceResolver)
	return resolver
}

// loadDirect tries the in-process registry, then a filesystem search
// path lookup, with no source resolution involved. This is a permanent
// mechanism, not a fallback shim: standalone tools rely on it
// exclusively.
func (l *Loader) loadDirect(moduleID string, config map[string]any) (MountFunc, error) {
	if entry, ok := lookupEntryPoint(moduleID); ok {
		logging.Logger.Info().Str("module", moduleID).Msg("loaded module via entry point")
		return wrapWithConfig(entry.mountFn, config), nil
	}

	paths := l.searchPaths
	if len(paths) == 0 {
		if env := os.Getenv("AMPLIFIER_MODULES"); env != "" {
			paths = filepath.SplitList(env)
		}
	}

	for _, path := range paths {
		modulePath := filepath.Join(path, "amplifier-module-"+moduleID)
		if _, err := os.Stat(modulePath); err != nil {
			continue
		}
		if fn, err := l.loadFilesystem(moduleID, modulePath, config); err == nil && fn != nil {
			return fn, nil
		}
	}
	return nil, nil
}

// loadFilesystem loads a module whose manifest lives at modulePath. A
// manifest declaring mcp_command is wrapped as an external MCP tool
// source; anything else must already be registered in-process, since Go
// has no runtime equivalent of Python's importlib.import_module for
// arbitrary on-disk code.
func (l *Loader) loadFilesystem(moduleID, modulePath string, config map[string]any) (MountFunc, error) {
	packagePath, err := findPackageDir(moduleID, modulePath)
	if err != nil {
		logging.Logger.Debug().Str("module", moduleID).Err(err).Msg("could not load from filesystem")
		return nil, err
	}
	m, err := readManifest(packagePath)
	if err != nil {
		return nil, err
	}

	if m.MCPCommand != "" {
		logging.Logger.Info().Str("module", moduleID).Msg("loaded module from filesystem as MCP source")
		return mcpMountFunc(moduleID, m, config), nil
	}

	if entry, ok := lookupEntryPoint(moduleID); ok {
		logging.Logger.Info().Str("module", moduleID).Msg("loaded module from filesystem")
		return wrapWithConfig(entry.mountFn, config), nil
	}

	return nil, fmt.Errorf("module '%s' declares no mcp_command and is not registered in-process", moduleID)
}

func wrapWithConfig(fn MountFunc, config map[string]any) MountFunc {
	return func(ctx context.Context, co *coordinator.Coordinator, _ map[string]any) (CleanupFunc, error) {
		return fn(ctx, co, config)
	}
}

// getModuleMetadata derives a module's type, preferring its manifest's
// explicit declaration and falling back to guessing from its id.
func (l *Loader) getModuleMetadata(moduleID, modulePath string) (Type, string) {
	if packagePath, err := findPackageDir(moduleID, modulePath); err == nil {
		if m, err := readManifest(packagePath); err == nil && m.Type != "" {
			if mountPoint, ok := MountPointFor(m.Type); ok {
				logging.Logger.Debug().Str("module", moduleID).Str("type", string(m.Type)).Msg("module declares explicit type")
				return m.Type, mountPoint
			}
		}
	}
	logging.Logger.Debug().Str("module", moduleID).Msg("module has no metadata, using naming convention")
	typ := guessFromNaming(moduleID)
	mountPoint, _ := MountPointFor(typ)
	return typ, mountPoint
}

func (l *Loader) validateModule(ctx context.Context, moduleID, modulePath string, config map[string]any) error {
	typ, _ := l.getModuleMetadata(moduleID, modulePath)

	validator, ok := validatorFor(typ)
	if !ok {
		logging.Logger.Warn().Str("module", moduleID).Str("type", string(typ)).Msg("unknown module type, skipping validation")
		return nil
	}

	packagePath, err := findPackageDir(moduleID, modulePath)
	if err != nil {
		return err
	}

	result, err := validator.Validate(ctx, packagePath, config)
	if err != nil {
		return err
	}
	if !result.Passed {
		return &ValidationErr{ModuleID: moduleID, Result: result}
	}
	logging.Logger.Info().Str("module", moduleID).Str("result", result.Summary()).Msg("module validated")
	return nil
}

// Initialize calls a module's mount function, registering any returned
// cleanup function with the coordinator.
func (l *Loader) Initialize(ctx context.Context, fn MountFunc, co *coordinator.Coordinator, config map[string]any) error {
	cleanup, err := fn(ctx, co, config)
	if err != nil {
		logging.Logger.Error().Err(err).Msg("failed to initialize module")
		return err
	}
	if cleanup != nil {
		co.RegisterCleanup(coordinator.CleanupFunc(cleanup))
	}
	return nil
}

// Cleanup is a no-op placeholder preserved for API parity with the
// original loader's sys.path teardown: Go modules don't mutate a
// process-global import path, so there is nothing to remove here. The
// tracked addedPaths are logged in reverse order and then cleared.
func (l *Loader) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.addedPaths) - 1; i >= 0; i-- {
		logging.Logger.Debug().Str("path", l.addedPaths[i]).Msg("releasing module search path")
	}
	l.addedPaths = nil
}

// Reset clears the memoized mount-function cache without touching
// addedPaths, so a subsequent Load re-resolves and re-validates every
// module id from scratch. Used by SelfHeal to force a clean retry
// after install state was invalidated.
func (l *Loader) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loaded = make(map[string]MountFunc)
}

// SelfHeal invalidates all persisted install state and clears the
// loader's memoized modules, per spec.md §4.2: "if initial mount
// results in a bundle whose configured providers fail to surface on
// the coordinator (likely stale install state), invalidate all install
// state and retry mounting exactly once." A loader with no
// InstallState configured has nothing to invalidate and just resets
// its memo, which is still enough to force a clean re-load.
func (l *Loader) SelfHeal() error {
	if l.InstallState != nil {
		if err := l.InstallState.Invalidate(); err != nil {
			return fmt.Errorf("invalidating install state: %w", err)
		}
	}
	l.Reset()
	return nil
}

func titleCase(id string) string {
	parts := strings.Split(id, "-")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, " ")
}

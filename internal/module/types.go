// Package module implements module discovery, source resolution and
// validated loading: the mechanism a bundle uses to turn a list of
// module ids into mounted coordinator state.
package module

import (
	"context"
	"errors"

	"github.com/amplifier-run/amplifier/internal/coordinator"
)

// Type is a module's declared kind. The loader derives a coordinator
// mount point from it via a stable, kernel-owned mapping — modules
// declare type, never mount point directly.
type Type string

const (
	TypeOrchestrator Type = "orchestrator"
	TypeProvider     Type = "provider"
	TypeTool         Type = "tool"
	TypeHook         Type = "hook"
	TypeContext      Type = "context"
	TypeResolver     Type = "resolver"
)

// typeToMountPoint is the single, stable type->mount-point mapping the
// whole loader is built around.
var typeToMountPoint = map[Type]string{
	TypeOrchestrator: coordinator.MountOrchestrator,
	TypeProvider:     coordinator.MountProviders,
	TypeTool:         coordinator.MountTools,
	TypeHook:         "hooks",
	TypeContext:      coordinator.MountContext,
	TypeResolver:     coordinator.MountSourceResolver,
}

// MountPointFor returns the coordinator mount point a module of type t
// belongs at, and whether t was recognized.
func MountPointFor(t Type) (string, bool) {
	mp, ok := typeToMountPoint[t]
	return mp, ok
}

// Info describes a discovered module, independent of whether it has
// been loaded yet.
type Info struct {
	ID          string
	Name        string
	Version     string
	Type        Type
	MountPoint  string
	Description string
}

// MountFunc is what loading a module produces: a function that attaches
// it to a coordinator and optionally returns a cleanup function run at
// session teardown.
type MountFunc func(ctx context.Context, co *coordinator.Coordinator, config map[string]any) (CleanupFunc, error)

// CleanupFunc releases resources a mounted module acquired.
type CleanupFunc func() error

// ValidationError names a single failed validation check.
type ValidationError struct {
	Name    string
	Message string
}

// ValidationResult is what a Type-specific validator returns.
type ValidationResult struct {
	Passed bool
	Errors []ValidationError
}

// Summary renders a one-word verdict: "passed" or "failed".
func (r ValidationResult) Summary() string {
	if r.Passed {
		return "passed"
	}
	return "failed"
}

// Validator checks a module's package directory (and optional config)
// before it is mounted.
type Validator interface {
	Validate(ctx context.Context, packagePath string, config map[string]any) (ValidationResult, error)
}

// ValidationErr wraps a ValidationResult's failure for use as a Go
// error.
type ValidationErr struct {
	ModuleID string
	Result   ValidationResult
}

func (e *ValidationErr) Error() string {
	detail := ""
	for i, ve := range e.Result.Errors {
		if i > 0 {
			detail += "; "
		}
		detail += ve.Name + ": " + ve.Message
	}
	return "module '" + e.ModuleID + "' failed validation: " + e.Result.Summary() + ". Errors: " + detail
}

// ErrSourceNotFound is returned by a SourceResolver when it has no
// source for a module id; the loader treats it as a signal to fall back
// to direct (entry-point/filesystem) discovery even when a resolver is
// mounted.
var ErrSourceNotFound = errors.New("module source not found")

// Source is a resolved, fetchable location for a module's code.
type Source interface {
	// ResolvePath ensures the module's code is present locally (cloning
	// or fetching if necessary) and returns its root directory.
	ResolvePath(ctx context.Context) (string, error)
	// String renders the source for logging, e.g. "git+https://...@main".
	String() string
}

// SourceResolver turns a module id (plus an optional bundle-provided
// source hint) into a Source. Mounted at coordinator.MountSourceResolver
// by a bundle wanting custom module sourcing (git refs, local paths,
// registries); absent a resolver, the loader uses direct discovery only.
type SourceResolver interface {
	Resolve(ctx context.Context, moduleID string, sourceHint any) (Source, error)
}

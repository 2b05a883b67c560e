// Package installstate tracks whether a module's dependencies have
// already been installed for the current runtime, so bundle
// preparation can skip reinstalling a module whose fingerprint hasn't
// changed since the last successful install. Grounded on the
// fingerprint shape described in SPEC_FULL.md/spec.md's "Install
// state" glossary entry and the atomic write-temp-then-rename
// discipline used throughout the core (internal/storage.Put,
// internal/session.writeWithBackup).
package installstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ModuleFingerprint records the dependency hash an install was last
// performed against for one module's absolute path.
type ModuleFingerprint struct {
	DepsHash string `json:"deps_hash"`
}

// State is the full install-state document, keyed by module absolute
// path. RuntimeExeID/RuntimeExeMTime stand in for the original's
// python-exe-id/python-exe-mtime: the identity and modification time
// of the running binary, since a different Go binary build is exactly
// the "different runtime" case the original guards against.
type State struct {
	Version         string                       `json:"version"`
	RuntimeExeID    string                       `json:"runtime_exe_id"`
	RuntimeExeMTime int64                        `json:"runtime_exe_mtime"`
	Modules         map[string]ModuleFingerprint `json:"modules"`
}

// Store reads and writes one install-state.json, typically at
// <amplifierHome>/cache/install-state.json.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore builds a Store for the given file path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads the install-state file. A missing file is not an error:
// it returns a zero-value State so the first module load always
// triggers an install.
func (s *Store) Load() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return State{Modules: map[string]ModuleFingerprint{}}, nil
		}
		return State{}, fmt.Errorf("reading install state: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		// A corrupt install-state file self-corrects: treat it as
		// empty rather than failing module loading outright.
		return State{Modules: map[string]ModuleFingerprint{}}, nil
	}
	if st.Modules == nil {
		st.Modules = map[string]ModuleFingerprint{}
	}
	return st, nil
}

// Save writes the install-state file atomically (write-temp-then-rename).
func (s *Store) Save(st State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating install state directory: %w", err)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding install state: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing temp install state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming temp install state: %w", err)
	}
	return nil
}

// Invalidate wipes every recorded module fingerprint so the next
// NeedsInstall check reports true for everything, the mechanism
// module self-healing uses when a bundle's configured providers fail
// to surface on the coordinator after mount (likely stale install
// state): the next mount attempt is forced to treat every module as
// needing a fresh install/reload.
func (s *Store) Invalidate() error {
	return s.Save(State{Modules: map[string]ModuleFingerprint{}})
}

// RuntimeIdentity computes the current process's runtime identity:
// the resolved executable path as an id, and its mtime. Used to detect
// "the binary changed under us" the way the original detects a
// different Python interpreter.
func RuntimeIdentity() (id string, mtime int64, err error) {
	exe, err := os.Executable()
	if err != nil {
		return "", 0, fmt.Errorf("resolving runtime executable: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(exe)
	if err != nil {
		resolved = exe
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", 0, fmt.Errorf("stat runtime executable: %w", err)
	}
	return resolved, info.ModTime().UnixNano(), nil
}

// NeedsInstall reports whether a module at modulePath with dependency
// hash depsHash needs (re)installation: true if the whole State was
// invalidated by a version/runtime change, or if no fingerprint exists
// for this path, or if the recorded hash doesn't match.
func NeedsInstall(st State, version, runtimeExeID string, runtimeExeMTime int64, modulePath, depsHash string) bool {
	if st.Version != version || st.RuntimeExeID != runtimeExeID || st.RuntimeExeMTime != runtimeExeMTime {
		return true
	}
	fp, ok := st.Modules[modulePath]
	if !ok {
		return true
	}
	return fp.DepsHash != depsHash
}

// RecordInstall updates (in place) the state after a successful
// install, resetting the version/runtime identity if they had drifted
// so the whole document is self-consistent again.
func RecordInstall(st *State, version, runtimeExeID string, runtimeExeMTime int64, modulePath, depsHash string) {
	if st.Version != version || st.RuntimeExeID != runtimeExeID || st.RuntimeExeMTime != runtimeExeMTime {
		st.Version = version
		st.RuntimeExeID = runtimeExeID
		st.RuntimeExeMTime = runtimeExeMTime
		st.Modules = map[string]ModuleFingerprint{}
	}
	if st.Modules == nil {
		st.Modules = map[string]ModuleFingerprint{}
	}
	st.Modules[modulePath] = ModuleFingerprint{DepsHash: depsHash}
}

package module

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// LocalDirSource is a Source whose module already lives at a fixed
// local path (no fetch required). It backs LocalResolver and is also a
// reasonable Source for tests.
type LocalDirSource struct {
	Path string
}

func (s LocalDirSource) ResolvePath(ctx context.Context) (string, error) {
	if _, err := os.Stat(s.Path); err != nil {
		return "", fmt.Errorf("local module path %s: %w", s.Path, err)
	}
	return s.Path, nil
}

func (s LocalDirSource) String() string { return "local:" + s.Path }

// LocalResolver resolves module ids to `amplifier-module-<id>`
// directories under a fixed root, ignoring any source hint. It is the
// simplest SourceResolver: every module lives in one local directory
// tree, the common case for a single bundled project.
type LocalResolver struct {
	Root string
}

func (r LocalResolver) Resolve(ctx context.Context, moduleID string, sourceHint any) (Source, error) {
	path := filepath.Join(r.Root, "amplifier-module-"+moduleID)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, moduleID)
	}
	return LocalDirSource{Path: path}, nil
}

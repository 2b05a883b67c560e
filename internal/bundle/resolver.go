package bundle

import (
	"context"
	"fmt"

	"github.com/amplifier-run/amplifier/internal/module"
)

// Resolve implements module.SourceResolver: a prepared bundle's
// ModuleResolver answers with the bundle-local path for a module id,
// or wraps module.ErrSourceNotFound so the loader falls back to direct
// (entry-point) resolution for anything the bundle didn't provide.
func (r ModuleResolver) Resolve(ctx context.Context, moduleID string, sourceHint any) (module.Source, error) {
	path, ok := r.Modules[moduleID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", module.ErrSourceNotFound, moduleID)
	}
	return module.LocalDirSource{Path: path}, nil
}

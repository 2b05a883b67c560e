package module

import (
	"context"
	"fmt"
)

// validatorFor returns the structural validator for a module type, and
// whether one is defined. Unknown types skip validation with a warning
// from the caller, matching the loader's tolerant stance toward module
// kinds it doesn't have a dedicated checker for.
func validatorFor(t Type) (Validator, bool) {
	switch t {
	case TypeProvider:
		return providerValidator{}, true
	case TypeTool:
		return toolValidator{}, true
	case TypeHook:
		return hookValidator{}, true
	case TypeOrchestrator:
		return orchestratorValidator{}, true
	case TypeContext:
		return contextValidator{}, true
	default:
		return nil, false
	}
}

func manifestBasicChecks(packagePath string, wantType Type) (manifest *manifest, result ValidationResult) {
	m, err := readManifest(packagePath)
	if err != nil {
		return nil, ValidationResult{Errors: []ValidationError{{Name: "manifest", Message: err.Error()}}}
	}
	var errs []ValidationError
	if m.ID == "" {
		errs = append(errs, ValidationError{Name: "id", Message: "manifest is missing an id"})
	}
	if m.Type != wantType {
		errs = append(errs, ValidationError{
			Name:    "type",
			Message: fmt.Sprintf("manifest declares type %q, expected %q", m.Type, wantType),
		})
	}
	return m, ValidationResult{Passed: len(errs) == 0, Errors: errs}
}

type providerValidator struct{}

func (providerValidator) Validate(ctx context.Context, packagePath string, config map[string]any) (ValidationResult, error) {
	_, result := manifestBasicChecks(packagePath, TypeProvider)
	return result, nil
}

type toolValidator struct{}

func (toolValidator) Validate(ctx context.Context, packagePath string, config map[string]any) (ValidationResult, error) {
	m, result := manifestBasicChecks(packagePath, TypeTool)
	if m != nil && m.MCPCommand == "" {
		// A non-MCP tool module must still be registered in-process,
		// since Go cannot dynamically load arbitrary compiled code the
		// way Python imports a package at runtime. The loader checks
		// this separately at load time; validation only confirms the
		// manifest is well-formed.
		_ = m
	}
	return result, nil
}

type hookValidator struct{}

func (hookValidator) Validate(ctx context.Context, packagePath string, config map[string]any) (ValidationResult, error) {
	_, result := manifestBasicChecks(packagePath, TypeHook)
	return result, nil
}

type orchestratorValidator struct{}

func (orchestratorValidator) Validate(ctx context.Context, packagePath string, config map[string]any) (ValidationResult, error) {
	_, result := manifestBasicChecks(packagePath, TypeOrchestrator)
	return result, nil
}

type contextValidator struct{}

func (contextValidator) Validate(ctx context.Context, packagePath string, config map[string]any) (ValidationResult, error) {
	_, result := manifestBasicChecks(packagePath, TypeContext)
	return result, nil
}

package bundle

import "fmt"

// Error is the generic bundle error kind: surfaced to the caller
// as-is, the core makes no attempt at recovery (SPEC_FULL.md §7).
type Error struct {
	BundleName string
	Message    string
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("bundle %q: %s: %v", e.BundleName, e.Message, e.Cause)
	}
	return fmt.Sprintf("bundle %q: %s", e.BundleName, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// ValidationError reports a malformed bundle: missing required mount
// plan keys, an include cycle, or a mount plan that fails basic shape
// checks.
type ValidationError struct {
	BundleName string
	Reason     string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("bundle %q is invalid: %s", e.BundleName, e.Reason)
}

// ValidateMountPlan performs the basic structural checks SPEC_FULL.md
// requires of any mount plan before a session can be constructed from
// it: a session.orchestrator and session.context entry, both with a
// non-empty module id.
func ValidateMountPlan(plan map[string]any) *ValidationError {
	session, ok := plan["session"].(map[string]any)
	if !ok {
		return &ValidationError{Reason: "missing required \"session\" key"}
	}
	for _, key := range []string{"orchestrator", "context"} {
		entry, ok := session[key].(map[string]any)
		if !ok {
			return &ValidationError{Reason: fmt.Sprintf("missing required \"session.%s\" entry", key)}
		}
		moduleID, _ := entry["module"].(string)
		if moduleID == "" {
			return &ValidationError{Reason: fmt.Sprintf("\"session.%s.module\" must be a non-empty string", key)}
		}
	}
	return nil
}

// DetectIncludeCycle walks an include graph (name -> included names)
// starting from root, returning the cycle path if one exists.
func DetectIncludeCycle(root string, includesByName map[string][]string) []string {
	visited := map[string]bool{}
	var path []string

	var walk func(name string) []string
	walk = func(name string) []string {
		for i, p := range path {
			if p == name {
				return append(append([]string{}, path[i:]...), name)
			}
		}
		if visited[name] {
			return nil
		}
		visited[name] = true
		path = append(path, name)
		for _, inc := range includesByName[name] {
			if cycle := walk(inc); cycle != nil {
				return cycle
			}
		}
		path = path[:len(path)-1]
		return nil
	}
	return walk(root)
}

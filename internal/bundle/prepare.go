package bundle

import (
	"fmt"

	"github.com/amplifier-run/amplifier/internal/coordinator"
	"github.com/amplifier-run/amplifier/internal/session"
)

// PreparedBundle is a composed Bundle turned into everything a caller
// needs to stand up an AmplifierSession from it: the resolved mount
// plan, a BundleModuleResolver over the bundle's own modules, and the
// bundle context snapshot a session persists for later resume.
// Grounded on SPEC_FULL.md §4.6 steps 6-8 ("compose -> resolve ->
// construct session").
type PreparedBundle struct {
	Bundle   Bundle
	Plan     session.MountPlan
	Resolver ModuleResolver
}

// Prepare turns a composed Bundle into a PreparedBundle: it parses the
// bundle's raw MountPlan into a session.MountPlan and builds the
// module resolver a session.AmplifierSession's Loader consults before
// falling back to direct (entry-point) discovery.
func Prepare(b Bundle) (*PreparedBundle, error) {
	if verr := ValidateMountPlan(b.MountPlan); verr != nil {
		return nil, &Error{BundleName: b.Name, Message: "invalid mount plan", Cause: verr}
	}
	plan, err := ParseMountPlan(b.MountPlan)
	if err != nil {
		return nil, fmt.Errorf("preparing bundle %q: %w", b.Name, err)
	}
	if len(b.Agents) > 0 {
		plan.Agents = make(map[string]map[string]any, len(b.Agents))
		for _, a := range b.Agents {
			plan.Agents[a.Name] = a.Overlay
		}
	}
	return &PreparedBundle{
		Bundle:   b,
		Plan:     plan,
		Resolver: ModuleResolver{Modules: b.Modules},
	}, nil
}

// CreateSession constructs the AmplifierSession this prepared bundle
// describes, wiring the bundle's ModuleResolver onto the session's
// coordinator before returning so the first Execute's lazy
// initialization resolves bundle-local modules before falling back to
// direct discovery. The session is not executed; callers call Execute
// themselves.
func (p *PreparedBundle) CreateSession(cfg session.Config) (*session.AmplifierSession, error) {
	cfg.Plan = p.Plan
	if cfg.BundleContext.ModulePaths == nil && cfg.BundleContext.MentionMappings == nil {
		cfg.BundleContext = session.BundleContext{
			ModulePaths:     p.Bundle.Modules,
			MentionMappings: p.Bundle.Mentions,
		}
	}

	sess, err := session.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("constructing session for bundle %q: %w", p.Bundle.Name, err)
	}
	if err := sess.Coordinator.Mount(coordinator.MountSourceResolver, p.Resolver, ""); err != nil {
		return nil, fmt.Errorf("mounting bundle module resolver: %w", err)
	}
	return sess, nil
}

// moduleSpecFromAny converts one raw mount-plan entry (a
// map[string]any with "module", optional "source" and "config" keys)
// into a session.ModuleSpec. A nil or non-map entry yields a zero-value
// spec with an error, since every entry must at least name a module.
func moduleSpecFromAny(raw any) (session.ModuleSpec, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return session.ModuleSpec{}, fmt.Errorf("mount plan entry %v is not an object", raw)
	}
	spec := session.ModuleSpec{}
	if v, ok := m["module"].(string); ok {
		spec.Module = v
	}
	if spec.Module == "" {
		return session.ModuleSpec{}, fmt.Errorf("mount plan entry missing required \"module\" field")
	}
	if v, ok := m["source"].(string); ok {
		spec.Source = v
	}
	if v, ok := m["config"].(map[string]any); ok {
		spec.Config = v
	}
	return spec, nil
}

// moduleSpecListFromAny converts a raw mount-plan list value (providers,
// tools or hooks) into a []session.ModuleSpec. A missing key yields an
// empty list, not an error: not every bundle mounts providers, tools or
// hooks.
func moduleSpecListFromAny(raw any) ([]session.ModuleSpec, error) {
	if raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("mount plan list entry %v is not an array", raw)
	}
	specs := make([]session.ModuleSpec, 0, len(list))
	for _, item := range list {
		spec, err := moduleSpecFromAny(item)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// ParseMountPlan interprets a raw mount plan (a bundle's composed
// MountPlan, or any map[string]any of the same shape -- e.g. one
// loaded directly from a YAML/JSON file by a CLI resume command) as a
// session.MountPlan. Per spec.md's "Mount plan" definition, the
// expected shape is:
//
//	session:
//	  orchestrator: {module, source?, config?}
//	  context:      {module, source?, config?}
//	providers:    [{module, source?, config?}, ...]
//	tools:        [{module, source?, config?}, ...]
//	hooks:        [{module, source?, config?}, ...]
func ParseMountPlan(raw map[string]any) (session.MountPlan, error) {
	var plan session.MountPlan

	sessionSection, ok := raw["session"].(map[string]any)
	if !ok {
		return plan, fmt.Errorf("mount plan missing required \"session\" entry")
	}

	orchRaw, ok := sessionSection["orchestrator"]
	if !ok {
		return plan, fmt.Errorf("mount plan missing required \"session.orchestrator\" entry")
	}
	orch, err := moduleSpecFromAny(orchRaw)
	if err != nil {
		return plan, fmt.Errorf("session.orchestrator entry: %w", err)
	}
	plan.Orchestrator = orch

	ctxRaw, ok := sessionSection["context"]
	if !ok {
		return plan, fmt.Errorf("mount plan missing required \"session.context\" entry")
	}
	ctxSpec, err := moduleSpecFromAny(ctxRaw)
	if err != nil {
		return plan, fmt.Errorf("session.context entry: %w", err)
	}
	plan.Context = ctxSpec

	if plan.Providers, err = moduleSpecListFromAny(raw["providers"]); err != nil {
		return plan, fmt.Errorf("providers entry: %w", err)
	}
	if plan.Tools, err = moduleSpecListFromAny(raw["tools"]); err != nil {
		return plan, fmt.Errorf("tools entry: %w", err)
	}
	if plan.Hooks, err = moduleSpecListFromAny(raw["hooks"]); err != nil {
		return plan, fmt.Errorf("hooks entry: %w", err)
	}

	return plan, nil
}

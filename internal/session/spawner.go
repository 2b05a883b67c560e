package session

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/amplifier-run/amplifier/internal/coordinator"
	"github.com/amplifier-run/amplifier/internal/logging"
)

// AgentOverlay is one entry of the agent_configs map passed to Spawn:
// a partial mount plan plus inheritance policy and provider
// preference, all of which deep-merge onto the parent's plan.
//
// Grounded on
// original_source/.../amplifier_app_cli/session_spawner.py's
// spawn_sub_session, translated field-for-field.
type AgentOverlay struct {
	// OrchestratorConfig merges into session.orchestrator.config (e.g.
	// rate-limiting knobs), rather than replacing the orchestrator
	// module itself.
	OrchestratorConfig map[string]any

	// InheritTools / ExcludeTools: at most one should be set. An
	// allowlist (Inherit) keeps only the named parent tools; a
	// blocklist (Exclude) drops the named ones and keeps the rest.
	// Modules the overlay itself declares in Tools are always kept
	// regardless of either policy.
	InheritTools []string
	ExcludeTools []string
	Tools        []ModuleSpec

	InheritHooks []string
	ExcludeHooks []string
	Hooks        []ModuleSpec

	// ProviderPreferences is an ordered list of {provider, model-glob}
	// pairs; the first pair whose model glob matches the child's
	// configured model is promoted to priority 0. A legacy single
	// override is also supported for overlays that don't need glob
	// matching.
	ProviderPreferences []ProviderPreference
	ProviderOverride    string
	ModelOverride       string
}

// ProviderPreference pairs a provider name with a glob pattern over
// model names (e.g. "claude-*", matched via doublestar-style glob).
type ProviderPreference struct {
	Provider   string
	ModelGlob  string
}

// Spawner holds everything a parent session contributes to a child:
// its approval/display systems, its module-source-resolver (so bundle
// context carries down), and a session store to persist the child's
// transcript so it can be resumed independently of the parent process.
type Spawner struct {
	Store          *Store
	SearchPaths    []string
	ApprovalSystem coordinator.ApprovalSystem
	DisplaySystem  coordinator.DisplaySystem
}

// SpawnResult is what Spawn returns to the caller after the child's
// full lifecycle (construct -> initialize -> execute -> persist ->
// cleanup) has completed.
type SpawnResult struct {
	SessionID string
	Status    Status
	TurnCount int
	Response  string
}

// Spawn constructs, runs, persists, and tears down a sub-session. It
// mirrors spawn_sub_session's ten numbered steps from the Python
// original: overlay resolution, deep-merge, tool/hook inheritance,
// provider preference promotion, orchestrator config merge, child id
// computation, child construction with inherited collaborators,
// capability/cancellation wiring, execution, and persistence.
func (sp *Spawner) Spawn(ctx context.Context, parent *AmplifierSession, agentName, instruction string, overlays map[string]AgentOverlay, parentDepth int) (*SpawnResult, error) {
	var overlay AgentOverlay
	depth := parentDepth
	if agentName == "self" {
		depth++
	} else {
		overlay = overlays[agentName]
		if _, ok := overlays[agentName]; !ok {
			return nil, fmt.Errorf("no agent overlay registered for %q", agentName)
		}
		depth = 0
	}

	childPlan := mergeOverlay(parent.plan, overlay)
	childID := NewChildSessionID(parent.SessionID, agentName)

	child, err := New(Config{
		SessionID:      childID,
		ParentID:       parent.SessionID,
		TraceID:        firstNonEmpty(parent.TraceID, parent.SessionID),
		Plan:           childPlan,
		ApprovalSystem: sp.ApprovalSystem,
		DisplaySystem:  sp.DisplaySystem,
		SearchPaths:    sp.SearchPaths,
		BundleContext:  parent.bundleContext,
	})
	if err != nil {
		return nil, fmt.Errorf("constructing child session %q: %w", childID, err)
	}

	// Child cancellation auto-propagates from the parent: registering
	// now means a parent cancellation issued mid-spawn still reaches
	// the child, and register-time propagation (cancellation.RegisterChild)
	// means a parent already cancelled before this point still applies.
	parent.Coordinator.Cancellation.RegisterChild(child.Coordinator.Cancellation)
	defer parent.Coordinator.Cancellation.UnregisterChild(child.Coordinator.Cancellation)

	response, execErr := child.Execute(ctx, instruction)

	meta := Metadata{
		SessionID:           child.SessionID,
		ParentID:            child.ParentID,
		TraceID:             child.TraceID,
		AgentName:           agentName,
		Created:             NowISO8601Millis(timeNow()),
		TurnCount:           child.TurnCount(),
		SelfDelegationDepth: depth,
		BundleContext:       child.bundleContext,
	}

	if sp.Store != nil {
		transcript := []Message{{Role: "user", Content: instruction}}
		if execErr == nil {
			transcript = append(transcript, Message{Role: "assistant", Content: response})
		}
		if saveErr := sp.Store.Save(child.SessionID, transcript, meta); saveErr != nil {
			logging.Logger.Warn().Str("session_id", child.SessionID).Err(saveErr).Msg("failed to persist child session")
		}
	}

	if cleanupErr := child.Cleanup(); cleanupErr != nil {
		logging.Logger.Warn().Str("session_id", child.SessionID).Err(cleanupErr).Msg("child session cleanup error")
	}

	if execErr != nil {
		return &SpawnResult{SessionID: child.SessionID, Status: child.Status(), TurnCount: child.TurnCount()}, execErr
	}
	return &SpawnResult{SessionID: child.SessionID, Status: child.Status(), TurnCount: child.TurnCount(), Response: response}, nil
}

// Resume loads a previously-spawned sub-session's transcript and
// metadata, reconstructs its module-source-resolver from
// bundle_context.module_paths (falling back to the normal
// settings-resolved search so anything missing can still be found via
// installed modules), replays the transcript into a fresh context, and
// executes a new instruction.
func (sp *Spawner) Resume(ctx context.Context, sessionID, instruction string, plan MountPlan) (*SpawnResult, error) {
	if sp.Store == nil {
		return nil, fmt.Errorf("resume requires a session store")
	}
	transcript, meta, err := sp.Store.Load(sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading session %q for resume: %w", sessionID, err)
	}

	searchPaths := append([]string{}, sp.SearchPaths...)
	for _, path := range meta.BundleContext.ModulePaths {
		searchPaths = append(searchPaths, filepath.Dir(path))
	}

	s, err := New(Config{
		SessionID:      sessionID,
		ParentID:       meta.ParentID,
		TraceID:        meta.TraceID,
		IsResumed:      true,
		Plan:           plan,
		ApprovalSystem: sp.ApprovalSystem,
		DisplaySystem:  sp.DisplaySystem,
		SearchPaths:    searchPaths,
		BundleContext:  meta.BundleContext,
	})
	if err != nil {
		return nil, fmt.Errorf("reconstructing session %q: %w", sessionID, err)
	}

	if initErr := s.initialize(ctx); initErr == nil {
		if cmAny, getErr := s.Coordinator.Get(coordinator.MountContext, ""); getErr == nil {
			if cm, ok := cmAny.(coordinator.ContextManager); ok {
				for _, m := range transcript {
					if addErr := cm.AddMessage(ctx, coordinator.Message{Role: m.Role, Content: m.Content, Metadata: m.Extra}); addErr != nil {
						logging.Logger.Warn().Str("session_id", sessionID).Err(addErr).Msg("failed to replay transcript message")
					}
				}
			}
		}
	}

	response, execErr := s.Execute(ctx, instruction)

	transcript = append(transcript, Message{Role: "user", Content: instruction})
	if execErr == nil {
		transcript = append(transcript, Message{Role: "assistant", Content: response})
	}
	meta.TurnCount = s.TurnCount()
	meta.Created = firstNonEmpty(meta.Created, NowISO8601Millis(timeNow()))
	if saveErr := sp.Store.Save(sessionID, transcript, meta); saveErr != nil {
		logging.Logger.Warn().Str("session_id", sessionID).Err(saveErr).Msg("failed to persist resumed session")
	}

	if cleanupErr := s.Cleanup(); cleanupErr != nil {
		logging.Logger.Warn().Str("session_id", sessionID).Err(cleanupErr).Msg("resumed session cleanup error")
	}

	if execErr != nil {
		return &SpawnResult{SessionID: sessionID, Status: s.Status(), TurnCount: s.TurnCount()}, execErr
	}
	return &SpawnResult{SessionID: sessionID, Status: s.Status(), TurnCount: s.TurnCount(), Response: response}, nil
}

// mergeOverlay deep-merges an agent overlay onto the parent's mount
// plan: tool/hook inheritance policy is applied first, provider
// preferences are resolved next (the matching provider promoted to
// priority 0 by moving it to the front of Providers), then the overlay's
// own explicitly declared tools/hooks are unioned in regardless of
// policy.
func mergeOverlay(parent MountPlan, overlay AgentOverlay) MountPlan {
	child := MountPlan{
		Orchestrator: parent.Orchestrator,
		Context:      parent.Context,
		Providers:    append([]ModuleSpec{}, parent.Providers...),
		Agents:       parent.Agents,
	}

	child.Tools = applyInheritance(parent.Tools, overlay.InheritTools, overlay.ExcludeTools)
	child.Tools = unionSpecs(child.Tools, overlay.Tools)

	child.Hooks = applyInheritance(parent.Hooks, overlay.InheritHooks, overlay.ExcludeHooks)
	child.Hooks = unionSpecs(child.Hooks, overlay.Hooks)

	if len(overlay.ProviderPreferences) > 0 {
		child.Providers = promoteByPreference(child.Providers, overlay.ProviderPreferences)
	} else if overlay.ProviderOverride != "" {
		child.Providers = promoteByPreference(child.Providers, []ProviderPreference{{Provider: overlay.ProviderOverride, ModelGlob: "*"}})
	}

	if overlay.OrchestratorConfig != nil {
		merged := map[string]any{}
		for k, v := range child.Orchestrator.Config {
			merged[k] = v
		}
		for k, v := range overlay.OrchestratorConfig {
			merged[k] = v
		}
		child.Orchestrator.Config = merged
	}

	return child
}

// applyInheritance returns the subset of parent's specs allowed by an
// allowlist (inherit) or blocklist (exclude); at most one of the two
// should be set. With neither set, everything is inherited unchanged.
func applyInheritance(parent []ModuleSpec, inherit, exclude []string) []ModuleSpec {
	if len(inherit) > 0 {
		allow := toSet(inherit)
		var kept []ModuleSpec
		for _, spec := range parent {
			if allow[spec.Module] {
				kept = append(kept, spec)
			}
		}
		return kept
	}
	if len(exclude) > 0 {
		deny := toSet(exclude)
		var kept []ModuleSpec
		for _, spec := range parent {
			if !deny[spec.Module] {
				kept = append(kept, spec)
			}
		}
		return kept
	}
	return append([]ModuleSpec{}, parent...)
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}

// unionSpecs adds overlay-declared specs that aren't already present
// by module id.
func unionSpecs(base, additions []ModuleSpec) []ModuleSpec {
	present := make(map[string]bool, len(base))
	for _, spec := range base {
		present[spec.Module] = true
	}
	result := append([]ModuleSpec{}, base...)
	for _, spec := range additions {
		if !present[spec.Module] {
			result = append(result, spec)
			present[spec.Module] = true
		}
	}
	return result
}

// promoteByPreference moves the first provider spec whose module id
// matches a preference's provider name and whose configured model
// (spec.Config["model"]) matches the glob to the front of the list
// (priority 0 == lowest numeric value wins, so front-of-list is
// highest priority).
func promoteByPreference(providers []ModuleSpec, prefs []ProviderPreference) []ModuleSpec {
	for _, pref := range prefs {
		for i, spec := range providers {
			if spec.Module != pref.Provider {
				continue
			}
			model, _ := spec.Config["model"].(string)
			if matchGlob(pref.ModelGlob, model) {
				promoted := append([]ModuleSpec{spec}, append(providers[:i], providers[i+1:]...)...)
				return promoted
			}
		}
	}
	return providers
}

// matchGlob is a minimal '*'-only glob matcher sufficient for model
// name patterns like "claude-*" or "*"; more elaborate patterns use
// doublestar in internal/bundle's mention resolver.
func matchGlob(pattern, value string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return pattern == value
	}
	parts := strings.Split(pattern, "*")
	if !strings.HasPrefix(value, parts[0]) {
		return false
	}
	rest := value[len(parts[0]):]
	for _, p := range parts[1:] {
		if p == "" {
			continue
		}
		idx := strings.Index(rest, p)
		if idx < 0 {
			return false
		}
		rest = rest[idx+len(p):]
	}
	return true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func timeNow() time.Time { return time.Now() }

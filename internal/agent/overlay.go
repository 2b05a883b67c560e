package agent

import "github.com/amplifier-run/amplifier/internal/session"

// Overlay converts an Agent profile into the session.AgentOverlay the
// spawner applies when a parent session delegates to this agent by
// name: explicitly disabled tools become an exclusion list against the
// parent's mounted tools, and a pinned model becomes a provider/model
// override consulted by the spawner's preference-promotion step.
func (a *Agent) Overlay() session.AgentOverlay {
	overlay := session.AgentOverlay{
		OrchestratorConfig: map[string]any{
			"prompt": a.Prompt,
		},
	}
	if a.Temperature > 0 {
		overlay.OrchestratorConfig["temperature"] = a.Temperature
	}
	if a.TopP > 0 {
		overlay.OrchestratorConfig["top_p"] = a.TopP
	}

	for name, enabled := range a.Tools {
		if name == "*" {
			continue
		}
		if !enabled {
			overlay.ExcludeTools = append(overlay.ExcludeTools, name)
		}
	}

	if a.Model != nil {
		overlay.ProviderOverride = a.Model.ProviderID
		overlay.ModelOverride = a.Model.ModelID
		if a.Model.ProviderID != "" {
			overlay.ProviderPreferences = append(overlay.ProviderPreferences, session.ProviderPreference{
				Provider:  a.Model.ProviderID,
				ModelGlob: "*",
			})
		}
	}

	return overlay
}

// Overlays builds the name -> overlay map the spawner consults on every
// Spawn call, one entry per agent currently registered.
func (r *Registry) Overlays() map[string]session.AgentOverlay {
	overlays := make(map[string]session.AgentOverlay)
	for _, a := range r.List() {
		overlays[a.Name] = a.Overlay()
	}
	return overlays
}

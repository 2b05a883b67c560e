package provider

import (
	"context"
	"fmt"

	"github.com/amplifier-run/amplifier/internal/coordinator"
	"github.com/amplifier-run/amplifier/internal/module"
)

// Module ids a bundle's mount plan can reference under session.providers.
// Each mounts a single Provider instance onto coordinator.MountProviders,
// named after the provider's own ID() so multiple accounts for the same
// backend (e.g. two Anthropic keys under different names) can coexist.
const (
	ModuleAnthropic = "provider-anthropic"
	ModuleOpenAI    = "provider-openai"
	ModuleArk       = "provider-ark"
)

func init() {
	module.Register(ModuleAnthropic, module.TypeProvider, mountAnthropic)
	module.Register(ModuleOpenAI, module.TypeProvider, mountOpenAI)
	module.Register(ModuleArk, module.TypeProvider, mountArk)
}

// stringConfig reads a string field out of a module config map, falling
// back to def when absent or of the wrong type.
func stringConfig(config map[string]any, key, def string) string {
	if v, ok := config[key].(string); ok && v != "" {
		return v
	}
	return def
}

func intConfig(config map[string]any, key string, def int) int {
	switch v := config[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return def
	}
}

func mountAnthropic(ctx context.Context, co *coordinator.Coordinator, config map[string]any) (module.CleanupFunc, error) {
	id := stringConfig(config, "id", "anthropic")
	p, err := NewAnthropicProvider(ctx, &AnthropicConfig{
		ID:        id,
		APIKey:    stringConfig(config, "api_key", ""),
		BaseURL:   stringConfig(config, "base_url", ""),
		Model:     stringConfig(config, "model", ""),
		MaxTokens: intConfig(config, "max_tokens", 8192),
	})
	if err != nil {
		return nil, fmt.Errorf("mounting anthropic provider %q: %w", id, err)
	}
	if err := co.Mount(coordinator.MountProviders, p, p.ID()); err != nil {
		return nil, err
	}
	return nil, nil
}

func mountOpenAI(ctx context.Context, co *coordinator.Coordinator, config map[string]any) (module.CleanupFunc, error) {
	id := stringConfig(config, "id", "openai")
	p, err := NewOpenAIProvider(ctx, &OpenAIConfig{
		ID:        id,
		APIKey:    stringConfig(config, "api_key", ""),
		BaseURL:   stringConfig(config, "base_url", ""),
		Model:     stringConfig(config, "model", ""),
		MaxTokens: intConfig(config, "max_tokens", 4096),
	})
	if err != nil {
		return nil, fmt.Errorf("mounting openai provider %q: %w", id, err)
	}
	if err := co.Mount(coordinator.MountProviders, p, p.ID()); err != nil {
		return nil, err
	}
	return nil, nil
}

func mountArk(ctx context.Context, co *coordinator.Coordinator, config map[string]any) (module.CleanupFunc, error) {
	p, err := NewArkProvider(ctx, &ArkConfig{
		APIKey:    stringConfig(config, "api_key", ""),
		BaseURL:   stringConfig(config, "base_url", ""),
		Model:     stringConfig(config, "model", ""),
		MaxTokens: intConfig(config, "max_tokens", 4096),
	})
	if err != nil {
		return nil, fmt.Errorf("mounting ark provider: %w", err)
	}
	name := stringConfig(config, "id", "ark")
	if err := co.Mount(coordinator.MountProviders, p, name); err != nil {
		return nil, err
	}
	return nil, nil
}

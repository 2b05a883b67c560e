package module

import "strings"

// namingFallback maps a substring of a module id to its module type, in
// priority order. This is a FALLBACK ONLY, used when a
// module declares no explicit type (no manifest, not registered with a
// type) — prefer explicit declaration wherever possible. Deliberately
// excludes "agent": agents are config data, never modules.
var namingFallback = []struct {
	keyword string
	typ     Type
}{
	{"orchestrat", TypeOrchestrator},
	{"loop", TypeOrchestrator},
	{"provider", TypeProvider},
	{"tool", TypeTool},
	{"hook", TypeHook},
	{"context", TypeContext},
}

// guessFromNaming derives a module's type from its id when no explicit
// declaration is available. Defaults to TypeTool.
func guessFromNaming(moduleID string) Type {
	lower := strings.ToLower(moduleID)
	for _, entry := range namingFallback {
		if strings.Contains(lower, entry.keyword) {
			return entry.typ
		}
	}
	return TypeTool
}

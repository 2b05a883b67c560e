package module

import "github.com/agnivade/levenshtein"

// SuggestSimilar returns the closest candidate module id by edit
// distance to moduleID, for "did you mean" hints when resolution
// fails. Returns "" if candidates is empty or nothing is close enough
// to be worth suggesting.
func SuggestSimilar(moduleID string, candidates []string) string {
	best := ""
	bestDist := -1
	for _, c := range candidates {
		if c == moduleID || c == "" {
			continue
		}
		d := levenshtein.ComputeDistance(moduleID, c)
		if bestDist == -1 || d < bestDist {
			bestDist = d
			best = c
		}
	}
	if bestDist < 0 || bestDist > suggestThreshold(moduleID) {
		return ""
	}
	return best
}

// suggestThreshold scales the "close enough" edit-distance cutoff with
// the query's length: a one-letter typo on a four-letter id is a much
// stronger signal than the same raw distance on a long id.
func suggestThreshold(moduleID string) int {
	if len(moduleID) <= 4 {
		return 1
	}
	return 3
}

// knownModuleIDs lists every module id the loader can currently name,
// from both the in-process entry-point registry and anything already
// discovered on disk, as candidates for SuggestSimilar.
func (l *Loader) knownModuleIDs() []string {
	ids := registeredIDs()

	l.mu.Lock()
	for id := range l.info {
		ids = append(ids, id)
	}
	l.mu.Unlock()

	return ids
}

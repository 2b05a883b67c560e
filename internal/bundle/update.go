package bundle

import "fmt"

// RefFetcher is supplied by the app layer: given a source URI, return
// the current remote ref (e.g. a git commit SHA) it resolves to. The
// core never performs network I/O itself.
type RefFetcher func(uri string) (string, error)

// CachedRef is what the update subsystem compares a freshly-fetched
// ref against: the ref a source resolved to the last time it was
// fetched, recorded per source URI.
type CachedRef struct {
	URI string
	Ref string
}

// StatusEntry reports one source's drift: whether its current remote
// ref differs from the cached one. Immutable sources are never
// reported as drifted (they're pinned by definition).
type StatusEntry struct {
	URI        string
	CachedRef  string
	CurrentRef string
	Drifted    bool
}

// CheckStatus is the read-only half of bundle update: it fetches
// remote refs for every mutable source in the bundle (plus its
// includes) and compares them to the cache, without writing anything.
// Grounded on SPEC_FULL.md §4.6 "Bundle update: check_bundle_status is
// read-only... update_bundle is the write path, deliberately
// separated so a UI can render diffs before committing."
func CheckStatus(b Bundle, cached map[string]string, fetch RefFetcher) ([]StatusEntry, error) {
	var statuses []StatusEntry
	for _, src := range append([]Source{b.Source}, b.Includes...) {
		if src.Kind == KindImmutable {
			continue
		}
		current, err := fetch(src.URI)
		if err != nil {
			return nil, fmt.Errorf("fetching ref for %s: %w", src.URI, err)
		}
		cachedRef := cached[src.URI]
		statuses = append(statuses, StatusEntry{
			URI:        src.URI,
			CachedRef:  cachedRef,
			CurrentRef: current,
			Drifted:    cachedRef != current,
		})
	}
	return statuses, nil
}

// Update is the write path: given a status report, it returns the new
// cached-ref map to persist, optionally restricted to a selective
// subset of URIs (selective=nil updates everything that drifted).
// Update itself performs no fetch -- callers run CheckStatus first,
// optionally let a UI filter the selective list, then call Update to
// compute the new cache to persist alongside the actual re-fetch the
// app layer performs.
func Update(statuses []StatusEntry, cached map[string]string, selective []string) map[string]string {
	allow := map[string]bool{}
	for _, uri := range selective {
		allow[uri] = true
	}

	result := make(map[string]string, len(cached))
	for k, v := range cached {
		result[k] = v
	}
	for _, status := range statuses {
		if !status.Drifted {
			continue
		}
		if selective != nil && !allow[status.URI] {
			continue
		}
		result[status.URI] = status.CurrentRef
	}
	return result
}

// MutableOnlyFilter narrows a source list to the mutable ones, the
// set `--mutable-only` update runs operate on.
func MutableOnlyFilter(sources []Source) []Source {
	var mutable []Source
	for _, s := range sources {
		if s.Kind == KindMutable {
			mutable = append(mutable, s)
		}
	}
	return mutable
}

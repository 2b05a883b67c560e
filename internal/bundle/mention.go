package bundle

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// MentionResolver resolves "@namespace:glob/pattern" references inside
// a prompt to concrete files under a bundle's mention-namespace
// mappings. Grounded on SPEC_FULL.md §3's "mention resolution"
// supplemented feature and §4.6 step 7; doublestar (already wired for
// the teacher's own file-glob tool) backs the glob half.
type MentionResolver struct {
	// Mappings is namespace -> base path, e.g. "foundation" ->
	// "/home/user/.amplifier/bundles/foundation".
	Mappings map[string]string
}

// Mention is one parsed @mention reference.
type Mention struct {
	Raw       string
	Namespace string
	Pattern   string
}

// ParseMentions extracts every "@namespace:pattern" token from text.
// A mention token runs from '@' to the next whitespace; namespace and
// pattern are separated by the first ':'.
func ParseMentions(text string) []Mention {
	var mentions []Mention
	for _, field := range strings.Fields(text) {
		if !strings.HasPrefix(field, "@") {
			continue
		}
		body := strings.TrimPrefix(field, "@")
		idx := strings.Index(body, ":")
		if idx < 0 {
			continue
		}
		mentions = append(mentions, Mention{
			Raw:       field,
			Namespace: body[:idx],
			Pattern:   body[idx+1:],
		})
	}
	return mentions
}

// ErrUnknownNamespace is returned when a mention's namespace has no
// registered mapping.
var ErrUnknownNamespace = fmt.Errorf("mention namespace not mapped")

// Resolve expands a mention's glob pattern against its namespace's
// base path, returning matched absolute file paths. It walks the base
// directory and matches each relative path against the pattern with
// doublestar, the same glob engine internal/agent uses for permission
// pattern matching.
func (r MentionResolver) Resolve(m Mention) ([]string, error) {
	base, ok := r.Mappings[m.Namespace]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNamespace, m.Namespace)
	}

	var matches []string
	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(base, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		if ok, _ := doublestar.Match(m.Pattern, rel); ok {
			matches = append(matches, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("matching mention pattern %q under %s: %w", m.Pattern, base, err)
	}
	return matches, nil
}

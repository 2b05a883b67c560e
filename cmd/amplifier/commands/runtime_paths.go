package commands

import (
	"os"
	"path/filepath"

	"github.com/amplifier-run/amplifier/internal/settings"
)

// amplifierHome returns ~/.amplifier, the root every session store,
// bundle registry and install-state file in this package is rooted
// under.
func amplifierHome() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".amplifier"), nil
}

// projectSlugForCwd derives the project slug Store/Settings expect from
// the current working directory.
func projectSlugForCwd() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return settings.ProjectSlug(dir), nil
}

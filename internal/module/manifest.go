package module

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// manifestFile is the file every filesystem-discoverable module root
// must contain. It is the Go-native stand-in for a Python package's
// __init__.py plus its __amplifier_module_type__ attribute: a single
// declarative file the loader can read without executing any code.
const manifestFile = "amplifier-module.json"

// manifest is a module's on-disk self-description.
type manifest struct {
	ID          string `json:"id"`
	Type        Type   `json:"type"`
	Description string `json:"description"`
	Version     string `json:"version"`

	// MCPCommand, if set, declares this module as an external MCP
	// server providing tools: the loader wraps it with internal/mcp
	// rather than expecting an in-process Go registration.
	MCPCommand string   `json:"mcp_command,omitempty"`
	MCPArgs    []string `json:"mcp_args,omitempty"`
}

// findPackageDir locates the directory holding a module's manifest.
// Module roots are laid out as:
//
//	amplifier-module-xyz/
//	    amplifier-module.json
//	    (other module files)
//
// or, for a root that is itself the package, the manifest sits directly
// in modulePath. This mirrors the Python loader's amplifier_module_*
// package-directory search, with __init__.py replaced by the manifest
// file (Go has no equivalent of importing a directory as a package).
func findPackageDir(moduleID, modulePath string) (string, error) {
	if _, err := os.Stat(filepath.Join(modulePath, manifestFile)); err == nil {
		return modulePath, nil
	}

	candidate := filepath.Join(modulePath, "amplifier-module-"+moduleID)
	if _, err := os.Stat(filepath.Join(candidate, manifestFile)); err == nil {
		return candidate, nil
	}

	entries, err := os.ReadDir(modulePath)
	if err != nil {
		return "", fmt.Errorf("module '%s' has no valid package at %s", moduleID, modulePath)
	}
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "amplifier-module-") {
			continue
		}
		sub := filepath.Join(modulePath, entry.Name())
		if _, err := os.Stat(filepath.Join(sub, manifestFile)); err == nil {
			return sub, nil
		}
	}

	return "", fmt.Errorf("module '%s' has no valid package at %s", moduleID, modulePath)
}

// readManifest loads and parses a module's manifest file.
func readManifest(packagePath string) (*manifest, error) {
	data, err := os.ReadFile(filepath.Join(packagePath, manifestFile))
	if err != nil {
		return nil, err
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", manifestFile, err)
	}
	return &m, nil
}

package module

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// ValidateVersionConstraint checks a module's declared version against
// an optional semver constraint carried in its mount config under the
// "version" key (e.g. ">=1.2.0, <2.0.0"), per ModuleInfo's version
// field. A missing constraint or declared version is not an error --
// most modules never pin one, and the loader's naming-convention
// fallback has no version to check either.
func ValidateVersionConstraint(moduleID, declaredVersion string, config map[string]any) error {
	raw, ok := config["version"]
	if !ok {
		return nil
	}
	constraintStr, ok := raw.(string)
	if !ok || constraintStr == "" {
		return nil
	}
	if declaredVersion == "" {
		return fmt.Errorf("module %q declares no version but the mount plan requires %q", moduleID, constraintStr)
	}

	constraint, err := semver.NewConstraint(constraintStr)
	if err != nil {
		return fmt.Errorf("module %q version constraint %q is invalid: %w", moduleID, constraintStr, err)
	}
	v, err := semver.NewVersion(declaredVersion)
	if err != nil {
		return fmt.Errorf("module %q declares invalid version %q: %w", moduleID, declaredVersion, err)
	}
	if !constraint.Check(v) {
		return fmt.Errorf("module %q version %s does not satisfy constraint %q", moduleID, declaredVersion, constraintStr)
	}
	return nil
}

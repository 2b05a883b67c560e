package commands

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/amplifier-run/amplifier/internal/module"
	"github.com/amplifier-run/amplifier/internal/settings"
)

var moduleCmd = &cobra.Command{
	Use:   "module",
	Short: "Discover, validate and override modules",
}

var moduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every module discoverable via entry points or search paths",
	RunE:  runModuleList,
}

var moduleValidateCmd = &cobra.Command{
	Use:   "validate <module-id>",
	Short: "Resolve and validate a module without mounting it",
	Args:  cobra.ExactArgs(1),
	RunE:  runModuleValidate,
}

var moduleOverrideScope string

var moduleOverrideCmd = &cobra.Command{
	Use:   "override <module-id> <source> [key=value ...]",
	Short: "Pin a module to an explicit source, with optional config",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runModuleOverride,
}

func init() {
	moduleOverrideCmd.Flags().StringVar(&moduleOverrideScope, "scope", "project", "settings scope to write the override into (global|project|local)")

	moduleCmd.AddCommand(moduleListCmd)
	moduleCmd.AddCommand(moduleValidateCmd)
	moduleCmd.AddCommand(moduleOverrideCmd)
}

func newModuleLoader() *module.Loader {
	var searchPaths []string
	if env := os.Getenv("AMPLIFIER_MODULES"); env != "" {
		searchPaths = strings.Split(env, ":")
	}
	return module.New(nil, searchPaths)
}

func runModuleList(cmd *cobra.Command, args []string) error {
	loader := newModuleLoader()
	for _, info := range loader.Discover() {
		fmt.Printf("%s\ttype=%s\tmount=%s\n", info.ID, info.Type, info.MountPoint)
	}
	return nil
}

func runModuleValidate(cmd *cobra.Command, args []string) error {
	loader := newModuleLoader()
	if _, err := loader.Load(context.Background(), args[0], nil, nil); err != nil {
		return fmt.Errorf("module %q failed validation: %w", args[0], err)
	}
	fmt.Printf("%s: ok\n", args[0])
	return nil
}

func runModuleOverride(cmd *cobra.Command, args []string) error {
	moduleID, source, kvArgs := args[0], args[1], args[2:]

	config := map[string]any{}
	for _, kv := range kvArgs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("invalid key=value pair %q", kv)
		}
		config[k] = v
	}
	if len(config) == 0 {
		config = nil
	}

	scope := settings.Scope(moduleOverrideScope)
	paths, err := projectSettingsPaths()
	if err != nil {
		return err
	}
	return settings.WriteModuleOverride(scope, paths, moduleID, source, config)
}

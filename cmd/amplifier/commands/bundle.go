package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/amplifier-run/amplifier/internal/bundle"
	"github.com/amplifier-run/amplifier/internal/settings"
)

var bundleCmd = &cobra.Command{
	Use:   "bundle",
	Short: "List, add, select and update bundles",
}

var bundleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every registered bundle",
	RunE:  runBundleList,
}

var bundleShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show a bundle's registered source",
	Args:  cobra.ExactArgs(1),
	RunE:  runBundleShow,
}

var bundleAddCmd = &cobra.Command{
	Use:   "add <name> <uri>",
	Short: "Register a bundle source",
	Args:  cobra.ExactArgs(2),
	RunE:  runBundleAdd,
}

var bundleMutable bool

var bundleUseCmd = &cobra.Command{
	Use:   "use <name>",
	Short: "Set the active bundle for the current project",
	Args:  cobra.ExactArgs(1),
	RunE:  runBundleUse,
}

var bundleCurrentCmd = &cobra.Command{
	Use:   "current",
	Short: "Print the active bundle for the current project",
	RunE:  runBundleCurrent,
}

var bundleClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear the active bundle for the current project",
	RunE:  runBundleClear,
}

var bundleUpdateCmd = &cobra.Command{
	Use:   "update <name>",
	Short: "Check a mutable bundle's cached ref against its remote",
	Args:  cobra.ExactArgs(1),
	RunE:  runBundleUpdate,
}

func init() {
	bundleAddCmd.Flags().BoolVar(&bundleMutable, "mutable", false, "source is a mutable (branch-tracking) ref rather than a pinned/immutable one")

	bundleCmd.AddCommand(bundleListCmd)
	bundleCmd.AddCommand(bundleShowCmd)
	bundleCmd.AddCommand(bundleAddCmd)
	bundleCmd.AddCommand(bundleUseCmd)
	bundleCmd.AddCommand(bundleCurrentCmd)
	bundleCmd.AddCommand(bundleClearCmd)
	bundleCmd.AddCommand(bundleUpdateCmd)
}

func openBundleRegistry() (*bundle.Registry, error) {
	home, err := amplifierHome()
	if err != nil {
		return nil, err
	}
	return bundle.NewRegistry(nil, filepath.Join(home, "bundles.json")), nil
}

func projectSettingsPaths() (settings.Paths, error) {
	dir, err := os.Getwd()
	if err != nil {
		return settings.Paths{}, err
	}
	return settings.DefaultPaths(dir)
}

func runBundleList(cmd *cobra.Command, args []string) error {
	reg, err := openBundleRegistry()
	if err != nil {
		return err
	}
	for _, name := range reg.List() {
		fmt.Println(name)
	}
	return nil
}

func runBundleShow(cmd *cobra.Command, args []string) error {
	reg, err := openBundleRegistry()
	if err != nil {
		return err
	}
	src, err := reg.Load(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("uri:  %s\n", src.URI)
	fmt.Printf("kind: %s\n", sourceKindName(src.Kind))
	return nil
}

func sourceKindName(k bundle.SourceKind) string {
	if k == bundle.KindMutable {
		return "mutable"
	}
	return "immutable"
}

func runBundleAdd(cmd *cobra.Command, args []string) error {
	reg, err := openBundleRegistry()
	if err != nil {
		return err
	}
	kind := bundle.KindImmutable
	if bundleMutable {
		kind = bundle.KindMutable
	}
	return reg.Add(args[0], bundle.Source{URI: args[1], Kind: kind})
}

func runBundleUse(cmd *cobra.Command, args []string) error {
	reg, err := openBundleRegistry()
	if err != nil {
		return err
	}
	if _, err := reg.Load(args[0]); err != nil {
		return err
	}
	paths, err := projectSettingsPaths()
	if err != nil {
		return err
	}
	return settings.SetBundleActive(settings.ScopeProject, paths, args[0])
}

func runBundleCurrent(cmd *cobra.Command, args []string) error {
	paths, err := projectSettingsPaths()
	if err != nil {
		return err
	}
	s, err := settings.Load(paths)
	if err != nil {
		return err
	}
	active := s.Resolve().BundleActive
	if active == "" {
		fmt.Println("no active bundle")
		return nil
	}
	fmt.Println(active)
	return nil
}

func runBundleClear(cmd *cobra.Command, args []string) error {
	paths, err := projectSettingsPaths()
	if err != nil {
		return err
	}
	return settings.ClearBundleActive(settings.ScopeProject, paths)
}

func runBundleUpdate(cmd *cobra.Command, args []string) error {
	reg, err := openBundleRegistry()
	if err != nil {
		return err
	}
	src, err := reg.Load(args[0])
	if err != nil {
		return err
	}
	if src.Kind != bundle.KindMutable {
		fmt.Printf("%s is immutable; nothing to update\n", args[0])
		return nil
	}
	fmt.Printf("%s tracks %s; checking for updates requires a configured ref fetcher, not available from the CLI standalone\n", args[0], src.URI)
	return nil
}

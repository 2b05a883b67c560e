package commands

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/amplifier-run/amplifier/internal/bundle"
	"github.com/amplifier-run/amplifier/internal/session"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect and manage persisted sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions for the current project, most recent first",
	RunE:  runSessionList,
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show a session's metadata and transcript",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionShow,
}

var sessionResumeCmd = &cobra.Command{
	Use:   "resume <session-id> <instruction>",
	Short: "Resume a persisted session and run another turn",
	Args:  cobra.ExactArgs(2),
	RunE:  runSessionResume,
}

var sessionForkCmd = &cobra.Command{
	Use:   "fork <session-id>",
	Short: "Fork a session's transcript into a new session id",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionFork,
}

var sessionDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete a persisted session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionDelete,
}

var sessionCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete sessions older than --older-than",
	RunE:  runSessionCleanup,
}

var sessionCleanupOlderThan time.Duration
var sessionResumePlanPath string

func init() {
	sessionCleanupCmd.Flags().DurationVar(&sessionCleanupOlderThan, "older-than", 30*24*time.Hour, "delete sessions created before this long ago")
	sessionResumeCmd.Flags().StringVar(&sessionResumePlanPath, "plan", "", "path to a YAML mount plan to reconstruct the session from (required)")
	sessionResumeCmd.MarkFlagRequired("plan")

	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionResumeCmd)
	sessionCmd.AddCommand(sessionForkCmd)
	sessionCmd.AddCommand(sessionDeleteCmd)
	sessionCmd.AddCommand(sessionCleanupCmd)
}

func openSessionStore() (*session.Store, error) {
	home, err := amplifierHome()
	if err != nil {
		return nil, err
	}
	slug, err := projectSlugForCwd()
	if err != nil {
		return nil, err
	}
	return session.NewStore(home, slug), nil
}

func runSessionList(cmd *cobra.Command, args []string) error {
	store, err := openSessionStore()
	if err != nil {
		return err
	}
	ids, err := store.ListSessions()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Println("no sessions")
		return nil
	}
	for _, id := range ids {
		_, meta, err := store.Load(id)
		if err != nil {
			fmt.Printf("%s\t(unreadable: %v)\n", id, err)
			continue
		}
		fmt.Printf("%s\t%s\tturns=%d\tbundle=%s\n", id, meta.Created, meta.TurnCount, meta.Bundle)
	}
	return nil
}

func runSessionShow(cmd *cobra.Command, args []string) error {
	store, err := openSessionStore()
	if err != nil {
		return err
	}
	transcript, meta, err := store.Load(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("session:      %s\n", meta.SessionID)
	if meta.ParentID != "" {
		fmt.Printf("parent:       %s\n", meta.ParentID)
	}
	fmt.Printf("created:      %s\n", meta.Created)
	fmt.Printf("bundle:       %s\n", meta.Bundle)
	fmt.Printf("turn count:   %d\n", meta.TurnCount)
	fmt.Println("transcript:")
	for _, m := range transcript {
		fmt.Printf("  [%s] %s\n", m.Role, m.Content)
	}
	return nil
}

func runSessionResume(cmd *cobra.Command, args []string) error {
	if sessionResumePlanPath == "" {
		return fmt.Errorf("--plan is required: resume reconstructs a session's module mounts from a YAML mount plan, it cannot infer one")
	}
	raw, err := os.ReadFile(sessionResumePlanPath)
	if err != nil {
		return fmt.Errorf("reading mount plan %q: %w", sessionResumePlanPath, err)
	}
	var planDoc map[string]any
	if err := yaml.Unmarshal(raw, &planDoc); err != nil {
		return fmt.Errorf("parsing mount plan %q: %w", sessionResumePlanPath, err)
	}
	plan, err := bundle.ParseMountPlan(planDoc)
	if err != nil {
		return fmt.Errorf("mount plan %q: %w", sessionResumePlanPath, err)
	}

	store, err := openSessionStore()
	if err != nil {
		return err
	}

	var searchPaths []string
	if env := os.Getenv("AMPLIFIER_MODULES"); env != "" {
		searchPaths = strings.Split(env, ":")
	}
	sp := &session.Spawner{Store: store, SearchPaths: searchPaths}

	result, err := sp.Resume(context.Background(), args[0], args[1], plan)
	if err != nil {
		return fmt.Errorf("resuming session %q: %w", args[0], err)
	}
	fmt.Println(result.Response)
	return nil
}

func runSessionFork(cmd *cobra.Command, args []string) error {
	store, err := openSessionStore()
	if err != nil {
		return err
	}
	newID := uuid.New().String()
	if err := store.Fork(args[0], newID, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	fmt.Println(newID)
	return nil
}

func runSessionDelete(cmd *cobra.Command, args []string) error {
	store, err := openSessionStore()
	if err != nil {
		return err
	}
	return store.Delete(args[0])
}

func runSessionCleanup(cmd *cobra.Command, args []string) error {
	store, err := openSessionStore()
	if err != nil {
		return err
	}
	removed, err := store.Cleanup(sessionCleanupOlderThan)
	if err != nil {
		return err
	}
	fmt.Printf("removed %d session(s)\n", len(removed))
	for _, id := range removed {
		fmt.Println(" ", id)
	}
	return nil
}

package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/amplifier-run/amplifier/internal/coordinator"
	"github.com/amplifier-run/amplifier/internal/hooks"
	"github.com/amplifier-run/amplifier/internal/logging"
	"github.com/amplifier-run/amplifier/internal/module"
)

// Status tracks a session's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// ModuleSpec is the wire format for one entry in a mount plan:
// {module, source?, config?}. The core validates only that Module is
// non-empty; module-specific config is the module's own contract.
type ModuleSpec struct {
	Module string
	Source string
	Config map[string]any
}

// MountPlan is the fully-resolved, composed configuration a session is
// constructed from: exactly one orchestrator and one context module,
// plus zero-or-more providers/tools/hooks, and agent entries that are
// data (never mounted as modules).
type MountPlan struct {
	Orchestrator ModuleSpec
	Context      ModuleSpec
	Providers    []ModuleSpec
	Tools        []ModuleSpec
	Hooks        []ModuleSpec
	Agents       map[string]map[string]any // data only, never mounted
}

// Orchestrator is the contract a mounted orchestrator module must
// satisfy: it receives the prompt plus every collaborator the
// coordinator knows about and returns the final response string.
type Orchestrator interface {
	Run(ctx context.Context, prompt string, cm coordinator.ContextManager, providers, tools map[string]any, hk *hooks.Registry, co *coordinator.Coordinator) (string, error)
}

// AmplifierSession is the kernel's unit of execution: one coordinator,
// one loader, a lazily-initialized mount plan, and turn-tracking
// status. Grounded on
// original_source/.../amplifier_core/session.py -- the Python
// AmplifierSession class with the same construct/initialize/execute/
// cleanup shape, generalized to Go's explicit-error-return idiom in
// place of exceptions.
type AmplifierSession struct {
	mu sync.Mutex

	SessionID string
	ParentID  string
	TraceID   string
	IsResumed bool

	plan MountPlan

	Coordinator *coordinator.Coordinator
	Loader      *module.Loader

	initialized bool
	status      Status
	turnCount   int

	orchestrator Orchestrator

	bundleContext BundleContext
}

// Config seeds a new AmplifierSession.
type Config struct {
	SessionID      string
	ParentID       string
	TraceID        string
	IsResumed      bool
	Plan           MountPlan
	ApprovalSystem coordinator.ApprovalSystem
	DisplaySystem  coordinator.DisplaySystem
	SearchPaths    []string
	BundleContext  BundleContext
}

// ErrInvalidMountPlan is returned by New when the plan is missing a
// required orchestrator or context entry.
var ErrInvalidMountPlan = fmt.Errorf("mount plan must declare both an orchestrator and a context module")

// New constructs an AmplifierSession. Construction only validates the
// plan shape and wires the coordinator + loader; it does not mount
// anything yet -- mounting happens lazily on the first Execute, per
// the core's I-SESSION-LAZY-INIT invariant.
func New(cfg Config) (*AmplifierSession, error) {
	if cfg.Plan.Orchestrator.Module == "" || cfg.Plan.Context.Module == "" {
		return nil, ErrInvalidMountPlan
	}

	co := coordinator.New(coordinator.Config{
		SessionID:      cfg.SessionID,
		ParentID:       cfg.ParentID,
		ApprovalSystem: cfg.ApprovalSystem,
		DisplaySystem:  cfg.DisplaySystem,
	})

	return &AmplifierSession{
		SessionID:     cfg.SessionID,
		ParentID:      cfg.ParentID,
		TraceID:       cfg.TraceID,
		IsResumed:     cfg.IsResumed,
		plan:          cfg.Plan,
		Coordinator:   co,
		Loader:        module.New(co, cfg.SearchPaths),
		status:        StatusPending,
		bundleContext: cfg.BundleContext,
	}, nil
}

// NewChildSessionID computes a sub-session id per the W3C-Trace-
// Context-like convention: {parent_id}-{16-hex span}_{agent_name}.
func NewChildSessionID(parentID, agentName string) string {
	span := strings.ReplaceAll(uuid.New().String(), "-", "")[:16]
	return fmt.Sprintf("%s-%s_%s", parentID, span, agentName)
}

// initialize lazily loads the mount plan in the required order:
// orchestrator and context are required (failure aborts); providers,
// tools, and hooks are best-effort (individual failures are logged,
// not fatal).
func (s *AmplifierSession) initialize(ctx context.Context) error {
	if s.initialized {
		return nil
	}

	if err := s.mountRequired(ctx, s.plan.Orchestrator, coordinator.MountOrchestrator); err != nil {
		return fmt.Errorf("loading orchestrator %q: %w", s.plan.Orchestrator.Module, err)
	}
	orch, err := s.Coordinator.Get(coordinator.MountOrchestrator, "")
	if err != nil {
		return fmt.Errorf("retrieving mounted orchestrator: %w", err)
	}
	typed, ok := orch.(Orchestrator)
	if !ok {
		return fmt.Errorf("module %q mounted at orchestrator does not implement session.Orchestrator", s.plan.Orchestrator.Module)
	}
	s.orchestrator = typed

	if err := s.mountRequired(ctx, s.plan.Context, coordinator.MountContext); err != nil {
		return fmt.Errorf("loading context manager %q: %w", s.plan.Context.Module, err)
	}

	for _, spec := range s.plan.Providers {
		s.mountBestEffort(ctx, spec, coordinator.MountProviders)
	}
	s.selfHealProviders(ctx)

	for _, spec := range s.plan.Tools {
		s.mountBestEffort(ctx, spec, coordinator.MountTools)
	}
	for _, spec := range s.plan.Hooks {
		s.mountHookBestEffort(ctx, spec)
	}

	s.initialized = true

	if s.ParentID != "" {
		logging.Logger.Info().Str("session_id", s.SessionID).Str("parent", s.ParentID).Msg("session:fork")
	}
	if s.IsResumed {
		logging.Logger.Info().Str("session_id", s.SessionID).Msg("session:resume")
	} else {
		logging.Logger.Info().Str("session_id", s.SessionID).Msg("session:start")
	}

	return nil
}

func (s *AmplifierSession) mountRequired(ctx context.Context, spec ModuleSpec, mountPoint string) error {
	fn, err := s.Loader.Load(ctx, spec.Module, spec.Config, spec.Source)
	if err != nil {
		return err
	}
	cleanup, err := fn(ctx, s.Coordinator, spec.Config)
	if err != nil {
		return err
	}
	if cleanup != nil {
		s.Coordinator.RegisterCleanup(coordinator.CleanupFunc(cleanup))
	}
	return nil
}

func (s *AmplifierSession) mountBestEffort(ctx context.Context, spec ModuleSpec, mountPoint string) {
	fn, err := s.Loader.Load(ctx, spec.Module, spec.Config, spec.Source)
	if err != nil {
		logging.Logger.Warn().Str("module", spec.Module).Str("mount_point", mountPoint).Err(err).Msg("module load failed, continuing without it")
		return
	}
	cleanup, err := fn(ctx, s.Coordinator, spec.Config)
	if err != nil {
		logging.Logger.Warn().Str("module", spec.Module).Str("mount_point", mountPoint).Err(err).Msg("module mount failed, continuing without it")
		return
	}
	if cleanup != nil {
		s.Coordinator.RegisterCleanup(coordinator.CleanupFunc(cleanup))
	}
}

// selfHealProviders implements the loader's self-healing contract: if
// a bundle configured one or more providers but none of them surfaced
// on the coordinator after mounting (most likely stale install
// state), invalidate all install state and retry mounting every
// configured provider exactly once. Still-failing providers after the
// retry are logged and the session continues with whatever succeeded.
func (s *AmplifierSession) selfHealProviders(ctx context.Context) {
	if len(s.plan.Providers) == 0 {
		return
	}
	mounted, err := s.Coordinator.Get(coordinator.MountProviders, "")
	if err != nil {
		return
	}
	providers, _ := mounted.(map[string]any)
	if len(providers) > 0 {
		return
	}

	logging.Logger.Warn().Str("session_id", s.SessionID).Int("configured", len(s.plan.Providers)).
		Msg("configured providers failed to surface, invalidating install state and retrying mount once")
	if err := s.Loader.SelfHeal(); err != nil {
		logging.Logger.Warn().Str("session_id", s.SessionID).Err(err).Msg("self-heal failed, continuing without providers")
		return
	}
	for _, spec := range s.plan.Providers {
		s.mountBestEffort(ctx, spec, coordinator.MountProviders)
	}
}

// mountHookBestEffort mounts a hook module: hook modules are expected
// to register themselves against s.Coordinator.Hooks from inside their
// MountFunc, there is no separate "hooks" mount point on the
// coordinator (hooks live in the registry, not the mount-point map).
func (s *AmplifierSession) mountHookBestEffort(ctx context.Context, spec ModuleSpec) {
	fn, err := s.Loader.Load(ctx, spec.Module, spec.Config, spec.Source)
	if err != nil {
		logging.Logger.Warn().Str("module", spec.Module).Err(err).Msg("hook module load failed, continuing without it")
		return
	}
	cleanup, err := fn(ctx, s.Coordinator, spec.Config)
	if err != nil {
		logging.Logger.Warn().Str("module", spec.Module).Err(err).Msg("hook module mount failed, continuing without it")
		return
	}
	if cleanup != nil {
		s.Coordinator.RegisterCleanup(coordinator.CleanupFunc(cleanup))
	}
}

// Execute runs one turn. It lazily initializes on the first call.
// Cancellation is checked cooperatively by the orchestrator at its own
// suspension points; Execute itself only reflects the resulting status.
func (s *AmplifierSession) Execute(ctx context.Context, prompt string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		if err := s.initialize(ctx); err != nil {
			s.status = StatusFailed
			return "", err
		}
	}
	s.status = StatusRunning

	cm, err := s.Coordinator.Get(coordinator.MountContext, "")
	if err != nil {
		s.status = StatusFailed
		return "", fmt.Errorf("retrieving context manager: %w", err)
	}
	contextManager, ok := cm.(coordinator.ContextManager)
	if !ok {
		s.status = StatusFailed
		return "", fmt.Errorf("mounted context module does not implement ContextManager")
	}

	providers := s.namedMount(coordinator.MountProviders)
	tools := s.namedMount(coordinator.MountTools)

	result, err := s.orchestrator.Run(ctx, prompt, contextManager, providers, tools, s.Coordinator.Hooks, s.Coordinator)
	s.turnCount++

	if s.Coordinator.Cancellation.IsCancelled() {
		s.status = StatusCancelled
		was := s.Coordinator.Cancellation.IsImmediate()
		logging.Logger.Info().Str("session_id", s.SessionID).Bool("was_immediate", was).Msg("cancel:completed")
		return result, err
	}

	if err != nil {
		s.status = StatusFailed
		return result, err
	}
	s.status = StatusCompleted
	return result, nil
}

// namedMount is a placeholder collector: the coordinator does not
// expose raw maps of mounted providers/tools (Get requires a name), so
// orchestrators that need the full set register a contribution channel
// instead. This always returns an empty map; single-provider/single-tool
// orchestrators (the common case) resolve what they need directly via
// Coordinator.Get.
func (s *AmplifierSession) namedMount(mountPoint string) map[string]any {
	return map[string]any{}
}

// Status reports the session's current lifecycle status.
func (s *AmplifierSession) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// TurnCount reports how many Execute calls have completed.
func (s *AmplifierSession) TurnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turnCount
}

// BundleContextSnapshot returns the frozen bundle context this session was
// constructed with, used when persisting metadata for later resume.
func (s *AmplifierSession) BundleContextSnapshot() BundleContext {
	return s.bundleContext
}

// Cleanup runs the coordinator's registered cleanup functions
// (including the loader's own, if the loader registered one) and
// returns the first error encountered, continuing through the rest
// regardless.
func (s *AmplifierSession) Cleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Loader.Cleanup()
	return s.Coordinator.Cleanup()
}

// NowISO8601Millis formats a time.Time the way metadata.created expects:
// ISO 8601 UTC with millisecond precision.
func NowISO8601Millis(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

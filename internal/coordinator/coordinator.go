// Package coordinator implements the module coordination system that
// sits at the heart of every Amplifier session: mount points for module
// attachment, a capability registry for inter-module communication,
// contribution channels for aggregation, cooperative cancellation, and
// routing of hook outcomes to the subsystems that act on them.
//
// This embodies a "minimal context plumbing" philosophy: the
// coordinator hands modules the identifiers and basic state needed to
// make module boundaries work, without deciding policy on their behalf.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/amplifier-run/amplifier/internal/cancellation"
	"github.com/amplifier-run/amplifier/internal/hooks"
	"github.com/amplifier-run/amplifier/internal/logging"
)

// Single-instance mount point names.
const (
	MountOrchestrator = "orchestrator"
	MountContext      = "context"
	MountSourceResolver = "module-source-resolver"
)

// Multi-instance mount point names.
const (
	MountProviders = "providers"
	MountTools     = "tools"
)

// ErrUnknownMountPoint is returned when a caller names a mount point the
// coordinator doesn't recognize.
var ErrUnknownMountPoint = errors.New("unknown mount point")

// ErrNameRequired is returned when mounting/unmounting/fetching from a
// multi-instance mount point without a name.
var ErrNameRequired = errors.New("name required for this mount point")

// Named is implemented by modules that can supply their own mount name
// (mirroring modules exposing a `.name` attribute).
type Named interface {
	Name() string
}

// ContextManager is the mount-point contract for conversation state. It
// is deliberately narrow: the coordinator only needs to append
// hook-injected messages to it.
type ContextManager interface {
	AddMessage(ctx context.Context, message Message) error
}

// Message is a minimal role/content/metadata record, matching the shape
// hook-injected context takes before it reaches a richer session
// context implementation.
type Message struct {
	Role     string
	Content  string
	Metadata map[string]any
}

// ApprovalDecision is what an ApprovalSystem returns for a request.
type ApprovalDecision string

const (
	ApprovalAllowOnce   ApprovalDecision = "allow_once"
	ApprovalAllowAlways ApprovalDecision = "allow_always"
	ApprovalDeny        ApprovalDecision = "deny"
)

// ErrApprovalTimeout is returned by an ApprovalSystem when no decision
// arrives within the requested timeout.
var ErrApprovalTimeout = errors.New("approval request timed out")

// ApprovalSystem is the app-layer policy for ask_user hook outcomes.
// The kernel only defines the contract; CLI/UI layers supply it.
type ApprovalSystem interface {
	RequestApproval(ctx context.Context, prompt string, options []string, timeout time.Duration, def string) (ApprovalDecision, error)
}

// DisplaySystem is the app-layer policy for surfacing hook-originated
// user messages.
type DisplaySystem interface {
	ShowMessage(message, level, source string)
}

// CleanupFunc is registered to run during Coordinator.Cleanup, in
// reverse registration order.
type CleanupFunc func() error

// Contributor is a named callback registered against a named channel.
// Contributions are collected without the coordinator interpreting
// their shape or meaning.
type Contributor struct {
	Name     string
	Callback func(ctx context.Context) (any, error)
}

// Coordinator is the central coordination and infrastructure context
// shared by every module mounted into a session.
type Coordinator struct {
	mu sync.RWMutex

	sessionID string
	parentID  string

	orchestrator   any
	providers      map[string]any
	tools          map[string]any
	contextManager ContextManager
	sourceResolver any

	Hooks *hooks.Registry

	cleanupFuncs []CleanupFunc
	capabilities map[string]any
	channels     map[string][]Contributor

	Cancellation *cancellation.Token

	ApprovalSystem ApprovalSystem
	DisplaySystem  DisplaySystem

	// InjectionSizeLimit, if non-zero, hard-fails a single context
	// injection whose content exceeds this many bytes.
	InjectionSizeLimit int
	// InjectionBudgetPerTurn, if non-zero, soft-warns (but still
	// applies) when a turn's cumulative injected tokens would exceed
	// it. Token count is estimated as len(content)/4.
	InjectionBudgetPerTurn int

	turnInjectedTokens int
}

// Config seeds a new Coordinator.
type Config struct {
	SessionID      string
	ParentID       string
	ApprovalSystem ApprovalSystem
	DisplaySystem  DisplaySystem
}

// New constructs a Coordinator for a session. A nil ApprovalSystem means
// ask_user hook outcomes resolve to deny; a nil DisplaySystem means
// hook-originated user messages are logged instead of displayed. Both
// are logged as warnings, matching the "kernel doesn't decide fallback
// policy" stance: the coordinator still has to pick SOMETHING to do
// when no policy was supplied.
func New(cfg Config) *Coordinator {
	c := &Coordinator{
		sessionID:      cfg.SessionID,
		parentID:       cfg.ParentID,
		providers:      make(map[string]any),
		tools:          make(map[string]any),
		Hooks:          hooks.New(),
		capabilities:   make(map[string]any),
		channels:       make(map[string][]Contributor),
		Cancellation:   cancellation.New(),
		ApprovalSystem: cfg.ApprovalSystem,
		DisplaySystem:  cfg.DisplaySystem,
	}
	if c.ApprovalSystem == nil {
		logging.Logger.Warn().Msg("no approval system provided - approval requests will fail")
	}
	if c.DisplaySystem == nil {
		logging.Logger.Warn().Msg("no display system provided - hook messages will be logged only")
	}
	return c
}

// SessionID returns the owning session's identifier.
func (c *Coordinator) SessionID() string { return c.sessionID }

// ParentID returns the parent session's identifier, empty for a
// top-level session.
func (c *Coordinator) ParentID() string { return c.parentID }

// Mount attaches module at mountPoint. For multi-instance mount points
// (providers, tools) name is required unless module implements Named.
func (c *Coordinator) Mount(mountPoint string, module any, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch mountPoint {
	case MountOrchestrator:
		if c.orchestrator != nil {
			logging.Logger.Warn().Msg("replacing existing orchestrator")
		}
		c.orchestrator = module
	case MountContext:
		cm, ok := module.(ContextManager)
		if !ok {
			return fmt.Errorf("module mounted at %q does not implement ContextManager", mountPoint)
		}
		if c.contextManager != nil {
			logging.Logger.Warn().Msg("replacing existing context manager")
		}
		c.contextManager = cm
	case MountSourceResolver:
		if c.sourceResolver != nil {
			logging.Logger.Warn().Msg("replacing existing module source resolver")
		}
		c.sourceResolver = module
	case MountProviders, MountTools:
		if name == "" {
			if n, ok := module.(Named); ok {
				name = n.Name()
			} else {
				return ErrNameRequired
			}
		}
		target := c.tools
		if mountPoint == MountProviders {
			target = c.providers
		}
		target[name] = module
	case "hooks":
		return errors.New("hooks must be registered directly with the hook registry")
	default:
		return fmt.Errorf("%w: %s", ErrUnknownMountPoint, mountPoint)
	}
	return nil
}

// Unmount detaches a module from mountPoint.
func (c *Coordinator) Unmount(mountPoint, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch mountPoint {
	case MountOrchestrator:
		c.orchestrator = nil
	case MountContext:
		c.contextManager = nil
	case MountSourceResolver:
		c.sourceResolver = nil
	case MountProviders:
		if name == "" {
			return ErrNameRequired
		}
		delete(c.providers, name)
	case MountTools:
		if name == "" {
			return ErrNameRequired
		}
		delete(c.tools, name)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownMountPoint, mountPoint)
	}
	return nil
}

// Get fetches a mounted module. For providers/tools, an empty name
// returns the whole map.
func (c *Coordinator) Get(mountPoint, name string) (any, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch mountPoint {
	case MountOrchestrator:
		return c.orchestrator, nil
	case MountContext:
		return c.contextManager, nil
	case MountSourceResolver:
		return c.sourceResolver, nil
	case MountProviders:
		if name == "" {
			return c.providers, nil
		}
		return c.providers[name], nil
	case MountTools:
		if name == "" {
			return c.tools, nil
		}
		return c.tools[name], nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMountPoint, mountPoint)
	}
}

// RegisterCleanup queues a function to run during Cleanup.
func (c *Coordinator) RegisterCleanup(fn CleanupFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanupFuncs = append(c.cleanupFuncs, fn)
}

// RegisterCapability exposes value under name for other modules to
// discover via GetCapability, without creating a direct dependency
// between them.
func (c *Coordinator) RegisterCapability(name string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.capabilities[name] = value
	logging.Logger.Debug().Str("capability", name).Msg("registered capability")
}

// GetCapability looks up a previously registered capability.
func (c *Coordinator) GetCapability(name string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.capabilities[name]
	return v, ok
}

// RegisterContributor adds a named callback to channel. The coordinator
// never interprets a channel's name or the shape of its contributions.
func (c *Coordinator) RegisterContributor(channel, name string, callback func(ctx context.Context) (any, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels[channel] = append(c.channels[channel], Contributor{Name: name, Callback: callback})
	logging.Logger.Debug().Str("channel", channel).Str("contributor", name).Msg("registered contributor")
}

// CollectContributions runs every contributor on channel in
// registration order and returns the non-nil results. A contributor
// whose context is cancelled stops the collection (the cancellation
// signal is honored and whatever was collected so far is returned); any
// other contributor error is logged and skipped.
func (c *Coordinator) CollectContributions(ctx context.Context, channel string) []any {
	c.mu.RLock()
	contributors := make([]Contributor, len(c.channels[channel]))
	copy(contributors, c.channels[channel])
	c.mu.RUnlock()

	var out []any
	for _, contributor := range contributors {
		result, err := contributor.Callback(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				logging.Logger.Warn().Str("channel", channel).Str("contributor", contributor.Name).
					Msg("contribution collection cancelled")
				break
			}
			logging.Logger.Warn().Str("channel", channel).Str("contributor", contributor.Name).
				Err(err).Msg("contributor failed")
			continue
		}
		if result != nil {
			out = append(out, result)
		}
	}
	return out
}

// Cleanup runs every registered cleanup function in reverse order. A
// function's error is logged but does not stop the remaining functions
// from running; the first error encountered is returned once cleanup
// has finished, so the caller can still surface it.
func (c *Coordinator) Cleanup() error {
	c.mu.RLock()
	fns := make([]CleanupFunc, len(c.cleanupFuncs))
	copy(fns, c.cleanupFuncs)
	c.mu.RUnlock()

	var first error
	for i := len(fns) - 1; i >= 0; i-- {
		if err := fns[i](); err != nil {
			logging.Logger.Error().Err(err).Msg("error during coordinator cleanup")
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// ResetTurn clears per-turn bookkeeping (the injection token budget).
// Cancellation state is NOT reset here: it persists across turns by
// design, and it is the app layer's call when (if ever) to reset it —
// see DESIGN.md "Turn reset of cancellation".
func (c *Coordinator) ResetTurn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turnInjectedTokens = 0
}

// RequestCancel asks for session cancellation: graceful waits for
// running tools to finish, immediate stops as soon as possible. A
// cancel:requested event is emitted and registered cancellation
// callbacks are triggered only when the request actually changes state.
func (c *Coordinator) RequestCancel(ctx context.Context, immediate bool) error {
	var changed bool
	level := "graceful"
	if immediate {
		changed = c.Cancellation.RequestImmediate()
		level = "immediate"
	} else {
		changed = c.Cancellation.RequestGraceful()
	}
	if !changed {
		return nil
	}

	_, err := c.Hooks.Emit(ctx, "cancel:requested", map[string]any{
		"level":              level,
		"running_tools":      c.Cancellation.RunningTools(),
		"running_tool_names": c.Cancellation.RunningTools(),
	})
	if err != nil {
		return err
	}
	return c.Cancellation.TriggerCallbacks()
}

// ProcessHookResult routes the fields of a hooks.Outcome to the
// subsystem that acts on them: context injection to the context
// manager, ask_user to the approval system, user messages to the
// display system. It returns the (possibly approval-resolved) outcome.
func (c *Coordinator) ProcessHookResult(ctx context.Context, outcome *hooks.Outcome, event, hookName string) (*hooks.Outcome, error) {
	// ask_user dominates inject_context: approval blocking takes
	// priority over information flow, regardless of how the outcome
	// was constructed.
	if outcome.AskUser && outcome.InjectedContext != "" {
		logging.Logger.Debug().Str("hook", hookName).Str("event", event).
			Msg("ask_user pending, dropping inject_context")
		outcome.InjectedContext = ""
	}

	if outcome.InjectedContext != "" {
		if err := c.handleContextInjection(ctx, outcome, hookName, event); err != nil {
			return outcome, err
		}
	}

	if outcome.AskUser {
		return c.handleApprovalRequest(ctx, outcome, hookName)
	}

	if outcome.UserMessage != "" {
		c.handleUserMessage(outcome, hookName)
	}

	if outcome.SuppressOutput {
		logging.Logger.Debug().Str("hook", hookName).Msg("hook requested output suppression")
	}

	return outcome, nil
}

func (c *Coordinator) handleContextInjection(ctx context.Context, outcome *hooks.Outcome, hookName, event string) error {
	content := outcome.InjectedContext

	if c.InjectionSizeLimit > 0 && len(content) > c.InjectionSizeLimit {
		logging.Logger.Error().Str("hook", hookName).Int("size", len(content)).
			Int("limit", c.InjectionSizeLimit).Msg("hook injection too large")
		return fmt.Errorf("context injection exceeds %d bytes", c.InjectionSizeLimit)
	}

	tokens := len(content) / 4

	c.mu.Lock()
	if c.InjectionBudgetPerTurn > 0 && c.turnInjectedTokens+tokens > c.InjectionBudgetPerTurn {
		logging.Logger.Warn().Str("hook", hookName).Int("current", c.turnInjectedTokens).
			Int("attempted", tokens).Int("budget", c.InjectionBudgetPerTurn).
			Msg("hook injection budget exceeded")
	}
	c.turnInjectedTokens += tokens
	cm := c.contextManager
	c.mu.Unlock()

	if !outcome.Ephemeral && cm != nil {
		err := cm.AddMessage(ctx, Message{
			Role:    outcome.InjectedRole,
			Content: content,
			Metadata: map[string]any{
				"source":    "hook",
				"hook_name": hookName,
				"event":     event,
				"timestamp": time.Now().Format(time.RFC3339),
			},
		})
		if err != nil {
			return fmt.Errorf("adding hook-injected message to context: %w", err)
		}
	}

	logging.Logger.Info().Str("hook", hookName).Str("event", event).Int("size", len(content)).
		Str("role", outcome.InjectedRole).Int("tokens", tokens).Bool("ephemeral", outcome.Ephemeral).
		Msg("hook context injection")
	return nil
}

func (c *Coordinator) handleApprovalRequest(ctx context.Context, outcome *hooks.Outcome, hookName string) (*hooks.Outcome, error) {
	prompt := outcome.AskUserPrompt
	if prompt == "" {
		prompt = "Allow this operation?"
	}
	options := outcome.ApprovalOptions
	if len(options) == 0 {
		options = []string{"Allow", "Deny"}
	}

	logging.Logger.Info().Str("hook", hookName).Str("prompt", prompt).
		Strs("options", options).Dur("timeout", outcome.ApprovalTimeout).
		Str("default", outcome.ApprovalDefault).Msg("approval requested")

	if c.ApprovalSystem == nil {
		logging.Logger.Error().Str("hook", hookName).Msg("approval requested but no approval system provided")
		outcome.Denied = true
		outcome.DenyReason = "no approval system available"
		return outcome, nil
	}

	decision, err := c.ApprovalSystem.RequestApproval(ctx, prompt, options, outcome.ApprovalTimeout, outcome.ApprovalDefault)
	if err != nil {
		if errors.Is(err, ErrApprovalTimeout) {
			logging.Logger.Warn().Str("hook", hookName).Str("default", outcome.ApprovalDefault).Msg("approval timeout")
			if outcome.ApprovalDefault == "deny" {
				outcome.Denied = true
				outcome.DenyReason = fmt.Sprintf("approval timeout - denied by default: %s", prompt)
			}
			return outcome, nil
		}
		return outcome, err
	}

	logging.Logger.Info().Str("hook", hookName).Str("decision", string(decision)).Msg("approval decision")

	if decision == ApprovalDeny {
		outcome.Denied = true
		outcome.DenyReason = fmt.Sprintf("user denied: %s", prompt)
	}
	return outcome, nil
}

func (c *Coordinator) handleUserMessage(outcome *hooks.Outcome, hookName string) {
	source := outcome.UserMessageSource
	if source == "" {
		source = hookName
	}

	if c.DisplaySystem == nil {
		logging.Logger.Info().Str("hook", source).Str("level", outcome.UserMessageLevel).
			Msg("hook message: " + outcome.UserMessage)
		return
	}
	c.DisplaySystem.ShowMessage(outcome.UserMessage, outcome.UserMessageLevel, "hook:"+source)
}

// SortedNames is a small helper modules use when they need a
// deterministic iteration order over a mount point's contents.
func SortedNames(m map[string]any) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

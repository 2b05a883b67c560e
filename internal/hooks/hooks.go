// Package hooks implements the deterministic, priority-ordered event
// dispatch that sits underneath the module coordinator.
//
// Two distinct dispatch semantics are supported:
//
//   - Emit runs handlers in priority order, stops the loop the moment a
//     handler denies, and otherwise accumulates the remaining action
//     types (ask_user, inject_context, modify) across every handler
//     that ran.
//   - EmitAndCollect ignores action semantics entirely and is used for
//     pure data collection (e.g. "what do all observers think of this
//     turn?"), with a per-handler timeout so one slow observer cannot
//     stall the others indefinitely.
package hooks

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/amplifier-run/amplifier/internal/logging"
)

// Action is the outcome a hook handler can request of the dispatcher.
type Action string

const (
	// ActionNone means the handler observed the event but has no
	// opinion on what should happen next.
	ActionNone Action = ""
	// ActionDeny short-circuits Emit: no further handlers run and the
	// caller is told to refuse the operation.
	ActionDeny Action = "deny"
	// ActionAskUser requests that the user be asked to confirm. Only
	// the first handler to request this wins.
	ActionAskUser Action = "ask_user"
	// ActionInjectContext appends text the orchestrator should fold
	// into the prompt. Every handler's contribution is merged.
	ActionInjectContext Action = "inject_context"
	// ActionModify replaces the event payload passed to subsequent
	// handlers in the same Emit call.
	ActionModify Action = "modify"
)

// Result is what a handler returns from a single invocation.
type Result struct {
	Action Action

	// Reason carries the deny reason or the ask_user prompt.
	Reason string

	// Modified is the replacement payload for ActionModify.
	Modified map[string]any

	// Context, Role, Ephemeral and SuppressOutput carry an
	// ActionInjectContext contribution.
	Context        string
	Role           string
	Ephemeral      bool
	SuppressOutput bool

	// UserMessage, independent of Action, asks the coordinator to
	// surface a message via the display system (or log, if none is
	// wired). UserMessageLevel/Source annotate it.
	UserMessage       string
	UserMessageLevel  string
	UserMessageSource string

	// ApprovalPrompt, ApprovalOptions, ApprovalTimeout and
	// ApprovalDefault parameterize an ActionAskUser request.
	ApprovalPrompt  string
	ApprovalOptions []string
	ApprovalTimeout time.Duration
	ApprovalDefault string
}

// Handler observes or reacts to an event. It receives the accumulated
// payload (post any prior ActionModify in the same Emit pass) and may
// return nil to indicate no opinion.
type Handler func(ctx context.Context, event string, data map[string]any) (*Result, error)

type registration struct {
	priority int
	name     string
	fn       Handler
}

// Registry holds handlers grouped by event name, sorted by ascending
// priority (lower values run first).
type Registry struct {
	mu            sync.Mutex
	handlers      map[string][]*registration
	defaultFields map[string]any
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		handlers:      make(map[string][]*registration),
		defaultFields: make(map[string]any),
	}
}

// SetDefaultFields merges fields (typically session_id / parent_id)
// into the payload of every future Emit and EmitAndCollect call.
func (r *Registry) SetDefaultFields(fields map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range fields {
		r.defaultFields[k] = v
	}
}

// Register adds a handler for event at the given priority and returns a
// function that removes it.
func (r *Registry) Register(event string, priority int, name string, fn Handler) (unregister func()) {
	r.mu.Lock()
	reg := &registration{priority: priority, name: name, fn: fn}
	list := append(r.handlers[event], reg)
	sort.SliceStable(list, func(i, j int) bool { return list[i].priority < list[j].priority })
	r.handlers[event] = list
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		list := r.handlers[event]
		for i, candidate := range list {
			if candidate == reg {
				r.handlers[event] = append(list[:i], list[i+1:]...)
				return
			}
		}
	}
}

// ListHandlers returns the registered handler names for event, in
// dispatch order. Intended for diagnostics.
func (r *Registry) ListHandlers(event string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.handlers[event]
	names := make([]string, len(list))
	for i, reg := range list {
		names[i] = reg.name
	}
	return names
}

func (r *Registry) snapshot(event string) []*registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.handlers[event]
	out := make([]*registration, len(list))
	copy(out, list)
	return out
}

func (r *Registry) withDefaults(data map[string]any) map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.defaultFields) == 0 {
		return data
	}
	merged := make(map[string]any, len(data)+len(r.defaultFields))
	for k, v := range data {
		merged[k] = v
	}
	for k, v := range r.defaultFields {
		if _, exists := merged[k]; !exists {
			merged[k] = v
		}
	}
	return merged
}

// Outcome is the merged result of an Emit call across every handler
// that ran. Precedence when multiple fields are set is
// Denied > AskUser > InjectedContext > Data (modify).
type Outcome struct {
	Denied     bool
	DenyReason string

	AskUser         bool
	AskUserPrompt   string
	ApprovalOptions []string
	ApprovalTimeout time.Duration
	ApprovalDefault string

	InjectedContext string
	InjectedRole    string
	Ephemeral       bool
	SuppressOutput  bool

	// UserMessage accumulates every handler's UserMessage contribution
	// (joined the same way as InjectedContext), independent of Action.
	UserMessage       string
	UserMessageLevel  string
	UserMessageSource string

	// Data is the event payload after every ActionModify handler in
	// this pass has chained its transformation.
	Data map[string]any
}

// Emit dispatches event to every registered handler in priority order.
// A handler returning ActionDeny stops the loop immediately. A handler
// whose context is cancelled is logged and skipped so the remaining
// handlers still run; any other handler error is logged the same way.
func (r *Registry) Emit(ctx context.Context, event string, data map[string]any) (*Outcome, error) {
	handlers := r.snapshot(event)
	outcome := &Outcome{Data: r.withDefaults(data)}

	var injected []*Result
	var messages []*Result
	var askUser *Result

	for _, reg := range handlers {
		res, err := reg.fn(ctx, event, outcome.Data)
		if err != nil {
			logHandlerError(event, reg.name, err)
			continue
		}
		if res == nil {
			continue
		}

		if res.UserMessage != "" {
			messages = append(messages, res)
		}

		switch res.Action {
		case ActionDeny:
			outcome.Denied = true
			outcome.DenyReason = res.Reason
			return outcome, nil
		case ActionAskUser:
			if askUser == nil {
				askUser = res
			}
		case ActionInjectContext:
			injected = append(injected, res)
		case ActionModify:
			if res.Modified != nil {
				outcome.Data = res.Modified
			}
		}
	}

	if askUser != nil {
		outcome.AskUser = true
		outcome.AskUserPrompt = askUser.Reason
		outcome.ApprovalOptions = askUser.ApprovalOptions
		outcome.ApprovalTimeout = askUser.ApprovalTimeout
		outcome.ApprovalDefault = askUser.ApprovalDefault
		if outcome.AskUserPrompt == "" {
			outcome.AskUserPrompt = askUser.ApprovalPrompt
		}
		if len(injected) > 0 {
			logging.Logger.Debug().Str("event", event).Msg("ask_user pending, dropping inject_context (approval blocking dominates information flow)")
			injected = nil
		}
	}
	if len(injected) > 0 {
		mergeInjectContext(outcome, injected)
	}
	if len(messages) > 0 {
		mergeUserMessages(outcome, messages)
	}

	return outcome, nil
}

// mergeInjectContext folds every ActionInjectContext result into a
// single contribution. Text is joined with a blank line between
// contributions; role, ephemeral and suppress_output are inherited from
// the first contributing handler.
func mergeInjectContext(outcome *Outcome, results []*Result) {
	parts := make([]string, 0, len(results))
	for _, r := range results {
		if r.Context != "" {
			parts = append(parts, r.Context)
		}
	}
	outcome.InjectedContext = strings.Join(parts, "\n\n")
	first := results[0]
	outcome.InjectedRole = first.Role
	outcome.Ephemeral = first.Ephemeral
	outcome.SuppressOutput = first.SuppressOutput
}

// mergeUserMessages folds every handler's UserMessage contribution into
// a single message, the same way inject_context contributions merge.
// Level and source are inherited from the first contributor.
func mergeUserMessages(outcome *Outcome, results []*Result) {
	parts := make([]string, 0, len(results))
	for _, r := range results {
		parts = append(parts, r.UserMessage)
	}
	outcome.UserMessage = strings.Join(parts, "\n\n")
	outcome.UserMessageLevel = results[0].UserMessageLevel
	outcome.UserMessageSource = results[0].UserMessageSource
}

// CollectedResult is one handler's contribution to an EmitAndCollect
// pass.
type CollectedResult struct {
	Name   string
	Result *Result
	Err    error
}

// EmitAndCollect runs every handler for event sequentially (for
// deterministic ordering) and returns every result without applying any
// action semantics — deny/ask_user/inject_context/modify are all
// treated as plain data. Each handler gets up to timeout to respond; a
// handler that exceeds it is recorded with a deadline-exceeded error and
// the loop continues.
func (r *Registry) EmitAndCollect(ctx context.Context, event string, data map[string]any, timeout time.Duration) []CollectedResult {
	handlers := r.snapshot(event)
	payload := r.withDefaults(data)

	out := make([]CollectedResult, 0, len(handlers))
	for _, reg := range handlers {
		out = append(out, r.runCollected(ctx, reg, event, payload, timeout))
	}
	return out
}

func (r *Registry) runCollected(ctx context.Context, reg *registration, event string, data map[string]any, timeout time.Duration) CollectedResult {
	callCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res, err := reg.fn(callCtx, event, data)
	if err != nil {
		logHandlerError(event, reg.name, err)
	}
	return CollectedResult{Name: reg.name, Result: res, Err: err}
}

func logHandlerError(event, name string, err error) {
	if errors.Is(err, context.Canceled) {
		logging.Logger.Warn().Str("event", event).Str("handler", name).Msg("hook handler cancelled")
		return
	}
	logging.Logger.Error().Str("event", event).Str("handler", name).Err(err).Msg("hook handler failed")
}

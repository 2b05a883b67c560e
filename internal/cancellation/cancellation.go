// Package cancellation implements cooperative cancellation for Amplifier
// sessions.
//
// The kernel provides the mechanism (a token with state); the app layer
// provides the policy (when to request cancellation).
package cancellation

import (
	"sync"

	"github.com/amplifier-run/amplifier/internal/logging"
)

// State is a cancellation state machine state.
type State string

const (
	// None means the session is running normally.
	None State = "none"
	// Graceful means current tools should be allowed to finish.
	Graceful State = "graceful"
	// Immediate means execution should stop as soon as possible.
	Immediate State = "immediate"
)

// CancelCallback runs when a token transitions into a cancelled state.
// A callback returning an error is logged and does not stop the remaining
// callbacks from running.
type CancelCallback func() error

// Token is a cancellation token for cooperative cancellation.
//
// A Token lives on a Coordinator. Orchestrators and tools poll it to
// decide whether to stop. State only moves forward (None -> Graceful ->
// Immediate) except via Reset, which is intended to run at turn
// boundaries and does not touch child tokens or callbacks.
type Token struct {
	mu sync.Mutex

	state           State
	runningTools    map[string]string // tool call id -> tool name
	children        map[*Token]struct{}
	onCancel        []CancelCallback
}

// New returns a token in the None state.
func New() *Token {
	return &Token{
		state:        None,
		runningTools: make(map[string]string),
		children:     make(map[*Token]struct{}),
	}
}

// State returns the current cancellation state.
func (t *Token) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// IsCancelled reports whether any cancellation has been requested.
func (t *Token) IsCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state != None
}

// IsGraceful reports whether graceful cancellation is in effect.
func (t *Token) IsGraceful() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == Graceful
}

// IsImmediate reports whether immediate cancellation is in effect.
func (t *Token) IsImmediate() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == Immediate
}

// RunningTools returns the names of tool calls currently in flight.
func (t *Token) RunningTools() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.runningTools))
	for _, name := range t.runningTools {
		names = append(names, name)
	}
	return names
}

// RequestGraceful asks current tools to finish before stopping. Returns
// true if this call changed the state (idempotent once already
// cancelled).
func (t *Token) RequestGraceful() bool {
	t.mu.Lock()
	if t.state != None {
		t.mu.Unlock()
		return false
	}
	t.state = Graceful
	children := t.childSnapshot()
	t.mu.Unlock()

	for _, c := range children {
		c.RequestGraceful()
	}
	return true
}

// RequestImmediate asks for the soonest possible stop. Returns true if
// this call changed the state.
func (t *Token) RequestImmediate() bool {
	t.mu.Lock()
	if t.state == Immediate {
		t.mu.Unlock()
		return false
	}
	t.state = Immediate
	children := t.childSnapshot()
	t.mu.Unlock()

	for _, c := range children {
		c.RequestImmediate()
	}
	return true
}

// Reset clears the cancellation state at the start of a new turn. Child
// tokens and callbacks are session-level and survive a reset.
func (t *Token) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = None
	t.runningTools = make(map[string]string)
}

// RegisterToolStart records that a tool call has begun executing.
func (t *Token) RegisterToolStart(toolCallID, toolName string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runningTools[toolCallID] = toolName
}

// RegisterToolComplete records that a tool call has finished.
func (t *Token) RegisterToolComplete(toolCallID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.runningTools, toolCallID)
}

// RegisterChild wires a child session's token for cancellation
// propagation. A late-registering child immediately observes the
// parent's current state.
func (t *Token) RegisterChild(child *Token) {
	t.mu.Lock()
	t.children[child] = struct{}{}
	state := t.state
	t.mu.Unlock()

	switch state {
	case Graceful:
		child.RequestGraceful()
	case Immediate:
		child.RequestImmediate()
	}
}

// UnregisterChild removes a child token, typically when a spawned
// sub-session completes.
func (t *Token) UnregisterChild(child *Token) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.children, child)
}

func (t *Token) childSnapshot() []*Token {
	children := make([]*Token, 0, len(t.children))
	for c := range t.children {
		children = append(children, c)
	}
	return children
}

// OnCancel registers a callback to run when cancellation is requested.
func (t *Token) OnCancel(cb CancelCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onCancel = append(t.onCancel, cb)
}

// TriggerCallbacks runs every registered callback. A callback error is
// logged and does not prevent the remaining callbacks from running; the
// first error encountered is returned once all callbacks have run, so
// callers can still surface it after cleanup completes.
func (t *Token) TriggerCallbacks() error {
	t.mu.Lock()
	callbacks := make([]CancelCallback, len(t.onCancel))
	copy(callbacks, t.onCancel)
	t.mu.Unlock()

	var first error
	for _, cb := range callbacks {
		if err := cb(); err != nil {
			logging.Logger.Warn().Err(err).Msg("cancellation callback failed")
			if first == nil {
				first = err
			}
		}
	}
	return first
}

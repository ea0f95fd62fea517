// Package command implements the command pipeline:
// envelopes grouped by GroupID flow through a single processCommand
// entry point, which records an inverse for every successful mutation
// onto a capacity-bounded undo stack, and maintains a sanitized,
// capacity-bounded history of every command outcome for diagnostics.
package command

import (
	"fmt"
	"strings"
	"sync"

	"github.com/orneryd/treedb/store"
)

// Envelope is a single unit of work submitted to the pipeline.
// CommandID and GroupID are caller-supplied and recorded with the
// envelope; Undo and Redo step one envelope at a time regardless of
// GroupID.
type Envelope struct {
	CommandID   string
	GroupID     string
	CommandType string
	Payload     interface{}
}

// Executor performs one command's forward action and returns an inverse
// Executor capable of undoing it, plus a result the caller sees. Returning
// a nil inverse means the command is not undoable (e.g. a pure query);
// it still runs but leaves the undo stack untouched.
type Executor func(payload interface{}) (result interface{}, inverse *Envelope, err error)

// EventOutcome records whether a processed command succeeded, and its
// sanitized error message if not.
type EventOutcome struct {
	Envelope     Envelope
	Succeeded    bool
	ErrorCode    ErrorCode
	ErrorMessage string
	Timestamp    store.Timestamp
}

// undoEntry pairs the envelope that ran with the inverse that undoes it.
type undoEntry struct {
	forward *Envelope
	inverse *Envelope
}

// Pipeline owns the undo/redo stacks and the event history buffer, and
// dispatches envelopes to registered Executors by CommandType.
type Pipeline struct {
	mu sync.Mutex

	executors map[string]Executor

	undo *ring[undoEntry]
	redo *ring[undoEntry]

	events                *ring[EventOutcome]
	maxErrorMessageLength int
	maxCommandIDLength    int
}

// Config bounds the pipeline's buffers, taken from config.Limits so
// every package derives its capacities from the one shared source.
type Config struct {
	MaxUndoStackSize      int
	MaxRedoStackSize      int
	MaxEventHistorySize   int
	MaxErrorMessageLength int
	MaxCommandIDLength    int
}

// New constructs a Pipeline with empty buffers sized per cfg.
func New(cfg Config) *Pipeline {
	return &Pipeline{
		executors:             make(map[string]Executor),
		undo:                  newRing[undoEntry](cfg.MaxUndoStackSize),
		redo:                  newRing[undoEntry](cfg.MaxRedoStackSize),
		events:                newRing[EventOutcome](cfg.MaxEventHistorySize),
		maxErrorMessageLength: cfg.MaxErrorMessageLength,
		maxCommandIDLength:    cfg.MaxCommandIDLength,
	}
}

// Register binds an Executor to a command type. Call sites (the
// orchestrated facade) register one Executor per mutation kind
// (createNode, renameNode, moveNodes, ...) at startup.
func (p *Pipeline) Register(commandType string, exec Executor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.executors[commandType] = exec
}

// Process runs env through its registered Executor, recording the
// outcome in the event history and, on success with a non-nil inverse,
// pushing an undo entry and clearing the redo stack: any new command
// invalidates previously available redo operations.
func (p *Pipeline) Process(env Envelope) (interface{}, error) {
	if err := p.validate(env); err != nil {
		p.recordOutcome(env, false, err)
		return nil, err
	}

	p.mu.Lock()
	exec, ok := p.executors[env.CommandType]
	p.mu.Unlock()

	if !ok {
		err := NewError(ErrCodeInvalidOperation, "no executor registered for command type "+env.CommandType)
		p.recordOutcome(env, false, err)
		return nil, err
	}

	result, inverse, err := exec(env.Payload)
	if err != nil {
		p.recordOutcome(env, false, err)
		return nil, err
	}

	p.mu.Lock()
	if inverse != nil {
		p.undo.Push(undoEntry{forward: &env, inverse: inverse})
		p.redo.Clear()
	}
	p.mu.Unlock()

	p.recordOutcome(env, true, nil)
	return result, nil
}

// validate enforces the envelope-shape checks that run before an
// Executor is even looked up: kind and commandId must be non-empty,
// and commandId must not exceed the configured length.
func (p *Pipeline) validate(env Envelope) error {
	if env.CommandType == "" {
		return NewError(ErrCodeInvalidOperation, "command type (kind) must not be empty")
	}
	if env.CommandID == "" {
		return NewError(ErrCodeInvalidOperation, "commandId must not be empty")
	}
	if p.maxCommandIDLength > 0 && len(env.CommandID) > p.maxCommandIDLength {
		return NewError(ErrCodeInvalidOperation, fmt.Sprintf("commandId length %d exceeds max of %d", len(env.CommandID), p.maxCommandIDLength))
	}
	return nil
}

// Undo pops the most recent undo entry, runs its inverse, and pushes the
// original forward command onto the redo stack. Returns
// ErrCodeInvalidOperation if nothing is available to undo.
func (p *Pipeline) Undo() (interface{}, error) {
	p.mu.Lock()
	entry, ok := p.undo.Pop()
	p.mu.Unlock()
	if !ok {
		return nil, NewError(ErrCodeInvalidOperation, "nothing to undo")
	}

	p.mu.Lock()
	exec, execOK := p.executors[entry.inverse.CommandType]
	p.mu.Unlock()
	if !execOK {
		err := NewError(ErrCodeInvalidOperation, "no executor registered for inverse command type "+entry.inverse.CommandType)
		p.recordOutcome(*entry.inverse, false, err)
		return nil, err
	}

	result, _, err := exec(entry.inverse.Payload)
	if err != nil {
		p.recordOutcome(*entry.inverse, false, err)
		return nil, err
	}

	p.mu.Lock()
	p.redo.Push(entry)
	p.mu.Unlock()

	p.recordOutcome(*entry.inverse, true, nil)
	return result, nil
}

// Redo re-applies the most recently undone command's original forward
// envelope, pushing it back onto the undo stack.
func (p *Pipeline) Redo() (interface{}, error) {
	p.mu.Lock()
	entry, ok := p.redo.Pop()
	p.mu.Unlock()
	if !ok {
		return nil, NewError(ErrCodeInvalidOperation, "nothing to redo")
	}

	p.mu.Lock()
	exec, execOK := p.executors[entry.forward.CommandType]
	p.mu.Unlock()
	if !execOK {
		err := NewError(ErrCodeInvalidOperation, "no executor registered for command type "+entry.forward.CommandType)
		p.recordOutcome(*entry.forward, false, err)
		return nil, err
	}

	result, inverse, err := exec(entry.forward.Payload)
	if err != nil {
		p.recordOutcome(*entry.forward, false, err)
		return nil, err
	}

	p.mu.Lock()
	// A replayed forward command may assign fresh state (e.g. a new node
	// id); its regenerated inverse supersedes the stale one so the next
	// undo targets what this redo actually produced.
	if inverse != nil {
		entry.inverse = inverse
	}
	p.undo.Push(entry)
	p.mu.Unlock()

	p.recordOutcome(*entry.forward, true, nil)
	return result, nil
}

// CanUndo/CanRedo report whether the respective stack has an entry.
func (p *Pipeline) CanUndo() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.undo.Len() > 0
}

func (p *Pipeline) CanRedo() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.redo.Len() > 0
}

// EventHistory returns a snapshot of the buffered outcomes, oldest first.
func (p *Pipeline) EventHistory() []EventOutcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events.Snapshot()
}

func (p *Pipeline) recordOutcome(env Envelope, succeeded bool, err error) {
	outcome := EventOutcome{Envelope: env, Succeeded: succeeded, Timestamp: store.NowMS()}
	if err != nil {
		outcome.ErrorCode = CodeOf(err)
		outcome.ErrorMessage = sanitizeErrorMessage(err.Error(), p.maxErrorMessageLength)
	}
	p.mu.Lock()
	p.events.Push(outcome)
	p.mu.Unlock()
}

// sanitizeErrorMessage strips newlines/tabs and truncates to maxLen;
// error text must not break the single-line event log it's rendered
// into.
func sanitizeErrorMessage(msg string, maxLen int) string {
	replacer := strings.NewReplacer("\n", " ", "\r", " ", "\t", " ")
	clean := replacer.Replace(msg)
	if maxLen > 0 && len(clean) > maxLen {
		clean = clean[:maxLen]
	}
	return clean
}

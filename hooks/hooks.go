// Package hooks runs plugin-defined beforeX/afterX lifecycle callbacks
// around mutation operations. A hook that fails is
// recorded into a bounded failure ring buffer; whether the failure
// aborts the operation depends on the hook's own StopOnError flag.
package hooks

import (
	"fmt"
	"sync"

	"github.com/orneryd/treedb/store"
)

// Point identifies where in a mutation a hook runs.
type Point string

const (
	BeforeCreate Point = "beforeCreate"
	AfterCreate  Point = "afterCreate"
	BeforeRename Point = "beforeRename"
	AfterRename  Point = "afterRename"
	BeforeMove   Point = "beforeMove"
	AfterMove    Point = "afterMove"
	BeforeTrash  Point = "beforeTrash"
	AfterTrash   Point = "afterTrash"
	BeforeRemove Point = "beforeRemove"
	AfterRemove  Point = "afterRemove"
	BeforeLoad   Point = "beforeLoad"
	AfterLoad    Point = "afterLoad"
	BeforeUnload Point = "beforeUnload"
	AfterUnload  Point = "afterUnload"
)

// Hook is a single plugin-contributed callback bound to a Point.
type Hook struct {
	Name string
	Point Point
	// StopOnError, when true, makes a failing Run abort the remaining
	// hooks at this Point and propagate the error to the mutation
	// caller. When false, the failure is only recorded.
	StopOnError bool
	Run         func(node *store.TreeNode) error
}

// Failure records one hook invocation that returned an error.
type Failure struct {
	HookName  string
	Point     Point
	NodeID    store.NodeID
	Message   string
	Timestamp store.Timestamp
}

const maxFailureHistory = 1000

// Runner holds registered hooks and a bounded history of their
// failures.
type Runner struct {
	mu    sync.Mutex
	hooks map[Point][]*Hook

	failures    []Failure
	failureHead int // index of the oldest entry once the buffer has wrapped
	full        bool
}

// NewRunner constructs an empty Runner.
func NewRunner() *Runner {
	return &Runner{hooks: make(map[Point][]*Hook)}
}

// Register adds a hook at its Point.
func (r *Runner) Register(h *Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks[h.Point] = append(r.hooks[h.Point], h)
}

// Run executes every hook registered at point, in registration order,
// against node. If a hook fails and StopOnError is set, Run returns
// that error immediately; otherwise it records the failure and continues
// to the next hook.
func (r *Runner) Run(point Point, node *store.TreeNode) error {
	r.mu.Lock()
	hs := append([]*Hook(nil), r.hooks[point]...)
	r.mu.Unlock()

	for _, h := range hs {
		if err := h.Run(node); err != nil {
			r.recordFailure(h, point, node, err)
			if h.StopOnError {
				return fmt.Errorf("hooks: %s at %s: %w", h.Name, point, err)
			}
		}
	}
	return nil
}

func (r *Runner) recordFailure(h *Hook, point Point, node *store.TreeNode, err error) {
	f := Failure{HookName: h.Name, Point: point, Message: err.Error(), Timestamp: store.NowMS()}
	if node != nil {
		f.NodeID = node.ID
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.failures) < maxFailureHistory {
		r.failures = append(r.failures, f)
		return
	}
	r.failures[r.failureHead] = f
	r.failureHead = (r.failureHead + 1) % maxFailureHistory
	r.full = true
}

// Failures returns every buffered failure, oldest first.
func (r *Runner) Failures() []Failure {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		out := make([]Failure, len(r.failures))
		copy(out, r.failures)
		return out
	}
	out := make([]Failure, 0, maxFailureHistory)
	out = append(out, r.failures[r.failureHead:]...)
	out = append(out, r.failures[:r.failureHead]...)
	return out
}

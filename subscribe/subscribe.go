// Package subscribe implements the Subscription Service:
// callers subscribe to node, children, subtree, or working-copy changes
// and receive events whenever the durable store's change stream
// produces a matching record. Modeled as "a list of (predicate, sink)
// pairs", since Go has no RxJS-style observable to reach for. A
// periodic time.Ticker-driven sweep evicts subscriptions that have
// gone idle.
package subscribe

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/orneryd/treedb/query"
	"github.com/orneryd/treedb/store"
)

// Type enumerates what a subscription watches.
type Type string

const (
	TypeNode        Type = "node"
	TypeChildren    Type = "children"
	TypeSubtree     Type = "subtree"
	TypeWorkingCopy Type = "workingCopy"
)

// Kind is the delivered event's shape tag.
type Kind string

const (
	KindNodeCreated     Kind = "node-created"
	KindNodeUpdated     Kind = "node-updated"
	KindNodeDeleted     Kind = "node-deleted"
	KindChildrenChanged Kind = "children-changed"
)

func kindOf(c store.ChangeRecord) Kind {
	switch c.Type {
	case store.ChangeCreated:
		return KindNodeCreated
	case store.ChangeDeleted:
		return KindNodeDeleted
	default:
		return KindNodeUpdated
	}
}

// Key identifies one subscription: an xxhash of its (type, target,
// filter tag) tuple, where subscribe appends the creation time to the
// filter tag so two identical subscriptions get distinct keys. Lookups
// by Key are O(1).
type Key uint64

// HashKey computes the Key for a subscription, optionally including a
// filter tag (e.g. a serialized predicate description) so two
// subscriptions on the same target with different filters don't alias.
func HashKey(typ Type, target store.NodeID, filterTag string) Key {
	h := xxhash.New()
	_, _ = h.Write([]byte(typ))
	_, _ = h.Write([]byte(target))
	_, _ = h.Write([]byte(filterTag))
	return Key(h.Sum64())
}

// Filter narrows a subscription to nodes of the given types. A nil
// Filter, or one with no NodeTypes, matches everything.
type Filter struct {
	NodeTypes []string
}

// matches tests the change record's node (or, for deletes, its previous
// state) against the type list.
func (f *Filter) matches(c store.ChangeRecord) bool {
	if f == nil || len(f.NodeTypes) == 0 {
		return true
	}
	nodeType := ""
	if c.Node != nil {
		nodeType = c.Node.NodeType
	} else if c.PreviousNode != nil {
		nodeType = c.PreviousNode.NodeType
	}
	for _, t := range f.NodeTypes {
		if t == nodeType {
			return true
		}
	}
	return false
}

func (f *Filter) tag() string {
	if f == nil {
		return ""
	}
	return strings.Join(f.NodeTypes, ",")
}

// Predicate reports whether a ChangeRecord is relevant to a
// subscription.
type Predicate func(store.ChangeRecord) bool

// Event is delivered to a subscription's sink when its predicate
// matches an incoming ChangeRecord. Children carries a snapshot's child
// id set for KindChildrenChanged events.
type Event struct {
	Key      Key
	Kind     Kind
	Change   store.ChangeRecord
	Children []store.NodeID
}

// subscription pairs a predicate with the channel events are delivered
// on, plus the bookkeeping the GC sweep needs.
type subscription struct {
	key        Key
	typ        Type
	target     store.NodeID
	predicate  Predicate
	sink       chan Event
	active     bool
	closed     bool
	lastActive time.Time
}

// closeLocked closes the sink exactly once. Callers hold Service.mu,
// which also serializes the close against in-flight sends.
func (sub *subscription) closeLocked() {
	if sub.closed {
		return
	}
	sub.closed = true
	sub.active = false
	close(sub.sink)
}

// Info is GetActiveSubscriptions' per-subscription activity record.
type Info struct {
	ID           Key
	Type         Type
	NodeID       store.NodeID
	IsActive     bool
	LastActivity time.Time
}

// Service fans a durable store's change stream out to every active
// subscription whose predicate matches, and periodically evicts
// subscriptions that have gone idle.
type Service struct {
	mu            sync.Mutex
	subscriptions map[Key]*subscription
	query         *query.Service
	maxTreeDepth  int

	idleLimit time.Duration
	stop      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// New constructs a Service. idleLimit comes from config.Timeouts; the
// sweep interval is passed to RunGC.
func New(q *query.Service, maxTreeDepth int, idleLimit time.Duration) *Service {
	return &Service{
		subscriptions: make(map[Key]*subscription),
		query:         q,
		maxTreeDepth:  maxTreeDepth,
		idleLimit:     idleLimit,
		stop:          make(chan struct{}),
	}
}

// Subscription is the handle returned to a caller: events to read and a
// Dispose to stop receiving them.
type Subscription struct {
	ID      Key
	Events  <-chan Event
	Dispose func()
}

// NodeOptions tunes SubscribeNode.
type NodeOptions struct {
	Filter *Filter
	// IncludeInitialValue synthesizes one node-updated event carrying the
	// node's current state at subscribe time.
	IncludeInitialValue bool
}

// SubscribeNode delivers every ChangeRecord whose NodeID equals nodeID
// and passes opts.Filter.
func (s *Service) SubscribeNode(nodeID store.NodeID, opts NodeOptions) Subscription {
	sub := s.subscribe(TypeNode, nodeID, opts.Filter.tag(), func(c store.ChangeRecord) bool {
		return c.NodeID == nodeID && opts.Filter.matches(c)
	})
	if opts.IncludeInitialValue && s.query != nil {
		if node, err := s.query.GetNode(nodeID); err == nil {
			s.deliverInitial(sub.ID, Event{
				Key: sub.ID, Kind: KindNodeUpdated,
				Change: store.ChangeRecord{Type: store.ChangeUpdated, NodeID: nodeID, Node: node, Timestamp: store.NowMS()},
			})
		}
	}
	return sub
}

// ChildrenOptions tunes SubscribeChildren.
type ChildrenOptions struct {
	Filter *Filter
	// IncludeInitialSnapshot synthesizes one children-changed event
	// carrying the current set of child ids.
	IncludeInitialSnapshot bool
}

// SubscribeChildren delivers ChangeRecords for direct children of
// parentID: a created/updated node whose ParentID is parentID, or a
// deleted/moved-away node whose PreviousNode.ParentID was parentID.
func (s *Service) SubscribeChildren(parentID store.NodeID, opts ChildrenOptions) Subscription {
	sub := s.subscribe(TypeChildren, parentID, opts.Filter.tag(), func(c store.ChangeRecord) bool {
		if !opts.Filter.matches(c) {
			return false
		}
		if c.Node != nil && c.Node.ParentID == parentID {
			return true
		}
		if c.PreviousNode != nil && c.PreviousNode.ParentID == parentID {
			return true
		}
		return false
	})
	if opts.IncludeInitialSnapshot && s.query != nil {
		if children, err := s.query.ListChildren(parentID, query.ListChildrenOptions{}); err == nil {
			ids := make([]store.NodeID, 0, len(children))
			for _, c := range children {
				ids = append(ids, c.ID)
			}
			s.deliverInitial(sub.ID, Event{
				Key: sub.ID, Kind: KindChildrenChanged,
				Change:   store.ChangeRecord{Type: store.ChangeUpdated, NodeID: parentID, Timestamp: store.NowMS()},
				Children: ids,
			})
		}
	}
	return sub
}

// SubtreeOptions tunes SubscribeSubtree.
type SubtreeOptions struct {
	// MaxDepth bounds how deep below the root a change may sit and still
	// be delivered; the root itself is depth 0. Zero or negative means
	// the service-wide tree-depth bound.
	MaxDepth int
	Filter   *Filter
	// IncludeInitialSnapshot synthesizes one children-changed event
	// carrying every descendant id within MaxDepth.
	IncludeInitialSnapshot bool
}

// SubscribeSubtree delivers ChangeRecords for rootID itself and any
// descendant within opts.MaxDepth, determined via an ancestor walk
// bounded at maxTreeDepth with a per-walk visited set.
func (s *Service) SubscribeSubtree(rootID store.NodeID, opts SubtreeOptions) Subscription {
	maxDepth := opts.MaxDepth
	if maxDepth <= 0 || maxDepth > s.maxTreeDepth {
		maxDepth = s.maxTreeDepth
	}
	sub := s.subscribe(TypeSubtree, rootID, fmt.Sprintf("%d|%s", maxDepth, opts.Filter.tag()), func(c store.ChangeRecord) bool {
		if !opts.Filter.matches(c) {
			return false
		}
		depth, ok := s.depthBelow(rootID, c.NodeID)
		return ok && depth <= maxDepth
	})
	if opts.IncludeInitialSnapshot && s.query != nil {
		if descendants, err := s.query.ListDescendants(rootID, query.DescendantOptions{MaxDepth: maxDepth}); err == nil {
			ids := make([]store.NodeID, 0, len(descendants))
			for _, d := range descendants {
				ids = append(ids, d.ID)
			}
			s.deliverInitial(sub.ID, Event{
				Key: sub.ID, Kind: KindChildrenChanged,
				Change:   store.ChangeRecord{Type: store.ChangeUpdated, NodeID: rootID, Timestamp: store.NowMS()},
				Children: ids,
			})
		}
	}
	return sub
}

// depthBelow returns how many hops separate nodeID from rootID (0 for
// identity), walking parents with a visited set so a corrupt stored
// cycle can't hang the predicate. The second return is false when
// rootID is not an ancestor of nodeID within maxTreeDepth hops.
func (s *Service) depthBelow(rootID, nodeID store.NodeID) (int, bool) {
	if nodeID == rootID {
		return 0, true
	}
	if s.query == nil {
		return 0, false
	}
	seen := make(map[store.NodeID]bool)
	current := nodeID
	for depth := 1; depth <= s.maxTreeDepth; depth++ {
		node, err := s.query.GetNode(current)
		if err != nil {
			return 0, false
		}
		if node.ParentID == rootID {
			return depth, true
		}
		if node.ParentID == store.SuperRootParentID || seen[node.ParentID] {
			return 0, false
		}
		seen[current] = true
		current = node.ParentID
	}
	return 0, false
}

// SubscribeWorkingCopy delivers events whenever the given working copy's
// backing node (if any) changes durably - used by editors to detect a
// conflicting external change while a draft is open.
func (s *Service) SubscribeWorkingCopy(workingCopyID store.NodeID, backingNodeID store.NodeID) Subscription {
	return s.subscribe(TypeWorkingCopy, workingCopyID, string(backingNodeID), func(c store.ChangeRecord) bool {
		return c.NodeID == backingNodeID
	})
}

func (s *Service) subscribe(typ Type, target store.NodeID, filterTag string, pred Predicate) Subscription {
	key := HashKey(typ, target, fmt.Sprintf("%s|%d", filterTag, time.Now().UnixNano()))
	sub := &subscription{
		key: key, typ: typ, target: target, predicate: pred,
		sink: make(chan Event, 64), active: true, lastActive: time.Now(),
	}

	s.mu.Lock()
	s.subscriptions[key] = sub
	s.mu.Unlock()

	dispose := func() {
		s.mu.Lock()
		delete(s.subscriptions, key)
		sub.closeLocked()
		s.mu.Unlock()
	}

	return Subscription{ID: key, Events: sub.sink, Dispose: dispose}
}

// deliverInitial pushes a synthesized subscribe-time event (initial
// value or snapshot) straight into the subscription's sink.
func (s *Service) deliverInitial(key Key, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[key]
	if !ok || !sub.active {
		return
	}
	select {
	case sub.sink <- ev:
	default:
	}
}

// Dispatch is called once per ChangeRecord produced by the durable
// store (the orchestrated facade wires store.Durable.Changes() into
// this). Every subscription whose predicate matches receives an Event
// and has its activity timestamp refreshed.
func (s *Service) Dispatch(change store.ChangeRecord) {
	s.mu.Lock()
	matches := make([]*subscription, 0, len(s.subscriptions))
	for _, sub := range s.subscriptions {
		if sub.predicate(change) {
			matches = append(matches, sub)
		}
	}

	for _, sub := range matches {
		if !sub.active {
			continue
		}
		select {
		case sub.sink <- Event{Key: sub.key, Kind: kindOf(change), Change: change}:
			sub.lastActive = time.Now()
		default:
			// Slow subscriber; drop rather than block dispatch for
			// everyone else, the same backpressure choice store.Durable
			// makes for its own change channel.
		}
	}
	s.mu.Unlock()
}

// Active returns a record for every live subscription, the
// getActiveSubscriptions RPC surface.
func (s *Service) Active() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.subscriptions))
	for _, sub := range s.subscriptions {
		out = append(out, Info{
			ID: sub.key, Type: sub.typ, NodeID: sub.target,
			IsActive: sub.active, LastActivity: sub.lastActive,
		})
	}
	return out
}

// RunGC starts the periodic idle-subscription sweep on its own
// goroutine, ticking every interval until Stop is called.
func (s *Service) RunGC(interval time.Duration) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweepIdle()
			case <-s.stop:
				return
			}
		}
	}()
}

func (s *Service) sweepIdle() {
	cutoff := time.Now().Add(-s.idleLimit)
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, sub := range s.subscriptions {
		if !sub.active || sub.lastActive.Before(cutoff) {
			sub.closeLocked()
			delete(s.subscriptions, key)
		}
	}
}

// Stop halts the GC goroutine started by RunGC. Safe to call more than
// once, or even if RunGC was never started.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	s.wg.Wait()
}

// Count returns the number of currently active subscriptions, used by
// tests and diagnostics.
func (s *Service) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscriptions)
}

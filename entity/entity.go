// Package entity implements the Entity Registry & Lifecycle Manager:
// plugins register Metadata describing side tables keyed off node
// lifecycle (peer 1:1, group 1:N, relational N:M with reference
// counting), and the Manager cascades node create/delete/duplicate/
// working-copy events to every registered kind in a fixed per-operation
// order.
package entity

import (
	"fmt"
	"log"
	"sync"

	"github.com/orneryd/treedb/command"
	"github.com/orneryd/treedb/store"
)

// Kind enumerates the three entity cardinality shapes.
type Kind string

const (
	KindPeer       Kind = "peer"       // 1:1 with a node
	KindGroup      Kind = "group"      // 1:N, owned by a node
	KindRelational Kind = "relational" // N:M, reference-counted
)

// RelationType enumerates Metadata's relationship cardinalities.
type RelationType string

const (
	OneToOne   RelationType = "one-to-one"
	OneToMany  RelationType = "one-to-many"
	ManyToMany RelationType = "many-to-many"
)

// Relationship describes how an entity's side table relates to the
// node that owns it.
type Relationship struct {
	Type            RelationType
	ForeignKeyField string
	// CascadeDelete is registration metadata for peer/group entities. The
	// Manager does not read it: OnNodeDelete callbacks run whether or not
	// it is set, and the Manager deletes no rows itself.
	CascadeDelete bool
}

// WorkingCopyConfig opts an entity into the session-based
// createWorkingCopies/commitWorkingCopies/discardWorkingCopies flow.
type WorkingCopyConfig struct {
	Enabled   bool
	TableName string
}

// ReferenceManagement configures a relational entity's reference
// counting: CountField and NodeListField name the row's count/list
// columns conceptually (a Go plugin tracks
// them however it likes; the names exist so registration metadata
// documents the mapping the same way a schema would), and
// AutoDeleteWhenZero tells the Manager whether reaching a zero count
// should be treated as "this row is gone" for cascade purposes.
type ReferenceManagement struct {
	CountField         string
	NodeListField      string
	AutoDeleteWhenZero bool
}

// Metadata describes one plugin-registered entity kind: its
// declarative shape plus the callbacks the Manager invokes at each
// node lifecycle point. Every callback is
// optional; a nil callback is simply skipped.
type Metadata struct {
	Name string
	Kind Kind

	// TableName names the side table this entity's rows live in.
	TableName    string
	Relationship Relationship

	// WorkingCopyConfig is nil for entities that never participate in
	// the working-copy session flow.
	WorkingCopyConfig *WorkingCopyConfig
	// ReferenceManagement is nil for peer/group entities; required in
	// spirit (though not enforced) for KindRelational.
	ReferenceManagement *ReferenceManagement

	// OnNodeCreate is called with the newly created node.
	OnNodeCreate func(node *store.TreeNode) error
	// OnNodeDelete is called with the node being hard-deleted.
	OnNodeDelete func(node *store.TreeNode) error
	// OnNodeDuplicate is called with the source and newly duplicated node.
	OnNodeDuplicate func(source, duplicate *store.TreeNode) error

	// Reference-counting hooks, used only for KindRelational. The Manager
	// never calls IncRef; DecRef is called by DecRefRelational and returns
	// the remaining count, which DecRefRelational uses to report entities
	// whose count reached zero.
	IncRef func(node *store.TreeNode) error
	DecRef func(node *store.TreeNode) (remaining int, err error)
}

// Registry holds every plugin-registered Metadata, keyed by Name.
type Registry struct {
	mu       sync.RWMutex
	entities map[string]*Metadata
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entities: make(map[string]*Metadata)}
}

// Register adds a plugin's Metadata. A duplicate Name is a
// VALIDATION_ERROR-class failure, mirrored on PluginManager.Load's
// "already loaded" check.
func (r *Registry) Register(m *Metadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entities[m.Name]; exists {
		return command.NewError(command.ErrCodeValidationError, fmt.Sprintf("entity: %q already registered", m.Name))
	}
	r.entities[m.Name] = m
	return nil
}

// Unregister removes a plugin's Metadata by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entities, name)
}

// Get retrieves a registered Metadata by name.
func (r *Registry) Get(name string) (*Metadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.entities[name]
	return m, ok
}

// List returns every registered name.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entities))
	for name := range r.entities {
		names = append(names, name)
	}
	return names
}

// byKind returns every registered Metadata of the given kind, in a
// stable order (sorted by Name) so cascade ordering is deterministic
// across runs.
func (r *Registry) byKind(kind Kind) []*Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Metadata
	for _, m := range r.entities {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	sortByName(out)
	return out
}

func sortByName(ms []*Metadata) {
	for i := 1; i < len(ms); i++ {
		for j := i; j > 0 && ms[j-1].Name > ms[j].Name; j-- {
			ms[j-1], ms[j] = ms[j], ms[j-1]
		}
	}
}

// Manager cascades node lifecycle events across every registered entity
// kind in a fixed order: creation/commit proceeds
// peer, group, relational; deletion proceeds in the reverse order,
// relational, group, peer, so reference counts are released before the
// peer/group side tables that might be the last referrer disappear.
type Manager struct {
	registry *Registry
}

// NewManager constructs a Manager bound to a Registry.
func NewManager(registry *Registry) *Manager {
	return &Manager{registry: registry}
}

// cascadeOrder is {peer, group, relational}, the creation/commit order.
var cascadeOrder = []Kind{KindPeer, KindGroup, KindRelational}

// reverseCascadeOrder is {relational, group, peer}, the deletion order.
var reverseCascadeOrder = []Kind{KindRelational, KindGroup, KindPeer}

// OnNodeCreate runs the OnNodeCreate hook of every registered peer
// entity, letting each insert its 1:1 stub row for the new node. Group
// and relational entities are never auto-created at node creation -
// their rows appear only when a plugin writes them. The first error
// stops the cascade and is returned to the caller; hooks that already
// ran are not rolled back by this Manager - compensating cleanup is
// left to the plugin itself.
func (m *Manager) OnNodeCreate(node *store.TreeNode) error {
	for _, md := range m.registry.byKind(KindPeer) {
		if md.OnNodeCreate == nil {
			continue
		}
		if err := md.OnNodeCreate(node); err != nil {
			return fmt.Errorf("entity: %s.OnNodeCreate: %w", md.Name, err)
		}
	}
	return nil
}

// OnNodeDelete runs every registered OnNodeDelete hook in
// relational/group/peer order.
func (m *Manager) OnNodeDelete(node *store.TreeNode) error {
	for _, kind := range reverseCascadeOrder {
		for _, md := range m.registry.byKind(kind) {
			if md.OnNodeDelete == nil {
				continue
			}
			if err := md.OnNodeDelete(node); err != nil {
				return fmt.Errorf("entity: %s.OnNodeDelete: %w", md.Name, err)
			}
		}
	}
	return nil
}

// OnNodeDuplicate runs every registered OnNodeDuplicate hook in
// peer/group/relational order, mirroring creation ordering since
// duplication is a creation of new side-data rows for the duplicate.
func (m *Manager) OnNodeDuplicate(source, duplicate *store.TreeNode) error {
	for _, kind := range cascadeOrder {
		for _, md := range m.registry.byKind(kind) {
			if md.OnNodeDuplicate == nil {
				continue
			}
			if err := md.OnNodeDuplicate(source, duplicate); err != nil {
				return fmt.Errorf("entity: %s.OnNodeDuplicate: %w", md.Name, err)
			}
		}
	}
	return nil
}

// DecRefRelational runs DecRef for every registered relational entity
// touching node, and returns the set of entity names whose count
// reached zero with AutoDeleteWhenZero set or with no
// ReferenceManagement at all. mutation.Remove calls it before
// OnNodeDelete and does not act on the returned list; neither it nor
// the Manager drops any relational row.
func (m *Manager) DecRefRelational(node *store.TreeNode) (zeroed []string, err error) {
	total := 0
	for _, md := range m.registry.byKind(KindRelational) {
		if md.DecRef == nil {
			continue
		}
		remaining, err := md.DecRef(node)
		if err != nil {
			return zeroed, fmt.Errorf("entity: %s.DecRef: %w", md.Name, err)
		}
		total += remaining
		autoDelete := md.ReferenceManagement == nil || md.ReferenceManagement.AutoDeleteWhenZero
		if remaining == 0 && autoDelete {
			zeroed = append(zeroed, md.Name)
		}
	}
	log.Printf("entity: %s", LogReferenceTotal(total))
	return zeroed, nil
}

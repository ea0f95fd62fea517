// Package workingcopy implements the working-copy / commit / discard
// two-phase-commit protocol: callers draft changes in the
// ephemeral store, then either commit them into the durable forest or
// discard them, never mutating the durable store directly.
//
// # ELI12
//
// A working copy is a rough draft. You scribble on it freely - rename
// it, change its description - and none of that touches the
// real page until you commit. If you change your mind, you throw the
// draft away and the real page never knew it happened.
package workingcopy

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/orneryd/treedb/names"
	"github.com/orneryd/treedb/store"
)

// OnNameConflict controls what Commit does when the working copy's name
// collides with an existing sibling at commit time.
type OnNameConflict string

const (
	// OnConflictError fails the commit with ErrNameNotUnique.
	OnConflictError OnNameConflict = "error"
	// OnConflictAutoRename resolves the collision via names.CreateNewName
	// before writing, the same policy paste/import use.
	OnConflictAutoRename OnNameConflict = "auto-rename"
)

// Errors returned by this package.
var (
	ErrWorkingCopyNotFound      = errors.New("workingcopy: not found")
	ErrStaleVersion             = errors.New("workingcopy: stale version")
	ErrNameNotUnique            = errors.New("workingcopy: name not unique")
	ErrIllegalRelation          = errors.New("workingcopy: illegal relation")
	ErrWorkingCopyAlreadyExists = errors.New("workingcopy: already exists for node")
)

// Manager coordinates the ephemeral and durable stores for the
// working-copy protocol. It holds no locks of its own beyond what the
// underlying stores already provide; the core runs single-writer, so
// Manager methods assume they are never called concurrently for the
// same working copy.
type Manager struct {
	durable   *store.Durable
	ephemeral *store.Ephemeral
}

// New constructs a Manager bound to the given stores.
func New(durable *store.Durable, ephemeral *store.Ephemeral) *Manager {
	return &Manager{durable: durable, ephemeral: ephemeral}
}

// idSeq disambiguates ids minted within the same millisecond.
var idSeq uint64

// idGenerator is swappable for tests; production callers get a
// timestamp plus a monotonic counter.
var idGenerator = func() string {
	n := atomic.AddUint64(&idSeq, 1)
	return fmt.Sprintf("wc-%d-%d", store.NowMS(), n)
}

// CreateDraftWorkingCopy opens a new working copy with no backing
// durable node yet - the eventual "create" case for a new file or
// folder.
func (m *Manager) CreateDraftWorkingCopy(parentID store.NodeID, nodeType, proposedName string) (*store.WorkingCopy, error) {
	wc := &store.WorkingCopy{
		WorkingCopyID: store.NodeID(idGenerator()),
		ParentID:      parentID,
		NodeType:      nodeType,
		Name:          proposedName,
		UpdatedAt:     store.NowMS(),
	}
	if err := m.ephemeral.Put(wc); err != nil {
		return nil, err
	}
	return wc, nil
}

// CreateWorkingCopyFromNode opens a working copy seeded from an existing
// durable node's current state, recording the node's Version as
// BaseVersion for the optimistic check Commit performs later.
func (m *Manager) CreateWorkingCopyFromNode(nodeID store.NodeID) (*store.WorkingCopy, error) {
	node, err := m.durable.GetNode(nodeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("workingcopy: source node: %w", err)
		}
		return nil, err
	}

	if _, err := m.ephemeral.FindByNodeID(nodeID); err == nil {
		return nil, ErrWorkingCopyAlreadyExists
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	baseVersion := node.Version
	wc := &store.WorkingCopy{
		WorkingCopyID: store.NodeID(idGenerator()),
		NodeID:        &node.ID,
		ParentID:      node.ParentID,
		NodeType:      node.NodeType,
		Name:          node.Name,
		Description:   node.Description,
		BaseVersion:   &baseVersion,
		UpdatedAt:     store.NowMS(),
	}
	if err := m.ephemeral.Put(wc); err != nil {
		return nil, err
	}
	return wc, nil
}

// Update overwrites the editable fields of an open working copy. It does
// not touch the durable store.
func (m *Manager) Update(workingCopyID store.NodeID, name *string, description *string) (*store.WorkingCopy, error) {
	wc, err := m.ephemeral.Get(workingCopyID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrWorkingCopyNotFound
		}
		return nil, err
	}
	if name != nil {
		wc.Name = *name
	}
	if description != nil {
		wc.Description = description
	}
	wc.UpdatedAt = store.NowMS()
	if err := m.ephemeral.Put(wc); err != nil {
		return nil, err
	}
	return wc, nil
}

// CheckConflict reports whether committing this working copy right now
// would fail the optimistic version check:
// true if the working copy is backed by an existing node whose current
// durable Version no longer matches BaseVersion.
func (m *Manager) CheckConflict(workingCopyID store.NodeID) (bool, error) {
	wc, err := m.ephemeral.Get(workingCopyID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, ErrWorkingCopyNotFound
		}
		return false, err
	}
	if wc.NodeID == nil || wc.BaseVersion == nil {
		return false, nil // draft, nothing to conflict with yet
	}
	current, err := m.durable.GetNode(*wc.NodeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return true, nil // node vanished out from under the working copy
		}
		return false, err
	}
	return current.Version != *wc.BaseVersion, nil
}

// Commit applies the working copy's buffered state to the durable store:
// a create for a draft, an optimistic-checked update for one seeded from
// an existing node. On success the working copy is removed from the
// ephemeral store. onConflict controls name-collision handling.
func (m *Manager) Commit(workingCopyID store.NodeID, onConflict OnNameConflict) (*store.TreeNode, error) {
	wc, err := m.ephemeral.Get(workingCopyID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrWorkingCopyNotFound
		}
		return nil, err
	}

	name, err := m.resolveName(wc, onConflict)
	if err != nil {
		return nil, err
	}

	var result *store.TreeNode
	if wc.NodeID == nil {
		result, err = m.commitDraft(wc, name)
	} else {
		result, err = m.commitUpdate(wc, name)
	}
	if err != nil {
		return nil, err
	}

	if err := m.ephemeral.Delete(workingCopyID); err != nil {
		return nil, err
	}
	return result, nil
}

func (m *Manager) resolveName(wc *store.WorkingCopy, onConflict OnNameConflict) (string, error) {
	exists := func(candidate string) (bool, error) {
		if wc.NodeID != nil {
			// Excluding the working copy's own current name from the
			// collision check lets a no-op rename (or a pure description
			// edit) commit without tripping over itself.
			existing, err := m.durable.GetNode(*wc.NodeID)
			if err == nil && existing.Name == candidate {
				return false, nil
			}
		}
		return m.durable.NameExists(wc.ParentID, candidate)
	}

	taken, err := exists(wc.Name)
	if err != nil {
		return "", err
	}
	if !taken {
		return wc.Name, nil
	}
	switch onConflict {
	case OnConflictAutoRename:
		siblings, err := m.durable.ListChildren(wc.ParentID)
		if err != nil {
			return "", err
		}
		return names.CreateNewName(wc.Name, len(siblings), exists)
	default:
		return "", ErrNameNotUnique
	}
}

func (m *Manager) commitDraft(wc *store.WorkingCopy, name string) (*store.TreeNode, error) {
	now := store.NowMS()
	node := &store.TreeNode{
		ID:          store.NodeID(fmt.Sprintf("n-%s", idGenerator())),
		ParentID:    wc.ParentID,
		NodeType:    wc.NodeType,
		Name:        name,
		Description: wc.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
	}
	if err := m.durable.CreateNode(node); err != nil {
		return nil, err
	}
	return node, nil
}

func (m *Manager) commitUpdate(wc *store.WorkingCopy, name string) (*store.TreeNode, error) {
	current, err := m.durable.GetNode(*wc.NodeID)
	if err != nil {
		return nil, err
	}
	if current.Version != *wc.BaseVersion {
		return nil, ErrStaleVersion
	}
	updated := current.Clone()
	updated.ParentID = wc.ParentID
	updated.Name = name
	updated.Description = wc.Description
	updated.Version = current.Version + 1
	updated.UpdatedAt = store.NowMS()
	if err := m.durable.UpdateNode(updated); err != nil {
		return nil, err
	}
	return updated, nil
}

// Discard abandons a working copy without touching the durable store.
// Idempotent: discarding an already-discarded or never-existing working
// copy id is not an error.
func (m *Manager) Discard(workingCopyID store.NodeID) error {
	return m.ephemeral.Delete(workingCopyID)
}

// Package mutation implements the Mutation Service:
// move, duplicate, paste, trash/recover, hard remove, and import,
// each wired through the Entity Lifecycle Manager and the Node
// Lifecycle Hooks so side data and plugin callbacks stay consistent
// with every structural change.
package mutation

import (
	"errors"
	"fmt"

	"github.com/orneryd/treedb/entity"
	"github.com/orneryd/treedb/hooks"
	"github.com/orneryd/treedb/names"
	"github.com/orneryd/treedb/query"
	"github.com/orneryd/treedb/store"
	"github.com/orneryd/treedb/workingcopy"
)

// Errors returned by this package.
var (
	ErrIllegalRelation = errors.New("mutation: illegal relation")
	ErrHasInboundRefs  = errors.New("mutation: node has inbound references")
)

// Service performs structural mutations against the durable store.
type Service struct {
	durable *store.Durable
	query   *query.Service
	entities *entity.Manager
	hooksRunner *hooks.Runner
	maxTreeDepth int
}

// New constructs a Service.
func New(durable *store.Durable, q *query.Service, entities *entity.Manager, hooksRunner *hooks.Runner, maxTreeDepth int) *Service {
	return &Service{durable: durable, query: q, entities: entities, hooksRunner: hooksRunner, maxTreeDepth: maxTreeDepth}
}

// resolveChildName applies the caller's name-conflict policy against
// parentID's current children: under OnConflictError a collision is
// workingcopy.ErrNameNotUnique; under OnConflictAutoRename it is
// resolved through names.CreateNewName.
func (s *Service) resolveChildName(parentID store.NodeID, proposed string, onConflict workingcopy.OnNameConflict) (string, error) {
	exists := func(candidate string) (bool, error) {
		return s.durable.NameExists(parentID, candidate)
	}
	taken, err := exists(proposed)
	if err != nil {
		return "", err
	}
	if !taken {
		return proposed, nil
	}
	if onConflict == workingcopy.OnConflictError {
		return "", workingcopy.ErrNameNotUnique
	}
	siblings, err := s.durable.ListChildren(parentID)
	if err != nil {
		return "", err
	}
	return names.CreateNewName(proposed, len(siblings), exists)
}

// isAncestor reports whether candidateAncestorID is an ancestor of
// nodeID, walking up to maxTreeDepth hops. This is the cycle guard run
// before any move/paste: a node can never become its own descendant.
func (s *Service) isAncestor(candidateAncestorID, nodeID store.NodeID) (bool, error) {
	current := nodeID
	for i := 0; i < s.maxTreeDepth; i++ {
		node, err := s.durable.GetNode(current)
		if err != nil {
			return false, err
		}
		if node.ParentID == store.SuperRootParentID {
			return false, nil
		}
		if node.ParentID == candidateAncestorID {
			return true, nil
		}
		current = node.ParentID
	}
	return false, nil
}

// MoveNodes reparents each node in nodeIDs to newParentID, rejecting any
// move that would make newParentID a descendant of the node being
// moved (ILLEGAL_RELATION). onConflict decides whether a sibling-name
// collision at the destination fails the move or auto-renames the
// moved node.
func (s *Service) MoveNodes(nodeIDs []store.NodeID, newParentID store.NodeID, onConflict workingcopy.OnNameConflict) ([]*store.TreeNode, error) {
	var moved []*store.TreeNode
	for _, id := range nodeIDs {
		if id == newParentID {
			return moved, ErrIllegalRelation
		}
		becomesDescendant, err := s.isAncestor(id, newParentID)
		if err != nil {
			return moved, err
		}
		if becomesDescendant {
			return moved, ErrIllegalRelation
		}

		node, err := s.durable.GetNode(id)
		if err != nil {
			return moved, err
		}

		if s.hooksRunner != nil {
			if err := s.hooksRunner.Run(hooks.BeforeMove, node); err != nil {
				return moved, err
			}
		}

		uniqueName, err := s.resolveChildName(newParentID, node.Name, onConflict)
		if err != nil {
			return moved, err
		}

		updated := node.Clone()
		updated.ParentID = newParentID
		updated.Name = uniqueName
		updated.Version = node.Version + 1
		updated.UpdatedAt = store.NowMS()
		if err := s.durable.UpdateNode(updated); err != nil {
			return moved, err
		}

		if s.hooksRunner != nil {
			_ = s.hooksRunner.Run(hooks.AfterMove, updated)
		}
		moved = append(moved, updated)
	}
	return moved, nil
}

// DuplicateNodes clones each node in nodeIDs (and its subtree) under
// toParentID, or under each source's own parent when toParentID is
// empty. The root of each duplicated subtree is named "<name> (Copy)"
// resolved per onConflict; interior node names are kept as-is since
// they remain unique under their (new) duplicated parent. Returns a map
// from original node id to its duplicate's id, so callers (paste, the
// facade) can remap references.
func (s *Service) DuplicateNodes(nodeIDs []store.NodeID, toParentID store.NodeID, onConflict workingcopy.OnNameConflict) (map[store.NodeID]store.NodeID, error) {
	idMap := make(map[store.NodeID]store.NodeID)
	for _, id := range nodeIDs {
		root, err := s.durable.GetNode(id)
		if err != nil {
			return idMap, err
		}
		destination := toParentID
		if destination == "" {
			destination = root.ParentID
		}
		if err := s.duplicateSubtree(root, destination, true, onConflict, idMap); err != nil {
			return idMap, err
		}
	}
	return idMap, nil
}

func (s *Service) duplicateSubtree(source *store.TreeNode, newParentID store.NodeID, isRoot bool, onConflict workingcopy.OnNameConflict, idMap map[store.NodeID]store.NodeID) error {
	proposed := source.Name
	if isRoot {
		proposed = source.Name + " (Copy)"
	}
	uniqueName, err := s.resolveChildName(newParentID, proposed, onConflict)
	if err != nil {
		return err
	}

	now := store.NowMS()
	duplicate := &store.TreeNode{
		ID: store.NodeID(fmt.Sprintf("%s-copy-%d", source.ID, now)), ParentID: newParentID,
		NodeType: source.NodeType, Name: uniqueName, Description: source.Description,
		CreatedAt: now, UpdatedAt: now, Version: 1,
	}
	if err := s.durable.CreateNode(duplicate); err != nil {
		return err
	}
	idMap[source.ID] = duplicate.ID

	if s.entities != nil {
		if err := s.entities.OnNodeDuplicate(source, duplicate); err != nil {
			return err
		}
	}

	children, err := s.durable.ListChildren(source.ID)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := s.duplicateSubtree(child, duplicate.ID, false, onConflict, idMap); err != nil {
			return err
		}
	}
	return nil
}

// PasteNodes copies the given CopyRecords (from query.CopyNodes) under
// destinationParentID, remapping parent references so interior
// structure is preserved. Capped at maxPasteNodes. Under
// OnConflictError the first sibling collision aborts the whole paste.
//
// The paste runs in two phases so a collision or write failure leaves
// the durable store untouched: every record is first staged in memory
// (id assigned, name resolved against the current siblings plus the
// names already claimed by this batch), and only a fully staged batch
// is written - parent before child, running the entity-creation
// cascade per node, rolling back this batch's writes if any of them
// fails.
func (s *Service) PasteNodes(records []query.CopyRecord, destinationParentID store.NodeID, onConflict workingcopy.OnNameConflict, maxPasteNodes int) ([]*store.TreeNode, error) {
	if len(records) > maxPasteNodes {
		return nil, fmt.Errorf("mutation: paste batch of %d exceeds max of %d", len(records), maxPasteNodes)
	}

	byOriginalID := make(map[store.NodeID]query.CopyRecord, len(records))
	for _, r := range records {
		byOriginalID[r.ID] = r
	}

	idMap := make(map[store.NodeID]store.NodeID)
	var staged []*store.TreeNode
	stagedNames := make(map[store.NodeID]map[string]bool)

	resolveStagedName := func(parentID store.NodeID, proposed string) (string, error) {
		exists := func(candidate string) (bool, error) {
			if stagedNames[parentID][candidate] {
				return true, nil
			}
			return s.durable.NameExists(parentID, candidate)
		}
		taken, err := exists(proposed)
		if err != nil {
			return "", err
		}
		if !taken {
			return proposed, nil
		}
		if onConflict == workingcopy.OnConflictError {
			return "", workingcopy.ErrNameNotUnique
		}
		siblings, err := s.durable.ListChildren(parentID)
		if err != nil {
			return "", err
		}
		return names.CreateNewName(proposed, len(siblings)+len(stagedNames[parentID]), exists)
	}

	var stageOne func(r query.CopyRecord, newParentID store.NodeID) error
	stageOne = func(r query.CopyRecord, newParentID store.NodeID) error {
		if _, already := idMap[r.ID]; already {
			return nil
		}
		uniqueName, err := resolveStagedName(newParentID, r.Name)
		if err != nil {
			return err
		}
		now := store.NowMS()
		node := &store.TreeNode{
			ID: store.NodeID(fmt.Sprintf("%s-paste-%d", r.ID, now)), ParentID: newParentID,
			NodeType: r.NodeType, Name: uniqueName, Description: r.Description,
			CreatedAt: now, UpdatedAt: now, Version: 1,
		}
		idMap[r.ID] = node.ID
		staged = append(staged, node)
		if stagedNames[newParentID] == nil {
			stagedNames[newParentID] = make(map[string]bool)
		}
		stagedNames[newParentID][uniqueName] = true

		for _, child := range records {
			if child.ParentID == r.ID {
				if err := stageOne(child, node.ID); err != nil {
					return err
				}
			}
		}
		return nil
	}

	for _, r := range records {
		if _, isChild := byOriginalID[r.ParentID]; isChild {
			continue // will be reached as a child of its original parent
		}
		if err := stageOne(r, destinationParentID); err != nil {
			return nil, err
		}
	}

	// staged is in parent-before-child order, so a plain walk writes
	// every parent before any of its children. The rollback walks the
	// written prefix in reverse, children first.
	var pasted []*store.TreeNode
	rollback := func() {
		for i := len(pasted) - 1; i >= 0; i-- {
			if s.entities != nil {
				_ = s.entities.OnNodeDelete(pasted[i])
			}
			_ = s.durable.DeleteNode(pasted[i].ID)
		}
	}
	for _, node := range staged {
		if err := s.durable.CreateNode(node); err != nil {
			rollback()
			return nil, err
		}
		if s.entities != nil {
			if err := s.entities.OnNodeCreate(node); err != nil {
				_ = s.durable.DeleteNode(node.ID)
				rollback()
				return nil, err
			}
		}
		pasted = append(pasted, node)
	}
	return pasted, nil
}

// MoveToTrash transitions node into the trash: its parent/name are
// preserved in Original* fields and it's reparented under the tree's
// trash root.
func (s *Service) MoveToTrash(nodeID store.NodeID, trashRootID store.NodeID) (*store.TreeNode, error) {
	node, err := s.durable.GetNode(nodeID)
	if err != nil {
		return nil, err
	}
	if s.hooksRunner != nil {
		if err := s.hooksRunner.Run(hooks.BeforeTrash, node); err != nil {
			return nil, err
		}
	}

	uniqueName, err := s.resolveChildName(trashRootID, node.Name, workingcopy.OnConflictAutoRename)
	if err != nil {
		return nil, err
	}

	origParent := node.ParentID
	origName := node.Name
	removedAt := store.NowMS()

	updated := node.Clone()
	updated.ParentID = trashRootID
	updated.Name = uniqueName
	updated.OriginalParentID = &origParent
	updated.OriginalName = &origName
	updated.RemovedAt = &removedAt
	updated.IsRemoved = true
	updated.Version = node.Version + 1
	updated.UpdatedAt = removedAt

	if err := s.durable.UpdateNode(updated); err != nil {
		return nil, err
	}
	if s.hooksRunner != nil {
		_ = s.hooksRunner.Run(hooks.AfterTrash, updated)
	}
	return updated, nil
}

// RecoverFromTrash reverses MoveToTrash: the node is reparented to
// toParentID, or back to its recorded OriginalParentID when toParentID
// is empty, under OriginalName (re-resolved per onConflict, since the
// original slot may now be taken), and the Original*/removed fields are
// cleared atomically. A restore target that no longer exists is
// store.ErrNotFound rather than a silent reattach to a dangling parent.
func (s *Service) RecoverFromTrash(nodeID store.NodeID, toParentID store.NodeID, onConflict workingcopy.OnNameConflict) (*store.TreeNode, error) {
	node, err := s.durable.GetNode(nodeID)
	if err != nil {
		return nil, err
	}
	if !node.IsRemoved || node.OriginalParentID == nil || node.OriginalName == nil {
		return nil, fmt.Errorf("mutation: node %s is not in the trash", nodeID)
	}

	restoredParent := toParentID
	if restoredParent == "" {
		restoredParent = *node.OriginalParentID
	}
	if _, err := s.durable.GetNode(restoredParent); err != nil {
		return nil, fmt.Errorf("mutation: restore target %s: %w", restoredParent, err)
	}
	restoredName, err := s.resolveChildName(restoredParent, *node.OriginalName, onConflict)
	if err != nil {
		return nil, err
	}

	updated := node.Clone()
	updated.ParentID = restoredParent
	updated.Name = restoredName
	updated.OriginalParentID = nil
	updated.OriginalName = nil
	updated.RemovedAt = nil
	updated.IsRemoved = false
	updated.Version = node.Version + 1
	updated.UpdatedAt = store.NowMS()

	if err := s.durable.UpdateNode(updated); err != nil {
		return nil, err
	}
	return updated, nil
}

// Remove hard-deletes node and its entire subtree via post-order DFS
// (children before parents), running entity cascades and hooks for
// every node removed.
func (s *Service) Remove(nodeID store.NodeID) error {
	children, err := s.durable.ListChildren(nodeID)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := s.Remove(child.ID); err != nil {
			return err
		}
	}

	node, err := s.durable.GetNode(nodeID)
	if err != nil {
		return err
	}

	if s.hooksRunner != nil {
		if err := s.hooksRunner.Run(hooks.BeforeRemove, node); err != nil {
			return err
		}
	}
	if s.entities != nil {
		if _, err := s.entities.DecRefRelational(node); err != nil {
			return err
		}
		if err := s.entities.OnNodeDelete(node); err != nil {
			return err
		}
	}
	if err := s.durable.DeleteNode(nodeID); err != nil {
		return err
	}
	if s.hooksRunner != nil {
		_ = s.hooksRunner.Run(hooks.AfterRemove, node)
	}
	return nil
}

// ImportNodes recreates a previously exported node tree under
// destinationParentID using a two-pass id remap: first every record is
// assigned a fresh id, then records are created in parent-before-child
// order, mirroring pkg/storage/loader.go's two-pass Neo4j JSON import
// (collect id mapping, then materialize relationships against the new
// ids).
func (s *Service) ImportNodes(records []query.CopyRecord, destinationParentID store.NodeID, onConflict workingcopy.OnNameConflict, maxPasteNodes int) ([]*store.TreeNode, error) {
	return s.PasteNodes(records, destinationParentID, onConflict, maxPasteNodes)
}

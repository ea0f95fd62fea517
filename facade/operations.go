package facade

import (
	"fmt"

	"github.com/orneryd/treedb/command"
	"github.com/orneryd/treedb/entity"
	"github.com/orneryd/treedb/hooks"
	"github.com/orneryd/treedb/query"
	"github.com/orneryd/treedb/store"
	"github.com/orneryd/treedb/subscribe"
	"github.com/orneryd/treedb/workingcopy"
)

// validateName enforces the configured name-length bound (1-255) at
// the two places a caller supplies a new name: create and rename. A
// violation yields INVALID_OPERATION.
func (f *Facade) validateName(name string) error {
	if len(name) < 1 || len(name) > f.cfg.Limits.MaxNameLength {
		return command.NewError(command.ErrCodeInvalidOperation,
			fmt.Sprintf("name length %d must be between 1 and %d", len(name), f.cfg.Limits.MaxNameLength))
	}
	return nil
}

// Command types registered with the pipeline. Exported so a caller that
// wants to build its own command.Envelope (rather than using the
// convenience methods below) can reference the same strings.
const (
	CommandCreateNode  = "createNode"
	CommandRenameNode  = "renameNode"
	CommandMoveNodes   = "moveNodes"
	CommandTrashNode   = "trashNode"
	CommandRecoverNode = "recoverNode"
	CommandRemoveNode  = "removeNode"
)

type createNodePayload struct {
	ParentID   store.NodeID
	NodeType   string
	Name       string
	OnConflict workingcopy.OnNameConflict
}

type renameNodePayload struct {
	NodeID     store.NodeID
	NewName    string
	OnConflict workingcopy.OnNameConflict
}

type moveNodesPayload struct {
	NodeIDs     []store.NodeID
	NewParentID store.NodeID
	OnConflict  workingcopy.OnNameConflict
}

// conflictOrDefault fills an unset conflict policy with auto-rename,
// the default every convenience method and undo/redo replay uses.
func conflictOrDefault(c workingcopy.OnNameConflict) workingcopy.OnNameConflict {
	if c == "" {
		return workingcopy.OnConflictAutoRename
	}
	return c
}

type trashNodePayload struct {
	NodeID      store.NodeID
	TrashRootID store.NodeID
}

type recoverNodePayload struct {
	NodeID store.NodeID
}

type removeNodePayload struct {
	NodeID store.NodeID
}

// registerExecutors binds every orchestrated mutation kind to the
// command pipeline so CanUndo/CanRedo and the event history cover the
// facade's whole public surface, not just direct store writes.
func (f *Facade) registerExecutors() {
	f.Commands.Register(CommandCreateNode, func(payload interface{}) (interface{}, *command.Envelope, error) {
		p := payload.(createNodePayload)
		wc, err := f.WorkingCopy.CreateDraftWorkingCopy(p.ParentID, p.NodeType, p.Name)
		if err != nil {
			return nil, nil, err
		}
		node, err := f.WorkingCopy.Commit(wc.WorkingCopyID, conflictOrDefault(p.OnConflict))
		if err != nil {
			// The caller never saw the draft's id, so it can't discard a
			// failed create itself.
			_ = f.WorkingCopy.Discard(wc.WorkingCopyID)
			return nil, nil, err
		}
		if err := f.Hooks.Run(hooks.BeforeCreate, node); err != nil {
			_ = f.Mutation.Remove(node.ID)
			return nil, nil, err
		}
		if err := f.Entities.OnNodeCreate(node); err != nil {
			_ = f.Mutation.Remove(node.ID)
			return nil, nil, err
		}
		_ = f.Hooks.Run(hooks.AfterCreate, node)
		// The inverse carries the id assigned at commit time, so undo
		// deletes exactly this node; redo replays the forward create and
		// mints a fresh id (see DESIGN.md on replayed inverse payloads).
		inverse := &command.Envelope{CommandType: CommandRemoveNode, Payload: removeNodePayload{NodeID: node.ID}}
		return node, inverse, nil
	})

	f.Commands.Register(CommandRemoveNode, func(payload interface{}) (interface{}, *command.Envelope, error) {
		p := payload.(removeNodePayload)
		if err := f.Mutation.Remove(p.NodeID); err != nil {
			return nil, nil, err
		}
		return p.NodeID, nil, nil
	})

	f.Commands.Register(CommandRenameNode, func(payload interface{}) (interface{}, *command.Envelope, error) {
		p := payload.(renameNodePayload)
		original, err := f.Query.GetNode(p.NodeID)
		if err != nil {
			return nil, nil, err
		}
		if err := f.Hooks.Run(hooks.BeforeRename, original); err != nil {
			return nil, nil, err
		}
		// Opening a working copy pulls the durable node into editable
		// ephemeral state; committing it releases that state back, so the
		// pair brackets the rename with onLoad/onUnload.
		if err := f.Hooks.Run(hooks.BeforeLoad, original); err != nil {
			return nil, nil, err
		}
		wc, err := f.WorkingCopy.CreateWorkingCopyFromNode(p.NodeID)
		if err != nil {
			return nil, nil, err
		}
		_ = f.Hooks.Run(hooks.AfterLoad, original)
		newName := p.NewName
		if _, err := f.WorkingCopy.Update(wc.WorkingCopyID, &newName, nil); err != nil {
			_ = f.WorkingCopy.Discard(wc.WorkingCopyID)
			return nil, nil, err
		}
		if err := f.Hooks.Run(hooks.BeforeUnload, original); err != nil {
			_ = f.WorkingCopy.Discard(wc.WorkingCopyID)
			return nil, nil, err
		}
		node, err := f.WorkingCopy.Commit(wc.WorkingCopyID, conflictOrDefault(p.OnConflict))
		if err != nil {
			// The rename flow owns this working copy end to end; a stale
			// one left behind would block every later rename of the node.
			_ = f.WorkingCopy.Discard(wc.WorkingCopyID)
			return nil, nil, err
		}
		_ = f.Hooks.Run(hooks.AfterUnload, node)
		_ = f.Hooks.Run(hooks.AfterRename, node)
		inverse := &command.Envelope{CommandType: CommandRenameNode, Payload: renameNodePayload{NodeID: node.ID, NewName: original.Name}}
		return node, inverse, nil
	})

	f.Commands.Register(CommandMoveNodes, func(payload interface{}) (interface{}, *command.Envelope, error) {
		p := payload.(moveNodesPayload)
		originalParents := make(map[store.NodeID]store.NodeID, len(p.NodeIDs))
		for _, id := range p.NodeIDs {
			n, err := f.Query.GetNode(id)
			if err != nil {
				return nil, nil, err
			}
			originalParents[id] = n.ParentID
		}

		moved, err := f.Mutation.MoveNodes(p.NodeIDs, p.NewParentID, conflictOrDefault(p.OnConflict))
		if err != nil {
			return nil, nil, err
		}

		// The inverse of a batch move is moving each node back to its own
		// original parent; since MoveNodes takes one destination for the
		// whole batch, only a batch that moved every node from the same
		// parent has a single-envelope inverse. A mixed-origin batch gets
		// a nil inverse and is not pushed onto the undo stack.
		var inverse *command.Envelope
		if len(moved) > 0 {
			first := originalParents[moved[0].ID]
			allSame := true
			for _, id := range p.NodeIDs {
				if originalParents[id] != first {
					allSame = false
					break
				}
			}
			if allSame {
				inverse = &command.Envelope{CommandType: CommandMoveNodes, Payload: moveNodesPayload{NodeIDs: p.NodeIDs, NewParentID: first}}
			}
		}
		return moved, inverse, nil
	})

	f.Commands.Register(CommandTrashNode, func(payload interface{}) (interface{}, *command.Envelope, error) {
		p := payload.(trashNodePayload)
		trashRootID := p.TrashRootID
		if trashRootID == "" {
			// An envelope without a TrashRootID carries only the node id;
			// resolve which tree's trash it belongs in from its ancestors.
			var err error
			trashRootID, err = f.trashRootFor(p.NodeID)
			if err != nil {
				return nil, nil, err
			}
		}
		node, err := f.Mutation.MoveToTrash(p.NodeID, trashRootID)
		if err != nil {
			return nil, nil, err
		}
		inverse := &command.Envelope{CommandType: CommandRecoverNode, Payload: recoverNodePayload{NodeID: node.ID}}
		return node, inverse, nil
	})

	f.Commands.Register(CommandRecoverNode, func(payload interface{}) (interface{}, *command.Envelope, error) {
		p := payload.(recoverNodePayload)
		before, err := f.Query.GetNode(p.NodeID)
		if err != nil {
			return nil, nil, err
		}
		trashRootID := before.ParentID
		node, err := f.Mutation.RecoverFromTrash(p.NodeID, "", workingcopy.OnConflictAutoRename)
		if err != nil {
			return nil, nil, err
		}
		inverse := &command.Envelope{CommandType: CommandTrashNode, Payload: trashNodePayload{NodeID: node.ID, TrashRootID: trashRootID}}
		return node, inverse, nil
	})
}

// CreateNode creates a node through the command pipeline, making it
// undoable.
func (f *Facade) CreateNode(parentID store.NodeID, nodeType, name string) (*store.TreeNode, error) {
	if err := f.validateName(name); err != nil {
		return nil, err
	}
	result, err := f.Commands.Process(command.Envelope{
		CommandID: f.nextGroupID(), GroupID: f.nextGroupID(), CommandType: CommandCreateNode,
		Payload: createNodePayload{ParentID: parentID, NodeType: nodeType, Name: name},
	})
	if err != nil {
		return nil, err
	}
	return result.(*store.TreeNode), nil
}

// RenameNode renames a node through the command pipeline.
func (f *Facade) RenameNode(nodeID store.NodeID, newName string) (*store.TreeNode, error) {
	if err := f.validateName(newName); err != nil {
		return nil, err
	}
	result, err := f.Commands.Process(command.Envelope{
		CommandID: f.nextGroupID(), GroupID: f.nextGroupID(), CommandType: CommandRenameNode,
		Payload: renameNodePayload{NodeID: nodeID, NewName: newName},
	})
	if err != nil {
		return nil, err
	}
	return result.(*store.TreeNode), nil
}

// MoveNodes moves nodeIDs under newParentID through the command pipeline.
func (f *Facade) MoveNodes(nodeIDs []store.NodeID, newParentID store.NodeID) ([]*store.TreeNode, error) {
	result, err := f.Commands.Process(command.Envelope{
		CommandID: f.nextGroupID(), GroupID: f.nextGroupID(), CommandType: CommandMoveNodes,
		Payload: moveNodesPayload{NodeIDs: nodeIDs, NewParentID: newParentID},
	})
	if err != nil {
		return nil, err
	}
	return result.([]*store.TreeNode), nil
}

// TrashNode moves a node to the trash through the command pipeline.
func (f *Facade) TrashNode(nodeID, trashRootID store.NodeID) (*store.TreeNode, error) {
	result, err := f.Commands.Process(command.Envelope{
		CommandID: f.nextGroupID(), GroupID: f.nextGroupID(), CommandType: CommandTrashNode,
		Payload: trashNodePayload{NodeID: nodeID, TrashRootID: trashRootID},
	})
	if err != nil {
		return nil, err
	}
	return result.(*store.TreeNode), nil
}

// RecoverNode restores a trashed node through the command pipeline.
func (f *Facade) RecoverNode(nodeID store.NodeID) (*store.TreeNode, error) {
	result, err := f.Commands.Process(command.Envelope{
		CommandID: f.nextGroupID(), GroupID: f.nextGroupID(), CommandType: CommandRecoverNode,
		Payload: recoverNodePayload{NodeID: nodeID},
	})
	if err != nil {
		return nil, err
	}
	return result.(*store.TreeNode), nil
}

// Undo/Redo expose the command pipeline's stacks directly.
func (f *Facade) Undo() (interface{}, error) { return f.Commands.Undo() }
func (f *Facade) Redo() (interface{}, error) { return f.Commands.Redo() }

// DuplicateNodes and PasteNodes are not registered on the command
// pipeline as single undoable steps: undoing a duplicate/paste is just
// removing the newly generated nodes, which mutation.Remove already
// does directly - wrapping it in an inverse envelope would only
// duplicate that logic.
func (f *Facade) DuplicateNodes(nodeIDs []store.NodeID) (map[store.NodeID]store.NodeID, error) {
	return f.Mutation.DuplicateNodes(nodeIDs, "", workingcopy.OnConflictAutoRename)
}

func (f *Facade) RemoveNode(nodeID store.NodeID) error {
	return f.Mutation.Remove(nodeID)
}

// GetNode, ListChildren, ListDescendants, ListAncestors, and SearchNodes
// expose the read-only Query Service directly - reads never go through
// the command pipeline since they have no inverse and nothing to undo.

func (f *Facade) GetNode(nodeID store.NodeID) (*store.TreeNode, error) {
	return f.Query.GetNode(nodeID)
}

func (f *Facade) ListChildren(parentID store.NodeID, opts query.ListChildrenOptions) ([]*store.TreeNode, error) {
	return f.Query.ListChildren(parentID, opts)
}

func (f *Facade) ListDescendants(rootID store.NodeID, opts query.DescendantOptions) ([]*store.TreeNode, error) {
	return f.Query.ListDescendants(rootID, opts)
}

func (f *Facade) ListAncestors(nodeID store.NodeID) ([]*store.TreeNode, error) {
	return f.Query.ListAncestors(nodeID)
}

func (f *Facade) SearchNodes(rootID store.NodeID, q string, mode query.SearchMode, opts query.SearchOptions) ([]*store.TreeNode, error) {
	return f.Query.SearchNodes(rootID, q, mode, opts)
}

// CopyNodes, ExportNodes, PasteNodes, and ImportNodes round out the
// clipboard/import-export surface. Paste/import are not registered on
// the command pipeline for the same reason DuplicateNodes isn't: their
// undo is just removing the pasted subtree, which RemoveNode already
// covers without a bespoke inverse payload.

func (f *Facade) CopyNodes(nodeIDs []store.NodeID) (*query.CopyResult, error) {
	return f.Query.CopyNodes(nodeIDs, f.cfg.Limits.MaxCopyNodes)
}

func (f *Facade) ExportNodes(nodeIDs []store.NodeID) ([]byte, error) {
	return f.Query.ExportNodes(nodeIDs, f.cfg.Limits.MaxCopyNodes)
}

func (f *Facade) PasteNodes(records []query.CopyRecord, destinationParentID store.NodeID) ([]*store.TreeNode, error) {
	return f.Mutation.PasteNodes(records, destinationParentID, workingcopy.OnConflictAutoRename, f.cfg.Limits.MaxPasteNodes)
}

func (f *Facade) ImportNodes(records []query.CopyRecord, destinationParentID store.NodeID) ([]*store.TreeNode, error) {
	return f.Mutation.ImportNodes(records, destinationParentID, workingcopy.OnConflictAutoRename, f.cfg.Limits.MaxPasteNodes)
}

// RegisterEntity and RegisterHook let an embedding application extend
// the lifecycle cascade and the before/after hook points after Open.

func (f *Facade) RegisterEntity(m *entity.Metadata) error {
	return f.EntityRegistry.Register(m)
}

func (f *Facade) RegisterHook(h *hooks.Hook) {
	f.Hooks.Register(h)
}

func (f *Facade) HookFailures() []hooks.Failure {
	return f.Hooks.Failures()
}

// SubscribeNode, SubscribeChildren, SubscribeSubtree, and
// SubscribeWorkingCopy pass through to the Subscription Service.

func (f *Facade) SubscribeNode(nodeID store.NodeID, opts subscribe.NodeOptions) subscribe.Subscription {
	return f.Subscribe.SubscribeNode(nodeID, opts)
}

func (f *Facade) SubscribeChildren(parentID store.NodeID, opts subscribe.ChildrenOptions) subscribe.Subscription {
	return f.Subscribe.SubscribeChildren(parentID, opts)
}

func (f *Facade) SubscribeSubtree(rootID store.NodeID, opts subscribe.SubtreeOptions) subscribe.Subscription {
	return f.Subscribe.SubscribeSubtree(rootID, opts)
}

// GetActiveSubscriptions reports every live subscription's activity
// record.
func (f *Facade) GetActiveSubscriptions() []subscribe.Info {
	return f.Subscribe.Active()
}

func (f *Facade) SubscribeWorkingCopy(workingCopyID, backingNodeID store.NodeID) subscribe.Subscription {
	return f.Subscribe.SubscribeWorkingCopy(workingCopyID, backingNodeID)
}

package facade

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/orneryd/treedb/command"
	"github.com/orneryd/treedb/mutation"
	"github.com/orneryd/treedb/query"
	"github.com/orneryd/treedb/store"
	"github.com/orneryd/treedb/workingcopy"
)

// Result is the uniform envelope every RPC-shaped entry point returns:
// Success with Seq plus whichever of NodeID/NewNodeIDs/ClipboardData
// the operation produces, or Success=false with the error text and its
// taxonomy code.
type Result struct {
	Success       bool              `json:"success"`
	Seq           uint64            `json:"seq"`
	NodeID        store.NodeID      `json:"nodeId,omitempty"`
	NewNodeIDs    []store.NodeID    `json:"newNodeIds,omitempty"`
	ClipboardData *query.CopyResult `json:"clipboardData,omitempty"`
	Error         string            `json:"error,omitempty"`
	Code          command.ErrorCode `json:"code,omitempty"`
}

func (f *Facade) nextSeq() uint64 {
	return atomic.AddUint64(&f.resultSeq, 1)
}

func (f *Facade) ok(modify func(*Result)) Result {
	r := Result{Success: true, Seq: f.nextSeq()}
	if modify != nil {
		modify(&r)
	}
	return r
}

func (f *Facade) fail(err error) Result {
	return Result{Success: false, Seq: f.nextSeq(), Error: err.Error(), Code: errCodeOf(err)}
}

// errCodeOf maps this module's sentinel errors onto the command
// pipeline's taxonomy for the public result shape.
func errCodeOf(err error) command.ErrorCode {
	var ce *command.CommandError
	switch {
	case errors.As(err, &ce):
		return ce.Code
	case errors.Is(err, store.ErrNotFound):
		return command.ErrCodeNodeNotFound
	case errors.Is(err, workingcopy.ErrWorkingCopyNotFound):
		return command.ErrCodeWorkingCopyNotFound
	case errors.Is(err, workingcopy.ErrStaleVersion):
		return command.ErrCodeCommitConflict
	case errors.Is(err, workingcopy.ErrNameNotUnique):
		return command.ErrCodeNameNotUnique
	case errors.Is(err, workingcopy.ErrWorkingCopyAlreadyExists):
		return command.ErrCodeInvalidOperation
	case errors.Is(err, mutation.ErrIllegalRelation):
		return command.ErrCodeIllegalRelation
	case errors.Is(err, mutation.ErrHasInboundRefs):
		return command.ErrCodeHasInboundRefs
	case errors.Is(err, store.ErrStoreClosed), errors.Is(err, store.ErrInvalidData):
		return command.ErrCodeDatabaseError
	default:
		return command.ErrCodeUnknownError
	}
}

// GetTree returns the seeded tree for id.
func (f *Facade) GetTree(id store.TreeID) (*store.Tree, error) {
	return f.durable.GetTree(id)
}

// GetTrees returns every seeded tree.
func (f *Facade) GetTrees() ([]*store.Tree, error) {
	return f.durable.ListTrees()
}

// trashRootFor resolves which tree's trash root nodeID belongs under by
// walking its ancestors to the super-root and matching it against the
// seeded trees.
func (f *Facade) trashRootFor(nodeID store.NodeID) (store.NodeID, error) {
	ancestors, err := f.Query.ListAncestors(nodeID)
	if err != nil {
		return "", err
	}
	if len(ancestors) == 0 {
		return "", fmt.Errorf("facade: node %s has no ancestors to resolve a tree from", nodeID)
	}
	superRoot := ancestors[len(ancestors)-1]
	trees, err := f.durable.ListTrees()
	if err != nil {
		return "", err
	}
	for _, t := range trees {
		if t.SuperRootNodeID == superRoot.ID {
			return t.TrashRootNodeID, nil
		}
	}
	return "", fmt.Errorf("facade: no tree owns super-root %s", superRoot.ID)
}

// CreateRequest carries Create's arguments.
type CreateRequest struct {
	TreeNodeType string
	ParentNodeID store.NodeID
	Name         string
	Description  *string
	OnConflict   workingcopy.OnNameConflict
}

// Create validates the request, runs the draft-then-commit sequence
// through the command pipeline under one group, re-reads the persisted
// node as a sanity check, and reports its id.
func (f *Facade) Create(req CreateRequest) Result {
	if err := f.validateName(req.Name); err != nil {
		return f.fail(err)
	}
	if _, err := f.Query.GetNode(req.ParentNodeID); err != nil {
		return f.fail(err)
	}
	result, err := f.Commands.Process(command.Envelope{
		CommandID: f.nextGroupID(), GroupID: f.nextGroupID(), CommandType: CommandCreateNode,
		Payload: createNodePayload{ParentID: req.ParentNodeID, NodeType: req.TreeNodeType, Name: req.Name, OnConflict: req.OnConflict},
	})
	if err != nil {
		return f.fail(err)
	}
	node := result.(*store.TreeNode)
	if req.Description != nil {
		wc, err := f.WorkingCopy.CreateWorkingCopyFromNode(node.ID)
		if err != nil {
			return f.fail(err)
		}
		if _, err := f.WorkingCopy.Update(wc.WorkingCopyID, nil, req.Description); err != nil {
			return f.fail(err)
		}
		if node, err = f.WorkingCopy.Commit(wc.WorkingCopyID, workingcopy.OnConflictAutoRename); err != nil {
			return f.fail(err)
		}
	}
	persisted, err := f.Query.GetNode(node.ID)
	if err != nil {
		return f.fail(err)
	}
	return f.ok(func(r *Result) { r.NodeID = persisted.ID })
}

// UpdateFolderName renames a node through the command pipeline.
func (f *Facade) UpdateFolderName(nodeID store.NodeID, newName string) Result {
	node, err := f.RenameNode(nodeID, newName)
	if err != nil {
		return f.fail(err)
	}
	return f.ok(func(r *Result) { r.NodeID = node.ID })
}

// MoveFolder reparents nodeIDs under toParentID.
func (f *Facade) MoveFolder(nodeIDs []store.NodeID, toParentID store.NodeID, onConflict workingcopy.OnNameConflict) Result {
	moved, err := f.Commands.Process(command.Envelope{
		CommandID: f.nextGroupID(), GroupID: f.nextGroupID(), CommandType: CommandMoveNodes,
		Payload: moveNodesPayload{NodeIDs: nodeIDs, NewParentID: toParentID, OnConflict: onConflict},
	})
	if err != nil {
		return f.fail(err)
	}
	nodes := moved.([]*store.TreeNode)
	return f.ok(func(r *Result) {
		for _, n := range nodes {
			r.NewNodeIDs = append(r.NewNodeIDs, n.ID)
		}
	})
}

// DuplicateNodesFolder clones each subtree in nodeIDs under toParentID
// (or each source's own parent when toParentID is empty).
func (f *Facade) DuplicateNodesFolder(nodeIDs []store.NodeID, toParentID store.NodeID, onConflict workingcopy.OnNameConflict) Result {
	idMap, err := f.Mutation.DuplicateNodes(nodeIDs, toParentID, conflictOrDefault(onConflict))
	if err != nil {
		return f.fail(err)
	}
	return f.ok(func(r *Result) {
		for _, originalID := range nodeIDs {
			if newID, ok := idMap[originalID]; ok {
				r.NewNodeIDs = append(r.NewNodeIDs, newID)
			}
		}
	})
}

// CopyNodesFolder materializes nodeIDs plus descendants into a
// clipboard payload without mutating anything.
func (f *Facade) CopyNodesFolder(nodeIDs []store.NodeID) Result {
	clipboard, err := f.Query.CopyNodes(nodeIDs, f.cfg.Limits.MaxCopyNodes)
	if err != nil {
		return f.fail(err)
	}
	return f.ok(func(r *Result) { r.ClipboardData = clipboard })
}

// PasteNodesFolder replays a clipboard payload under toParentID.
func (f *Facade) PasteNodesFolder(records []query.CopyRecord, toParentID store.NodeID, onConflict workingcopy.OnNameConflict) Result {
	pasted, err := f.Mutation.PasteNodes(records, toParentID, conflictOrDefault(onConflict), f.cfg.Limits.MaxPasteNodes)
	if err != nil {
		return f.fail(err)
	}
	return f.ok(func(r *Result) {
		for _, n := range pasted {
			r.NewNodeIDs = append(r.NewNodeIDs, n.ID)
		}
	})
}

// MoveToTrashFolder soft-deletes each node into its own tree's trash
// root, resolved per node so a mixed-tree batch lands each node in the
// right trash.
func (f *Facade) MoveToTrashFolder(nodeIDs []store.NodeID) Result {
	var trashed []store.NodeID
	for _, id := range nodeIDs {
		trashRoot, err := f.trashRootFor(id)
		if err != nil {
			return f.fail(err)
		}
		node, err := f.TrashNode(id, trashRoot)
		if err != nil {
			return f.fail(err)
		}
		trashed = append(trashed, node.ID)
	}
	return f.ok(func(r *Result) { r.NewNodeIDs = trashed })
}

// RecoverFromTrashFolder restores each trashed node to toParentID, or
// its recorded original parent when toParentID is empty.
func (f *Facade) RecoverFromTrashFolder(nodeIDs []store.NodeID, toParentID store.NodeID, onConflict workingcopy.OnNameConflict) Result {
	var recovered []store.NodeID
	for _, id := range nodeIDs {
		node, err := f.Mutation.RecoverFromTrash(id, toParentID, conflictOrDefault(onConflict))
		if err != nil {
			return f.fail(err)
		}
		recovered = append(recovered, node.ID)
	}
	return f.ok(func(r *Result) { r.NewNodeIDs = recovered })
}

// RemoveFolder hard-deletes each node and its subtree.
func (f *Facade) RemoveFolder(nodeIDs []store.NodeID) Result {
	for _, id := range nodeIDs {
		if err := f.Mutation.Remove(id); err != nil {
			return f.fail(err)
		}
	}
	return f.ok(nil)
}

// ImportFromTemplate materializes a pre-built export payload (a
// template bundled by the embedding application) under toParentID.
func (f *Facade) ImportFromTemplate(template *query.ExportPayload, toParentID store.NodeID, onConflict workingcopy.OnNameConflict) Result {
	if template == nil || len(template.Nodes) == 0 {
		return f.fail(command.NewError(command.ErrCodeInvalidOperation, "importFromTemplate: empty template"))
	}
	if _, err := f.Query.GetNode(toParentID); err != nil {
		return f.fail(err)
	}
	imported, err := f.Mutation.ImportNodes(template.Nodes, toParentID, conflictOrDefault(onConflict), f.cfg.Limits.MaxPasteNodes)
	if err != nil {
		return f.fail(err)
	}
	return f.ok(func(r *Result) {
		for _, n := range imported {
			r.NewNodeIDs = append(r.NewNodeIDs, n.ID)
		}
	})
}

// ImportFromFile parses an opaque byte stream previously produced by
// ExportTreeNodes and imports it under toParentID.
func (f *Facade) ImportFromFile(data []byte, toParentID store.NodeID, onConflict workingcopy.OnNameConflict) Result {
	var payload query.ExportPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return f.fail(command.NewError(command.ErrCodeInvalidOperation, "importFromFile: malformed export payload: "+err.Error()))
	}
	return f.ImportFromTemplate(&payload, toParentID, onConflict)
}

// ExportTreeNodes serializes nodeIDs and their descendants into the
// self-describing export payload.
func (f *Facade) ExportTreeNodes(nodeIDs []store.NodeID) ([]byte, error) {
	return f.Query.ExportNodes(nodeIDs, f.cfg.Limits.MaxCopyNodes)
}

// ListEntityTypes enumerates the registered plugin entity names.
func (f *Facade) ListEntityTypes() []string {
	return f.EntityRegistry.List()
}

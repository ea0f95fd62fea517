package facade

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/treedb/command"
	"github.com/orneryd/treedb/store"
	"github.com/orneryd/treedb/subscribe"
	"github.com/orneryd/treedb/workingcopy"
)

func TestFacade_GetTrees(t *testing.T) {
	t.Run("returns_the_two_seeded_trees", func(t *testing.T) {
		f := newTestFacade(t)

		trees, err := f.GetTrees()
		require.NoError(t, err)
		require.Len(t, trees, 2)

		resources, err := f.GetTree("r")
		require.NoError(t, err)
		assert.Equal(t, "Resources", resources.Name)
		assert.Equal(t, store.NodeID("r-root"), resources.RootNodeID)
		assert.Equal(t, store.NodeID("r-trash"), resources.TrashRootNodeID)
	})
}

func TestFacade_CreateResult(t *testing.T) {
	t.Run("returns_success_with_the_persisted_node_id", func(t *testing.T) {
		f := newTestFacade(t)

		res := f.Create(CreateRequest{TreeNodeType: "folder", ParentNodeID: "r-root", Name: "NewFolder"})
		require.True(t, res.Success, res.Error)
		require.NotEmpty(t, res.NodeID)
		assert.NotZero(t, res.Seq)

		node, err := f.GetNode(res.NodeID)
		require.NoError(t, err)
		assert.Equal(t, "NewFolder", node.Name)
		assert.Equal(t, store.Version(1), node.Version)
	})

	t.Run("auto_renames_against_existing_numbered_siblings", func(t *testing.T) {
		f := newTestFacade(t)
		require.True(t, f.Create(CreateRequest{TreeNodeType: "folder", ParentNodeID: "r-root", Name: "Documents"}).Success)
		require.True(t, f.Create(CreateRequest{TreeNodeType: "folder", ParentNodeID: "r-root", Name: "Documents", OnConflict: workingcopy.OnConflictAutoRename}).Success)

		res := f.Create(CreateRequest{TreeNodeType: "folder", ParentNodeID: "r-root", Name: "Documents", OnConflict: workingcopy.OnConflictAutoRename})
		require.True(t, res.Success, res.Error)

		node, err := f.GetNode(res.NodeID)
		require.NoError(t, err)
		assert.Equal(t, "Documents (3)", node.Name)
	})

	t.Run("reports_name_not_unique_under_error_policy", func(t *testing.T) {
		f := newTestFacade(t)
		require.True(t, f.Create(CreateRequest{TreeNodeType: "folder", ParentNodeID: "r-root", Name: "Documents"}).Success)

		res := f.Create(CreateRequest{TreeNodeType: "folder", ParentNodeID: "r-root", Name: "Documents", OnConflict: workingcopy.OnConflictError})
		require.False(t, res.Success)
		assert.Equal(t, command.ErrCodeNameNotUnique, res.Code)
	})

	t.Run("reports_node_not_found_for_a_missing_parent", func(t *testing.T) {
		f := newTestFacade(t)

		res := f.Create(CreateRequest{TreeNodeType: "folder", ParentNodeID: "no-such-parent", Name: "orphan"})
		require.False(t, res.Success)
		assert.Equal(t, command.ErrCodeNodeNotFound, res.Code)
	})

	t.Run("persists_the_request_description", func(t *testing.T) {
		f := newTestFacade(t)
		desc := "quarterly reports"

		res := f.Create(CreateRequest{TreeNodeType: "folder", ParentNodeID: "r-root", Name: "Reports", Description: &desc})
		require.True(t, res.Success, res.Error)

		node, err := f.GetNode(res.NodeID)
		require.NoError(t, err)
		require.NotNil(t, node.Description)
		assert.Equal(t, desc, *node.Description)
	})
}

func TestFacade_TrashFolderRoundTrip(t *testing.T) {
	t.Run("discovers_the_trash_root_and_restores_the_original_slot", func(t *testing.T) {
		f := newTestFacade(t)
		created := f.Create(CreateRequest{TreeNodeType: "file", ParentNodeID: "r-root", Name: "doomed.txt"})
		require.True(t, created.Success, created.Error)

		trashRes := f.MoveToTrashFolder([]store.NodeID{created.NodeID})
		require.True(t, trashRes.Success, trashRes.Error)

		trashed, err := f.GetNode(created.NodeID)
		require.NoError(t, err)
		assert.True(t, trashed.IsRemoved)
		assert.Equal(t, store.NodeID("r-trash"), trashed.ParentID)

		recRes := f.RecoverFromTrashFolder([]store.NodeID{created.NodeID}, "", workingcopy.OnConflictAutoRename)
		require.True(t, recRes.Success, recRes.Error)

		recovered, err := f.GetNode(created.NodeID)
		require.NoError(t, err)
		assert.False(t, recovered.IsRemoved)
		assert.Equal(t, store.NodeID("r-root"), recovered.ParentID)
		assert.Equal(t, "doomed.txt", recovered.Name)
	})
}

func TestFacade_MoveAndDuplicateFolders(t *testing.T) {
	t.Run("move_folder_reports_illegal_relation_on_a_cycle", func(t *testing.T) {
		f := newTestFacade(t)
		parent := f.Create(CreateRequest{TreeNodeType: "folder", ParentNodeID: "r-root", Name: "a"})
		child := f.Create(CreateRequest{TreeNodeType: "folder", ParentNodeID: parent.NodeID, Name: "b"})
		require.True(t, parent.Success && child.Success)

		res := f.MoveFolder([]store.NodeID{parent.NodeID}, child.NodeID, workingcopy.OnConflictAutoRename)
		require.False(t, res.Success)
		assert.Equal(t, command.ErrCodeIllegalRelation, res.Code)
	})

	t.Run("duplicate_folder_returns_the_new_root_ids", func(t *testing.T) {
		f := newTestFacade(t)
		src := f.Create(CreateRequest{TreeNodeType: "folder", ParentNodeID: "r-root", Name: "project"})
		require.True(t, src.Success)

		res := f.DuplicateNodesFolder([]store.NodeID{src.NodeID}, "", workingcopy.OnConflictAutoRename)
		require.True(t, res.Success, res.Error)
		require.Len(t, res.NewNodeIDs, 1)

		dup, err := f.GetNode(res.NewNodeIDs[0])
		require.NoError(t, err)
		assert.Equal(t, "project (Copy)", dup.Name)
	})
}

func TestFacade_ExportImportFile(t *testing.T) {
	t.Run("export_bytes_reimport_under_a_new_parent", func(t *testing.T) {
		f := newTestFacade(t)
		folder := f.Create(CreateRequest{TreeNodeType: "folder", ParentNodeID: "r-root", Name: "project"})
		require.True(t, folder.Success)
		require.True(t, f.Create(CreateRequest{TreeNodeType: "file", ParentNodeID: folder.NodeID, Name: "readme.md"}).Success)

		data, err := f.ExportTreeNodes([]store.NodeID{folder.NodeID})
		require.NoError(t, err)

		dest := f.Create(CreateRequest{TreeNodeType: "folder", ParentNodeID: "r-root", Name: "backup"})
		require.True(t, dest.Success)

		res := f.ImportFromFile(data, dest.NodeID, workingcopy.OnConflictAutoRename)
		require.True(t, res.Success, res.Error)
		assert.Len(t, res.NewNodeIDs, 2)
	})

	t.Run("malformed_bytes_report_invalid_operation", func(t *testing.T) {
		f := newTestFacade(t)

		res := f.ImportFromFile([]byte("not json"), "r-root", workingcopy.OnConflictAutoRename)
		require.False(t, res.Success)
		assert.Equal(t, command.ErrCodeInvalidOperation, res.Code)
	})
}

func TestFacade_ActiveSubscriptions(t *testing.T) {
	t.Run("enumerates_and_forgets_disposed_subscriptions", func(t *testing.T) {
		f := newTestFacade(t)

		sub := f.SubscribeChildren("r-root", subscribe.ChildrenOptions{})
		infos := f.GetActiveSubscriptions()
		require.Len(t, infos, 1)
		assert.Equal(t, subscribe.TypeChildren, infos[0].Type)

		sub.Dispose()
		assert.Empty(t, f.GetActiveSubscriptions())
	})
}

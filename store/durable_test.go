package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDurable(t *testing.T) *Durable {
	t.Helper()
	d, err := OpenDurable(DurableOptions{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestOpenDurable_SeedsDefaultTrees(t *testing.T) {
	t.Run("seeds_resources_and_projects_trees", func(t *testing.T) {
		d := openTestDurable(t)

		rTree, err := d.GetTree("r")
		require.NoError(t, err)
		assert.Equal(t, TreeID("r"), rTree.ID)
		assert.NotEmpty(t, rTree.SuperRootNodeID)
		assert.NotEmpty(t, rTree.RootNodeID)
		assert.NotEmpty(t, rTree.TrashRootNodeID)

		pTree, err := d.GetTree("p")
		require.NoError(t, err)
		assert.Equal(t, TreeID("p"), pTree.ID)
	})

	t.Run("seeding_is_idempotent_across_reopen", func(t *testing.T) {
		dir := t.TempDir()
		d1, err := OpenDurable(DurableOptions{DataDir: dir})
		require.NoError(t, err)
		tree1, err := d1.GetTree("r")
		require.NoError(t, err)
		require.NoError(t, d1.Close())

		d2, err := OpenDurable(DurableOptions{DataDir: dir})
		require.NoError(t, err)
		defer d2.Close()
		tree2, err := d2.GetTree("r")
		require.NoError(t, err)

		assert.Equal(t, tree1.RootNodeID, tree2.RootNodeID)
	})
}

func TestDurable_CreateGetUpdateDeleteNode(t *testing.T) {
	t.Run("create_then_get_round_trips", func(t *testing.T) {
		d := openTestDurable(t)
		node := &TreeNode{
			ID: "n1", ParentID: "r-root", NodeType: "file", Name: "readme.md",
			CreatedAt: NowMS(), UpdatedAt: NowMS(), Version: 1,
		}
		require.NoError(t, d.CreateNode(node))

		got, err := d.GetNode("n1")
		require.NoError(t, err)
		assert.Equal(t, "readme.md", got.Name)
		assert.Equal(t, Version(1), got.Version)
	})

	t.Run("create_duplicate_id_fails", func(t *testing.T) {
		d := openTestDurable(t)
		node := &TreeNode{ID: "n1", ParentID: "r-root", NodeType: "file", Name: "a", CreatedAt: NowMS(), UpdatedAt: NowMS(), Version: 1}
		require.NoError(t, d.CreateNode(node))
		err := d.CreateNode(node)
		assert.ErrorIs(t, err, ErrAlreadyExists)
	})

	t.Run("get_missing_returns_not_found", func(t *testing.T) {
		d := openTestDurable(t)
		_, err := d.GetNode("missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("update_refreshes_name_index", func(t *testing.T) {
		d := openTestDurable(t)
		node := &TreeNode{ID: "n1", ParentID: "r-root", NodeType: "file", Name: "a", CreatedAt: NowMS(), UpdatedAt: NowMS(), Version: 1}
		require.NoError(t, d.CreateNode(node))

		exists, err := d.NameExists("r-root", "a")
		require.NoError(t, err)
		assert.True(t, exists)

		updated := node.Clone()
		updated.Name = "b"
		updated.Version = 2
		updated.UpdatedAt = NowMS()
		require.NoError(t, d.UpdateNode(updated))

		exists, err = d.NameExists("r-root", "a")
		require.NoError(t, err)
		assert.False(t, exists)

		exists, err = d.NameExists("r-root", "b")
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("delete_removes_node_and_indexes", func(t *testing.T) {
		d := openTestDurable(t)
		node := &TreeNode{ID: "n1", ParentID: "r-root", NodeType: "file", Name: "a", CreatedAt: NowMS(), UpdatedAt: NowMS(), Version: 1}
		require.NoError(t, d.CreateNode(node))
		require.NoError(t, d.DeleteNode("n1"))

		_, err := d.GetNode("n1")
		assert.ErrorIs(t, err, ErrNotFound)

		exists, err := d.NameExists("r-root", "a")
		require.NoError(t, err)
		assert.False(t, exists)
	})
}

func TestDurable_ListChildrenAndRemoved(t *testing.T) {
	t.Run("list_children_returns_only_direct_children", func(t *testing.T) {
		d := openTestDurable(t)
		now := NowMS()
		require.NoError(t, d.CreateNode(&TreeNode{ID: "n1", ParentID: "r-root", NodeType: "file", Name: "a", CreatedAt: now, UpdatedAt: now, Version: 1}))
		require.NoError(t, d.CreateNode(&TreeNode{ID: "n2", ParentID: "r-root", NodeType: "file", Name: "b", CreatedAt: now, UpdatedAt: now, Version: 1}))
		require.NoError(t, d.CreateNode(&TreeNode{ID: "n3", ParentID: "n1", NodeType: "file", Name: "c", CreatedAt: now, UpdatedAt: now, Version: 1}))

		children, err := d.ListChildren("r-root")
		require.NoError(t, err)
		assert.Len(t, children, 2)
	})

	t.Run("list_removed_returns_only_trashed_nodes", func(t *testing.T) {
		d := openTestDurable(t)
		now := NowMS()
		origParent := NodeID("r-root")
		origName := "a"
		removedAt := now
		trashed := &TreeNode{
			ID: "n1", ParentID: "r-trash", NodeType: "file", Name: "a", CreatedAt: now, UpdatedAt: now, Version: 2,
			OriginalParentID: &origParent, OriginalName: &origName, RemovedAt: &removedAt, IsRemoved: true,
		}
		require.NoError(t, d.CreateNode(trashed))
		require.NoError(t, d.CreateNode(&TreeNode{ID: "n2", ParentID: "r-root", NodeType: "file", Name: "b", CreatedAt: now, UpdatedAt: now, Version: 1}))

		removed, err := d.ListRemoved()
		require.NoError(t, err)
		require.Len(t, removed, 1)
		assert.Equal(t, NodeID("n1"), removed[0].ID)
	})
}

func TestDurable_ChangeEvents(t *testing.T) {
	t.Run("create_emits_created_event", func(t *testing.T) {
		d := openTestDurable(t)
		node := &TreeNode{ID: "n1", ParentID: "r-root", NodeType: "file", Name: "a", CreatedAt: NowMS(), UpdatedAt: NowMS(), Version: 1}
		require.NoError(t, d.CreateNode(node))

		select {
		case ev := <-d.Changes():
			assert.Equal(t, ChangeCreated, ev.Type)
			assert.Equal(t, NodeID("n1"), ev.NodeID)
		default:
			t.Fatal("expected a change event")
		}
	})
}

func TestDurable_CloseIsTerminal(t *testing.T) {
	t.Run("operations_after_close_return_err_store_closed", func(t *testing.T) {
		d, err := OpenDurable(DurableOptions{DataDir: t.TempDir()})
		require.NoError(t, err)
		require.NoError(t, d.Close())

		_, err = d.GetNode("anything")
		assert.ErrorIs(t, err, ErrStoreClosed)

		err = d.Close()
		assert.ErrorIs(t, err, ErrStoreClosed)
	})
}

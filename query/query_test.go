package query

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/treedb/command"
	"github.com/orneryd/treedb/store"
)

func newTestService(t *testing.T) (*Service, *store.Durable) {
	t.Helper()
	d, err := store.OpenDurable(store.DurableOptions{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return New(d, 50), d
}

func mkNode(id, parent store.NodeID, name string, updatedAt store.Timestamp) *store.TreeNode {
	return &store.TreeNode{ID: id, ParentID: parent, NodeType: "file", Name: name, CreatedAt: updatedAt, UpdatedAt: updatedAt, Version: 1}
}

func TestService_ListChildren(t *testing.T) {
	t.Run("sorts_by_name_ascending", func(t *testing.T) {
		s, d := newTestService(t)
		require.NoError(t, d.CreateNode(mkNode("n1", "r-root", "banana", 1)))
		require.NoError(t, d.CreateNode(mkNode("n2", "r-root", "apple", 2)))

		children, err := s.ListChildren("r-root", ListChildrenOptions{SortBy: SortByName, Ascending: true})
		require.NoError(t, err)
		require.Len(t, children, 2)
		assert.Equal(t, "apple", children[0].Name)
		assert.Equal(t, "banana", children[1].Name)
	})

	t.Run("paginates_with_offset_and_limit", func(t *testing.T) {
		s, d := newTestService(t)
		require.NoError(t, d.CreateNode(mkNode("n1", "r-root", "a", 1)))
		require.NoError(t, d.CreateNode(mkNode("n2", "r-root", "b", 2)))
		require.NoError(t, d.CreateNode(mkNode("n3", "r-root", "c", 3)))

		page, err := s.ListChildren("r-root", ListChildrenOptions{SortBy: SortByName, Ascending: true, Offset: 1, Limit: 1})
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, "b", page[0].Name)
	})

	t.Run("descending_sort_reverses_order", func(t *testing.T) {
		s, d := newTestService(t)
		require.NoError(t, d.CreateNode(mkNode("n1", "r-root", "a", 1)))
		require.NoError(t, d.CreateNode(mkNode("n2", "r-root", "b", 2)))

		children, err := s.ListChildren("r-root", ListChildrenOptions{SortBy: SortByName, Ascending: false})
		require.NoError(t, err)
		require.Len(t, children, 2)
		assert.Equal(t, "b", children[0].Name)
		assert.Equal(t, "a", children[1].Name)
	})
}

func TestService_DescendantsAndAncestors(t *testing.T) {
	t.Run("list_descendants_does_a_bounded_bfs", func(t *testing.T) {
		s, d := newTestService(t)
		require.NoError(t, d.CreateNode(mkNode("n1", "r-root", "folder", 1)))
		require.NoError(t, d.CreateNode(mkNode("n2", "n1", "child", 2)))
		require.NoError(t, d.CreateNode(mkNode("n3", "n2", "grandchild", 3)))

		all, err := s.ListDescendants("r-root", DescendantOptions{MaxDepth: 50})
		require.NoError(t, err)
		assert.Len(t, all, 3)

		shallow, err := s.ListDescendants("r-root", DescendantOptions{MaxDepth: 1})
		require.NoError(t, err)
		assert.Len(t, shallow, 1)
	})

	t.Run("zero_max_depth_returns_empty_list", func(t *testing.T) {
		s, d := newTestService(t)
		require.NoError(t, d.CreateNode(mkNode("n1", "r-root", "folder", 1)))

		none, err := s.ListDescendants("r-root", DescendantOptions{MaxDepth: 0})
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("filters_by_include_and_exclude_types_after_collection", func(t *testing.T) {
		s, d := newTestService(t)
		require.NoError(t, d.CreateNode(&store.TreeNode{ID: "n1", ParentID: "r-root", NodeType: "folder", Name: "folder", CreatedAt: 1, UpdatedAt: 1, Version: 1}))
		require.NoError(t, d.CreateNode(&store.TreeNode{ID: "n2", ParentID: "n1", NodeType: "file", Name: "child", CreatedAt: 2, UpdatedAt: 2, Version: 1}))

		onlyFiles, err := s.ListDescendants("r-root", DescendantOptions{MaxDepth: 50, IncludeTypes: []string{"file"}})
		require.NoError(t, err)
		require.Len(t, onlyFiles, 1)
		assert.Equal(t, store.NodeID("n2"), onlyFiles[0].ID)

		noFiles, err := s.ListDescendants("r-root", DescendantOptions{MaxDepth: 50, ExcludeTypes: []string{"file"}})
		require.NoError(t, err)
		require.Len(t, noFiles, 1)
		assert.Equal(t, store.NodeID("n1"), noFiles[0].ID)
	})

	t.Run("list_ancestors_walks_to_the_root", func(t *testing.T) {
		s, d := newTestService(t)
		require.NoError(t, d.CreateNode(mkNode("n1", "r-root", "folder", 1)))
		require.NoError(t, d.CreateNode(mkNode("n2", "n1", "child", 2)))

		ancestors, err := s.ListAncestors("n2")
		require.NoError(t, err)
		require.Len(t, ancestors, 3)
		assert.Equal(t, store.NodeID("n1"), ancestors[0].ID)
		assert.Equal(t, store.NodeID("r-super"), ancestors[2].ID)
	})
}

func TestService_SearchNodes(t *testing.T) {
	s, d := newTestService(t)
	require.NoError(t, d.CreateNode(mkNode("n1", "r-root", "report.pdf", 1)))
	require.NoError(t, d.CreateNode(mkNode("n2", "r-root", "summary.txt", 2)))

	t.Run("exact_match", func(t *testing.T) {
		found, err := s.SearchNodes("r-root", "report.pdf", SearchExact, SearchOptions{})
		require.NoError(t, err)
		assert.Len(t, found, 1)
	})

	t.Run("prefix_match", func(t *testing.T) {
		found, err := s.SearchNodes("r-root", "rep", SearchPrefix, SearchOptions{})
		require.NoError(t, err)
		assert.Len(t, found, 1)
	})

	t.Run("suffix_match", func(t *testing.T) {
		found, err := s.SearchNodes("r-root", ".txt", SearchSuffix, SearchOptions{})
		require.NoError(t, err)
		assert.Len(t, found, 1)
	})

	t.Run("partial_match", func(t *testing.T) {
		found, err := s.SearchNodes("r-root", "ummar", SearchPartial, SearchOptions{})
		require.NoError(t, err)
		assert.Len(t, found, 1)
	})

	t.Run("case_insensitive_by_default_and_exact_when_case_sensitive", func(t *testing.T) {
		found, err := s.SearchNodes("r-root", "REPORT.PDF", SearchExact, SearchOptions{})
		require.NoError(t, err)
		assert.Len(t, found, 1)

		found, err = s.SearchNodes("r-root", "REPORT.PDF", SearchExact, SearchOptions{CaseSensitive: true})
		require.NoError(t, err)
		assert.Empty(t, found)
	})

	t.Run("max_results_caps_the_returned_set", func(t *testing.T) {
		found, err := s.SearchNodes("r-root", "", SearchPartial, SearchOptions{MaxResults: 1})
		require.NoError(t, err)
		assert.Len(t, found, 1)
	})

	t.Run("search_in_description_matches_description_text", func(t *testing.T) {
		s, d := newTestService(t)
		desc := "quarterly summary"
		require.NoError(t, d.CreateNode(&store.TreeNode{ID: "n1", ParentID: "r-root", NodeType: "file", Name: "report.pdf", Description: &desc, CreatedAt: 1, UpdatedAt: 1, Version: 1}))

		found, err := s.SearchNodes("r-root", "quarterly", SearchPartial, SearchOptions{SearchInDescription: true})
		require.NoError(t, err)
		assert.Len(t, found, 1)
	})
}

func TestService_CopyAndExportNodes(t *testing.T) {
	t.Run("copy_nodes_includes_descendants_and_reports_shape", func(t *testing.T) {
		s, d := newTestService(t)
		require.NoError(t, d.CreateNode(mkNode("n1", "r-root", "folder", 1)))
		require.NoError(t, d.CreateNode(mkNode("n2", "n1", "child", 2)))

		result, err := s.CopyNodes([]store.NodeID{"n1"}, 10)
		require.NoError(t, err)
		assert.Equal(t, "nodes-copy", result.Type)
		assert.Equal(t, []store.NodeID{"n1"}, result.RootNodeIDs)
		assert.Equal(t, 2, result.NodeCount)
		assert.Len(t, result.Nodes, 2)
	})

	t.Run("materialized_set_exceeding_cap_is_invalid_operation_not_a_silent_truncation", func(t *testing.T) {
		s, d := newTestService(t)
		require.NoError(t, d.CreateNode(mkNode("n1", "r-root", "folder", 1)))
		require.NoError(t, d.CreateNode(mkNode("n2", "n1", "child", 2)))

		_, err := s.CopyNodes([]store.NodeID{"n1"}, 1)
		require.Error(t, err)
		assert.Equal(t, command.ErrCodeInvalidOperation, command.CodeOf(err))
	})

	t.Run("nodeIds_count_out_of_bounds_is_invalid_operation", func(t *testing.T) {
		s, _ := newTestService(t)

		_, err := s.CopyNodes(nil, 10)
		require.Error(t, err)
		assert.Equal(t, command.ErrCodeInvalidOperation, command.CodeOf(err))
	})

	t.Run("export_nodes_produces_a_nodes_and_metadata_envelope", func(t *testing.T) {
		s, d := newTestService(t)
		require.NoError(t, d.CreateNode(mkNode("n1", "r-root", "folder", 1)))

		data, err := s.ExportNodes([]store.NodeID{"n1"}, 10)
		require.NoError(t, err)

		var payload ExportPayload
		require.NoError(t, json.Unmarshal(data, &payload))
		assert.Len(t, payload.Nodes, 1)
		assert.Equal(t, 1, payload.Metadata.TotalNodes)
		assert.Equal(t, []store.NodeID{"n1"}, payload.Metadata.RootNodeIDs)
	})
}

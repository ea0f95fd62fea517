package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/treedb/store"
)

const sampleManifest = `
entities:
  - name: comments
    kind: peer
  - name: tags
    kind: relational
`

func TestParseManifest(t *testing.T) {
	t.Run("valid_manifest_parses", func(t *testing.T) {
		entries, err := ParseManifest([]byte(sampleManifest))
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "comments", entries[0].Name)
		assert.Equal(t, KindPeer, entries[0].Kind)
		assert.Equal(t, "tags", entries[1].Name)
		assert.Equal(t, KindRelational, entries[1].Kind)
	})

	t.Run("invalid_kind_rejected", func(t *testing.T) {
		_, err := ParseManifest([]byte("entities:\n  - name: bad\n    kind: unknown\n"))
		assert.Error(t, err)
	})

	t.Run("empty_name_rejected", func(t *testing.T) {
		_, err := ParseManifest([]byte("entities:\n  - name: \"\"\n    kind: peer\n"))
		assert.Error(t, err)
	})
}

func TestRegistry_RegisterManifest(t *testing.T) {
	t.Run("resolve_attaches_callbacks_per_entry", func(t *testing.T) {
		r := NewRegistry()
		var created []string
		err := r.RegisterManifest([]byte(sampleManifest), func(name string, kind Kind) *Metadata {
			return &Metadata{
				OnNodeCreate: func(node *store.TreeNode) error {
					created = append(created, name)
					return nil
				},
			}
		})
		require.NoError(t, err)

		m, ok := r.Get("comments")
		require.True(t, ok)
		assert.Equal(t, KindPeer, m.Kind)

		m2, ok := r.Get("tags")
		require.True(t, ok)
		assert.Equal(t, KindRelational, m2.Kind)
	})

	t.Run("nil_resolve_result_skips_entry", func(t *testing.T) {
		r := NewRegistry()
		err := r.RegisterManifest([]byte(sampleManifest), func(name string, kind Kind) *Metadata {
			if name == "tags" {
				return nil
			}
			return &Metadata{}
		})
		require.NoError(t, err)

		_, ok := r.Get("comments")
		assert.True(t, ok)
		_, ok = r.Get("tags")
		assert.False(t, ok)
	})
}

func TestRegistry_Stats(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&Metadata{Name: "peer1", Kind: KindPeer}))
	require.NoError(t, r.Register(&Metadata{Name: "peer2", Kind: KindPeer}))
	require.NoError(t, r.Register(&Metadata{Name: "group1", Kind: KindGroup}))
	require.NoError(t, r.Register(&Metadata{Name: "rel1", Kind: KindRelational}))

	stats := r.Stats()
	assert.Equal(t, 2, stats.PeerCount)
	assert.Equal(t, 1, stats.GroupCount)
	assert.Equal(t, 1, stats.RelationalCount)
	assert.Contains(t, stats.String(), "2 peer, 1 group, 1 relational")
}

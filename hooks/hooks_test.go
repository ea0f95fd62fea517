package hooks

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/treedb/store"
)

func TestRunner_Run(t *testing.T) {
	t.Run("runs_hooks_at_their_registered_point_only", func(t *testing.T) {
		r := NewRunner()
		var ran []string
		r.Register(&Hook{Name: "a", Point: BeforeCreate, Run: func(*store.TreeNode) error {
			ran = append(ran, "a")
			return nil
		}})
		r.Register(&Hook{Name: "b", Point: AfterCreate, Run: func(*store.TreeNode) error {
			ran = append(ran, "b")
			return nil
		}})

		require.NoError(t, r.Run(BeforeCreate, &store.TreeNode{ID: "n1"}))
		assert.Equal(t, []string{"a"}, ran)
	})

	t.Run("stop_on_error_hook_aborts_and_is_returned", func(t *testing.T) {
		r := NewRunner()
		r.Register(&Hook{Name: "fails", Point: BeforeCreate, StopOnError: true, Run: func(*store.TreeNode) error {
			return errors.New("boom")
		}})
		r.Register(&Hook{Name: "never", Point: BeforeCreate, Run: func(*store.TreeNode) error {
			t.Fatal("should not run after a stop-on-error failure")
			return nil
		}})

		err := r.Run(BeforeCreate, &store.TreeNode{ID: "n1"})
		assert.Error(t, err)
	})

	t.Run("non_stop_on_error_hook_logs_and_continues", func(t *testing.T) {
		r := NewRunner()
		secondRan := false
		r.Register(&Hook{Name: "fails", Point: BeforeCreate, StopOnError: false, Run: func(*store.TreeNode) error {
			return errors.New("boom")
		}})
		r.Register(&Hook{Name: "second", Point: BeforeCreate, Run: func(*store.TreeNode) error {
			secondRan = true
			return nil
		}})

		err := r.Run(BeforeCreate, &store.TreeNode{ID: "n1"})
		require.NoError(t, err)
		assert.True(t, secondRan)
		assert.Len(t, r.Failures(), 1)
	})

	t.Run("failures_are_ordered_oldest_first_after_wraparound", func(t *testing.T) {
		r := NewRunner()
		r.Register(&Hook{Name: "fails", Point: BeforeCreate, Run: func(*store.TreeNode) error {
			return errors.New("boom")
		}})
		for i := 0; i < maxFailureHistory+3; i++ {
			_ = r.Run(BeforeCreate, &store.TreeNode{ID: store.NodeID(string(rune('a' + i%26)))})
		}
		failures := r.Failures()
		assert.Len(t, failures, maxFailureHistory)
		// The three oldest runs (i=0..2) were overwritten, so i=3 comes
		// first and i=maxFailureHistory+2 last.
		assert.Equal(t, store.NodeID(string(rune('a'+3))), failures[0].NodeID)
		assert.Equal(t, store.NodeID(string(rune('a'+(maxFailureHistory+2)%26))), failures[len(failures)-1].NodeID)
	})
}

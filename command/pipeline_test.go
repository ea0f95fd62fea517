package command

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{MaxUndoStackSize: 3, MaxRedoStackSize: 3, MaxEventHistorySize: 5, MaxErrorMessageLength: 20}
}

// counterExecutor simulates a mutable value with forward/inverse
// envelopes that add/subtract a delta, the simplest possible stand-in
// for a real node mutation while still exercising undo/redo plumbing.
func counterExecutor(counter *int) Executor {
	return func(payload interface{}) (interface{}, *Envelope, error) {
		delta := payload.(int)
		*counter += delta
		inverse := &Envelope{CommandType: "add", Payload: -delta}
		return *counter, inverse, nil
	}
}

func TestPipeline_ProcessUndoRedo(t *testing.T) {
	t.Run("process_applies_and_records_undo_entry", func(t *testing.T) {
		counter := 0
		p := New(testConfig())
		p.Register("add", counterExecutor(&counter))

		result, err := p.Process(Envelope{CommandID: "c1", CommandType: "add", Payload: 5})
		require.NoError(t, err)
		assert.Equal(t, 5, result)
		assert.Equal(t, 5, counter)
		assert.True(t, p.CanUndo())
	})

	t.Run("undo_reverts_and_enables_redo", func(t *testing.T) {
		counter := 0
		p := New(testConfig())
		p.Register("add", counterExecutor(&counter))

		_, err := p.Process(Envelope{CommandID: "c1", CommandType: "add", Payload: 5})
		require.NoError(t, err)

		_, err = p.Undo()
		require.NoError(t, err)
		assert.Equal(t, 0, counter)
		assert.False(t, p.CanUndo())
		assert.True(t, p.CanRedo())
	})

	t.Run("redo_reapplies_the_original_command", func(t *testing.T) {
		counter := 0
		p := New(testConfig())
		p.Register("add", counterExecutor(&counter))

		_, err := p.Process(Envelope{CommandID: "c1", CommandType: "add", Payload: 5})
		require.NoError(t, err)
		_, err = p.Undo()
		require.NoError(t, err)

		_, err = p.Redo()
		require.NoError(t, err)
		assert.Equal(t, 5, counter)
		assert.True(t, p.CanUndo())
		assert.False(t, p.CanRedo())
	})

	t.Run("new_command_clears_the_redo_stack", func(t *testing.T) {
		counter := 0
		p := New(testConfig())
		p.Register("add", counterExecutor(&counter))

		_, err := p.Process(Envelope{CommandID: "c1", CommandType: "add", Payload: 5})
		require.NoError(t, err)
		_, err = p.Undo()
		require.NoError(t, err)
		require.True(t, p.CanRedo())

		_, err = p.Process(Envelope{CommandID: "c2", CommandType: "add", Payload: 1})
		require.NoError(t, err)
		assert.False(t, p.CanRedo())
	})

	t.Run("undo_with_empty_stack_is_invalid_operation", func(t *testing.T) {
		p := New(testConfig())
		_, err := p.Undo()
		assert.Equal(t, ErrCodeInvalidOperation, CodeOf(err))
	})

	t.Run("undo_stack_evicts_oldest_entry_beyond_capacity", func(t *testing.T) {
		counter := 0
		p := New(testConfig()) // capacity 3
		p.Register("add", counterExecutor(&counter))

		for i := 0; i < 4; i++ {
			_, err := p.Process(Envelope{CommandID: "c", CommandType: "add", Payload: 1})
			require.NoError(t, err)
		}
		assert.Equal(t, 3, p.undo.Len())

		// Undo all 3 remaining entries; the very first command (evicted)
		// should not be among them, leaving counter at 1 not 0.
		for i := 0; i < 3; i++ {
			_, err := p.Undo()
			require.NoError(t, err)
		}
		assert.Equal(t, 1, counter)
	})
}

func TestPipeline_EventHistory(t *testing.T) {
	t.Run("records_success_and_failure_outcomes", func(t *testing.T) {
		counter := 0
		p := New(testConfig())
		p.Register("add", counterExecutor(&counter))

		_, err := p.Process(Envelope{CommandID: "c1", CommandType: "add", Payload: 1})
		require.NoError(t, err)
		_, err = p.Process(Envelope{CommandID: "c2", CommandType: "missing"})
		require.Error(t, err)

		history := p.EventHistory()
		require.Len(t, history, 2)
		assert.True(t, history[0].Succeeded)
		assert.False(t, history[1].Succeeded)
		assert.Equal(t, ErrCodeInvalidOperation, history[1].ErrorCode)
	})

	t.Run("sanitizes_and_truncates_error_messages", func(t *testing.T) {
		p := New(testConfig())
		p.Register("boom", func(interface{}) (interface{}, *Envelope, error) {
			return nil, nil, errors.New("line one\nline two\tand more text that runs past twenty characters")
		})

		_, err := p.Process(Envelope{CommandID: "c1", CommandType: "boom"})
		require.Error(t, err)

		history := p.EventHistory()
		require.Len(t, history, 1)
		assert.LessOrEqual(t, len(history[0].ErrorMessage), 20)
		assert.False(t, strings.ContainsAny(history[0].ErrorMessage, "\n\t"))
	})

	t.Run("event_history_evicts_oldest_beyond_capacity", func(t *testing.T) {
		counter := 0
		p := New(testConfig()) // capacity 5
		p.Register("add", counterExecutor(&counter))

		for i := 0; i < 7; i++ {
			_, err := p.Process(Envelope{CommandID: "c", CommandType: "add", Payload: 1})
			require.NoError(t, err)
		}
		assert.Len(t, p.EventHistory(), 5)
	})
}

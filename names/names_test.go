package names

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func existsAmong(taken ...string) Exists {
	set := make(map[string]bool, len(taken))
	for _, n := range taken {
		set[n] = true
	}
	return func(name string) (bool, error) {
		return set[name], nil
	}
}

func TestCreateNewName(t *testing.T) {
	t.Run("returns_proposed_name_when_free", func(t *testing.T) {
		got, err := CreateNewName("report.pdf", 0, existsAmong())
		require.NoError(t, err)
		assert.Equal(t, "report.pdf", got)
	})

	t.Run("appends_numbered_suffix_before_extension_on_collision", func(t *testing.T) {
		got, err := CreateNewName("report.pdf", 1, existsAmong("report.pdf"))
		require.NoError(t, err)
		assert.Equal(t, "report (2).pdf", got)
	})

	t.Run("skips_multiple_taken_suffixes", func(t *testing.T) {
		got, err := CreateNewName("report.pdf", 3, existsAmong("report.pdf", "report (2).pdf", "report (3).pdf"))
		require.NoError(t, err)
		assert.Equal(t, "report (4).pdf", got)
	})

	t.Run("handles_names_with_no_extension", func(t *testing.T) {
		got, err := CreateNewName("folder", 1, existsAmong("folder"))
		require.NoError(t, err)
		assert.Equal(t, "folder (2)", got)
	})

	t.Run("treats_dotfiles_as_having_no_extension", func(t *testing.T) {
		got, err := CreateNewName(".gitignore", 1, existsAmong(".gitignore"))
		require.NoError(t, err)
		assert.Equal(t, ".gitignore (2)", got)
	})

	t.Run("propagates_exists_error", func(t *testing.T) {
		boom := errors.New("boom")
		_, err := CreateNewName("x", 0, func(string) (bool, error) { return false, boom })
		assert.ErrorIs(t, err, boom)
	})

	t.Run("falls_back_to_timestamped_name_when_probe_budget_exhausted", func(t *testing.T) {
		// A pathological exists closure that always reports "taken" must
		// not hang: CreateNewName probes at most siblingCount+1
		// candidates, then falls back to a timestamp suffix.
		calls := 0
		alwaysTaken := func(string) (bool, error) {
			calls++
			return true, nil
		}
		got, err := CreateNewName("report.pdf", 3, alwaysTaken)
		require.NoError(t, err)
		assert.NotEqual(t, "report.pdf", got)
		assert.NotContains(t, got, "(5)")
		// proposed + numbered candidates 2..4 = siblingCount+1 = 4 probes total.
		assert.Equal(t, 4, calls)
		assert.Contains(t, got, "report-")
	})
}

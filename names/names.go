// Package names implements the name-collision resolver:
// given a proposed name and a way to check whether a sibling already
// holds it, produces a name guaranteed unique among that parent's
// children by adding a numbered suffix before any file extension.
package names

import (
	"fmt"

	"github.com/orneryd/treedb/store"
)

// Exists reports whether name is already taken among the children the
// caller cares about. Implementations are typically a closure over
// store.Durable.NameExists or an in-memory set built from a batch of
// sibling names (paste/import call sites check against an in-flight
// batch before any of it is written).
type Exists func(name string) (bool, error)

// CreateNewName returns a name guaranteed not to satisfy exists: if
// the proposed name is free, it's returned unchanged; otherwise
// "name (2)", "name (3)", ... is tried.
//
// siblingCount bounds the search: by the pigeonhole principle, a parent
// with siblingCount existing children can hold at most siblingCount
// colliding names, so probing siblingCount+1 candidates (the proposed
// name plus siblingCount numbered variants) is always enough to find a
// free one under a well-behaved exists closure. The bound keeps a
// pathological exists (or a caller that always reports "taken") from
// hanging the resolver forever; once the budget is exhausted,
// CreateNewName falls back to a timestamped name instead of probing
// indefinitely.
//
// Example:
//
//	unique, err := names.CreateNewName("Report.pdf", len(siblings), exists)
//	// "Report.pdf" if free, else "Report (2).pdf", "Report (3).pdf", ...
func CreateNewName(proposed string, siblingCount int, exists Exists) (string, error) {
	taken, err := exists(proposed)
	if err != nil {
		return "", err
	}
	if !taken {
		return proposed, nil
	}

	if siblingCount < 0 {
		siblingCount = 0
	}
	base, ext := splitExt(proposed)
	maxCandidate := siblingCount + 1
	for n := 2; n <= maxCandidate; n++ {
		candidate := fmt.Sprintf("%s (%d)%s", base, n, ext)
		taken, err := exists(candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
	}

	return fmt.Sprintf("%s-%d%s", base, store.NowMS(), ext), nil
}

// splitExt splits a name into its base and extension (including the
// leading dot), so "Report.pdf" becomes ("Report", ".pdf") and the
// numbered suffix is inserted before the extension rather than after it.
// A name with no dot, or a dot only as the first character (dotfiles),
// has no extension.
func splitExt(name string) (base, ext string) {
	for i := len(name) - 1; i > 0; i-- {
		if name[i] == '.' {
			return name[:i], name[i:]
		}
	}
	return name, ""
}

package entity

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// Stats summarizes the registry's entity population for diagnostics.
type Stats struct {
	PeerCount       int
	GroupCount      int
	RelationalCount int
}

// Stats reports how many entity kinds of each cardinality are registered.
func (r *Registry) Stats() Stats {
	return Stats{
		PeerCount:       len(r.byKind(KindPeer)),
		GroupCount:      len(r.byKind(KindGroup)),
		RelationalCount: len(r.byKind(KindRelational)),
	}
}

// String renders a human-readable summary, e.g.
// "12 peer, 3 group, 1 relational entity kinds registered".
func (s Stats) String() string {
	return fmt.Sprintf("%s peer, %s group, %s relational entity kinds registered",
		humanize.Comma(int64(s.PeerCount)),
		humanize.Comma(int64(s.GroupCount)),
		humanize.Comma(int64(s.RelationalCount)))
}

// LogReferenceTotal renders a human-readable line reporting the aggregate
// reference count across every relational entity a DecRefRelational sweep
// touched.
func LogReferenceTotal(totalReferences int) string {
	return fmt.Sprintf("%s total relational references tracked", humanize.Comma(int64(totalReferences)))
}

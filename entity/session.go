package entity

import (
	"fmt"

	"github.com/orneryd/treedb/store"
	"github.com/orneryd/treedb/workingcopy"
)

// Session is a bag of working copies keyed by table name, one per
// registered entity with WorkingCopyConfig.Enabled. Create iterates
// the opted-in entities, commit iterates them in commit order and
// commits each row, discard deletes without writing back. Session just
// fans workingcopy.Manager's draft/commit/discard protocol out across
// every opted-in entity instead of a single node.
type Session struct {
	registry      *Registry
	workingCopies *workingcopy.Manager
	byTable       map[string]store.NodeID
}

// NewSession constructs an empty Session bound to registry and wc.
func NewSession(registry *Registry, wc *workingcopy.Manager) *Session {
	return &Session{registry: registry, workingCopies: wc, byTable: make(map[string]store.NodeID)}
}

// CreateWorkingCopies opens a draft working copy for every registered
// entity with WorkingCopyConfig.Enabled, in peer/group/relational
// order, under parentID.
func (s *Session) CreateWorkingCopies(parentID store.NodeID, nodeType string) error {
	for _, kind := range cascadeOrder {
		for _, md := range s.registry.byKind(kind) {
			if md.WorkingCopyConfig == nil || !md.WorkingCopyConfig.Enabled {
				continue
			}
			if _, already := s.byTable[md.WorkingCopyConfig.TableName]; already {
				continue
			}
			wc, err := s.workingCopies.CreateDraftWorkingCopy(parentID, nodeType, md.WorkingCopyConfig.TableName)
			if err != nil {
				return fmt.Errorf("entity: session: creating working copy for %s: %w", md.Name, err)
			}
			s.byTable[md.WorkingCopyConfig.TableName] = wc.WorkingCopyID
		}
	}
	return nil
}

// CommitWorkingCopies commits every working copy the session opened,
// in peer/group/relational order, and returns the resulting nodes keyed
// by table name.
func (s *Session) CommitWorkingCopies(onConflict workingcopy.OnNameConflict) (map[string]*store.TreeNode, error) {
	results := make(map[string]*store.TreeNode, len(s.byTable))
	for _, kind := range cascadeOrder {
		for _, md := range s.registry.byKind(kind) {
			if md.WorkingCopyConfig == nil || !md.WorkingCopyConfig.Enabled {
				continue
			}
			workingCopyID, open := s.byTable[md.WorkingCopyConfig.TableName]
			if !open {
				continue
			}
			node, err := s.workingCopies.Commit(workingCopyID, onConflict)
			if err != nil {
				return results, fmt.Errorf("entity: session: committing working copy for %s: %w", md.Name, err)
			}
			results[md.WorkingCopyConfig.TableName] = node
			delete(s.byTable, md.WorkingCopyConfig.TableName)
		}
	}
	return results, nil
}

// DiscardWorkingCopies discards every working copy the session still
// has open, without writing any of them back.
func (s *Session) DiscardWorkingCopies() error {
	for table, workingCopyID := range s.byTable {
		if err := s.workingCopies.Discard(workingCopyID); err != nil {
			return fmt.Errorf("entity: session: discarding working copy for table %s: %w", table, err)
		}
		delete(s.byTable, table)
	}
	return nil
}

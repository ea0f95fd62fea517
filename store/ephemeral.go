package store

import (
	"encoding/json"
	"os"

	"github.com/dgraph-io/badger/v4"
)

// WorkingCopy is the ephemeral scratch record a caller edits before
// committing or discarding it.
type WorkingCopy struct {
	WorkingCopyID NodeID
	NodeID        *NodeID // nil while the working copy represents a draft not yet backed by a durable node
	ParentID      NodeID
	NodeType      string
	Name          string
	Description   *string
	BaseVersion   *Version // the durable node's Version this copy was derived from; nil for drafts
	UpdatedAt     Timestamp
}

// Clone returns a deep copy of the working copy.
func (w *WorkingCopy) Clone() *WorkingCopy {
	if w == nil {
		return nil
	}
	clone := *w
	if w.NodeID != nil {
		id := *w.NodeID
		clone.NodeID = &id
	}
	if w.Description != nil {
		d := *w.Description
		clone.Description = &d
	}
	if w.BaseVersion != nil {
		v := *w.BaseVersion
		clone.BaseVersion = &v
	}
	return &clone
}

// Ephemeral is the scratch store backing in-flight working copies. It
// is cleared on every process start: the "ephemeral" guarantee is
// implemented by always opening against a fresh temp directory and
// removing it on Close, rather than trusting whatever was left on disk
// from a previous run. Its temp directory is named
// "${AppName}-ephemeral-*", and it never participates in the durable store's change-event stream.
//
// Besides the primary working-copy-id keyspace, Ephemeral maintains the
// same style of secondary index Durable keeps for nodes: by backing
// node (workingCopyOf, for the WORKING_COPY_ALREADY_EXISTS check), by
// parent (parentNodeId, for listing a directory's open drafts), and by
// updatedAt (for an idle-oldest-first sweep).
type Ephemeral struct {
	db      *badger.DB
	tempDir string
}

const (
	prefixWorkingCopy      = byte(0x01)
	prefixWCByNode         = byte(0x02) // workingCopyOf index: nodeID -> workingCopyID
	prefixWCByParent       = byte(0x03) // parentNodeId index: parentID:0x00:workingCopyID -> empty
	prefixWCByUpdatedIndex = byte(0x04) // updatedAt index: updatedAtBigEndian:0x00:workingCopyID -> empty
)

func workingCopyKey(id NodeID) []byte {
	return append([]byte{prefixWorkingCopy}, []byte(id)...)
}

func wcByNodeKey(nodeID NodeID) []byte {
	return append([]byte{prefixWCByNode}, []byte(nodeID)...)
}

func wcByParentKey(parentID, workingCopyID NodeID) []byte {
	key := make([]byte, 0, 1+len(parentID)+1+len(workingCopyID))
	key = append(key, prefixWCByParent)
	key = append(key, []byte(parentID)...)
	key = append(key, 0x00)
	key = append(key, []byte(workingCopyID)...)
	return key
}

func wcByParentPrefix(parentID NodeID) []byte {
	key := make([]byte, 0, 1+len(parentID)+1)
	key = append(key, prefixWCByParent)
	key = append(key, []byte(parentID)...)
	key = append(key, 0x00)
	return key
}

func wcByUpdatedKey(updatedAt Timestamp, workingCopyID NodeID) []byte {
	key := make([]byte, 0, 1+8+1+len(workingCopyID))
	key = append(key, prefixWCByUpdatedIndex)
	key = append(key, encodeBigEndian(uint64(updatedAt))...)
	key = append(key, 0x00)
	key = append(key, []byte(workingCopyID)...)
	return key
}

// OpenEphemeral opens a fresh, empty ephemeral store backed by a
// process-private temp directory, discarding any prior contents on close.
func OpenEphemeral(appName string) (*Ephemeral, error) {
	dir, err := os.MkdirTemp("", appName+"-ephemeral-*")
	if err != nil {
		return nil, err
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}
	return &Ephemeral{db: db, tempDir: dir}, nil
}

// Close shuts down the badger handle and removes the backing temp
// directory, so no ephemeral state survives past this process.
func (e *Ephemeral) Close() error {
	err := e.db.Close()
	_ = os.RemoveAll(e.tempDir)
	return err
}

// Get returns the working copy with id, or ErrNotFound.
func (e *Ephemeral) Get(id NodeID) (*WorkingCopy, error) {
	var wc WorkingCopy
	err := e.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, workingCopyKey(id), &wc)
	})
	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &wc, nil
}

// Put inserts or replaces a working copy, refreshing its secondary index
// entries. If wc replaces a previous value under the same
// WorkingCopyID, that previous value's stale index entries (it may have
// moved parent, or gained/lost its backing node) are deleted first, the
// same index-transition discipline as Durable.UpdateNode.
func (e *Ephemeral) Put(wc *WorkingCopy) error {
	return e.db.Update(func(txn *badger.Txn) error {
		var previous WorkingCopy
		if err := getJSON(txn, workingCopyKey(wc.WorkingCopyID), &previous); err == nil {
			if err := deleteWorkingCopyIndexes(txn, &previous); err != nil {
				return err
			}
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		if err := putJSON(txn, workingCopyKey(wc.WorkingCopyID), wc); err != nil {
			return err
		}
		return putWorkingCopyIndexes(txn, wc)
	})
}

// Delete removes a working copy and its secondary index entries.
// Absence is not an error: discard is idempotent.
func (e *Ephemeral) Delete(id NodeID) error {
	return e.db.Update(func(txn *badger.Txn) error {
		var previous WorkingCopy
		if err := getJSON(txn, workingCopyKey(id), &previous); err == nil {
			if err := deleteWorkingCopyIndexes(txn, &previous); err != nil {
				return err
			}
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		err := txn.Delete(workingCopyKey(id))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
}

func putWorkingCopyIndexes(txn *badger.Txn, wc *WorkingCopy) error {
	if wc.NodeID != nil {
		if err := txn.Set(wcByNodeKey(*wc.NodeID), []byte(wc.WorkingCopyID)); err != nil {
			return err
		}
	}
	if err := txn.Set(wcByParentKey(wc.ParentID, wc.WorkingCopyID), []byte{}); err != nil {
		return err
	}
	return txn.Set(wcByUpdatedKey(wc.UpdatedAt, wc.WorkingCopyID), []byte{})
}

func deleteWorkingCopyIndexes(txn *badger.Txn, wc *WorkingCopy) error {
	if wc.NodeID != nil {
		if err := txn.Delete(wcByNodeKey(*wc.NodeID)); err != nil {
			return err
		}
	}
	if err := txn.Delete(wcByParentKey(wc.ParentID, wc.WorkingCopyID)); err != nil {
		return err
	}
	return txn.Delete(wcByUpdatedKey(wc.UpdatedAt, wc.WorkingCopyID))
}

// FindByNodeID returns the open working copy backed by nodeID, if any,
// via the workingCopyOf index - the lookup the
// WORKING_COPY_ALREADY_EXISTS check needs before minting a second
// working copy for a node that already has one in flight.
func (e *Ephemeral) FindByNodeID(nodeID NodeID) (*WorkingCopy, error) {
	var wc WorkingCopy
	found := false
	err := e.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(wcByNodeKey(nodeID))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		var workingCopyID NodeID
		if err := item.Value(func(val []byte) error {
			workingCopyID = NodeID(val)
			return nil
		}); err != nil {
			return err
		}
		if err := getJSON(txn, workingCopyKey(workingCopyID), &wc); err != nil {
			if err == badger.ErrKeyNotFound {
				return nil
			}
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return &wc, nil
}

// ListByParent returns every open working copy drafted under parentID,
// via the parentNodeId index.
func (e *Ephemeral) ListByParent(parentID NodeID) ([]*WorkingCopy, error) {
	var out []*WorkingCopy
	err := e.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := wcByParentPrefix(parentID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			workingCopyID := NodeID(extractTrailingID(it.Item().KeyCopy(nil)))
			var wc WorkingCopy
			if err := getJSON(txn, workingCopyKey(workingCopyID), &wc); err != nil {
				if err == badger.ErrKeyNotFound {
					continue
				}
				return err
			}
			out = append(out, &wc)
		}
		return nil
	})
	return out, err
}

// ListAll returns every working copy currently open.
func (e *Ephemeral) ListAll() ([]*WorkingCopy, error) {
	var out []*WorkingCopy
	err := e.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte{prefixWorkingCopy}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var wc WorkingCopy
			item := it.Item()
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &wc)
			}); err != nil {
				return err
			}
			cp := wc
			out = append(out, &cp)
		}
		return nil
	})
	return out, err
}

package store

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// Durable is the persistent forest store. It owns one BadgerDB
// instance opened at DurableOptions.DataDir as given (no app-name
// prefix is added to the path), and emits a
// ChangeRecord on its change channel after each acknowledged write, on
// the same logical tick as the write itself. An RWMutex guards the
// "closed" flag so callers get ErrStoreClosed instead of a panic after
// Close.
type Durable struct {
	db     *badger.DB
	mu     sync.RWMutex
	closed bool

	changeMu     sync.Mutex
	changeCh     chan ChangeRecord
	changeClosed bool
}

// DurableOptions configures the durable store.
type DurableOptions struct {
	// DataDir is the on-disk directory. Required unless InMemory is set.
	DataDir string
	// InMemory runs Badger with no disk backing; useful for tests.
	InMemory bool
	// SyncWrites forces fsync after every write, trading latency for
	// durability.
	SyncWrites bool
}

// OpenDurable opens (or creates) the durable store and performs the
// one-time seeding of the default trees: on first open, trees "r"
// (Resources) and "p" (Projects) are created, each with a super-root,
// a root, and a trash-root node.
func OpenDurable(opts DurableOptions) (*Durable, error) {
	badgerOpts := badger.DefaultOptions(opts.DataDir)
	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true)
	}
	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}
	badgerOpts = badgerOpts.WithLogger(nil)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("store: failed to open durable badger db: %w", err)
	}

	d := &Durable{
		db:       db,
		changeCh: make(chan ChangeRecord, 256),
	}

	if err := d.seedDefaultTrees(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return d, nil
}

// Changes returns the channel of ChangeRecords that the facade reads and
// dispatches to the Subscription Service. The channel is never closed while the
// store is open; callers select on it alongside their own shutdown signal.
func (d *Durable) Changes() <-chan ChangeRecord {
	return d.changeCh
}

// Close releases the underlying Badger handle and closes the change
// channel so consumers ranging over Changes() terminate. Safe to call
// once; a second call returns ErrStoreClosed.
func (d *Durable) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrStoreClosed
	}
	d.closed = true
	err := d.db.Close()
	d.changeMu.Lock()
	d.changeClosed = true
	close(d.changeCh)
	d.changeMu.Unlock()
	return err
}

func (d *Durable) checkOpen() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrStoreClosed
	}
	return nil
}

func (d *Durable) emit(rec ChangeRecord) {
	rec.Timestamp = NowMS()
	d.changeMu.Lock()
	defer d.changeMu.Unlock()
	if d.changeClosed {
		return
	}
	select {
	case d.changeCh <- rec:
	default:
		// Slow consumer; log and drop rather than block the writer.
		log.Printf("store: change channel full, dropping %s event for node %s", rec.Type, rec.NodeID)
	}
}

func (d *Durable) seedDefaultTrees() error {
	return d.db.Update(func(txn *badger.Txn) error {
		for _, spec := range defaultTreeSpecs {
			_, err := txn.Get(treeKey(spec.id))
			if err == nil {
				continue // already seeded
			}
			if err != badger.ErrKeyNotFound {
				return err
			}
			if err := seedTree(txn, spec); err != nil {
				return err
			}
		}
		return nil
	})
}

type treeSpec struct {
	id           TreeID
	name         string
	rootNodeType string
	trashName    string
}

var defaultTreeSpecs = []treeSpec{
	{id: "r", name: "Resources", rootNodeType: "folder", trashName: "Trash"},
	{id: "p", name: "Projects", rootNodeType: "folder", trashName: "Trash"},
}

func seedTree(txn *badger.Txn, spec treeSpec) error {
	superRootID := NodeID(fmt.Sprintf("%s-super", spec.id))
	rootID := NodeID(fmt.Sprintf("%s-root", spec.id))
	trashRootID := NodeID(fmt.Sprintf("%s-trash", spec.id))
	now := NowMS()

	tree := &Tree{
		ID:              spec.id,
		Name:            spec.name,
		SuperRootNodeID: superRootID,
		RootNodeID:      rootID,
		TrashRootNodeID: trashRootID,
	}
	if err := putJSON(txn, treeKey(spec.id), tree); err != nil {
		return err
	}

	nodes := []*TreeNode{
		{ID: superRootID, ParentID: SuperRootParentID, NodeType: "super-root", Name: spec.name, CreatedAt: now, UpdatedAt: now, Version: 1},
		{ID: rootID, ParentID: superRootID, NodeType: spec.rootNodeType, Name: spec.name, CreatedAt: now, UpdatedAt: now, Version: 1},
		{ID: trashRootID, ParentID: superRootID, NodeType: spec.rootNodeType, Name: spec.trashName, CreatedAt: now, UpdatedAt: now, Version: 1},
	}
	for _, n := range nodes {
		if err := putNodeTxn(txn, n); err != nil {
			return err
		}
	}

	for _, rootNodeID := range []NodeID{rootID, trashRootID} {
		rs := &RootState{TreeID: spec.id, RootNodeID: rootNodeID, RootNodeType: spec.rootNodeType, Expanded: map[NodeID]bool{}}
		if err := putJSON(txn, rootStateKey(spec.id, rootNodeID), rs); err != nil {
			return err
		}
	}
	return nil
}

// --- Trees -----------------------------------------------------------------

// GetTree returns the tree for id.
func (d *Durable) GetTree(id TreeID) (*Tree, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	var tree Tree
	err := d.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, treeKey(id), &tree)
	})
	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tree, nil
}

// ListTrees returns every seeded tree.
func (d *Durable) ListTrees() ([]*Tree, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	var out []*Tree
	err := d.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte{prefixTree}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var tree Tree
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &tree)
			}); err != nil {
				return err
			}
			t := tree
			out = append(out, &t)
		}
		return nil
	})
	return out, err
}

// --- Nodes -------------------------------------------------------------

// GetNode returns the node with id, or ErrNotFound.
func (d *Durable) GetNode(id NodeID) (*TreeNode, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	var node TreeNode
	err := d.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, nodeKey(id), &node)
	})
	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &node, nil
}

// CreateNode inserts a new node. Returns ErrAlreadyExists if id is
// taken. The parentID/name uniqueness constraint is enforced by the
// caller (names.CreateNewName) before this is reached; CreateNode
// itself only guards against id collisions.
func (d *Durable) CreateNode(node *TreeNode) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	if node == nil || node.ID == "" {
		return ErrInvalidID
	}
	err := d.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(nodeKey(node.ID)); err == nil {
			return ErrAlreadyExists
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		return putNodeTxn(txn, node)
	})
	if err != nil {
		return err
	}
	d.emit(ChangeRecord{Type: ChangeCreated, NodeID: node.ID, Node: node.Clone()})
	return nil
}

// UpdateNode replaces the stored node with the given value, deleting
// any secondary index entries whose key material changed. Callers bump
// Version and UpdatedAt before calling UpdateNode; the optimistic
// version check happens in the working-copy commit path before the
// write reaches here.
func (d *Durable) UpdateNode(node *TreeNode) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	var previous TreeNode
	err := d.db.Update(func(txn *badger.Txn) error {
		if err := getJSON(txn, nodeKey(node.ID), &previous); err != nil {
			if err == badger.ErrKeyNotFound {
				return ErrNotFound
			}
			return err
		}
		if previous.ParentID != node.ParentID {
			if err := txn.Delete(parentIndexKey(previous.ParentID, node.ID)); err != nil {
				return err
			}
			if err := txn.Delete(parentNameIndexKey(previous.ParentID, previous.Name)); err != nil {
				return err
			}
			if err := txn.Delete(updatedIndexKey(previous.ParentID, previous.UpdatedAt, node.ID)); err != nil {
				return err
			}
		} else if previous.Name != node.Name {
			if err := txn.Delete(parentNameIndexKey(previous.ParentID, previous.Name)); err != nil {
				return err
			}
			if err := txn.Delete(updatedIndexKey(previous.ParentID, previous.UpdatedAt, node.ID)); err != nil {
				return err
			}
		} else if previous.UpdatedAt != node.UpdatedAt {
			if err := txn.Delete(updatedIndexKey(previous.ParentID, previous.UpdatedAt, node.ID)); err != nil {
				return err
			}
		}
		if previous.IsRemoved && !node.IsRemoved {
			if err := txn.Delete(removedIndexKey(node.ID)); err != nil {
				return err
			}
			if previous.OriginalParentID != nil {
				if err := txn.Delete(origParentIndexKey(*previous.OriginalParentID, node.ID)); err != nil {
					return err
				}
			}
		}
		return putNodeTxn(txn, node)
	})
	if err != nil {
		return err
	}
	d.emit(ChangeRecord{Type: ChangeUpdated, NodeID: node.ID, Node: node.Clone(), PreviousNode: previous.Clone()})
	return nil
}

// DeleteNode hard-deletes a node and its index entries. Used by
// mutation.Remove's post-order DFS and by the paste rollback in
// mutation.PasteNodes; moveToTrash uses UpdateNode instead
// - trashing is a field transition, not a deletion.
func (d *Durable) DeleteNode(id NodeID) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	var previous TreeNode
	err := d.db.Update(func(txn *badger.Txn) error {
		if err := getJSON(txn, nodeKey(id), &previous); err != nil {
			if err == badger.ErrKeyNotFound {
				return ErrNotFound
			}
			return err
		}
		if err := txn.Delete(nodeKey(id)); err != nil {
			return err
		}
		if err := txn.Delete(parentIndexKey(previous.ParentID, id)); err != nil {
			return err
		}
		if err := txn.Delete(parentNameIndexKey(previous.ParentID, previous.Name)); err != nil {
			return err
		}
		if err := txn.Delete(updatedIndexKey(previous.ParentID, previous.UpdatedAt, id)); err != nil {
			return err
		}
		if previous.IsRemoved {
			if err := txn.Delete(removedIndexKey(id)); err != nil {
				return err
			}
			if previous.OriginalParentID != nil {
				if err := txn.Delete(origParentIndexKey(*previous.OriginalParentID, id)); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	d.emit(ChangeRecord{Type: ChangeDeleted, NodeID: id, PreviousNode: previous.Clone()})
	return nil
}

// NameExists reports whether parentID already has a child named name.
func (d *Durable) NameExists(parentID NodeID, name string) (bool, error) {
	if err := d.checkOpen(); err != nil {
		return false, err
	}
	found := false
	err := d.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(parentNameIndexKey(parentID, name))
		if err == nil {
			found = true
			return nil
		}
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
	return found, err
}

// ListChildren returns every node whose ParentID is parentID, via the
// parent index.
func (d *Durable) ListChildren(parentID NodeID) ([]*TreeNode, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	var out []*TreeNode
	err := d.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := parentIndexPrefix(parentID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			childID := NodeID(extractTrailingID(key))
			var node TreeNode
			if err := getJSON(txn, nodeKey(childID), &node); err != nil {
				if err == badger.ErrKeyNotFound {
					continue
				}
				return err
			}
			out = append(out, &node)
		}
		return nil
	})
	return out, err
}

// ListRemoved returns every node currently marked IsRemoved.
func (d *Durable) ListRemoved() ([]*TreeNode, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	var out []*TreeNode
	err := d.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte{prefixRemovedIndex}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id := NodeID(it.Item().Key()[1:])
			var node TreeNode
			if err := getJSON(txn, nodeKey(id), &node); err != nil {
				if err == badger.ErrKeyNotFound {
					continue
				}
				return err
			}
			out = append(out, &node)
		}
		return nil
	})
	return out, err
}

// GetRootState returns the persisted root view state for a tree's root or
// trash-root node.
func (d *Durable) GetRootState(treeID TreeID, rootNodeID NodeID) (*RootState, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	var rs RootState
	err := d.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, rootStateKey(treeID, rootNodeID), &rs)
	})
	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rs, nil
}

// PutRootState persists the root view state.
func (d *Durable) PutRootState(rs *RootState) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	return d.db.Update(func(txn *badger.Txn) error {
		return putJSON(txn, rootStateKey(rs.TreeID, rs.RootNodeID), rs)
	})
}

// putNodeTxn writes a node and refreshes every secondary index, called
// from both CreateNode and UpdateNode/seedTree under an already-open
// badger.Txn.
func putNodeTxn(txn *badger.Txn, node *TreeNode) error {
	if err := putJSON(txn, nodeKey(node.ID), node); err != nil {
		return err
	}
	if err := txn.Set(parentIndexKey(node.ParentID, node.ID), []byte{}); err != nil {
		return err
	}
	if err := txn.Set(parentNameIndexKey(node.ParentID, node.Name), []byte(node.ID)); err != nil {
		return err
	}
	if err := txn.Set(updatedIndexKey(node.ParentID, node.UpdatedAt, node.ID), []byte{}); err != nil {
		return err
	}
	if node.IsRemoved {
		if err := txn.Set(removedIndexKey(node.ID), []byte{}); err != nil {
			return err
		}
		if node.OriginalParentID != nil {
			if err := txn.Set(origParentIndexKey(*node.OriginalParentID, node.ID), []byte{}); err != nil {
				return err
			}
		}
	}
	return nil
}

func putJSON(txn *badger.Txn, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func getJSON(txn *badger.Txn, key []byte, out interface{}) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
}

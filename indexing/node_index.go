package indexing

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/snappy"
	"github.com/tidwall/btree"
	"github.com/vmihailenco/msgpack"
	"go.uber.org/zap"

	"mit.edu/dsg/journaldb/common"
)

type nodeItem struct {
	key   Key
	value []byte
}

// NodeIndex maps node keys to node values. It is a wrapper around github.com/tidwall/btree that lives in
// memory and is made durable by the journal: between checkpoints every change is replayed from the
// journal, at a checkpoint the whole tree is written to a snapshot file.
//
// NodeIndex is safe for concurrent use; the underlying tree does its own locking.
type NodeIndex struct {
	oid    common.ObjectID
	path   string
	logger *zap.Logger
	tree   *btree.BTreeG[nodeItem]
}

func newTree() *btree.BTreeG[nodeItem] {
	return btree.NewBTreeG(func(a, b nodeItem) bool {
		return a.key.Compare(b.key) < 0
	})
}

// NewNodeIndex creates an empty index whose snapshot lives at path.
func NewNodeIndex(oid common.ObjectID, path string, logger *zap.Logger) *NodeIndex {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NodeIndex{
		oid:    oid,
		path:   path,
		logger: logger,
		tree:   newTree(),
	}
}

// Oid returns the object id of the index.
func (index *NodeIndex) Oid() common.ObjectID {
	return index.oid
}

// Get returns the value stored for key.
func (index *NodeIndex) Get(key Key) ([]byte, bool) {
	item, ok := index.tree.Get(nodeItem{key: key})
	if !ok {
		return nil, false
	}
	return item.value, true
}

// Put stores value under key and returns the value it replaced, if any.
func (index *NodeIndex) Put(key Key, value []byte) ([]byte, bool) {
	// The key and value usually come from a reused buffer.
	item := nodeItem{key: key.DeepCopy(), value: append([]byte(nil), value...)}
	prev, replaced := index.tree.Set(item)
	return prev.value, replaced
}

// Delete removes key and returns the value it held, if any.
func (index *NodeIndex) Delete(key Key) ([]byte, bool) {
	prev, deleted := index.tree.Delete(nodeItem{key: key})
	return prev.value, deleted
}

// Len returns the number of nodes in the index.
func (index *NodeIndex) Len() int {
	return index.tree.Len()
}

// Scan calls fn for every node with a key >= start in key order, until fn returns false. A NilKey start
// scans from the first node. Scan iterates a copy-on-write snapshot, so fn may modify the index.
func (index *NodeIndex) Scan(start Key, fn func(key Key, value []byte) bool) {
	snapshot := index.tree.Copy()
	visit := func(item nodeItem) bool {
		return fn(item.key, item.value)
	}
	if start.IsNil() {
		snapshot.Scan(visit)
		return
	}
	snapshot.Ascend(nodeItem{key: start}, visit)
}

// snapshotEntry and snapshotFile are the msgpack form of a snapshot.
type snapshotEntry struct {
	Key   []byte `msgpack:"k"`
	Value []byte `msgpack:"v"`
}

type snapshotFile struct {
	Version int             `msgpack:"version"`
	Oid     uint32          `msgpack:"oid"`
	Entries []snapshotEntry `msgpack:"entries"`
}

const snapshotVersion = 1

// SaveSnapshot writes the current content of the index to its snapshot file. The file is replaced
// atomically, so a crash leaves either the old or the new snapshot.
func (index *NodeIndex) SaveSnapshot() error {
	snapshot := index.tree.Copy()
	out := snapshotFile{
		Version: snapshotVersion,
		Oid:     uint32(index.oid),
		Entries: make([]snapshotEntry, 0, snapshot.Len()),
	}
	snapshot.Scan(func(item nodeItem) bool {
		out.Entries = append(out.Entries, snapshotEntry{Key: item.key, Value: item.value})
		return true
	})

	encoded, err := msgpack.Marshal(&out)
	if err != nil {
		return fmt.Errorf("cannot encode snapshot of node index %d: %w", index.oid, err)
	}
	compressed := snappy.Encode(nil, encoded)

	tmp := index.path + ".tmp"
	if err := writeFileSync(tmp, compressed); err != nil {
		return fmt.Errorf("cannot write snapshot of node index %d: %w", index.oid, err)
	}
	if err := os.Rename(tmp, index.path); err != nil {
		return fmt.Errorf("cannot install snapshot of node index %d: %w", index.oid, err)
	}
	index.logger.Debug("saved node index snapshot",
		zap.Uint32("oid", uint32(index.oid)),
		zap.Int("nodes", len(out.Entries)),
		zap.Int("bytes", len(compressed)))
	return nil
}

func writeFileSync(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// LoadSnapshot replaces the content of the index with its snapshot file. A missing file leaves the
// index empty. It must not run concurrently with other methods.
func (index *NodeIndex) LoadSnapshot() error {
	compressed, err := os.ReadFile(index.path)
	if errors.Is(err, fs.ErrNotExist) {
		index.tree = newTree()
		return nil
	}
	if err != nil {
		return fmt.Errorf("cannot read snapshot of node index %d: %w", index.oid, err)
	}
	encoded, err := snappy.Decode(nil, compressed)
	if err != nil {
		return fmt.Errorf("cannot decompress snapshot of node index %d: %w", index.oid, err)
	}
	var in snapshotFile
	if err := msgpack.Unmarshal(encoded, &in); err != nil {
		return fmt.Errorf("cannot decode snapshot of node index %d: %w", index.oid, err)
	}
	if in.Version != snapshotVersion {
		return fmt.Errorf("snapshot of node index %d has version %d, expected %d", index.oid, in.Version, snapshotVersion)
	}
	if common.ObjectID(in.Oid) != index.oid {
		return fmt.Errorf("snapshot %s belongs to node index %d, not %d", index.path, in.Oid, index.oid)
	}

	tree := newTree()
	for _, e := range in.Entries {
		tree.Set(nodeItem{key: Key(e.Key), value: e.Value})
	}
	index.tree = tree
	index.logger.Debug("loaded node index snapshot", zap.Uint32("oid", uint32(index.oid)), zap.Int("nodes", tree.Len()))
	return nil
}

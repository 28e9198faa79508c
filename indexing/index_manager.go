package indexing

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"mit.edu/dsg/journaldb/common"
)

// IndexManager manages the runtime lifecycle of the node indexes of one database. Indexes are loaded
// from their snapshot on first use.
type IndexManager struct {
	rootPath string
	logger   *zap.Logger
	indexes  *xsync.MapOf[common.ObjectID, *NodeIndex]
}

// NewIndexManager creates a manager that keeps snapshots under rootPath.
func NewIndexManager(rootPath string, logger *zap.Logger) (*IndexManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(rootPath, 0755); err != nil {
		return nil, fmt.Errorf("cannot create index directory %s: %w", rootPath, err)
	}
	return &IndexManager{
		rootPath: rootPath,
		logger:   logger,
		indexes:  xsync.NewMapOf[common.ObjectID, *NodeIndex](),
	}, nil
}

func (im *IndexManager) snapshotPath(oid common.ObjectID) string {
	return filepath.Join(im.rootPath, fmt.Sprintf("nodes_%d.snap", oid))
}

// GetIndex retrieves the index with the given oid, loading it from its snapshot or creating it empty.
func (im *IndexManager) GetIndex(oid common.ObjectID) (*NodeIndex, error) {
	if idx, ok := im.indexes.Load(oid); ok {
		return idx, nil
	}
	idx := NewNodeIndex(oid, im.snapshotPath(oid), im.logger)
	if err := idx.LoadSnapshot(); err != nil {
		return nil, err
	}
	// Another goroutine may have loaded the same index concurrently; the first one installed wins.
	actual, _ := im.indexes.LoadOrStore(oid, idx)
	return actual, nil
}

// SaveAll writes a snapshot of every loaded index.
func (im *IndexManager) SaveAll() error {
	var errs error
	im.indexes.Range(func(oid common.ObjectID, idx *NodeIndex) bool {
		errs = multierr.Append(errs, idx.SaveSnapshot())
		return true
	})
	return errs
}

// Discard forgets every loaded index without saving it, as a crash would.
func (im *IndexManager) Discard() {
	im.indexes.Clear()
}

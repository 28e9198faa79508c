// Package journaldb is a page and node store protected by a write-ahead journal. Open recovers the
// database from the journal if it was not shut down cleanly.
package journaldb

import (
	"fmt"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"mit.edu/dsg/journaldb/common"
	"mit.edu/dsg/journaldb/config"
	"mit.edu/dsg/journaldb/indexing"
	"mit.edu/dsg/journaldb/journal"
	"mit.edu/dsg/journaldb/logger"
	"mit.edu/dsg/journaldb/recovery"
	"mit.edu/dsg/journaldb/storage"
	"mit.edu/dsg/journaldb/transaction"
)

// DB is the top-level container for the database system.
type DB struct {
	config             *config.Config
	logger             *zap.Logger
	metrics            *prometheus.Registry
	storageManager     *storage.DiskDBFileManager
	cache              *storage.PageCache
	indexes            *indexing.IndexManager
	registry           *journal.Registry
	journal            *journal.Manager
	transactionManager *transaction.TransactionManager
	recovery           recovery.Result
}

// PagesDir and NodesDir are the subdirectories of the data directory holding page files and node index
// snapshots.
const (
	PagesDir = "pages"
	NodesDir = "nodes"
)

// Open opens the database described by cfg, running crash recovery first if the journal shows an
// unclean shutdown. A recovered database is checkpointed before Open returns.
func Open(cfg *config.Config) (*DB, error) {
	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	return open(cfg, log)
}

func open(cfg *config.Config, log *zap.Logger) (db *DB, err error) {
	db = &DB{
		config:   cfg,
		logger:   log,
		metrics:  prometheus.NewRegistry(),
		registry: journal.NewRegistry(),
	}
	log.Info("opening database", zap.Stringer("config", cfg))

	if db.storageManager, err = storage.NewDiskStorageManager(filepath.Join(cfg.DataDir, PagesDir), log); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, db.storageManager.Close())
		}
	}()
	db.cache = storage.NewPageCache(db.storageManager, log)
	if db.indexes, err = indexing.NewIndexManager(filepath.Join(cfg.DataDir, NodesDir), log); err != nil {
		return nil, err
	}
	if err = storage.RegisterLoggables(db.registry, db.cache); err != nil {
		return nil, err
	}
	if err = indexing.RegisterLoggables(db.registry, db.indexes); err != nil {
		return nil, err
	}

	db.journal = journal.NewManager(cfg.JournalDir, cfg.ManagerOptions(), log, journal.NewMetrics(db.metrics))
	if cfg.DisableJournal {
		db.journal.DisableJournalling()
	}
	if err = db.journal.Prepare(); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, db.journal.Shutdown(0, false))
		}
	}()
	db.transactionManager = transaction.NewTransactionManager(db.journal, db.cache, db.indexes, log)

	db.recovery = recovery.Result{Clean: true, CheckpointLsn: common.InvalidLsn, EndLsn: common.InvalidLsn}
	if accessor := db.journal.RecoveryAccessor(); accessor != nil {
		rm := recovery.NewRecoveryManager(accessor, db.registry, log)
		if db.recovery, err = rm.Recover(); err != nil {
			return nil, fmt.Errorf("recovery failed, database cannot be opened: %w", err)
		}
		db.transactionManager.SetNextTransactionID(db.recovery.MaxTransactionID + 1)
		if !db.recovery.Clean {
			if err = db.transactionManager.Checkpoint(false); err != nil {
				return nil, fmt.Errorf("checkpoint after recovery failed: %w", err)
			}
		}
	}
	return db, nil
}

// TransactionManager returns the manager through which all reads and writes go.
func (db *DB) TransactionManager() *transaction.TransactionManager {
	return db.transactionManager
}

// Journal returns the journal manager, e.g. to register listeners.
func (db *DB) Journal() *journal.Manager {
	return db.journal
}

// Registry returns the entry registry bound to this database's storage.
func (db *DB) Registry() *journal.Registry {
	return db.registry
}

// Metrics returns the prometheus registry holding the database's collectors.
func (db *DB) Metrics() *prometheus.Registry {
	return db.metrics
}

// RecoveryResult describes what Open had to do to recover the database.
func (db *DB) RecoveryResult() recovery.Result {
	return db.recovery
}

// Checkpoint writes all state to disk and records a checkpoint in the journal.
func (db *DB) Checkpoint(switchFiles bool) error {
	return db.transactionManager.Checkpoint(switchFiles)
}

// Close waits for running transactions, writes all state to disk and marks the journal cleanly shut down.
func (db *DB) Close() error {
	err := db.transactionManager.Shutdown()
	err = multierr.Append(err, db.storageManager.Close())
	_ = db.logger.Sync()
	return err
}

package journaldb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mit.edu/dsg/journaldb/common"
	"mit.edu/dsg/journaldb/config"
	"mit.edu/dsg/journaldb/indexing"
	"mit.edu/dsg/journaldb/transaction"
)

const testOid common.ObjectID = 7

func testConfig(t *testing.T) *config.Config {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.DataDir = dir
	cfg.JournalDir = filepath.Join(dir, "journal")
	cfg.Log.OutputFile = filepath.Join(dir, "journaldb.log")
	return cfg
}

func openDB(t *testing.T, cfg *config.Config) *DB {
	db, err := Open(cfg)
	require.NoError(t, err)
	return db
}

// crash stops db without writing dirty pages, snapshots or a final checkpoint.
func crash(t *testing.T, db *DB) {
	require.NoError(t, db.journal.Shutdown(0, false))
	require.NoError(t, db.storageManager.Close())
}

func inTxn(t *testing.T, db *DB, fn func(txn *transaction.TransactionContext)) {
	tm := db.TransactionManager()
	txn, err := tm.Begin()
	require.NoError(t, err)
	fn(txn)
	require.NoError(t, tm.Commit(txn))
	tm.Release(txn)
}

func TestDB_CleanReopen(t *testing.T) {
	cfg := testConfig(t)
	db := openDB(t, cfg)
	assert.True(t, db.RecoveryResult().Clean)

	var pid common.PageID
	inTxn(t, db, func(txn *transaction.TransactionContext) {
		var err error
		pid, err = txn.AllocatePage(testOid)
		require.NoError(t, err)
		require.NoError(t, txn.WritePage(pid, 10, []byte("hello")))
		require.NoError(t, txn.PutNode(testOid, indexing.Key("n1"), []byte("element")))
	})
	require.NoError(t, db.Close())

	db = openDB(t, cfg)
	defer func() { require.NoError(t, db.Close()) }()
	assert.True(t, db.RecoveryResult().Clean)
	inTxn(t, db, func(txn *transaction.TransactionContext) {
		data, err := txn.ReadPage(pid, 10, 5)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(data))
		value, ok, err := txn.GetNode(testOid, indexing.Key("n1"))
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "element", string(value))
	})
}

func TestDB_RecoversAfterCrash(t *testing.T) {
	cfg := testConfig(t)
	db := openDB(t, cfg)
	tm := db.TransactionManager()

	var pid common.PageID
	inTxn(t, db, func(txn *transaction.TransactionContext) {
		var err error
		pid, err = txn.AllocatePage(testOid)
		require.NoError(t, err)
		require.NoError(t, txn.WritePage(pid, 0, []byte("committed")))
		require.NoError(t, txn.PutNode(testOid, indexing.Key("a"), []byte("1")))
	})

	loser, err := tm.Begin()
	require.NoError(t, err)
	require.NoError(t, loser.WritePage(pid, 0, []byte("uncommitted")))
	require.NoError(t, loser.PutNode(testOid, indexing.Key("b"), []byte("2")))
	_, err = loser.DeleteNode(testOid, indexing.Key("a"))
	require.NoError(t, err)
	require.NoError(t, db.journal.Flush(true, true))
	crash(t, db)

	db = openDB(t, cfg)
	defer func() { require.NoError(t, db.Close()) }()
	result := db.RecoveryResult()
	assert.False(t, result.Clean)
	assert.Equal(t, []common.TransactionID{loser.ID()}, result.Losers)
	assert.Equal(t, 6, result.Redone)
	assert.Equal(t, 3, result.Undone)

	inTxn(t, db, func(txn *transaction.TransactionContext) {
		assert.Greater(t, txn.ID(), result.MaxTransactionID)
		data, err := txn.ReadPage(pid, 0, 9)
		require.NoError(t, err)
		assert.Equal(t, "committed", string(data))

		value, ok, err := txn.GetNode(testOid, indexing.Key("a"))
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "1", string(value))
		_, ok, err = txn.GetNode(testOid, indexing.Key("b"))
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestDB_RecoveryLeavesCleanJournal(t *testing.T) {
	cfg := testConfig(t)
	db := openDB(t, cfg)
	inTxn(t, db, func(txn *transaction.TransactionContext) {
		require.NoError(t, txn.PutNode(testOid, indexing.Key("k"), []byte("v")))
	})
	crash(t, db)

	db = openDB(t, cfg)
	assert.False(t, db.RecoveryResult().Clean)
	crash(t, db)

	// Open checkpointed after recovery, so a crash right after it needs no replay.
	db = openDB(t, cfg)
	defer func() { require.NoError(t, db.Close()) }()
	assert.True(t, db.RecoveryResult().Clean)
	inTxn(t, db, func(txn *transaction.TransactionContext) {
		value, ok, err := txn.GetNode(testOid, indexing.Key("k"))
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "v", string(value))
	})
}

func TestDB_DisabledJournal(t *testing.T) {
	cfg := testConfig(t)
	cfg.DisableJournal = true
	db := openDB(t, cfg)
	assert.True(t, db.RecoveryResult().Clean)
	assert.True(t, db.Journal().IsDisabled())

	inTxn(t, db, func(txn *transaction.TransactionContext) {
		require.NoError(t, txn.PutNode(testOid, indexing.Key("k"), []byte("v")))
	})
	require.NoError(t, db.Close())
	assert.NoFileExists(t, filepath.Join(cfg.JournalDir, "0000000001.log"))

	db = openDB(t, cfg)
	defer func() { require.NoError(t, db.Close()) }()
	inTxn(t, db, func(txn *transaction.TransactionContext) {
		_, ok, err := txn.GetNode(testOid, indexing.Key("k"))
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestDB_ExportsJournalMetrics(t *testing.T) {
	db := openDB(t, testConfig(t))
	defer func() { require.NoError(t, db.Close()) }()
	inTxn(t, db, func(txn *transaction.TransactionContext) {
		require.NoError(t, txn.PutNode(testOid, indexing.Key("k"), []byte("v")))
	})

	families, err := db.Metrics().Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "journaldb_journal_entries_total")
}

// A transaction rolled back by one recovery must stay rolled back when a later crash replays the journal
// files that are still retained.
func TestDB_RecoveredLoserStaysAborted(t *testing.T) {
	cfg := testConfig(t)
	db := openDB(t, cfg)
	tm := db.TransactionManager()

	var pid common.PageID
	inTxn(t, db, func(txn *transaction.TransactionContext) {
		var err error
		pid, err = txn.AllocatePage(testOid)
		require.NoError(t, err)
		require.NoError(t, txn.WritePage(pid, 0, []byte("AAAA")))
		require.NoError(t, txn.PutNode(testOid, indexing.Key("k"), []byte("v1")))
	})
	loser, err := tm.Begin()
	require.NoError(t, err)
	require.NoError(t, loser.WritePage(pid, 0, []byte("LLLL")))
	require.NoError(t, loser.PutNode(testOid, indexing.Key("k"), []byte("loser")))
	require.NoError(t, db.journal.Flush(true, true))
	crash(t, db)

	db = openDB(t, cfg)
	assert.Equal(t, []common.TransactionID{loser.ID()}, db.RecoveryResult().Losers)
	tm = db.TransactionManager()
	inTxn(t, db, func(txn *transaction.TransactionContext) {
		require.NoError(t, txn.WritePage(pid, 0, []byte("CCCC")))
		require.NoError(t, txn.PutNode(testOid, indexing.Key("k"), []byte("v3")))
	})
	require.NoError(t, db.Checkpoint(false))
	pending, err := tm.Begin()
	require.NoError(t, err)
	require.NoError(t, pending.PutNode(testOid, indexing.Key("other"), []byte("x")))
	require.NoError(t, db.journal.Flush(true, true))
	crash(t, db)

	db = openDB(t, cfg)
	defer func() { require.NoError(t, db.Close()) }()
	result := db.RecoveryResult()
	assert.False(t, result.Clean)
	assert.Equal(t, []common.TransactionID{pending.ID()}, result.Losers)
	inTxn(t, db, func(txn *transaction.TransactionContext) {
		data, err := txn.ReadPage(pid, 0, 4)
		require.NoError(t, err)
		assert.Equal(t, "CCCC", string(data))
		value, ok, err := txn.GetNode(testOid, indexing.Key("k"))
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "v3", string(value))
		_, ok, err = txn.GetNode(testOid, indexing.Key("other"))
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

// Transaction ids handed out after a clean reopen must not collide with ids still present in the
// retained journal files.
func TestDB_CleanReopenContinuesTransactionIDs(t *testing.T) {
	cfg := testConfig(t)
	db := openDB(t, cfg)
	var first common.TransactionID
	inTxn(t, db, func(txn *transaction.TransactionContext) {
		first = txn.ID()
		require.NoError(t, txn.PutNode(testOid, indexing.Key("k"), []byte("committed")))
	})
	require.NoError(t, db.Close())

	db = openDB(t, cfg)
	require.True(t, db.RecoveryResult().Clean)
	assert.GreaterOrEqual(t, db.RecoveryResult().MaxTransactionID, first)
	loser, err := db.TransactionManager().Begin()
	require.NoError(t, err)
	assert.Greater(t, loser.ID(), first)
	require.NoError(t, loser.PutNode(testOid, indexing.Key("k"), []byte("uncommitted")))
	require.NoError(t, db.journal.Flush(true, true))
	crash(t, db)

	db = openDB(t, cfg)
	defer func() { require.NoError(t, db.Close()) }()
	result := db.RecoveryResult()
	assert.False(t, result.Clean)
	assert.Equal(t, []common.TransactionID{loser.ID()}, result.Losers)
	inTxn(t, db, func(txn *transaction.TransactionContext) {
		value, ok, err := txn.GetNode(testOid, indexing.Key("k"))
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "committed", string(value))
	})
}

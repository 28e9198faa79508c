package journal

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// groupCommitFlusher periodically syncs the journal when group commit is enabled. JournalGroup then only
// buffers commit records; the flusher turns the pending batch into a single fsync.
type groupCommitFlusher struct {
	journal  *Journal
	logger   *zap.Logger
	interval time.Duration
	shutdown chan struct{}
	done     sync.WaitGroup
}

func newGroupCommitFlusher(j *Journal, logger *zap.Logger, interval time.Duration) *groupCommitFlusher {
	return &groupCommitFlusher{
		journal:  j,
		logger:   logger,
		interval: interval,
		shutdown: make(chan struct{}),
	}
}

// Start initiates background flushing.
func (f *groupCommitFlusher) Start() {
	f.done.Add(1)
	go f.flushLoop()
}

// Stop signals the flusher to shut down and blocks until the final flush is complete.
func (f *groupCommitFlusher) Stop() {
	close(f.shutdown)
	f.done.Wait()
}

func (f *groupCommitFlusher) flushLoop() {
	defer f.done.Done()
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			f.flushPending()
		case <-f.shutdown:
			f.flushPending()
			return
		}
	}
}

func (f *groupCommitFlusher) flushPending() {
	if !f.journal.SyncPending() {
		return
	}
	if err := f.journal.FlushToLog(true, true); err != nil && !IsClosed(err) {
		// A failed sync leaves SyncPending set, so the next tick retries.
		f.logger.Error("group commit flush failed", zap.Error(err))
	}
}

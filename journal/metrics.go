package journal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "journaldb"
	subsystem = "journal"
)

// Metrics groups the journal's prometheus collectors.
type Metrics struct {
	// EntriesTotal counts entries handed to WriteToLog
	EntriesTotal prometheus.Counter
	// BytesTotal counts framed entry bytes, including header, backlink and checksum
	BytesTotal prometheus.Counter
	// FsyncsTotal counts fsync calls on journal files
	FsyncsTotal prometheus.Counter
	// FsyncDuration observes the latency of every fsync
	FsyncDuration prometheus.Histogram
	// CheckpointsTotal counts checkpoint records written
	CheckpointsTotal prometheus.Counter
	// FileSwitchesTotal counts journal file rotations
	FileSwitchesTotal prometheus.Counter
	// FilesRemovedTotal counts obsolete journal files deleted after a checkpoint
	FilesRemovedTotal prometheus.Counter
}

// NewMetrics creates the journal collectors and registers them with reg. A nil reg leaves them
// unregistered, which is what tests and diagnostic tools use.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EntriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "entries_total",
			Help:      "Number of entries written to the journal",
		}),
		BytesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bytes_total",
			Help:      "Number of bytes written to the journal",
		}),
		FsyncsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "fsyncs_total",
			Help:      "Number of fsync calls on journal files",
		}),
		FsyncDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "fsync_duration_seconds",
			Help:      "Time spent in fsync on journal files",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
		}),
		CheckpointsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "checkpoints_total",
			Help:      "Number of checkpoint records written",
		}),
		FileSwitchesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "file_switches_total",
			Help:      "Number of times the journal switched to a new file",
		}),
		FilesRemovedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "files_removed_total",
			Help:      "Number of obsolete journal files removed",
		}),
	}
}

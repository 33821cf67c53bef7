package puller

import (
	"log/slog"
	"time"

	"github.com/c0deZ3R0/couchpull/changes"
	"github.com/c0deZ3R0/couchpull/cursor"
	"github.com/c0deZ3R0/couchpull/metrics"
)

const (
	DefaultMaxConcurrentFetches = 4
	DefaultMaxRevisionRetries   = 3
	DefaultBatchSize            = 100
	DefaultBatchDelay           = 500 * time.Millisecond

	// maxAttsSince bounds the ancestors sent in atts_since.
	maxAttsSince = 10
)

// Hooks are called by the puller as work progresses. Nil hooks are skipped.
// Hooks may be called from several goroutines but never while the puller
// holds its lock.
type Hooks struct {
	OnDocumentError func(DocumentError)
	// OnCheckpoint receives a strictly newer safe checkpoint each time.
	OnCheckpoint func(cursor.Cursor)
	OnCaughtUp   func()
	// OnProgress is called whenever the discovered or completed counts move.
	OnProgress       func()
	OnTrackerState   func(changes.TrackerState)
	OnTrackerStopped func(error)
	// OnFatal reports an error that must end the session, such as an
	// authorization failure while fetching.
	OnFatal func(error)
}

type options struct {
	maxConcurrentFetches int
	maxRevisionRetries   int
	batchSize            int
	batchDelay           time.Duration
	bulkFetchSize        int
	checkpoint           cursor.Cursor
	logger               *slog.Logger
	metrics              metrics.MetricsCollector
	hooks                Hooks
}

// Option configures a Puller.
type Option func(*options)

// WithMaxConcurrentFetches bounds the fetch workers.
func WithMaxConcurrentFetches(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxConcurrentFetches = n
		}
	}
}

// WithMaxRevisionRetries sets how many times a transient fetch failure is
// retried before the revision is reported and dropped.
func WithMaxRevisionRetries(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.maxRevisionRetries = n
		}
	}
}

// WithBatch sets the insert batch capacity and the longest time a
// downloaded revision waits for its batch.
func WithBatch(size int, delay time.Duration) Option {
	return func(o *options) {
		if size > 0 {
			o.batchSize = size
		}
		if delay >= 0 {
			o.batchDelay = delay
		}
	}
}

// WithBulkFetch fetches up to size first-generation revisions per request
// when the remote implements BulkRemote. Sizes below 2 turn it off, which is
// the default.
func WithBulkFetch(size int) Option {
	return func(o *options) { o.bulkFetchSize = size }
}

// WithCheckpoint is the sequence the session resumed from.
func WithCheckpoint(seq cursor.Cursor) Option {
	return func(o *options) { o.checkpoint = seq }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithMetrics(m metrics.MetricsCollector) Option {
	return func(o *options) { o.metrics = m }
}

func WithHooks(h Hooks) Option {
	return func(o *options) { o.hooks = h }
}

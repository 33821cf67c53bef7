package replication

import (
	"log/slog"
	"time"

	"github.com/c0deZ3R0/couchpull/changes"
	"github.com/c0deZ3R0/couchpull/metrics"
	"github.com/c0deZ3R0/couchpull/puller"
)

// Options configures a replication.
type Options struct {
	// Feed selects what is pulled. Defaults to the whole database.
	Feed changes.FeedSource

	// Continuous keeps following the feed after the backlog is pulled. A
	// one-shot replication stops itself once caught up and idle.
	Continuous bool

	Mode                   changes.Mode
	Limit                  int
	Heartbeat              time.Duration
	Backoff                changes.BackoffStrategy
	MaxConsecutiveFailures int

	MaxConcurrentFetches int
	MaxRevisionRetries   int
	BatchSize            int
	BatchDelay           time.Duration

	// BulkFetchSize groups up to this many first-generation revisions into
	// one _bulk_get request. 0 or 1 fetches every revision on its own.
	BulkFetchSize int

	// EvictInterval is how often a continuous replication of a view feed
	// with Evict set looks for documents that left the view. Eviction also
	// runs whenever a session first goes idle.
	EvictInterval time.Duration

	// DrainOnStop lets running fetches finish on Stop instead of
	// cancelling them.
	DrainOnStop bool

	// CheckServer verifies the server and database before tracking.
	CheckServer bool

	// Target identifies the local store in the checkpoint key.
	Target string
}

// DefaultOptions returns a one-shot replication of the whole database.
func DefaultOptions() Options {
	return Options{
		Feed:                   changes.DocumentFeed{},
		Mode:                   changes.ModeLongPoll,
		Limit:                  changes.DefaultLimit,
		Heartbeat:              changes.DefaultHeartbeat,
		MaxConsecutiveFailures: changes.DefaultMaxConsecutiveFailures,
		MaxConcurrentFetches:   puller.DefaultMaxConcurrentFetches,
		MaxRevisionRetries:     puller.DefaultMaxRevisionRetries,
		BatchSize:              puller.DefaultBatchSize,
		BatchDelay:             puller.DefaultBatchDelay,
		EvictInterval:          DefaultEvictInterval,
		CheckServer:            true,
		Target:                 "local",
	}
}

// DefaultEvictInterval spaces view evictions of continuous replications.
const DefaultEvictInterval = 5 * time.Minute

// Option configures the Replicator itself.
type Option func(*Replicator)

func WithLogger(l *slog.Logger) Option {
	return func(r *Replicator) { r.logger = l }
}

func WithMetrics(m metrics.MetricsCollector) Option {
	return func(r *Replicator) { r.metrics = m }
}

// TrackerFactory builds the tracker of a session.
type TrackerFactory func(remote changes.Remote, source changes.FeedSource, client changes.Client, opts ...changes.Option) changes.Tracker

// WithTrackerFactory replaces the default changes.FeedTracker.
func WithTrackerFactory(f TrackerFactory) Option {
	return func(r *Replicator) { r.newTracker = f }
}

func defaultTrackerFactory(remote changes.Remote, source changes.FeedSource, client changes.Client, opts ...changes.Option) changes.Tracker {
	return changes.NewFeedTracker(remote, source, client, opts...)
}

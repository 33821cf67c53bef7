package replication

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/c0deZ3R0/couchpull/changes"
	"github.com/c0deZ3R0/couchpull/metrics"
	"github.com/c0deZ3R0/couchpull/storage"
	"github.com/c0deZ3R0/couchpull/transport/httptransport"
)

// ReplicatorBuilder provides a fluent interface for constructing Replicator instances.
type ReplicatorBuilder struct {
	remote        Remote
	sourceURL     string
	clientOptions []httptransport.ClientOption
	store         storage.LocalStore
	checkpoints   storage.CheckpointStore
	options       Options
	logger        *slog.Logger
	metrics       metrics.MetricsCollector
	newTracker    TrackerFactory
}

// NewReplicatorBuilder creates a new builder with default options.
func NewReplicatorBuilder() *ReplicatorBuilder {
	return &ReplicatorBuilder{options: DefaultOptions()}
}

// WithRemote sets the source database client.
func (b *ReplicatorBuilder) WithRemote(remote Remote) *ReplicatorBuilder {
	b.remote = remote
	return b
}

// WithSourceURL makes Build create an HTTP client for the database at url.
// It is ignored when a remote is set.
func (b *ReplicatorBuilder) WithSourceURL(url string, opts ...httptransport.ClientOption) *ReplicatorBuilder {
	b.sourceURL = url
	b.clientOptions = opts
	return b
}

// WithStore sets the local store revisions are written to.
func (b *ReplicatorBuilder) WithStore(store storage.LocalStore) *ReplicatorBuilder {
	b.store = store
	return b
}

// WithCheckpointStore sets where checkpoints are persisted.
func (b *ReplicatorBuilder) WithCheckpointStore(cs storage.CheckpointStore) *ReplicatorBuilder {
	b.checkpoints = cs
	return b
}

// WithFeed selects the feed to pull.
func (b *ReplicatorBuilder) WithFeed(feed changes.FeedSource) *ReplicatorBuilder {
	b.options.Feed = feed
	return b
}

// WithDocIDs pulls only the named documents.
func (b *ReplicatorBuilder) WithDocIDs(ids ...string) *ReplicatorBuilder {
	b.options.Feed = changes.DocumentFeed{DocIDs: ids}
	return b
}

// WithView pulls only documents emitted by a view.
func (b *ReplicatorBuilder) WithView(designDoc, view string) *ReplicatorBuilder {
	b.options.Feed = changes.ViewFeed{DesignDoc: designDoc, View: view}
	return b
}

// WithViewEviction pulls a view like WithView and also evicts local
// documents the view stops emitting.
func (b *ReplicatorBuilder) WithViewEviction(designDoc, view string, interval time.Duration) *ReplicatorBuilder {
	b.options.Feed = changes.ViewFeed{DesignDoc: designDoc, View: view, Evict: true}
	if interval > 0 {
		b.options.EvictInterval = interval
	}
	return b
}

// WithContinuous keeps the replication running after it has caught up.
func (b *ReplicatorBuilder) WithContinuous() *ReplicatorBuilder {
	b.options.Continuous = true
	return b
}

// WithMode sets the live feed mode.
func (b *ReplicatorBuilder) WithMode(mode changes.Mode) *ReplicatorBuilder {
	b.options.Mode = mode
	return b
}

// WithLimit sets the rows per catch-up request.
func (b *ReplicatorBuilder) WithLimit(limit int) *ReplicatorBuilder {
	b.options.Limit = limit
	return b
}

// WithHeartbeat sets the feed heartbeat.
func (b *ReplicatorBuilder) WithHeartbeat(d time.Duration) *ReplicatorBuilder {
	b.options.Heartbeat = d
	return b
}

// WithBackoff sets the feed reconnection strategy.
func (b *ReplicatorBuilder) WithBackoff(strategy changes.BackoffStrategy) *ReplicatorBuilder {
	b.options.Backoff = strategy
	return b
}

// WithMaxConsecutiveFailures sets how many feed failures in a row end the session.
func (b *ReplicatorBuilder) WithMaxConsecutiveFailures(n int) *ReplicatorBuilder {
	b.options.MaxConsecutiveFailures = n
	return b
}

// WithMaxConcurrentFetches bounds parallel revision fetches.
func (b *ReplicatorBuilder) WithMaxConcurrentFetches(n int) *ReplicatorBuilder {
	b.options.MaxConcurrentFetches = n
	return b
}

// WithMaxRevisionRetries sets the retries of a transient fetch failure.
func (b *ReplicatorBuilder) WithMaxRevisionRetries(n int) *ReplicatorBuilder {
	b.options.MaxRevisionRetries = n
	return b
}

// WithBatch sets the insert batch size and delay.
func (b *ReplicatorBuilder) WithBatch(size int, delay time.Duration) *ReplicatorBuilder {
	b.options.BatchSize = size
	b.options.BatchDelay = delay
	return b
}

// WithBulkFetch groups up to size first-generation revisions per _bulk_get.
func (b *ReplicatorBuilder) WithBulkFetch(size int) *ReplicatorBuilder {
	b.options.BulkFetchSize = size
	return b
}

// WithDrainOnStop lets running fetches finish when the replication stops.
func (b *ReplicatorBuilder) WithDrainOnStop() *ReplicatorBuilder {
	b.options.DrainOnStop = true
	return b
}

// WithServerCheck enables or disables the preflight check.
func (b *ReplicatorBuilder) WithServerCheck(enabled bool) *ReplicatorBuilder {
	b.options.CheckServer = enabled
	return b
}

// WithTarget names the local store in the checkpoint key.
func (b *ReplicatorBuilder) WithTarget(name string) *ReplicatorBuilder {
	b.options.Target = name
	return b
}

// WithOptions replaces all options at once.
func (b *ReplicatorBuilder) WithOptions(opts Options) *ReplicatorBuilder {
	b.options = opts
	return b
}

func (b *ReplicatorBuilder) WithLogger(logger *slog.Logger) *ReplicatorBuilder {
	b.logger = logger
	return b
}

func (b *ReplicatorBuilder) WithMetrics(m metrics.MetricsCollector) *ReplicatorBuilder {
	b.metrics = m
	return b
}

func (b *ReplicatorBuilder) WithTrackerFactory(f TrackerFactory) *ReplicatorBuilder {
	b.newTracker = f
	return b
}

// Build creates a new Replicator instance with the configured options.
func (b *ReplicatorBuilder) Build() (*Replicator, error) {
	if b.store == nil {
		return nil, fmt.Errorf("LocalStore is required")
	}

	remote := b.remote
	if remote == nil {
		if b.sourceURL == "" {
			return nil, fmt.Errorf("a remote or a source URL is required")
		}
		opts := b.clientOptions
		if b.logger != nil {
			opts = append([]httptransport.ClientOption{httptransport.WithLogger(b.logger)}, opts...)
		}
		client, err := httptransport.NewClient(b.sourceURL, opts...)
		if err != nil {
			return nil, err
		}
		remote = client
	}

	if err := b.validate(); err != nil {
		return nil, err
	}

	var options []Option
	if b.logger != nil {
		options = append(options, WithLogger(b.logger))
	}
	if b.metrics != nil {
		options = append(options, WithMetrics(b.metrics))
	}
	if b.newTracker != nil {
		options = append(options, WithTrackerFactory(b.newTracker))
	}
	return New(b.options, remote, b.store, b.checkpoints, options...), nil
}

func (b *ReplicatorBuilder) validate() error {
	o := b.options
	if o.MaxConcurrentFetches <= 0 {
		return fmt.Errorf("MaxConcurrentFetches must be positive, got %d", o.MaxConcurrentFetches)
	}
	if o.BatchSize <= 0 {
		return fmt.Errorf("BatchSize must be positive, got %d", o.BatchSize)
	}
	if o.BatchDelay < 0 {
		return fmt.Errorf("BatchDelay must not be negative, got %s", o.BatchDelay)
	}
	if o.MaxRevisionRetries < 0 {
		return fmt.Errorf("MaxRevisionRetries must not be negative, got %d", o.MaxRevisionRetries)
	}
	if o.Limit < 0 {
		return fmt.Errorf("Limit must not be negative, got %d", o.Limit)
	}
	if o.Heartbeat < 0 {
		return fmt.Errorf("Heartbeat must not be negative, got %s", o.Heartbeat)
	}
	if o.BulkFetchSize < 0 {
		return fmt.Errorf("BulkFetchSize must not be negative, got %d", o.BulkFetchSize)
	}
	if o.EvictInterval < 0 {
		return fmt.Errorf("EvictInterval must not be negative, got %s", o.EvictInterval)
	}
	if o.MaxConsecutiveFailures < 0 {
		return fmt.Errorf("MaxConsecutiveFailures must not be negative, got %d", o.MaxConsecutiveFailures)
	}
	switch o.Mode {
	case changes.ModeLongPoll, changes.ModeContinuous, changes.ModeEventSource:
	default:
		return fmt.Errorf("unknown feed mode %d", int(o.Mode))
	}
	if v, ok := o.Feed.(changes.ViewFeed); ok && (v.DesignDoc == "" || v.View == "") {
		return fmt.Errorf("a view feed needs a design document and a view name")
	}
	return nil
}

// Reset clears the builder, allowing reuse.
func (b *ReplicatorBuilder) Reset() *ReplicatorBuilder {
	*b = ReplicatorBuilder{options: DefaultOptions()}
	return b
}

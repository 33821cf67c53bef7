// Package replication runs pull replications from a CouchDB database into a
// local store. A Replicator owns at most one session at a time; a session
// wires a change tracker to a revision puller and persists checkpoints as
// the puller confirms work.
package replication

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c0deZ3R0/couchpull/changes"
	"github.com/c0deZ3R0/couchpull/cursor"
	syncErrors "github.com/c0deZ3R0/couchpull/errors"
	"github.com/c0deZ3R0/couchpull/logging"
	"github.com/c0deZ3R0/couchpull/metrics"
	"github.com/c0deZ3R0/couchpull/puller"
	"github.com/c0deZ3R0/couchpull/storage"
	"github.com/c0deZ3R0/couchpull/transport/httptransport"
)

const component = "replicator"

// Remote is the source database. *httptransport.Client implements it.
type Remote interface {
	changes.Remote
	puller.Remote
	DatabaseURL() string
	ServerInfo(ctx context.Context) (*httptransport.ServerInfo, error)
	DatabaseInfo(ctx context.Context) (*httptransport.DatabaseInfo, error)
}

var _ Remote = (*httptransport.Client)(nil)

type session struct {
	id      string
	ctx     context.Context
	cancel  context.CancelFunc
	tracker changes.Tracker
	puller  *puller.Puller
	done    chan struct{}

	trackerState changes.TrackerState
	ending       atomic.Bool
	stopOnce     sync.Once

	evicting atomic.Bool
	evicted  atomic.Bool
}

// Replicator pulls one remote database into one local store.
type Replicator struct {
	opts        Options
	remote      Remote
	store       storage.LocalStore
	checkpoints storage.CheckpointStore
	key         string

	base       *slog.Logger
	logger     *slog.Logger
	metrics    metrics.MetricsCollector
	newTracker TrackerFactory

	mu          sync.Mutex
	state       State
	session     *session
	lastSession string
	discovered  int
	completed   int
	caughtUp    bool
	checkpoint  cursor.Cursor
	lastErr     error
	errCount    int
	evictions   int
	done        chan struct{}

	subscribers      []func(Status)
	docErrHandlers   []func(puller.DocumentError)
	caughtUpHandlers []func()
}

// New creates a stopped replicator. checkpoints may be nil, in which case
// every Start pulls from the beginning of the feed.
func New(opts Options, remote Remote, store storage.LocalStore, checkpoints storage.CheckpointStore, options ...Option) *Replicator {
	if opts.Feed == nil {
		opts.Feed = changes.DocumentFeed{}
	}
	if opts.Target == "" {
		opts.Target = "local"
	}

	r := &Replicator{
		opts:        opts,
		remote:      remote,
		store:       store,
		checkpoints: checkpoints,
		newTracker:  defaultTrackerFactory,
		state:       StateStopped,
		done:        closedChan(),
	}
	for _, o := range options {
		o(r)
	}
	r.base = r.logger
	if r.base == nil {
		r.base = logging.Default().Logger
	}
	r.logger = logging.Or(r.logger, logging.ComponentReplicator)
	r.metrics = metrics.Or(r.metrics)
	if remote != nil {
		r.key = storage.CheckpointKey(remote.DatabaseURL(), opts.Feed.Name(), opts.Feed.Params(), opts.Target)
	}
	return r
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// CheckpointKey is the key the replication's checkpoint is stored under.
func (r *Replicator) CheckpointKey() string { return r.key }

// Start verifies the source, loads the checkpoint and begins a session. The
// session lives until Stop, Pause, a fatal error, the end of a one-shot
// replication or the cancellation of ctx.
func (r *Replicator) Start(ctx context.Context) error {
	if r.remote == nil || r.store == nil {
		return syncErrors.E(syncErrors.OpReplicate, syncErrors.Component(component), syncErrors.KindInvalid,
			"replicator needs a remote and a local store")
	}

	r.mu.Lock()
	if r.state.Running() {
		r.mu.Unlock()
		return syncErrors.E(syncErrors.OpReplicate, syncErrors.Component(component), syncErrors.KindInvalid,
			"replication is already running")
	}
	r.state = StateStarting
	r.done = make(chan struct{})
	r.mu.Unlock()
	r.notify()

	r.logger.Info("starting replication",
		slog.String("source", redact(r.remote.DatabaseURL())),
		slog.String("feed", r.opts.Feed.Name()),
		slog.Bool("continuous", r.opts.Continuous))

	if r.opts.CheckServer {
		if err := r.preflight(ctx); err != nil {
			return r.startFailed(err)
		}
	}

	since, err := r.loadCheckpoint(ctx)
	if err != nil {
		return r.startFailed(err)
	}

	if err := r.checkEviction(); err != nil {
		return r.startFailed(err)
	}

	if err := r.startSession(ctx, since); err != nil {
		return r.startFailed(err)
	}
	return nil
}

func (r *Replicator) startFailed(err error) error {
	r.logger.Error("replication failed to start", slog.Any("error", err))
	r.mu.Lock()
	r.state = StateStoppedWithError
	r.recordErrorLocked(err)
	close(r.done)
	r.mu.Unlock()
	r.metrics.RecordErrors(string(syncErrors.OpReplicate), string(syncErrors.KindOf(err)))
	r.notify()
	return err
}

// preflight checks that the source is a CouchDB server and the database
// exists.
func (r *Replicator) preflight(ctx context.Context) error {
	info, err := r.remote.ServerInfo(ctx)
	if err != nil {
		return err
	}
	if info.CouchDB == "" {
		return syncErrors.E(syncErrors.OpReplicate, syncErrors.Component(component), syncErrors.KindProtocol,
			"server did not identify as CouchDB")
	}
	major, err := strconv.Atoi(strings.SplitN(info.Version, ".", 2)[0])
	if err != nil || major < 1 {
		return syncErrors.E(syncErrors.OpReplicate, syncErrors.Component(component), syncErrors.KindProtocol,
			fmt.Sprintf("unsupported server version %q", info.Version))
	}

	db, err := r.remote.DatabaseInfo(ctx)
	if err != nil {
		return err
	}
	r.logger.Debug("source verified",
		slog.String("version", info.Version),
		slog.String("db", db.DBName),
		slog.Int64("doc_count", db.DocCount))
	return nil
}

func (r *Replicator) loadCheckpoint(ctx context.Context) (cursor.Cursor, error) {
	if r.checkpoints == nil {
		return nil, nil
	}
	seq, err := r.checkpoints.LoadCheckpoint(ctx, r.key)
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, string(syncErrors.OpCheckpoint), component)
	}
	r.mu.Lock()
	r.checkpoint = seq
	r.mu.Unlock()
	if seq != nil {
		r.logger.Info("resuming from checkpoint", slog.String("since", seq.String()))
	}
	return seq, nil
}

func (r *Replicator) startSession(ctx context.Context, since cursor.Cursor) error {
	sctx, cancel := context.WithCancel(ctx)
	s := &session{
		id:     uuid.NewString(),
		ctx:    sctx,
		cancel: cancel,
		done:   r.currentDone(),
	}
	logger := r.base.With(slog.String("session", s.id))

	s.puller = puller.New(sctx, r.remote, r.store,
		puller.WithMaxConcurrentFetches(r.opts.MaxConcurrentFetches),
		puller.WithMaxRevisionRetries(r.opts.MaxRevisionRetries),
		puller.WithBatch(r.opts.BatchSize, r.opts.BatchDelay),
		puller.WithBulkFetch(r.opts.BulkFetchSize),
		puller.WithCheckpoint(since),
		puller.WithLogger(logger),
		puller.WithMetrics(r.metrics),
		puller.WithHooks(r.hooks(s)),
	)

	topts := []changes.Option{
		changes.WithMode(r.opts.Mode),
		changes.WithLimit(r.opts.Limit),
		changes.WithHeartbeat(r.opts.Heartbeat),
		changes.WithMaxConsecutiveFailures(r.opts.MaxConsecutiveFailures),
		changes.WithLogger(logger),
	}
	if r.opts.Backoff != nil {
		topts = append(topts, changes.WithBackoff(r.opts.Backoff))
	}
	s.tracker = r.newTracker(r.remote, r.opts.Feed, s.puller, topts...)

	r.mu.Lock()
	r.session = s
	r.lastSession = s.id
	r.discovered, r.completed, r.caughtUp = 0, 0, false
	r.mu.Unlock()

	if err := s.tracker.Start(sctx, since); err != nil {
		s.ending.Store(true)
		s.puller.Stop(false)
		cancel()
		r.mu.Lock()
		r.session = nil
		r.mu.Unlock()
		return err
	}

	if _, ok := r.evictionFeed(); ok && r.opts.Continuous && r.opts.EvictInterval > 0 {
		go r.evictPeriodically(s)
	}

	r.logger.Info("session started", slog.String("session", s.id), slog.Any("since", since))
	return nil
}

func (r *Replicator) currentDone() chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

func (r *Replicator) hooks(s *session) puller.Hooks {
	return puller.Hooks{
		OnDocumentError: func(de puller.DocumentError) {
			r.documentError(de)
		},
		OnCheckpoint: func(seq cursor.Cursor) {
			r.saveCheckpoint(seq)
		},
		OnCaughtUp: func() {
			r.logger.Info("caught up with the change feed", slog.String("session", s.id))
			r.mu.Lock()
			handlers := append([]func(){}, r.caughtUpHandlers...)
			r.mu.Unlock()
			for _, h := range handlers {
				h()
			}
			r.refresh(s)
		},
		OnProgress: func() {
			r.refresh(s)
		},
		OnTrackerState: func(ts changes.TrackerState) {
			r.mu.Lock()
			s.trackerState = ts
			r.mu.Unlock()
			r.refresh(s)
		},
		OnTrackerStopped: func(err error) {
			if err != nil {
				r.end(s, StateStoppedWithError, err)
				return
			}
			r.end(s, StateStopped, nil)
		},
		OnFatal: func(err error) {
			r.end(s, StateStoppedWithError, err)
		},
	}
}

// end finishes s asynchronously. Hooks run on tracker, worker and batcher
// goroutines that finish waits for.
func (r *Replicator) end(s *session, state State, err error) {
	if s.ending.CompareAndSwap(false, true) {
		go r.finish(s, state, err)
	}
}

// finish tears s down and leaves the replicator in state. Concurrent calls
// wait for the first one.
func (r *Replicator) finish(s *session, state State, err error) {
	s.stopOnce.Do(func() {
		s.ending.Store(true)
		s.tracker.Stop()
		s.puller.Stop(r.opts.DrainOnStop)
		s.cancel()

		r.mu.Lock()
		r.discovered = s.puller.Discovered()
		r.completed = s.puller.Completed()
		r.caughtUp = s.puller.IsCaughtUp()
		if r.session == s {
			r.session = nil
		}
		r.state = state
		if err != nil {
			r.recordErrorLocked(err)
		}
		done := s.done
		r.mu.Unlock()

		if err != nil {
			r.metrics.RecordErrors(string(syncErrors.OpReplicate), string(syncErrors.KindOf(err)))
			r.logger.Error("session ended with error",
				slog.String("session", s.id),
				slog.Any("error", err))
		} else {
			r.logger.Info("session ended",
				slog.String("session", s.id),
				slog.String("state", state.String()))
		}
		close(done)
		r.notify()
	})
}

// refresh recomputes the state of a live session and ends a one-shot
// replication once everything has been pulled.
func (r *Replicator) refresh(s *session) {
	if s.ending.Load() {
		return
	}
	caughtUp := s.puller.IsCaughtUp()
	idle := caughtUp && s.puller.Idle()
	if idle && r.evictionPending(s) {
		// The eviction refreshes again when it is done.
		return
	}
	if idle && !r.opts.Continuous {
		r.end(s, StateStopped, nil)
		return
	}

	r.mu.Lock()
	if r.session != s {
		r.mu.Unlock()
		return
	}
	var next State
	switch {
	case s.trackerState == changes.StateRetrying:
		next = StateOffline
	case idle:
		next = StateIdle
	case s.trackerState == changes.StateConnected:
		next = StateActive
	default:
		next = StateStarting
	}
	changed := next != r.state
	r.state = next
	r.mu.Unlock()

	if changed {
		r.logger.Debug("replication state changed", slog.String("state", next.String()))
	}
	r.notify()
}

func (r *Replicator) saveCheckpoint(seq cursor.Cursor) {
	if r.checkpoints != nil {
		start := time.Now()
		// Saving must outlive a cancelled session so the final position
		// is kept.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := r.checkpoints.SaveCheckpoint(ctx, r.key, seq)
		cancel()
		r.metrics.RecordDuration(metrics.OpCheckpoint, time.Since(start))
		if err != nil {
			err = syncErrors.WrapOpComponent(err, string(syncErrors.OpCheckpoint), component)
			r.logger.Warn("saving checkpoint failed", slog.Any("error", err))
			r.metrics.RecordErrors(metrics.OpCheckpoint, string(syncErrors.KindOf(err)))
			r.mu.Lock()
			r.recordErrorLocked(err)
			r.mu.Unlock()
			return
		}
	}

	r.mu.Lock()
	r.checkpoint = seq
	r.mu.Unlock()
	r.logger.Debug("checkpoint saved", slog.String("seq", seq.String()))
}

func (r *Replicator) documentError(de puller.DocumentError) {
	r.mu.Lock()
	r.recordErrorLocked(de)
	handlers := append([]func(puller.DocumentError){}, r.docErrHandlers...)
	r.mu.Unlock()
	for _, h := range handlers {
		h(de)
	}
}

func (r *Replicator) recordErrorLocked(err error) {
	r.lastErr = err
	r.errCount++
}

// Stop ends the session and waits for it to wind down, or for ctx. A paused
// replicator becomes stopped.
func (r *Replicator) Stop(ctx context.Context) error {
	return r.halt(ctx, StateStopped)
}

// Pause ends the session like Stop but leaves the replicator resumable.
func (r *Replicator) Pause(ctx context.Context) error {
	r.mu.Lock()
	running := r.state.Running()
	r.mu.Unlock()
	if !running {
		return syncErrors.E(syncErrors.OpReplicate, syncErrors.Component(component), syncErrors.KindInvalid,
			"replication is not running")
	}
	return r.halt(ctx, StatePaused)
}

// Resume starts a new session from the saved checkpoint.
func (r *Replicator) Resume(ctx context.Context) error {
	r.mu.Lock()
	paused := r.state == StatePaused
	r.mu.Unlock()
	if !paused {
		return syncErrors.E(syncErrors.OpReplicate, syncErrors.Component(component), syncErrors.KindInvalid,
			"replication is not paused")
	}
	return r.Start(ctx)
}

func (r *Replicator) halt(ctx context.Context, state State) error {
	r.mu.Lock()
	s := r.session
	if s == nil {
		changed := r.state == StatePaused && state == StateStopped
		if changed {
			r.state = StateStopped
		}
		r.mu.Unlock()
		if changed {
			r.notify()
		}
		return nil
	}
	r.mu.Unlock()

	s.ending.Store(true)
	finished := make(chan struct{})
	go func() {
		r.finish(s, state, nil)
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns a snapshot of the replicator.
func (r *Replicator) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusLocked()
}

func (r *Replicator) statusLocked() Status {
	st := Status{
		State:              r.state,
		SessionID:          r.lastSession,
		ChangesDiscovered:  r.discovered,
		ChangesCompleted:   r.completed,
		CheckpointSequence: r.checkpoint,
		CaughtUp:           r.caughtUp,
		LastError:          r.lastErr,
		ErrorCount:         r.errCount,
		DocumentsEvicted:   r.evictions,
	}
	if s := r.session; s != nil {
		st.ChangesDiscovered = s.puller.Discovered()
		st.ChangesCompleted = s.puller.Completed()
		st.CaughtUp = s.puller.IsCaughtUp()
	}
	return st
}

// Done is closed when the current (or last) session ends.
func (r *Replicator) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Subscribe registers a handler for status changes. Handlers run on their
// own goroutine.
func (r *Replicator) Subscribe(handler func(Status)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers = append(r.subscribers, handler)
}

// OnDocumentError registers a handler for revisions that could not be
// pulled. Handlers run on fetch and insert goroutines and must not call
// Stop or Pause.
func (r *Replicator) OnDocumentError(handler func(puller.DocumentError)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docErrHandlers = append(r.docErrHandlers, handler)
}

// OnCaughtUp registers a handler called when a session has read the
// backlog of the feed.
func (r *Replicator) OnCaughtUp(handler func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caughtUpHandlers = append(r.caughtUpHandlers, handler)
}

func (r *Replicator) notify() {
	r.mu.Lock()
	st := r.statusLocked()
	subscribers := append([]func(Status){}, r.subscribers...)
	r.mu.Unlock()

	for _, h := range subscribers {
		go func(h func(Status)) {
			defer func() {
				if p := recover(); p != nil {
					r.logger.Error("status subscriber panic recovered",
						slog.Any("panic", p),
						slog.String("state", st.State.String()))
				}
			}()
			h(st)
		}(h)
	}
}

func redact(raw string) string {
	if i := strings.Index(raw, "://"); i >= 0 {
		if at := strings.LastIndex(raw, "@"); at > i {
			return raw[:i+3] + raw[at+1:]
		}
	}
	return raw
}

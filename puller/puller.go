// Package puller turns change feed entries into locally stored revisions. It
// keeps a FIFO queue of revisions to download, runs a bounded number of
// fetch workers, batches downloaded revisions into bulk inserts and tracks
// the newest sequence that is safe to checkpoint.
package puller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c0deZ3R0/couchpull/batcher"
	"github.com/c0deZ3R0/couchpull/changes"
	"github.com/c0deZ3R0/couchpull/cursor"
	syncErrors "github.com/c0deZ3R0/couchpull/errors"
	"github.com/c0deZ3R0/couchpull/logging"
	"github.com/c0deZ3R0/couchpull/metrics"
	"github.com/c0deZ3R0/couchpull/revision"
	"github.com/c0deZ3R0/couchpull/storage"
)

const component = "puller"

// Remote fetches revisions and attachments. *httptransport.Client
// implements it.
type Remote interface {
	GetRevision(ctx context.Context, docID, revID string, attsSince []string) (*storage.Revision, error)
	GetAttachment(ctx context.Context, docID, name, revID string) ([]byte, string, error)
}

// BulkRemote is implemented by remotes that can fetch many revisions in one
// request. Results are in input order.
type BulkRemote interface {
	GetRevisions(ctx context.Context, refs []storage.RevisionRef) ([]storage.FetchResult, error)
}

// PendingRevision is a revision known to be missing locally.
type PendingRevision struct {
	DocID    string
	RevID    string
	Deleted  bool
	Sequence cursor.Cursor

	// AttachmentRefs names attachments whose bytes still have to be fetched.
	AttachmentRefs []string
	// AttsSince are revisions the local store may share attachments with.
	AttsSince []string
	// Attempts counts fetch attempts so far.
	Attempts int
	// InsertAttempts counts bulk inserts that failed as a whole.
	InsertAttempts int

	fetchFailures int
	ordinal       uint64
}

func (r *PendingRevision) key() string { return r.DocID + "\x00" + r.RevID }

// DocumentError reports a revision that could not be pulled. It never stops
// the session.
type DocumentError struct {
	DocID    string
	RevID    string
	Sequence cursor.Cursor
	Attempts int
	Err      error
}

func (e DocumentError) Error() string {
	return fmt.Sprintf("%s@%s: %v", e.DocID, e.RevID, e.Err)
}

func (e DocumentError) Unwrap() error { return e.Err }

type downloaded struct {
	rev     *storage.Revision
	pending *PendingRevision
}

// Puller is the changes.Client that pulls every reported revision missing
// from the local store. A Puller serves one session.
type Puller struct {
	remote    Remote
	bulk      BulkRemote
	store     storage.LocalStore
	ancestors storage.AncestorFinder
	opts      options
	logger    *slog.Logger
	metrics   metrics.MetricsCollector

	ctx      context.Context // fetches
	cancel   context.CancelFunc
	storeCtx context.Context // inserts; survives cancel

	batcher *batcher.Batcher[*downloaded]
	seqs    *SequenceMap

	mu         sync.Mutex
	queue      []*PendingRevision
	inFlight   map[string]bool // docIDs being fetched
	known      map[string]bool // docID+revID queued, fetching or batched
	sessionDoc map[string]int  // docID -> revisions with work in this session
	active     int
	unflushed  int
	discovered int
	completed  int
	caughtUp   bool
	stopped    bool
	fatalErr   error

	checkpointMu   sync.Mutex
	lastCheckpoint cursor.Cursor

	bulkUnsupported atomic.Bool

	wg sync.WaitGroup
}

var _ changes.Client = (*Puller)(nil)

// New creates a puller whose fetches are bound to ctx.
func New(ctx context.Context, remote Remote, store storage.LocalStore, opts ...Option) *Puller {
	o := options{
		maxConcurrentFetches: DefaultMaxConcurrentFetches,
		maxRevisionRetries:   DefaultMaxRevisionRetries,
		batchSize:            DefaultBatchSize,
		batchDelay:           DefaultBatchDelay,
	}
	for _, opt := range opts {
		opt(&o)
	}

	p := &Puller{
		remote:         remote,
		store:          store,
		opts:           o,
		logger:         logging.Or(o.logger, logging.ComponentPuller),
		metrics:        metrics.Or(o.metrics),
		storeCtx:       context.WithoutCancel(ctx),
		seqs:           NewSequenceMap(o.checkpoint),
		inFlight:       make(map[string]bool),
		known:          make(map[string]bool),
		sessionDoc:     make(map[string]int),
		lastCheckpoint: o.checkpoint,
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	if af, ok := store.(storage.AncestorFinder); ok {
		p.ancestors = af
	}
	if br, ok := remote.(BulkRemote); ok && o.bulkFetchSize > 1 {
		p.bulk = br
	}
	p.batcher = batcher.New(o.batchSize, o.batchDelay, p.insertBatch,
		batcher.WithLogger(p.logger), batcher.WithName("revisions"))
	return p
}

// ChangeReceived queues the entry's revisions that are missing locally.
func (p *Puller) ChangeReceived(entry changes.Entry) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	var pending []*PendingRevision
	for i, revID := range entry.Revisions() {
		// Conflicting leaves are never deletions of the winner.
		deleted := entry.Deleted && i == 0
		if p.shouldSkip(entry.DocID, revID, deleted) {
			continue
		}
		pending = append(pending, &PendingRevision{
			DocID:     entry.DocID,
			RevID:     revID,
			Deleted:   deleted,
			Sequence:  entry.Sequence,
			AttsSince: entry.PossibleAncestors,
		})
	}

	revCount := len(entry.Revisions())
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	var fresh []*PendingRevision
	for _, pr := range pending {
		if p.known[pr.key()] {
			continue
		}
		fresh = append(fresh, pr)
	}
	ord := p.seqs.Add(entry.Sequence, len(fresh))
	for _, pr := range fresh {
		pr.ordinal = ord
		p.known[pr.key()] = true
		p.sessionDoc[pr.DocID]++
		p.queue = append(p.queue, pr)
	}
	p.discovered += revCount
	p.completed += revCount - len(fresh)
	p.startWorkersLocked()
	p.mu.Unlock()

	p.metrics.RecordChanges(revCount, revCount-len(fresh))
	if len(fresh) == 0 {
		// Nothing to wait for; this sequence may be the new checkpoint.
		p.notifyCheckpoint()
	}
	if len(fresh) > 0 {
		p.logger.Debug("queued revisions",
			slog.String("doc_id", entry.DocID),
			slog.Int("count", len(fresh)),
			slog.Any("seq", entry.Sequence))
	}
	p.progress()
}

// shouldSkip applies the local checks that make a fetch unnecessary. Store
// errors are logged and the revision is fetched anyway; inserts are
// idempotent.
func (p *Puller) shouldSkip(docID, revID string, deleted bool) bool {
	if deleted {
		state, err := p.store.DocumentState(p.storeCtx, docID)
		if err != nil {
			p.logger.Warn("failed to read local document state",
				slog.String("doc_id", docID), slog.Any("error", err))
			return false
		}
		p.mu.Lock()
		hasWork := p.sessionDoc[docID] > 0
		p.mu.Unlock()
		if (!state.Exists && !hasWork) || (state.Deleted && state.CurrentRev == revID) {
			return true
		}
	}

	has, err := p.store.HasRevision(p.storeCtx, docID, revID)
	if err != nil {
		p.logger.Warn("failed to check local revision",
			slog.String("doc_id", docID), slog.String("rev", revID), slog.Any("error", err))
		return false
	}
	return has
}

// CaughtUp is forwarded from the tracker.
func (p *Puller) CaughtUp() {
	p.mu.Lock()
	p.caughtUp = true
	p.mu.Unlock()

	p.flushIfDrained()
	p.notifyCheckpoint()
	if p.opts.hooks.OnCaughtUp != nil {
		p.opts.hooks.OnCaughtUp()
	}
	p.progress()
}

func (p *Puller) TrackerStateChanged(state changes.TrackerState) {
	if p.opts.hooks.OnTrackerState != nil {
		p.opts.hooks.OnTrackerState(state)
	}
}

func (p *Puller) TrackerStopped(err error) {
	if p.opts.hooks.OnTrackerStopped != nil {
		p.opts.hooks.OnTrackerStopped(err)
	}
}

// startWorkersLocked fills free worker slots.
func (p *Puller) startWorkersLocked() {
	for p.active < p.opts.maxConcurrentFetches && !p.stopped {
		next := p.dequeueLocked()
		if next == nil {
			return
		}
		p.active++
		p.wg.Add(1)
		go p.worker(next)
	}
}

// dequeueLocked removes the oldest queued revision whose document is not
// being fetched.
func (p *Puller) dequeueLocked() *PendingRevision {
	for i, pr := range p.queue {
		if p.inFlight[pr.DocID] {
			continue
		}
		p.queue = append(p.queue[:i], p.queue[i+1:]...)
		p.inFlight[pr.DocID] = true
		return pr
	}
	return nil
}

func (p *Puller) worker(pr *PendingRevision) {
	defer p.wg.Done()

	for pr != nil {
		group := p.takeBulkGroup(pr)
		if len(group) > 1 {
			p.processBulk(group)
		} else {
			p.process(pr)
		}

		p.mu.Lock()
		for _, g := range group {
			delete(p.inFlight, g.DocID)
		}
		pr = nil
		if !p.stopped {
			pr = p.dequeueLocked()
		}
		if pr == nil {
			p.active--
			// A retried revision may be waiting for this document.
			p.startWorkersLocked()
		}
		p.mu.Unlock()
	}
	p.flushIfDrained()
	p.progress()
}

// flushIfDrained delivers the last partial batch without waiting for the
// batch delay once the backlog is read and nothing else is downloading.
func (p *Puller) flushIfDrained() {
	p.mu.Lock()
	flush := p.caughtUp && !p.stopped && p.active == 0 && len(p.queue) == 0 && p.unflushed > 0
	p.mu.Unlock()
	if flush {
		p.batcher.FlushNow()
	}
}

// takeBulkGroup returns pr plus further queued first-generation revisions
// of other idle documents, when bulk fetching is on and pr qualifies.
func (p *Puller) takeBulkGroup(pr *PendingRevision) []*PendingRevision {
	group := []*PendingRevision{pr}
	if p.bulk == nil || p.bulkUnsupported.Load() || revision.Generation(pr.RevID) != 1 {
		return group
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.queue[:0]
	for _, q := range p.queue {
		if len(group) < p.opts.bulkFetchSize && !p.inFlight[q.DocID] && revision.Generation(q.RevID) == 1 {
			p.inFlight[q.DocID] = true
			group = append(group, q)
			continue
		}
		kept = append(kept, q)
	}
	p.queue = kept
	return group
}

// processBulk fetches group with one _bulk_get. A server that does not know
// _bulk_get turns bulk fetching off for the session.
func (p *Puller) processBulk(group []*PendingRevision) {
	refs := make([]storage.RevisionRef, len(group))
	for i, pr := range group {
		refs[i] = storage.RevisionRef{DocID: pr.DocID, RevID: pr.RevID}
	}

	start := time.Now()
	results, err := p.bulk.GetRevisions(p.ctx, refs)
	p.metrics.RecordDuration(metrics.OpFetch, time.Since(start))
	if err == nil && len(results) != len(group) {
		err = syncErrors.E(syncErrors.OpFetch, syncErrors.Component(component), syncErrors.KindTransient,
			fmt.Sprintf("bulk fetch returned %d results for %d revisions", len(results), len(group)))
	}

	if err != nil && p.ctx.Err() == nil {
		switch syncErrors.KindOf(err) {
		case syncErrors.KindNotFound, syncErrors.KindMethodNotAllowed, syncErrors.KindInvalid:
			if p.bulkUnsupported.CompareAndSwap(false, true) {
				p.logger.Info("server rejected _bulk_get, fetching revisions one at a time", slog.Any("error", err))
			}
			for _, pr := range group {
				p.process(pr)
			}
			return
		}
	}

	for i, pr := range group {
		pr.Attempts++
		if err != nil {
			p.handleFetched(pr, nil, err)
			continue
		}
		res := results[i]
		if res.Err != nil {
			p.handleFetched(pr, nil, res.Err)
			continue
		}
		rev, ferr := p.resolveStubs(pr, res.Rev)
		p.handleFetched(pr, rev, ferr)
	}
}

func (p *Puller) process(pr *PendingRevision) {
	pr.Attempts++
	start := time.Now()
	rev, err := p.fetch(pr)
	p.metrics.RecordDuration(metrics.OpFetch, time.Since(start))
	p.handleFetched(pr, rev, err)
}

// handleFetched queues a downloaded revision for insertion, or retries,
// reports or escalates a failed fetch.
func (p *Puller) handleFetched(pr *PendingRevision, rev *storage.Revision, err error) {
	if p.ctx.Err() != nil {
		// Stopped: the result is dropped and the sequence stays unconfirmed.
		return
	}

	if err == nil {
		rev.Sequence = pr.Sequence
		p.mu.Lock()
		p.unflushed++
		p.mu.Unlock()
		p.batcher.Queue(&downloaded{rev: rev, pending: pr})
		return
	}

	p.metrics.RecordErrors(metrics.OpFetch, string(syncErrors.KindOf(err)))

	switch {
	case syncErrors.KindOf(err) == syncErrors.KindUnauthorized:
		p.fatal(err)
		return
	case syncErrors.IsRetryable(err) && pr.fetchFailures < p.opts.maxRevisionRetries:
		pr.fetchFailures++
		p.logger.Warn("revision fetch failed, will retry",
			slog.String("doc_id", pr.DocID),
			slog.String("rev", pr.RevID),
			slog.Int("attempt", pr.Attempts),
			slog.Any("error", err))
		p.mu.Lock()
		if !p.stopped {
			p.queue = append(p.queue, pr)
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()
		return
	}

	p.fail(pr, err)
}

func (p *Puller) fetch(pr *PendingRevision) (*storage.Revision, error) {
	if len(pr.AttsSince) == 0 && p.ancestors != nil {
		ancestors, err := p.ancestors.PossibleAncestors(p.ctx, pr.DocID, pr.RevID, maxAttsSince)
		if err != nil {
			p.logger.Debug("failed to look up possible ancestors",
				slog.String("doc_id", pr.DocID), slog.Any("error", err))
		}
		pr.AttsSince = ancestors
	}

	rev, err := p.remote.GetRevision(p.ctx, pr.DocID, pr.RevID, pr.AttsSince)
	if err != nil {
		return nil, err
	}
	return p.resolveStubs(pr, rev)
}

// resolveStubs downloads the bytes of stub attachments the local store does
// not already hold.
func (p *Puller) resolveStubs(pr *PendingRevision, rev *storage.Revision) (*storage.Revision, error) {
	pr.AttachmentRefs = pr.AttachmentRefs[:0]
	for name, att := range rev.Attachments {
		if !att.Stub {
			continue
		}
		if att.Digest != "" {
			_, ok, err := p.store.LoadAttachmentByDigest(p.ctx, att.Digest)
			if err != nil {
				return nil, err
			}
			if ok {
				continue
			}
		}
		pr.AttachmentRefs = append(pr.AttachmentRefs, name)
	}

	for _, name := range pr.AttachmentRefs {
		start := time.Now()
		data, contentType, err := p.remote.GetAttachment(p.ctx, pr.DocID, name, pr.RevID)
		p.metrics.RecordDuration(metrics.OpAttachment, time.Since(start))
		if err != nil {
			return nil, syncErrors.Annotate(err, "attachment", name)
		}
		att := rev.Attachments[name]
		att.Stub = false
		att.Data = data
		att.Length = int64(len(data))
		if att.ContentType == "" {
			att.ContentType = contentType
		}
		if att.Digest == "" {
			att.Digest = storage.AttachmentDigest(data)
		}
		rev.Attachments[name] = att
	}
	return rev, nil
}

// fail reports pr and completes it.
func (p *Puller) fail(pr *PendingRevision, err error) {
	p.logger.Warn("giving up on revision",
		slog.String("doc_id", pr.DocID),
		slog.String("rev", pr.RevID),
		slog.Int("attempts", pr.Attempts),
		slog.Any("error", err))
	p.report(DocumentError{DocID: pr.DocID, RevID: pr.RevID, Sequence: pr.Sequence, Attempts: pr.Attempts, Err: err})
	p.complete(pr, true)
	p.notifyCheckpoint()
}

func (p *Puller) report(de DocumentError) {
	if p.opts.hooks.OnDocumentError != nil {
		p.opts.hooks.OnDocumentError(de)
	}
}

// complete releases pr. Only confirmed revisions count towards the
// checkpoint.
func (p *Puller) complete(pr *PendingRevision, confirmed bool) {
	p.mu.Lock()
	delete(p.known, pr.key())
	if p.sessionDoc[pr.DocID]--; p.sessionDoc[pr.DocID] <= 0 {
		delete(p.sessionDoc, pr.DocID)
	}
	p.completed++
	p.mu.Unlock()

	if confirmed {
		p.seqs.Done(pr.ordinal)
	}
	p.metrics.RecordChanges(0, 1)
}

func (p *Puller) fatal(err error) {
	p.mu.Lock()
	first := p.fatalErr == nil
	if first {
		p.fatalErr = err
	}
	p.mu.Unlock()
	if first {
		p.logger.Error("fatal fetch error", slog.Any("error", err))
		if p.opts.hooks.OnFatal != nil {
			p.opts.hooks.OnFatal(err)
		}
	}
}

// insertBatch is the batcher's processor.
func (p *Puller) insertBatch(items []*downloaded) {
	revs := make([]*storage.Revision, len(items))
	for i, it := range items {
		revs[i] = it.rev
	}

	start := time.Now()
	results, err := p.bulkInsert(revs)
	p.metrics.RecordDuration(metrics.OpInsert, time.Since(start))
	if err == nil && len(results) != len(items) {
		err = syncErrors.E(syncErrors.OpInsert, syncErrors.Component(component), syncErrors.KindInternal,
			fmt.Sprintf("store returned %d results for %d revisions", len(results), len(items)))
	}

	if err != nil {
		p.logger.Error("bulk insert failed", slog.Int("count", len(items)), slog.Any("error", err))
		p.metrics.RecordErrors(metrics.OpInsert, string(syncErrors.KindOf(err)))
		p.retryInsert(items, err)
	} else {
		stored, rejected := 0, 0
		for i, res := range results {
			it := items[i]
			if res.Accepted() {
				stored++
			} else {
				rejected++
				p.report(DocumentError{DocID: it.rev.DocID, RevID: it.rev.RevID, Sequence: it.pending.Sequence,
					Attempts: it.pending.Attempts, Err: res.Err})
			}
			p.complete(it.pending, true)
		}
		p.metrics.RecordRevisions(stored, rejected)
		p.logger.Debug("inserted revisions",
			slog.Int("stored", stored),
			slog.Int("rejected", rejected),
			slog.Duration("duration", time.Since(start)))
	}

	p.mu.Lock()
	p.unflushed -= len(items)
	p.mu.Unlock()

	p.notifyCheckpoint()
	p.progress()
}

func (p *Puller) bulkInsert(revs []*storage.Revision) (results []storage.InsertResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = syncErrors.E(syncErrors.OpInsert, syncErrors.Component(component), syncErrors.KindInternal,
				fmt.Sprintf("store panicked: %v", r))
		}
	}()
	return p.store.BulkInsertRevisions(p.storeCtx, revs)
}

// retryInsert handles a batch of which nothing was stored. Each revision
// goes back to the tail of the fetch queue, keeping its sequence out of the
// checkpoint, until it has failed maxRevisionRetries+1 inserts; then it is
// reported and completed. After Stop the revisions are reported and left
// unconfirmed.
func (p *Puller) retryInsert(items []*downloaded, err error) {
	var exhausted, abandoned []*PendingRevision
	requeued := 0
	p.mu.Lock()
	for _, it := range items {
		pr := it.pending
		pr.InsertAttempts++
		switch {
		case p.stopped:
			abandoned = append(abandoned, pr)
		case pr.InsertAttempts > p.opts.maxRevisionRetries:
			exhausted = append(exhausted, pr)
		default:
			p.queue = append(p.queue, pr)
			requeued++
		}
	}
	p.startWorkersLocked()
	p.mu.Unlock()

	if requeued > 0 {
		p.logger.Warn("requeued revisions after failed insert", slog.Int("count", requeued))
	}
	for _, pr := range abandoned {
		p.report(DocumentError{DocID: pr.DocID, RevID: pr.RevID, Sequence: pr.Sequence, Attempts: pr.Attempts, Err: err})
		p.complete(pr, false)
	}
	for _, pr := range exhausted {
		p.fail(pr, err)
	}
}

// notifyCheckpoint reports the safe checkpoint when it moved.
func (p *Puller) notifyCheckpoint() {
	p.checkpointMu.Lock()
	defer p.checkpointMu.Unlock()

	seq := p.seqs.CheckpointedSequence()
	if seq == nil || cursor.Equal(seq, p.lastCheckpoint) {
		return
	}
	p.lastCheckpoint = seq
	if p.opts.hooks.OnCheckpoint != nil {
		p.opts.hooks.OnCheckpoint(seq)
	}
}

func (p *Puller) progress() {
	if p.opts.hooks.OnProgress != nil {
		p.opts.hooks.OnProgress()
	}
}

// Stop ends the session. With drain, fetches already running finish and
// their revisions are stored; otherwise they are cancelled and dropped.
// Queued revisions that have not started are abandoned. Downloaded
// revisions are flushed before Stop returns.
func (p *Puller) Stop(drain bool) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	abandoned := len(p.queue)
	p.queue = nil
	p.mu.Unlock()

	if !drain {
		p.cancel()
	}
	p.wg.Wait()
	p.batcher.Close()
	p.cancel()
	p.notifyCheckpoint()

	p.logger.Info("puller stopped",
		slog.Bool("drained", drain),
		slog.Int("abandoned", abandoned),
		slog.Any("checkpoint", p.Checkpoint()))
}

// Checkpoint returns the newest sequence safe to persist.
func (p *Puller) Checkpoint() cursor.Cursor { return p.seqs.CheckpointedSequence() }

// Discovered counts revisions reported by the feed.
func (p *Puller) Discovered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.discovered
}

// Completed counts revisions stored, already present or given up on.
func (p *Puller) Completed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.completed
}

// Pending counts revisions queued, being fetched or waiting to be inserted.
func (p *Puller) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.known)
}

// Idle reports whether the backlog has been read and no work is left.
func (p *Puller) Idle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.caughtUp && len(p.queue) == 0 && p.active == 0 && p.unflushed == 0
}

// IsCaughtUp reports whether the tracker has signalled the end of the backlog.
func (p *Puller) IsCaughtUp() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.caughtUp
}

// HasWork reports whether a revision of docID is queued, being fetched or
// waiting to be inserted.
func (p *Puller) HasWork(docID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionDoc[docID] > 0
}

package replication

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/c0deZ3R0/couchpull/changes"
	syncErrors "github.com/c0deZ3R0/couchpull/errors"
	"github.com/c0deZ3R0/couchpull/metrics"
	"github.com/c0deZ3R0/couchpull/storage"
)

// ViewRemote is implemented by remotes that can list the documents a view
// emits. *httptransport.Client implements it.
type ViewRemote interface {
	ViewDocIDs(ctx context.Context, queryPath string) ([]string, error)
}

func (r *Replicator) evictionFeed() (changes.ViewFeed, bool) {
	v, ok := r.opts.Feed.(changes.ViewFeed)
	return v, ok && v.Evict
}

// checkEviction fails when eviction is requested but the remote or store
// cannot support it.
func (r *Replicator) checkEviction() error {
	if _, ok := r.evictionFeed(); !ok {
		return nil
	}
	if _, ok := r.remote.(ViewRemote); !ok {
		return syncErrors.E(syncErrors.OpEvict, syncErrors.Component(component), syncErrors.KindInvalid,
			"eviction needs a remote that can query views")
	}
	if _, ok := r.store.(storage.Evictor); !ok {
		return syncErrors.E(syncErrors.OpEvict, syncErrors.Component(component), syncErrors.KindInvalid,
			"eviction needs a store that can evict documents")
	}
	if _, ok := r.store.(storage.DocumentReader); !ok {
		return syncErrors.E(syncErrors.OpEvict, syncErrors.Component(component), syncErrors.KindInvalid,
			"eviction needs a store that can list documents")
	}
	return nil
}

// evictionPending starts the first eviction of s if it is due and reports
// whether one is running.
func (r *Replicator) evictionPending(s *session) bool {
	if _, ok := r.evictionFeed(); !ok || s.evicted.Load() {
		return false
	}
	if s.evicting.CompareAndSwap(false, true) {
		go r.runEviction(s)
	}
	return true
}

func (r *Replicator) evictPeriodically(s *session) {
	ticker := time.NewTicker(r.opts.EvictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if s.ending.Load() || !s.puller.IsCaughtUp() || !s.puller.Idle() {
				continue
			}
			if s.evicting.CompareAndSwap(false, true) {
				r.runEviction(s)
			}
		}
	}
}

// runEviction expects s.evicting to be set and clears it.
func (r *Replicator) runEviction(s *session) {
	feed, _ := r.evictionFeed()
	start := time.Now()
	n, err := r.evictStale(s, feed)
	r.metrics.RecordDuration(metrics.OpEvict, time.Since(start))

	failed := err != nil && s.ctx.Err() == nil
	r.mu.Lock()
	r.evictions += n
	if failed {
		r.recordErrorLocked(err)
	}
	r.mu.Unlock()
	if failed {
		r.logger.Warn("evicting documents failed", slog.String("session", s.id), slog.Any("error", err))
		r.metrics.RecordErrors(metrics.OpEvict, string(syncErrors.KindOf(err)))
	}

	s.evicted.Store(true)
	s.evicting.Store(false)
	r.refresh(s)
}

// evictStale removes local documents the view no longer emits. Local IDs
// are read before the view so a document pulled in between is never a
// candidate, and documents with work in the session are left alone.
func (r *Replicator) evictStale(s *session, feed changes.ViewFeed) (int, error) {
	reader := r.store.(storage.DocumentReader)
	local, err := reader.DocumentIDs(s.ctx)
	if err != nil {
		return 0, syncErrors.WrapOpComponent(err, string(syncErrors.OpEvict), component)
	}
	if len(local) == 0 {
		return 0, nil
	}

	emitted, err := r.remote.(ViewRemote).ViewDocIDs(s.ctx, feed.QueryPath())
	if err != nil {
		return 0, err
	}
	inView := make(map[string]struct{}, len(emitted))
	for _, id := range emitted {
		inView[id] = struct{}{}
	}

	var stale []string
	for _, id := range local {
		if _, ok := inView[id]; ok || strings.HasPrefix(id, "_design/") || s.puller.HasWork(id) {
			continue
		}
		stale = append(stale, id)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	n, err := r.store.(storage.Evictor).EvictDocuments(s.ctx, stale)
	if err != nil {
		return n, syncErrors.WrapOpComponent(err, string(syncErrors.OpEvict), component)
	}
	r.logger.Info("evicted documents no longer in view",
		slog.String("session", s.id),
		slog.String("view", feed.Name()),
		slog.Int("count", n))
	return n, nil
}

package puller

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/couchpull/cursor"
	syncErrors "github.com/c0deZ3R0/couchpull/errors"
	"github.com/c0deZ3R0/couchpull/internal/couchtest"
	"github.com/c0deZ3R0/couchpull/logging"
	"github.com/c0deZ3R0/couchpull/storage"
	"github.com/c0deZ3R0/couchpull/storage/memory"
	"github.com/c0deZ3R0/couchpull/transport/httptransport"
)

// flakyStore fails or panics on its first bulk inserts. failures < 0 fails
// every insert.
type flakyStore struct {
	*memory.Store

	mu       sync.Mutex
	failures int
	panics   int
	err      error
	calls    int
}

func (s *flakyStore) BulkInsertRevisions(ctx context.Context, revs []*storage.Revision) ([]storage.InsertResult, error) {
	s.mu.Lock()
	s.calls++
	if s.panics > 0 {
		s.panics--
		s.mu.Unlock()
		panic("disk went away")
	}
	if s.failures != 0 {
		if s.failures > 0 {
			s.failures--
		}
		s.mu.Unlock()
		return nil, s.err
	}
	s.mu.Unlock()
	return s.Store.BulkInsertRevisions(ctx, revs)
}

func (s *flakyStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newStorePuller(t *testing.T, srv *couchtest.Server, store storage.LocalStore, ev *events, opts ...Option) *Puller {
	t.Helper()
	remote, err := httptransport.NewClient(srv.DBURL(), httptransport.WithLogger(logging.Discard().Logger))
	require.NoError(t, err)
	opts = append([]Option{
		WithLogger(logging.Discard().Logger),
		WithBatch(1, 0),
		WithMaxConcurrentFetches(1),
		WithHooks(ev.hooks()),
	}, opts...)
	p := New(context.Background(), remote, store, opts...)
	t.Cleanup(func() { p.Stop(false) })
	return p
}

func assertIncreasing(t *testing.T, checkpoints []cursor.Cursor) {
	t.Helper()
	for i := 1; i < len(checkpoints); i++ {
		c, ok := cursor.Compare(checkpoints[i-1], checkpoints[i])
		require.True(t, ok)
		assert.Less(t, c, 0, "checkpoint %v after %v", checkpoints[i], checkpoints[i-1])
	}
}

func TestPuller_RequestTimeoutIsRetried(t *testing.T) {
	srv := couchtest.New(t)
	srv.Put("slow", "1-a", map[string]any{"v": 1})
	srv.Fail("revision:slow", couchtest.Fault{Delay: 500 * time.Millisecond, Times: 1})

	remote, err := httptransport.NewClient(srv.DBURL(),
		httptransport.WithLogger(logging.Discard().Logger),
		httptransport.WithClientTimeout(100*time.Millisecond))
	require.NoError(t, err)

	h := newHarnessWithRemote(t, srv, remote, nil, WithMaxRevisionRetries(3))
	h.runToIdle(t, entry(1, "slow", "1-a", false))

	assert.Equal(t, 2, srv.Requests("revision:slow"))
	assert.Empty(t, h.events.docErrors())
	assert.Equal(t, "1-a", storedRev(t, h.store, "slow").Rev)
	assert.Equal(t, cursor.Cursor(cursor.NewInteger(1)), h.events.lastCheckpoint())
}

func TestPuller_FailedInsertIsRequeued(t *testing.T) {
	srv := couchtest.New(t)
	srv.Put("a", "1-a", nil)
	srv.Put("b", "1-b", nil)

	store := &flakyStore{Store: memory.New(), failures: 1, err: errors.New("database is locked")}
	ev := &events{}
	p := newStorePuller(t, srv, store, ev)

	p.ChangeReceived(entry(1, "a", "1-a", false))
	p.ChangeReceived(entry(2, "b", "1-b", false))
	p.CaughtUp()
	require.Eventually(t, p.Idle, 5*time.Second, 2*time.Millisecond)

	ids, err := store.DocumentIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
	assert.Empty(t, ev.docErrors())
	assert.Equal(t, 2, srv.Requests("revision:a"))
	assert.Equal(t, 1, srv.Requests("revision:b"))

	ev.mu.Lock()
	assertIncreasing(t, ev.checkpoints)
	ev.mu.Unlock()
	assert.Equal(t, cursor.Cursor(cursor.NewInteger(2)), ev.lastCheckpoint())
	assert.Equal(t, 0, p.Pending())
}

func TestPuller_InsertRetriesAreBounded(t *testing.T) {
	srv := couchtest.New(t)
	srv.Put("a", "1-a", nil)

	store := &flakyStore{Store: memory.New(), failures: -1, err: errors.New("disk I/O error")}
	ev := &events{}
	p := newStorePuller(t, srv, store, ev, WithMaxRevisionRetries(1))

	p.ChangeReceived(entry(1, "a", "1-a", false))
	p.CaughtUp()
	require.Eventually(t, p.Idle, 5*time.Second, 2*time.Millisecond)

	assert.Equal(t, 2, srv.Requests("revision:a"))
	errs := ev.docErrors()
	require.Len(t, errs, 1)
	assert.Equal(t, "a", errs[0].DocID)
	assert.EqualError(t, errs[0].Err, "disk I/O error")
	// Given up on, so the sequence is no longer held back.
	assert.Equal(t, cursor.Cursor(cursor.NewInteger(1)), ev.lastCheckpoint())
}

func TestPuller_StorePanicRequeuesBatch(t *testing.T) {
	srv := couchtest.New(t)
	srv.Put("a", "1-a", nil)

	store := &flakyStore{Store: memory.New(), panics: 1}
	ev := &events{}
	p := newStorePuller(t, srv, store, ev)

	p.ChangeReceived(entry(1, "a", "1-a", false))
	p.CaughtUp()
	require.Eventually(t, p.Idle, 5*time.Second, 2*time.Millisecond)

	_, err := store.GetDocument(context.Background(), "a")
	require.NoError(t, err)
	assert.Empty(t, ev.docErrors())
	assert.Equal(t, 2, store.callCount())
	assert.Equal(t, cursor.Cursor(cursor.NewInteger(1)), ev.lastCheckpoint())
}

func TestPuller_CheckpointPassesLateMissingRevision(t *testing.T) {
	srv := couchtest.New(t)
	srv.Put("doc4", "1-d", map[string]any{"ok": true})
	srv.Fail("revision:doc3", couchtest.Fault{Status: http.StatusNotFound, Delay: 50 * time.Millisecond, Times: 1})

	h := newHarness(t, srv, nil, WithBatch(1, 0))
	// No CaughtUp: a continuous feed that never finishes its backlog.
	h.puller.ChangeReceived(entry(1, "doc4", "1-d", false))
	h.puller.ChangeReceived(entry(2, "doc3", "1-c", false))

	require.Eventually(t, func() bool {
		return cursor.Equal(h.events.lastCheckpoint(), cursor.NewInteger(2))
	}, 5*time.Second, 2*time.Millisecond)
	errs := h.events.docErrors()
	require.Len(t, errs, 1)
	assert.Equal(t, syncErrors.KindNotFound, syncErrors.KindOf(errs[0].Err))
}

func TestPuller_CheckpointAdvancesOnSkippedEntry(t *testing.T) {
	srv := couchtest.New(t)
	srv.Put("x", "1-x", nil)

	store := memory.New()
	_, err := store.BulkInsertRevisions(context.Background(), []*storage.Revision{
		{DocID: "present", RevID: "1-p", Body: map[string]any{}},
	})
	require.NoError(t, err)

	h := newHarness(t, srv, store, WithBatch(1, 0))
	h.puller.ChangeReceived(entry(1, "x", "1-x", false))
	require.Eventually(t, func() bool {
		return cursor.Equal(h.events.lastCheckpoint(), cursor.NewInteger(1))
	}, 5*time.Second, 2*time.Millisecond)

	h.puller.ChangeReceived(entry(2, "present", "1-p", false))
	assert.Equal(t, cursor.Cursor(cursor.NewInteger(2)), h.events.lastCheckpoint())
}

func TestPuller_BulkFetchFirstGenerations(t *testing.T) {
	srv := couchtest.New(t)
	sd := srv.AddRevision("d", []string{"2-b", "1-a"}, false, map[string]any{"gen": 2}, nil)
	sa := srv.AddRevision("a", []string{"1-a"}, false, map[string]any{"name": "a"}, map[string]couchtest.Attachment{
		"note.txt": {ContentType: "text/plain", Data: []byte("hello")},
	})
	sb := srv.Put("b", "1-b", map[string]any{"name": "b"})

	gate := newGatedRemote(t, srv)
	gate.block("d")
	h := newHarnessWithRemote(t, srv, gate, nil, WithBulkFetch(10), WithMaxConcurrentFetches(1))

	h.puller.ChangeReceived(entry(sd, "d", "2-b", false))
	require.Eventually(t, func() bool { return gate.started.Load() == 1 }, 5*time.Second, 2*time.Millisecond)
	h.puller.ChangeReceived(entry(sa, "a", "1-a", false))
	h.puller.ChangeReceived(entry(sb, "b", "1-b", false))
	h.puller.ChangeReceived(entry(sb+1, "missing", "1-m", false))
	gate.release("d")

	h.puller.CaughtUp()
	require.Eventually(t, h.puller.Idle, 5*time.Second, 2*time.Millisecond)

	assert.Equal(t, 1, srv.Requests("bulk_get"))
	assert.Equal(t, 1, srv.Requests("revision"))

	ids, err := h.store.DocumentIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "d"}, ids)
	assert.Equal(t, []byte("hello"), storedRev(t, h.store, "a").Attachments["note.txt"].Data)

	errs := h.events.docErrors()
	require.Len(t, errs, 1)
	assert.Equal(t, "missing", errs[0].DocID)
	assert.Equal(t, syncErrors.KindNotFound, syncErrors.KindOf(errs[0].Err))
	assert.Equal(t, cursor.Cursor(cursor.NewInteger(sb+1)), h.events.lastCheckpoint())
}

func TestPuller_BulkFetchFallsBackWhenUnsupported(t *testing.T) {
	srv := couchtest.New(t, couchtest.WithoutBulkGet())
	sd := srv.AddRevision("d", []string{"2-b", "1-a"}, false, nil, nil)
	sa := srv.Put("a", "1-a", nil)
	sb := srv.Put("b", "1-b", nil)
	sc := srv.Put("c", "1-c", nil)

	gate := newGatedRemote(t, srv)
	gate.block("d")
	h := newHarnessWithRemote(t, srv, gate, nil, WithBulkFetch(10), WithMaxConcurrentFetches(1))

	h.puller.ChangeReceived(entry(sd, "d", "2-b", false))
	require.Eventually(t, func() bool { return gate.started.Load() == 1 }, 5*time.Second, 2*time.Millisecond)
	h.puller.ChangeReceived(entry(sa, "a", "1-a", false))
	h.puller.ChangeReceived(entry(sb, "b", "1-b", false))
	h.puller.ChangeReceived(entry(sc, "c", "1-c", false))
	gate.release("d")

	h.puller.CaughtUp()
	require.Eventually(t, h.puller.Idle, 5*time.Second, 2*time.Millisecond)

	assert.Equal(t, 4, srv.Requests("revision"))
	assert.True(t, h.puller.bulkUnsupported.Load())
	ids, err := h.store.DocumentIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d"}, ids)
	assert.Empty(t, h.events.docErrors())
}

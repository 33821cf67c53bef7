package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/couchpull/cursor"
	syncErrors "github.com/c0deZ3R0/couchpull/errors"
	"github.com/c0deZ3R0/couchpull/logging"
	"github.com/c0deZ3R0/couchpull/storage"
)

func setupTestStore(t *testing.T, validate func(*storage.Revision) error) *Store {
	t.Helper()

	config := DefaultConfig(filepath.Join(t.TempDir(), "replica.db"))
	config.Logger = logging.Discard().Logger
	config.Validate = validate

	store, err := New(config)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)

	_, err = New(&Config{})
	assert.Error(t, err)
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig("replica.db")
	assert.Equal(t, "replica.db?_journal_mode=WAL", config.DataSourceName)
	assert.Equal(t, 25, config.MaxOpenConns)

	config = DefaultConfig("file:replica.db?cache=shared")
	assert.Equal(t, "file:replica.db?cache=shared&_journal_mode=WAL", config.DataSourceName)

	mem := &Config{DataSourceName: ":memory:"}
	mem.setDefaults()
	assert.Equal(t, 1, mem.MaxOpenConns)
}

func TestStore_InMemory(t *testing.T) {
	store, err := New(&Config{DataSourceName: ":memory:", Logger: logging.Discard().Logger})
	require.NoError(t, err)
	defer store.Close()

	results, err := store.BulkInsertRevisions(context.Background(), []*storage.Revision{{DocID: "a", RevID: "1-a"}})
	require.NoError(t, err)
	assert.True(t, results[0].Accepted())

	ok, err := store.HasRevision(context.Background(), "a", "1-a")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStore_InsertAndRead(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t, nil)

	results, err := store.BulkInsertRevisions(ctx, []*storage.Revision{
		{DocID: "doc1", RevID: "1-a", Body: map[string]any{"title": "first"}},
		{
			DocID: "doc1", RevID: "2-b", History: []string{"2-b", "1-a"},
			Body: map[string]any{"title": "second", "tags": []any{"x", "y"}},
			Attachments: map[string]storage.Attachment{
				"photo.png": {ContentType: "image/png", RevPos: 2, Data: []byte{0x89, 'P', 'N', 'G'}},
			},
		},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, r.Accepted(), "%s/%s: %v", r.DocID, r.RevID, r.Err)
	}

	state, err := store.DocumentState(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, storage.DocumentState{Exists: true, CurrentRev: "2-b"}, state)

	doc, err := store.GetDocument(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, "2-b", doc.Rev)
	assert.Equal(t, "second", doc.Body["title"])
	assert.Equal(t, []any{"x", "y"}, doc.Body["tags"])
	require.Contains(t, doc.Attachments, "photo.png")
	att := doc.Attachments["photo.png"]
	assert.Equal(t, "image/png", att.ContentType)
	assert.Equal(t, int64(4), att.Length)
	assert.Equal(t, 2, att.RevPos)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, att.Data)

	data, found, err := store.LoadAttachmentByDigest(ctx, att.Digest)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, att.Data, data)

	_, found, err = store.LoadAttachmentByDigest(ctx, "md5-unknown")
	require.NoError(t, err)
	assert.False(t, found)

	ids, err := store.DocumentIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"doc1"}, ids)
}

func TestStore_AttachmentStubReuse(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t, nil)
	digest := storage.AttachmentDigest([]byte("payload"))

	_, err := store.BulkInsertRevisions(ctx, []*storage.Revision{{
		DocID: "d", RevID: "1-a",
		Attachments: map[string]storage.Attachment{"f": {ContentType: "text/plain", Data: []byte("payload")}},
	}})
	require.NoError(t, err)

	results, err := store.BulkInsertRevisions(ctx, []*storage.Revision{{
		DocID: "d", RevID: "2-b", History: []string{"2-b", "1-a"},
		Attachments: map[string]storage.Attachment{"f": {Stub: true, Digest: digest, RevPos: 1}},
	}})
	require.NoError(t, err)
	require.True(t, results[0].Accepted(), "%v", results[0].Err)

	doc, err := store.GetDocument(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), doc.Attachments["f"].Data)
	assert.Equal(t, "text/plain", doc.Attachments["f"].ContentType)
}

func TestStore_HistoryAndAncestors(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t, nil)

	_, err := store.BulkInsertRevisions(ctx, []*storage.Revision{
		{DocID: "d", RevID: "1-a"},
		{DocID: "d", RevID: "3-c", History: []string{"3-c", "2-b", "1-a"}},
	})
	require.NoError(t, err)

	for _, rev := range []string{"1-a", "2-b", "3-c"} {
		ok, err := store.HasRevision(ctx, "d", rev)
		require.NoError(t, err)
		assert.True(t, ok, rev)
	}

	ancestors, err := store.PossibleAncestors(ctx, "d", "4-d", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"3-c", "1-a"}, ancestors)

	ancestors, err = store.PossibleAncestors(ctx, "d", "4-d", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"3-c"}, ancestors)
}

func TestStore_ConflictsAndDeletion(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t, nil)

	_, err := store.BulkInsertRevisions(ctx, []*storage.Revision{
		{DocID: "d", RevID: "2-x", History: []string{"2-x", "1-a"}},
		{DocID: "d", RevID: "2-y", History: []string{"2-y", "1-a"}},
		{DocID: "d", RevID: "3-z", Deleted: true, History: []string{"3-z", "2-y", "1-a"}},
	})
	require.NoError(t, err)

	state, err := store.DocumentState(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, storage.DocumentState{Exists: true, CurrentRev: "2-x"}, state)

	_, err = store.BulkInsertRevisions(ctx, []*storage.Revision{
		{DocID: "d", RevID: "3-w", Deleted: true, History: []string{"3-w", "2-x", "1-a"}},
	})
	require.NoError(t, err)

	state, err = store.DocumentState(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, storage.DocumentState{Exists: true, CurrentRev: "3-z", Deleted: true}, state)

	ids, err := store.DocumentIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestStore_RejectionsDoNotAffectBatch(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t, func(rev *storage.Revision) error {
		if rev.DocID == "forbidden" {
			return errors.New("rejected by validation")
		}
		return nil
	})

	results, err := store.BulkInsertRevisions(ctx, []*storage.Revision{
		{DocID: "a", RevID: "1-a"},
		{DocID: "forbidden", RevID: "1-a"},
		{DocID: "b", RevID: "1-b", Attachments: map[string]storage.Attachment{
			"missing": {Stub: true, Digest: "md5-nothing"},
		}},
		{DocID: "c", RevID: "bogus"},
		{DocID: "d", RevID: "1-d"},
	})
	require.NoError(t, err)
	require.Len(t, results, 5)

	assert.True(t, results[0].Accepted())
	assert.Equal(t, syncErrors.KindConflict, syncErrors.KindOf(results[1].Err))
	assert.Equal(t, syncErrors.KindInvalid, syncErrors.KindOf(results[2].Err))
	assert.Equal(t, syncErrors.KindInvalid, syncErrors.KindOf(results[3].Err))
	assert.True(t, results[4].Accepted())

	for docID, want := range map[string]bool{"a": true, "forbidden": false, "b": false, "d": true} {
		state, err := store.DocumentState(ctx, docID)
		require.NoError(t, err)
		assert.Equal(t, want, state.Exists, docID)
	}
	ok, err := store.HasRevision(ctx, "b", "1-b")
	require.NoError(t, err)
	assert.False(t, ok, "rolled back revision must leave no stub behind")
}

func TestStore_IdempotentInsert(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t, nil)
	rev := &storage.Revision{DocID: "d", RevID: "1-a", Body: map[string]any{"v": "one"}}

	for i := 0; i < 3; i++ {
		results, err := store.BulkInsertRevisions(ctx, []*storage.Revision{rev})
		require.NoError(t, err)
		assert.True(t, results[0].Accepted())
	}

	doc, err := store.GetDocument(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, "one", doc.Body["v"])
}

func TestStore_GetDocumentNotFound(t *testing.T) {
	store := setupTestStore(t, nil)

	_, err := store.GetDocument(context.Background(), "nope")
	require.Error(t, err)
	assert.Equal(t, syncErrors.KindNotFound, syncErrors.KindOf(err))
}

func TestStore_Checkpoints(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t, nil)

	seq, err := store.LoadCheckpoint(ctx, "key")
	require.NoError(t, err)
	assert.Nil(t, seq)

	require.NoError(t, store.SaveCheckpoint(ctx, "key", cursor.NewInteger(12)))
	require.NoError(t, store.SaveCheckpoint(ctx, "key", cursor.NewInteger(40)))
	require.NoError(t, store.SaveCheckpoint(ctx, "other", cursor.NewString("40-g1AAAA")))

	seq, err = store.LoadCheckpoint(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, cursor.NewInteger(40), seq)

	cp, err := store.Checkpoint(ctx, "other")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, cursor.NewString("40-g1AAAA"), cp.LastSequence)
	assert.False(t, cp.UpdatedAt.IsZero())
}

func TestStore_ConcurrentBatches(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			revs := make([]*storage.Revision, 0, 10)
			for i := 0; i < 10; i++ {
				revs = append(revs, &storage.Revision{DocID: docName(w, i), RevID: "1-a"})
			}
			if _, err := store.BulkInsertRevisions(ctx, revs); err != nil {
				errs <- err
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("bulk insert failed: %v", err)
	}

	ids, err := store.DocumentIDs(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, 40)
}

func TestStore_Closed(t *testing.T) {
	store := setupTestStore(t, nil)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	_, err := store.HasRevision(context.Background(), "d", "1-a")
	assert.ErrorIs(t, err, ErrStoreClosed)
	assert.Equal(t, 0, store.Stats().OpenConnections)
}

func docName(w, i int) string {
	return string(rune('a'+w)) + "-" + string(rune('0'+i))
}

func TestStore_EvictDocuments(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t, nil)

	_, err := store.BulkInsertRevisions(ctx, []*storage.Revision{
		{DocID: "keep", RevID: "1-a", Body: map[string]any{"n": 1.0}},
		{
			DocID: "drop", RevID: "1-a", Body: map[string]any{},
			Attachments: map[string]storage.Attachment{"f": {ContentType: "text/plain", Data: []byte("shared")}},
		},
	})
	require.NoError(t, err)

	n, err := store.EvictDocuments(ctx, []string{"drop", "never-stored"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ids, err := store.DocumentIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"keep"}, ids)

	has, err := store.HasRevision(ctx, "drop", "1-a")
	require.NoError(t, err)
	assert.False(t, has)

	// The blob outlives the document.
	_, found, err := store.LoadAttachmentByDigest(ctx, storage.AttachmentDigest([]byte("shared")))
	require.NoError(t, err)
	assert.True(t, found)
}

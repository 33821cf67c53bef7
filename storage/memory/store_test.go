package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/couchpull/cursor"
	syncErrors "github.com/c0deZ3R0/couchpull/errors"
	"github.com/c0deZ3R0/couchpull/storage"
)

func TestStore_InsertAndRead(t *testing.T) {
	ctx := context.Background()
	s := New()

	results, err := s.BulkInsertRevisions(ctx, []*storage.Revision{
		{DocID: "doc1", RevID: "1-a", Body: map[string]any{"n": 1.0}},
		{
			DocID: "doc1", RevID: "2-b", History: []string{"2-b", "1-a"},
			Body: map[string]any{"n": 2.0},
			Attachments: map[string]storage.Attachment{
				"note.txt": {ContentType: "text/plain", Data: []byte("hello")},
			},
		},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Accepted())
	assert.True(t, results[1].Accepted())

	state, err := s.DocumentState(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, storage.DocumentState{Exists: true, CurrentRev: "2-b"}, state)

	doc, err := s.GetDocument(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, "2-b", doc.Rev)
	assert.Equal(t, 2.0, doc.Body["n"])
	require.Contains(t, doc.Attachments, "note.txt")
	assert.Equal(t, []byte("hello"), doc.Attachments["note.txt"].Data)
	assert.Equal(t, storage.AttachmentDigest([]byte("hello")), doc.Attachments["note.txt"].Digest)

	data, found, err := s.LoadAttachmentByDigest(ctx, storage.AttachmentDigest([]byte("hello")))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("hello"), data)

	ids, err := s.DocumentIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"doc1"}, ids)
	assert.Equal(t, 2, s.InsertedCount())
}

func TestStore_HasRevisionIncludesAncestors(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.BulkInsertRevisions(ctx, []*storage.Revision{
		{DocID: "d", RevID: "3-c", History: []string{"3-c", "2-b", "1-a"}},
	})
	require.NoError(t, err)

	for _, rev := range []string{"1-a", "2-b", "3-c"} {
		ok, err := s.HasRevision(ctx, "d", rev)
		require.NoError(t, err)
		assert.True(t, ok, rev)
	}
	ok, err := s.HasRevision(ctx, "d", "4-d")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.HasRevision(ctx, "missing", "1-a")
	require.NoError(t, err)
	assert.False(t, ok)

	ancestors, err := s.PossibleAncestors(ctx, "d", "5-e", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"3-c"}, ancestors, "stub ancestors carry no body")
}

func TestStore_WinnerAndDeletion(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.BulkInsertRevisions(ctx, []*storage.Revision{
		{DocID: "d", RevID: "1-a"},
		{DocID: "d", RevID: "2-x", History: []string{"2-x", "1-a"}},
		{DocID: "d", RevID: "2-y", History: []string{"2-y", "1-a"}},
	})
	require.NoError(t, err)

	state, err := s.DocumentState(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, "2-y", state.CurrentRev, "higher digest wins among equal generations")

	_, err = s.BulkInsertRevisions(ctx, []*storage.Revision{
		{DocID: "d", RevID: "3-z", Deleted: true, History: []string{"3-z", "2-y", "1-a"}},
	})
	require.NoError(t, err)

	state, err = s.DocumentState(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, "2-x", state.CurrentRev, "live conflict beats deleted leaf")
	assert.False(t, state.Deleted)

	_, err = s.BulkInsertRevisions(ctx, []*storage.Revision{
		{DocID: "d", RevID: "3-w", Deleted: true, History: []string{"3-w", "2-x", "1-a"}},
	})
	require.NoError(t, err)

	state, err = s.DocumentState(ctx, "d")
	require.NoError(t, err)
	assert.True(t, state.Deleted)
	assert.Equal(t, "3-z", state.CurrentRev)

	ids, err := s.DocumentIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestStore_Rejections(t *testing.T) {
	ctx := context.Background()
	s := New(WithValidator(func(rev *storage.Revision) error {
		if rev.Body["forbidden"] == true {
			return errors.New("forbidden document")
		}
		return nil
	}))

	results, err := s.BulkInsertRevisions(ctx, []*storage.Revision{
		{DocID: "ok", RevID: "1-a"},
		{DocID: "bad", RevID: "1-a", Body: map[string]any{"forbidden": true}},
		{DocID: "stub", RevID: "1-a", Attachments: map[string]storage.Attachment{
			"x": {Stub: true, Digest: "md5-missing"},
		}},
		{DocID: "", RevID: "1-a"},
	})
	require.NoError(t, err)
	require.Len(t, results, 4)

	assert.True(t, results[0].Accepted())
	assert.Equal(t, syncErrors.KindConflict, syncErrors.KindOf(results[1].Err))
	assert.Equal(t, syncErrors.KindInvalid, syncErrors.KindOf(results[2].Err))
	assert.Equal(t, syncErrors.KindInvalid, syncErrors.KindOf(results[3].Err))

	state, err := s.DocumentState(ctx, "bad")
	require.NoError(t, err)
	assert.False(t, state.Exists)
}

func TestStore_IdempotentInsert(t *testing.T) {
	ctx := context.Background()
	s := New()
	rev := &storage.Revision{DocID: "d", RevID: "1-a", Body: map[string]any{"v": "first"}}

	for i := 0; i < 2; i++ {
		results, err := s.BulkInsertRevisions(ctx, []*storage.Revision{rev})
		require.NoError(t, err)
		assert.True(t, results[0].Accepted())
	}

	doc, err := s.GetDocument(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, "first", doc.Body["v"])
}

func TestStore_Checkpoints(t *testing.T) {
	ctx := context.Background()
	s := New()

	seq, err := s.LoadCheckpoint(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, seq)

	require.NoError(t, s.SaveCheckpoint(ctx, "k", cursor.NewInteger(7)))
	seq, err = s.LoadCheckpoint(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, cursor.NewInteger(7), seq)
}

func TestStore_Closed(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Close())

	_, err := s.HasRevision(ctx, "d", "1-a")
	assert.ErrorIs(t, err, ErrStoreClosed)
	_, err = s.BulkInsertRevisions(ctx, []*storage.Revision{{DocID: "d", RevID: "1-a"}})
	assert.ErrorIs(t, err, ErrStoreClosed)
	assert.ErrorIs(t, s.SaveCheckpoint(ctx, "k", cursor.NewInteger(1)), ErrStoreClosed)
}

func TestStore_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New().BulkInsertRevisions(ctx, []*storage.Revision{{DocID: "d", RevID: "1-a"}})
	require.Error(t, err)
	assert.Equal(t, syncErrors.KindCanceled, syncErrors.KindOf(err))
}

func TestStore_EvictDocuments(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, err := s.BulkInsertRevisions(ctx, []*storage.Revision{
		{DocID: "keep", RevID: "1-a", Body: map[string]any{}},
		{DocID: "drop", RevID: "2-b", History: []string{"2-b", "1-a"}, Body: map[string]any{}},
	})
	require.NoError(t, err)

	n, err := s.EvictDocuments(ctx, []string{"drop", "never-stored"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ids, err := s.DocumentIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"keep"}, ids)

	// Evicted, not deleted: the revision is unknown again.
	has, err := s.HasRevision(ctx, "drop", "1-a")
	require.NoError(t, err)
	assert.False(t, has)
	state, err := s.DocumentState(ctx, "drop")
	require.NoError(t, err)
	assert.False(t, state.Exists)
}

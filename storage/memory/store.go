// Package memory provides an in-memory LocalStore and CheckpointStore.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/c0deZ3R0/couchpull/cursor"
	syncErrors "github.com/c0deZ3R0/couchpull/errors"
	"github.com/c0deZ3R0/couchpull/revision"
	"github.com/c0deZ3R0/couchpull/storage"
)

const component = "storage/memory"

// ErrStoreClosed is returned by every operation after Close.
var ErrStoreClosed = syncErrors.E(syncErrors.Component(component), syncErrors.KindInternal, "store is closed")

// Option configures a Store.
type Option func(*Store)

// WithValidator installs a per-revision check run before insertion. A
// non-nil error rejects that revision only.
func WithValidator(fn func(*storage.Revision) error) Option {
	return func(s *Store) { s.validate = fn }
}

type revNode struct {
	parent      string
	deleted     bool
	stub        bool
	body        map[string]any
	attachments map[string]storage.Attachment
}

type docTree struct {
	revs     map[string]*revNode
	children map[string]int
	state    storage.DocumentState
}

type blob struct {
	contentType string
	data        []byte
}

// Store keeps revision trees, attachment blobs and checkpoints in maps.
type Store struct {
	mu          sync.RWMutex
	closed      bool
	docs        map[string]*docTree
	blobs       map[string]blob
	checkpoints map[string]cursor.Cursor
	validate    func(*storage.Revision) error
	inserted    int
}

var (
	_ storage.LocalStore      = (*Store)(nil)
	_ storage.AncestorFinder  = (*Store)(nil)
	_ storage.DocumentReader  = (*Store)(nil)
	_ storage.CheckpointStore = (*Store)(nil)
	_ storage.Evictor         = (*Store)(nil)
)

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		docs:        make(map[string]*docTree),
		blobs:       make(map[string]blob),
		checkpoints: make(map[string]cursor.Cursor),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) HasRevision(_ context.Context, docID, revID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, ErrStoreClosed
	}

	doc, ok := s.docs[docID]
	if !ok {
		return false, nil
	}
	_, ok = doc.revs[revID]
	return ok, nil
}

func (s *Store) DocumentState(_ context.Context, docID string) (storage.DocumentState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return storage.DocumentState{}, ErrStoreClosed
	}

	if doc, ok := s.docs[docID]; ok {
		return doc.state, nil
	}
	return storage.DocumentState{}, nil
}

func (s *Store) BulkInsertRevisions(ctx context.Context, revs []*storage.Revision) ([]storage.InsertResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, syncErrors.E(syncErrors.OpInsert, syncErrors.Component(component), syncErrors.KindCanceled, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	results := make([]storage.InsertResult, len(revs))
	for i, rev := range revs {
		results[i] = storage.InsertResult{Err: s.insertLocked(rev)}
		if rev != nil {
			results[i].DocID, results[i].RevID = rev.DocID, rev.RevID
		}
		if results[i].Err == nil {
			s.inserted++
		}
	}
	return results, nil
}

func (s *Store) insertLocked(rev *storage.Revision) error {
	if err := storage.ValidateRevision(rev); err != nil {
		return err
	}
	if s.validate != nil {
		if err := s.validate(rev); err != nil {
			if syncErrors.KindOf(err) != syncErrors.KindOther {
				return syncErrors.E(syncErrors.OpInsert, syncErrors.Component(component), err)
			}
			return syncErrors.E(syncErrors.OpInsert, syncErrors.Component(component), syncErrors.KindConflict, err)
		}
	}
	for name, att := range rev.Attachments {
		if att.Stub {
			if _, ok := s.blobs[att.Digest]; !ok {
				return syncErrors.E(syncErrors.OpInsert, syncErrors.Component(component), syncErrors.KindInvalid,
					fmt.Sprintf("attachment %q of %s/%s references unknown digest %s", name, rev.DocID, rev.RevID, att.Digest))
			}
		}
	}

	doc, ok := s.docs[rev.DocID]
	if !ok {
		doc = &docTree{revs: make(map[string]*revNode), children: make(map[string]int)}
		s.docs[rev.DocID] = doc
	}
	if node, ok := doc.revs[rev.RevID]; ok && !node.stub {
		return nil
	}

	history := storage.NormalizedHistory(rev)
	for i := len(history) - 1; i >= 0; i-- {
		id := history[i]
		parent := ""
		if i+1 < len(history) {
			parent = history[i+1]
		}

		node, exists := doc.revs[id]
		if !exists {
			node = &revNode{stub: true}
			doc.revs[id] = node
		}
		if node.parent == "" && parent != "" {
			node.parent = parent
			doc.children[parent]++
		}
	}

	atts := make(map[string]storage.Attachment, len(rev.Attachments))
	for name, att := range rev.Attachments {
		if !att.Stub {
			if att.Digest == "" {
				att.Digest = storage.AttachmentDigest(att.Data)
			}
			att.Length = int64(len(att.Data))
			s.blobs[att.Digest] = blob{contentType: att.ContentType, data: slices.Clone(att.Data)}
		} else if att.ContentType == "" {
			att.ContentType = s.blobs[att.Digest].contentType
		}
		att.Name, att.Stub, att.Data = name, false, nil
		atts[name] = att
	}

	node := doc.revs[rev.RevID]
	node.stub = false
	node.deleted = rev.Deleted
	node.body = maps.Clone(rev.Body)
	node.attachments = atts

	var leaves []revision.Leaf
	for id, n := range doc.revs {
		if doc.children[id] == 0 {
			leaves = append(leaves, revision.Leaf{RevID: id, Deleted: n.deleted})
		}
	}
	if winner, ok := revision.Winner(leaves); ok {
		doc.state = storage.DocumentState{Exists: true, CurrentRev: winner.RevID, Deleted: winner.Deleted}
	}
	return nil
}

func (s *Store) LoadAttachmentByDigest(_ context.Context, digest string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false, ErrStoreClosed
	}

	b, ok := s.blobs[digest]
	if !ok {
		return nil, false, nil
	}
	return slices.Clone(b.data), true, nil
}

// PossibleAncestors returns stored revisions of docID older than revID,
// newest first.
func (s *Store) PossibleAncestors(_ context.Context, docID, revID string, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	doc, ok := s.docs[docID]
	if !ok {
		return nil, nil
	}
	gen := revision.Generation(revID)
	var out []string
	for id, node := range doc.revs {
		if !node.stub && revision.Generation(id) < gen {
			out = append(out, id)
		}
	}
	slices.SortFunc(out, func(a, b string) int { return revision.Compare(b, a) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) GetDocument(_ context.Context, docID string) (*storage.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	doc, ok := s.docs[docID]
	if !ok || !doc.state.Exists {
		return nil, syncErrors.E(syncErrors.OpLoad, syncErrors.Component(component), syncErrors.KindNotFound,
			fmt.Sprintf("document %q not found", docID))
	}
	node := doc.revs[doc.state.CurrentRev]
	out := &storage.Document{
		ID:      docID,
		Rev:     doc.state.CurrentRev,
		Deleted: doc.state.Deleted,
		Body:    maps.Clone(node.body),
	}
	if len(node.attachments) > 0 {
		out.Attachments = make(map[string]storage.Attachment, len(node.attachments))
		for name, att := range node.attachments {
			att.Data = slices.Clone(s.blobs[att.Digest].data)
			out.Attachments[name] = att
		}
	}
	return out, nil
}

// DocumentIDs returns the IDs of all live documents in sorted order.
func (s *Store) DocumentIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	ids := make([]string, 0, len(s.docs))
	for id, doc := range s.docs {
		if doc.state.Exists && !doc.state.Deleted {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// EvictDocuments drops the revision trees of ids. Attachment blobs stay,
// since other documents may share them.
func (s *Store) EvictDocuments(_ context.Context, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}

	n := 0
	for _, id := range ids {
		if _, ok := s.docs[id]; ok {
			delete(s.docs, id)
			n++
		}
	}
	return n, nil
}

// InsertedCount returns the number of revisions accepted so far.
func (s *Store) InsertedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inserted
}

func (s *Store) LoadCheckpoint(_ context.Context, key string) (cursor.Cursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.checkpoints[key], nil
}

func (s *Store) SaveCheckpoint(_ context.Context, key string, seq cursor.Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.checkpoints[key] = seq
	return nil
}

// Close releases the store. Further calls return ErrStoreClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

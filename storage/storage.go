// Package storage defines the local store the puller writes into and the
// checkpoint store the replicator resumes from.
package storage

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/c0deZ3R0/couchpull/cursor"
	syncErrors "github.com/c0deZ3R0/couchpull/errors"
	"github.com/c0deZ3R0/couchpull/revision"
)

// Attachment describes one attachment of a downloaded revision. Stub
// attachments carry metadata only; their bytes must already be present in
// the store under Digest.
type Attachment struct {
	Name        string `json:"-"`
	ContentType string `json:"content_type,omitempty"`
	Digest      string `json:"digest,omitempty"`
	Length      int64  `json:"length,omitempty"`
	RevPos      int    `json:"revpos,omitempty"`
	Stub        bool   `json:"stub,omitempty"`
	Data        []byte `json:"-"`
}

// Revision is a fully downloaded document revision ready to be inserted.
type Revision struct {
	DocID    string
	RevID    string
	Deleted  bool
	Sequence cursor.Cursor

	// Body holds the document properties without the underscore fields.
	Body map[string]any

	// History lists revision IDs newest first; History[0] == RevID.
	History []string

	Attachments map[string]Attachment
}

// Generation returns the generation of RevID.
func (r *Revision) Generation() int { return revision.Generation(r.RevID) }

// ParentRevID returns the immediate ancestor, or "" for a first revision.
func (r *Revision) ParentRevID() string {
	if len(r.History) > 1 {
		return r.History[1]
	}
	return ""
}

// InsertResult reports the outcome of one revision in a bulk insert.
// Err is nil when the revision was accepted.
type InsertResult struct {
	DocID string
	RevID string
	Err   error
}

// Accepted reports whether the revision was stored.
func (r InsertResult) Accepted() bool { return r.Err == nil }

// DocumentState is the local view of a document's winning revision.
type DocumentState struct {
	Exists     bool
	CurrentRev string
	Deleted    bool
}

// Document is the winning revision of a stored document.
type Document struct {
	ID          string
	Rev         string
	Deleted     bool
	Body        map[string]any
	Attachments map[string]Attachment
}

// LocalStore is the target of a pull replication.
type LocalStore interface {
	// HasRevision reports whether revID (or a descendant of it) is known.
	HasRevision(ctx context.Context, docID, revID string) (bool, error)

	DocumentState(ctx context.Context, docID string) (DocumentState, error)

	// BulkInsertRevisions stores revs, returning one result per input in
	// input order. A non-nil error means nothing in the batch was stored.
	BulkInsertRevisions(ctx context.Context, revs []*Revision) ([]InsertResult, error)

	// LoadAttachmentByDigest returns the bytes stored under digest.
	LoadAttachmentByDigest(ctx context.Context, digest string) (data []byte, found bool, err error)

	Close() error
}

// AncestorFinder is implemented by stores that can suggest revisions the
// server may use as atts_since.
type AncestorFinder interface {
	PossibleAncestors(ctx context.Context, docID, revID string, limit int) ([]string, error)
}

// Evictor is implemented by stores that can drop documents outright, as
// opposed to recording a deletion revision.
type Evictor interface {
	// EvictDocuments removes every revision of ids and returns how many of
	// them were present.
	EvictDocuments(ctx context.Context, ids []string) (int, error)
}

// RevisionRef names one revision of a document.
type RevisionRef struct {
	DocID string
	RevID string
}

// FetchResult is the outcome of one revision of a bulk fetch. Exactly one
// of Rev and Err is set.
type FetchResult struct {
	RevisionRef
	Rev *Revision
	Err error
}

// DocumentReader is implemented by stores that can read documents back.
type DocumentReader interface {
	GetDocument(ctx context.Context, docID string) (*Document, error)
	DocumentIDs(ctx context.Context) ([]string, error)
}

// Checkpoint is a persisted replication position.
type Checkpoint struct {
	Key          string
	LastSequence cursor.Cursor
	UpdatedAt    time.Time
}

// CheckpointStore persists checkpoints. LoadCheckpoint returns a nil cursor
// when nothing is stored under key.
type CheckpointStore interface {
	LoadCheckpoint(ctx context.Context, key string) (cursor.Cursor, error)
	SaveCheckpoint(ctx context.Context, key string, seq cursor.Cursor) error
}

// CheckpointKey derives a stable key for a replication. Credentials in
// sourceURL do not affect the key.
func CheckpointKey(sourceURL, feedName string, feedParams url.Values, target string) string {
	source := sourceURL
	if u, err := url.Parse(sourceURL); err == nil {
		u.User = nil
		source = strings.TrimSuffix(u.String(), "/")
	}

	h := sha1.New()
	fmt.Fprintf(h, "source=%s\n", source)
	fmt.Fprintf(h, "feed=%s\n", feedName)
	fmt.Fprintf(h, "params=%s\n", feedParams.Encode())
	fmt.Fprintf(h, "target=%s\n", target)
	return hex.EncodeToString(h.Sum(nil))
}

// AttachmentDigest computes the CouchDB style digest of data.
func AttachmentDigest(data []byte) string {
	sum := md5.Sum(data)
	return "md5-" + base64.StdEncoding.EncodeToString(sum[:])
}

// ValidateRevision checks the structural invariants every store relies on.
func ValidateRevision(rev *Revision) error {
	if rev == nil {
		return syncErrors.E(syncErrors.OpInsert, syncErrors.KindInvalid, "nil revision")
	}
	if rev.DocID == "" {
		return syncErrors.E(syncErrors.OpInsert, syncErrors.KindInvalid, "missing document ID")
	}
	gen, _, err := revision.Parse(rev.RevID)
	if err != nil {
		return syncErrors.E(syncErrors.OpInsert, syncErrors.KindInvalid, err)
	}
	if len(rev.History) > 0 {
		if rev.History[0] != rev.RevID {
			return syncErrors.E(syncErrors.OpInsert, syncErrors.KindInvalid,
				fmt.Sprintf("history of %s/%s starts with %s", rev.DocID, rev.RevID, rev.History[0]))
		}
		for i, id := range rev.History {
			if revision.Generation(id) != gen-i {
				return syncErrors.E(syncErrors.OpInsert, syncErrors.KindInvalid,
					fmt.Sprintf("history of %s/%s has non-consecutive revision %s", rev.DocID, rev.RevID, id))
			}
		}
	}
	for name, att := range rev.Attachments {
		if att.Stub && att.Digest == "" {
			return syncErrors.E(syncErrors.OpInsert, syncErrors.KindInvalid,
				fmt.Sprintf("attachment stub %q of %s/%s has no digest", name, rev.DocID, rev.RevID))
		}
		if !att.Stub && att.Data == nil {
			return syncErrors.E(syncErrors.OpInsert, syncErrors.KindInvalid,
				fmt.Sprintf("attachment %q of %s/%s has no data", name, rev.DocID, rev.RevID))
		}
	}
	return nil
}

// NormalizedHistory returns rev.History, or a single-element history when
// the revision arrived without one.
func NormalizedHistory(rev *Revision) []string {
	if len(rev.History) == 0 {
		return []string{rev.RevID}
	}
	return rev.History
}

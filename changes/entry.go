// Package changes consumes a CouchDB-protocol _changes feed and hands the
// rows, one at a time and in server order, to a Client.
package changes

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/c0deZ3R0/couchpull/cursor"
)

// Entry is one row of the change feed.
type Entry struct {
	Sequence cursor.Cursor
	DocID    string
	RevID    string
	Deleted  bool

	// Conflicts lists the other leaf revisions reported for the document
	// when the feed is requested with style=all_docs.
	Conflicts []string

	// PossibleAncestors are revisions the receiver may already hold. The
	// tracker never fills it; pullers set it from local storage.
	PossibleAncestors []string
}

// Revisions returns RevID followed by Conflicts.
func (e Entry) Revisions() []string {
	revs := make([]string, 0, 1+len(e.Conflicts))
	revs = append(revs, e.RevID)
	return append(revs, e.Conflicts...)
}

// TrackerState describes the feed connection.
type TrackerState int

const (
	StateConnecting TrackerState = iota
	StateConnected
	StateRetrying
)

func (s TrackerState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateRetrying:
		return "retrying"
	}
	return fmt.Sprintf("TrackerState(%d)", int(s))
}

// Client receives feed events. All methods are called from the tracker's
// goroutine, one at a time. Implementations must not call Tracker.Stop
// synchronously from a callback.
type Client interface {
	ChangeReceived(entry Entry)
	// CaughtUp is called once per run, when the initial backlog is exhausted.
	CaughtUp()
	TrackerStateChanged(state TrackerState)
	// TrackerStopped is called exactly once per run. err is nil when the
	// tracker was stopped and non-nil when it gave up.
	TrackerStopped(err error)
}

// Tracker follows a change feed.
type Tracker interface {
	// Start begins following the feed after since; a nil since starts from
	// the beginning. It returns once the tracker goroutine is running.
	Start(ctx context.Context, since cursor.Cursor) error
	// Stop is idempotent. No Client method is called after it returns.
	Stop()
	// LastSequence is the newest sequence the tracker has processed.
	LastSequence() cursor.Cursor
}

// FeedSource identifies what a tracker follows.
type FeedSource interface {
	// Name is stable across runs and takes part in the checkpoint key.
	Name() string
	// Path is relative to the database URL.
	Path() string
	Params() url.Values
}

// DocumentFeed is the raw _changes feed of a database, optionally narrowed
// by a server-side filter function or a list of document IDs.
type DocumentFeed struct {
	// Filter is a "ddoc/name" filter function.
	Filter      string
	QueryParams map[string]string
	DocIDs      []string
}

func (f DocumentFeed) Name() string {
	switch {
	case len(f.DocIDs) > 0:
		ids := append([]string(nil), f.DocIDs...)
		sort.Strings(ids)
		return "docs:" + strings.Join(ids, ",")
	case f.Filter != "":
		return "filter:" + f.Filter
	}
	return "changes"
}

func (DocumentFeed) Path() string { return "_changes" }

func (f DocumentFeed) Params() url.Values {
	v := url.Values{}
	switch {
	case len(f.DocIDs) > 0:
		v.Set("filter", "_doc_ids")
		v.Set("doc_ids", jsonStringArray(f.DocIDs))
	case f.Filter != "":
		v.Set("filter", f.Filter)
	}
	for k, val := range f.QueryParams {
		v.Set(k, val)
	}
	return v
}

// ViewFeed follows the changes of documents emitted by a view's map function.
type ViewFeed struct {
	DesignDoc   string
	View        string
	QueryParams map[string]string

	// Evict removes local documents the view no longer emits. It assumes
	// the target holds nothing but this view's documents.
	Evict bool
}

// QueryPath is the view's query path relative to the database URL.
func (f ViewFeed) QueryPath() string {
	return "_design/" + url.PathEscape(strings.TrimPrefix(f.DesignDoc, "_design/")) + "/_view/" + url.PathEscape(f.View)
}

func (f ViewFeed) Name() string { return "view:" + f.viewName() }

func (ViewFeed) Path() string { return "_changes" }

func (f ViewFeed) Params() url.Values {
	v := url.Values{}
	v.Set("filter", "_view")
	v.Set("view", f.viewName())
	for k, val := range f.QueryParams {
		v.Set(k, val)
	}
	return v
}

func (f ViewFeed) viewName() string {
	return strings.TrimPrefix(f.DesignDoc, "_design/") + "/" + f.View
}

func jsonStringArray(ss []string) string {
	b, _ := json.Marshal(ss)
	return string(b)
}

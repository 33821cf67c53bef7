// Package couchtest runs an in-process CouchDB-protocol server for tests:
// one database with a change feed, revision and attachment endpoints, and
// fault injection.
package couchtest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/c0deZ3R0/couchpull/revision"
	"github.com/c0deZ3R0/couchpull/storage"
)

// Attachment is an attachment of a stored revision.
type Attachment struct {
	ContentType string
	Data        []byte
	// RevPos is the generation that added the attachment. 0 means the
	// revision's own generation.
	RevPos int
}

// Rev is one stored revision.
type Rev struct {
	ID          string
	Deleted     bool
	History     []string
	Body        map[string]any
	Attachments map[string]Attachment
}

type doc struct {
	revs map[string]*Rev
	seq  uint64
}

// Fault makes a number of matching requests fail with Status. Times < 0
// fails forever.
type Fault struct {
	Status int
	Body   string
	Times  int
	// Malformed returns a 200 with an unparseable body instead of Status.
	Malformed bool
	// Delay holds the response back before headers are sent. A fault with
	// only a Delay then answers normally.
	Delay time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithStringSequences reports CouchDB 2.x style opaque sequences.
func WithStringSequences() Option { return func(s *Server) { s.stringSeqs = true } }

// WithGzip compresses JSON responses when the client accepts gzip.
func WithGzip() Option { return func(s *Server) { s.gzip = true } }

// WithBasicAuth requires credentials on every request.
func WithBasicAuth(user, password string) Option {
	return func(s *Server) { s.user, s.password = user, password }
}

// WithDatabase names the database. The default is "db".
func WithDatabase(name string) Option { return func(s *Server) { s.dbName = name } }

// WithoutBulkGet rejects POST _bulk_get with 405, the way CouchDB 1.x does.
func WithoutBulkGet() Option { return func(s *Server) { s.noBulkGet = true } }

// WithVersion sets the version reported by GET /.
func WithVersion(v string) Option { return func(s *Server) { s.version = v } }

// Server is a fake CouchDB.
type Server struct {
	*httptest.Server

	dbName     string
	version    string
	stringSeqs bool
	gzip       bool
	user       string
	password   string
	noBulkGet  bool

	mu       sync.Mutex
	seq      uint64
	docs     map[string]*doc
	views    map[string]func(docID string, body map[string]any) bool
	wake     chan struct{}
	faults   map[string]*Fault
	requests map[string]int
	queries  []url.Values
	headers  []http.Header
}

// New starts a server that is closed when the test ends.
func New(t testing.TB, opts ...Option) *Server {
	t.Helper()
	s := &Server{
		dbName:   "db",
		version:  "3.3.3",
		docs:     make(map[string]*doc),
		views:    make(map[string]func(string, map[string]any) bool),
		wake:     make(chan struct{}),
		faults:   make(map[string]*Fault),
		requests: make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serveHTTP))
	t.Cleanup(s.Close)
	return s
}

// DBURL is the database URL.
func (s *Server) DBURL() string { return s.URL + "/" + s.dbName }

// AddRevision stores a revision of docID. history lists revision IDs newest
// first; missing ancestors are implied. The change feed reports the document
// at a new sequence, which is returned.
func (s *Server) AddRevision(docID string, history []string, deleted bool, body map[string]any, atts map[string]Attachment) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.docs[docID]
	if d == nil {
		d = &doc{revs: make(map[string]*Rev)}
		s.docs[docID] = d
	}
	if body == nil {
		body = map[string]any{}
	}
	d.revs[history[0]] = &Rev{
		ID:          history[0],
		Deleted:     deleted,
		History:     append([]string(nil), history...),
		Body:        body,
		Attachments: atts,
	}
	s.seq++
	d.seq = s.seq

	close(s.wake)
	s.wake = make(chan struct{})
	return s.seq
}

// Put stores revID as a revision without ancestors and returns the new
// sequence.
func (s *Server) Put(docID, revID string, body map[string]any) uint64 {
	return s.AddRevision(docID, []string{revID}, false, body, nil)
}

// DefineView registers a view filter used by filter=_view.
func (s *Server) DefineView(name string, match func(docID string, body map[string]any) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.views[name] = match
}

// Fail installs a fault for requests of kind: "changes", "revision",
// "attachment", "server", "database", "bulk_get", "view", or
// "revision:<docID>".
func (s *Server) Fail(kind string, f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fault := f
	s.faults[kind] = &fault
}

// ClearFaults removes all faults.
func (s *Server) ClearFaults() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = make(map[string]*Fault)
}

// Requests returns the number of requests of kind, using the same names as
// Fail.
func (s *Server) Requests(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[kind]
}

// ChangesQueries returns the query parameters of every _changes request.
func (s *Server) ChangesQueries() []url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]url.Values(nil), s.queries...)
}

// LastHeaders returns the headers of the most recent request.
func (s *Server) LastHeaders() http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.headers) == 0 {
		return nil
	}
	return s.headers[len(s.headers)-1]
}

// LastSeq returns the newest sequence number.
func (s *Server) LastSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// SeqValue renders seq the way the feed reports it.
func (s *Server) SeqValue(seq uint64) any {
	if s.stringSeqs {
		return fmt.Sprintf("%d-g1AAAA%06d", seq, seq)
	}
	return seq
}

func (s *Server) parseSince(v string) uint64 {
	if v == "" || v == "0" {
		return 0
	}
	if v == "now" {
		return s.seq
	}
	if i := strings.IndexByte(v, '-'); i > 0 {
		v = v[:i]
	}
	n, _ := strconv.ParseUint(v, 10, 64)
	return n
}

func (s *Server) count(kinds ...string) {
	for _, k := range kinds {
		s.requests[k]++
	}
}

// takeFault consumes one occurrence of the first matching fault.
func (s *Server) takeFault(kinds ...string) *Fault {
	for _, k := range kinds {
		f := s.faults[k]
		if f == nil || f.Times == 0 {
			continue
		}
		if f.Times > 0 {
			f.Times--
		}
		return f
	}
	return nil
}

// applyFault waits out f's delay and writes the fault response. It returns
// false when the request should be answered normally.
func (s *Server) applyFault(w http.ResponseWriter, r *http.Request, f *Fault) bool {
	if f == nil {
		return false
	}
	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-r.Context().Done():
			return true
		}
	}
	if f.Status == 0 && !f.Malformed {
		return false
	}
	s.writeFault(w, f)
	return true
}

func (s *Server) writeFault(w http.ResponseWriter, f *Fault) {
	if f.Malformed {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, `{"results": [ {"seq": ] }`)
		return
	}
	body := f.Body
	if body == "" {
		body = fmt.Sprintf(`{"error":"%s","reason":"injected"}`, strings.ToLower(strings.ReplaceAll(http.StatusText(f.Status), " ", "_")))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(f.Status)
	_, _ = io.WriteString(w, body)
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.headers = append(s.headers, r.Header.Clone())
	s.mu.Unlock()

	if s.user != "" {
		u, p, ok := r.BasicAuth()
		if !ok || u != s.user || p != s.password {
			s.writeFault(w, &Fault{Status: http.StatusUnauthorized})
			return
		}
	}
	rest := strings.TrimPrefix(r.URL.EscapedPath(), "/")
	if rest == s.dbName+"/_bulk_get" && !s.noBulkGet {
		if r.Method != http.MethodPost {
			s.writeFault(w, &Fault{Status: http.StatusMethodNotAllowed})
			return
		}
		s.serveBulkGet(w, r)
		return
	}
	if r.Method != http.MethodGet {
		s.writeFault(w, &Fault{Status: http.StatusMethodNotAllowed})
		return
	}

	if rest == "" {
		s.serveServerInfo(w, r)
		return
	}
	dbPart, docPart, _ := strings.Cut(rest, "/")
	if dbPart != s.dbName {
		s.writeFault(w, &Fault{Status: http.StatusNotFound, Body: `{"error":"not_found","reason":"Database does not exist."}`})
		return
	}

	switch {
	case docPart == "":
		s.serveDatabaseInfo(w, r)
	case docPart == "_changes":
		s.serveChanges(w, r)
	default:
		docID, attName, err := splitDocPath(docPart)
		if err != nil {
			s.writeFault(w, &Fault{Status: http.StatusBadRequest})
			return
		}
		if ddoc, ok := strings.CutPrefix(docID, "_design/"); ok && strings.HasPrefix(attName, "_view/") {
			s.serveView(w, r, ddoc+"/"+strings.TrimPrefix(attName, "_view/"))
			return
		}
		if attName != "" {
			s.serveAttachment(w, r, docID, attName)
			return
		}
		s.serveRevision(w, r, docID)
	}
}

func splitDocPath(p string) (docID, attName string, err error) {
	segments := strings.Split(p, "/")
	if segments[0] == "_design" && len(segments) > 1 {
		segments = append([]string{"_design/" + segments[1]}, segments[2:]...)
	}
	for i, seg := range segments {
		if i == 0 && strings.HasPrefix(seg, "_design/") {
			name, err := url.PathUnescape(strings.TrimPrefix(seg, "_design/"))
			if err != nil {
				return "", "", err
			}
			segments[i] = "_design/" + name
			continue
		}
		if segments[i], err = url.PathUnescape(seg); err != nil {
			return "", "", err
		}
	}
	return segments[0], strings.Join(segments[1:], "/"), nil
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	if s.gzip && strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		w.Header().Set("Content-Encoding", "gzip")
		w.WriteHeader(status)
		gz := gzip.NewWriter(w)
		_ = json.NewEncoder(gz).Encode(v)
		_ = gz.Close()
		return
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) serveServerInfo(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.count("server")
	f := s.takeFault("server")
	s.mu.Unlock()
	if f != nil {
		s.writeFault(w, f)
		return
	}
	s.writeJSON(w, r, http.StatusOK, map[string]any{
		"couchdb": "Welcome",
		"version": s.version,
		"uuid":    "85fb71bf700c17267fef77535820e371",
		"vendor":  map[string]any{"name": "couchtest"},
	})
}

func (s *Server) serveDatabaseInfo(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.count("database")
	f := s.takeFault("database")
	live, deleted := 0, 0
	for _, d := range s.docs {
		if winner := d.winner(); winner.Deleted {
			deleted++
		} else {
			live++
		}
	}
	seq := s.SeqValue(s.seq)
	s.mu.Unlock()
	if f != nil {
		s.writeFault(w, f)
		return
	}
	s.writeJSON(w, r, http.StatusOK, map[string]any{
		"db_name":             s.dbName,
		"doc_count":           live,
		"doc_del_count":       deleted,
		"update_seq":          seq,
		"instance_start_time": "0",
	})
}

// leaves returns the revisions that are no other revision's ancestor,
// winner first.
func (d *doc) leaves() []*Rev {
	ancestors := make(map[string]bool)
	for _, r := range d.revs {
		for _, h := range r.History[1:] {
			ancestors[h] = true
		}
	}
	var leaves []*Rev
	for id, r := range d.revs {
		if !ancestors[id] {
			leaves = append(leaves, r)
		}
	}
	sort.Slice(leaves, func(i, j int) bool {
		if leaves[i].Deleted != leaves[j].Deleted {
			return !leaves[i].Deleted
		}
		return revision.Compare(leaves[i].ID, leaves[j].ID) > 0
	})
	return leaves
}

func (d *doc) winner() *Rev { return d.leaves()[0] }

type changeRow struct {
	Seq     any              `json:"seq"`
	ID      string           `json:"id"`
	Changes []map[string]any `json:"changes"`
	Deleted bool             `json:"deleted,omitempty"`
}

// rowsSince returns the change rows after since, oldest first, filtered by
// the request's filter parameters.
func (s *Server) rowsSince(since uint64, q url.Values) ([]changeRow, error) {
	var match func(docID string, body map[string]any) bool
	switch q.Get("filter") {
	case "":
	case "_doc_ids":
		var ids []string
		if err := json.Unmarshal([]byte(q.Get("doc_ids")), &ids); err != nil {
			return nil, err
		}
		set := make(map[string]bool, len(ids))
		for _, id := range ids {
			set[id] = true
		}
		match = func(docID string, _ map[string]any) bool { return set[docID] }
	case "_view":
		m, ok := s.views[q.Get("view")]
		if !ok {
			return nil, errNoView
		}
		match = m
	default:
		return nil, errNoFilter
	}

	var rows []changeRow
	for id, d := range s.docs {
		if d.seq <= since {
			continue
		}
		winner := d.winner()
		if match != nil && !match(id, winner.Body) {
			continue
		}
		row := changeRow{Seq: d.seq, ID: id, Deleted: winner.Deleted}
		for _, l := range d.leaves() {
			row.Changes = append(row.Changes, map[string]any{"rev": l.ID})
			if q.Get("style") != "all_docs" {
				break
			}
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Seq.(uint64) < rows[j].Seq.(uint64) })
	for i := range rows {
		rows[i].Seq = s.SeqValue(rows[i].Seq.(uint64))
	}
	return rows, nil
}

var (
	errNoView   = fmt.Errorf("missing view")
	errNoFilter = fmt.Errorf("missing filter")
)

func (s *Server) serveChanges(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	s.mu.Lock()
	s.count("changes")
	s.queries = append(s.queries, q)
	f := s.takeFault("changes")
	s.mu.Unlock()
	if f != nil {
		s.writeFault(w, f)
		return
	}

	limit, _ := strconv.Atoi(q.Get("limit"))
	heartbeat, _ := strconv.Atoi(q.Get("heartbeat"))
	timeout := 10 * time.Second
	if ms, err := strconv.Atoi(q.Get("timeout")); err == nil {
		timeout = time.Duration(ms) * time.Millisecond
	}

	s.mu.Lock()
	since := s.parseSince(q.Get("since"))
	s.mu.Unlock()

	switch q.Get("feed") {
	case "", "normal":
		s.serveBatch(w, r, since, limit, 0)
	case "longpoll":
		s.serveBatch(w, r, since, limit, timeout)
	case "continuous", "eventsource":
		s.serveStream(w, r, since, limit, time.Duration(heartbeat)*time.Millisecond, timeout)
	default:
		s.writeFault(w, &Fault{Status: http.StatusBadRequest})
	}
}

func (s *Server) serveBatch(w http.ResponseWriter, r *http.Request, since uint64, limit int, wait time.Duration) {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	for {
		s.mu.Lock()
		rows, err := s.rowsSince(since, r.URL.Query())
		wake := s.wake
		last := s.seq
		s.mu.Unlock()
		if err != nil {
			s.writeFault(w, &Fault{Status: http.StatusNotFound})
			return
		}

		if len(rows) > 0 || wait == 0 {
			if limit > 0 && len(rows) > limit {
				rows = rows[:limit]
			}
			lastSeq := s.SeqValue(last)
			if len(rows) > 0 && limit > 0 {
				lastSeq = rows[len(rows)-1].Seq
			}
			if rows == nil {
				rows = []changeRow{}
			}
			s.writeJSON(w, r, http.StatusOK, map[string]any{
				"results":  rows,
				"last_seq": lastSeq,
				"pending":  0,
			})
			return
		}

		select {
		case <-wake:
		case <-deadline.C:
			wait = 0
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) serveStream(w http.ResponseWriter, r *http.Request, since uint64, limit int, heartbeat, timeout time.Duration) {
	eventsource := r.URL.Query().Get("feed") == "eventsource"
	flusher, _ := w.(http.Flusher)
	if eventsource {
		w.Header().Set("Content-Type", "text/event-stream")
	} else {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(http.StatusOK)
	if flusher != nil {
		flusher.Flush()
	}

	var tick <-chan time.Time
	if heartbeat > 0 {
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		tick = ticker.C
	}
	idle := time.NewTimer(timeout)
	defer idle.Stop()

	sent := 0
	for {
		s.mu.Lock()
		rows, err := s.rowsSince(since, r.URL.Query())
		wake := s.wake
		s.mu.Unlock()
		if err != nil {
			return
		}
		for _, row := range rows {
			b, _ := json.Marshal(row)
			if eventsource {
				fmt.Fprintf(w, "data: %s\nid: %v\n\n", b, row.Seq)
			} else {
				fmt.Fprintf(w, "%s\n", b)
			}
			since = s.parseSince(fmt.Sprint(row.Seq))
			sent++
			if limit > 0 && sent >= limit {
				s.endStream(w, eventsource, row.Seq)
				return
			}
		}
		if flusher != nil {
			flusher.Flush()
		}

		select {
		case <-wake:
		case <-tick:
			if eventsource {
				_, _ = io.WriteString(w, "event: heartbeat\ndata:\n\n")
			} else {
				_, _ = io.WriteString(w, "\n")
			}
			if flusher != nil {
				flusher.Flush()
			}
		case <-idle.C:
			s.endStream(w, eventsource, s.SeqValue(since))
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) endStream(w http.ResponseWriter, eventsource bool, lastSeq any) {
	if eventsource {
		return
	}
	b, _ := json.Marshal(map[string]any{"last_seq": lastSeq, "pending": 0})
	fmt.Fprintf(w, "%s\n", b)
}

func (s *Server) lookup(docID, revID string) (*Rev, bool) {
	d := s.docs[docID]
	if d == nil {
		return nil, false
	}
	if revID == "" {
		w := d.winner()
		return w, !w.Deleted
	}
	r, ok := d.revs[revID]
	return r, ok
}

func (s *Server) serveRevision(w http.ResponseWriter, r *http.Request, docID string) {
	q := r.URL.Query()

	s.mu.Lock()
	s.count("revision", "revision:"+docID)
	f := s.takeFault("revision:"+docID, "revision")
	rev, ok := s.lookup(docID, q.Get("rev"))
	s.mu.Unlock()
	if s.applyFault(w, r, f) {
		return
	}
	if !ok {
		s.writeFault(w, &Fault{Status: http.StatusNotFound, Body: `{"error":"not_found","reason":"missing"}`})
		return
	}
	s.writeJSON(w, r, http.StatusOK, revisionJSON(docID, rev, q))
}

// revisionJSON renders rev the way GET /{db}/{doc} does for query q.
func revisionJSON(docID string, rev *Rev, q url.Values) map[string]any {
	out := make(map[string]any, len(rev.Body)+4)
	for k, v := range rev.Body {
		out[k] = v
	}
	out["_id"] = docID
	out["_rev"] = rev.ID
	if rev.Deleted {
		out["_deleted"] = true
	}
	if q.Get("revs") == "true" {
		ids := make([]string, len(rev.History))
		for i, h := range rev.History {
			_, digest, _ := revision.Parse(h)
			ids[i] = digest
		}
		out["_revisions"] = map[string]any{"start": revision.Generation(rev.ID), "ids": ids}
	}

	if len(rev.Attachments) > 0 {
		inlineAll := q.Get("attachments") == "true"
		knownGen := 0
		if raw := q.Get("atts_since"); raw != "" {
			var since []string
			_ = json.Unmarshal([]byte(raw), &since)
			for _, a := range since {
				if g := revision.Generation(a); g > knownGen {
					knownGen = g
				}
			}
		}
		atts := make(map[string]any, len(rev.Attachments))
		for name, a := range rev.Attachments {
			revpos := a.RevPos
			if revpos == 0 {
				revpos = revision.Generation(rev.ID)
			}
			meta := map[string]any{
				"content_type": a.ContentType,
				"digest":       storage.AttachmentDigest(a.Data),
				"length":       len(a.Data),
				"revpos":       revpos,
			}
			if inlineAll && revpos > knownGen {
				meta["data"] = a.Data
			} else {
				meta["stub"] = true
			}
			atts[name] = meta
		}
		out["_attachments"] = atts
	}
	return out
}

type bulkGetRequest struct {
	Docs []struct {
		ID  string `json:"id"`
		Rev string `json:"rev"`
	} `json:"docs"`
}

// serveBulkGet answers POST /{db}/_bulk_get. Each requested revision is
// counted as "revision:<docID>" too, and a fault on it turns into a per-item
// error.
func (s *Server) serveBulkGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var req bulkGetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeFault(w, &Fault{Status: http.StatusBadRequest})
		return
	}

	s.mu.Lock()
	s.count("bulk_get")
	f := s.takeFault("bulk_get")
	type item struct {
		id, rev string
		found   *Rev
		fault   *Fault
	}
	items := make([]item, len(req.Docs))
	for i, d := range req.Docs {
		s.count("revision:" + d.ID)
		items[i] = item{id: d.ID, rev: d.Rev, fault: s.takeFault("revision:" + d.ID)}
		if rev, ok := s.lookup(d.ID, d.Rev); ok {
			items[i].found = rev
		}
	}
	s.mu.Unlock()
	if s.applyFault(w, r, f) {
		return
	}

	results := make([]map[string]any, 0, len(items))
	for _, it := range items {
		var entry map[string]any
		switch {
		case it.fault != nil && it.fault.Status != 0:
			entry = map[string]any{"error": map[string]any{
				"id": it.id, "rev": it.rev,
				"error":  strings.ToLower(strings.ReplaceAll(http.StatusText(it.fault.Status), " ", "_")),
				"reason": "injected",
			}}
		case it.found == nil:
			entry = map[string]any{"error": map[string]any{"id": it.id, "rev": it.rev, "error": "not_found", "reason": "missing"}}
		default:
			entry = map[string]any{"ok": revisionJSON(it.id, it.found, q)}
		}
		results = append(results, map[string]any{"id": it.id, "docs": []any{entry}})
	}
	s.writeJSON(w, r, http.StatusOK, map[string]any{"results": results})
}

// serveView answers GET /{db}/_design/{ddoc}/_view/{view} with one row per
// live document the view matches, sorted by ID.
func (s *Server) serveView(w http.ResponseWriter, r *http.Request, name string) {
	s.mu.Lock()
	s.count("view")
	f := s.takeFault("view")
	match, ok := s.views[name]
	var rows []map[string]any
	if ok {
		for id, d := range s.docs {
			winner := d.winner()
			if winner.Deleted || !match(id, winner.Body) {
				continue
			}
			rows = append(rows, map[string]any{"id": id, "key": id, "value": nil})
		}
	}
	s.mu.Unlock()
	if s.applyFault(w, r, f) {
		return
	}
	if !ok {
		s.writeFault(w, &Fault{Status: http.StatusNotFound, Body: `{"error":"not_found","reason":"missing_named_view"}`})
		return
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i]["id"].(string) < rows[j]["id"].(string) })
	s.writeJSON(w, r, http.StatusOK, map[string]any{"total_rows": len(rows), "offset": 0, "rows": rows})
}

func (s *Server) serveAttachment(w http.ResponseWriter, r *http.Request, docID, name string) {
	s.mu.Lock()
	s.count("attachment")
	f := s.takeFault("attachment")
	rev, ok := s.lookup(docID, r.URL.Query().Get("rev"))
	var att Attachment
	if ok {
		att, ok = rev.Attachments[name]
	}
	s.mu.Unlock()
	if s.applyFault(w, r, f) {
		return
	}
	if !ok {
		s.writeFault(w, &Fault{Status: http.StatusNotFound})
		return
	}
	w.Header().Set("Content-Type", att.ContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(att.Data)
}

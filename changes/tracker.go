package changes

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c0deZ3R0/couchpull/cursor"
	syncErrors "github.com/c0deZ3R0/couchpull/errors"
	"github.com/c0deZ3R0/couchpull/logging"
)

const component = "changes"

// Mode selects how the live part of the feed is consumed. The backlog is
// always read with feed=normal first.
type Mode int

const (
	// ModeLongPoll reissues a blocking request after every response.
	ModeLongPoll Mode = iota
	// ModeContinuous holds one connection open; rows are newline delimited.
	ModeContinuous
	// ModeEventSource holds one connection open; rows are Server-Sent Events.
	ModeEventSource

	modeNormal Mode = -1
)

func (m Mode) String() string {
	switch m {
	case ModeLongPoll:
		return "longpoll"
	case ModeContinuous:
		return "continuous"
	case ModeEventSource:
		return "eventsource"
	case modeNormal:
		return "normal"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode converts a feed name into a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "longpoll":
		return ModeLongPoll, nil
	case "continuous":
		return ModeContinuous, nil
	case "eventsource":
		return ModeEventSource, nil
	}
	return 0, fmt.Errorf("unknown feed mode %q", s)
}

const (
	DefaultLimit                  = 100
	DefaultHeartbeat              = 30 * time.Second
	DefaultMaxConsecutiveFailures = 10

	// recentWindow bounds the duplicate check for string sequences.
	recentWindow = 4096
)

// Remote opens feed requests. *httptransport.Client implements it.
type Remote interface {
	OpenFeed(ctx context.Context, relPath string, params url.Values, decodedLimit int64) (io.ReadCloser, error)
	MaxLineBytes() int
	MaxFeedBytes() int64
}

// Option configures a FeedTracker.
type Option func(*FeedTracker)

func WithMode(m Mode) Option {
	return func(t *FeedTracker) { t.mode = m }
}

// WithLimit bounds the rows per catch-up request. 0 reads the backlog in one
// request.
func WithLimit(n int) Option {
	return func(t *FeedTracker) {
		if n >= 0 {
			t.limit = n
		}
	}
}

// WithHeartbeat sets the keep-alive interval requested from the server. A
// live connection that stays silent for twice that long is dropped and
// reopened. 0 disables both.
func WithHeartbeat(d time.Duration) Option {
	return func(t *FeedTracker) {
		if d >= 0 {
			t.heartbeat = d
		}
	}
}

func WithBackoff(b BackoffStrategy) Option {
	return func(t *FeedTracker) {
		if b != nil {
			t.backoff = b
		}
	}
}

// WithMaxConsecutiveFailures sets how many failed attempts in a row end the
// run. 0 retries forever.
func WithMaxConsecutiveFailures(n int) Option {
	return func(t *FeedTracker) {
		if n >= 0 {
			t.maxFailures = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(t *FeedTracker) { t.logger = l }
}

// FeedTracker is the Tracker for CouchDB _changes feeds.
type FeedTracker struct {
	remote Remote
	source FeedSource
	client Client

	mode        Mode
	limit       int
	heartbeat   time.Duration
	backoff     BackoffStrategy
	maxFailures int
	logger      *slog.Logger

	mu         sync.Mutex
	cancel     context.CancelFunc
	done       chan struct{}
	lastSeq    cursor.Cursor
	state      TrackerState
	stateKnown bool
}

var _ Tracker = (*FeedTracker)(nil)

// NewFeedTracker creates a tracker for source that reports to client.
func NewFeedTracker(remote Remote, source FeedSource, client Client, opts ...Option) *FeedTracker {
	t := &FeedTracker{
		remote:      remote,
		source:      source,
		client:      client,
		mode:        ModeLongPoll,
		limit:       DefaultLimit,
		heartbeat:   DefaultHeartbeat,
		backoff:     DefaultBackoff(),
		maxFailures: DefaultMaxConsecutiveFailures,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = logging.Or(t.logger, logging.ComponentTracker)
	if source != nil {
		t.logger = t.logger.With(slog.String("feed", source.Name()))
	}
	return t
}

// Mode returns the live mode.
func (t *FeedTracker) Mode() Mode { return t.mode }

// Source returns the followed feed.
func (t *FeedTracker) Source() FeedSource { return t.source }

func (t *FeedTracker) Start(ctx context.Context, since cursor.Cursor) error {
	if t.remote == nil || t.source == nil || t.client == nil {
		return syncErrors.E(syncErrors.OpChanges, syncErrors.Component(component), syncErrors.KindInvalid,
			"tracker needs a remote, a feed source and a client")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done != nil {
		select {
		case <-t.done:
		default:
			return syncErrors.E(syncErrors.OpChanges, syncErrors.Component(component), syncErrors.KindInvalid,
				"tracker already running")
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	t.lastSeq = since
	t.stateKnown = false

	t.logger.Info("starting change tracker",
		slog.String("mode", t.mode.String()),
		slog.Any("since", since))

	go t.run(runCtx, newRunState(since), t.done)
	return nil
}

func (t *FeedTracker) Stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (t *FeedTracker) LastSequence() cursor.Cursor {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSeq
}

func (t *FeedTracker) setLastSequence(seq cursor.Cursor) {
	t.mu.Lock()
	t.lastSeq = seq
	t.mu.Unlock()
}

func (t *FeedTracker) setState(ctx context.Context, s TrackerState) {
	if ctx.Err() != nil {
		return
	}
	t.mu.Lock()
	changed := !t.stateKnown || t.state != s
	t.state, t.stateKnown = s, true
	t.mu.Unlock()
	if changed {
		t.client.TrackerStateChanged(s)
	}
}

func (t *FeedTracker) run(ctx context.Context, rs *runState, done chan struct{}) {
	defer close(done)

	err := t.loop(ctx, rs)
	if ctx.Err() != nil {
		err = nil
	}
	if err != nil {
		t.logger.Error("change tracker gave up", slog.Any("error", err))
	} else {
		t.logger.Info("change tracker stopped", slog.Any("last_seq", t.LastSequence()))
	}
	t.client.TrackerStopped(err)
}

func (t *FeedTracker) loop(ctx context.Context, rs *runState) error {
	failures := 0
	caughtUp := false
	t.setState(ctx, StateConnecting)

	for {
		if ctx.Err() != nil {
			return nil
		}

		mode := t.mode
		if !caughtUp {
			mode = modeNormal
		}

		res, err := t.request(ctx, mode, rs)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil || res.rows > 0 {
			failures = 0
			t.backoff.Reset()
		}

		if err == nil {
			if !caughtUp && (t.limit == 0 || res.rows < t.limit) {
				caughtUp = true
				t.logger.Info("caught up with change feed", slog.Any("last_seq", rs.since))
				t.client.CaughtUp()
			}
			continue
		}

		if fatal(err) {
			return err
		}
		failures++
		if t.maxFailures > 0 && failures >= t.maxFailures {
			return syncErrors.E(syncErrors.OpChanges, syncErrors.Component(component),
				fmt.Sprintf("giving up after %d consecutive failures", failures), err)
		}

		delay := t.backoff.NextDelay(failures - 1)
		t.setState(ctx, StateRetrying)
		t.logger.Warn("change feed request failed, retrying",
			slog.Any("error", err),
			slog.Int("failures", failures),
			slog.Duration("delay", delay))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		t.setState(ctx, StateConnecting)
	}
}

// fatal reports errors retrying cannot fix: authorization failures and
// client errors such as a missing database or filter.
func fatal(err error) bool {
	if syncErrors.KindOf(err) == syncErrors.KindUnauthorized {
		return true
	}
	var se *syncErrors.SyncError
	if errors.As(err, &se) && se.StatusCode >= 400 && se.StatusCode < 500 && !se.Retryable {
		return true
	}
	return false
}

type requestResult struct {
	rows int
}

func (t *FeedTracker) params(mode Mode, since cursor.Cursor) url.Values {
	params := url.Values{}
	for k, v := range t.source.Params() {
		params[k] = append([]string(nil), v...)
	}
	params.Set("feed", mode.String())
	params.Set("style", "all_docs")
	if since != nil {
		params.Set("since", since.QueryValue())
	}
	if t.limit > 0 && (mode == modeNormal || mode == ModeLongPoll) {
		params.Set("limit", strconv.Itoa(t.limit))
	}
	if t.heartbeat > 0 && mode != modeNormal {
		params.Set("heartbeat", strconv.FormatInt(t.heartbeat.Milliseconds(), 10))
	}
	return params
}

// request performs one feed request in mode and delivers what it returns.
func (t *FeedTracker) request(ctx context.Context, mode Mode, rs *runState) (requestResult, error) {
	var res requestResult

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var decodedLimit int64
	if mode == modeNormal || mode == ModeLongPoll {
		decodedLimit = t.remote.MaxFeedBytes()
	}

	t.logger.Debug("opening change feed",
		slog.String("mode", mode.String()),
		slog.Any("since", rs.since))

	body, err := t.remote.OpenFeed(reqCtx, t.source.Path(), t.params(mode, rs.since), decodedLimit)
	if err != nil {
		return res, err
	}
	defer body.Close()

	t.setState(ctx, StateConnected)

	var r io.Reader = body
	var idle *idleReader
	if t.heartbeat > 0 {
		idle = newIdleReader(body, 2*t.heartbeat, cancel)
		defer idle.stop()
		r = idle
	}

	emit := func(e Entry) bool { return t.emit(ctx, rs, e) }

	switch mode {
	case modeNormal, ModeLongPoll:
		entries, lastSeq, err := parseResponse(r)
		if err != nil {
			return res, t.readError(ctx, idle, err)
		}
		res.rows = len(entries)
		for _, e := range entries {
			if !emit(e) {
				return res, nil
			}
		}
		if lastSeq != nil {
			rs.advance(lastSeq)
			t.setLastSequence(rs.since)
		}
		return res, nil

	default:
		read := readContinuous
		if mode == ModeEventSource {
			read = readEventSource
		}
		stats, err := read(r, t.remote.MaxLineBytes(), emit)
		res.rows = stats.rows
		if err != nil {
			return res, t.readError(ctx, idle, err)
		}
		if stats.endedWith != nil {
			rs.advance(stats.endedWith)
			t.setLastSequence(rs.since)
			return res, nil
		}
		if stats.lines == 0 && ctx.Err() == nil {
			return res, syncErrors.E(syncErrors.OpChanges, syncErrors.Component(component), syncErrors.KindTransient,
				"feed closed without sending data")
		}
		return res, nil
	}
}

// emit delivers e unless the run is over or e was already delivered.
func (t *FeedTracker) emit(ctx context.Context, rs *runState, e Entry) bool {
	if ctx.Err() != nil {
		return false
	}
	if !rs.accept(e.Sequence) {
		t.logger.Debug("skipping already delivered change",
			slog.String("doc_id", e.DocID),
			slog.Any("seq", e.Sequence))
		return true
	}
	rs.advance(e.Sequence)
	t.setLastSequence(e.Sequence)
	t.client.ChangeReceived(e)
	return true
}

func (t *FeedTracker) readError(ctx context.Context, idle *idleReader, err error) error {
	switch {
	case ctx.Err() != nil:
		return syncErrors.E(syncErrors.OpChanges, syncErrors.Component(component), syncErrors.KindCanceled, ctx.Err())
	case idle != nil && idle.fired.Load():
		return syncErrors.E(syncErrors.OpChanges, syncErrors.Component(component), syncErrors.KindTransient,
			fmt.Sprintf("no data received for %s", 2*t.heartbeat), err)
	case errors.Is(err, io.ErrUnexpectedEOF):
		return syncErrors.E(syncErrors.OpChanges, syncErrors.Component(component), syncErrors.KindTransient,
			"truncated feed", err)
	case errors.Is(err, errMalformed), errors.Is(err, bufio.ErrTooLong):
		return syncErrors.E(syncErrors.OpChanges, syncErrors.Component(component), syncErrors.KindProtocol,
			syncErrors.ErrCodeProtocolFailure, err)
	}
	return syncErrors.E(syncErrors.OpChanges, syncErrors.Component(component), syncErrors.KindTransient,
		syncErrors.ErrCodeNetworkFailure, err)
}

// runState is owned by the tracker goroutine.
type runState struct {
	since cursor.Cursor

	lastInt    uint64
	hasLastInt bool

	recent      map[string]struct{}
	recentOrder []string
}

func newRunState(since cursor.Cursor) *runState {
	rs := &runState{since: since, recent: make(map[string]struct{})}
	if ic, ok := since.(cursor.IntegerCursor); ok {
		rs.lastInt, rs.hasLastInt = ic.Seq, true
	}
	return rs
}

// accept records seq and reports whether it has not been seen in this run.
func (rs *runState) accept(seq cursor.Cursor) bool {
	if ic, ok := seq.(cursor.IntegerCursor); ok {
		if rs.hasLastInt && ic.Seq <= rs.lastInt {
			return false
		}
		rs.lastInt, rs.hasLastInt = ic.Seq, true
		return true
	}

	token := seq.Kind() + ":" + seq.QueryValue()
	if _, seen := rs.recent[token]; seen {
		return false
	}
	rs.recent[token] = struct{}{}
	rs.recentOrder = append(rs.recentOrder, token)
	if len(rs.recentOrder) > recentWindow {
		delete(rs.recent, rs.recentOrder[0])
		rs.recentOrder = rs.recentOrder[1:]
	}
	return true
}

// advance moves the resume point forward. Integer sequences never move back.
func (rs *runState) advance(seq cursor.Cursor) {
	if seq == nil {
		return
	}
	if ic, ok := seq.(cursor.IntegerCursor); ok {
		if rs.hasLastInt && ic.Seq < rs.lastInt {
			return
		}
		rs.lastInt, rs.hasLastInt = ic.Seq, true
	}
	rs.since = seq
}

// idleReader cancels the request when no bytes arrive for timeout.
type idleReader struct {
	r       io.Reader
	timeout time.Duration
	timer   *time.Timer
	fired   atomic.Bool
}

func newIdleReader(r io.Reader, timeout time.Duration, onIdle func()) *idleReader {
	ir := &idleReader{r: r, timeout: timeout}
	ir.timer = time.AfterFunc(timeout, func() {
		ir.fired.Store(true)
		onIdle()
	})
	return ir
}

func (ir *idleReader) Read(p []byte) (int, error) {
	n, err := ir.r.Read(p)
	if n > 0 && !ir.fired.Load() {
		ir.timer.Reset(ir.timeout)
	}
	return n, err
}

func (ir *idleReader) stop() { ir.timer.Stop() }

// Package httptransport is the HTTP client for the remote CouchDB-protocol
// source: change feed requests, revision and attachment fetches, and server
// and database info.
package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	syncErrors "github.com/c0deZ3R0/couchpull/errors"
	"github.com/c0deZ3R0/couchpull/logging"
	"github.com/c0deZ3R0/couchpull/revision"
	"github.com/c0deZ3R0/couchpull/storage"
)

const (
	component       = "transport"
	errorBodyLimit  = 4 << 10
	contentTypeJSON = "application/json"
)

// Client talks to one remote database.
type Client struct {
	dbURL     *url.URL
	serverURL *url.URL
	http      *http.Client
	options   *ClientOptions
	logger    *slog.Logger
}

// NewClient creates a client for the database at databaseURL. Credentials in
// the URL are moved into basic auth unless options supply their own.
func NewClient(databaseURL string, opts ...ClientOption) (*Client, error) {
	options := applyClientOptions(opts...)
	if err := ValidateClientOptions(options); err != nil {
		return nil, syncErrors.E(syncErrors.OpTransport, syncErrors.Component(component), syncErrors.KindInvalid, err)
	}

	u, err := url.Parse(strings.TrimSuffix(databaseURL, "/"))
	if err != nil {
		return nil, syncErrors.E(syncErrors.OpTransport, syncErrors.Component(component), syncErrors.KindInvalid,
			"invalid database URL", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, syncErrors.E(syncErrors.OpTransport, syncErrors.Component(component), syncErrors.KindInvalid,
			fmt.Sprintf("unsupported URL scheme %q", u.Scheme))
	}
	if u.Path == "" || u.Path == "/" {
		return nil, syncErrors.E(syncErrors.OpTransport, syncErrors.Component(component), syncErrors.KindInvalid,
			"database URL has no database name")
	}

	if u.User != nil {
		if options.Username == "" {
			options.Username = u.User.Username()
			options.Password, _ = u.User.Password()
		}
		u.User = nil
	}
	u.RawQuery, u.Fragment = "", ""

	server := *u
	server.Path = path.Dir(u.Path)
	server.RawPath = ""
	if !strings.HasSuffix(server.Path, "/") {
		server.Path += "/"
	}

	httpClient := options.HTTPClient
	if httpClient == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		// Compression is negotiated explicitly so size limits apply to the
		// decoded stream as well.
		tr.DisableCompression = true
		httpClient = &http.Client{Transport: tr}
	}

	return &Client{
		dbURL:     u,
		serverURL: &server,
		http:      httpClient,
		options:   options,
		logger:    logging.Or(options.Logger, logging.ComponentTransport),
	}, nil
}

// DatabaseURL returns the database URL without credentials.
func (c *Client) DatabaseURL() string { return c.dbURL.String() }

// Options returns the effective client options.
func (c *Client) Options() ClientOptions { return *c.options }

// EscapeDocID escapes a document ID for use as a path segment. Design
// document IDs keep their "_design/" prefix unescaped.
func EscapeDocID(docID string) string {
	if rest, ok := strings.CutPrefix(docID, "_design/"); ok {
		return "_design/" + url.PathEscape(rest)
	}
	return url.PathEscape(docID)
}

func (c *Client) databaseURL(relPath string, params url.Values) string {
	s := c.dbURL.String()
	if relPath != "" {
		s += "/" + relPath
	}
	if len(params) > 0 {
		s += "?" + params.Encode()
	}
	return s
}

func (c *Client) newRequest(ctx context.Context, method, rawURL string, body []byte) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, r)
	if err != nil {
		return nil, syncErrors.E(syncErrors.OpTransport, syncErrors.Component(component), syncErrors.KindInvalid,
			"failed to create request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", contentTypeJSON)
	}
	for k, vs := range c.options.Headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", contentTypeJSON)
	}
	if c.options.CompressionEnabled {
		req.Header.Set("Accept-Encoding", "gzip")
	}
	if c.options.UserAgent != "" {
		req.Header.Set("User-Agent", c.options.UserAgent)
	}
	if c.options.Username != "" {
		req.SetBasicAuth(c.options.Username, c.options.Password)
	}
	return req, nil
}

// do sends req and turns transport failures and non-2xx statuses into
// classified errors. On success the caller owns resp.Body.
func (c *Client) do(ctx context.Context, op syncErrors.Operation, req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		switch {
		case errors.Is(ctx.Err(), context.Canceled):
			return nil, syncErrors.E(op, syncErrors.Component(component), syncErrors.KindCanceled, ctx.Err())
		case ctx.Err() != nil:
			return nil, syncErrors.E(op, syncErrors.Component(component), syncErrors.KindTransient,
				fmt.Sprintf("request to %s timed out", req.URL.Redacted()), err)
		}
		return nil, syncErrors.E(op, syncErrors.Component(component), syncErrors.KindTransient, syncErrors.ErrCodeNetworkFailure,
			fmt.Sprintf("request to %s failed", req.URL.Redacted()), err)
	}

	c.logger.Debug("HTTP request completed",
		slog.String("url", req.URL.Redacted()),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return nil, syncErrors.FromHTTPStatus(op, component, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, op syncErrors.Operation, rawURL string, out any) error {
	return c.roundTripJSON(ctx, op, http.MethodGet, rawURL, nil, out)
}

func (c *Client) postJSON(ctx context.Context, op syncErrors.Operation, rawURL string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return syncErrors.E(op, syncErrors.Component(component), syncErrors.KindInvalid, err)
	}
	return c.roundTripJSON(ctx, op, http.MethodPost, rawURL, body, out)
}

func (c *Client) roundTripJSON(ctx context.Context, op syncErrors.Operation, method, rawURL string, body []byte, out any) error {
	if c.options.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.options.RequestTimeout)
		defer cancel()
	}

	req, err := c.newRequest(ctx, method, rawURL, body)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, op, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	reader, cleanup, err := bodyReader(resp, c.options.Limits.MaxBodyBytes, c.options.Limits.MaxDecompressedBytes)
	if err != nil {
		return syncErrors.E(op, syncErrors.Component(component), syncErrors.KindInvalid, err)
	}
	defer cleanup()

	if err := json.NewDecoder(reader).Decode(out); err != nil {
		return c.classifyReadError(ctx, op, err)
	}
	return nil
}

func (c *Client) classifyReadError(ctx context.Context, op syncErrors.Operation, err error) error {
	switch {
	case ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled):
		return syncErrors.E(op, syncErrors.Component(component), syncErrors.KindCanceled, ctx.Err())
	case ctx.Err() != nil:
		return syncErrors.E(op, syncErrors.Component(component), syncErrors.KindTransient, "read timed out", err)
	case errors.Is(err, errResponseTooLarge):
		return syncErrors.E(op, syncErrors.Component(component), syncErrors.KindInvalid, err)
	case errors.Is(err, io.ErrUnexpectedEOF):
		return syncErrors.E(op, syncErrors.Component(component), syncErrors.KindTransient, "truncated response", err)
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, io.EOF) {
		return syncErrors.E(op, syncErrors.Component(component), syncErrors.KindInvalid, "malformed response", err)
	}
	// Anything else happened while reading the socket.
	return syncErrors.E(op, syncErrors.Component(component), syncErrors.KindTransient, err)
}

// OpenFeed issues a GET on relPath under the database and returns the decoded
// body. No request timeout is applied; the caller bounds the request with ctx
// and must close the returned reader. A decodedLimit of 0 leaves the body
// unbounded.
func (c *Client) OpenFeed(ctx context.Context, relPath string, params url.Values, decodedLimit int64) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.databaseURL(relPath, params), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, syncErrors.OpChanges, req)
	if err != nil {
		return nil, err
	}

	reader, cleanup, err := bodyReader(resp, 0, decodedLimit)
	if err != nil {
		resp.Body.Close()
		return nil, syncErrors.E(syncErrors.OpChanges, syncErrors.Component(component), syncErrors.KindProtocol, err)
	}
	return &feedBody{Reader: reader, cleanup: cleanup, body: resp.Body}, nil
}

type feedBody struct {
	io.Reader
	cleanup func()
	body    io.Closer
}

func (f *feedBody) Close() error {
	f.cleanup()
	return f.body.Close()
}

// MaxLineBytes returns the per-line limit for streamed feeds.
func (c *Client) MaxLineBytes() int { return c.options.Limits.MaxLineBytes }

// MaxFeedBytes returns the size limit for a single non-streamed feed response.
func (c *Client) MaxFeedBytes() int64 { return c.options.Limits.MaxDecompressedBytes }

// IsContextError reports whether err came from ctx being done.
func IsContextError(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
		syncErrors.KindOf(err) == syncErrors.KindCanceled)
}

// ServerInfo fetches the server welcome document.
func (c *Client) ServerInfo(ctx context.Context) (*ServerInfo, error) {
	var info ServerInfo
	if err := c.getJSON(ctx, syncErrors.OpTransport, c.serverURL.String(), &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// DatabaseInfo fetches the database info document.
func (c *Client) DatabaseInfo(ctx context.Context) (*DatabaseInfo, error) {
	var info DatabaseInfo
	if err := c.getJSON(ctx, syncErrors.OpTransport, c.databaseURL("", nil), &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetRevision fetches revID of docID with its revision history. When
// attsSince is non-empty attachments newer than those revisions are inlined;
// the others come back as stubs.
func (c *Client) GetRevision(ctx context.Context, docID, revID string, attsSince []string) (*storage.Revision, error) {
	params := url.Values{}
	params.Set("rev", revID)
	params.Set("revs", "true")
	if len(attsSince) > 0 {
		encoded, err := json.Marshal(attsSince)
		if err != nil {
			return nil, syncErrors.E(syncErrors.OpFetch, syncErrors.Component(component), syncErrors.KindInvalid, err)
		}
		params.Set("attachments", "true")
		params.Set("atts_since", string(encoded))
	}

	var raw map[string]json.RawMessage
	if err := c.getJSON(ctx, syncErrors.OpFetch, c.databaseURL(EscapeDocID(docID), params), &raw); err != nil {
		return nil, err
	}

	rev, err := parseRevision(raw)
	if err != nil {
		return nil, syncErrors.E(syncErrors.OpFetch, syncErrors.Component(component), syncErrors.KindInvalid,
			fmt.Sprintf("malformed revision %s/%s", docID, revID), err)
	}
	if rev.DocID != docID || rev.RevID != revID {
		return nil, syncErrors.E(syncErrors.OpFetch, syncErrors.Component(component), syncErrors.KindInvalid,
			fmt.Sprintf("requested %s/%s but received %s/%s", docID, revID, rev.DocID, rev.RevID))
	}
	return rev, nil
}

func parseRevision(raw map[string]json.RawMessage) (*storage.Revision, error) {
	rev := &storage.Revision{Body: make(map[string]any)}

	for key, value := range raw {
		switch key {
		case "_id":
			if err := json.Unmarshal(value, &rev.DocID); err != nil {
				return nil, fmt.Errorf("_id: %w", err)
			}
		case "_rev":
			if err := json.Unmarshal(value, &rev.RevID); err != nil {
				return nil, fmt.Errorf("_rev: %w", err)
			}
		case "_deleted":
			if err := json.Unmarshal(value, &rev.Deleted); err != nil {
				return nil, fmt.Errorf("_deleted: %w", err)
			}
		case "_revisions":
			var revs revisionsField
			if err := json.Unmarshal(value, &revs); err != nil {
				return nil, fmt.Errorf("_revisions: %w", err)
			}
			history, err := revision.HistoryFromRevisions(revs.Start, revs.IDs)
			if err != nil {
				return nil, err
			}
			rev.History = history
		case "_attachments":
			var atts map[string]attachmentField
			if err := json.Unmarshal(value, &atts); err != nil {
				return nil, fmt.Errorf("_attachments: %w", err)
			}
			rev.Attachments = make(map[string]storage.Attachment, len(atts))
			for name, a := range atts {
				att := storage.Attachment{
					Name:        name,
					ContentType: a.ContentType,
					Digest:      a.Digest,
					Length:      a.Length,
					RevPos:      a.RevPos,
					Stub:        a.Stub || a.Data == nil,
					Data:        a.Data,
				}
				if att.Stub {
					att.Data = nil
				}
				rev.Attachments[name] = att
			}
		default:
			if strings.HasPrefix(key, "_") {
				continue
			}
			var v any
			if err := json.Unmarshal(value, &v); err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			rev.Body[key] = v
		}
	}

	if rev.DocID == "" || rev.RevID == "" {
		return nil, fmt.Errorf("missing _id or _rev")
	}
	if len(rev.History) > 0 && rev.History[0] != rev.RevID {
		return nil, fmt.Errorf("_revisions does not start at %s", rev.RevID)
	}
	return rev, nil
}

// GetAttachment downloads one attachment of revID.
func (c *Client) GetAttachment(ctx context.Context, docID, name, revID string) ([]byte, string, error) {
	if c.options.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.options.RequestTimeout)
		defer cancel()
	}

	params := url.Values{"rev": {revID}}
	req, err := c.newRequest(ctx, http.MethodGet, c.databaseURL(EscapeDocID(docID)+"/"+escapeAttachmentName(name), params), nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Accept", "*/*")

	resp, err := c.do(ctx, syncErrors.OpAttachment, req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	limit := c.options.Limits.MaxAttachmentBytes
	reader, cleanup, err := bodyReader(resp, limit, limit)
	if err != nil {
		return nil, "", syncErrors.E(syncErrors.OpAttachment, syncErrors.Component(component), syncErrors.KindInvalid, err)
	}
	defer cleanup()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, "", c.classifyReadError(ctx, syncErrors.OpAttachment, err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func escapeAttachmentName(name string) string {
	parts := strings.Split(name, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

package httptransport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	syncErrors "github.com/c0deZ3R0/couchpull/errors"
	"github.com/c0deZ3R0/couchpull/storage"
)

// GetRevisions fetches refs with one POST to _bulk_get, attachments inlined.
// Results come back in input order. A whole-request error means nothing was
// fetched; servers without _bulk_get answer 404, 405 or 400.
func (c *Client) GetRevisions(ctx context.Context, refs []storage.RevisionRef) ([]storage.FetchResult, error) {
	body := bulkGetRequest{Docs: make([]bulkGetRef, len(refs))}
	for i, ref := range refs {
		body.Docs[i] = bulkGetRef{ID: ref.DocID, Rev: ref.RevID}
	}
	params := url.Values{}
	params.Set("revs", "true")
	params.Set("attachments", "true")

	var resp bulkGetResponse
	if err := c.postJSON(ctx, syncErrors.OpFetch, c.databaseURL("_bulk_get", params), body, &resp); err != nil {
		return nil, err
	}

	byRef := make(map[storage.RevisionRef]storage.FetchResult, len(refs))
	for _, result := range resp.Results {
		for _, d := range result.Docs {
			switch {
			case d.Error != nil:
				ref := storage.RevisionRef{DocID: d.Error.ID, RevID: d.Error.Rev}
				if ref.DocID == "" {
					ref.DocID = result.ID
				}
				byRef[ref] = storage.FetchResult{RevisionRef: ref, Err: bulkItemError(d.Error)}
			case d.OK != nil:
				rev, err := parseRevision(d.OK)
				if err != nil {
					return nil, syncErrors.E(syncErrors.OpFetch, syncErrors.Component(component), syncErrors.KindInvalid,
						fmt.Sprintf("malformed revision of %s in _bulk_get response", result.ID), err)
				}
				ref := storage.RevisionRef{DocID: rev.DocID, RevID: rev.RevID}
				byRef[ref] = storage.FetchResult{RevisionRef: ref, Rev: rev}
			}
		}
	}

	out := make([]storage.FetchResult, len(refs))
	for i, ref := range refs {
		r, ok := byRef[ref]
		if !ok {
			r = storage.FetchResult{RevisionRef: ref, Err: syncErrors.E(syncErrors.OpFetch, syncErrors.Component(component),
				syncErrors.KindTransient, fmt.Sprintf("%s/%s missing from _bulk_get response", ref.DocID, ref.RevID))}
		}
		out[i] = r
	}
	return out, nil
}

func bulkItemError(e *bulkGetError) error {
	status := http.StatusInternalServerError
	switch e.Error {
	case "not_found":
		status = http.StatusNotFound
	case "unauthorized":
		status = http.StatusUnauthorized
	case "forbidden":
		status = http.StatusForbidden
	case "bad_request":
		status = http.StatusBadRequest
	}
	err := syncErrors.FromHTTPStatus(syncErrors.OpFetch, component, status, e.Error+": "+e.Reason)
	return syncErrors.Annotate(err, "doc_id", e.ID)
}

// ViewDocIDs returns the IDs of the documents a view currently emits.
// queryPath is relative to the database URL.
func (c *Client) ViewDocIDs(ctx context.Context, queryPath string) ([]string, error) {
	var resp viewResponse
	if err := c.getJSON(ctx, syncErrors.OpView, c.databaseURL(queryPath, nil), &resp); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(resp.Rows))
	seen := make(map[string]bool, len(resp.Rows))
	for _, row := range resp.Rows {
		if row.ID == "" || seen[row.ID] {
			continue
		}
		seen[row.ID] = true
		ids = append(ids, row.ID)
	}
	return ids, nil
}

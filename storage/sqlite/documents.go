package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	syncErrors "github.com/c0deZ3R0/couchpull/errors"
	"github.com/c0deZ3R0/couchpull/storage"
)

// GetDocument returns the winning revision of docID with attachment data.
func (s *Store) GetDocument(ctx context.Context, docID string) (*storage.Document, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	doc := &storage.Document{ID: docID}
	var body sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT d.current_rev, d.deleted, r.body
		FROM docs d JOIN revs r ON r.doc_id = d.doc_id AND r.rev_id = d.current_rev
		WHERE d.doc_id = ?`, docID).Scan(&doc.Rev, &doc.Deleted, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, syncErrors.E(syncErrors.Op(opGetDocument), syncErrors.Component(componentName), syncErrors.KindNotFound,
			fmt.Sprintf("document %q not found", docID))
	}
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, opGetDocument, componentName)
	}

	if body.Valid && body.String != "" && body.String != "null" {
		if err := json.Unmarshal([]byte(body.String), &doc.Body); err != nil {
			return nil, syncErrors.WrapOpComponentKind(err, opGetDocument, componentName, syncErrors.KindInternal)
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT ra.name, ra.digest, ra.content_type, ra.length, ra.revpos, a.data
		FROM rev_attachments ra JOIN attachments a ON a.digest = ra.digest
		WHERE ra.doc_id = ? AND ra.rev_id = ?`, docID, doc.Rev)
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, opGetDocument, componentName)
	}
	defer rows.Close()

	for rows.Next() {
		var att storage.Attachment
		var contentType sql.NullString
		if err := rows.Scan(&att.Name, &att.Digest, &contentType, &att.Length, &att.RevPos, &att.Data); err != nil {
			return nil, syncErrors.WrapOpComponent(err, opGetDocument, componentName)
		}
		att.ContentType = contentType.String
		if doc.Attachments == nil {
			doc.Attachments = make(map[string]storage.Attachment)
		}
		doc.Attachments[att.Name] = att
	}
	if err := rows.Err(); err != nil {
		return nil, syncErrors.WrapOpComponent(err, opGetDocument, componentName)
	}
	return doc, nil
}

// DocumentIDs returns the IDs of all live documents in sorted order.
func (s *Store) DocumentIDs(ctx context.Context) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT doc_id FROM docs WHERE deleted = 0 ORDER BY doc_id`)
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, opDocumentIDs, componentName)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, syncErrors.WrapOpComponent(err, opDocumentIDs, componentName)
		}
		ids = append(ids, id)
	}
	return ids, syncErrors.WrapOpComponent(rows.Err(), opDocumentIDs, componentName)
}

// EvictDocuments purges ids with every revision and attachment reference.
// Attachment blobs are left for other revisions that share their digest.
func (s *Store) EvictDocuments(ctx context.Context, ids []string) (n int, err error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, syncErrors.WrapOpComponent(err, opEvict, componentName)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	for _, id := range ids {
		var res sql.Result
		res, err = tx.ExecContext(ctx, `DELETE FROM docs WHERE doc_id = ?`, id)
		if err != nil {
			return 0, syncErrors.WrapOpComponent(err, opEvict, componentName)
		}
		if affected, _ := res.RowsAffected(); affected > 0 {
			n++
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM revs WHERE doc_id = ?`, id); err != nil {
			return 0, syncErrors.WrapOpComponent(err, opEvict, componentName)
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM rev_attachments WHERE doc_id = ?`, id); err != nil {
			return 0, syncErrors.WrapOpComponent(err, opEvict, componentName)
		}
	}

	if err = tx.Commit(); err != nil {
		return 0, syncErrors.WrapOpComponent(err, opEvict, componentName)
	}
	return n, nil
}

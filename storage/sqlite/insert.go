package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	syncErrors "github.com/c0deZ3R0/couchpull/errors"
	"github.com/c0deZ3R0/couchpull/revision"
	"github.com/c0deZ3R0/couchpull/storage"
)

// BulkInsertRevisions stores revs in one transaction. Each revision runs in
// its own savepoint so a rejected revision does not affect the others.
func (s *Store) BulkInsertRevisions(ctx context.Context, revs []*storage.Revision) ([]storage.InsertResult, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, syncErrors.WrapOpComponentKind(err, opBulkInsert, componentName, syncErrors.KindCanceled)
	}
	if len(revs) == 0 {
		return nil, nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, syncErrors.WrapOpComponent(fmt.Errorf("failed to begin batch transaction: %w", err), opBulkInsert, componentName)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	results := make([]storage.InsertResult, len(revs))
	for i, rev := range revs {
		if rev != nil {
			results[i].DocID, results[i].RevID = rev.DocID, rev.RevID
		}
		if verr := s.precheck(rev); verr != nil {
			results[i].Err = verr
			continue
		}

		savepoint := fmt.Sprintf("rev_%d", i)
		if _, err = tx.ExecContext(ctx, "SAVEPOINT "+savepoint); err != nil {
			return nil, syncErrors.WrapOpComponent(err, opBulkInsert, componentName)
		}

		if ierr := insertRevision(ctx, tx, rev); ierr != nil {
			results[i].Err = ierr
			if _, err = tx.ExecContext(ctx, "ROLLBACK TO "+savepoint); err != nil {
				return nil, syncErrors.WrapOpComponent(err, opBulkInsert, componentName)
			}
		}
		if _, err = tx.ExecContext(ctx, "RELEASE "+savepoint); err != nil {
			return nil, syncErrors.WrapOpComponent(err, opBulkInsert, componentName)
		}
	}

	if err = tx.Commit(); err != nil {
		return nil, syncErrors.WrapOpComponent(fmt.Errorf("failed to commit batch transaction: %w", err), opBulkInsert, componentName)
	}

	s.logger.Debug("Inserted revisions", slog.Int("count", len(revs)))
	return results, nil
}

func (s *Store) precheck(rev *storage.Revision) error {
	if err := storage.ValidateRevision(rev); err != nil {
		return err
	}
	if s.validate == nil {
		return nil
	}
	if err := s.validate(rev); err != nil {
		if syncErrors.KindOf(err) != syncErrors.KindOther {
			return syncErrors.E(syncErrors.Op(opBulkInsert), syncErrors.Component(componentName), err)
		}
		return syncErrors.E(syncErrors.Op(opBulkInsert), syncErrors.Component(componentName), syncErrors.KindConflict, err)
	}
	return nil
}

func insertRevision(ctx context.Context, tx *sql.Tx, rev *storage.Revision) error {
	wrap := func(err error) error {
		return syncErrors.WrapOpComponentKind(err, opBulkInsert, componentName, syncErrors.KindInternal)
	}

	for name, att := range rev.Attachments {
		if !att.Stub {
			continue
		}
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM attachments WHERE digest = ?`, att.Digest).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return syncErrors.E(syncErrors.Op(opBulkInsert), syncErrors.Component(componentName), syncErrors.KindInvalid,
				fmt.Sprintf("attachment %q of %s/%s references unknown digest %s", name, rev.DocID, rev.RevID, att.Digest))
		}
		if err != nil {
			return wrap(err)
		}
	}

	var stub bool
	err := tx.QueryRowContext(ctx,
		`SELECT stub FROM revs WHERE doc_id = ? AND rev_id = ?`, rev.DocID, rev.RevID).Scan(&stub)
	switch {
	case err == nil && !stub:
		return nil
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return wrap(err)
	}

	history := storage.NormalizedHistory(rev)
	for i := len(history) - 1; i >= 0; i-- {
		id := history[i]
		var parent sql.NullString
		if i+1 < len(history) {
			parent = sql.NullString{String: history[i+1], Valid: true}
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO revs (doc_id, rev_id, parent_rev, generation, stub) VALUES (?, ?, ?, ?, 1)`,
			rev.DocID, id, parent, revision.Generation(id)); err != nil {
			return wrap(err)
		}
		if parent.Valid {
			if _, err := tx.ExecContext(ctx,
				`UPDATE revs SET parent_rev = ? WHERE doc_id = ? AND rev_id = ? AND parent_rev IS NULL`,
				parent, rev.DocID, id); err != nil {
				return wrap(err)
			}
		}
	}

	body, err := json.Marshal(rev.Body)
	if err != nil {
		return syncErrors.WrapOpComponentKind(err, opBulkInsert, componentName, syncErrors.KindInvalid)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE revs SET stub = 0, deleted = ?, body = ? WHERE doc_id = ? AND rev_id = ?`,
		rev.Deleted, string(body), rev.DocID, rev.RevID); err != nil {
		return wrap(err)
	}

	for name, att := range rev.Attachments {
		if !att.Stub {
			if att.Digest == "" {
				att.Digest = storage.AttachmentDigest(att.Data)
			}
			att.Length = int64(len(att.Data))
			if _, err := tx.ExecContext(ctx,
				`INSERT OR REPLACE INTO attachments (digest, content_type, length, data) VALUES (?, ?, ?, ?)`,
				att.Digest, att.ContentType, att.Length, att.Data); err != nil {
				return wrap(err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO rev_attachments (doc_id, rev_id, name, digest, content_type, length, revpos)
			 SELECT ?, ?, ?, digest, COALESCE(NULLIF(?, ''), content_type), length, ? FROM attachments WHERE digest = ?`,
			rev.DocID, rev.RevID, name, att.ContentType, att.RevPos, att.Digest); err != nil {
			return wrap(err)
		}
	}

	return updateWinner(ctx, tx, rev.DocID)
}

func updateWinner(ctx context.Context, tx *sql.Tx, docID string) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT r.rev_id, r.deleted FROM revs r
		WHERE r.doc_id = ? AND NOT EXISTS (
			SELECT 1 FROM revs c WHERE c.doc_id = r.doc_id AND c.parent_rev = r.rev_id
		)`, docID)
	if err != nil {
		return syncErrors.WrapOpComponent(err, opBulkInsert, componentName)
	}

	var leaves []revision.Leaf
	for rows.Next() {
		var leaf revision.Leaf
		if err := rows.Scan(&leaf.RevID, &leaf.Deleted); err != nil {
			rows.Close()
			return syncErrors.WrapOpComponent(err, opBulkInsert, componentName)
		}
		leaves = append(leaves, leaf)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return syncErrors.WrapOpComponent(err, opBulkInsert, componentName)
	}

	winner, ok := revision.Winner(leaves)
	if !ok {
		return nil
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO docs (doc_id, current_rev, deleted) VALUES (?, ?, ?)
		ON CONFLICT(doc_id) DO UPDATE SET current_rev = excluded.current_rev, deleted = excluded.deleted`,
		docID, winner.RevID, winner.Deleted)
	return syncErrors.WrapOpComponent(err, opBulkInsert, componentName)
}

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/c0deZ3R0/couchpull/cursor"
	syncErrors "github.com/c0deZ3R0/couchpull/errors"
	"github.com/c0deZ3R0/couchpull/storage"
)

// LoadCheckpoint returns the sequence stored under key, or nil.
func (s *Store) LoadCheckpoint(ctx context.Context, key string) (cursor.Cursor, error) {
	cp, err := s.Checkpoint(ctx, key)
	if err != nil || cp == nil {
		return nil, err
	}
	return cp.LastSequence, nil
}

// Checkpoint returns the full checkpoint record for key, or nil.
func (s *Store) Checkpoint(ctx context.Context, key string) (*storage.Checkpoint, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var encoded, updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT last_seq, updated_at FROM checkpoints WHERE key = ?`, key).Scan(&encoded, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, opLoadCheckpoint, componentName)
	}

	seq, err := cursor.Decode(encoded)
	if err != nil {
		return nil, syncErrors.WrapOpComponentKind(err, opLoadCheckpoint, componentName, syncErrors.KindInternal)
	}
	cp := &storage.Checkpoint{Key: key, LastSequence: seq}
	cp.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return cp, nil
}

// SaveCheckpoint upserts the sequence stored under key.
func (s *Store) SaveCheckpoint(ctx context.Context, key string, seq cursor.Cursor) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	encoded, err := cursor.Encode(seq)
	if err != nil {
		return syncErrors.WrapOpComponentKind(err, opSaveCheckpoint, componentName, syncErrors.KindInvalid)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (key, last_seq, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET last_seq = excluded.last_seq, updated_at = excluded.updated_at`,
		key, encoded, time.Now().UTC().Format(time.RFC3339Nano))
	return syncErrors.WrapOpComponent(err, opSaveCheckpoint, componentName)
}

// Package sqlite provides a SQLite implementation of the replication target:
// revision trees, attachment blobs and checkpoints in one database file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	stdSync "sync"
	"time"

	syncErrors "github.com/c0deZ3R0/couchpull/errors"
	"github.com/c0deZ3R0/couchpull/logging"
	"github.com/c0deZ3R0/couchpull/revision"
	"github.com/c0deZ3R0/couchpull/storage"

	// Go SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

// Operation constants for consistent error reporting
const (
	opOpen           = "sqlite.Open"
	opHasRevision    = "sqlite.HasRevision"
	opDocumentState  = "sqlite.DocumentState"
	opBulkInsert     = "sqlite.BulkInsertRevisions"
	opLoadAttachment = "sqlite.LoadAttachmentByDigest"
	opAncestors      = "sqlite.PossibleAncestors"
	opGetDocument    = "sqlite.GetDocument"
	opDocumentIDs    = "sqlite.DocumentIDs"
	opLoadCheckpoint = "sqlite.LoadCheckpoint"
	opSaveCheckpoint = "sqlite.SaveCheckpoint"
	opEvict          = "sqlite.EvictDocuments"
	componentName    = "storage/sqlite"
)

var (
	ErrStoreClosed = errors.New("store is closed")
)

// Config holds configuration options for the Store.
//
// Defaults applied by DefaultConfig():
//   - WAL mode enabled
//   - Connection pool with 25 max open, 5 max idle connections
//   - Connection lifetimes of 1 hour max, 5 minutes max idle
type Config struct {
	// DataSourceName is the connection string for the SQLite database.
	// Example: "file:replica.db?_journal_mode=WAL"
	DataSourceName string

	// EnableWAL appends "_journal_mode=WAL" to DataSourceName.
	EnableWAL bool

	// Logger receives diagnostics. Defaults to the package logger.
	Logger *slog.Logger

	// Validate is run for every incoming revision; a non-nil error rejects it.
	Validate func(*storage.Revision) error

	MaxOpenConns    int           // Default: 25
	MaxIdleConns    int           // Default: 5
	ConnMaxLifetime time.Duration // Default: 1h
	ConnMaxIdleTime time.Duration // Default: 5m
}

// setDefaults applies default values to the config
func (c *Config) setDefaults() {
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	// Every connection to :memory: opens a distinct database.
	if strings.Contains(c.DataSourceName, ":memory:") || strings.Contains(c.DataSourceName, "mode=memory") {
		c.MaxOpenConns = 1
		c.MaxIdleConns = 1
		c.ConnMaxLifetime = 0
		c.ConnMaxIdleTime = 0
	}
	if c.EnableWAL && !strings.Contains(c.DataSourceName, "_journal_mode=") {
		sep := "?"
		if strings.Contains(c.DataSourceName, "?") {
			sep = "&"
		}
		c.DataSourceName += sep + "_journal_mode=WAL"
	}
}

// DefaultConfig returns a Config with WAL and pool defaults.
func DefaultConfig(dataSourceName string) *Config {
	config := &Config{
		DataSourceName: dataSourceName,
		EnableWAL:      true,
	}
	config.setDefaults()
	return config
}

// NewWithDataSource is a convenience constructor
func NewWithDataSource(dataSourceName string) (*Store, error) {
	return New(DefaultConfig(dataSourceName))
}

// Store implements storage.LocalStore and storage.CheckpointStore.
type Store struct {
	db       *sql.DB
	mu       stdSync.RWMutex
	writeMu  stdSync.Mutex
	closed   bool
	logger   *slog.Logger
	validate func(*storage.Revision) error
}

var (
	_ storage.LocalStore      = (*Store)(nil)
	_ storage.AncestorFinder  = (*Store)(nil)
	_ storage.DocumentReader  = (*Store)(nil)
	_ storage.CheckpointStore = (*Store)(nil)
	_ storage.Evictor         = (*Store)(nil)
)

// New opens the database described by config and creates the schema.
func New(config *Config) (*Store, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	config.setDefaults()

	if config.DataSourceName == "" {
		return nil, fmt.Errorf("DataSourceName is required")
	}

	logger := logging.Or(config.Logger, logging.ComponentSQLite)
	logger.Info("Opening SQLite database",
		slog.String("data_source", config.DataSourceName),
		slog.Bool("wal_enabled", config.EnableWAL),
	)

	db, err := sql.Open("sqlite3", config.DataSourceName)
	if err != nil {
		return nil, syncErrors.WrapOpComponent(fmt.Errorf("failed to open sqlite database: %w", err), opOpen, componentName)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, syncErrors.WrapOpComponent(fmt.Errorf("failed to connect to sqlite database: %w", err), opOpen, componentName)
	}

	store := &Store{
		db:       db,
		logger:   logger,
		validate: config.Validate,
	}

	if err := store.setupSchema(); err != nil {
		db.Close()
		return nil, syncErrors.WrapOpComponent(fmt.Errorf("failed to setup database schema: %w", err), opOpen, componentName)
	}

	logger.Debug("SQLite store initialized",
		slog.Int("max_open_conns", config.MaxOpenConns),
		slog.Int("max_idle_conns", config.MaxIdleConns),
	)
	return store, nil
}

func (s *Store) setupSchema() error {
	query := `
    CREATE TABLE IF NOT EXISTS docs (
        doc_id       TEXT PRIMARY KEY,
        current_rev  TEXT NOT NULL,
        deleted      INTEGER NOT NULL DEFAULT 0
    );
    CREATE TABLE IF NOT EXISTS revs (
        doc_id       TEXT NOT NULL,
        rev_id       TEXT NOT NULL,
        parent_rev   TEXT,
        generation   INTEGER NOT NULL,
        deleted      INTEGER NOT NULL DEFAULT 0,
        stub         INTEGER NOT NULL DEFAULT 1,
        body         TEXT,
        PRIMARY KEY (doc_id, rev_id)
    );
    CREATE INDEX IF NOT EXISTS idx_revs_parent ON revs (doc_id, parent_rev);
    CREATE TABLE IF NOT EXISTS attachments (
        digest        TEXT PRIMARY KEY,
        content_type  TEXT,
        length        INTEGER NOT NULL,
        data          BLOB NOT NULL
    );
    CREATE TABLE IF NOT EXISTS rev_attachments (
        doc_id        TEXT NOT NULL,
        rev_id        TEXT NOT NULL,
        name          TEXT NOT NULL,
        digest        TEXT NOT NULL,
        content_type  TEXT,
        length        INTEGER NOT NULL,
        revpos        INTEGER NOT NULL DEFAULT 0,
        PRIMARY KEY (doc_id, rev_id, name)
    );
    CREATE TABLE IF NOT EXISTS checkpoints (
        key         TEXT PRIMARY KEY,
        last_seq    TEXT NOT NULL,
        updated_at  TEXT NOT NULL
    );
    `
	_, err := s.db.Exec(query)
	return err
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func (s *Store) HasRevision(ctx context.Context, docID, revID string) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}

	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM revs WHERE doc_id = ? AND rev_id = ?`, docID, revID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, syncErrors.WrapOpComponent(err, opHasRevision, componentName)
	}
	return true, nil
}

func (s *Store) DocumentState(ctx context.Context, docID string) (storage.DocumentState, error) {
	if err := s.checkOpen(); err != nil {
		return storage.DocumentState{}, err
	}

	state := storage.DocumentState{Exists: true}
	err := s.db.QueryRowContext(ctx,
		`SELECT current_rev, deleted FROM docs WHERE doc_id = ?`, docID).Scan(&state.CurrentRev, &state.Deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.DocumentState{}, nil
	}
	if err != nil {
		return storage.DocumentState{}, syncErrors.WrapOpComponent(err, opDocumentState, componentName)
	}
	return state, nil
}

func (s *Store) LoadAttachmentByDigest(ctx context.Context, digest string) ([]byte, bool, error) {
	if err := s.checkOpen(); err != nil {
		return nil, false, err
	}

	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM attachments WHERE digest = ?`, digest).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, syncErrors.WrapOpComponent(err, opLoadAttachment, componentName)
	}
	return data, true, nil
}

// PossibleAncestors returns revisions of docID with bodies that are older
// than revID, newest first.
func (s *Store) PossibleAncestors(ctx context.Context, docID, revID string, limit int) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT rev_id FROM revs
		WHERE doc_id = ? AND stub = 0 AND generation < ?
		ORDER BY generation DESC, rev_id DESC
		LIMIT ?`, docID, revision.Generation(revID), limit)
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, opAncestors, componentName)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, syncErrors.WrapOpComponent(err, opAncestors, componentName)
		}
		out = append(out, id)
	}
	return out, syncErrors.WrapOpComponent(rows.Err(), opAncestors, componentName)
}

// Stats returns database statistics for monitoring
func (s *Store) Stats() sql.DBStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return sql.DBStats{}
	}
	return s.db.Stats()
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/c0deZ3R0/couchpull/cursor"
	"github.com/c0deZ3R0/couchpull/replication"
	"github.com/c0deZ3R0/couchpull/storage"
	"github.com/c0deZ3R0/couchpull/storage/memory"
	"github.com/c0deZ3R0/couchpull/storage/postgres"
	"github.com/c0deZ3R0/couchpull/storage/sqlite"
	"github.com/c0deZ3R0/couchpull/transport/httptransport"
)

type localTarget interface {
	storage.LocalStore
	storage.DocumentReader
	storage.CheckpointStore
}

// stores are the local side of a replication.
type stores struct {
	target      localTarget
	checkpoints storage.CheckpointStore
	closers     []func() error
}

func (s *stores) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}

func openStores(cfg *replication.Config, logger *slog.Logger) (*stores, error) {
	s := &stores{}
	switch cfg.Target.Driver {
	case "memory":
		s.target = memory.New()
	default:
		store, err := sqlite.New(&sqlite.Config{
			DataSourceName: cfg.Target.DSN,
			EnableWAL:      true,
			Logger:         logger,
		})
		if err != nil {
			return nil, fmt.Errorf("open target %s: %w", cfg.Target.DSN, err)
		}
		s.target = store
	}
	s.closers = append(s.closers, s.target.Close)

	switch cfg.Checkpoints.Driver {
	case "postgres":
		pg, err := postgres.New(postgresConfig(cfg, logger))
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("open checkpoint store: %w", err)
		}
		s.checkpoints = pg
		s.closers = append(s.closers, pg.Close)
	case "none":
	default:
		s.checkpoints = s.target
	}
	return s, nil
}

func postgresConfig(cfg *replication.Config, logger *slog.Logger) *postgres.Config {
	return &postgres.Config{
		ConnectionString: cfg.Checkpoints.PostgresURL,
		TableName:        cfg.Checkpoints.Table,
		Logger:           logger,
	}
}

func newRemote(cfg *replication.Config, logger *slog.Logger) (*httptransport.Client, error) {
	opts := append([]httptransport.ClientOption{httptransport.WithLogger(logger)}, cfg.ClientOptions()...)
	return httptransport.NewClient(cfg.Source.URL, opts...)
}

// checkpointRecorder is implemented by stores that keep update times.
type checkpointRecorder interface {
	Checkpoint(ctx context.Context, key string) (*storage.Checkpoint, error)
}

func readCheckpoint(ctx context.Context, cs storage.CheckpointStore, key string) (*storage.Checkpoint, error) {
	if rec, ok := cs.(checkpointRecorder); ok {
		return rec.Checkpoint(ctx, key)
	}
	seq, err := cs.LoadCheckpoint(ctx, key)
	if err != nil || seq == nil {
		return nil, err
	}
	return &storage.Checkpoint{Key: key, LastSequence: seq}, nil
}

func seqString(c cursor.Cursor) string {
	if c == nil {
		return "(none)"
	}
	return c.String()
}

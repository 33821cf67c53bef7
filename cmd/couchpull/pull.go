package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/couchpull/metrics"
	"github.com/c0deZ3R0/couchpull/puller"
	"github.com/c0deZ3R0/couchpull/replication"
)

type pullFlags struct {
	continuous  bool
	mode        string
	workers     int
	batchSize   int
	bulkFetch   int
	evict       bool
	drain       bool
	noCheck     bool
	metricsAddr string
	stopTimeout time.Duration
}

func newPullCmd(sf *sourceFlags) *cobra.Command {
	f := &pullFlags{}
	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Replicate the source into the target",
		Long: `Pull every change from the source database into the target and stop once
caught up. With --continuous, keep following the change feed until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPull(cmd, sf, f)
		},
	}

	fl := cmd.Flags()
	fl.BoolVar(&f.continuous, "continuous", false, "Keep following the change feed")
	fl.StringVar(&f.mode, "mode", "", "Live feed mode: longpoll, continuous or eventsource")
	fl.IntVar(&f.workers, "workers", 0, "Concurrent revision fetches")
	fl.IntVar(&f.batchSize, "batch-size", 0, "Revisions per insert transaction")
	fl.IntVar(&f.bulkFetch, "bulk-fetch", 0, "Fetch up to this many new documents per _bulk_get request")
	fl.BoolVar(&f.evict, "evict", false, "With --view, remove local documents the view no longer emits")
	fl.BoolVar(&f.drain, "drain", false, "Let running fetches finish on shutdown")
	fl.BoolVar(&f.noCheck, "no-server-check", false, "Skip the server and database check")
	fl.StringVar(&f.metricsAddr, "metrics-addr", "", "Serve replication metrics as JSON on this address")
	fl.DurationVar(&f.stopTimeout, "stop-timeout", 30*time.Second, "How long shutdown may take")
	return cmd
}

func (f *pullFlags) apply(cmd *cobra.Command, cfg *replication.Config) {
	fl := cmd.Flags()
	if fl.Changed("continuous") {
		cfg.Pull.Continuous = f.continuous
	}
	if f.mode != "" {
		cfg.Feed.Mode = f.mode
	}
	if f.workers > 0 {
		cfg.Pull.MaxConcurrentFetches = f.workers
	}
	if f.batchSize > 0 {
		cfg.Pull.BatchSize = f.batchSize
	}
	if f.bulkFetch > 0 {
		cfg.Pull.BulkFetchSize = f.bulkFetch
	}
	if fl.Changed("evict") {
		cfg.Feed.Evict = f.evict
	}
	if fl.Changed("drain") {
		cfg.Pull.DrainOnStop = f.drain
	}
	if f.noCheck {
		check := false
		cfg.Pull.CheckServer = &check
	}
}

func runPull(cmd *cobra.Command, sf *sourceFlags, f *pullFlags) error {
	cfg, err := sf.resolveConfig(cmd.Flags())
	if err != nil {
		return err
	}
	f.apply(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := initLogging(cfg, cmd).Logger

	opts, err := cfg.ReplicationOptions()
	if err != nil {
		return err
	}
	remote, err := newRemote(cfg, logger)
	if err != nil {
		return err
	}
	st, err := openStores(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("closing stores failed", slog.Any("error", err))
		}
	}()

	collector := metrics.NewCollector()
	r := replication.New(opts, remote, st.target, st.checkpoints,
		replication.WithLogger(logger),
		replication.WithMetrics(collector))

	r.OnDocumentError(func(de puller.DocumentError) {
		logger.Warn("document not replicated",
			slog.String("doc_id", de.DocID),
			slog.String("rev", de.RevID),
			slog.Int("attempts", de.Attempts),
			slog.Any("error", de.Err))
	})
	var (
		mu   sync.Mutex
		last replication.State
	)
	r.Subscribe(func(s replication.Status) {
		mu.Lock()
		changed := s.State != last
		last = s.State
		mu.Unlock()
		if !changed {
			return
		}
		logger.Info("replication status",
			slog.String("state", s.State.String()),
			slog.Int("discovered", s.ChangesDiscovered),
			slog.Int("completed", s.ChangesCompleted))
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if f.metricsAddr != "" {
		shutdown, err := serveMetrics(f.metricsAddr, collector, logger)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	// The session gets its own context so an interrupt goes through Stop
	// and the final checkpoint is written.
	if err := r.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}

	select {
	case <-r.Done():
	case <-ctx.Done():
		logger.Info("interrupted, stopping replication")
		stopCtx, cancel := context.WithTimeout(context.Background(), f.stopTimeout)
		err := r.Stop(stopCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("replication did not stop within %s: %w", f.stopTimeout, err)
		}
	}

	s := r.Status()
	fmt.Fprintf(cmd.OutOrStdout(), "state=%s discovered=%d completed=%d errors=%d checkpoint=%s\n",
		s.State, s.ChangesDiscovered, s.ChangesCompleted, s.ErrorCount, seqString(s.CheckpointSequence))
	if s.DocumentsEvicted > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "evicted=%d\n", s.DocumentsEvicted)
	}
	if s.State == replication.StateStoppedWithError {
		return s.LastError
	}
	return nil
}

func serveMetrics(addr string, collector *metrics.Collector, logger *slog.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", slog.Any("error", err))
		}
	}()
	logger.Info("serving metrics", slog.String("addr", ln.Addr().String()))
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

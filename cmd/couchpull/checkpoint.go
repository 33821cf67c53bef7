package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/couchpull/replication"
	"github.com/c0deZ3R0/couchpull/storage/postgres"
)

func newCheckpointCmd(sf *sourceFlags) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Show the stored checkpoint of a replication",
		Long: `Print the checkpoint key and last sequence of the replication the flags
describe. With --watch and PostgreSQL checkpoints, print every update until
interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := sf.resolveConfig(cmd.Flags())
			if err != nil {
				return err
			}
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
			key := replication.New(opts, remote, nil, nil, replication.WithLogger(logger)).CheckpointKey()

			if watch {
				if cfg.Checkpoints.Driver != "postgres" {
					return fmt.Errorf("--watch needs PostgreSQL checkpoints (--checkpoints-postgres)")
				}
				return watchCheckpoints(cmd, cfg, key, logger)
			}

			st, err := openStores(cfg, logger)
			if err != nil {
				return err
			}
			defer st.Close()
			if st.checkpoints == nil {
				return fmt.Errorf("checkpoints are disabled")
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "key: %s\n", key)
			cp, err := readCheckpoint(cmd.Context(), st.checkpoints, key)
			if err != nil {
				return err
			}
			if cp == nil {
				fmt.Fprintln(out, "last_seq: (none)")
				return nil
			}
			printCheckpoint(out, cp.LastSequence.String(), cp.UpdatedAt)
			return nil
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "Follow checkpoint updates (PostgreSQL only)")
	return cmd
}

func printCheckpoint(out io.Writer, seq string, updated time.Time) {
	fmt.Fprintf(out, "last_seq: %s\n", seq)
	if !updated.IsZero() {
		fmt.Fprintf(out, "updated_at: %s\n", updated.Format(time.RFC3339))
	}
}

func watchCheckpoints(cmd *cobra.Command, cfg *replication.Config, key string, logger *slog.Logger) error {
	listener, err := postgres.NewCheckpointListener(postgresConfig(cfg, logger), key)
	if err != nil {
		return err
	}
	defer listener.Close()

	out := cmd.OutOrStdout()
	listener.Subscribe(func(n postgres.CheckpointNotification) {
		printCheckpoint(out, seqString(n.LastSequence), n.UpdatedAt)
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := listener.Start(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "watching %s\n", key)
	<-ctx.Done()
	return nil
}

package main

import (
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/spf13/cobra"

	"github.com/jfoltran/pgcopydb/internal/pgerr"
	"github.com/jfoltran/pgcopydb/internal/pgwire"
)

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Replication-stream maintenance operations",
}

var streamCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Drop the replication slot and forget the recorded origin",
	Long: `Cleanup drops the source's logical replication slot and removes the
work directory's persisted slot/origin records, so a future "snapshot" run
starts fresh rather than reusing stale state. Done-markers are left in
place, and the replication origin registered on the target is not dropped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Source.Host == "" {
			return fmt.Errorf("%w: --source is required", pgerr.ErrConfiguration)
		}
		ctx := cmd.Context()

		work, err := openWorkDir(&cfg)
		if err != nil {
			return err
		}

		conn, err := pgconn.Connect(ctx, cfg.Source.DSN())
		if err != nil {
			return fmt.Errorf("%w: connect source: %w", pgerr.ErrConnectivity, err)
		}
		defer conn.Close(ctx)

		if err := pgwire.NewConn(conn, logger).DropReplicationSlot(ctx, cfg.SlotName); err != nil {
			logger.Warn().Err(err).Str("slot", cfg.SlotName).Msg("drop replication slot failed (may not exist)")
		} else {
			logger.Info().Str("slot", cfg.SlotName).Msg("replication slot dropped")
		}

		for _, f := range []string{work.SlotFile(), work.OriginFile()} {
			if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("%w: remove %s: %w", pgerr.ErrConfiguration, f, err)
			}
		}

		logger.Info().Msg("stream state cleaned up")
		return nil
	},
}

func init() {
	streamCmd.AddCommand(streamCleanupCmd)
	rootCmd.AddCommand(streamCmd)
}

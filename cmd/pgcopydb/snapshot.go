package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/spf13/cobra"

	"github.com/jfoltran/pgcopydb/internal/pgerr"
	"github.com/jfoltran/pgcopydb/internal/snapshot"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Hold a consistent snapshot (and replication slot) until killed",
	Long: `Snapshot acquires a transactional snapshot on the source and always
creates a logical replication slot atomically with it, using the configured
decoding plugin (spec §4.2). It persists the snapshot and slot
descriptors to the work directory and blocks, holding the snapshot-holding
connection open, until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("%w: %w", pgerr.ErrConfiguration, err)
		}

		work, err := openWorkDir(&cfg)
		if err != nil {
			return err
		}

		conn, err := pgconn.Connect(cmd.Context(), cfg.Source.ReplicationDSN())
		if err != nil {
			return fmt.Errorf("%w: connect source (replication): %w", pgerr.ErrConnectivity, err)
		}

		mgr := snapshot.New(conn, logger)

		var persisted *snapshot.SlotDescriptor
		if data, rerr := os.ReadFile(work.SlotFile()); rerr == nil {
			var sd snapshot.SlotDescriptor
			if uerr := json.Unmarshal(data, &sd); uerr == nil {
				persisted = &sd
			}
		}

		desc, err := mgr.ExportReplicationSlot(cmd.Context(), cfg.SlotName, cfg.Plugin, persisted)
		if err != nil {
			conn.Close(cmd.Context())
			return fmt.Errorf("%w: %w", pgerr.ErrConfiguration, err)
		}

		data, err := json.MarshalIndent(desc, "", "  ")
		if err != nil {
			conn.Close(cmd.Context())
			return err
		}
		if err := os.WriteFile(work.SlotFile(), data, 0o644); err != nil {
			conn.Close(cmd.Context())
			return fmt.Errorf("%w: persist slot descriptor: %w", pgerr.ErrConfiguration, err)
		}

		logger.Info().
			Str("slot", desc.Name).
			Str("consistent_lsn", desc.ConsistentLSN).
			Str("snapshot", desc.SnapshotName).
			Msg("snapshot held; waiting for interrupt")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()

		logger.Info().Msg("releasing snapshot")
		return mgr.Release(context.Background())
	},
}

func init() {
	rootCmd.AddCommand(snapshotCmd)
}

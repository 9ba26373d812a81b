package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/spf13/cobra"

	"github.com/jfoltran/pgcopydb/internal/pgerr"
	"github.com/jfoltran/pgcopydb/internal/snapshot"
	"github.com/jfoltran/pgcopydb/internal/supervisor"
)

var followCmd = &cobra.Command{
	Use:   "follow",
	Short: "Stream and apply logical-decoding changes until --endpos",
	Long: `Follow runs the receiver (C8), transformer (C9), and applier (C10) until
ctx is cancelled or the applier reaches --endpos (spec §4.8-4.10, §8 "Follow
to endpos"). Requires a replication slot already created by "snapshot".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("%w: %w", pgerr.ErrConfiguration, err)
		}
		ctx := cmd.Context()

		work, err := openWorkDir(&cfg)
		if err != nil {
			return err
		}

		data, err := os.ReadFile(work.SlotFile())
		if err != nil {
			return fmt.Errorf("%w: no replication slot on record; run \"snapshot\" first: %w", pgerr.ErrConfiguration, err)
		}
		var desc snapshot.SlotDescriptor
		if err := json.Unmarshal(data, &desc); err != nil {
			return fmt.Errorf("%w: parse slot descriptor: %w", pgerr.ErrConfiguration, err)
		}

		endpos, err := parseEndpos(cfg.EndPos)
		if err != nil {
			return err
		}

		source, target, err := connectPools(ctx, &cfg)
		if err != nil {
			return err
		}
		defer source.Close()
		defer target.Close()

		replConn, err := pgconn.Connect(ctx, cfg.Source.ReplicationDSN())
		if err != nil {
			return fmt.Errorf("%w: connect source (replication): %w", pgerr.ErrConnectivity, err)
		}
		defer replConn.Close(ctx)

		sup := supervisor.New(source, target, work, cfg.TableJobs, cfg.IndexJobs, logger)
		if err := sup.AcquirePIDFile(); err != nil {
			return fmt.Errorf("%w: %w", pgerr.ErrConfiguration, err)
		}
		defer sup.ReleasePIDFile()

		// The publication name matches the slot name: spec §6's CLI surface has
		// no separate --publication flag, and pgoutput decoding requires one
		// publication per slot in this tool's single-slot-per-run model.
		logger.Info().Str("slot", desc.Name).Str("endpos", cfg.EndPos).Msg("following replication stream")
		return sup.RunStream(ctx, replConn, desc.Name, desc.Name, cfg.Origin, endpos)
	},
}

func init() {
	rootCmd.AddCommand(followCmd)
}

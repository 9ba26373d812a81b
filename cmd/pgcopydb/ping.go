package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jfoltran/pgcopydb/internal/catalog"
	"github.com/jfoltran/pgcopydb/internal/pgerr"
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that source and target are reachable",
	Long:  `Ping connects to both endpoints and reports reachability, version, and replication privileges. Exits 0 iff both are reachable (spec §6).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Source.Host == "" || cfg.Target.Host == "" {
			return fmt.Errorf("%w: --source and --target are required", pgerr.ErrConfiguration)
		}

		src := catalog.Ping(cmd.Context(), cfg.Source.DSN())
		dst := catalog.Ping(cmd.Context(), cfg.Target.DSN())

		reportPing(cmd, "source", src)
		reportPing(cmd, "target", dst)

		if !src.Reachable || !dst.Reachable {
			return fmt.Errorf("%w: one or more endpoints unreachable", pgerr.ErrConnectivity)
		}
		return nil
	},
}

func reportPing(cmd *cobra.Command, label string, r catalog.PingResult) {
	ev := logger.Info()
	if !r.Reachable {
		ev = logger.Error()
	}
	ev.Str("endpoint", label).
		Bool("reachable", r.Reachable).
		Str("version", r.Version).
		Bool("is_replica", r.IsReplica).
		Bool("can_replicate", r.CanReplicate).
		Dur("latency", r.Latency).
		AnErr("error", r.Err).
		Msg("ping")
}

func init() {
	rootCmd.AddCommand(pingCmd)
}

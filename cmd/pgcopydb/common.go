package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jfoltran/pgcopydb/internal/config"
	"github.com/jfoltran/pgcopydb/internal/pgerr"
	"github.com/jfoltran/pgcopydb/internal/supervisor"
	"github.com/jfoltran/pgcopydb/internal/workdir"
)

func clearWorkDir(root string) error {
	if err := os.RemoveAll(root); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// exitCodeFor maps a command error to one of spec §6's exit codes.
func exitCodeFor(err error) int {
	return supervisor.ClassifyExit(err)
}

// connectPools opens pgxpool connections to the configured source and
// target, wrapping failures in pgerr.ErrConnectivity (exit 14).
func connectPools(ctx context.Context, c *config.Config) (source, target *pgxpool.Pool, err error) {
	source, err = pgxpool.New(ctx, c.Source.DSN())
	if err != nil {
		return nil, nil, fmt.Errorf("%w: connect source: %w", pgerr.ErrConnectivity, err)
	}
	target, err = pgxpool.New(ctx, c.Target.DSN())
	if err != nil {
		source.Close()
		return nil, nil, fmt.Errorf("%w: connect target: %w", pgerr.ErrConnectivity, err)
	}
	return source, target, nil
}

// openWorkDir resolves the run's work directory, honoring --work-dir and
// --restart (spec §6; restart discards prior run state).
func openWorkDir(c *config.Config) (*workdir.Dir, error) {
	root := c.WorkDir
	if root == "" {
		root = config.WorkDirBase()
	}
	if c.Restart {
		if err := clearWorkDir(root); err != nil {
			return nil, fmt.Errorf("%w: clear work dir: %w", pgerr.ErrConfiguration, err)
		}
	}
	dir, err := workdir.New(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", pgerr.ErrConfiguration, err)
	}
	return dir, nil
}

func parseEndpos(s string) (pglogrepl.LSN, error) {
	if s == "" {
		return 0, nil
	}
	lsn, err := pglogrepl.ParseLSN(s)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid --endpos %q: %w", pgerr.ErrConfiguration, s, err)
	}
	return lsn, nil
}

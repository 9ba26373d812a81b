package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jfoltran/pgcopydb/internal/catalog"
	"github.com/jfoltran/pgcopydb/internal/pgerr"
	"github.com/jfoltran/pgcopydb/internal/schema"
	"github.com/jfoltran/pgcopydb/internal/snapshot"
	"github.com/jfoltran/pgcopydb/internal/supervisor"
	"github.com/jfoltran/pgcopydb/internal/workdir"
)

var copyCmd = &cobra.Command{
	Use:   "copy",
	Short: "Bulk-copy operations",
}

var copyTableDataCmd = &cobra.Command{
	Use:   "table-data",
	Short: "Dump schema, copy table data, build indexes, and restore post-data",
	Long: `table-data runs the bulk-copy phase: pre-data schema restore, parallel
table-data copy (C5), index/constraint build (C6), and extension-config copy
(C7) running concurrently, followed by post-data schema restore. Idempotent:
a second run against the same work directory skips whatever already has a
done-marker (spec §8 "Minimal copy").`,
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
			return fmt.Errorf("%w: no snapshot on record; run \"snapshot\" first: %w", pgerr.ErrConfiguration, err)
		}
		var desc snapshot.SlotDescriptor
		if err := json.Unmarshal(data, &desc); err != nil {
			return fmt.Errorf("%w: parse slot descriptor: %w", pgerr.ErrConfiguration, err)
		}

		source, target, err := connectPools(ctx, &cfg)
		if err != nil {
			return err
		}
		defer source.Close()
		defer target.Close()

		filters := catalog.Filters{
			IncludeOnlySchema: cfg.Filters.IncludeOnlySchema,
			ExcludeSchema:     cfg.Filters.ExcludeSchema,
			IncludeOnlyTable:  cfg.Filters.IncludeOnlyTable,
			ExcludeTable:      cfg.Filters.ExcludeTable,
		}

		// catalog.Load and RunBulkCopy both run every worker's read under
		// desc.SnapshotName (spec §1/§4.2): one consistent point-in-time view
		// of the source shared by the catalog query and every copy-unit.
		cat, err := catalog.Load(ctx, source, filters, desc.SnapshotName)
		if err != nil {
			return fmt.Errorf("%w: load catalog: %w", pgerr.ErrConnectivity, err)
		}

		sd := schema.New(cfg.Source.DSN(), cfg.Target.DSN(), target, work, logger)

		if err := sd.Dump(ctx, schema.SectionPreData); err != nil {
			return err
		}
		if cfg.DropIfExists {
			if err := sd.DropIfExistsComposite(ctx, cat.Tables); err != nil {
				return err
			}
		}
		if err := sd.CreateSchemasIfNotExists(ctx, schemaNames(cat.Tables)); err != nil {
			return err
		}
		if err := restoreFiltered(ctx, sd, schema.SectionPreData, work, filters); err != nil {
			return err
		}

		sup := supervisor.New(source, target, work, cfg.TableJobs, cfg.IndexJobs, logger)
		if err := sup.AcquirePIDFile(); err != nil {
			return fmt.Errorf("%w: %w", pgerr.ErrConfiguration, err)
		}
		defer sup.ReleasePIDFile()

		if cfg.SkipExtensions {
			cat.Extensions = nil
		}
		if err := sup.RunBulkCopy(ctx, cat, desc.SnapshotName); err != nil {
			return err
		}

		if err := sd.Dump(ctx, schema.SectionPostData); err != nil {
			return err
		}
		if err := restoreFiltered(ctx, sd, schema.SectionPostData, work, filters); err != nil {
			return err
		}

		logger.Info().Msg("bulk copy complete")
		return nil
	},
}

// restoreFiltered asks the restorer for section's entry list, rewrites it
// into a done-marker- and filter-aware include-list, persists that list
// file, and restores using it (spec §4.3).
func restoreFiltered(ctx context.Context, sd *schema.Driver, section schema.Section, work *workdir.Dir, filters catalog.Filters) error {
	entries, err := sd.EntryList(ctx, section)
	if err != nil {
		return err
	}
	lines := sd.FilterList(entries, work, filters)
	if err := sd.WriteListFile(section, lines); err != nil {
		return err
	}
	return sd.Restore(ctx, section)
}

func schemaNames(tables []catalog.Table) []string {
	seen := map[string]bool{}
	var names []string
	for _, t := range tables {
		if !seen[t.Namespace] {
			seen[t.Namespace] = true
			names = append(names, t.Namespace)
		}
	}
	return names
}

func init() {
	copyCmd.AddCommand(copyTableDataCmd)
	rootCmd.AddCommand(copyCmd)
}

package main

import (
	"fmt"
	"io"
	"slices"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and clear the cache backend",
	Long: `Inspect and clear the partitions held by the configured cache backend.

Subcommands:
  list  - Show every partition and whether the current version uses it
  clear - Delete every partition

Examples:
  offline-proxy cache list --cache-backend sqlite --cache-db-connect cache.db
  offline-proxy cache clear --cache-backend redis --cache-db-connect redis://localhost:6379/0`,
}

var cacheListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cache partitions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := loadSettings()
		if err != nil {
			return err
		}
		logger := newLogger(s.LogLevel)

		storage, closeStorage, err := openStorage(cmd.Context(), s, logger)
		if err != nil {
			return fmt.Errorf("failed to open %s cache: %w", s.CacheBackend, err)
		}
		defer func() { _ = closeStorage() }()

		names, err := storage.Keys(cmd.Context())
		if err != nil {
			return err
		}

		return writePartitions(cmd.OutOrStdout(), names, s.cacheConfig().PartitionNames())
	},
}

// writePartitions renders names as a table, marking the ones in current.
func writePartitions(w io.Writer, names, current []string) error {
	table := tablewriter.NewWriter(w)
	defer func() { _ = table.Close() }()

	table.Header([]string{"Partition", "Status"})

	data := make([][]string, 0, len(names))
	for _, name := range names {
		status := "stale"
		if slices.Contains(current, name) {
			status = "current"
		}
		data = append(data, []string{name, status})
	}

	if err := table.Bulk(data); err != nil {
		return err
	}
	if err := table.Render(); err != nil {
		return err
	}

	_, err := fmt.Fprintf(w, "%d partitions\n", len(names))
	return err
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every cache partition",
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := loadSettings()
		if err != nil {
			return err
		}
		logger := newLogger(s.LogLevel)

		storage, closeStorage, err := openStorage(cmd.Context(), s, logger)
		if err != nil {
			return fmt.Errorf("failed to open %s cache: %w", s.CacheBackend, err)
		}
		defer func() { _ = closeStorage() }()

		names, err := storage.Keys(cmd.Context())
		if err != nil {
			return err
		}

		var deleted int
		for _, name := range names {
			ok, err := storage.Delete(cmd.Context(), name)
			if err != nil {
				return fmt.Errorf("failed to delete %s: %w", name, err)
			}
			if ok {
				deleted++
			}
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d partitions\n", deleted)
		return nil
	},
}

package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/kredo/wal"
)

var (
	cleanupRetention int
	cleanupArchive   bool
)

// auditCmd groups audit log maintenance
var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect and maintain the decision audit log",
}

var auditStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show audit log statistics",
	Args:  cobra.NoArgs,
	RunE:  runAuditStats,
}

var auditCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove audit files older than the retention period",
	Long: `Remove audit log files whose newest decision is older than the retention
period. The latest file is always kept. With --archive, each expired file
is first uploaded to the configured S3 bucket, and nothing is removed if
an upload fails.`,
	Example: `  kredo audit cleanup                      # Use audit.retention_days
  kredo audit cleanup --retention-days 30
  kredo audit cleanup --archive            # Upload to audit.s3_bucket first`,
	Args: cobra.NoArgs,
	RunE: runAuditCleanup,
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditStatsCmd, auditCleanupCmd)

	auditCleanupCmd.Flags().IntVar(&cleanupRetention, "retention-days", 0, "Override audit.retention_days")
	auditCleanupCmd.Flags().BoolVar(&cleanupArchive, "archive", false, "Archive expired files to S3 before removal")
}

func runAuditStats(cmd *cobra.Command, args []string) error {
	stats := wal.GetStatsFromDir(cfg.Audit.Dir, walConfig(cfg.Audit))

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Audit log: %s\n", cfg.Audit.Dir)
	fmt.Fprintf(out, "  Files:      %d (%d bytes)\n", stats.TotalFiles, stats.TotalSizeBytes)
	if stats.TotalFiles > 0 {
		fmt.Fprintf(out, "  Oldest:     %s\n", stats.OldestEntry.Format(time.RFC3339))
		fmt.Fprintf(out, "  Newest:     %s\n", stats.NewestEntry.Format(time.RFC3339))
	}
	fmt.Fprintf(out, "  Sequences:  %d..%d (%d)\n", stats.FirstSequence, stats.LastSequence, stats.SequenceCount)
	fmt.Fprintf(out, "  Orders:     %d\n", stats.Orders)

	kinds := make([]string, 0, len(stats.EntriesByType))
	for k := range stats.EntriesByType {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Fprintf(out, "  %-11s %d\n", k+":", stats.EntriesByType[wal.EntryType(k)])
	}
	return nil
}

func runAuditCleanup(cmd *cobra.Command, args []string) error {
	wc := walConfig(cfg.Audit)
	if cleanupRetention > 0 {
		wc.RetentionDays = cleanupRetention
	}

	var archiver wal.Archiver
	if cleanupArchive {
		a, err := wal.NewS3Archiver(cmd.Context(), cfg.Audit.Region, cfg.Audit.S3Bucket, cfg.Audit.S3Prefix)
		if err != nil {
			return fmt.Errorf("failed to create archiver: %w", err)
		}
		archiver = a
	}

	stats, err := wal.CleanupWithArchive(cmd.Context(), cfg.Audit.Dir, wc, archiver)
	if err != nil {
		return fmt.Errorf("cleanup failed: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d files (%d archived, %d bytes freed)\n",
		stats.FilesRemoved, stats.FilesArchived, stats.BytesFreed)
	return nil
}

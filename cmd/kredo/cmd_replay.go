package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/kredo/wal"
)

var (
	replaySince string
	replayOrder string
)

// replayCmd prints audit entries
var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Print audit log entries in commit order",
	Long: `Print every committed and superseded decision recorded in the audit log
after the given time, one JSON entry per line, in sequence order.`,
	Example: `  kredo replay                          # Last 24 hours
  kredo replay --since 168h             # Last week
  kredo replay --since 2026-01-01T00:00:00Z --order o-1001`,
	Args: cobra.NoArgs,
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)

	replayCmd.Flags().StringVar(&replaySince, "since", "24h", "Duration ago or RFC3339 time")
	replayCmd.Flags().StringVar(&replayOrder, "order", "", "Only entries for this order id")
}

func runReplay(cmd *cobra.Command, args []string) error {
	since, err := parseSince(replaySince, time.Now())
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	count := 0
	err = wal.Replay(cfg.Audit.Dir, walConfig(cfg.Audit), since, func(e *wal.Entry) error {
		if replayOrder != "" && e.OrderID != replayOrder {
			return nil
		}
		count++
		return enc.Encode(e)
	})
	if err != nil {
		return fmt.Errorf("replay failed: %w", err)
	}

	cmd.PrintErrf("%d entries since %s\n", count, since.Format(time.RFC3339))
	return nil
}

// parseSince accepts a duration before now or an RFC3339 timestamp
func parseSince(s string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: want a duration or RFC3339 time", s)
	}
	return t, nil
}

package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yairfalse/kredo/types"
)

var decisionHistory bool

// decisionCmd reads a committed decision
var decisionCmd = &cobra.Command{
	Use:   "decision <order-id>",
	Short: "Show the committed decision for an order",
	Example: `  kredo decision o-1001             # Current decision
  kredo decision o-1001 --history   # Every version, oldest first`,
	Args: cobra.ExactArgs(1),
	RunE: runDecision,
}

func init() {
	rootCmd.AddCommand(decisionCmd)

	decisionCmd.Flags().BoolVar(&decisionHistory, "history", false, "Show superseded versions too")
}

func runDecision(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	orderID := args[0]
	if decisionHistory {
		history, err := a.service.History(cmd.Context(), orderID)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), history)
	}

	d, err := a.service.Decision(cmd.Context(), orderID)
	if errors.Is(err, types.ErrNotFound) {
		return fmt.Errorf("no decision for order %q", orderID)
	}
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), d)
}

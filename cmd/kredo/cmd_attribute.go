package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/yairfalse/kredo/types"
)

var attributeFile string

// attributeCmd processes one conversion against the local store
var attributeCmd = &cobra.Command{
	Use:   "attribute",
	Short: "Attribute a conversion and commit the decision",
	Long: `Read one normalized conversion as JSON and run it through the attribution
pipeline: source inference, campaign matching, window resolution, the
campaign's model and the confidence scorer. The decision is committed
(superseding any earlier decision for the order) and printed as JSON.`,
	Example: `  kredo attribute --file order.json
  echo '{"order_id":"o-1","session_id":"s-1","value":120}' | kredo attribute`,
	Args: cobra.NoArgs,
	RunE: runAttribute,
}

func init() {
	rootCmd.AddCommand(attributeCmd)

	attributeCmd.Flags().StringVarP(&attributeFile, "file", "f", "-", "Conversion JSON file, - for stdin")
}

func runAttribute(cmd *cobra.Command, args []string) error {
	conv, err := readConversion(cmd.InOrStdin(), attributeFile)
	if err != nil {
		return err
	}

	a, err := openApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.service.ProcessConversion(cmd.Context(), conv)
	if err != nil {
		return err
	}

	status := "committed"
	if res.Superseded() {
		status = "superseded"
	}
	return printJSON(cmd.OutOrStdout(), map[string]any{
		"status":   status,
		"decision": res.Stored,
	})
}

func readConversion(stdin io.Reader, path string) (types.Conversion, error) {
	var conv types.Conversion

	r := stdin
	if path != "-" {
		f, err := os.Open(path) // #nosec G304 -- path is intentional user input
		if err != nil {
			return conv, fmt.Errorf("failed to open conversion file: %w", err)
		}
		defer func() { _ = f.Close() }()
		r = f
	}

	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&conv); err != nil {
		return conv, fmt.Errorf("failed to decode conversion: %w", err)
	}
	return conv, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

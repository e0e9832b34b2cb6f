package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/sells-group/permit-leads/internal/taxonomy"
)

var taxonomyCmd = &cobra.Command{
	Use:   "taxonomy",
	Short: "Inspect the keyword taxonomy",
}

var taxonomyDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the built-in taxonomy as YAML",
	RunE: func(cmd *cobra.Command, _ []string) error {
		_, err := cmd.OutOrStdout().Write(taxonomy.DefaultYAML())
		return err
	},
}

var taxonomyValidateCmd = &cobra.Command{
	Use:   "validate [path]",
	Short: "Validate a taxonomy file (default: filter.taxonomy_path or the built-in one)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfg.Filter.TaxonomyPath
		if len(args) == 1 {
			path = args[0]
		}
		tax, err := taxonomy.LoadFile(path)
		if err != nil {
			return err
		}
		formatTaxonomySummary(cmd.OutOrStdout(), path, tax)
		return nil
	},
}

func init() {
	taxonomyCmd.AddCommand(taxonomyDumpCmd)
	taxonomyCmd.AddCommand(taxonomyValidateCmd)
	rootCmd.AddCommand(taxonomyCmd)
}

func formatTaxonomySummary(out io.Writer, path string, tax *taxonomy.Taxonomy) {
	if path == "" {
		path = "built-in"
	}
	_, _ = fmt.Fprintf(out, "taxonomy %s is valid\n", path)
	_, _ = fmt.Fprintf(out, "  commercial families: %d\n", len(tax.Commercial))
	_, _ = fmt.Fprintf(out, "  junk families:       %d\n", len(tax.Junk))
	_, _ = fmt.Fprintf(out, "  adjacent verticals:  %d\n", len(tax.Adjacent))
	_, _ = fmt.Fprintf(out, "  weak adjacency:      %d\n", len(tax.WeakAdjacency))
}

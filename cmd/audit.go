package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/permit-leads/internal/config"
	"github.com/sells-group/permit-leads/internal/model"
	"github.com/sells-group/permit-leads/internal/store"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Read the decision audit log",
	Long:  "Lists audit entries, one per record decision, filtered by run, permit or decision.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate(config.ModeQuery); err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		runID, _ := cmd.Flags().GetString("run")
		permitID, _ := cmd.Flags().GetString("permit")
		decision, _ := cmd.Flags().GetString("decision")
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		entries, err := st.ListAudit(ctx, store.AuditFilter{
			RunID:    runID,
			PermitID: permitID,
			Decision: model.Decision(decision),
			Limit:    limit,
		})
		if err != nil {
			return eris.Wrap(err, "audit list")
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(entries)
		}
		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "No audit entries found.")
			return nil
		}
		formatAuditList(os.Stdout, entries)
		return nil
	},
}

func init() {
	auditCmd.Flags().String("run", "", "filter by run ID")
	auditCmd.Flags().String("permit", "", "filter by permit ID")
	auditCmd.Flags().String("decision", "", "filter by decision (rejected, discarded, scored, retry)")
	auditCmd.Flags().Int("limit", 200, "max number of entries to display")
	auditCmd.Flags().Bool("json", false, "print entries as JSON")
	rootCmd.AddCommand(auditCmd)
}

// formatAuditList writes a tabular list of audit entries to out.
func formatAuditList(out io.Writer, entries []model.AuditEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "RUN\tPERMIT\tCITY\tDECISION\tTIER\tSCORE\tMETHOD\tREASON\tFLAGS")
	_, _ = fmt.Fprintln(w, "---\t------\t----\t--------\t----\t-----\t------\t------\t-----")

	for _, e := range entries {
		reason := e.Reason
		if reason == "" {
			reason = e.Reasoning
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			truncateID(e.RunID),
			e.PermitID,
			e.SourceCity,
			e.Decision,
			e.Tier,
			e.Score,
			e.ScoringMethod,
			truncate(reason, 40),
			strings.Join(e.Flags, ","),
		)
	}
	_ = w.Flush()
}

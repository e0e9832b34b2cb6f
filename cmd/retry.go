package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/permit-leads/internal/config"
	"github.com/sells-group/permit-leads/internal/resilience"
)

var retryLimit int

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Re-classify leads whose retry is due",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, config.ModeRetry)
		if err != nil {
			return err
		}
		defer env.Close()

		limit := retryLimit
		if limit <= 0 {
			limit = cfg.Retry.BatchLimit
		}
		result, err := env.Pipeline.Retry(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "retry pass")
		}
		return writeResult(os.Stdout, result)
	},
}

var retryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List retry queue entries",
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

		exhausted, _ := cmd.Flags().GetBool("exhausted")
		due, _ := cmd.Flags().GetBool("due")
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		filter := resilience.RetryFilter{Exhausted: exhausted, Limit: limit}
		if due {
			filter.DueBefore = time.Now()
		}
		entries, err := st.ListRetries(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "retry list")
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(entries)
		}
		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "Retry queue is empty.")
			return nil
		}
		formatRetryList(os.Stdout, entries)
		return nil
	},
}

func init() {
	retryCmd.Flags().IntVar(&retryLimit, "limit", 0, "max due entries to retry (default from config)")

	retryListCmd.Flags().Bool("exhausted", false, "list entries that used up their retries")
	retryListCmd.Flags().Bool("due", false, "only list entries that are due now")
	retryListCmd.Flags().Int("limit", 100, "max number of entries to display")
	retryListCmd.Flags().Bool("json", false, "print entries as JSON")

	retryCmd.AddCommand(retryListCmd)
	rootCmd.AddCommand(retryCmd)
}

// formatRetryList writes a tabular list of queue entries to out.
func formatRetryList(out io.Writer, entries []resilience.RetryEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "LEAD\tATTEMPTS\tERROR_TYPE\tNEXT_RETRY\tLAST_ERROR")
	_, _ = fmt.Fprintln(w, "----\t--------\t----------\t----------\t----------")

	for _, e := range entries {
		next := e.NextRetryAt.Format("2006-01-02 15:04")
		if e.Exhausted() {
			next = "exhausted"
		}
		_, _ = fmt.Fprintf(w, "%s\t%d/%d\t%s\t%s\t%s\n",
			e.Lead.Label(),
			e.RetryCount,
			e.MaxRetries,
			e.ErrorType,
			next,
			truncate(e.Error, 50),
		)
	}
	_ = w.Flush()
}

package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/permit-leads/internal/config"
	"github.com/sells-group/permit-leads/internal/fetcher"
	"github.com/sells-group/permit-leads/internal/ingest"
	"github.com/sells-group/permit-leads/internal/model"
	"github.com/sells-group/permit-leads/internal/normalize"
	"github.com/sells-group/permit-leads/internal/pipeline"
)

var (
	runCity   string
	runKind   string
	runSource string
	runIngest ingest.Options
)

var runCmd = &cobra.Command{
	Use:   "run [KIND=]<path-or-url>...",
	Short: "Classify a batch of permit records",
	Long: `Reads one or more adapter output files (CSV, XLSX, JSON, XML, shapefile or ZIP),
merges records for the same permit across sources, classifies them and exports
the tier buckets. Prefix an input with PORTAL=, MANUAL= or CAD= to set the
source kind for records that do not carry one.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		kind, ok := model.ParseSourceKind(runKind)
		if !ok {
			return eris.Errorf("run: unknown source kind %q", runKind)
		}

		env, err := initPipeline(ctx, config.ModeRun)
		if err != nil {
			return err
		}
		defer env.Close()

		raws, err := loadInputs(ctx, newResolver(), args, kind, mergeIngestOptions(cfg.Fetch.Ingest, runIngest))
		if err != nil {
			return err
		}

		source := runSource
		if source == "" {
			source = strings.Join(args, ",")
		}

		result, err := env.Pipeline.Run(ctx, source, raws, normalize.Defaults{SourceCity: runCity, SourceKind: kind})
		if err != nil {
			return eris.Wrap(err, "pipeline run")
		}
		return writeResult(os.Stdout, result)
	},
}

func init() {
	runCmd.Flags().StringVar(&runCity, "city", "", "source city for records that do not carry one")
	runCmd.Flags().StringVar(&runKind, "kind", "PORTAL", "default source kind (PORTAL, MANUAL, CAD)")
	runCmd.Flags().StringVar(&runSource, "source", "", "label recorded on the run (default: the inputs)")
	runCmd.Flags().StringVar((*string)(&runIngest.Format), "format", "", "input format override (csv, xlsx, json, xml, shp, zip)")
	runCmd.Flags().StringVar(&runIngest.Sheet, "sheet", "", "XLSX sheet name")
	runCmd.Flags().StringVar(&runIngest.Delimiter, "delimiter", "", "CSV delimiter")
	runCmd.Flags().StringVar(&runIngest.Charset, "charset", "", "input charset when not UTF-8")
	runCmd.Flags().StringVar(&runIngest.Element, "element", "", "repeating XML element holding one record")
	rootCmd.AddCommand(runCmd)
}

// newResolver builds the download resolver from fetch settings.
func newResolver() *fetcher.Resolver {
	httpF := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:   cfg.Fetch.UserAgent,
		Timeout:     time.Duration(cfg.Fetch.TimeoutSecs) * time.Second,
		MaxRetries:  cfg.Fetch.MaxRetries,
		RatePerHost: cfg.Fetch.RatePerHost,
	})
	ftpF := fetcher.NewFTPFetcher(fetcher.FTPOptions{
		Timeout: time.Duration(cfg.Fetch.FTPTimeoutSecs) * time.Second,
	})
	dir := cfg.Fetch.Dir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "permit-leads")
	}
	return fetcher.NewResolver(httpF, ftpF, dir)
}

// mergeIngestOptions overlays flag values on configured ones.
func mergeIngestOptions(base, flags ingest.Options) ingest.Options {
	out := base
	if flags.Format != "" {
		out.Format = flags.Format
	}
	if flags.Sheet != "" {
		out.Sheet = flags.Sheet
	}
	if flags.Delimiter != "" {
		out.Delimiter = flags.Delimiter
	}
	if flags.Charset != "" {
		out.Charset = flags.Charset
	}
	if flags.Element != "" {
		out.Element = flags.Element
	}
	return out
}

// splitInput parses an optional KIND= prefix off an input argument.
func splitInput(arg string, fallback model.SourceKind) (model.SourceKind, string) {
	if i := strings.Index(arg, "="); i > 0 {
		if kind, ok := model.ParseSourceKind(arg[:i]); ok {
			return kind, arg[i+1:]
		}
	}
	return fallback, arg
}

// loadInputs resolves and reads every input. Records without their own
// source kind are stamped with the kind of the input they came from.
func loadInputs(ctx context.Context, resolver *fetcher.Resolver, args []string, fallback model.SourceKind, opts ingest.Options) ([]normalize.RawRecord, error) {
	log := zap.L().With(zap.String("component", "ingest"))

	var all []normalize.RawRecord
	for _, arg := range args {
		kind, loc := splitInput(arg, fallback)

		path, err := resolver.Resolve(ctx, loc)
		if err != nil {
			return nil, eris.Wrapf(err, "resolve input %s", loc)
		}
		raws, err := ingest.ReadFile(ctx, path, opts)
		if err != nil {
			return nil, eris.Wrapf(err, "read input %s", loc)
		}
		for _, raw := range raws {
			if raw.Lookup("source_kind") == "" {
				raw["source_kind"] = string(kind)
			}
		}
		log.Info("input loaded",
			zap.String("input", loc),
			zap.String("kind", string(kind)),
			zap.Int("records", len(raws)),
		)
		all = append(all, raws...)
	}
	return all, nil
}

func writeResult(w io.Writer, result *pipeline.Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

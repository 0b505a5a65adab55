package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/cordis-cli/internal/fetcher"
	"github.com/sells-group/cordis-cli/internal/harvest"
	"github.com/sells-group/cordis-cli/internal/programme"
	"github.com/sells-group/cordis-cli/internal/sink"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Fetch, extract and write CORDIS programmes",
	Long: `Run the ingestion pipeline.

Each programme is downloaded only if its raw data is missing and processed
only if its output pair is missing, so an interrupted run is resumed by
running it again. Use --programmes to restrict the run to specific ids.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		log := zap.L().With(zap.String("command", "run"))

		if err := cfg.Validate(); err != nil {
			return err
		}

		opts := parseRunOpts(cmd, cfg.Pipeline.Parallel)

		reg, err := programme.Load(cfg.Pipeline.ProgrammesFile)
		if err != nil {
			return eris.Wrap(err, "run: load programmes")
		}

		engine := harvest.NewEngine(reg, newFetcher(), cfg.Paths.RawDir, cfg.Paths.ProcessedDir,
			sink.Options{AbsentMarker: cfg.Pipeline.AbsentMarker})

		log.Info("starting run",
			zap.String("raw_dir", cfg.Paths.RawDir),
			zap.String("processed_dir", cfg.Paths.ProcessedDir),
			zap.Strings("programmes", opts.Programmes),
			zap.Int("parallel", opts.Parallel),
		)

		report, err := engine.Run(ctx, opts)
		if report != nil {
			formatReport(os.Stdout, report)
		}
		if err != nil {
			return err
		}

		if failed := report.Count(harvest.Failed); failed > 0 {
			return eris.Errorf("run: %d of %d programmes failed", failed, len(report.Results))
		}
		return nil
	},
}

func init() {
	runCmd.Flags().String("programmes", "", "comma-separated programme ids (e.g., h2020,fp7)")
	runCmd.Flags().Int("parallel", 0, "programmes processed at once (default from pipeline.parallel)")
	rootCmd.AddCommand(runCmd)
}

// parseRunOpts extracts harvest.RunOpts from the cobra command flags.
func parseRunOpts(cmd *cobra.Command, defaultParallel int) harvest.RunOpts {
	programmesStr, _ := cmd.Flags().GetString("programmes")
	parallel, _ := cmd.Flags().GetInt("parallel")

	opts := harvest.RunOpts{Parallel: parallel}
	if opts.Parallel <= 0 {
		opts.Parallel = defaultParallel
	}

	seen := make(map[string]bool)
	for _, id := range strings.Split(programmesStr, ",") {
		id = strings.ToLower(strings.TrimSpace(id))
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		opts.Programmes = append(opts.Programmes, id)
	}
	return opts
}

func newFetcher() *fetcher.Mux {
	timeout := time.Duration(cfg.Fetch.TimeoutSecs) * time.Second
	return fetcher.NewMux(
		fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
			UserAgent:  cfg.Fetch.UserAgent,
			Timeout:    timeout,
			RatePerSec: cfg.Fetch.RatePerSec,
		}),
		fetcher.NewFTPFetcher(fetcher.FTPOptions{Timeout: timeout}),
	)
}

// formatReport writes one row per programme result to out.
func formatReport(out io.Writer, r *harvest.Report) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PROGRAMME\tOUTCOME\tPROJECTS\tORGANISATIONS\tSKIPPED FILES\tDURATION\tERROR")
	_, _ = fmt.Fprintln(w, "---------\t-------\t--------\t-------------\t-------------\t--------\t-----")

	for _, res := range r.Results {
		counts := []string{"-", "-"}
		if res.Outcome == harvest.Processed {
			counts = []string{fmt.Sprint(res.Projects), fmt.Sprint(res.Organisations)}
		}
		if res.Outcome == harvest.Staged {
			counts[0] = fmt.Sprintf("%d files", len(res.Files))
		}

		errMsg := ""
		if res.Err != nil {
			errMsg = truncate(res.Err.Error(), 60)
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			res.Programme,
			res.Outcome,
			counts[0],
			counts[1],
			len(res.RecordErrors),
			res.Elapsed.Round(time.Millisecond),
			errMsg,
		)
	}
	_ = w.Flush()
}

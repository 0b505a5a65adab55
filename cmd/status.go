package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/sells-group/cordis-cli/internal/programme"
	"github.com/sells-group/cordis-cli/internal/sink"
	"github.com/sells-group/cordis-cli/internal/staging"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show what is staged and processed",
	Long:  "Reports, for every programme, whether its raw data and outputs are present. Only the filesystem is inspected.",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := programme.Load(cfg.Pipeline.ProgrammesFile)
		if err != nil {
			return err
		}

		rows := make([]statusRow, 0, len(reg.IDs()))
		for _, d := range reg.All() {
			rows = append(rows, programmeStatus(d, cfg.Paths.RawDir, cfg.Paths.ProcessedDir))
		}
		formatStatus(os.Stdout, rows)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

type statusRow struct {
	Programme string
	Kind      programme.Kind
	Raw       string
	Output    string
	Source    string
}

// programmeStatus derives a programme's state from file existence alone.
func programmeStatus(d programme.Descriptor, rawDir, outDir string) statusRow {
	row := statusRow{Programme: d.ID, Kind: d.Kind, Source: d.SourceURL(), Raw: "missing", Output: "missing"}

	switch d.Kind {
	case programme.ArchiveOfXML:
		name, err := staging.LocalName(d.SourceURL())
		if err != nil {
			row.Raw = "invalid url"
			return row
		}
		switch {
		case isPresent(filepath.Join(rawDir, staging.ArchiveDirName(name))):
			row.Raw = "extracted"
		case isPresent(filepath.Join(rawDir, name)):
			row.Raw = "downloaded"
		}
		projects, organisations := sink.Paths(d.ID, outDir)
		p, o := isPresent(projects), isPresent(organisations)
		switch {
		case p && o:
			row.Output = "written"
		case p || o:
			row.Output = "partial"
		}

	case programme.FlatCSVList:
		var raw, published int
		for _, u := range d.URLs {
			name, err := staging.LocalName(u)
			if err != nil {
				continue
			}
			if isPresent(filepath.Join(rawDir, name)) {
				raw++
			}
			if isPresent(filepath.Join(outDir, name)) {
				published++
			}
		}
		row.Raw = fmt.Sprintf("%d/%d files", raw, len(d.URLs))
		row.Output = fmt.Sprintf("%d/%d published", published, len(d.URLs))
	}
	return row
}

func isPresent(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// formatStatus writes a tabular representation of programme state to out.
func formatStatus(out io.Writer, rows []statusRow) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PROGRAMME\tKIND\tRAW\tOUTPUT\tSOURCE")
	_, _ = fmt.Fprintln(w, "---------\t----\t---\t------\t------")

	for _, r := range rows {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			r.Programme,
			r.Kind,
			r.Raw,
			r.Output,
			truncate(r.Source, 70),
		)
	}
	_ = w.Flush()
}

// truncate shortens s to max display columns.
func truncate(s string, max int) string {
	return runewidth.Truncate(s, max, "...")
}

package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/cordis-cli/internal/programme"
)

var programmesCmd = &cobra.Command{
	Use:   "programmes",
	Short: "List known programmes",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := programme.Load(cfg.Pipeline.ProgrammesFile)
		if err != nil {
			return err
		}
		formatProgrammes(os.Stdout, reg.All())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(programmesCmd)
}

func formatProgrammes(out io.Writer, descs []programme.Descriptor) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tKIND\tFILES\tSOURCE")
	_, _ = fmt.Fprintln(w, "--\t----\t-----\t------")
	for _, d := range descs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", d.ID, d.Kind, len(d.URLs), truncate(d.SourceURL(), 70))
	}
	_ = w.Flush()
}

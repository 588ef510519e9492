package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/daryltucker/forest-sweep/internal/catalog"
)

var (
	historyFilter  catalog.Filter
	historyFastest bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List cataloged results across sessions",
	Example: `  forest-sweep history --model llama3.2 --limit 10
  forest-sweep history --fastest`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if _, err := os.Stat(filepath.Join(cfg.OutputDir, catalog.FileName)); err != nil {
			return fmt.Errorf("no catalog under %s (run a batch first): %w", cfg.OutputDir, err)
		}

		cat, err := catalog.Open(cfg.OutputDir)
		if err != nil {
			return err
		}
		defer cat.Close()

		var rows []catalog.Record
		if historyFastest {
			rows, err = cat.Fastest(historyFilter.Limit)
		} else {
			rows, err = cat.Recent(historyFilter)
		}
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(rows) == 0 {
			fmt.Fprintln(out, "No results.")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "WHEN\tSESSION\tMODEL\tITEM\tTEMP\tOK\tELAPSED\tWORDS\tTOKENS")
		for _, r := range rows {
			status := "yes"
			if !r.Success {
				status = r.ErrorKind
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.2f\t%s\t%.2fs\t%d\t%d\n",
				r.CreatedAt.Local().Format("2006-01-02 15:04:05"), r.Session, r.Model, r.ItemTag,
				r.Temperature, status, r.Elapsed, r.Words, r.Tokens)
		}
		return tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().StringVar(&historyFilter.Model, "model", "", "Only this model")
	historyCmd.Flags().StringVar(&historyFilter.Session, "session", "", "Only this session ID")
	historyCmd.Flags().BoolVar(&historyFilter.SuccessOnly, "ok", false, "Only successful results")
	historyCmd.Flags().IntVar(&historyFilter.Limit, "limit", 20, "Maximum rows")
	historyCmd.Flags().BoolVar(&historyFastest, "fastest", false, "Rank successful results by elapsed time")
}

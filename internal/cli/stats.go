package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/daryltucker/forest-sweep/internal/output"
)

var statsCmd = &cobra.Command{
	Use:   "stats [path]",
	Short: "Show file count and size of a session or the whole result root",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		root := cfg.OutputDir
		if len(args) == 1 {
			root = args[0]
		}

		st, err := output.CollectStats(root)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Path:    %s\n", root)
		fmt.Fprintf(out, "Files:   %d\n", st.Count)
		fmt.Fprintf(out, "Results: %d\n", st.Results)
		fmt.Fprintf(out, "Size:    %s\n", st.FormattedSize)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

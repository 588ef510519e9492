package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/daryltucker/forest-sweep/internal/engine"
	"github.com/daryltucker/forest-sweep/internal/progression"
)

var previewFlags batchFlags

var previewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Show the sampling parameters a run would use, without sending requests",
	Long: `Plans the batch exactly like 'run' and prints every item's parameters.
In random mode the seed is printed; pass it back with --seed to run the
same plan. A model list of 'all' asks the server which models exist.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := previewFlags.apply(cmd, cfg); err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		mode, err := progression.ParseMode(cfg.Mode)
		if err != nil {
			return err
		}
		e := engine.New(cfg)
		defer e.Close()
		models, err := e.ResolveModels(cmd.Context(), cfg.ModelList(), cfg.Exclude)
		if err != nil {
			return err
		}
		items, seed, err := progression.Preview(mode, cfg.Sampling, cfg.Ranges, models, cfg.Items)
		if err != nil {
			return err
		}
		return printPlan(cmd.OutOrStdout(), mode, seed, items)
	},
}

func printPlan(w io.Writer, mode progression.Mode, seed uint64, items []progression.PlannedItem) error {
	fmt.Fprintf(w, "Mode: %s  Items: %d", mode, len(items))
	if mode == progression.Random {
		fmt.Fprintf(w, "  Seed: %d", seed)
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tMODEL\tITEM\tTEMP\tTOP_P\tTOP_K\tREPEAT\tMAX_TOKENS")
	for _, it := range items {
		c := it.Config
		fmt.Fprintf(tw, "%d\t%s\t%s\t%.3f\t%.3f\t%d\t%.2f\t%d\n",
			it.Seq+1, c.Model, it.Tag(), c.Temperature, c.TopP, c.TopK, c.RepeatPenalty, c.MaxTokens)
	}
	return tw.Flush()
}

func init() {
	rootCmd.AddCommand(previewCmd)
	previewFlags.register(previewCmd)
}

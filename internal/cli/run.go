/*
PURPOSE:
  Defines the 'run' subcommand.
  Executes one experiment batch and prints its summary.

REQUIREMENTS:
  User-specified:
  - Run the batch.
  - Specific flags for overrides.
  - Ctrl-C stops the batch but keeps everything finished so far.

  Implementation-discovered:
  - Need to load config first.
  - Apply flag overrides to config, then validate before any request.
  - A second Ctrl-C exits immediately.

ARCHITECTURE INTEGRATION:
  - Calls: internal/engine.Run()
  - Uses: internal/config, internal/output

ERROR HANDLING:
  - Returns error if config load/validation fails or the batch aborts.
  - Item failures are only reported in the summary.

IMPLEMENTATION RULES:
  - Setup flags in init().
  - Logic: Load Config -> Override -> Validate -> engine.Run -> Summary.

USAGE:
  forest-sweep run --models llama3.2 -n 5 -m incremental --temperature-range 0.2:1.2

SELF-HEALING INSTRUCTIONS:
  - Check flag names match Config struct fields generally.

RELATED FILES:
  - internal/cli/flags.go
  - internal/engine/runner.go
*/

package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/daryltucker/forest-sweep/internal/engine"
	"github.com/daryltucker/forest-sweep/internal/model"
	"github.com/daryltucker/forest-sweep/internal/output"
	"github.com/daryltucker/forest-sweep/internal/progression"
)

var (
	runFlags   batchFlags
	showStream bool
	noCatalog  bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run an experiment batch",
	Long: `Runs every planned item (models x items) against the generation server.
Each item is streamed, then saved immediately as a content file plus a
metadata JSON file in a new session directory. A failed item never stops the
batch; Ctrl-C stops new items and keeps what is done.

The session directory also gets results.csv, results.jsonl and summary.txt.`,
	Example: `  # Run with defaults (uses forest_sweep.yaml)
  forest-sweep run

  # Sweep temperature over 5 items
  forest-sweep run --models llama3.2 -n 5 -m incremental --temperature-range 0.2:1.2

  # Random sampling, reproducible
  forest-sweep run -m random -n 10 --top-k-range 10:80 --seed 42

  # Every model on the server except embedders, two at a time
  forest-sweep run --models all --exclude embed --concurrency 2`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := runFlags.apply(cmd, cfg); err != nil {
			return err
		}
		if cmd.Flags().Changed("stream") {
			cfg.ShowStream = showStream
		}
		if noCatalog {
			cfg.Catalog = false
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		token := model.NewCancelToken()
		stopSignals := cancelOnInterrupt(token)
		defer stopSignals()

		out := cmd.OutOrStdout()
		hooks := engine.Hooks{}
		if cfg.ShowStream {
			hooks.OnChunk = streamPrinter(out)
		}

		report, err := engine.Run(cmd.Context(), cfg, token, hooks)
		if report.Session != nil {
			fmt.Fprintf(out, "\nSession: %s\n", report.Session.Dir)
		}
		if len(report.Planned) > 0 {
			if rerr := output.RenderSummary(out, report.Summary); rerr != nil {
				return rerr
			}
		}
		if err != nil {
			return err
		}
		if report.Cancelled {
			fmt.Fprintf(out, "Cancelled after %d of %d items.\n", len(report.Entries), len(report.Planned))
		}
		return nil
	},
}

// cancelOnInterrupt cancels token on the first SIGINT/SIGTERM and exits on
// the second. The returned func stops listening.
func cancelOnInterrupt(token *model.CancelToken) func() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		select {
		case <-sigCh:
			output.Logger.Warn("Interrupt received: finishing the current item, no new items will start (Ctrl-C again to quit)")
			token.Cancel()
		case <-ctx.Done():
			return
		}
		select {
		case <-sigCh:
			os.Exit(130)
		case <-ctx.Done():
		}
	}()

	return func() {
		signal.Stop(sigCh)
		cancel()
	}
}

// streamPrinter echoes fragments, printing a header when the item changes.
// Concurrent items call it from several goroutines; each fragment is written
// under one lock so headers and text never interleave mid-write.
func streamPrinter(w io.Writer) func(progression.PlannedItem, string, string) {
	var mu sync.Mutex
	current := -1
	return func(it progression.PlannedItem, delta, _ string) {
		mu.Lock()
		defer mu.Unlock()
		if it.Seq != current {
			current = it.Seq
			fmt.Fprintf(w, "\n--- %s %s (temperature %.2f) ---\n", it.Config.Model, it.Tag(), it.Config.Temperature)
		}
		fmt.Fprint(w, delta)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)

	runFlags.register(runCmd)
	runCmd.Flags().BoolVar(&showStream, "stream", false, "Echo generated text as it arrives")
	runCmd.Flags().BoolVar(&noCatalog, "no-catalog", false, "Do not record results in the SQLite catalog")
}

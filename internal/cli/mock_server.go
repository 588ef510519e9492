package cli

import (
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/daryltucker/forest-sweep/internal/mockserver"
	"github.com/daryltucker/forest-sweep/internal/output"
)

var (
	mockAddr string
	mockText string
	mockOpts mockserver.Options
)

var mockServerCmd = &cobra.Command{
	Use:   "mock-server",
	Short: "Serve a scripted generation endpoint for local testing",
	Long: `Starts an HTTP server speaking the NDJSON streaming protocol with a fixed
script. Useful for trying timeouts and failures without a real model:

  forest-sweep mock-server --stall-after 2
  forest-sweep run --url http://127.0.0.1:11500 --read-timeout 3`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := loadConfig(cmd); err != nil {
			return err
		}
		if mockText != "" {
			mockOpts.Fragments = strings.SplitAfter(mockText, " ")
		}
		mockOpts.Logger = output.Logger

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		output.Logger.Info("Mock server listening", "addr", mockAddr, "models", mockOpts.Models)
		return mockserver.New(mockOpts).ListenAndServe(ctx, mockAddr)
	},
}

func init() {
	rootCmd.AddCommand(mockServerCmd)
	f := mockServerCmd.Flags()
	f.StringVar(&mockAddr, "addr", "127.0.0.1:11500", "Listen address")
	f.StringSliceVar(&mockOpts.Models, "models", []string{"mock-small", "mock-large"}, "Model names reported by /api/tags")
	f.StringVar(&mockText, "text", "", "Text to stream, one word per line (default \"Hello world\")")
	f.DurationVar(&mockOpts.LineDelay, "delay", 50*time.Millisecond, "Delay before each streamed line")
	f.IntVar(&mockOpts.FailStatus, "fail-status", 0, "Answer every generation with this HTTP status")
	f.IntVar(&mockOpts.StallAfter, "stall-after", 0, "Stop sending after N fragments and hold the connection")
	f.StringVar(&mockOpts.StreamError, "stream-error", "", "Send this error in the stream after the fragments")
	f.BoolVar(&mockOpts.OmitDone, "omit-done", false, "Close the stream without the final done line")
}

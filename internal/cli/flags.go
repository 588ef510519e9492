package cli

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/daryltucker/forest-sweep/internal/config"
	"github.com/daryltucker/forest-sweep/internal/model"
)

// batchFlags are the config overrides shared by run and preview.
type batchFlags struct {
	url         string
	models      []string
	exclude     []string
	prompt      string
	promptFile  string
	system      string
	endpoint    string
	mode        string
	items       int
	tag         string
	seed        int64
	temperature string
	topP        string
	topK        string
	outputDir   string
	metadataDir string
	concurrency int
	connectTO   int
	readTO      int
}

func (f *batchFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.url, "url", "", "Generation server base URL")
	fl.StringSliceVar(&f.models, "models", nil, "Comma-separated models to run ('all' discovers them)")
	fl.StringSliceVar(&f.exclude, "exclude", nil, "Comma-separated substrings to exclude from model names")
	fl.StringVar(&f.prompt, "prompt", "", "User prompt")
	fl.StringVarP(&f.promptFile, "prompt-file", "p", "", "Path to a markdown/text file containing the prompt (overrides --prompt)")
	fl.StringVar(&f.system, "system", "", "System prompt")
	fl.StringVar(&f.endpoint, "endpoint", "", "API shape: generate or chat")
	fl.StringVarP(&f.mode, "mode", "m", "", "Progression mode: fixed, incremental or random")
	fl.IntVarP(&f.items, "items", "n", 0, "Items per model")
	fl.StringVar(&f.tag, "tag", "", "Session tag")
	fl.Int64Var(&f.seed, "seed", 0, "Seed for random mode and the server sampler")
	fl.StringVar(&f.temperature, "temperature-range", "", "Temperature range MIN:MAX")
	fl.StringVar(&f.topP, "top-p-range", "", "top_p range MIN:MAX")
	fl.StringVar(&f.topK, "top-k-range", "", "top_k range MIN:MAX")
	fl.StringVarP(&f.outputDir, "output-dir", "o", "", "Root directory for sessions")
	fl.StringVar(&f.metadataDir, "metadata-dir", "", "Separate root for metadata files")
	fl.IntVar(&f.concurrency, "concurrency", 0, "Items in flight at once")
	fl.IntVar(&f.connectTO, "connect-timeout", 0, "Connect timeout in seconds (0 = no limit)")
	fl.IntVar(&f.readTO, "read-timeout", 0, "Read timeout in seconds (0 = wait indefinitely)")
}

// apply copies every flag the user set onto cfg.
func (f *batchFlags) apply(cmd *cobra.Command, cfg *config.Config) error {
	changed := cmd.Flags().Changed
	if changed("url") {
		cfg.URL = f.url
	}
	if changed("models") {
		cfg.Models = f.models
	}
	if changed("exclude") {
		cfg.Exclude = f.exclude
	}
	if changed("prompt") {
		cfg.Prompt = f.prompt
	}
	if f.promptFile != "" {
		data, err := os.ReadFile(f.promptFile)
		if err != nil {
			return fmt.Errorf("failed to read prompt file: %w", err)
		}
		cfg.Prompt = string(data)
	}
	if changed("system") {
		cfg.SystemPrompt = f.system
	}
	if changed("endpoint") {
		cfg.Endpoint = f.endpoint
	}
	if changed("mode") {
		cfg.Mode = f.mode
	}
	if changed("items") {
		cfg.Items = f.items
	}
	if changed("tag") {
		cfg.Tag = f.tag
	}
	if changed("seed") {
		cfg.Sampling = cfg.Sampling.WithSeed(f.seed)
	}
	for _, rf := range []struct {
		name   string
		value  string
		target **model.ParameterRange
	}{
		{"temperature-range", f.temperature, &cfg.Ranges.Temperature},
		{"top-p-range", f.topP, &cfg.Ranges.TopP},
		{"top-k-range", f.topK, &cfg.Ranges.TopK},
	} {
		if !changed(rf.name) {
			continue
		}
		r, err := parseRange(rf.value)
		if err != nil {
			return fmt.Errorf("--%s: %w", rf.name, err)
		}
		*rf.target = r
	}
	if changed("output-dir") {
		cfg.OutputDir = f.outputDir
	}
	if changed("metadata-dir") {
		cfg.MetadataDir = f.metadataDir
	}
	if changed("concurrency") {
		cfg.Concurrency = f.concurrency
	}
	if changed("connect-timeout") {
		cfg.Sampling.ConnectTimeoutS = f.connectTO
	}
	if changed("read-timeout") {
		cfg.Sampling.ReadTimeoutS = f.readTO
	}
	return nil
}

// parseRange reads "MIN:MAX" (or "MIN,MAX"). An empty string clears the range.
func parseRange(s string) (*model.ParameterRange, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	sep := ":"
	if !strings.Contains(s, sep) {
		sep = ","
	}
	lo, hi, ok := strings.Cut(s, sep)
	if !ok {
		return nil, fmt.Errorf("range %q must look like MIN:MAX", s)
	}
	a, err := strconv.ParseFloat(strings.TrimSpace(lo), 64)
	if err != nil {
		return nil, fmt.Errorf("range %q: bad minimum: %w", s, err)
	}
	b, err := strconv.ParseFloat(strings.TrimSpace(hi), 64)
	if err != nil {
		return nil, fmt.Errorf("range %q: bad maximum: %w", s, err)
	}
	r := model.NewParameterRange(a, b)
	return &r, nil
}

/*
PURPOSE:
  High-level runner that orchestrates an experiment batch.
  Plans Models -> Items up front, streams each item, persists it right away
  and reports a summary.

REQUIREMENTS:
  User-specified:
  - Run a batch of items per model with fixed, incremental or random
    sampling parameters.
  - Log results to CSV/JSON next to the content files.
  - A failed item never stops the batch; a cancel request stops new items.

  Implementation-discovered:
  - Parameters are planned before anything runs, so preview and run agree
    and parallel execution cannot reorder random draws.
  - Results are only "done" once the store has them: a store failure
    aborts the batch instead of silently losing output.

ARCHITECTURE INTEGRATION:
  - Called by: internal/cli (run)
  - Uses: internal/engine (Stream), internal/progression, internal/output,
    internal/catalog

ERROR HANDLING:
  - Item failures are data (GenerationResult.Error) and are logged.
  - Store and catalog errors end the batch; the partial report is still
    returned with the error.

IMPLEMENTATION RULES:
  - Check the cancel token before starting every item.
  - Report entries in plan order regardless of completion order.

USAGE:
  report, err := engine.NewRunner(client, store).Run(ctx, batch, sess, token)

SELF-HEALING INSTRUCTIONS:
  - None.

RELATED FILES:
  - internal/engine/client.go
  - internal/progression/progression.go

MAINTENANCE:
  - Keep Run (config wiring) in step with config.Config.
*/

package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/daryltucker/forest-sweep/internal/catalog"
	"github.com/daryltucker/forest-sweep/internal/config"
	"github.com/daryltucker/forest-sweep/internal/model"
	"github.com/daryltucker/forest-sweep/internal/output"
	"github.com/daryltucker/forest-sweep/internal/progression"
)

// AllModels in the model list means "every model the server reports".
const AllModels = "all"

// Run artifacts written into the session directory.
const (
	CSVFile     = "results.csv"
	JSONLFile   = "results.jsonl"
	SummaryFile = "summary.txt"
)

// Streamer performs one generation.
type Streamer interface {
	Stream(ctx context.Context, req model.GenerationRequest, onChunk ChunkFunc, cancel *model.CancelToken) model.GenerationResult
}

// ResultSaver persists one result.
type ResultSaver interface {
	Save(res model.GenerationResult, meta output.RequestMeta, sess *output.Session) (string, string, error)
}

// Recorder indexes a saved result.
type Recorder interface {
	Record(r catalog.Record) error
}

// Batch describes one experiment run.
type Batch struct {
	// Template carries the prompts and endpoint; its Config is the base
	// sampling config every item is resolved from.
	Template  model.GenerationRequest
	Models    []string
	Mode      progression.Mode
	Ranges    model.ParameterRanges
	ItemCount int
	Tag       string
	// Concurrency > 1 runs that many items at once.
	Concurrency int
}

// Report is what a batch produced.
type Report struct {
	RunID     string
	Seed      uint64
	Session   *output.Session
	Planned   []progression.PlannedItem
	Entries   []output.Entry
	Summary   output.Summary
	Cancelled bool
}

// Runner executes batches.
type Runner struct {
	Client  Streamer
	Store   ResultSaver
	Catalog Recorder
	// URL is recorded in metadata.
	URL string

	// OnChunk, when set, sees every fragment of every item.
	OnChunk func(item progression.PlannedItem, delta, accumulated string)
	// OnItem, when set, runs after each item has been persisted.
	OnItem func(e output.Entry)
}

// NewRunner creates a Runner without catalog or hooks.
func NewRunner(client Streamer, store ResultSaver) *Runner {
	return &Runner{Client: client, Store: store}
}

// Run plans and executes the batch into sess.
func (r *Runner) Run(ctx context.Context, b Batch, sess *output.Session, cancel *model.CancelToken) (Report, error) {
	if sess == nil {
		return Report{}, errors.New("run: nil session")
	}
	items, seed, err := progression.Plan(b.Mode, b.Template.Config, b.Ranges, b.Models, b.ItemCount)
	if err != nil {
		return Report{}, fmt.Errorf("planning batch: %w", err)
	}

	report := Report{RunID: uuid.NewString(), Seed: seed, Session: sess, Planned: items}
	log := output.Logger.With("run", report.RunID, "session", sess.ID)
	log.Info("Starting batch", "tag", b.Tag, "items", len(items), "mode", b.Mode, "seed", seed, "concurrency", max(b.Concurrency, 1))

	logs, err := openRunLogs(sess.Dir)
	if err != nil {
		return report, err
	}
	defer logs.Close()

	var (
		mu       sync.Mutex
		finished = make([]*output.Entry, len(items))
		stop     atomic.Bool
	)
	stopping := func() bool {
		return stop.Load() || cancel.Cancelled() || ctx.Err() != nil
	}
	runOne := func(ctx context.Context, it progression.PlannedItem) error {
		if stopping() {
			return nil
		}
		e, err := r.runItem(ctx, b, it, sess, cancel, logs)
		if err != nil {
			stop.Store(true)
			return err
		}
		mu.Lock()
		finished[it.Seq] = &e
		mu.Unlock()
		if e.Result.Error != nil && e.Result.Error.Kind == model.KindCancelled {
			stop.Store(true)
		}
		return nil
	}

	if b.Concurrency <= 1 {
		for _, it := range items {
			if stopping() {
				break
			}
			if err = runOne(ctx, it); err != nil {
				break
			}
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(b.Concurrency)
		for _, it := range items {
			if stopping() || gctx.Err() != nil {
				break
			}
			g.Go(func() error { return runOne(gctx, it) })
		}
		err = g.Wait()
	}

	for _, e := range finished {
		if e != nil {
			report.Entries = append(report.Entries, *e)
		}
	}
	report.Cancelled = (stop.Load() && err == nil) || cancel.Cancelled() || ctx.Err() != nil
	report.Summary = output.Summarize(report.Entries)

	if werr := writeSummary(sess.Dir, report.Summary); werr != nil {
		log.Warn("Failed to write summary", "error", werr)
	}
	if err != nil {
		log.Error("Batch aborted", "error", err, "completed", len(report.Entries))
		return report, err
	}
	log.Info("Batch finished",
		"completed", len(report.Entries),
		"planned", len(items),
		"succeeded", report.Summary.Succeeded,
		"cancelled", report.Cancelled,
	)
	return report, nil
}

func (r *Runner) runItem(ctx context.Context, b Batch, it progression.PlannedItem, sess *output.Session, cancel *model.CancelToken, logs *runLogs) (output.Entry, error) {
	req := b.Template
	req.Config = it.Config

	var onChunk ChunkFunc
	if r.OnChunk != nil {
		onChunk = func(delta, acc string) { r.OnChunk(it, delta, acc) }
	}

	output.Logger.Debug("Starting item", "model", it.Config.Model, "item", it.Tag(), "temperature", it.Config.Temperature)
	res := r.Client.Stream(ctx, req, onChunk, cancel)

	e := output.Entry{Seq: it.Seq, ItemIndex: it.Index, ItemTag: it.Tag(), ID: uuid.NewString(), Result: res}
	contentPath, metaPath, err := r.Store.Save(res, output.RequestMeta{
		ID:           e.ID,
		ItemIndex:    it.Index,
		ItemTag:      it.Tag(),
		URL:          r.URL,
		Endpoint:     req.Endpoint,
		SystemPrompt: req.SystemPrompt,
		UserPrompt:   req.UserPrompt,
	}, sess)
	if err != nil {
		return e, fmt.Errorf("saving %s %s: %w", it.Config.Model, it.Tag(), err)
	}
	e.ContentPath, e.MetaPath = contentPath, metaPath

	if r.Catalog != nil {
		if err := r.Catalog.Record(catalog.FromEntry(sess.ID, e)); err != nil {
			return e, fmt.Errorf("cataloging %s %s: %w", it.Config.Model, it.Tag(), err)
		}
	}
	logs.Write(e)

	if res.Success {
		output.Logger.Info("Item finished",
			"model", it.Config.Model,
			"item", it.Tag(),
			"elapsed_s", fmt.Sprintf("%.2f", res.ElapsedSeconds),
			"words", res.WordCount,
			"tokens", res.TokenCount,
		)
	} else {
		output.Logger.Warn("Item failed",
			"model", it.Config.Model,
			"item", it.Tag(),
			"kind", res.Error.Kind,
			"error", res.Error.Message,
			"hint", res.Error.Hint(),
		)
	}
	if r.OnItem != nil {
		r.OnItem(e)
	}
	return e, nil
}

// runLogs are the per-session CSV/JSONL writers. Write failures are logged,
// not fatal: the content and metadata files are the record of truth.
type runLogs struct {
	csv  *output.CSVWriter
	json *output.JSONWriter
}

func openRunLogs(dir string) (*runLogs, error) {
	csvPath := filepath.Join(dir, CSVFile)
	csvWriter, err := output.NewCSVWriter(csvPath)
	if err != nil {
		return nil, fmt.Errorf("failed to init CSV writer at %s: %w", csvPath, err)
	}
	jsonPath := filepath.Join(dir, JSONLFile)
	jsonWriter, err := output.NewJSONWriter(jsonPath)
	if err != nil {
		csvWriter.Close()
		return nil, fmt.Errorf("failed to init JSON writer at %s: %w", jsonPath, err)
	}
	return &runLogs{csv: csvWriter, json: jsonWriter}, nil
}

func (l *runLogs) Write(e output.Entry) {
	if err := l.csv.Write(e); err != nil {
		output.Logger.Error("Failed to write result to CSV", "error", err)
	}
	if err := l.json.Write(e); err != nil {
		output.Logger.Error("Failed to write result to JSON", "error", err)
	}
}

func (l *runLogs) Close() {
	output.Logger.Debug("Closing result logs", "rows", l.json.Rows())
	l.csv.Close()
	l.json.Close()
}

func writeSummary(dir string, s output.Summary) error {
	f, err := os.Create(filepath.Join(dir, SummaryFile))
	if err != nil {
		return err
	}
	if err := output.RenderSummary(f, s); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ResolveModels expands a model list of just "all" into every model the
// server reports, minus exclude. Any other list is returned unchanged.
func (e *Engine) ResolveModels(ctx context.Context, models, exclude []string) ([]string, error) {
	if len(models) != 1 || models[0] != AllModels {
		return models, nil
	}
	output.Logger.Info("Discovering models...", "url", e.BaseURL)
	found, err := e.GetModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to discover models at %s: %w", e.BaseURL, err)
	}
	selected := config.FilterModels(found, exclude)
	output.Logger.Info("Found models", "url", e.BaseURL, "count", len(found), "selected", len(selected))
	if len(selected) == 0 {
		return nil, errors.New("no models left to run after exclusions")
	}
	return selected, nil
}

// Hooks are optional callbacks for Run.
type Hooks struct {
	OnChunk func(item progression.PlannedItem, delta, accumulated string)
	OnItem  func(e output.Entry)
}

// Run wires a full batch from configuration: engine, store, session,
// optional catalog. A model list of "all" runs every model the server
// reports, minus cfg.Exclude.
func Run(ctx context.Context, cfg *config.Config, cancel *model.CancelToken, hooks Hooks) (Report, error) {
	e := New(cfg)
	defer e.Close()

	models, err := e.ResolveModels(ctx, cfg.ModelList(), cfg.Exclude)
	if err != nil {
		return Report{}, err
	}

	mode, err := progression.ParseMode(cfg.Mode)
	if err != nil {
		return Report{}, err
	}
	base := cfg.Sampling
	if base.Model == "" || base.Model == AllModels {
		base.Model = models[0]
	}

	store := output.NewStore(cfg.OutputDir, cfg.MetadataDir)
	sess, err := store.CreateSession(cfg.Tag)
	if err != nil {
		return Report{}, err
	}

	runner := NewRunner(e, store)
	runner.URL = e.BaseURL
	runner.OnChunk = hooks.OnChunk
	runner.OnItem = hooks.OnItem
	if cfg.Catalog {
		cat, err := catalog.Open(cfg.OutputDir)
		if err != nil {
			return Report{Session: sess}, fmt.Errorf("opening catalog: %w", err)
		}
		defer cat.Close()
		runner.Catalog = cat
	}

	endpoint := model.Endpoint(cfg.Endpoint)
	if endpoint == "" {
		endpoint = model.EndpointGenerate
	}
	return runner.Run(ctx, Batch{
		Template: model.GenerationRequest{
			SystemPrompt: cfg.SystemPrompt,
			UserPrompt:   cfg.Prompt,
			Endpoint:     endpoint,
			Config:       base,
		},
		Models:      models,
		Mode:        mode,
		Ranges:      cfg.Ranges,
		ItemCount:   cfg.Items,
		Tag:         cfg.Tag,
		Concurrency: cfg.Concurrency,
	}, sess, cancel)
}

/*
PURPOSE:
  Writes one row per finished batch item to results.csv in the session
  directory. Ensures data integrity by flushing writes immediately.

REQUIREMENTS:
  User-specified:
  - Spreadsheet-friendly run log next to the content files.

  Implementation-discovered:
  - A crashed or cancelled batch must still leave every finished row on disk.
  - Items may finish concurrently.

ARCHITECTURE INTEGRATION:
  - Called by: internal/engine (Runner)
  - Consumes: output.Entry

ERROR HANDLING:
  - Returns error on file creation or write failure.

IMPLEMENTATION RULES:
  - Use encoding/csv.
  - Flush() after every write (critical for crash resilience).
  - Mutex-guarded.

USAGE:
  w, err := output.NewCSVWriter(filepath.Join(sess.Dir, "results.csv"))
  w.Write(entry)
  w.Close()

SELF-HEALING INSTRUCTIONS:
  - If CSV format changes, update header and record conversion together.

RELATED FILES:
  - internal/output/summary.go (Entry)
*/

package output

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"
)

var csvHeader = []string{
	"seq", "id", "model", "item", "timestamp",
	"temperature", "top_p", "top_k", "repeat_penalty", "max_tokens",
	"success", "error_kind", "error",
	"elapsed_s", "words", "tokens", "estimated_tokens", "server_tokens", "prompt_tokens",
	"skipped_lines", "wpm", "timeout_used", "content_file",
}

// CSVWriter handles writing entries to a CSV file.
type CSVWriter struct {
	file   *os.File
	writer *csv.Writer
	mu     sync.Mutex
}

// NewCSVWriter creates a new CSVWriter.
// It overwrites the file if it exists.
func NewCSVWriter(path string) (*CSVWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}

	w := csv.NewWriter(f)
	if err := w.Write(csvHeader); err != nil {
		f.Close()
		return nil, err
	}
	w.Flush()

	return &CSVWriter{
		file:   f,
		writer: w,
	}, nil
}

// Write writes a single entry to the CSV file.
// It is thread-safe.
func (cw *CSVWriter) Write(e Entry) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	r := e.Result
	cfg := r.ConfigUsed
	kind := ""
	if r.Error != nil {
		kind = string(r.Error.Kind)
	}

	record := []string{
		strconv.Itoa(e.Seq),
		e.ID,
		cfg.Model,
		e.ItemTag,
		r.StartedAt.Format(time.RFC3339),
		fmt.Sprintf("%.4f", cfg.Temperature),
		fmt.Sprintf("%.4f", cfg.TopP),
		strconv.Itoa(cfg.TopK),
		fmt.Sprintf("%.2f", cfg.RepeatPenalty),
		strconv.Itoa(cfg.MaxTokens),
		strconv.FormatBool(r.Success),
		kind,
		r.ErrorMessage(),
		fmt.Sprintf("%.4f", r.ElapsedSeconds),
		strconv.Itoa(r.WordCount),
		strconv.Itoa(r.TokenCount),
		strconv.Itoa(r.EstimatedTokenCount),
		strconv.Itoa(r.ServerTokenCount),
		strconv.Itoa(r.PromptTokens),
		strconv.Itoa(r.SkippedLines),
		fmt.Sprintf("%.1f", r.WordsPerMinute()),
		r.TimeoutUsed,
		e.ContentPath,
	}

	if err := cw.writer.Write(record); err != nil {
		return err
	}
	cw.writer.Flush()
	return cw.writer.Error()
}

// Close closes the underlying file.
func (cw *CSVWriter) Close() error {
	cw.writer.Flush()
	return cw.file.Close()
}

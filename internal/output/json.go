/*
PURPOSE:
  Writes finished batch items to results.jsonl, one object per line.
  Meant for jq and other line-oriented tooling.

REQUIREMENTS:
  Implementation-discovered:
  - Lines stay small: the generated text lives in the content file, so rows
    carry the path to it instead of the text itself.
  - Throughput is precomputed so consumers need not repeat the math.

ARCHITECTURE INTEGRATION:
  - Called by: internal/engine (Runner)
  - Consumes: output.Entry

ERROR HANDLING:
  - Returns error on file creation or encode failure.

IMPLEMENTATION RULES:
  - One encoder per file, guarded by a mutex (concurrent runners share it).

USAGE:
  w, err := output.NewJSONWriter(filepath.Join(sess.Dir, "results.jsonl"))
  w.Write(entry)
  w.Close()
*/

package output

import (
	"encoding/json"
	"os"
	"sync"
)

// jsonRow flattens an Entry for the JSONL log.
type jsonRow struct {
	Entry
	WPM *float64 `json:"wpm,omitempty"`
	TPM *float64 `json:"tpm,omitempty"`
}

// JSONWriter appends entries to a JSON Lines file.
type JSONWriter struct {
	mu   sync.Mutex
	f    *os.File
	enc  *json.Encoder
	rows int
}

// NewJSONWriter creates (or truncates) path.
func NewJSONWriter(path string) (*JSONWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &JSONWriter{f: f, enc: json.NewEncoder(f)}, nil
}

// Write encodes e as one line without its generated text.
func (jw *JSONWriter) Write(e Entry) error {
	row := jsonRow{Entry: e}
	row.Result.Text = ""
	row.WPM, row.TPM = rates(e.Result)

	jw.mu.Lock()
	defer jw.mu.Unlock()
	if err := jw.enc.Encode(row); err != nil {
		return err
	}
	jw.rows++
	return nil
}

// Rows reports how many lines were written.
func (jw *JSONWriter) Rows() int {
	jw.mu.Lock()
	defer jw.mu.Unlock()
	return jw.rows
}

// Close closes the underlying file.
func (jw *JSONWriter) Close() error {
	return jw.f.Close()
}

package output

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daryltucker/forest-sweep/internal/model"
)

func entry(seq int, modelName string, elapsed float64, ok bool) Entry {
	r := model.GenerationResult{
		Success:        ok,
		Text:           "one two three",
		ElapsedSeconds: elapsed,
		ConfigUsed:     model.DefaultSamplingConfig(modelName),
	}
	if !ok {
		r.Error = &model.ErrorInfo{Kind: model.KindReadTimeout, Message: strings.Repeat("x", 120)}
	}
	r.Finalize(0)
	return Entry{Seq: seq, ItemIndex: seq, ItemTag: "item0" + string(rune('1'+seq)), Result: r}
}

func TestSummarize_OrderIsDeterministic(t *testing.T) {
	entries := []Entry{
		entry(0, "b", 3, true),
		entry(1, "b", 1, true),
		entry(2, "a", 1, true), // ties with seq 1
		entry(3, "a", 9, false),
	}
	want := Summarize(entries)

	reversed := []Entry{entries[3], entries[2], entries[1], entries[0]}
	got := Summarize(reversed)
	assert.Equal(t, want, got)

	require.Len(t, got.Ranked, 3)
	assert.Equal(t, []int{1, 2, 0}, []int{got.Ranked[0].Seq, got.Ranked[1].Seq, got.Ranked[2].Seq})
	assert.Equal(t, 1, got.Ranked[0].Rank)

	require.Len(t, got.Models, 2)
	assert.Equal(t, "a", got.Models[0].Model)
	assert.Equal(t, ModelRate{Model: "a", Succeeded: 1, Total: 2}, got.Models[0])
	assert.InDelta(t, 50.0, got.Models[0].Percent(), 1e-9)

	require.Len(t, got.Failures, 1)
	assert.Equal(t, 3, got.Succeeded)
	assert.Equal(t, 4, got.Total)
}

func TestRenderSummary(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, RenderSummary(&buf, Summarize([]Entry{
		entry(0, "llama3.2", 2, true),
		entry(1, "llama3.2", 5, false),
	})))

	out := buf.String()
	assert.Contains(t, out, "1/2 succeeded")
	assert.Contains(t, out, "RANK")
	assert.Contains(t, out, "50%")
	assert.Contains(t, out, "[read_timeout]")
	assert.Contains(t, out, strings.Repeat("x", 80)+"...")
	assert.NotContains(t, out, strings.Repeat("x", 81))
}

func TestRenderSummary_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, RenderSummary(&buf, Summarize(nil)))
	assert.Contains(t, buf.String(), "0/0 succeeded")
}

func TestRunLogWriters(t *testing.T) {
	dir := t.TempDir()
	cw, err := NewCSVWriter(filepath.Join(dir, "results.csv"))
	require.NoError(t, err)
	jw, err := NewJSONWriter(filepath.Join(dir, "results.jsonl"))
	require.NoError(t, err)

	for _, e := range []Entry{entry(0, "a", 1, true), entry(1, "a", 2, false)} {
		require.NoError(t, cw.Write(e))
		require.NoError(t, jw.Write(e))
	}
	require.NoError(t, cw.Close())
	require.NoError(t, jw.Close())

	f, err := os.Open(filepath.Join(dir, "results.csv"))
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, csvHeader, rows[0])
	assert.Equal(t, "read_timeout", rows[2][11])

	data, err := os.ReadFile(filepath.Join(dir, "results.jsonl"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	var back Entry
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &back))
	assert.Equal(t, 1, back.Seq)
	assert.False(t, back.Result.Success)
	assert.Empty(t, back.Result.Text, "text stays in the content file")
	assert.Equal(t, 2, jw.Rows())

	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Contains(t, first, "wpm")
	assert.Equal(t, "item01", first["item_tag"])
}

package output

import (
	"cmp"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/daryltucker/forest-sweep/internal/model"
)

const failureMessageWidth = 80

// Entry is one finished batch item together with where it was stored.
type Entry struct {
	Seq         int                    `json:"seq"`
	ItemIndex   int                    `json:"item_index"`
	ItemTag     string                 `json:"item_tag"`
	ID          string                 `json:"id"`
	Result      model.GenerationResult `json:"result"`
	ContentPath string                 `json:"content_path,omitempty"`
	MetaPath    string                 `json:"meta_path,omitempty"`
}

// Model is the model the item ran against.
func (e Entry) Model() string { return e.Result.ConfigUsed.Model }

// RankedEntry is a successful entry with its speed rank (1 = fastest).
type RankedEntry struct {
	Rank int
	Entry
}

// ModelRate is the success rate of one model across the batch.
type ModelRate struct {
	Model     string
	Succeeded int
	Total     int
}

// Percent is the success rate in percent; 0 when nothing ran.
func (m ModelRate) Percent() float64 {
	if m.Total == 0 {
		return 0
	}
	return float64(m.Succeeded) * 100 / float64(m.Total)
}

// Summary is the end-of-batch report.
type Summary struct {
	Total     int
	Succeeded int
	Ranked    []RankedEntry
	Models    []ModelRate
	Failures  []Entry
}

// Summarize builds the report. The result depends only on the set of entries,
// not their order: successes sort by elapsed time then plan order, models by
// name, failures by plan order.
func Summarize(entries []Entry) Summary {
	sorted := slices.Clone(entries)
	slices.SortFunc(sorted, func(a, b Entry) int { return cmp.Compare(a.Seq, b.Seq) })

	s := Summary{Total: len(sorted)}
	perModel := map[string]*ModelRate{}
	var ok []Entry
	for _, e := range sorted {
		r := perModel[e.Model()]
		if r == nil {
			r = &ModelRate{Model: e.Model()}
			perModel[e.Model()] = r
		}
		r.Total++
		if e.Result.Success {
			r.Succeeded++
			ok = append(ok, e)
		} else {
			s.Failures = append(s.Failures, e)
		}
	}
	s.Succeeded = len(ok)

	slices.SortStableFunc(ok, func(a, b Entry) int {
		return cmp.Compare(a.Result.ElapsedSeconds, b.Result.ElapsedSeconds)
	})
	for i, e := range ok {
		s.Ranked = append(s.Ranked, RankedEntry{Rank: i + 1, Entry: e})
	}

	for _, r := range perModel {
		s.Models = append(s.Models, *r)
	}
	slices.SortFunc(s.Models, func(a, b ModelRate) int { return strings.Compare(a.Model, b.Model) })
	return s
}

// RenderSummary writes the report as aligned text tables.
func RenderSummary(w io.Writer, s Summary) error {
	fmt.Fprintf(w, "Batch summary: %d/%d succeeded\n", s.Succeeded, s.Total)

	if len(s.Ranked) > 0 {
		fmt.Fprintln(w, "\nFastest first:")
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "RANK\tMODEL\tITEM\tTEMP\tWORDS\tTOKENS\tELAPSED\tWPM")
		for _, r := range s.Ranked {
			res := r.Result
			fmt.Fprintf(tw, "%d\t%s\t%s\t%.2f\t%d\t%d\t%.2fs\t%.1f\n",
				r.Rank, r.Model(), r.ItemTag, res.ConfigUsed.Temperature,
				res.WordCount, res.TokenCount, res.ElapsedSeconds, res.WordsPerMinute())
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	if len(s.Models) > 0 {
		fmt.Fprintln(w, "\nPer model:")
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "MODEL\tOK\tRATE")
		for _, m := range s.Models {
			fmt.Fprintf(tw, "%s\t%d/%d\t%.0f%%\n", m.Model, m.Succeeded, m.Total, m.Percent())
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	if len(s.Failures) > 0 {
		fmt.Fprintln(w, "\nFailures:")
		for _, f := range s.Failures {
			kind := model.ErrorKind("unknown")
			if f.Result.Error != nil {
				kind = f.Result.Error.Kind
			}
			fmt.Fprintf(w, "  %s %s [%s] %s\n", f.Model(), f.ItemTag, kind, truncateRunes(f.Result.ErrorMessage(), failureMessageWidth))
		}
	}
	_, err := fmt.Fprintln(w)
	return err
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

/*
PURPOSE:
  Persists generation results: one session directory per batch, a content
  file plus a metadata JSON file per item, and size statistics.

REQUIREMENTS:
  User-specified:
  - Content and metadata are separate files sharing a base name, optionally
    under separate roots.
  - A failed result still gets a content file, starting with "ERROR: ".
  - Metadata carries derived rates only when elapsed time is known.

  Implementation-discovered:
  - Second-resolution names collide when items finish in the same second
    (or run in parallel), so names carry microseconds, files are created
    with O_EXCL and a numeric suffix settles any remaining clash.
  - Model names contain ':' and '/' (llama3.2:3b, hf.co/org/model).

ARCHITECTURE INTEGRATION:
  - Called by: internal/engine (Runner), internal/cli (stats)
  - Consumes: internal/model.GenerationResult

ERROR HANDLING:
  - Every filesystem failure is returned wrapped; the Runner aborts the batch.

IMPLEMENTATION RULES:
  - Saved files are never rewritten.

USAGE:
  store := output.NewStore("results", "")
  sess, err := store.CreateSession("sweep")
  contentPath, metaPath, err := store.Save(res, meta, sess)

RELATED FILES:
  - internal/output/summary.go
  - internal/catalog/catalog.go
*/

package output

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/daryltucker/forest-sweep/internal/model"
)

const (
	contentExt   = ".txt"
	metaSuffix   = "_meta.json"
	maxNameTries = 1000
)

// Session is one batch's output directory (and metadata directory, which is
// the same path unless a separate metadata root is configured).
type Session struct {
	ID        string    `json:"id"`
	Tag       string    `json:"tag"`
	Dir       string    `json:"dir"`
	MetaDir   string    `json:"meta_dir"`
	CreatedAt time.Time `json:"created_at"`
}

// Store writes sessions under ContentRoot (and MetaRoot when set).
type Store struct {
	ContentRoot string
	MetaRoot    string

	now func() time.Time
}

// NewStore creates a Store. An empty metaRoot keeps metadata next to content.
func NewStore(contentRoot, metaRoot string) *Store {
	return &Store{ContentRoot: contentRoot, MetaRoot: metaRoot, now: time.Now}
}

// CreateSession makes <root>/<tag>_<YYYYMMDD_HHMMSS> under each root.
func (s *Store) CreateSession(tag string) (*Session, error) {
	now := s.now()
	id := fmt.Sprintf("%s_%s", sanitize(tag), now.Format("20060102_150405"))

	sess := &Session{
		ID:        id,
		Tag:       tag,
		Dir:       filepath.Join(s.ContentRoot, id),
		CreatedAt: now,
	}
	sess.MetaDir = sess.Dir
	if s.MetaRoot != "" {
		sess.MetaDir = filepath.Join(s.MetaRoot, id)
	}

	for _, dir := range []string{sess.Dir, sess.MetaDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating session directory %s: %w", dir, err)
		}
	}
	return sess, nil
}

// RequestMeta is the request-side context saved alongside a result.
type RequestMeta struct {
	// ID is generated when empty.
	ID           string
	ItemIndex    int
	ItemTag      string
	URL          string
	Endpoint     model.Endpoint
	SystemPrompt string
	UserPrompt   string
}

// Performance groups the measured numbers of one generation.
type Performance struct {
	ElapsedSeconds      float64  `json:"elapsed_seconds"`
	WordCount           int      `json:"word_count"`
	TokenCount          int      `json:"token_count"`
	EstimatedTokenCount int      `json:"estimated_token_count"`
	ServerTokenCount    int      `json:"server_token_count"`
	PromptTokens        int      `json:"prompt_tokens"`
	SkippedLines        int      `json:"skipped_lines"`
	WordsPerMinute      *float64 `json:"words_per_minute,omitempty"`
	TokensPerMinute     *float64 `json:"tokens_per_minute,omitempty"`
}

// Metadata is the JSON document stored next to each content file.
type Metadata struct {
	ID           string               `json:"id"`
	Session      string               `json:"session"`
	ItemIndex    int                  `json:"item_index"`
	ItemTag      string               `json:"item_tag"`
	Timestamp    time.Time            `json:"timestamp"`
	Model        string               `json:"model"`
	URL          string               `json:"url,omitempty"`
	Endpoint     model.Endpoint       `json:"endpoint"`
	SystemPrompt string               `json:"system_prompt"`
	UserPrompt   string               `json:"user_prompt"`
	Config       model.SamplingConfig `json:"config"`
	Success      bool                 `json:"success"`
	Error        *model.ErrorInfo     `json:"error,omitempty"`
	Performance  Performance          `json:"performance"`
	TimeoutUsed  string               `json:"timeout_used"`
	ContentFile  string               `json:"content_file"`
}

// NewMetadata assembles the metadata document for res.
func NewMetadata(res model.GenerationResult, meta RequestMeta, sessionID string) Metadata {
	perf := Performance{
		ElapsedSeconds:      res.ElapsedSeconds,
		WordCount:           res.WordCount,
		TokenCount:          res.TokenCount,
		EstimatedTokenCount: res.EstimatedTokenCount,
		ServerTokenCount:    res.ServerTokenCount,
		PromptTokens:        res.PromptTokens,
		SkippedLines:        res.SkippedLines,
	}
	perf.WordsPerMinute, perf.TokensPerMinute = rates(res)

	ts := res.StartedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	endpoint := meta.Endpoint
	if endpoint == "" {
		endpoint = model.EndpointGenerate
	}
	return Metadata{
		ID:           meta.ID,
		Session:      sessionID,
		ItemIndex:    meta.ItemIndex,
		ItemTag:      meta.ItemTag,
		Timestamp:    ts,
		Model:        res.ConfigUsed.Model,
		URL:          meta.URL,
		Endpoint:     endpoint,
		SystemPrompt: meta.SystemPrompt,
		UserPrompt:   meta.UserPrompt,
		Config:       res.ConfigUsed,
		Success:      res.Success,
		Error:        res.Error,
		Performance:  perf,
		TimeoutUsed:  res.TimeoutUsed,
	}
}

// ContentFor is what goes into the content file: the text, or for a failure
// "ERROR: <message>" followed by any partial text.
func ContentFor(res model.GenerationResult) string {
	if res.Success {
		return res.Text
	}
	content := "ERROR: " + res.ErrorMessage()
	if res.Text != "" {
		content += "\n\n" + res.Text
	}
	return content
}

// Save writes the content and metadata files for one result and returns
// their paths.
func (s *Store) Save(res model.GenerationResult, meta RequestMeta, sess *Session) (string, string, error) {
	if sess == nil {
		return "", "", errors.New("save: nil session")
	}
	if meta.ID == "" {
		meta.ID = uuid.NewString()
	}

	ts := res.StartedAt
	if ts.IsZero() {
		ts = s.now()
	}
	tag := meta.ItemTag
	if tag == "" {
		tag = sess.Tag
	}
	base := fmt.Sprintf("%s_%s_%s_%06d", sanitize(res.ConfigUsed.Model), sanitize(tag), ts.Format("150405"), ts.Nanosecond()/1000)

	contentFile, name, err := createExclusive(sess.Dir, base, contentExt)
	if err != nil {
		return "", "", err
	}
	contentPath := contentFile.Name()
	if _, err := contentFile.WriteString(ContentFor(res)); err != nil {
		contentFile.Close()
		os.Remove(contentPath)
		return "", "", fmt.Errorf("writing %s: %w", contentPath, err)
	}
	if err := contentFile.Close(); err != nil {
		os.Remove(contentPath)
		return "", "", fmt.Errorf("closing %s: %w", contentPath, err)
	}

	metaPath, err := writeMetadata(sess.MetaDir, name, NewMetadata(res, meta, sess.ID), contentPath)
	if err != nil {
		// a content file without its metadata is not a result
		if rmErr := os.Remove(contentPath); rmErr != nil {
			Logger.Warn("Failed to remove orphaned content file", "path", contentPath, "error", rmErr)
		}
		return "", "", err
	}
	return contentPath, metaPath, nil
}

func writeMetadata(dir, name string, doc Metadata, contentPath string) (string, error) {
	doc.ContentFile = contentPath
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding metadata: %w", err)
	}

	metaPath := filepath.Join(dir, name+metaSuffix)
	mf, err := os.OpenFile(metaPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("creating %s: %w", metaPath, err)
	}
	if _, err := mf.Write(append(data, '\n')); err != nil {
		mf.Close()
		os.Remove(metaPath)
		return "", fmt.Errorf("writing %s: %w", metaPath, err)
	}
	if err := mf.Close(); err != nil {
		os.Remove(metaPath)
		return "", fmt.Errorf("closing %s: %w", metaPath, err)
	}
	return metaPath, nil
}

// createExclusive opens dir/base+ext with O_EXCL, adding -1, -2, ... on
// collision. It returns the file and the base name actually used.
func createExclusive(dir, base, ext string) (*os.File, string, error) {
	name := base
	for i := 1; i <= maxNameTries; i++ {
		f, err := os.OpenFile(filepath.Join(dir, name+ext), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, name, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, "", fmt.Errorf("creating %s: %w", filepath.Join(dir, name+ext), err)
		}
		name = fmt.Sprintf("%s-%d", base, i)
	}
	return nil, "", fmt.Errorf("creating %s%s: too many name collisions", filepath.Join(dir, base), ext)
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func sanitize(s string) string {
	s = unsafeName.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-.")
	if s == "" {
		return "unnamed"
	}
	return s
}

// Stats summarizes the files under a session or result root.
type Stats struct {
	Count         int    `json:"count"`
	Results       int    `json:"results"`
	TotalBytes    int64  `json:"total_bytes"`
	FormattedSize string `json:"formatted_size"`
}

// CollectStats walks root summing regular file sizes. Results counts
// metadata files, i.e. saved items.
func CollectStats(root string) (Stats, error) {
	var st Stats
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		st.Count++
		st.TotalBytes += info.Size()
		if strings.HasSuffix(d.Name(), metaSuffix) {
			st.Results++
		}
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("walking %s: %w", root, err)
	}
	st.FormattedSize = FormatSize(st.TotalBytes)
	return st, nil
}

var sizeUnits = []string{"B", "KB", "MB", "GB", "TB"}

// FormatSize renders a byte count with 1024 scaling: plain integer under 10,
// one decimal under 100, rounded integer above. Bytes are always integers.
func FormatSize(n int64) string {
	if n < 1024 {
		return fmt.Sprintf("%d B", n)
	}
	v := float64(n)
	unit := 0
	for v >= 1024 && unit < len(sizeUnits)-1 {
		v /= 1024
		unit++
	}
	switch {
	case v < 10:
		return fmt.Sprintf("%d %s", int64(math.Round(v)), sizeUnits[unit])
	case v < 100:
		return fmt.Sprintf("%.1f %s", v, sizeUnits[unit])
	default:
		return fmt.Sprintf("%d %s", int64(math.Round(v)), sizeUnits[unit])
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// rates returns rounded words/tokens per minute, nil when nothing elapsed.
func rates(res model.GenerationResult) (wpm, tpm *float64) {
	if res.ElapsedSeconds <= 0 {
		return nil, nil
	}
	w, t := round2(res.WordsPerMinute()), round2(res.TokensPerMinute())
	return &w, &t
}

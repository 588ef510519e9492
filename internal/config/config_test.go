package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daryltucker/forest-sweep/internal/model"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoad_DefaultsWhenNoFile(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	require.NoError(t, cfg.Validate())
}

func TestLoad_YAML(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	writeFile(t, dir, "sweep.yaml", `
url: http://gpu-box:11434
prompt: Describe the sea.
endpoint: chat
models: [llama3.2, qwen2.5]
mode: incremental
items: 5
sampling:
  model: llama3.2
  temperature: 0.5
  top_p: 0.9
  top_k: 40
  repeat_penalty: 1.1
  max_tokens: 512
  connect_timeout_s: 5
  read_timeout_s: 0
  seed: 99
ranges:
  temperature: {min: 1.2, max: 0.2}
`)

	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "http://gpu-box:11434", cfg.URL)
	assert.Equal(t, "chat", cfg.Endpoint)
	assert.Equal(t, []string{"llama3.2", "qwen2.5"}, cfg.ModelList())
	assert.Equal(t, 5, cfg.Items)
	assert.Equal(t, 512, cfg.Sampling.MaxTokens)
	require.NotNil(t, cfg.Sampling.Seed)
	assert.Equal(t, int64(99), *cfg.Sampling.Seed)
	require.NotNil(t, cfg.Ranges.Temperature)
	assert.Equal(t, 0.2, cfg.Ranges.Temperature.Normalized().Min)
	// Untouched fields keep their defaults.
	assert.Equal(t, "sweep", cfg.Tag)
}

func TestLoad_ExplicitMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_BadYAML(t *testing.T) {
	p := writeFile(t, t.TempDir(), "bad.yaml", "items: [oops")
	_, err := Load(p)
	assert.ErrorContains(t, err, "failed to parse config file")
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	p := writeFile(t, dir, "forest_sweep.yaml", "url: http://from-file:1\nitems: 2\nsampling:\n  seed: 7\n")

	t.Setenv("FOREST_URL", "http://from-env:2")
	t.Setenv("FOREST_MODELS", "a,b")
	t.Setenv("FOREST_SAMPLING_TEMPERATURE", "1.5")
	t.Setenv("FOREST_SAMPLING_READ_TIMEOUT_S", "0")

	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "http://from-env:2", cfg.URL)
	assert.Equal(t, 2, cfg.Items)
	assert.Equal(t, []string{"a", "b"}, cfg.Models)
	assert.Equal(t, 1.5, cfg.Sampling.Temperature)
	assert.Equal(t, 0, cfg.Sampling.ReadTimeoutS)
	require.NotNil(t, cfg.Sampling.Seed)
	assert.Equal(t, int64(7), *cfg.Sampling.Seed)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	writeFile(t, dir, ".env", "FOREST_TAG=from-dotenv\n")
	// godotenv never overrides variables already present.
	t.Setenv("FOREST_TAG", "")
	require.NoError(t, os.Unsetenv("FOREST_TAG"))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Tag)
}

func TestValidate_CollectsProblems(t *testing.T) {
	cfg := DefaultConfig()
	cfg.URL = ""
	cfg.Items = 0
	cfg.Mode = "spiral"
	cfg.Endpoint = "completions"
	cfg.Sampling.Temperature = 3
	bad := model.NewParameterRange(0.5, 1.5)
	cfg.Ranges.TopP = &bad

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"url", "items", "spiral", "endpoint", "temperature", "top_p"} {
		assert.Contains(t, err.Error(), want)
	}
	assert.ErrorIs(t, err, model.ErrInvalidConfig)
}

func TestValidate_TagWithSeparator(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tag = "../escape"
	assert.ErrorContains(t, cfg.Validate(), "tag")
}

func TestFilterModels(t *testing.T) {
	got := FilterModels([]string{"llama3.2", "nomic-embed-text", "bge-reranker", "qwen2.5"}, []string{"embed", "rerank"})
	assert.Equal(t, []string{"llama3.2", "qwen2.5"}, got)

	cfg := DefaultConfig()
	cfg.Exclude = []string{"llama"}
	assert.ErrorContains(t, cfg.Validate(), "no models")
}

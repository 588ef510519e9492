/*
PURPOSE:
  Defines the core data structures used throughout Forest Sweep.
  These models describe a generation request, its sampling parameters,
  and the recorded outcome of one streamed generation.

REQUIREMENTS:
  User-specified:
  - Record elapsed time, word count, token count (server or estimated).
  - Track model, prompts and the sampling config actually used.
  - Partial output must survive failures.

  Implementation-discovered:
  - Need JSON tags for the metadata files and the JSONL run log.
  - Failures are data (ErrorInfo), not Go errors, so a batch can keep going.

ARCHITECTURE INTEGRATION:
  - Used by: internal/progression, internal/engine, internal/output, internal/catalog
  - Shared across boundaries.

ERROR HANDLING:
  - None here beyond ErrorInfo (see sampling.go for validation).

IMPLEMENTATION RULES:
  - Keep structs simple and public.
  - WordCount is always recomputed from Text (Finalize).

USAGE:
  res := model.GenerationResult{...}
  res.Finalize(serverTokens)

SELF-HEALING INSTRUCTIONS:
  - If new metrics are needed, add field and update the metadata/CSV writers.

RELATED FILES:
  - internal/model/sampling.go
  - internal/output/store.go

MAINTENANCE:
  - Update when adding new metrics to capture.
*/

package model

import (
	"math"
	"strings"
	"time"
	"unicode/utf8"
)

// ErrorKind classifies why a generation did not complete.
type ErrorKind string

const (
	// KindConnectTimeout means the endpoint could not be reached within the
	// connect budget (includes refused connections and DNS failures).
	KindConnectTimeout ErrorKind = "connect_timeout"
	// KindReadTimeout means the stream stalled past the read budget.
	KindReadTimeout ErrorKind = "read_timeout"
	// KindCancelled means the caller asked to stop.
	KindCancelled ErrorKind = "cancelled"
	// KindTransport covers any other network-level failure.
	KindTransport ErrorKind = "transport"
	// KindHTTPError means the server rejected the request.
	KindHTTPError ErrorKind = "http_error"
)

// ErrorInfo describes a failed generation.
type ErrorInfo struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *ErrorInfo) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// Hint tells the user what to do about the failure.
func (e *ErrorInfo) Hint() string {
	switch e.Kind {
	case KindConnectTimeout:
		return "the server looks down: start it or check the URL"
	case KindReadTimeout:
		return "the server is slow: raise read_timeout_s (0 = unlimited)"
	case KindCancelled:
		return "cancelled by user"
	case KindHTTPError:
		return "the server rejected the request: check model name and options"
	default:
		return "network error: check connectivity to the server"
	}
}

// Endpoint selects the API shape used for a request.
type Endpoint string

const (
	EndpointGenerate Endpoint = "generate"
	EndpointChat     Endpoint = "chat"
)

// GenerationRequest is one fully-formed call to the generation endpoint.
type GenerationRequest struct {
	SystemPrompt string         `json:"system_prompt"`
	UserPrompt   string         `json:"user_prompt"`
	Endpoint     Endpoint       `json:"endpoint,omitempty"`
	Config       SamplingConfig `json:"config"`
}

// GenerationResult represents the outcome of a single streamed generation.
type GenerationResult struct {
	Success             bool           `json:"success"`
	Text                string         `json:"text"`
	StartedAt           time.Time      `json:"started_at"`
	ElapsedSeconds      float64        `json:"elapsed_seconds"`
	WordCount           int            `json:"word_count"`
	TokenCount          int            `json:"token_count"`
	EstimatedTokenCount int            `json:"estimated_token_count"`
	ServerTokenCount    int            `json:"server_token_count"`
	PromptTokens        int            `json:"prompt_tokens"`
	SkippedLines        int            `json:"skipped_lines"`
	Error               *ErrorInfo     `json:"error,omitempty"`
	TimeoutUsed         string         `json:"timeout_used"`
	ConfigUsed          SamplingConfig `json:"config_used"`
}

// Finalize recomputes the derived counters from Text. serverTokens is the
// endpoint's authoritative count, 0 when it did not report one.
func (r *GenerationResult) Finalize(serverTokens int) {
	r.WordCount = len(strings.Fields(r.Text))
	r.EstimatedTokenCount = EstimateTokens(r.Text)
	r.ServerTokenCount = serverTokens
	if serverTokens > 0 {
		r.TokenCount = serverTokens
	} else {
		r.TokenCount = r.EstimatedTokenCount
	}
}

// ErrorMessage returns the error text or "" on success.
func (r GenerationResult) ErrorMessage() string {
	if r.Error == nil {
		return ""
	}
	return r.Error.Message
}

// WordsPerMinute returns 0 when no time elapsed.
func (r GenerationResult) WordsPerMinute() float64 {
	if r.ElapsedSeconds <= 0 {
		return 0
	}
	return float64(r.WordCount) / r.ElapsedSeconds * 60
}

// TokensPerMinute returns 0 when no time elapsed.
func (r GenerationResult) TokensPerMinute() float64 {
	if r.ElapsedSeconds <= 0 {
		return 0
	}
	return float64(r.TokenCount) / r.ElapsedSeconds * 60
}

// EstimateTokens is a crude token count used when the server reports none:
// max(words, round(min(chars/4, chars/3))). Never treat it as exact.
func EstimateTokens(text string) int {
	words := len(strings.Fields(text))
	chars := float64(utf8.RuneCountInString(text))
	est := int(math.Round(math.Min(chars/4, chars/3)))
	if words > est {
		return words
	}
	return est
}

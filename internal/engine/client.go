/*
PURPOSE:
  Core engine for interacting with Ollama-style generation APIs.
  Handles model discovery and streaming generation with failure
  classification.

REQUIREMENTS:
  User-specified:
  - Detect models.
  - Stream generation (with timeouts and garbage resilience).
  - Keep partial output when anything goes wrong.
  - Tell "server down" apart from "server slow", "cancelled" and "rejected".

  Implementation-discovered:
  - Connect and read budgets must be independent: a long but active stream
    must never be cut by a whole-request timeout, so http.Client.Timeout
    stays 0 and each blocked body read is bounded by a timer instead.
  - Waiting for the first response byte (model loading) counts as a read.
  - Resilience against "garbage" JSON (invalid chunks), counted per call.

ARCHITECTURE INTEGRATION:
  - Called by: internal/engine (Runner), internal/cli
  - Uses: internal/config, internal/model, internal/output (Logger)

ERROR HANDLING:
  - Stream never returns a Go error. Every failure becomes a
    GenerationResult with Success=false and a classified ErrorInfo.

IMPLEMENTATION RULES:
  - Use net/http.
  - Parse streaming JSON line-by-line, check the CancelToken after each line.

USAGE:
  e := engine.New(cfg)
  models, err := e.GetModels(ctx)
  res := e.Stream(ctx, req, onChunk, token)

SELF-HEALING INSTRUCTIONS:
  - If the Ollama API changes, update endpoints (/api/tags, /api/generate, /api/chat)
    and streamChunk.

RELATED FILES:
  - internal/model/types.go
  - internal/engine/watchdog.go

MAINTENANCE:
  - Update for new Ollama API features.
*/

package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"strings"
	"sync"
	"time"

	"github.com/daryltucker/forest-sweep/internal/config"
	"github.com/daryltucker/forest-sweep/internal/model"
	"github.com/daryltucker/forest-sweep/internal/output"
)

const (
	maxLineSize      = 4 << 20
	maxErrorBodySize = 4 << 10
)

// ChunkFunc receives each decoded fragment and the text accumulated so far.
// It runs synchronously on the streaming goroutine.
type ChunkFunc func(delta, accumulated string)

// Engine handles Ollama interactions.
type Engine struct {
	BaseURL   string
	KeepAlive string
	// Client is used for discovery calls; generation builds per-budget clients.
	Client *http.Client

	mu      sync.Mutex
	clients map[budget]*http.Client
}

type budget struct {
	connect time.Duration
	read    time.Duration
}

// New creates a new Engine.
func New(cfg *config.Config) *Engine {
	return &Engine{
		BaseURL:   strings.TrimRight(cfg.URL, "/"),
		KeepAlive: cfg.KeepAlive,
		Client:    &http.Client{Timeout: 10 * time.Second},
		clients:   make(map[budget]*http.Client),
	}
}

// streamClient returns an http.Client whose transport enforces the dial and
// response-header budgets of cfg. No overall timeout: an active stream may run
// as long as it keeps producing.
func (e *Engine) streamClient(cfg model.SamplingConfig) *http.Client {
	b := budget{connect: cfg.ConnectTimeout(), read: cfg.ReadTimeout()}

	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.clients[b]; ok {
		return c
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	dialer := &net.Dialer{Timeout: b.connect, KeepAlive: 30 * time.Second}
	transport.DialContext = dialer.DialContext
	// ResponseHeaderTimeout covers the time until we receive the first response
	// byte. This is where model loading happens.
	transport.ResponseHeaderTimeout = b.read

	c := &http.Client{Transport: transport}
	e.clients[b] = c
	return c
}

// Close releases idle connections held by the per-budget clients.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.clients {
		c.CloseIdleConnections()
	}
}

// GetModels returns the list of models available on the server.
func (e *Engine) GetModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.BaseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := e.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting model list: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bad status: %s", resp.Status)
	}

	var payload struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding model list: %w", err)
	}

	names := make([]string, 0, len(payload.Models))
	for _, m := range payload.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type requestOptions struct {
	NumPredict    int     `json:"num_predict"`
	Temperature   float64 `json:"temperature"`
	TopP          float64 `json:"top_p"`
	TopK          int     `json:"top_k"`
	RepeatPenalty float64 `json:"repeat_penalty"`
	Seed          *int64  `json:"seed,omitempty"`
}

type requestPayload struct {
	Model     string         `json:"model"`
	Prompt    string         `json:"prompt,omitempty"`
	System    string         `json:"system,omitempty"`
	Messages  []chatMessage  `json:"messages,omitempty"`
	Stream    bool           `json:"stream"`
	KeepAlive string         `json:"keep_alive,omitempty"`
	Options   requestOptions `json:"options"`
}

func (e *Engine) buildPayload(req model.GenerationRequest) (string, requestPayload) {
	cfg := req.Config
	p := requestPayload{
		Model:     cfg.Model,
		Stream:    true,
		KeepAlive: e.KeepAlive,
		Options: requestOptions{
			NumPredict:    cfg.MaxTokens,
			Temperature:   cfg.Temperature,
			TopP:          cfg.TopP,
			TopK:          cfg.TopK,
			RepeatPenalty: cfg.RepeatPenalty,
			Seed:          cfg.Seed,
		},
	}

	if req.Endpoint == model.EndpointChat {
		if req.SystemPrompt != "" {
			p.Messages = append(p.Messages, chatMessage{Role: "system", Content: req.SystemPrompt})
		}
		p.Messages = append(p.Messages, chatMessage{Role: "user", Content: req.UserPrompt})
		return "/api/chat", p
	}
	p.Prompt = req.UserPrompt
	p.System = req.SystemPrompt
	return "/api/generate", p
}

// streamChunk is one NDJSON line. Generate puts text in "response", chat in
// "message.content"; some compatible servers use a bare "content".
type streamChunk struct {
	Response        string        `json:"response"`
	Content         string        `json:"content"`
	Message         *chunkMessage `json:"message"`
	Done            bool          `json:"done"`
	EvalCount       int           `json:"eval_count"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	Error           string        `json:"error"`
}

type chunkMessage struct {
	Content string `json:"content"`
}

func (c streamChunk) text() string {
	switch {
	case c.Response != "":
		return c.Response
	case c.Message != nil && c.Message.Content != "":
		return c.Message.Content
	default:
		return c.Content
	}
}

var (
	errCancelled   = errors.New("cancelled by caller")
	errReadStalled = errors.New("stream stalled past read timeout")
)

// Stream runs one streaming generation. onChunk and cancel may be nil.
func (e *Engine) Stream(ctx context.Context, req model.GenerationRequest, onChunk ChunkFunc, cancel *model.CancelToken) model.GenerationResult {
	cfg := req.Config
	res := model.GenerationResult{
		StartedAt:   time.Now(),
		TimeoutUsed: cfg.TimeoutLabel(),
		ConfigUsed:  cfg,
	}

	if cancel.Cancelled() {
		return fail(res, model.KindCancelled, errCancelled.Error(), 0)
	}

	path, payload := e.buildPayload(req)
	body, err := json.Marshal(payload)
	if err != nil {
		return fail(res, model.KindTransport, fmt.Sprintf("encoding request: %v", err), 0)
	}

	ctx, abort := context.WithCancelCause(ctx)
	defer abort(nil)
	go func() {
		select {
		case <-cancel.Done():
			abort(errCancelled)
		case <-ctx.Done():
		}
	}()

	trace := &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			output.Logger.Debug("Network: Connected", "remote", info.Conn.RemoteAddr(), "reused", info.Reused)
		},
		WroteRequest: func(httptrace.WroteRequestInfo) {
			output.Logger.Debug("Network: Request Sent. Waiting for model to load...", "model", cfg.Model)
		},
		GotFirstResponseByte: func() {
			output.Logger.Debug("Network: First Byte Received", "model", cfg.Model)
		},
	}

	httpReq, err := http.NewRequestWithContext(httptrace.WithClientTrace(ctx, trace), http.MethodPost, e.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fail(res, model.KindTransport, fmt.Sprintf("creating request: %v", err), 0)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	res.StartedAt = start
	resp, err := e.streamClient(cfg).Do(httpReq)
	if err != nil {
		res.ElapsedSeconds = time.Since(start).Seconds()
		kind, msg := classify(ctx, err)
		return fail(res, kind, msg, 0)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		res.ElapsedSeconds = time.Since(start).Seconds()
		return fail(res, model.KindHTTPError, fmt.Sprintf("server returned %s: %s", resp.Status, strings.TrimSpace(string(snippet))), 0)
	}

	var reader io.Reader = resp.Body
	if rt := cfg.ReadTimeout(); rt > 0 {
		wd := newWatchdog(resp.Body, rt, func() { abort(errReadStalled) })
		defer wd.Stop()
		reader = wd
	}

	var (
		text         strings.Builder
		serverTokens int
		gotDone      bool
	)
	finish := func(kind model.ErrorKind, msg string) model.GenerationResult {
		res.Text = text.String()
		res.ElapsedSeconds = time.Since(start).Seconds()
		if kind != "" {
			return fail(res, kind, msg, serverTokens)
		}
		res.Success = true
		res.Finalize(serverTokens)
		return res
	}

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var chunk streamChunk
		// Garbage resilience: skip the line, keep the stream.
		if err := json.Unmarshal(line, &chunk); err != nil {
			res.SkippedLines++
			output.Logger.Warn("Skipping invalid JSON chunk", "model", cfg.Model, "chunk", truncate(string(line), 120))
			continue
		}

		if chunk.Error != "" {
			return finish(model.KindHTTPError, "server error: "+chunk.Error)
		}
		if delta := chunk.text(); delta != "" {
			text.WriteString(delta)
			if onChunk != nil {
				onChunk(delta, text.String())
			}
		}
		if chunk.EvalCount > 0 {
			serverTokens = chunk.EvalCount
		}
		if chunk.PromptEvalCount > 0 {
			res.PromptTokens = chunk.PromptEvalCount
		}

		if cancel.Cancelled() {
			return finish(model.KindCancelled, errCancelled.Error())
		}
		if chunk.Done {
			gotDone = true
			break
		}
	}

	if err := scanner.Err(); err != nil {
		kind, msg := classify(ctx, err)
		return finish(kind, msg)
	}
	if cancel.Cancelled() {
		return finish(model.KindCancelled, errCancelled.Error())
	}
	if !gotDone {
		if text.Len() == 0 {
			return finish(model.KindTransport, "stream ended without any output")
		}
		output.Logger.Warn("Stream closed without done marker", "model", cfg.Model)
	}
	return finish("", "")
}

func fail(res model.GenerationResult, kind model.ErrorKind, msg string, serverTokens int) model.GenerationResult {
	res.Success = false
	res.Error = &model.ErrorInfo{Kind: kind, Message: msg}
	res.Finalize(serverTokens)
	return res
}

// classify maps a transport error to an ErrorKind. The request context's
// cause wins: it records whether we aborted for cancellation or a stall.
func classify(ctx context.Context, err error) (model.ErrorKind, string) {
	if ctx.Err() != nil {
		cause := context.Cause(ctx)
		switch {
		case errors.Is(cause, errReadStalled):
			return model.KindReadTimeout, errReadStalled.Error()
		case errors.Is(cause, errCancelled), errors.Is(cause, context.Canceled):
			return model.KindCancelled, errCancelled.Error()
		case errors.Is(cause, context.DeadlineExceeded):
			return model.KindReadTimeout, "deadline exceeded: " + err.Error()
		}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return model.KindConnectTimeout, "could not connect: " + err.Error()
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return model.KindConnectTimeout, "could not resolve host: " + err.Error()
	}

	// Cruiser Note: the transport reports a ResponseHeaderTimeout as a plain
	// timeout, so the only way to tell it from other timeouts is the message.
	message := err.Error()
	if strings.Contains(message, "awaiting response headers") || strings.Contains(message, "awaiting headers") {
		return model.KindReadTimeout, "server header timeout (model loading?): " + message
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return model.KindReadTimeout, message
	}
	return model.KindTransport, message
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

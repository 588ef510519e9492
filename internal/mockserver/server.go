/*
PURPOSE:
  A fake Ollama-style generation endpoint for tests and offline dry runs.
  Serves /api/tags, /api/generate and /api/chat with scripted NDJSON
  fragments and simulated failures.

REQUIREMENTS:
  Implementation-discovered:
  - Tests need every failure shape the client classifies: HTTP errors,
    stalls mid-stream, garbage lines and in-stream error objects.
  - Each line is flushed on its own so per-line behaviour (cancel after
    line 1) is observable.

ARCHITECTURE INTEGRATION:
  - Used by: internal/engine tests, internal/cli (mock-server command)
  - Dependencies: github.com/go-chi/chi/v5

ERROR HANDLING:
  - Bad request bodies get 400 with an {"error": ...} body, like Ollama.

USAGE:
  srv := httptest.NewServer(mockserver.New(mockserver.Options{}))
  defer srv.Close()

RELATED FILES:
  - internal/engine/client.go
*/

package mockserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Options scripts the server's behaviour. The zero value streams
// "Hello " + "world" with an eval_count of 2.
type Options struct {
	Models    []string
	Fragments []string
	// LineDelay is slept before every fragment line.
	LineDelay time.Duration
	// FailStatus, when set, answers every generation with that status.
	FailStatus int
	// StallAfter > 0 stops sending after that many fragments and holds the
	// connection open until the client gives up.
	StallAfter int
	// GarbageLines are written before the first fragment.
	GarbageLines []string
	// StreamError is sent as {"error": ...} after the fragments.
	StreamError string
	// OmitDone leaves out the final done line (server closes early).
	OmitDone bool
	// OmitEvalCount drops eval_count from the done line.
	OmitEvalCount bool
	Logger        *slog.Logger
}

// RecordedRequest is one decoded generation request.
type RecordedRequest struct {
	Path string
	Body map[string]any
}

// Server is the mock endpoint. It implements http.Handler.
type Server struct {
	opts   Options
	router chi.Router

	mu       sync.Mutex
	requests []RecordedRequest
}

// New builds a Server from opts.
func New(opts Options) *Server {
	if len(opts.Fragments) == 0 {
		opts.Fragments = []string{"Hello ", "world"}
	}
	if len(opts.Models) == 0 {
		opts.Models = []string{"m1"}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	s := &Server{opts: opts}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/api/tags", s.handleTags)
	r.Post("/api/generate", s.handleGenerate(false))
	r.Post("/api/chat", s.handleGenerate(true))
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Requests returns the generation requests seen so far.
func (s *Server) Requests() []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RecordedRequest(nil), s.requests...)
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		// stalled streams end with the server
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) handleTags(w http.ResponseWriter, _ *http.Request) {
	type tag struct {
		Name string `json:"name"`
	}
	tags := make([]tag, 0, len(s.opts.Models))
	for _, m := range s.opts.Models {
		tags = append(tags, tag{Name: m})
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": tags})
}

func (s *Server) handleGenerate(chat bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
			return
		}
		s.mu.Lock()
		s.requests = append(s.requests, RecordedRequest{Path: r.URL.Path, Body: body})
		s.mu.Unlock()
		s.opts.Logger.Debug("mock generation request", "path", r.URL.Path, "model", body["model"])

		if s.opts.FailStatus != 0 {
			writeJSON(w, s.opts.FailStatus, map[string]string{"error": "simulated failure"})
			return
		}
		if stream, ok := body["stream"].(bool); ok && !stream {
			writeJSON(w, http.StatusOK, s.line(chat, strings.Join(s.opts.Fragments, ""), true))
			return
		}
		s.stream(w, r, chat)
	}
}

func (s *Server) stream(w http.ResponseWriter, r *http.Request, chat bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming not supported"})
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	send := func(v any) bool {
		data, err := json.Marshal(v)
		if err != nil {
			return false
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	for _, g := range s.opts.GarbageLines {
		fmt.Fprintln(w, g)
		flusher.Flush()
	}

	for i, frag := range s.opts.Fragments {
		if s.opts.StallAfter > 0 && i == s.opts.StallAfter {
			<-r.Context().Done()
			return
		}
		if s.opts.LineDelay > 0 {
			select {
			case <-time.After(s.opts.LineDelay):
			case <-r.Context().Done():
				return
			}
		}
		if !send(s.line(chat, frag, false)) {
			return
		}
	}
	if s.opts.StallAfter > 0 && s.opts.StallAfter >= len(s.opts.Fragments) {
		<-r.Context().Done()
		return
	}

	if s.opts.StreamError != "" {
		send(map[string]string{"error": s.opts.StreamError})
		return
	}
	if !s.opts.OmitDone {
		send(s.line(chat, "", true))
	}
}

func (s *Server) line(chat bool, text string, done bool) map[string]any {
	out := map[string]any{"done": done}
	if chat {
		out["message"] = map[string]string{"role": "assistant", "content": text}
	} else {
		out["response"] = text
	}
	if done {
		out["done_reason"] = "stop"
		out["prompt_eval_count"] = 7
		if !s.opts.OmitEvalCount {
			out["eval_count"] = len(s.opts.Fragments)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

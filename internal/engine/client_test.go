package engine

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daryltucker/forest-sweep/internal/config"
	"github.com/daryltucker/forest-sweep/internal/mockserver"
	"github.com/daryltucker/forest-sweep/internal/model"
)

func newEngine(t *testing.T, url string) *Engine {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.URL = url
	e := New(cfg)
	t.Cleanup(e.Close)
	return e
}

func request(modelName string) model.GenerationRequest {
	cfg := model.DefaultSamplingConfig(modelName)
	cfg.Temperature = 0.8
	cfg.ConnectTimeoutS = 2
	cfg.ReadTimeoutS = 5
	return model.GenerationRequest{UserPrompt: "Say hello", Config: cfg}
}

// rawServer streams the given lines verbatim, flushing after each.
func rawServer(t *testing.T, lines ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for _, l := range lines {
			fmt.Fprintln(w, l)
			flusher.Flush()
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStream_HelloWorld(t *testing.T) {
	srv := rawServer(t, `{"response":"Hello "}`, `{"response":"world","done":true,"eval_count":2}`)

	var deltas []string
	res := newEngine(t, srv.URL).Stream(context.Background(), request("m1"), func(delta, acc string) {
		deltas = append(deltas, delta)
	}, nil)

	require.True(t, res.Success, "error: %v", res.Error)
	assert.Equal(t, "Hello world", res.Text)
	assert.Equal(t, 2, res.TokenCount)
	assert.Equal(t, 2, res.ServerTokenCount)
	assert.Equal(t, 2, res.WordCount)
	assert.Equal(t, []string{"Hello ", "world"}, deltas)
	assert.Equal(t, "connect=2s read=5s", res.TimeoutUsed)
	assert.Equal(t, 0.8, res.ConfigUsed.Temperature)
	assert.Positive(t, res.ElapsedSeconds)
}

func TestStream_NoEvalCountUsesEstimate(t *testing.T) {
	srv := rawServer(t, `{"response":"the quick brown fox"}`, `{"done":true}`)

	res := newEngine(t, srv.URL).Stream(context.Background(), request("m1"), nil, nil)
	require.True(t, res.Success)
	assert.Zero(t, res.ServerTokenCount)
	assert.Equal(t, res.EstimatedTokenCount, res.TokenCount)
	assert.Equal(t, model.EstimateTokens("the quick brown fox"), res.TokenCount)
}

func TestStream_SkipsMalformedLines(t *testing.T) {
	srv := rawServer(t, `{"response":"a"}`, `not json`, `{"response":`, ``, `{"response":"b","done":true}`)

	res := newEngine(t, srv.URL).Stream(context.Background(), request("m1"), nil, nil)
	require.True(t, res.Success)
	assert.Equal(t, "ab", res.Text)
	assert.Equal(t, 2, res.SkippedLines)
}

func TestStream_SingleObjectBody(t *testing.T) {
	srv := rawServer(t, `{"response":"whole answer","done":true,"eval_count":3}`)

	res := newEngine(t, srv.URL).Stream(context.Background(), request("m1"), nil, nil)
	require.True(t, res.Success)
	assert.Equal(t, "whole answer", res.Text)
	assert.Equal(t, 3, res.TokenCount)
}

func TestStream_ClosedWithoutDone(t *testing.T) {
	srv := rawServer(t, `{"response":"partial but fine"}`)
	res := newEngine(t, srv.URL).Stream(context.Background(), request("m1"), nil, nil)
	assert.True(t, res.Success)

	empty := rawServer(t)
	res = newEngine(t, empty.URL).Stream(context.Background(), request("m1"), nil, nil)
	require.False(t, res.Success)
	assert.Equal(t, model.KindTransport, res.Error.Kind)
}

func TestStream_ReadTimeoutKeepsPartialText(t *testing.T) {
	srv := httptest.NewServer(mockserver.New(mockserver.Options{
		Fragments:  []string{"one ", "two ", "three ", "four"},
		StallAfter: 3,
	}))
	defer srv.Close()

	req := request("m1")
	req.Config.ReadTimeoutS = 1

	start := time.Now()
	res := newEngine(t, srv.URL).Stream(context.Background(), req, nil, nil)

	require.False(t, res.Success)
	assert.Equal(t, model.KindReadTimeout, res.Error.Kind)
	assert.Equal(t, "one two three ", res.Text)
	assert.Equal(t, 3, res.WordCount)
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestStream_SlowChunkHandlerIsNotAStall(t *testing.T) {
	srv := httptest.NewServer(mockserver.New(mockserver.Options{
		Fragments: []string{"a ", "b ", "c ", "d ", "e ", "f"},
		LineDelay: 100 * time.Millisecond,
	}))
	defer srv.Close()

	req := request("m1")
	req.Config.ReadTimeoutS = 1

	calls := 0
	res := newEngine(t, srv.URL).Stream(context.Background(), req, func(delta, acc string) {
		calls++
		if calls == 1 {
			time.Sleep(1500 * time.Millisecond)
		}
	}, nil)

	require.True(t, res.Success, "error: %v", res.Error)
	assert.Equal(t, "a b c d e f", res.Text)
	assert.Equal(t, 6, calls)
}

func TestWatchdog_OnlyCountsBlockedReads(t *testing.T) {
	stalled := make(chan struct{}, 1)
	wd := newWatchdog(strings.NewReader("abc"), 50*time.Millisecond, func() { stalled <- struct{}{} })
	defer wd.Stop()

	buf := make([]byte, 1)
	_, err := wd.Read(buf)
	require.NoError(t, err)
	time.Sleep(150 * time.Millisecond)
	_, err = wd.Read(buf)
	require.NoError(t, err)

	select {
	case <-stalled:
		t.Fatal("idle time between reads fired the watchdog")
	default:
	}
}

func TestStream_HeaderTimeoutIsReadTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	req := request("m1")
	req.Config.ReadTimeoutS = 1
	res := newEngine(t, srv.URL).Stream(context.Background(), req, nil, nil)

	require.False(t, res.Success)
	assert.Equal(t, model.KindReadTimeout, res.Error.Kind)
}

func TestStream_CancelAfterFirstLine(t *testing.T) {
	fragments := make([]string, 10)
	for i := range fragments {
		fragments[i] = fmt.Sprintf("w%d ", i)
	}
	srv := httptest.NewServer(mockserver.New(mockserver.Options{Fragments: fragments, LineDelay: 100 * time.Millisecond}))
	defer srv.Close()

	token := model.NewCancelToken()
	calls := 0
	start := time.Now()
	res := newEngine(t, srv.URL).Stream(context.Background(), request("m1"), func(delta, acc string) {
		calls++
		token.Cancel()
	}, token)

	require.False(t, res.Success)
	assert.Equal(t, model.KindCancelled, res.Error.Kind)
	assert.Equal(t, 1, calls)
	assert.Equal(t, "w0 ", res.Text)
	assert.Less(t, time.Since(start), 600*time.Millisecond, "must not wait for the remaining lines")
}

func TestStream_CancelUnblocksStalledRead(t *testing.T) {
	srv := httptest.NewServer(mockserver.New(mockserver.Options{StallAfter: 1}))
	defer srv.Close()

	token := model.NewCancelToken()
	req := request("m1")
	req.Config.ReadTimeoutS = 0
	time.AfterFunc(200*time.Millisecond, token.Cancel)

	res := newEngine(t, srv.URL).Stream(context.Background(), req, nil, token)
	require.False(t, res.Success)
	assert.Equal(t, model.KindCancelled, res.Error.Kind)
	assert.Equal(t, "Hello ", res.Text)
}

func TestStream_AlreadyCancelled(t *testing.T) {
	token := model.NewCancelToken()
	token.Cancel()
	res := newEngine(t, "http://127.0.0.1:1").Stream(context.Background(), request("m1"), nil, token)
	require.False(t, res.Success)
	assert.Equal(t, model.KindCancelled, res.Error.Kind)
}

func TestStream_HTTPError(t *testing.T) {
	srv := httptest.NewServer(mockserver.New(mockserver.Options{FailStatus: http.StatusNotFound}))
	defer srv.Close()

	res := newEngine(t, srv.URL).Stream(context.Background(), request("missing"), nil, nil)
	require.False(t, res.Success)
	assert.Equal(t, model.KindHTTPError, res.Error.Kind)
	assert.Contains(t, res.Error.Message, "404")
	assert.Contains(t, res.Error.Message, "simulated failure")
}

func TestStream_InStreamError(t *testing.T) {
	srv := httptest.NewServer(mockserver.New(mockserver.Options{StreamError: "model ran out of memory"}))
	defer srv.Close()

	res := newEngine(t, srv.URL).Stream(context.Background(), request("m1"), nil, nil)
	require.False(t, res.Success)
	assert.Equal(t, model.KindHTTPError, res.Error.Kind)
	assert.Equal(t, "Hello world", res.Text)
}

func TestStream_ConnectFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	res := newEngine(t, url).Stream(context.Background(), request("m1"), nil, nil)
	require.False(t, res.Success)
	assert.Equal(t, model.KindConnectTimeout, res.Error.Kind)
	assert.Empty(t, res.Text)
	assert.Zero(t, res.WordCount)
}

func TestStream_ParentContextCancelled(t *testing.T) {
	srv := httptest.NewServer(mockserver.New(mockserver.Options{StallAfter: 1}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	res := newEngine(t, srv.URL).Stream(ctx, request("m1"), nil, nil)
	require.False(t, res.Success)
	assert.Equal(t, model.KindCancelled, res.Error.Kind)
}

func TestStream_ChatPayload(t *testing.T) {
	m := mockserver.New(mockserver.Options{Fragments: []string{"Bonjour"}})
	srv := httptest.NewServer(m)
	defer srv.Close()

	req := request("m1")
	req.Endpoint = model.EndpointChat
	req.SystemPrompt = "You are terse."
	req.Config = req.Config.WithSeed(42)

	res := newEngine(t, srv.URL).Stream(context.Background(), req, nil, nil)
	require.True(t, res.Success)
	assert.Equal(t, "Bonjour", res.Text)
	assert.Equal(t, 7, res.PromptTokens)

	reqs := m.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/api/chat", reqs[0].Path)
	body := reqs[0].Body
	assert.Equal(t, true, body["stream"])
	msgs := body["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
	opts := body["options"].(map[string]any)
	assert.Equal(t, 42.0, opts["seed"])
	assert.Equal(t, 0.8, opts["temperature"])
	assert.Equal(t, 2048.0, opts["num_predict"])
}

func TestStream_GeneratePayload(t *testing.T) {
	m := mockserver.New(mockserver.Options{})
	srv := httptest.NewServer(m)
	defer srv.Close()

	req := request("m1")
	req.SystemPrompt = "sys"
	res := newEngine(t, srv.URL).Stream(context.Background(), req, nil, nil)
	require.True(t, res.Success)

	body := m.Requests()[0].Body
	assert.Equal(t, "Say hello", body["prompt"])
	assert.Equal(t, "sys", body["system"])
	assert.Equal(t, "5m", body["keep_alive"])
	assert.NotContains(t, body["options"].(map[string]any), "seed")
}

func TestGetModels(t *testing.T) {
	srv := httptest.NewServer(mockserver.New(mockserver.Options{Models: []string{"llama3.2", "qwen2.5"}}))
	defer srv.Close()

	models, err := newEngine(t, srv.URL+"/").GetModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"llama3.2", "qwen2.5"}, models)
}

func TestClassify_Messages(t *testing.T) {
	kind, msg := classify(context.Background(), fmt.Errorf("net/http: timeout awaiting response headers"))
	assert.Equal(t, model.KindReadTimeout, kind)
	assert.True(t, strings.HasPrefix(msg, "server header timeout"))

	kind, _ = classify(context.Background(), fmt.Errorf("unexpected EOF"))
	assert.Equal(t, model.KindTransport, kind)
}

package mockserver

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func lines(t *testing.T, resp *http.Response) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		var m map[string]any
		if json.Unmarshal(sc.Bytes(), &m) == nil {
			out = append(out, m)
		}
	}
	return out
}

func TestTags(t *testing.T) {
	srv := httptest.NewServer(New(Options{Models: []string{"a", "b"}}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/tags")
	require.NoError(t, err)
	defer resp.Body.Close()

	var payload struct {
		Models []struct{ Name string } `json:"models"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	require.Len(t, payload.Models, 2)
	assert.Equal(t, "b", payload.Models[1].Name)
}

func TestGenerate_DefaultScript(t *testing.T) {
	m := New(Options{})
	srv := httptest.NewServer(m)
	defer srv.Close()

	got := lines(t, post(t, srv.URL+"/api/generate", `{"model":"m1","prompt":"hi","stream":true}`))
	require.Len(t, got, 3)
	assert.Equal(t, "Hello ", got[0]["response"])
	assert.Equal(t, true, got[2]["done"])
	assert.Equal(t, 2.0, got[2]["eval_count"])

	reqs := m.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/api/generate", reqs[0].Path)
	assert.Equal(t, "hi", reqs[0].Body["prompt"])
}

func TestChat_UsesMessageContent(t *testing.T) {
	srv := httptest.NewServer(New(Options{Fragments: []string{"ok"}}))
	defer srv.Close()

	got := lines(t, post(t, srv.URL+"/api/chat", `{"model":"m1","messages":[],"stream":true}`))
	require.NotEmpty(t, got)
	msg := got[0]["message"].(map[string]any)
	assert.Equal(t, "ok", msg["content"])
}

func TestNonStreaming(t *testing.T) {
	srv := httptest.NewServer(New(Options{}))
	defer srv.Close()

	got := lines(t, post(t, srv.URL+"/api/generate", `{"model":"m1","stream":false}`))
	require.Len(t, got, 1)
	assert.Equal(t, "Hello world", got[0]["response"])
}

func TestFailStatus(t *testing.T) {
	srv := httptest.NewServer(New(Options{FailStatus: http.StatusServiceUnavailable}))
	defer srv.Close()

	resp := post(t, srv.URL+"/api/generate", `{"model":"m1"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestBadBody(t *testing.T) {
	srv := httptest.NewServer(New(Options{}))
	defer srv.Close()

	resp := post(t, srv.URL+"/api/generate", `{nope`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStallHoldsConnection(t *testing.T) {
	srv := httptest.NewServer(New(Options{Fragments: []string{"a", "b", "c", "d"}, StallAfter: 2}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/api/generate", strings.NewReader(`{"model":"m1"}`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	got := lines(t, resp)
	assert.Len(t, got, 2, "only the fragments before the stall arrive")
	assert.ErrorIs(t, ctx.Err(), context.DeadlineExceeded)
}

func TestListenAndServe_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(Options{}).ListenAndServe(ctx, "127.0.0.1:0") }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

// ABOUTME: End-to-end HTTP tests - auth flow, chat turns, thread management
// ABOUTME: Runs the real stack against a scripted fake inference backend

package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clyre/clyre/internal/chat"
	"github.com/clyre/clyre/internal/config"
)

// fakeBackend mimics the llama.cpp OpenAI-compatible surface. Sync requests
// get syncContent; streaming requests get streamDeltas as SSE frames.
type fakeBackend struct {
	syncContent  string
	streamDeltas []string
}

func (f *fakeBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Stream bool `json:"stream"`
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &payload)

		if !payload.Stream {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"id":"cmpl-1","choices":[{"message":{"role":"assistant","content":%q}}],"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`, f.syncContent)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		for _, d := range f.streamDeltas {
			fmt.Fprintf(w, "data: {\"id\":\"cmpl-1\",\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", d)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})
	return mux
}

func newTestServer(t *testing.T, backend *fakeBackend) *httptest.Server {
	t.Helper()

	llamaSrv := httptest.NewServer(backend.handler())
	t.Cleanup(llamaSrv.Close)

	cfg := &config.Config{}
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Database.Path = filepath.Join(t.TempDir(), "server.db")
	cfg.Llama.BaseURL = llamaSrv.URL
	cfg.Llama.Model = "test-model"
	cfg.Llama.MaxTokens = config.DefaultMaxTokens
	cfg.Llama.Temperature = config.DefaultTemperature
	cfg.Auth.JWTSecret = "test-secret-key-for-jwt-signing"
	cfg.Auth.AccessTokenTTL = 30 * time.Minute
	cfg.Auth.RefreshTokenTTL = 14 * 24 * time.Hour
	cfg.Metrics.Enabled = true
	cfg.Metrics.Path = "/metrics"

	reg := prometheus.NewRegistry()
	srv, err := newServer(cfg, "test", slog.New(slog.DiscardHandler), reg, reg)
	require.NoError(t, err)
	t.Cleanup(func() { srv.store.Close() })

	api := httptest.NewServer(srv.routes())
	t.Cleanup(api.Close)
	return api
}

func postJSON(t *testing.T, url, token string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(buf))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

// registerUser runs the register flow and returns an access token
func registerUser(t *testing.T, base, email string) string {
	t.Helper()
	resp := postJSON(t, base+"/api/auth/register", "", RegisterRequest{
		Email:    email,
		Name:     "Test",
		Password: "long enough pw",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var body AuthResponse
	decodeJSON(t, resp, &body)
	require.NotNil(t, body.Tokens)
	return body.Tokens.AccessToken
}

func TestAuthFlow(t *testing.T) {
	api := newTestServer(t, &fakeBackend{})

	resp := postJSON(t, api.URL+"/api/auth/register", "", RegisterRequest{
		Email: "dev@example.com", Name: "Dev", Password: "long enough pw",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var reg AuthResponse
	decodeJSON(t, resp, &reg)

	resp = postJSON(t, api.URL+"/api/auth/login", "", LoginRequest{
		Email: "dev@example.com", Password: "long enough pw",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var login AuthResponse
	decodeJSON(t, resp, &login)
	assert.Equal(t, reg.UserID, login.UserID)

	resp = postJSON(t, api.URL+"/api/auth/refresh", "", RefreshRequest{
		RefreshToken: login.Tokens.RefreshToken,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, api.URL+"/api/auth/login", "", LoginRequest{
		Email: "dev@example.com", Password: "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestChatResponseEndpoint(t *testing.T) {
	api := newTestServer(t, &fakeBackend{syncContent: "hello!"})
	token := registerUser(t, api.URL, "dev@example.com")

	resp := postJSON(t, api.URL+"/api/chat/response", token, ChatRequest{Message: "hi"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body ChatResponse
	decodeJSON(t, resp, &body)
	assert.Equal(t, "hello!", body.Response)
	require.NotEmpty(t, body.ThreadID)

	// follow-up turn on the same thread
	resp = postJSON(t, api.URL+"/api/chat/response", token, ChatRequest{Message: "again", ThreadID: body.ThreadID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var second ChatResponse
	decodeJSON(t, resp, &second)
	assert.Equal(t, body.ThreadID, second.ThreadID)

	// history shows all four messages in order
	req, _ := http.NewRequest(http.MethodGet, api.URL+"/api/thread/"+body.ThreadID+"/messages", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	histResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, histResp.StatusCode)

	var messages []MessageResponse
	decodeJSON(t, histResp, &messages)
	require.Len(t, messages, 4)
	for i, m := range messages {
		assert.Equal(t, i, m.Order)
	}
}

func TestChatResponseRequiresAuth(t *testing.T) {
	api := newTestServer(t, &fakeBackend{syncContent: "hello!"})

	resp := postJSON(t, api.URL+"/api/chat/response", "", ChatRequest{Message: "hi"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestChatResponseUnknownThread(t *testing.T) {
	api := newTestServer(t, &fakeBackend{syncContent: "hello!"})
	token := registerUser(t, api.URL, "dev@example.com")

	resp := postJSON(t, api.URL+"/api/chat/response", token, ChatRequest{Message: "hi", ThreadID: "missing"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestChatStreamEndpoint(t *testing.T) {
	api := newTestServer(t, &fakeBackend{
		syncContent:  "Streaming Endpoint Test Thread Title",
		streamDeltas: []string{"He", "llo"},
	})
	token := registerUser(t, api.URL, "dev@example.com")

	resp := postJSON(t, api.URL+"/api/chat/stream", token, ChatRequest{Message: "hi"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer resp.Body.Close()
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	var frames []chat.Frame
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if len(bytes.TrimSpace(scanner.Bytes())) == 0 {
			continue
		}
		var f chat.Frame
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &f))
		frames = append(frames, f)
	}
	require.NoError(t, scanner.Err())

	require.Len(t, frames, 5)
	assert.Equal(t, chat.EventUserMessageInsert, frames[0].Event)
	require.NotNil(t, frames[1].Chunk)
	assert.Equal(t, "He", *frames[1].Chunk)
	require.NotNil(t, frames[2].Chunk)
	assert.Equal(t, "llo", *frames[2].Chunk)
	assert.Equal(t, chat.EventAssistantMessageInsert, frames[3].Event)
	assert.Equal(t, chat.EventDone, frames[4].Event)

	// the streamed reply landed in history
	require.NotNil(t, frames[0].ThreadID)
	req, _ := http.NewRequest(http.MethodGet, api.URL+"/api/thread/"+*frames[0].ThreadID+"/messages", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	histResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	var messages []MessageResponse
	decodeJSON(t, histResp, &messages)
	require.Len(t, messages, 2)
	assert.Equal(t, "Hello", messages[1].Content)
}

func TestThreadManagement(t *testing.T) {
	api := newTestServer(t, &fakeBackend{syncContent: "reply"})
	token := registerUser(t, api.URL, "dev@example.com")

	resp := postJSON(t, api.URL+"/api/chat/response", token, ChatRequest{Message: "hi"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var turn ChatResponse
	decodeJSON(t, resp, &turn)

	// rename
	resp = postJSON(t, api.URL+"/api/thread/"+turn.ThreadID+"/rename", token, RenameThreadRequest{Title: "Renamed"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// star
	resp = postJSON(t, api.URL+"/api/thread/"+turn.ThreadID+"/star", token, StarThreadRequest{Starred: true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// list reflects both
	req, _ := http.NewRequest(http.MethodGet, api.URL+"/api/thread/all", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	listResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	var threads []ThreadResponse
	decodeJSON(t, listResp, &threads)
	require.Len(t, threads, 1)
	assert.Equal(t, "Renamed", threads[0].Title)
	assert.True(t, threads[0].Starred)

	// delete
	delReq, _ := http.NewRequest(http.MethodDelete, api.URL+"/api/thread/"+turn.ThreadID, nil)
	delReq.Header.Set("Authorization", "Bearer "+token)
	delResp, err := http.DefaultClient.Do(delReq)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, delResp.StatusCode)
	delResp.Body.Close()

	listResp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	var after []ThreadResponse
	decodeJSON(t, listResp2, &after)
	assert.Empty(t, after)
}

func TestThreadIsolationBetweenUsers(t *testing.T) {
	api := newTestServer(t, &fakeBackend{syncContent: "reply"})
	tokenA := registerUser(t, api.URL, "a@example.com")
	tokenB := registerUser(t, api.URL, "b@example.com")

	resp := postJSON(t, api.URL+"/api/chat/response", tokenA, ChatRequest{Message: "hi"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var turn ChatResponse
	decodeJSON(t, resp, &turn)

	resp = postJSON(t, api.URL+"/api/thread/"+turn.ThreadID+"/rename", tokenB, RenameThreadRequest{Title: "stolen"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	req, _ := http.NewRequest(http.MethodGet, api.URL+"/api/thread/"+turn.ThreadID+"/messages", nil)
	req.Header.Set("Authorization", "Bearer "+tokenB)
	histResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, histResp.StatusCode)
	histResp.Body.Close()
}

func TestHealthAndVersion(t *testing.T) {
	api := newTestServer(t, &fakeBackend{})

	resp, err := http.Get(api.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(api.URL + "/version")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	decodeJSON(t, resp, &body)
	assert.Equal(t, "test", body["version"])
}

func TestMetricsEndpoint(t *testing.T) {
	api := newTestServer(t, &fakeBackend{})

	// counters only appear once a request has been observed
	warm, err := http.Get(api.URL + "/health")
	require.NoError(t, err)
	warm.Body.Close()

	resp, err := http.Get(api.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "clyre_http_requests_total")
}

package proxy

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arlojensen/aigateway/internal/config"
	"github.com/arlojensen/aigateway/internal/keypool"
	"github.com/arlojensen/aigateway/internal/upstream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPipeline(t *testing.T, upstreamURL string, credentialNames ...string) *Pipeline {
	t.Helper()
	if len(credentialNames) == 0 {
		credentialNames = []string{"k1"}
	}
	manager := keypool.NewManager(
		config.MonitoringConfig{FailureThreshold: 2, RecoveryTimeSeconds: 30, WindowSeconds: 300},
		nil, testLogger(), nil,
	)
	creds := make([]config.CredentialConfig, 0, len(credentialNames))
	for _, n := range credentialNames {
		creds = append(creds, config.CredentialConfig{Name: n, Key: n + "-secret", Weight: 1})
	}
	manager.Bootstrap(creds, keypool.Snapshot{})

	client := upstream.NewClient(upstreamURL, 5*time.Second, testLogger())
	catalog := upstream.NewCatalog("", http.DefaultClient, testLogger())
	return NewPipeline(manager, client, catalog, testLogger(), 1<<20)
}

func TestChatCompletions_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer k1-secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"1","choices":[{"message":{"content":"<thought>hi</thought>done"}}]}`))
	}))
	defer srv.Close()

	p := newTestPipeline(t, srv.URL, "k1")
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"gemini-1.5-pro","messages":[{"role":"user","content":"hi"}]}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	p.ChatCompletions(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<think>hi</think>done")
}

func TestChatCompletions_RotatesOnFailure(t *testing.T) {
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		calls = append(calls, auth)
		if auth == "Bearer bad-secret" {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":{"message":"rate limited","type":"rate_limit_error"}}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"1"}`))
	}))
	defer srv.Close()

	manager := keypool.NewManager(
		config.MonitoringConfig{FailureThreshold: 2, RecoveryTimeSeconds: 30, WindowSeconds: 300},
		nil, testLogger(), nil,
	)
	manager.Bootstrap([]config.CredentialConfig{
		{Name: "bad", Key: "bad-secret", Weight: 1},
		{Name: "good", Key: "good-secret", Weight: 1},
	}, keypool.Snapshot{})

	client := upstream.NewClient(srv.URL, 5*time.Second, testLogger())
	catalog := upstream.NewCatalog("", http.DefaultClient, testLogger())
	p := NewPipeline(manager, client, catalog, testLogger(), 1<<20)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"gemini-1.5-pro","messages":[]}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	p.ChatCompletions(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.LessOrEqual(t, len(calls), 2)
}

func TestChatCompletions_AllCredentialsFail_ReturnsLastFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"message":"boom","type":"internal_error"}}`))
	}))
	defer srv.Close()

	p := newTestPipeline(t, srv.URL, "k1", "k2")
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"gemini-1.5-pro","messages":[]}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	p.ChatCompletions(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "boom")
}

func TestChatCompletions_NoCredentials_ReturnsServiceUnavailable(t *testing.T) {
	manager := keypool.NewManager(config.MonitoringConfig{FailureThreshold: 2, RecoveryTimeSeconds: 30, WindowSeconds: 300}, nil, testLogger(), nil)
	manager.Bootstrap(nil, keypool.Snapshot{})
	client := upstream.NewClient("http://unused.invalid", time.Second, testLogger())
	catalog := upstream.NewCatalog("", http.DefaultClient, testLogger())
	p := NewPipeline(manager, client, catalog, testLogger(), 1<<20)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"m","messages":[]}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	p.ChatCompletions(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestChatCompletions_RejectsWrongContentType(t *testing.T) {
	p := newTestPipeline(t, "http://unused.invalid")
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader("not json"))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()

	p.ChatCompletions(rec, req)

	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestChatCompletions_RejectsMissingFields(t *testing.T) {
	p := newTestPipeline(t, "http://unused.invalid")

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"messages":[]}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	p.ChatCompletions(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req2 := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"m"}`))
	req2.Header.Set("Content-Type", "application/json")
	rec2 := httptest.NewRecorder()
	p.ChatCompletions(rec2, req2)
	assert.Equal(t, http.StatusBadRequest, rec2.Code)
}

func TestChatCompletions_RejectsOversizedBody(t *testing.T) {
	p := newTestPipeline(t, "http://unused.invalid")
	p.maxPayloadBytes = 10

	body := bytes.Repeat([]byte("a"), 100)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.ContentLength = int64(len(body))
	rec := httptest.NewRecorder()

	p.ChatCompletions(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestChatCompletions_TranslatesReasoningEffort(t *testing.T) {
	var receivedBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"1"}`))
	}))
	defer srv.Close()

	p := newTestPipeline(t, srv.URL, "k1")
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"m","messages":[],"reasoning_effort":"high"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	p.ChatCompletions(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(receivedBody, &payload))
	assert.NotContains(t, payload, "reasoning_effort")
	extra := payload["extra_body"].(map[string]any)
	google := extra["google"].(map[string]any)
	thinking := google["thinking_config"].(map[string]any)
	assert.Equal(t, float64(24576), thinking["thinking_budget"])
}

func TestListModels_TranslatesShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "k1-secret", r.Header.Get("x-goog-api-key"))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"models":[{"name":"models/gemini-1.5-pro"}]}`))
	}))
	defer srv.Close()

	p := newTestPipeline(t, srv.URL, "k1")
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()

	p.ListModels(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var out modelListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Data, 1)
	assert.Equal(t, "gemini-1.5-pro", out.Data[0].ID)
	assert.Equal(t, 2_000_000, out.Data[0].ContextLength)
}

func TestPassthrough_ForwardsVerbatim(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, `{"input":"hi"}`, string(body))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"embedding":[0.1]}`))
	}))
	defer srv.Close()

	p := newTestPipeline(t, srv.URL, "k1")
	req := httptest.NewRequest(http.MethodPost, "/v1/embeddings", strings.NewReader(`{"input":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	p.Passthrough(EmbeddingsPath)(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, `{"embedding":[0.1]}`, rec.Body.String())
}

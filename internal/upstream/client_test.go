package upstream

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Buffered_ReturnsTaggedResultOnSuccess(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, nil)
	res, err := c.Buffered(t.Context(), http.MethodPost, "/v1/chat/completions", []byte(`{}`), AuthBearer, "secret-key")

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `{"ok":true}`, string(res.Body))
	assert.Equal(t, "Bearer secret-key", gotAuth)
}

func TestClient_Buffered_GoogleAPIKeyAuthMode(t *testing.T) {
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("x-goog-api-key")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, nil)
	_, err := c.Buffered(t.Context(), http.MethodGet, "/v1/models", nil, AuthGoogleAPIKey, "secret-key")

	require.NoError(t, err)
	assert.Equal(t, "secret-key", gotHeader)
}

func TestClient_Buffered_NonTransportErrorSurfacesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, nil)
	res, err := c.Buffered(t.Context(), http.MethodPost, "/v1/chat/completions", []byte(`{}`), AuthBearer, "k")

	require.NoError(t, err, "a non-2xx HTTP status is not a transport error")
	assert.Equal(t, http.StatusTooManyRequests, res.StatusCode)
}

func TestClient_Buffered_TransportFailureReturnsCallError(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", 50*time.Millisecond, nil)
	_, err := c.Buffered(t.Context(), http.MethodPost, "/v1/chat/completions", []byte(`{}`), AuthBearer, "k")

	require.Error(t, err)
	var callErr *CallError
	require.ErrorAs(t, err, &callErr)
}

func TestClient_Streaming_ReturnsRawBodyForPassthrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("data: {\"chunk\":1}\n\n"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, nil)
	res, err := c.Streaming(t.Context(), http.MethodPost, "/v1/chat/completions", []byte(`{}`), AuthBearer, "k")
	require.NoError(t, err)
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "chunk")
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

package proxy

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/arlojensen/aigateway/internal/keypool"
	"github.com/arlojensen/aigateway/internal/upstream"
)

// chatCompletionsPath is the upstream path the OpenAI-compatible chat
// endpoint is forwarded to verbatim.
const chatCompletionsPath = "/chat/completions"

// Pipeline serves the /v1/* public surface: it holds the Key Manager and
// Upstream Client the rotation loop needs.
type Pipeline struct {
	manager         *keypool.Manager
	client          *upstream.Client
	catalog         *upstream.Catalog
	logger          *slog.Logger
	maxPayloadBytes int64
}

// NewPipeline builds a Pipeline.
func NewPipeline(manager *keypool.Manager, client *upstream.Client, catalog *upstream.Catalog, logger *slog.Logger, maxPayloadBytes int64) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		manager:         manager,
		client:          client,
		catalog:         catalog,
		logger:          logger.With("component", "proxy_pipeline"),
		maxPayloadBytes: maxPayloadBytes,
	}
}

// attemptOutcome is what the rotation loop remembers about its most
// recent failed attempt, so loop exhaustion can propagate it verbatim.
type attemptOutcome struct {
	status int
	body   []byte
	header http.Header
}

// ChatCompletions implements POST /v1/chat/completions.
func (p *Pipeline) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	if !hasJSONContentType(r) {
		writeUnsupportedMediaType(w, "Content-Type must be application/json")
		return
	}
	if r.ContentLength > p.maxPayloadBytes {
		writePayloadTooLarge(w, "request body exceeds the configured limit")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, p.maxPayloadBytes+1))
	if err != nil {
		writeInvalidRequest(w, "failed to read request body")
		return
	}
	if int64(len(body)) > p.maxPayloadBytes {
		writePayloadTooLarge(w, "request body exceeds the configured limit")
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		writeInvalidRequest(w, "request body must be valid JSON")
		return
	}
	model, _ := payload["model"].(string)
	if model == "" {
		writeInvalidRequest(w, "field \"model\" is required and must be a string")
		return
	}
	if _, ok := payload["messages"].([]any); !ok {
		writeInvalidRequest(w, "field \"messages\" is required and must be an array")
		return
	}
	streaming, _ := payload["stream"].(bool)

	translated, err := upstream.TranslateReasoningEffort(body)
	if err != nil {
		writeInvalidRequest(w, "request body must be valid JSON")
		return
	}

	attempted := map[string]bool{}
	loopBound := p.manager.GetActiveKeyCount()
	if loopBound < 1 {
		loopBound = 1
	}

	var lastFailure *attemptOutcome
	attemptedAny := false

	for i := 0; i < loopBound; i++ {
		rec, ok := p.manager.SelectKey()
		if !ok {
			break
		}
		if attempted[rec.ID] {
			continue
		}
		attempted[rec.ID] = true
		attemptedAny = true

		if streaming {
			if done := p.attemptStreaming(r, w, rec, translated, &lastFailure); done {
				return
			}
			continue
		}
		if done := p.attemptBuffered(r, w, rec, translated, &lastFailure); done {
			return
		}
	}

	if lastFailure != nil {
		propagateHeaders(w.Header(), lastFailure.header)
		w.WriteHeader(lastFailure.status)
		w.Write(lastFailure.body)
		return
	}
	if attemptedAny {
		writeBadGateway(w, "all upstream attempts failed")
		return
	}
	writeServiceUnavailable(w, "no credentials available")
}

// attemptBuffered makes one non-streaming attempt. Returns true if the
// response has been fully written and the caller should stop.
func (p *Pipeline) attemptBuffered(r *http.Request, w http.ResponseWriter, rec keypool.CredentialRecord, body []byte, lastFailure **attemptOutcome) bool {
	start := time.Now()
	result, err := p.client.Buffered(r.Context(), http.MethodPost, chatCompletionsPath, body, upstream.AuthBearer, rec.Secret)
	latency := latencyMs(start)
	if err != nil {
		p.manager.RecordFailure(rec.ID, false, latency)
		p.logger.Warn("upstream call failed", "credential_id", rec.ID, "error", err)
		return false
	}

	if result.StatusCode >= 200 && result.StatusCode < 300 {
		p.manager.RecordSuccess(rec.ID, latency)
		translatedBody := []byte(upstream.SubstituteThoughtMarkers(string(result.Body)))
		propagateHeaders(w.Header(), result.Headers)
		w.WriteHeader(result.StatusCode)
		w.Write(translatedBody)
		return true
	}

	isRateLimit := result.StatusCode == http.StatusTooManyRequests
	p.manager.RecordFailure(rec.ID, isRateLimit, latency)
	p.logger.Warn("upstream returned error status", "credential_id", rec.ID, "status", result.StatusCode)
	*lastFailure = &attemptOutcome{status: result.StatusCode, body: result.Body, header: result.Headers}
	return false
}

// attemptStreaming makes one streaming attempt. Returns true if the
// response has been fully written (success, committed to this attempt)
// and the caller should stop.
func (p *Pipeline) attemptStreaming(r *http.Request, w http.ResponseWriter, rec keypool.CredentialRecord, body []byte, lastFailure **attemptOutcome) bool {
	start := time.Now()
	result, err := p.client.Streaming(r.Context(), http.MethodPost, chatCompletionsPath, body, upstream.AuthBearer, rec.Secret)
	if err != nil {
		p.manager.RecordFailure(rec.ID, false, latencyMs(start))
		p.logger.Warn("upstream streaming call failed", "credential_id", rec.ID, "error", err)
		return false
	}
	defer result.Body.Close()

	if result.StatusCode < 200 || result.StatusCode >= 300 {
		errBody, _ := io.ReadAll(result.Body)
		isRateLimit := result.StatusCode == http.StatusTooManyRequests
		p.manager.RecordFailure(rec.ID, isRateLimit, latencyMs(start))
		*lastFailure = &attemptOutcome{status: result.StatusCode, body: errBody, header: result.Headers}
		return false
	}

	propagateHeaders(w.Header(), result.Headers)
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(result.StatusCode)

	if err := copyWithMarkerSubstitution(w, result.Body); err != nil {
		// Client disconnected or the stream broke mid-flight; tag it as
		// an error against the credential.
		p.manager.RecordFailure(rec.ID, false, latencyMs(start))
		p.logger.Warn("streaming response interrupted", "credential_id", rec.ID, "error", err)
		return true
	}
	p.manager.RecordSuccess(rec.ID, latencyMs(start))
	return true
}

// propagateHeaders copies upstream response headers, dropping the ones
// that no longer apply once the body has been rewritten in transit:
// content-encoding and content-length would no longer match the
// substituted body, and hop-by-hop headers don't propagate anyway.
func propagateHeaders(dst http.Header, src http.Header) {
	for k, vv := range src {
		switch http.CanonicalHeaderKey(k) {
		case "Content-Length", "Content-Encoding", "Transfer-Encoding", "Connection":
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func hasJSONContentType(r *http.Request) bool {
	ct := strings.ToLower(r.Header.Get("Content-Type"))
	return strings.HasPrefix(ct, "application/json")
}

func latencyMs(since time.Time) float64 {
	return float64(time.Since(since).Microseconds()) / 1000
}

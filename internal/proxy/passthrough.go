package proxy

import (
	"io"
	"net/http"

	"github.com/arlojensen/aigateway/internal/upstream"
)

// Upstream paths for the generic passthrough endpoints.
const (
	EmbeddingsPath       = "/embeddings"
	ImageGenerationsPath = "/images/generations"
)

// Passthrough forwards a request body verbatim to the given upstream path,
// single attempt, propagating the upstream response unchanged. Used for
// embeddings and image generation.
func (p *Pipeline) Passthrough(upstreamPath string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
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

		rec, ok := p.manager.SelectKey()
		if !ok {
			writeServiceUnavailable(w, "no credentials available")
			return
		}

		result, err := p.client.Buffered(r.Context(), http.MethodPost, upstreamPath, body, upstream.AuthBearer, rec.Secret)
		if err != nil {
			p.manager.RecordFailure(rec.ID, false, 0)
			writeBadGateway(w, "failed to reach upstream")
			return
		}

		isRateLimit := result.StatusCode == http.StatusTooManyRequests
		if result.StatusCode >= 200 && result.StatusCode < 300 {
			p.manager.RecordSuccess(rec.ID, 0)
		} else {
			p.manager.RecordFailure(rec.ID, isRateLimit, 0)
		}

		propagateHeaders(w.Header(), result.Headers)
		w.WriteHeader(result.StatusCode)
		w.Write(result.Body)
	}
}

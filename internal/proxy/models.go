package proxy

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/arlojensen/aigateway/internal/upstream"
)

const modelsPath = "/models"

type modelListResponse struct {
	Object string                    `json:"object"`
	Data   []enrichedModelListEntry  `json:"data"`
}

type enrichedModelListEntry struct {
	upstream.ModelListEntry
	upstream.ModelMetadata
}

// upstreamModel is the subset of the upstream model-listing shape this
// proxy reads; everything else is discarded.
type upstreamModel struct {
	Name string `json:"name"`
}

type upstreamModelList struct {
	Models []upstreamModel `json:"models"`
}

// ListModels implements GET /v1/models: single attempt, pick a credential,
// forward, translate shape, propagate status.
func (p *Pipeline) ListModels(w http.ResponseWriter, r *http.Request) {
	rec, ok := p.manager.SelectKey()
	if !ok {
		writeServiceUnavailable(w, "no credentials available")
		return
	}

	result, err := p.client.Buffered(r.Context(), http.MethodGet, modelsPath, nil, upstream.AuthGoogleAPIKey, rec.Secret)
	if err != nil {
		p.manager.RecordFailure(rec.ID, false, 0)
		writeBadGateway(w, "failed to reach upstream")
		return
	}
	if result.StatusCode < 200 || result.StatusCode >= 300 {
		p.manager.RecordFailure(rec.ID, result.StatusCode == http.StatusTooManyRequests, 0)
		propagateHeaders(w.Header(), result.Headers)
		w.WriteHeader(result.StatusCode)
		w.Write(result.Body)
		return
	}
	p.manager.RecordSuccess(rec.ID, 0)

	var upstreamList upstreamModelList
	if err := json.Unmarshal(result.Body, &upstreamList); err != nil {
		writeBadGateway(w, "upstream returned an unrecognized model list shape")
		return
	}

	out := modelListResponse{Object: "list", Data: make([]enrichedModelListEntry, 0, len(upstreamList.Models))}
	for _, m := range upstreamList.Models {
		id := upstream.TranslateModelID(m.Name)
		meta := p.catalog.Enrich(r.Context(), id)
		out.Data = append(out.Data, enrichedModelListEntry{
			ModelListEntry: upstream.ModelListEntry{ID: id, Object: "model", OwnedBy: "upstream"},
			ModelMetadata:  meta,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// GetModel implements GET /v1/models/{id}.
func (p *Pipeline) GetModel(w http.ResponseWriter, r *http.Request, id string) {
	rec, ok := p.manager.SelectKey()
	if !ok {
		writeServiceUnavailable(w, "no credentials available")
		return
	}

	path := modelsPath + "/" + strings.TrimPrefix(id, "/")
	result, err := p.client.Buffered(r.Context(), http.MethodGet, path, nil, upstream.AuthGoogleAPIKey, rec.Secret)
	if err != nil {
		p.manager.RecordFailure(rec.ID, false, 0)
		writeBadGateway(w, "failed to reach upstream")
		return
	}
	if result.StatusCode < 200 || result.StatusCode >= 300 {
		p.manager.RecordFailure(rec.ID, result.StatusCode == http.StatusTooManyRequests, 0)
		propagateHeaders(w.Header(), result.Headers)
		w.WriteHeader(result.StatusCode)
		w.Write(result.Body)
		return
	}
	p.manager.RecordSuccess(rec.ID, 0)

	var m upstreamModel
	if err := json.Unmarshal(result.Body, &m); err != nil {
		writeBadGateway(w, "upstream returned an unrecognized model shape")
		return
	}
	translatedID := upstream.TranslateModelID(m.Name)
	entry := enrichedModelListEntry{
		ModelListEntry: upstream.ModelListEntry{ID: translatedID, Object: "model", OwnedBy: "upstream"},
		ModelMetadata:  p.catalog.Enrich(r.Context(), translatedID),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entry)
}

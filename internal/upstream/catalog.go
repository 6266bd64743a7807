package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// ModelMetadata is the advisory enrichment attached to a listed model:
// context length, capability flags, and per-million pricing.
type ModelMetadata struct {
	ContextLength    int     `json:"context_length"`
	SupportsTools    bool    `json:"supports_tools"`
	SupportsVision   bool    `json:"supports_vision"`
	InputPricePer1M  float64 `json:"input_price_per_1m"`
	OutputPricePer1M float64 `json:"output_price_per_1m"`
}

// defaultMetadataByPrefix is the built-in fallback keyed by model-id prefix,
// used when the external catalog is unreachable or the model is unknown to it.
var defaultMetadataByPrefix = []struct {
	prefix string
	meta   ModelMetadata
}{
	{"gemini-1.5-pro", ModelMetadata{ContextLength: 2_000_000, SupportsTools: true, SupportsVision: true}},
	{"gemini-1.5-flash", ModelMetadata{ContextLength: 1_000_000, SupportsTools: true, SupportsVision: true}},
	{"gemini-2.0", ModelMetadata{ContextLength: 1_000_000, SupportsTools: true, SupportsVision: true}},
	{"gemini", ModelMetadata{ContextLength: 32_768, SupportsTools: true}},
}

func defaultMetadata(modelID string) ModelMetadata {
	for _, entry := range defaultMetadataByPrefix {
		if strings.HasPrefix(modelID, entry.prefix) {
			return entry.meta
		}
	}
	return ModelMetadata{ContextLength: 8_192}
}

// catalogTTL is how long an enrichment entry is trusted before being re-fetched.
const catalogTTL = time.Hour

// Catalog enriches listed models with advisory metadata from an optional
// external source, falling back to built-in defaults. It never fails the
// request it's enriching.
type Catalog struct {
	cache      *lru.LRU[string, ModelMetadata]
	httpClient *http.Client
	sourceURL  string
	logger     *slog.Logger
}

// NewCatalog builds a catalog. sourceURL may be empty, in which case only
// built-in defaults are ever used.
func NewCatalog(sourceURL string, httpClient *http.Client, logger *slog.Logger) *Catalog {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		cache:      lru.NewLRU[string, ModelMetadata](256, nil, catalogTTL),
		httpClient: httpClient,
		sourceURL:  sourceURL,
		logger:     logger.With("component", "model_catalog"),
	}
}

// Enrich returns advisory metadata for modelID. Errors reaching the external
// source are logged and swallowed; the built-in default is returned instead.
func (c *Catalog) Enrich(ctx context.Context, modelID string) ModelMetadata {
	if meta, ok := c.cache.Get(modelID); ok {
		return meta
	}

	meta := defaultMetadata(modelID)
	if c.sourceURL != "" {
		if fetched, err := c.fetch(ctx, modelID); err != nil {
			c.logger.Debug("model catalog lookup failed, using built-in default", "model", modelID, "error", err)
		} else {
			meta = fetched
		}
	}

	c.cache.Add(modelID, meta)
	return meta
}

func (c *Catalog) fetch(ctx context.Context, modelID string) (ModelMetadata, error) {
	url := fmt.Sprintf("%s/%s", strings.TrimSuffix(c.sourceURL, "/"), modelID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ModelMetadata{}, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ModelMetadata{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ModelMetadata{}, fmt.Errorf("catalog responded with status %d", resp.StatusCode)
	}

	var body struct {
		ContextLength    int     `json:"context_length"`
		SupportsTools    bool    `json:"supports_tools"`
		SupportsVision   bool    `json:"supports_vision"`
		InputPricePer1M  float64 `json:"input_price_per_1m"`
		OutputPricePer1M float64 `json:"output_price_per_1m"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return ModelMetadata{}, err
	}

	return ModelMetadata{
		ContextLength:    body.ContextLength,
		SupportsTools:    body.SupportsTools,
		SupportsVision:   body.SupportsVision,
		InputPricePer1M:  body.InputPricePer1M,
		OutputPricePer1M: body.OutputPricePer1M,
	}, nil
}

// Package health implements the periodic liveness and catalog-refresh loop
// (spec §4.2): for each backend, issue a type-specific catalog probe, parse
// models, derive capability flags, and update the registry.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nexus-gateway/nexus/internal/registry"
)

// CatalogProber is the injectable seam between backend-specific catalog
// formats and the registry's backend-agnostic Model shape. Backend-specific
// request translation beyond "what does this endpoint return" is out of
// scope (spec §1 Non-goals); probers only need to produce []registry.Model.
type CatalogProber interface {
	ProbeCatalog(ctx context.Context, backend registry.Snapshot) ([]registry.Model, error)
}

// NewProberFor selects the catalog prober for a backend type: Ollama's
// /api/tags shape, or the OpenAI-compatible /v1/models shape for everything
// else (vLLM, llama.cpp, exo, OpenAI, generic).
func NewProberFor(backendType registry.BackendType, client *http.Client) CatalogProber {
	switch backendType {
	case registry.TypeOllama:
		return &OllamaProber{client: client}
	default:
		return &GenericProber{client: client}
	}
}

// OllamaProber probes GET {base}/api/tags.
type OllamaProber struct{ client *http.Client }

type ollamaTagsResponse struct {
	Models []struct {
		Name    string `json:"name"`
		Details struct {
			Families []string `json:"families"`
		} `json:"details"`
	} `json:"models"`
}

func (p *OllamaProber) ProbeCatalog(ctx context.Context, backend registry.Snapshot) ([]registry.Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(backend.URL, "/")+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama catalog probe: unexpected status %d", resp.StatusCode)
	}

	var parsed ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("ollama catalog probe: decode: %w", err)
	}

	models := make([]registry.Model, 0, len(parsed.Models))
	for _, m := range parsed.Models {
		models = append(models, modelFromName(m.Name))
	}
	return models, nil
}

// GenericProber probes GET {base}/v1/models (OpenAI-compatible shape),
// used for vLLM, llama.cpp, exo, OpenAI, and generic backends.
type GenericProber struct{ client *http.Client }

type openAIModelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (p *GenericProber) ProbeCatalog(ctx context.Context, backend registry.Snapshot) ([]registry.Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(backend.URL, "/")+"/v1/models", nil)
	if err != nil {
		return nil, err
	}
	if backend.APIKeyEnv != "" {
		if key := apiKeyFromEnv(backend.APIKeyEnv); key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("generic catalog probe: unexpected status %d", resp.StatusCode)
	}

	var parsed openAIModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("generic catalog probe: decode: %w", err)
	}

	models := make([]registry.Model, 0, len(parsed.Data))
	for _, m := range parsed.Data {
		models = append(models, modelFromName(m.ID))
	}
	return models, nil
}

// modelFromName builds a registry.Model from the reported name alone,
// deriving capability flags from the static table when the probe response
// itself carries no richer metadata.
func modelFromName(name string) registry.Model {
	caps := LookupCapabilities(name)
	return registry.Model{
		ID:                 name,
		ContextLength:      caps.ContextLength,
		SupportsVision:     caps.Vision,
		SupportsTools:      caps.Tools,
		SupportsJSONMode:   caps.JSONMode,
		SupportsEmbeddings: caps.Embeddings,
	}
}

// DefaultProbeTimeout is the per-probe timeout default (spec §4.2).
const DefaultProbeTimeout = 5 * time.Second

// NewHTTPClient builds the shared client probers use, honoring
// probeTimeout as the overall request deadline.
func NewHTTPClient(probeTimeout time.Duration) *http.Client {
	if probeTimeout <= 0 {
		probeTimeout = DefaultProbeTimeout
	}
	return &http.Client{Timeout: probeTimeout}
}

// Package retrieval defines the narrow interface to the embedding/retrieval
// service used by inquiry sessions.
package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Snippet is one piece of retrieved business context.
type Snippet struct {
	Source string  `json:"source"`
	Text   string  `json:"text"`
	Score  float64 `json:"score"`
}

// Retriever returns context snippets relevant to a query. Internals of the
// retrieval service are out of scope; it is consumed opaquely.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int) ([]Snippet, error)
}

// HTTPRetriever calls a retrieval service over HTTP JSON.
type HTTPRetriever struct {
	url    string
	client *http.Client
}

var _ Retriever = (*HTTPRetriever)(nil)

// NewHTTPRetriever creates a retriever against the given endpoint.
func NewHTTPRetriever(url string, timeout time.Duration) *HTTPRetriever {
	return &HTTPRetriever{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Retrieve posts the query and decodes the ranked snippets.
func (r *HTTPRetriever) Retrieve(ctx context.Context, query string, topK int) ([]Snippet, error) {
	body, err := json.Marshal(map[string]interface{}{"query": query, "top_k": topK})
	if err != nil {
		return nil, fmt.Errorf("marshal retrieval request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("build retrieval request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("retrieval request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("retrieval service returned %d", resp.StatusCode)
	}

	var out struct {
		Snippets []Snippet `json:"snippets"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode retrieval response: %w", err)
	}
	return out.Snippets, nil
}

// Noop is used when no retrieval service is configured; inquiry sessions
// then answer from the model alone.
type Noop struct{}

var _ Retriever = Noop{}

// Retrieve always returns no snippets.
func (Noop) Retrieve(ctx context.Context, query string, topK int) ([]Snippet, error) {
	return nil, nil
}

package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/hugo-lorenzo-mato/reqflow/internal/core"
)

// HTTPDoer abstracts the HTTP client so tests can substitute it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPClient queries a remote vector search service.
//
// Request:  POST {base}/search {"collection","query","threshold","top_k"}
// Response: {"passages": [{"score","text","source_id"}]}
type HTTPClient struct {
	BaseURL string
	APIKey  string
	TopK    int
	Client  HTTPDoer
}

// NewHTTPClient creates a client for the service at baseURL.
func NewHTTPClient(baseURL, apiKey string, client HTTPDoer) *HTTPClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		TopK:    core.DefaultRetrievalTopK,
		Client:  client,
	}
}

type searchRequest struct {
	Collection string  `json:"collection"`
	Query      string  `json:"query"`
	Threshold  float64 `json:"threshold"`
	TopK       int     `json:"top_k,omitempty"`
}

type searchResponse struct {
	Passages []struct {
		Score    float64 `json:"score"`
		Text     string  `json:"text"`
		SourceID string  `json:"source_id"`
	} `json:"passages"`
}

// Search implements core.RetrievalClient.
func (c *HTTPClient) Search(ctx context.Context, collection, query string, threshold float64) ([]core.RetrievedPassage, error) {
	payload, err := json.Marshal(searchRequest{
		Collection: collection,
		Query:      query,
		Threshold:  threshold,
		TopK:       c.TopK,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/search", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, core.ErrExecution(core.CodeRetrievalFailed,
			fmt.Sprintf("searching %q", collection)).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := fmt.Sprintf("search %q: status %d: %s", collection, resp.StatusCode, strings.TrimSpace(string(body)))
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return nil, core.ErrRateLimit(msg)
		case resp.StatusCode >= 500:
			return nil, core.ErrExecution(core.CodeRetrievalFailed, msg)
		default:
			return nil, core.ErrFatal(core.CodeRetrievalFailed, msg)
		}
	}

	var decoded searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, core.ErrExecution(core.CodeRetrievalFailed, "decoding search response").WithCause(err)
	}

	results := make([]core.RetrievedPassage, 0, len(decoded.Passages))
	for _, p := range decoded.Passages {
		if p.Score < threshold {
			continue
		}
		results = append(results, core.RetrievedPassage{
			Collection: collection,
			Score:      p.Score,
			Text:       p.Text,
			SourceID:   p.SourceID,
		})
	}
	core.SortPassages(results)
	return results, nil
}

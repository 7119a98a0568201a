// Package search implements the retrieval backend client and the grounding
// tool the voice model is allowed to call.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Document is one ranked result from the index. Field names are
// deployment-specific, so documents stay generic maps and callers resolve
// values through the configured field mapping.
type Document map[string]any

// StringField returns the named field as a string, or "" when absent or of
// another type.
func (d Document) StringField(name string) string {
	v, ok := d[name].(string)
	if !ok {
		return ""
	}
	return v
}

// FieldMapping names the index fields the relay reads and queries.
type FieldMapping struct {
	Identifier string
	Content    string
	Embedding  string
	Title      string
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// Client queries a search index over its REST API. One retrieval request
// per call; ranking is hybrid (text + vectorized query text) when
// useVectorQuery is set, text-only otherwise.
type Client struct {
	endpoint       string
	index          string
	apiKey         string
	apiVersion     string
	semanticConfig string
	fields         FieldMapping
	useVectorQuery bool
	topK           int
	httpClient     *http.Client
}

// NewClient creates a search client. All parameters come from process
// configuration resolved at startup.
func NewClient(endpoint, index, apiKey, apiVersion, semanticConfig string, fields FieldMapping, useVectorQuery bool, topK int, opts ...ClientOption) *Client {
	c := &Client{
		endpoint:       strings.TrimSuffix(endpoint, "/"),
		index:          index,
		apiKey:         apiKey,
		apiVersion:     apiVersion,
		semanticConfig: semanticConfig,
		fields:         fields,
		useVectorQuery: useVectorQuery,
		topK:           topK,
		httpClient:     http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type vectorQuery struct {
	Kind   string `json:"kind"`
	Text   string `json:"text"`
	Fields string `json:"fields"`
	K      int    `json:"k"`
}

type queryRequest struct {
	Search                string        `json:"search"`
	Top                   int           `json:"top"`
	Select                string        `json:"select"`
	QueryType             string        `json:"queryType,omitempty"`
	SemanticConfiguration string        `json:"semanticConfiguration,omitempty"`
	VectorQueries         []vectorQuery `json:"vectorQueries,omitempty"`
}

type queryResponse struct {
	Value []Document `json:"value"`
}

// Query runs one retrieval request and returns the ranked documents, at
// most topK of them.
func (c *Client) Query(ctx context.Context, text string) ([]Document, error) {
	reqBody := queryRequest{
		Search: text,
		Top:    c.topK,
		Select: strings.Join([]string{c.fields.Identifier, c.fields.Title, c.fields.Content}, ","),
	}
	if c.semanticConfig != "" {
		reqBody.QueryType = "semantic"
		reqBody.SemanticConfiguration = c.semanticConfig
	}
	if c.useVectorQuery {
		// The service vectorizes the query text itself; the raw text is
		// still sent for hybrid ranking.
		reqBody.VectorQueries = []vectorQuery{{
			Kind:   "text",
			Text:   text,
			Fields: c.fields.Embedding,
			K:      c.topK,
		}}
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal query: %w", err)
	}

	url := fmt.Sprintf("%s/indexes/%s/docs/search?api-version=%s", c.endpoint, c.index, c.apiVersion)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("api-key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read search response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var result queryResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("unmarshal search response: %w", err)
	}

	docs := result.Value
	if len(docs) > c.topK {
		docs = docs[:c.topK]
	}
	return docs, nil
}

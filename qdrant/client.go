// Package qdrant adapts a Qdrant collection to the engine's vector index
// interface over Qdrant's HTTP API. Search prefers the modern /points/query
// endpoint and falls back to /points/search for older servers; Scan streams
// stored vectors through /points/scroll for centroid builds.
package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/tessera-ai/fedsearch"
	"github.com/tessera-ai/fedsearch/config"
	"github.com/tessera-ai/fedsearch/tracing"
)

const (
	defaultTimeout    = 5 * time.Second
	defaultCollection = "documents"
	tenantField       = "tenant_id"
	tagField          = "tag"
)

// Client is a minimal Qdrant HTTP client implementing fedsearch.VectorIndex.
type Client struct {
	cfg     config.QdrantConfig
	http    *http.Client
	base    string
	breaker *gobreaker.CircuitBreaker[*http.Response]
	logger  *zap.Logger
}

var _ fedsearch.VectorIndex = (*Client)(nil)

// New builds a Qdrant client from configuration. The breaker is optional;
// when enabled, transport errors and 5xx responses count as failures.
func New(cfg config.QdrantConfig, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("qdrant: base_url is required")
	}
	if cfg.Collection == "" {
		cfg.Collection = defaultCollection
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		logger: logger,
	}
	if cfg.Breaker.Enabled {
		maxFailures := cfg.Breaker.MaxFailures
		if maxFailures == 0 {
			maxFailures = 5
		}
		c.breaker = gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
			Name:        "qdrant",
			MaxRequests: cfg.Breaker.MaxRequests,
			Interval:    cfg.Breaker.Interval,
			Timeout:     cfg.Breaker.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= maxFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state change",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
		})
	}
	return c, nil
}

type queryRequest struct {
	Query       []float32              `json:"query"`
	Limit       int                    `json:"limit"`
	WithPayload bool                   `json:"with_payload"`
	WithVector  bool                   `json:"with_vector,omitempty"`
	Filter      map[string]interface{} `json:"filter,omitempty"`
}

type point struct {
	ID      interface{}            `json:"id"`
	Score   float64                `json:"score"`
	Payload map[string]interface{} `json:"payload,omitempty"`
	Vector  []float64              `json:"vector,omitempty"`
}

type searchResponse struct {
	Result []point `json:"result"`
	Status string  `json:"status"`
}

// queryResponse is the nested shape returned by /points/query.
type queryResponse struct {
	Result struct {
		Points []point `json:"points"`
	} `json:"result"`
	Status string `json:"status"`
}

type scrollRequest struct {
	Filter      map[string]interface{} `json:"filter,omitempty"`
	Limit       int                    `json:"limit"`
	Offset      json.RawMessage        `json:"offset,omitempty"`
	WithPayload bool                   `json:"with_payload"`
	WithVector  bool                   `json:"with_vector"`
}

type scrollResponse struct {
	Result struct {
		Points         []point         `json:"points"`
		NextPageOffset json.RawMessage `json:"next_page_offset"`
	} `json:"result"`
	Status string `json:"status"`
}

// Search runs a similarity query filtered to one tenant. Hits come back in
// Qdrant's score order with ranks assigned from 1.
func (c *Client) Search(ctx context.Context, tenant string, vec []float32, limit int, filters map[string]string) ([]fedsearch.InternalHit, error) {
	if tenant == "" {
		return nil, errors.New("qdrant: tenant is required")
	}
	must := []map[string]interface{}{
		{"key": tenantField, "match": map[string]interface{}{"value": tenant}},
	}
	for k, v := range filters {
		must = append(must, map[string]interface{}{"key": k, "match": map[string]interface{}{"value": v}})
	}
	points, err := c.query(ctx, vec, limit, map[string]interface{}{"must": must})
	if err != nil {
		return nil, err
	}
	hits := make([]fedsearch.InternalHit, 0, len(points))
	for i, p := range points {
		hits = append(hits, fedsearch.InternalHit{
			DocID:        pointID(p.ID),
			Score:        p.Score,
			Source:       fedsearch.OriginVector,
			RankInSource: i + 1,
			Payload:      p.Payload,
		})
	}
	return hits, nil
}

// query posts to /points/query and falls back to the legacy /points/search
// endpoint when the modern one is not available.
func (c *Client) query(ctx context.Context, vec []float32, limit int, filter map[string]interface{}) ([]point, error) {
	urlQuery := fmt.Sprintf("%s/collections/%s/points/query", c.base, c.cfg.Collection)
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, urlQuery)
	defer span.End()

	body, _ := json.Marshal(queryRequest{Query: vec, Limit: limit, WithPayload: true, Filter: filter})
	resp, err := c.post(ctx, urlQuery, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return c.legacySearch(ctx, vec, limit, filter)
	}
	var qr queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&qr); err != nil {
		return nil, fmt.Errorf("qdrant: decode query response: %w", err)
	}
	return qr.Result.Points, nil
}

func (c *Client) legacySearch(ctx context.Context, vec []float32, limit int, filter map[string]interface{}) ([]point, error) {
	urlSearch := fmt.Sprintf("%s/collections/%s/points/search", c.base, c.cfg.Collection)
	legacy := map[string]interface{}{"vector": vec, "limit": limit, "with_payload": true}
	if filter != nil {
		legacy["filter"] = filter
	}
	body, _ := json.Marshal(legacy)
	resp, err := c.post(ctx, urlSearch, body)
	if err != nil {
		return nil, fmt.Errorf("qdrant: query and search both failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("qdrant: status %d", resp.StatusCode)
	}
	var sr searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("qdrant: decode search response: %w", err)
	}
	return sr.Result, nil
}

// Scan pages stored vectors for one tenant and tag. The cursor is Qdrant's
// next_page_offset verbatim; an empty next cursor means the scan is done.
func (c *Client) Scan(ctx context.Context, tenant, tag, cursor string, batch int) ([][]float32, string, error) {
	if tenant == "" || tag == "" {
		return nil, "", errors.New("qdrant: tenant and tag are required")
	}
	if batch <= 0 {
		batch = 64
	}
	urlScroll := fmt.Sprintf("%s/collections/%s/points/scroll", c.base, c.cfg.Collection)
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, urlScroll)
	defer span.End()

	req := scrollRequest{
		Filter: map[string]interface{}{
			"must": []map[string]interface{}{
				{"key": tenantField, "match": map[string]interface{}{"value": tenant}},
				{"key": tagField, "match": map[string]interface{}{"value": tag}},
			},
		},
		Limit:      batch,
		WithVector: true,
	}
	if cursor != "" {
		req.Offset = json.RawMessage(cursor)
	}
	body, _ := json.Marshal(req)
	resp, err := c.post(ctx, urlScroll, body)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("qdrant: status %d", resp.StatusCode)
	}
	var sr scrollResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, "", fmt.Errorf("qdrant: decode scroll response: %w", err)
	}
	vectors := make([][]float32, 0, len(sr.Result.Points))
	for _, p := range sr.Result.Points {
		if len(p.Vector) == 0 {
			continue
		}
		v := make([]float32, len(p.Vector))
		for i, f := range p.Vector {
			v[i] = float32(f)
		}
		vectors = append(vectors, v)
	}
	next := ""
	if raw := bytes.TrimSpace(sr.Result.NextPageOffset); len(raw) > 0 && string(raw) != "null" {
		next = string(raw)
	}
	return vectors, next, nil
}

// Ping checks that the configured collection exists.
func (c *Client) Ping(ctx context.Context) error {
	url := fmt.Sprintf("%s/collections/%s", c.base, c.cfg.Collection)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	c.setHeaders(req)
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("qdrant: status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, url string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)
	tracing.InjectTraceparent(ctx, req)
	return c.do(req)
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("api-key", c.cfg.APIKey)
	}
}

// do routes the request through the breaker when one is configured. 5xx
// responses count as breaker failures but are still handed back to the
// caller so status handling stays in one place.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	if c.breaker == nil {
		return c.http.Do(req)
	}
	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return resp, &statusError{code: resp.StatusCode}
		}
		return resp, nil
	})
	var se *statusError
	if errors.As(err, &se) {
		return resp, nil
	}
	return resp, err
}

// statusError marks 5xx responses for breaker accounting.
type statusError struct{ code int }

func (e *statusError) Error() string { return fmt.Sprintf("qdrant: status %d", e.code) }

func pointID(id interface{}) string {
	switch v := id.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatUint(uint64(v), 10)
	case json.Number:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Package embedder is the HTTP client for the embedding service. One POST
// per uncached text, with an in-process LRU in front, exponential-backoff
// retries for transient failures, and a circuit breaker so a dead service
// fails fast instead of holding every search for the full timeout.
package embedder

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/tessera-ai/fedsearch"
	"github.com/tessera-ai/fedsearch/config"
	"github.com/tessera-ai/fedsearch/internal/vecmath"
	"github.com/tessera-ai/fedsearch/metrics"
	"github.com/tessera-ai/fedsearch/tracing"
)

// Client calls the embedding service. Safe for concurrent use.
type Client struct {
	cfg     config.EmbedderConfig
	http    *http.Client
	cache   *lru.Cache[string, []float32]
	breaker *gobreaker.CircuitBreaker[[]float32]
	logger  *zap.Logger
}

var _ fedsearch.Embedder = (*Client)(nil)

type embedRequest struct {
	Texts []string `json:"texts"`
	Model string   `json:"model"`
}

type embedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
	Dimensions int         `json:"dimensions"`
	ModelUsed  string      `json:"model_used"`
}

// New builds a client from config. Zero-valued knobs get the reference
// defaults.
func New(cfg config.EmbedderConfig, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("embedder base_url is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Model == "" {
		cfg.Model = "default"
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cache, err := lru.New[string, []float32](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("embedding cache: %w", err)
	}

	c := &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		cache:  cache,
		logger: logger,
	}
	if cfg.Breaker.Enabled {
		maxFailures := cfg.Breaker.MaxFailures
		if maxFailures == 0 {
			maxFailures = 5
		}
		c.breaker = gobreaker.NewCircuitBreaker[[]float32](gobreaker.Settings{
			Name:        "embedder",
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
					zap.String("to", to.String()))
			},
		})
	}
	return c, nil
}

// Embed returns the unit-norm embedding of text. Results are cached by
// (model, text); identical inputs under the same model never hit the
// service twice while the entry survives the LRU.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	key := cacheKey(c.cfg.Model, text)
	if v, ok := c.cache.Get(key); ok {
		metrics.EmbeddingCacheHits.Inc()
		return v, nil
	}

	var vec []float32
	operation := func() error {
		v, err := c.fetchOnce(ctx, text)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			var perm *permanentError
			if errors.As(err, &perm) {
				return backoff.Permanent(err)
			}
			return err
		}
		vec = v
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	if c.cfg.Retry.InitialInterval > 0 {
		policy.InitialInterval = c.cfg.Retry.InitialInterval
	}
	retries := uint64(0)
	if c.cfg.Retry.MaxRetries > 0 {
		retries = uint64(c.cfg.Retry.MaxRetries)
	}
	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, retries), ctx)); err != nil {
		return nil, err
	}

	unit, ok := vecmath.Normalized(vec)
	if !ok {
		return nil, fmt.Errorf("embedding service returned a zero-norm vector")
	}
	c.cache.Add(key, unit)
	return unit, nil
}

// fetchOnce performs one service call, behind the breaker when configured.
func (c *Client) fetchOnce(ctx context.Context, text string) ([]float32, error) {
	if c.breaker == nil {
		return c.post(ctx, text)
	}
	vec, err := c.breaker.Execute(func() ([]float32, error) {
		return c.post(ctx, text)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		// Retrying against an open breaker is pointless.
		return nil, &permanentError{err}
	}
	return vec, err
}

func (c *Client) post(ctx context.Context, text string) ([]float32, error) {
	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/embeddings/"
	start := time.Now()

	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	buf, _ := json.Marshal(embedRequest{Texts: []string{text}, Model: c.cfg.Model})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RecordEmbedding(c.cfg.Model, "error", time.Since(start).Seconds())
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.RecordEmbedding(c.cfg.Model, "error", time.Since(start).Seconds())
		err := fmt.Errorf("embedding http status %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, &permanentError{err}
		}
		return nil, err
	}

	var er embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		metrics.RecordEmbedding(c.cfg.Model, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}
	if len(er.Embeddings) == 0 || len(er.Embeddings[0]) == 0 {
		metrics.RecordEmbedding(c.cfg.Model, "empty", time.Since(start).Seconds())
		return nil, &permanentError{fmt.Errorf("no embeddings returned")}
	}

	out := make([]float32, len(er.Embeddings[0]))
	for i, f := range er.Embeddings[0] {
		out[i] = float32(f)
	}
	metrics.RecordEmbedding(c.cfg.Model, "ok", time.Since(start).Seconds())
	return out, nil
}

// cacheKey hashes (model, text) so arbitrarily long documents key cheaply.
func cacheKey(model, text string) string {
	h := md5.Sum([]byte(model + "|" + text))
	return "emb:" + hex.EncodeToString(h[:])
}

// permanentError marks failures that retrying cannot fix.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

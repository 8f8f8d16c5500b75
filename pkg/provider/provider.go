// Package provider wraps the Gemini API behind a rate-limited client
// with model fallback, retries and dimension-checked embeddings.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/doppeld/doppeld/config"
)

var (
	// ErrUnavailable indicates every candidate model attempt failed.
	ErrUnavailable = errors.New("provider: all model attempts failed")

	// ErrEmptyResponse indicates the model returned no usable text.
	ErrEmptyResponse = errors.New("provider: empty response")

	// ErrDimensionMismatch indicates an embedding of unexpected width.
	ErrDimensionMismatch = errors.New("provider: embedding dimension mismatch")
)

// Embedding task types.
const (
	TaskRetrievalDocument = "RETRIEVAL_DOCUMENT"
	TaskRetrievalQuery    = "RETRIEVAL_QUERY"
)

// GenerateOptions tune a single generation call.
type GenerateOptions struct {
	Temperature     float32
	MaxOutputTokens int32
	JSONResponse    bool
}

// DefaultGenerateOptions returns the standard generation tuning.
func DefaultGenerateOptions() GenerateOptions {
	return GenerateOptions{Temperature: 0.7, MaxOutputTokens: 2048}
}

// Result is the outcome of a generation call, naming the model that
// actually answered.
type Result struct {
	Text      string
	ModelUsed string
}

// api is the raw model surface, kept narrow so tests can stub it.
type api interface {
	generate(ctx context.Context, model, prompt string, opts GenerateOptions) (string, error)
	embed(ctx context.Context, model string, texts []string, taskType string, dim int) ([][]float32, error)
	listModels(ctx context.Context) ([]string, error)
}

type clientLogger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// CallMetrics receives provider call observations. Implementations must
// be safe for concurrent use.
type CallMetrics interface {
	RecordProviderCall(kind, status string, duration time.Duration)
	RecordModelFallback(model string)
}

// Client is a rate-limited Gemini client with same-family model fallback.
// The available-model set is probed once and cached for the process
// lifetime; a failed probe disables filtering rather than the client.
type Client struct {
	api     api
	cfg     config.ProviderConfig
	limiter *rate.Limiter
	log     clientLogger
	metrics CallMetrics

	probeOnce sync.Once
	available map[string]struct{}
}

// SetMetrics attaches call metrics. Must be called before the client is
// shared across goroutines.
func (c *Client) SetMetrics(m CallMetrics) {
	c.metrics = m
}

func (c *Client) recordCall(kind, status string, start time.Time) {
	if c.metrics != nil {
		c.metrics.RecordProviderCall(kind, status, time.Since(start))
	}
}

// NewClient creates a provider client backed by the real Gemini API.
func NewClient(ctx context.Context, cfg config.ProviderConfig, log clientLogger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("provider: api key is required")
	}
	backend, err := newGenaiAPI(ctx, cfg.APIKey)
	if err != nil {
		return nil, err
	}
	return newClient(backend, cfg, log), nil
}

func newClient(backend api, cfg config.ProviderConfig, log clientLogger) *Client {
	limit := rate.Limit(cfg.RateLimit)
	if cfg.RateLimit <= 0 {
		limit = rate.Inf
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		api:     backend,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, burst),
		log:     log,
	}
}

func normalizeModelName(name string) string {
	value := strings.TrimSpace(name)
	if after, ok := strings.CutPrefix(value, "models/"); ok {
		return after
	}
	return value
}

// availableModels probes the model list once. An empty set means the
// probe failed and candidate filtering is skipped.
func (c *Client) availableModels(ctx context.Context) map[string]struct{} {
	c.probeOnce.Do(func() {
		names, err := c.api.listModels(ctx)
		if err != nil {
			c.log.Warn("model list probe failed, fallback filtering disabled", "error", err)
			c.available = map[string]struct{}{}
			return
		}
		set := make(map[string]struct{}, len(names)*2)
		for _, raw := range names {
			if raw != "" {
				set[raw] = struct{}{}
			}
			if n := normalizeModelName(raw); n != "" {
				set[n] = struct{}{}
			}
		}
		c.available = set
		c.log.Debug("model list probed", "models", len(names))
	})
	return c.available
}

// candidateModels orders the primary model and its fallbacks. Fallbacks
// of the primary's family (flash or pro) come first, keeping their
// configured relative order, then the rest. Models absent from the
// probed list are dropped unless that would leave nothing.
func (c *Client) candidateModels(ctx context.Context, primary string) []string {
	primaryNorm := strings.ToLower(normalizeModelName(primary))
	wantsFlash := strings.Contains(primaryNorm, "flash")
	wantsPro := strings.Contains(primaryNorm, "pro")

	fallbacks := make([]string, 0, len(c.cfg.FallbackModels))
	for _, name := range c.cfg.FallbackModels {
		if name != "" {
			fallbacks = append(fallbacks, name)
		}
	}
	if wantsFlash || wantsPro {
		sameFamily := make([]string, 0, len(fallbacks))
		others := make([]string, 0, len(fallbacks))
		for _, name := range fallbacks {
			n := strings.ToLower(normalizeModelName(name))
			matches := strings.Contains(n, "flash")
			if wantsPro {
				matches = strings.Contains(n, "pro")
			}
			if matches {
				sameFamily = append(sameFamily, name)
			} else {
				others = append(others, name)
			}
		}
		fallbacks = append(sameFamily, others...)
	}

	models := []string{primary}
	for _, name := range fallbacks {
		seen := false
		for _, m := range models {
			if m == name {
				seen = true
				break
			}
		}
		if !seen {
			models = append(models, name)
		}
	}

	available := c.availableModels(ctx)
	if len(available) == 0 {
		return models
	}
	filtered := make([]string, 0, len(models))
	for _, m := range models {
		if _, ok := available[m]; ok {
			filtered = append(filtered, m)
			continue
		}
		if _, ok := available[normalizeModelName(m)]; ok {
			filtered = append(filtered, m)
		}
	}
	if len(filtered) == 0 {
		return models
	}
	return filtered
}

func (c *Client) retryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    c.cfg.Retry.MaxAttempts,
		InitialBackoff: c.cfg.Retry.InitialBackoff,
		MaxBackoff:     c.cfg.Retry.MaxBackoff,
	}
}

func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.cfg.Timeout)
}

// Generate runs a prompt against the primary model, falling back through
// the candidate list. Each candidate gets its own retry budget; an empty
// answer counts as failure and moves on to the next model.
func (c *Client) Generate(ctx context.Context, prompt string, opts GenerateOptions) (*Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	var lastErr error = ErrEmptyResponse
	for _, model := range c.candidateModels(ctx, c.cfg.Model) {
		callCtx, cancel := c.callContext(ctx)
		text, err := withRetry(callCtx, c.retryPolicy(), func(ctx context.Context) (string, error) {
			return c.api.generate(ctx, model, prompt, opts)
		})
		cancel()

		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.log.Warn("model attempt failed", "model", model, "error", err)
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			lastErr = fmt.Errorf("%w: model %s", ErrEmptyResponse, model)
			c.log.Warn("model returned empty text", "model", model)
			continue
		}
		c.recordCall("generate", "ok", start)
		if c.metrics != nil && model != c.cfg.Model {
			c.metrics.RecordModelFallback(model)
		}
		return &Result{Text: text, ModelUsed: model}, nil
	}
	c.recordCall("generate", "error", start)
	return nil, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

// EmbedTexts embeds texts with the configured embedding model. Every
// returned vector must match the configured dimension exactly.
func (c *Client) EmbedTexts(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	start := time.Now()
	vectors, err := withRetry(callCtx, c.retryPolicy(), func(ctx context.Context) ([][]float32, error) {
		return c.api.embed(ctx, c.cfg.EmbeddingModel, texts, taskType, c.cfg.EmbeddingDim)
	})
	if err != nil {
		c.recordCall("embed", "error", start)
		return nil, fmt.Errorf("provider: embed: %w", err)
	}
	c.recordCall("embed", "ok", start)
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("provider: embed returned %d vectors for %d texts", len(vectors), len(texts))
	}
	for i, vec := range vectors {
		if len(vec) != c.cfg.EmbeddingDim {
			return nil, fmt.Errorf("%w: expected %d, got %d at index %d",
				ErrDimensionMismatch, c.cfg.EmbeddingDim, len(vec), i)
		}
	}
	return vectors, nil
}

// EmbedQuery embeds a single query text.
func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedTexts(ctx, []string{text}, TaskRetrievalQuery)
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbeddingDim returns the configured embedding width.
func (c *Client) EmbeddingDim() int {
	return c.cfg.EmbeddingDim
}

// ListModels returns the probed model names. The probe result is cached;
// call it early if startup should surface connectivity problems.
func (c *Client) ListModels(ctx context.Context) []string {
	available := c.availableModels(ctx)
	names := make([]string, 0, len(available))
	for name := range available {
		if !strings.HasPrefix(name, "models/") {
			names = append(names, name)
		}
	}
	return names
}

// Model returns the configured primary model name.
func (c *Client) Model() string {
	return c.cfg.Model
}

// EmbeddingModel returns the configured embedding model name.
func (c *Client) EmbeddingModel() string {
	return c.cfg.EmbeddingModel
}

// Healthy reports whether the provider answered the model probe.
func (c *Client) Healthy(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return len(c.availableModels(probeCtx)) > 0
}

// Package gateway wires the provider catalog, backend adapters, stream
// normalizer and retry classifier into the client the agent orchestrator
// talks to.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/crucible-ai/crucible/llm"
	"github.com/crucible-ai/crucible/llm/providers/anthropic"
	"github.com/crucible-ai/crucible/llm/providers/openaicompat"
	"github.com/crucible-ai/crucible/llm/retry"
)

// backend is the capability set both adapter variants satisfy. The set of
// wire families is closed; Client dispatches over it exhaustively at
// construction time.
type backend interface {
	Chat(ctx context.Context, model llm.ModelID, chatCtx llm.Context) (<-chan llm.StreamItem, error)
	Models(ctx context.Context) ([]llm.Model, error)
	UpdateDetails(details llm.ProviderDetails)
	Name() string
}

// Client is the backend-dispatching client for one active provider. It owns
// the pooled HTTP transport, the per-session model cache and the retry
// classification of every surfaced error.
type Client struct {
	kind       llm.ProviderType
	inner      backend
	httpClient *http.Client
	retryCfg   *retry.Config
	logger     *zap.Logger
	metrics    *Metrics

	// Model cache: many reads, rare writes. The write lock covers the whole
	// clear-then-insert sequence so readers never see a partial catalog.
	modelsMu sync.RWMutex
	models   []llm.Model
	byID     map[llm.ModelID]llm.Model

	refreshGroup singleflight.Group
}

// NewClient constructs the adapter matching the provider's wire family.
func NewClient(provider llm.Provider, retryCfg *retry.Config, version string, httpCfg llm.HTTPConfig, logger *zap.Logger, metrics *Metrics) (*Client, error) {
	if retryCfg == nil {
		retryCfg = retry.DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	httpClient := httpCfg.NewHTTPClient()

	var inner backend
	switch provider.Type() {
	case llm.ProviderTypeOpenAI:
		inner = openaicompat.New(provider.Details(), httpClient, version, logger)
	case llm.ProviderTypeAnthropic:
		inner = anthropic.New(provider.Details(), httpClient, version, logger)
	default:
		return nil, &llm.Error{
			Code:     llm.ErrUnknownProviderType,
			Message:  fmt.Sprintf("cannot build client for provider type %q", provider.Type()),
			Provider: provider.ID(),
		}
	}

	return &Client{
		kind:       provider.Type(),
		inner:      inner,
		httpClient: httpClient,
		retryCfg:   retryCfg,
		logger:     logger,
		metrics:    metrics,
		byID:       make(map[llm.ModelID]llm.Model),
	}, nil
}

// classify wraps err with the retry verdict, leaving nil alone.
func (c *Client) classify(err error) error {
	out := c.retryCfg.Classify(err)
	if retry.IsRetryable(out) {
		c.metrics.retryableError()
	}
	return out
}

// Chat opens a normalized completion stream. The open error and every item
// pulled from the stream pass through the retry classifier, so mid-stream
// transient failures carry a verdict too.
func (c *Client) Chat(ctx context.Context, model llm.ModelID, chatCtx llm.Context) (<-chan llm.StreamItem, error) {
	stream, err := c.inner.Chat(ctx, model, chatCtx)
	if err != nil {
		c.metrics.chatRequest(c.inner.Name(), "error")
		return nil, c.classify(err)
	}
	c.metrics.chatRequest(c.inner.Name(), "ok")

	out := make(chan llm.StreamItem)
	go func() {
		defer close(out)
		for item := range stream {
			if item.Err != nil {
				item.Err = c.classify(item.Err)
			}
			select {
			case <-ctx.Done():
				return
			case out <- item:
			}
		}
	}()
	return out, nil
}

// Models returns the model catalog, served from cache when warm. The first
// call (or the first after an invalidation) refreshes over the network.
func (c *Client) Models(ctx context.Context) ([]llm.Model, error) {
	c.modelsMu.RLock()
	if c.models != nil {
		snapshot := make([]llm.Model, len(c.models))
		copy(snapshot, c.models)
		c.modelsMu.RUnlock()
		c.metrics.modelCacheHit()
		return snapshot, nil
	}
	c.modelsMu.RUnlock()

	return c.RefreshModels(ctx)
}

// RefreshModels fetches the catalog and atomically replaces the cache.
// Concurrent refreshes collapse into one network call.
func (c *Client) RefreshModels(ctx context.Context) ([]llm.Model, error) {
	result, err, _ := c.refreshGroup.Do("models", func() (any, error) {
		models, err := c.inner.Models(ctx)
		if err != nil {
			c.metrics.modelRefresh(c.inner.Name(), "error")
			return nil, err
		}
		c.metrics.modelRefresh(c.inner.Name(), "ok")
		if models == nil {
			// A nil cache means "never fetched"; an empty fetch is still warm.
			models = []llm.Model{}
		}

		byID := make(map[llm.ModelID]llm.Model, len(models))
		for _, m := range models {
			byID[m.ID] = m
		}

		c.modelsMu.Lock()
		c.models = models
		c.byID = byID
		c.modelsMu.Unlock()

		c.logger.Debug("model catalog refreshed",
			zap.String("provider", c.inner.Name()),
			zap.Int("models", len(models)),
		)
		return models, nil
	})
	if err != nil {
		return nil, c.classify(err)
	}
	// Hand out a copy so callers cannot mutate the cached slice.
	cached := result.([]llm.Model)
	snapshot := make([]llm.Model, len(cached))
	copy(snapshot, cached)
	return snapshot, nil
}

// Model looks one model up, refreshing the catalog on a miss so a single
// miss costs one round trip, not one per model. A model absent even after a
// refresh returns (nil, nil).
func (c *Client) Model(ctx context.Context, id llm.ModelID) (*llm.Model, error) {
	c.modelsMu.RLock()
	if m, ok := c.byID[id]; ok {
		c.modelsMu.RUnlock()
		c.metrics.modelCacheHit()
		return &m, nil
	}
	c.modelsMu.RUnlock()

	if _, err := c.RefreshModels(ctx); err != nil {
		return nil, err
	}

	c.modelsMu.RLock()
	defer c.modelsMu.RUnlock()
	if m, ok := c.byID[id]; ok {
		return &m, nil
	}
	return nil, nil
}

// UpdateProvider rotates the adapter's credential and base URL in place,
// keeping the connection pool, and invalidates the model cache so the next
// models call fetches fresh. The new provider must stay in the same wire
// family; a family change needs a new Client (the Service handles that).
func (c *Client) UpdateProvider(provider llm.Provider) error {
	if provider.Type() != c.kind {
		return &llm.Error{
			Code: llm.ErrUnknownProviderType,
			Message: fmt.Sprintf("cannot update %s client to provider type %s",
				c.kind, provider.Type()),
			Provider: provider.ID(),
		}
	}
	c.inner.UpdateDetails(provider.Details())
	c.InvalidateModels()
	c.logger.Info("client provider updated", zap.String("provider", provider.ID()))
	return nil
}

// InvalidateModels drops the cached catalog. Invalidation is never
// time-based; only provider changes and explicit refreshes trigger it.
func (c *Client) InvalidateModels() {
	c.modelsMu.Lock()
	c.models = nil
	c.byID = make(map[llm.ModelID]llm.Model)
	c.modelsMu.Unlock()
}

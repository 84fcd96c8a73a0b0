package gateway

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/crucible-ai/crucible/internal/dump"
	"github.com/crucible-ai/crucible/llm"
	"github.com/crucible-ai/crucible/llm/retry"
)

// Options configures a Service. Zero values fall back to defaults; Logger,
// Metrics and Recorder may stay nil.
type Options struct {
	// Defaults is the compiled-in provider list; nil means
	// llm.DefaultProviders().
	Defaults []llm.ProviderDetails
	// Overrides come from the project workflow descriptor.
	Overrides []llm.ProviderDetails
	// Lookup resolves credential environment variables; nil means
	// os.LookupEnv.
	Lookup llm.EnvLookup
	// Login is the login-derived fallback credential, if any.
	Login *llm.LoginCredential

	RetryConfig *retry.Config
	HTTPConfig  *llm.HTTPConfig
	Version     string
	Logger      *zap.Logger
	Metrics     *Metrics
	Recorder    *dump.Recorder
}

// Service is the gateway facade consumed by the agent orchestrator. It
// resolves the provider catalog once at construction, keeps at most one live
// backend client (single-slot cache), and linearizes provider updates.
type Service struct {
	retryCfg *retry.Config
	httpCfg  llm.HTTPConfig
	version  string
	logger   *zap.Logger
	metrics  *Metrics
	recorder *dump.Recorder
	registry *llm.Registry

	// Single-slot client cache. Readers clone the handle under the shared
	// lock; construction and replacement take the exclusive lock. buildGroup
	// collapses concurrent cold starts into one adapter build.
	clientMu   sync.RWMutex
	client     *Client
	buildGroup singleflight.Group

	providersMu sync.RWMutex
	providers   []llm.ProviderDetails
}

// NewService resolves the catalog from the options and returns a cold
// service; the backend client is built lazily on first use.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	retryCfg := opts.RetryConfig
	if retryCfg == nil {
		retryCfg = retry.DefaultConfig()
	}
	httpCfg := llm.DefaultHTTPConfig()
	if opts.HTTPConfig != nil {
		httpCfg = *opts.HTTPConfig
	}
	defaults := opts.Defaults
	if defaults == nil {
		defaults = llm.DefaultProviders()
	}

	cfg := llm.ResolveCatalog(defaults, opts.Overrides, opts.Lookup, opts.Login, logger)

	s := &Service{
		retryCfg:  retryCfg,
		httpCfg:   httpCfg,
		version:   opts.Version,
		logger:    logger,
		metrics:   opts.Metrics,
		recorder:  opts.Recorder,
		providers: cfg.Providers,
	}
	s.registry = llm.NewRegistry(func() (llm.Provider, error) {
		return cfg.Provider()
	}, logger)
	return s
}

// Registry exposes the active-provider registry backing this service.
func (s *Service) Registry() *llm.Registry { return s.registry }

// ActiveProvider resolves (or returns the cached) active provider.
func (s *Service) ActiveProvider() (llm.Provider, error) {
	return s.registry.Provider()
}

// clientFor returns the cached client, building it on first use. Concurrent
// first-time calls construct exactly one adapter; no duplicate connection
// pools are race-created.
func (s *Service) clientFor(provider llm.Provider) (*Client, error) {
	s.clientMu.RLock()
	if s.client != nil {
		c := s.client
		s.clientMu.RUnlock()
		return c, nil
	}
	s.clientMu.RUnlock()

	result, err, _ := s.buildGroup.Do("client", func() (any, error) {
		s.clientMu.RLock()
		existing := s.client
		s.clientMu.RUnlock()
		if existing != nil {
			return existing, nil
		}

		c, err := NewClient(provider, s.retryCfg, s.version, s.httpCfg, s.logger, s.metrics)
		if err != nil {
			return nil, err
		}
		s.clientMu.Lock()
		s.client = c
		s.clientMu.Unlock()
		s.logger.Info("backend client constructed", zap.String("provider", provider.ID()))
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*Client), nil
}

// Chat opens a normalized completion stream against the given provider.
func (s *Service) Chat(ctx context.Context, model llm.ModelID, chatCtx llm.Context, provider llm.Provider) (<-chan llm.StreamItem, error) {
	client, err := s.clientFor(provider)
	if err != nil {
		return nil, err
	}

	s.recorder.Record("chat-request", map[string]any{
		"provider": provider.ID(),
		"model":    model,
		"context":  chatCtx,
	})

	stream, err := client.Chat(ctx, model, chatCtx)
	if err != nil {
		s.recorder.Record("chat-error", map[string]any{
			"provider": provider.ID(),
			"model":    model,
			"error":    err.Error(),
		})
		return nil, fmt.Errorf("failed to chat with model %s: %w", model, err)
	}
	if s.recorder == nil {
		return stream, nil
	}
	return s.recordStream(ctx, provider.ID(), model, stream), nil
}

// recordStream tees the stream's outcome into the recorder without changing
// what the caller sees.
func (s *Service) recordStream(ctx context.Context, providerID string, model llm.ModelID, stream <-chan llm.StreamItem) <-chan llm.StreamItem {
	out := make(chan llm.StreamItem)
	go func() {
		defer close(out)
		var (
			content string
			items   int
			lastErr error
			finish  llm.FinishReason
			usage   *llm.Usage
		)
		for item := range stream {
			items++
			if item.Err != nil {
				lastErr = item.Err
			} else {
				content += item.Message.Content
				if item.Message.FinishReason != "" {
					finish = item.Message.FinishReason
				}
				if item.Message.Usage != nil {
					usage = item.Message.Usage
				}
			}
			select {
			case <-ctx.Done():
				return
			case out <- item:
			}
		}
		rec := map[string]any{
			"provider":      providerID,
			"model":         model,
			"items":         items,
			"content":       content,
			"finish_reason": finish,
		}
		if usage != nil {
			rec["usage"] = usage
		}
		if lastErr != nil {
			rec["error"] = lastErr.Error()
		}
		s.recorder.Record("chat-response", rec)
	}()
	return out
}

// Models lists the provider's model catalog, served from cache when warm.
func (s *Service) Models(ctx context.Context, provider llm.Provider) ([]llm.Model, error) {
	client, err := s.clientFor(provider)
	if err != nil {
		return nil, err
	}
	return client.Models(ctx)
}

// Model looks up one model descriptor, refreshing the catalog on a miss.
func (s *Service) Model(ctx context.Context, id llm.ModelID, provider llm.Provider) (*llm.Model, error) {
	client, err := s.clientFor(provider)
	if err != nil {
		return nil, err
	}
	return client.Model(ctx, id)
}

// UpdateProvider switches the active provider. A warm client in the same
// wire family is updated in place, reusing its connection pool; a family
// change or a cold slot builds the client fresh (immediately when warm
// semantics demand it, lazily otherwise). Once UpdateProvider returns, every
// subsequent call observes the new provider; streams already in flight on
// the old credentials run to completion.
func (s *Service) UpdateProvider(provider llm.Provider) error {
	s.clientMu.Lock()
	defer s.clientMu.Unlock()

	if s.client != nil {
		if err := s.client.UpdateProvider(provider); err != nil {
			// Wire family changed: replace the slot with a fresh client.
			replacement, buildErr := NewClient(provider, s.retryCfg, s.version, s.httpCfg, s.logger, s.metrics)
			if buildErr != nil {
				return buildErr
			}
			s.client = replacement
			s.logger.Info("backend client replaced",
				zap.String("provider", provider.ID()),
				zap.String("provider_type", string(provider.Type())),
			)
		}
	}
	// A cold slot stays cold; construction defers to first use.

	s.registry.UpdateProvider(provider)
	return nil
}

// Providers returns the resolved catalog for this session.
func (s *Service) Providers() []llm.ProviderDetails {
	s.providersMu.RLock()
	defer s.providersMu.RUnlock()
	out := make([]llm.ProviderDetails, len(s.providers))
	copy(out, s.providers)
	return out
}

// UpdateAvailableProviders upserts one catalog entry by id.
func (s *Service) UpdateAvailableProviders(details llm.ProviderDetails) {
	details = details.Normalized()
	s.providersMu.Lock()
	defer s.providersMu.Unlock()
	for i := range s.providers {
		if s.providers[i].ID == details.ID {
			s.providers[i] = details
			return
		}
	}
	s.providers = append(s.providers, details)
}

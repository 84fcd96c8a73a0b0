// Package anthropic implements the backend adapter for the Anthropic
// Messages streaming API. It differs from the OpenAI family in auth
// (x-api-key plus a fixed anthropic-version header) and in event framing:
// completions arrive as a typed event lifecycle rather than uniform chunks.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/crucible-ai/crucible/llm"
	"github.com/crucible-ai/crucible/llm/providers"
)

// Version is the protocol version sent with every request.
const Version = "2023-06-01"

const (
	messagesPath = "messages"
	modelsPath   = "models"

	// defaultMaxTokens backs the Messages API's mandatory max_tokens field
	// when the caller leaves it unset.
	defaultMaxTokens = 4096
)

// Provider adapts the canonical Context to the Messages streaming protocol.
// Like the OpenAI adapter, the pooled HTTP client is injected once and kept
// across credential rotations.
type Provider struct {
	client  *http.Client
	logger  *zap.Logger
	version string

	mu      sync.RWMutex
	name    string
	apiKey  string
	baseURL string
}

// New creates an adapter for the given provider details.
func New(details llm.ProviderDetails, client *http.Client, version string, logger *zap.Logger) *Provider {
	if client == nil {
		client = llm.DefaultHTTPConfig().NewHTTPClient()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		client:  client,
		logger:  logger,
		version: version,
		name:    details.ID,
		apiKey:  details.APIKey,
		baseURL: details.BaseURL,
	}
}

// Name returns the configured provider id.
func (p *Provider) Name() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.name
}

// UpdateDetails rotates the stored credential and base URL in place.
func (p *Provider) UpdateDetails(details llm.ProviderDetails) {
	p.mu.Lock()
	p.apiKey = details.APIKey
	p.baseURL = details.BaseURL
	p.name = details.ID
	p.mu.Unlock()
}

func (p *Provider) snapshot() (apiKey, baseURL, name string) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.apiKey, p.baseURL, p.name
}

func (p *Provider) headers(req *http.Request, apiKey string) {
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("anthropic-version", Version)
	req.Header.Set("Content-Type", "application/json")
	if p.version != "" {
		req.Header.Set("User-Agent", "crucible/"+p.version)
	}
}

// Chat opens a streaming completion and returns the normalized sequence.
func (p *Provider) Chat(ctx context.Context, model llm.ModelID, chatCtx llm.Context) (<-chan llm.StreamItem, error) {
	apiKey, baseURL, name := p.snapshot()
	url := baseURL + messagesPath
	rc := providers.RequestContext{Method: http.MethodPost, URL: url, Provider: name}

	body := buildRequest(model, chatCtx)
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, rc.Wrap(fmt.Errorf("failed to marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, rc.Wrap(err)
	}
	p.headers(req, apiKey)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, rc.Wrap(&llm.Error{
			Code:       llm.ErrUpstreamError,
			Message:    err.Error(),
			HTTPStatus: http.StatusBadGateway,
			Retryable:  true,
			Provider:   name,
		})
	}

	if isEventStream(resp) {
		convert := newEventConverter(name)
		return providers.StreamEvents(ctx, resp.Body, convert, rc, p.logger), nil
	}

	defer resp.Body.Close()
	text, ok := providers.ReadBody(resp.Body)
	p.logger.Debug("chat response is not an event stream",
		zap.String("provider", name),
		zap.Int("status", resp.StatusCode),
	)
	messages, err := providers.FallbackDecode(resp.StatusCode, text, ok, convertComplete, rc)
	if err != nil {
		return nil, err
	}
	return singleton(messages), nil
}

// Models lists the backend's model catalog.
func (p *Provider) Models(ctx context.Context) ([]llm.Model, error) {
	apiKey, baseURL, name := p.snapshot()
	url := baseURL + modelsPath
	rc := providers.RequestContext{Method: http.MethodGet, URL: url, Provider: name}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, rc.Wrap(err)
	}
	p.headers(req, apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, rc.Wrap(&llm.Error{
			Code:       llm.ErrUpstreamError,
			Message:    err.Error(),
			HTTPStatus: http.StatusBadGateway,
			Retryable:  true,
			Provider:   name,
		})
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		text, ok := providers.ReadBody(resp.Body)
		if !ok {
			text = "failed to read error response"
		}
		return nil, rc.Wrap(llm.MapHTTPError(resp.StatusCode, providers.ErrorMessage(text), name))
	}

	var list modelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, rc.Wrap(&llm.Error{
			Code:     llm.ErrMalformedResponse,
			Message:  fmt.Sprintf("failed to parse models response: %v", err),
			Provider: name,
		})
	}

	models := make([]llm.Model, 0, len(list.Data))
	for _, m := range list.Data {
		models = append(models, llm.Model{
			ID:            llm.ModelID(m.ID),
			Name:          m.DisplayName,
			SupportsTools: true,
		})
	}
	return models, nil
}

func isEventStream(resp *http.Response) bool {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false
	}
	ct := resp.Header.Get("Content-Type")
	return strings.HasPrefix(strings.ToLower(ct), "text/event-stream")
}

func singleton(messages []llm.ChatCompletionMessage) <-chan llm.StreamItem {
	ch := make(chan llm.StreamItem, len(messages))
	for _, msg := range messages {
		ch <- llm.StreamItem{Message: msg}
	}
	close(ch)
	return ch
}

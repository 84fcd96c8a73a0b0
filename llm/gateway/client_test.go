package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/crucible-ai/crucible/llm"
	"github.com/crucible-ai/crucible/llm/retry"
)

// fakeBackend is an openai-family upstream with countable model fetches.
type fakeBackend struct {
	srv        *httptest.Server
	modelCalls atomic.Int32
	chatCalls  atomic.Int32
	lastKey    atomic.Value

	// modelGate, when set, blocks the models handler until closed.
	modelGate chan struct{}
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{}
	mux := http.NewServeMux()
	mux.HandleFunc("/models", func(w http.ResponseWriter, r *http.Request) {
		b.modelCalls.Add(1)
		b.lastKey.Store(r.Header.Get("Authorization"))
		if b.modelGate != nil {
			<-b.modelGate
		}
		fmt.Fprint(w, `{"data":[{"id":"gpt-4o","supported_parameters":["tools"]},{"id":"gpt-4o-mini"}]}`)
	})
	mux.HandleFunc("/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		b.chatCalls.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\ndata: [DONE]\n\n")
	})
	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBackend) provider(t *testing.T, key string) llm.Provider {
	t.Helper()
	p, err := llm.NewProviderDetails("openai", "OpenAI", "", key, "openai", b.srv.URL).Provider()
	require.NoError(t, err)
	return p
}

func newTestClient(t *testing.T, provider llm.Provider) *Client {
	t.Helper()
	c, err := NewClient(provider, retry.DefaultConfig(), "1.0.0", llm.DefaultHTTPConfig(), nil, nil)
	require.NoError(t, err)
	return c
}

func TestClient_Models_Cache(t *testing.T) {
	b := newFakeBackend(t)
	c := newTestClient(t, b.provider(t, "sk-test"))

	first, err := c.Models(context.Background())
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, int32(1), b.modelCalls.Load())

	second, err := c.Models(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)
	// Served from cache, no second fetch.
	assert.Equal(t, int32(1), b.modelCalls.Load())
}

func TestClient_Models_ReturnsCopies(t *testing.T) {
	b := newFakeBackend(t)
	c := newTestClient(t, b.provider(t, "sk-test"))

	// Both the refresh path and the warm path hand out snapshots: callers
	// mutating what they got back must not corrupt the cache.
	cold, err := c.Models(context.Background())
	require.NoError(t, err)
	cold[0].ID = "vandalized"

	warm, err := c.Models(context.Background())
	require.NoError(t, err)
	assert.Equal(t, llm.ModelID("gpt-4o"), warm[0].ID)
	warm[0].ID = "vandalized"

	again, err := c.Models(context.Background())
	require.NoError(t, err)
	assert.Equal(t, llm.ModelID("gpt-4o"), again[0].ID)
}

func TestClient_Models_EmptyCatalogStaysWarm(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/models", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `{"data":[]}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	p, err := llm.NewProviderDetails("openai", "OpenAI", "", "sk-test", "openai", srv.URL).Provider()
	require.NoError(t, err)
	c := newTestClient(t, p)

	models, err := c.Models(context.Background())
	require.NoError(t, err)
	assert.Empty(t, models)

	// An empty catalog is still a fetched catalog: no re-fetch per call.
	_, err = c.Models(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	// Invalidation makes the next call fetch again.
	c.InvalidateModels()
	_, err = c.Models(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_Models_ConcurrentRefreshCollapses(t *testing.T) {
	b := newFakeBackend(t)
	b.modelGate = make(chan struct{})
	c := newTestClient(t, b.provider(t, "sk-test"))

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			_, err := c.Models(context.Background())
			return err
		})
	}

	// Wait for every goroutine to either reach the in-flight fetch or join
	// it, then release the handler.
	require.Eventually(t, func() bool {
		return b.modelCalls.Load() >= 1
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(b.modelGate)

	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), b.modelCalls.Load())
}

func TestClient_Model(t *testing.T) {
	b := newFakeBackend(t)
	c := newTestClient(t, b.provider(t, "sk-test"))

	t.Run("miss refreshes once", func(t *testing.T) {
		m, err := c.Model(context.Background(), "gpt-4o")
		require.NoError(t, err)
		require.NotNil(t, m)
		assert.True(t, m.SupportsTools)
		assert.Equal(t, int32(1), b.modelCalls.Load())
	})

	t.Run("warm lookup costs nothing", func(t *testing.T) {
		m, err := c.Model(context.Background(), "gpt-4o-mini")
		require.NoError(t, err)
		require.NotNil(t, m)
		assert.Equal(t, int32(1), b.modelCalls.Load())
	})

	t.Run("absent after refresh is nil without error", func(t *testing.T) {
		m, err := c.Model(context.Background(), "no-such-model")
		require.NoError(t, err)
		assert.Nil(t, m)
		// The miss forced one more refresh.
		assert.Equal(t, int32(2), b.modelCalls.Load())
	})
}

func TestClient_UpdateProvider(t *testing.T) {
	t.Run("same family rotates in place and invalidates cache", func(t *testing.T) {
		b := newFakeBackend(t)
		c := newTestClient(t, b.provider(t, "sk-old"))

		_, err := c.Models(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "Bearer sk-old", b.lastKey.Load())

		require.NoError(t, c.UpdateProvider(b.provider(t, "sk-new")))

		_, err = c.Models(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "Bearer sk-new", b.lastKey.Load())
		assert.Equal(t, int32(2), b.modelCalls.Load())
	})

	t.Run("family change rejected", func(t *testing.T) {
		b := newFakeBackend(t)
		c := newTestClient(t, b.provider(t, "sk-test"))

		anthropicProvider, err := llm.NewProviderDetails(
			"anthropic", "Anthropic", "", "sk-ant", "anthropic", b.srv.URL,
		).Provider()
		require.NoError(t, err)

		err = c.UpdateProvider(anthropicProvider)
		require.Error(t, err)
		var gatewayErr *llm.Error
		require.ErrorAs(t, err, &gatewayErr)
		assert.Equal(t, llm.ErrUnknownProviderType, gatewayErr.Code)
	})
}

func TestClient_Chat_Classification(t *testing.T) {
	t.Run("open failure carries retry verdict", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error":{"message":"Rate limit reached"}}`)
		}))
		defer srv.Close()

		p, err := llm.NewProviderDetails("openai", "OpenAI", "", "sk-test", "openai", srv.URL).Provider()
		require.NoError(t, err)
		c := newTestClient(t, p)

		_, err = c.Chat(context.Background(), "gpt-4o", llm.Context{})
		require.Error(t, err)
		assert.True(t, retry.IsRetryable(err))
	})

	t.Run("auth failure is fatal", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"error":{"message":"bad key"}}`)
		}))
		defer srv.Close()

		p, err := llm.NewProviderDetails("openai", "OpenAI", "", "sk-test", "openai", srv.URL).Provider()
		require.NoError(t, err)
		c := newTestClient(t, p)

		_, err = c.Chat(context.Background(), "gpt-4o", llm.Context{})
		require.Error(t, err)
		assert.False(t, retry.IsRetryable(err))
	})

	t.Run("mid-stream transport failure is a retryable item", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n\n")
			w.(http.Flusher).Flush()
			panic(http.ErrAbortHandler)
		}))
		defer srv.Close()

		p, err := llm.NewProviderDetails("openai", "OpenAI", "", "sk-test", "openai", srv.URL).Provider()
		require.NoError(t, err)
		c := newTestClient(t, p)

		ch, err := c.Chat(context.Background(), "gpt-4o", llm.Context{})
		require.NoError(t, err)

		var items []llm.StreamItem
		for item := range ch {
			items = append(items, item)
		}
		require.Len(t, items, 2)
		assert.Equal(t, "partial", items[0].Message.Content)
		require.Error(t, items[1].Err)
		assert.True(t, retry.IsRetryable(items[1].Err))
	})

	t.Run("content error item is fatal, stream continues", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, "data: {broken\n\ndata: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n\ndata: [DONE]\n\n")
		}))
		defer srv.Close()

		p, err := llm.NewProviderDetails("openai", "OpenAI", "", "sk-test", "openai", srv.URL).Provider()
		require.NoError(t, err)
		c := newTestClient(t, p)

		ch, err := c.Chat(context.Background(), "gpt-4o", llm.Context{})
		require.NoError(t, err)

		var items []llm.StreamItem
		for item := range ch {
			items = append(items, item)
		}
		require.Len(t, items, 2)
		require.Error(t, items[0].Err)
		assert.False(t, retry.IsRetryable(items[0].Err))
		assert.Equal(t, "ok", items[1].Message.Content)
	})
}

func TestNewClient_UnknownFamily(t *testing.T) {
	_, err := NewClient(llm.Provider{}, nil, "", llm.DefaultHTTPConfig(), nil, nil)
	require.Error(t, err)
	var gatewayErr *llm.Error
	require.ErrorAs(t, err, &gatewayErr)
	assert.Equal(t, llm.ErrUnknownProviderType, gatewayErr.Code)
}

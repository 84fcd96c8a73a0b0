package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crucible-ai/crucible/llm"
)

var testRC = RequestContext{Method: "POST", URL: "https://api.example/v1/chat/completions", Provider: "test"}

// textConverter decodes {"text": "..."} payloads into single-message chunks.
func textConverter(_ string, payload string) ([]llm.ChatCompletionMessage, error) {
	var chunk struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		return nil, err
	}
	return []llm.ChatCompletionMessage{{Content: chunk.Text}}, nil
}

// strictConverter additionally rejects payloads without a text field, the way
// real adapters reject error envelopes.
func strictConverter(eventType, payload string) ([]llm.ChatCompletionMessage, error) {
	messages, err := textConverter(eventType, payload)
	if err != nil {
		return nil, err
	}
	if len(messages) == 1 && messages[0].Content == "" {
		return nil, errors.New("payload has no text field")
	}
	return messages, nil
}

func streamOf(raw string) io.ReadCloser {
	return io.NopCloser(strings.NewReader(raw))
}

func drain(t *testing.T, ch <-chan llm.StreamItem) []llm.StreamItem {
	t.Helper()
	var items []llm.StreamItem
	for {
		select {
		case item, ok := <-ch:
			if !ok {
				return items
			}
			items = append(items, item)
		case <-time.After(2 * time.Second):
			t.Fatal("stream did not terminate")
		}
	}
}

func TestStreamEvents(t *testing.T) {
	t.Run("normalizes message chunks", func(t *testing.T) {
		raw := "data: {\"text\":\"Hello\"}\n\ndata: {\"text\":\" world\"}\n\ndata: [DONE]\n\n"
		items := drain(t, StreamEvents(context.Background(), streamOf(raw), textConverter, testRC, nil))

		require.Len(t, items, 2)
		assert.Equal(t, "Hello", items[0].Message.Content)
		assert.Equal(t, " world", items[1].Message.Content)
	})

	t.Run("done sentinel terminates even with trailing data", func(t *testing.T) {
		raw := "data: [DONE]\n\ndata: {\"text\":\"after\"}\n\n"
		items := drain(t, StreamEvents(context.Background(), streamOf(raw), textConverter, testRC, nil))
		assert.Empty(t, items)
	})

	t.Run("empty payload terminates", func(t *testing.T) {
		raw := "data: {\"text\":\"first\"}\n\ndata:\n\ndata: {\"text\":\"after\"}\n\n"
		items := drain(t, StreamEvents(context.Background(), streamOf(raw), textConverter, testRC, nil))
		require.Len(t, items, 1)
		assert.Equal(t, "first", items[0].Message.Content)
	})

	t.Run("transport end without sentinel terminates cleanly", func(t *testing.T) {
		raw := "data: {\"text\":\"only\"}\n\n"
		items := drain(t, StreamEvents(context.Background(), streamOf(raw), textConverter, testRC, nil))
		require.Len(t, items, 1)
		assert.NoError(t, items[0].Err)
	})

	t.Run("malformed payload is an item error, stream continues", func(t *testing.T) {
		raw := "data: {not json}\n\ndata: {\"text\":\"recovered\"}\n\ndata: [DONE]\n\n"
		items := drain(t, StreamEvents(context.Background(), streamOf(raw), textConverter, testRC, nil))

		require.Len(t, items, 2)
		require.Error(t, items[0].Err)
		assert.Contains(t, items[0].Err.Error(), "failed to parse provider response")
		assert.Contains(t, items[0].Err.Error(), "{not json}")
		assert.Contains(t, items[0].Err.Error(), "POST https://api.example/v1/chat/completions")
		assert.Equal(t, "recovered", items[1].Message.Content)
	})

	t.Run("empty messages are skipped", func(t *testing.T) {
		raw := "data: {\"text\":\"\"}\n\ndata: {\"text\":\"real\"}\n\ndata: [DONE]\n\n"
		items := drain(t, StreamEvents(context.Background(), streamOf(raw), textConverter, testRC, nil))
		require.Len(t, items, 1)
		assert.Equal(t, "real", items[0].Message.Content)
	})

	t.Run("mid-stream read failure surfaces as retryable item error", func(t *testing.T) {
		body := io.NopCloser(io.MultiReader(
			strings.NewReader("data: {\"text\":\"ok\"}\n\n"),
			&abortingReader{},
		))
		items := drain(t, StreamEvents(context.Background(), body, textConverter, testRC, nil))

		require.Len(t, items, 2)
		assert.Equal(t, "ok", items[0].Message.Content)
		require.Error(t, items[1].Err)
		var gatewayErr *llm.Error
		require.ErrorAs(t, items[1].Err, &gatewayErr)
		assert.Equal(t, llm.ErrUpstreamError, gatewayErr.Code)
		assert.True(t, gatewayErr.Retryable)
	})

	t.Run("event type reaches the converter", func(t *testing.T) {
		var seen []string
		convert := func(eventType, payload string) ([]llm.ChatCompletionMessage, error) {
			seen = append(seen, eventType)
			return nil, nil
		}
		raw := "event: message_start\ndata: {}\n\nevent: message_stop\ndata: {}\n\n"
		drain(t, StreamEvents(context.Background(), streamOf(raw), convert, testRC, nil))
		assert.Equal(t, []string{"message_start", "message_stop"}, seen)
	})

	t.Run("cancellation stops an unread stream", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		raw := "data: {\"text\":\"a\"}\n\ndata: {\"text\":\"b\"}\n\ndata: [DONE]\n\n"
		closer := &trackingCloser{ReadCloser: streamOf(raw)}
		ch := StreamEvents(ctx, closer, textConverter, testRC, nil)

		// Take nothing; cancel while the producer is blocked on the send.
		cancel()

		deadline := time.After(2 * time.Second)
		for {
			select {
			case _, ok := <-ch:
				if !ok {
					assert.True(t, closer.closed.Load())
					return
				}
			case <-deadline:
				t.Fatal("stream did not shut down after cancellation")
			}
		}
	})
}

func TestFallbackDecode(t *testing.T) {
	t.Run("plain json body recovered through converter", func(t *testing.T) {
		messages, err := FallbackDecode(200, `{"text":"full response"}`, true, textConverter, testRC)
		require.NoError(t, err)
		require.Len(t, messages, 1)
		assert.Equal(t, "full response", messages[0].Content)
	})

	t.Run("converter-decodable error body wins over status", func(t *testing.T) {
		// Some backends answer auth failures as a decodable JSON body with a
		// non-2xx status; the adapter's converter sees it first.
		convert := func(_ string, payload string) ([]llm.ChatCompletionMessage, error) {
			return []llm.ChatCompletionMessage{{Content: "decoded: " + payload}}, nil
		}
		messages, err := FallbackDecode(401, `{"unusual":"shape"}`, true, convert, testRC)
		require.NoError(t, err)
		require.Len(t, messages, 1)
	})

	t.Run("non-success status yields mapped error", func(t *testing.T) {
		body := `{"error":{"message":"Rate limit reached","type":"rate_limit_error"}}`
		_, err := FallbackDecode(429, body, true, strictConverter, testRC)
		require.Error(t, err)
		var gatewayErr *llm.Error
		require.ErrorAs(t, err, &gatewayErr)
		assert.Equal(t, llm.ErrRateLimited, gatewayErr.Code)
		assert.Contains(t, gatewayErr.Message, "Rate limit reached")
		assert.Contains(t, err.Error(), testRC.URL)
	})

	t.Run("unreadable body reported as unknown", func(t *testing.T) {
		_, err := FallbackDecode(503, "", false, textConverter, testRC)
		require.Error(t, err)
		assert.Contains(t, err.Error(), unknownBody)
	})

	t.Run("success status with undecodable body is invalid content type", func(t *testing.T) {
		_, err := FallbackDecode(200, "<html>upstream proxy</html>", true, strictConverter, testRC)
		require.Error(t, err)
		var gatewayErr *llm.Error
		require.ErrorAs(t, err, &gatewayErr)
		assert.Equal(t, llm.ErrInvalidContentType, gatewayErr.Code)
		assert.Contains(t, gatewayErr.Message, "expected an event stream")
	})
}

type abortingReader struct{}

func (r *abortingReader) Read([]byte) (int, error) {
	return 0, errors.New("connection reset by peer")
}

type trackingCloser struct {
	io.ReadCloser
	closed atomic.Bool
}

func (c *trackingCloser) Close() error {
	c.closed.Store(true)
	return c.ReadCloser.Close()
}

package providers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/crucible-ai/crucible/llm"
	"github.com/crucible-ai/crucible/llm/sse"
)

// Converter turns one backend event payload into zero or more canonical
// messages. Adapters supply a stateless converter (OpenAI: one chunk per
// event) or a stateful closure (Anthropic: usage and tool indices accumulate
// across events). A conversion failure is a content error, never fatal to
// the stream.
type Converter func(eventType, payload string) ([]llm.ChatCompletionMessage, error)

// StreamEvents normalizes a raw event-source body into a lazy, finite,
// single-use sequence of StreamItems.
//
// Termination rules: the transport ending terminates the sequence; a
// "[DONE]" or empty payload is the backend's no-more-data signal and
// terminates it successfully. Parse or conversion failures surface as
// item-level errors annotated with the offending payload, and the stream
// keeps going. Cancelling ctx closes the body, which cancels the underlying
// network read.
func StreamEvents(ctx context.Context, body io.ReadCloser, convert Converter, rc RequestContext, logger *zap.Logger) <-chan llm.StreamItem {
	if logger == nil {
		logger = zap.NewNop()
	}
	ch := make(chan llm.StreamItem)

	// Cancellation rides on ctx: the request context aborts the pending
	// body read, and an unread channel send bails out via the emit select.
	go func() {
		defer close(ch)
		defer body.Close()

		decoder := sse.NewDecoder(body)
		for {
			event, err := decoder.Next()
			if err != nil {
				if err != io.EOF && ctx.Err() == nil {
					emit(ctx, ch, llm.StreamItem{Err: rc.Wrap(&llm.Error{
						Code:       llm.ErrUpstreamError,
						Message:    err.Error(),
						HTTPStatus: http.StatusBadGateway,
						Retryable:  true,
						Provider:   rc.Provider,
					})})
				}
				return
			}

			payload := strings.TrimSpace(event.Data)
			if payload == "" || payload == "[DONE]" {
				logger.Debug("received completion from upstream", zap.String("provider", rc.Provider))
				return
			}

			messages, convErr := convert(event.Type, payload)
			if convErr != nil {
				item := llm.StreamItem{Err: rc.Wrap(
					fmt.Errorf("failed to parse provider response: %s: %w", payload, convErr),
				)}
				if !emit(ctx, ch, item) {
					return
				}
				continue
			}
			for _, msg := range messages {
				if msg.Empty() {
					continue
				}
				if !emit(ctx, ch, llm.StreamItem{Message: msg}) {
					return
				}
			}
		}
	}()
	return ch
}

func emit(ctx context.Context, ch chan<- llm.StreamItem, item llm.StreamItem) bool {
	select {
	case <-ctx.Done():
		return false
	case ch <- item:
		return true
	}
}

// FallbackDecode is the recovery path for servers that answer a streaming
// request with a plain JSON body instead of an event stream. The body is
// decoded with the adapter's own converter first; only when that fails is a
// typed invalid-status or invalid-content-type error surfaced. Some backends
// report auth failures exactly this way, so the ordering is load-bearing.
func FallbackDecode(status int, body string, bodyRead bool, convert Converter, rc RequestContext) ([]llm.ChatCompletionMessage, error) {
	if bodyRead {
		if messages, err := convert("", body); err == nil && len(messages) > 0 {
			return messages, nil
		}
	}

	text := unknownBody
	if bodyRead {
		text = ErrorMessage(body)
	}
	if status < 200 || status >= 300 {
		return nil, rc.Wrap(llm.MapHTTPError(status, text, rc.Provider))
	}
	return nil, rc.Wrap(&llm.Error{
		Code:       llm.ErrInvalidContentType,
		Message:    fmt.Sprintf("expected an event stream, got: %s", text),
		HTTPStatus: status,
		Provider:   rc.Provider,
	})
}

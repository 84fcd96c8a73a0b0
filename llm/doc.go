// Package llm is the provider gateway of the Crucible agent runtime.
//
// It resolves a catalog of configured LLM backends into one active
// Provider, dispatches canonical chat requests to the matching wire
// protocol (OpenAI-compatible or Anthropic Messages), normalizes the
// streamed responses into ChatCompletionMessage values, classifies
// surfaced errors as retryable or fatal, and memoizes the backend
// client and model catalog so repeated agent turns stay cheap.
//
// The agent orchestrator consumes three operations: Service.Chat,
// Service.Models and Service.UpdateProvider. Everything else in this
// package exists to keep those three correct under concurrency and
// provider hot-swaps.
package llm

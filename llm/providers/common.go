// Package providers holds the plumbing shared by both backend adapters:
// the stream normalizer, the plain-JSON recovery path for non-conformant
// responses, and error-body handling.
package providers

import (
	"encoding/json"
	"fmt"
	"io"
)

// maxErrorBody bounds best-effort error-body reads so a misbehaving backend
// cannot make the gateway buffer an unbounded response.
const maxErrorBody = 64 * 1024

// unknownBody marks a response body that could not be read.
const unknownBody = "[Unknown]"

// RequestContext identifies the call an error belongs to. Every surfaced
// error is enriched with it so failures trace back to the exact request.
type RequestContext struct {
	Method   string
	URL      string
	Provider string
}

// Wrap annotates err with the request method and URL.
func (rc RequestContext) Wrap(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s %s: %w", rc.Method, rc.URL, err)
}

// ReadBody reads at most maxErrorBody bytes of r. The second return is
// false when the body could not be read at all.
func ReadBody(r io.Reader) (string, bool) {
	data, err := io.ReadAll(io.LimitReader(r, maxErrorBody))
	if err != nil {
		return "", false
	}
	return string(data), true
}

// ErrorMessage extracts a human-readable message from a backend error body.
// Both wire families use an {"error": {...}} envelope; anything else falls
// back to the raw text.
func ErrorMessage(body string) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(body), &envelope); err == nil && envelope.Error.Message != "" {
		if envelope.Error.Type != "" {
			return fmt.Sprintf("%s (type: %s)", envelope.Error.Message, envelope.Error.Type)
		}
		return envelope.Error.Message
	}
	return body
}

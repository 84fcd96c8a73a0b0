package llm

import (
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/crucible-ai/crucible/internal/tlsutil"
)

// HTTPConfig controls the pooled transport shared by one backend client.
// Timeouts live here, at the transport level; the stream normalizer carries
// no timer of its own.
type HTTPConfig struct {
	ConnectTimeout     time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
	ReadTimeout        time.Duration `json:"read_timeout" yaml:"read_timeout"`
	PoolIdleTimeout    time.Duration `json:"pool_idle_timeout" yaml:"pool_idle_timeout"`
	PoolMaxIdlePerHost int           `json:"pool_max_idle_per_host" yaml:"pool_max_idle_per_host"`
	MaxRedirects       int           `json:"max_redirects" yaml:"max_redirects"`

	// RequestsPerSecond paces outbound requests client-side. Zero disables
	// pacing.
	RequestsPerSecond float64 `json:"requests_per_second,omitempty" yaml:"requests_per_second,omitempty"`
}

// UnmarshalYAML accepts Go duration strings ("10s", "5m") for the timeout
// fields. Absent keys keep the values already present, so decoding on top of
// DefaultHTTPConfig merges instead of zeroing.
func (c *HTTPConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		ConnectTimeout     string   `yaml:"connect_timeout"`
		ReadTimeout        string   `yaml:"read_timeout"`
		PoolIdleTimeout    string   `yaml:"pool_idle_timeout"`
		PoolMaxIdlePerHost *int     `yaml:"pool_max_idle_per_host"`
		MaxRedirects       *int     `yaml:"max_redirects"`
		RequestsPerSecond  *float64 `yaml:"requests_per_second"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	for _, f := range []struct {
		raw string
		dst *time.Duration
	}{
		{raw.ConnectTimeout, &c.ConnectTimeout},
		{raw.ReadTimeout, &c.ReadTimeout},
		{raw.PoolIdleTimeout, &c.PoolIdleTimeout},
	} {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", f.raw, err)
		}
		*f.dst = d
	}

	if raw.PoolMaxIdlePerHost != nil {
		c.PoolMaxIdlePerHost = *raw.PoolMaxIdlePerHost
	}
	if raw.MaxRedirects != nil {
		c.MaxRedirects = *raw.MaxRedirects
	}
	if raw.RequestsPerSecond != nil {
		c.RequestsPerSecond = *raw.RequestsPerSecond
	}
	return nil
}

// DefaultHTTPConfig returns the transport defaults used when no override is
// configured.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		ConnectTimeout:     10 * time.Second,
		ReadTimeout:        5 * time.Minute,
		PoolIdleTimeout:    90 * time.Second,
		PoolMaxIdlePerHost: 5,
		MaxRedirects:       10,
	}
}

// NewHTTPClient builds a pooled client from the config. ReadTimeout bounds
// the wait for response headers rather than the whole call, so long-lived
// SSE streams are not cut off mid-response.
func (c HTTPConfig) NewHTTPClient() *http.Client {
	transport := tlsutil.SecureTransport(tlsutil.TransportConfig{
		ConnectTimeout:        c.ConnectTimeout,
		ResponseHeaderTimeout: c.ReadTimeout,
		IdleConnTimeout:       c.PoolIdleTimeout,
		MaxIdleConnsPerHost:   c.PoolMaxIdlePerHost,
	})

	var rt http.RoundTripper = transport
	if c.RequestsPerSecond > 0 {
		rt = &pacedTransport{
			next:    transport,
			limiter: rate.NewLimiter(rate.Limit(c.RequestsPerSecond), 1),
		}
	}

	maxRedirects := c.MaxRedirects
	return &http.Client{
		Transport: rt,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}
}

// pacedTransport blocks each request on a shared rate limiter before
// delegating to the pooled transport.
type pacedTransport struct {
	next    http.RoundTripper
	limiter *rate.Limiter
}

func (t *pacedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return t.next.RoundTrip(req)
}

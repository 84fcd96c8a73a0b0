package llm

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultHTTPConfig(t *testing.T) {
	cfg := DefaultHTTPConfig()
	assert.Equal(t, 10*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 5*time.Minute, cfg.ReadTimeout)
	assert.Equal(t, 90*time.Second, cfg.PoolIdleTimeout)
	assert.Equal(t, 5, cfg.PoolMaxIdlePerHost)
	assert.Equal(t, 10, cfg.MaxRedirects)
	assert.Zero(t, cfg.RequestsPerSecond)
}

func TestHTTPConfig_NewHTTPClient(t *testing.T) {
	t.Run("no overall deadline", func(t *testing.T) {
		client := DefaultHTTPConfig().NewHTTPClient()
		// SSE responses can outlive any fixed call deadline, so the client
		// must not carry one; only the header wait is bounded.
		assert.Zero(t, client.Timeout)
	})

	t.Run("redirects capped", func(t *testing.T) {
		var hops int
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hops++
			http.Redirect(w, r, fmt.Sprintf("/hop/%d", hops), http.StatusFound)
		}))
		defer srv.Close()

		cfg := DefaultHTTPConfig()
		cfg.MaxRedirects = 3
		client := cfg.NewHTTPClient()

		resp, err := client.Get(srv.URL)
		if resp != nil {
			resp.Body.Close()
		}
		require.Error(t, err)
		assert.Contains(t, err.Error(), "stopped after 3 redirects")
	})

	t.Run("pacing spaces out requests", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		cfg := DefaultHTTPConfig()
		cfg.RequestsPerSecond = 20
		client := cfg.NewHTTPClient()

		start := time.Now()
		for i := 0; i < 3; i++ {
			resp, err := client.Get(srv.URL)
			require.NoError(t, err)
			resp.Body.Close()
		}
		// Burst of 1 at 20 rps: three requests need at least two 50ms waits.
		assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
	})
}

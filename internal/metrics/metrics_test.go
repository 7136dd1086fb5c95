package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveCompletion(t *testing.T) {
	c := New()

	c.ObserveCompletion("openai", "gpt-4o", false, 1200*time.Millisecond, 10, 20)
	c.ObserveCompletion("openai", "gpt-4o", false, 300*time.Millisecond, 5, 0)
	c.ObserveCompletion("anthropic", "claude-3-haiku-20240307", true, time.Second, 0, 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.completions.WithLabelValues("openai", "gpt-4o", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.completions.WithLabelValues("anthropic", "claude-3-haiku-20240307", "true")))
	assert.Equal(t, 15.0, testutil.ToFloat64(c.promptTokens.WithLabelValues("openai", "gpt-4o")))
	assert.Equal(t, 20.0, testutil.ToFloat64(c.completionTokens.WithLabelValues("openai", "gpt-4o")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.completionTime))
}

func TestObserveErrorsAndTests(t *testing.T) {
	c := New()

	c.ObserveProviderError("google", "RATE_LIMIT_ERROR")
	c.ObserveProviderError("google", "RATE_LIMIT_ERROR")
	c.ObserveConnectionTest("google", true)
	c.ObserveConnectionTest("google", false)
	c.ObserveConnectionTest("google", false)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.providerErrors.WithLabelValues("google", "RATE_LIMIT_ERROR")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.connectionTests.WithLabelValues("google", "success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.connectionTests.WithLabelValues("google", "failed")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := New()
	c.ObserveHTTP(http.MethodPost, "/v1/ai/chat", http.StatusOK, 50*time.Millisecond)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `taskpilot_http_requests_total{method="POST",route="/v1/ai/chat",status="200"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestCollectorsAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.ObserveProviderError("openai", "PROVIDER_ERROR")
	assert.Equal(t, 0.0, testutil.ToFloat64(b.providerErrors.WithLabelValues("openai", "PROVIDER_ERROR")))
}

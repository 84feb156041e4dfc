package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"

	"github.com/firmforge/firmforge/internal/common/config"
	"github.com/firmforge/firmforge/internal/common/errors"
	"github.com/firmforge/firmforge/internal/common/logger"
	v1 "github.com/firmforge/firmforge/pkg/api/v1"
)

const candidateBody = `{"candidates":[{"content":{"parts":[{"text":"generated text"}]}}]}`

func newTestGemini(t *testing.T, serverURL string) *gemini {
	t.Helper()
	g := newGemini("gemini-1.5-flash", "test-key",
		&http.Client{Timeout: 5 * time.Second},
		semaphore.NewWeighted(4), logger.Default())
	g.baseURL = serverURL
	g.backoffBase = time.Millisecond
	return g
}

func TestGeminiSuccess(t *testing.T) {
	var sawPath, sawKey string
	var sawQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawPath = r.URL.Path
		sawQuery = r.URL.RawQuery
		sawKey = r.Header.Get("x-goog-api-key")
		w.Write([]byte(candidateBody))
	}))
	defer srv.Close()

	g := newTestGemini(t, srv.URL)
	out, err := g.Complete(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "generated text", out)
	assert.Equal(t, "/v1beta/models/gemini-1.5-flash:generateContent", sawPath)
	// The key travels in a header; the URL must stay free of secrets.
	assert.Equal(t, "test-key", sawKey)
	assert.Empty(t, sawQuery)
}

func TestGeminiRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			http.Error(w, `{"error":{"code":503,"message":"overloaded","status":"UNAVAILABLE"}}`, http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(candidateBody))
	}))
	defer srv.Close()

	g := newTestGemini(t, srv.URL)
	out, err := g.Complete(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "generated text", out)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGeminiPersistentFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":{"code":503,"message":"overloaded","status":"UNAVAILABLE"}}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	g := newTestGemini(t, srv.URL)
	_, err := g.Complete(context.Background(), "hello")
	require.Error(t, err)
	assert.True(t, errors.IsUpstreamUnavailable(err))
	assert.Contains(t, err.Error(), "LM unavailable")
	// The final provider error text is preserved for the user.
	assert.Contains(t, err.Error(), "overloaded")
	// One initial attempt plus three retries.
	assert.Equal(t, int32(4), calls.Load())
}

func TestGeminiDoesNotRetryAuthFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":{"code":401,"message":"API key not valid","status":"UNAUTHENTICATED"}}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	g := newTestGemini(t, srv.URL)
	_, err := g.Complete(context.Background(), "hello")
	require.Error(t, err)
	assert.True(t, errors.IsUpstreamUnavailable(err))
	assert.Contains(t, err.Error(), "API key not valid")
	assert.Equal(t, int32(1), calls.Load())
}

func TestGeminiBackoffDoublesFromBase(t *testing.T) {
	g := newTestGemini(t, "http://unused")
	g.backoffBase = 500 * time.Millisecond

	for attempt, want := range map[int]time.Duration{
		1: 500 * time.Millisecond,
		2: 1000 * time.Millisecond,
		3: 2000 * time.Millisecond,
	} {
		d := g.backoffDelay(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(float64(want)*0.8), "attempt %d", attempt)
		assert.LessOrEqual(t, d, time.Duration(float64(want)*1.2), "attempt %d", attempt)
	}
}

func TestGeminiBoundsInFlightCalls(t *testing.T) {
	var active atomic.Int32
	var overlapped atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if active.Add(1) > 1 {
			overlapped.Store(true)
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		w.Write([]byte(candidateBody))
	}))
	defer srv.Close()

	g := newGemini("gemini-1.5-flash", "test-key",
		&http.Client{Timeout: 5 * time.Second},
		semaphore.NewWeighted(1), logger.Default())
	g.baseURL = srv.URL
	g.backoffBase = time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := g.Complete(context.Background(), "hello")
			assert.NoError(t, err)
			assert.Equal(t, "generated text", out)
		}()
	}
	wg.Wait()
	assert.False(t, overlapped.Load(), "calls above the limit must queue, not overlap")
}

func TestFactoryClientSelection(t *testing.T) {
	f := NewFactory(config.LLMConfig{Model: "gemini-1.5-flash", MaxInFlight: 4}, logger.Default())

	c, err := f.ClientFor(v1.ProviderMock, "", "")
	require.NoError(t, err)
	assert.Equal(t, "mock", c.Provider())
	assert.Equal(t, v1.ProviderMock, f.DefaultProvider())

	// Real without any key is rejected up front.
	_, err = f.ClientFor(v1.ProviderReal, "", "")
	require.Error(t, err)
	assert.True(t, errors.IsBadRequest(err))

	c, err = f.ClientFor(v1.ProviderReal, "", "per-run-key")
	require.NoError(t, err)
	assert.Equal(t, "gemini", c.Provider())

	_, err = f.ClientFor(v1.ModelProvider("weird"), "", "")
	assert.Error(t, err)
}

func TestFactoryUseRealDefault(t *testing.T) {
	f := NewFactory(config.LLMConfig{UseReal: true, APIKey: "env-key", Model: "gemini-1.5-flash", MaxInFlight: 4}, logger.Default())
	assert.Equal(t, v1.ProviderReal, f.DefaultProvider())

	c, err := f.ClientFor(f.DefaultProvider(), "", "")
	require.NoError(t, err)
	assert.Equal(t, "gemini", c.Provider())
}

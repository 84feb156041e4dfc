package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/firmforge/firmforge/internal/common/errors"
	"github.com/firmforge/firmforge/internal/common/logger"
)

const (
	geminiBaseURL = "https://generativelanguage.googleapis.com"

	// Transient failures are retried up to maxRetries times after the
	// initial attempt, doubling the delay each time with ±20% jitter.
	maxRetries         = 3
	defaultBackoffBase = 500 * time.Millisecond
)

// gemini calls the Generative Language HTTP API. The API key travels in
// a request header, never in the URL, so it cannot leak into logs.
type gemini struct {
	model       string
	apiKey      string
	baseURL     string
	http        *http.Client
	sem         *semaphore.Weighted
	logger      *logger.Logger
	backoffBase time.Duration
}

func newGemini(model, apiKey string, httpClient *http.Client, sem *semaphore.Weighted, log *logger.Logger) *gemini {
	return &gemini{
		model:       model,
		apiKey:      apiKey,
		baseURL:     geminiBaseURL,
		http:        httpClient,
		sem:         sem,
		logger:      log.WithFields(zap.String("provider", "gemini"), zap.String("model", model)),
		backoffBase: defaultBackoffBase,
	}
}

// Provider identifies the backend.
func (g *gemini) Provider() string { return "gemini" }

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Complete sends the prompt and returns the first candidate's text.
// Concurrency is bounded by the shared semaphore; excess calls queue.
func (g *gemini) Complete(ctx context.Context, prompt string) (string, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer g.sem.Release(1)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := g.backoffDelay(attempt)
			g.logger.Warn("transient LM failure, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			if err := sleepCtx(ctx, delay); err != nil {
				return "", err
			}
		}
		text, retryable, err := g.call(ctx, prompt)
		if err == nil {
			if attempt > 0 {
				g.logger.Info("LM call succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return text, nil
		}
		lastErr = err
		if !retryable {
			break
		}
	}
	return "", errors.UpstreamUnavailable("gemini", lastErr)
}

// call performs one HTTP attempt. The second return reports whether the
// failure is worth retrying.
func (g *gemini) call(ctx context.Context, prompt string) (string, bool, error) {
	body, err := json.Marshal(geminiRequest{
		Contents: []geminiContent{{Parts: []geminiPart{{Text: prompt}}}},
	})
	if err != nil {
		return "", false, err
	}
	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", g.baseURL, g.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", g.apiKey)

	resp, err := g.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", false, ctx.Err()
		}
		return "", true, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", true, err
	}
	if resp.StatusCode != http.StatusOK {
		retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return "", retryable, fmt.Errorf("gemini: http %d: %s", resp.StatusCode, errorSnippet(raw))
	}

	var parsed geminiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", false, fmt.Errorf("gemini: malformed response: %w", err)
	}
	if parsed.Error != nil {
		return "", false, fmt.Errorf("gemini: %s: %s", parsed.Error.Status, parsed.Error.Message)
	}
	if len(parsed.Candidates) == 0 {
		return "", false, fmt.Errorf("gemini: response contained no candidates")
	}
	var b strings.Builder
	for _, part := range parsed.Candidates[0].Content.Parts {
		b.WriteString(part.Text)
	}
	return b.String(), false, nil
}

// backoffDelay doubles the base per retry and applies ±20% jitter.
func (g *gemini) backoffDelay(attempt int) time.Duration {
	d := g.backoffBase << (attempt - 1)
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * jitter)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// errorSnippet extracts the provider's error message when the body is
// JSON, falling back to a bounded raw excerpt.
func errorSnippet(raw []byte) string {
	var parsed geminiResponse
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Error != nil {
		return parsed.Error.Message
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

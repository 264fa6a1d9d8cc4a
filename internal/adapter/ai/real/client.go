// Package real implements domain.AIClient against an OpenAI-compatible chat
// completions endpoint (OpenRouter in production).
package real

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/ai-idea-evolver/internal/adapter/ai"
	"github.com/fairyhunter13/ai-idea-evolver/internal/adapter/ai/tokencount"
	"github.com/fairyhunter13/ai-idea-evolver/internal/adapter/observability"
	"github.com/fairyhunter13/ai-idea-evolver/internal/config"
	"github.com/fairyhunter13/ai-idea-evolver/internal/domain"
	"github.com/fairyhunter13/ai-idea-evolver/internal/service/ratelimiter"
)

const provider = "openrouter"

// Client holds the one shared connection pool the process is allowed; all
// calls go through it. Retry policy lives with the orchestrator, not here:
// the only retry this client performs is a single transport-level one, which
// counts as the same call.
type Client struct {
	cfg     config.Config
	hc      *http.Client
	catalog *ai.Catalog
	quota   ratelimiter.Limiter
	counter *tokencount.Counter
}

// New constructs a Client. quota may be nil (no ceiling, used in tests).
func New(cfg config.Config, catalog *ai.Catalog, quota ratelimiter.Limiter) *Client {
	transport := &http.Transport{
		MaxIdleConns:        64,
		MaxIdleConnsPerHost: 32,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		cfg: cfg,
		hc: &http.Client{
			Timeout:   cfg.LLMCallTimeout,
			Transport: otelhttp.NewTransport(transport),
		},
		catalog: catalog,
		quota:   quota,
		counter: tokencount.NewCounter(),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// ChatJSON performs exactly one chat completion within the adapter deadline.
func (c *Client) ChatJSON(ctx domain.Context, req domain.ChatRequest) (domain.ChatResult, error) {
	if c.cfg.OpenRouterAPIKey == "" {
		return domain.ChatResult{}, fmt.Errorf("%w: OPENROUTER_API_KEY missing", domain.ErrInvalidArgument)
	}
	model := req.Model
	if model == "" {
		model = c.cfg.ChatModel
	}
	if c.quota != nil {
		allowed, retryAfter, err := c.quota.Allow(ctx, "llm:"+model, 1)
		if err == nil && !allowed {
			slog.Warn("llm quota exhausted",
				slog.String("model", model),
				slog.Duration("retry_after", retryAfter))
			return domain.ChatResult{}, fmt.Errorf("%w: quota exhausted for %s", domain.ErrRateLimited, model)
		}
	}

	caps := c.catalog.Lookup(model)
	userPrompt := req.UserPrompt
	body := map[string]any{
		"model":       model,
		"temperature": req.Temperature,
		"max_tokens":  clampTokens(req.MaxTokens, caps.MaxTokens),
		"store":       false,
	}
	if len(req.Schema) > 0 && caps.StructuredOutput {
		body["response_format"] = map[string]any{
			"type": "json_schema",
			"json_schema": map[string]any{
				"name":   req.SchemaName,
				"strict": true,
				"schema": json.RawMessage(req.Schema),
			},
		}
	} else if len(req.Schema) > 0 {
		// No native binding: ask for JSON and carry the schema in the prompt;
		// the caller's tolerant parser handles the rest.
		body["response_format"] = map[string]any{"type": "json_object"}
		userPrompt += "\n\nRespond with a single JSON object matching this JSON Schema exactly:\n" + string(req.Schema)
	}
	body["messages"] = []chatMessage{
		{Role: "system", Content: req.SystemPrompt},
		{Role: "user", Content: userPrompt},
	}
	b, err := json.Marshal(body)
	if err != nil {
		return domain.ChatResult{}, fmt.Errorf("op=ai.chat.marshal: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.LLMCallTimeout)
	defer cancel()

	var out chatResponse
	start := time.Now()
	err = c.do(ctx, model, string(req.Phase), b, &out)
	observability.AIRequestsTotal.WithLabelValues(provider, string(req.Phase)).Inc()
	observability.AIRequestDuration.WithLabelValues(provider, string(req.Phase)).Observe(time.Since(start).Seconds())
	if err != nil {
		return domain.ChatResult{}, err
	}
	if len(out.Choices) == 0 {
		return domain.ChatResult{}, fmt.Errorf("%w: empty choices", domain.ErrParseFailed)
	}
	content := out.Choices[0].Message.Content
	actualModel := out.Model
	if actualModel == "" {
		actualModel = model
	}
	usage := domain.ChatUsage{
		PromptTokens:     out.Usage.PromptTokens,
		CompletionTokens: out.Usage.CompletionTokens,
		TotalTokens:      out.Usage.TotalTokens,
	}
	if usage.TotalTokens == 0 {
		usage.PromptTokens = c.counter.EstimateChat(req.SystemPrompt, userPrompt, model)
		usage.CompletionTokens = c.counter.Count(content, model)
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
		usage.Estimated = true
	}
	return domain.ChatResult{Content: content, Model: actualModel, Usage: usage}, nil
}

// do sends the request once, allowing a single retry on transport-level
// failure (connection refused/reset before any response). 4xx never retries.
func (c *Client) do(ctx context.Context, model, phase string, body []byte, out *chatResponse) error {
	endpoint := c.cfg.OpenRouterBaseURL + "/chat/completions"
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		// Rebuild the request each attempt; the body reader is consumed.
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("op=ai.chat.request: %w", err)
		}
		r.Header.Set("Authorization", "Bearer "+c.cfg.OpenRouterAPIKey)
		r.Header.Set("Content-Type", "application/json")
		if c.cfg.OpenRouterReferer != "" {
			r.Header.Set("HTTP-Referer", c.cfg.OpenRouterReferer)
		}
		if c.cfg.OpenRouterTitle != "" {
			r.Header.Set("X-Title", c.cfg.OpenRouterTitle)
		}

		resp, err := c.hc.Do(r)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: llm call deadline", domain.ErrUpstreamTimeout)
			}
			lastErr = err
			if isTransport(err) && attempt == 0 {
				slog.Warn("llm transport failure, single retry",
					slog.String("provider", provider),
					slog.String("model", model),
					slog.String("phase", phase),
					slog.Any("error", err))
				continue
			}
			return fmt.Errorf("%w: %v", domain.ErrUpstreamTimeout, err)
		}
		bodyBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return fmt.Errorf("%w: read response: %v", domain.ErrUpstreamTimeout, readErr)
		}
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			slog.Warn("ai provider rate limited",
				slog.String("provider", provider),
				slog.String("model", model),
				slog.String("x_request_id", resp.Header.Get("X-Request-Id")))
			return fmt.Errorf("%w: status 429", domain.ErrUpstreamRateLimit)
		case resp.StatusCode == http.StatusRequestTimeout:
			return fmt.Errorf("%w: status 408", domain.ErrUpstreamTimeout)
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			slog.Warn("ai provider 4xx",
				slog.String("provider", provider),
				slog.String("model", model),
				slog.Int("status", resp.StatusCode),
				slog.String("body", snippet(bodyBytes)))
			return fmt.Errorf("%w: chat status %d", domain.ErrInvalidArgument, resp.StatusCode)
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			slog.Error("ai provider non-2xx",
				slog.String("provider", provider),
				slog.String("model", model),
				slog.Int("status", resp.StatusCode),
				slog.String("body", snippet(bodyBytes)))
			return fmt.Errorf("%w: chat status %d", domain.ErrInternal, resp.StatusCode)
		}
		if err := json.Unmarshal(bodyBytes, out); err != nil {
			return fmt.Errorf("%w: provider envelope: %v", domain.ErrParseFailed, err)
		}
		return nil
	}
	return fmt.Errorf("%w: %v", domain.ErrUpstreamTimeout, lastErr)
}

func isTransport(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func clampTokens(requested, ceiling int) int {
	if requested <= 0 {
		requested = 4096
	}
	if ceiling > 0 && requested > ceiling {
		return ceiling
	}
	return requested
}

func snippet(b []byte) string {
	if len(b) > 512 {
		b = b[:512]
	}
	return string(b)
}

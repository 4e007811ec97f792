package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"
)

const (
	defaultOpenRouterURL = "https://openrouter.ai/api/v1"
	defaultHTTPTimeout   = 120 * time.Second
	maxRetries           = 3
	initialBackoff       = 500 * time.Millisecond
)

// OpenRouter calls an OpenAI-compatible chat completions endpoint.
type OpenRouter struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	referer    string
	title      string
	logger     *slog.Logger
}

// NewOpenRouter creates a client for model with the given API key.
func NewOpenRouter(apiKey, model string) *OpenRouter {
	return &OpenRouter{
		apiKey:  apiKey,
		baseURL: defaultOpenRouterURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: defaultHTTPTimeout,
		},
		referer: "https://github.com/kalambet/panel",
		title:   "panel",
	}
}

// NewOpenRouterWithBaseURL creates a client pointing at a custom base URL (for testing).
func NewOpenRouterWithBaseURL(apiKey, model, baseURL string) *OpenRouter {
	c := NewOpenRouter(apiKey, model)
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletion struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

// Call sends the prompt pair as a system and a user message. Call parameters
// (temperature, max_tokens, ...) are passed through as top-level fields.
func (c *OpenRouter) Call(ctx context.Context, req Request) (*Response, error) {
	payload := make(map[string]any, len(req.Params)+2)
	for k, v := range req.Params {
		payload[k] = v
	}
	var msgs []chatMessage
	if req.System != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: req.System})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: req.User})
	payload["model"] = c.model
	payload["messages"] = msgs

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	var lastErr error
	for attempt := range maxRetries {
		raw, err := c.doChat(ctx, body)
		if err == nil {
			return c.parse(raw)
		}

		var rl *rateLimitError
		if !errors.As(err, &rl) {
			return nil, err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			c.log().Debug("openrouter rate limited, backing off", "model", c.model, "attempt", attempt+1, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return nil, &Error{Service: "openrouter", Model: c.model, Status: http.StatusTooManyRequests,
		Err: fmt.Errorf("rate limited after %d retries: %w", maxRetries, lastErr)}
}

func (c *OpenRouter) parse(raw []byte) (*Response, error) {
	var cc chatCompletion
	if err := json.Unmarshal(raw, &cc); err != nil {
		return nil, &Error{Service: "openrouter", Model: c.model, Err: fmt.Errorf("decoding response: %w", err)}
	}
	if len(cc.Choices) == 0 {
		return nil, &Error{Service: "openrouter", Model: c.model, Err: errors.New("response has no choices")}
	}
	return &Response{Text: cc.Choices[0].Message.Content, Raw: raw, Usage: cc.Usage}, nil
}

// rateLimitError is returned on HTTP 429.
type rateLimitError struct {
	status int
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited (HTTP %d)", e.status)
}

func (c *OpenRouter) doChat(ctx context.Context, body []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("HTTP-Referer", c.referer)
	httpReq.Header.Set("X-Title", c.title)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &Error{Service: "openrouter", Model: c.model, Timeout: errors.Is(err, context.DeadlineExceeded), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &rateLimitError{status: resp.StatusCode}
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Service: "openrouter", Model: c.model, Err: fmt.Errorf("reading response: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Service: "openrouter", Model: c.model, Status: resp.StatusCode, Err: errors.New(strings.TrimSpace(string(respBody)))}
	}
	return respBody, nil
}

func (c *OpenRouter) log() *slog.Logger {
	if c.logger != nil {
		return c.logger
	}
	return slog.Default()
}

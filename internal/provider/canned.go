package provider

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"
)

const defaultCannedResponse = "Hello, world"

// Canned is the "test" service: it answers every call with a fixed response
// without network access. The "canned_response" parameter overrides the text
// and "latency_ms" adds a delay that honors cancellation.
type Canned struct {
	Response string
	calls    atomic.Int64
}

func (c *Canned) Call(ctx context.Context, req Request) (*Response, error) {
	c.calls.Add(1)

	text := c.Response
	if s, ok := req.Params["canned_response"].(string); ok {
		text = s
	}
	if text == "" {
		text = defaultCannedResponse
	}

	if d := millis(req.Params["latency_ms"]); d > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d):
		}
	}

	raw, _ := json.Marshal(map[string]string{"text": text})
	return &Response{
		Text: text,
		Raw:  raw,
		Usage: Usage{
			PromptTokens:     (len(req.System) + len(req.User) + 3) / 4,
			CompletionTokens: (len(text) + 3) / 4,
		},
	}, nil
}

// Calls returns how many calls were made.
func (c *Canned) Calls() int64 {
	return c.calls.Load()
}

func millis(v any) time.Duration {
	switch n := v.(type) {
	case float64:
		return time.Duration(n * float64(time.Millisecond))
	case int:
		return time.Duration(n) * time.Millisecond
	case int64:
		return time.Duration(n) * time.Millisecond
	}
	return 0
}

package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// Request is one prompt pair plus call parameters.
type Request struct {
	System string
	User   string
	Params map[string]any
}

// Usage reports token counts for a call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Response is a provider's structured reply.
type Response struct {
	Text  string          `json:"text"`
	Raw   json.RawMessage `json:"raw,omitempty"`
	Usage Usage           `json:"usage"`
}

// Provider is an answer-generating endpoint.
type Provider interface {
	Call(ctx context.Context, req Request) (*Response, error)
}

// Func adapts a function to Provider.
type Func func(ctx context.Context, req Request) (*Response, error)

func (f Func) Call(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// Error is a failed provider call.
type Error struct {
	Service string
	Model   string
	Status  int
	Timeout bool
	Err     error
}

func (e *Error) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s/%s", e.Service, e.Model)
	if e.Timeout {
		sb.WriteString(": timed out")
	}
	if e.Status != 0 {
		fmt.Fprintf(&sb, ": HTTP %d", e.Status)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Limits are throughput limits per minute. Zero means unlimited.
type Limits struct {
	RPM float64 `json:"rpm,omitempty" yaml:"rpm,omitempty" toml:"rpm,omitempty"`
	TPM float64 `json:"tpm,omitempty" yaml:"tpm,omitempty" toml:"tpm,omitempty"`
}

// Pricing is cost in dollars per 1000 tokens.
type Pricing struct {
	PromptPer1K     float64 `json:"prompt_per_1k,omitempty" yaml:"prompt_per_1k,omitempty" toml:"prompt_per_1k,omitempty"`
	CompletionPer1K float64 `json:"completion_per_1k,omitempty" yaml:"completion_per_1k,omitempty" toml:"completion_per_1k,omitempty"`
}

// Cost returns the dollar cost of u.
func (p Pricing) Cost(u Usage) float64 {
	return float64(u.PromptTokens)/1000*p.PromptPer1K + float64(u.CompletionTokens)/1000*p.CompletionPer1K
}

// Model binds a provider to a model name, call parameters, and limits.
type Model struct {
	Service  string
	Name     string
	Params   map[string]any
	Limits   Limits
	Pricing  Pricing
	Provider Provider
}

// ID is service/name.
func (m *Model) ID() string {
	return m.Service + "/" + m.Name
}

// Identity is ID plus canonical parameters. Models with equal identities share
// cache entries and rate-limit buckets.
func (m *Model) Identity() string {
	return m.ID() + " " + CanonicalParams(m.Params)
}

// CanonicalParams encodes params as JSON with sorted keys.
func CanonicalParams(params map[string]any) string {
	if len(params) == 0 {
		return "{}"
	}
	b, err := json.Marshal(params)
	if err != nil {
		keys := make([]string, 0, len(params))
		for k := range params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return fmt.Sprint(keys)
	}
	return string(b)
}

// Call sends one prompt pair with the model's parameters. Failures are
// returned as *Error.
func (m *Model) Call(ctx context.Context, system, user string) (*Response, error) {
	if m.Provider == nil {
		return nil, &Error{Service: m.Service, Model: m.Name, Err: errors.New("no provider bound")}
	}
	resp, err := m.Provider.Call(ctx, Request{System: system, User: user, Params: m.Params})
	if err != nil {
		var perr *Error
		if errors.As(err, &perr) {
			return nil, err
		}
		return nil, &Error{
			Service: m.Service,
			Model:   m.Name,
			Timeout: errors.Is(err, context.DeadlineExceeded),
			Err:     err,
		}
	}
	return resp, nil
}

// Spec is the declarative form of a model.
type Spec struct {
	Service string         `json:"service,omitempty" yaml:"service,omitempty" toml:"service,omitempty"`
	Name    string         `json:"name" yaml:"name" toml:"name"`
	Params  map[string]any `json:"params,omitempty" yaml:"params,omitempty" toml:"params,omitempty"`
	Limits  `yaml:",inline"`
	Pricing `yaml:",inline"`
}

// Options configures the bundled services.
type Options struct {
	OpenRouterAPIKey  string
	OpenRouterBaseURL string
	OllamaBaseURL     string
	Logger            *slog.Logger
}

// Factory constructs a Provider for one model of a service.
type Factory func(opts Options, model string) (Provider, error)

// services maps service names to factories. It is fixed at init.
var services = map[string]Factory{
	"openrouter": func(opts Options, model string) (Provider, error) {
		if opts.OpenRouterAPIKey == "" {
			return nil, errors.New("openrouter: API key is not configured")
		}
		c := NewOpenRouter(opts.OpenRouterAPIKey, model)
		if opts.OpenRouterBaseURL != "" {
			c.baseURL = strings.TrimRight(opts.OpenRouterBaseURL, "/")
		}
		c.logger = opts.Logger
		return c, nil
	},
	"ollama": func(opts Options, model string) (Provider, error) {
		return NewOllama(opts.OllamaBaseURL, model), nil
	},
	"test": func(opts Options, model string) (Provider, error) {
		return &Canned{}, nil
	},
}

// Services returns the registered service names.
func Services() []string {
	names := make([]string, 0, len(services))
	for n := range services {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// NewModel resolves a spec against the service registry.
func NewModel(opts Options, spec Spec) (*Model, error) {
	service, name := spec.Service, spec.Name
	if service == "" {
		service, name = SplitRef(name)
	}
	f, ok := services[service]
	if !ok {
		return nil, fmt.Errorf("unknown service %q (known: %s)", service, strings.Join(Services(), ", "))
	}
	if name == "" {
		return nil, fmt.Errorf("service %s: model name is required", service)
	}
	p, err := f(opts, name)
	if err != nil {
		return nil, err
	}
	return &Model{
		Service:  service,
		Name:     name,
		Params:   spec.Params,
		Limits:   spec.Limits,
		Pricing:  spec.Pricing,
		Provider: p,
	}, nil
}

// SplitRef splits "service/model" when the first segment is a registered
// service; otherwise the whole ref is an OpenRouter model name.
func SplitRef(ref string) (service, name string) {
	if i := strings.IndexByte(ref, '/'); i != -1 {
		if _, ok := services[ref[:i]]; ok {
			return ref[:i], ref[i+1:]
		}
	}
	return "openrouter", ref
}

package interview

import (
	"github.com/kalambet/panel/internal/prompt"
	"github.com/kalambet/panel/internal/provider"
	"github.com/kalambet/panel/internal/scenario"
)

// Tokens is a prompt/completion token pair.
type Tokens struct {
	Prompt     int `json:"prompt_tokens"`
	Completion int `json:"completion_tokens"`
}

func (t *Tokens) add(u provider.Usage) {
	t.Prompt += u.PromptTokens
	t.Completion += u.CompletionTokens
}

func (t Tokens) usage() provider.Usage {
	return provider.Usage{PromptTokens: t.Prompt, CompletionTokens: t.Completion}
}

// Usage splits token counts between fresh provider calls and cache hits.
type Usage struct {
	New    Tokens `json:"new_tokens"`
	Cached Tokens `json:"cached_tokens"`
}

// Add accumulates o into u.
func (u *Usage) Add(o Usage) {
	u.New.Prompt += o.New.Prompt
	u.New.Completion += o.New.Completion
	u.Cached.Prompt += o.Cached.Prompt
	u.Cached.Completion += o.Cached.Completion
}

// Cost is the dollar cost of the new tokens under p.
func (u Usage) Cost(p provider.Pricing) float64 {
	return p.Cost(u.New.usage())
}

// Savings is what the cached tokens would have cost under p.
func (u Usage) Savings(p provider.Pricing) float64 {
	return p.Cost(u.Cached.usage())
}

// ModelInfo identifies the model that produced a result.
type ModelInfo struct {
	Model      string         `json:"model"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Result is the output of one completed interview.
type Result struct {
	Index     int               `json:"index"`
	Agent     map[string]any    `json:"agent"`
	AgentName string            `json:"agent_name,omitempty"`
	Scenario  scenario.Scenario `json:"scenario"`
	Model     ModelInfo         `json:"model"`
	Iteration int               `json:"iteration"`

	// Answers holds validated answers. Skipped questions are absent.
	Answers  map[string]any            `json:"answer"`
	Comments map[string]string         `json:"comment,omitempty"`
	Prompts  map[string]prompt.Prompts `json:"prompt"`
	// Raw holds the unparsed provider text per question.
	Raw map[string]string `json:"raw_model_response,omitempty"`
	// CacheKeys maps questions answered by a provider to their fingerprint.
	CacheKeys map[string]string `json:"cache_keys,omitempty"`
	// CacheUsed is true for questions whose response came from the cache.
	CacheUsed map[string]bool `json:"cache_used,omitempty"`
	Skipped   []string        `json:"skipped,omitempty"`

	Usage Usage   `json:"usage"`
	Cost  float64 `json:"cost"`
}

package prompt

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/kalambet/panel/internal/agent"
	"github.com/kalambet/panel/internal/question"
	"github.com/kalambet/panel/internal/scenario"
	"github.com/kalambet/panel/internal/survey"
)

const defaultMaxContextTokens = 2000

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z_][A-Za-z0-9_]*)*)\s*\}\}`)

// Prompts is the rendered prompt pair sent for one question.
type Prompts struct {
	System string `json:"system_prompt"`
	User   string `json:"user_prompt"`
}

// Builder assembles prompts from the agent persona, the question template,
// scenario substitutions, and memory-plan context.
type Builder struct {
	MaxContextTokens int
}

// New creates a Builder with the given token budget for memory context.
// If maxContextTokens <= 0, the default (2000) is used.
func New(maxContextTokens int) *Builder {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	return &Builder{MaxContextTokens: maxContextTokens}
}

// Build renders the system and user prompts for q. answers holds the
// interview's answers so far and backs {{ name.answer }} placeholders.
func (b *Builder) Build(a *agent.Agent, q *question.Question, s scenario.Scenario, memory []survey.QA, answers map[string]any) Prompts {
	var sys strings.Builder
	sys.WriteString(a.SystemInstruction())
	if persona := a.Describe(q); persona != "" {
		sys.WriteString("\n\n")
		sys.WriteString(persona)
	}

	vars := make(map[string]any, len(s)+len(answers))
	for k, v := range s {
		vars[k] = v
	}
	for k, v := range answers {
		if _, clash := vars[k]; !clash {
			vars[k] = map[string]any{"answer": v}
		}
	}

	var user strings.Builder
	user.WriteString(Render(q.Text, vars))
	if instr := q.Instructions(); instr != "" {
		user.WriteString("\n\n")
		user.WriteString(Render(instr, vars))
	}
	if ctx := b.buildMemory(memory); ctx != "" {
		user.WriteString("\n\n")
		user.WriteString(ctx)
	}

	return Prompts{System: sys.String(), User: user.String()}
}

// buildMemory renders prior answers, keeping the most recent entries that fit
// the token budget.
func (b *Builder) buildMemory(memory []survey.QA) string {
	if len(memory) == 0 {
		return ""
	}
	const header = "Before the question you are now answering, you already answered the following question(s):\n"
	remaining := b.MaxContextTokens - EstimateTokens(header)

	var entries []string
	for i := len(memory) - 1; i >= 0; i-- {
		entry := fmt.Sprintf("\tQuestion: %s\n\tAnswer: %v\n", memory[i].Text, memory[i].Answer)
		tokens := EstimateTokens(entry)
		if tokens > remaining {
			break
		}
		entries = append([]string{entry}, entries...)
		remaining -= tokens
	}
	if len(entries) == 0 {
		return ""
	}
	return header + strings.Join(entries, "")
}

// Render substitutes {{ name }} placeholders from vars. Dotted names walk
// nested maps. Unknown placeholders are left unchanged.
func Render(tmpl string, vars map[string]any) string {
	return placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		path := placeholder.FindStringSubmatch(m)[1]
		v, ok := lookup(vars, strings.Split(path, "."))
		if !ok {
			return m
		}
		return fmt.Sprint(v)
	})
}

func lookup(vars map[string]any, path []string) (any, bool) {
	v, ok := vars[path[0]]
	if !ok {
		return nil, false
	}
	for _, p := range path[1:] {
		m, isMap := v.(map[string]any)
		if !isMap {
			if s, isScenario := v.(scenario.Scenario); isScenario {
				m = s
			} else {
				return nil, false
			}
		}
		if v, ok = m[p]; !ok {
			return nil, false
		}
	}
	return v, true
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

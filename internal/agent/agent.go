package agent

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/kalambet/panel/internal/question"
	"github.com/kalambet/panel/internal/scenario"
)

// DefaultInstruction is the system instruction used when an agent sets none.
const DefaultInstruction = "You are answering questions as if you were a human. Do not break character."

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// DirectAnswerer answers a question without a provider.
type DirectAnswerer interface {
	AnswerDirectly(ctx context.Context, q *question.Question, s scenario.Scenario) (any, error)
}

// AnswerFunc adapts a function to DirectAnswerer.
type AnswerFunc func(ctx context.Context, q *question.Question, s scenario.Scenario) (any, error)

func (f AnswerFunc) AnswerDirectly(ctx context.Context, q *question.Question, s scenario.Scenario) (any, error) {
	return f(ctx, q, s)
}

// Agent is a persona that answers questions.
type Agent struct {
	Name        string
	Traits      map[string]any
	Codebook    map[string]string
	Instruction string

	// DynamicTraits, when set, returns the traits to present for a given
	// question instead of Traits.
	DynamicTraits func(q *question.Question) map[string]any

	// Answerer, when set, answers every non-functional question directly.
	Answerer DirectAnswerer
}

// CombinationError is returned when merged agents share trait keys.
type CombinationError struct {
	Overlap []string
}

func (e *CombinationError) Error() string {
	return fmt.Sprintf("agents have overlapping traits: %s", strings.Join(e.Overlap, ", "))
}

// New creates an agent with the given traits.
func New(traits map[string]any) (*Agent, error) {
	a := &Agent{Traits: make(map[string]any, len(traits))}
	for k, v := range traits {
		if !identifier.MatchString(k) {
			return nil, fmt.Errorf("trait key %q is not a valid identifier", k)
		}
		a.Traits[k] = v
	}
	return a, nil
}

// Validate checks the trait keys of an agent built as a literal.
func (a *Agent) Validate() error {
	for k := range a.Traits {
		if !identifier.MatchString(k) {
			return fmt.Errorf("trait key %q is not a valid identifier", k)
		}
	}
	return nil
}

// Combine merges two agents. Their traits must be disjoint.
func Combine(a, b *Agent) (*Agent, error) {
	var overlap []string
	for k := range b.Traits {
		if _, ok := a.Traits[k]; ok {
			overlap = append(overlap, k)
		}
	}
	if len(overlap) > 0 {
		sort.Strings(overlap)
		return nil, &CombinationError{Overlap: overlap}
	}

	out := &Agent{
		Name:          a.Name,
		Traits:        make(map[string]any, len(a.Traits)+len(b.Traits)),
		Instruction:   a.Instruction,
		DynamicTraits: a.DynamicTraits,
		Answerer:      a.Answerer,
	}
	for k, v := range a.Traits {
		out.Traits[k] = v
	}
	for k, v := range b.Traits {
		out.Traits[k] = v
	}
	if b.Name != "" {
		out.Name = strings.TrimSpace(a.Name + " " + b.Name)
	}
	if out.Instruction == "" {
		out.Instruction = b.Instruction
	}
	if out.Answerer == nil {
		out.Answerer = b.Answerer
	}
	if len(a.Codebook)+len(b.Codebook) > 0 {
		out.Codebook = make(map[string]string, len(a.Codebook)+len(b.Codebook))
		for k, v := range a.Codebook {
			out.Codebook[k] = v
		}
		for k, v := range b.Codebook {
			out.Codebook[k] = v
		}
	}
	return out, nil
}

// TraitsFor returns the traits presented when answering q.
func (a *Agent) TraitsFor(q *question.Question) map[string]any {
	if a.DynamicTraits != nil && q != nil {
		return a.DynamicTraits(q)
	}
	return a.Traits
}

// SystemInstruction returns the instruction, falling back to the default.
func (a *Agent) SystemInstruction() string {
	if a.Instruction != "" {
		return a.Instruction
	}
	return DefaultInstruction
}

// Describe renders the persona for the system prompt. Keys listed in the
// codebook are shown with their description.
func (a *Agent) Describe(q *question.Question) string {
	traits := a.TraitsFor(q)
	if len(traits) == 0 {
		return ""
	}
	keys := make([]string, 0, len(traits))
	for k := range traits {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString("Your traits:\n")
	for _, k := range keys {
		label := k
		if desc, ok := a.Codebook[k]; ok {
			label = desc
		}
		fmt.Fprintf(&sb, "%s: %v\n", label, traits[k])
	}
	return strings.TrimRight(sb.String(), "\n")
}

// Label is a short identifier for logs and result rows.
func (a *Agent) Label() string {
	if a.Name != "" {
		return a.Name
	}
	if len(a.Traits) == 0 {
		return "default"
	}
	keys := make([]string, 0, len(a.Traits))
	for k := range a.Traits {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, a.Traits[k])
	}
	return strings.Join(parts, ",")
}

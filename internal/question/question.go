package question

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"regexp"
	"strconv"
)

// Type is the tag identifying a question's answer contract.
type Type string

const (
	FreeText       Type = "free_text"
	MultipleChoice Type = "multiple_choice"
	YesNo          Type = "yes_no"
	LikertFive     Type = "likert_five"
	LinearScale    Type = "linear_scale"
	Numerical      Type = "numerical"
	Checkbox       Type = "checkbox"
	TopK           Type = "top_k"
	Rank           Type = "rank"
	List           Type = "list"
	Budget         Type = "budget"
	Extract        Type = "extract"
	Functional     Type = "functional"
)

// MaxOptions bounds the option list of choice questions.
const MaxOptions = 10

var (
	yesNoOptions  = []string{"No", "Yes"}
	likertOptions = []string{"Strongly disagree", "Disagree", "Neutral", "Agree", "Strongly agree"}
	validName     = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// Func computes an answer locally from the scenario and the agent's traits.
type Func func(scenario, traits map[string]any) (any, error)

// Definition is the declarative form of a question. Pointer fields are
// optional constraints.
type Definition struct {
	Name             string            `json:"name" yaml:"name" toml:"name"`
	Type             Type              `json:"type" yaml:"type" toml:"type"`
	Text             string            `json:"text" yaml:"text" toml:"text"`
	Options          []string          `json:"options,omitempty" yaml:"options,omitempty" toml:"options,omitempty"`
	OptionLabels     map[string]string `json:"option_labels,omitempty" yaml:"option_labels,omitempty" toml:"option_labels,omitempty"`
	Min              *float64          `json:"min,omitempty" yaml:"min,omitempty" toml:"min,omitempty"`
	Max              *float64          `json:"max,omitempty" yaml:"max,omitempty" toml:"max,omitempty"`
	MinSelections    *int              `json:"min_selections,omitempty" yaml:"min_selections,omitempty" toml:"min_selections,omitempty"`
	MaxSelections    *int              `json:"max_selections,omitempty" yaml:"max_selections,omitempty" toml:"max_selections,omitempty"`
	NumSelections    *int              `json:"num_selections,omitempty" yaml:"num_selections,omitempty" toml:"num_selections,omitempty"`
	BudgetSum        float64           `json:"budget_sum,omitempty" yaml:"budget_sum,omitempty" toml:"budget_sum,omitempty"`
	MaxListItems     *int              `json:"max_list_items,omitempty" yaml:"max_list_items,omitempty" toml:"max_list_items,omitempty"`
	AllowNonresponse bool              `json:"allow_nonresponse,omitempty" yaml:"allow_nonresponse,omitempty" toml:"allow_nonresponse,omitempty"`
	AnswerTemplate   map[string]any    `json:"answer_template,omitempty" yaml:"answer_template,omitempty" toml:"answer_template,omitempty"`
	Func             Func              `json:"-" yaml:"-" toml:"-"`
}

// Question is one prompt plus its answer contract. Construct it with New or
// one of the typed constructors; the zero value is not usable.
type Question struct {
	Definition
	kind *kind
}

// kind holds the behavior shared by every question of one Type.
type kind struct {
	check        func(d *Definition) error
	validate     func(q *Question, v any) (any, error)
	coerce       func(q *Question, v any) any
	instructions func(q *Question) string
	simulate     func(q *Question, r *rand.Rand) any
}

// registry maps each type tag to its behavior. It is fixed at init.
var registry = map[Type]*kind{
	FreeText:       freeTextKind,
	MultipleChoice: choiceKind,
	YesNo:          choiceKind,
	LikertFive:     choiceKind,
	LinearScale:    linearScaleKind,
	Numerical:      numericalKind,
	Checkbox:       checkboxKind,
	TopK:           checkboxKind,
	Rank:           rankKind,
	List:           listKind,
	Budget:         budgetKind,
	Extract:        extractKind,
	Functional:     functionalKind,
}

// Types returns the registered type tags.
func Types() []Type {
	out := make([]Type, 0, len(registry))
	for t := range registry {
		out = append(out, t)
	}
	return out
}

// New builds a Question from its definition, filling fixed option lists and
// checking that the constraints are consistent.
func New(d Definition) (*Question, error) {
	k, ok := registry[d.Type]
	if !ok {
		return nil, fmt.Errorf("unknown question type %q", d.Type)
	}
	if !validName.MatchString(d.Name) {
		return nil, fmt.Errorf("invalid question name %q", d.Name)
	}
	if d.Text == "" {
		return nil, fmt.Errorf("question %s: text is required", d.Name)
	}

	switch d.Type {
	case YesNo:
		if len(d.Options) == 0 {
			d.Options = yesNoOptions
		}
	case LikertFive:
		if len(d.Options) == 0 {
			d.Options = likertOptions
		}
	case TopK:
		if d.NumSelections != nil {
			d.MinSelections, d.MaxSelections = d.NumSelections, d.NumSelections
		}
	}

	if k.check != nil {
		if err := k.check(&d); err != nil {
			return nil, fmt.Errorf("question %s: %w", d.Name, err)
		}
	}
	return &Question{Definition: d, kind: k}, nil
}

// MustNew is New that panics on error. Intended for tests and fixed surveys.
func MustNew(d Definition) *Question {
	q, err := New(d)
	if err != nil {
		panic(err)
	}
	return q
}

func NewFreeText(name, text string) (*Question, error) {
	return New(Definition{Name: name, Type: FreeText, Text: text})
}

func NewMultipleChoice(name, text string, options ...string) (*Question, error) {
	return New(Definition{Name: name, Type: MultipleChoice, Text: text, Options: options})
}

func NewYesNo(name, text string) (*Question, error) {
	return New(Definition{Name: name, Type: YesNo, Text: text})
}

// NewNumerical builds a numerical question; nil bounds are open.
func NewNumerical(name, text string, min, max *float64) (*Question, error) {
	return New(Definition{Name: name, Type: Numerical, Text: text, Min: min, Max: max})
}

func NewCheckbox(name, text string, options []string, minSel, maxSel *int) (*Question, error) {
	return New(Definition{Name: name, Type: Checkbox, Text: text, Options: options, MinSelections: minSel, MaxSelections: maxSel})
}

func NewTopK(name, text string, options []string, k int) (*Question, error) {
	return New(Definition{Name: name, Type: TopK, Text: text, Options: options, NumSelections: &k})
}

func NewBudget(name, text string, options []string, sum float64) (*Question, error) {
	return New(Definition{Name: name, Type: Budget, Text: text, Options: options, BudgetSum: sum})
}

func NewList(name, text string, maxItems *int) (*Question, error) {
	return New(Definition{Name: name, Type: List, Text: text, MaxListItems: maxItems})
}

func NewExtract(name, text string, template map[string]any) (*Question, error) {
	return New(Definition{Name: name, Type: Extract, Text: text, AnswerTemplate: template})
}

func NewFunctional(name, text string, fn Func) (*Question, error) {
	return New(Definition{Name: name, Type: Functional, Text: text, Func: fn})
}

// Float and Int return pointers for optional constraint fields.
func Float(v float64) *float64 { return &v }
func Int(v int) *int           { return &v }

// IsFunctional reports whether the answer is computed locally.
func (q *Question) IsFunctional() bool {
	return q.Type == Functional
}

// Instructions returns the answer-format instructions shown to the provider.
func (q *Question) Instructions() string {
	return q.kind.instructions(q)
}

// Simulate returns raw JSON output for a random answer satisfying the
// contract, in the same form a provider would return it.
func (q *Question) Simulate(r *rand.Rand) string {
	b, err := json.Marshal(map[string]any{"answer": q.kind.simulate(q, r), "comment": "simulated answer"})
	if err != nil {
		return "{}"
	}
	return string(b)
}

// scaleBounds returns the integer bounds of a linear scale.
func (q *Question) scaleBounds() (lo, hi int) {
	return int(*q.Min), int(*q.Max)
}

func optionList(options []string) string {
	s := ""
	for i, o := range options {
		s += strconv.Itoa(i) + ": " + o + "\n"
	}
	return s
}

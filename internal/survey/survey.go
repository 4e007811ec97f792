package survey

import (
	"errors"
	"fmt"

	"github.com/kalambet/panel/internal/question"
)

// Rule pairs a predicate with the question it acts on. For skip rules Target
// is skipped when the predicate holds; for stop rules the survey ends after
// Target is answered.
type Rule struct {
	Target string
	When   Predicate
}

// Survey is an ordered set of questions plus skip rules, stop rules, and a
// memory plan. It is read-only once interviews start.
type Survey struct {
	Name string

	questions []*question.Question
	index     map[string]int
	skipRules []Rule
	stopRules []Rule
	memory    *MemoryPlan
}

// QA is one prior question and its answer surfaced as context.
type QA struct {
	Name   string
	Text   string
	Answer any
}

// New creates a survey from questions in asking order.
func New(questions ...*question.Question) (*Survey, error) {
	if len(questions) == 0 {
		return nil, errors.New("survey needs at least one question")
	}
	s := &Survey{index: make(map[string]int, len(questions))}
	for i, q := range questions {
		if q == nil {
			return nil, fmt.Errorf("question %d is nil", i)
		}
		if _, dup := s.index[q.Name]; dup {
			return nil, fmt.Errorf("duplicate question name %q", q.Name)
		}
		s.index[q.Name] = i
		s.questions = append(s.questions, q)
	}
	s.memory = &MemoryPlan{survey: s, data: make(map[string][]string)}
	return s, nil
}

// Questions returns the questions in declared order.
func (s *Survey) Questions() []*question.Question {
	return s.questions
}

// Question looks up a question by name.
func (s *Survey) Question(name string) (*question.Question, bool) {
	i, ok := s.index[name]
	if !ok {
		return nil, false
	}
	return s.questions[i], true
}

// Names returns question names in declared order.
func (s *Survey) Names() []string {
	names := make([]string, len(s.questions))
	for i, q := range s.questions {
		names[i] = q.Name
	}
	return names
}

// Memory returns the survey's memory plan.
func (s *Survey) Memory() *MemoryPlan {
	return s.memory
}

// SkipRules returns the configured skip rules.
func (s *Survey) SkipRules() []Rule { return s.skipRules }

// StopRules returns the configured stop rules.
func (s *Survey) StopRules() []Rule { return s.stopRules }

// AddSkipRule skips target whenever p holds. p may reference only questions
// declared before target.
func (s *Survey) AddSkipRule(target string, p Predicate) error {
	ti, ok := s.index[target]
	if !ok {
		return fmt.Errorf("skip rule: unknown question %q", target)
	}
	if err := s.checkRefs(p, ti, false); err != nil {
		return fmt.Errorf("skip rule for %s: %w", target, err)
	}
	s.skipRules = append(s.skipRules, Rule{Target: target, When: p})
	return nil
}

// AddStopRule ends the survey right after `after` is answered when p holds.
// p may reference `after` and earlier questions.
func (s *Survey) AddStopRule(after string, p Predicate) error {
	ai, ok := s.index[after]
	if !ok {
		return fmt.Errorf("stop rule: unknown question %q", after)
	}
	if err := s.checkRefs(p, ai, true); err != nil {
		return fmt.Errorf("stop rule after %s: %w", after, err)
	}
	s.stopRules = append(s.stopRules, Rule{Target: after, When: p})
	return nil
}

func (s *Survey) checkRefs(p Predicate, limit int, inclusive bool) error {
	if p == nil {
		return errors.New("nil predicate")
	}
	for _, ref := range p.References() {
		ri, ok := s.index[ref]
		if !ok {
			return fmt.Errorf("predicate references unknown question %q", ref)
		}
		if ri > limit || (ri == limit && !inclusive) {
			return fmt.Errorf("predicate references %q, which is not asked before %q", ref, s.questions[limit].Name)
		}
	}
	return nil
}

// Context returns the memory-plan context for question name: the configured
// prior questions and their answers, in plan order. Priors without an answer
// (skipped) are omitted.
func (s *Survey) Context(name string, answers map[string]any) []QA {
	var out []QA
	for _, prior := range s.memory.Priors(name) {
		ans, ok := answers[prior]
		if !ok {
			continue
		}
		q := s.questions[s.index[prior]]
		out = append(out, QA{Name: prior, Text: q.Text, Answer: ans})
	}
	return out
}

// NewFlow starts a traversal of the survey.
func (s *Survey) NewFlow() *Flow {
	return &Flow{
		survey:  s,
		answers: make(map[string]any, len(s.questions)),
		skipped: make(map[string]bool),
	}
}

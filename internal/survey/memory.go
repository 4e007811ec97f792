package survey

import (
	"encoding/json"
	"fmt"
	"slices"
)

// MemoryPlan maps each question to the prior questions whose answers are
// shown as context when it is asked.
type MemoryPlan struct {
	survey *Survey
	data   map[string][]string
}

// Add makes prior part of question's context.
func (m *MemoryPlan) Add(question, prior string) error {
	if err := m.check(question, prior); err != nil {
		return err
	}
	if !slices.Contains(m.data[question], prior) {
		m.data[question] = append(m.data[question], prior)
	}
	return nil
}

// AddCollection adds several priors in order.
func (m *MemoryPlan) AddCollection(question string, priors ...string) error {
	for _, p := range priors {
		if err := m.Add(question, p); err != nil {
			return err
		}
	}
	return nil
}

// Full gives question every earlier question as context.
func (m *MemoryPlan) Full(question string) error {
	qi, ok := m.survey.index[question]
	if !ok {
		return fmt.Errorf("memory: unknown question %q", question)
	}
	for _, q := range m.survey.questions[:qi] {
		if err := m.Add(question, q.Name); err != nil {
			return err
		}
	}
	return nil
}

// Lagged gives every question its n immediate predecessors as context.
func (m *MemoryPlan) Lagged(n int) error {
	if n < 1 {
		return fmt.Errorf("memory: lag %d must be positive", n)
	}
	qs := m.survey.questions
	for i, q := range qs {
		for j := max(0, i-n); j < i; j++ {
			if err := m.Add(q.Name, qs[j].Name); err != nil {
				return err
			}
		}
	}
	return nil
}

// Priors returns the prior questions configured for question.
func (m *MemoryPlan) Priors(question string) []string {
	return m.data[question]
}

func (m *MemoryPlan) check(question, prior string) error {
	qi, ok := m.survey.index[question]
	if !ok {
		return fmt.Errorf("memory: unknown question %q", question)
	}
	pi, ok := m.survey.index[prior]
	if !ok {
		return fmt.Errorf("memory: unknown prior question %q", prior)
	}
	if pi >= qi {
		return fmt.Errorf("memory: %q does not precede %q", prior, question)
	}
	return nil
}

type memoryEntry struct {
	PriorQuestions []string `json:"prior_questions"`
}

// MarshalJSON encodes the plan with the survey's question names.
func (m *MemoryPlan) MarshalJSON() ([]byte, error) {
	data := make(map[string]memoryEntry, len(m.data))
	for k, v := range m.data {
		data[k] = memoryEntry{PriorQuestions: v}
	}
	return json.Marshal(struct {
		SurveyQuestions []string               `json:"survey_questions"`
		Data            map[string]memoryEntry `json:"data"`
	}{
		SurveyQuestions: m.survey.Names(),
		Data:            data,
	})
}

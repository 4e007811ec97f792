package survey

import (
	"fmt"

	"github.com/kalambet/panel/internal/question"
)

// Flow walks one interview through a survey. It is not safe for concurrent
// use; each interview owns its flow.
type Flow struct {
	survey  *Survey
	pos     int
	answers map[string]any
	skipped map[string]bool
	order   []string
	stopped bool
}

// Next returns the next question to ask, or false when the survey is
// complete. Questions whose skip rules hold are marked skipped on the way.
// Calling Next again before Record returns the same question.
func (f *Flow) Next() (*question.Question, bool) {
	qs := f.survey.questions
	for f.pos < len(qs) {
		q := qs[f.pos]
		if f.stopped || f.shouldSkip(q.Name) {
			f.skip(q.Name)
			f.pos++
			continue
		}
		return q, true
	}
	return nil, false
}

// Record stores the answer to the question last returned by Next and
// evaluates stop rules attached to it.
func (f *Flow) Record(name string, answer any) error {
	qs := f.survey.questions
	if f.pos >= len(qs) || qs[f.pos].Name != name {
		return fmt.Errorf("recording %q out of order", name)
	}
	f.answers[name] = answer
	f.pos++

	state := f.state()
	for _, r := range f.survey.stopRules {
		if r.Target == name && r.When.Eval(state) {
			f.stopped = true
			break
		}
	}
	return nil
}

// Done reports whether every question has been answered or skipped.
func (f *Flow) Done() bool {
	_, more := f.Next()
	return !more
}

// Answers returns a copy of the recorded answers. Skipped questions are absent.
func (f *Flow) Answers() map[string]any {
	out := make(map[string]any, len(f.answers))
	for k, v := range f.answers {
		out[k] = v
	}
	return out
}

// Skipped returns skipped question names in survey order.
func (f *Flow) Skipped() []string {
	return append([]string(nil), f.order...)
}

func (f *Flow) shouldSkip(name string) bool {
	state := f.state()
	for _, r := range f.survey.skipRules {
		if r.Target == name && r.When.Eval(state) {
			return true
		}
	}
	return false
}

func (f *Flow) skip(name string) {
	if !f.skipped[name] {
		f.skipped[name] = true
		f.order = append(f.order, name)
	}
}

func (f *Flow) state() State {
	return State{Answers: f.answers, Skipped: f.skipped}
}

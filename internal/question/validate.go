package question

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Answer is a validated answer. Value holds the normalized form: option text
// for choice questions, float64 for numerical, []string for lists and
// selections, map[string]float64 for budgets.
type Answer struct {
	Value   any    `json:"answer"`
	Comment string `json:"comment,omitempty"`
}

// ValidationError reports a violated answer constraint.
type ValidationError struct {
	Question   string
	Constraint string
	Value      any
	Msg        string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("question %s: %s", e.Question, e.Msg)
}

func (q *Question) invalid(constraint string, v any, format string, args ...any) *ValidationError {
	return &ValidationError{
		Question:   q.Name,
		Constraint: constraint,
		Value:      v,
		Msg:        fmt.Sprintf(format, args...),
	}
}

// Validate checks a raw answer object against the question's contract.
func (q *Question) Validate(raw map[string]any) (Answer, error) {
	v, ok := raw["answer"]
	if !ok {
		return Answer{}, q.invalid("answer key", raw, "answer object has no \"answer\" key")
	}
	norm, err := q.kind.validate(q, v)
	if err != nil {
		return Answer{}, err
	}
	ans := Answer{Value: norm}
	if c, ok := raw["comment"].(string); ok {
		ans.Comment = c
	}
	return ans, nil
}

// ValidateValue checks a bare answer value. Used for answers that are not
// produced by a provider.
func (q *Question) ValidateValue(v any) (Answer, error) {
	return q.Validate(map[string]any{"answer": normalizeJSON(v)})
}

// normalizeJSON round-trips v through JSON so Go values compare the same way
// decoded provider output does.
func normalizeJSON(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

var numberPattern = regexp.MustCompile(`-?\d+(?:\.\d+)?(?:[eE][-+]?\d+)?`)

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n) && !math.IsInf(n, 0)
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		s := strings.ReplaceAll(strings.TrimSpace(n), ",", "")
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f, true
		}
		m := numberPattern.FindString(s)
		if m == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(m, 64)
		return f, err == nil
	}
	return 0, false
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		return i, err == nil
	}
	return 0, false
}

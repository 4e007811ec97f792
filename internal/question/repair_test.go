package question

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepair(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `{"answer": 1}`, `{"answer": 1}`},
		{"fenced", "```json\n{\"answer\": 1}\n```", `{"answer": 1}`},
		{"fenced no lang", "```\n{\"answer\": 1}\n```", `{"answer": 1}`},
		{"prose around", `Sure! Here you go: {"answer": 2, "comment": "ok"} Hope that helps.`, `{"answer": 2, "comment": "ok"}`},
		{"nested", `x {"answer": {"a": 1}} y {"b": 2}`, `{"answer": {"a": 1}}`},
		{"brace in string", `{"answer": "a } b"}`, `{"answer": "a } b"}`},
		{"trailing comma", `{"answer": [1, 2,], }`, `{"answer": [1, 2]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Repair(tt.in))
		})
	}
}

func TestDecode_ValidFirstPass(t *testing.T) {
	q := colorQuestion(t)
	ans, err := q.Decode(`{"answer": 1, "comment": "green"}`)
	require.NoError(t, err)
	assert.Equal(t, "Green", ans.Value)
	assert.Equal(t, "green", ans.Comment)
}

func TestDecode_RepairsFormatting(t *testing.T) {
	q := colorQuestion(t)
	ans, err := q.Decode("Here is my answer:\n```json\n{\"answer\": 2}\n```")
	require.NoError(t, err)
	assert.Equal(t, "Blue", ans.Value)
}

func TestDecode_RepairsOptionText(t *testing.T) {
	q := colorQuestion(t)
	ans, err := q.Decode(`{"answer": "yellow"}`)
	require.NoError(t, err)
	assert.Equal(t, "Yellow", ans.Value)
}

func TestDecode_BareValue(t *testing.T) {
	q, err := NewNumerical("age", "Age?", Float(0), Float(120))
	require.NoError(t, err)

	ans, err := q.Decode("42")
	require.NoError(t, err)
	assert.Equal(t, 42.0, ans.Value)

	ans, err = q.Decode("I am 35 years old")
	require.NoError(t, err)
	assert.Equal(t, 35.0, ans.Value)
}

func TestDecode_FreeTextPlainOutput(t *testing.T) {
	q := MustNew(Definition{Name: "why", Type: FreeText, Text: "Why?"})
	ans, err := q.Decode("Because it was raining.")
	require.NoError(t, err)
	assert.Equal(t, "Because it was raining.", ans.Value)
}

func TestDecode_CheckboxSingleCode(t *testing.T) {
	q, err := NewCheckbox("pets", "Pets?", []string{"Cat", "Dog"}, nil, nil)
	require.NoError(t, err)

	ans, err := q.Decode(`{"answer": 1}`)
	require.NoError(t, err)
	assert.Equal(t, []string{"Dog"}, ans.Value)
}

func TestDecode_RepairFails(t *testing.T) {
	q := colorQuestion(t)
	_, err := q.Decode(`{"answer": 9}`)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRepairFailed))

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "option range", verr.Constraint)
	assert.Contains(t, err.Error(), "9")
}

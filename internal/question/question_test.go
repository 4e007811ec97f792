package question

import (
	"errors"
	"math/rand/v2"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func colorQuestion(t *testing.T) *Question {
	t.Helper()
	q, err := NewMultipleChoice("color", "What is your favorite color?", "Red", "Green", "Blue", "Yellow")
	require.NoError(t, err)
	return q
}

func TestMultipleChoice_CodeInRange(t *testing.T) {
	q := colorQuestion(t)
	for code := range len(q.Options) {
		ans, err := q.Validate(map[string]any{"answer": float64(code)})
		require.NoError(t, err, "code %d", code)
		assert.Equal(t, q.Options[code], ans.Value)
	}
}

func TestMultipleChoice_CodeOutOfRange(t *testing.T) {
	q := colorQuestion(t)
	for _, code := range []float64{-1, 4, 7, 100} {
		_, err := q.Validate(map[string]any{"answer": code})
		require.Error(t, err, "code %v", code)

		var verr *ValidationError
		require.True(t, errors.As(err, &verr))
		assert.Equal(t, "option range", verr.Constraint)
		assert.Equal(t, code, verr.Value)
		assert.Contains(t, err.Error(), "code "+strconv.Itoa(int(code)))
	}
}

func TestMultipleChoice_NonIntegerCode(t *testing.T) {
	q := colorQuestion(t)
	_, err := q.Validate(map[string]any{"answer": 1.5})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "integer code", verr.Constraint)
}

func TestMultipleChoice_StringCode(t *testing.T) {
	q := colorQuestion(t)
	ans, err := q.Validate(map[string]any{"answer": "2"})
	require.NoError(t, err)
	assert.Equal(t, "Blue", ans.Value)
}

func TestValidate_MissingAnswerKey(t *testing.T) {
	q := colorQuestion(t)
	_, err := q.Validate(map[string]any{"comment": "no answer"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "answer key", verr.Constraint)
}

func TestValidate_KeepsComment(t *testing.T) {
	q := colorQuestion(t)
	ans, err := q.Validate(map[string]any{"answer": 0.0, "comment": "I like red"})
	require.NoError(t, err)
	assert.Equal(t, "I like red", ans.Comment)
}

func TestNew_Constraints(t *testing.T) {
	tests := []struct {
		name string
		def  Definition
	}{
		{"unknown type", Definition{Name: "q", Type: "essay", Text: "t"}},
		{"bad name", Definition{Name: "1q", Type: FreeText, Text: "t"}},
		{"no text", Definition{Name: "q", Type: FreeText}},
		{"one option", Definition{Name: "q", Type: MultipleChoice, Text: "t", Options: []string{"a"}}},
		{"too many options", Definition{Name: "q", Type: MultipleChoice, Text: "t", Options: strings.Split("a,b,c,d,e,f,g,h,i,j,k", ",")}},
		{"duplicate options", Definition{Name: "q", Type: MultipleChoice, Text: "t", Options: []string{"a", "a"}}},
		{"min above max", Definition{Name: "q", Type: Numerical, Text: "t", Min: Float(10), Max: Float(1)}},
		{"checkbox bounds", Definition{Name: "q", Type: Checkbox, Text: "t", Options: []string{"a", "b"}, MinSelections: Int(3)}},
		{"top_k zero", Definition{Name: "q", Type: TopK, Text: "t", Options: []string{"a", "b"}, NumSelections: Int(0)}},
		{"top_k unset", Definition{Name: "q", Type: TopK, Text: "t", Options: []string{"a", "b"}}},
		{"budget sum", Definition{Name: "q", Type: Budget, Text: "t", Options: []string{"a", "b"}}},
		{"extract template", Definition{Name: "q", Type: Extract, Text: "t"}},
		{"functional no func", Definition{Name: "q", Type: Functional, Text: "t"}},
		{"scale no bounds", Definition{Name: "q", Type: LinearScale, Text: "t"}},
		{"list items", Definition{Name: "q", Type: List, Text: "t", MaxListItems: Int(0)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.def)
			assert.Error(t, err)
		})
	}
}

func TestYesNo_FixedOptions(t *testing.T) {
	q, err := NewYesNo("smoker", "Do you smoke?")
	require.NoError(t, err)
	assert.Equal(t, []string{"No", "Yes"}, q.Options)

	ans, err := q.Validate(map[string]any{"answer": 0.0})
	require.NoError(t, err)
	assert.Equal(t, "No", ans.Value)
}

func TestNumerical(t *testing.T) {
	q, err := NewNumerical("age", "How old are you?", Float(0), Float(100))
	require.NoError(t, err)

	tests := []struct {
		in      any
		want    float64
		wantErr string
	}{
		{in: 42.0, want: 42},
		{in: "1,000", wantErr: "max"},
		{in: "about 37 years", want: 37},
		{in: -1.0, wantErr: "min"},
		{in: "none", wantErr: "number"},
	}
	for _, tt := range tests {
		ans, err := q.Validate(map[string]any{"answer": tt.in})
		if tt.wantErr != "" {
			var verr *ValidationError
			require.ErrorAs(t, err, &verr, "input %v", tt.in)
			assert.Equal(t, tt.wantErr, verr.Constraint)
			continue
		}
		require.NoError(t, err, "input %v", tt.in)
		assert.Equal(t, tt.want, ans.Value)
	}
}

func TestCheckbox(t *testing.T) {
	q, err := NewCheckbox("pets", "Which pets do you own?", []string{"Cat", "Dog", "Fish"}, Int(1), Int(2))
	require.NoError(t, err)

	ans, err := q.Validate(map[string]any{"answer": []any{0.0, 2.0}})
	require.NoError(t, err)
	assert.Equal(t, []string{"Cat", "Fish"}, ans.Value)

	_, err = q.Validate(map[string]any{"answer": []any{0.0, 1.0, 2.0}})
	assert.Error(t, err, "too many selections")

	_, err = q.Validate(map[string]any{"answer": []any{}})
	assert.Error(t, err, "too few selections")

	_, err = q.Validate(map[string]any{"answer": []any{1.0, 1.0}})
	assert.Error(t, err, "duplicate codes")

	_, err = q.Validate(map[string]any{"answer": []any{5.0}})
	assert.Error(t, err, "code out of range")
}

func TestTopK(t *testing.T) {
	q, err := NewTopK("fav", "Pick your top 2", []string{"a", "b", "c"}, 2)
	require.NoError(t, err)

	_, err = q.Validate(map[string]any{"answer": []any{0.0, 1.0}})
	assert.NoError(t, err)
	_, err = q.Validate(map[string]any{"answer": []any{0.0}})
	assert.Error(t, err)
}

func TestRank(t *testing.T) {
	q, err := New(Definition{Name: "order", Type: Rank, Text: "Rank these", Options: []string{"a", "b", "c"}, NumSelections: Int(2)})
	require.NoError(t, err)

	ans, err := q.Validate(map[string]any{"answer": []any{2.0, 0.0}})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a"}, ans.Value)

	_, err = q.Validate(map[string]any{"answer": []any{2.0, 0.0, 1.0}})
	assert.Error(t, err)
}

func TestBudget(t *testing.T) {
	q, err := NewBudget("spend", "Split 100 dollars", []string{"Food", "Rent"}, 100)
	require.NoError(t, err)

	ans, err := q.Validate(map[string]any{"answer": map[string]any{"0": 30.0, "1": 70.0}})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"Food": 30, "Rent": 70}, ans.Value)

	tests := []struct {
		name       string
		answer     map[string]any
		constraint string
	}{
		{"wrong sum", map[string]any{"0": 30.0, "1": 60.0}, "budget_sum"},
		{"negative", map[string]any{"0": -10.0, "1": 110.0}, "non-negative"},
		{"missing key", map[string]any{"0": 100.0}, "all options"},
		{"bad key", map[string]any{"0": 50.0, "9": 50.0}, "option range"},
		{"repeated code", map[string]any{"0": 50.0, " 0": 50.0}, "unique codes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := q.Validate(map[string]any{"answer": tt.answer})
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.constraint, verr.Constraint)
		})
	}
}

func TestList(t *testing.T) {
	q, err := NewList("hobbies", "List your hobbies", Int(2))
	require.NoError(t, err)

	ans, err := q.Validate(map[string]any{"answer": []any{"chess", "running"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"chess", "running"}, ans.Value)

	_, err = q.Validate(map[string]any{"answer": []any{"a", "b", "c"}})
	assert.Error(t, err)
	_, err = q.Validate(map[string]any{"answer": []any{"a", ""}})
	assert.Error(t, err)
	_, err = q.Validate(map[string]any{"answer": []any{}})
	assert.Error(t, err)
}

func TestExtract(t *testing.T) {
	q, err := NewExtract("person", "Extract name and age", map[string]any{"name": "John", "age": 30})
	require.NoError(t, err)

	_, err = q.Validate(map[string]any{"answer": map[string]any{"name": "Ann", "age": 41.0}})
	assert.NoError(t, err)
	_, err = q.Validate(map[string]any{"answer": map[string]any{"name": "Ann"}})
	assert.Error(t, err)
}

func TestLinearScale(t *testing.T) {
	q, err := New(Definition{Name: "sat", Type: LinearScale, Text: "How satisfied?", Min: Float(1), Max: Float(5)})
	require.NoError(t, err)

	ans, err := q.Validate(map[string]any{"answer": 3.0})
	require.NoError(t, err)
	assert.Equal(t, 3, ans.Value)

	_, err = q.Validate(map[string]any{"answer": 6.0})
	assert.Error(t, err)
}

func TestSimulate_AlwaysValid(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	questions := []*Question{
		colorQuestion(t),
		MustNew(Definition{Name: "a", Type: FreeText, Text: "t"}),
		MustNew(Definition{Name: "b", Type: Numerical, Text: "t", Min: Float(10), Max: Float(20)}),
		MustNew(Definition{Name: "c", Type: Checkbox, Text: "t", Options: []string{"x", "y", "z"}, MinSelections: Int(1)}),
		MustNew(Definition{Name: "d", Type: TopK, Text: "t", Options: []string{"x", "y", "z"}, NumSelections: Int(2)}),
		MustNew(Definition{Name: "e", Type: Budget, Text: "t", Options: []string{"x", "y"}, BudgetSum: 10}),
		MustNew(Definition{Name: "f", Type: List, Text: "t", MaxListItems: Int(2)}),
		MustNew(Definition{Name: "g", Type: LikertFive, Text: "t"}),
		MustNew(Definition{Name: "h", Type: LinearScale, Text: "t", Min: Float(0), Max: Float(10)}),
		MustNew(Definition{Name: "i", Type: Rank, Text: "t", Options: []string{"x", "y"}}),
		MustNew(Definition{Name: "j", Type: Extract, Text: "t", AnswerTemplate: map[string]any{"k": "v"}}),
	}
	for _, q := range questions {
		for range 20 {
			raw := q.Simulate(r)
			_, err := q.Decode(raw)
			require.NoError(t, err, "%s: %s", q.Name, raw)
		}
	}
}

func TestRegistryCoversAllTypes(t *testing.T) {
	assert.Len(t, Types(), 13)
}

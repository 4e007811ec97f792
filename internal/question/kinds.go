package question

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"sort"
	"strconv"
	"strings"
)

const jsonHint = `Return a valid JSON object, e.g. {"answer": <answer>, "comment": "<optional comment>"}.`

var freeTextKind = &kind{
	validate: func(q *Question, v any) (any, error) {
		s, ok := v.(string)
		if !ok {
			return nil, q.invalid("string", v, "answer %v is not a string", v)
		}
		if strings.TrimSpace(s) == "" && !q.AllowNonresponse {
			return nil, q.invalid("non-empty", v, "answer is empty")
		}
		return s, nil
	},
	instructions: func(q *Question) string {
		return `Answer in free text. Return a valid JSON object like {"answer": "<your answer>"}.`
	},
	simulate: func(q *Question, r *rand.Rand) any {
		return "simulated answer " + strconv.Itoa(r.IntN(1000))
	},
}

var choiceKind = &kind{
	check: func(d *Definition) error {
		return checkOptions(d.Options)
	},
	validate: func(q *Question, v any) (any, error) {
		code, err := q.optionCode(v)
		if err != nil {
			return nil, err
		}
		return q.Options[code], nil
	},
	coerce: func(q *Question, v any) any {
		return q.matchOption(v)
	},
	instructions: func(q *Question) string {
		return "Options:\n" + optionList(q.Options) +
			"Only 1 option may be selected. Answer with the code of the option. " + jsonHint
	},
	simulate: func(q *Question, r *rand.Rand) any {
		return r.IntN(len(q.Options))
	},
}

var linearScaleKind = &kind{
	check: func(d *Definition) error {
		if d.Min == nil || d.Max == nil {
			return errors.New("linear scale requires min and max")
		}
		if *d.Min != math.Trunc(*d.Min) || *d.Max != math.Trunc(*d.Max) {
			return errors.New("linear scale bounds must be integers")
		}
		if *d.Min >= *d.Max {
			return fmt.Errorf("min %v must be less than max %v", *d.Min, *d.Max)
		}
		return nil
	},
	validate: func(q *Question, v any) (any, error) {
		n, ok := toInt(v)
		if !ok {
			return nil, q.invalid("integer", v, "answer %v is not an integer", v)
		}
		lo, hi := q.scaleBounds()
		if n < lo || n > hi {
			return nil, q.invalid("scale range", v, "answer %d must be between %d and %d", n, lo, hi)
		}
		return n, nil
	},
	instructions: func(q *Question) string {
		lo, hi := q.scaleBounds()
		s := fmt.Sprintf("Answer with a whole number from %d to %d.", lo, hi)
		for _, k := range sortedKeys(q.OptionLabels) {
			s += fmt.Sprintf("\n%s: %s", k, q.OptionLabels[k])
		}
		return s + " " + jsonHint
	},
	simulate: func(q *Question, r *rand.Rand) any {
		lo, hi := q.scaleBounds()
		return lo + r.IntN(hi-lo+1)
	},
}

var numericalKind = &kind{
	check: func(d *Definition) error {
		if d.Min != nil && d.Max != nil && *d.Min > *d.Max {
			return fmt.Errorf("min %v is greater than max %v", *d.Min, *d.Max)
		}
		return nil
	},
	validate: func(q *Question, v any) (any, error) {
		f, ok := toFloat(v)
		if !ok {
			return nil, q.invalid("number", v, "answer %v is not a number", v)
		}
		if q.Min != nil && f < *q.Min {
			return nil, q.invalid("min", v, "answer %v is less than the minimum %v", f, *q.Min)
		}
		if q.Max != nil && f > *q.Max {
			return nil, q.invalid("max", v, "answer %v is greater than the maximum %v", f, *q.Max)
		}
		return f, nil
	},
	instructions: func(q *Question) string {
		s := "Answer with a single number."
		if q.Min != nil {
			s += fmt.Sprintf(" Minimum value: %v.", *q.Min)
		}
		if q.Max != nil {
			s += fmt.Sprintf(" Maximum value: %v.", *q.Max)
		}
		return s + " " + jsonHint
	},
	simulate: func(q *Question, r *rand.Rand) any {
		lo, hi := 0.0, 100.0
		if q.Min != nil {
			lo = *q.Min
		}
		if q.Max != nil {
			hi = *q.Max
		}
		if lo > hi {
			if q.Min == nil {
				lo = hi - 100
			} else {
				hi = lo + 100
			}
		}
		return math.Round(lo + r.Float64()*(hi-lo))
	},
}

var checkboxKind = &kind{
	check: func(d *Definition) error {
		if err := checkOptions(d.Options); err != nil {
			return err
		}
		lo, hi := selectionBounds(d)
		if lo < 0 || hi > len(d.Options) || lo > hi {
			return fmt.Errorf("invalid selection bounds [%d, %d] for %d options", lo, hi, len(d.Options))
		}
		if d.Type == TopK && (d.MinSelections == nil || d.MaxSelections == nil || lo != hi || lo < 1) {
			return errors.New("top_k requires min_selections == max_selections >= 1")
		}
		return nil
	},
	validate: func(q *Question, v any) (any, error) {
		codes, err := q.optionCodes(v)
		if err != nil {
			return nil, err
		}
		lo, hi := selectionBounds(&q.Definition)
		if len(codes) < lo || len(codes) > hi {
			return nil, q.invalid("selection count", v, "selected %d options, want between %d and %d", len(codes), lo, hi)
		}
		return q.optionTexts(codes), nil
	},
	coerce: func(q *Question, v any) any {
		return q.matchOptions(v)
	},
	instructions: func(q *Question) string {
		lo, hi := selectionBounds(&q.Definition)
		return "Options:\n" + optionList(q.Options) +
			fmt.Sprintf("Select between %d and %d options. Answer with a list of option codes. ", lo, hi) + jsonHint
	},
	simulate: func(q *Question, r *rand.Rand) any {
		lo, hi := selectionBounds(&q.Definition)
		n := lo + r.IntN(hi-lo+1)
		return r.Perm(len(q.Options))[:n]
	},
}

var rankKind = &kind{
	check: func(d *Definition) error {
		if err := checkOptions(d.Options); err != nil {
			return err
		}
		if d.NumSelections != nil && (*d.NumSelections < 1 || *d.NumSelections > len(d.Options)) {
			return fmt.Errorf("num_selections %d out of range for %d options", *d.NumSelections, len(d.Options))
		}
		return nil
	},
	validate: func(q *Question, v any) (any, error) {
		codes, err := q.optionCodes(v)
		if err != nil {
			return nil, err
		}
		if want := q.rankSize(); len(codes) != want {
			return nil, q.invalid("selection count", v, "ranked %d options, want %d", len(codes), want)
		}
		return q.optionTexts(codes), nil
	},
	coerce: func(q *Question, v any) any {
		return q.matchOptions(v)
	},
	instructions: func(q *Question) string {
		return "Options:\n" + optionList(q.Options) +
			fmt.Sprintf("Rank the top %d options, best first. Answer with an ordered list of option codes. ", q.rankSize()) + jsonHint
	},
	simulate: func(q *Question, r *rand.Rand) any {
		return r.Perm(len(q.Options))[:q.rankSize()]
	},
}

var listKind = &kind{
	check: func(d *Definition) error {
		if d.MaxListItems != nil && *d.MaxListItems < 1 {
			return fmt.Errorf("max_list_items %d must be positive", *d.MaxListItems)
		}
		return nil
	},
	validate: func(q *Question, v any) (any, error) {
		items, ok := v.([]any)
		if !ok {
			return nil, q.invalid("list", v, "answer %v is not a list", v)
		}
		if len(items) == 0 && !q.AllowNonresponse {
			return nil, q.invalid("non-empty", v, "answer list is empty")
		}
		if q.MaxListItems != nil && len(items) > *q.MaxListItems {
			return nil, q.invalid("max_list_items", v, "answer has %d items, at most %d allowed", len(items), *q.MaxListItems)
		}
		out := make([]string, len(items))
		for i, it := range items {
			s, ok := it.(string)
			if !ok || strings.TrimSpace(s) == "" {
				return nil, q.invalid("non-empty item", it, "item %d (%v) is not a non-empty string", i, it)
			}
			out[i] = s
		}
		return out, nil
	},
	coerce: func(q *Question, v any) any {
		if s, ok := v.(string); ok {
			var items []any
			for _, p := range strings.Split(s, ",") {
				if p = strings.TrimSpace(p); p != "" {
					items = append(items, p)
				}
			}
			return items
		}
		return v
	},
	instructions: func(q *Question) string {
		s := "Answer with a list of short items."
		if q.MaxListItems != nil {
			s += fmt.Sprintf(" Include at most %d items.", *q.MaxListItems)
		}
		return s + ` Return a valid JSON object like {"answer": ["<item>", ...]}.`
	},
	simulate: func(q *Question, r *rand.Rand) any {
		n := 1 + r.IntN(3)
		if q.MaxListItems != nil && n > *q.MaxListItems {
			n = *q.MaxListItems
		}
		items := make([]string, n)
		for i := range items {
			items[i] = "item " + strconv.Itoa(i+1)
		}
		return items
	},
}

var budgetKind = &kind{
	check: func(d *Definition) error {
		if err := checkOptions(d.Options); err != nil {
			return err
		}
		if d.BudgetSum <= 0 {
			return fmt.Errorf("budget_sum %v must be positive", d.BudgetSum)
		}
		return nil
	},
	validate: func(q *Question, v any) (any, error) {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, q.invalid("object", v, "answer %v is not an object of code to amount", v)
		}
		if len(m) != len(q.Options) {
			return nil, q.invalid("all options", v, "answer has %d entries, want one for each of %d options", len(m), len(q.Options))
		}
		out := make(map[string]float64, len(m))
		for k, raw := range m {
			code, ok := toInt(k)
			if !ok || code < 0 || code >= len(q.Options) {
				return nil, q.invalid("option range", k, "budget key %q is not a valid option code", k)
			}
			if _, dup := out[q.Options[code]]; dup {
				return nil, q.invalid("unique codes", k, "budget key %q repeats option %d", k, code)
			}
			amt, ok := toFloat(raw)
			if !ok {
				return nil, q.invalid("number", raw, "amount %v for option %d is not a number", raw, code)
			}
			if amt < 0 {
				return nil, q.invalid("non-negative", raw, "amount %v for option %d is negative", amt, code)
			}
			out[q.Options[code]] = amt
		}
		var sum float64
		for _, amt := range out {
			sum += amt
		}
		if math.Abs(sum-q.BudgetSum) > 1e-9 {
			return nil, q.invalid("budget_sum", sum, "amounts sum to %v, want %v", sum, q.BudgetSum)
		}
		return out, nil
	},
	instructions: func(q *Question) string {
		return "Options:\n" + optionList(q.Options) +
			fmt.Sprintf("Allocate a total of %v across all options. Answer with an object mapping every option code to an amount. ", q.BudgetSum) + jsonHint
	},
	simulate: func(q *Question, r *rand.Rand) any {
		pick := r.IntN(len(q.Options))
		m := make(map[string]any, len(q.Options))
		for i := range q.Options {
			m[strconv.Itoa(i)] = 0.0
		}
		m[strconv.Itoa(pick)] = q.BudgetSum
		return m
	},
}

var extractKind = &kind{
	check: func(d *Definition) error {
		if len(d.AnswerTemplate) == 0 {
			return errors.New("extract requires an answer_template")
		}
		return nil
	},
	validate: func(q *Question, v any) (any, error) {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, q.invalid("object", v, "answer %v is not an object", v)
		}
		want, got := sortedKeys(q.AnswerTemplate), sortedKeys(m)
		if !slices.Equal(want, got) {
			return nil, q.invalid("template keys", got, "answer keys %v do not match template keys %v", got, want)
		}
		return m, nil
	},
	instructions: func(q *Question) string {
		return fmt.Sprintf("Extract the requested fields. Answer with an object with exactly the keys %v, e.g. %v. ", sortedKeys(q.AnswerTemplate), q.AnswerTemplate) + jsonHint
	},
	simulate: func(q *Question, r *rand.Rand) any {
		m := make(map[string]any, len(q.AnswerTemplate))
		for k, v := range q.AnswerTemplate {
			m[k] = v
		}
		return m
	},
}

var functionalKind = &kind{
	check: func(d *Definition) error {
		if d.Func == nil {
			return errors.New("functional question requires a function")
		}
		return nil
	},
	validate: func(q *Question, v any) (any, error) {
		return v, nil
	},
	instructions: func(q *Question) string { return "" },
	simulate: func(q *Question, r *rand.Rand) any {
		return nil
	},
}

func checkOptions(options []string) error {
	if len(options) < 2 {
		return fmt.Errorf("need at least 2 options, got %d", len(options))
	}
	if len(options) > MaxOptions {
		return fmt.Errorf("at most %d options allowed, got %d", MaxOptions, len(options))
	}
	seen := make(map[string]bool, len(options))
	for _, o := range options {
		if strings.TrimSpace(o) == "" {
			return errors.New("options must be non-empty")
		}
		if seen[o] {
			return fmt.Errorf("duplicate option %q", o)
		}
		seen[o] = true
	}
	return nil
}

func selectionBounds(d *Definition) (lo, hi int) {
	lo, hi = 0, len(d.Options)
	if d.MinSelections != nil {
		lo = *d.MinSelections
	}
	if d.MaxSelections != nil {
		hi = *d.MaxSelections
	}
	return lo, hi
}

func (q *Question) rankSize() int {
	if q.NumSelections != nil {
		return *q.NumSelections
	}
	return len(q.Options)
}

func (q *Question) optionCode(v any) (int, error) {
	code, ok := toInt(v)
	if !ok {
		return 0, q.invalid("integer code", v, "answer code %v is not an integer", v)
	}
	if code < 0 || code >= len(q.Options) {
		return 0, q.invalid("option range", v, "answer code %d must be in [0, %d)", code, len(q.Options))
	}
	return code, nil
}

func (q *Question) optionCodes(v any) ([]int, error) {
	items, ok := v.([]any)
	if !ok {
		return nil, q.invalid("list", v, "answer %v is not a list of codes", v)
	}
	codes := make([]int, 0, len(items))
	seen := make(map[int]bool, len(items))
	for _, it := range items {
		code, err := q.optionCode(it)
		if err != nil {
			return nil, err
		}
		if seen[code] {
			return nil, q.invalid("unique codes", it, "code %d selected more than once", code)
		}
		seen[code] = true
		codes = append(codes, code)
	}
	return codes, nil
}

func (q *Question) optionTexts(codes []int) []string {
	out := make([]string, len(codes))
	for i, c := range codes {
		out[i] = q.Options[c]
	}
	return out
}

// matchOption maps option text back to its code.
func (q *Question) matchOption(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	s = strings.TrimSpace(s)
	for i, o := range q.Options {
		if strings.EqualFold(s, o) {
			return i
		}
	}
	return v
}

func (q *Question) matchOptions(v any) any {
	items, ok := v.([]any)
	if !ok {
		items = []any{v}
	}
	out := make([]any, len(items))
	for i, it := range items {
		out[i] = q.matchOption(it)
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

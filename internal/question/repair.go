package question

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrRepairFailed wraps the validation error of an answer that could not be
// recovered by the repair pass.
var ErrRepairFailed = errors.New("answer repair failed")

var trailingComma = regexp.MustCompile(`,\s*([}\]])`)

// Decode parses raw provider output and validates it. When the output does not
// parse or does not validate, one repair pass is attempted and validation is
// retried once.
func (q *Question) Decode(raw string) (Answer, error) {
	if obj, err := parseObject(raw); err == nil {
		if ans, err := q.Validate(obj); err == nil {
			return ans, nil
		}
	}

	ans, err := q.Validate(q.repairObject(raw))
	if err != nil {
		return Answer{}, fmt.Errorf("%w: %w", ErrRepairFailed, err)
	}
	return ans, nil
}

func parseObject(raw string) (map[string]any, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, errors.New("null output")
	}
	return obj, nil
}

// repairObject turns raw output into a best-effort answer object. A value that
// is not an object with an "answer" key is wrapped as the answer itself;
// unparseable text becomes a string answer.
func (q *Question) repairObject(raw string) map[string]any {
	s := Repair(raw)

	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		v = strings.TrimSpace(stripFences(raw))
	}

	obj, ok := v.(map[string]any)
	if !ok {
		obj = map[string]any{"answer": v}
	} else if _, has := obj["answer"]; !has {
		obj = map[string]any{"answer": obj}
	}

	if q.kind.coerce != nil {
		obj["answer"] = q.kind.coerce(q, obj["answer"])
	}
	return obj
}

// Repair strips formatting around JSON output: code fences, text around the
// first balanced object, and trailing commas.
func Repair(raw string) string {
	s := stripFences(raw)
	if obj, ok := firstObject(s); ok {
		s = obj
	}
	s = trailingComma.ReplaceAllString(s, "$1")
	return strings.TrimSpace(s)
}

func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if idx := strings.Index(s, "```"); idx != -1 {
		s = s[idx+3:]
		if nl := strings.IndexByte(s, '\n'); nl != -1 && !strings.ContainsAny(s[:nl], "{[\"") {
			s = s[nl+1:]
		}
		if end := strings.Index(s, "```"); end != -1 {
			s = s[:end]
		}
	}
	return strings.TrimSpace(s)
}

// firstObject returns the first balanced {...} span in s, skipping braces
// inside string literals.
func firstObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start == -1 {
		return "", false
	}
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

package survey

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
)

var (
	templateBraces = strings.NewReplacer("{{", " ", "}}", " ")
	postfixSkipped = regexp.MustCompile(`\b([A-Za-z_][A-Za-z0-9_]*)\s+skipped\b`)
	stringLiteral  = regexp.MustCompile(`'(?:\\.|[^'\\])*'|"(?:\\.|[^"\\])*"`)
)

// normalize rewrites the job-file shorthands into expr syntax. String
// literals are left alone.
func normalize(src string) string {
	var sb strings.Builder
	rewrite := func(code string) {
		code = templateBraces.Replace(code)
		sb.WriteString(postfixSkipped.ReplaceAllString(code, "skipped($1)"))
	}
	last := 0
	for _, loc := range stringLiteral.FindAllStringIndex(src, -1) {
		rewrite(src[last:loc[0]])
		sb.WriteString(src[loc[0]:loc[1]])
		last = loc[1]
	}
	rewrite(src[last:])
	return sb.String()
}

// ParsePredicate parses the textual predicate form used in job files:
//
//	q1 == 'No'
//	{{ age }} >= 18 and country in ['US', 'CA']
//	not (q2 skipped) or q3 != "maybe"
//
// Expressions use expr syntax restricted to comparisons of a question name
// with a literal (== != < <= > >= in, not in) combined with and/or/not.
// "q skipped" and skipped(q) test whether q was skipped. Template braces
// around names are accepted and ignored.
func ParsePredicate(src string) (Predicate, error) {
	text := normalize(src)
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("parsing %q: empty expression", src)
	}
	tree, err := parser.Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parsing %q: %w", src, err)
	}
	pred, err := toPredicate(tree.Node)
	if err != nil {
		return nil, fmt.Errorf("parsing %q: %w", src, err)
	}
	return pred, nil
}

// mirrored maps an operator to its form with the operands swapped.
var mirrored = map[string]string{
	"==": "==", "!=": "!=",
	"<": ">", "<=": ">=", ">": "<", ">=": "<=",
}

func toPredicate(n ast.Node) (Predicate, error) {
	switch n := n.(type) {
	case *ast.BinaryNode:
		switch n.Operator {
		case "and", "&&", "or", "||":
			left, err := toPredicate(n.Left)
			if err != nil {
				return nil, err
			}
			right, err := toPredicate(n.Right)
			if err != nil {
				return nil, err
			}
			and := n.Operator == "and" || n.Operator == "&&"
			return join(and, left, right), nil

		case "in":
			name, ok := identifier(n.Left)
			if !ok {
				return nil, fmt.Errorf("left of in must be a question name")
			}
			arr, ok := n.Right.(*ast.ArrayNode)
			if !ok {
				return nil, fmt.Errorf("right of in must be a list")
			}
			values := make([]any, 0, len(arr.Nodes))
			for _, item := range arr.Nodes {
				v, err := literalValue(item)
				if err != nil {
					return nil, err
				}
				values = append(values, v)
			}
			return In(name, values...), nil

		case "==", "!=", "<", "<=", ">", ">=":
			operator := n.Operator
			lhs, rhs := n.Left, n.Right
			if _, ok := identifier(lhs); !ok {
				lhs, rhs = rhs, lhs
				operator = mirrored[operator]
			}
			name, ok := identifier(lhs)
			if !ok {
				return nil, fmt.Errorf("comparison needs a question name on one side")
			}
			v, err := literalValue(rhs)
			if err != nil {
				return nil, err
			}
			return Compare(name, operator, v)
		}
		return nil, fmt.Errorf("unsupported operator %q", n.Operator)

	case *ast.UnaryNode:
		if n.Operator == "not" || n.Operator == "!" {
			inner, err := toPredicate(n.Node)
			if err != nil {
				return nil, err
			}
			return Not(inner), nil
		}
		return nil, fmt.Errorf("unsupported operator %q", n.Operator)

	case *ast.CallNode:
		if fn, ok := identifier(n.Callee); ok && fn == "skipped" && len(n.Arguments) == 1 {
			name, ok := identifier(n.Arguments[0])
			if !ok {
				if s, isStr := n.Arguments[0].(*ast.StringNode); isStr {
					name, ok = s.Value, true
				}
			}
			if ok {
				return Skipped(name), nil
			}
		}
		return nil, fmt.Errorf("only skipped(question) may be called")
	}
	return nil, fmt.Errorf("expected a comparison, got %T", n)
}

// join flattens chains of the same connective into one And or Or.
func join(and bool, left, right Predicate) Predicate {
	var parts []Predicate
	for _, p := range []Predicate{left, right} {
		if l, ok := p.(logical); ok && l.and == and {
			parts = append(parts, l.parts...)
			continue
		}
		parts = append(parts, p)
	}
	if and {
		return And(parts...)
	}
	return Or(parts...)
}

func identifier(n ast.Node) (string, bool) {
	id, ok := n.(*ast.IdentifierNode)
	if !ok {
		return "", false
	}
	return id.Value, true
}

func literalValue(n ast.Node) (any, error) {
	switch n := n.(type) {
	case *ast.StringNode:
		return n.Value, nil
	case *ast.IntegerNode:
		return float64(n.Value), nil
	case *ast.FloatNode:
		return n.Value, nil
	case *ast.BoolNode:
		return n.Value, nil
	case *ast.UnaryNode:
		if n.Operator == "-" {
			v, err := literalValue(n.Node)
			if err != nil {
				return nil, err
			}
			if f, ok := v.(float64); ok {
				return -f, nil
			}
		}
	}
	return nil, fmt.Errorf("expected a literal value, got %T", n)
}

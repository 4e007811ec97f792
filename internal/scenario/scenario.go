package scenario

import (
	"fmt"
	"sort"
	"strings"
)

// Scenario is the substitution context for question templates.
type Scenario map[string]any

// Merge returns a new scenario with the keys of both; values from other win.
func (s Scenario) Merge(other Scenario) Scenario {
	out := make(Scenario, len(s)+len(other))
	for k, v := range s {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Keys returns the scenario keys in sorted order.
func (s Scenario) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a shallow copy.
func (s Scenario) Clone() Scenario {
	return s.Merge(nil)
}

// Label is a short identifier for logs and result rows.
func (s Scenario) Label() string {
	if len(s) == 0 {
		return "default"
	}
	keys := s.Keys()
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, s[k])
	}
	return strings.Join(parts, ",")
}

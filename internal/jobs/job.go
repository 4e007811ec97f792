// Package jobs expands a survey over agents, scenarios and models and runs the
// resulting interviews concurrently.
package jobs

import (
	"errors"
	"fmt"

	"github.com/kalambet/panel/internal/agent"
	"github.com/kalambet/panel/internal/interview"
	"github.com/kalambet/panel/internal/provider"
	"github.com/kalambet/panel/internal/scenario"
	"github.com/kalambet/panel/internal/survey"
)

// Job is a survey plus the populations it is asked of.
type Job struct {
	Survey    *survey.Survey
	Agents    []*agent.Agent
	Scenarios []scenario.Scenario
	Models    []*provider.Model

	// DefaultModel answers when Models is empty. Nil uses the canned test
	// service.
	DefaultModel *provider.Model
}

// New creates a job for s.
func New(s *survey.Survey) *Job {
	return &Job{Survey: s}
}

// ByAgents adds agents. The first call sets the list; later calls replace it
// with the cross-combination of existing and new agents.
func (j *Job) ByAgents(agents ...*agent.Agent) (*Job, error) {
	if len(j.Agents) == 0 {
		j.Agents = append(j.Agents, agents...)
		return j, nil
	}
	combined := make([]*agent.Agent, 0, len(j.Agents)*len(agents))
	for _, cur := range j.Agents {
		for _, a := range agents {
			c, err := agent.Combine(cur, a)
			if err != nil {
				return nil, fmt.Errorf("combining agents: %w", err)
			}
			combined = append(combined, c)
		}
	}
	j.Agents = combined
	return j, nil
}

// ByScenarios adds scenarios. Later calls cross-merge with the existing list.
func (j *Job) ByScenarios(scenarios ...scenario.Scenario) *Job {
	if len(j.Scenarios) == 0 {
		j.Scenarios = append(j.Scenarios, scenarios...)
		return j
	}
	merged := make([]scenario.Scenario, 0, len(j.Scenarios)*len(scenarios))
	for _, cur := range j.Scenarios {
		for _, s := range scenarios {
			merged = append(merged, cur.Merge(s))
		}
	}
	j.Scenarios = merged
	return j
}

// ByModels appends models.
func (j *Job) ByModels(models ...*provider.Model) *Job {
	j.Models = append(j.Models, models...)
	return j
}

// Size is the number of interviews for n iterations.
func (j *Job) Size(n int) int {
	if n < 1 {
		n = 1
	}
	return max(len(j.Agents), 1) * max(len(j.Scenarios), 1) * max(len(j.Models), 1) * n
}

func (j *Job) agents() []*agent.Agent {
	if len(j.Agents) == 0 {
		return []*agent.Agent{{}}
	}
	return j.Agents
}

func (j *Job) scenarios() []scenario.Scenario {
	if len(j.Scenarios) == 0 {
		return []scenario.Scenario{{}}
	}
	return j.Scenarios
}

func (j *Job) models() []*provider.Model {
	if len(j.Models) > 0 {
		return j.Models
	}
	if j.DefaultModel != nil {
		return []*provider.Model{j.DefaultModel}
	}
	return []*provider.Model{{Service: "test", Name: "canned", Provider: &provider.Canned{}}}
}

// Interviews expands the job into agents × scenarios × models × n
// interviews with sequential indices. Iterations of one combination are
// adjacent.
func (j *Job) Interviews(n int, deps interview.Deps) ([]*interview.Interview, error) {
	if j.Survey == nil {
		return nil, errors.New("job has no survey")
	}
	if n < 1 {
		n = 1
	}

	out := make([]*interview.Interview, 0, j.Size(n))
	for _, a := range j.agents() {
		if err := a.Validate(); err != nil {
			return nil, err
		}
		for _, sc := range j.scenarios() {
			for _, m := range j.models() {
				for it := range n {
					out = append(out, interview.New(len(out), j.Survey, a, sc, m, it, deps))
				}
			}
		}
	}
	return out, nil
}

package jobfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/panel/internal/config"
	"github.com/kalambet/panel/internal/jobs"
)

const yamlJob = `
survey:
  questions:
    - name: owns_car
      type: yes_no
      text: Do you own a car in {{ city }}?
    - name: brand
      type: free_text
      text: Which brand?
    - name: happiness
      type: numerical
      text: How happy are you with it, 0 to 100?
      min: 0
      max: 100
  skip:
    - target: brand
      when: owns_car == 'No'
  stop:
    - after: brand
      when: brand == 'none'
  memory:
    questions:
      happiness: [brand]
agents:
  - name: young
    traits: {age: 22}
  - traits: {age: 64}
    instruction: You are a retiree.
scenarios:
  - city: Paris
  - city: Rome
models:
  - name: test/canned
    params:
      canned_response: '{"answer": 1}'
    rpm: 600
    tpm: 100000
run:
  iterations: 2
  max_concurrency: 4
  stop_on_exception: true
  timeout_seconds: 5
`

const tomlJob = `
[survey]

[[survey.questions]]
name = "mood"
type = "multiple_choice"
text = "How do you feel?"
options = ["good", "bad"]

[[survey.questions]]
name = "why"
type = "free_text"
text = "Why?"

[[survey.skip]]
target = "why"
when = "mood == 'good'"

[[agents]]
traits = { region = "north" }

[[models]]
service = "test"
name = "canned"
rpm = 60
`

func writeJob(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func testConfig() config.Config {
	return config.Config{
		Provider: config.ProviderConfig{DefaultModel: "test/canned"},
		Runner: config.RunnerConfig{
			APICallTimeout:     60,
			MaxConcurrency:     100,
			ProgressIntervalMS: 250,
		},
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeJob(t, "job.yaml", yamlJob)
	d, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, d.Path)

	job, opts, err := d.Build(testConfig())
	require.NoError(t, err)

	assert.Equal(t, []string{"owns_car", "brand", "happiness"}, job.Survey.Names())
	assert.Len(t, job.Survey.SkipRules(), 1)
	assert.Len(t, job.Survey.StopRules(), 1)
	assert.Equal(t, []string{"brand"}, job.Survey.Memory().Priors("happiness"))

	require.Len(t, job.Agents, 2)
	assert.Equal(t, "young", job.Agents[0].Name)
	assert.Equal(t, "You are a retiree.", job.Agents[1].Instruction)
	require.Len(t, job.Scenarios, 2)
	assert.Equal(t, "Rome", job.Scenarios[1]["city"])

	require.Len(t, job.Models, 1)
	m := job.Models[0]
	assert.Equal(t, "test/canned", m.ID())
	assert.Equal(t, 600.0, m.Limits.RPM)
	assert.Equal(t, 100000.0, m.Limits.TPM)

	assert.Equal(t, 2, opts.Iterations)
	assert.Equal(t, 4, opts.MaxConcurrency)
	assert.True(t, opts.StopOnException)
	assert.Equal(t, 5*time.Second, opts.Timeout)
	assert.Equal(t, 250*time.Millisecond, opts.ProgressInterval)
	assert.Equal(t, path, opts.Source)

	assert.Equal(t, 2*2*1*2, job.Size(opts.Iterations))
}

func TestLoadTOML(t *testing.T) {
	d, err := Load(writeJob(t, "job.toml", tomlJob))
	require.NoError(t, err)

	job, opts, err := d.Build(testConfig())
	require.NoError(t, err)

	assert.Equal(t, []string{"mood", "why"}, job.Survey.Names())
	assert.Len(t, job.Survey.SkipRules(), 1)
	require.Len(t, job.Agents, 1)
	assert.Equal(t, "north", job.Agents[0].Traits["region"])
	require.Len(t, job.Models, 1)
	assert.Equal(t, 60.0, job.Models[0].Limits.RPM)

	// Unset run options come from configuration.
	assert.Equal(t, 100, opts.MaxConcurrency)
	assert.False(t, opts.StopOnException)
	assert.Equal(t, 60*time.Second, opts.Timeout)
}

func TestBuild_DefaultModel(t *testing.T) {
	d, err := Parse([]byte(`
survey:
  questions:
    - {name: q, type: free_text, text: Hello?}
`), ".yml")
	require.NoError(t, err)

	job, _, err := d.Build(testConfig())
	require.NoError(t, err)
	assert.Empty(t, job.Models)
	require.NotNil(t, job.DefaultModel)
	assert.Equal(t, "test/canned", job.DefaultModel.ID())
}

func TestBuildAndRun(t *testing.T) {
	d, err := Load(writeJob(t, "job.yaml", yamlJob))
	require.NoError(t, err)
	job, opts, err := d.Build(testConfig())
	require.NoError(t, err)

	// The canned response answers "Yes" to owns_car, then fails validation for
	// the free-text brand question (a number is not a string) and stops the
	// job.
	res, err := (&jobs.Runner{Options: opts}).Run(context.Background(), job)
	require.ErrorIs(t, err, jobs.ErrJobAborted)
	assert.True(t, res.History.HasFailures())
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		ext     string
		content string
	}{
		{"unknown extension", ".json", `{}`},
		{"no questions", ".yaml", "agents: []\n"},
		{"bad yaml", ".yaml", "survey: [\n"},
		{"bad toml", ".toml", "survey = \n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.content), tt.ext)
			assert.Error(t, err)
		})
	}
}

func TestBuildErrors(t *testing.T) {
	base := "survey:\n  questions:\n    - {name: q1, type: yes_no, text: Yes?}\n    - {name: q2, type: free_text, text: Why?}\n"
	tests := []struct {
		name  string
		extra string
	}{
		{"bad question type", "    - {name: q3, type: essay, text: Hm}\n"},
		{"bad predicate", "  skip:\n    - {target: q2, when: \"q1 ==\"}\n"},
		{"rule references later question", "  skip:\n    - {target: q1, when: \"q2 == 'x'\"}\n"},
		{"memory on unknown question", "  memory:\n    full: [nope]\n"},
		{"invalid trait key", "agents:\n  - traits: {\"not valid\": 1}\n"},
		{"unknown service", "models:\n  - {service: nowhere, name: m}\n"},
		{"openrouter without key", "models:\n  - {name: openai/gpt-4o}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := Parse([]byte(base+tt.extra), ".yaml")
			if err != nil {
				// Type errors can surface at parse time only for malformed
				// documents; every case here is well-formed YAML.
				t.Fatalf("Parse: %v", err)
			}
			_, _, err = d.Build(testConfig())
			assert.Error(t, err)
		})
	}
}

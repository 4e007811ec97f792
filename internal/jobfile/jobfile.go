// Package jobfile loads job definitions from YAML or TOML files.
package jobfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/kalambet/panel/internal/agent"
	"github.com/kalambet/panel/internal/config"
	"github.com/kalambet/panel/internal/jobs"
	"github.com/kalambet/panel/internal/provider"
	"github.com/kalambet/panel/internal/question"
	"github.com/kalambet/panel/internal/scenario"
	"github.com/kalambet/panel/internal/survey"
)

// Definition is the file form of a job.
type Definition struct {
	Survey    SurveyDef        `yaml:"survey" toml:"survey"`
	Agents    []AgentDef       `yaml:"agents" toml:"agents"`
	Scenarios []map[string]any `yaml:"scenarios" toml:"scenarios"`
	Models    []provider.Spec  `yaml:"models" toml:"models"`
	Run       RunDef           `yaml:"run" toml:"run"`

	// Path is the file the definition was loaded from.
	Path string `yaml:"-" toml:"-"`
}

type SurveyDef struct {
	Questions []question.Definition `yaml:"questions" toml:"questions"`
	Skip      []RuleDef             `yaml:"skip" toml:"skip"`
	Stop      []RuleDef             `yaml:"stop" toml:"stop"`
	Memory    MemoryDef             `yaml:"memory" toml:"memory"`
}

// RuleDef is a skip rule (Target) or stop rule (After) with a textual
// predicate.
type RuleDef struct {
	Target string `yaml:"target,omitempty" toml:"target,omitempty"`
	After  string `yaml:"after,omitempty" toml:"after,omitempty"`
	When   string `yaml:"when" toml:"when"`
}

type MemoryDef struct {
	// Lagged gives every question the n questions before it.
	Lagged int `yaml:"lagged,omitempty" toml:"lagged,omitempty"`
	// Full lists questions that see every earlier question.
	Full []string `yaml:"full,omitempty" toml:"full,omitempty"`
	// Questions maps a question to the priors it sees.
	Questions map[string][]string `yaml:"questions,omitempty" toml:"questions,omitempty"`
}

type AgentDef struct {
	Name        string            `yaml:"name,omitempty" toml:"name,omitempty"`
	Traits      map[string]any    `yaml:"traits" toml:"traits"`
	Instruction string            `yaml:"instruction,omitempty" toml:"instruction,omitempty"`
	Codebook    map[string]string `yaml:"codebook,omitempty" toml:"codebook,omitempty"`
}

// RunDef holds run options. Unset fields fall back to configuration.
type RunDef struct {
	Iterations      int    `yaml:"iterations,omitempty" toml:"iterations,omitempty"`
	MaxConcurrency  int    `yaml:"max_concurrency,omitempty" toml:"max_concurrency,omitempty"`
	StopOnException *bool  `yaml:"stop_on_exception,omitempty" toml:"stop_on_exception,omitempty"`
	Debug           bool   `yaml:"debug,omitempty" toml:"debug,omitempty"`
	Seed            uint64 `yaml:"seed,omitempty" toml:"seed,omitempty"`
	// TimeoutSeconds overrides runner.api_call_timeout.
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty" toml:"timeout_seconds,omitempty"`
}

// Load reads a definition. The format follows the extension: .yaml, .yml or
// .toml.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading job file: %w", err)
	}
	d, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	d.Path = path
	return d, nil
}

// Parse decodes data in the format named by ext.
func Parse(data []byte, ext string) (*Definition, error) {
	var d Definition
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("parsing job file: %w", err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), &d); err != nil {
			return nil, fmt.Errorf("parsing job file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported job file extension %q (want .yaml, .yml or .toml)", ext)
	}
	if len(d.Survey.Questions) == 0 {
		return nil, errors.New("survey has no questions")
	}
	return &d, nil
}

// Build assembles the job and its run options. Model specs are resolved
// against the provider registry using cfg's credentials.
func (d *Definition) Build(cfg config.Config) (*jobs.Job, jobs.Options, error) {
	s, err := d.Survey.build()
	if err != nil {
		return nil, jobs.Options{}, err
	}
	job := jobs.New(s)

	agents := make([]*agent.Agent, 0, len(d.Agents))
	for i, ad := range d.Agents {
		a, err := agent.New(ad.Traits)
		if err != nil {
			return nil, jobs.Options{}, fmt.Errorf("agent %d: %w", i, err)
		}
		a.Name = ad.Name
		a.Instruction = ad.Instruction
		a.Codebook = ad.Codebook
		agents = append(agents, a)
	}
	if _, err := job.ByAgents(agents...); err != nil {
		return nil, jobs.Options{}, err
	}

	scenarios := make([]scenario.Scenario, len(d.Scenarios))
	for i, sc := range d.Scenarios {
		scenarios[i] = scenario.Scenario(sc)
	}
	job.ByScenarios(scenarios...)

	popts := provider.Options{
		OpenRouterAPIKey:  cfg.Provider.OpenRouterAPIKey,
		OpenRouterBaseURL: cfg.Provider.OpenRouterBaseURL,
		OllamaBaseURL:     cfg.Provider.OllamaBaseURL,
	}
	for i, spec := range d.Models {
		m, err := provider.NewModel(popts, spec)
		if err != nil {
			return nil, jobs.Options{}, fmt.Errorf("model %d: %w", i, err)
		}
		job.ByModels(m)
	}
	if len(d.Models) == 0 && cfg.Provider.DefaultModel != "" {
		m, err := provider.NewModel(popts, provider.Spec{Name: cfg.Provider.DefaultModel})
		if err != nil {
			return nil, jobs.Options{}, fmt.Errorf("default model: %w", err)
		}
		job.DefaultModel = m
	}

	return job, d.options(cfg), nil
}

func (d *Definition) options(cfg config.Config) jobs.Options {
	opts := jobs.Options{
		Iterations:       d.Run.Iterations,
		MaxConcurrency:   cfg.Runner.MaxConcurrency,
		StopOnException:  cfg.Runner.StopOnException,
		Debug:            d.Run.Debug,
		Seed:             d.Run.Seed,
		Timeout:          cfg.Runner.CallTimeout(),
		ProgressInterval: cfg.Runner.ProgressInterval(),
		Source:           d.Path,
	}
	if d.Run.MaxConcurrency > 0 {
		opts.MaxConcurrency = d.Run.MaxConcurrency
	}
	if d.Run.StopOnException != nil {
		opts.StopOnException = *d.Run.StopOnException
	}
	if d.Run.TimeoutSeconds > 0 {
		opts.Timeout = time.Duration(d.Run.TimeoutSeconds) * time.Second
	}
	return opts
}

func (sd SurveyDef) build() (*survey.Survey, error) {
	qs := make([]*question.Question, 0, len(sd.Questions))
	for _, qd := range sd.Questions {
		q, err := question.New(qd)
		if err != nil {
			return nil, err
		}
		qs = append(qs, q)
	}
	s, err := survey.New(qs...)
	if err != nil {
		return nil, err
	}

	for i, r := range sd.Skip {
		p, err := survey.ParsePredicate(r.When)
		if err != nil {
			return nil, fmt.Errorf("skip rule %d: %w", i, err)
		}
		if err := s.AddSkipRule(r.Target, p); err != nil {
			return nil, fmt.Errorf("skip rule %d: %w", i, err)
		}
	}
	for i, r := range sd.Stop {
		p, err := survey.ParsePredicate(r.When)
		if err != nil {
			return nil, fmt.Errorf("stop rule %d: %w", i, err)
		}
		if err := s.AddStopRule(r.After, p); err != nil {
			return nil, fmt.Errorf("stop rule %d: %w", i, err)
		}
	}

	mem := s.Memory()
	if sd.Memory.Lagged > 0 {
		if err := mem.Lagged(sd.Memory.Lagged); err != nil {
			return nil, err
		}
	}
	for _, q := range sd.Memory.Full {
		if err := mem.Full(q); err != nil {
			return nil, err
		}
	}
	for q, priors := range sd.Memory.Questions {
		if err := mem.AddCollection(q, priors...); err != nil {
			return nil, err
		}
	}
	return s, nil
}

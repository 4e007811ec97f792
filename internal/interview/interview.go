// Package interview drives one agent through a survey against one model and
// scenario.
package interview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/kalambet/panel/internal/agent"
	"github.com/kalambet/panel/internal/bucket"
	"github.com/kalambet/panel/internal/cache"
	"github.com/kalambet/panel/internal/history"
	"github.com/kalambet/panel/internal/prompt"
	"github.com/kalambet/panel/internal/provider"
	"github.com/kalambet/panel/internal/question"
	"github.com/kalambet/panel/internal/scenario"
	"github.com/kalambet/panel/internal/survey"
)

// DefaultTimeout bounds one provider call.
const DefaultTimeout = 60 * time.Second

// Phase is the position inside the per-question cycle.
type Phase int

const (
	PromptBuilt Phase = iota
	AwaitingAnswer
	Validated
	Recorded
)

func (p Phase) String() string {
	switch p {
	case PromptBuilt:
		return "prompt_built"
	case AwaitingAnswer:
		return "awaiting_answer"
	case Validated:
		return "validated"
	case Recorded:
		return "recorded"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Deps are the collaborators shared by every interview of a job.
type Deps struct {
	Cache   *cache.Cache
	Buckets *bucket.Collection
	Prompts *prompt.Builder
	// Timeout bounds each provider call. Zero uses DefaultTimeout.
	Timeout time.Duration
	// Debug answers every question with a simulated answer.
	Debug bool
	// Seed makes debug answers reproducible per interview index.
	Seed   uint64
	Logger *slog.Logger
}

// Error is a fatal interview failure.
type Error struct {
	Exception history.Exception
	Err       error
}

func (e *Error) Error() string {
	if e.Exception.Question != "" {
		return fmt.Sprintf("interview %d: question %s: %v", e.Exception.Index, e.Exception.Question, e.Err)
	}
	return fmt.Sprintf("interview %d: %v", e.Exception.Index, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Interview is one execution of a survey. Run it once.
type Interview struct {
	Index     int
	Survey    *survey.Survey
	Agent     *agent.Agent
	Scenario  scenario.Scenario
	Model     *provider.Model
	Iteration int

	deps       Deps
	log        *slog.Logger
	rng        *rand.Rand
	strategies map[string]Strategy

	status history.Status
	phase  Phase
}

// New creates an interview. Nil dependencies get private defaults: no cache,
// unlimited buckets, the default prompt builder.
func New(index int, s *survey.Survey, a *agent.Agent, sc scenario.Scenario, m *provider.Model, iteration int, deps Deps) *Interview {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Cache == nil {
		deps.Cache = cache.New(nil, deps.Logger)
	}
	if deps.Buckets == nil {
		deps.Buckets = bucket.NewCollection()
	}
	if deps.Prompts == nil {
		deps.Prompts = prompt.New(0)
	}
	if deps.Timeout <= 0 {
		deps.Timeout = DefaultTimeout
	}
	if a == nil {
		a = &agent.Agent{}
	}

	iv := &Interview{
		Index:     index,
		Survey:    s,
		Agent:     a,
		Scenario:  sc,
		Model:     m,
		Iteration: iteration,
		deps:      deps,
		rng:       rand.New(rand.NewPCG(deps.Seed, uint64(index))),
	}
	iv.log = deps.Logger.With("interview", index, "agent", a.Label(), "model", m.ID(), "iteration", iteration)
	iv.strategies = make(map[string]Strategy, len(s.Questions()))
	for _, q := range s.Questions() {
		iv.strategies[q.Name] = iv.selectStrategy(q)
	}
	return iv
}

// Status returns the interview's lifecycle state.
func (iv *Interview) Status() history.Status { return iv.status }

// Strategy returns how question name is answered.
func (iv *Interview) Strategy(name string) Strategy { return iv.strategies[name] }

// Labels describe the interview for task history.
func (iv *Interview) Labels() history.Labels {
	return history.Labels{
		Agent:     iv.Agent.Label(),
		Scenario:  iv.Scenario.Label(),
		Model:     iv.Model.ID(),
		Iteration: iv.Iteration,
	}
}

// Run asks every question the survey flow yields. It returns the Result on
// completion, an *Error on a fatal failure, or the context error when
// cancelled; in the last two cases partial answers are discarded.
func (iv *Interview) Run(ctx context.Context) (*Result, error) {
	if iv.status != history.NotStarted {
		return nil, fmt.Errorf("interview %d already ran", iv.Index)
	}
	iv.status = history.Running

	res, err := iv.run(ctx)
	switch {
	case err == nil:
		iv.status = history.Completed
		return res, nil
	case errors.As(err, new(*Error)):
		iv.status = history.Failed
	default:
		iv.status = history.Cancelled
	}
	return nil, err
}

func (iv *Interview) run(ctx context.Context) (*Result, error) {
	res := &Result{
		Index:     iv.Index,
		Agent:     iv.Agent.Traits,
		AgentName: iv.Agent.Name,
		Scenario:  iv.Scenario,
		Model:     ModelInfo{Model: iv.Model.ID(), Parameters: iv.Model.Params},
		Iteration: iv.Iteration,
		Answers:   make(map[string]any),
		Comments:  make(map[string]string),
		Prompts:   make(map[string]prompt.Prompts),
		Raw:       make(map[string]string),
		CacheKeys: make(map[string]string),
		CacheUsed: make(map[string]bool),
	}

	flow := iv.Survey.NewFlow()
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		q, ok := flow.Next()
		if !ok {
			break
		}

		answers := flow.Answers()
		p := iv.deps.Prompts.Build(iv.Agent, q, iv.Scenario, iv.Survey.Context(q.Name, answers), answers)
		iv.setPhase(q, PromptBuilt)

		out, err := iv.answer(ctx, q, p)
		if err != nil {
			return nil, err
		}
		iv.setPhase(q, Validated)

		if err := flow.Record(q.Name, out.answer.Value); err != nil {
			return nil, iv.fail(q, history.KindInternal, err)
		}
		res.Answers[q.Name] = out.answer.Value
		res.Prompts[q.Name] = p
		if out.answer.Comment != "" {
			res.Comments[q.Name] = out.answer.Comment
		}
		if out.raw != "" {
			res.Raw[q.Name] = out.raw
		}
		if out.cacheKey != "" {
			res.CacheKeys[q.Name] = out.cacheKey
			res.CacheUsed[q.Name] = out.cached
			if out.cached {
				res.Usage.Cached.add(out.usage)
			} else {
				res.Usage.New.add(out.usage)
			}
		}
		iv.setPhase(q, Recorded)
	}

	res.Skipped = flow.Skipped()
	res.Cost = res.Usage.Cost(iv.Model.Pricing)
	return res, nil
}

func (iv *Interview) setPhase(q *question.Question, p Phase) {
	iv.phase = p
	iv.log.Debug("question phase", "question", q.Name, "phase", p.String(), "strategy", iv.strategies[q.Name].String())
}

// fail builds the interview-fatal error for q.
func (iv *Interview) fail(q *question.Question, kind string, err error) *Error {
	iv.log.Warn("interview failed", "question", q.Name, "phase", iv.phase.String(), "kind", kind, "error", err)
	return &Error{
		Exception: history.Exception{
			Index:    iv.Index,
			Question: q.Name,
			Kind:     kind,
			Message:  err.Error(),
			At:       time.Now(),
		},
		Err: err,
	}
}

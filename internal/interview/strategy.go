package interview

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kalambet/panel/internal/cache"
	"github.com/kalambet/panel/internal/history"
	"github.com/kalambet/panel/internal/prompt"
	"github.com/kalambet/panel/internal/provider"
	"github.com/kalambet/panel/internal/question"
)

// Strategy is how one question gets answered.
type Strategy int

const (
	// StrategyModel calls the provider through the bucket and cache.
	StrategyModel Strategy = iota
	// StrategyDebug answers with a random valid answer.
	StrategyDebug
	// StrategyFunctional computes the answer from scenario and traits.
	StrategyFunctional
	// StrategyDirect asks the agent's DirectAnswerer.
	StrategyDirect
)

func (s Strategy) String() string {
	switch s {
	case StrategyModel:
		return "model"
	case StrategyDebug:
		return "debug"
	case StrategyFunctional:
		return "functional"
	case StrategyDirect:
		return "direct"
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// selectStrategy picks the strategy for q from explicit capabilities, in
// priority order: job debug flag, functional question, direct answerer.
func (iv *Interview) selectStrategy(q *question.Question) Strategy {
	switch {
	case iv.deps.Debug:
		return StrategyDebug
	case q.IsFunctional():
		return StrategyFunctional
	case iv.Agent.Answerer != nil:
		return StrategyDirect
	default:
		return StrategyModel
	}
}

// outcome is one answered question before it is recorded.
type outcome struct {
	answer   question.Answer
	raw      string
	cacheKey string
	cached   bool
	usage    provider.Usage
}

func (iv *Interview) answer(ctx context.Context, q *question.Question, p prompt.Prompts) (outcome, error) {
	switch iv.strategies[q.Name] {
	case StrategyDebug:
		raw := q.Simulate(iv.rng)
		ans, err := q.Decode(raw)
		if err != nil {
			return outcome{}, iv.fail(q, history.KindInternal, err)
		}
		return outcome{answer: ans, raw: raw}, nil

	case StrategyFunctional:
		v, err := q.Func(iv.Scenario, iv.Agent.TraitsFor(q))
		if err != nil {
			return outcome{}, iv.fail(q, history.KindInternal, err)
		}
		ans, err := q.ValidateValue(v)
		if err != nil {
			return outcome{}, iv.fail(q, history.KindValidation, err)
		}
		return outcome{answer: ans}, nil

	case StrategyDirect:
		v, err := iv.Agent.Answerer.AnswerDirectly(ctx, q, iv.Scenario)
		if err != nil {
			if ctx.Err() != nil {
				return outcome{}, ctx.Err()
			}
			return outcome{}, iv.fail(q, history.KindInternal, err)
		}
		ans, err := q.ValidateValue(v)
		if err != nil {
			return outcome{}, iv.fail(q, history.KindValidation, err)
		}
		return outcome{answer: ans}, nil
	}
	return iv.askModel(ctx, q, p)
}

// askModel runs the provider-backed cycle: acquire capacity, consult the
// cache, call on a miss, then decode.
func (iv *Interview) askModel(ctx context.Context, q *question.Question, p prompt.Prompts) (outcome, error) {
	estimate := float64(prompt.EstimateTokens(p.System) + prompt.EstimateTokens(p.User))
	pair := iv.deps.Buckets.For(iv.Model)
	if err := pair.Acquire(ctx, estimate); err != nil {
		if ctx.Err() != nil {
			return outcome{}, ctx.Err()
		}
		return outcome{}, iv.fail(q, history.KindInternal, err)
	}

	iv.setPhase(q, AwaitingAnswer)
	req := cache.Request{Model: iv.Model.ID(), Params: iv.Model.Params, System: p.System, User: p.User}
	lookup, err := iv.deps.Cache.Fetch(ctx, req, func(ctx context.Context) (string, error) {
		cctx, cancel := context.WithTimeout(ctx, iv.deps.Timeout)
		defer cancel()
		resp, err := iv.Model.Call(cctx, p.System, p.User)
		if err != nil {
			return "", err
		}
		b, err := json.Marshal(resp)
		if err != nil {
			return "", fmt.Errorf("encoding response: %w", err)
		}
		return string(b), nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return outcome{}, ctx.Err()
		}
		kind := history.KindProvider
		var perr *provider.Error
		if errors.As(err, &perr) && perr.Timeout {
			kind = history.KindTimeout
		}
		return outcome{}, iv.fail(q, kind, err)
	}
	if lookup.Cached {
		pair.Refund(estimate)
	}

	resp := decodeOutput(lookup.Entry.Output)
	ans, err := q.Decode(resp.Text)
	if err != nil {
		return outcome{}, iv.fail(q, history.KindValidation, err)
	}
	return outcome{
		answer:   ans,
		raw:      resp.Text,
		cacheKey: lookup.Entry.Key,
		cached:   lookup.Cached,
		usage:    resp.Usage,
	}, nil
}

// decodeOutput reads a cached provider response. Entries written by other
// clients may hold bare text.
func decodeOutput(output string) provider.Response {
	var resp provider.Response
	if err := json.Unmarshal([]byte(output), &resp); err != nil || (resp.Text == "" && len(resp.Raw) == 0) {
		return provider.Response{Text: output}
	}
	return resp
}

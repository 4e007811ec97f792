package jobs

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/panel/internal/agent"
	"github.com/kalambet/panel/internal/history"
	"github.com/kalambet/panel/internal/interview"
	"github.com/kalambet/panel/internal/provider"
	"github.com/kalambet/panel/internal/question"
	"github.com/kalambet/panel/internal/scenario"
	"github.com/kalambet/panel/internal/storage"
	"github.com/kalambet/panel/internal/survey"
)

func mustSurvey(t *testing.T, qs ...*question.Question) *survey.Survey {
	t.Helper()
	s, err := survey.New(qs...)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func mustAgent(t *testing.T, traits map[string]any) *agent.Agent {
	t.Helper()
	a, err := agent.New(traits)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func funcModel(name string, fn provider.Func) *provider.Model {
	return &provider.Model{Service: "test", Name: name, Provider: fn}
}

func freeText(name, text string) *question.Question {
	return question.MustNew(question.Definition{Name: name, Type: question.FreeText, Text: text})
}

// numberedJob asks "Value {{ n }}" over n scenarios, one interview each.
func numberedJob(t *testing.T, n int, fn provider.Func) *Job {
	t.Helper()
	scenarios := make([]scenario.Scenario, n)
	for i := range n {
		scenarios[i] = scenario.Scenario{"n": i}
	}
	j := New(mustSurvey(t, freeText("v", "Value {{ n }}")))
	j.ByScenarios(scenarios...).ByModels(funcModel("scripted", fn))
	return j
}

func TestInterviews_Sizing(t *testing.T) {
	j := New(mustSurvey(t, freeText("q", "Hi")))
	if _, err := j.ByAgents(mustAgent(t, map[string]any{"a": 1}), mustAgent(t, map[string]any{"a": 2})); err != nil {
		t.Fatal(err)
	}
	j.ByScenarios(scenario.Scenario{"x": 1}, scenario.Scenario{"x": 2}, scenario.Scenario{"x": 3})
	j.ByModels(funcModel("m1", nil), funcModel("m2", nil))

	ivs, err := j.Interviews(2, interview.Deps{})
	if err != nil {
		t.Fatal(err)
	}
	if len(ivs) != 2*3*2*2 || j.Size(2) != len(ivs) {
		t.Fatalf("got %d interviews, Size = %d, want 24", len(ivs), j.Size(2))
	}
	for i, iv := range ivs {
		if iv.Index != i {
			t.Errorf("interview %d has index %d", i, iv.Index)
		}
		if iv.Iteration != i%2 {
			t.Errorf("interview %d has iteration %d", i, iv.Iteration)
		}
	}
}

func TestInterviews_Defaults(t *testing.T) {
	j := New(mustSurvey(t, freeText("q", "Hi")))
	ivs, err := j.Interviews(0, interview.Deps{})
	if err != nil {
		t.Fatal(err)
	}
	if len(ivs) != 1 {
		t.Fatalf("got %d interviews, want 1", len(ivs))
	}
	if ivs[0].Model.ID() != "test/canned" {
		t.Errorf("default model = %s", ivs[0].Model.ID())
	}
	if len(ivs[0].Agent.Traits) != 0 || len(ivs[0].Scenario) != 0 {
		t.Error("defaults should be an empty agent and scenario")
	}
}

func TestByAgents_CrossCombine(t *testing.T) {
	j := New(mustSurvey(t, freeText("q", "Hi")))
	j.ByAgents(mustAgent(t, map[string]any{"age": 20}), mustAgent(t, map[string]any{"age": 30}))
	if _, err := j.ByAgents(mustAgent(t, map[string]any{"city": "Oslo"}), mustAgent(t, map[string]any{"city": "Rome"})); err != nil {
		t.Fatal(err)
	}
	if len(j.Agents) != 4 {
		t.Fatalf("got %d agents, want 4", len(j.Agents))
	}
	if got := j.Agents[1].Traits; got["age"] != 20 || got["city"] != "Rome" {
		t.Errorf("agent 1 traits = %v", got)
	}

	_, err := j.ByAgents(mustAgent(t, map[string]any{"age": 40}))
	var cerr *agent.CombinationError
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want *agent.CombinationError", err)
	}
}

func TestByScenarios_CrossMerge(t *testing.T) {
	j := New(mustSurvey(t, freeText("q", "Hi")))
	j.ByScenarios(scenario.Scenario{"a": 1}, scenario.Scenario{"a": 2})
	j.ByScenarios(scenario.Scenario{"b": "x"})
	if len(j.Scenarios) != 2 || j.Scenarios[1]["a"] != 2 || j.Scenarios[1]["b"] != "x" {
		t.Errorf("scenarios = %v", j.Scenarios)
	}
}

func TestRun_AllCombinations(t *testing.T) {
	j := New(mustSurvey(t, freeText("q", "Say something")))
	j.ByAgents(mustAgent(t, map[string]any{"a": 1}), mustAgent(t, map[string]any{"a": 2}))
	j.ByScenarios(scenario.Scenario{"s": 1}, scenario.Scenario{"s": 2})

	r := &Runner{Options: Options{Iterations: 3}}
	res, err := r.Run(context.Background(), j)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Len() != 12 {
		t.Errorf("got %d results, want 12", res.Len())
	}
	if c := res.History.Counts(); c.Completed != 12 || c.Total() != 12 {
		t.Errorf("counts = %+v", c)
	}
	if !res.History.Frozen() {
		t.Error("history should be frozen after the run")
	}
}

func TestRun_StopOnException(t *testing.T) {
	j := numberedJob(t, 10, func(ctx context.Context, req provider.Request) (*provider.Response, error) {
		if strings.HasPrefix(req.User, "Value 3\n") {
			return nil, errors.New("boom")
		}
		<-ctx.Done()
		return nil, ctx.Err()
	})

	r := &Runner{Options: Options{StopOnException: true}}
	res, err := r.Run(context.Background(), j)
	if !errors.Is(err, ErrJobAborted) {
		t.Fatalf("err = %v, want ErrJobAborted", err)
	}
	if res == nil {
		t.Fatal("aborted runs still return results")
	}
	if res.Len() >= 10 {
		t.Errorf("got %d results, want fewer than 10", res.Len())
	}
	if got := res.History.FailedIndices(); len(got) != 1 || got[0] != 3 {
		t.Errorf("failed indices = %v, want [3]", got)
	}
	c := res.History.Counts()
	if c.Failed != 1 || c.Cancelled != 9 || c.Running != 0 || c.NotStarted != 0 {
		t.Errorf("counts = %+v", c)
	}
	if ex := res.History.Exceptions(); ex[0].Kind != history.KindProvider {
		t.Errorf("exception kind = %s", ex[0].Kind)
	}
}

func TestRun_ContinueOnException(t *testing.T) {
	j := numberedJob(t, 10, func(ctx context.Context, req provider.Request) (*provider.Response, error) {
		if strings.HasPrefix(req.User, "Value 3\n") {
			return &provider.Response{Text: `{"answer": ""}`}, nil
		}
		return &provider.Response{Text: `{"answer": "fine"}`}, nil
	})

	res, err := (&Runner{}).Run(context.Background(), j)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Len() != 9 {
		t.Errorf("got %d results, want 9", res.Len())
	}
	ex := res.History.Exceptions()
	if len(ex) != 1 || ex[0].Index != 3 || ex[0].Kind != history.KindValidation {
		t.Errorf("exceptions = %+v", ex)
	}
}

func TestRun_CallerCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	j := numberedJob(t, 5, func(c context.Context, req provider.Request) (*provider.Response, error) {
		<-c.Done()
		return nil, c.Err()
	})

	run, err := (&Runner{}).Stream(ctx, j)
	if err != nil {
		t.Fatal(err)
	}
	cancel()
	res, err := run.Wait()
	if !errors.Is(err, ErrJobAborted) || !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if res.Len() != 0 || res.History.Counts().Cancelled != 5 {
		t.Errorf("results = %d, counts = %+v", res.Len(), res.History.Counts())
	}
}

func TestRun_TwoAgentsEndToEnd(t *testing.T) {
	s := mustSurvey(t,
		freeText("q1", "Describe your morning."),
		question.MustNew(question.Definition{Name: "q2", Type: question.Numerical, Text: "How happy are you, from 0 to 100?", Min: question.Float(0), Max: question.Float(100)}),
	)
	m := funcModel("scripted", func(ctx context.Context, req provider.Request) (*provider.Response, error) {
		joyful := strings.Contains(req.System, "mood: joyful")
		switch {
		case strings.HasPrefix(req.User, "Describe"):
			if joyful {
				return &provider.Response{Text: `{"answer": "Sunny and bright"}`}, nil
			}
			return &provider.Response{Text: `{"answer": "Grey and slow"}`}, nil
		default:
			if joyful {
				return &provider.Response{Text: `{"answer": 90}`}, nil
			}
			return &provider.Response{Text: `{"answer": 20}`}, nil
		}
	})

	j := New(s)
	j.ByAgents(mustAgent(t, map[string]any{"mood": "joyful"}), mustAgent(t, map[string]any{"mood": "sad"}))
	j.ByModels(m)

	var (
		mu        sync.Mutex
		snapshots []history.Snapshot
	)
	r := &Runner{Options: Options{
		ProgressInterval: time.Millisecond,
		Progress: func(s history.Snapshot) {
			mu.Lock()
			snapshots = append(snapshots, s)
			mu.Unlock()
		},
	}}
	run, err := r.Stream(context.Background(), j)
	if err != nil {
		t.Fatal(err)
	}
	streamed := 0
	for range run.Results() {
		streamed++
	}
	res, err := run.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if streamed != 2 || res.Len() != 2 {
		t.Fatalf("streamed %d, results %d, want 2", streamed, res.Len())
	}
	for _, r := range res.Results {
		if _, ok := r.Answers["q1"].(string); !ok {
			t.Errorf("result %d q1 = %v", r.Index, r.Answers["q1"])
		}
		want := 20.0
		if r.Agent["mood"] == "joyful" {
			want = 90
		}
		if r.Answers["q2"] != want {
			t.Errorf("result %d q2 = %v, want %v", r.Index, r.Answers["q2"], want)
		}
	}
	if c := res.History.Counts(); c.Completed != 2 || c.Failed != 0 {
		t.Errorf("counts = %+v", c)
	}
	if res.History.HasFailures() {
		t.Error("unexpected failures")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(snapshots) == 0 || snapshots[len(snapshots)-1].Counts.Completed != 2 {
		t.Errorf("final snapshot missing: %+v", snapshots)
	}
}

type memRunStore struct {
	mu   sync.Mutex
	runs []storage.JobRun
}

func (m *memRunStore) SaveJobRun(ctx context.Context, run storage.JobRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}

func TestRun_Persisted(t *testing.T) {
	j := numberedJob(t, 4, func(ctx context.Context, req provider.Request) (*provider.Response, error) {
		if strings.HasPrefix(req.User, "Value 2\n") {
			return nil, &provider.Error{Service: "test", Model: "scripted", Status: 503}
		}
		return &provider.Response{Text: `{"answer": "ok"}`}, nil
	})

	store := &memRunStore{}
	res, err := (&Runner{Store: store, Options: Options{Source: "jobs/demo.yaml"}}).Run(context.Background(), j)
	if err != nil {
		t.Fatal(err)
	}

	if len(store.runs) != 1 {
		t.Fatalf("saved %d runs, want 1", len(store.runs))
	}
	run := store.runs[0]
	if run.ID != res.JobID || run.Source != "jobs/demo.yaml" || run.Status != "completed" {
		t.Errorf("run = %+v", run)
	}
	if run.Interviews != 4 || run.Completed != 3 || run.Failed != 1 {
		t.Errorf("counts = %d/%d/%d", run.Interviews, run.Completed, run.Failed)
	}
	if len(run.Records) != 4 || len(run.Exceptions) != 1 || run.Exceptions[0].Index != 2 {
		t.Errorf("records = %d, exceptions = %+v", len(run.Records), run.Exceptions)
	}
}

func TestResults_ColumnsAndJSONL(t *testing.T) {
	j := New(mustSurvey(t, freeText("q1", "One"), freeText("q2", "Two")))
	res, err := (&Runner{Options: Options{Iterations: 2}}).Run(context.Background(), j)
	if err != nil {
		t.Fatal(err)
	}

	cols := res.Columns()
	if len(cols) != 10 || cols[0] != "q1" || cols[4] != "q1_raw_model_response" || cols[5] != "q2" {
		t.Errorf("columns = %v", cols)
	}

	var buf bytes.Buffer
	if err := res.WriteJSONL(&buf); err != nil {
		t.Fatal(err)
	}
	lines := 0
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		var row map[string]any
		if err := json.Unmarshal(sc.Bytes(), &row); err != nil {
			t.Fatalf("line %d: %v", lines, err)
		}
		if _, ok := row["answer"]; !ok {
			t.Errorf("line %d has no answer field", lines)
		}
		lines++
	}
	if lines != 2 {
		t.Errorf("wrote %d lines, want 2", lines)
	}
	// The canned default answers both iterations with one call per question
	// when no cache is configured, so every key is new.
	if len(res.NewCacheKeys) != 2 {
		t.Errorf("new cache keys = %v", res.NewCacheKeys)
	}

	sum, err := res.Summary()
	if err != nil {
		t.Fatal(err)
	}
	if sum.Results != 2 || sum.Counts.Completed != 2 || sum.NewCacheKeys != 2 || sum.Aborted {
		t.Errorf("summary = %+v", sum)
	}
	if sum.Durations.Count != 2 {
		t.Errorf("durations count = %d, want 2", sum.Durations.Count)
	}
}

func TestRun_LogsRejectedHistoryUpdates(t *testing.T) {
	var buf bytes.Buffer
	run := &Run{
		ID:      "job-1",
		log:     slog.New(slog.NewTextHandler(&buf, nil)),
		history: history.New(),
	}

	run.transition(7, history.Running)
	run.fail(history.Exception{Index: 9, Kind: history.KindProvider, Message: "boom"})

	out := buf.String()
	for _, want := range []string{
		"task history rejected transition",
		"interview=7",
		"task history rejected failure",
		"interview=9",
		"job=job-1",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}
}

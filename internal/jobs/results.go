package jobs

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/kalambet/panel/internal/history"
	"github.com/kalambet/panel/internal/interview"
	"github.com/kalambet/panel/internal/storage"
	"github.com/kalambet/panel/internal/survey"
)

// Results is the output of a run: completed interviews in completion order
// plus run metadata.
type Results struct {
	JobID   string
	Source  string
	Survey  *survey.Survey
	Results []*interview.Result
	History *history.History
	// NewCacheKeys are the fingerprints whose responses this run fetched
	// from a provider.
	NewCacheKeys []string
	Usage        interview.Usage
	Cost         float64
	Aborted      bool

	StartedAt  time.Time
	FinishedAt time.Time
}

func newResults(run *Run) *Results {
	run.mu.Lock()
	collected := append([]*interview.Result(nil), run.collected...)
	run.mu.Unlock()

	out := &Results{
		JobID:      run.ID,
		Source:     run.opts.Source,
		Survey:     run.job.Survey,
		Results:    collected,
		History:    run.history,
		Aborted:    run.err != nil,
		StartedAt:  run.started,
		FinishedAt: time.Now(),
	}

	seen := make(map[string]bool)
	for _, res := range collected {
		out.Usage.Add(res.Usage)
		out.Cost += res.Cost
		for q, key := range res.CacheKeys {
			if !res.CacheUsed[q] && !seen[key] {
				seen[key] = true
				out.NewCacheKeys = append(out.NewCacheKeys, key)
			}
		}
	}
	sort.Strings(out.NewCacheKeys)
	return out
}

// Len is the number of completed interviews.
func (r *Results) Len() int { return len(r.Results) }

// Columns lists the per-question fields of a result row in survey order.
func (r *Results) Columns() []string {
	if r.Survey == nil {
		return nil
	}
	names := r.Survey.Names()
	cols := make([]string, 0, len(names)*5)
	for _, n := range names {
		cols = append(cols,
			n,
			n+"_comment",
			n+"_user_prompt",
			n+"_system_prompt",
			n+"_raw_model_response",
		)
	}
	return cols
}

// WriteJSONL writes one JSON object per result.
func (r *Results) WriteJSONL(w io.Writer) error {
	enc := json.NewEncoder(w)
	for _, res := range r.Results {
		if err := enc.Encode(res); err != nil {
			return fmt.Errorf("encoding result %d: %w", res.Index, err)
		}
	}
	return nil
}

// JobRun converts the results to their persisted form.
func (r *Results) JobRun() storage.JobRun {
	status := "completed"
	if r.Aborted {
		status = "aborted"
	}
	counts := r.History.Counts()
	run := storage.JobRun{
		ID:         r.JobID,
		Source:     r.Source,
		Status:     status,
		Interviews: counts.Total(),
		Completed:  counts.Completed,
		Failed:     counts.Failed,
		Cancelled:  counts.Cancelled,
		Cost:       r.Cost,
		StartedAt:  r.StartedAt.UTC(),
		FinishedAt: r.FinishedAt.UTC(),
	}
	for _, rec := range r.History.Records() {
		run.Records = append(run.Records, storage.TaskRecord{
			Index:      rec.Index,
			Status:     rec.Status.String(),
			Agent:      rec.Labels.Agent,
			Scenario:   rec.Labels.Scenario,
			Model:      rec.Labels.Model,
			Iteration:  rec.Labels.Iteration,
			StartedAt:  rec.StartedAt,
			FinishedAt: rec.FinishedAt,
		})
	}
	for _, e := range r.History.Exceptions() {
		run.Exceptions = append(run.Exceptions, storage.TaskException{
			Index:    e.Index,
			Question: e.Question,
			Kind:     e.Kind,
			Message:  e.Message,
			At:       e.At,
		})
	}
	return run
}

// Summary is a compact report of a run.
type Summary struct {
	JobID        string                  `json:"job_id"`
	Aborted      bool                    `json:"aborted"`
	Counts       history.Counts          `json:"counts"`
	Results      int                     `json:"results"`
	NewCacheKeys int                     `json:"new_cache_keys"`
	Usage        interview.Usage         `json:"usage"`
	Cost         float64                 `json:"cost"`
	Elapsed      time.Duration           `json:"elapsed"`
	Durations    history.DurationSummary `json:"durations"`
	Exceptions   []history.Exception     `json:"exceptions,omitempty"`
}

// Summary reports counts, usage and exceptions.
func (r *Results) Summary() (Summary, error) {
	d, err := r.History.Durations()
	if err != nil {
		return Summary{}, fmt.Errorf("summarizing durations: %w", err)
	}
	return Summary{
		JobID:        r.JobID,
		Aborted:      r.Aborted,
		Counts:       r.History.Counts(),
		Results:      r.Len(),
		NewCacheKeys: len(r.NewCacheKeys),
		Usage:        r.Usage,
		Cost:         r.Cost,
		Elapsed:      r.FinishedAt.Sub(r.StartedAt),
		Durations:    d,
		Exceptions:   r.History.Exceptions(),
	}, nil
}

// Package history records the lifecycle of every interview in a job run.
package history

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/montanaflynn/stats"
)

// Status is an interview's lifecycle state.
type Status int

const (
	NotStarted Status = iota
	Running
	Completed
	Failed
	Cancelled
)

var statusNames = [...]string{"not_started", "running", "completed", "failed", "cancelled"}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// ParseStatus is the inverse of String.
func ParseStatus(s string) (Status, error) {
	for i, n := range statusNames {
		if n == s {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", s)
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool { return s >= Completed }

// rank orders states; a transition must strictly increase it.
func (s Status) rank() int {
	switch s {
	case NotStarted:
		return 0
	case Running:
		return 1
	default:
		return 2
	}
}

var (
	// ErrFrozen is returned by mutations after Freeze.
	ErrFrozen = errors.New("history is frozen")
	// ErrUnknownInterview is returned for an index that was never registered.
	ErrUnknownInterview = errors.New("unknown interview")
)

// Exception kinds.
const (
	KindValidation = "validation"
	KindProvider   = "provider"
	KindTimeout    = "timeout"
	KindInternal   = "internal"
)

// Exception is a fatal error of one interview.
type Exception struct {
	Index    int       `json:"index"`
	Question string    `json:"question,omitempty"`
	Kind     string    `json:"kind"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}

// Labels describe which combination an interview runs.
type Labels struct {
	Agent     string `json:"agent"`
	Scenario  string `json:"scenario"`
	Model     string `json:"model"`
	Iteration int    `json:"iteration"`
}

// Record is the lifecycle of one interview.
type Record struct {
	Index      int        `json:"index"`
	Labels     Labels     `json:"labels"`
	Status     Status     `json:"status"`
	StartedAt  time.Time  `json:"started_at,omitzero"`
	FinishedAt time.Time  `json:"finished_at,omitzero"`
	Exception  *Exception `json:"exception,omitempty"`
}

// Duration is how long the interview ran, or zero if it never started.
func (r Record) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Counts are per-status totals.
type Counts struct {
	NotStarted int `json:"not_started"`
	Running    int `json:"running"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}

// Total is the number of interviews counted.
func (c Counts) Total() int {
	return c.NotStarted + c.Running + c.Completed + c.Failed + c.Cancelled
}

// Done is the number in a terminal state.
func (c Counts) Done() int {
	return c.Completed + c.Failed + c.Cancelled
}

func (c *Counts) add(s Status, n int) {
	switch s {
	case NotStarted:
		c.NotStarted += n
	case Running:
		c.Running += n
	case Completed:
		c.Completed += n
	case Failed:
		c.Failed += n
	case Cancelled:
		c.Cancelled += n
	}
}

// Snapshot is the per-status count at a point of the run.
type Snapshot struct {
	Elapsed time.Duration `json:"elapsed"`
	Counts  Counts        `json:"counts"`
}

// History aggregates one Record per interview. It is append-only while a run
// is in progress and read-only after Freeze. Safe for concurrent use.
type History struct {
	mu         sync.RWMutex
	records    map[int]*Record
	counts     Counts
	exceptions []Exception
	timeline   []Snapshot
	frozen     bool
	now        func() time.Time
}

// New creates an empty history.
func New() *History {
	return &History{records: make(map[int]*Record), now: time.Now}
}

// Register adds interview index in NotStarted.
func (h *History) Register(index int, labels Labels) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.frozen {
		return ErrFrozen
	}
	if _, ok := h.records[index]; ok {
		return fmt.Errorf("interview %d already registered", index)
	}
	h.records[index] = &Record{Index: index, Labels: labels, Status: NotStarted}
	h.counts.add(NotStarted, 1)
	return nil
}

// Transition moves interview index to s. Status never regresses: a
// transition that does not advance the lifecycle is an error.
func (h *History) Transition(index int, s Status) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.transition(index, s)
}

func (h *History) transition(index int, s Status) error {
	if h.frozen {
		return ErrFrozen
	}
	r, ok := h.records[index]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownInterview, index)
	}
	if s.rank() <= r.Status.rank() {
		return fmt.Errorf("interview %d: invalid transition %s -> %s", index, r.Status, s)
	}

	now := h.now()
	if s == Running {
		r.StartedAt = now
	}
	if s.Terminal() && !r.StartedAt.IsZero() {
		r.FinishedAt = now
	}
	h.counts.add(r.Status, -1)
	h.counts.add(s, 1)
	r.Status = s
	return nil
}

// Fail records e and moves interview e.Index to Failed.
func (h *History) Fail(e Exception) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e.At.IsZero() {
		e.At = h.now()
	}
	if err := h.transition(e.Index, Failed); err != nil {
		return err
	}
	h.records[e.Index].Exception = &e
	h.exceptions = append(h.exceptions, e)
	return nil
}

// Log appends a snapshot of the current counts.
func (h *History) Log(elapsed time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.frozen {
		return ErrFrozen
	}
	h.timeline = append(h.timeline, Snapshot{Elapsed: elapsed, Counts: h.counts})
	return nil
}

// Snapshot returns the current counts without logging them.
func (h *History) Snapshot(elapsed time.Duration) Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Snapshot{Elapsed: elapsed, Counts: h.counts}
}

// Timeline returns the logged snapshots in order.
func (h *History) Timeline() []Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Snapshot(nil), h.timeline...)
}

// Exceptions returns every exception ordered by interview index.
func (h *History) Exceptions() []Exception {
	h.mu.RLock()
	out := append([]Exception(nil), h.exceptions...)
	h.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// HasFailures reports whether any interview failed.
func (h *History) HasFailures() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.counts.Failed > 0
}

// FailedIndices returns the indices of failed interviews, ascending.
func (h *History) FailedIndices() []int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []int
	for i, r := range h.records {
		if r.Status == Failed {
			out = append(out, i)
		}
	}
	sort.Ints(out)
	return out
}

// Counts returns the current per-status totals.
func (h *History) Counts() Counts {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.counts
}

// Freeze makes the history read-only.
func (h *History) Freeze() {
	h.mu.Lock()
	h.frozen = true
	h.mu.Unlock()
}

// Frozen reports whether Freeze was called.
func (h *History) Frozen() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.frozen
}

// Record returns a copy of the record for index.
func (h *History) Record(index int) (Record, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.records[index]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// Records returns copies of all records ordered by index.
func (h *History) Records() []Record {
	h.mu.RLock()
	out := make([]Record, 0, len(h.records))
	for _, r := range h.records {
		out = append(out, *r)
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// DurationSummary describes how long finished interviews ran.
type DurationSummary struct {
	Count  int           `json:"count"`
	Mean   time.Duration `json:"mean"`
	Median time.Duration `json:"median"`
	P95    time.Duration `json:"p95"`
	Max    time.Duration `json:"max"`
}

// Durations summarizes the run time of interviews that started and reached a
// terminal state. It returns a zero summary when there are none.
func (h *History) Durations() (DurationSummary, error) {
	var data stats.Float64Data
	for _, r := range h.Records() {
		if r.Status.Terminal() && !r.StartedAt.IsZero() {
			data = append(data, float64(r.Duration()))
		}
	}
	if len(data) == 0 {
		return DurationSummary{}, nil
	}

	mean, err := stats.Mean(data)
	if err != nil {
		return DurationSummary{}, err
	}
	median, err := stats.Median(data)
	if err != nil {
		return DurationSummary{}, err
	}
	p95, err := stats.Percentile(data, 95)
	if err != nil {
		return DurationSummary{}, err
	}
	maxv, err := stats.Max(data)
	if err != nil {
		return DurationSummary{}, err
	}
	return DurationSummary{
		Count:  len(data),
		Mean:   time.Duration(mean),
		Median: time.Duration(median),
		P95:    time.Duration(p95),
		Max:    time.Duration(maxv),
	}, nil
}

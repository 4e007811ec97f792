package history

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHistory(t *testing.T, n int) (*History, *time.Time) {
	t.Helper()
	h := New()
	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return clock }
	for i := range n {
		require.NoError(t, h.Register(i, Labels{Model: "test/echo"}))
	}
	return h, &clock
}

func TestTransition_Monotonic(t *testing.T) {
	h, _ := testHistory(t, 1)

	require.NoError(t, h.Transition(0, Running))
	assert.Error(t, h.Transition(0, Running), "same status is not an advance")
	assert.Error(t, h.Transition(0, NotStarted), "regression")
	require.NoError(t, h.Transition(0, Completed))
	assert.Error(t, h.Transition(0, Failed), "terminal to terminal")
	assert.Error(t, h.Transition(0, Running), "terminal to running")

	r, ok := h.Record(0)
	require.True(t, ok)
	assert.Equal(t, Completed, r.Status)
}

func TestTransition_Unknown(t *testing.T) {
	h, _ := testHistory(t, 0)
	assert.ErrorIs(t, h.Transition(7, Running), ErrUnknownInterview)
}

func TestRegister_Duplicate(t *testing.T) {
	h, _ := testHistory(t, 1)
	assert.Error(t, h.Register(0, Labels{}))
}

func TestNeverStartedCancel(t *testing.T) {
	h, _ := testHistory(t, 1)
	require.NoError(t, h.Transition(0, Cancelled))

	r, _ := h.Record(0)
	assert.True(t, r.StartedAt.IsZero())
	assert.True(t, r.FinishedAt.IsZero())
	assert.Zero(t, r.Duration())
}

func TestFail(t *testing.T) {
	h, _ := testHistory(t, 3)
	for i := range 3 {
		require.NoError(t, h.Transition(i, Running))
	}
	require.NoError(t, h.Fail(Exception{Index: 2, Question: "q1", Kind: KindValidation, Message: "bad code"}))
	require.NoError(t, h.Fail(Exception{Index: 0, Question: "q2", Kind: KindProvider, Message: "HTTP 500"}))
	require.NoError(t, h.Transition(1, Completed))

	assert.True(t, h.HasFailures())
	assert.Equal(t, []int{0, 2}, h.FailedIndices())

	ex := h.Exceptions()
	require.Len(t, ex, 2)
	assert.Equal(t, 0, ex[0].Index)
	assert.Equal(t, "q1", ex[1].Question)
	assert.False(t, ex[0].At.IsZero())

	r, _ := h.Record(2)
	require.NotNil(t, r.Exception)
	assert.Equal(t, KindValidation, r.Exception.Kind)

	assert.Equal(t, Counts{Completed: 1, Failed: 2}, h.Counts())
}

func TestFail_AfterTerminal(t *testing.T) {
	h, _ := testHistory(t, 1)
	require.NoError(t, h.Transition(0, Cancelled))
	assert.Error(t, h.Fail(Exception{Index: 0, Kind: KindInternal}))
	assert.Empty(t, h.Exceptions())
}

func TestLogAndTimeline(t *testing.T) {
	h, _ := testHistory(t, 2)
	require.NoError(t, h.Log(0))
	require.NoError(t, h.Transition(0, Running))
	require.NoError(t, h.Log(time.Second))
	require.NoError(t, h.Transition(0, Completed))
	require.NoError(t, h.Transition(1, Cancelled))
	require.NoError(t, h.Log(2*time.Second))

	tl := h.Timeline()
	require.Len(t, tl, 3)
	assert.Equal(t, Counts{NotStarted: 2}, tl[0].Counts)
	assert.Equal(t, Counts{NotStarted: 1, Running: 1}, tl[1].Counts)
	assert.Equal(t, Counts{Completed: 1, Cancelled: 1}, tl[2].Counts)
	assert.Equal(t, 2, tl[2].Counts.Done())
	assert.Equal(t, 2, tl[2].Counts.Total())
}

func TestFreeze(t *testing.T) {
	h, _ := testHistory(t, 1)
	h.Freeze()

	assert.True(t, h.Frozen())
	assert.ErrorIs(t, h.Transition(0, Running), ErrFrozen)
	assert.ErrorIs(t, h.Register(1, Labels{}), ErrFrozen)
	assert.ErrorIs(t, h.Log(0), ErrFrozen)
	assert.ErrorIs(t, h.Fail(Exception{Index: 0}), ErrFrozen)

	// Reads still work.
	assert.Len(t, h.Records(), 1)
}

func TestDurations(t *testing.T) {
	h, clock := testHistory(t, 4)
	for i := range 4 {
		require.NoError(t, h.Transition(i, Running))
	}
	for i := range 3 {
		*clock = clock.Add(time.Second)
		require.NoError(t, h.Transition(i, Completed))
	}
	// Interview 3 is still running and not counted.

	d, err := h.Durations()
	require.NoError(t, err)
	assert.Equal(t, 3, d.Count)
	assert.Equal(t, 2*time.Second, d.Mean)
	assert.Equal(t, 2*time.Second, d.Median)
	assert.Equal(t, 3*time.Second, d.Max)
}

func TestDurations_Empty(t *testing.T) {
	h, _ := testHistory(t, 2)
	d, err := h.Durations()
	require.NoError(t, err)
	assert.Equal(t, DurationSummary{}, d)
}

func TestStatusJSON(t *testing.T) {
	b, err := json.Marshal(Record{Index: 1, Status: Cancelled})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"status":"cancelled"`)
	assert.NotContains(t, string(b), "started_at")

	var r Record
	require.NoError(t, json.Unmarshal(b, &r))
	assert.Equal(t, Cancelled, r.Status)
}

func TestConcurrentUpdates(t *testing.T) {
	h := New()
	const n = 200
	for i := range n {
		require.NoError(t, h.Register(i, Labels{}))
	}
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Transition(i, Running)
			if i%10 == 0 {
				h.Fail(Exception{Index: i, Kind: KindProvider})
			} else {
				h.Transition(i, Completed)
			}
		}()
	}
	wg.Wait()

	c := h.Counts()
	assert.Equal(t, n/10, c.Failed)
	assert.Equal(t, n-n/10, c.Completed)
	assert.Len(t, h.Exceptions(), n/10)
}

package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// JobRun is one persisted job execution.
type JobRun struct {
	ID         string
	Source     string // job file path, if any
	Status     string // "completed", "aborted"
	Interviews int
	Completed  int
	Failed     int
	Cancelled  int
	Cost       float64
	StartedAt  time.Time
	FinishedAt time.Time

	// Filled by GetJobRun only.
	Records    []TaskRecord
	Exceptions []TaskException
}

type TaskRecord struct {
	Index      int
	Status     string
	Agent      string
	Scenario   string
	Model      string
	Iteration  int
	StartedAt  time.Time
	FinishedAt time.Time
}

type TaskException struct {
	Index    int
	Question string
	Kind     string
	Message  string
	At       time.Time
}

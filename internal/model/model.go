package model

import (
	"errors"
	"time"
)

// Queue names the two independent job channels. Each has its own consumer
// logic but an identical lifecycle.
type Queue string

const (
	QueueSuggestions Queue = "suggestions"
	QueueCode        Queue = "code"
)

// ParseQueue validates a caller-supplied queue name.
func ParseQueue(raw string) (Queue, bool) {
	switch Queue(raw) {
	case QueueSuggestions, QueueCode:
		return Queue(raw), true
	}
	return "", false
}

type JobState string

const (
	StateWaiting   JobState = "waiting"
	StateActive    JobState = "active"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
)

// Terminal reports whether no further transitions can occur.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

var (
	ErrNotFound = errors.New("not found")

	// ErrTerminal is returned when a terminal write targets a job that
	// already reached a different terminal state.
	ErrTerminal = errors.New("job already in a terminal state")
)

// SourceFile is one file record submitted for analysis.
type SourceFile struct {
	Name    string `json:"name" validate:"required"`
	Content string `json:"content"`
}

// Suggestion is a proposed test case, both as generator output on the
// suggestions queue and as caller input on the code queue.
type Suggestion struct {
	Title       string `json:"title" validate:"required"`
	Description string `json:"description" validate:"required"`
}

// Payload is the input enqueued with a job. Suggestion is set only on the
// code queue.
type Payload struct {
	Files      []SourceFile `json:"files"`
	Suggestion *Suggestion  `json:"suggestion,omitempty"`
}

// Result is the output of a completed job. Exactly one field is populated,
// matching the job's queue.
type Result struct {
	Suggestions []Suggestion `json:"suggestions,omitempty"`
	Code        string       `json:"code,omitempty"`
}

// Job is one unit of requested generation work.
//
// State transitions are one-directional: waiting -> active -> completed|failed.
// Result and FailureReason are mutually exclusive and absent before the
// terminal transition.
type Job struct {
	ID            string     `json:"id"`
	Queue         Queue      `json:"queue"`
	State         JobState   `json:"state"`
	Payload       Payload    `json:"payload"`
	Result        *Result    `json:"result,omitempty"`
	FailureReason string     `json:"failureReason,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
}

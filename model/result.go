package model

import (
	"sort"
	"time"
)

// JobResult is the final record of one realization.
type JobResult struct {
	Index        int         `json:"index"`
	Name         string      `json:"name"`
	JobID        string      `json:"job_id,omitempty"`
	Status       QueueStatus `json:"status"`
	Message      string      `json:"message,omitempty"` // done callback message
	Error        string      `json:"error,omitempty"`   // failure summary for EXIT, FAILED_SUBMIT, KILLED
	PollFailures int         `json:"poll_failures"`
	SubmittedAt  time.Time   `json:"submitted_at"`
	FinishedAt   time.Time   `json:"finished_at"`
}

// BatchResult maps realization index to its final result.
type BatchResult struct {
	ID         string            `json:"id"`
	Driver     string            `json:"driver"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Jobs       map[int]JobResult `json:"jobs"`
}

func (b BatchResult) Count(status QueueStatus) int {
	n := 0
	for _, j := range b.Jobs {
		if j.Status == status {
			n++
		}
	}
	return n
}

// Indices returns the realization indices in ascending order.
func (b BatchResult) Indices() []int {
	out := make([]int, 0, len(b.Jobs))
	for i := range b.Jobs {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// Succeeded reports whether every realization ended DONE.
func (b BatchResult) Succeeded() bool {
	return len(b.Jobs) > 0 && b.Count(StatusDone) == len(b.Jobs)
}

// Complete reports whether every realization reached a terminal state.
func (b BatchResult) Complete() bool {
	for _, j := range b.Jobs {
		if !j.Status.IsTerminal() {
			return false
		}
	}
	return true
}

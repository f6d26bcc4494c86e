package model

import (
	"fmt"
	"strings"
)

// QueueStatus is the lifecycle state of one job node.
type QueueStatus int

const (

	// === Before submission ===
	StatusNotSubmitted QueueStatus = iota // Node created, submit not attempted yet

	// === Known to the backend ===
	StatusSubmitted // Backend accepted the job and returned an id
	StatusPending   // Backend has the job queued or held
	StatusRunning   // Backend reports the job running or finishing

	// === Terminal ===
	StatusDone         // Backend finished, OK file present and done callback accepted
	StatusExit         // Backend finished but the job failed or the callback vetoed
	StatusFailedSubmit // Submission retries were exhausted
	StatusKilled       // Cancelled by the queue manager
)

var statusNames = map[QueueStatus]string{
	StatusNotSubmitted: "NOT_SUBMITTED",
	StatusSubmitted:    "SUBMITTED",
	StatusPending:      "PENDING",
	StatusRunning:      "RUNNING",
	StatusDone:         "DONE",
	StatusExit:         "EXIT",
	StatusFailedSubmit: "FAILED_SUBMIT",
	StatusKilled:       "KILLED",
}

func (s QueueStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("QueueStatus(%d)", int(s))
}

// IsTerminal reports whether no further transition is possible.
func (s QueueStatus) IsTerminal() bool {
	switch s {
	case StatusDone, StatusExit, StatusFailedSubmit, StatusKilled:
		return true
	default:
		return false
	}
}

// IsActive reports whether the job is known to the backend and not yet finished.
// Active jobs are the ones holding a concurrency slot.
func (s QueueStatus) IsActive() bool {
	return s == StatusSubmitted || s == StatusPending || s == StatusRunning
}

// IsBackendTerminal reports whether a polled status means the backend is done with the job.
func (s QueueStatus) IsBackendTerminal() bool {
	return s == StatusDone || s == StatusExit
}

// ParseQueueStatus is the inverse of String.
func ParseQueueStatus(text string) (QueueStatus, error) {
	want := strings.ToUpper(strings.TrimSpace(text))
	for s, name := range statusNames {
		if name == want {
			return s, nil
		}
	}
	return StatusNotSubmitted, fmt.Errorf("unknown queue status %q", text)
}

func (s QueueStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *QueueStatus) UnmarshalText(text []byte) error {
	parsed, err := ParseQueueStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

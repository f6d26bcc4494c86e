package events

import (
	"context"
	"time"

	"github.com/SyneHQ/jobqueue/model"
)

// Event types.
const (
	TypeSubmitted = "submitted"
	TypeFinished  = "finished"
)

// Event is one lifecycle notification for a realization.
type Event struct {
	Type    string            `json:"type"`
	BatchID string            `json:"batch_id"`
	Driver  string            `json:"driver"`
	Index   int               `json:"index"`
	Name    string            `json:"name"`
	JobID   string            `json:"job_id,omitempty"`
	Status  model.QueueStatus `json:"status"`
	Message string            `json:"message,omitempty"`
	Error   string            `json:"error,omitempty"`
	Time    time.Time         `json:"time"`
}

// FromResult builds the event describing a realization that reached a
// terminal state.
func FromResult(batchID, driver string, res model.JobResult) Event {
	return Event{
		Type:    TypeFinished,
		BatchID: batchID,
		Driver:  driver,
		Index:   res.Index,
		Name:    res.Name,
		JobID:   res.JobID,
		Status:  res.Status,
		Message: res.Message,
		Error:   res.Error,
		Time:    res.FinishedAt,
	}
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

package model

import (
	"encoding/json"
	"testing"
)

func TestQueueStatusTerminal(t *testing.T) {
	terminal := []QueueStatus{StatusDone, StatusExit, StatusFailedSubmit, StatusKilled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
		if s.IsActive() {
			t.Errorf("%s should not be active", s)
		}
	}

	active := []QueueStatus{StatusSubmitted, StatusPending, StatusRunning}
	for _, s := range active {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
		if !s.IsActive() {
			t.Errorf("%s should be active", s)
		}
	}

	if StatusNotSubmitted.IsActive() || StatusNotSubmitted.IsTerminal() {
		t.Errorf("NOT_SUBMITTED is neither active nor terminal")
	}
}

func TestQueueStatusJSON(t *testing.T) {
	data, err := json.Marshal(JobResult{Index: 3, Status: StatusFailedSubmit})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var back JobResult
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	if back.Status != StatusFailedSubmit {
		t.Errorf("expected FAILED_SUBMIT, got %s", back.Status)
	}
}

func TestParseQueueStatusRejectsUnknown(t *testing.T) {
	if _, err := ParseQueueStatus("FINISHING"); err == nil {
		t.Errorf("expected an error for an unknown status")
	}
	s, err := ParseQueueStatus(" running ")
	if err != nil || s != StatusRunning {
		t.Errorf("expected RUNNING, got %s (%v)", s, err)
	}
}

func TestBatchResultHelpers(t *testing.T) {
	b := BatchResult{Jobs: map[int]JobResult{
		2: {Index: 2, Status: StatusDone},
		0: {Index: 0, Status: StatusDone},
		1: {Index: 1, Status: StatusExit},
	}}

	if got := b.Count(StatusDone); got != 2 {
		t.Errorf("expected 2 DONE, got %d", got)
	}
	if b.Succeeded() {
		t.Errorf("batch with an EXIT job must not succeed")
	}
	if !b.Complete() {
		t.Errorf("all jobs are terminal")
	}
	idx := b.Indices()
	if len(idx) != 3 || idx[0] != 0 || idx[2] != 2 {
		t.Errorf("unexpected indices %v", idx)
	}
}

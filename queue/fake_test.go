package queue

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/SyneHQ/jobqueue/model"
	"github.com/sirupsen/logrus"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// fakeDriver plays a scheduler in memory. Jobs finish after pollsToFinish
// successful polls.
type fakeDriver struct {
	mu sync.Mutex

	pollsToFinish int
	final         model.QueueStatus
	neverFinish   bool
	failPolls     int // per job, before the first success
	alwaysFail    bool
	submitErr     error
	// sentinel written into the run path at submission, "" for none
	writeOnSubmit string
	submitGate    chan struct{}

	next           int
	jobs           map[string]*fakeJob
	outstanding    int
	maxOutstanding int
	submits        int
	killed         []string
}

type fakeJob struct {
	polls    int
	failures int
	finished bool
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{pollsToFinish: 2, final: model.StatusDone, writeOnSubmit: model.DefaultOKFile, jobs: map[string]*fakeJob{}}
}

func (d *fakeDriver) Name() string { return "fake" }

func (d *fakeDriver) Submit(ctx context.Context, spec model.JobSpec) (string, error) {
	if d.submitGate != nil {
		select {
		case <-d.submitGate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.submits++
	if d.submitErr != nil {
		return "", d.submitErr
	}
	if d.writeOnSubmit != "" {
		if err := os.WriteFile(filepath.Join(spec.RunPath, d.writeOnSubmit), nil, 0o644); err != nil {
			return "", err
		}
	}
	d.next++
	id := strconv.Itoa(d.next) + ".fake"
	d.jobs[id] = &fakeJob{}
	d.outstanding++
	if d.outstanding > d.maxOutstanding {
		d.maxOutstanding = d.outstanding
	}
	return id, nil
}

func (d *fakeDriver) Poll(_ context.Context, id string) (model.QueueStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	job := d.jobs[id]
	if d.alwaysFail || job.failures < d.failPolls {
		job.failures++
		return model.StatusNotSubmitted, model.Errorf(model.ErrorTransient, "qstat: cannot connect to server")
	}
	job.polls++
	if d.neverFinish || job.polls < d.pollsToFinish {
		return model.StatusRunning, nil
	}
	if !job.finished {
		job.finished = true
		d.outstanding--
	}
	return d.final, nil
}

// Kill never reaches the backend: the job keeps running.
func (d *fakeDriver) Kill(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.killed = append(d.killed, id)
	return nil
}

func (d *fakeDriver) killedIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.killed...)
}

func fastPoll() PollConfig {
	return PollConfig{Interval: 5 * time.Millisecond, MaxPollFailures: 10, KillTimeout: time.Second, Log: quietLogger()}
}

func newNode(t *testing.T, index int, spec model.JobSpec) *JobNode {
	t.Helper()
	if spec.JobScript == "" {
		spec.JobScript = "/bin/true"
	}
	if spec.JobName == "" {
		spec.JobName = "dummy_job_" + strconv.Itoa(index)
	}
	if spec.RunPath == "" {
		spec.RunPath = t.TempDir()
	}
	n, err := NewJobNode(index, spec)
	if err != nil {
		t.Fatalf("NewJobNode: %v", err)
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

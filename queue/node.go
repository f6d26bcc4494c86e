package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SyneHQ/jobqueue/model"
	"github.com/SyneHQ/jobqueue/runner"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultPollInterval    = 2 * time.Second
	DefaultMaxPollFailures = 60
	DefaultKillTimeout     = 30 * time.Second
)

// PollConfig controls how a JobNode watches its backend job.
type PollConfig struct {
	Interval time.Duration
	// MaxPollFailures is the number of consecutive failed polls after which
	// the job is considered lost and resolved from its sentinel files.
	MaxPollFailures int
	// KillTimeout bounds the backend cancel command issued on kill.
	KillTimeout time.Duration
	Log         logrus.FieldLogger

	onSubmit func(*JobNode)
}

func (c PollConfig) withDefaults() PollConfig {
	if c.Interval <= 0 {
		c.Interval = DefaultPollInterval
	}
	if c.MaxPollFailures <= 0 {
		c.MaxPollFailures = DefaultMaxPollFailures
	}
	if c.KillTimeout <= 0 {
		c.KillTimeout = DefaultKillTimeout
	}
	if c.Log == nil {
		c.Log = logrus.StandardLogger()
	}
	return c
}

// JobNode drives one realization from submission to a terminal state.
//
// The status and backend id may be read from any goroutine. Everything else
// is owned by the goroutine inside Run.
type JobNode struct {
	Index int
	Spec  model.JobSpec

	status atomic.Int32
	jobID  atomic.Pointer[string]

	killOnce sync.Once
	killed   chan struct{}

	// settle serializes Kill against resolve. Once resolving is set the
	// outcome belongs to the sentinel files and callbacks.
	settle    sync.Mutex
	resolving bool

	message      string
	errSummary   string
	pollFailures int
	submittedAt  time.Time
	finishedAt   time.Time
}

// NewJobNode applies the spec defaults and validates the result.
func NewJobNode(index int, spec model.JobSpec) (*JobNode, error) {
	spec = spec.WithDefaults()
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	n := &JobNode{Index: index, Spec: spec, killed: make(chan struct{})}
	n.status.Store(int32(model.StatusNotSubmitted))
	return n, nil
}

func (n *JobNode) Status() model.QueueStatus {
	return model.QueueStatus(n.status.Load())
}

// JobID is the backend id, empty until submission succeeded.
func (n *JobNode) JobID() string {
	if p := n.jobID.Load(); p != nil {
		return *p
	}
	return ""
}

// transition moves to next unless the node is already terminal.
func (n *JobNode) transition(next model.QueueStatus) bool {
	for {
		cur := n.status.Load()
		if model.QueueStatus(cur).IsTerminal() {
			return false
		}
		if cur == int32(next) || n.status.CompareAndSwap(cur, int32(next)) {
			return true
		}
	}
}

// Kill marks the node KILLED and asks the backend to cancel the job without
// waiting for it. It returns false if the node was already terminal or is
// being resolved.
func (n *JobNode) Kill(driver runner.Driver, cfg PollConfig) bool {
	n.settle.Lock()
	if n.resolving || !n.transition(model.StatusKilled) {
		n.settle.Unlock()
		return false
	}
	n.settle.Unlock()
	n.killOnce.Do(func() { close(n.killed) })

	if id := n.JobID(); id != "" {
		cfg = cfg.withDefaults()
		go cancelBackend(driver, id, cfg.KillTimeout, cfg.Log.WithField("iens", n.Index))
	}
	return true
}

func cancelBackend(driver runner.Driver, id string, timeout time.Duration, log logrus.FieldLogger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := driver.Kill(ctx, id); err != nil {
		log.WithError(err).WithField("job_id", id).Warn("Backend kill failed")
	}
}

// Run acquires a slot from sem, submits the job, polls it until it is
// terminal and runs the callbacks. The slot is released on every path out.
// Cancelling ctx kills the node.
func (n *JobNode) Run(ctx context.Context, driver runner.Driver, sem *semaphore.Weighted, cfg PollConfig) model.JobResult {
	cfg = cfg.withDefaults()
	log := cfg.Log.WithFields(logrus.Fields{"job": n.Spec.JobName, "iens": n.Index})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-n.killed:
			cancel()
		case <-runCtx.Done():
		}
	}()

	if sem != nil {
		if err := sem.Acquire(runCtx, 1); err != nil {
			n.Kill(driver, cfg)
			return n.finish()
		}
		defer sem.Release(1)
	}

	if !n.submit(runCtx, driver, cfg, log) {
		return n.finish()
	}
	n.watch(runCtx, driver, cfg, log)
	return n.finish()
}

func (n *JobNode) submit(ctx context.Context, driver runner.Driver, cfg PollConfig, log logrus.FieldLogger) bool {
	if n.Status().IsTerminal() {
		return false
	}

	id, err := driver.Submit(ctx, n.Spec)
	if err != nil {
		if ctx.Err() != nil {
			n.Kill(driver, cfg)
			return false
		}
		n.errSummary = err.Error()
		if n.transition(model.StatusFailedSubmit) {
			log.WithError(err).Error("Submission failed")
		}
		return false
	}

	n.jobID.Store(&id)
	n.submittedAt = time.Now()
	if !n.transition(model.StatusSubmitted) {
		// Killed while the submit command was running.
		go cancelBackend(driver, id, cfg.KillTimeout, log)
		return false
	}
	log.WithField("job_id", id).Info("Submitted")
	if cfg.onSubmit != nil {
		cfg.onSubmit(n)
	}
	return true
}

// watch polls until the backend reports the job terminal, the failure
// ceiling is reached or the node is killed.
func (n *JobNode) watch(ctx context.Context, driver runner.Driver, cfg PollConfig, log logrus.FieldLogger) {
	id := n.JobID()
	log = log.WithField("job_id", id)

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			n.Kill(driver, cfg)
			return
		case <-ticker.C:
		}

		st, err := driver.Poll(ctx, id)
		if n.Status().IsTerminal() {
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			failures++
			n.pollFailures++
			log.WithError(err).WithField("failures", failures).Debug("Poll failed")
			if failures >= cfg.MaxPollFailures {
				log.Warnf("Backend not reachable after %d polls, resolving from sentinel files", failures)
				n.resolve(true, log)
				return
			}
			continue
		}
		failures = 0

		if st.IsBackendTerminal() {
			n.resolve(false, log)
			return
		}
		if st.IsActive() && n.Status() != st && n.transition(st) {
			log.Debugf("Status %s", st)
		}
	}
}

// claim reserves the outcome for resolve. Kill is refused from here on.
func (n *JobNode) claim() bool {
	n.settle.Lock()
	defer n.settle.Unlock()
	if n.Status().IsTerminal() {
		return false
	}
	n.resolving = true
	return true
}

// resolve reads the sentinel files and settles the node. The done callback
// has the final word over the OK file.
func (n *JobNode) resolve(lost bool, log logrus.FieldLogger) {
	if !n.claim() {
		return
	}
	s := readSentinels(n.Spec)
	if s.status != "" {
		log.WithField("status_file", s.status).Debug("Job status")
	}

	final := model.StatusExit
	switch {
	case s.failed:
		n.errSummary = fmt.Sprintf("%s: %s", n.Spec.ExitFile, s.errorText)
		if s.errorText == "" {
			n.errSummary = n.Spec.ExitFile + " file present"
		}
	case s.ok:
		ok, msg := n.callDone(log)
		n.message = msg
		if ok {
			final = model.StatusDone
		} else {
			n.errSummary = "done callback rejected result"
			if msg != "" {
				n.errSummary += ": " + msg
			}
		}
	case lost:
		n.errSummary = model.Errorf(model.ErrorJobLost, "no answer from backend and no %s or %s file", n.Spec.OKFile, n.Spec.ExitFile).Error()
	default:
		n.errSummary = model.Errorf(model.ErrorJobFailed, "job ended without %s or %s file", n.Spec.OKFile, n.Spec.ExitFile).Error()
	}

	if !n.transition(final) {
		return
	}
	if final == model.StatusDone {
		log.Info("Done")
		return
	}
	log.WithField("reason", n.errSummary).Warn("Failed")
	n.callExit(log)
}

func (n *JobNode) callDone(log logrus.FieldLogger) (ok bool, msg string) {
	if n.Spec.DoneCallback == nil {
		return true, ""
	}
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Done callback panicked: %v", r)
			ok, msg = false, fmt.Sprintf("done callback panicked: %v", r)
		}
	}()
	return n.Spec.DoneCallback(n.Spec.CallbackArguments)
}

func (n *JobNode) callExit(log logrus.FieldLogger) {
	if n.Spec.ExitCallback == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Exit callback panicked: %v", r)
		}
	}()
	if err := n.Spec.ExitCallback(n.Spec.CallbackArguments); err != nil {
		log.WithError(err).Error("Exit callback failed")
	}
}

func (n *JobNode) finish() model.JobResult {
	n.finishedAt = time.Now()
	st := n.Status()
	if st == model.StatusKilled && n.errSummary == "" {
		n.errSummary = "killed"
	}
	return model.JobResult{
		Index:        n.Index,
		Name:         n.Spec.JobName,
		JobID:        n.JobID(),
		Status:       st,
		Message:      n.message,
		Error:        n.errSummary,
		PollFailures: n.pollFailures,
		SubmittedAt:  n.submittedAt,
		FinishedAt:   n.finishedAt,
	}
}

package runner

import (
	"context"
	"sync"

	"github.com/SyneHQ/jobqueue/model"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var localKeys = []string{"MAX_RUNTIME"}

// LocalDriver forks the job script on this host.
type LocalDriver struct {
	cmd   *CommandRunner
	retry retryPolicy
	log   logrus.FieldLogger

	mu   sync.Mutex
	jobs map[string]*localJob // dropped once reported terminal or killed
}

type localJob struct {
	proc   *Process
	done   chan struct{}
	result Result
	err    error
	killed bool
}

func NewLocalDriver(opts Options, env []EnvVar, log logrus.FieldLogger) (*LocalDriver, error) {
	if err := opts.Check(DriverLocal, commonKeys, localKeys); err != nil {
		return nil, err
	}
	common, err := parseCommon(opts)
	if err != nil {
		return nil, err
	}
	maxRuntime, err := opts.Duration("MAX_RUNTIME", 0)
	if err != nil {
		return nil, err
	}
	return &LocalDriver{
		cmd:   NewCommandRunner(maxRuntime, env, log),
		retry: common.retry,
		log:   log,
		jobs:  map[string]*localJob{},
	}, nil
}

func (d *LocalDriver) Name() string { return DriverLocal }

func (d *LocalDriver) Submit(ctx context.Context, spec model.JobSpec) (string, error) {
	script, err := scriptPath(spec)
	if err != nil {
		return "", err
	}

	return d.retry.submit(ctx, d.log, spec.JobName, func(int) (string, error) {
		// The job outlives the submit call, so it is not bound to ctx.
		proc, err := d.cmd.Start(context.Background(), []string{script, spec.RunPath}, spec.RunPath)
		if err != nil {
			return "", err
		}

		id := uuid.NewString()
		job := &localJob{proc: proc, done: make(chan struct{})}
		d.mu.Lock()
		d.jobs[id] = job
		d.mu.Unlock()

		go func() {
			job.result, job.err = proc.Wait()
			close(job.done)
			d.mu.Lock()
			if job.killed {
				delete(d.jobs, id)
			}
			d.mu.Unlock()
		}()
		return id, nil
	})
}

func (d *LocalDriver) Poll(_ context.Context, jobID string) (model.QueueStatus, error) {
	job, err := d.lookup(jobID)
	if err != nil {
		return model.StatusNotSubmitted, err
	}

	select {
	case <-job.done:
		d.forget(jobID)
		if job.err != nil || job.result.ExitCode != 0 {
			return model.StatusExit, nil
		}
		return model.StatusDone, nil
	default:
		return model.StatusRunning, nil
	}
}

func (d *LocalDriver) Kill(_ context.Context, jobID string) error {
	job, err := d.lookup(jobID)
	if err != nil {
		return err
	}
	d.mu.Lock()
	job.killed = true
	select {
	case <-job.done:
		delete(d.jobs, jobID)
	default:
	}
	d.mu.Unlock()
	job.proc.Cancel()
	return nil
}

func (d *LocalDriver) forget(jobID string) {
	d.mu.Lock()
	delete(d.jobs, jobID)
	d.mu.Unlock()
}

func (d *LocalDriver) tracked() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.jobs)
}

func (d *LocalDriver) lookup(jobID string) (*localJob, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	job, ok := d.jobs[jobID]
	if !ok {
		return nil, model.Errorf(model.ErrorNotFound, "no local job %s", jobID)
	}
	return job, nil
}

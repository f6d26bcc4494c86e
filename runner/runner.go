package runner

import (
	"context"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/SyneHQ/jobqueue/model"
	"github.com/sirupsen/logrus"
)

const (
	DriverLocal    = "local"
	DriverTorque   = "torque"
	DriverLSF      = "lsf"
	DriverSlurm    = "slurm"
	DriverDocker   = "docker"
	DriverCloudRun = "cloudrun"
)

// Driver translates submit, poll and kill into backend-specific calls.
//
// Submit retries transient failures internally and returns a
// submit_exhausted QueueError once its ceiling is reached. Poll errors are
// transient: the caller keeps the last known status and asks again later.
// Kill is best effort and does not wait for the backend to confirm.
type Driver interface {
	Name() string
	Submit(ctx context.Context, spec model.JobSpec) (string, error)
	Poll(ctx context.Context, jobID string) (model.QueueStatus, error)
	Kill(ctx context.Context, jobID string) error
}

type EnvVar struct {
	Name  string
	Value string
}

// New builds the driver named by kind. Options are validated here, so a bad
// configuration fails before any job is submitted.
func New(kind string, opts Options, env []EnvVar, log logrus.FieldLogger) (Driver, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("driver", kind)

	switch strings.ToLower(strings.TrimSpace(kind)) {
	case DriverLocal:
		return NewLocalDriver(opts, env, log)
	case DriverTorque, "pbs":
		return NewTorqueDriver(opts, env, log)
	case DriverLSF:
		return NewLSFDriver(opts, env, log)
	case DriverSlurm:
		return NewSlurmDriver(opts, env, log)
	case DriverDocker:
		return NewDockerDriver(opts, env, log)
	case DriverCloudRun:
		return NewCloudRunDriver(opts, env, log)
	default:
		return nil, model.Errorf(model.ErrorConfig, "unknown queue driver %q", kind)
	}
}

// resolveCommand finds the executable configured under key, falling back to def.
func resolveCommand(opts Options, key, def string) (string, error) {
	name := opts.String(key, def)
	path, err := exec.LookPath(name)
	if err != nil {
		return "", model.NewQueueError(model.ErrorConfig, key+" "+name+" is not executable", err)
	}
	return path, nil
}

// scriptPath makes the job script absolute so it survives the change of
// working directory into the run path.
func scriptPath(spec model.JobSpec) (string, error) {
	if filepath.IsAbs(spec.JobScript) {
		return spec.JobScript, nil
	}
	abs, err := filepath.Abs(spec.JobScript)
	if err != nil {
		return "", model.NewQueueError(model.ErrorConfig, "job script "+spec.JobScript, err)
	}
	return abs, nil
}

func envStrings(env []EnvVar) []string {
	out := make([]string, 0, len(env))
	for _, e := range env {
		out = append(out, e.Name+"="+e.Value)
	}
	return out
}

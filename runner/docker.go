package runner

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/SyneHQ/jobqueue/model"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/sirupsen/logrus"
)

var dockerKeys = []string{"IMAGE", "DOCKER_HOST", "NETWORK_MODE", "API_VERSION"}

const dockerLogFile = "docker.log"

// DockerDriver runs each job in its own container with the run path
// bind-mounted at the same location.
type DockerDriver struct {
	cli         *client.Client
	image       string
	networkMode string
	env         []string
	retry       retryPolicy
	log         logrus.FieldLogger

	mu       sync.Mutex
	runPaths map[string]string
	finished map[string]model.QueueStatus
}

func NewDockerDriver(opts Options, env []EnvVar, log logrus.FieldLogger) (*DockerDriver, error) {
	if err := opts.Check(DriverDocker, commonKeys, dockerKeys); err != nil {
		return nil, err
	}
	common, err := parseCommon(opts)
	if err != nil {
		return nil, err
	}
	image := opts.String("IMAGE", "")
	if image == "" {
		return nil, model.Errorf(model.ErrorConfig, "docker driver: IMAGE is required")
	}

	clientOpts := []client.Opt{client.FromEnv, client.WithVersion(opts.String("API_VERSION", "1.44"))}
	if host := opts.String("DOCKER_HOST", ""); host != "" {
		clientOpts = append(clientOpts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, model.NewQueueError(model.ErrorConfig, "docker client", err)
	}

	return &DockerDriver{
		cli:         cli,
		image:       image,
		networkMode: opts.String("NETWORK_MODE", ""),
		env:         envStrings(env),
		retry:       common.retry,
		log:         log,
		runPaths:    map[string]string{},
		finished:    map[string]model.QueueStatus{},
	}, nil
}

func (d *DockerDriver) Name() string { return DriverDocker }

func (d *DockerDriver) Submit(ctx context.Context, spec model.JobSpec) (string, error) {
	script, err := scriptPath(spec)
	if err != nil {
		return "", err
	}

	cfg := &container.Config{
		Image:      d.image,
		Cmd:        []string{script, spec.RunPath},
		Env:        d.env,
		WorkingDir: spec.RunPath,
		Labels:     map[string]string{"jobqueue.job": spec.JobName},
	}
	binds := []string{spec.RunPath + ":" + spec.RunPath}
	if dir := filepath.Dir(script); dir != spec.RunPath {
		binds = append(binds, dir+":"+dir+":ro")
	}
	hostCfg := &container.HostConfig{
		Binds:       binds,
		NetworkMode: container.NetworkMode(d.networkMode),
		Resources:   container.Resources{NanoCPUs: int64(spec.NumCPU) * 1e9},
	}

	return d.retry.submit(ctx, d.log, spec.JobName, func(int) (string, error) {
		resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
		if err != nil {
			return "", dockerError("create container", err)
		}
		if err := d.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
			d.remove(resp.ID)
			return "", dockerError("start container", err)
		}
		d.mu.Lock()
		d.runPaths[resp.ID] = spec.RunPath
		d.mu.Unlock()
		return resp.ID, nil
	})
}

func (d *DockerDriver) Poll(ctx context.Context, jobID string) (model.QueueStatus, error) {
	d.mu.Lock()
	st, done := d.finished[jobID]
	d.mu.Unlock()
	if done {
		return st, nil
	}

	info, err := d.cli.ContainerInspect(ctx, jobID)
	if err != nil {
		return model.StatusNotSubmitted, model.NewQueueError(model.ErrorTransient, "inspect container "+shortID(jobID), err)
	}
	if info.State == nil {
		return model.StatusNotSubmitted, model.Errorf(model.ErrorTransient, "container %s has no state", shortID(jobID))
	}

	switch info.State.Status {
	case "created":
		return model.StatusPending, nil
	case "running", "restarting", "paused":
		return model.StatusRunning, nil
	case "exited", "dead":
		st := model.StatusDone
		if info.State.ExitCode != 0 {
			st = model.StatusExit
		}
		d.collect(ctx, jobID)
		d.mu.Lock()
		d.finished[jobID] = st
		d.mu.Unlock()
		return st, nil
	default:
		return model.StatusNotSubmitted, model.Errorf(model.ErrorTransient, "container %s: unknown state %q", shortID(jobID), info.State.Status)
	}
}

func (d *DockerDriver) Kill(ctx context.Context, jobID string) error {
	if err := d.cli.ContainerKill(ctx, jobID, "SIGKILL"); err != nil {
		return dockerError("kill container", err)
	}
	return nil
}

// collect saves the container output next to the sentinel files and removes
// the container.
func (d *DockerDriver) collect(ctx context.Context, id string) {
	d.mu.Lock()
	runPath := d.runPaths[id]
	delete(d.runPaths, id)
	d.mu.Unlock()

	log := d.log.WithField("job_id", shortID(id))
	if runPath != "" {
		out, err := d.cli.ContainerLogs(ctx, id, types.ContainerLogsOptions{ShowStdout: true, ShowStderr: true})
		if err != nil {
			log.WithError(err).Warn("could not fetch container logs")
		} else {
			var buf bytes.Buffer
			if _, err := stdcopy.StdCopy(&buf, &buf, out); err != nil {
				log.WithError(err).Warn("could not read container logs")
			}
			out.Close()
			if err := os.WriteFile(filepath.Join(runPath, dockerLogFile), buf.Bytes(), 0o644); err != nil {
				log.WithError(err).Warn("could not write container logs")
			}
		}
	}
	d.remove(id)
}

func (d *DockerDriver) remove(id string) {
	if err := d.cli.ContainerRemove(context.Background(), id, types.ContainerRemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		d.log.WithError(err).WithField("job_id", shortID(id)).Warn("could not remove container")
	}
}

// dockerError keeps missing images and bad requests out of the retry loop.
func dockerError(op string, err error) error {
	if client.IsErrNotFound(err) {
		return model.NewQueueError(model.ErrorConfig, op, err)
	}
	return model.NewQueueError(model.ErrorTransient, op, err)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/SyneHQ/jobqueue/model"
	"github.com/sirupsen/logrus"
)

// Result is what an external command left behind.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// CommandRunner spawns the submit, query and cancel commands of every driver.
// A non-zero exit status is not an error: callers read ExitCode and output.
type CommandRunner struct {
	Timeout time.Duration // per call, 0 disables
	Env     []EnvVar      // appended to the inherited environment
	Log     logrus.FieldLogger
}

func NewCommandRunner(timeout time.Duration, env []EnvVar, log logrus.FieldLogger) *CommandRunner {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &CommandRunner{Timeout: timeout, Env: env, Log: log}
}

// Process is a started command.
type Process struct {
	argv   []string
	cmd    *exec.Cmd
	ctx    context.Context
	cancel context.CancelFunc
	stdout *bytes.Buffer
	stderr *bytes.Buffer
	start  time.Time
}

// Run starts argv in cwd and waits for it.
func (r *CommandRunner) Run(ctx context.Context, argv []string, cwd string) (Result, error) {
	p, err := r.Start(ctx, argv, cwd)
	if err != nil {
		return Result{ExitCode: -1}, err
	}
	return p.Wait()
}

// Start spawns argv without waiting. The timeout, if any, covers the whole
// life of the process.
func (r *CommandRunner) Start(ctx context.Context, argv []string, cwd string) (*Process, error) {
	if len(argv) == 0 {
		return nil, model.Errorf(model.ErrorConfig, "empty command line")
	}

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if r.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, r.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = cwd
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), envStrings(r.Env)...)
	}
	// Killed commands may leave children holding the pipes open.
	cmd.WaitDelay = 2 * time.Second

	p := &Process{
		argv:   argv,
		cmd:    cmd,
		ctx:    runCtx,
		cancel: cancel,
		stdout: &bytes.Buffer{},
		stderr: &bytes.Buffer{},
	}
	cmd.Stdout = p.stdout
	cmd.Stderr = p.stderr

	r.Log.WithField("cwd", cwd).Debugf("exec %s", strings.Join(argv, " "))

	p.start = time.Now()
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, startError(argv[0], err)
	}
	return p, nil
}

// Wait blocks until the process exits. Timeouts are reported as transient errors.
func (p *Process) Wait() (Result, error) {
	defer p.cancel()
	err := p.cmd.Wait()

	res := Result{
		Stdout:   p.stdout.String(),
		Stderr:   p.stderr.String(),
		Duration: time.Since(p.start),
	}

	if ctxErr := p.ctx.Err(); ctxErr != nil {
		res.ExitCode = -1
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return res, model.NewQueueError(model.ErrorTransient,
				fmt.Sprintf("%s timed out after %s", p.argv[0], res.Duration.Round(time.Millisecond)), ctxErr)
		}
		return res, fmt.Errorf("%s cancelled: %w", p.argv[0], ctxErr)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	if err != nil {
		res.ExitCode = -1
		return res, model.NewQueueError(model.ErrorTransient, p.argv[0]+" failed", err)
	}
	return res, nil
}

// Cancel kills the process. Wait still has to be called.
func (p *Process) Cancel() {
	p.cancel()
}

func startError(name string, err error) error {
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return model.NewQueueError(model.ErrorConfig, "cannot start "+name, err)
	}
	return model.NewQueueError(model.ErrorTransient, "cannot start "+name, err)
}

// commandFailure turns a non-zero exit into a transient error carrying stderr.
func commandFailure(name string, res Result) error {
	var cause error
	if msg := strings.TrimSpace(res.Stderr); msg != "" {
		cause = errors.New(msg)
	}
	return model.NewQueueError(model.ErrorTransient, fmt.Sprintf("%s exited with status %d", name, res.ExitCode), cause)
}

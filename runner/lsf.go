package runner

import (
	"context"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/SyneHQ/jobqueue/model"
	"github.com/sirupsen/logrus"
)

var lsfKeys = []string{
	"BSUB_CMD", "BJOBS_CMD", "BKILL_CMD",
	"LSF_QUEUE", "LSF_RESOURCE", "PROJECT_CODE", "EXCLUDE_HOST",
}

var lsfStates = map[string]model.QueueStatus{
	"PEND":  model.StatusPending,
	"PSUSP": model.StatusPending,
	"RUN":   model.StatusRunning,
	"USUSP": model.StatusRunning,
	"SSUSP": model.StatusRunning,
	"DONE":  model.StatusDone,
	"EXIT":  model.StatusExit,
	"ZOMBI": model.StatusExit,
}

// bjobs layout: JOBID USER STAT QUEUE FROM_HOST EXEC_HOST JOB_NAME SUBMIT_TIME.
const lsfStateColumn = 2

var lsfSubmitPattern = regexp.MustCompile(`Job <(\d+)> is submitted`)

// LSFDriver talks to IBM Spectrum LSF through bsub, bjobs and bkill.
type LSFDriver struct {
	bsub, bjobs, bkill string

	queue       string
	resource    string
	projectCode string
	excludeHost []string

	retry retryPolicy
	cmd   *CommandRunner
	log   logrus.FieldLogger
}

func NewLSFDriver(opts Options, env []EnvVar, log logrus.FieldLogger) (*LSFDriver, error) {
	if err := opts.Check(DriverLSF, commonKeys, lsfKeys); err != nil {
		return nil, err
	}
	common, err := parseCommon(opts)
	if err != nil {
		return nil, err
	}

	d := &LSFDriver{
		queue:       opts.String("LSF_QUEUE", ""),
		resource:    opts.String("LSF_RESOURCE", ""),
		projectCode: opts.String("PROJECT_CODE", ""),
		excludeHost: splitList(opts.String("EXCLUDE_HOST", "")),
		retry:       common.retry,
		cmd:         NewCommandRunner(common.timeout, env, log),
		log:         log,
	}
	if d.bsub, err = resolveCommand(opts, "BSUB_CMD", "bsub"); err != nil {
		return nil, err
	}
	if d.bjobs, err = resolveCommand(opts, "BJOBS_CMD", "bjobs"); err != nil {
		return nil, err
	}
	if d.bkill, err = resolveCommand(opts, "BKILL_CMD", "bkill"); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *LSFDriver) Name() string { return DriverLSF }

func (d *LSFDriver) submitArgs(spec model.JobSpec, script string) []string {
	args := []string{d.bsub,
		"-J", spec.JobName,
		"-cwd", spec.RunPath,
		"-n", strconv.Itoa(spec.NumCPU),
		"-o", filepath.Join(spec.RunPath, "lsf.out"),
	}
	if d.queue != "" {
		args = append(args, "-q", d.queue)
	}
	if d.projectCode != "" {
		args = append(args, "-P", d.projectCode)
	}
	if r := d.resourceRequest(); r != "" {
		args = append(args, "-R", r)
	}
	return append(args, script, spec.RunPath)
}

func (d *LSFDriver) resourceRequest() string {
	if len(d.excludeHost) == 0 {
		return d.resource
	}
	clauses := make([]string, 0, len(d.excludeHost))
	for _, h := range d.excludeHost {
		clauses = append(clauses, "hname!='"+h+"'")
	}
	sel := "select[" + strings.Join(clauses, " && ") + "]"
	if d.resource == "" {
		return sel
	}
	return d.resource + " " + sel
}

func (d *LSFDriver) Submit(ctx context.Context, spec model.JobSpec) (string, error) {
	script, err := scriptPath(spec)
	if err != nil {
		return "", err
	}
	argv := d.submitArgs(spec, script)

	return d.retry.submit(ctx, d.log, spec.JobName, func(int) (string, error) {
		res, err := d.cmd.Run(ctx, argv, spec.RunPath)
		if err != nil {
			return "", err
		}
		if res.ExitCode != 0 {
			return "", commandFailure("bsub", res)
		}
		m := lsfSubmitPattern.FindStringSubmatch(res.Stdout)
		if m == nil {
			return "", model.Errorf(model.ErrorTransient, "no job id in bsub output %q", res.Stdout)
		}
		return m[1], nil
	})
}

func (d *LSFDriver) Poll(ctx context.Context, jobID string) (model.QueueStatus, error) {
	// -a keeps recently finished jobs in the listing.
	res, err := d.cmd.Run(ctx, []string{d.bjobs, "-a", NormalizeJobID(jobID)}, "")
	if err != nil {
		return model.StatusNotSubmitted, err
	}
	if res.ExitCode != 0 {
		d.log.WithField("job_id", jobID).Debugf("bjobs failed (%d): %s", res.ExitCode, strings.TrimSpace(res.Stderr))
		return model.StatusNotSubmitted, commandFailure("bjobs", res)
	}
	return parseLSFStatus(res.Stdout, jobID)
}

func parseLSFStatus(stdout, jobID string) (model.QueueStatus, error) {
	fields, ok := findRow(stdout, jobID)
	if !ok || len(fields) <= lsfStateColumn {
		return model.StatusNotSubmitted, model.Errorf(model.ErrorTransient, "job %s not listed by bjobs", jobID)
	}
	status, ok := lsfStates[fields[lsfStateColumn]]
	if !ok {
		return model.StatusNotSubmitted, model.Errorf(model.ErrorTransient, "job %s: unknown bjobs state %q", jobID, fields[lsfStateColumn])
	}
	return status, nil
}

func (d *LSFDriver) Kill(ctx context.Context, jobID string) error {
	res, err := d.cmd.Run(ctx, []string{d.bkill, NormalizeJobID(jobID)}, "")
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return commandFailure("bkill", res)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

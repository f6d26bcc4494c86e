package runner

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/SyneHQ/jobqueue/model"
	"github.com/sirupsen/logrus"
)

var torqueKeys = []string{
	"QSUB_CMD", "QSTAT_CMD", "QDEL_CMD", "QSTAT_OPTIONS",
	"QUEUE", "NUM_NODES", "NUM_CPUS_PER_NODE", "MEMORY_PER_JOB",
	"CLUSTER_LABEL", "JOB_PREFIX", "KEEP_QSUB_OUTPUT",
}

// qstat state letters. E is a job exiting after having run: from our side
// it is finished and the sentinel files decide the outcome.
var torqueStates = map[string]model.QueueStatus{
	"Q": model.StatusPending,
	"H": model.StatusPending,
	"W": model.StatusPending,
	"T": model.StatusPending,
	"R": model.StatusRunning,
	"S": model.StatusRunning,
	"E": model.StatusDone,
	"C": model.StatusDone,
	"F": model.StatusDone,
}

// qstat's default layout: Job id, Name, User, Time Use, S, Queue.
const torqueStateColumn = 4

var torqueIDPattern = regexp.MustCompile(`^\d+(\.\S+)?$`)

// TorqueDriver talks to PBS/Torque through qsub, qstat and qdel.
type TorqueDriver struct {
	qsub, qstat, qdel string
	qstatOptions      []string

	queue        string
	memory       string
	clusterLabel string
	jobPrefix    string
	numNodes     int
	cpusPerNode  int
	keepOutput   bool

	retry retryPolicy
	cmd   *CommandRunner
	log   logrus.FieldLogger
}

func NewTorqueDriver(opts Options, env []EnvVar, log logrus.FieldLogger) (*TorqueDriver, error) {
	if err := opts.Check(DriverTorque, commonKeys, torqueKeys); err != nil {
		return nil, err
	}
	common, err := parseCommon(opts)
	if err != nil {
		return nil, err
	}

	d := &TorqueDriver{
		qstatOptions: qstatOptions(opts.String("QSTAT_OPTIONS", "")),
		queue:        opts.String("QUEUE", ""),
		memory:       opts.String("MEMORY_PER_JOB", ""),
		clusterLabel: opts.String("CLUSTER_LABEL", ""),
		jobPrefix:    opts.String("JOB_PREFIX", ""),
		retry:        common.retry,
		cmd:          NewCommandRunner(common.timeout, env, log),
		log:          log,
	}

	if d.qsub, err = resolveCommand(opts, "QSUB_CMD", "qsub"); err != nil {
		return nil, err
	}
	if d.qstat, err = resolveCommand(opts, "QSTAT_CMD", "qstat"); err != nil {
		return nil, err
	}
	if d.qdel, err = resolveCommand(opts, "QDEL_CMD", "qdel"); err != nil {
		return nil, err
	}
	if d.numNodes, err = opts.Int("NUM_NODES", 1); err != nil {
		return nil, err
	}
	if d.cpusPerNode, err = opts.Int("NUM_CPUS_PER_NODE", 0); err != nil {
		return nil, err
	}
	if d.keepOutput, err = opts.Bool("KEEP_QSUB_OUTPUT", false); err != nil {
		return nil, err
	}
	if d.numNodes < 1 {
		return nil, model.Errorf(model.ErrorConfig, "NUM_NODES must be at least 1, got %d", d.numNodes)
	}
	return d, nil
}

func (d *TorqueDriver) Name() string { return DriverTorque }

func (d *TorqueDriver) submitArgs(spec model.JobSpec, script string) []string {
	args := []string{d.qsub}
	if d.keepOutput {
		args = append(args, "-k", "oe")
	}
	if len(d.cmd.Env) > 0 {
		args = append(args, "-V")
	}

	ppn := spec.NumCPU
	if d.cpusPerNode > 0 {
		ppn = d.cpusPerNode
	}
	resources := fmt.Sprintf("nodes=%d:ppn=%d", d.numNodes, ppn)
	if d.clusterLabel != "" {
		resources += ":" + d.clusterLabel
	}

	args = append(args, "-N", d.jobPrefix+spec.JobName, "-r", "n", "-l", resources)
	if d.memory != "" {
		args = append(args, "-l", "mem="+d.memory)
	}
	if d.queue != "" {
		args = append(args, "-q", d.queue)
	}
	return append(args, "-d", spec.RunPath, "-F", spec.RunPath, script)
}

func (d *TorqueDriver) Submit(ctx context.Context, spec model.JobSpec) (string, error) {
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
			return "", commandFailure("qsub", res)
		}
		id, ok := parseTorqueSubmit(res.Stdout)
		if !ok {
			return "", model.Errorf(model.ErrorTransient, "no job id in qsub output %q", res.Stdout)
		}
		return id, nil
	})
}

// parseTorqueSubmit takes the last line that looks like "<number>[.<server>]".
// Banner lines printed by some qsub wrappers are skipped.
func parseTorqueSubmit(stdout string) (string, bool) {
	id := ""
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if torqueIDPattern.MatchString(line) {
			id = line
		}
	}
	return id, id != ""
}

// qstatOptions puts -x first so finished jobs stay visible, whatever extra
// options are configured.
func qstatOptions(extra string) []string {
	out := []string{"-x"}
	for _, f := range strings.Fields(extra) {
		if f != "-x" {
			out = append(out, f)
		}
	}
	return out
}

func (d *TorqueDriver) Poll(ctx context.Context, jobID string) (model.QueueStatus, error) {
	argv := append([]string{d.qstat}, d.qstatOptions...)
	argv = append(argv, NormalizeJobID(jobID))

	res, err := d.cmd.Run(ctx, argv, "")
	if err != nil {
		return model.StatusNotSubmitted, err
	}
	if res.ExitCode != 0 {
		// qstat is known to print credential and connection noise on stderr.
		d.log.WithField("job_id", jobID).Debugf("qstat failed (%d): %s", res.ExitCode, strings.TrimSpace(res.Stderr))
		return model.StatusNotSubmitted, commandFailure("qstat", res)
	}
	return parseTorqueStatus(res.Stdout, jobID)
}

func parseTorqueStatus(stdout, jobID string) (model.QueueStatus, error) {
	fields, ok := findRow(stdout, jobID)
	if !ok || len(fields) <= torqueStateColumn {
		return model.StatusNotSubmitted, model.Errorf(model.ErrorTransient, "job %s not listed by qstat", jobID)
	}
	status, ok := torqueStates[fields[torqueStateColumn]]
	if !ok {
		return model.StatusNotSubmitted, model.Errorf(model.ErrorTransient, "job %s: unknown qstat state %q", jobID, fields[torqueStateColumn])
	}
	return status, nil
}

func (d *TorqueDriver) Kill(ctx context.Context, jobID string) error {
	res, err := d.cmd.Run(ctx, []string{d.qdel, NormalizeJobID(jobID)}, "")
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return commandFailure("qdel", res)
	}
	return nil
}

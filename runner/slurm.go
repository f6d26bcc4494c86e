package runner

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/SyneHQ/jobqueue/model"
	"github.com/sirupsen/logrus"
)

var slurmKeys = []string{
	"SBATCH", "SQUEUE", "SCANCEL",
	"PARTITION", "MEMORY", "MEMORY_PER_CPU", "MAX_RUNTIME",
	"INCLUDE_HOST", "EXCLUDE_HOST",
}

var slurmStates = map[string]model.QueueStatus{
	"PD":  model.StatusPending,
	"RQ":  model.StatusPending,
	"CF":  model.StatusPending,
	"R":   model.StatusRunning,
	"CG":  model.StatusRunning,
	"S":   model.StatusRunning,
	"ST":  model.StatusRunning,
	"CD":  model.StatusDone,
	"F":   model.StatusExit,
	"CA":  model.StatusExit,
	"TO":  model.StatusExit,
	"NF":  model.StatusExit,
	"OOM": model.StatusExit,
	"PR":  model.StatusExit,
	"BF":  model.StatusExit,
	"DL":  model.StatusExit,
}

var slurmSubmitPattern = regexp.MustCompile(`^(?:Submitted batch job )?(\d+)(;\S+)?$`)

// SlurmDriver talks to SLURM through sbatch, squeue and scancel.
type SlurmDriver struct {
	sbatch, squeue, scancel string

	partition    string
	memory       string
	memoryPerCPU string
	maxRuntime   int
	includeHost  string
	excludeHost  string

	retry retryPolicy
	cmd   *CommandRunner
	log   logrus.FieldLogger
}

func NewSlurmDriver(opts Options, env []EnvVar, log logrus.FieldLogger) (*SlurmDriver, error) {
	if err := opts.Check(DriverSlurm, commonKeys, slurmKeys); err != nil {
		return nil, err
	}
	common, err := parseCommon(opts)
	if err != nil {
		return nil, err
	}

	d := &SlurmDriver{
		partition:    opts.String("PARTITION", ""),
		memory:       opts.String("MEMORY", ""),
		memoryPerCPU: opts.String("MEMORY_PER_CPU", ""),
		includeHost:  opts.String("INCLUDE_HOST", ""),
		excludeHost:  opts.String("EXCLUDE_HOST", ""),
		retry:        common.retry,
		cmd:          NewCommandRunner(common.timeout, env, log),
		log:          log,
	}
	if d.sbatch, err = resolveCommand(opts, "SBATCH", "sbatch"); err != nil {
		return nil, err
	}
	if d.squeue, err = resolveCommand(opts, "SQUEUE", "squeue"); err != nil {
		return nil, err
	}
	if d.scancel, err = resolveCommand(opts, "SCANCEL", "scancel"); err != nil {
		return nil, err
	}
	if d.maxRuntime, err = opts.Int("MAX_RUNTIME", 0); err != nil {
		return nil, err
	}
	if d.memory != "" && d.memoryPerCPU != "" {
		return nil, model.Errorf(model.ErrorConfig, "MEMORY and MEMORY_PER_CPU are mutually exclusive")
	}
	return d, nil
}

func (d *SlurmDriver) Name() string { return DriverSlurm }

func (d *SlurmDriver) submitArgs(spec model.JobSpec, script string) []string {
	args := []string{d.sbatch,
		"--parsable",
		"--job-name=" + spec.JobName,
		"--chdir=" + spec.RunPath,
		fmt.Sprintf("--ntasks=%d", spec.NumCPU),
		"--output=/dev/null",
	}
	if d.partition != "" {
		args = append(args, "--partition="+d.partition)
	}
	if d.memory != "" {
		args = append(args, "--mem="+d.memory)
	}
	if d.memoryPerCPU != "" {
		args = append(args, "--mem-per-cpu="+d.memoryPerCPU)
	}
	if d.maxRuntime > 0 {
		s := d.maxRuntime
		args = append(args, fmt.Sprintf("--time=%d:%02d:%02d", s/3600, s/60%60, s%60))
	}
	if d.includeHost != "" {
		args = append(args, "--nodelist="+d.includeHost)
	}
	if d.excludeHost != "" {
		args = append(args, "--exclude="+d.excludeHost)
	}
	return append(args, script, spec.RunPath)
}

func (d *SlurmDriver) Submit(ctx context.Context, spec model.JobSpec) (string, error) {
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
			return "", commandFailure("sbatch", res)
		}
		id, ok := parseSlurmSubmit(res.Stdout)
		if !ok {
			return "", model.Errorf(model.ErrorTransient, "no job id in sbatch output %q", res.Stdout)
		}
		return id, nil
	})
}

func parseSlurmSubmit(stdout string) (string, bool) {
	id := ""
	for _, line := range strings.Split(stdout, "\n") {
		if m := slurmSubmitPattern.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			id = m[1]
		}
	}
	return id, id != ""
}

func (d *SlurmDriver) Poll(ctx context.Context, jobID string) (model.QueueStatus, error) {
	// --states=all keeps completed jobs visible until slurmctld purges them.
	argv := []string{d.squeue, "-h", "--states=all", "-j", NormalizeJobID(jobID), "-o", "%i %t"}
	res, err := d.cmd.Run(ctx, argv, "")
	if err != nil {
		return model.StatusNotSubmitted, err
	}
	if res.ExitCode != 0 {
		d.log.WithField("job_id", jobID).Debugf("squeue failed (%d): %s", res.ExitCode, strings.TrimSpace(res.Stderr))
		return model.StatusNotSubmitted, commandFailure("squeue", res)
	}
	return parseSlurmStatus(res.Stdout, jobID)
}

func parseSlurmStatus(stdout, jobID string) (model.QueueStatus, error) {
	fields, ok := findRow(stdout, jobID)
	if !ok || len(fields) < 2 {
		return model.StatusNotSubmitted, model.Errorf(model.ErrorTransient, "job %s not listed by squeue", jobID)
	}
	status, ok := slurmStates[fields[1]]
	if !ok {
		return model.StatusNotSubmitted, model.Errorf(model.ErrorTransient, "job %s: unknown squeue state %q", jobID, fields[1])
	}
	return status, nil
}

func (d *SlurmDriver) Kill(ctx context.Context, jobID string) error {
	res, err := d.cmd.Run(ctx, []string{d.scancel, NormalizeJobID(jobID)}, "")
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return commandFailure("scancel", res)
	}
	return nil
}

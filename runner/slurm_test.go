package runner

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/SyneHQ/jobqueue/model"
)

func TestSlurmSubmitAndPoll(t *testing.T) {
	dir := t.TempDir()
	sbatchArgs := filepath.Join(dir, "sbatch.args")
	squeueArgs := filepath.Join(dir, "squeue.args")
	sbatch := writeScript(t, dir, "sbatch", fmt.Sprintf(`echo "$@" > %s
echo "8842;cluster1"
`, sbatchArgs))
	squeue := writeScript(t, dir, "squeue", fmt.Sprintf(`echo "$@" > %s
echo "8842 CD"
`, squeueArgs))
	scancel := writeScript(t, dir, "scancel", "exit 0\n")

	d, err := NewSlurmDriver(Options{
		{Key: "SBATCH", Value: sbatch},
		{Key: "SQUEUE", Value: squeue},
		{Key: "SCANCEL", Value: scancel},
		{Key: "PARTITION", Value: "debug"},
		{Key: "MEMORY", Value: "2G"},
		{Key: "MAX_RUNTIME", Value: "3725"},
		{Key: "EXCLUDE_HOST", Value: "node1"},
	}, nil, quietLogger())
	if err != nil {
		t.Fatalf("NewSlurmDriver: %v", err)
	}

	spec := torqueSpec(t)
	id, err := d.Submit(context.Background(), spec)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id != "8842" {
		t.Errorf("job id = %q", id)
	}
	want := fmt.Sprintf("--parsable --job-name=dummy --chdir=%s --ntasks=1 --output=/dev/null --partition=debug --mem=2G --time=1:02:05 --exclude=node1 %s %s",
		spec.RunPath, spec.JobScript, spec.RunPath)
	if got := strings.TrimSpace(readFile(t, sbatchArgs)); got != want {
		t.Errorf("sbatch args\n got %s\nwant %s", got, want)
	}

	st, err := d.Poll(context.Background(), id)
	if err != nil || st != model.StatusDone {
		t.Errorf("Poll = %s, %v", st, err)
	}
	if got := strings.TrimSpace(readFile(t, squeueArgs)); got != "-h --states=all -j 8842 -o %i %t" {
		t.Errorf("squeue args = %q", got)
	}
}

func TestSlurmMemoryOptionsExclusive(t *testing.T) {
	dir := t.TempDir()
	bin := writeScript(t, dir, "true", "exit 0\n")
	_, err := NewSlurmDriver(Options{
		{Key: "SBATCH", Value: bin},
		{Key: "SQUEUE", Value: bin},
		{Key: "SCANCEL", Value: bin},
		{Key: "MEMORY", Value: "2G"},
		{Key: "MEMORY_PER_CPU", Value: "1G"},
	}, nil, quietLogger())
	if !model.IsConfig(err) {
		t.Errorf("want config error, got %v", err)
	}
}

func TestParseSlurm(t *testing.T) {
	for in, want := range map[string]string{
		"8842\n":                     "8842",
		"8842;cluster1\n":            "8842",
		"Submitted batch job 8842\n": "8842",
	} {
		if got, ok := parseSlurmSubmit(in); !ok || got != want {
			t.Errorf("parseSlurmSubmit(%q) = %q, %v", in, got, ok)
		}
	}

	for code, want := range map[string]model.QueueStatus{
		"PD":  model.StatusPending,
		"R":   model.StatusRunning,
		"CG":  model.StatusRunning,
		"CD":  model.StatusDone,
		"F":   model.StatusExit,
		"TO":  model.StatusExit,
		"OOM": model.StatusExit,
	} {
		got, err := parseSlurmStatus("17 "+code+"\n", "17")
		if err != nil || got != want {
			t.Errorf("%s -> %s, %v; want %s", code, got, err, want)
		}
	}
	if _, err := parseSlurmStatus("", "17"); !model.IsTransient(err) {
		t.Errorf("empty squeue output should be transient, got %v", err)
	}
}

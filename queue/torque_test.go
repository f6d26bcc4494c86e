package queue

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/SyneHQ/jobqueue/model"
	"github.com/SyneHQ/jobqueue/runner"
	"golang.org/x/sync/semaphore"
)

// The mock qsub stands in for the job: it runs in the run path and leaves
// the sentinel file behind before reporting the id.
const mockQsub = `#!/bin/sh
%s
touch %s
echo "%s"
`

const mockQstat = `#!/bin/sh
%s
echo "$@" > %s
echo "Job id                    Name             User            Time Use S Queue"
echo "------------------------- ---------------- --------------- -------- - -----"
echo "%-25s dummy            user            00:00:00 E batch"
`

// flakyPrelude fails the first invocation, tracked through a state file.
func flakyPrelude(state string) string {
	return fmt.Sprintf(`if [ ! -f %[1]s ]; then
  touch %[1]s
  echo "connection to pbs_server failed" >&2
  exit 1
fi`, state)
}

func writeExecutable(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}
}

// runTorqueJob submits one job through mock torque commands that report
// jobID from qsub and list it under the same name in qstat.
func runTorqueJob(t *testing.T, jobID string, flakyQsub, flakyQstat bool, sentinel string) (model.JobResult, string) {
	t.Helper()
	bin := t.TempDir()
	qstatArgs := filepath.Join(bin, "qstat_args")

	qsubPrelude, qstatPrelude := ":", ":"
	if flakyQsub {
		qsubPrelude = flakyPrelude(filepath.Join(bin, "qsub_state"))
	}
	if flakyQstat {
		qstatPrelude = flakyPrelude(filepath.Join(bin, "qstat_state"))
	}
	writeExecutable(t, filepath.Join(bin, "qsub"), fmt.Sprintf(mockQsub, qsubPrelude, sentinel, jobID))
	writeExecutable(t, filepath.Join(bin, "qstat"), fmt.Sprintf(mockQstat, qstatPrelude, qstatArgs, jobID))
	writeExecutable(t, filepath.Join(bin, "qdel"), "#!/bin/sh\nexit 0\n")

	driver, err := runner.NewTorqueDriver(runner.Options{
		{Key: "QSUB_CMD", Value: filepath.Join(bin, "qsub")},
		{Key: "QSTAT_CMD", Value: filepath.Join(bin, "qstat")},
		{Key: "QDEL_CMD", Value: filepath.Join(bin, "qdel")},
		{Key: "SUBMIT_BACKOFF", Value: "10ms"},
	}, nil, quietLogger())
	if err != nil {
		t.Fatalf("NewTorqueDriver: %v", err)
	}

	runPath := t.TempDir()
	script := filepath.Join(bin, "job_script.sh")
	writeExecutable(t, script, "#!/bin/sh\nexit 0\n")

	node, err := NewJobNode(0, model.JobSpec{
		JobScript:    script,
		JobName:      "dummy",
		RunPath:      runPath,
		NumCPU:       1,
		DoneCallback: func(any) (bool, string) { return true, "" },
		ExitCallback: func(any) error { return nil },
	})
	if err != nil {
		t.Fatal(err)
	}

	res := node.Run(context.Background(), driver, semaphore.NewWeighted(1), fastPoll())
	args, err := os.ReadFile(qstatArgs)
	if err != nil {
		t.Fatalf("qstat was never called successfully: %v", err)
	}
	return res, strings.TrimSpace(string(args))
}

func TestTorqueJobLifecycle(t *testing.T) {
	for _, tc := range []struct {
		name              string
		jobID             string
		flakyQsub, flakyQ bool
	}{
		{"reliable", "10001.s034-lcam", false, false},
		{"flaky qsub", "10001.s034-lcam", true, false},
		{"flaky qstat", "10001.s034-lcam", false, true},
		{"flaky both", "10001.s034-lcam", true, true},
		{"reliable without server suffix", "10001", false, false},
		{"flaky without server suffix", "10001", true, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			res, qstatArgs := runTorqueJob(t, tc.jobID, tc.flakyQsub, tc.flakyQ, model.DefaultOKFile)
			if res.Status != model.StatusDone {
				t.Fatalf("status = %s (%s), want DONE", res.Status, res.Error)
			}
			if res.JobID != tc.jobID {
				t.Errorf("job id = %q", res.JobID)
			}
			if qstatArgs != "-x 10001" {
				t.Errorf("qstat args = %q, want \"-x 10001\"", qstatArgs)
			}
			if tc.flakyQ && res.PollFailures != 1 {
				t.Errorf("poll failures = %d, want 1", res.PollFailures)
			}
		})
	}
}

func TestTorqueJobErrorFile(t *testing.T) {
	res, _ := runTorqueJob(t, "10001.s034-lcam", false, false, model.DefaultExitFile)
	if res.Status != model.StatusExit {
		t.Fatalf("status = %s, want EXIT", res.Status)
	}
}

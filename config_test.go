package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/SyneHQ/jobqueue/model"
	"github.com/sirupsen/logrus"
)

const sampleConfig = `
driver: torque
options:
  QSUB_CMD: /opt/pbs/bin/qsub
  QSTAT_OPTIONS: -x
  QUEUE: long
max_running: 5
poll_interval: 500ms
batch_timeout: 2h
submit_rate: 2.5
ensemble:
  job_script: /project/bin/job_dispatch.py
  job_name: dummy_job_%d
  run_path: /scratch/run/realization-%d
  num_cpu: 2
  realizations: 25
store:
  driver: sqlite
  path: /tmp/jobqueue.db
secrets:
  - name: OMP_NUM_THREADS
    value: "1"
  - name: LICENSE_SERVER
    value: $LICENSE_SERVER
log_level: debug
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.yml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Driver != "torque" || cfg.MaxRunning != 5 {
		t.Errorf("driver %q max_running %d", cfg.Driver, cfg.MaxRunning)
	}
	if len(cfg.Options) != 3 || cfg.Options[0].Key != "QSUB_CMD" || cfg.Options.String("QUEUE", "") != "long" {
		t.Errorf("options = %+v", cfg.Options)
	}
	if cfg.PollInterval != 500*time.Millisecond || cfg.BatchTimeout != 2*time.Hour {
		t.Errorf("durations %s %s", cfg.PollInterval, cfg.BatchTimeout)
	}
	if cfg.MaxPollFailures != 60 {
		t.Errorf("max_poll_failures default = %d", cfg.MaxPollFailures)
	}
	if spec := cfg.Ensemble.Expand(7); spec.JobName != "dummy_job_7" || spec.RunPath != "/scratch/run/realization-7" || spec.NumCPU != 2 {
		t.Errorf("expanded spec = %+v", spec)
	}
	if len(cfg.Secrets) != 2 || cfg.Secrets[1].Value != "$LICENSE_SERVER" {
		t.Errorf("secrets = %+v", cfg.Secrets)
	}

	q := cfg.QueueConfig()
	if q.SubmitRate != 2.5 || q.PollInterval != 500*time.Millisecond {
		t.Errorf("queue config = %+v", q)
	}
	if cfg.NewLogger().GetLevel() != logrus.DebugLevel {
		t.Error("log level not applied")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("QUEUE_DRIVER", "slurm")
	t.Setenv("MAX_RUNNING", "12")
	t.Setenv("ETCD_ENDPOINTS", "etcd-0:2379,etcd-1:2379")
	t.Setenv("STORE_DRIVER", "etcd")
	t.Setenv("USE_INFISICAL", "true")

	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Driver != "slurm" || cfg.MaxRunning != 12 || !cfg.UseInfisical {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Store.Driver != "etcd" || len(cfg.Store.Endpoints) != 2 {
		t.Errorf("store = %+v", cfg.Store)
	}
}

func TestLoadRejects(t *testing.T) {
	cases := map[string]string{
		"unknown field":   "driver: local\nmax_runing: 3\n",
		"zero running":    "driver: local\nmax_running: 0\n",
		"bad level":       "driver: local\nlog_level: loud\n",
		"nameless secret": "driver: local\nsecrets:\n  - value: x\n",
	}
	for name, body := range cases {
		if _, err := Load(writeConfig(t, body)); !model.IsConfig(err) {
			t.Errorf("%s: want config error, got %v", name, err)
		}
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yml")); !model.IsConfig(err) {
		t.Errorf("missing file: %v", err)
	}

	t.Setenv("MAX_RUNNING", "many")
	if _, err := Load(writeConfig(t, "driver: local\n")); !model.IsConfig(err) {
		t.Errorf("bad MAX_RUNNING: %v", err)
	}
}

package runner

import (
	"testing"
	"time"

	"github.com/SyneHQ/jobqueue/model"
	"go.yaml.in/yaml/v3"
)

func TestOptionsLastValueWins(t *testing.T) {
	opts := Options{{Key: "QUEUE", Value: "short"}, {Key: "queue", Value: "long"}}
	if got := opts.String("QUEUE", ""); got != "long" {
		t.Errorf("QUEUE = %q, want long", got)
	}
	if got := opts.String("MISSING", "def"); got != "def" {
		t.Errorf("default = %q", got)
	}
}

func TestOptionsTypedValues(t *testing.T) {
	opts := Options{
		{Key: "NUM_NODES", Value: "4"},
		{Key: "SUBMIT_BACKOFF", Value: "3"},
		{Key: "COMMAND_TIMEOUT", Value: "1m30s"},
		{Key: "KEEP_QSUB_OUTPUT", Value: "true"},
		{Key: "BAD", Value: "x"},
	}
	if n, err := opts.Int("NUM_NODES", 1); err != nil || n != 4 {
		t.Errorf("Int = %d, %v", n, err)
	}
	if d, err := opts.Duration("SUBMIT_BACKOFF", 0); err != nil || d != 3*time.Second {
		t.Errorf("bare seconds = %s, %v", d, err)
	}
	if d, err := opts.Duration("COMMAND_TIMEOUT", 0); err != nil || d != 90*time.Second {
		t.Errorf("duration = %s, %v", d, err)
	}
	if b, err := opts.Bool("KEEP_QSUB_OUTPUT", false); err != nil || !b {
		t.Errorf("Bool = %v, %v", b, err)
	}
	if _, err := opts.Int("BAD", 0); !model.IsConfig(err) {
		t.Errorf("bad int should be a config error, got %v", err)
	}
	if _, err := opts.Duration("BAD", 0); !model.IsConfig(err) {
		t.Errorf("bad duration should be a config error, got %v", err)
	}
}

func TestOptionsCheck(t *testing.T) {
	opts := Options{{Key: "QSUB_CMD", Value: "qsub"}, {Key: "ZZZ", Value: "1"}, {Key: "AAA", Value: "2"}}
	err := opts.Check(DriverTorque, commonKeys, torqueKeys)
	if !model.IsConfig(err) {
		t.Fatalf("want config error, got %v", err)
	}
	if want := "config: torque driver: unknown option(s) AAA, ZZZ"; err.Error() != want {
		t.Errorf("error = %q, want %q", err, want)
	}
	if err := (Options{{Key: "max_submit", Value: "3"}}).Check(DriverTorque, commonKeys, torqueKeys); err != nil {
		t.Errorf("lower-case known key rejected: %v", err)
	}
}

func TestOptionsUnmarshalYAML(t *testing.T) {
	var mapping struct {
		Options Options `yaml:"options"`
	}
	doc := "options:\n  QSUB_CMD: /opt/pbs/qsub\n  QUEUE: long\n  NUM_NODES: 2\n"
	if err := yaml.Unmarshal([]byte(doc), &mapping); err != nil {
		t.Fatalf("mapping: %v", err)
	}
	if len(mapping.Options) != 3 || mapping.Options[0].Key != "QSUB_CMD" || mapping.Options[2].Value != "2" {
		t.Errorf("mapping decoded as %+v", mapping.Options)
	}

	var pairs struct {
		Options Options `yaml:"options"`
	}
	doc = "options:\n  - [QUEUE, short]\n  - [QUEUE, long]\n"
	if err := yaml.Unmarshal([]byte(doc), &pairs); err != nil {
		t.Fatalf("pairs: %v", err)
	}
	if got := pairs.Options.String("QUEUE", ""); got != "long" {
		t.Errorf("QUEUE = %q, want long", got)
	}

	doc = "options:\n  - [QUEUE]\n"
	if err := yaml.Unmarshal([]byte(doc), &pairs); err == nil {
		t.Error("expected an error for a one-element pair")
	}
}

func TestParseCommon(t *testing.T) {
	c, err := parseCommon(nil)
	if err != nil {
		t.Fatal(err)
	}
	if c.retry.attempts != DefaultMaxSubmit || c.retry.backoff != DefaultSubmitBackoff || c.timeout != DefaultCommandTimeout {
		t.Errorf("defaults = %+v", c)
	}
	if _, err := parseCommon(Options{{Key: "MAX_SUBMIT", Value: "0"}}); !model.IsConfig(err) {
		t.Errorf("MAX_SUBMIT=0 should be rejected, got %v", err)
	}
}

package secrets

import (
	"io"
	"testing"

	config "github.com/SyneHQ/jobqueue"
	"github.com/infisical/go-sdk/packages/models"
	"github.com/sirupsen/logrus"
)

func TestFilterSecrets(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	t.Setenv("LICENSE_SERVER", "1234@flexlm")

	vault := []models.Secret{
		{SecretKey: "DB_PASSWORD", SecretValue: "from-vault"},
		{SecretKey: "UNUSED", SecretValue: "x"},
	}
	cfg := []config.SecretConfig{
		{Name: "DB_PASSWORD", Value: "$DB_PASSWORD"},
		{Name: "LICENSE_SERVER", Value: "$LICENSE_SERVER"},
		{Name: "OMP_NUM_THREADS", Value: "1"},
		{Name: "MISSING", Value: "$MISSING"},
	}

	got := FilterSecrets(vault, cfg, log)
	want := map[string]string{
		"DB_PASSWORD":     "from-vault",
		"LICENSE_SERVER":  "1234@flexlm",
		"OMP_NUM_THREADS": "1",
	}
	if len(got) != len(want) {
		t.Fatalf("got %d secrets: %+v", len(got), got)
	}
	for _, s := range got {
		if want[s.SecretKey] != s.SecretValue {
			t.Errorf("%s = %q, want %q", s.SecretKey, s.SecretValue, want[s.SecretKey])
		}
	}
}

func TestEnvLastValueWins(t *testing.T) {
	env := Env([]models.Secret{
		{SecretKey: "A", SecretValue: "1"},
		{SecretKey: "B", SecretValue: "2"},
		{SecretKey: "A", SecretValue: "3"},
	})
	if len(env) != 2 || env[0].Name != "A" || env[0].Value != "3" || env[1].Value != "2" {
		t.Errorf("env = %+v", env)
	}
}

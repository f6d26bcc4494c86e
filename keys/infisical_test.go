package keys

import (
	"context"
	"io"
	"testing"

	"github.com/SyneHQ/jobqueue/model"
	"github.com/sirupsen/logrus"
)

func TestInfisicalConfigFromEnv(t *testing.T) {
	t.Setenv("INFISICAL_CLIENT_ID", "id")
	t.Setenv("INFISICAL_CLIENT_SECRET", "secret")
	t.Setenv("INFISICAL_PROJECT_ID", "proj")
	t.Setenv("INFISICAL_ENV", "dev")
	t.Setenv("INFISICAL_API_URL", "https://vault.example.com")

	cfg := InfisicalConfigFromEnv()
	if cfg.ClientID != "id" || cfg.ProjectID != "proj" || cfg.SiteURL != "https://vault.example.com" {
		t.Errorf("cfg = %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadInfisicalSecretsNeedsCredentials(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)

	_, err := LoadInfisicalSecrets(context.Background(), InfisicalConfig{ProjectID: "proj"}, log)
	if !model.IsConfig(err) {
		t.Fatalf("want config error, got %v", err)
	}
}

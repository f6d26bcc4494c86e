package keys

import (
	"context"
	"fmt"
	"os"

	"github.com/SyneHQ/jobqueue/model"
	infisical "github.com/infisical/go-sdk"
	"github.com/infisical/go-sdk/packages/models"
	"github.com/sirupsen/logrus"
)

type InfisicalConfig struct {
	SiteURL      string // optional, default is https://app.infisical.com
	ClientID     string
	ClientSecret string
	ProjectID    string
	Environment  string
}

// InfisicalConfigFromEnv reads the INFISICAL_* variables.
func InfisicalConfigFromEnv() InfisicalConfig {
	return InfisicalConfig{
		SiteURL:      os.Getenv("INFISICAL_API_URL"),
		ClientID:     os.Getenv("INFISICAL_CLIENT_ID"),
		ClientSecret: os.Getenv("INFISICAL_CLIENT_SECRET"),
		ProjectID:    os.Getenv("INFISICAL_PROJECT_ID"),
		Environment:  os.Getenv("INFISICAL_ENV"),
	}
}

func (c InfisicalConfig) Validate() error {
	var missing []string
	if c.ClientID == "" {
		missing = append(missing, "INFISICAL_CLIENT_ID")
	}
	if c.ClientSecret == "" {
		missing = append(missing, "INFISICAL_CLIENT_SECRET")
	}
	if c.ProjectID == "" {
		missing = append(missing, "INFISICAL_PROJECT_ID")
	}
	if c.Environment == "" {
		missing = append(missing, "INFISICAL_ENV")
	}
	if len(missing) > 0 {
		return model.Errorf(model.ErrorConfig, "infisical: missing %v", missing)
	}
	return nil
}

// LoadInfisicalSecrets logs in with universal auth and lists the project's
// secrets for the configured environment.
func LoadInfisicalSecrets(ctx context.Context, cfg InfisicalConfig, log logrus.FieldLogger) ([]models.Secret, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client := infisical.NewInfisicalClient(ctx, infisical.Config{
		SiteUrl:          cfg.SiteURL,
		AutoTokenRefresh: true,
	})

	log.Debug("Logging in to Infisical")
	if _, err := client.Auth().UniversalAuthLogin(cfg.ClientID, cfg.ClientSecret); err != nil {
		return nil, fmt.Errorf("failed to authenticate with Infisical: %w", err)
	}

	sec, err := client.Secrets().List(infisical.ListSecretsOptions{
		ProjectID:   cfg.ProjectID,
		Environment: cfg.Environment,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load secrets from Infisical: %w", err)
	}

	log.WithField("count", len(sec)).Info("Loaded secrets from Infisical")
	return sec, nil
}

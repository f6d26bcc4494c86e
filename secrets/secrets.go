// Package secrets decides which secrets reach the job environment.
package secrets

import (
	"os"
	"strings"

	config "github.com/SyneHQ/jobqueue"
	"github.com/SyneHQ/jobqueue/runner"
	"github.com/infisical/go-sdk/packages/models"
	"github.com/sirupsen/logrus"
)

// FilterSecrets resolves the configured secrets. A value containing "$" is a
// reference: it is taken from the vault if present there, else from the
// process environment. Any other value is used literally.
func FilterSecrets(secrets []models.Secret, secretsConfig []config.SecretConfig, log logrus.FieldLogger) []models.Secret {
	secretMap := make(map[string]models.Secret, len(secrets))
	for _, s := range secrets {
		secretMap[s.SecretKey] = s
	}

	allSecrets := make([]models.Secret, 0, len(secretsConfig))
	for _, sc := range secretsConfig {
		if !strings.Contains(sc.Value, "$") {
			allSecrets = append(allSecrets, models.Secret{SecretKey: sc.Name, SecretValue: sc.Value})
			continue
		}
		if s, ok := secretMap[sc.Name]; ok {
			allSecrets = append(allSecrets, s)
			continue
		}
		if value := os.Getenv(sc.Name); value != "" {
			allSecrets = append(allSecrets, models.Secret{SecretKey: sc.Name, SecretValue: value})
			continue
		}
		log.WithField("secret", sc.Name).Warn("Secret not found in vault or environment")
	}
	return allSecrets
}

// Env turns secrets into the extra environment of every spawned command.
// Later entries win on duplicate names.
func Env(secrets []models.Secret) []runner.EnvVar {
	index := map[string]int{}
	var out []runner.EnvVar
	for _, s := range secrets {
		if i, ok := index[s.SecretKey]; ok {
			out[i].Value = s.SecretValue
			continue
		}
		index[s.SecretKey] = len(out)
		out = append(out, runner.EnvVar{Name: s.SecretKey, Value: s.SecretValue})
	}
	return out
}

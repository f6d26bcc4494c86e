package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/SyneHQ/jobqueue/model"
	"github.com/SyneHQ/jobqueue/queue"
	"github.com/SyneHQ/jobqueue/runner"
	"github.com/SyneHQ/jobqueue/store"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"go.yaml.in/yaml/v3"
)

// SecretConfig names one variable of the job environment. Values containing
// "$" are looked up, anything else is literal.
type SecretConfig struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type Config struct {
	Driver     string         `yaml:"driver"`
	Options    runner.Options `yaml:"options"`
	MaxRunning int            `yaml:"max_running"`

	PollInterval    time.Duration `yaml:"poll_interval"`
	MaxPollFailures int           `yaml:"max_poll_failures"`
	BatchTimeout    time.Duration `yaml:"batch_timeout"`
	KillTimeout     time.Duration `yaml:"kill_timeout"`
	SubmitRate      float64       `yaml:"submit_rate"`
	SubmitBurst     int           `yaml:"submit_burst"`

	Ensemble model.RunTemplate `yaml:"ensemble"`

	Store        store.Config   `yaml:"store"`
	NATS         NATSConfig     `yaml:"nats"`
	Secrets      []SecretConfig `yaml:"secrets"`
	UseInfisical bool           `yaml:"use_infisical"`

	LogLevel    string `yaml:"log_level"`
	Environment string `yaml:"environment"`
}

// Load reads .env (if present), then the YAML file at path, then applies
// environment overrides.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, model.NewQueueError(model.ErrorConfig, "read config "+path, err)
	}
	if err := cfg.decode(data); err != nil {
		return nil, model.NewQueueError(model.ErrorConfig, "parse config "+path, err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Default() *Config {
	return &Config{
		Driver:          runner.DriverLocal,
		MaxRunning:      1,
		PollInterval:    queue.DefaultPollInterval,
		MaxPollFailures: queue.DefaultMaxPollFailures,
		KillTimeout:     queue.DefaultKillTimeout,
		LogLevel:        "info",
		Environment:     "development",
	}
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(c)
}

func (c *Config) applyEnv() error {
	c.Driver = getEnv("QUEUE_DRIVER", c.Driver)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.Environment = getEnv("ENVIRONMENT", c.Environment)
	c.Store.Driver = getEnv("STORE_DRIVER", c.Store.Driver)
	c.Store.Path = getEnv("STORE_PATH", c.Store.Path)
	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)

	if v := os.Getenv("ETCD_ENDPOINTS"); v != "" {
		c.Store.Endpoints = strings.Split(v, ",")
	}
	if v := os.Getenv("MAX_RUNNING"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return model.NewQueueError(model.ErrorConfig, "MAX_RUNNING", err)
		}
		c.MaxRunning = n
	}
	if v := os.Getenv("USE_INFISICAL"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return model.NewQueueError(model.ErrorConfig, "USE_INFISICAL", err)
		}
		c.UseInfisical = b
	}
	return nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Driver) == "" {
		return model.Errorf(model.ErrorConfig, "driver is required")
	}
	if c.MaxRunning < 1 {
		return model.Errorf(model.ErrorConfig, "max_running must be at least 1, got %d", c.MaxRunning)
	}
	if c.Ensemble.Realizations < 0 {
		return model.Errorf(model.ErrorConfig, "ensemble.realizations is negative")
	}
	if c.SubmitRate < 0 {
		return model.Errorf(model.ErrorConfig, "submit_rate is negative")
	}
	for _, s := range c.Secrets {
		if s.Name == "" {
			return model.Errorf(model.ErrorConfig, "secret without a name")
		}
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return model.NewQueueError(model.ErrorConfig, "log_level", err)
	}
	return nil
}

func (c *Config) QueueConfig() queue.Config {
	return queue.Config{
		PollInterval:    c.PollInterval,
		MaxPollFailures: c.MaxPollFailures,
		BatchTimeout:    c.BatchTimeout,
		SubmitRate:      c.SubmitRate,
		SubmitBurst:     c.SubmitBurst,
		KillTimeout:     c.KillTimeout,
	}
}

// NewLogger builds the process logger at the configured level.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	config "github.com/SyneHQ/jobqueue"
	"github.com/SyneHQ/jobqueue/events"
	"github.com/SyneHQ/jobqueue/keys"
	"github.com/SyneHQ/jobqueue/model"
	"github.com/SyneHQ/jobqueue/queue"
	"github.com/SyneHQ/jobqueue/runner"
	"github.com/SyneHQ/jobqueue/secrets"
	"github.com/SyneHQ/jobqueue/store"
	"github.com/infisical/go-sdk/packages/models"
	"github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "queue.yml", "queue configuration file")
	realizations := flag.Int("n", 0, "number of realizations (overrides ensemble.realizations)")
	maxRunning := flag.Int("max-running", 0, "concurrency ceiling (overrides max_running)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "jobqueue: %v\n", err)
		os.Exit(2)
	}
	if *realizations > 0 {
		cfg.Ensemble.Realizations = *realizations
	}
	if *maxRunning > 0 {
		cfg.MaxRunning = *maxRunning
	}

	logger := cfg.NewLogger()
	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("Batch did not succeed")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var vault []models.Secret
	if cfg.UseInfisical {
		var err error
		vault, err = keys.LoadInfisicalSecrets(ctx, keys.InfisicalConfigFromEnv(), logger)
		if err != nil {
			return err
		}
	}
	env := secrets.Env(secrets.FilterSecrets(vault, cfg.Secrets, logger))

	driver, err := runner.New(cfg.Driver, cfg.Options, env, logger)
	if err != nil {
		return err
	}

	opts := []queue.Option{queue.WithLogger(logger)}
	archive, err := store.Open(cfg.Store)
	if err != nil {
		return err
	}
	if archive != nil {
		defer archive.Close()
		opts = append(opts, queue.WithArchiver(archive))
	}
	if cfg.NATS.URL != "" {
		pub, err := events.DialNATS(cfg.NATS.URL, cfg.NATS.SubjectPrefix, logger)
		if err != nil {
			return err
		}
		defer pub.Close()
		opts = append(opts, queue.WithPublisher(pub))
	}

	nodes, err := buildNodes(cfg.Ensemble)
	if err != nil {
		return err
	}

	m := queue.NewManager(driver, cfg.QueueConfig(), opts...)
	batch, err := m.Run(ctx, nodes, cfg.MaxRunning)
	if err != nil {
		return err
	}

	printSummary(os.Stdout, batch)
	if !batch.Succeeded() {
		return fmt.Errorf("%d of %d realizations did not finish", len(batch.Jobs)-batch.Count(model.StatusDone), len(batch.Jobs))
	}
	return nil
}

func buildNodes(tmpl model.RunTemplate) ([]*queue.JobNode, error) {
	if tmpl.Realizations < 1 {
		return nil, model.Errorf(model.ErrorConfig, "ensemble has no realizations")
	}
	nodes := make([]*queue.JobNode, 0, tmpl.Realizations)
	for iens := 0; iens < tmpl.Realizations; iens++ {
		spec := tmpl.Expand(iens)
		if err := os.MkdirAll(spec.RunPath, 0o755); err != nil {
			return nil, fmt.Errorf("create run path: %w", err)
		}
		node, err := queue.NewJobNode(iens, spec)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

func printSummary(out *os.File, batch model.BatchResult) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "IENS\tNAME\tJOB ID\tSTATUS\tDETAIL\n")
	for _, iens := range batch.Indices() {
		j := batch.Jobs[iens]
		detail := j.Message
		if j.Error != "" {
			detail = j.Error
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", iens, j.Name, j.JobID, j.Status, detail)
	}
	w.Flush()
	fmt.Fprintf(out, "batch %s: %d/%d done\n", batch.ID, batch.Count(model.StatusDone), len(batch.Jobs))
}

package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/SyneHQ/jobqueue/model"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

const (
	DefaultMaxSubmit      = 2
	DefaultSubmitBackoff  = 2 * time.Second
	MaxSubmitBackoff      = 30 * time.Second
	DefaultCommandTimeout = 60 * time.Second
)

// Keys accepted by every driver.
var commonKeys = []string{"MAX_SUBMIT", "SUBMIT_BACKOFF", "COMMAND_TIMEOUT"}

type retryPolicy struct {
	attempts int
	backoff  time.Duration
}

type commonSettings struct {
	retry   retryPolicy
	timeout time.Duration
}

func parseCommon(opts Options) (commonSettings, error) {
	attempts, err := opts.Int("MAX_SUBMIT", DefaultMaxSubmit)
	if err != nil {
		return commonSettings{}, err
	}
	if attempts < 1 {
		return commonSettings{}, model.Errorf(model.ErrorConfig, "MAX_SUBMIT must be at least 1, got %d", attempts)
	}
	delay, err := opts.Duration("SUBMIT_BACKOFF", DefaultSubmitBackoff)
	if err != nil {
		return commonSettings{}, err
	}
	timeout, err := opts.Duration("COMMAND_TIMEOUT", DefaultCommandTimeout)
	if err != nil {
		return commonSettings{}, err
	}
	return commonSettings{
		retry:   retryPolicy{attempts: attempts, backoff: delay},
		timeout: timeout,
	}, nil
}

// newBackOff doubles the delay from p.backoff up to MaxSubmitBackoff and
// stops after p.attempts calls.
func (p retryPolicy) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.backoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = MaxSubmitBackoff
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.attempts-1)), ctx)
}

// submit calls fn until it succeeds, fails permanently or runs out of
// attempts. Only transient errors are retried.
func (p retryPolicy) submit(ctx context.Context, log logrus.FieldLogger, name string, fn func(attempt int) (string, error)) (string, error) {
	attempt := 0
	id, err := backoff.RetryWithData(func() (string, error) {
		attempt++
		id, err := fn(attempt)
		if err == nil {
			return id, nil
		}
		if !model.IsTransient(err) {
			return "", backoff.Permanent(err)
		}
		log.WithError(err).WithFields(logrus.Fields{"job": name, "attempt": attempt}).Debug("submit attempt failed")
		return "", err
	}, p.newBackOff(ctx))
	switch {
	case err == nil:
		return id, nil
	case ctx.Err() != nil:
		return "", ctx.Err()
	case !model.IsTransient(err):
		return "", err
	}
	return "", model.NewQueueError(model.ErrorSubmitExhausted,
		fmt.Sprintf("submitting %s failed %d time(s)", name, attempt), err)
}

package runner

import (
	"context"
	"fmt"

	run "cloud.google.com/go/run/apiv2"
	rpb "cloud.google.com/go/run/apiv2/runpb"
	"github.com/SyneHQ/jobqueue/model"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var cloudRunKeys = []string{"PROJECT_ID", "REGION", "JOB", "CREDENTIALS_FILE"}

// CloudRunDriver starts one execution of an existing Cloud Run job per
// realization. The container receives the run path as its only argument.
type CloudRunDriver struct {
	ProjectID string
	Region    string
	Job       string
	// Optional additional client options (e.g., custom credentials)
	ClientOptions []option.ClientOption

	env   []*rpb.EnvVar
	retry retryPolicy
	log   logrus.FieldLogger
}

func NewCloudRunDriver(opts Options, env []EnvVar, log logrus.FieldLogger) (*CloudRunDriver, error) {
	if err := opts.Check(DriverCloudRun, commonKeys, cloudRunKeys); err != nil {
		return nil, err
	}
	common, err := parseCommon(opts)
	if err != nil {
		return nil, err
	}

	c := &CloudRunDriver{
		ProjectID: opts.String("PROJECT_ID", ""),
		Region:    opts.String("REGION", ""),
		Job:       opts.String("JOB", ""),
		retry:     common.retry,
		log:       log,
	}
	if c.ProjectID == "" || c.Region == "" || c.Job == "" {
		return nil, model.Errorf(model.ErrorConfig, "cloudrun driver: PROJECT_ID, REGION and JOB are required")
	}
	if creds := opts.String("CREDENTIALS_FILE", ""); creds != "" {
		c.ClientOptions = append(c.ClientOptions, option.WithCredentialsFile(creds))
	}
	for _, e := range env {
		c.env = append(c.env, &rpb.EnvVar{Name: e.Name, Values: &rpb.EnvVar_Value{Value: e.Value}})
	}
	return c, nil
}

func (c *CloudRunDriver) Name() string { return DriverCloudRun }

func (c *CloudRunDriver) jobName() string {
	return fmt.Sprintf("projects/%s/locations/%s/jobs/%s", c.ProjectID, c.Region, c.Job)
}

func (c *CloudRunDriver) Submit(ctx context.Context, spec model.JobSpec) (string, error) {
	client, err := run.NewJobsClient(ctx, c.ClientOptions...)
	if err != nil {
		return "", model.NewQueueError(model.ErrorConfig, "cloud run client", err)
	}
	defer client.Close()

	req := &rpb.RunJobRequest{
		Name: c.jobName(),
		Overrides: &rpb.RunJobRequest_Overrides{
			ContainerOverrides: []*rpb.RunJobRequest_Overrides_ContainerOverride{{
				Args: []string{spec.RunPath},
				Env:  c.env,
			}},
			TaskCount: 1,
		},
	}

	return c.retry.submit(ctx, c.log, spec.JobName, func(int) (string, error) {
		op, err := client.RunJob(ctx, req)
		if err != nil {
			return "", grpcError("run job "+c.Job, err)
		}
		// The execution exists as soon as the operation carries metadata;
		// there is no need to wait for it to finish.
		exec, err := op.Metadata()
		if err == nil && exec == nil {
			if _, err = op.Poll(ctx); err == nil {
				exec, err = op.Metadata()
			}
		}
		if err != nil {
			return "", grpcError("run job "+c.Job, err)
		}
		if exec.GetName() == "" {
			return "", model.Errorf(model.ErrorTransient, "run job %s: no execution name in operation %s", c.Job, op.Name())
		}
		return exec.GetName(), nil
	})
}

func (c *CloudRunDriver) Poll(ctx context.Context, jobID string) (model.QueueStatus, error) {
	client, err := run.NewExecutionsClient(ctx, c.ClientOptions...)
	if err != nil {
		return model.StatusNotSubmitted, model.NewQueueError(model.ErrorTransient, "cloud run client", err)
	}
	defer client.Close()

	exec, err := client.GetExecution(ctx, &rpb.GetExecutionRequest{Name: jobID})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return model.StatusNotSubmitted, model.NewQueueError(model.ErrorTransient, "execution "+jobID+" not found", err)
		}
		return model.StatusNotSubmitted, grpcError("get execution", err)
	}
	return executionStatus(exec), nil
}

func executionStatus(exec *rpb.Execution) model.QueueStatus {
	switch {
	case exec.GetCompletionTime() != nil:
		if exec.GetFailedCount() > 0 || exec.GetCancelledCount() > 0 {
			return model.StatusExit
		}
		return model.StatusDone
	case exec.GetRunningCount() > 0 || exec.GetStartTime() != nil:
		return model.StatusRunning
	default:
		return model.StatusPending
	}
}

func (c *CloudRunDriver) Kill(ctx context.Context, jobID string) error {
	client, err := run.NewExecutionsClient(ctx, c.ClientOptions...)
	if err != nil {
		return model.NewQueueError(model.ErrorTransient, "cloud run client", err)
	}
	defer client.Close()

	if _, err := client.CancelExecution(ctx, &rpb.CancelExecutionRequest{Name: jobID}); err != nil {
		if status.Code(err) == codes.NotFound {
			return nil
		}
		return grpcError("cancel execution", err)
	}
	return nil
}

// grpcError retries only the codes a later call can plausibly fix.
func grpcError(op string, err error) error {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Internal, codes.Aborted:
		return model.NewQueueError(model.ErrorTransient, op, err)
	default:
		return model.NewQueueError(model.ErrorConfig, op, err)
	}
}

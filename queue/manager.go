package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SyneHQ/jobqueue/events"
	"github.com/SyneHQ/jobqueue/model"
	"github.com/SyneHQ/jobqueue/runner"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Timeout for archiving and publishing one result.
const sinkTimeout = 10 * time.Second

type Config struct {
	PollInterval    time.Duration
	MaxPollFailures int
	// BatchTimeout is the wall-clock budget of one Run, 0 for none. When it
	// runs out every remaining node is killed.
	BatchTimeout time.Duration
	// SubmitRate limits submissions per second across the batch, 0 for none.
	SubmitRate  float64
	SubmitBurst int
	KillTimeout time.Duration
}

// Archiver stores results as they come in.
type Archiver interface {
	ArchiveJob(ctx context.Context, batchID string, res model.JobResult) error
	ArchiveBatch(ctx context.Context, res model.BatchResult) error
}

type Option func(*Manager)

func WithLogger(log logrus.FieldLogger) Option {
	return func(m *Manager) { m.log = log }
}

func WithArchiver(a Archiver) Option {
	return func(m *Manager) { m.archiver = a }
}

func WithPublisher(p events.Publisher) Option {
	return func(m *Manager) { m.publisher = p }
}

// Manager runs batches of JobNodes against one driver. One batch at a time.
type Manager struct {
	driver    runner.Driver
	cfg       Config
	log       logrus.FieldLogger
	archiver  Archiver
	publisher events.Publisher

	running atomic.Bool

	mu      sync.Mutex
	nodes   []*JobNode
	batchID string
}

func NewManager(driver runner.Driver, cfg Config, opts ...Option) *Manager {
	m := &Manager{driver: driver, cfg: cfg, log: logrus.StandardLogger(), publisher: events.Nop{}}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) pollConfig() PollConfig {
	return PollConfig{
		Interval:        m.cfg.PollInterval,
		MaxPollFailures: m.cfg.MaxPollFailures,
		KillTimeout:     m.cfg.KillTimeout,
		Log:             m.log,
	}.withDefaults()
}

// Run drives every node to a terminal state with at most maxConcurrent of
// them holding a slot at once, and returns only when all are terminal.
// Errors are reserved for an unusable batch; job failures end up in the
// BatchResult. Cancelling ctx kills the batch.
func (m *Manager) Run(ctx context.Context, nodes []*JobNode, maxConcurrent int) (model.BatchResult, error) {
	if err := checkBatch(nodes, maxConcurrent); err != nil {
		return model.BatchResult{}, err
	}
	if !m.running.CompareAndSwap(false, true) {
		return model.BatchResult{}, model.Errorf(model.ErrorConfig, "a batch is already running on this manager")
	}
	defer m.running.Store(false)

	batch := model.BatchResult{
		ID:        uuid.NewString(),
		Driver:    m.driver.Name(),
		StartedAt: time.Now(),
		Jobs:      make(map[int]model.JobResult, len(nodes)),
	}
	m.mu.Lock()
	m.nodes = nodes
	m.batchID = batch.ID
	m.mu.Unlock()

	log := m.log.WithFields(logrus.Fields{"batch": batch.ID, "driver": batch.Driver})
	log.Infof("Running %d realizations, at most %d at a time", len(nodes), maxConcurrent)

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if m.cfg.BatchTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, m.cfg.BatchTimeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	stop := context.AfterFunc(runCtx, func() {
		if n := m.KillAll(); n > 0 {
			log.WithError(context.Cause(runCtx)).Warnf("Killed %d unfinished realizations", n)
		}
	})
	defer stop()

	driver := m.driver
	if m.cfg.SubmitRate > 0 {
		burst := m.cfg.SubmitBurst
		if burst < 1 {
			burst = 1
		}
		driver = pacedDriver{Driver: driver, limiter: rate.NewLimiter(rate.Limit(m.cfg.SubmitRate), burst)}
	}

	pcfg := m.pollConfig()
	pcfg.Log = log
	pcfg.onSubmit = func(n *JobNode) {
		m.publish(log, events.Event{
			Type:    events.TypeSubmitted,
			BatchID: batch.ID,
			Driver:  batch.Driver,
			Index:   n.Index,
			Name:    n.Spec.JobName,
			JobID:   n.JobID(),
			Status:  model.StatusSubmitted,
			Time:    time.Now(),
		})
	}

	sem := semaphore.NewWeighted(int64(maxConcurrent))
	results := make(chan model.JobResult, len(nodes))
	var wg sync.WaitGroup
	for _, n := range nodes {
		wg.Add(1)
		go func(n *JobNode) {
			defer wg.Done()
			res := n.Run(runCtx, driver, sem, pcfg)
			m.archiveJob(log, batch.ID, res)
			m.publish(log, events.FromResult(batch.ID, batch.Driver, res))
			results <- res
		}(n)
	}
	wg.Wait()
	close(results)

	for res := range results {
		batch.Jobs[res.Index] = res
	}
	batch.FinishedAt = time.Now()

	if m.archiver != nil {
		actx, acancel := context.WithTimeout(context.Background(), sinkTimeout)
		if err := m.archiver.ArchiveBatch(actx, batch); err != nil {
			log.WithError(err).Error("Could not archive batch")
		}
		acancel()
	}

	log.WithFields(logrus.Fields{
		"done":          batch.Count(model.StatusDone),
		"exit":          batch.Count(model.StatusExit),
		"failed_submit": batch.Count(model.StatusFailedSubmit),
		"killed":        batch.Count(model.StatusKilled),
		"elapsed":       batch.FinishedAt.Sub(batch.StartedAt).Round(time.Millisecond),
	}).Info("Batch finished")
	return batch, nil
}

func checkBatch(nodes []*JobNode, maxConcurrent int) error {
	if len(nodes) == 0 {
		return model.Errorf(model.ErrorConfig, "no jobs to run")
	}
	if maxConcurrent < 1 {
		return model.Errorf(model.ErrorConfig, "max concurrent jobs must be at least 1, got %d", maxConcurrent)
	}
	seen := make(map[int]bool, len(nodes))
	for _, n := range nodes {
		if n == nil {
			return model.Errorf(model.ErrorConfig, "nil job node")
		}
		if seen[n.Index] {
			return model.Errorf(model.ErrorConfig, "realization %d appears twice", n.Index)
		}
		if n.Status() != model.StatusNotSubmitted {
			return model.Errorf(model.ErrorConfig, "realization %d was already run", n.Index)
		}
		seen[n.Index] = true
	}
	return nil
}

// KillAll marks every unfinished node of the current batch KILLED and fires
// the backend cancel commands without waiting for them. It returns the
// number of nodes it killed.
func (m *Manager) KillAll() int {
	m.mu.Lock()
	nodes := m.nodes
	m.mu.Unlock()

	pcfg := m.pollConfig()
	killed := 0
	for _, n := range nodes {
		if n.Kill(m.driver, pcfg) {
			killed++
		}
	}
	return killed
}

// Active counts the nodes that are submitted, pending or running.
func (m *Manager) Active() int {
	m.mu.Lock()
	nodes := m.nodes
	m.mu.Unlock()

	active := 0
	for _, n := range nodes {
		if n.Status().IsActive() {
			active++
		}
	}
	return active
}

// Snapshot returns the current status of every node in the batch.
func (m *Manager) Snapshot() map[int]model.QueueStatus {
	m.mu.Lock()
	nodes := m.nodes
	m.mu.Unlock()

	out := make(map[int]model.QueueStatus, len(nodes))
	for _, n := range nodes {
		out[n.Index] = n.Status()
	}
	return out
}

func (m *Manager) archiveJob(log logrus.FieldLogger, batchID string, res model.JobResult) {
	if m.archiver == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()
	if err := m.archiver.ArchiveJob(ctx, batchID, res); err != nil {
		log.WithError(err).WithField("iens", res.Index).Error("Could not archive result")
	}
}

func (m *Manager) publish(log logrus.FieldLogger, ev events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()
	if err := m.publisher.Publish(ctx, ev); err != nil {
		log.WithError(err).WithFields(logrus.Fields{"iens": ev.Index, "event": ev.Type}).Warn("Could not publish event")
	}
}

// pacedDriver spaces out submissions so a large batch does not hit the
// scheduler all at once.
type pacedDriver struct {
	runner.Driver
	limiter *rate.Limiter
}

func (d pacedDriver) Submit(ctx context.Context, spec model.JobSpec) (string, error) {
	r := d.limiter.Reserve()
	if delay := r.Delay(); delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			r.Cancel()
			return "", ctx.Err()
		case <-t.C:
		}
	}
	return d.Driver.Submit(ctx, spec)
}

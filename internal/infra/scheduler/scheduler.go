package scheduler

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"cube_rotation_bot/internal/app"
	"cube_rotation_bot/internal/domain/cube"
	"cube_rotation_bot/internal/infra/metrics"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// CycleProcessor closes the current cycle of one cube.
type CycleProcessor interface {
	ProcessCycle(ctx context.Context, cubeID uuid.UUID) (*app.CycleOutcome, error)
}

// DueLister finds active cubes whose payout date has passed.
type DueLister interface {
	ListDue(ctx context.Context, now time.Time) ([]*cube.Cube, error)
}

// Lease is a processing claim shared between bot instances.
type Lease interface {
	TryClaim(ctx context.Context, cubeID uuid.UUID, holder string, ttl time.Duration) (bool, error)
	ReleaseClaim(ctx context.Context, cubeID uuid.UUID, holder string) error
}

type PayoutRetrier interface {
	RetryPending(ctx context.Context) (sent, failed int, err error)
}

type StallChecker interface {
	CheckStalled(ctx context.Context, now time.Time) (int, error)
}

// Options tune the scheduler. Empty cron specs disable the matching job.
type Options struct {
	CronSpecCycleCheck  string
	CronSpecPayoutRetry string
	CronSpecStallCheck  string
	Concurrency         int
	JobTimeout          time.Duration
	InstanceID          string
	LeaseTTL            time.Duration
}

// CycleScheduler periodically closes due cycles, retries failed payouts and
// looks for stalled cubes.
type CycleScheduler struct {
	cronEngine *cron.Cron
	engine     CycleProcessor
	cubes      DueLister
	lease      Lease // optional
	payouts    PayoutRetrier
	stalls     StallChecker
	metrics    *metrics.Metrics
	logger     *logrus.Entry
	opts       Options
	now        func() time.Time

	mu       sync.Mutex
	inFlight map[uuid.UUID]struct{}
}

func NewCycleScheduler(
	engine CycleProcessor,
	cubes DueLister,
	lease Lease,
	payouts PayoutRetrier,
	stalls StallChecker,
	m *metrics.Metrics,
	logger *logrus.Entry,
	opts Options,
) *CycleScheduler {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 2 * time.Minute
	}
	if opts.InstanceID == "" {
		opts.InstanceID = uuid.NewString()
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 5 * time.Minute
	}
	return &CycleScheduler{
		cronEngine: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.Recover(cron.PrintfLogger(logger))),
		),
		engine:     engine,
		cubes:      cubes,
		lease:      lease,
		payouts:    payouts,
		stalls:     stalls,
		metrics:    m,
		logger:     logger,
		opts:       opts,
		now:        time.Now,
		inFlight:   make(map[uuid.UUID]struct{}),
	}
}

// SetClock overrides the time source used to find due cubes.
func (s *CycleScheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Start registers the jobs and starts the cron engine.
func (s *CycleScheduler) Start() error {
	s.logger.Info("Starting cycle scheduler...")

	jobs := []struct {
		name string
		spec string
		run  func(ctx context.Context)
	}{
		{name: "cycle_check", spec: s.opts.CronSpecCycleCheck, run: func(ctx context.Context) { s.RunBatch(ctx) }},
		{name: "payout_retry", spec: s.opts.CronSpecPayoutRetry, run: s.retryPayouts},
		{name: "stall_check", spec: s.opts.CronSpecStallCheck, run: s.checkStalled},
	}
	for _, job := range jobs {
		if job.spec == "" {
			continue
		}
		job := job
		_, err := s.cronEngine.AddFunc(job.spec, func() {
			s.logger.WithField("job", job.name).Debug("Cron job triggered")
			ctx, cancel := context.WithTimeout(context.Background(), s.opts.JobTimeout)
			defer cancel()
			job.run(ctx)
		})
		if err != nil {
			return err
		}
	}

	s.cronEngine.Start()
	s.logger.WithField("instance_id", s.opts.InstanceID).Info("Cycle scheduler started with jobs.")
	return nil
}

// RunBatch processes every due cube once. Failures are logged per cube and
// never stop the rest of the batch.
func (s *CycleScheduler) RunBatch(ctx context.Context) {
	s.metrics.IncBatch()

	due, err := s.cubes.ListDue(ctx, s.now())
	if err != nil {
		s.metrics.IncSchedulerError()
		s.logger.WithError(err).Error("Failed to list due cubes")
		return
	}
	if len(due) == 0 {
		return
	}

	seen := make(map[uuid.UUID]struct{}, len(due))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for _, c := range due {
		if _, dup := seen[c.ID]; dup {
			continue
		}
		seen[c.ID] = struct{}{}
		cubeID := c.ID
		g.Go(func() error {
			s.processOne(gctx, cubeID)
			return nil
		})
	}
	_ = g.Wait()
	s.logger.WithField("cubes", len(seen)).Info("Cycle batch finished")
}

func (s *CycleScheduler) processOne(ctx context.Context, cubeID uuid.UUID) {
	logCtx := s.logger.WithField("cube_id", cubeID)
	defer func() {
		// A panic in one cube must not take down the batch.
		if r := recover(); r != nil {
			s.metrics.IncSchedulerError()
			logCtx.WithField("panic", r).Errorf("Cycle processing panicked\n%s", debug.Stack())
		}
	}()

	if !s.tryLock(cubeID) {
		s.metrics.IncSkipped(metrics.SkipLocked)
		logCtx.Debug("Cube already being processed in this instance")
		return
	}
	defer s.unlock(cubeID)

	if s.lease != nil {
		claimed, err := s.lease.TryClaim(ctx, cubeID, s.opts.InstanceID, s.opts.LeaseTTL)
		if err != nil {
			s.metrics.IncSchedulerError()
			logCtx.WithError(err).Error("Failed to claim cube")
			return
		}
		if !claimed {
			s.metrics.IncSkipped(metrics.SkipClaimed)
			logCtx.Debug("Cube claimed by another instance")
			return
		}
		defer func() {
			// Release even if ctx expired mid-cycle.
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if err := s.lease.ReleaseClaim(releaseCtx, cubeID, s.opts.InstanceID); err != nil {
				logCtx.WithError(err).Warn("Failed to release cube claim")
			}
		}()
	}

	outcome, err := s.engine.ProcessCycle(ctx, cubeID)
	if err != nil {
		if errors.Is(err, cube.ErrCycleNotDue) || errors.Is(err, cube.ErrCycleAlreadyClosed) {
			// Another run got there first.
			logCtx.WithError(err).Info("Cycle no longer due")
			return
		}
		s.metrics.IncSchedulerError()
		logCtx.WithError(err).Error("Failed to process cycle")
		return
	}
	s.metrics.IncCycleOutcome(string(outcome.Kind))
	logCtx.WithFields(logrus.Fields{
		"cycle":   outcome.CycleNumber,
		"outcome": outcome.Kind,
	}).Info("Cycle processed")
}

func (s *CycleScheduler) tryLock(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.inFlight[id]; held {
		return false
	}
	s.inFlight[id] = struct{}{}
	return true
}

func (s *CycleScheduler) unlock(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, id)
}

func (s *CycleScheduler) retryPayouts(ctx context.Context) {
	if s.payouts == nil {
		return
	}
	sent, failed, err := s.payouts.RetryPending(ctx)
	if err != nil {
		s.metrics.IncSchedulerError()
		s.logger.WithError(err).Error("Payout retry failed")
		return
	}
	if sent+failed > 0 {
		s.logger.WithFields(logrus.Fields{"sent": sent, "failed": failed}).Info("Payout retry finished")
	}
}

func (s *CycleScheduler) checkStalled(ctx context.Context) {
	if s.stalls == nil {
		return
	}
	stalled, err := s.stalls.CheckStalled(ctx, s.now())
	if err != nil {
		s.metrics.IncSchedulerError()
		s.logger.WithError(err).Error("Stalled cycle check failed")
		return
	}
	s.metrics.AddStalled(stalled)
	if stalled > 0 {
		s.logger.WithField("stalled", stalled).Warn("Stalled cubes found")
	}
}

// Stop stops the cron engine and waits for running jobs.
func (s *CycleScheduler) Stop() {
	s.logger.Info("Stopping cycle scheduler...")
	ctx := s.cronEngine.Stop()
	<-ctx.Done()
	s.logger.Info("Cycle scheduler gracefully stopped.")
}

package analysis

import (
	"context"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/rentalyze/rentalyze/app/models"
	"github.com/rentalyze/rentalyze/internal/pkg/ledger"
)

const (
	// DefaultJobTimeout bounds how long a job may sit in analyzing before
	// the watchdog fails it and releases its reservation.
	DefaultJobTimeout = 10 * time.Minute

	// DefaultSweepInterval is how often the watchdog scans for stale jobs.
	DefaultSweepInterval = 30 * time.Second
)

// Stats receives job outcome counters; implementations must be cheap and
// failure-tolerant.
type Stats interface {
	JobCompleted()
	JobFailed()
}

// NopStats discards all counters.
type NopStats struct{}

func (NopStats) JobCompleted() {}
func (NopStats) JobFailed()    {}

// Orchestrator drives a property-analysis job from submission to its
// terminal state: reserve a credit, dispatch the work, and finalize by
// consuming or releasing the reservation, exactly once.
type Orchestrator struct {
	repo          Repository
	ledger        *ledger.Service
	dispatch      Dispatcher
	stats         Stats
	validate      *validator.Validate
	jobTimeout    time.Duration
	sweepInterval time.Duration

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

func NewOrchestrator(repo Repository, ledgerSvc *ledger.Service, dispatch Dispatcher, stats Stats) *Orchestrator {
	if stats == nil {
		stats = NopStats{}
	}
	return &Orchestrator{
		repo:          repo,
		ledger:        ledgerSvc,
		dispatch:      dispatch,
		stats:         stats,
		validate:      validator.New(),
		jobTimeout:    DefaultJobTimeout,
		sweepInterval: DefaultSweepInterval,
		stopCh:        make(chan struct{}),
	}
}

// SetJobTimeout overrides the stale-job cutoff (used by config and tests).
func (o *Orchestrator) SetJobTimeout(d time.Duration) {
	o.jobTimeout = d
}

// Submit reserves one credit and creates the job. Without a successful
// reservation no job row is ever written; an insufficient balance surfaces
// as ledger.ErrInsufficientCredit, not as a half-created job.
func (o *Orchestrator) Submit(ctx context.Context, accountID uint, input PropertyInput) (*models.AnalysisJob, error) {
	if err := o.validate.Struct(input); err != nil {
		return nil, err
	}

	jobID := uuid.NewString()
	reservation, err := o.ledger.Reserve(ctx, accountID, jobID)
	if err != nil {
		return nil, err
	}

	job := &models.AnalysisJob{
		ID:              jobID,
		AccountID:       accountID,
		PropertyAddress: input.Address,
		PropertyDetails: input.Details,
		Status:          models.AnalysisStatusPending,
		ReservationID:   reservation.ID,
	}
	if err := o.repo.CreateJob(ctx, job); err != nil {
		// The reservation must not leak when the job row cannot be written.
		if relErr := o.ledger.Release(ctx, reservation.ID); relErr != nil {
			log.Errorf("[Analysis] failed to release reservation %d after create error: %v", reservation.ID, relErr)
		}
		return nil, err
	}

	if err := o.dispatch.EnqueueAnalysis(ctx, jobID, accountID, input); err != nil {
		log.Errorf("[Analysis] enqueue failed for job %s: %v", jobID, err)
		o.HandleResult(ctx, jobID, Outcome{Success: false, Err: "failed to enqueue analysis"})
		return nil, err
	}

	if _, err := o.repo.MarkAnalyzing(ctx, jobID); err != nil {
		log.Errorf("[Analysis] failed to mark job %s analyzing: %v", jobID, err)
	}
	job.Status = models.AnalysisStatusAnalyzing

	log.Infof("[Analysis] job %s submitted for account %d", jobID, accountID)
	return job, nil
}

// HandleResult applies a terminal outcome. The job-status compare-and-swap
// guarantees the consume/release pair runs exactly once; duplicate callbacks
// for an already terminal job are no-ops regardless of what the caller
// claims.
func (o *Orchestrator) HandleResult(ctx context.Context, jobID string, outcome Outcome) error {
	job, err := o.repo.JobByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.IsTerminal() {
		// Replay after a terminal transition. The only work possibly left
		// is the ledger settle, when it failed right after the finalize.
		return o.settleReservation(ctx, job)
	}

	status := models.AnalysisStatusFailed
	if outcome.Success {
		status = models.AnalysisStatusCompleted
	}

	won, err := o.repo.FinalizeJob(ctx, jobID, status, outcome.ReportRef, outcome.Err)
	if err != nil {
		return err
	}
	if !won {
		// Another caller finalized concurrently.
		return nil
	}

	if outcome.Success {
		o.stats.JobCompleted()
		log.Infof("[Analysis] job %s completed, report %s", jobID, outcome.ReportRef)
	} else {
		o.stats.JobFailed()
		log.Infof("[Analysis] job %s failed: %s", jobID, outcome.Err)
	}

	job.Status = status
	return o.settleReservation(ctx, job)
}

// settleReservation consumes or releases the job's reservation according to
// the terminal status. Idempotent: a reservation that was already settled is
// a no-op, so callback retries and the watchdog can call it freely. An error
// here leaves the reservation held; the caller must surface it so a retry or
// the watchdog sweep can finish the settle.
func (o *Orchestrator) settleReservation(ctx context.Context, job *models.AnalysisJob) error {
	switch job.Status {
	case models.AnalysisStatusCompleted:
		if err := o.ledger.Consume(ctx, job.ReservationID); err != nil {
			log.Errorf("[Analysis] failed to consume reservation %d for job %s: %v", job.ReservationID, job.ID, err)
			return err
		}
	case models.AnalysisStatusFailed:
		if err := o.ledger.Release(ctx, job.ReservationID); err != nil {
			log.Errorf("[Analysis] failed to release reservation %d for job %s: %v", job.ReservationID, job.ID, err)
			return err
		}
	}
	return nil
}

// RecordAttempt bumps the delivery counter when the execution layer picks
// the job up.
func (o *Orchestrator) RecordAttempt(ctx context.Context, jobID string) {
	if err := o.repo.IncrementAttempt(ctx, jobID); err != nil {
		log.Errorf("[Analysis] failed to record attempt for job %s: %v", jobID, err)
	}
}

// PollStatus is a pure read; the UI polls it until a terminal state shows
// up.
func (o *Orchestrator) PollStatus(ctx context.Context, jobID string) (*models.AnalysisJob, error) {
	return o.repo.JobByID(ctx, jobID)
}

// JobsFor lists an account's recent jobs, newest first.
func (o *Orchestrator) JobsFor(ctx context.Context, accountID uint, limit int) ([]models.AnalysisJob, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return o.repo.JobsByAccount(ctx, accountID, limit)
}

// StartWatchdog launches the stale-job sweeper. A job stuck in analyzing
// past the timeout is forced to a failed outcome so its reservation can
// never stay held forever, even if the worker crashed.
func (o *Orchestrator) StartWatchdog() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return
	}
	o.running = true

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		log.Infof("[Analysis] watchdog running (timeout=%s, interval=%s)", o.jobTimeout, o.sweepInterval)
		ticker := time.NewTicker(o.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-o.stopCh:
				log.Info("[Analysis] watchdog stopping")
				return
			case <-ticker.C:
				o.SweepStaleJobs(context.Background())
			}
		}
	}()
}

// StopWatchdog stops the sweeper and waits for it to exit.
func (o *Orchestrator) StopWatchdog() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return
	}
	close(o.stopCh)
	o.running = false
	o.wg.Wait()
}

// SweepStaleJobs fails every job that has been analyzing longer than the
// timeout, then settles terminal jobs whose reservation is still held (a
// finalize whose ledger settle failed). Exported so tests and the queue
// manager can trigger a sweep directly.
func (o *Orchestrator) SweepStaleJobs(ctx context.Context) {
	cutoff := time.Now().Add(-o.jobTimeout)
	stale, err := o.repo.StaleAnalyzing(ctx, cutoff)
	if err != nil {
		log.Errorf("[Analysis] watchdog scan failed: %v", err)
		return
	}
	for i := range stale {
		job := &stale[i]
		log.Warnf("[Analysis] job %s stuck in analyzing since %s, forcing timeout", job.ID, job.UpdatedAt)
		if err := o.HandleResult(ctx, job.ID, Outcome{Success: false, Err: "analysis timed out"}); err != nil {
			log.Errorf("[Analysis] watchdog failed to finalize job %s: %v", job.ID, err)
		}
	}

	unsettled, err := o.repo.UnsettledTerminal(ctx)
	if err != nil {
		log.Errorf("[Analysis] watchdog settle scan failed: %v", err)
		return
	}
	for i := range unsettled {
		job := &unsettled[i]
		log.Warnf("[Analysis] job %s is terminal but reservation %d is still held, settling", job.ID, job.ReservationID)
		if err := o.settleReservation(ctx, job); err != nil {
			log.Errorf("[Analysis] watchdog failed to settle job %s: %v", job.ID, err)
		}
	}
}

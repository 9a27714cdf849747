package jobqueue

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v2/log"

	"github.com/rentalyze/rentalyze/internal/pkg/analysis"
	"github.com/rentalyze/rentalyze/internal/pkg/reportstore"
)

// AnalysisProcessor bundles the collaborators a worker needs to execute a
// property analysis: the analysis engine itself, the report store, and the
// orchestrator that settles the credit reservation.
type AnalysisProcessor struct {
	Worker       analysis.Worker
	Reports      reportstore.Store
	Orchestrator *analysis.Orchestrator
}

// EnqueueAnalysis implements analysis.Dispatcher by pushing an analysis
// payload onto the queue. Delivery is at least once; the orchestrator's
// result handling is idempotent.
func (q *Queue) EnqueueAnalysis(_ context.Context, jobID string, accountID uint, input analysis.PropertyInput) error {
	payload := AnalysisJobPayload{
		JobID:     jobID,
		AccountID: accountID,
		Address:   input.Address,
		Details:   input.Details,
	}
	_, err := q.EnqueueJob(JobTypeAnalysis, payload.ToMap())
	return err
}

// processAnalysisJob runs a single property analysis. A returned error puts
// the delivery through the queue's retry machinery; the analysis job row
// only reaches a terminal state through the orchestrator.
func (q *Queue) processAnalysisJob(ctx context.Context, job *Job) error {
	p := q.processor
	if p == nil {
		return fmt.Errorf("no analysis processor configured")
	}

	payload, err := AnalysisJobPayloadFromMap(job.Payload)
	if err != nil {
		return fmt.Errorf("invalid analysis payload: %w", err)
	}

	// Redelivery of an already settled job is a no-op.
	if current, err := p.Orchestrator.PollStatus(ctx, payload.JobID); err == nil && current.IsTerminal() {
		log.Infof("[JobQueue] Analysis job %s already %s, skipping redelivery", payload.JobID, current.Status)
		return nil
	}

	p.Orchestrator.RecordAttempt(ctx, payload.JobID)

	report, err := p.Worker.RunAnalysis(ctx, payload.JobID, analysis.PropertyInput{
		Address: payload.Address,
		Details: payload.Details,
	})
	if err != nil {
		return fmt.Errorf("analysis run failed: %w", err)
	}

	reportRef, err := p.Reports.PutReport(ctx, payload.JobID, report)
	if err != nil {
		return fmt.Errorf("failed to store report for job %s: %w", payload.JobID, err)
	}

	return p.Orchestrator.HandleResult(ctx, payload.JobID, analysis.Outcome{
		Success:   true,
		ReportRef: reportRef,
	})
}

// finalizeAnalysisFailure settles the analysis job after the delivery has
// exhausted its retries, so the held credit is released instead of waiting
// for the watchdog timeout.
func (q *Queue) finalizeAnalysisFailure(ctx context.Context, job *Job) {
	if q.processor == nil || job.Type != JobTypeAnalysis {
		return
	}
	payload, err := AnalysisJobPayloadFromMap(job.Payload)
	if err != nil {
		log.Errorf("[JobQueue] Cannot settle failed analysis job %s: %v", job.ID, err)
		return
	}
	outcome := analysis.Outcome{Success: false, Err: job.ErrorMsg}
	if err := q.processor.Orchestrator.HandleResult(ctx, payload.JobID, outcome); err != nil {
		log.Errorf("[JobQueue] Failed to settle analysis job %s after retries: %v", payload.JobID, err)
	}
}

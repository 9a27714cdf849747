package analysis

import "context"

// PropertyInput is the caller-supplied description of the property to
// analyze.
type PropertyInput struct {
	Address string `json:"address" validate:"required,min=5,max=500"`
	Details string `json:"details" validate:"max=65535"`
}

// Report is the document produced by a successful analysis run.
type Report struct {
	Address       string  `json:"address"`
	EstimatedRent int64   `json:"estimated_rent_cents"`
	GrossYield    float64 `json:"gross_yield_pct"`
	Summary       string  `json:"summary"`
}

// Worker is the analysis collaborator. It may be a remote service, a queue
// consumer or an ML pipeline; the orchestrator only cares that RunAnalysis
// eventually returns and that its result is reported back through
// HandleResult (at-least-once delivery is fine, handling is idempotent).
type Worker interface {
	RunAnalysis(ctx context.Context, jobID string, input PropertyInput) (*Report, error)
}

// Outcome carries the terminal result of an analysis run.
type Outcome struct {
	Success   bool
	ReportRef string
	Err       string
}

// Dispatcher hands a submitted job to the background execution layer.
// Submit never blocks on analysis completion; callers observe progress via
// PollStatus.
type Dispatcher interface {
	EnqueueAnalysis(ctx context.Context, jobID string, accountID uint, input PropertyInput) error
}

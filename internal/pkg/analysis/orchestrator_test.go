package analysis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rentalyze/rentalyze/app/models"
	"github.com/rentalyze/rentalyze/internal/pkg/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memJobRepo is an in-memory Repository with the same compare-and-swap
// semantics as the GORM implementation.
type memJobRepo struct {
	mu   sync.Mutex
	jobs map[string]*models.AnalysisJob
}

func newMemJobRepo() *memJobRepo {
	return &memJobRepo{jobs: make(map[string]*models.AnalysisJob)}
}

func (m *memJobRepo) CreateJob(ctx context.Context, job *models.AnalysisJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *memJobRepo) JobByID(ctx context.Context, id string) (*models.AnalysisJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (m *memJobRepo) MarkAnalyzing(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status != models.AnalysisStatusPending {
		return false, nil
	}
	job.Status = models.AnalysisStatusAnalyzing
	job.UpdatedAt = time.Now()
	return true, nil
}

func (m *memJobRepo) FinalizeJob(ctx context.Context, id, status, reportRef, errMsg string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return false, nil
	}
	if job.Status != models.AnalysisStatusPending && job.Status != models.AnalysisStatusAnalyzing {
		return false, nil
	}
	now := time.Now()
	job.Status = status
	job.ReportRef = reportRef
	job.ErrorMsg = errMsg
	job.CompletedAt = &now
	job.UpdatedAt = now
	return true, nil
}

func (m *memJobRepo) IncrementAttempt(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[id]; ok {
		job.Attempt++
	}
	return nil
}

func (m *memJobRepo) StaleAnalyzing(ctx context.Context, olderThan time.Time) ([]models.AnalysisJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AnalysisJob
	for _, job := range m.jobs {
		if job.Status == models.AnalysisStatusAnalyzing && job.UpdatedAt.Before(olderThan) {
			out = append(out, *job)
		}
	}
	return out, nil
}

// UnsettledTerminal over-approximates with every terminal job; the settle is
// idempotent so that is allowed by the contract.
func (m *memJobRepo) UnsettledTerminal(ctx context.Context) ([]models.AnalysisJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AnalysisJob
	for _, job := range m.jobs {
		if job.IsTerminal() {
			out = append(out, *job)
		}
	}
	return out, nil
}

func (m *memJobRepo) JobsByAccount(ctx context.Context, accountID uint, limit int) ([]models.AnalysisJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AnalysisJob
	for _, job := range m.jobs {
		if job.AccountID == accountID {
			out = append(out, *job)
		}
	}
	return out, nil
}

// backdate forces a job's UpdatedAt into the past so the watchdog sees it
// as stale.
func (m *memJobRepo) backdate(id string, by time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[id]; ok {
		job.UpdatedAt = job.UpdatedAt.Add(-by)
	}
}

type recordingDispatcher struct {
	mu       sync.Mutex
	enqueued []string
	fail     bool
}

func (d *recordingDispatcher) EnqueueAnalysis(ctx context.Context, jobID string, accountID uint, input PropertyInput) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return assert.AnError
	}
	d.enqueued = append(d.enqueued, jobID)
	return nil
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *memJobRepo, *recordingDispatcher, *ledger.Service) {
	t.Helper()
	repo := newMemJobRepo()
	dispatcher := &recordingDispatcher{}
	ledgerSvc := ledger.NewService(ledger.NewMemoryRepository())
	return NewOrchestrator(repo, ledgerSvc, dispatcher, nil), repo, dispatcher, ledgerSvc
}

func fund(t *testing.T, ledgerSvc *ledger.Service, accountID uint, credits int64) {
	t.Helper()
	_, err := ledgerSvc.Grant(context.Background(), accountID, credits, "pay_fund", credits*1000, "USD", nil)
	require.NoError(t, err)
}

func validInput() PropertyInput {
	return PropertyInput{Address: "12 Harbor View Rd, Portland ME", Details: `{"bedrooms":3}`}
}

func TestSubmitCreatesAnalyzingJob(t *testing.T) {
	o, _, dispatcher, ledgerSvc := newTestOrchestrator(t)
	ctx := context.Background()
	fund(t, ledgerSvc, 1, 2)

	job, err := o.Submit(ctx, 1, validInput())
	require.NoError(t, err)
	assert.Equal(t, models.AnalysisStatusAnalyzing, job.Status)
	assert.NotZero(t, job.ReservationID)
	assert.Equal(t, []string{job.ID}, dispatcher.enqueued)

	b, err := ledgerSvc.BalanceFor(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), b.Available, "one credit held")
	assert.Equal(t, int64(1), b.Held)
}

func TestSubmitWithoutCreditCreatesNoJob(t *testing.T) {
	o, repo, dispatcher, _ := newTestOrchestrator(t)

	_, err := o.Submit(context.Background(), 1, validInput())
	assert.ErrorIs(t, err, ledger.ErrInsufficientCredit)
	assert.Empty(t, repo.jobs, "no job without a reservation")
	assert.Empty(t, dispatcher.enqueued)
}

func TestSubmitRejectsInvalidInput(t *testing.T) {
	o, repo, _, ledgerSvc := newTestOrchestrator(t)
	fund(t, ledgerSvc, 1, 1)

	_, err := o.Submit(context.Background(), 1, PropertyInput{Address: "x"})
	assert.Error(t, err)
	assert.Empty(t, repo.jobs)

	b, err := ledgerSvc.BalanceFor(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), b.Available, "validation failure must not burn a reservation")
}

func TestSubmitEnqueueFailureReleasesReservation(t *testing.T) {
	o, repo, dispatcher, ledgerSvc := newTestOrchestrator(t)
	dispatcher.fail = true
	fund(t, ledgerSvc, 1, 1)

	_, err := o.Submit(context.Background(), 1, validInput())
	assert.Error(t, err)

	b, err := ledgerSvc.BalanceFor(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), b.Available, "credit returned after enqueue failure")

	for _, job := range repo.jobs {
		assert.Equal(t, models.AnalysisStatusFailed, job.Status)
	}
}

func TestHandleResultSuccessConsumes(t *testing.T) {
	o, _, _, ledgerSvc := newTestOrchestrator(t)
	ctx := context.Background()
	fund(t, ledgerSvc, 1, 1)

	job, err := o.Submit(ctx, 1, validInput())
	require.NoError(t, err)

	require.NoError(t, o.HandleResult(ctx, job.ID, Outcome{Success: true, ReportRef: "reports/r1.json"}))

	got, err := o.PollStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AnalysisStatusCompleted, got.Status)
	assert.Equal(t, "reports/r1.json", got.ReportRef)

	b, err := ledgerSvc.BalanceFor(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.Available)
	assert.Equal(t, int64(1), b.TotalConsumed)
	assert.Equal(t, int64(0), b.Held)
}

func TestHandleResultFailureReleases(t *testing.T) {
	o, _, _, ledgerSvc := newTestOrchestrator(t)
	ctx := context.Background()
	fund(t, ledgerSvc, 1, 1)

	job, err := o.Submit(ctx, 1, validInput())
	require.NoError(t, err)

	require.NoError(t, o.HandleResult(ctx, job.ID, Outcome{Success: false, Err: "model blew up"}))

	got, err := o.PollStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AnalysisStatusFailed, got.Status)
	assert.Equal(t, "model blew up", got.ErrorMsg)

	b, err := ledgerSvc.BalanceFor(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), b.Available, "failed job returns its credit")
}

func TestDuplicateCallbackIsNoOp(t *testing.T) {
	o, _, _, ledgerSvc := newTestOrchestrator(t)
	ctx := context.Background()
	fund(t, ledgerSvc, 1, 1)

	job, err := o.Submit(ctx, 1, validInput())
	require.NoError(t, err)

	require.NoError(t, o.HandleResult(ctx, job.ID, Outcome{Success: true, ReportRef: "reports/r1.json"}))
	// Late duplicate claiming failure must not flip the terminal state or
	// release a consumed credit.
	require.NoError(t, o.HandleResult(ctx, job.ID, Outcome{Success: false, Err: "late duplicate"}))

	got, err := o.PollStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AnalysisStatusCompleted, got.Status)

	b, err := ledgerSvc.BalanceFor(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), b.TotalConsumed)
	assert.Equal(t, int64(0), b.Held)
}

func TestConcurrentCallbacksFinalizeOnce(t *testing.T) {
	o, _, _, ledgerSvc := newTestOrchestrator(t)
	ctx := context.Background()
	fund(t, ledgerSvc, 1, 1)

	job, err := o.Submit(ctx, 1, validInput())
	require.NoError(t, err)

	const n = 16
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_ = o.HandleResult(ctx, job.ID, Outcome{Success: true, ReportRef: "reports/r1.json"})
			} else {
				_ = o.HandleResult(ctx, job.ID, Outcome{Success: false, Err: "raced"})
			}
		}(i)
	}
	wg.Wait()

	got, err := o.PollStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, got.IsTerminal())

	// Reservation conservation: exactly one of consumed/released, never
	// still held.
	b, err := ledgerSvc.BalanceFor(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.Held)
	if got.Status == models.AnalysisStatusCompleted {
		assert.Equal(t, int64(1), b.TotalConsumed)
	} else {
		assert.Equal(t, int64(1), b.Available)
	}
}

func TestWatchdogTimesOutStuckJob(t *testing.T) {
	o, repo, _, ledgerSvc := newTestOrchestrator(t)
	o.SetJobTimeout(time.Minute)
	ctx := context.Background()
	fund(t, ledgerSvc, 1, 1)

	job, err := o.Submit(ctx, 1, validInput())
	require.NoError(t, err)
	repo.backdate(job.ID, 2*time.Minute)

	o.SweepStaleJobs(ctx)

	got, err := o.PollStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AnalysisStatusFailed, got.Status)
	assert.Equal(t, "analysis timed out", got.ErrorMsg)

	b, err := ledgerSvc.BalanceFor(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), b.Available, "timed-out job releases its credit")

	// A late worker callback after the timeout is a no-op.
	require.NoError(t, o.HandleResult(ctx, job.ID, Outcome{Success: true, ReportRef: "reports/late.json"}))
	got, err = o.PollStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AnalysisStatusFailed, got.Status)
	assert.Empty(t, got.ReportRef)

	b, err = ledgerSvc.BalanceFor(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.TotalConsumed, "late callback must not consume a released credit")
}

// flakyLedgerRepo fails the next account-scoped ledger operation once, to
// simulate a transient DB error during the settle.
type flakyLedgerRepo struct {
	*ledger.MemoryRepository
	mu       sync.Mutex
	failNext bool
}

func (f *flakyLedgerRepo) WithinAccount(ctx context.Context, userID uint, fn func(tx ledger.Tx, acct *models.CreditAccount) error) error {
	f.mu.Lock()
	if f.failNext {
		f.failNext = false
		f.mu.Unlock()
		return assert.AnError
	}
	f.mu.Unlock()
	return f.MemoryRepository.WithinAccount(ctx, userID, fn)
}

func newFlakyOrchestrator(t *testing.T) (*Orchestrator, *flakyLedgerRepo, *ledger.Service) {
	t.Helper()
	flaky := &flakyLedgerRepo{MemoryRepository: ledger.NewMemoryRepository()}
	ledgerSvc := ledger.NewService(flaky)
	o := NewOrchestrator(newMemJobRepo(), ledgerSvc, &recordingDispatcher{}, nil)
	return o, flaky, ledgerSvc
}

func TestRetriedCallbackSettlesAfterLedgerError(t *testing.T) {
	o, flaky, ledgerSvc := newFlakyOrchestrator(t)
	ctx := context.Background()
	fund(t, ledgerSvc, 1, 1)

	job, err := o.Submit(ctx, 1, validInput())
	require.NoError(t, err)

	// The finalize wins but the consume fails: the job is terminal while
	// its reservation is still held.
	flaky.failNext = true
	err = o.HandleResult(ctx, job.ID, Outcome{Success: true, ReportRef: "reports/r1.json"})
	require.Error(t, err)

	got, err := o.PollStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AnalysisStatusCompleted, got.Status)

	b, err := ledgerSvc.BalanceFor(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(1), b.Held, "settle failure leaves the hold in place")
	require.Equal(t, int64(0), b.TotalConsumed)

	// A retried callback on the terminal job finishes the settle.
	require.NoError(t, o.HandleResult(ctx, job.ID, Outcome{Success: true, ReportRef: "reports/r1.json"}))

	b, err = ledgerSvc.BalanceFor(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.Held, "no reservation may stay held on a terminal job")
	assert.Equal(t, int64(1), b.TotalConsumed)
}

func TestWatchdogSettlesHeldReservationOfTerminalJob(t *testing.T) {
	o, flaky, ledgerSvc := newFlakyOrchestrator(t)
	ctx := context.Background()
	fund(t, ledgerSvc, 1, 1)

	job, err := o.Submit(ctx, 1, validInput())
	require.NoError(t, err)

	flaky.failNext = true
	err = o.HandleResult(ctx, job.ID, Outcome{Success: false, Err: "model blew up"})
	require.Error(t, err)

	b, err := ledgerSvc.BalanceFor(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(1), b.Held)

	// No retry arrives; the sweep is the backstop.
	o.SweepStaleJobs(ctx)

	b, err = ledgerSvc.BalanceFor(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.Held)
	assert.Equal(t, int64(1), b.Available, "failed job returns its credit")
}

func TestFailedJobResubmitsAsNewJob(t *testing.T) {
	o, _, _, ledgerSvc := newTestOrchestrator(t)
	ctx := context.Background()
	fund(t, ledgerSvc, 1, 2)

	first, err := o.Submit(ctx, 1, validInput())
	require.NoError(t, err)
	require.NoError(t, o.HandleResult(ctx, first.ID, Outcome{Success: false, Err: "transient"}))

	second, err := o.Submit(ctx, 1, validInput())
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID, "resubmission creates a new job")
	assert.NotEqual(t, first.ReservationID, second.ReservationID, "and a fresh reservation")
}

package apiv1

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rentalyze/rentalyze/app/models"
	"github.com/rentalyze/rentalyze/internal/pkg/analysis"
	"github.com/rentalyze/rentalyze/internal/pkg/ledger"
	"github.com/rentalyze/rentalyze/internal/pkg/payment"
	"github.com/rentalyze/rentalyze/internal/pkg/projections"
	"github.com/rentalyze/rentalyze/internal/pkg/reportstore"
	"github.com/rentalyze/rentalyze/internal/pkg/usercontext"
)

type memIntentRepo struct {
	mu      sync.Mutex
	intents map[string]*models.PaymentIntent
	plans   map[string]*models.CreditPlan
	promos  map[string]*models.PromoCode
	nextID  uint
}

func newMemIntentRepo() *memIntentRepo {
	return &memIntentRepo{
		intents: make(map[string]*models.PaymentIntent),
		plans:   make(map[string]*models.CreditPlan),
		promos:  make(map[string]*models.PromoCode),
	}
}

func (m *memIntentRepo) CreateIntent(ctx context.Context, intent *models.PaymentIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	intent.ID = m.nextID
	cp := *intent
	m.intents[intent.IntentRef] = &cp
	return nil
}

func (m *memIntentRepo) IntentByRef(ctx context.Context, ref string) (*models.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	intent, ok := m.intents[ref]
	if !ok {
		return nil, payment.ErrUnknownIntent
	}
	cp := *intent
	return &cp, nil
}

func (m *memIntentRepo) MarkIntentCompleted(ctx context.Context, ref string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	intent, ok := m.intents[ref]
	if !ok || intent.Status != models.IntentStatusPending {
		return false, nil
	}
	now := time.Now()
	intent.Status = models.IntentStatusCompleted
	intent.CompletedAt = &now
	return true, nil
}

func (m *memIntentRepo) PlanByCode(ctx context.Context, code string) (*models.CreditPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	plan, ok := m.plans[code]
	if !ok || !plan.IsActive {
		return nil, payment.ErrUnknownPlan
	}
	cp := *plan
	return &cp, nil
}

func (m *memIntentRepo) PromoByCode(ctx context.Context, code string) (*models.PromoCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pc, ok := m.promos[code]
	if !ok {
		return nil, nil
	}
	cp := *pc
	return &cp, nil
}

func (m *memIntentRepo) IncrementPromoRedemptions(ctx context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pc, ok := m.promos[code]; ok {
		pc.Redemptions++
	}
	return nil
}

type memAnalysisRepo struct {
	mu   sync.Mutex
	jobs map[string]*models.AnalysisJob
}

func newMemAnalysisRepo() *memAnalysisRepo {
	return &memAnalysisRepo{jobs: make(map[string]*models.AnalysisJob)}
}

func (m *memAnalysisRepo) CreateJob(ctx context.Context, job *models.AnalysisJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *memAnalysisRepo) JobByID(ctx context.Context, id string) (*models.AnalysisJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, analysis.ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (m *memAnalysisRepo) MarkAnalyzing(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status != models.AnalysisStatusPending {
		return false, nil
	}
	job.Status = models.AnalysisStatusAnalyzing
	return true, nil
}

func (m *memAnalysisRepo) FinalizeJob(ctx context.Context, id, status, reportRef, errMsg string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.IsTerminal() {
		return false, nil
	}
	now := time.Now()
	job.Status = status
	job.ReportRef = reportRef
	job.ErrorMsg = errMsg
	job.CompletedAt = &now
	return true, nil
}

func (m *memAnalysisRepo) IncrementAttempt(ctx context.Context, id string) error { return nil }

func (m *memAnalysisRepo) StaleAnalyzing(ctx context.Context, olderThan time.Time) ([]models.AnalysisJob, error) {
	return nil, nil
}

func (m *memAnalysisRepo) UnsettledTerminal(ctx context.Context) ([]models.AnalysisJob, error) {
	return nil, nil
}

func (m *memAnalysisRepo) JobsByAccount(ctx context.Context, accountID uint, limit int) ([]models.AnalysisJob, error) {
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

type nopDispatcher struct{}

func (nopDispatcher) EnqueueAnalysis(ctx context.Context, jobID string, accountID uint, input analysis.PropertyInput) error {
	return nil
}

type nopProjectionRepo struct{}

func (nopProjectionRepo) GrantsByAccount(ctx context.Context, userID uint, limit int) ([]models.CreditGrant, error) {
	return nil, nil
}
func (nopProjectionRepo) ReservationsByAccount(ctx context.Context, userID uint, limit int) ([]models.CreditReservation, error) {
	return nil, nil
}
func (nopProjectionRepo) CompletedIntentTotals(ctx context.Context) (int64, int64, int64, error) {
	return 0, 0, 0, nil
}
func (nopProjectionRepo) CreditTotals(ctx context.Context) (int64, int64, int64, error) {
	return 0, 0, 0, nil
}
func (nopProjectionRepo) JobCountsByStatus(ctx context.Context) (map[string]int64, error) {
	return nil, nil
}
func (nopProjectionRepo) PromoRedemptions(ctx context.Context) ([]projections.PromoRedemption, error) {
	return nil, nil
}
func (nopProjectionRepo) RecentDailyStats(ctx context.Context, days int) ([]models.DailyStat, error) {
	return nil, nil
}

type testEnv struct {
	server   *APIServer
	payments *payment.Service
	gateway  *payment.StubGateway
	ledger   *ledger.Service
	orch     *analysis.Orchestrator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	payRepo := newMemIntentRepo()
	payRepo.plans["starter5"] = &models.CreditPlan{
		Code: "starter5", Name: "Starter (5 reports)", Credits: 5,
		PriceCents: 5900, Currency: "USD", IsActive: true,
	}
	gateway := payment.NewStubGateway(false)
	ledgerSvc := ledger.NewService(ledger.NewMemoryRepository())
	payments := payment.NewService(payRepo, gateway, ledgerSvc, nil)

	orch := analysis.NewOrchestrator(newMemAnalysisRepo(), ledgerSvc, nopDispatcher{}, nil)
	proj := projections.NewService(nopProjectionRepo{}, ledgerSvc)

	return &testEnv{
		server:   NewAPIServer(payments, orch, proj, reportstore.NewMemoryStore()),
		payments: payments,
		gateway:  gateway,
		ledger:   ledgerSvc,
		orch:     orch,
	}
}

// newTestApp wires the handlers behind a stub auth middleware so requests
// run as the given user.
func newTestApp(env *testEnv, userID uint, admin bool) *fiber.App {
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals(usercontext.ContextKey, usercontext.UserContext{UserID: userID, Username: "tester", IsAdmin: admin})
		return c.Next()
	})
	app.Post("/credits/purchase-intent", env.server.PostPurchaseIntent)
	app.Post("/credits/complete-purchase", env.server.PostCompletePurchase)
	app.Get("/credits/balance", env.server.GetBalance)
	app.Post("/analyses", env.server.PostAnalysis)
	app.Get("/analyses/:id", env.server.GetAnalysis)
	return app
}

func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", fiber.MIMEApplicationJSON)
	return req
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestPostPurchaseIntentUnknownPlan(t *testing.T) {
	app := newTestApp(newTestEnv(t), 1, false)

	resp, err := app.Test(jsonRequest(http.MethodPost, "/credits/purchase-intent", `{"plan_code":"no-such-plan"}`), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "unknown_plan", decodeBody(t, resp)["error"])
}

func TestPostPurchaseIntentPromoNotFound(t *testing.T) {
	app := newTestApp(newTestEnv(t), 1, false)

	resp, err := app.Test(jsonRequest(http.MethodPost, "/credits/purchase-intent", `{"plan_code":"starter5","promo_code":"NOPE"}`), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "promo_not_found", decodeBody(t, resp)["error"])
}

func TestPostPurchaseIntentMissingPlan(t *testing.T) {
	app := newTestApp(newTestEnv(t), 1, false)

	resp, err := app.Test(jsonRequest(http.MethodPost, "/credits/purchase-intent", `{}`), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation_failed", decodeBody(t, resp)["error"])
}

func TestPostCompletePurchaseNotConfirmed(t *testing.T) {
	env := newTestEnv(t)
	app := newTestApp(env, 1, false)

	quote, err := env.payments.CreateIntent(context.Background(), 1, "starter5", "")
	require.NoError(t, err)

	// Gateway still reports pending: the client cannot talk itself into a
	// grant.
	resp, err := app.Test(jsonRequest(http.MethodPost, "/credits/complete-purchase", `{"intent_ref":"`+quote.IntentRef+`"}`), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusPaymentRequired, resp.StatusCode)
	assert.Equal(t, "payment_not_confirmed", decodeBody(t, resp)["error"])
}

func TestPostCompletePurchaseUnknownIntent(t *testing.T) {
	app := newTestApp(newTestEnv(t), 1, false)

	resp, err := app.Test(jsonRequest(http.MethodPost, "/credits/complete-purchase", `{"intent_ref":"pi_missing"}`), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "unknown_intent", decodeBody(t, resp)["error"])
}

func TestPostCompletePurchaseMintsAndReportsBalance(t *testing.T) {
	env := newTestEnv(t)
	app := newTestApp(env, 1, false)

	quote, err := env.payments.CreateIntent(context.Background(), 1, "starter5", "")
	require.NoError(t, err)
	env.gateway.MarkSucceeded(quote.IntentRef)

	resp, err := app.Test(jsonRequest(http.MethodPost, "/credits/complete-purchase", `{"intent_ref":"`+quote.IntentRef+`"}`), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, float64(5), body["granted_credits"])
	balance, ok := body["balance"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(5), balance["available"])
}

func TestPostAnalysisNeedsCredits(t *testing.T) {
	app := newTestApp(newTestEnv(t), 1, false)

	resp, err := app.Test(jsonRequest(http.MethodPost, "/analyses", `{"address":"12 Harbor View Rd, Portland ME"}`), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)
	assert.Equal(t, "needs_credits", decodeBody(t, resp)["error"])
}

func TestPostAnalysisRejectsShortAddress(t *testing.T) {
	env := newTestEnv(t)
	fundAccount(t, env, 1, 1)
	app := newTestApp(env, 1, false)

	resp, err := app.Test(jsonRequest(http.MethodPost, "/analyses", `{"address":"x"}`), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation_failed", decodeBody(t, resp)["error"])
}

func TestPostAnalysisAccepted(t *testing.T) {
	env := newTestEnv(t)
	fundAccount(t, env, 1, 1)
	app := newTestApp(env, 1, false)

	resp, err := app.Test(jsonRequest(http.MethodPost, "/analyses", `{"address":"12 Harbor View Rd, Portland ME"}`), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusAccepted, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.NotEmpty(t, body["job_id"])
	assert.Equal(t, models.AnalysisStatusAnalyzing, body["status"])
}

func TestGetAnalysisHidesForeignJobs(t *testing.T) {
	env := newTestEnv(t)
	fundAccount(t, env, 2, 1)

	job, err := env.orch.Submit(context.Background(), 2, analysis.PropertyInput{Address: "12 Harbor View Rd, Portland ME"})
	require.NoError(t, err)

	// Another user's job is indistinguishable from a missing one.
	asOther := newTestApp(env, 1, false)
	resp, err := asOther.Test(httptest.NewRequest(http.MethodGet, "/analyses/"+job.ID, nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", decodeBody(t, resp)["error"])

	asOwner := newTestApp(env, 2, false)
	resp, err = asOwner.Test(httptest.NewRequest(http.MethodGet, "/analyses/"+job.ID, nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	asAdmin := newTestApp(env, 1, true)
	resp, err = asAdmin.Test(httptest.NewRequest(http.MethodGet, "/analyses/"+job.ID, nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func fundAccount(t *testing.T, env *testEnv, userID uint, credits int64) {
	t.Helper()
	_, err := env.ledger.Grant(context.Background(), userID, credits, "pi_fund", credits*1000, "USD", nil)
	require.NoError(t, err)
}

package apiv1

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/rentalyze/rentalyze/app/models"
	"github.com/rentalyze/rentalyze/internal/pkg/analysis"
	"github.com/rentalyze/rentalyze/internal/pkg/ledger"
	"github.com/rentalyze/rentalyze/internal/pkg/payment"
	"github.com/rentalyze/rentalyze/internal/pkg/projections"
	"github.com/rentalyze/rentalyze/internal/pkg/promo"
	"github.com/rentalyze/rentalyze/internal/pkg/reportstore"
	"github.com/rentalyze/rentalyze/internal/pkg/usercontext"
)

// APIServer exposes the commerce and analysis operations over JSON.
type APIServer struct {
	payments     *payment.Service
	orchestrator *analysis.Orchestrator
	projections  *projections.Service
	reports      reportstore.Store
}

// NewAPIServer creates a new API server instance
func NewAPIServer(payments *payment.Service, orchestrator *analysis.Orchestrator, proj *projections.Service, reports reportstore.Store) *APIServer {
	return &APIServer{
		payments:     payments,
		orchestrator: orchestrator,
		projections:  proj,
		reports:      reports,
	}
}

// GetPing handles the ping endpoint
func (s *APIServer) GetPing(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ping": "pong"})
}

type purchaseIntentRequest struct {
	PlanCode  string `json:"plan_code" validate:"required,min=1,max=50"`
	PromoCode string `json:"promo_code" validate:"max=50"`
}

// PostPurchaseIntent prices a credit plan and opens a payment intent.
func (s *APIServer) PostPurchaseIntent(c *fiber.Ctx) error {
	var req purchaseIntentRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Malformed request body")
	}
	if err := validator.New().Struct(req); err != nil {
		return validationFailed(c, err)
	}

	quote, err := s.payments.CreateIntent(c.Context(), usercontext.GetUserID(c), req.PlanCode, req.PromoCode)
	if err != nil {
		switch {
		case errors.Is(err, payment.ErrUnknownPlan):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown_plan", "message": "No such credit plan"})
		case errors.Is(err, promo.ErrNotFound):
			return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "promo_not_found", "message": "Promo code does not exist"})
		case errors.Is(err, promo.ErrExpired):
			return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "promo_expired", "message": "Promo code is outside its validity window"})
		case errors.Is(err, promo.ErrRedemptionLimitReached):
			return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "promo_limit_reached", "message": "Promo code redemption limit reached"})
		case errors.Is(err, payment.ErrGatewayUnavailable):
			return gatewayUnavailable(c)
		}
		return internalError(c, "create purchase intent", err)
	}

	return c.Status(fiber.StatusCreated).JSON(quote)
}

type completePurchaseRequest struct {
	IntentRef string `json:"intent_ref" validate:"required,min=1,max=191"`
}

// PostCompletePurchase reconciles a confirmed payment into a credit grant.
// Safe to call repeatedly for the same intent; credits are minted once.
func (s *APIServer) PostCompletePurchase(c *fiber.Ctx) error {
	var req completePurchaseRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Malformed request body")
	}
	if err := validator.New().Struct(req); err != nil {
		return validationFailed(c, err)
	}

	grant, err := s.payments.CompletePurchase(c.Context(), req.IntentRef)
	if err != nil {
		switch {
		case errors.Is(err, payment.ErrUnknownIntent):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown_intent", "message": "No payment intent for this reference"})
		case errors.Is(err, payment.ErrPaymentNotConfirmed):
			return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{"error": "payment_not_confirmed", "message": "The gateway has not confirmed this payment"})
		case errors.Is(err, payment.ErrGatewayUnavailable):
			return gatewayUnavailable(c)
		}
		return internalError(c, "complete purchase", err)
	}

	balance, err := s.projections.Balance(c.Context(), usercontext.GetUserID(c))
	if err != nil {
		return internalError(c, "load balance", err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"granted_credits": grant.Amount,
		"payment_ref":     grant.SourcePaymentRef,
		"expires_at":      grant.ExpiresAt,
		"balance":         balance,
	})
}

// GetBalance returns the caller's derived credit balance.
func (s *APIServer) GetBalance(c *fiber.Ctx) error {
	balance, err := s.projections.Balance(c.Context(), usercontext.GetUserID(c))
	if err != nil {
		return internalError(c, "load balance", err)
	}
	return c.Status(fiber.StatusOK).JSON(balance)
}

// GetHistory returns the caller's credit timeline, newest first.
func (s *APIServer) GetHistory(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	entries, err := s.projections.History(c.Context(), usercontext.GetUserID(c), limit)
	if err != nil {
		return internalError(c, "load history", err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"entries": entries})
}

type submitAnalysisRequest struct {
	Address string `json:"address"`
	Details string `json:"details"`
}

// PostAnalysis reserves one credit and queues a property analysis. Returns
// 202; callers poll GET /analyses/:id for the outcome.
func (s *APIServer) PostAnalysis(c *fiber.Ctx) error {
	var req submitAnalysisRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Malformed request body")
	}

	job, err := s.orchestrator.Submit(c.Context(), usercontext.GetUserID(c), analysis.PropertyInput{
		Address: req.Address,
		Details: req.Details,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientCredit) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "needs_credits", "message": "Not enough credits; purchase a credit plan first"})
		}
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return validationFailed(c, err)
		}
		return internalError(c, "submit analysis", err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"job_id":     job.ID,
		"status":     job.Status,
		"created_at": job.CreatedAt,
	})
}

// GetAnalyses lists the caller's recent jobs, newest first.
func (s *APIServer) GetAnalyses(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	jobs, err := s.orchestrator.JobsFor(c.Context(), usercontext.GetUserID(c), limit)
	if err != nil {
		return internalError(c, "list analyses", err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"jobs": jobs})
}

// GetAnalysis returns the status of one analysis job.
func (s *APIServer) GetAnalysis(c *fiber.Ctx) error {
	job, err := s.loadOwnedJob(c)
	if err != nil {
		return jobNotFound(c)
	}
	return c.Status(fiber.StatusOK).JSON(job)
}

// GetAnalysisReport returns the stored report of a completed job.
func (s *APIServer) GetAnalysisReport(c *fiber.Ctx) error {
	job, err := s.loadOwnedJob(c)
	if err != nil {
		return jobNotFound(c)
	}
	if job.Status != models.AnalysisStatusCompleted || job.ReportRef == "" {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "report_not_ready", "message": "The analysis has not produced a report"})
	}

	report, err := s.reports.GetReport(c.Context(), job.ReportRef)
	if err != nil {
		if errors.Is(err, reportstore.ErrReportNotFound) {
			return jobNotFound(c)
		}
		return internalError(c, "load report", err)
	}
	return c.Status(fiber.StatusOK).JSON(report)
}

// GetAdminStats returns the operator dashboard snapshot.
func (s *APIServer) GetAdminStats(c *fiber.Ctx) error {
	stats, err := s.projections.Stats(c.Context())
	if err != nil {
		return internalError(c, "load admin stats", err)
	}
	return c.Status(fiber.StatusOK).JSON(stats)
}

// loadOwnedJob resolves the :id param to a job visible to the caller. Jobs of
// other accounts are indistinguishable from missing ones.
func (s *APIServer) loadOwnedJob(c *fiber.Ctx) (*models.AnalysisJob, error) {
	jobID := c.Params("id")
	if jobID == "" {
		return nil, analysis.ErrJobNotFound
	}
	job, err := s.orchestrator.PollStatus(c.Context(), jobID)
	if err != nil {
		return nil, err
	}
	if job.AccountID != usercontext.GetUserID(c) && !usercontext.IsAdmin(c) {
		return nil, analysis.ErrJobNotFound
	}
	return job, nil
}

func badRequest(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": message})
}

func validationFailed(c *fiber.Ctx, err error) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_failed", "message": err.Error()})
}

func jobNotFound(c *fiber.Ctx) error {
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "No such analysis job"})
}

func gatewayUnavailable(c *fiber.Ctx) error {
	return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "gateway_unavailable", "message": "Payment gateway unavailable, try again"})
}

func internalError(c *fiber.Ctx, op string, err error) error {
	log.Errorf("[API] %s failed: %v", op, err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Unexpected error"})
}

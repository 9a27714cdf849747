package apiv1

import (
	"github.com/gofiber/fiber/v2"

	"github.com/rentalyze/rentalyze/internal/pkg/middleware"
)

// RegisterHandlers attaches all v1 routes to the given router group. Every
// route except ping requires an API key; admin routes additionally require
// the admin role.
func RegisterHandlers(r fiber.Router, s *APIServer) {
	r.Get("/ping", s.GetPing)

	protected := r.Group("", middleware.APIKeyAuthMiddleware())

	credits := protected.Group("/credits")
	credits.Post("/purchase-intent", s.PostPurchaseIntent)
	credits.Post("/complete-purchase", s.PostCompletePurchase)
	credits.Get("/balance", s.GetBalance)
	credits.Get("/history", s.GetHistory)

	protected.Post("/analyses", s.PostAnalysis)
	protected.Get("/analyses", s.GetAnalyses)
	protected.Get("/analyses/:id", s.GetAnalysis)
	protected.Get("/analyses/:id/report", s.GetAnalysisReport)

	admin := protected.Group("/admin", middleware.RequireAdmin())
	admin.Get("/stats", s.GetAdminStats)
}

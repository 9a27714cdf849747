package main

import (
	"fmt"
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/rentalyze/rentalyze/app/repository"
	apiv1 "github.com/rentalyze/rentalyze/internal/api/v1"
	"github.com/rentalyze/rentalyze/internal/pkg/analysis"
	"github.com/rentalyze/rentalyze/internal/pkg/cache"
	"github.com/rentalyze/rentalyze/internal/pkg/database"
	"github.com/rentalyze/rentalyze/internal/pkg/env"
	"github.com/rentalyze/rentalyze/internal/pkg/jobqueue"
	"github.com/rentalyze/rentalyze/internal/pkg/ledger"
	metrics "github.com/rentalyze/rentalyze/internal/pkg/metrics/counter"
	"github.com/rentalyze/rentalyze/internal/pkg/payment"
	"github.com/rentalyze/rentalyze/internal/pkg/projections"
	"github.com/rentalyze/rentalyze/internal/pkg/reportstore"
	"github.com/rentalyze/rentalyze/internal/pkg/router"
)

func main() {
	app := NewApplication()
	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	log.Fatal(err)
}

func NewApplication() *fiber.App {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()
	repository.InitializeFactory(database.GetDB())

	db := database.GetDB()

	// Ledger and payment reconciliation
	ledgerSvc := ledger.NewService(ledger.NewRepository(db))
	gateway := payment.NewStubGateway(env.GetEnv("PAYMENT_GATEWAY_AUTOSUCCEED", "false") == "true")
	payments := payment.NewService(payment.NewRepository(db), gateway, ledgerSvc, metrics.PurchaseRecorder{})

	// Report storage
	reports := setupReportStore()

	// Analysis pipeline: queue dispatches, orchestrator settles reservations
	manager := jobqueue.GetManager()
	queue := manager.GetQueue()
	orchestrator := analysis.NewOrchestrator(analysis.NewRepository(db), ledgerSvc, queue, metrics.JobRecorder{})
	queue.SetProcessor(&jobqueue.AnalysisProcessor{
		Worker:       analysis.NewLocalWorker(),
		Reports:      reports,
		Orchestrator: orchestrator,
	})
	manager.Start()
	orchestrator.StartWatchdog()

	proj := projections.NewService(projections.NewRepository(db), ledgerSvc)

	// init fiber app
	app := fiber.New(fiber.Config{
		AppName: "rentalyze",
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// fiber metrics
	app.Get("/metrics", basicauth.New(basicauth.Config{
		Users: map[string]string{
			env.GetEnv("METRICS_USER", "admin"): env.GetEnv("METRICS_PASSWORD", "test"),
		},
	}), monitor.New())

	// ROUTER
	server := apiv1.NewAPIServer(payments, orchestrator, proj, reports)
	router.InstallRouter(app, server)

	return app
}

// setupReportStore prefers S3 when configured and falls back to the
// in-memory store for local development.
func setupReportStore() reportstore.Store {
	cfg, err := reportstore.LoadConfig()
	if err != nil {
		log.Fatalf("invalid report store configuration: %v", err)
	}
	if cfg.IsEnabled() {
		store, err := reportstore.NewS3Store(cfg)
		if err != nil {
			log.Fatalf("failed to initialize S3 report store: %v", err)
		}
		return store
	}
	log.Print("S3 report storage disabled, using in-memory store")
	return reportstore.NewMemoryStore()
}

package counter

import "github.com/gofiber/fiber/v2/log"

// PurchaseRecorder satisfies the payment stats collaborator by writing to
// the pending Redis counters. Errors are logged, never surfaced; a metrics
// hiccup must not fail a purchase.
type PurchaseRecorder struct{}

func (PurchaseRecorder) PurchaseCompleted(credits int64) {
	if err := AddPurchaseCompleted(); err != nil {
		log.Errorf("[Metrics] failed to count purchase: %v", err)
	}
	if err := AddCreditsGranted(credits); err != nil {
		log.Errorf("[Metrics] failed to count granted credits: %v", err)
	}
}

// JobRecorder satisfies the analysis stats collaborator.
type JobRecorder struct{}

func (JobRecorder) JobCompleted() {
	if err := AddJobCompleted(); err != nil {
		log.Errorf("[Metrics] failed to count completed job: %v", err)
	}
}

func (JobRecorder) JobFailed() {
	if err := AddJobFailed(); err != nil {
		log.Errorf("[Metrics] failed to count failed job: %v", err)
	}
}

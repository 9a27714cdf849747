package payment

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/rentalyze/rentalyze/app/models"
	"github.com/rentalyze/rentalyze/internal/pkg/ledger"
	"github.com/rentalyze/rentalyze/internal/pkg/promo"
)

var (
	// ErrUnknownIntent means no pending intent exists for the payment ref.
	ErrUnknownIntent = errors.New("unknown payment intent")

	// ErrUnknownPlan means the requested plan code does not exist or is
	// inactive.
	ErrUnknownPlan = errors.New("unknown credit plan")

	// ErrPaymentNotConfirmed means the gateway did not report the payment
	// as succeeded. The caller may retry after completing payment.
	ErrPaymentNotConfirmed = errors.New("payment not confirmed by gateway")

	// ErrGatewayUnavailable means the gateway could not be queried. Safe to
	// retry; no credits were minted.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
)

// DefaultIntentTTL bounds how long an uncompleted intent stays redeemable.
// Expired intents are simply discarded; grant never ran, so there is no
// ledger effect to undo.
const DefaultIntentTTL = 24 * time.Hour

// Stats receives operational counters. Implementations must be cheap and
// failure-tolerant; the reconciler never fails a purchase over metrics.
type Stats interface {
	PurchaseCompleted(credits int64)
}

// NopStats discards all counters.
type NopStats struct{}

func (NopStats) PurchaseCompleted(int64) {}

// IntentQuote is the caller-facing result of intent creation.
type IntentQuote struct {
	IntentRef       string `json:"intent_ref"`
	PlanCode        string `json:"plan_code"`
	Credits         int64  `json:"credits"`
	BasePriceCents  int64  `json:"base_price_cents"`
	DiscountCents   int64  `json:"discount_cents"`
	FinalPriceCents int64  `json:"final_price_cents"`
	Currency        string `json:"currency"`
}

// Service reconciles gateway payments into ledger grants. CompletePurchase
// is idempotent on the payment ref; the uniqueness constraint on grants is
// the guard, not any external locking.
type Service struct {
	repo      Repository
	gateway   Gateway
	ledger    *ledger.Service
	stats     Stats
	intentTTL time.Duration
}

func NewService(repo Repository, gateway Gateway, ledgerSvc *ledger.Service, stats Stats) *Service {
	if stats == nil {
		stats = NopStats{}
	}
	return &Service{
		repo:      repo,
		gateway:   gateway,
		ledger:    ledgerSvc,
		stats:     stats,
		intentTTL: DefaultIntentTTL,
	}
}

// CreateIntent prices the plan (applying an optional promo code), opens an
// intent at the gateway and records the expected grant locally. The discount
// is recorded explicitly here; it is never re-derived from price deltas.
func (s *Service) CreateIntent(ctx context.Context, accountID uint, planCode, promoCode string) (*IntentQuote, error) {
	plan, err := s.repo.PlanByCode(ctx, planCode)
	if err != nil {
		return nil, err
	}

	finalPrice := plan.PriceCents
	var discountCents int64
	if promoCode != "" {
		pc, err := s.repo.PromoByCode(ctx, promoCode)
		if err != nil {
			return nil, err
		}
		if pc == nil {
			return nil, promo.ErrNotFound
		}
		d, err := promo.Compute(pc, plan.PriceCents, time.Now())
		if err != nil {
			return nil, err
		}
		discountCents = d.DiscountCents
		finalPrice = d.FinalPriceCents
	}

	ref, err := s.gateway.CreateIntent(ctx, finalPrice, plan.Currency, map[string]string{
		"plan": plan.Code,
	})
	if err != nil {
		log.Errorf("[Payment] gateway intent creation failed: %v", err)
		return nil, ErrGatewayUnavailable
	}

	expiresAt := time.Now().Add(s.intentTTL)
	intent := &models.PaymentIntent{
		IntentRef:           ref,
		AccountID:           accountID,
		PlanCode:            plan.Code,
		CreditsToGrant:      plan.Credits,
		MonetaryAmountCents: finalPrice,
		Currency:            plan.Currency,
		PromoCode:           promoCode,
		DiscountCents:       discountCents,
		GrantValidityDays:   plan.ValidityDays,
		Status:              models.IntentStatusPending,
		ExpiresAt:           &expiresAt,
	}
	if err := s.repo.CreateIntent(ctx, intent); err != nil {
		return nil, err
	}

	return &IntentQuote{
		IntentRef:       ref,
		PlanCode:        plan.Code,
		Credits:         plan.Credits,
		BasePriceCents:  plan.PriceCents,
		DiscountCents:   discountCents,
		FinalPriceCents: finalPrice,
		Currency:        plan.Currency,
	}, nil
}

// CompletePurchase converts a confirmed payment into a ledger grant, exactly
// once. Replays (client retries, duplicate webhooks) resolve to the original
// grant because the ledger dedupes on the payment ref.
func (s *Service) CompletePurchase(ctx context.Context, paymentRef string) (*models.CreditGrant, error) {
	intent, err := s.repo.IntentByRef(ctx, paymentRef)
	if err != nil {
		return nil, err
	}

	if intent.Status == models.IntentStatusPending && intent.ExpiresAt != nil && time.Now().After(*intent.ExpiresAt) {
		return nil, ErrPaymentNotConfirmed
	}

	status, err := s.gateway.Confirm(ctx, paymentRef)
	if err != nil {
		log.Errorf("[Payment] gateway confirm failed for %s: %v", paymentRef, err)
		return nil, ErrGatewayUnavailable
	}
	if status != IntentSucceeded {
		return nil, ErrPaymentNotConfirmed
	}

	// The expiry policy was fixed on the intent at creation; the plan may
	// have changed or been deactivated since.
	var grantExpiry *time.Time
	if intent.GrantValidityDays > 0 {
		e := time.Now().AddDate(0, 0, intent.GrantValidityDays)
		grantExpiry = &e
	}

	grant, err := s.ledger.Grant(ctx, intent.AccountID, intent.CreditsToGrant, paymentRef, intent.MonetaryAmountCents, intent.Currency, grantExpiry)
	if err != nil {
		return nil, err
	}

	won, err := s.repo.MarkIntentCompleted(ctx, paymentRef)
	if err != nil {
		log.Errorf("[Payment] failed to mark intent %s completed: %v", paymentRef, err)
		return grant, nil
	}
	if won {
		if intent.PromoCode != "" {
			if err := s.repo.IncrementPromoRedemptions(ctx, intent.PromoCode); err != nil {
				log.Errorf("[Payment] failed to count redemption for promo %s: %v", intent.PromoCode, err)
			}
		}
		s.stats.PurchaseCompleted(intent.CreditsToGrant)
		log.Infof("[Payment] purchase completed: account=%d credits=%d ref=%s", intent.AccountID, intent.CreditsToGrant, paymentRef)
	}

	return grant, nil
}

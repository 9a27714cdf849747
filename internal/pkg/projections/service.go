package projections

import (
	"context"
	"sort"
	"time"

	"github.com/rentalyze/rentalyze/app/models"
	"github.com/rentalyze/rentalyze/internal/pkg/ledger"
)

// History entry kinds. A held reservation shows up as "hold" until the job
// settles it into "consume" or "release".
const (
	EntryGrant   = "grant"
	EntryHold    = "hold"
	EntryConsume = "consume"
	EntryRelease = "release"
)

// HistoryEntry is one row of an account's credit timeline.
type HistoryEntry struct {
	Kind       string     `json:"kind"`
	Amount     int64      `json:"amount"`
	OccurredAt time.Time  `json:"occurred_at"`
	PaymentRef string     `json:"payment_ref,omitempty"`
	JobID      string     `json:"job_id,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// PromoRedemption reports how often a promo code has been used on completed
// purchases.
type PromoRedemption struct {
	Code        string `json:"code"`
	Redemptions int64  `json:"redemptions"`
}

// AdminStats is the operator dashboard snapshot.
type AdminStats struct {
	RevenueCents       int64             `json:"revenue_cents"`
	DiscountCents      int64             `json:"discount_cents"`
	PurchasesCompleted int64             `json:"purchases_completed"`
	CreditsGranted     int64             `json:"credits_granted"`
	CreditsConsumed    int64             `json:"credits_consumed"`
	CreditsHeld        int64             `json:"credits_held"`
	JobsByStatus       map[string]int64  `json:"jobs_by_status"`
	PromoRedemptions   []PromoRedemption `json:"promo_redemptions"`
	DailyStats         []models.DailyStat `json:"daily_stats"`
}

// Service assembles read-only views over the ledger and job tables. It never
// writes; balances always come from the ledger's derivation, not a cache.
type Service struct {
	repo   Repository
	ledger *ledger.Service
}

func NewService(repo Repository, ledgerSvc *ledger.Service) *Service {
	return &Service{repo: repo, ledger: ledgerSvc}
}

// Balance returns the user's current derived balance.
func (s *Service) Balance(ctx context.Context, userID uint) (ledger.Balance, error) {
	return s.ledger.BalanceFor(ctx, userID)
}

// History returns the user's credit timeline, newest first. Grants and
// reservation resolutions are merged into one stream.
func (s *Service) History(ctx context.Context, userID uint, limit int) ([]HistoryEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	grants, err := s.repo.GrantsByAccount(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	reservations, err := s.repo.ReservationsByAccount(ctx, userID, limit)
	if err != nil {
		return nil, err
	}

	entries := make([]HistoryEntry, 0, len(grants)+len(reservations))
	for i := range grants {
		g := &grants[i]
		entries = append(entries, HistoryEntry{
			Kind:       EntryGrant,
			Amount:     g.Amount,
			OccurredAt: g.CreatedAt,
			PaymentRef: g.SourcePaymentRef,
			ExpiresAt:  g.ExpiresAt,
		})
	}
	for i := range reservations {
		r := &reservations[i]
		entry := HistoryEntry{
			Kind:       EntryHold,
			Amount:     -r.Amount,
			OccurredAt: r.CreatedAt,
			JobID:      r.JobID,
		}
		switch r.State {
		case models.ReservationStateConsumed:
			entry.Kind = EntryConsume
		case models.ReservationStateReleased:
			entry.Kind = EntryRelease
			entry.Amount = 0
		}
		if r.ResolvedAt != nil {
			entry.OccurredAt = *r.ResolvedAt
		}
		entries = append(entries, entry)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].OccurredAt.After(entries[j].OccurredAt)
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// Stats assembles the admin dashboard snapshot.
func (s *Service) Stats(ctx context.Context) (*AdminStats, error) {
	revenue, discount, purchases, err := s.repo.CompletedIntentTotals(ctx)
	if err != nil {
		return nil, err
	}
	granted, consumed, held, err := s.repo.CreditTotals(ctx)
	if err != nil {
		return nil, err
	}
	jobCounts, err := s.repo.JobCountsByStatus(ctx)
	if err != nil {
		return nil, err
	}
	promos, err := s.repo.PromoRedemptions(ctx)
	if err != nil {
		return nil, err
	}
	daily, err := s.repo.RecentDailyStats(ctx, 30)
	if err != nil {
		return nil, err
	}

	return &AdminStats{
		RevenueCents:       revenue,
		DiscountCents:      discount,
		PurchasesCompleted: purchases,
		CreditsGranted:     granted,
		CreditsConsumed:    consumed,
		CreditsHeld:        held,
		JobsByStatus:       jobCounts,
		PromoRedemptions:   promos,
		DailyStats:         daily,
	}, nil
}

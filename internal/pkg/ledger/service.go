package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/rentalyze/rentalyze/app/models"
)

// Tx exposes the storage operations available while the account row lock is
// held. Everything done through a Tx commits atomically with the lock scope.
type Tx interface {
	SaveAccount(acct *models.CreditAccount) error
	CreateGrantIfNotExists(g *models.CreditGrant) (created bool, stored *models.CreditGrant, err error)
	UnexpiredGrantTotal(accountID uint, asOf time.Time) (int64, error)
	NextExpiry(accountID uint, asOf time.Time) (*time.Time, error)
	HeldTotal(accountID uint) (int64, error)
	HeldByJob(accountID uint, jobID string) (*models.CreditReservation, error)
	CreateReservation(r *models.CreditReservation) error
	ReservationByID(id uint) (*models.CreditReservation, error)
	SaveReservation(r *models.CreditReservation) error
}

// Repository provides serialized access to a user's credit account. The
// contract: fn runs while no other caller can mutate the same account, and
// its writes commit together or not at all.
type Repository interface {
	WithinAccount(ctx context.Context, userID uint, fn func(tx Tx, acct *models.CreditAccount) error) error
	ReservationByID(ctx context.Context, id uint) (*models.CreditReservation, error)
}

// Balance is the derived view of an account. Available accounts for expiry
// and outstanding holds; it is computed at read time, never cached.
type Balance struct {
	Available     int64      `json:"available"`
	TotalGranted  int64      `json:"total_granted"`
	TotalConsumed int64      `json:"total_consumed"`
	Held          int64      `json:"held"`
	NextExpiry    *time.Time `json:"next_expiry,omitempty"`
}

// Service is the source of truth for credit balances: grants, reservations,
// consumption and release. Per-account operations are linearized through the
// repository's account lock.
type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Grant mints credits for a reconciled payment. Idempotent on
// sourcePaymentRef: replays return the originally stored grant without
// touching balances.
func (s *Service) Grant(ctx context.Context, userID uint, amount int64, sourcePaymentRef string, monetaryAmountCents int64, currency string, expiresAt *time.Time) (*models.CreditGrant, error) {
	if amount <= 0 {
		return nil, errors.New("grant amount must be positive")
	}
	if sourcePaymentRef == "" {
		return nil, errors.New("source payment ref is required")
	}

	var stored *models.CreditGrant
	err := s.repo.WithinAccount(ctx, userID, func(tx Tx, acct *models.CreditAccount) error {
		grant := &models.CreditGrant{
			AccountID:           acct.ID,
			Amount:              amount,
			SourcePaymentRef:    sourcePaymentRef,
			MonetaryAmountCents: monetaryAmountCents,
			Currency:            currency,
			ExpiresAt:           expiresAt,
		}
		created, existing, err := tx.CreateGrantIfNotExists(grant)
		if err != nil {
			return err
		}
		stored = existing
		if !created {
			log.Infof("[Ledger] duplicate grant for payment ref %s resolved to grant %d", sourcePaymentRef, existing.ID)
			return nil
		}
		acct.TotalGranted += amount
		return tx.SaveAccount(acct)
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// Reserve holds one credit for the given job. Fails with
// ErrInsufficientCredit when the available balance is below the hold amount
// and with ErrAlreadyReserved when a held reservation exists for the job.
func (s *Service) Reserve(ctx context.Context, userID uint, jobID string) (*models.CreditReservation, error) {
	if jobID == "" {
		return nil, errors.New("job id is required")
	}

	var res *models.CreditReservation
	err := s.repo.WithinAccount(ctx, userID, func(tx Tx, acct *models.CreditAccount) error {
		existing, err := tx.HeldByJob(acct.ID, jobID)
		if err != nil {
			return err
		}
		if existing != nil {
			return ErrAlreadyReserved
		}

		available, err := s.availableLocked(tx, acct, time.Now())
		if err != nil {
			return err
		}
		if available < 1 {
			return ErrInsufficientCredit
		}

		res = &models.CreditReservation{
			AccountID: acct.ID,
			JobID:     jobID,
			Amount:    1,
			State:     models.ReservationStateHeld,
		}
		return tx.CreateReservation(res)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Consume transitions a held reservation to consumed and counts its amount
// against the balance. Consuming an already consumed reservation is a no-op.
func (s *Service) Consume(ctx context.Context, reservationID uint) error {
	return s.resolve(ctx, reservationID, models.ReservationStateConsumed)
}

// Release returns a held credit to the available pool. Releasing an already
// released reservation is a no-op.
func (s *Service) Release(ctx context.Context, reservationID uint) error {
	return s.resolve(ctx, reservationID, models.ReservationStateReleased)
}

func (s *Service) resolve(ctx context.Context, reservationID uint, target string) error {
	peek, err := s.repo.ReservationByID(ctx, reservationID)
	if err != nil {
		return err
	}

	return s.repo.WithinAccount(ctx, peek.AccountID, func(tx Tx, acct *models.CreditAccount) error {
		res, err := tx.ReservationByID(reservationID)
		if err != nil {
			return err
		}
		if res.State == target {
			// Idempotent replay of the same resolution.
			return nil
		}
		if res.State != models.ReservationStateHeld {
			log.Errorf("[Ledger] illegal transition for reservation %d: %s -> %s", res.ID, res.State, target)
			return ErrInvalidReservationState
		}

		now := time.Now()
		res.State = target
		res.ResolvedAt = &now
		if err := tx.SaveReservation(res); err != nil {
			return err
		}
		if target == models.ReservationStateConsumed {
			acct.TotalConsumed += res.Amount
			if acct.TotalConsumed > acct.TotalGranted {
				log.Errorf("[Ledger] consumed exceeds granted on account %d", acct.ID)
				return ErrInvalidReservationState
			}
			return tx.SaveAccount(acct)
		}
		return nil
	})
}

// BalanceFor derives the current balance snapshot for a user. The lock keeps
// the snapshot consistent against concurrent reservations.
func (s *Service) BalanceFor(ctx context.Context, userID uint) (Balance, error) {
	var b Balance
	err := s.repo.WithinAccount(ctx, userID, func(tx Tx, acct *models.CreditAccount) error {
		now := time.Now()
		available, err := s.availableLocked(tx, acct, now)
		if err != nil {
			return err
		}
		next, err := tx.NextExpiry(acct.ID, now)
		if err != nil {
			return err
		}
		held, err := tx.HeldTotal(acct.ID)
		if err != nil {
			return err
		}
		b = Balance{
			Available:     available,
			TotalGranted:  acct.TotalGranted,
			TotalConsumed: acct.TotalConsumed,
			Held:          held,
			NextExpiry:    next,
		}
		return nil
	})
	return b, err
}

// availableLocked derives the balance available for new reservations:
// unexpired granted minus consumed minus outstanding holds, floored at zero.
func (s *Service) availableLocked(tx Tx, acct *models.CreditAccount, asOf time.Time) (int64, error) {
	granted, err := tx.UnexpiredGrantTotal(acct.ID, asOf)
	if err != nil {
		return 0, err
	}
	held, err := tx.HeldTotal(acct.ID)
	if err != nil {
		return 0, err
	}
	available := granted - acct.TotalConsumed - held
	if available < 0 {
		available = 0
	}
	return available, nil
}

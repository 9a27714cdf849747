package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/rentalyze/rentalyze/app/models"
)

// MemoryRepository is an in-memory Repository used by tests and local
// development without MySQL. It honors the same contract as the GORM
// implementation: per-account mutual exclusion and atomic visibility of the
// writes done inside WithinAccount.
type MemoryRepository struct {
	mu           sync.Mutex
	accountLocks map[uint]*sync.Mutex
	accounts     map[uint]*models.CreditAccount
	grants       map[string]*models.CreditGrant
	reservations map[uint]*models.CreditReservation
	nextAcctID   uint
	nextGrantID  uint
	nextResID    uint
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		accountLocks: make(map[uint]*sync.Mutex),
		accounts:     make(map[uint]*models.CreditAccount),
		grants:       make(map[string]*models.CreditGrant),
		reservations: make(map[uint]*models.CreditReservation),
	}
}

func (m *MemoryRepository) lockFor(userID uint) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.accountLocks[userID]
	if !ok {
		l = &sync.Mutex{}
		m.accountLocks[userID] = l
	}
	return l
}

func (m *MemoryRepository) WithinAccount(ctx context.Context, userID uint, fn func(tx Tx, acct *models.CreditAccount) error) error {
	l := m.lockFor(userID)
	l.Lock()
	defer l.Unlock()

	m.mu.Lock()
	acct, ok := m.accounts[userID]
	if !ok {
		m.nextAcctID++
		acct = &models.CreditAccount{ID: m.nextAcctID, UserID: userID}
		m.accounts[userID] = acct
	}
	m.mu.Unlock()

	working := *acct
	return fn(&memTx{repo: m}, &working)
}

func (m *MemoryRepository) ReservationByID(ctx context.Context, id uint) (*models.CreditReservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.reservations[id]
	if !ok {
		return nil, ErrReservationNotFound
	}
	cp := *res
	return &cp, nil
}

type memTx struct {
	repo *MemoryRepository
}

func (t *memTx) SaveAccount(acct *models.CreditAccount) error {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	cp := *acct
	t.repo.accounts[acct.UserID] = &cp
	return nil
}

func (t *memTx) CreateGrantIfNotExists(g *models.CreditGrant) (bool, *models.CreditGrant, error) {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	if existing, ok := t.repo.grants[g.SourcePaymentRef]; ok {
		cp := *existing
		return false, &cp, nil
	}
	t.repo.nextGrantID++
	g.ID = t.repo.nextGrantID
	g.CreatedAt = time.Now()
	cp := *g
	t.repo.grants[g.SourcePaymentRef] = &cp
	return true, g, nil
}

func (t *memTx) UnexpiredGrantTotal(accountID uint, asOf time.Time) (int64, error) {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	var total int64
	for _, g := range t.repo.grants {
		if g.AccountID == accountID && !g.Expired(asOf) {
			total += g.Amount
		}
	}
	return total, nil
}

func (t *memTx) NextExpiry(accountID uint, asOf time.Time) (*time.Time, error) {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	var next *time.Time
	for _, g := range t.repo.grants {
		if g.AccountID != accountID || g.ExpiresAt == nil || !g.ExpiresAt.After(asOf) {
			continue
		}
		if next == nil || g.ExpiresAt.Before(*next) {
			e := *g.ExpiresAt
			next = &e
		}
	}
	return next, nil
}

func (t *memTx) HeldTotal(accountID uint) (int64, error) {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	var total int64
	for _, r := range t.repo.reservations {
		if r.AccountID == accountID && r.State == models.ReservationStateHeld {
			total += r.Amount
		}
	}
	return total, nil
}

func (t *memTx) HeldByJob(accountID uint, jobID string) (*models.CreditReservation, error) {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	for _, r := range t.repo.reservations {
		if r.AccountID == accountID && r.JobID == jobID && r.State == models.ReservationStateHeld {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (t *memTx) CreateReservation(r *models.CreditReservation) error {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	t.repo.nextResID++
	r.ID = t.repo.nextResID
	r.CreatedAt = time.Now()
	cp := *r
	t.repo.reservations[r.ID] = &cp
	return nil
}

func (t *memTx) ReservationByID(id uint) (*models.CreditReservation, error) {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	res, ok := t.repo.reservations[id]
	if !ok {
		return nil, ErrReservationNotFound
	}
	cp := *res
	return &cp, nil
}

func (t *memTx) SaveReservation(r *models.CreditReservation) error {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	cp := *r
	t.repo.reservations[r.ID] = &cp
	return nil
}

// Package memory provides in-process repositories used in limited mode and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"liveconsult-backend/internal/domain"
	apperrors "liveconsult-backend/pkg/errors"
)

// LedgerRepository keeps balances and ledger rows in memory.
// A single mutex makes every CompareAndDebit one critical section.
type LedgerRepository struct {
	mu         sync.Mutex
	balances   map[uuid.UUID]*domain.Balance
	entries    []*domain.LedgerEntry
	references map[string]struct{}
}

// NewLedgerRepository creates an empty ledger
func NewLedgerRepository() *LedgerRepository {
	return &LedgerRepository{
		balances:   make(map[uuid.UUID]*domain.Balance),
		references: make(map[string]struct{}),
	}
}

func (r *LedgerRepository) balanceLocked(userID uuid.UUID) *domain.Balance {
	bal, ok := r.balances[userID]
	if !ok {
		bal = &domain.Balance{UserID: userID}
		r.balances[userID] = bal
	}
	return bal
}

// GetBalance returns a copy of the user's balance
func (r *LedgerRepository) GetBalance(ctx context.Context, userID uuid.UUID) (*domain.Balance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if bal, ok := r.balances[userID]; ok {
		c := *bal
		return &c, nil
	}
	return &domain.Balance{UserID: userID}, nil
}

// CompareAndDebit debits, credits and records the entry if the version still matches
func (r *LedgerRepository) CompareAndDebit(ctx context.Context, entry *domain.LedgerEntry, expectedVersion int64) (*domain.Balance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	from := r.balanceLocked(entry.FromUserID)
	if from.Version != expectedVersion || from.Amount < entry.Gross {
		return nil, apperrors.ErrLedgerConflict
	}

	now := time.Now().UTC()
	from.Amount -= entry.Gross
	from.Version++
	from.UpdatedAt = now

	// Earnings never back a debit, so the credit leaves the version alone
	to := r.balanceLocked(entry.ToUserID)
	to.Earnings += entry.ProviderShare
	to.UpdatedAt = now

	e := *entry
	e.BalanceAfter = from.Amount
	r.entries = append(r.entries, &e)

	c := *from
	return &c, nil
}

// Deposit credits the user unless the reference was already applied
func (r *LedgerRepository) Deposit(ctx context.Context, entry *domain.LedgerEntry) (*domain.Balance, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bal := r.balanceLocked(entry.ToUserID)
	if _, seen := r.references[entry.Reference]; seen {
		c := *bal
		return &c, false, nil
	}
	r.references[entry.Reference] = struct{}{}

	bal.Amount += entry.Gross
	bal.Version++
	bal.UpdatedAt = time.Now().UTC()

	e := *entry
	e.BalanceAfter = bal.Amount
	r.entries = append(r.entries, &e)

	c := *bal
	return &c, true, nil
}

// ListEntries returns a user's ledger rows newest first, as payer or payee
func (r *LedgerRepository) ListEntries(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*domain.LedgerEntry
	skipped := 0
	for i := len(r.entries) - 1; i >= 0 && len(out) < limit; i-- {
		e := r.entries[i]
		if e.FromUserID != userID && e.ToUserID != userID {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		c := *e
		out = append(out, &c)
	}
	return out, nil
}

// Entries returns a snapshot of every ledger row
func (r *LedgerRepository) Entries() []domain.LedgerEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.LedgerEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	return out
}

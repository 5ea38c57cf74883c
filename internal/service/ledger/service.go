package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"liveconsult-backend/internal/domain"
	"liveconsult-backend/pkg/constants"
	apperrors "liveconsult-backend/pkg/errors"
	"liveconsult-backend/pkg/logger"
	"liveconsult-backend/pkg/money"
)

// Repository is the persistence contract for balances and ledger rows.
//
// CompareAndDebit must, as one atomic unit: debit entry.Gross from entry.FromUserID
// only if that balance still carries expectedVersion and covers the debit, credit
// entry.ProviderShare to entry.ToUserID's earnings, and append the entry. A stale
// version returns apperrors.ErrLedgerConflict and changes nothing.
type Repository interface {
	GetBalance(ctx context.Context, userID uuid.UUID) (*domain.Balance, error)
	CompareAndDebit(ctx context.Context, entry *domain.LedgerEntry, expectedVersion int64) (*domain.Balance, error)
	Deposit(ctx context.Context, entry *domain.LedgerEntry) (*domain.Balance, bool, error)
	ListEntries(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.LedgerEntry, error)
}

// Service handles balance ledger business logic
type Service struct {
	repo       Repository
	maxRetries int
}

// NewService creates a new ledger service. maxRetries bounds compare-and-debit attempts.
func NewService(repo Repository, maxRetries int) *Service {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Service{
		repo:       repo,
		maxRetries: maxRetries,
	}
}

// GetBalance returns the user's balance; unknown users have a zero balance
func (s *Service) GetBalance(ctx context.Context, userID uuid.UUID) (*domain.Balance, error) {
	bal, err := s.repo.GetBalance(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return bal, nil
}

// ListEntries pages through the user's ledger history, newest first. limit is
// clamped to the page size bounds and a negative offset starts at the top.
func (s *Service) ListEntries(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.LedgerEntry, error) {
	switch {
	case limit == 0:
		limit = constants.DefaultPageSize
	case limit < constants.MinPageSize:
		limit = constants.MinPageSize
	case limit > constants.MaxPageSize:
		limit = constants.MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}

	entries, err := s.repo.ListEntries(ctx, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	if entries == nil {
		entries = []*domain.LedgerEntry{}
	}
	return entries, nil
}

// Charge moves funds from the client to the provider with a compare-and-debit.
// With AllowPartial the whole remaining balance is taken when it cannot cover Amount;
// otherwise an insufficient balance returns an error matching apperrors.ErrInsufficientFunds.
// A zero charge never touches the ledger.
func (s *Service) Charge(ctx context.Context, req domain.ChargeRequest) (*domain.ChargeResult, error) {
	if req.Amount < 0 {
		return nil, apperrors.ValidationError("charge amount must not be negative")
	}
	if req.ClientID == req.ProviderID {
		return nil, apperrors.ValidationError("client and provider must differ")
	}

	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		bal, err := s.repo.GetBalance(ctx, req.ClientID)
		if err != nil {
			return nil, fmt.Errorf("failed to read balance: %w", err)
		}

		debit := req.Amount
		if bal.Amount < debit {
			if !req.AllowPartial {
				return nil, apperrors.InsufficientFundsError(bal.Amount, req.Amount)
			}
			debit = bal.Amount
		}
		if debit == 0 {
			return &domain.ChargeResult{BalanceAfter: bal.Amount}, nil
		}

		providerShare, platformShare := money.Split(debit, req.ProviderBps)
		entry := &domain.LedgerEntry{
			EntryID:       uuid.New(),
			Kind:          req.Kind,
			FromUserID:    req.ClientID,
			ToUserID:      req.ProviderID,
			SessionID:     req.SessionID,
			StreamID:      req.StreamID,
			Gross:         debit,
			ProviderShare: providerShare,
			PlatformShare: platformShare,
			BalanceAfter:  bal.Amount - debit,
			CreatedAt:     time.Now().UTC(),
		}

		after, err := s.repo.CompareAndDebit(ctx, entry, bal.Version)
		if errors.Is(err, apperrors.ErrLedgerConflict) {
			logger.Debug("Ledger conflict, retrying",
				zap.String("user_id", req.ClientID.String()),
				zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to apply charge: %w", err)
		}

		return &domain.ChargeResult{
			Charged:       debit,
			ProviderShare: providerShare,
			PlatformShare: platformShare,
			BalanceAfter:  after.Amount,
			Entry:         entry,
		}, nil
	}

	logger.Warn("Ledger conflict retries exhausted",
		zap.String("user_id", req.ClientID.String()),
		zap.Int64("amount", req.Amount))
	return nil, fmt.Errorf("charge after %d attempts: %w", s.maxRetries, apperrors.ErrLedgerConflict)
}

// Deposit credits a payment-provider top-up. Replaying a reference is a no-op
// that reports applied=false.
func (s *Service) Deposit(ctx context.Context, in domain.Deposit) (*domain.Balance, bool, error) {
	if in.Amount <= 0 {
		return nil, false, apperrors.ValidationError("deposit amount must be positive")
	}
	if in.Reference == "" {
		return nil, false, apperrors.MissingFieldError("reference")
	}

	entry := &domain.LedgerEntry{
		EntryID:   uuid.New(),
		Kind:      domain.EntryDeposit,
		ToUserID:  in.UserID,
		Gross:     in.Amount,
		Reference: in.Reference,
		CreatedAt: time.Now().UTC(),
	}

	bal, applied, err := s.repo.Deposit(ctx, entry)
	if err != nil {
		return nil, false, fmt.Errorf("failed to apply deposit: %w", err)
	}
	if applied {
		logger.Info("Deposit applied",
			zap.String("user_id", in.UserID.String()),
			zap.Int64("amount", in.Amount),
			zap.String("reference", in.Reference))
	}
	return bal, applied, nil
}

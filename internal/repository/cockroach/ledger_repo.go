package cockroach

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"liveconsult-backend/internal/domain"
	apperrors "liveconsult-backend/pkg/errors"
)

// LedgerRepository handles balances and ledger entries
type LedgerRepository struct {
	pool *pgxpool.Pool
}

// NewLedgerRepository creates a new ledger repository
func NewLedgerRepository(pool *pgxpool.Pool) *LedgerRepository {
	return &LedgerRepository{pool: pool}
}

// GetBalance returns the user's balance, or a zero balance when no row exists
func (r *LedgerRepository) GetBalance(ctx context.Context, userID uuid.UUID) (*domain.Balance, error) {
	query := `
		SELECT user_id, amount, earnings, version, updated_at
		FROM balances
		WHERE user_id = $1
	`

	bal := &domain.Balance{}
	err := r.pool.QueryRow(ctx, query, userID).Scan(
		&bal.UserID,
		&bal.Amount,
		&bal.Earnings,
		&bal.Version,
		&bal.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &domain.Balance{UserID: userID}, nil
		}
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}

	return bal, nil
}

// CompareAndDebit debits the client, credits provider earnings and appends the entry
// in one transaction. The debit is conditional on the version and on sufficient funds.
func (r *LedgerRepository) CompareAndDebit(ctx context.Context, entry *domain.LedgerEntry, expectedVersion int64) (*domain.Balance, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	debit := `
		UPDATE balances
		SET amount = amount - $2,
		    version = version + 1,
		    updated_at = now()
		WHERE user_id = $1 AND version = $3 AND amount >= $2
		RETURNING user_id, amount, earnings, version, updated_at
	`

	bal := &domain.Balance{}
	err = tx.QueryRow(ctx, debit, entry.FromUserID, entry.Gross, expectedVersion).Scan(
		&bal.UserID,
		&bal.Amount,
		&bal.Earnings,
		&bal.Version,
		&bal.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrLedgerConflict
		}
		return nil, fmt.Errorf("failed to debit balance: %w", err)
	}

	credit := `
		INSERT INTO balances (user_id, amount, earnings, version, updated_at)
		VALUES ($1, 0, $2, 0, now())
		ON CONFLICT (user_id) DO UPDATE
		SET earnings = balances.earnings + excluded.earnings,
		    updated_at = now()
	`
	if _, err := tx.Exec(ctx, credit, entry.ToUserID, entry.ProviderShare); err != nil {
		return nil, fmt.Errorf("failed to credit earnings: %w", err)
	}

	entry.BalanceAfter = bal.Amount
	if err := insertEntry(ctx, tx, entry); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit charge: %w", err)
	}

	return bal, nil
}

// Deposit credits a top-up once per reference
func (r *LedgerRepository) Deposit(ctx context.Context, entry *domain.LedgerEntry) (*domain.Balance, bool, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	upsert := `
		INSERT INTO balances (user_id, amount, earnings, version, updated_at)
		VALUES ($1, $2, 0, 1, now())
		ON CONFLICT (user_id) DO UPDATE
		SET amount = balances.amount + excluded.amount,
		    version = balances.version + 1,
		    updated_at = now()
		RETURNING user_id, amount, earnings, version, updated_at
	`

	bal := &domain.Balance{}
	err = tx.QueryRow(ctx, upsert, entry.ToUserID, entry.Gross).Scan(
		&bal.UserID,
		&bal.Amount,
		&bal.Earnings,
		&bal.Version,
		&bal.UpdatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to credit deposit: %w", err)
	}

	entry.BalanceAfter = bal.Amount
	query := `
		INSERT INTO ledger_entries (
			entry_id, kind, from_user_id, to_user_id, gross, provider_share,
			platform_share, balance_after, reference, created_at
		) VALUES ($1, $2, NULL, $3, $4, 0, 0, $5, $6, $7)
		ON CONFLICT (reference) DO NOTHING
	`
	tag, err := tx.Exec(ctx, query,
		entry.EntryID,
		string(entry.Kind),
		entry.ToUserID,
		entry.Gross,
		entry.BalanceAfter,
		entry.Reference,
		entry.CreatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to record deposit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Reference already applied: drop the credit and report the stored balance
		if err := tx.Rollback(ctx); err != nil {
			return nil, false, fmt.Errorf("failed to roll back duplicate deposit: %w", err)
		}
		current, err := r.GetBalance(ctx, entry.ToUserID)
		if err != nil {
			return nil, false, err
		}
		return current, false, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("failed to commit deposit: %w", err)
	}

	return bal, true, nil
}

// ListEntries returns a user's most recent ledger rows, as payer or payee
func (r *LedgerRepository) ListEntries(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.LedgerEntry, error) {
	query := `
		SELECT entry_id, kind, from_user_id, to_user_id, session_id, stream_id,
		       gross, provider_share, platform_share, balance_after, reference, created_at
		FROM ledger_entries
		WHERE from_user_id = $1 OR to_user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []*domain.LedgerEntry
	for rows.Next() {
		e := &domain.LedgerEntry{}
		var kind string
		var from *uuid.UUID
		var reference *string
		if err := rows.Scan(
			&e.EntryID,
			&kind,
			&from,
			&e.ToUserID,
			&e.SessionID,
			&e.StreamID,
			&e.Gross,
			&e.ProviderShare,
			&e.PlatformShare,
			&e.BalanceAfter,
			&reference,
			&e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.Kind = domain.EntryKind(kind)
		if from != nil {
			e.FromUserID = *from
		}
		if reference != nil {
			e.Reference = *reference
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

func insertEntry(ctx context.Context, tx pgx.Tx, e *domain.LedgerEntry) error {
	query := `
		INSERT INTO ledger_entries (
			entry_id, kind, from_user_id, to_user_id, session_id, stream_id,
			gross, provider_share, platform_share, balance_after, reference, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULLIF($11, ''), $12)
	`

	_, err := tx.Exec(ctx, query,
		e.EntryID,
		string(e.Kind),
		e.FromUserID,
		e.ToUserID,
		e.SessionID,
		e.StreamID,
		e.Gross,
		e.ProviderShare,
		e.PlatformShare,
		e.BalanceAfter,
		e.Reference,
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return nil
}

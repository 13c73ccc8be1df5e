package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"bifrost.org/internal/identity"
)

const transactionColumns = `id, application_id, app_name, account_id, amount, currency, role, duration, description, client_ref,
	status, provider_ref, reject_reason, approved_by, created_at, updated_at, completed_at, expires_at`

func scanTransaction(row scanner) (identity.Transaction, error) {
	var (
		tx                 identity.Transaction
		accountID          sql.NullString
		role, duration     string
		status             string
		completed, expires sql.NullTime
	)
	if err := row.Scan(&tx.ID, &tx.ApplicationID, &tx.AppName, &accountID, &tx.Amount, &tx.Currency, &role, &duration,
		&tx.Description, &tx.ClientRef, &status, &tx.ProviderRef, &tx.RejectReason, &tx.ApprovedBy,
		&tx.CreatedAt, &tx.UpdatedAt, &completed, &expires); err != nil {
		return identity.Transaction{}, err
	}
	parsed, err := identity.ParseRole(role)
	if err != nil {
		return identity.Transaction{}, fmt.Errorf("transaction %s: %w", tx.ID, err)
	}
	tx.Role = parsed
	tx.AccountID = accountID.String
	tx.Duration = identity.Duration(duration)
	tx.Status = identity.TxStatus(status)
	tx.CreatedAt = tx.CreatedAt.UTC()
	tx.UpdatedAt = tx.UpdatedAt.UTC()
	tx.CompletedAt = timePtr(completed)
	tx.ExpiresAt = timePtr(expires)
	return tx, nil
}

func (s *Store) CreateTransaction(ctx context.Context, tx identity.Transaction) (identity.Transaction, error) {
	if tx.Status == "" {
		tx.Status = identity.TxPending
	}
	row := s.db.QueryRowContext(ctx, `
		insert into transactions (id, application_id, app_name, account_id, amount, currency, role, duration,
			description, client_ref, status, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		returning `+transactionColumns,
		tx.ID, tx.ApplicationID, tx.AppName, nullIfEmpty(tx.AccountID), tx.Amount, tx.Currency, tx.Role.String(),
		string(tx.Duration), tx.Description, tx.ClientRef, string(tx.Status), tx.CreatedAt, tx.UpdatedAt)
	created, err := scanTransaction(row)
	if err != nil {
		return identity.Transaction{}, translate(err, "transaction "+tx.ID)
	}
	return created, nil
}

func (s *Store) GetTransaction(ctx context.Context, id string) (identity.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `select `+transactionColumns+` from transactions where id = $1`, id)
	tx, err := scanTransaction(row)
	if err != nil {
		return identity.Transaction{}, translate(err, "transaction "+id)
	}
	return tx, nil
}

// AttachAccount fills account_id only while it is null. Losing the race to a
// different account is ErrConflict; re-attaching the same account is a no-op.
func (s *Store) AttachAccount(ctx context.Context, txID, accountID string, now time.Time) (identity.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		update transactions set account_id = $2, updated_at = $3
		where id = $1 and account_id is null
		returning `+transactionColumns, txID, accountID, now.UTC())
	tx, err := scanTransaction(row)
	if err == nil {
		return tx, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return identity.Transaction{}, translate(err, "account "+accountID)
	}
	current, err := s.GetTransaction(ctx, txID)
	if err != nil {
		return identity.Transaction{}, err
	}
	if current.AccountID != accountID {
		return identity.Transaction{}, fmt.Errorf("%w: transaction attached to another account", identity.ErrConflict)
	}
	return current, nil
}

func (s *Store) CompleteTransaction(ctx context.Context, txID string, c identity.Completion) (identity.Transaction, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		update transactions
		set status = 'completed', approved_by = $2, provider_ref = $3, completed_at = $4, updated_at = $4, expires_at = $5
		where id = $1 and status = 'pending'
		returning `+transactionColumns,
		txID, c.ApprovedBy, c.ProviderRef, c.CompletedAt.UTC(), nullTime(c.ExpiresAt))
	return s.settle(ctx, txID, row)
}

func (s *Store) RejectTransaction(ctx context.Context, txID, reason string, now time.Time) (identity.Transaction, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		update transactions set status = 'rejected', reject_reason = $2, updated_at = $3
		where id = $1 and status = 'pending'
		returning `+transactionColumns, txID, reason, now.UTC())
	return s.settle(ctx, txID, row)
}

// settle interprets a conditional status update: a returned row means this
// caller won; no row means someone else did, and the current row is returned.
func (s *Store) settle(ctx context.Context, txID string, row *sql.Row) (identity.Transaction, bool, error) {
	tx, err := scanTransaction(row)
	if err == nil {
		return tx, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return identity.Transaction{}, false, err
	}
	current, err := s.GetTransaction(ctx, txID)
	if err != nil {
		return identity.Transaction{}, false, err
	}
	return current, false, nil
}

func (s *Store) LatestPendingTransaction(ctx context.Context, accountID, appID string) (identity.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+transactionColumns+` from transactions
		where account_id = $1 and application_id = $2 and status = 'pending'
		order by created_at desc
		limit 1`, accountID, appID)
	tx, err := scanTransaction(row)
	if err != nil {
		return identity.Transaction{}, translate(err, "pending transaction")
	}
	return tx, nil
}

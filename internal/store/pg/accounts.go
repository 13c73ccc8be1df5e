package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"bifrost.org/internal/identity"
	"bifrost.org/internal/ids"
)

const accountColumns = `id, email, username, phone, chat_id, display_name, password_hash, auth_providers, created_at`

func scanAccount(row scanner) (identity.Account, error) {
	var (
		acc                            identity.Account
		email, username, phone, chatID sql.NullString
		providers                      []byte
	)
	if err := row.Scan(&acc.ID, &email, &username, &phone, &chatID, &acc.DisplayName, &acc.PasswordHash, &providers, &acc.CreatedAt); err != nil {
		return identity.Account{}, err
	}
	acc.Email, acc.Username, acc.Phone, acc.ChatID = email.String, username.String, phone.String, chatID.String
	list, err := decodeList(providers)
	if err != nil {
		return identity.Account{}, err
	}
	acc.AuthProviders = list
	acc.CreatedAt = acc.CreatedAt.UTC()
	return acc, nil
}

func (s *Store) CreateAccount(ctx context.Context, acc identity.Account) (identity.Account, error) {
	acc.Normalize()
	if err := acc.Validate(); err != nil {
		return identity.Account{}, err
	}
	if acc.ID == "" {
		acc.ID = ids.New()
	}
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = time.Now().UTC()
	}
	providers, err := encodeList(acc.AuthProviders)
	if err != nil {
		return identity.Account{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		insert into accounts (id, email, username, phone, chat_id, display_name, password_hash, auth_providers, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		returning `+accountColumns,
		acc.ID, nullIfEmpty(acc.Email), nullIfEmpty(acc.Username), nullIfEmpty(acc.Phone), nullIfEmpty(acc.ChatID),
		acc.DisplayName, acc.PasswordHash, providers, acc.CreatedAt)
	created, err := scanAccount(row)
	if err != nil {
		return identity.Account{}, translate(err, "account identifier already registered")
	}
	return created, nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (identity.Account, error) {
	return s.accountBy(ctx, "id", id)
}

func (s *Store) FindAccountByEmail(ctx context.Context, email string) (identity.Account, error) {
	return s.accountBy(ctx, "email", email)
}

func (s *Store) FindAccountByPhone(ctx context.Context, phone string) (identity.Account, error) {
	return s.accountBy(ctx, "phone", phone)
}

func (s *Store) FindAccountByChatID(ctx context.Context, chatID string) (identity.Account, error) {
	return s.accountBy(ctx, "chat_id", chatID)
}

// accountBy looks up by one of the fixed identifier columns above.
func (s *Store) accountBy(ctx context.Context, column, value string) (identity.Account, error) {
	row := s.db.QueryRowContext(ctx, `select `+accountColumns+` from accounts where `+column+` = $1`, value)
	acc, err := scanAccount(row)
	if err != nil {
		return identity.Account{}, translate(err, fmt.Sprintf("account by %s", column))
	}
	return acc, nil
}

func (s *Store) SetChatID(ctx context.Context, accountID, chatID, displayName string) (identity.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		update accounts
		set chat_id = $2,
			display_name = coalesce(nullif($3, ''), display_name),
			auth_providers = case when auth_providers @> '["telegram"]'::jsonb
				then auth_providers else auth_providers || '["telegram"]'::jsonb end
		where id = $1
		returning `+accountColumns,
		accountID, nullIfEmpty(chatID), displayName)
	acc, err := scanAccount(row)
	if err != nil {
		return identity.Account{}, translate(err, "chat id linked to another account")
	}
	return acc, nil
}

func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	n, err := rowsAffected(s.db.ExecContext(ctx, `delete from accounts where id = $1`, id))
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: account %s", identity.ErrNotFound, id)
	}
	return nil
}

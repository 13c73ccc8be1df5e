package pg

import (
	"context"
	"database/sql"

	"bifrost.org/internal/identity"
	"bifrost.org/internal/ids"
)

const tokenColumns = `id, identifier, channel, purpose, value, account_id, expires_at, consumed, created_at`

func scanToken(row scanner) (identity.VerificationToken, error) {
	var (
		tok              identity.VerificationToken
		channel, purpose string
		accountID        sql.NullString
	)
	if err := row.Scan(&tok.ID, &tok.Identifier, &channel, &purpose, &tok.Value, &accountID, &tok.ExpiresAt, &tok.Consumed, &tok.CreatedAt); err != nil {
		return identity.VerificationToken{}, err
	}
	tok.Channel = identity.Channel(channel)
	tok.Purpose = identity.Purpose(purpose)
	tok.AccountID = accountID.String
	tok.ExpiresAt = tok.ExpiresAt.UTC()
	tok.CreatedAt = tok.CreatedAt.UTC()
	return tok, nil
}

// ReplaceToken is one upsert on (identifier, channel, purpose): the new value
// overwrites the old, which can no longer be redeemed.
func (s *Store) ReplaceToken(ctx context.Context, tok identity.VerificationToken) (identity.VerificationToken, error) {
	if tok.ID == "" {
		tok.ID = ids.New()
	}
	row := s.db.QueryRowContext(ctx, `
		insert into verification_tokens (id, identifier, channel, purpose, value, account_id, expires_at, consumed, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, false, $8)
		on conflict (identifier, channel, purpose) do update
		set id = excluded.id,
			value = excluded.value,
			account_id = excluded.account_id,
			expires_at = excluded.expires_at,
			consumed = false,
			created_at = excluded.created_at
		returning `+tokenColumns,
		tok.ID, tok.Identifier, string(tok.Channel), string(tok.Purpose), tok.Value, nullIfEmpty(tok.AccountID),
		tok.ExpiresAt.UTC(), tok.CreatedAt.UTC())
	out, err := scanToken(row)
	if err != nil {
		return identity.VerificationToken{}, translate(err, "verification token")
	}
	return out, nil
}

func (s *Store) FindToken(ctx context.Context, identifier string, channel identity.Channel, purpose identity.Purpose) (identity.VerificationToken, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+tokenColumns+` from verification_tokens
		where identifier = $1 and channel = $2 and purpose = $3`, identifier, string(channel), string(purpose))
	tok, err := scanToken(row)
	if err != nil {
		return identity.VerificationToken{}, translate(err, "verification token")
	}
	return tok, nil
}

func (s *Store) FindTokenByValue(ctx context.Context, channel identity.Channel, value string) (identity.VerificationToken, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+tokenColumns+` from verification_tokens
		where channel = $1 and value = $2`, string(channel), value)
	tok, err := scanToken(row)
	if err != nil {
		return identity.VerificationToken{}, translate(err, "verification token")
	}
	return tok, nil
}

func (s *Store) ConsumeToken(ctx context.Context, id string) (bool, error) {
	n, err := rowsAffected(s.db.ExecContext(ctx, `update verification_tokens set consumed = true where id = $1 and consumed = false`, id))
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

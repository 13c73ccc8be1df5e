package pg

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"bifrost.org/internal/identity"
	"bifrost.org/internal/ids"
)

const paymentColumns = `id, provider_tx_id, amount, currency, payer_name, raw_text, status, claimed_by, claimed_for, created_at, claimed_at`

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func scanPayment(row scanner) (identity.PaymentLog, error) {
	var (
		p                  identity.PaymentLog
		status             string
		claimedBy, claimed sql.NullString
		claimedAt          sql.NullTime
	)
	if err := row.Scan(&p.ID, &p.ProviderTxID, &p.Amount, &p.Currency, &p.PayerName, &p.RawText, &status,
		&claimedBy, &claimed, &p.CreatedAt, &claimedAt); err != nil {
		return identity.PaymentLog{}, err
	}
	p.Status = identity.PaymentStatus(status)
	p.ClaimedBy = claimedBy.String
	p.ClaimedFor = claimed.String
	p.CreatedAt = p.CreatedAt.UTC()
	p.ClaimedAt = timePtr(claimedAt)
	return p, nil
}

func (s *Store) RecordPayment(ctx context.Context, p identity.PaymentLog) (identity.PaymentLog, error) {
	if p.ID == "" {
		p.ID = ids.New()
	}
	if p.Status == "" {
		p.Status = identity.PaymentUnclaimed
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	row := s.db.QueryRowContext(ctx, `
		insert into payment_logs (id, provider_tx_id, amount, currency, payer_name, raw_text, status, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
		returning `+paymentColumns,
		p.ID, p.ProviderTxID, p.Amount, p.Currency, p.PayerName, p.RawText, string(p.Status), p.CreatedAt)
	out, err := scanPayment(row)
	if err != nil {
		return identity.PaymentLog{}, translate(err, "payment "+p.ProviderTxID+" already recorded")
	}
	return out, nil
}

// FindUnclaimedPayment returns the newest unclaimed payment whose provider id
// ends with reference.
func (s *Store) FindUnclaimedPayment(ctx context.Context, reference string) (identity.PaymentLog, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+paymentColumns+` from payment_logs
		where status = 'unclaimed' and provider_tx_id like '%' || $1
		order by created_at desc
		limit 1`, likeEscaper.Replace(reference))
	p, err := scanPayment(row)
	if err != nil {
		return identity.PaymentLog{}, translate(err, fmt.Sprintf("unclaimed payment %q", reference))
	}
	return p, nil
}

func (s *Store) ClaimPayment(ctx context.Context, id, accountID, appID string, now time.Time) (bool, error) {
	n, err := rowsAffected(s.db.ExecContext(ctx, `
		update payment_logs
		set status = 'claimed', claimed_by = $2, claimed_for = $3, claimed_at = $4
		where id = $1 and status = 'unclaimed'
	`, id, accountID, appID, now.UTC()))
	if err != nil {
		return false, translate(err, "payment claim")
	}
	if n == 1 {
		return true, nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `select exists(select 1 from payment_logs where id = $1)`, id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, fmt.Errorf("%w: payment %s", identity.ErrNotFound, id)
	}
	return false, nil
}

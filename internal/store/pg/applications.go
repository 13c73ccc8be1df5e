package pg

import (
	"context"
	"fmt"
	"time"

	"bifrost.org/internal/identity"
)

const applicationColumns = `client_id, name, callback_url, web_url, api_url, logo_url, qr_url, client_secret_hash, webhook_secret, forbidden_roles, created_at`

func scanApplication(row scanner) (identity.Application, error) {
	var (
		app       identity.Application
		forbidden []byte
	)
	if err := row.Scan(&app.ID, &app.Name, &app.CallbackURL, &app.WebURL, &app.APIURL, &app.LogoURL, &app.QRURL,
		&app.ClientSecretHash, &app.WebhookSecret, &forbidden, &app.CreatedAt); err != nil {
		return identity.Application{}, err
	}
	list, err := decodeList(forbidden)
	if err != nil {
		return identity.Application{}, err
	}
	app.ForbiddenRoles = list
	app.CreatedAt = app.CreatedAt.UTC()
	return app, nil
}

func (s *Store) CreateApplication(ctx context.Context, app identity.Application) (identity.Application, error) {
	if app.CreatedAt.IsZero() {
		app.CreatedAt = time.Now().UTC()
	}
	forbidden, err := encodeList(app.ForbiddenRoles)
	if err != nil {
		return identity.Application{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		insert into applications (client_id, name, callback_url, web_url, api_url, logo_url, qr_url,
			client_secret_hash, webhook_secret, forbidden_roles, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		returning `+applicationColumns,
		app.ID, app.Name, app.CallbackURL, app.WebURL, app.APIURL, app.LogoURL, app.QRURL,
		app.ClientSecretHash, app.WebhookSecret, forbidden, app.CreatedAt)
	created, err := scanApplication(row)
	if err != nil {
		return identity.Application{}, translate(err, "application "+app.ID)
	}
	return created, nil
}

func (s *Store) GetApplication(ctx context.Context, id string) (identity.Application, error) {
	row := s.db.QueryRowContext(ctx, `select `+applicationColumns+` from applications where client_id = $1`, id)
	app, err := scanApplication(row)
	if err != nil {
		return identity.Application{}, translate(err, "application "+id)
	}
	return app, nil
}

func (s *Store) ListApplications(ctx context.Context) ([]identity.Application, error) {
	rows, err := s.db.QueryContext(ctx, `select `+applicationColumns+` from applications order by created_at, client_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []identity.Application
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, app)
	}
	return out, rows.Err()
}

// UpdateApplicationSecrets replaces the non-empty secrets; an empty argument
// keeps the stored value.
func (s *Store) UpdateApplicationSecrets(ctx context.Context, id, clientSecretHash, webhookSecret string) error {
	n, err := rowsAffected(s.db.ExecContext(ctx, `
		update applications
		set client_secret_hash = coalesce(nullif($2, ''), client_secret_hash),
			webhook_secret = coalesce(nullif($3, ''), webhook_secret)
		where client_id = $1
	`, id, clientSecretHash, webhookSecret))
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: application %s", identity.ErrNotFound, id)
	}
	return nil
}

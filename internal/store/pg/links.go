package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"bifrost.org/internal/identity"
)

const linkColumns = `account_id, application_id, role, expires_at, linked_at, updated_at`

// reapableRoles is the SQL set of roles above the default role.
var reapableRoles = func() string {
	var names []string
	for r := identity.DefaultRole + 1; r.Valid(); r++ {
		names = append(names, "'"+r.String()+"'")
	}
	return "(" + strings.Join(names, ", ") + ")"
}()

func scanLink(row scanner) (identity.AppLink, error) {
	var (
		link    identity.AppLink
		role    string
		expires sql.NullTime
	)
	if err := row.Scan(&link.AccountID, &link.ApplicationID, &role, &expires, &link.LinkedAt, &link.UpdatedAt); err != nil {
		return identity.AppLink{}, err
	}
	parsed, err := identity.ParseRole(role)
	if err != nil {
		return identity.AppLink{}, fmt.Errorf("link %s/%s: %w", link.AccountID, link.ApplicationID, err)
	}
	link.Role = parsed
	link.ExpiresAt = timePtr(expires)
	link.LinkedAt = link.LinkedAt.UTC()
	link.UpdatedAt = link.UpdatedAt.UTC()
	return link, nil
}

func (s *Store) GetLink(ctx context.Context, accountID, appID string) (identity.AppLink, error) {
	row := s.db.QueryRowContext(ctx, `select `+linkColumns+` from app_links where account_id = $1 and application_id = $2`, accountID, appID)
	link, err := scanLink(row)
	if err != nil {
		return identity.AppLink{}, translate(err, "link "+accountID+"/"+appID)
	}
	return link, nil
}

// UpsertLink overwrites role and expiry; linked_at survives from the first write.
func (s *Store) UpsertLink(ctx context.Context, link identity.AppLink) (identity.AppLink, error) {
	now := link.UpdatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	linkedAt := link.LinkedAt
	if linkedAt.IsZero() {
		linkedAt = now
	}
	row := s.db.QueryRowContext(ctx, `
		insert into app_links (account_id, application_id, role, expires_at, linked_at, updated_at)
		values ($1, $2, $3, $4, $5, $6)
		on conflict (account_id, application_id) do update
		set role = excluded.role,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
		returning `+linkColumns,
		link.AccountID, link.ApplicationID, link.Role.String(), nullTime(link.ExpiresAt), linkedAt, now)
	out, err := scanLink(row)
	if err != nil {
		return identity.AppLink{}, translate(err, "link "+link.AccountID+"/"+link.ApplicationID)
	}
	return out, nil
}

func (s *Store) DeleteLink(ctx context.Context, accountID, appID string) error {
	n, err := rowsAffected(s.db.ExecContext(ctx, `delete from app_links where account_id = $1 and application_id = $2`, accountID, appID))
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: link %s/%s", identity.ErrNotFound, accountID, appID)
	}
	return nil
}

func (s *Store) ListLinksByAccount(ctx context.Context, accountID string) ([]identity.AppLink, error) {
	return s.listLinks(ctx, `select `+linkColumns+` from app_links where account_id = $1 order by linked_at, application_id`, accountID)
}

func (s *Store) ListLinksByApp(ctx context.Context, appID string) ([]identity.AppLink, error) {
	return s.listLinks(ctx, `select `+linkColumns+` from app_links where application_id = $1 order by linked_at, account_id`, appID)
}

func (s *Store) ListExpiredLinks(ctx context.Context, now time.Time) ([]identity.AppLink, error) {
	return s.listLinks(ctx, `
		select `+linkColumns+` from app_links
		where expires_at is not null and expires_at < $1 and role in `+reapableRoles+`
		order by expires_at`, now.UTC())
}

// ExpireLink is a compare-and-set on (role, expires_at): a renewal or grant
// written after the link was listed makes it match no row.
func (s *Store) ExpireLink(ctx context.Context, observed identity.AppLink, now time.Time) (identity.AppLink, bool, error) {
	if observed.ExpiresAt == nil {
		return identity.AppLink{}, false, nil
	}
	row := s.db.QueryRowContext(ctx, `
		update app_links set role = $3, expires_at = null, updated_at = $4
		where account_id = $1 and application_id = $2
			and role = $5 and expires_at = $6 and expires_at < $4 and role in `+reapableRoles+`
		returning `+linkColumns,
		observed.AccountID, observed.ApplicationID, identity.DefaultRole.String(), now.UTC(),
		observed.Role.String(), observed.ExpiresAt.UTC())
	link, err := scanLink(row)
	if errors.Is(err, sql.ErrNoRows) {
		return identity.AppLink{}, false, nil
	}
	if err != nil {
		return identity.AppLink{}, false, translate(err, "link "+observed.AccountID+"/"+observed.ApplicationID)
	}
	return link, true, nil
}

func (s *Store) listLinks(ctx context.Context, query string, args ...any) ([]identity.AppLink, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []identity.AppLink
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, link)
	}
	return out, rows.Err()
}

package entitlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"bifrost.org/internal/identity"
	"bifrost.org/internal/obs"
	"bifrost.org/internal/webhook"
)

// Store is the persistence the manager needs.
type Store interface {
	GetAccount(ctx context.Context, id string) (identity.Account, error)
	GetApplication(ctx context.Context, id string) (identity.Application, error)
	GetLink(ctx context.Context, accountID, appID string) (identity.AppLink, error)
	UpsertLink(ctx context.Context, link identity.AppLink) (identity.AppLink, error)
	DeleteLink(ctx context.Context, accountID, appID string) error
	ListLinksByAccount(ctx context.Context, accountID string) ([]identity.AppLink, error)
	ListLinksByApp(ctx context.Context, appID string) ([]identity.AppLink, error)
	ExpireLink(ctx context.Context, observed identity.AppLink, now time.Time) (identity.AppLink, bool, error)
}

// Notifier emits webhook events.
type Notifier interface {
	Emit(ctx context.Context, appID, event string, payload webhook.Payload)
}

// Manager owns AppLink writes. Writes are upserts and the latest one wins.
type Manager struct {
	store    Store
	notifier Notifier
	logger   *slog.Logger
	metrics  *obs.Metrics
	now      func() time.Time
}

// Option configures Manager.
type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func WithMetrics(metrics *obs.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// New constructs a Manager.
func New(store Store, notifier Notifier, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = obs.Logger()
	}
	m := &Manager{
		store:    store,
		notifier: notifier,
		logger:   logger.With("component", "entitlement"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Change describes a link write. Previous is nil when the link was created.
type Change struct {
	Previous *identity.AppLink
	Current  identity.AppLink
}

// PreviousRole returns the role before the write, guest when there was no link.
func (c Change) PreviousRole() identity.Role {
	if c.Previous == nil {
		return identity.RoleGuest
	}
	return c.Previous.Role
}

// Actor identifies who asks for a destructive change.
type Actor struct {
	AccountID  string
	SuperAdmin bool
}

// RoleView is the answer to a role query.
type RoleView struct {
	Role      identity.Role `json:"role"`
	ExpiresAt *time.Time    `json:"expires_at,omitempty"`
	Expired   bool          `json:"expired"`
}

// AppUser pairs an account with its link to an application.
type AppUser struct {
	Account identity.Account `json:"account"`
	Link    identity.AppLink `json:"link"`
}

// Upgrade sets role and expiry for (account, app), creating the link if
// needed. Granting owner demotes any other owner of the application to admin.
func (m *Manager) Upgrade(ctx context.Context, accountID, appID string, role identity.Role, expiresAt *time.Time) (Change, error) {
	if !role.Valid() {
		return Change{}, fmt.Errorf("%w: role %d", identity.ErrInvalidInput, int(role))
	}
	if role == identity.RoleOwner {
		if err := m.demoteOwners(ctx, appID, accountID); err != nil {
			return Change{}, err
		}
	}
	change, err := m.write(ctx, accountID, appID, role, expiresAt)
	if err != nil {
		return Change{}, err
	}
	m.metrics.EntitlementChanged("upgrade")
	m.logger.Info("entitlement upgraded",
		"account_id", accountID, "app_id", appID,
		"previous_role", change.PreviousRole().String(), "role", role.String(),
		"expires_at", formatExpiry(expiresAt))
	return change, nil
}

// Expire resets an expired link to the default role with no expiry. The
// write only lands while the link is still exactly as observed, so a renewal
// or grant that raced the caller wins; ok is false in that case.
func (m *Manager) Expire(ctx context.Context, observed identity.AppLink) (Change, bool, error) {
	current, ok, err := m.store.ExpireLink(ctx, observed, m.now().UTC())
	if err != nil {
		return Change{}, false, err
	}
	if !ok {
		m.logger.Info("expiry skipped, link changed since listing",
			"account_id", observed.AccountID, "app_id", observed.ApplicationID)
		return Change{}, false, nil
	}
	previous := observed
	m.metrics.EntitlementChanged("downgrade")
	m.logger.Info("entitlement downgraded",
		"account_id", observed.AccountID, "app_id", observed.ApplicationID,
		"previous_role", observed.Role.String())
	return Change{Previous: &previous, Current: current}, true, nil
}

// Remove deletes the link. Only guest links, the account holder itself, or a
// super admin may remove; anything else is ErrPermissionDenied.
func (m *Manager) Remove(ctx context.Context, accountID, appID string, actor Actor) error {
	link, err := m.store.GetLink(ctx, accountID, appID)
	if err != nil {
		return err
	}
	allowed := link.Role == identity.RoleGuest || actor.SuperAdmin || (actor.AccountID != "" && actor.AccountID == accountID)
	if !allowed {
		return fmt.Errorf("%w: cannot remove %s link", identity.ErrPermissionDenied, link.Role)
	}
	if err := m.store.DeleteLink(ctx, accountID, appID); err != nil {
		return err
	}
	m.metrics.EntitlementChanged("remove")
	m.logger.Info("entitlement removed", "account_id", accountID, "app_id", appID, "previous_role", link.Role.String())
	m.notify(ctx, appID, accountID, map[string]any{
		"previous_role": link.Role.String(),
		"new_role":      "removed",
	})
	return nil
}

// SetRole is the back-office role assignment: an actor may only assign roles
// strictly below their own.
func (m *Manager) SetRole(ctx context.Context, actorRole identity.Role, accountID, appID string, role identity.Role, duration identity.Duration) (Change, error) {
	if !actorRole.Managing() || !actorRole.Above(role) {
		return Change{}, fmt.Errorf("%w: %s cannot assign %s", identity.ErrPermissionDenied, actorRole, role)
	}
	expires := duration.ExpiresFrom(m.now())
	change, err := m.Upgrade(ctx, accountID, appID, role, expires)
	if err != nil {
		return Change{}, err
	}
	m.notify(ctx, appID, accountID, map[string]any{
		"previous_role": change.PreviousRole().String(),
		"new_role":      role.String(),
		"expires_at":    formatExpiry(expires),
		"method":        "admin_panel",
	})
	return change, nil
}

// EnsureLinked creates a default-role link on first contact with an
// application and leaves an existing link untouched. created is false when
// the link was already there.
func (m *Manager) EnsureLinked(ctx context.Context, accountID, appID string) (identity.AppLink, bool, error) {
	link, err := m.store.GetLink(ctx, accountID, appID)
	if err == nil {
		return link, false, nil
	}
	if !errors.Is(err, identity.ErrNotFound) {
		return identity.AppLink{}, false, err
	}
	change, err := m.write(ctx, accountID, appID, identity.DefaultRole, nil)
	if err != nil {
		return identity.AppLink{}, false, err
	}
	m.metrics.EntitlementChanged("link")
	m.logger.Info("account linked", "account_id", accountID, "app_id", appID)
	return change.Current, true, nil
}

// GetRole reports the stored role. An expired link is flagged so callers
// never treat it as active even before the reaper runs.
func (m *Manager) GetRole(ctx context.Context, accountID, appID string) (RoleView, error) {
	link, err := m.store.GetLink(ctx, accountID, appID)
	if err != nil {
		return RoleView{}, err
	}
	return RoleView{
		Role:      link.Role,
		ExpiresAt: link.ExpiresAt,
		Expired:   link.ExpiredAt(m.now()),
	}, nil
}

// ListManagedApps returns the applications where the account is admin or owner.
func (m *Manager) ListManagedApps(ctx context.Context, accountID string) ([]identity.Application, error) {
	links, err := m.store.ListLinksByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	var apps []identity.Application
	for _, link := range links {
		if !link.Role.Managing() {
			continue
		}
		app, err := m.store.GetApplication(ctx, link.ApplicationID)
		if errors.Is(err, identity.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		apps = append(apps, app)
	}
	return apps, nil
}

// ListAppUsers returns every account linked to the application.
func (m *Manager) ListAppUsers(ctx context.Context, appID string) ([]AppUser, error) {
	links, err := m.store.ListLinksByApp(ctx, appID)
	if err != nil {
		return nil, err
	}
	users := make([]AppUser, 0, len(links))
	for _, link := range links {
		acc, err := m.store.GetAccount(ctx, link.AccountID)
		if errors.Is(err, identity.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		users = append(users, AppUser{Account: acc, Link: link})
	}
	return users, nil
}

func (m *Manager) write(ctx context.Context, accountID, appID string, role identity.Role, expiresAt *time.Time) (Change, error) {
	var previous *identity.AppLink
	existing, err := m.store.GetLink(ctx, accountID, appID)
	switch {
	case err == nil:
		previous = &existing
	case errors.Is(err, identity.ErrNotFound):
	default:
		return Change{}, err
	}
	now := m.now().UTC()
	link, err := m.store.UpsertLink(ctx, identity.AppLink{
		AccountID:     accountID,
		ApplicationID: appID,
		Role:          role,
		ExpiresAt:     expiresAt,
		LinkedAt:      now,
		UpdatedAt:     now,
	})
	if err != nil {
		return Change{}, err
	}
	return Change{Previous: previous, Current: link}, nil
}

func (m *Manager) demoteOwners(ctx context.Context, appID, newOwner string) error {
	links, err := m.store.ListLinksByApp(ctx, appID)
	if err != nil {
		return err
	}
	for _, link := range links {
		if link.Role != identity.RoleOwner || link.AccountID == newOwner {
			continue
		}
		if _, err := m.write(ctx, link.AccountID, appID, identity.RoleAdmin, nil); err != nil {
			return fmt.Errorf("demote owner %s: %w", link.AccountID, err)
		}
		m.logger.Info("previous owner demoted", "account_id", link.AccountID, "app_id", appID)
		m.notify(ctx, appID, link.AccountID, map[string]any{
			"previous_role": identity.RoleOwner.String(),
			"new_role":      identity.RoleAdmin.String(),
			"reason":        "ownership_transfer",
		})
	}
	return nil
}

func (m *Manager) notify(ctx context.Context, appID, accountID string, extra map[string]any) {
	if m.notifier == nil {
		return
	}
	m.notifier.Emit(ctx, appID, webhook.EventAccountRoleChange, webhook.Payload{AccountID: accountID, Extra: extra})
}

func formatExpiry(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

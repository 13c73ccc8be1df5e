package entitlement

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bifrost.org/internal/identity"
	"bifrost.org/internal/store/memory"
	"bifrost.org/internal/webhook"
)

type emitted struct {
	appID   string
	event   string
	payload webhook.Payload
}

type recorder struct {
	mu     sync.Mutex
	events []emitted
}

func (r *recorder) Emit(_ context.Context, appID, event string, payload webhook.Payload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, emitted{appID, event, payload})
}

func (r *recorder) all() []emitted {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]emitted(nil), r.events...)
}

type fixture struct {
	store *memory.Store
	rec   *recorder
	mgr   *Manager
	now   time.Time
	app   identity.Application
	alice identity.Account
	bob   identity.Account
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: memory.New(),
		rec:   &recorder{},
		now:   time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	ctx := context.Background()
	var err error
	f.app, err = f.store.CreateApplication(ctx, identity.Application{ID: "shop_0a1b2c3d", Name: "Shop"})
	require.NoError(t, err)
	f.alice, err = f.store.CreateAccount(ctx, identity.Account{Email: "alice@example.com"})
	require.NoError(t, err)
	f.bob, err = f.store.CreateAccount(ctx, identity.Account{Email: "bob@example.com"})
	require.NoError(t, err)
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	f.mgr = New(f.store, f.rec, logger, WithClock(func() time.Time { return f.now }))
	return f
}

func TestUpgradeLatestWriteWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	exp := f.now.AddDate(0, 0, 30)
	change, err := f.mgr.Upgrade(ctx, f.alice.ID, f.app.ID, identity.RolePremiumUser, &exp)
	require.NoError(t, err)
	assert.Nil(t, change.Previous)
	assert.Equal(t, identity.RoleGuest, change.PreviousRole())

	// A shorter expiry written later replaces the longer one; no merge.
	shorter := f.now.AddDate(0, 0, 1)
	change, err = f.mgr.Upgrade(ctx, f.alice.ID, f.app.ID, identity.RolePremiumUser, &shorter)
	require.NoError(t, err)
	require.NotNil(t, change.Previous)
	assert.Equal(t, identity.RolePremiumUser, change.Previous.Role)

	view, err := f.mgr.GetRole(ctx, f.alice.ID, f.app.ID)
	require.NoError(t, err)
	assert.Equal(t, identity.RolePremiumUser, view.Role)
	require.NotNil(t, view.ExpiresAt)
	assert.True(t, view.ExpiresAt.Equal(shorter))
	assert.False(t, view.Expired)
}

func TestGetRoleFlagsExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	past := f.now.Add(-time.Minute)
	_, err := f.mgr.Upgrade(ctx, f.alice.ID, f.app.ID, identity.RolePremiumUser, &past)
	require.NoError(t, err)

	view, err := f.mgr.GetRole(ctx, f.alice.ID, f.app.ID)
	require.NoError(t, err)
	assert.True(t, view.Expired)
}

func TestExpireDowngradesObservedLink(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	past := f.now.Add(-time.Hour)
	_, err := f.mgr.Upgrade(ctx, f.alice.ID, f.app.ID, identity.RolePremiumUser, &past)
	require.NoError(t, err)
	observed, err := f.store.GetLink(ctx, f.alice.ID, f.app.ID)
	require.NoError(t, err)

	change, ok, err := f.mgr.Expire(ctx, observed)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, identity.RolePremiumUser, change.PreviousRole())
	assert.Equal(t, identity.RoleUser, change.Current.Role)
	assert.Nil(t, change.Current.ExpiresAt)

	// already downgraded: nothing left to expire
	_, ok, err = f.mgr.Expire(ctx, observed)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = f.mgr.Expire(ctx, identity.AppLink{AccountID: f.bob.ID, ApplicationID: f.app.ID, Role: identity.RolePremiumUser, ExpiresAt: &past})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExpireLosesToRenewal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	past := f.now.Add(-time.Hour)
	_, err := f.mgr.Upgrade(ctx, f.alice.ID, f.app.ID, identity.RolePremiumUser, &past)
	require.NoError(t, err)
	observed, err := f.store.GetLink(ctx, f.alice.ID, f.app.ID)
	require.NoError(t, err)

	renewed := f.now.AddDate(0, 0, 30)
	_, err = f.mgr.Upgrade(ctx, f.alice.ID, f.app.ID, identity.RolePremiumUser, &renewed)
	require.NoError(t, err)

	_, ok, err := f.mgr.Expire(ctx, observed)
	require.NoError(t, err)
	assert.False(t, ok)
	view, err := f.mgr.GetRole(ctx, f.alice.ID, f.app.ID)
	require.NoError(t, err)
	assert.Equal(t, identity.RolePremiumUser, view.Role)
	require.NotNil(t, view.ExpiresAt)
	assert.True(t, view.ExpiresAt.Equal(renewed))
}

func TestRemovePermission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.mgr.Upgrade(ctx, f.alice.ID, f.app.ID, identity.RolePremiumUser, nil)
	require.NoError(t, err)

	err = f.mgr.Remove(ctx, f.alice.ID, f.app.ID, Actor{AccountID: f.bob.ID})
	assert.ErrorIs(t, err, identity.ErrPermissionDenied)
	view, err := f.mgr.GetRole(ctx, f.alice.ID, f.app.ID)
	require.NoError(t, err)
	assert.Equal(t, identity.RolePremiumUser, view.Role, "link must be unchanged")
	assert.Empty(t, f.rec.all())

	require.NoError(t, f.mgr.Remove(ctx, f.alice.ID, f.app.ID, Actor{AccountID: f.alice.ID}))
	_, err = f.mgr.GetRole(ctx, f.alice.ID, f.app.ID)
	assert.ErrorIs(t, err, identity.ErrNotFound)

	events := f.rec.all()
	require.Len(t, events, 1)
	assert.Equal(t, webhook.EventAccountRoleChange, events[0].event)
	assert.Equal(t, "removed", events[0].payload.Extra["new_role"])
}

func TestRemoveGuestAndSuperAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.mgr.Upgrade(ctx, f.alice.ID, f.app.ID, identity.RoleGuest, nil)
	require.NoError(t, err)
	require.NoError(t, f.mgr.Remove(ctx, f.alice.ID, f.app.ID, Actor{}))

	_, err = f.mgr.Upgrade(ctx, f.bob.ID, f.app.ID, identity.RoleAdmin, nil)
	require.NoError(t, err)
	require.NoError(t, f.mgr.Remove(ctx, f.bob.ID, f.app.ID, Actor{SuperAdmin: true}))
}

func TestOwnerTransferDemotesPreviousOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.mgr.Upgrade(ctx, f.alice.ID, f.app.ID, identity.RoleOwner, nil)
	require.NoError(t, err)
	_, err = f.mgr.Upgrade(ctx, f.bob.ID, f.app.ID, identity.RoleOwner, nil)
	require.NoError(t, err)

	alice, err := f.mgr.GetRole(ctx, f.alice.ID, f.app.ID)
	require.NoError(t, err)
	assert.Equal(t, identity.RoleAdmin, alice.Role)
	assert.Nil(t, alice.ExpiresAt)

	events := f.rec.all()
	require.Len(t, events, 1)
	assert.Equal(t, f.alice.ID, events[0].payload.AccountID)
	assert.Equal(t, "ownership_transfer", events[0].payload.Extra["reason"])
}

func TestSetRoleHierarchy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.mgr.SetRole(ctx, identity.RoleAdmin, f.alice.ID, f.app.ID, identity.RoleAdmin, identity.DurationLifetime)
	assert.ErrorIs(t, err, identity.ErrPermissionDenied)

	_, err = f.mgr.SetRole(ctx, identity.RolePremiumUser, f.alice.ID, f.app.ID, identity.RoleUser, identity.DurationLifetime)
	assert.ErrorIs(t, err, identity.ErrPermissionDenied)

	change, err := f.mgr.SetRole(ctx, identity.RoleOwner, f.alice.ID, f.app.ID, identity.RolePremiumUser, identity.Duration3M)
	require.NoError(t, err)
	require.NotNil(t, change.Current.ExpiresAt)
	assert.True(t, change.Current.ExpiresAt.Equal(f.now.AddDate(0, 0, 90)))
	require.Len(t, f.rec.all(), 1)
}

func TestListManagedAppsAndUsers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other, err := f.store.CreateApplication(ctx, identity.Application{ID: "blog_11223344", Name: "Blog"})
	require.NoError(t, err)

	_, err = f.mgr.Upgrade(ctx, f.alice.ID, f.app.ID, identity.RoleAdmin, nil)
	require.NoError(t, err)
	_, err = f.mgr.Upgrade(ctx, f.alice.ID, other.ID, identity.RolePremiumUser, nil)
	require.NoError(t, err)
	_, err = f.mgr.Upgrade(ctx, f.bob.ID, f.app.ID, identity.RoleUser, nil)
	require.NoError(t, err)

	apps, err := f.mgr.ListManagedApps(ctx, f.alice.ID)
	require.NoError(t, err)
	require.Len(t, apps, 1)
	assert.Equal(t, f.app.ID, apps[0].ID)

	users, err := f.mgr.ListAppUsers(ctx, f.app.ID)
	require.NoError(t, err)
	assert.Len(t, users, 2)
}

func TestEnsureLinkedKeepsExisting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	link, created, err := f.mgr.EnsureLinked(ctx, f.alice.ID, f.app.ID)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, identity.RoleUser, link.Role)

	exp := f.now.AddDate(0, 0, 30)
	_, err = f.mgr.Upgrade(ctx, f.alice.ID, f.app.ID, identity.RolePremiumUser, &exp)
	require.NoError(t, err)

	link, created, err = f.mgr.EnsureLinked(ctx, f.alice.ID, f.app.ID)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, identity.RolePremiumUser, link.Role)
	assert.Empty(t, f.rec.all(), "linking is silent")
}

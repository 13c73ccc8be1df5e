package accounts

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bifrost.org/internal/auth"
	"bifrost.org/internal/entitlement"
	"bifrost.org/internal/identity"
	"bifrost.org/internal/store/memory"
	"bifrost.org/internal/verification"
	"bifrost.org/internal/webhook"
)

type emitted struct {
	appID, accountID, event string
	extra                   map[string]any
}

type recorder struct {
	mu     sync.Mutex
	events []emitted
	store  *memory.Store
}

func (r *recorder) Emit(_ context.Context, appID, event string, p webhook.Payload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, emitted{appID, p.AccountID, event, p.Extra})
}

func (r *recorder) EmitForAccount(ctx context.Context, accountID, event string, p webhook.Payload) {
	links, _ := r.store.ListLinksByAccount(ctx, accountID)
	for _, l := range links {
		r.Emit(ctx, l.ApplicationID, event, p)
	}
}

type fixture struct {
	store  *memory.Store
	rec    *recorder
	tokens *auth.Tokens
	svc    *Service
	now    time.Time
	app    identity.Application
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: memory.New(), now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	f.rec = &recorder{store: f.store}
	clock := func() time.Time { return f.now }
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	var err error
	f.app, err = f.store.CreateApplication(context.Background(), identity.Application{ID: "shop_0a1b2c3d", Name: "Shop"})
	require.NoError(t, err)
	f.tokens, err = auth.NewTokens("test-secret", auth.WithClock(clock))
	require.NoError(t, err)

	verifier := verification.New(f.store, logger, verification.WithClock(clock))
	linker := entitlement.New(f.store, f.rec, logger, entitlement.WithClock(clock))
	f.svc = New(f.store, verifier, f.tokens, linker, f.rec, logger,
		WithBotURL("https://t.me/bifrost_bot/"),
		WithSuperAdmins("root-account"),
	)
	return f
}

func TestRegister(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	acc, err := f.svc.Register(ctx, RegisterRequest{Email: " Alice@Example.com ", Password: "hunter22"})
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", acc.Email)
	assert.Equal(t, []string{"password"}, acc.AuthProviders)
	require.NoError(t, auth.VerifySecret(acc.PasswordHash, "hunter22"))

	_, err = f.svc.Register(ctx, RegisterRequest{Email: "alice@example.com"})
	assert.ErrorIs(t, err, identity.ErrConflict)

	_, err = f.svc.Register(ctx, RegisterRequest{DisplayName: "nobody"})
	assert.ErrorIs(t, err, identity.ErrInvalidInput)
}

func TestLinkChatFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acc, err := f.svc.Register(ctx, RegisterRequest{Email: "alice@example.com"})
	require.NoError(t, err)
	_, err = f.store.UpsertLink(ctx, identity.AppLink{AccountID: acc.ID, ApplicationID: f.app.ID, Role: identity.RoleUser})
	require.NoError(t, err)

	lt, err := f.svc.GenerateLinkToken(ctx, acc.ID)
	require.NoError(t, err)
	assert.Len(t, lt.Token, 22)
	assert.True(t, strings.HasPrefix(lt.DeepLink, "https://t.me/bifrost_bot?start="))

	linked, err := f.svc.LinkChat(ctx, LinkRequest{Token: lt.Token, ChatID: "777", DisplayName: "Alice"})
	require.NoError(t, err)
	assert.Equal(t, "777", linked.ChatID)
	assert.Equal(t, "Alice", linked.DisplayName)

	require.Len(t, f.rec.events, 1)
	assert.Equal(t, webhook.EventAccountUpdate, f.rec.events[0].event)
	assert.Equal(t, f.app.ID, f.rec.events[0].appID)

	_, err = f.svc.LinkChat(ctx, LinkRequest{Token: lt.Token, ChatID: "777"})
	assert.ErrorIs(t, err, identity.ErrInvalid, "token is single use")
}

func TestLinkChatConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Register(ctx, RegisterRequest{ChatID: "777"})
	require.NoError(t, err)
	bob, err := f.svc.Register(ctx, RegisterRequest{Email: "bob@example.com"})
	require.NoError(t, err)

	lt, err := f.svc.GenerateLinkToken(ctx, bob.ID)
	require.NoError(t, err)
	_, err = f.svc.LinkChat(ctx, LinkRequest{Token: lt.Token, ChatID: "777"})
	assert.ErrorIs(t, err, identity.ErrConflict)
}

func TestLinkTokenExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acc, err := f.svc.Register(ctx, RegisterRequest{Email: "alice@example.com"})
	require.NoError(t, err)
	lt, err := f.svc.GenerateLinkToken(ctx, acc.ID)
	require.NoError(t, err)

	f.now = f.now.Add(16 * time.Minute)
	_, err = f.svc.LinkChat(ctx, LinkRequest{Token: lt.Token, ChatID: "777"})
	assert.ErrorIs(t, err, identity.ErrExpired)
}

func TestOTPLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acc, err := f.svc.Register(ctx, RegisterRequest{Email: "alice@example.com"})
	require.NoError(t, err)

	challenge, err := f.svc.IssueOTP(ctx, OTPRequest{Identifier: "ALICE@example.com", Channel: identity.ChannelEmail})
	require.NoError(t, err)
	assert.Len(t, challenge.Code, 6)
	assert.Equal(t, acc.ID, challenge.AccountID)

	spaced := challenge.Code[:3] + " " + challenge.Code[3:]
	session, err := f.svc.VerifyOTP(ctx, f.app.ID, VerifyRequest{Identifier: "alice@example.com", Channel: identity.ChannelEmail, Code: spaced})
	require.NoError(t, err)
	assert.Equal(t, identity.RoleUser, session.Role)

	claims, err := f.tokens.Validate(session.Token, f.app.ID)
	require.NoError(t, err)
	assert.Equal(t, acc.ID, claims.Subject)

	link, err := f.store.GetLink(ctx, acc.ID, f.app.ID)
	require.NoError(t, err)
	assert.Equal(t, identity.RoleUser, link.Role)

	_, err = f.svc.VerifyOTP(ctx, f.app.ID, VerifyRequest{Identifier: "alice@example.com", Channel: identity.ChannelEmail, Code: challenge.Code})
	assert.ErrorIs(t, err, identity.ErrInvalid)
}

func TestIssueOTPUnknownAccount(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.IssueOTP(context.Background(), OTPRequest{Identifier: "ghost@example.com", Channel: identity.ChannelEmail})
	assert.ErrorIs(t, err, identity.ErrNotFound)

	_, err = f.svc.IssueOTP(context.Background(), OTPRequest{Identifier: "x", Channel: identity.ChannelDeepLink})
	assert.ErrorIs(t, err, identity.ErrInvalidInput)
}

func TestPurge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acc, err := f.svc.Register(ctx, RegisterRequest{Email: "alice@example.com"})
	require.NoError(t, err)
	_, err = f.store.UpsertLink(ctx, identity.AppLink{AccountID: acc.ID, ApplicationID: f.app.ID, Role: identity.RolePremiumUser})
	require.NoError(t, err)

	err = f.svc.Purge(ctx, acc.ID, acc.ID)
	assert.ErrorIs(t, err, identity.ErrPermissionDenied)

	require.NoError(t, f.svc.Purge(ctx, "root-account", acc.ID))
	_, err = f.store.GetAccount(ctx, acc.ID)
	assert.ErrorIs(t, err, identity.ErrNotFound)
	_, err = f.store.GetLink(ctx, acc.ID, f.app.ID)
	assert.ErrorIs(t, err, identity.ErrNotFound)

	require.Len(t, f.rec.events, 1)
	assert.Equal(t, webhook.EventAccountRoleChange, f.rec.events[0].event)
	assert.Equal(t, "removed", f.rec.events[0].extra["new_role"])
	assert.Equal(t, "premium_user", f.rec.events[0].extra["previous_role"])
}

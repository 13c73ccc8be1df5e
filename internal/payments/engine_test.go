package payments

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bifrost.org/internal/approval"
	"bifrost.org/internal/entitlement"
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

func (r *recorder) byEvent(event string) []emitted {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []emitted
	for _, e := range r.events {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

type countingEntitlements struct {
	*entitlement.Manager
	upgrades atomic.Int32
}

func (c *countingEntitlements) Upgrade(ctx context.Context, accountID, appID string, role identity.Role, expiresAt *time.Time) (entitlement.Change, error) {
	c.upgrades.Add(1)
	return c.Manager.Upgrade(ctx, accountID, appID, role, expiresAt)
}

type countingStore struct {
	*memory.Store
	creates atomic.Int32
}

func (s *countingStore) CreateTransaction(ctx context.Context, tx identity.Transaction) (identity.Transaction, error) {
	s.creates.Add(1)
	return s.Store.CreateTransaction(ctx, tx)
}

type fixture struct {
	store     *countingStore
	rec       *recorder
	ents      *countingEntitlements
	approvals *approval.LogChannel
	engine    *Engine
	now       time.Time
	app       identity.Application
	alice     identity.Account
	bob       identity.Account
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: &countingStore{Store: memory.New()},
		rec:   &recorder{},
		now:   time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	ctx := context.Background()

	var err error
	f.app, err = f.store.CreateApplication(ctx, identity.Application{
		ID: "shop_0a1b2c3d", Name: "Shop", ForbiddenRoles: []string{"admin"},
	})
	require.NoError(t, err)
	f.alice, err = f.store.CreateAccount(ctx, identity.Account{Email: "alice@example.com", ChatID: "1001"})
	require.NoError(t, err)
	f.bob, err = f.store.CreateAccount(ctx, identity.Account{Email: "bob@example.com"})
	require.NoError(t, err)

	f.ents = &countingEntitlements{Manager: entitlement.New(f.store, f.rec, logger, entitlement.WithClock(clock))}
	f.approvals = approval.NewLogChannel(logger)
	f.engine = New(f.store, f.ents, f.rec, logger, WithClock(clock), WithApprovalChannel(f.approvals))
	return f
}

func (f *fixture) intent(t *testing.T, accountID string) identity.Transaction {
	t.Helper()
	tx, err := f.engine.CreateIntent(context.Background(), IntentRequest{
		ApplicationID: f.app.ID,
		AccountID:     accountID,
		Amount:        1999,
		Currency:      "usd",
		Role:          "premium_user",
		Duration:      "1m",
		ClientRef:     "order-77",
	})
	require.NoError(t, err)
	return tx
}

func TestPremiumRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.intent(t, f.alice.ID)
	assert.Equal(t, identity.TxPending, tx.Status)
	assert.Equal(t, "USD", tx.Currency)
	assert.Equal(t, "Shop", tx.AppName)

	done, err := f.engine.Complete(ctx, tx.ID, "admin:1")
	require.NoError(t, err)
	assert.False(t, done.AlreadyCompleted)
	assert.Equal(t, identity.TxCompleted, done.Transaction.Status)

	link, err := f.store.GetLink(ctx, f.alice.ID, f.app.ID)
	require.NoError(t, err)
	assert.Equal(t, identity.RolePremiumUser, link.Role)
	require.NotNil(t, link.ExpiresAt)
	assert.True(t, link.ExpiresAt.Equal(f.now.AddDate(0, 0, 30)))

	events := f.rec.byEvent(webhook.EventSubscriptionSuccess)
	require.Len(t, events, 1)
	assert.Equal(t, tx.ID, events[0].payload.Extra["transaction_id"])
	assert.Equal(t, int64(1999), events[0].payload.Extra["amount"])
	assert.Equal(t, f.now.AddDate(0, 0, 30).Format(time.RFC3339), events[0].payload.Extra["expires_at"])
}

func TestCompleteTwiceIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.intent(t, f.alice.ID)

	first, err := f.engine.Complete(ctx, tx.ID, "admin:1")
	require.NoError(t, err)
	f.now = f.now.Add(time.Hour)
	second, err := f.engine.Complete(ctx, tx.ID, "admin:2")
	require.NoError(t, err)

	assert.True(t, second.AlreadyCompleted)
	assert.Equal(t, first.Transaction.ExpiresAt, second.Transaction.ExpiresAt)
	assert.Equal(t, first.Transaction.ApprovedBy, second.Transaction.ApprovedBy)
	assert.EqualValues(t, 1, f.ents.upgrades.Load())
	assert.Len(t, f.rec.byEvent(webhook.EventSubscriptionSuccess), 1)
}

func TestConcurrentCompleteCreditsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.intent(t, f.alice.ID)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			done, err := f.engine.Complete(ctx, tx.ID, "admin")
			assert.NoError(t, err)
			assert.Equal(t, identity.TxCompleted, done.Transaction.Status)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, f.ents.upgrades.Load())
	assert.Len(t, f.rec.byEvent(webhook.EventSubscriptionSuccess), 1)
}

func TestRejectTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rejected := f.intent(t, f.alice.ID)
	_, err := f.engine.Reject(ctx, rejected.ID, "blurry receipt")
	require.NoError(t, err)
	again, err := f.engine.Reject(ctx, rejected.ID, "still blurry")
	require.NoError(t, err, "reject twice is a no-op")
	assert.Equal(t, "blurry receipt", again.RejectReason)

	_, err = f.engine.Complete(ctx, rejected.ID, "admin")
	assert.ErrorIs(t, err, identity.ErrInvalidState)

	completed := f.intent(t, f.alice.ID)
	_, err = f.engine.Complete(ctx, completed.ID, "admin")
	require.NoError(t, err)
	_, err = f.engine.Reject(ctx, completed.ID, "too late")
	assert.ErrorIs(t, err, identity.ErrInvalidState)

	_, err = f.engine.Complete(ctx, "tx-missing", "admin")
	assert.ErrorIs(t, err, identity.ErrNotFound)
}

func TestForbiddenRoleCreatesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, role := range []string{"admin", "owner", "super_admin"} {
		_, err := f.engine.CreateIntent(ctx, IntentRequest{ApplicationID: f.app.ID, Amount: 100, Role: role, Duration: "1m"})
		assert.ErrorIs(t, err, identity.ErrPermissionDenied, role)
	}
	assert.EqualValues(t, 0, f.store.creates.Load())
}

func TestCreateIntentValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.CreateIntent(ctx, IntentRequest{ApplicationID: f.app.ID, Amount: 0})
	assert.ErrorIs(t, err, identity.ErrInvalidInput)
	_, err = f.engine.CreateIntent(ctx, IntentRequest{ApplicationID: f.app.ID, Amount: 100, Duration: "2w"})
	assert.ErrorIs(t, err, identity.ErrInvalidInput)
	_, err = f.engine.CreateIntent(ctx, IntentRequest{ApplicationID: "nope", Amount: 100})
	assert.ErrorIs(t, err, identity.ErrNotFound)

	tx, err := f.engine.CreateIntent(ctx, IntentRequest{ApplicationID: f.app.ID, Amount: 100})
	require.NoError(t, err)
	assert.Equal(t, identity.RolePremiumUser, tx.Role)
	assert.Equal(t, identity.Duration1M, tx.Duration)
}

func TestAttachAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.intent(t, "")

	_, err := f.engine.Complete(ctx, tx.ID, "admin")
	assert.ErrorIs(t, err, identity.ErrInvalidState, "nothing to credit yet")

	got, err := f.engine.AttachAccount(ctx, tx.ID, f.alice.ID)
	require.NoError(t, err)
	assert.Equal(t, f.alice.ID, got.AccountID)

	_, err = f.engine.AttachAccount(ctx, tx.ID, f.alice.ID)
	assert.NoError(t, err)
	_, err = f.engine.AttachAccount(ctx, tx.ID, f.bob.ID)
	assert.ErrorIs(t, err, identity.ErrConflict)
	_, err = f.engine.AttachAccount(ctx, "tx-missing", f.bob.ID)
	assert.ErrorIs(t, err, identity.ErrNotFound)
}

func TestGrantCompletesPendingTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.intent(t, f.alice.ID)

	res, err := f.engine.Grant(ctx, GrantRequest{AccountID: f.alice.ID, ApplicationID: f.app.ID, Approver: "admin"})
	require.NoError(t, err)
	assert.Equal(t, PathTransaction, res.Path)
	require.NotNil(t, res.Transaction)
	assert.Equal(t, tx.ID, res.Transaction.ID)
	assert.Len(t, f.rec.byEvent(webhook.EventSubscriptionSuccess), 1)
	assert.Empty(t, f.rec.byEvent(webhook.EventAccountRoleChange))
}

func TestGrantManualFallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.engine.Grant(ctx, GrantRequest{AccountID: f.bob.ID, ApplicationID: f.app.ID, Role: "premium_user", Duration: "lifetime", Approver: "admin"})
	require.NoError(t, err)
	assert.Equal(t, PathManual, res.Path)
	assert.Nil(t, res.Transaction)
	assert.Equal(t, identity.RolePremiumUser, res.Link.Role)
	assert.Nil(t, res.Link.ExpiresAt)

	events := f.rec.byEvent(webhook.EventAccountRoleChange)
	require.Len(t, events, 1)
	assert.Equal(t, "manual_grant", events[0].payload.Extra["method"])
	assert.Empty(t, f.rec.byEvent(webhook.EventSubscriptionSuccess))

	_, err = f.engine.Grant(ctx, GrantRequest{AccountID: f.bob.ID, ApplicationID: f.app.ID, Role: "owner"})
	assert.ErrorIs(t, err, identity.ErrPermissionDenied)
}

func TestClaimPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.RecordPayment(ctx, identity.PaymentLog{ProviderTxID: "FT-2026-000987654", Amount: 500, Currency: "usd"})
	require.NoError(t, err)

	link, p, err := f.engine.ClaimPayment(ctx, ClaimRequest{Reference: " 987654 ", ApplicationID: f.app.ID, AccountID: f.alice.ID})
	require.NoError(t, err)
	assert.Equal(t, identity.PaymentClaimed, p.Status)
	assert.Equal(t, identity.RolePremiumUser, link.Role)
	require.Len(t, f.rec.byEvent(webhook.EventSubscriptionSuccess), 1)

	_, _, err = f.engine.ClaimPayment(ctx, ClaimRequest{Reference: "987654", ApplicationID: f.app.ID, AccountID: f.bob.ID})
	assert.ErrorIs(t, err, identity.ErrNotFound)
	_, _, err = f.engine.ClaimPayment(ctx, ClaimRequest{Reference: "98", ApplicationID: f.app.ID, AccountID: f.bob.ID})
	assert.ErrorIs(t, err, identity.ErrInvalidInput)
}

type refusingEntitlements struct {
	*entitlement.Manager
}

func (refusingEntitlements) Upgrade(context.Context, string, string, identity.Role, *time.Time) (entitlement.Change, error) {
	return entitlement.Change{}, errors.New("link write failed")
}

func TestClaimPaymentUpgradeFailureIsLogged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	engine := New(f.store, refusingEntitlements{f.ents.Manager}, f.rec, logger, WithClock(func() time.Time { return f.now }))

	recorded, err := engine.RecordPayment(ctx, identity.PaymentLog{ProviderTxID: "FT-2026-000555111", Amount: 500, Currency: "usd"})
	require.NoError(t, err)

	_, _, err = engine.ClaimPayment(ctx, ClaimRequest{Reference: "555111", ApplicationID: f.app.ID, AccountID: f.alice.ID})
	require.EqualError(t, err, "link write failed")

	_, err = f.store.FindUnclaimedPayment(ctx, "555111")
	assert.ErrorIs(t, err, identity.ErrNotFound, "claim stays committed")
	assert.Empty(t, f.rec.byEvent(webhook.EventSubscriptionSuccess))
	assert.Contains(t, logs.String(), `"level":"ERROR"`)
	assert.Contains(t, logs.String(), `"payment_id":"`+recorded.ID+`"`)
}

func TestHandleProviderPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ok := f.intent(t, f.alice.ID)
	failed := f.intent(t, f.alice.ID)

	tx, err := f.engine.HandleProviderPayment(ctx, ProviderPayment{TransactionID: ok.ID, ProviderRef: "pw-1", Succeeded: true})
	require.NoError(t, err)
	assert.Equal(t, identity.TxCompleted, tx.Status)
	assert.Equal(t, "pw-1", tx.ProviderRef)
	assert.Equal(t, "provider:pw-1", tx.ApprovedBy)

	tx, err = f.engine.HandleProviderPayment(ctx, ProviderPayment{TransactionID: failed.ID, Succeeded: false})
	require.NoError(t, err)
	assert.Equal(t, identity.TxRejected, tx.Status)
}

func TestSubmitProof(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.intent(t, "")

	got, err := f.engine.SubmitProof(ctx, ProofRequest{
		ApplicationID: f.app.ID, TransactionID: tx.ID, AccountID: f.alice.ID,
		FileName: "receipt.jpg", ContentType: "image/jpeg", Body: []byte{0xff, 0xd8},
	})
	require.NoError(t, err)
	assert.Equal(t, f.alice.ID, got.AccountID)

	proofs := f.approvals.Drain()
	require.Len(t, proofs, 1)
	assert.Contains(t, proofs[0].Caption, tx.ID)
	assert.Contains(t, proofs[0].Caption, "alice@example.com")

	_, err = f.engine.SubmitProof(ctx, ProofRequest{ApplicationID: "other_app", TransactionID: tx.ID, Body: []byte{1}})
	assert.ErrorIs(t, err, identity.ErrNotFound)
}

func TestStatusScopedToApplication(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.intent(t, f.alice.ID)
	got, err := f.engine.Status(ctx, f.app.ID, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, tx.ID, got.ID)
	_, err = f.engine.Status(ctx, "other_app", tx.ID)
	assert.ErrorIs(t, err, identity.ErrNotFound)
}

package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"bifrost.org/internal/approval"
	"bifrost.org/internal/entitlement"
	"bifrost.org/internal/identity"
	"bifrost.org/internal/ids"
	"bifrost.org/internal/obs"
	"bifrost.org/internal/webhook"
)

const (
	defaultCurrency = "USD"

	PathTransaction = "transaction"
	PathManual      = "manual"
)

// Store is the persistence the engine needs.
type Store interface {
	GetAccount(ctx context.Context, id string) (identity.Account, error)
	GetApplication(ctx context.Context, id string) (identity.Application, error)
	GetLink(ctx context.Context, accountID, appID string) (identity.AppLink, error)
	identity.TransactionStore
	identity.PaymentLogStore
}

// Entitlements is the subset of the entitlement manager used on completion.
type Entitlements interface {
	Upgrade(ctx context.Context, accountID, appID string, role identity.Role, expiresAt *time.Time) (entitlement.Change, error)
}

// Notifier emits webhook events.
type Notifier interface {
	Emit(ctx context.Context, appID, event string, payload webhook.Payload)
}

// Engine drives the transaction lifecycle pending -> completed | rejected.
type Engine struct {
	store        Store
	entitlements Entitlements
	notifier     Notifier
	approvals    approval.Channel
	logger       *slog.Logger
	metrics      *obs.Metrics
	now          func() time.Time
}

// Option configures Engine.
type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func WithMetrics(m *obs.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithApprovalChannel sets where submitted proofs are forwarded.
func WithApprovalChannel(ch approval.Channel) Option {
	return func(e *Engine) { e.approvals = ch }
}

// New constructs an Engine.
func New(store Store, entitlements Entitlements, notifier Notifier, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = obs.Logger()
	}
	e := &Engine{
		store:        store,
		entitlements: entitlements,
		notifier:     notifier,
		logger:       logger.With("component", "payments"),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// IntentRequest fixes price, role and duration server-side.
type IntentRequest struct {
	ApplicationID string
	AccountID     string
	Amount        int64
	Currency      string
	Role          string
	Duration      string
	Description   string
	ClientRef     string
}

// CreateIntent stores a pending transaction. Forbidden roles are refused
// before anything is written.
func (e *Engine) CreateIntent(ctx context.Context, req IntentRequest) (identity.Transaction, error) {
	app, err := e.store.GetApplication(ctx, req.ApplicationID)
	if err != nil {
		return identity.Transaction{}, err
	}
	role, duration, err := parsePlan(req.Role, req.Duration)
	if err != nil {
		return identity.Transaction{}, err
	}
	if app.Forbids(role) {
		e.logger.Warn("intent refused for forbidden role", "app_id", app.ID, "role", role.String())
		return identity.Transaction{}, fmt.Errorf("%w: role %s cannot be purchased", identity.ErrPermissionDenied, role)
	}
	if req.Amount <= 0 {
		return identity.Transaction{}, fmt.Errorf("%w: amount must be > 0", identity.ErrInvalidInput)
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = defaultCurrency
	}
	if len(currency) > 8 {
		return identity.Transaction{}, fmt.Errorf("%w: currency code too long", identity.ErrInvalidInput)
	}
	if req.AccountID != "" {
		if _, err := e.store.GetAccount(ctx, req.AccountID); err != nil {
			return identity.Transaction{}, err
		}
	}

	now := e.now().UTC()
	tx, err := e.store.CreateTransaction(ctx, identity.Transaction{
		ID:            ids.Transaction(),
		ApplicationID: app.ID,
		AppName:       app.Name,
		AccountID:     req.AccountID,
		Amount:        req.Amount,
		Currency:      currency,
		Role:          role,
		Duration:      duration,
		Description:   strings.TrimSpace(req.Description),
		ClientRef:     strings.TrimSpace(req.ClientRef),
		Status:        identity.TxPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		return identity.Transaction{}, err
	}
	e.metrics.TxTransition(string(identity.TxPending))
	e.logger.Info("payment intent created",
		"transaction_id", tx.ID, "app_id", app.ID, "amount", tx.Amount, "currency", tx.Currency,
		"role", role.String(), "duration", string(duration))
	return tx, nil
}

// AttachAccount fills the account reference of a transaction exactly once.
func (e *Engine) AttachAccount(ctx context.Context, txID, accountID string) (identity.Transaction, error) {
	if strings.TrimSpace(accountID) == "" {
		return identity.Transaction{}, fmt.Errorf("%w: account is required", identity.ErrInvalidInput)
	}
	return e.store.AttachAccount(ctx, txID, accountID, e.now().UTC())
}

// Completion is the result of Complete. AlreadyCompleted is true when this
// call did not perform the transition.
type Completion struct {
	Transaction      identity.Transaction `json:"transaction"`
	AlreadyCompleted bool                 `json:"already_completed"`
}

// Complete credits a pending transaction exactly once. Repeated calls return
// the stored result without side effects.
func (e *Engine) Complete(ctx context.Context, txID, approver string) (Completion, error) {
	return e.complete(ctx, txID, approver, "")
}

func (e *Engine) complete(ctx context.Context, txID, approver, providerRef string) (Completion, error) {
	tx, err := e.store.GetTransaction(ctx, txID)
	if err != nil {
		return Completion{}, err
	}
	switch tx.Status {
	case identity.TxCompleted:
		return Completion{Transaction: tx, AlreadyCompleted: true}, nil
	case identity.TxRejected:
		return Completion{}, fmt.Errorf("%w: transaction %s was rejected", identity.ErrInvalidState, txID)
	}
	if tx.AccountID == "" {
		return Completion{}, fmt.Errorf("%w: transaction %s has no account attached", identity.ErrInvalidState, txID)
	}

	now := e.now().UTC()
	done, won, err := e.store.CompleteTransaction(ctx, txID, identity.Completion{
		ApprovedBy:  approver,
		ProviderRef: providerRef,
		CompletedAt: now,
		ExpiresAt:   tx.Duration.ExpiresFrom(now),
	})
	if err != nil {
		return Completion{}, err
	}
	if !won {
		if done.Status == identity.TxCompleted {
			return Completion{Transaction: done, AlreadyCompleted: true}, nil
		}
		return Completion{}, fmt.Errorf("%w: transaction %s is %s", identity.ErrInvalidState, txID, done.Status)
	}
	e.metrics.TxTransition(string(identity.TxCompleted))

	if _, err := e.entitlements.Upgrade(ctx, done.AccountID, done.ApplicationID, done.Role, done.ExpiresAt); err != nil {
		e.logger.Error("entitlement upgrade failed after completion",
			"transaction_id", done.ID, "account_id", done.AccountID, "app_id", done.ApplicationID, "error", err)
		return Completion{}, fmt.Errorf("upgrade entitlement for %s: %w", done.ID, err)
	}
	e.logger.Info("transaction completed",
		"transaction_id", done.ID, "account_id", done.AccountID, "app_id", done.ApplicationID, "approved_by", approver)

	extra := transactionExtra(done)
	if providerRef != "" {
		extra["method"] = "provider"
	}
	e.emit(ctx, done.ApplicationID, webhook.EventSubscriptionSuccess, done.AccountID, extra)
	return Completion{Transaction: done}, nil
}

// Reject closes a pending transaction. Rejecting twice is a no-op; rejecting
// a completed transaction is ErrInvalidState.
func (e *Engine) Reject(ctx context.Context, txID, reason string) (identity.Transaction, error) {
	tx, won, err := e.store.RejectTransaction(ctx, txID, strings.TrimSpace(reason), e.now().UTC())
	if err != nil {
		return identity.Transaction{}, err
	}
	if won {
		e.metrics.TxTransition(string(identity.TxRejected))
		e.logger.Info("transaction rejected", "transaction_id", txID, "reason", reason)
		return tx, nil
	}
	if tx.Status == identity.TxRejected {
		return tx, nil
	}
	return identity.Transaction{}, fmt.Errorf("%w: transaction %s is %s", identity.ErrInvalidState, txID, tx.Status)
}

// Status returns a transaction visible to the given application.
func (e *Engine) Status(ctx context.Context, appID, txID string) (identity.Transaction, error) {
	tx, err := e.store.GetTransaction(ctx, txID)
	if err != nil {
		return identity.Transaction{}, err
	}
	if appID != "" && tx.ApplicationID != appID {
		return identity.Transaction{}, fmt.Errorf("%w: transaction %s", identity.ErrNotFound, txID)
	}
	return tx, nil
}

// GrantRequest asks for a role outside the purchase flow.
type GrantRequest struct {
	AccountID     string
	ApplicationID string
	Role          string
	Duration      string
	Approver      string
}

// GrantResult tells which path a grant took.
type GrantResult struct {
	Path        string                `json:"path"`
	Transaction *identity.Transaction `json:"transaction,omitempty"`
	Link        identity.AppLink      `json:"link"`
}

// Grant completes the latest pending transaction for (account, app) when one
// exists; otherwise it upgrades directly and emits account_role_change.
func (e *Engine) Grant(ctx context.Context, req GrantRequest) (GrantResult, error) {
	if _, err := e.store.GetAccount(ctx, req.AccountID); err != nil {
		return GrantResult{}, err
	}
	app, err := e.store.GetApplication(ctx, req.ApplicationID)
	if err != nil {
		return GrantResult{}, err
	}

	pending, err := e.store.LatestPendingTransaction(ctx, req.AccountID, app.ID)
	switch {
	case err == nil:
		done, err := e.Complete(ctx, pending.ID, req.Approver)
		if err != nil {
			return GrantResult{}, err
		}
		link, err := e.store.GetLink(ctx, req.AccountID, app.ID)
		if err != nil {
			return GrantResult{}, err
		}
		tx := done.Transaction
		return GrantResult{Path: PathTransaction, Transaction: &tx, Link: link}, nil
	case !errors.Is(err, identity.ErrNotFound):
		return GrantResult{}, err
	}

	role, duration, err := parsePlan(req.Role, req.Duration)
	if err != nil {
		return GrantResult{}, err
	}
	if app.Forbids(role) {
		return GrantResult{}, fmt.Errorf("%w: role %s cannot be granted", identity.ErrPermissionDenied, role)
	}
	expires := duration.ExpiresFrom(e.now())
	change, err := e.entitlements.Upgrade(ctx, req.AccountID, app.ID, role, expires)
	if err != nil {
		return GrantResult{}, err
	}
	e.logger.Info("manual grant applied",
		"account_id", req.AccountID, "app_id", app.ID, "role", role.String(), "approved_by", req.Approver)
	e.emit(ctx, app.ID, webhook.EventAccountRoleChange, req.AccountID, map[string]any{
		"method":        "manual_grant",
		"previous_role": change.PreviousRole().String(),
		"new_role":      role.String(),
		"role":          role.String(),
		"duration":      string(duration),
		"expires_at":    formatTime(expires),
	})
	return GrantResult{Path: PathManual, Link: change.Current}, nil
}

// ProviderPayment is a generic notice from a payment gateway whose signature
// has already been verified upstream.
type ProviderPayment struct {
	TransactionID string
	ProviderRef   string
	Succeeded     bool
	Reason        string
}

// HandleProviderPayment completes or rejects a transaction from a gateway notice.
func (e *Engine) HandleProviderPayment(ctx context.Context, p ProviderPayment) (identity.Transaction, error) {
	if !p.Succeeded {
		reason := p.Reason
		if reason == "" {
			reason = "provider reported failure"
		}
		return e.Reject(ctx, p.TransactionID, reason)
	}
	ref := strings.TrimSpace(p.ProviderRef)
	done, err := e.complete(ctx, p.TransactionID, "provider:"+ref, ref)
	if err != nil {
		return identity.Transaction{}, err
	}
	return done.Transaction, nil
}

// RecordPayment stores an externally observed payment for later claiming.
func (e *Engine) RecordPayment(ctx context.Context, p identity.PaymentLog) (identity.PaymentLog, error) {
	p.ProviderTxID = strings.TrimSpace(p.ProviderTxID)
	if p.ProviderTxID == "" {
		return identity.PaymentLog{}, fmt.Errorf("%w: provider transaction id is required", identity.ErrInvalidInput)
	}
	p.Currency = strings.ToUpper(strings.TrimSpace(p.Currency))
	p.Status = identity.PaymentUnclaimed
	if p.CreatedAt.IsZero() {
		p.CreatedAt = e.now().UTC()
	}
	return e.store.RecordPayment(ctx, p)
}

// ClaimRequest matches a user-supplied reference to an observed payment.
type ClaimRequest struct {
	Reference     string
	ApplicationID string
	AccountID     string
}

// Claim plan granted for a matched payment.
const (
	claimRole     = identity.RolePremiumUser
	claimDuration = identity.Duration1M
)

// ClaimPayment flips an unclaimed payment to claimed and grants the claim plan.
func (e *Engine) ClaimPayment(ctx context.Context, req ClaimRequest) (identity.AppLink, identity.PaymentLog, error) {
	ref := strings.TrimSpace(req.Reference)
	if len(ref) < 4 {
		return identity.AppLink{}, identity.PaymentLog{}, fmt.Errorf("%w: reference too short", identity.ErrInvalidInput)
	}
	if _, err := e.store.GetAccount(ctx, req.AccountID); err != nil {
		return identity.AppLink{}, identity.PaymentLog{}, err
	}
	p, err := e.store.FindUnclaimedPayment(ctx, ref)
	if err != nil {
		return identity.AppLink{}, identity.PaymentLog{}, err
	}
	now := e.now().UTC()
	won, err := e.store.ClaimPayment(ctx, p.ID, req.AccountID, req.ApplicationID, now)
	if err != nil {
		return identity.AppLink{}, identity.PaymentLog{}, err
	}
	if !won {
		return identity.AppLink{}, identity.PaymentLog{}, fmt.Errorf("%w: payment already claimed", identity.ErrConflict)
	}
	p.Status = identity.PaymentClaimed
	p.ClaimedBy = req.AccountID
	p.ClaimedFor = req.ApplicationID
	p.ClaimedAt = &now

	expires := claimDuration.ExpiresFrom(now)
	change, err := e.entitlements.Upgrade(ctx, req.AccountID, req.ApplicationID, claimRole, expires)
	if err != nil {
		// the claim is already committed; an operator has to re-grant by hand
		e.logger.Error("claimed payment not credited, re-grant required",
			"payment_id", p.ID, "reference", ref, "account_id", req.AccountID, "app_id", req.ApplicationID, "error", err)
		return identity.AppLink{}, identity.PaymentLog{}, err
	}
	e.logger.Info("payment claimed", "payment_id", p.ID, "account_id", req.AccountID, "app_id", req.ApplicationID)
	e.emit(ctx, req.ApplicationID, webhook.EventSubscriptionSuccess, req.AccountID, map[string]any{
		"method":         "claim",
		"transaction_id": p.ProviderTxID,
		"amount":         p.Amount,
		"currency":       p.Currency,
		"role":           claimRole.String(),
		"duration":       string(claimDuration),
		"expires_at":     formatTime(expires),
	})
	return change.Current, p, nil
}

// ProofRequest carries an uploaded receipt.
type ProofRequest struct {
	ApplicationID string
	TransactionID string
	AccountID     string
	FileName      string
	ContentType   string
	Body          []byte
}

// SubmitProof attaches the payer and forwards the receipt for approval.
func (e *Engine) SubmitProof(ctx context.Context, req ProofRequest) (identity.Transaction, error) {
	if e.approvals == nil {
		return identity.Transaction{}, errors.New("approval channel is not configured")
	}
	if len(req.Body) == 0 {
		return identity.Transaction{}, fmt.Errorf("%w: proof file is required", identity.ErrInvalidInput)
	}
	tx, err := e.Status(ctx, req.ApplicationID, req.TransactionID)
	if err != nil {
		return identity.Transaction{}, err
	}
	if tx.Status != identity.TxPending {
		return identity.Transaction{}, fmt.Errorf("%w: transaction %s is %s", identity.ErrInvalidState, tx.ID, tx.Status)
	}
	if req.AccountID != "" {
		tx, err = e.AttachAccount(ctx, tx.ID, req.AccountID)
		if err != nil {
			return identity.Transaction{}, err
		}
	}
	who := tx.AccountID
	if acc, err := e.store.GetAccount(ctx, tx.AccountID); err == nil && acc.Email != "" {
		who = acc.Email
	}
	err = e.approvals.Forward(ctx, approval.Proof{
		TransactionID: tx.ID,
		AccountID:     tx.AccountID,
		ApplicationID: tx.ApplicationID,
		FileName:      req.FileName,
		ContentType:   req.ContentType,
		Body:          req.Body,
		Caption:       approval.Caption(tx.AppName, tx.ID, tx.Role.String(), string(tx.Duration), tx.Amount, tx.Currency, who),
	})
	if err != nil {
		return identity.Transaction{}, fmt.Errorf("forward proof: %w", err)
	}
	return tx, nil
}

func (e *Engine) emit(ctx context.Context, appID, event, accountID string, extra map[string]any) {
	if e.notifier == nil {
		return
	}
	e.notifier.Emit(ctx, appID, event, webhook.Payload{AccountID: accountID, Extra: extra})
}

func parsePlan(roleName, durationCode string) (identity.Role, identity.Duration, error) {
	role := identity.RolePremiumUser
	if strings.TrimSpace(roleName) != "" {
		r, err := identity.ParseRole(roleName)
		if err != nil {
			// super_admin, god_admin and friends are forbidden, not unknown.
			if strings.Contains(strings.ToLower(roleName), "admin") {
				return 0, "", fmt.Errorf("%w: role %q", identity.ErrPermissionDenied, roleName)
			}
			return 0, "", err
		}
		role = r
	}
	duration := identity.Duration1M
	if strings.TrimSpace(durationCode) != "" {
		d, err := identity.ParseDuration(durationCode)
		if err != nil {
			return 0, "", err
		}
		duration = d
	}
	return role, duration, nil
}

func transactionExtra(tx identity.Transaction) map[string]any {
	return map[string]any{
		"transaction_id": tx.ID,
		"amount":         tx.Amount,
		"currency":       tx.Currency,
		"role":           tx.Role.String(),
		"duration":       string(tx.Duration),
		"expires_at":     formatTime(tx.ExpiresAt),
	}
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

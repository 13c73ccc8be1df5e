package identity

import (
	"context"
	"time"
)

// Store describes persistence operations required by the broker. Every
// state transition is a conditional single-row update so implementations
// give exactly-once semantics without application-level locks.
type Store interface {
	AccountStore
	ApplicationStore
	LinkStore
	TransactionStore
	TokenStore
	PaymentLogStore
}

// AccountStore manages global identities.
type AccountStore interface {
	CreateAccount(ctx context.Context, acc Account) (Account, error)
	GetAccount(ctx context.Context, id string) (Account, error)
	FindAccountByEmail(ctx context.Context, email string) (Account, error)
	FindAccountByPhone(ctx context.Context, phone string) (Account, error)
	FindAccountByChatID(ctx context.Context, chatID string) (Account, error)
	// SetChatID attaches a chat identifier; ErrConflict when another account holds it.
	SetChatID(ctx context.Context, accountID, chatID, displayName string) (Account, error)
	// DeleteAccount removes the account and all of its links.
	DeleteAccount(ctx context.Context, id string) error
}

// ApplicationStore manages client tenants.
type ApplicationStore interface {
	CreateApplication(ctx context.Context, app Application) (Application, error)
	GetApplication(ctx context.Context, id string) (Application, error)
	ListApplications(ctx context.Context) ([]Application, error)
	UpdateApplicationSecrets(ctx context.Context, id, clientSecretHash, webhookSecret string) error
}

// LinkStore manages per-application roles.
type LinkStore interface {
	GetLink(ctx context.Context, accountID, appID string) (AppLink, error)
	// UpsertLink overwrites role and expiry for (account, app); latest write wins.
	UpsertLink(ctx context.Context, link AppLink) (AppLink, error)
	DeleteLink(ctx context.Context, accountID, appID string) error
	ListLinksByAccount(ctx context.Context, accountID string) ([]AppLink, error)
	ListLinksByApp(ctx context.Context, appID string) ([]AppLink, error)
	// ListExpiredLinks returns links above the default role whose expiry is strictly before now.
	ListExpiredLinks(ctx context.Context, now time.Time) ([]AppLink, error)
	// ExpireLink resets observed to the default role with no expiry, but only
	// while the stored link still has observed's role and expiry and that
	// expiry is before now. ok is false when the link moved on or vanished.
	ExpireLink(ctx context.Context, observed AppLink, now time.Time) (link AppLink, ok bool, err error)
}

// TransactionStore manages payment-for-entitlement records.
type TransactionStore interface {
	CreateTransaction(ctx context.Context, tx Transaction) (Transaction, error)
	GetTransaction(ctx context.Context, id string) (Transaction, error)
	// AttachAccount sets the account reference only while it is empty.
	AttachAccount(ctx context.Context, txID, accountID string, now time.Time) (Transaction, error)
	// CompleteTransaction moves a pending transaction to completed. The bool
	// is false when the row was not pending; the current row is returned either way.
	CompleteTransaction(ctx context.Context, txID string, c Completion) (Transaction, bool, error)
	// RejectTransaction moves a pending transaction to rejected, with the same contract.
	RejectTransaction(ctx context.Context, txID, reason string, now time.Time) (Transaction, bool, error)
	LatestPendingTransaction(ctx context.Context, accountID, appID string) (Transaction, error)
}

// TokenStore manages verification tokens.
type TokenStore interface {
	// ReplaceToken stores tok as the only live token for its (identifier, channel, purpose).
	ReplaceToken(ctx context.Context, tok VerificationToken) (VerificationToken, error)
	FindToken(ctx context.Context, identifier string, channel Channel, purpose Purpose) (VerificationToken, error)
	FindTokenByValue(ctx context.Context, channel Channel, value string) (VerificationToken, error)
	// ConsumeToken flips consumed false -> true; false when already consumed
	// or when the token was replaced and no longer exists.
	ConsumeToken(ctx context.Context, id string) (bool, error)
}

// PaymentLogStore manages externally observed payments.
type PaymentLogStore interface {
	RecordPayment(ctx context.Context, p PaymentLog) (PaymentLog, error)
	FindUnclaimedPayment(ctx context.Context, reference string) (PaymentLog, error)
	// ClaimPayment flips unclaimed -> claimed; false when already claimed.
	ClaimPayment(ctx context.Context, id, accountID, appID string, now time.Time) (bool, error)
}

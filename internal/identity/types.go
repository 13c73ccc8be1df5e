package identity

import (
	"fmt"
	"strings"
	"time"
)

// Account is the global identity of an end user. Optional identifiers are
// sparse: an empty string means absent.
type Account struct {
	ID            string    `json:"id"`
	Email         string    `json:"email,omitempty"`
	Username      string    `json:"username,omitempty"`
	Phone         string    `json:"phone,omitempty"`
	ChatID        string    `json:"telegram_id,omitempty"`
	DisplayName   string    `json:"display_name,omitempty"`
	PasswordHash  string    `json:"-"`
	AuthProviders []string  `json:"auth_providers,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Normalize lower-cases and trims the identifiers in place.
func (a *Account) Normalize() {
	a.Email = strings.ToLower(strings.TrimSpace(a.Email))
	a.Username = strings.ToLower(strings.TrimSpace(a.Username))
	a.Phone = strings.TrimSpace(a.Phone)
	a.ChatID = strings.TrimSpace(a.ChatID)
	a.DisplayName = strings.TrimSpace(a.DisplayName)
}

// Validate enforces that at least one identifier is present.
func (a Account) Validate() error {
	if a.Email == "" && a.Username == "" && a.Phone == "" && a.ChatID == "" {
		return fmt.Errorf("%w: account needs at least one identifier", ErrInvalidInput)
	}
	return nil
}

// Application is a registered client tenant.
type Application struct {
	ID               string    `json:"client_id"`
	Name             string    `json:"name"`
	CallbackURL      string    `json:"callback_url,omitempty"`
	WebURL           string    `json:"web_url,omitempty"`
	APIURL           string    `json:"api_url,omitempty"`
	LogoURL          string    `json:"logo_url,omitempty"`
	QRURL            string    `json:"qr_url,omitempty"`
	ClientSecretHash string    `json:"-"`
	WebhookSecret    string    `json:"-"`
	ForbiddenRoles   []string  `json:"forbidden_roles,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// DefaultForbiddenRoles applies when an application configures none.
var DefaultForbiddenRoles = []string{"admin", "owner"}

// Forbids reports whether role may not be granted through automated paths.
// Privileged roles and anything containing "admin" are always refused.
func (a Application) Forbids(role Role) bool {
	if role.Managing() {
		return true
	}
	name := role.String()
	if strings.Contains(name, "admin") {
		return true
	}
	list := a.ForbiddenRoles
	if len(list) == 0 {
		list = DefaultForbiddenRoles
	}
	for _, r := range list {
		if strings.EqualFold(strings.TrimSpace(r), name) {
			return true
		}
	}
	return false
}

// AppLink records the role an account holds in one application.
type AppLink struct {
	AccountID     string     `json:"account_id"`
	ApplicationID string     `json:"app_id"`
	Role          Role       `json:"role"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	LinkedAt      time.Time  `json:"linked_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// ExpiredAt reports whether the link carries an expiry that has passed.
func (l AppLink) ExpiredAt(now time.Time) bool {
	return l.ExpiresAt != nil && l.ExpiresAt.Before(now)
}

// TxStatus is the transaction lifecycle state.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxCompleted TxStatus = "completed"
	TxRejected  TxStatus = "rejected"
)

// Terminal reports whether no further transition is allowed.
func (s TxStatus) Terminal() bool { return s == TxCompleted || s == TxRejected }

// Duration is a subscription length code.
type Duration string

const (
	Duration1M       Duration = "1m"
	Duration3M       Duration = "3m"
	Duration6M       Duration = "6m"
	Duration1Y       Duration = "1y"
	DurationLifetime Duration = "lifetime"
)

var durationDays = map[Duration]int{
	Duration1M: 30,
	Duration3M: 90,
	Duration6M: 180,
	Duration1Y: 365,
}

// ParseDuration validates a duration code.
func ParseDuration(s string) (Duration, error) {
	d := Duration(strings.ToLower(strings.TrimSpace(s)))
	if d == DurationLifetime {
		return d, nil
	}
	if _, ok := durationDays[d]; ok {
		return d, nil
	}
	return "", fmt.Errorf("%w: unknown duration %q", ErrInvalidInput, s)
}

// ExpiresFrom returns the expiry for a grant made at from; nil means lifetime.
func (d Duration) ExpiresFrom(from time.Time) *time.Time {
	days, ok := durationDays[d]
	if !ok {
		return nil
	}
	t := from.UTC().AddDate(0, 0, days)
	return &t
}

// Transaction is a payment-for-entitlement record.
type Transaction struct {
	ID            string     `json:"transaction_id"`
	ApplicationID string     `json:"app_id"`
	AppName       string     `json:"app_name"`
	AccountID     string     `json:"account_id,omitempty"`
	Amount        int64      `json:"amount"`
	Currency      string     `json:"currency"`
	Role          Role       `json:"target_role"`
	Duration      Duration   `json:"duration"`
	Description   string     `json:"description,omitempty"`
	ClientRef     string     `json:"client_ref,omitempty"`
	Status        TxStatus   `json:"status"`
	ProviderRef   string     `json:"provider_ref,omitempty"`
	RejectReason  string     `json:"reject_reason,omitempty"`
	ApprovedBy    string     `json:"approved_by,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

// Completion carries the fields written by the pending -> completed CAS.
type Completion struct {
	ApprovedBy  string
	ProviderRef string
	CompletedAt time.Time
	ExpiresAt   *time.Time
}

// Channel is the delivery medium of a verification token.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelPhone    Channel = "phone"
	ChannelChat     Channel = "chat"
	ChannelDeepLink Channel = "deep_link"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelPhone, ChannelChat, ChannelDeepLink:
		return true
	}
	return false
}

// Purpose scopes what a verification token may be used for.
type Purpose string

const (
	PurposeOTPLogin    Purpose = "otp_login"
	PurposeAccountLink Purpose = "account_link"
)

func (p Purpose) Valid() bool {
	return p == PurposeOTPLogin || p == PurposeAccountLink
}

// VerificationToken is a short-lived single-use secret.
type VerificationToken struct {
	ID         string    `json:"id"`
	Identifier string    `json:"identifier"`
	Channel    Channel   `json:"channel"`
	Purpose    Purpose   `json:"purpose"`
	Value      string    `json:"-"`
	AccountID  string    `json:"account_id,omitempty"`
	ExpiresAt  time.Time `json:"expires_at"`
	Consumed   bool      `json:"consumed"`
	CreatedAt  time.Time `json:"created_at"`
}

// PaymentStatus is the claim state of an observed payment.
type PaymentStatus string

const (
	PaymentUnclaimed PaymentStatus = "unclaimed"
	PaymentClaimed   PaymentStatus = "claimed"
)

// PaymentLog is a payment observed outside the transaction flow, e.g. a bank
// notification, that a user can later claim by reference.
type PaymentLog struct {
	ID           string        `json:"id"`
	ProviderTxID string        `json:"provider_tx_id"`
	Amount       int64         `json:"amount"`
	Currency     string        `json:"currency"`
	PayerName    string        `json:"payer_name,omitempty"`
	RawText      string        `json:"raw_text,omitempty"`
	Status       PaymentStatus `json:"status"`
	ClaimedBy    string        `json:"claimed_by,omitempty"`
	ClaimedFor   string        `json:"claimed_for_app,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	ClaimedAt    *time.Time    `json:"claimed_at,omitempty"`
}

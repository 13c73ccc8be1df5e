package accounts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"bifrost.org/internal/audit"
	"bifrost.org/internal/auth"
	"bifrost.org/internal/identity"
	"bifrost.org/internal/obs"
	"bifrost.org/internal/verification"
	"bifrost.org/internal/webhook"
)

// Store is the persistence surface used by the account service.
type Store interface {
	identity.AccountStore
	ListLinksByAccount(ctx context.Context, accountID string) ([]identity.AppLink, error)
}

// Verifier issues and redeems one-time tokens.
type Verifier interface {
	Issue(ctx context.Context, req verification.IssueRequest) (identity.VerificationToken, error)
	Redeem(ctx context.Context, req verification.RedeemRequest) (identity.VerificationToken, error)
	RedeemDeepLink(ctx context.Context, value string) (identity.VerificationToken, error)
}

// TokenIssuer signs identity tokens for a client application.
type TokenIssuer interface {
	Issue(accountID, clientID, email string) (string, time.Time, error)
}

// Linker records first contact between an account and an application.
type Linker interface {
	EnsureLinked(ctx context.Context, accountID, appID string) (identity.AppLink, bool, error)
}

// Notifier emits webhook events.
type Notifier interface {
	Emit(ctx context.Context, appID, event string, payload webhook.Payload)
	EmitForAccount(ctx context.Context, accountID, event string, payload webhook.Payload)
}

// Service implements account registration, chat linking, OTP login and purge.
type Service struct {
	store    Store
	verifier Verifier
	tokens   TokenIssuer
	linker   Linker
	notifier Notifier
	logger   *slog.Logger

	botURL      string
	linkTTL     time.Duration
	otpTTL      time.Duration
	superAdmins map[string]struct{}
}

// Option configures Service.
type Option func(*Service)

// WithBotURL sets the chat bot base used to build deep links, e.g.
// https://t.me/bifrost_bot.
func WithBotURL(u string) Option {
	return func(s *Service) { s.botURL = strings.TrimRight(strings.TrimSpace(u), "/") }
}

func WithLinkTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.linkTTL = d
		}
	}
}

func WithOTPTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.otpTTL = d
		}
	}
}

// WithSuperAdmins names the accounts allowed to purge and override removals.
func WithSuperAdmins(accountIDs ...string) Option {
	return func(s *Service) {
		for _, id := range accountIDs {
			if id = strings.TrimSpace(id); id != "" {
				s.superAdmins[id] = struct{}{}
			}
		}
	}
}

// New constructs a Service.
func New(store Store, verifier Verifier, tokens TokenIssuer, linker Linker, notifier Notifier, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = obs.Logger()
	}
	s := &Service{
		store:       store,
		verifier:    verifier,
		tokens:      tokens,
		linker:      linker,
		notifier:    notifier,
		logger:      logger.With("component", "accounts"),
		linkTTL:     15 * time.Minute,
		otpTTL:      verification.DefaultTTL,
		superAdmins: map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IsSuperAdmin reports whether accountID is configured as a super admin.
func (s *Service) IsSuperAdmin(accountID string) bool {
	_, ok := s.superAdmins[strings.TrimSpace(accountID)]
	return ok && accountID != ""
}

// RegisterRequest creates an account from any subset of identifiers.
type RegisterRequest struct {
	Email       string `json:"email"`
	Username    string `json:"username"`
	Phone       string `json:"phone"`
	ChatID      string `json:"telegram_id"`
	DisplayName string `json:"display_name"`
	Password    string `json:"password"`
}

// Register creates an account. Identifiers are sparse-unique.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (identity.Account, error) {
	acc := identity.Account{
		Email:       req.Email,
		Username:    req.Username,
		Phone:       req.Phone,
		ChatID:      req.ChatID,
		DisplayName: req.DisplayName,
	}
	if req.Password != "" {
		hash, err := auth.HashSecret(req.Password)
		if err != nil {
			return identity.Account{}, err
		}
		acc.PasswordHash = hash
		acc.AuthProviders = append(acc.AuthProviders, "password")
	}
	if strings.TrimSpace(req.ChatID) != "" {
		acc.AuthProviders = append(acc.AuthProviders, "telegram")
	}
	created, err := s.store.CreateAccount(ctx, acc)
	if err != nil {
		return identity.Account{}, err
	}
	s.logger.Info("account registered", "account_id", created.ID)
	_ = audit.LogEvent(ctx, "account.registered", map[string]any{"account_id": created.ID})
	return created, nil
}

// LinkToken is a deep-link token for binding a chat identity.
type LinkToken struct {
	Token     string    `json:"token"`
	DeepLink  string    `json:"deep_link,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// GenerateLinkToken issues a single-use deep-link token for accountID. A new
// token invalidates the previous one.
func (s *Service) GenerateLinkToken(ctx context.Context, accountID string) (LinkToken, error) {
	acc, err := s.store.GetAccount(ctx, strings.TrimSpace(accountID))
	if err != nil {
		return LinkToken{}, err
	}
	tok, err := s.verifier.Issue(ctx, verification.IssueRequest{
		Identifier: acc.ID,
		Channel:    identity.ChannelDeepLink,
		Purpose:    identity.PurposeAccountLink,
		TTL:        s.linkTTL,
		AccountID:  acc.ID,
	})
	if err != nil {
		return LinkToken{}, err
	}
	out := LinkToken{Token: tok.Value, ExpiresAt: tok.ExpiresAt}
	if s.botURL != "" {
		out.DeepLink = s.botURL + "?start=" + url.QueryEscape(tok.Value)
	}
	return out, nil
}

// LinkRequest is what the chat front-end presents after the user follows a
// deep link.
type LinkRequest struct {
	Token       string `json:"token"`
	ChatID      string `json:"telegram_id"`
	DisplayName string `json:"display_name"`
}

// LinkChat redeems a deep-link token and binds the chat id to the token's
// account, then notifies every linked application with account_update.
func (s *Service) LinkChat(ctx context.Context, req LinkRequest) (identity.Account, error) {
	chatID := strings.TrimSpace(req.ChatID)
	if chatID == "" {
		return identity.Account{}, fmt.Errorf("%w: telegram_id is required", identity.ErrInvalidInput)
	}
	tok, err := s.verifier.RedeemDeepLink(ctx, req.Token)
	if err != nil {
		return identity.Account{}, err
	}
	if tok.Purpose != identity.PurposeAccountLink || tok.AccountID == "" {
		return identity.Account{}, fmt.Errorf("%w: token is not a link token", identity.ErrInvalid)
	}
	acc, err := s.store.SetChatID(ctx, tok.AccountID, chatID, req.DisplayName)
	if err != nil {
		return identity.Account{}, err
	}
	s.logger.Info("chat linked", "account_id", acc.ID)
	_ = audit.LogEvent(ctx, "account.chat_linked", map[string]any{"account_id": acc.ID})
	if s.notifier != nil {
		s.notifier.EmitForAccount(ctx, acc.ID, webhook.EventAccountUpdate, webhook.Payload{
			AccountID: acc.ID,
			Extra:     map[string]any{"updated_fields": []string{"telegram_id", "display_name"}},
		})
	}
	return acc, nil
}

// OTPRequest starts a one-time-password login.
type OTPRequest struct {
	Identifier string           `json:"identifier"`
	Channel    identity.Channel `json:"channel"`
}

// OTPChallenge carries the code back to the calling application, which
// delivers it over its own channel.
type OTPChallenge struct {
	AccountID string           `json:"account_id"`
	Channel   identity.Channel `json:"channel"`
	Code      string           `json:"code"`
	ExpiresAt time.Time        `json:"expires_at"`
}

// IssueOTP mints a login code for an existing account.
func (s *Service) IssueOTP(ctx context.Context, req OTPRequest) (OTPChallenge, error) {
	acc, err := s.lookup(ctx, req.Channel, req.Identifier)
	if err != nil {
		return OTPChallenge{}, err
	}
	tok, err := s.verifier.Issue(ctx, verification.IssueRequest{
		Identifier: req.Identifier,
		Channel:    req.Channel,
		Purpose:    identity.PurposeOTPLogin,
		TTL:        s.otpTTL,
		AccountID:  acc.ID,
	})
	if err != nil {
		return OTPChallenge{}, err
	}
	return OTPChallenge{AccountID: acc.ID, Channel: tok.Channel, Code: tok.Value, ExpiresAt: tok.ExpiresAt}, nil
}

// VerifyRequest completes an OTP login.
type VerifyRequest struct {
	Identifier string           `json:"identifier"`
	Channel    identity.Channel `json:"channel"`
	Code       string           `json:"code"`
}

// Session is an identity token for one application.
type Session struct {
	Token     string           `json:"jwt"`
	ExpiresAt time.Time        `json:"expires_at"`
	Account   identity.Account `json:"account"`
	Role      identity.Role    `json:"app_specific_role"`
}

// VerifyOTP redeems the code and signs a token scoped to clientID. First
// login to an application creates a default-role link.
func (s *Service) VerifyOTP(ctx context.Context, clientID string, req VerifyRequest) (Session, error) {
	tok, err := s.verifier.Redeem(ctx, verification.RedeemRequest{
		Identifier: req.Identifier,
		Channel:    req.Channel,
		Purpose:    identity.PurposeOTPLogin,
		Value:      req.Code,
	})
	if err != nil {
		return Session{}, err
	}
	acc, err := s.store.GetAccount(ctx, tok.AccountID)
	if err != nil {
		return Session{}, err
	}
	link, _, err := s.linker.EnsureLinked(ctx, acc.ID, clientID)
	if err != nil {
		return Session{}, err
	}
	jwt, exp, err := s.tokens.Issue(acc.ID, clientID, acc.Email)
	if err != nil {
		return Session{}, err
	}
	s.logger.Info("otp login", "account_id", acc.ID, "client_id", clientID, "channel", string(req.Channel))
	return Session{Token: jwt, ExpiresAt: exp, Account: acc, Role: link.Role}, nil
}

// Purge deletes an account and all of its links. Only super admins may purge.
// Every application the account was linked to receives account_role_change
// with new_role "removed".
func (s *Service) Purge(ctx context.Context, actorID, accountID string) error {
	if !s.IsSuperAdmin(actorID) {
		return fmt.Errorf("%w: purge requires a super admin", identity.ErrPermissionDenied)
	}
	links, err := s.store.ListLinksByAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteAccount(ctx, accountID); err != nil {
		return err
	}
	s.logger.Warn("account purged", "account_id", accountID, "actor", actorID, "links", len(links))
	_ = audit.LogEvent(ctx, "account.purged", map[string]any{"account_id": accountID, "actor": actorID, "links": len(links)})
	if s.notifier == nil {
		return nil
	}
	for _, link := range links {
		s.notifier.Emit(ctx, link.ApplicationID, webhook.EventAccountRoleChange, webhook.Payload{
			AccountID: accountID,
			Extra: map[string]any{
				"previous_role": link.Role.String(),
				"new_role":      "removed",
				"reason":        "account_purged",
			},
		})
	}
	return nil
}

func (s *Service) lookup(ctx context.Context, channel identity.Channel, identifier string) (identity.Account, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return identity.Account{}, fmt.Errorf("%w: identifier is required", identity.ErrInvalidInput)
	}
	var (
		acc identity.Account
		err error
	)
	switch channel {
	case identity.ChannelEmail:
		acc, err = s.store.FindAccountByEmail(ctx, strings.ToLower(identifier))
	case identity.ChannelPhone:
		acc, err = s.store.FindAccountByPhone(ctx, identifier)
	case identity.ChannelChat:
		acc, err = s.store.FindAccountByChatID(ctx, identifier)
	default:
		return identity.Account{}, fmt.Errorf("%w: channel %q cannot receive a login code", identity.ErrInvalidInput, channel)
	}
	if errors.Is(err, identity.ErrNotFound) {
		return identity.Account{}, fmt.Errorf("%w: no account for %s", identity.ErrNotFound, channel)
	}
	return acc, err
}

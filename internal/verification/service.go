package verification

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"time"
	"unicode"

	"bifrost.org/internal/identity"
	"bifrost.org/internal/ids"
	"bifrost.org/internal/obs"
)

const (
	DefaultTTL   = 10 * time.Minute
	otpDigits    = 6
	deepLinkSize = 16
)

// Store is the token persistence the service needs.
type Store interface {
	ReplaceToken(ctx context.Context, tok identity.VerificationToken) (identity.VerificationToken, error)
	FindToken(ctx context.Context, identifier string, channel identity.Channel, purpose identity.Purpose) (identity.VerificationToken, error)
	FindTokenByValue(ctx context.Context, channel identity.Channel, value string) (identity.VerificationToken, error)
	ConsumeToken(ctx context.Context, id string) (bool, error)
}

// Service issues and redeems single-use verification tokens.
type Service struct {
	store   Store
	logger  *slog.Logger
	metrics *obs.Metrics
	now     func() time.Time
	random  io.Reader
	ttl     time.Duration
}

// Option configures Service.
type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRandom replaces crypto/rand as the entropy source.
func WithRandom(r io.Reader) Option {
	return func(s *Service) {
		if r != nil {
			s.random = r
		}
	}
}

// WithDefaultTTL sets the lifetime used when a request carries none.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithMetrics(m *obs.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// New constructs a Service.
func New(store Store, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = obs.Logger()
	}
	s := &Service{
		store:  store,
		logger: logger.With("component", "verification"),
		now:    time.Now,
		random: rand.Reader,
		ttl:    DefaultTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IssueRequest describes a token to mint.
type IssueRequest struct {
	Identifier string
	Channel    identity.Channel
	Purpose    identity.Purpose
	TTL        time.Duration
	AccountID  string
}

// RedeemRequest presents a token value for a key.
type RedeemRequest struct {
	Identifier string
	Channel    identity.Channel
	Purpose    identity.Purpose
	Value      string
}

// Issue mints a token and invalidates any prior live token for the same
// (identifier, channel, purpose).
func (s *Service) Issue(ctx context.Context, req IssueRequest) (identity.VerificationToken, error) {
	identifier := normalizeIdentifier(req.Identifier)
	if identifier == "" {
		return identity.VerificationToken{}, fmt.Errorf("%w: identifier is required", identity.ErrInvalidInput)
	}
	if !req.Channel.Valid() {
		return identity.VerificationToken{}, fmt.Errorf("%w: unknown channel %q", identity.ErrInvalidInput, req.Channel)
	}
	if !req.Purpose.Valid() {
		return identity.VerificationToken{}, fmt.Errorf("%w: unknown purpose %q", identity.ErrInvalidInput, req.Purpose)
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.ttl
	}

	var (
		value string
		err   error
	)
	if req.Channel == identity.ChannelDeepLink {
		value, err = s.deepLinkValue()
	} else {
		value, err = s.otpValue()
	}
	if err != nil {
		return identity.VerificationToken{}, fmt.Errorf("generate token: %w", err)
	}

	now := s.now().UTC()
	tok, err := s.store.ReplaceToken(ctx, identity.VerificationToken{
		ID:         ids.New(),
		Identifier: identifier,
		Channel:    req.Channel,
		Purpose:    req.Purpose,
		Value:      value,
		AccountID:  req.AccountID,
		ExpiresAt:  now.Add(ttl),
		CreatedAt:  now,
	})
	if err != nil {
		return identity.VerificationToken{}, err
	}
	s.logger.Info("verification token issued",
		"identifier", identifier, "channel", string(req.Channel), "purpose", string(req.Purpose),
		"expires_at", tok.ExpiresAt.Format(time.RFC3339))
	return tok, nil
}

// Redeem consumes the live token for the key when value matches.
func (s *Service) Redeem(ctx context.Context, req RedeemRequest) (identity.VerificationToken, error) {
	identifier := normalizeIdentifier(req.Identifier)
	value := stripSpace(req.Value)
	if identifier == "" || value == "" {
		return identity.VerificationToken{}, s.fail(req.Channel, "invalid", fmt.Errorf("%w: identifier and value are required", identity.ErrInvalid))
	}
	tok, err := s.store.FindToken(ctx, identifier, req.Channel, req.Purpose)
	if errors.Is(err, identity.ErrNotFound) {
		return identity.VerificationToken{}, s.fail(req.Channel, "invalid", fmt.Errorf("%w: no token issued", identity.ErrInvalid))
	}
	if err != nil {
		return identity.VerificationToken{}, err
	}
	if subtle.ConstantTimeCompare([]byte(tok.Value), []byte(value)) != 1 {
		return identity.VerificationToken{}, s.fail(req.Channel, "invalid", fmt.Errorf("%w: token mismatch", identity.ErrInvalid))
	}
	return s.consume(ctx, tok)
}

// RedeemDeepLink consumes a deep-link token known only by its value.
func (s *Service) RedeemDeepLink(ctx context.Context, value string) (identity.VerificationToken, error) {
	value = stripSpace(value)
	if value == "" {
		return identity.VerificationToken{}, s.fail(identity.ChannelDeepLink, "invalid", fmt.Errorf("%w: token is required", identity.ErrInvalid))
	}
	tok, err := s.store.FindTokenByValue(ctx, identity.ChannelDeepLink, value)
	if errors.Is(err, identity.ErrNotFound) {
		return identity.VerificationToken{}, s.fail(identity.ChannelDeepLink, "invalid", fmt.Errorf("%w: unknown token", identity.ErrInvalid))
	}
	if err != nil {
		return identity.VerificationToken{}, err
	}
	return s.consume(ctx, tok)
}

func (s *Service) consume(ctx context.Context, tok identity.VerificationToken) (identity.VerificationToken, error) {
	if tok.Consumed {
		return identity.VerificationToken{}, s.fail(tok.Channel, "consumed", fmt.Errorf("%w: token already used", identity.ErrInvalid))
	}
	if !s.now().Before(tok.ExpiresAt) {
		return identity.VerificationToken{}, s.fail(tok.Channel, "expired", fmt.Errorf("%w: token expired", identity.ErrExpired))
	}
	ok, err := s.store.ConsumeToken(ctx, tok.ID)
	if err != nil {
		return identity.VerificationToken{}, err
	}
	if !ok {
		return identity.VerificationToken{}, s.fail(tok.Channel, "consumed", fmt.Errorf("%w: token already used", identity.ErrInvalid))
	}
	tok.Consumed = true
	s.metrics.TokenRedeemed(string(tok.Channel), "ok")
	s.logger.Info("verification token redeemed", "identifier", tok.Identifier, "channel", string(tok.Channel), "purpose", string(tok.Purpose))
	return tok, nil
}

func (s *Service) fail(channel identity.Channel, outcome string, err error) error {
	s.metrics.TokenRedeemed(string(channel), outcome)
	s.logger.Debug("verification token rejected", "channel", string(channel), "outcome", outcome)
	return err
}

func (s *Service) otpValue() (string, error) {
	max := big.NewInt(1_000_000)
	n, err := rand.Int(s.random, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", otpDigits, n.Int64()), nil
}

func (s *Service) deepLinkValue() (string, error) {
	buf := make([]byte, deepLinkSize)
	if _, err := io.ReadFull(s.random, buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func normalizeIdentifier(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}
